package crypto

import (
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/obdex/obdex/pkg/core"
)

var testDomain = DefaultDomain(1337, common.HexToAddress("0x00000000000000000000000000000000000000dd"))

func testOrder(user common.Address) *core.Order {
	return &core.Order{
		User:       user,
		Pair:       "WETH-USDC",
		BaseToken:  common.HexToAddress("0x0000000000000000000000000000000000000010"),
		QuoteToken: common.HexToAddress("0x0000000000000000000000000000000000000020"),
		Side:       core.Buy,
		Kind:       core.Limit,
		Price:      decimal.RequireFromString("2000"),
		Amount:     decimal.RequireFromString("1.5"),
		Nonce:      1,
	}
}

func TestSignVerifyRoundtrip(t *testing.T) {
	signer, err := GenerateKey()
	require.NoError(t, err)
	v := NewOrderVerifier(testDomain)

	o := testOrder(signer.Address())
	sig, err := v.SignOrder(signer, o)
	require.NoError(t, err)
	require.Len(t, sig, 65)
	o.Signature = sig

	hash, recovered, err := v.Verify(o, time.Now())
	require.NoError(t, err)
	assert.Equal(t, signer.Address(), recovered)
	assert.NotEqual(t, common.Hash{}, hash)

	// The hash is deterministic for identical signed fields.
	again, err := v.HashOrder(o)
	require.NoError(t, err)
	assert.Equal(t, hash, again)
}

func TestHashCoversSignedFields(t *testing.T) {
	signer, err := GenerateKey()
	require.NoError(t, err)
	v := NewOrderVerifier(testDomain)

	base := testOrder(signer.Address())
	baseHash, err := v.HashOrder(base)
	require.NoError(t, err)

	mutations := map[string]func(o *core.Order){
		"price":     func(o *core.Order) { o.Price = decimal.RequireFromString("2001") },
		"amount":    func(o *core.Order) { o.Amount = decimal.RequireFromString("2") },
		"side":      func(o *core.Order) { o.Side = core.Sell },
		"kind":      func(o *core.Order) { o.Kind = core.Market },
		"nonce":     func(o *core.Order) { o.Nonce = 2 },
		"pair":      func(o *core.Order) { o.Pair = "WBTC-USDC" },
		"expiresAt": func(o *core.Order) { o.ExpiresAt = time.Unix(1900000000, 0) },
	}
	for name, mutate := range mutations {
		o := testOrder(signer.Address())
		mutate(o)
		h, err := v.HashOrder(o)
		require.NoError(t, err)
		assert.NotEqual(t, baseHash, h, "changing %s must change the hash", name)
	}
}

func TestVerifyRejectsTampering(t *testing.T) {
	signer, err := GenerateKey()
	require.NoError(t, err)
	v := NewOrderVerifier(testDomain)

	o := testOrder(signer.Address())
	o.Signature, err = v.SignOrder(signer, o)
	require.NoError(t, err)

	// Tampering with a signed field makes recovery produce a different address.
	o.Price = decimal.RequireFromString("1")
	_, _, err = v.Verify(o, time.Now())
	require.Error(t, err)
	assert.True(t, core.HasCode(err, core.CodeInvalidSignature))
}

func TestVerifyRejectsWrongUser(t *testing.T) {
	signer, err := GenerateKey()
	require.NoError(t, err)
	other, err := GenerateKey()
	require.NoError(t, err)
	v := NewOrderVerifier(testDomain)

	// Signed by `signer` but claiming to be `other`.
	o := testOrder(other.Address())
	forged := testOrder(signer.Address())
	sig, err := v.SignOrder(signer, forged)
	require.NoError(t, err)
	o.Signature = sig

	_, _, err = v.Verify(o, time.Now())
	require.Error(t, err)
	assert.True(t, core.HasCode(err, core.CodeInvalidSignature))
}

func TestVerifyRejectsMalformedSignature(t *testing.T) {
	signer, err := GenerateKey()
	require.NoError(t, err)
	v := NewOrderVerifier(testDomain)

	o := testOrder(signer.Address())
	o.Signature = []byte{0x01, 0x02}
	_, _, err = v.Verify(o, time.Now())
	require.Error(t, err)
	assert.True(t, core.HasCode(err, core.CodeMalformedSignature))
}

func TestVerifyRejectsExpired(t *testing.T) {
	signer, err := GenerateKey()
	require.NoError(t, err)
	v := NewOrderVerifier(testDomain)

	o := testOrder(signer.Address())
	o.ExpiresAt = time.Now().Add(-time.Minute)
	o.Signature, err = v.SignOrder(signer, o)
	require.NoError(t, err)

	_, _, err = v.Verify(o, time.Now())
	require.Error(t, err)
	assert.True(t, core.HasCode(err, core.CodeExpired))
}

func TestDomainSeparation(t *testing.T) {
	signer, err := GenerateKey()
	require.NoError(t, err)

	o := testOrder(signer.Address())
	h1, err := NewOrderVerifier(testDomain).HashOrder(o)
	require.NoError(t, err)
	h2, err := NewOrderVerifier(DefaultDomain(1, testDomain.VerifyingContract)).HashOrder(o)
	require.NoError(t, err)
	assert.NotEqual(t, h1, h2, "different chain IDs produce different digests")
}
