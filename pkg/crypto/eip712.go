package crypto

import (
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/math"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"

	"github.com/obdex/obdex/pkg/core"
)

// Domain is the EIP-712 domain separator. ChainID and VerifyingContract must
// match the settlement contract or signatures will not verify on-chain.
type Domain struct {
	Name              string
	Version           string
	ChainID           *big.Int
	VerifyingContract common.Address
}

// DefaultDomain returns the production domain for the given chain/contract.
func DefaultDomain(chainID int64, settlement common.Address) Domain {
	return Domain{
		Name:              "OrderBook DEX",
		Version:           "1.0",
		ChainID:           big.NewInt(chainID),
		VerifyingContract: settlement,
	}
}

// orderTypes is the typed-data schema for Order. Field order is normative:
// the settlement contract hashes the identical struct.
var orderTypes = apitypes.Types{
	"EIP712Domain": []apitypes.Type{
		{Name: "name", Type: "string"},
		{Name: "version", Type: "string"},
		{Name: "chainId", Type: "uint256"},
		{Name: "verifyingContract", Type: "address"},
	},
	"Order": []apitypes.Type{
		{Name: "userAddress", Type: "address"},
		{Name: "tradingPair", Type: "string"},
		{Name: "baseToken", Type: "address"},
		{Name: "quoteToken", Type: "address"},
		{Name: "side", Type: "uint8"},
		{Name: "orderType", Type: "uint8"},
		{Name: "price", Type: "uint256"},
		{Name: "amount", Type: "uint256"},
		{Name: "expiresAt", Type: "uint256"},
		{Name: "nonce", Type: "uint256"},
	},
}

// OrderVerifier computes canonical order hashes and verifies signatures.
type OrderVerifier struct {
	domain Domain
}

func NewOrderVerifier(domain Domain) *OrderVerifier {
	return &OrderVerifier{domain: domain}
}

// Domain returns the verifier's domain parameters.
func (v *OrderVerifier) Domain() Domain { return v.domain }

func (v *OrderVerifier) typedData(o *core.Order) apitypes.TypedData {
	expires := big.NewInt(0)
	if !o.ExpiresAt.IsZero() {
		expires = big.NewInt(o.ExpiresAt.Unix())
	}
	return apitypes.TypedData{
		Types:       orderTypes,
		PrimaryType: "Order",
		Domain: apitypes.TypedDataDomain{
			Name:              v.domain.Name,
			Version:           v.domain.Version,
			ChainId:           (*math.HexOrDecimal256)(v.domain.ChainID),
			VerifyingContract: v.domain.VerifyingContract.Hex(),
		},
		Message: apitypes.TypedDataMessage{
			"userAddress": o.User.Hex(),
			"tradingPair": o.Pair,
			"baseToken":   o.BaseToken.Hex(),
			"quoteToken":  o.QuoteToken.Hex(),
			"side":        fmt.Sprintf("%d", uint8(o.Side)),
			"orderType":   fmt.Sprintf("%d", uint8(o.Kind)),
			"price":       core.ToBaseUnits(o.Price).String(),
			"amount":      core.ToBaseUnits(o.Amount).String(),
			"expiresAt":   expires.String(),
			"nonce":       new(big.Int).SetUint64(o.Nonce).String(),
		},
	}
}

// HashOrder computes the canonical domain-separated digest of the user-signed
// fields. The hash doubles as the replay-protection key.
func (v *OrderVerifier) HashOrder(o *core.Order) (common.Hash, error) {
	td := v.typedData(o)

	domainSeparator, err := td.HashStruct("EIP712Domain", td.Domain.Map())
	if err != nil {
		return common.Hash{}, fmt.Errorf("hash domain: %w", err)
	}
	structHash, err := td.HashStruct(td.PrimaryType, td.Message)
	if err != nil {
		return common.Hash{}, fmt.Errorf("hash order struct: %w", err)
	}

	// digest = keccak256("\x19\x01" || domainSeparator || structHash)
	raw := make([]byte, 0, 2+len(domainSeparator)+len(structHash))
	raw = append(raw, 0x19, 0x01)
	raw = append(raw, domainSeparator...)
	raw = append(raw, structHash...)
	return ethcrypto.Keccak256Hash(raw), nil
}

// Verify checks the order's signature and expiry at now. It returns the
// canonical hash and the recovered signer.
func (v *OrderVerifier) Verify(o *core.Order, now time.Time) (common.Hash, common.Address, error) {
	hash, err := v.HashOrder(o)
	if err != nil {
		return common.Hash{}, common.Address{}, core.Wrap(core.CodeMalformedRequest, err, "hash order")
	}

	if len(o.Signature) != 65 {
		return hash, common.Address{}, core.E(core.CodeMalformedSignature,
			"signature must be 65 bytes (r||s||v), got %d", len(o.Signature))
	}

	signer, err := RecoverAddress(hash.Bytes(), o.Signature)
	if err != nil {
		return hash, common.Address{}, core.Wrap(core.CodeMalformedSignature, err, "recover signer")
	}
	if signer != o.User {
		return hash, signer, core.E(core.CodeInvalidSignature,
			"recovered signer %s does not match user %s", signer.Hex(), o.User.Hex())
	}
	if o.Expired(now) {
		return hash, signer, core.E(core.CodeExpired, "order expired at %s", o.ExpiresAt.Format(time.RFC3339))
	}
	return hash, signer, nil
}

// SignOrder hashes and signs an order with the given key. Used by the
// sign-order tool and tests; the engine itself never holds user keys.
func (v *OrderVerifier) SignOrder(signer *Signer, o *core.Order) ([]byte, error) {
	hash, err := v.HashOrder(o)
	if err != nil {
		return nil, fmt.Errorf("hash order: %w", err)
	}
	return signer.Sign(hash.Bytes())
}
