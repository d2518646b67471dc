package settlement

import (
	"math/big"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/obdex/obdex/pkg/core"
)

func TestPackBatchDedupsSharedMaker(t *testing.T) {
	maker := settlementOrder("m1", core.Sell, "5")
	t1 := settlementOrder("t1", core.Buy, "1")
	t2 := settlementOrder("t2", core.Buy, "1")

	items := []*item{
		{fill: settlementFill("f1", t1, maker, "1"), taker: t1, maker: maker},
		{fill: settlementFill("f2", t2, maker, "1"), taker: t2, maker: maker},
	}

	data, err := packBatch(items)
	require.NoError(t, err)
	require.NotEmpty(t, data)
	assert.Equal(t, parsedABI.Methods["batchSettle"].ID, data[:4])

	// The shared maker appears once: packing the deduplicated batch by hand
	// must produce identical call data.
	expected, err := parsedABI.Pack("batchSettle", abiBatch{
		TakerOrders:     []abiOrder{toABIOrder(t1), toABIOrder(t2)},
		MakerOrders:     []abiOrder{toABIOrder(maker)},
		TakerSignatures: [][]byte{t1.Signature, t2.Signature},
		MakerSignatures: [][]byte{maker.Signature},
		Fills:           []abiFill{toABIFill(items[0].fill), toABIFill(items[1].fill)},
	})
	require.NoError(t, err)
	assert.Equal(t, expected, data)
}

func TestToABIOrderScaling(t *testing.T) {
	o := settlementOrder("o1", core.Buy, "1.5")
	ao := toABIOrder(o)

	want, _ := new(big.Int).SetString("1500000000000000000", 10)
	assert.Zero(t, ao.Amount.Cmp(want))
	wantPrice, _ := new(big.Int).SetString("2000000000000000000000", 10)
	assert.Zero(t, ao.Price.Cmp(wantPrice))

	assert.Zero(t, ao.ExpiresAt.Sign(), "GTC orders carry zero expiry")

	o.ExpiresAt = time.Unix(1_800_000_000, 0)
	assert.Equal(t, int64(1_800_000_000), toABIOrder(o).ExpiresAt.Int64())
}

func TestToABIFillCarriesHashes(t *testing.T) {
	taker := settlementOrder("t1", core.Buy, "1")
	maker := settlementOrder("m1", core.Sell, "1")
	f := settlementFill("f1", taker, maker, "0.25")

	af := toABIFill(f)
	assert.Equal(t, [32]byte(taker.Hash), af.TakerHash)
	assert.Equal(t, [32]byte(maker.Hash), af.MakerHash)
	want, _ := new(big.Int).SetString("250000000000000000", 10)
	assert.Zero(t, af.Amount.Cmp(want))
	assert.Equal(t, uint8(core.Buy), af.TakerSide)
}
