package settlement

import (
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"

	"github.com/obdex/obdex/pkg/core"
)

// settlementABI is the on-chain surface consumed by the submitter. The
// contract enforces replay-by-hash and overfill protection; field order of
// the Order tuple matches the signed typed-data schema.
const settlementABI = `[{
	"name": "batchSettle",
	"type": "function",
	"stateMutability": "nonpayable",
	"inputs": [{
		"name": "batch",
		"type": "tuple",
		"components": [
			{"name": "takerOrders", "type": "tuple[]", "components": [
				{"name": "userAddress", "type": "address"},
				{"name": "tradingPair", "type": "string"},
				{"name": "baseToken", "type": "address"},
				{"name": "quoteToken", "type": "address"},
				{"name": "side", "type": "uint8"},
				{"name": "orderType", "type": "uint8"},
				{"name": "price", "type": "uint256"},
				{"name": "amount", "type": "uint256"},
				{"name": "expiresAt", "type": "uint256"},
				{"name": "nonce", "type": "uint256"}
			]},
			{"name": "makerOrders", "type": "tuple[]", "components": [
				{"name": "userAddress", "type": "address"},
				{"name": "tradingPair", "type": "string"},
				{"name": "baseToken", "type": "address"},
				{"name": "quoteToken", "type": "address"},
				{"name": "side", "type": "uint8"},
				{"name": "orderType", "type": "uint8"},
				{"name": "price", "type": "uint256"},
				{"name": "amount", "type": "uint256"},
				{"name": "expiresAt", "type": "uint256"},
				{"name": "nonce", "type": "uint256"}
			]},
			{"name": "takerSignatures", "type": "bytes[]"},
			{"name": "makerSignatures", "type": "bytes[]"},
			{"name": "fills", "type": "tuple[]", "components": [
				{"name": "takerHash", "type": "bytes32"},
				{"name": "makerHash", "type": "bytes32"},
				{"name": "price", "type": "uint256"},
				{"name": "amount", "type": "uint256"},
				{"name": "takerSide", "type": "uint8"}
			]}
		]
	}],
	"outputs": []
}]`

var parsedABI = func() abi.ABI {
	a, err := abi.JSON(strings.NewReader(settlementABI))
	if err != nil {
		panic("settlement: bad ABI: " + err.Error())
	}
	return a
}()

type abiOrder struct {
	UserAddress common.Address
	TradingPair string
	BaseToken   common.Address
	QuoteToken  common.Address
	Side        uint8
	OrderType   uint8
	Price       *big.Int
	Amount      *big.Int
	ExpiresAt   *big.Int
	Nonce       *big.Int
}

type abiFill struct {
	TakerHash [32]byte
	MakerHash [32]byte
	Price     *big.Int
	Amount    *big.Int
	TakerSide uint8
}

type abiBatch struct {
	TakerOrders     []abiOrder
	MakerOrders     []abiOrder
	TakerSignatures [][]byte
	MakerSignatures [][]byte
	Fills           []abiFill
}

func toABIOrder(o *core.Order) abiOrder {
	expires := big.NewInt(0)
	if !o.ExpiresAt.IsZero() {
		expires = big.NewInt(o.ExpiresAt.Unix())
	}
	return abiOrder{
		UserAddress: o.User,
		TradingPair: o.Pair,
		BaseToken:   o.BaseToken,
		QuoteToken:  o.QuoteToken,
		Side:        uint8(o.Side),
		OrderType:   uint8(o.Kind),
		Price:       core.ToBaseUnits(o.Price),
		Amount:      core.ToBaseUnits(o.Amount),
		ExpiresAt:   expires,
		Nonce:       new(big.Int).SetUint64(o.Nonce),
	}
}

func toABIFill(f *core.Fill) abiFill {
	return abiFill{
		TakerHash: f.TakerHash,
		MakerHash: f.MakerHash,
		Price:     core.ToBaseUnits(f.Price),
		Amount:    core.ToBaseUnits(f.Amount),
		TakerSide: uint8(f.TakerSide),
	}
}

// packBatch serializes a deduplicated batch into batchSettle call data.
// Each distinct order and its signature appear exactly once; the fills list
// is preserved as matched.
func packBatch(items []*item) ([]byte, error) {
	var batch abiBatch
	seenTaker := make(map[common.Hash]struct{})
	seenMaker := make(map[common.Hash]struct{})

	for _, it := range items {
		if _, ok := seenTaker[it.taker.Hash]; !ok {
			seenTaker[it.taker.Hash] = struct{}{}
			batch.TakerOrders = append(batch.TakerOrders, toABIOrder(it.taker))
			batch.TakerSignatures = append(batch.TakerSignatures, it.taker.Signature)
		}
		if _, ok := seenMaker[it.maker.Hash]; !ok {
			seenMaker[it.maker.Hash] = struct{}{}
			batch.MakerOrders = append(batch.MakerOrders, toABIOrder(it.maker))
			batch.MakerSignatures = append(batch.MakerSignatures, it.maker.Signature)
		}
		batch.Fills = append(batch.Fills, toABIFill(it.fill))
	}
	return parsedABI.Pack("batchSettle", batch)
}
