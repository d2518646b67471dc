package core

import (
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
)

// Side is the order side. Wire values match the settlement contract schema.
type Side uint8

const (
	Buy  Side = 0
	Sell Side = 1
)

func (s Side) String() string {
	if s == Buy {
		return "BUY"
	}
	return "SELL"
}

// Opposite returns the opposing book side.
func (s Side) Opposite() Side {
	if s == Buy {
		return Sell
	}
	return Buy
}

// ParseSide parses "BUY"/"SELL" (case-insensitive).
func ParseSide(s string) (Side, error) {
	switch strings.ToUpper(s) {
	case "BUY":
		return Buy, nil
	case "SELL":
		return Sell, nil
	default:
		return 0, E(CodeInvalidParameter, "invalid side %q", s)
	}
}

// Kind is the order kind. Wire values match the settlement contract schema.
type Kind uint8

const (
	Limit      Kind = 0
	Market     Kind = 1
	StopLoss   Kind = 2
	TakeProfit Kind = 3
)

func (k Kind) String() string {
	switch k {
	case Limit:
		return "LIMIT"
	case Market:
		return "MARKET"
	case StopLoss:
		return "STOP_LOSS"
	case TakeProfit:
		return "TAKE_PROFIT"
	default:
		return fmt.Sprintf("KIND(%d)", uint8(k))
	}
}

// ParseKind parses an order kind string (case-insensitive).
func ParseKind(s string) (Kind, error) {
	switch strings.ToUpper(s) {
	case "LIMIT":
		return Limit, nil
	case "MARKET":
		return Market, nil
	case "STOP_LOSS":
		return StopLoss, nil
	case "TAKE_PROFIT":
		return TakeProfit, nil
	default:
		return 0, E(CodeInvalidParameter, "invalid order kind %q", s)
	}
}

// Status is the order lifecycle state.
type Status string

const (
	StatusPending         Status = "PENDING"
	StatusOpen            Status = "OPEN"
	StatusPartiallyFilled Status = "PARTIALLY_FILLED"
	StatusFilled          Status = "FILLED"
	StatusCancelled       Status = "CANCELLED"
	StatusRejected        Status = "REJECTED"
)

// Terminal reports whether no further transitions are possible.
func (s Status) Terminal() bool {
	return s == StatusFilled || s == StatusCancelled || s == StatusRejected
}

// SignedDecimals is the uniform fixed-point scale used when bridging
// decimal prices/amounts to uint256 for signing and settlement.
// Both sides of the compatibility boundary must agree on it.
const SignedDecimals = 18

// ToBaseUnits converts a decimal value to integer base units at
// SignedDecimals precision, truncating toward zero.
func ToBaseUnits(d decimal.Decimal) *big.Int {
	return d.Truncate(SignedDecimals).Shift(SignedDecimals).BigInt()
}

// FromBaseUnits converts integer base units back to a decimal value.
func FromBaseUnits(v *big.Int) decimal.Decimal {
	return decimal.NewFromBigInt(v, -SignedDecimals)
}

// QuoteAmount computes price × amount in quote units, truncated toward zero
// at SignedDecimals. Truncation never inflates the quote leg.
func QuoteAmount(price, amount decimal.Decimal) decimal.Decimal {
	return price.Mul(amount).Truncate(SignedDecimals)
}

// Pair is an ordered (base, quote) trading pair, e.g. "WETH-USDC".
type Pair struct {
	Symbol     string
	BaseToken  common.Address
	QuoteToken common.Address
}

// Order is the engine's record of a signed order. Books and user indices
// hold the ID, not the record; the per-pair store owns it.
type Order struct {
	ID           string
	Hash         common.Hash
	User         common.Address
	Pair         string
	BaseToken    common.Address
	QuoteToken   common.Address
	Side         Side
	Kind         Kind
	Price        decimal.Decimal
	Amount       decimal.Decimal
	FilledAmount decimal.Decimal
	ExpiresAt    time.Time // zero value = GTC
	Nonce        uint64
	Signature    []byte
	Status       Status
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Remaining returns the unfilled base amount.
func (o *Order) Remaining() decimal.Decimal {
	return o.Amount.Sub(o.FilledAmount)
}

// Expired reports whether the order's deadline has passed at now.
// GTC orders never expire.
func (o *Order) Expired(now time.Time) bool {
	return !o.ExpiresAt.IsZero() && !o.ExpiresAt.After(now)
}

// Fill is one atomic match between a taker and a maker. Price is always the
// maker's resting price.
type Fill struct {
	ID               string
	TakerOrderID     string
	MakerOrderID     string
	TakerHash        common.Hash
	MakerHash        common.Hash
	TakerUser        common.Address
	MakerUser        common.Address
	Pair             string
	Price            decimal.Decimal
	Amount           decimal.Decimal
	TakerSide        Side
	CreatedAt        time.Time
	SettlementTxHash common.Hash // zero until settled on-chain
}

// BookLevel is one aggregated price level of a snapshot.
type BookLevel struct {
	Price  decimal.Decimal
	Amount decimal.Decimal
	Count  int
}

// OrderBookSnapshot is a depth-limited view of one pair's book.
// Bids descend, asks ascend.
type OrderBookSnapshot struct {
	Pair      string
	Bids      []BookLevel
	Asks      []BookLevel
	Timestamp time.Time
}

// PairStats summarizes recent activity on one pair.
type PairStats struct {
	Pair       string
	LastPrice  decimal.Decimal
	BestBid    decimal.Decimal
	BestAsk    decimal.Decimal
	Volume24h  decimal.Decimal
	High24h    decimal.Decimal
	Low24h     decimal.Decimal
	TradeCount int
	OpenOrders int
}
