package api

import (
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"github.com/obdex/obdex/pkg/core"
)

// PlaceOrderRequest is the signed order body accepted by POST /api/v1/orders.
// Price and amount are decimal strings; expires_at and nonce are numbers to
// match the signed uint256 fields.
type PlaceOrderRequest struct {
	UserAddress string `json:"user_address" validate:"required,eth_addr"`
	TradingPair string `json:"trading_pair" validate:"required"`
	BaseToken   string `json:"base_token" validate:"required,eth_addr"`
	QuoteToken  string `json:"quote_token" validate:"required,eth_addr"`
	Side        string `json:"side" validate:"required,oneof=BUY SELL"`
	OrderType   string `json:"order_type" validate:"required,oneof=LIMIT MARKET STOP_LOSS TAKE_PROFIT"`
	Price       string `json:"price" validate:"required"`
	Amount      string `json:"amount" validate:"required"`
	ExpiresAt   int64  `json:"expires_at" validate:"gte=0"`
	Nonce       uint64 `json:"nonce" validate:"required"`
	Signature   string `json:"signature" validate:"required"`
}

// OrderInfo is the wire form of an order.
type OrderInfo struct {
	OrderID      string `json:"order_id"`
	Hash         string `json:"hash"`
	UserAddress  string `json:"user_address"`
	TradingPair  string `json:"trading_pair"`
	BaseToken    string `json:"base_token"`
	QuoteToken   string `json:"quote_token"`
	Side         string `json:"side"`
	OrderType    string `json:"order_type"`
	Price        string `json:"price"`
	Amount       string `json:"amount"`
	FilledAmount string `json:"filled_amount"`
	Status       string `json:"status"`
	ExpiresAt    string `json:"expires_at,omitempty"`
	Nonce        uint64 `json:"nonce"`
	CreatedAt    string `json:"created_at"`
	UpdatedAt    string `json:"updated_at"`
}

type FillInfo struct {
	FillID      string `json:"fill_id"`
	TradingPair string `json:"trading_pair"`
	Price       string `json:"price"`
	Amount      string `json:"amount"`
	TakerSide   string `json:"taker_side"`
	TakerOrder  string `json:"taker_order_id"`
	MakerOrder  string `json:"maker_order_id"`
	TxHash      string `json:"settlement_tx_hash,omitempty"`
	CreatedAt   string `json:"created_at"`
}

type PlaceOrderResponse struct {
	OrderID string     `json:"order_id"`
	Status  string     `json:"status"`
	Fills   []FillInfo `json:"fills"`
}

type CancelOrderResponse struct {
	OrderID string `json:"order_id"`
	Status  string `json:"status"`
}

type OrdersResponse struct {
	Orders []OrderInfo `json:"orders"`
	Total  int         `json:"total"`
}

type TradesResponse struct {
	Trades []FillInfo `json:"trades"`
	Total  int        `json:"total"`
}

type PriceLevel struct {
	Price  string `json:"price"`
	Amount string `json:"amount"`
}

type BookSnapshot struct {
	TradingPair string       `json:"trading_pair"`
	Bids        []PriceLevel `json:"bids"`
	Asks        []PriceLevel `json:"asks"`
	Timestamp   string       `json:"timestamp"`
}

type StatsResponse struct {
	TradingPair string `json:"trading_pair"`
	LastPrice   string `json:"last_price"`
	BestBid     string `json:"best_bid"`
	BestAsk     string `json:"best_ask"`
	Volume24h   string `json:"volume_24h"`
	High24h     string `json:"high_24h"`
	Low24h      string `json:"low_24h"`
	TradeCount  int    `json:"trade_count_24h"`
	OpenOrders  int    `json:"open_orders"`
}

type HealthResponse struct {
	Status    string `json:"status"`
	Timestamp string `json:"timestamp"`
	Version   string `json:"version"`
}

type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
	OrderID string `json:"order_id,omitempty"`
}

// WSRequest is a client control message.
type WSRequest struct {
	Action  string `json:"action"`  // subscribe, unsubscribe
	Channel string `json:"channel"` // orderbook, trades, orders
	Symbol  string `json:"symbol"`  // pair symbol, or user address for orders
}

// WSMessage wraps every server-to-client frame.
type WSMessage struct {
	Type string      `json:"type"`
	Data interface{} `json:"data,omitempty"`
}

func iso(t time.Time) string { return t.UTC().Format(time.RFC3339Nano) }

func orderInfo(o *core.Order) OrderInfo {
	info := OrderInfo{
		OrderID:      o.ID,
		Hash:         o.Hash.Hex(),
		UserAddress:  o.User.Hex(),
		TradingPair:  o.Pair,
		BaseToken:    o.BaseToken.Hex(),
		QuoteToken:   o.QuoteToken.Hex(),
		Side:         o.Side.String(),
		OrderType:    o.Kind.String(),
		Price:        o.Price.String(),
		Amount:       o.Amount.String(),
		FilledAmount: o.FilledAmount.String(),
		Status:       string(o.Status),
		Nonce:        o.Nonce,
		CreatedAt:    iso(o.CreatedAt),
		UpdatedAt:    iso(o.UpdatedAt),
	}
	if !o.ExpiresAt.IsZero() {
		info.ExpiresAt = iso(o.ExpiresAt)
	}
	return info
}

func fillInfo(f *core.Fill) FillInfo {
	info := FillInfo{
		FillID:      f.ID,
		TradingPair: f.Pair,
		Price:       f.Price.String(),
		Amount:      f.Amount.String(),
		TakerSide:   f.TakerSide.String(),
		TakerOrder:  f.TakerOrderID,
		MakerOrder:  f.MakerOrderID,
		CreatedAt:   iso(f.CreatedAt),
	}
	if f.SettlementTxHash != (common.Hash{}) {
		info.TxHash = f.SettlementTxHash.Hex()
	}
	return info
}

func fillInfos(fills []*core.Fill) []FillInfo {
	out := make([]FillInfo, len(fills))
	for i, f := range fills {
		out[i] = fillInfo(f)
	}
	return out
}

func priceLevels(levels []core.BookLevel) []PriceLevel {
	out := make([]PriceLevel, len(levels))
	for i, l := range levels {
		out[i] = PriceLevel{Price: l.Price.String(), Amount: l.Amount.String()}
	}
	return out
}

func bookSnapshot(s *core.OrderBookSnapshot) BookSnapshot {
	return BookSnapshot{
		TradingPair: s.Pair,
		Bids:        priceLevels(s.Bids),
		Asks:        priceLevels(s.Asks),
		Timestamp:   iso(s.Timestamp),
	}
}

func statsResponse(s *core.PairStats) StatsResponse {
	// Prices are strictly positive, so zero means "no data".
	str := func(d decimal.Decimal) string {
		if !d.IsPositive() {
			return ""
		}
		return d.String()
	}
	return StatsResponse{
		TradingPair: s.Pair,
		LastPrice:   str(s.LastPrice),
		BestBid:     str(s.BestBid),
		BestAsk:     str(s.BestAsk),
		Volume24h:   s.Volume24h.String(),
		High24h:     str(s.High24h),
		Low24h:      str(s.Low24h),
		TradeCount:  s.TradeCount,
		OpenOrders:  s.OpenOrders,
	}
}
