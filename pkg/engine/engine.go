// Package engine owns one order book per trading pair and drives admission,
// matching, cancellation and expiry. Matching is serialized per pair; event
// publication, settlement enqueue and storage writes happen outside the
// per-pair critical section.
package engine

import (
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	gocache "github.com/patrickmn/go-cache"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/obdex/obdex/pkg/balance"
	"github.com/obdex/obdex/pkg/core"
	"github.com/obdex/obdex/pkg/engine/orderbook"
	"github.com/obdex/obdex/pkg/storage"
	"github.com/obdex/obdex/pkg/util"
)

// Publisher receives engine events for fan-out. Implementations must not
// block; the hub drops slow subscribers instead.
type Publisher interface {
	PublishBookUpdate(snapshot *core.OrderBookSnapshot)
	PublishTrade(fill *core.Fill)
	PublishOrderUpdate(o *core.Order)
}

// FillSink accumulates fills for on-chain settlement.
type FillSink interface {
	Enqueue(fill *core.Fill, taker, maker *core.Order)
}

// NopPublisher discards events. Used in tests and tools.
type NopPublisher struct{}

func (NopPublisher) PublishBookUpdate(*core.OrderBookSnapshot) {}
func (NopPublisher) PublishTrade(*core.Fill)                   {}
func (NopPublisher) PublishOrderUpdate(*core.Order)            {}

// pairEngine is the single-owner execution context of one trading pair.
// Its mutex serializes all book mutations for the pair.
type pairEngine struct {
	mu        sync.Mutex
	pair      core.Pair
	book      *orderbook.Book
	triggers  map[string]*core.Order // parked STOP_LOSS / TAKE_PROFIT orders
	lastPrice decimal.Decimal
	trades    []*core.Fill // recent fills, newest last, trimmed to tradeWindow
}

const (
	tradeWindow   = 24 * time.Hour
	maxPairTrades = 10000
	statsTTL      = 2 * time.Second
)

// Engine is the matching engine (C5).
type Engine struct {
	log      *zap.Logger
	balances *balance.Manager
	store    storage.Store
	pub      Publisher
	sink     FillSink
	clock    util.Clock
	noMatch  bool

	mu     sync.RWMutex
	pairs  map[string]*pairEngine
	orders map[string]*core.Order
	hashes map[common.Hash]string       // order hash -> order ID (replay protection)
	nonces map[common.Address]uint64    // highest admitted nonce per user
	byUser map[common.Address][]string  // user -> order IDs, admission order

	stats *gocache.Cache
}

// Options carries the engine's collaborators. Publisher and FillSink may be
// nil; Store defaults to the in-memory store. DisableMatching accepts and
// rests orders without crossing them, for maintenance windows.
type Options struct {
	Log             *zap.Logger
	Balances        *balance.Manager
	Store           storage.Store
	Pub             Publisher
	Sink            FillSink
	Clock           util.Clock
	DisableMatching bool
}

func New(opts Options) *Engine {
	if opts.Pub == nil {
		opts.Pub = NopPublisher{}
	}
	if opts.Clock == nil {
		opts.Clock = util.RealClock{}
	}
	if opts.Store == nil {
		opts.Store = storage.NewMemoryStore()
	}
	if opts.Log == nil {
		opts.Log = zap.NewNop()
	}
	return &Engine{
		log:      opts.Log.Named("engine"),
		balances: opts.Balances,
		store:    opts.Store,
		pub:      opts.Pub,
		sink:     opts.Sink,
		clock:    opts.Clock,
		noMatch:  opts.DisableMatching,
		pairs:    make(map[string]*pairEngine),
		orders:   make(map[string]*core.Order),
		hashes:   make(map[common.Hash]string),
		nonces:   make(map[common.Address]uint64),
		byUser:   make(map[common.Address][]string),
		stats:    gocache.New(statsTTL, time.Minute),
	}
}

// RegisterPair makes a trading pair known to the engine.
func (e *Engine) RegisterPair(p core.Pair) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.pairs[p.Symbol]; ok {
		return
	}
	e.pairs[p.Symbol] = &pairEngine{
		pair:     p,
		book:     orderbook.NewBook(p.Symbol),
		triggers: make(map[string]*core.Order),
	}
	e.log.Info("pair registered", zap.String("pair", p.Symbol))
}

// Pair returns the registered pair metadata.
func (e *Engine) Pair(symbol string) (core.Pair, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	pe, ok := e.pairs[symbol]
	if !ok {
		return core.Pair{}, core.E(core.CodeUnknownPair, "unknown trading pair %q", symbol)
	}
	return pe.pair, nil
}

func (e *Engine) pairEngine(symbol string) (*pairEngine, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	pe, ok := e.pairs[symbol]
	if !ok {
		return nil, core.E(core.CodeUnknownPair, "unknown trading pair %q", symbol)
	}
	return pe, nil
}

// CheckAdmissible pre-screens replay protection before risk checks and fund
// locks run. The authoritative re-check happens in Execute; this exists so a
// duplicate never burns a fund lock.
func (e *Engine) CheckAdmissible(hash common.Hash, user common.Address, nonce uint64) error {
	e.mu.RLock()
	defer e.mu.RUnlock()

	if id, ok := e.hashes[hash]; ok {
		return core.E(core.CodeDuplicateOrder, "order hash already admitted as %s", id)
	}
	if highest, ok := e.nonces[user]; ok && nonce <= highest {
		return core.E(core.CodeNonceTooLow, "nonce %d <= highest admitted %d", nonce, highest)
	}
	return nil
}

// DuplicateOf returns the existing order ID for a hash, if any.
func (e *Engine) DuplicateOf(hash common.Hash) (string, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	id, ok := e.hashes[hash]
	return id, ok
}

// admit commits the order into the replay indices. Exactly one admission per
// hash can ever succeed.
func (e *Engine) admit(o *core.Order) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if id, ok := e.hashes[o.Hash]; ok {
		return core.E(core.CodeDuplicateOrder, "order hash already admitted as %s", id)
	}
	if highest, ok := e.nonces[o.User]; ok && o.Nonce <= highest {
		return core.E(core.CodeNonceTooLow, "nonce %d <= highest admitted %d", o.Nonce, highest)
	}
	if o.ID == "" {
		o.ID = uuid.NewString()
	}
	e.hashes[o.Hash] = o.ID
	e.nonces[o.User] = o.Nonce
	e.orders[o.ID] = o
	e.byUser[o.User] = append(e.byUser[o.User], o.ID)
	return nil
}

// OpenOrderCount returns the number of non-terminal orders for a user.
func (e *Engine) OpenOrderCount(user common.Address) int {
	e.mu.RLock()
	defer e.mu.RUnlock()

	n := 0
	for _, id := range e.byUser[user] {
		if o, ok := e.orders[id]; ok && !o.Status.Terminal() {
			n++
		}
	}
	return n
}

// BestAsk returns the current best ask price of a pair, if any. Used as the
// reference for market-BUY fund locks.
func (e *Engine) BestAsk(symbol string) (decimal.Decimal, bool) {
	pe, err := e.pairEngine(symbol)
	if err != nil {
		return decimal.Zero, false
	}
	p, _, ok := pe.book.BestPrice(core.Sell)
	return p, ok
}

// LastPrice returns the most recent fill price of a pair.
func (e *Engine) LastPrice(symbol string) decimal.Decimal {
	pe, err := e.pairEngine(symbol)
	if err != nil {
		return decimal.Zero
	}
	pe.mu.Lock()
	defer pe.mu.Unlock()
	return pe.lastPrice
}
