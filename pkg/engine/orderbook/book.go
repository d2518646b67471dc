// Package orderbook implements a single pair's price-time-priority book:
// heap-indexed price levels with FIFO queues, an order index for O(1)
// cancellation, and depth snapshots.
package orderbook

import (
	"container/list"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/obdex/obdex/pkg/core"
)

// level is one price level: a FIFO queue of resting orders plus the
// maintained aggregate of their remaining amounts.
type level struct {
	price  decimal.Decimal
	orders *list.List // of *core.Order, createdAt ascending
	amount decimal.Decimal
}

// sideBook is one side of the book.
type sideBook struct {
	heap   *priceHeap
	levels map[string]*level // price key -> level
}

func newSideBook(max bool) *sideBook {
	return &sideBook{
		heap:   newPriceHeap(max),
		levels: make(map[string]*level),
	}
}

type entry struct {
	order *core.Order
	elem  *list.Element
	side  core.Side
	level *level
}

// Book holds the resting orders of one trading pair. Methods take the book's
// own mutex; callers serialize matching per pair above this layer.
type Book struct {
	mu    sync.RWMutex
	pair  string
	bids  *sideBook
	asks  *sideBook
	index map[string]*entry // orderID -> entry
}

func NewBook(pair string) *Book {
	return &Book{
		pair:  pair,
		bids:  newSideBook(true),
		asks:  newSideBook(false),
		index: make(map[string]*entry),
	}
}

func (b *Book) side(s core.Side) *sideBook {
	if s == core.Buy {
		return b.bids
	}
	return b.asks
}

// Add rests an order at its price level, creating the level if absent.
func (b *Book) Add(o *core.Order) {
	b.mu.Lock()
	defer b.mu.Unlock()

	core.Invariant(o.Price.IsPositive(), "resting order %s has non-positive price", o.ID)
	sb := b.side(o.Side)
	key := o.Price.String()
	lvl, ok := sb.levels[key]
	if !ok {
		lvl = &level{price: o.Price, orders: list.New()}
		sb.levels[key] = lvl
		sb.heap.Insert(o.Price)
	}
	elem := lvl.orders.PushBack(o)
	lvl.amount = lvl.amount.Add(o.Remaining())
	b.index[o.ID] = &entry{order: o, elem: elem, side: o.Side, level: lvl}
}

// Remove splices an order out of its level; an emptied level is erased from
// the price index. Returns the order, or nil if it is not resting here.
func (b *Book) Remove(orderID string) *core.Order {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.removeLocked(orderID)
}

func (b *Book) removeLocked(orderID string) *core.Order {
	e, ok := b.index[orderID]
	if !ok {
		return nil
	}
	e.level.orders.Remove(e.elem)
	e.level.amount = e.level.amount.Sub(e.order.Remaining())
	if e.level.orders.Len() == 0 {
		sb := b.side(e.side)
		delete(sb.levels, e.level.price.String())
		sb.heap.Erase(e.level.price)
	}
	delete(b.index, orderID)
	return e.order
}

// Contains reports whether the order is resting in this book.
func (b *Book) Contains(orderID string) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	_, ok := b.index[orderID]
	return ok
}

// BestPrice returns the best price and aggregate remaining amount on a side.
func (b *Book) BestPrice(s core.Side) (decimal.Decimal, decimal.Decimal, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	sb := b.side(s)
	p, ok := sb.heap.Peek()
	if !ok {
		return decimal.Zero, decimal.Zero, false
	}
	lvl := sb.levels[p.String()]
	core.Invariant(lvl != nil, "heap price %s has no level on %s", p, s)
	return p, lvl.amount, true
}

// PeekBestOrder returns the head order of the best level on a side.
func (b *Book) PeekBestOrder(s core.Side) (*core.Order, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	sb := b.side(s)
	p, ok := sb.heap.Peek()
	if !ok {
		return nil, false
	}
	lvl := sb.levels[p.String()]
	core.Invariant(lvl != nil && lvl.orders.Len() > 0, "empty level %s survived on %s", p, s)
	return lvl.orders.Front().Value.(*core.Order), true
}

// ApplyFill accounts a match of amount against a resting order: the level
// aggregate shrinks, and a fully filled maker is popped from the book.
// The maker's FilledAmount must already be advanced by the caller.
func (b *Book) ApplyFill(makerID string, amount decimal.Decimal) {
	b.mu.Lock()
	defer b.mu.Unlock()

	e, ok := b.index[makerID]
	core.Invariant(ok, "fill applied to order %s not in book", makerID)
	e.level.amount = e.level.amount.Sub(amount)
	core.Invariant(!e.level.amount.IsNegative(), "level %s aggregate went negative", e.level.price)
	if e.order.Remaining().IsZero() {
		b.removeLocked(makerID)
	}
}

// Depth returns the number of resting orders.
func (b *Book) Depth() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.index)
}

// Snapshot walks best→worst up to depth levels per side. depth <= 0 means
// all levels. Bids descend, asks ascend.
func (b *Book) Snapshot(depth int) *core.OrderBookSnapshot {
	b.mu.RLock()
	defer b.mu.RUnlock()

	return &core.OrderBookSnapshot{
		Pair:      b.pair,
		Bids:      b.levelsOf(b.bids, depth, true),
		Asks:      b.levelsOf(b.asks, depth, false),
		Timestamp: time.Now().UTC(),
	}
}

func (b *Book) levelsOf(sb *sideBook, depth int, descending bool) []core.BookLevel {
	prices := make([]decimal.Decimal, 0, len(sb.levels))
	for _, lvl := range sb.levels {
		prices = append(prices, lvl.price)
	}
	sort.Slice(prices, func(i, j int) bool {
		if descending {
			return prices[i].GreaterThan(prices[j])
		}
		return prices[i].LessThan(prices[j])
	})
	if depth > 0 && len(prices) > depth {
		prices = prices[:depth]
	}

	out := make([]core.BookLevel, 0, len(prices))
	for _, p := range prices {
		lvl := sb.levels[p.String()]
		out = append(out, core.BookLevel{
			Price:  lvl.price,
			Amount: lvl.amount,
			Count:  lvl.orders.Len(),
		})
	}
	return out
}
