package engine

import (
	"sort"
	"time"

	"github.com/ethereum/go-ethereum/common"
	gocache "github.com/patrickmn/go-cache"
	"github.com/shopspring/decimal"

	"github.com/obdex/obdex/pkg/core"
)

// recordTrade appends a fill to the pair's recent-trade window.
// Caller holds pe.mu.
func (pe *pairEngine) recordTrade(f *core.Fill) {
	pe.trades = append(pe.trades, f)
	cutoff := f.CreatedAt.Add(-tradeWindow)
	trimmed := pe.trades
	for len(trimmed) > 0 && (trimmed[0].CreatedAt.Before(cutoff) || len(trimmed) > maxPairTrades) {
		trimmed = trimmed[1:]
	}
	pe.trades = trimmed
}

// GetOrder returns a copy of the order record by ID.
func (e *Engine) GetOrder(orderID string) (*core.Order, error) {
	e.mu.RLock()
	o, ok := e.orders[orderID]
	e.mu.RUnlock()
	if !ok {
		return nil, core.E(core.CodeOrderNotFound, "order %s not found", orderID)
	}
	return e.snapshotOrder(o), nil
}

// snapshotOrder copies an order under its pair lock. Matching mutates
// records in place under pe.mu; handing the live pointer to a handler would
// let it read a record mid-mutation.
func (e *Engine) snapshotOrder(o *core.Order) *core.Order {
	pe, err := e.pairEngine(o.Pair)
	if err != nil {
		cp := *o
		return &cp
	}
	pe.mu.Lock()
	cp := *o
	cp.Signature = append([]byte(nil), cp.Signature...)
	pe.mu.Unlock()
	return &cp
}

// OrderFilter narrows GetOrders results. Zero values mean "any".
type OrderFilter struct {
	User   common.Address
	Pair   string
	Status core.Status
	Limit  int
	Offset int
}

// GetOrders lists copies of orders newest-first with paging. Returns the
// page and the total count before paging. A zero User matches all users.
func (e *Engine) GetOrders(f OrderFilter) ([]*core.Order, int) {
	e.mu.RLock()
	var live []*core.Order
	if f.User != (common.Address{}) {
		ids := e.byUser[f.User]
		for i := len(ids) - 1; i >= 0; i-- {
			if o, ok := e.orders[ids[i]]; ok {
				live = append(live, o)
			}
		}
	} else {
		for _, o := range e.orders {
			live = append(live, o)
		}
	}
	e.mu.RUnlock()

	candidates := make([]*core.Order, len(live))
	for i, o := range live {
		candidates[i] = e.snapshotOrder(o)
	}
	if f.User == (common.Address{}) {
		sort.Slice(candidates, func(i, j int) bool {
			return candidates[i].CreatedAt.After(candidates[j].CreatedAt)
		})
	}

	matched := make([]*core.Order, 0, len(candidates))
	for _, o := range candidates {
		if f.Pair != "" && o.Pair != f.Pair {
			continue
		}
		if f.Status != "" && o.Status != f.Status {
			continue
		}
		matched = append(matched, o)
	}

	total := len(matched)
	if f.Offset >= total {
		return nil, total
	}
	matched = matched[f.Offset:]
	if f.Limit > 0 && len(matched) > f.Limit {
		matched = matched[:f.Limit]
	}
	return matched, total
}

// GetTrades returns recent fills, newest first. Empty pair means all pairs.
func (e *Engine) GetTrades(pair string, limit int) []*core.Fill {
	e.mu.RLock()
	pes := make([]*pairEngine, 0, len(e.pairs))
	for sym, pe := range e.pairs {
		if pair != "" && sym != pair {
			continue
		}
		pes = append(pes, pe)
	}
	e.mu.RUnlock()

	var out []*core.Fill
	for _, pe := range pes {
		pe.mu.Lock()
		out = append(out, pe.trades...)
		pe.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

// Snapshot returns a depth-limited order book snapshot for a pair.
func (e *Engine) Snapshot(pair string, depth int) (*core.OrderBookSnapshot, error) {
	pe, err := e.pairEngine(pair)
	if err != nil {
		return nil, err
	}
	return pe.book.Snapshot(depth), nil
}

// Stats summarizes one pair. Snapshots are cached briefly; the book and
// trade window are walked on miss.
func (e *Engine) Stats(pair string) (*core.PairStats, error) {
	if cached, ok := e.stats.Get(pair); ok {
		return cached.(*core.PairStats), nil
	}

	pe, err := e.pairEngine(pair)
	if err != nil {
		return nil, err
	}

	bestBid, _, _ := pe.book.BestPrice(core.Buy)
	bestAsk, _, _ := pe.book.BestPrice(core.Sell)

	pe.mu.Lock()
	st := &core.PairStats{
		Pair:      pair,
		LastPrice: pe.lastPrice,
		BestBid:   bestBid,
		BestAsk:   bestAsk,
		Low24h:    decimal.Zero,
	}
	cutoff := e.clock.Now().Add(-tradeWindow)
	for _, f := range pe.trades {
		if f.CreatedAt.Before(cutoff) {
			continue
		}
		st.TradeCount++
		st.Volume24h = st.Volume24h.Add(f.Amount)
		if f.Price.GreaterThan(st.High24h) {
			st.High24h = f.Price
		}
		if st.Low24h.IsZero() || f.Price.LessThan(st.Low24h) {
			st.Low24h = f.Price
		}
	}
	pe.mu.Unlock()

	e.mu.RLock()
	for _, o := range e.orders {
		if o.Pair == pair && !o.Status.Terminal() {
			st.OpenOrders++
		}
	}
	e.mu.RUnlock()

	e.stats.Set(pair, st, gocache.DefaultExpiration)
	return st, nil
}

// RunBackground drives the expiry and lock sweeps until stop is closed.
func (e *Engine) RunBackground(stop <-chan struct{}) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			e.SweepExpired()
			e.balances.CleanExpiredLocks(e.clock.Now().UTC())
		}
	}
}
