package engine

import (
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/obdex/obdex/pkg/core"
)

// sideEffects collects work deferred until the per-pair lock is released:
// storage writes, event publication and settlement enqueue.
type sideEffects struct {
	orders []*core.Order
	fills  []*fillPair
	books  []*core.OrderBookSnapshot
}

type fillPair struct {
	fill  *core.Fill
	taker *core.Order
	maker *core.Order
}

func (fx *sideEffects) order(o *core.Order) {
	fx.orders = append(fx.orders, o)
}

// flush runs the deferred effects. Storage errors are logged, not propagated:
// the in-memory book is authoritative off-chain.
func (e *Engine) flush(fx *sideEffects) {
	for _, o := range fx.orders {
		if err := e.store.SaveOrder(o); err != nil {
			e.log.Error("save order", zap.String("order", o.ID), zap.Error(err))
		}
		e.pub.PublishOrderUpdate(o)
	}
	for _, fp := range fx.fills {
		if err := e.store.SaveFill(fp.fill); err != nil {
			e.log.Error("save fill", zap.String("fill", fp.fill.ID), zap.Error(err))
		}
		e.pub.PublishTrade(fp.fill)
		if e.sink != nil {
			e.sink.Enqueue(fp.fill, fp.taker, fp.maker)
		}
	}
	for _, snap := range fx.books {
		e.pub.PublishBookUpdate(snap)
	}
}

// Execute admits an order and runs take-then-rest matching. Funds must
// already be locked by the caller. Returns the fills produced.
//
// Admission failures leave the books untouched. Matching itself is
// in-memory and all-or-nothing per fill.
func (e *Engine) Execute(o *core.Order) ([]*core.Fill, error) {
	pe, err := e.pairEngine(o.Pair)
	if err != nil {
		return nil, err
	}

	now := e.clock.Now().UTC()
	o.CreatedAt = now
	o.UpdatedAt = now
	o.Status = core.StatusOpen

	if err := e.admit(o); err != nil {
		return nil, err
	}

	fx := &sideEffects{}
	pe.mu.Lock()

	var fills []*core.Fill
	switch {
	case o.Kind == core.StopLoss || o.Kind == core.TakeProfit:
		// Trigger orders park off-book until the last trade price crosses
		// their price.
		pe.triggers[o.ID] = o
		fx.order(o)
	case e.noMatch && o.Kind == core.Limit:
		// Matching disabled: limit orders rest untouched.
		pe.book.Add(o)
		fx.order(o)
	case e.noMatch:
		// Market orders cannot rest; without matching they terminate empty.
		e.terminate(o, core.StatusCancelled, now)
		fx.order(o)
	default:
		fills = e.matchLocked(pe, o, fx)
		e.fireTriggersLocked(pe, fx)
	}

	fx.books = append(fx.books, pe.book.Snapshot(0))
	pe.mu.Unlock()

	e.flush(fx)
	return fills, nil
}

// matchLocked runs the take-then-rest loop. Caller holds pe.mu.
func (e *Engine) matchLocked(pe *pairEngine, taker *core.Order, fx *sideEffects) []*core.Fill {
	now := e.clock.Now().UTC()
	opposing := taker.Side.Opposite()
	var fills []*core.Fill

	for taker.Remaining().IsPositive() {
		maker, ok := pe.book.PeekBestOrder(opposing)
		if !ok {
			break
		}

		// Expired makers are evicted, never matched.
		if maker.Expired(now) {
			pe.book.Remove(maker.ID)
			e.terminate(maker, core.StatusCancelled, now)
			fx.order(maker)
			continue
		}

		// Limit takers stop at the price gate; market takers never do.
		if taker.Kind == core.Limit && !crosses(taker.Side, taker.Price, maker.Price) {
			break
		}

		matchAmount := decimal.Min(taker.Remaining(), maker.Remaining())
		price := maker.Price // price improvement accrues to the taker

		// Locked funds normally guarantee this. A market BUY that walks past
		// its locked depth is the exception: stop and cancel the remainder.
		if err := e.balances.TransferOnFill(taker, maker, price, matchAmount); err != nil {
			e.log.Warn("fill transfer refused, halting match",
				zap.String("taker", taker.ID), zap.String("maker", maker.ID), zap.Error(err))
			break
		}

		taker.FilledAmount = taker.FilledAmount.Add(matchAmount)
		maker.FilledAmount = maker.FilledAmount.Add(matchAmount)
		core.Invariant(!taker.FilledAmount.GreaterThan(taker.Amount), "taker %s overfilled", taker.ID)
		core.Invariant(!maker.FilledAmount.GreaterThan(maker.Amount), "maker %s overfilled", maker.ID)
		taker.UpdatedAt = now
		maker.UpdatedAt = now

		pe.book.ApplyFill(maker.ID, matchAmount)
		if maker.Remaining().IsZero() {
			e.terminate(maker, core.StatusFilled, now)
		} else {
			maker.Status = core.StatusPartiallyFilled
		}
		if taker.Remaining().IsZero() {
			taker.Status = core.StatusFilled
		} else {
			taker.Status = core.StatusPartiallyFilled
		}

		fill := &core.Fill{
			ID:           uuid.NewString(),
			TakerOrderID: taker.ID,
			MakerOrderID: maker.ID,
			TakerHash:    taker.Hash,
			MakerHash:    maker.Hash,
			TakerUser:    taker.User,
			MakerUser:    maker.User,
			Pair:         taker.Pair,
			Price:        price,
			Amount:       matchAmount,
			TakerSide:    taker.Side,
			CreatedAt:    now,
		}
		fills = append(fills, fill)
		fx.fills = append(fx.fills, &fillPair{fill: fill, taker: taker, maker: cloneForSettlement(maker)})
		fx.order(maker)

		pe.lastPrice = price
		pe.recordTrade(fill)
	}

	switch {
	case taker.Remaining().IsZero():
		// FILLED already set in the loop; release any residual lock
		// (a BUY taker locked at its own limit price may have overlocked).
		e.balances.UnlockForOrder(taker.ID)
	case taker.Kind == core.Limit:
		pe.book.Add(taker)
	default:
		// Market orders do not rest.
		e.terminate(taker, core.StatusCancelled, now)
	}
	fx.order(taker)

	return fills
}

// cloneForSettlement snapshots the maker's signed fields so the settlement
// batch is immune to later in-place mutation.
func cloneForSettlement(o *core.Order) *core.Order {
	cp := *o
	cp.Signature = append([]byte(nil), o.Signature...)
	return &cp
}

// terminate moves an order to a terminal status and releases its lock.
func (e *Engine) terminate(o *core.Order, status core.Status, now time.Time) {
	o.Status = status
	o.UpdatedAt = now
	e.balances.UnlockForOrder(o.ID)
}

// crosses reports whether a limit taker at price meets a maker at best.
func crosses(side core.Side, price, best decimal.Decimal) bool {
	if side == core.Buy {
		return !price.LessThan(best) // taker.price >= bestAsk
	}
	return !price.GreaterThan(best) // taker.price <= bestBid
}

// fireTriggersLocked converts parked trigger orders whose trigger price has
// been crossed by the last trade into limit orders and matches them.
// Conversions can move the last price and fire further triggers; the loop
// runs until quiescent. Caller holds pe.mu.
func (e *Engine) fireTriggersLocked(pe *pairEngine, fx *sideEffects) {
	if pe.lastPrice.IsZero() || len(pe.triggers) == 0 {
		return
	}
	for {
		var fired *core.Order
		for _, t := range pe.triggers {
			if triggerHit(t, pe.lastPrice) {
				fired = t
				break
			}
		}
		if fired == nil {
			return
		}
		delete(pe.triggers, fired.ID)
		fired.Kind = core.Limit
		e.log.Info("trigger fired",
			zap.String("order", fired.ID), zap.String("price", fired.Price.String()))
		e.matchLocked(pe, fired, fx)
	}
}

// triggerHit applies the stop/take-profit trigger rule against the last
// trade price.
func triggerHit(t *core.Order, last decimal.Decimal) bool {
	above := !last.LessThan(t.Price) // last >= trigger
	below := !last.GreaterThan(t.Price)
	if t.Kind == core.StopLoss {
		if t.Side == core.Buy {
			return above
		}
		return below
	}
	// TakeProfit
	if t.Side == core.Buy {
		return below
	}
	return above
}

// Cancel removes a non-terminal order on behalf of its owner.
func (e *Engine) Cancel(orderID string, user common.Address) (*core.Order, error) {
	e.mu.RLock()
	o, ok := e.orders[orderID]
	e.mu.RUnlock()
	if !ok {
		return nil, core.E(core.CodeOrderNotFound, "order %s not found", orderID)
	}
	if o.User != user {
		return nil, core.E(core.CodeNotOrderOwner, "order %s is not owned by %s", orderID, user.Hex())
	}

	pe, err := e.pairEngine(o.Pair)
	if err != nil {
		return nil, err
	}

	fx := &sideEffects{}
	pe.mu.Lock()
	if o.Status.Terminal() {
		pe.mu.Unlock()
		return o, core.E(core.CodeOrderNotCancellable, "order %s is %s", orderID, o.Status)
	}
	if _, parked := pe.triggers[orderID]; parked {
		delete(pe.triggers, orderID)
	} else {
		pe.book.Remove(orderID)
	}
	e.terminate(o, core.StatusCancelled, e.clock.Now().UTC())
	fx.order(o)
	fx.books = append(fx.books, pe.book.Snapshot(0))
	pe.mu.Unlock()

	e.flush(fx)
	return o, nil
}

// SweepExpired cancels resting and parked orders whose deadline has passed.
// Runs at least once per second from the node's background loop.
func (e *Engine) SweepExpired() int {
	now := e.clock.Now().UTC()

	e.mu.RLock()
	var expired []*core.Order
	for _, o := range e.orders {
		if !o.Status.Terminal() && o.Expired(now) {
			expired = append(expired, o)
		}
	}
	e.mu.RUnlock()

	swept := 0
	for _, o := range expired {
		pe, err := e.pairEngine(o.Pair)
		if err != nil {
			continue
		}
		fx := &sideEffects{}
		pe.mu.Lock()
		if o.Status.Terminal() {
			pe.mu.Unlock()
			continue
		}
		if _, parked := pe.triggers[o.ID]; parked {
			delete(pe.triggers, o.ID)
		} else {
			pe.book.Remove(o.ID)
		}
		e.terminate(o, core.StatusCancelled, now)
		fx.order(o)
		fx.books = append(fx.books, pe.book.Snapshot(0))
		pe.mu.Unlock()
		e.flush(fx)
		swept++
	}
	if swept > 0 {
		e.log.Info("expired orders swept", zap.Int("count", swept))
	}
	return swept
}
