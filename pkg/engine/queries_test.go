package engine

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/obdex/obdex/pkg/core"
)

func TestGetOrdersFilterAndPaging(t *testing.T) {
	f := newFixture(t)
	f.fund(t, alice, usdc, "100000")
	f.fund(t, bob, weth, "10")

	var placed []*core.Order
	for i := 0; i < 5; i++ {
		o := f.order(alice, core.Buy, core.Limit, "1990", "1")
		f.place(t, o)
		placed = append(placed, o)
	}
	f.place(t, f.order(bob, core.Sell, core.Limit, "2100", "1"))

	orders, total := f.eng.GetOrders(OrderFilter{User: alice})
	assert.Equal(t, 5, total)
	require.Len(t, orders, 5)
	assert.Equal(t, placed[4].ID, orders[0].ID, "newest first")

	orders, total = f.eng.GetOrders(OrderFilter{User: alice, Limit: 2, Offset: 1})
	assert.Equal(t, 5, total)
	require.Len(t, orders, 2)
	assert.Equal(t, placed[3].ID, orders[0].ID)

	orders, total = f.eng.GetOrders(OrderFilter{User: alice, Offset: 10})
	assert.Equal(t, 5, total)
	assert.Empty(t, orders)

	// Status filter.
	_, err := f.eng.Cancel(placed[0].ID, alice)
	require.NoError(t, err)
	orders, _ = f.eng.GetOrders(OrderFilter{User: alice, Status: core.StatusCancelled})
	require.Len(t, orders, 1)
	assert.Equal(t, placed[0].ID, orders[0].ID)

	// No user: everything.
	_, total = f.eng.GetOrders(OrderFilter{})
	assert.Equal(t, 6, total)
}

func TestGetTradesNewestFirst(t *testing.T) {
	f := newFixture(t)
	f.fund(t, alice, usdc, "100000")
	f.fund(t, bob, weth, "10")

	f.place(t, f.order(bob, core.Sell, core.Limit, "2000", "1"))
	f.place(t, f.order(alice, core.Buy, core.Limit, "2000", "1"))
	f.clock.Advance(time.Second)
	f.place(t, f.order(bob, core.Sell, core.Limit, "2010", "1"))
	f.place(t, f.order(alice, core.Buy, core.Limit, "2010", "1"))

	trades := f.eng.GetTrades("WETH-USDC", 0)
	require.Len(t, trades, 2)
	assert.True(t, trades[0].Price.Equal(d("2010")), "newest trade first")

	trades = f.eng.GetTrades("WETH-USDC", 1)
	assert.Len(t, trades, 1)

	assert.Empty(t, f.eng.GetTrades("DOGE-USDC", 0))
	assert.Len(t, f.eng.GetTrades("", 0), 2, "empty pair spans all pairs")
}

func TestStats(t *testing.T) {
	f := newFixture(t)
	f.fund(t, alice, usdc, "100000")
	f.fund(t, bob, weth, "10")

	f.place(t, f.order(bob, core.Sell, core.Limit, "2000", "2"))
	f.place(t, f.order(alice, core.Buy, core.Limit, "2000", "1"))
	f.place(t, f.order(alice, core.Buy, core.Limit, "1990", "1"))

	st, err := f.eng.Stats("WETH-USDC")
	require.NoError(t, err)
	assert.True(t, st.LastPrice.Equal(d("2000")))
	assert.True(t, st.BestBid.Equal(d("1990")))
	assert.True(t, st.BestAsk.Equal(d("2000")))
	assert.True(t, st.Volume24h.Equal(d("1")))
	assert.Equal(t, 1, st.TradeCount)
	assert.Equal(t, 2, st.OpenOrders)

	_, err = f.eng.Stats("DOGE-USDC")
	require.Error(t, err)
	assert.True(t, core.HasCode(err, core.CodeUnknownPair))
}

func TestQueryResultsAreCopies(t *testing.T) {
	f := newFixture(t)
	f.fund(t, alice, usdc, "10000")

	o := f.order(alice, core.Buy, core.Limit, "1990", "1")
	f.place(t, o)

	got, err := f.eng.GetOrder(o.ID)
	require.NoError(t, err)
	got.Status = core.StatusCancelled
	got.FilledAmount = d("1")

	again, err := f.eng.GetOrder(o.ID)
	require.NoError(t, err)
	assert.Equal(t, core.StatusOpen, again.Status, "mutating a query result must not touch engine state")
	assert.True(t, again.FilledAmount.IsZero())

	list, _ := f.eng.GetOrders(OrderFilter{User: alice})
	require.Len(t, list, 1)
	list[0].Status = core.StatusRejected
	again, _ = f.eng.GetOrder(o.ID)
	assert.Equal(t, core.StatusOpen, again.Status)
}

func TestGetOrderNotFound(t *testing.T) {
	f := newFixture(t)
	_, err := f.eng.GetOrder("missing")
	require.Error(t, err)
	assert.True(t, core.HasCode(err, core.CodeOrderNotFound))
}
