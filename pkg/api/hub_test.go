package api

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/obdex/obdex/pkg/core"
)

func TestTopicFor(t *testing.T) {
	cases := []struct {
		channel, symbol string
		want            string
		ok              bool
	}{
		{"orderbook", "WETH-USDC", "orderbook.WETH-USDC", true},
		{"trades", "WETH-USDC", "trades.WETH-USDC", true},
		{"orders", "0xA11CE00000000000000000000000000000000001", "orders.0xa11ce00000000000000000000000000000000001", true},
		{"orderbook", "", "", false},
		{"candles", "WETH-USDC", "", false},
	}
	for _, tc := range cases {
		got, ok := topicFor(tc.channel, tc.symbol)
		assert.Equal(t, tc.ok, ok, "%s/%s", tc.channel, tc.symbol)
		assert.Equal(t, tc.want, got)
	}
}

func newTestClient(hub *Hub, buffer int) *Client {
	return &Client{
		hub:  hub,
		send: make(chan []byte, buffer),
		id:   "test",
		subs: make(map[string]struct{}),
	}
}

func TestBroadcastReachesSubscribersOnly(t *testing.T) {
	hub := NewHub(nil)
	sub := newTestClient(hub, 8)
	sub.subscribe("trades.WETH-USDC")
	other := newTestClient(hub, 8)
	other.subscribe("trades.WBTC-USDC")

	hub.mu.Lock()
	hub.clients[sub] = struct{}{}
	hub.clients[other] = struct{}{}
	hub.mu.Unlock()

	hub.PublishTrade(&core.Fill{
		ID:        "f1",
		Pair:      "WETH-USDC",
		Price:     decimal.RequireFromString("2000"),
		Amount:    decimal.RequireFromString("1"),
		TakerSide: core.Buy,
		CreatedAt: time.Now(),
	})

	require.Len(t, sub.send, 1)
	assert.Empty(t, other.send)

	var msg WSMessage
	require.NoError(t, json.Unmarshal(<-sub.send, &msg))
	assert.Equal(t, "trade_update", msg.Type)
}

func TestSlowSubscriberIsDropped(t *testing.T) {
	hub := NewHub(nil)
	slow := newTestClient(hub, 1)
	slow.subscribe("orderbook.WETH-USDC")

	hub.mu.Lock()
	hub.clients[slow] = struct{}{}
	hub.mu.Unlock()

	snap := &core.OrderBookSnapshot{Pair: "WETH-USDC", Timestamp: time.Now()}
	hub.PublishBookUpdate(snap) // fills the buffer
	hub.PublishBookUpdate(snap) // full buffer: client is dropped

	hub.mu.RLock()
	_, present := hub.clients[slow]
	hub.mu.RUnlock()
	assert.False(t, present, "slow subscriber removed")

	// The send channel was closed on drop.
	_, open := <-slow.send
	assert.True(t, open, "first queued message still delivered")
	_, open = <-slow.send
	assert.False(t, open)
}

func TestEnqueueAfterDropIsRefused(t *testing.T) {
	hub := NewHub(nil)
	slow := newTestClient(hub, 1)
	slow.subscribe("orderbook.WETH-USDC")

	hub.mu.Lock()
	hub.clients[slow] = struct{}{}
	hub.mu.Unlock()

	snap := &core.OrderBookSnapshot{Pair: "WETH-USDC", Timestamp: time.Now()}
	hub.PublishBookUpdate(snap)
	hub.PublishBookUpdate(snap) // second delivery drops and closes the client

	// A control message arriving after the drop must not hit the closed
	// channel.
	assert.NotPanics(t, func() {
		slow.handle(WSRequest{Action: "subscribe", Channel: "trades", Symbol: "WETH-USDC"})
	})
	assert.False(t, slow.enqueue(WSMessage{Type: "error"}))
}

func TestDetachAfterStopReturns(t *testing.T) {
	hub := NewHub(nil)
	hub.Stop()

	c := newTestClient(hub, 1)
	finished := make(chan struct{})
	go func() {
		c.detach()
		close(finished)
	}()

	select {
	case <-finished:
	case <-time.After(time.Second):
		t.Fatal("detach blocked after hub stop")
	}
}

func TestOrderUpdatesArePerUser(t *testing.T) {
	hub := NewHub(nil)
	owner := newTestClient(hub, 8)
	owner.subscribe(userTopic("0xA11CE00000000000000000000000000000000001"))
	stranger := newTestClient(hub, 8)
	stranger.subscribe(userTopic("0xB0B0000000000000000000000000000000000002"))

	hub.mu.Lock()
	hub.clients[owner] = struct{}{}
	hub.clients[stranger] = struct{}{}
	hub.mu.Unlock()

	hub.PublishOrderUpdate(&core.Order{
		ID:     "o1",
		User:   common.HexToAddress("0xA11CE00000000000000000000000000000000001"),
		Pair:   "WETH-USDC",
		Price:  decimal.RequireFromString("2000"),
		Amount: decimal.RequireFromString("1"),
		Status: core.StatusOpen,
	})

	assert.Len(t, owner.send, 1)
	assert.Empty(t, stranger.send)
}

func TestClientSubscribeControl(t *testing.T) {
	hub := NewHub(nil)
	c := newTestClient(hub, 8)

	c.handle(WSRequest{Action: "subscribe", Channel: "trades", Symbol: "WETH-USDC"})
	assert.True(t, c.subscribed("trades.WETH-USDC"))

	var ack WSMessage
	require.NoError(t, json.Unmarshal(<-c.send, &ack))
	assert.Equal(t, "subscription_success", ack.Type)

	c.handle(WSRequest{Action: "unsubscribe", Channel: "trades", Symbol: "WETH-USDC"})
	assert.False(t, c.subscribed("trades.WETH-USDC"))
	require.NoError(t, json.Unmarshal(<-c.send, &ack))
	assert.Equal(t, "unsubscription_success", ack.Type)

	c.handle(WSRequest{Action: "subscribe", Channel: "bogus", Symbol: "X"})
	require.NoError(t, json.Unmarshal(<-c.send, &ack))
	assert.Equal(t, "error", ack.Type)
}
