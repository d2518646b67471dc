package storage

import (
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/obdex/obdex/pkg/core"
)

var testUser = common.HexToAddress("0xa11ce00000000000000000000000000000000001")

func sampleOrder(id string, createdAt time.Time) *core.Order {
	return &core.Order{
		ID:        id,
		Hash:      common.BytesToHash([]byte(id)),
		User:      testUser,
		Pair:      "WETH-USDC",
		Side:      core.Buy,
		Kind:      core.Limit,
		Price:     decimal.RequireFromString("2000"),
		Amount:    decimal.RequireFromString("1"),
		Status:    core.StatusOpen,
		CreatedAt: createdAt,
		UpdatedAt: createdAt,
	}
}

func sampleFill(id, pair string, createdAt time.Time) *core.Fill {
	return &core.Fill{
		ID:        id,
		Pair:      pair,
		Price:     decimal.RequireFromString("2000"),
		Amount:    decimal.RequireFromString("1"),
		TakerSide: core.Buy,
		CreatedAt: createdAt,
	}
}

// stores under test share one behavioral contract.
func runStoreTests(t *testing.T, open func(t *testing.T) Store) {
	t.Run("orders", func(t *testing.T) {
		s := open(t)
		defer s.Close()

		now := time.Now().UTC().Truncate(time.Millisecond)
		o := sampleOrder("o1", now)
		require.NoError(t, s.SaveOrder(o))

		got, ok, err := s.GetOrder("o1")
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, o.ID, got.ID)
		assert.Equal(t, o.Hash, got.Hash)
		assert.True(t, got.Price.Equal(o.Price))

		_, ok, err = s.GetOrder("missing")
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("orders by user newest first", func(t *testing.T) {
		s := open(t)
		defer s.Close()

		base := time.Now().UTC().Truncate(time.Millisecond)
		for i := 0; i < 3; i++ {
			o := sampleOrder(string(rune('a'+i)), base.Add(time.Duration(i)*time.Second))
			require.NoError(t, s.SaveOrder(o))
		}

		orders, err := s.OrdersByUser(testUser, 0)
		require.NoError(t, err)
		require.Len(t, orders, 3)
		assert.Equal(t, "c", orders[0].ID)
		assert.Equal(t, "a", orders[2].ID)

		orders, err = s.OrdersByUser(testUser, 2)
		require.NoError(t, err)
		assert.Len(t, orders, 2)

		orders, err = s.OrdersByUser(common.HexToAddress("0x99"), 0)
		require.NoError(t, err)
		assert.Empty(t, orders)
	})

	t.Run("fills", func(t *testing.T) {
		s := open(t)
		defer s.Close()

		base := time.Now().UTC().Truncate(time.Millisecond)
		require.NoError(t, s.SaveFill(sampleFill("f1", "WETH-USDC", base)))
		require.NoError(t, s.SaveFill(sampleFill("f2", "WETH-USDC", base.Add(time.Second))))
		require.NoError(t, s.SaveFill(sampleFill("f3", "WBTC-USDC", base.Add(2*time.Second))))

		fills, err := s.RecentFills("WETH-USDC", 0)
		require.NoError(t, err)
		require.Len(t, fills, 2)
		assert.Equal(t, "f2", fills[0].ID, "newest first")

		all, err := s.RecentFills("", 0)
		require.NoError(t, err)
		require.Len(t, all, 3)
		assert.Equal(t, "f3", all[0].ID, "cross-pair scan is still time ordered")

		limited, err := s.RecentFills("", 1)
		require.NoError(t, err)
		assert.Len(t, limited, 1)
	})
}

func TestMemoryStore(t *testing.T) {
	runStoreTests(t, func(t *testing.T) Store { return NewMemoryStore() })
}

func TestPebbleStore(t *testing.T) {
	runStoreTests(t, func(t *testing.T) Store {
		s, err := NewPebbleStore(t.TempDir())
		require.NoError(t, err)
		return s
	})
}

func TestMemoryStoreCopies(t *testing.T) {
	s := NewMemoryStore()
	o := sampleOrder("o1", time.Now())
	require.NoError(t, s.SaveOrder(o))

	// Mutating the saved pointer must not leak into the store.
	o.Status = core.StatusCancelled
	got, ok, err := s.GetOrder("o1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, core.StatusOpen, got.Status)

	// Nor may mutating a read result.
	got.Status = core.StatusFilled
	again, _, _ := s.GetOrder("o1")
	assert.Equal(t, core.StatusOpen, again.Status)
}

func TestKeyUpperBound(t *testing.T) {
	assert.Equal(t, []byte("o;"), keyUpperBound([]byte("o:")))
	assert.Equal(t, []byte{0x02}, keyUpperBound([]byte{0x01, 0xff}))
	assert.Nil(t, keyUpperBound([]byte{0xff, 0xff}))
}
