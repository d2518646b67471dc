package settlement

import (
	"context"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/obdex/obdex/pkg/core"
	"github.com/obdex/obdex/pkg/crypto"
	"github.com/obdex/obdex/pkg/storage"
)

// fakeClient scripts the RPC surface. Every broadcast tx immediately has a
// receipt with the configured status.
type fakeClient struct {
	mu            sync.Mutex
	nonce         uint64
	receiptStatus uint64
	sendErr       error
	sent          []*types.Transaction
}

func newFakeClient() *fakeClient {
	return &fakeClient{nonce: 7, receiptStatus: types.ReceiptStatusSuccessful}
}

func (c *fakeClient) SuggestGasPrice(ctx context.Context) (*big.Int, error) {
	return big.NewInt(1_000_000_000), nil
}

func (c *fakeClient) PendingNonceAt(ctx context.Context, account common.Address) (uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.nonce, nil
}

func (c *fakeClient) EstimateGas(ctx context.Context, call ethereum.CallMsg) (uint64, error) {
	return 200_000, nil
}

func (c *fakeClient) SendTransaction(ctx context.Context, tx *types.Transaction) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sendErr != nil {
		return c.sendErr
	}
	c.sent = append(c.sent, tx)
	return nil
}

func (c *fakeClient) TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, tx := range c.sent {
		if tx.Hash() == txHash {
			return &types.Receipt{Status: c.receiptStatus, TxHash: txHash, GasUsed: 100_000}, nil
		}
	}
	return nil, ethereum.NotFound
}

func (c *fakeClient) sentCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.sent)
}

func settlementOrder(id string, side core.Side, amount string) *core.Order {
	return &core.Order{
		ID:         id,
		Hash:       common.BytesToHash([]byte(id)),
		User:       common.HexToAddress("0xa11ce00000000000000000000000000000000001"),
		Pair:       "WETH-USDC",
		BaseToken:  common.HexToAddress("0x10"),
		QuoteToken: common.HexToAddress("0x20"),
		Side:       side,
		Kind:       core.Limit,
		Price:      decimal.RequireFromString("2000"),
		Amount:     decimal.RequireFromString(amount),
		Nonce:      1,
		Signature:  []byte{0xde, 0xad, 0xbe, 0xef},
	}
}

func settlementFill(id string, taker, maker *core.Order, amount string) *core.Fill {
	return &core.Fill{
		ID:           id,
		TakerOrderID: taker.ID,
		MakerOrderID: maker.ID,
		TakerHash:    taker.Hash,
		MakerHash:    maker.Hash,
		TakerUser:    taker.User,
		MakerUser:    maker.User,
		Pair:         taker.Pair,
		Price:        decimal.RequireFromString("2000"),
		Amount:       decimal.RequireFromString(amount),
		TakerSide:    taker.Side,
		CreatedAt:    time.Now(),
	}
}

func newTestSubmitter(t *testing.T, client ChainClient, cfg Config) (*Submitter, storage.Store) {
	t.Helper()
	signer, err := crypto.GenerateKey()
	require.NoError(t, err)
	store := storage.NewMemoryStore()
	if cfg.ChainID == 0 {
		cfg.ChainID = 1337
	}
	if cfg.Contract == (common.Address{}) {
		cfg.Contract = common.HexToAddress("0xcc")
	}
	return NewSubmitter(nil, client, signer, store, cfg), store
}

func waitIdle(t *testing.T, s *Submitter, want int) {
	t.Helper()
	require.Eventually(t, func() bool {
		s.mu.Lock()
		defer s.mu.Unlock()
		return !s.inFlight && len(s.pending) == want
	}, 2*time.Second, 10*time.Millisecond)
}

func TestEnqueueDeduplicatesFills(t *testing.T) {
	s, _ := newTestSubmitter(t, newFakeClient(), Config{BatchSize: 100})

	taker := settlementOrder("t1", core.Buy, "2")
	maker := settlementOrder("m1", core.Sell, "2")
	fill := settlementFill("f1", taker, maker, "1")

	s.Enqueue(fill, taker, maker)
	s.Enqueue(fill, taker, maker)
	assert.Equal(t, 1, s.PendingCount())
}

func TestEnqueueDropsOverfill(t *testing.T) {
	s, _ := newTestSubmitter(t, newFakeClient(), Config{BatchSize: 100})

	taker := settlementOrder("t1", core.Buy, "1")
	maker := settlementOrder("m1", core.Sell, "5")

	s.Enqueue(settlementFill("f1", taker, maker, "0.6"), taker, maker)
	require.Equal(t, 1, s.PendingCount())

	// Not yet counted against the signed totals: only settled fills are.
	s.Enqueue(settlementFill("f2", taker, maker, "0.6"), taker, maker)
	require.Equal(t, 2, s.PendingCount())

	s.mu.Lock()
	s.filled[taker.Hash] = decimal.RequireFromString("0.9")
	s.mu.Unlock()

	s.Enqueue(settlementFill("f3", taker, maker, "0.2"), taker, maker)
	assert.Equal(t, 2, s.PendingCount(), "fill beyond the taker's signed amount is dropped")
}

func TestFlushAtBatchSize(t *testing.T) {
	client := newFakeClient()
	s, store := newTestSubmitter(t, client, Config{BatchSize: 2, BatchTimeout: time.Hour})

	taker := settlementOrder("t1", core.Buy, "10")
	maker := settlementOrder("m1", core.Sell, "10")
	s.Enqueue(settlementFill("f1", taker, maker, "1"), taker, maker)

	s.maybeFlush()
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 1, s.PendingCount(), "below batch size and below timeout: no flush")

	s.Enqueue(settlementFill("f2", taker, maker, "1"), taker, maker)
	s.maybeFlush()
	waitIdle(t, s, 0)

	require.Equal(t, 1, client.sentCount())
	assert.Equal(t, uint64(7), client.sent[0].Nonce())

	fills, err := store.RecentFills("WETH-USDC", 0)
	require.NoError(t, err)
	require.Len(t, fills, 2)
	for _, f := range fills {
		assert.Equal(t, client.sent[0].Hash(), f.SettlementTxHash)
	}

	s.mu.Lock()
	settled := s.filled[taker.Hash]
	s.mu.Unlock()
	assert.True(t, settled.Equal(decimal.RequireFromString("2")))
}

func TestFlushAtBatchTimeout(t *testing.T) {
	client := newFakeClient()
	s, _ := newTestSubmitter(t, client, Config{BatchSize: 100, BatchTimeout: 10 * time.Millisecond})

	taker := settlementOrder("t1", core.Buy, "10")
	maker := settlementOrder("m1", core.Sell, "10")
	s.Enqueue(settlementFill("f1", taker, maker, "1"), taker, maker)

	time.Sleep(20 * time.Millisecond)
	s.maybeFlush()
	waitIdle(t, s, 0)
	assert.Equal(t, 1, client.sentCount())
}

func TestRevertedBatchRequeued(t *testing.T) {
	client := newFakeClient()
	client.receiptStatus = types.ReceiptStatusFailed
	s, store := newTestSubmitter(t, client, Config{BatchSize: 1, BatchTimeout: time.Hour})

	taker := settlementOrder("t1", core.Buy, "10")
	maker := settlementOrder("m1", core.Sell, "10")
	s.Enqueue(settlementFill("f1", taker, maker, "1"), taker, maker)

	s.maybeFlush()
	waitIdle(t, s, 1)

	fills, err := store.RecentFills("WETH-USDC", 0)
	require.NoError(t, err)
	assert.Empty(t, fills, "reverted fills are not persisted as settled")

	s.mu.Lock()
	assert.True(t, s.filled[taker.Hash].IsZero())
	s.mu.Unlock()
}

func TestNonceAdvancesAcrossBatches(t *testing.T) {
	client := newFakeClient()
	s, _ := newTestSubmitter(t, client, Config{BatchSize: 1, BatchTimeout: time.Hour})

	taker := settlementOrder("t1", core.Buy, "10")
	maker := settlementOrder("m1", core.Sell, "10")

	s.Enqueue(settlementFill("f1", taker, maker, "1"), taker, maker)
	s.maybeFlush()
	waitIdle(t, s, 0)

	s.Enqueue(settlementFill("f2", taker, maker, "1"), taker, maker)
	s.maybeFlush()
	waitIdle(t, s, 0)

	require.Equal(t, 2, client.sentCount())
	assert.Equal(t, uint64(7), client.sent[0].Nonce())
	assert.Equal(t, uint64(8), client.sent[1].Nonce())
}

func TestPauseBlocksFlushing(t *testing.T) {
	client := newFakeClient()
	s, _ := newTestSubmitter(t, client, Config{BatchSize: 1, BatchTimeout: time.Hour})

	taker := settlementOrder("t1", core.Buy, "10")
	maker := settlementOrder("m1", core.Sell, "10")

	s.Pause()
	s.Enqueue(settlementFill("f1", taker, maker, "1"), taker, maker)
	s.maybeFlush()
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 1, s.PendingCount())
	assert.Equal(t, 0, client.sentCount())

	s.Unpause()
	s.maybeFlush()
	waitIdle(t, s, 0)
	assert.Equal(t, 1, client.sentCount())
}

func TestRunLoopFlushesOnTimer(t *testing.T) {
	client := newFakeClient()
	s, _ := newTestSubmitter(t, client, Config{BatchSize: 100, BatchTimeout: 100 * time.Millisecond})

	taker := settlementOrder("t1", core.Buy, "10")
	maker := settlementOrder("m1", core.Sell, "10")
	s.Enqueue(settlementFill("f1", taker, maker, "1"), taker, maker)

	go s.Run()
	defer s.Stop()

	require.Eventually(t, func() bool {
		return s.PendingCount() == 0 && client.sentCount() == 1
	}, 3*time.Second, 20*time.Millisecond)
}
