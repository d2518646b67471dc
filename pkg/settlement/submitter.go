// Package settlement accumulates matched fills and flushes them to the
// settlement contract as atomic batches. The engine's book stays
// authoritative off-chain; failed broadcasts are retried, never rolled back
// into the engine.
package settlement

import (
	"context"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/shopspring/decimal"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/obdex/obdex/pkg/core"
	"github.com/obdex/obdex/pkg/crypto"
	"github.com/obdex/obdex/pkg/metrics"
	"github.com/obdex/obdex/pkg/storage"
)

const (
	maxAttempts     = 5
	receiptInterval = 2 * time.Second
	fallbackGas     = 500_000
	gasPerFill      = 150_000
)

type Config struct {
	Contract             common.Address
	ChainID              int64
	BatchSize            int
	BatchTimeout         time.Duration
	GasMultiplierOnRetry float64
	ConfirmTimeout       time.Duration
}

// item is one fill awaiting settlement, with immutable snapshots of both
// signed orders as they were at match time.
type item struct {
	fill  *core.Fill
	taker *core.Order
	maker *core.Order
	added time.Time
}

// Submitter implements engine.FillSink. Exactly one flush is in flight at a
// time; triggers during a flush coalesce into the next one.
type Submitter struct {
	log    *zap.Logger
	client ChainClient
	signer *crypto.Signer
	store  storage.Store
	cfg    Config

	breaker *gobreaker.CircuitBreaker

	mu       sync.Mutex
	pending  []*item
	settled  map[string]struct{}            // fill IDs already settled or queued
	filled   map[common.Hash]decimal.Decimal // cumulative settled amount per order hash
	paused   bool
	inFlight bool

	nonce     uint64
	nonceInit bool

	kick chan struct{}
	done chan struct{}
	wg   sync.WaitGroup
}

func NewSubmitter(log *zap.Logger, client ChainClient, signer *crypto.Signer, store storage.Store, cfg Config) *Submitter {
	if log == nil {
		log = zap.NewNop()
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 50
	}
	if cfg.BatchTimeout <= 0 {
		cfg.BatchTimeout = 5 * time.Second
	}
	if cfg.GasMultiplierOnRetry < 1 {
		cfg.GasMultiplierOnRetry = 1.2
	}
	if cfg.ConfirmTimeout <= 0 {
		cfg.ConfirmTimeout = 5 * time.Minute
	}
	return &Submitter{
		log:    log,
		client: client,
		signer: signer,
		store:  store,
		cfg:    cfg,
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:    "settlement-rpc",
			Timeout: 30 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 5
			},
		}),
		settled: make(map[string]struct{}),
		filled:  make(map[common.Hash]decimal.Decimal),
		kick:    make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
}

// Enqueue implements engine.FillSink. Fills already seen, or that would
// overfill either order's signed total, are dropped here rather than wasted
// on a broadcast the contract would revert.
func (s *Submitter) Enqueue(fill *core.Fill, taker, maker *core.Order) {
	s.mu.Lock()
	if _, dup := s.settled[fill.ID]; dup {
		s.mu.Unlock()
		return
	}
	if s.wouldOverfill(fill.Amount, taker) || s.wouldOverfill(fill.Amount, maker) {
		s.mu.Unlock()
		s.log.Warn("fill would overfill signed order, dropping",
			zap.String("fill", fill.ID),
			zap.String("taker_hash", fill.TakerHash.Hex()),
			zap.String("maker_hash", fill.MakerHash.Hex()))
		return
	}
	s.settled[fill.ID] = struct{}{}
	s.pending = append(s.pending, &item{fill: fill, taker: taker, maker: maker, added: time.Now()})
	n := len(s.pending)
	s.mu.Unlock()

	metrics.SettlementPending.Set(float64(n))
	if n >= s.cfg.BatchSize {
		s.wake()
	}
}

func (s *Submitter) wouldOverfill(amount decimal.Decimal, o *core.Order) bool {
	return s.filled[o.Hash].Add(amount).GreaterThan(o.Amount)
}

func (s *Submitter) wake() {
	select {
	case s.kick <- struct{}{}:
	default:
	}
}

// Pause stops flushing. Pending fills keep accumulating.
func (s *Submitter) Pause() {
	s.mu.Lock()
	s.paused = true
	s.mu.Unlock()
	s.log.Info("settlement submitter paused")
}

func (s *Submitter) Unpause() {
	s.mu.Lock()
	s.paused = false
	s.mu.Unlock()
	s.log.Info("settlement submitter unpaused")
	s.wake()
}

// PendingCount reports fills not yet settled.
func (s *Submitter) PendingCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

// Run drives the flush loop until Stop.
func (s *Submitter) Run() {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-s.done:
			return
		case <-s.kick:
		case <-ticker.C:
		}
		s.maybeFlush()
	}
}

func (s *Submitter) Stop() {
	close(s.done)
	s.wg.Wait()
}

// maybeFlush starts a flush when a trigger condition holds and no flush is
// already in flight.
func (s *Submitter) maybeFlush() {
	s.mu.Lock()
	if s.paused || s.inFlight || len(s.pending) == 0 {
		s.mu.Unlock()
		return
	}
	oldest := s.pending[0].added
	if len(s.pending) < s.cfg.BatchSize && time.Since(oldest) < s.cfg.BatchTimeout {
		s.mu.Unlock()
		return
	}

	n := len(s.pending)
	if n > s.cfg.BatchSize {
		n = s.cfg.BatchSize
	}
	batch := make([]*item, n)
	copy(batch, s.pending[:n])
	s.pending = s.pending[n:]
	s.inFlight = true
	remaining := len(s.pending)
	s.mu.Unlock()

	metrics.SettlementPending.Set(float64(remaining))
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.flush(batch)
		s.mu.Lock()
		s.inFlight = false
		s.mu.Unlock()
		s.wake()
	}()
}

// flush broadcasts one batch and waits for its confirmation. Reverted or
// exhausted batches are returned to the front of the queue in order.
func (s *Submitter) flush(batch []*item) {
	data, err := packBatch(batch)
	if err != nil {
		// Packing is deterministic; a failure here will not heal on retry.
		s.log.Error("batch pack failed, dropping batch",
			zap.Int("fills", len(batch)), zap.Error(err))
		metrics.SettlementBatches.WithLabelValues("pack_error").Inc()
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.ConfirmTimeout)
	defer cancel()

	if !s.nonceInit {
		nonce, err := s.rpcNonce(ctx)
		if err != nil {
			s.log.Warn("nonce query failed, requeueing batch", zap.Error(err))
			s.requeue(batch)
			metrics.SettlementBatches.WithLabelValues("rpc_error").Inc()
			return
		}
		s.nonce = nonce
		s.nonceInit = true
	}

	gasPrice, err := s.rpcGasPrice(ctx)
	if err != nil {
		s.log.Warn("gas price query failed, requeueing batch", zap.Error(err))
		s.requeue(batch)
		metrics.SettlementBatches.WithLabelValues("rpc_error").Inc()
		return
	}
	gasLimit := s.estimateGas(ctx, data, len(batch))

	for attempt := 0; attempt < maxAttempts; attempt++ {
		if attempt > 0 {
			gasPrice = mulGas(gasPrice, s.cfg.GasMultiplierOnRetry)
		}

		tx := types.NewTransaction(s.nonce, s.cfg.Contract, big.NewInt(0), gasLimit, gasPrice, data)
		signed, err := types.SignTx(tx, types.LatestSignerForChainID(big.NewInt(s.cfg.ChainID)), s.signer.PrivateKey())
		if err != nil {
			s.log.Error("tx signing failed, requeueing batch", zap.Error(err))
			s.requeue(batch)
			metrics.SettlementBatches.WithLabelValues("sign_error").Inc()
			return
		}

		if err := s.rpcSend(ctx, signed); err != nil {
			s.log.Warn("broadcast failed",
				zap.Int("attempt", attempt+1), zap.Error(err))
			if ctx.Err() != nil {
				break
			}
			continue
		}
		// Nonce advances only once the broadcast is accepted.
		s.nonce++

		receipt, err := s.waitReceipt(ctx, signed.Hash())
		if err != nil {
			// Confirmation timed out; replace the tx at higher gas.
			s.log.Warn("confirmation wait failed, retrying with higher gas",
				zap.String("tx", signed.Hash().Hex()), zap.Error(err))
			s.nonce--
			continue
		}
		if receipt.Status != types.ReceiptStatusSuccessful {
			s.log.Error("settlement batch reverted, requeueing",
				zap.String("tx", signed.Hash().Hex()), zap.Int("fills", len(batch)))
			s.requeue(batch)
			metrics.SettlementBatches.WithLabelValues("reverted").Inc()
			return
		}

		s.markSettled(batch, signed.Hash())
		metrics.SettlementBatches.WithLabelValues("confirmed").Inc()
		s.log.Info("settlement batch confirmed",
			zap.String("tx", signed.Hash().Hex()),
			zap.Int("fills", len(batch)),
			zap.Uint64("gas_used", receipt.GasUsed))
		return
	}

	s.log.Error("settlement batch exhausted retries, requeueing", zap.Int("fills", len(batch)))
	s.requeue(batch)
	metrics.SettlementBatches.WithLabelValues("exhausted").Inc()
}

// requeue prepends a failed batch, preserving FIFO order.
func (s *Submitter) requeue(batch []*item) {
	s.mu.Lock()
	s.pending = append(batch, s.pending...)
	n := len(s.pending)
	s.mu.Unlock()
	metrics.SettlementPending.Set(float64(n))
}

func (s *Submitter) markSettled(batch []*item, txHash common.Hash) {
	s.mu.Lock()
	for _, it := range batch {
		s.filled[it.taker.Hash] = s.filled[it.taker.Hash].Add(it.fill.Amount)
		if it.maker.Hash != it.taker.Hash {
			s.filled[it.maker.Hash] = s.filled[it.maker.Hash].Add(it.fill.Amount)
		}
	}
	s.mu.Unlock()

	for _, it := range batch {
		it.fill.SettlementTxHash = txHash
		if err := s.store.SaveFill(it.fill); err != nil {
			s.log.Warn("failed to persist settled fill",
				zap.String("fill", it.fill.ID), zap.Error(err))
		}
	}
}

func (s *Submitter) waitReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error) {
	ticker := time.NewTicker(receiptInterval)
	defer ticker.Stop()
	for {
		receipt, err := s.rpcReceipt(ctx, txHash)
		if err == nil && receipt != nil {
			return receipt, nil
		}
		select {
		case <-ctx.Done():
			return nil, core.Wrap(core.CodeSettlementTimeout, ctx.Err(), "confirmation wait")
		case <-ticker.C:
		}
	}
}

func (s *Submitter) estimateGas(ctx context.Context, data []byte, fills int) uint64 {
	from := s.signer.Address()
	gas, err := s.client.EstimateGas(ctx, ethereum.CallMsg{
		From: from,
		To:   &s.cfg.Contract,
		Data: data,
	})
	if err != nil {
		return fallbackGas + uint64(fills)*gasPerFill
	}
	return gas + gas/5
}

func mulGas(price *big.Int, mult float64) *big.Int {
	scaled := new(big.Float).Mul(new(big.Float).SetInt(price), big.NewFloat(mult))
	out, _ := scaled.Int(nil)
	return out
}

// RPC calls go through the circuit breaker so a dead endpoint fails fast
// instead of stacking up blocked flushes.

func (s *Submitter) rpcNonce(ctx context.Context) (uint64, error) {
	v, err := s.breaker.Execute(func() (interface{}, error) {
		return s.client.PendingNonceAt(ctx, s.signer.Address())
	})
	if err != nil {
		return 0, err
	}
	return v.(uint64), nil
}

func (s *Submitter) rpcGasPrice(ctx context.Context) (*big.Int, error) {
	v, err := s.breaker.Execute(func() (interface{}, error) {
		return s.client.SuggestGasPrice(ctx)
	})
	if err != nil {
		return nil, err
	}
	return v.(*big.Int), nil
}

func (s *Submitter) rpcSend(ctx context.Context, tx *types.Transaction) error {
	_, err := s.breaker.Execute(func() (interface{}, error) {
		return nil, s.client.SendTransaction(ctx, tx)
	})
	return err
}

func (s *Submitter) rpcReceipt(ctx context.Context, hash common.Hash) (*types.Receipt, error) {
	v, err := s.breaker.Execute(func() (interface{}, error) {
		return s.client.TransactionReceipt(ctx, hash)
	})
	if err != nil {
		return nil, err
	}
	return v.(*types.Receipt), nil
}
