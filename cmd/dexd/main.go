// dexd runs the off-chain order book node: REST/websocket API, matching
// engine and settlement submitter.
package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"github.com/obdex/obdex/params"
	"github.com/obdex/obdex/pkg/api"
	"github.com/obdex/obdex/pkg/balance"
	"github.com/obdex/obdex/pkg/core"
	"github.com/obdex/obdex/pkg/crypto"
	"github.com/obdex/obdex/pkg/engine"
	"github.com/obdex/obdex/pkg/risk"
	"github.com/obdex/obdex/pkg/settlement"
	"github.com/obdex/obdex/pkg/storage"
	"github.com/obdex/obdex/pkg/util"
)

func main() {
	configPath := flag.String("config", "", "path to config file (optional)")
	flag.Parse()

	cfg, err := params.Load(*configPath)
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	logger, err := util.NewLogger(cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer logger.Sync()

	store, err := openStore(cfg, logger)
	if err != nil {
		logger.Fatal("storage init failed", zap.Error(err))
	}
	defer store.Close()

	balances := balance.NewManager(logger)

	settlementAddr := common.HexToAddress(cfg.Blockchain.SettlementAddress)
	verifier := crypto.NewOrderVerifier(crypto.DefaultDomain(cfg.Blockchain.ChainID, settlementAddr))

	checker := risk.NewChecker(risk.Config{
		MinOrderAmount:       cfg.Risk.MinOrderAmount,
		MaxOrderAmount:       cfg.Risk.MaxOrderAmount,
		MaxPriceDeviationBps: cfg.Risk.MaxPriceDeviationBps,
		MaxOrdersPerUser:     cfg.Risk.MaxOrdersPerUser,
		OrderRatePerMinute:   cfg.Risk.OrderRatePerMinute,
		CancelRatePerMinute:  cfg.Risk.CancelRatePerMinute,
		EnableBalanceCheck:   cfg.Risk.EnableBalanceCheck,
	})

	hub := api.NewHub(logger)

	submitter, err := newSubmitter(cfg, logger, store, settlementAddr)
	if err != nil {
		logger.Fatal("settlement init failed", zap.Error(err))
	}

	engOpts := engine.Options{
		Log:             logger,
		Balances:        balances,
		Store:           store,
		Pub:             hub,
		Clock:           util.RealClock{},
		DisableMatching: !cfg.Trading.AutoMatching,
	}
	if submitter != nil {
		engOpts.Sink = submitter
	}
	eng := engine.New(engOpts)

	for _, p := range cfg.Trading.Pairs {
		eng.RegisterPair(core.Pair{
			Symbol:     p.Symbol,
			BaseToken:  common.HexToAddress(p.BaseToken),
			QuoteToken: common.HexToAddress(p.QuoteToken),
		})
		logger.Info("pair registered", zap.String("pair", p.Symbol))
	}

	stop := make(chan struct{})
	go eng.RunBackground(stop)
	if submitter != nil {
		go submitter.Run()
	}

	server := api.NewServer(api.Options{
		Log:          logger,
		Engine:       eng,
		Balances:     balances,
		Verifier:     verifier,
		Risk:         checker,
		Hub:          hub,
		Address:      cfg.Server.Address,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	})

	errCh := make(chan error, 1)
	go func() { errCh <- server.Start() }()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-sigCh:
		logger.Info("shutting down", zap.String("signal", sig.String()))
	case err := <-errCh:
		if err != nil {
			logger.Error("server failed", zap.Error(err))
		}
	}

	close(stop)
	if submitter != nil {
		submitter.Stop()
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		logger.Warn("shutdown incomplete", zap.Error(err))
	}
}

func openStore(cfg params.Config, logger *zap.Logger) (storage.Store, error) {
	if cfg.Storage.DataDir == "" {
		logger.Info("using in-memory storage")
		return storage.NewMemoryStore(), nil
	}
	logger.Info("using pebble storage", zap.String("dir", cfg.Storage.DataDir))
	return storage.NewPebbleStore(cfg.Storage.DataDir)
}

// newSubmitter returns nil when no chain endpoint or key is configured; the
// node then matches without settling.
func newSubmitter(cfg params.Config, logger *zap.Logger, store storage.Store, contract common.Address) (*settlement.Submitter, error) {
	if cfg.Blockchain.PrivateKey == "" || cfg.Blockchain.RPCURL == "" {
		logger.Warn("settlement disabled: no private key or rpc url configured")
		return nil, nil
	}
	signer, err := crypto.FromPrivateKeyHex(cfg.Blockchain.PrivateKey)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	client, err := settlement.Dial(ctx, cfg.Blockchain.RPCURL)
	if err != nil {
		return nil, err
	}
	return settlement.NewSubmitter(logger, client, signer, store, settlement.Config{
		Contract:             contract,
		ChainID:              cfg.Blockchain.ChainID,
		BatchSize:            cfg.Settlement.BatchSize,
		BatchTimeout:         cfg.Settlement.BatchTimeout,
		GasMultiplierOnRetry: cfg.Settlement.GasMultiplierOnRetry,
		ConfirmTimeout:       cfg.Settlement.ConfirmTimeout,
	}), nil
}
