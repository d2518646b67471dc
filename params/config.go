// Package params loads node configuration. Precedence: environment
// variables > .env file > config file > defaults. Env keys are the config
// keys upper-cased with dots replaced by underscores (e.g. SERVER_ADDRESS).
package params

import (
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
	"github.com/spf13/viper"
)

type Server struct {
	Address      string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

type Log struct {
	Level  string // debug, info, warn, error
	Format string // json, text
}

type Blockchain struct {
	ChainID           int64
	SettlementAddress string
	RPCURL            string
	PrivateKey        string
}

// PairSpec configures one trading pair as "SYMBOL:0xbase:0xquote".
type PairSpec struct {
	Symbol     string
	BaseToken  string
	QuoteToken string
}

type Trading struct {
	AutoMatching bool
	Pairs        []PairSpec
}

type Risk struct {
	MinOrderAmount       decimal.Decimal
	MaxOrderAmount       decimal.Decimal
	MaxPriceDeviationBps int64
	MaxOrdersPerUser     int
	OrderRatePerMinute   int
	CancelRatePerMinute  int
	EnableBalanceCheck   bool
}

type Settlement struct {
	BatchSize            int
	BatchTimeout         time.Duration
	GasMultiplierOnRetry float64
	ConfirmTimeout       time.Duration
}

type Storage struct {
	DataDir string // empty = in-memory only
}

type Config struct {
	Server     Server
	Log        Log
	Blockchain Blockchain
	Trading    Trading
	Risk       Risk
	Settlement Settlement
	Storage    Storage
}

// Default returns devnet defaults.
func Default() Config {
	return Config{
		Server: Server{
			Address:      ":8080",
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 10 * time.Second,
		},
		Log: Log{Level: "info", Format: "json"},
		Blockchain: Blockchain{
			ChainID: 1337,
			RPCURL:  "http://localhost:8545",
		},
		Trading: Trading{AutoMatching: true},
		Risk: Risk{
			MinOrderAmount:       decimal.RequireFromString("0.0001"),
			MaxOrderAmount:       decimal.RequireFromString("1000000"),
			MaxPriceDeviationBps: 0, // disabled until a reference price exists
			MaxOrdersPerUser:     100,
			OrderRatePerMinute:   120,
			CancelRatePerMinute:  120,
			EnableBalanceCheck:   true,
		},
		Settlement: Settlement{
			BatchSize:            50,
			BatchTimeout:         5 * time.Second,
			GasMultiplierOnRetry: 1.2,
			ConfirmTimeout:       5 * time.Minute,
		},
	}
}

// Load reads configuration. configPath may name a yaml/toml/json file;
// empty means defaults plus environment only.
func Load(configPath string) (Config, error) {
	_ = godotenv.Load() // .env is optional

	v := viper.New()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	def := Default()
	v.SetDefault("server.address", def.Server.Address)
	v.SetDefault("server.read_timeout", def.Server.ReadTimeout)
	v.SetDefault("server.write_timeout", def.Server.WriteTimeout)
	v.SetDefault("log.level", def.Log.Level)
	v.SetDefault("log.format", def.Log.Format)
	v.SetDefault("blockchain.chain_id", def.Blockchain.ChainID)
	v.SetDefault("blockchain.settlement_address", "")
	v.SetDefault("blockchain.rpc_url", def.Blockchain.RPCURL)
	v.SetDefault("blockchain.private_key", "")
	v.SetDefault("trading.auto_matching", def.Trading.AutoMatching)
	v.SetDefault("trading.pairs", []string{})
	v.SetDefault("risk.min_order_amount", def.Risk.MinOrderAmount.String())
	v.SetDefault("risk.max_order_amount", def.Risk.MaxOrderAmount.String())
	v.SetDefault("risk.max_price_deviation_bps", def.Risk.MaxPriceDeviationBps)
	v.SetDefault("risk.max_orders_per_user", def.Risk.MaxOrdersPerUser)
	v.SetDefault("risk.order_rate_per_minute", def.Risk.OrderRatePerMinute)
	v.SetDefault("risk.cancel_rate_per_minute", def.Risk.CancelRatePerMinute)
	v.SetDefault("risk.enable_balance_check", def.Risk.EnableBalanceCheck)
	v.SetDefault("settlement.batch_size", def.Settlement.BatchSize)
	v.SetDefault("settlement.batch_timeout", def.Settlement.BatchTimeout)
	v.SetDefault("settlement.gas_multiplier_on_retry", def.Settlement.GasMultiplierOnRetry)
	v.SetDefault("settlement.confirm_timeout", def.Settlement.ConfirmTimeout)
	v.SetDefault("storage.data_dir", "")

	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, err
		}
	}

	minAmt, err := decimal.NewFromString(v.GetString("risk.min_order_amount"))
	if err != nil {
		return Config{}, err
	}
	maxAmt, err := decimal.NewFromString(v.GetString("risk.max_order_amount"))
	if err != nil {
		return Config{}, err
	}

	cfg := Config{
		Server: Server{
			Address:      v.GetString("server.address"),
			ReadTimeout:  v.GetDuration("server.read_timeout"),
			WriteTimeout: v.GetDuration("server.write_timeout"),
		},
		Log: Log{
			Level:  v.GetString("log.level"),
			Format: v.GetString("log.format"),
		},
		Blockchain: Blockchain{
			ChainID:           v.GetInt64("blockchain.chain_id"),
			SettlementAddress: v.GetString("blockchain.settlement_address"),
			RPCURL:            v.GetString("blockchain.rpc_url"),
			PrivateKey:        v.GetString("blockchain.private_key"),
		},
		Trading: Trading{
			AutoMatching: v.GetBool("trading.auto_matching"),
			Pairs:        parsePairs(v.GetStringSlice("trading.pairs")),
		},
		Risk: Risk{
			MinOrderAmount:       minAmt,
			MaxOrderAmount:       maxAmt,
			MaxPriceDeviationBps: v.GetInt64("risk.max_price_deviation_bps"),
			MaxOrdersPerUser:     v.GetInt("risk.max_orders_per_user"),
			OrderRatePerMinute:   v.GetInt("risk.order_rate_per_minute"),
			CancelRatePerMinute:  v.GetInt("risk.cancel_rate_per_minute"),
			EnableBalanceCheck:   v.GetBool("risk.enable_balance_check"),
		},
		Settlement: Settlement{
			BatchSize:            v.GetInt("settlement.batch_size"),
			BatchTimeout:         v.GetDuration("settlement.batch_timeout"),
			GasMultiplierOnRetry: v.GetFloat64("settlement.gas_multiplier_on_retry"),
			ConfirmTimeout:       v.GetDuration("settlement.confirm_timeout"),
		},
		Storage: Storage{
			DataDir: v.GetString("storage.data_dir"),
		},
	}
	return cfg, nil
}

// parsePairs parses "SYMBOL:0xbase:0xquote" entries; malformed entries are
// skipped.
func parsePairs(entries []string) []PairSpec {
	var out []PairSpec
	for _, e := range entries {
		parts := strings.Split(e, ":")
		if len(parts) != 3 {
			continue
		}
		out = append(out, PairSpec{
			Symbol:     parts[0],
			BaseToken:  parts[1],
			QuoteToken: parts[2],
		})
	}
	return out
}
