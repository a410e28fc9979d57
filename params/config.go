package params

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Engine holds the settlement-engine parameters. Amounts are in micro-USD
// (6 decimals), prices in 1e-8 units, rates in basis points.
type Engine struct {
	// QuoteValidityWindow is how long a signed price quote stays usable
	// after its timestamp. A quote exactly at the boundary is still valid.
	QuoteValidityWindow time.Duration

	// MaxOrderExpiry bounds how far in the future a delegated order's
	// expiresAt may be set.
	MaxOrderExpiry time.Duration

	TradingFeeBps     int64 // fee on notional size, capped at 100 bps
	LiquidationFeeBps int64 // keeper reward on collateral, capped at 500 bps
	LossCapBps        int64 // ceiling on realized loss as bps of collateral

	// ExecutionFee is the flat fee (micro-USD) collected up front for
	// direct-mode conditional orders and paid to the executing relayer.
	ExecutionFee int64

	// ChainID and ContractIdentity scope signed messages to one deployed
	// engine instance.
	ChainID          int64
	ContractIdentity string
}

type Node struct {
	ListenAddr string
	DBPath     string // empty = memory-only (no persistence)
	LogFile    string
}

type Config struct {
	Engine Engine
	Node   Node
}

func Default() Config {
	return Config{
		Engine: Engine{
			QuoteValidityWindow: 5 * time.Minute,
			MaxOrderExpiry:      30 * 24 * time.Hour,
			TradingFeeBps:       10,
			LiquidationFeeBps:   100,
			LossCapBps:          9900,
			ExecutionFee:        1_000_000, // $1 flat
			ChainID:             1337,
			ContractIdentity:    "0x0000000000000000000000000000000000000000",
		},
		Node: Node{
			ListenAddr: ":8080",
			DBPath:     "data/leverd",
			LogFile:    "data/leverd.log",
		},
	}
}

// LoadFromEnv loads configuration from a .env file (if present) and
// environment variables. Priority: ENV > .env file > defaults.
func LoadFromEnv(envPath string) Config {
	cfg := Default()

	if envPath != "" {
		_ = godotenv.Load(envPath)
	} else {
		_ = godotenv.Load()
	}

	if v := os.Getenv("QUOTE_VALIDITY_SEC"); v != "" {
		if sec, err := strconv.Atoi(v); err == nil {
			cfg.Engine.QuoteValidityWindow = time.Duration(sec) * time.Second
		}
	}
	if v := os.Getenv("MAX_ORDER_EXPIRY_SEC"); v != "" {
		if sec, err := strconv.Atoi(v); err == nil {
			cfg.Engine.MaxOrderExpiry = time.Duration(sec) * time.Second
		}
	}

	cfg.Engine.TradingFeeBps = envInt64("TRADING_FEE_BPS", cfg.Engine.TradingFeeBps)
	cfg.Engine.LiquidationFeeBps = envInt64("LIQUIDATION_FEE_BPS", cfg.Engine.LiquidationFeeBps)
	cfg.Engine.LossCapBps = envInt64("LOSS_CAP_BPS", cfg.Engine.LossCapBps)
	cfg.Engine.ExecutionFee = envInt64("EXECUTION_FEE", cfg.Engine.ExecutionFee)
	cfg.Engine.ChainID = envInt64("CHAIN_ID", cfg.Engine.ChainID)

	if v := os.Getenv("CONTRACT_IDENTITY"); v != "" {
		cfg.Engine.ContractIdentity = v
	}
	if v := os.Getenv("LISTEN_ADDR"); v != "" {
		cfg.Node.ListenAddr = v
	}
	if v := os.Getenv("DB_PATH"); v != "" {
		cfg.Node.DBPath = v
	}
	if v := os.Getenv("LOG_FILE"); v != "" {
		cfg.Node.LogFile = v
	}

	return cfg
}

// Validate rejects parameter values outside their hard caps.
func (e Engine) Validate() error {
	if e.TradingFeeBps < 0 || e.TradingFeeBps > 100 {
		return fmt.Errorf("trading fee %d bps outside [0,100]", e.TradingFeeBps)
	}
	if e.LiquidationFeeBps < 0 || e.LiquidationFeeBps > 500 {
		return fmt.Errorf("liquidation fee %d bps outside [0,500]", e.LiquidationFeeBps)
	}
	if e.LossCapBps <= 0 || e.LossCapBps >= 10000 {
		return fmt.Errorf("loss cap %d bps outside (0,10000)", e.LossCapBps)
	}
	if e.QuoteValidityWindow <= 0 {
		return fmt.Errorf("quote validity window must be positive")
	}
	if e.MaxOrderExpiry <= 0 {
		return fmt.Errorf("max order expiry must be positive")
	}
	if e.ExecutionFee < 0 {
		return fmt.Errorf("execution fee cannot be negative")
	}
	return nil
}

func envInt64(key string, def int64) int64 {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			return n
		}
	}
	return def
}
