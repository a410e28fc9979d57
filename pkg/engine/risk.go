package engine

import (
	"fmt"
	"math"
	"math/big"
	"sync"
)

// AssetConfig is the per-symbol risk configuration. Mutated only by a risk
// administrator through the engine.
type AssetConfig struct {
	Symbol                  string `json:"symbol"`
	Enabled                 bool   `json:"enabled"`
	MaxLeverage             int64  `json:"max_leverage"`
	MaxPositionSize         int64  `json:"max_position_size"` // micro-USD notional
	MaxOpenInterest         int64  `json:"max_open_interest"` // micro-USD notional
	LiquidationThresholdBps int64  `json:"liquidation_threshold_bps"`
}

// RiskEngine holds asset configs and the per-symbol open-interest
// accumulator. Open interest is adjusted exactly once per open and once per
// close/liquidate; decrementing below zero is a fatal underflow, never a
// clamp.
type RiskEngine struct {
	mu           sync.RWMutex
	configs      map[string]AssetConfig
	openInterest map[string]int64
}

func NewRiskEngine() *RiskEngine {
	return &RiskEngine{
		configs:      make(map[string]AssetConfig),
		openInterest: make(map[string]int64),
	}
}

// SetConfig installs or replaces a symbol's risk configuration. The
// liquidation threshold must be strictly inside (0, 10000).
func (r *RiskEngine) SetConfig(cfg AssetConfig) error {
	if cfg.Symbol == "" {
		return fmt.Errorf("%w: empty symbol", ErrValidation)
	}
	if cfg.MaxLeverage <= 0 {
		return fmt.Errorf("%w: max leverage %d", ErrValidation, cfg.MaxLeverage)
	}
	if cfg.MaxPositionSize <= 0 {
		return fmt.Errorf("%w: max position size %d", ErrValidation, cfg.MaxPositionSize)
	}
	if cfg.LiquidationThresholdBps <= 0 || cfg.LiquidationThresholdBps >= 10000 {
		return fmt.Errorf("%w: liquidation threshold %d bps outside (0,10000)", ErrValidation, cfg.LiquidationThresholdBps)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.configs[cfg.Symbol] = cfg
	return nil
}

func (r *RiskEngine) Config(symbol string) (AssetConfig, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	cfg, ok := r.configs[symbol]
	return cfg, ok
}

func (r *RiskEngine) Configs() []AssetConfig {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]AssetConfig, 0, len(r.configs))
	for _, cfg := range r.configs {
		out = append(out, cfg)
	}
	return out
}

// ValidateTrade checks a prospective position against the symbol's limits.
// size must equal collateral × leverage exactly; there is no rounding
// tolerance.
func (r *RiskEngine) ValidateTrade(symbol string, collateral, leverage, size int64) error {
	r.mu.RLock()
	defer r.mu.RUnlock()

	cfg, ok := r.configs[symbol]
	if !ok || !cfg.Enabled {
		return fmt.Errorf("%w: asset %s not enabled", ErrValidation, symbol)
	}
	if collateral <= 0 {
		return fmt.Errorf("%w: collateral %d", ErrValidation, collateral)
	}
	if leverage <= 0 || leverage > cfg.MaxLeverage {
		return fmt.Errorf("%w: leverage %d outside (0,%d]", ErrValidation, leverage, cfg.MaxLeverage)
	}
	if size > cfg.MaxPositionSize {
		return fmt.Errorf("%w: size %d exceeds max %d", ErrValidation, size, cfg.MaxPositionSize)
	}

	exact := new(big.Int).Mul(big.NewInt(collateral), big.NewInt(leverage))
	if !exact.IsInt64() || exact.Int64() != size {
		return fmt.Errorf("%w: size %d != collateral %d x leverage %d", ErrValidation, size, collateral, leverage)
	}

	oi := r.openInterest[symbol]
	if oi+size > cfg.MaxOpenInterest || oi+size < oi {
		return fmt.Errorf("%w: open interest %d + size %d exceeds cap %d", ErrValidation, oi, size, cfg.MaxOpenInterest)
	}
	return nil
}

// LiquidationPrice computes the price at which a position forfeits its
// threshold fraction of collateral.
//
//	maxLoss    = collateral × thresholdBps / 10000   (floor)
//	priceDelta = maxLoss × entryPrice / size         (floor)
//	long:  entryPrice − priceDelta (must stay > 0)
//	short: entryPrice + priceDelta
func (r *RiskEngine) LiquidationPrice(long bool, entryPrice, collateral, size int64, symbol string) (int64, error) {
	r.mu.RLock()
	cfg, ok := r.configs[symbol]
	r.mu.RUnlock()
	if !ok {
		return 0, fmt.Errorf("%w: unknown asset %s", ErrValidation, symbol)
	}
	if entryPrice <= 0 || collateral <= 0 || size <= 0 {
		return 0, fmt.Errorf("%w: entry %d, collateral %d, size %d", ErrValidation, entryPrice, collateral, size)
	}

	maxLoss := new(big.Int).Mul(big.NewInt(collateral), big.NewInt(cfg.LiquidationThresholdBps))
	maxLoss.Quo(maxLoss, big.NewInt(10000))

	delta := new(big.Int).Mul(maxLoss, big.NewInt(entryPrice))
	delta.Quo(delta, big.NewInt(size))

	if long {
		liq := new(big.Int).Sub(big.NewInt(entryPrice), delta)
		if liq.Sign() <= 0 {
			return 0, fmt.Errorf("%w: liquidation price %s not positive", ErrValidation, liq)
		}
		return liq.Int64(), nil
	}
	liq := new(big.Int).Add(big.NewInt(entryPrice), delta)
	if !liq.IsInt64() {
		return 0, fmt.Errorf("%w: liquidation price overflows", ErrValidation)
	}
	return liq.Int64(), nil
}

// ShouldLiquidate reports whether currentPrice has crossed the liquidation
// price: at-or-below for longs, at-or-above for shorts.
func (r *RiskEngine) ShouldLiquidate(long bool, entryPrice, currentPrice, collateral, size int64, symbol string) (bool, error) {
	liq, err := r.LiquidationPrice(long, entryPrice, collateral, size, symbol)
	if err != nil {
		return false, err
	}
	if long {
		return currentPrice <= liq, nil
	}
	return currentPrice >= liq, nil
}

// IncreaseOpenInterest adds an opening position's size to the symbol's
// accumulator.
func (r *RiskEngine) IncreaseOpenInterest(symbol string, size int64) error {
	if size <= 0 {
		return fmt.Errorf("%w: size %d", ErrValidation, size)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	oi := r.openInterest[symbol]
	if oi > math.MaxInt64-size {
		return fmt.Errorf("%w: open interest overflow for %s", ErrValidation, symbol)
	}
	r.openInterest[symbol] = oi + size
	return nil
}

// DecreaseOpenInterest removes a closing position's size. Going below zero is
// a bug in the caller and surfaces as ErrUnderflow.
func (r *RiskEngine) DecreaseOpenInterest(symbol string, size int64) error {
	if size <= 0 {
		return fmt.Errorf("%w: size %d", ErrValidation, size)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	oi := r.openInterest[symbol]
	if size > oi {
		return fmt.Errorf("%w: open interest %d - %d for %s", ErrUnderflow, oi, size, symbol)
	}
	r.openInterest[symbol] = oi - size
	return nil
}

func (r *RiskEngine) OpenInterest(symbol string) int64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.openInterest[symbol]
}

// restoreOpenInterest seeds the accumulator from persistence at startup.
func (r *RiskEngine) restoreOpenInterest(symbol string, oi int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.openInterest[symbol] = oi
}
