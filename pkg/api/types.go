package api

import (
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/openlev/leverd/pkg/engine"
)

// Wire amounts are decimal strings: collateral and fees in USD (6 decimal
// places internally), prices with 8. Internal fixed-point integers never
// leak through the API.

func usd(microUSD int64) string { return decimal.New(microUSD, -6).String() }

func price(p int64) string { return decimal.New(p, -8).String() }

// parseUSD converts a decimal USD string to micro-USD, rejecting anything
// finer than 6 decimal places.
func parseUSD(s string) (int64, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return 0, fmt.Errorf("invalid amount %q: %w", s, err)
	}
	shifted := d.Shift(6)
	if !shifted.Equal(shifted.Truncate(0)) {
		return 0, fmt.Errorf("amount %q below micro-USD resolution", s)
	}
	if !shifted.BigInt().IsInt64() {
		return 0, fmt.Errorf("amount %q out of range", s)
	}
	return shifted.IntPart(), nil
}

// parsePrice converts a decimal price string to 1e-8 fixed point.
func parsePrice(s string) (int64, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return 0, fmt.Errorf("invalid price %q: %w", s, err)
	}
	shifted := d.Shift(8)
	if !shifted.Equal(shifted.Truncate(0)) {
		return 0, fmt.Errorf("price %q below 1e-8 resolution", s)
	}
	if !shifted.BigInt().IsInt64() {
		return 0, fmt.Errorf("price %q out of range", s)
	}
	return shifted.IntPart(), nil
}

// QuotePayload is the wire form of a signed price quote. Signature is hex.
type QuotePayload struct {
	Symbol    string `json:"symbol"`
	Price     string `json:"price"`
	Timestamp int64  `json:"timestamp"`
	Signature string `json:"signature"`
}

type OpenPositionRequest struct {
	Owner      string       `json:"owner"`
	Symbol     string       `json:"symbol"`
	Long       bool         `json:"long"`
	Collateral string       `json:"collateral"`
	Leverage   int64        `json:"leverage"`
	Quote      QuotePayload `json:"quote"`
}

type ClosePositionRequest struct {
	Caller string       `json:"caller"`
	Quote  QuotePayload `json:"quote"`
}

type PositionInfo struct {
	ID               uint64 `json:"id"`
	Owner            string `json:"owner"`
	Symbol           string `json:"symbol"`
	Long             bool   `json:"long"`
	Collateral       string `json:"collateral"`
	Size             string `json:"size"`
	Leverage         int64  `json:"leverage"`
	EntryPrice       string `json:"entry_price"`
	Status           string `json:"status"`
	OpenedAt         int64  `json:"opened_at"`
	ClosedAt         int64  `json:"closed_at,omitempty"`
	ExitPrice        string `json:"exit_price,omitempty"`
	LiquidationPrice string `json:"liquidation_price,omitempty"`
}

type SettlementInfo struct {
	Refund    string `json:"refund"`
	Profit    string `json:"profit"`
	FeePaid   string `json:"fee_paid"`
	Charged   string `json:"charged"`
	BadDebt   string `json:"bad_debt"`
	PnL       string `json:"pnl"`
	KeeperFee string `json:"keeper_fee,omitempty"`
}

type PlaceOrderRequest struct {
	Owner        string `json:"owner"`
	Kind         string `json:"kind"` // limit_open | limit_close | stop_loss
	Symbol       string `json:"symbol"`
	Long         bool   `json:"long"`
	Collateral   string `json:"collateral,omitempty"`
	Leverage     int64  `json:"leverage,omitempty"`
	TriggerPrice string `json:"trigger_price"`
	PositionID   uint64 `json:"position_id,omitempty"`
	ExpiresAt    int64  `json:"expires_at,omitempty"`
}

type DelegatedOrderRequestPayload struct {
	Relayer         string            `json:"relayer"`
	Owner           string            `json:"owner"`
	Params          PlaceOrderRequest `json:"params"`
	MaxExecutionFee string            `json:"max_execution_fee"`
	Nonce           uint64            `json:"nonce"`
	Signature       string            `json:"signature"`
}

type CancelOrderRequest struct {
	Caller string `json:"caller"`
}

type ExecuteOrderRequest struct {
	Caller       string       `json:"caller"`
	Quote        QuotePayload `json:"quote"`
	ExecutionFee string       `json:"execution_fee,omitempty"`
}

type OrderInfo struct {
	ID               uint64 `json:"id"`
	Kind             string `json:"kind"`
	Status           string `json:"status"`
	Mode             string `json:"mode"`
	Owner            string `json:"owner"`
	Symbol           string `json:"symbol"`
	Long             bool   `json:"long"`
	Collateral       string `json:"collateral,omitempty"`
	Leverage         int64  `json:"leverage,omitempty"`
	TriggerPrice     string `json:"trigger_price"`
	PositionID       uint64 `json:"position_id,omitempty"`
	CreatedAt        int64  `json:"created_at"`
	ExecutedAt       int64  `json:"executed_at,omitempty"`
	ExpiresAt        int64  `json:"expires_at,omitempty"`
	Nonce            uint64 `json:"nonce,omitempty"`
	MaxExecutionFee  string `json:"max_execution_fee"`
	ExecutionFeePaid string `json:"execution_fee_paid,omitempty"`
}

type AccountInfo struct {
	Address string `json:"address"`
	Balance string `json:"balance"`
	Nonce   uint64 `json:"nonce"`
}

type TransferRequest struct {
	Amount string `json:"amount"`
}

type AssetInfo struct {
	Symbol                  string `json:"symbol"`
	Enabled                 bool   `json:"enabled"`
	MaxLeverage             int64  `json:"max_leverage"`
	MaxPositionSize         string `json:"max_position_size"`
	MaxOpenInterest         string `json:"max_open_interest"`
	LiquidationThresholdBps int64  `json:"liquidation_threshold_bps"`
	OpenInterest            string `json:"open_interest"`
}

type SetAssetRequest struct {
	Caller                  string `json:"caller"`
	Symbol                  string `json:"symbol"`
	Enabled                 bool   `json:"enabled"`
	MaxLeverage             int64  `json:"max_leverage"`
	MaxPositionSize         string `json:"max_position_size"`
	MaxOpenInterest         string `json:"max_open_interest"`
	LiquidationThresholdBps int64  `json:"liquidation_threshold_bps"`
}

type RoleRequest struct {
	Caller  string `json:"caller"`
	Address string `json:"address"`
	Role    string `json:"role"` // admin | oracle_signer | relayer
}

type PoolInfo struct {
	Pool     string `json:"pool"`
	Treasury string `json:"treasury"`
}

type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}

type WSSubscribeRequest struct {
	Op       string   `json:"op"`
	Channels []string `json:"channels"`
}

func positionInfo(pos *engine.Position) PositionInfo {
	out := PositionInfo{
		ID:         pos.ID,
		Owner:      pos.Owner.Hex(),
		Symbol:     pos.Symbol,
		Long:       pos.Long,
		Collateral: usd(pos.Collateral),
		Size:       usd(pos.Size),
		Leverage:   pos.Leverage,
		EntryPrice: price(pos.EntryPrice),
		Status:     pos.Status.String(),
		OpenedAt:   pos.OpenedAt,
		ClosedAt:   pos.ClosedAt,
	}
	if pos.ExitPrice != 0 {
		out.ExitPrice = price(pos.ExitPrice)
	}
	return out
}

func orderInfo(o *engine.Order) OrderInfo {
	out := OrderInfo{
		ID:              o.ID,
		Kind:            o.Kind.String(),
		Status:          o.Status.String(),
		Mode:            o.Mode.String(),
		Owner:           o.Owner.Hex(),
		Symbol:          o.Symbol,
		Long:            o.Long,
		Leverage:        o.Leverage,
		TriggerPrice:    price(o.TriggerPrice),
		PositionID:      o.PositionID,
		CreatedAt:       o.CreatedAt,
		ExecutedAt:      o.ExecutedAt,
		ExpiresAt:       o.ExpiresAt,
		Nonce:           o.Nonce,
		MaxExecutionFee: usd(o.MaxExecutionFee),
	}
	if o.Collateral != 0 {
		out.Collateral = usd(o.Collateral)
	}
	if o.ExecutionFeePaid != 0 {
		out.ExecutionFeePaid = usd(o.ExecutionFeePaid)
	}
	return out
}

func settlementInfo(s *engine.Settlement) SettlementInfo {
	out := SettlementInfo{
		Refund:  usd(s.Refund),
		Profit:  usd(s.Profit),
		FeePaid: usd(s.FeePaid),
		Charged: usd(s.Charged),
		BadDebt: usd(s.BadDebt),
		PnL:     usd(s.PnL),
	}
	if s.KeeperFee != 0 {
		out.KeeperFee = usd(s.KeeperFee)
	}
	return out
}

func assetInfo(cfg engine.AssetConfig, oi int64) AssetInfo {
	return AssetInfo{
		Symbol:                  cfg.Symbol,
		Enabled:                 cfg.Enabled,
		MaxLeverage:             cfg.MaxLeverage,
		MaxPositionSize:         usd(cfg.MaxPositionSize),
		MaxOpenInterest:         usd(cfg.MaxOpenInterest),
		LiquidationThresholdBps: cfg.LiquidationThresholdBps,
		OpenInterest:            usd(oi),
	}
}

func parseOrderKind(s string) (engine.OrderKind, error) {
	switch s {
	case "limit_open":
		return engine.LimitOpen, nil
	case "limit_close":
		return engine.LimitClose, nil
	case "stop_loss":
		return engine.StopLoss, nil
	default:
		return 0, fmt.Errorf("unknown order kind %q", s)
	}
}

func parseRole(s string) (engine.Role, error) {
	switch s {
	case "admin":
		return engine.RoleAdmin, nil
	case "oracle_signer":
		return engine.RoleOracleSigner, nil
	case "relayer":
		return engine.RoleRelayer, nil
	default:
		return 0, fmt.Errorf("unknown role %q", s)
	}
}
