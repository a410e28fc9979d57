package engine

import (
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"github.com/openlev/leverd/params"
	"github.com/openlev/leverd/pkg/crypto"
	"github.com/openlev/leverd/pkg/util"
)

// Engine is the position & order settlement engine. Every mutating entry
// point runs as one serialized transaction under the engine lock: all
// preconditions (quote freshness, statuses, nonces) are re-validated inside
// the same critical section that mutates state, local state changes happen
// before custodian calls, and a custodian failure rolls the local changes
// back so no operation is ever partially applied.
type Engine struct {
	mu sync.Mutex

	cfg       params.Engine
	roles     *Roles
	risk      *RiskEngine
	positions *PositionLedger
	orders    *OrderStore
	quotes    *QuoteVerifier
	settler   *Settler
	vault     Custodian
	store     Store
	clock     util.Clock
	log       *zap.SugaredLogger
	onEvent   func(Event)
}

// New builds an engine and, when a store is given, reloads persisted state.
func New(cfg params.Engine, admin common.Address, vault Custodian, store Store, clock util.Clock, logger *zap.SugaredLogger) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrValidation, err)
	}
	if clock == nil {
		clock = util.RealClock{}
	}
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}

	roles := NewRoles(admin)
	typed := crypto.NewTypedSigner(crypto.NewDomain(cfg.ChainID, common.HexToAddress(cfg.ContractIdentity)))

	e := &Engine{
		cfg:       cfg,
		roles:     roles,
		risk:      NewRiskEngine(),
		positions: NewPositionLedger(),
		orders:    NewOrderStore(),
		quotes:    NewQuoteVerifier(typed, roles, cfg.QuoteValidityWindow, clock),
		settler:   NewSettler(vault, cfg.TradingFeeBps, cfg.LiquidationFeeBps, cfg.LossCapBps),
		vault:     vault,
		store:     store,
		clock:     clock,
		log:       logger,
	}

	if store != nil {
		if err := e.loadFromStore(); err != nil {
			return nil, fmt.Errorf("restore state: %w", err)
		}
	}
	return e, nil
}

// TypedSigner exposes the message-construction scheme so tooling signs the
// exact bytes the engine verifies.
func (e *Engine) TypedSigner() *crypto.TypedSigner {
	return e.quotes.typed
}

func (e *Engine) loadFromStore() error {
	configs, err := e.store.LoadAssetConfigs()
	if err != nil {
		return err
	}
	for _, cfg := range configs {
		if err := e.risk.SetConfig(cfg); err != nil {
			return err
		}
	}
	oi, err := e.store.LoadOpenInterest()
	if err != nil {
		return err
	}
	for symbol, v := range oi {
		e.risk.restoreOpenInterest(symbol, v)
	}
	positions, err := e.store.LoadPositions()
	if err != nil {
		return err
	}
	for _, pos := range positions {
		e.positions.restore(pos)
	}
	orders, err := e.store.LoadOrders()
	if err != nil {
		return err
	}
	for _, o := range orders {
		e.orders.restore(o)
	}
	nonces, err := e.store.LoadNonces()
	if err != nil {
		return err
	}
	for owner, nonce := range nonces {
		e.orders.restoreNonce(owner, nonce)
	}
	return nil
}

// ---- role & risk administration ----

// GrantRole grants a capability. Caller must be an admin.
func (e *Engine) GrantRole(caller, addr common.Address, role Role) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.roles.Has(caller, RoleAdmin) {
		return fmt.Errorf("%w: %s is not an admin", ErrUnauthorized, caller.Hex())
	}
	e.roles.Grant(addr, role)
	e.log.Infow("role_granted", "addr", addr.Hex(), "role", role.String())
	return nil
}

// RevokeRole revokes a capability. Caller must be an admin.
func (e *Engine) RevokeRole(caller, addr common.Address, role Role) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.roles.Has(caller, RoleAdmin) {
		return fmt.Errorf("%w: %s is not an admin", ErrUnauthorized, caller.Hex())
	}
	e.roles.Revoke(addr, role)
	e.log.Infow("role_revoked", "addr", addr.Hex(), "role", role.String())
	return nil
}

// SetAssetConfig installs per-symbol risk limits. Caller must be an admin.
func (e *Engine) SetAssetConfig(caller common.Address, cfg AssetConfig) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.roles.Has(caller, RoleAdmin) {
		return fmt.Errorf("%w: %s is not an admin", ErrUnauthorized, caller.Hex())
	}
	if err := e.risk.SetConfig(cfg); err != nil {
		return err
	}
	e.persistAssetConfig(cfg)
	e.log.Infow("asset_config_set", "symbol", cfg.Symbol, "enabled", cfg.Enabled,
		"max_leverage", cfg.MaxLeverage, "threshold_bps", cfg.LiquidationThresholdBps)
	return nil
}

// ---- position lifecycle ----

// OpenPosition opens a market position for owner at the quoted price.
func (e *Engine) OpenPosition(owner common.Address, quote SignedPriceQuote, symbol string, long bool, collateral, leverage int64) (*Position, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.quotes.Verify(quote, symbol); err != nil {
		return nil, err
	}
	size, err := tradeSize(collateral, leverage)
	if err != nil {
		return nil, err
	}
	if err := e.risk.ValidateTrade(symbol, collateral, leverage, size); err != nil {
		return nil, err
	}

	now := e.clock.Now().Unix()
	pos, err := e.positions.Open(owner, symbol, long, collateral, leverage, quote.Price, now)
	if err != nil {
		return nil, err
	}
	if err := e.risk.IncreaseOpenInterest(symbol, size); err != nil {
		e.positions.remove(pos.ID)
		return nil, err
	}

	if _, err := e.settler.CollectOpen(owner, collateral, size, FundingDirect, common.Address{}); err != nil {
		e.positions.remove(pos.ID)
		if derr := e.risk.DecreaseOpenInterest(symbol, size); derr != nil {
			e.log.Errorw("open_rollback_failed", "err", derr)
		}
		return nil, err
	}

	e.persistPosition(pos)
	e.persistOpenInterest(symbol)
	e.emit(Event{Type: EventPositionOpened, Owner: owner, Symbol: symbol, PositionID: pos.ID, Amount: collateral, Price: quote.Price})
	e.log.Infow("position_opened", "id", pos.ID, "owner", owner.Hex(), "symbol", symbol,
		"long", long, "collateral", collateral, "leverage", leverage, "entry", quote.Price)
	return pos, nil
}

// ClosePosition closes owner's open position at the quoted price and settles
// PnL and fees against the custodial ledger.
func (e *Engine) ClosePosition(caller common.Address, id uint64, quote SignedPriceQuote) (*Settlement, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.closeLocked(caller, id, quote, FundingDirect, common.Address{})
}

func (e *Engine) closeLocked(caller common.Address, id uint64, quote SignedPriceQuote, mode FundingMode, relayer common.Address) (*Settlement, error) {
	pos, ok := e.positions.Get(id)
	if !ok {
		return nil, fmt.Errorf("%w: position %d not found", ErrState, id)
	}
	if pos.Owner != caller {
		return nil, fmt.Errorf("%w: %s does not own position %d", ErrUnauthorized, caller.Hex(), id)
	}
	if err := e.quotes.Verify(quote, pos.Symbol); err != nil {
		return nil, err
	}

	now := e.clock.Now().Unix()
	pnlValue, closed, err := e.positions.Close(id, quote.Price, now)
	if err != nil {
		return nil, err
	}
	if err := e.risk.DecreaseOpenInterest(closed.Symbol, closed.Size); err != nil {
		e.positions.revert(id)
		return nil, err
	}

	settlement, err := e.settler.SettleClose(closed, pnlValue, mode, relayer)
	if err != nil {
		e.positions.revert(id)
		if ierr := e.risk.IncreaseOpenInterest(closed.Symbol, closed.Size); ierr != nil {
			e.log.Errorw("close_rollback_failed", "err", ierr)
		}
		return nil, err
	}

	e.persistPosition(closed)
	e.persistOpenInterest(closed.Symbol)
	e.emit(Event{Type: EventPositionClosed, Owner: closed.Owner, Symbol: closed.Symbol, PositionID: id, Amount: settlement.Refund, Price: quote.Price})
	if settlement.BadDebt > 0 {
		e.emit(Event{Type: EventBadDebt, Owner: closed.Owner, Symbol: closed.Symbol, PositionID: id, Amount: settlement.BadDebt, Price: quote.Price})
		e.log.Warnw("bad_debt", "position", id, "excess", settlement.BadDebt)
	}
	e.log.Infow("position_closed", "id", id, "pnl", pnlValue, "refund", settlement.Refund, "fee", settlement.FeePaid)
	return &settlement, nil
}

// LiquidatePosition force-closes an underwater position. The caller must be
// a relayer and earns the liquidation fee from the pool.
func (e *Engine) LiquidatePosition(caller common.Address, id uint64, quote SignedPriceQuote) (*Settlement, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.roles.Has(caller, RoleRelayer) {
		return nil, fmt.Errorf("%w: %s is not a relayer", ErrUnauthorized, caller.Hex())
	}
	pos, ok := e.positions.Get(id)
	if !ok {
		return nil, fmt.Errorf("%w: position %d not found", ErrState, id)
	}
	if pos.Status != PositionOpen {
		return nil, fmt.Errorf("%w: position %d is %s: %w", ErrState, id, pos.Status, ErrNotOpen)
	}
	if err := e.quotes.Verify(quote, pos.Symbol); err != nil {
		return nil, err
	}

	liquidatable, err := e.risk.ShouldLiquidate(pos.Long, pos.EntryPrice, quote.Price, pos.Collateral, pos.Size, pos.Symbol)
	if err != nil {
		return nil, err
	}
	if !liquidatable {
		return nil, fmt.Errorf("%w: position %d not below liquidation threshold at %d", ErrValidation, id, quote.Price)
	}

	now := e.clock.Now().Unix()
	pnlValue := pnl(pos.Long, pos.EntryPrice, quote.Price, pos.Size)
	liquidated, err := e.positions.Liquidate(id, quote.Price, now)
	if err != nil {
		return nil, err
	}
	if err := e.risk.DecreaseOpenInterest(liquidated.Symbol, liquidated.Size); err != nil {
		e.positions.revert(id)
		return nil, err
	}

	settlement, err := e.settler.SettleLiquidation(liquidated, pnlValue, caller)
	if err != nil {
		e.positions.revert(id)
		if ierr := e.risk.IncreaseOpenInterest(liquidated.Symbol, liquidated.Size); ierr != nil {
			e.log.Errorw("liquidation_rollback_failed", "err", ierr)
		}
		return nil, err
	}

	e.persistPosition(liquidated)
	e.persistOpenInterest(liquidated.Symbol)
	e.emit(Event{Type: EventPositionLiquidated, Owner: liquidated.Owner, Symbol: liquidated.Symbol, PositionID: id, Amount: liquidated.Collateral, Price: quote.Price})
	if settlement.BadDebt > 0 {
		e.emit(Event{Type: EventBadDebt, Owner: liquidated.Owner, Symbol: liquidated.Symbol, PositionID: id, Amount: settlement.BadDebt, Price: quote.Price})
		e.log.Warnw("bad_debt", "position", id, "excess", settlement.BadDebt)
	}
	e.log.Infow("position_liquidated", "id", id, "keeper", caller.Hex(), "keeper_fee", settlement.KeeperFee)
	return &settlement, nil
}

// ---- conditional orders ----

// OrderParams are the caller-supplied fields of a conditional order.
type OrderParams struct {
	Kind         OrderKind
	Symbol       string
	Long         bool
	Collateral   int64
	Leverage     int64
	TriggerPrice int64
	PositionID   uint64
	ExpiresAt    int64
}

func (e *Engine) validateOrderParams(p OrderParams, owner common.Address, now int64) error {
	if !p.Kind.valid() {
		return fmt.Errorf("%w: order kind %d", ErrValidation, p.Kind)
	}
	if p.TriggerPrice <= 0 {
		return fmt.Errorf("%w: trigger price %d", ErrValidation, p.TriggerPrice)
	}
	if p.ExpiresAt != 0 {
		if p.ExpiresAt <= now {
			return fmt.Errorf("%w: expiry %d not in the future", ErrValidation, p.ExpiresAt)
		}
		if p.ExpiresAt > now+int64(e.cfg.MaxOrderExpiry.Seconds()) {
			return fmt.Errorf("%w: expiry %d beyond maximum window", ErrValidation, p.ExpiresAt)
		}
	}
	switch p.Kind {
	case LimitOpen:
		if p.Collateral <= 0 || p.Leverage <= 0 {
			return fmt.Errorf("%w: collateral %d, leverage %d", ErrValidation, p.Collateral, p.Leverage)
		}
		if _, ok := e.risk.Config(p.Symbol); !ok {
			return fmt.Errorf("%w: unknown asset %s", ErrValidation, p.Symbol)
		}
	case LimitClose, StopLoss:
		pos, ok := e.positions.Get(p.PositionID)
		if !ok {
			return fmt.Errorf("%w: position %d not found", ErrState, p.PositionID)
		}
		if pos.Owner != owner {
			return fmt.Errorf("%w: %s does not own position %d", ErrUnauthorized, owner.Hex(), p.PositionID)
		}
		if pos.Status != PositionOpen {
			return fmt.Errorf("%w: position %d is %s: %w", ErrState, p.PositionID, pos.Status, ErrNotOpen)
		}
		if pos.Symbol != p.Symbol || pos.Long != p.Long {
			return fmt.Errorf("%w: order does not match position %d", ErrValidation, p.PositionID)
		}
	}
	return nil
}

// PlaceOrder creates a direct-mode conditional order. Collateral (for opens)
// and the flat execution fee are pulled eagerly; cancellation refunds
// exactly what was collected.
func (e *Engine) PlaceOrder(owner common.Address, p OrderParams) (*Order, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	now := e.clock.Now().Unix()
	if err := e.validateOrderParams(p, owner, now); err != nil {
		return nil, err
	}

	o := e.orders.Add(&Order{
		Kind:            p.Kind,
		Mode:            FundingDirect,
		Owner:           owner,
		Symbol:          p.Symbol,
		Long:            p.Long,
		Collateral:      p.Collateral,
		Leverage:        p.Leverage,
		TriggerPrice:    p.TriggerPrice,
		PositionID:      p.PositionID,
		CreatedAt:       now,
		ExpiresAt:       p.ExpiresAt,
		MaxExecutionFee: e.cfg.ExecutionFee,
	})

	if err := e.fundDirectOrder(o); err != nil {
		e.orders.remove(o.ID)
		return nil, err
	}

	e.persistOrder(o)
	e.emit(Event{Type: EventOrderCreated, Owner: owner, Symbol: p.Symbol, OrderID: o.ID, Amount: p.Collateral, Price: p.TriggerPrice})
	e.log.Infow("order_created", "id", o.ID, "kind", o.Kind.String(), "mode", "direct", "owner", owner.Hex())
	return o, nil
}

func (e *Engine) fundDirectOrder(o *Order) error {
	if o.Kind == LimitOpen {
		if err := e.vault.CollectCollateral(o.Owner, o.Collateral); err != nil {
			return err
		}
	}
	if o.MaxExecutionFee > 0 {
		if err := e.vault.CollectExecutionFee(o.Owner, o.MaxExecutionFee); err != nil {
			if o.Kind == LimitOpen {
				_ = e.vault.RefundCollateral(o.Owner, o.Collateral)
			}
			return err
		}
	}
	return nil
}

// DelegatedOrderRequest is a relayer-submitted, owner-signed order intent.
// No funds move at creation; they are pulled from the owner at execution.
type DelegatedOrderRequest struct {
	Owner           common.Address
	Params          OrderParams
	MaxExecutionFee int64
	Nonce           uint64
	Signature       []byte
}

// PlaceDelegatedOrder verifies the owner's signature and nonce, consumes the
// nonce immediately, and records the order. The nonce stays consumed even if
// a later validation step rejects the order.
func (e *Engine) PlaceDelegatedOrder(relayer common.Address, req DelegatedOrderRequest) (*Order, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.roles.Has(relayer, RoleRelayer) {
		return nil, fmt.Errorf("%w: %s is not a relayer", ErrUnauthorized, relayer.Hex())
	}
	if req.MaxExecutionFee < 0 {
		return nil, fmt.Errorf("%w: max execution fee %d", ErrValidation, req.MaxExecutionFee)
	}

	now := e.clock.Now().Unix()
	if req.Params.ExpiresAt <= now {
		return nil, fmt.Errorf("%w: expiry %d not in the future", ErrValidation, req.Params.ExpiresAt)
	}
	if req.Params.ExpiresAt > now+int64(e.cfg.MaxOrderExpiry.Seconds()) {
		return nil, fmt.Errorf("%w: expiry %d beyond maximum window", ErrValidation, req.Params.ExpiresAt)
	}

	grant := &crypto.OrderGrant{
		Owner:           req.Owner,
		Kind:            uint8(req.Params.Kind),
		Symbol:          req.Params.Symbol,
		Long:            req.Params.Long,
		Collateral:      big.NewInt(req.Params.Collateral),
		Leverage:        big.NewInt(req.Params.Leverage),
		TriggerPrice:    big.NewInt(req.Params.TriggerPrice),
		PositionID:      new(big.Int).SetUint64(req.Params.PositionID),
		MaxExecutionFee: big.NewInt(req.MaxExecutionFee),
		Nonce:           new(big.Int).SetUint64(req.Nonce),
		ExpiresAt:       big.NewInt(req.Params.ExpiresAt),
	}
	signer, err := e.quotes.typed.RecoverOrderGrantSigner(grant, req.Signature)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadSignature, err)
	}
	if signer != req.Owner {
		return nil, fmt.Errorf("%w: signature recovers to %s, not %s", ErrBadSignature, signer.Hex(), req.Owner.Hex())
	}

	// Replay gate: consumed before any further validation so the same
	// signature can never be accepted twice.
	if err := e.orders.ConsumeNonce(req.Owner, req.Nonce); err != nil {
		return nil, err
	}
	e.persistNonce(req.Owner)

	if err := e.validateOrderParams(req.Params, req.Owner, now); err != nil {
		return nil, err
	}

	o := e.orders.Add(&Order{
		Kind:            req.Params.Kind,
		Mode:            FundingDelegated,
		Owner:           req.Owner,
		Symbol:          req.Params.Symbol,
		Long:            req.Params.Long,
		Collateral:      req.Params.Collateral,
		Leverage:        req.Params.Leverage,
		TriggerPrice:    req.Params.TriggerPrice,
		PositionID:      req.Params.PositionID,
		CreatedAt:       now,
		ExpiresAt:       req.Params.ExpiresAt,
		Nonce:           req.Nonce,
		MaxExecutionFee: req.MaxExecutionFee,
	})

	e.persistOrder(o)
	e.emit(Event{Type: EventOrderCreated, Owner: req.Owner, Symbol: o.Symbol, OrderID: o.ID, Amount: o.Collateral, Price: o.TriggerPrice})
	e.log.Infow("order_created", "id", o.ID, "kind", o.Kind.String(), "mode", "delegated",
		"owner", req.Owner.Hex(), "relayer", relayer.Hex(), "nonce", req.Nonce)
	return o, nil
}

// CancelOrder cancels a pending order. Only the owner may cancel; an admin
// may cancel in an emergency. Direct-mode funds are refunded exactly.
func (e *Engine) CancelOrder(caller common.Address, id uint64) (*Order, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	o, ok := e.orders.Get(id)
	if !ok {
		return nil, fmt.Errorf("%w: order %d not found", ErrState, id)
	}
	if o.Owner != caller && !e.roles.Has(caller, RoleAdmin) {
		return nil, fmt.Errorf("%w: %s cannot cancel order %d", ErrUnauthorized, caller.Hex(), id)
	}

	cancelled, err := e.orders.MarkCancelled(id)
	if err != nil {
		return nil, err
	}

	if cancelled.Mode == FundingDirect {
		refund := cancelled.MaxExecutionFee
		if cancelled.Kind == LimitOpen {
			refund += cancelled.Collateral
		}
		if refund > 0 {
			if err := e.vault.RefundCollateral(cancelled.Owner, refund); err != nil {
				e.orders.revert(id)
				return nil, err
			}
		}
	}

	e.persistOrder(cancelled)
	e.emit(Event{Type: EventOrderCancelled, Owner: cancelled.Owner, Symbol: cancelled.Symbol, OrderID: id})
	e.log.Infow("order_cancelled", "id", id, "by", caller.Hex())
	return cancelled, nil
}

// ExecuteOrder triggers a pending order against a fresh quote. The caller
// must be a relayer. For delegated orders executionFeePaid must not exceed
// the owner's signed maximum; for direct orders the flat fee collected at
// creation is paid out instead.
func (e *Engine) ExecuteOrder(caller common.Address, id uint64, quote SignedPriceQuote, executionFeePaid int64) (*Order, *Settlement, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.roles.Has(caller, RoleRelayer) {
		return nil, nil, fmt.Errorf("%w: %s is not a relayer", ErrUnauthorized, caller.Hex())
	}
	o, ok := e.orders.Get(id)
	if !ok {
		return nil, nil, fmt.Errorf("%w: order %d not found", ErrState, id)
	}
	if o.Status != OrderPending {
		return nil, nil, fmt.Errorf("%w: order %d is %s", ErrState, id, o.Status)
	}

	now := e.clock.Now().Unix()
	if o.Expired(now) {
		return nil, nil, fmt.Errorf("%w: order %d expired at %d", ErrState, id, o.ExpiresAt)
	}
	if err := e.quotes.Verify(quote, o.Symbol); err != nil {
		return nil, nil, err
	}
	if !o.Triggered(quote.Price) {
		return nil, nil, fmt.Errorf("%w: quote %d does not cross trigger %d", ErrValidation, quote.Price, o.TriggerPrice)
	}

	feePaid := executionFeePaid
	if o.Mode == FundingDirect {
		feePaid = o.MaxExecutionFee
	} else if feePaid < 0 || feePaid > o.MaxExecutionFee {
		return nil, nil, fmt.Errorf("%w: execution fee %d outside [0,%d]", ErrValidation, feePaid, o.MaxExecutionFee)
	}

	switch o.Kind {
	case LimitOpen:
		return e.executeOpenOrder(caller, o, quote, feePaid, now)
	default:
		return e.executeCloseOrder(caller, o, quote, feePaid, now)
	}
}

func (e *Engine) executeOpenOrder(caller common.Address, o *Order, quote SignedPriceQuote, feePaid, now int64) (*Order, *Settlement, error) {
	size, err := tradeSize(o.Collateral, o.Leverage)
	if err != nil {
		return nil, nil, err
	}
	if err := e.risk.ValidateTrade(o.Symbol, o.Collateral, o.Leverage, size); err != nil {
		return nil, nil, err
	}

	pos, err := e.positions.Open(o.Owner, o.Symbol, o.Long, o.Collateral, o.Leverage, quote.Price, now)
	if err != nil {
		return nil, nil, err
	}
	if err := e.risk.IncreaseOpenInterest(o.Symbol, size); err != nil {
		e.positions.remove(pos.ID)
		return nil, nil, err
	}
	executed, err := e.orders.MarkExecuted(o.ID, pos.ID, feePaid, now)
	if err != nil {
		e.positions.remove(pos.ID)
		if derr := e.risk.DecreaseOpenInterest(o.Symbol, size); derr != nil {
			e.log.Errorw("execute_rollback_failed", "err", derr)
		}
		return nil, nil, err
	}

	rollback := func() {
		e.orders.revert(o.ID)
		e.positions.remove(pos.ID)
		if derr := e.risk.DecreaseOpenInterest(o.Symbol, size); derr != nil {
			e.log.Errorw("execute_rollback_failed", "err", derr)
		}
	}
	// refundPulled hands escrow still sitting in the pool back to the owner
	// when a later leg of the same execution fails.
	refundPulled := func(amount int64) {
		if amount <= 0 {
			return
		}
		if rerr := e.vault.RefundCollateral(o.Owner, amount); rerr != nil {
			e.log.Errorw("execute_refund_failed", "order", o.ID, "amount", amount, "err", rerr)
		}
	}

	// Every owner-funded leg is pulled into the pool before anything is
	// routed onward: a failed pull is compensated exactly, and the payouts
	// below draw only on funds the pulls (or the creation-time escrow)
	// already put in the pool.
	openFee := e.settler.TradingFee(size)
	pulled := int64(0)
	if o.Mode == FundingDelegated {
		// Funds come out of the owner only now; the owner pre-authorized
		// the pull out of band.
		if feePaid > 0 {
			if err := e.vault.CollectExecutionFee(o.Owner, feePaid); err != nil {
				rollback()
				return nil, nil, err
			}
			pulled += feePaid
		}
		if err := e.vault.CollectCollateral(o.Owner, o.Collateral); err != nil {
			refundPulled(pulled)
			rollback()
			return nil, nil, err
		}
		pulled += o.Collateral
	}
	// Direct orders escrowed collateral and the flat execution fee at
	// creation; the trading fee is due at execution in both modes.
	if openFee > 0 {
		if err := e.vault.CollectCollateral(o.Owner, openFee); err != nil {
			refundPulled(pulled)
			rollback()
			return nil, nil, err
		}
		pulled += openFee
	}

	if feePaid > 0 {
		if err := e.vault.PayKeeperFee(caller, feePaid); err != nil {
			refundPulled(pulled)
			rollback()
			return nil, nil, err
		}
		if o.Mode == FundingDelegated {
			pulled -= feePaid
		}
	}
	if openFee > 0 {
		if err := e.settler.collectFee(o.Owner, openFee, o.Mode, caller); err != nil {
			refundPulled(pulled)
			rollback()
			return nil, nil, err
		}
	}

	e.persistOrder(executed)
	e.persistPosition(pos)
	e.persistOpenInterest(o.Symbol)
	e.emit(Event{Type: EventOrderExecuted, Owner: o.Owner, Symbol: o.Symbol, OrderID: o.ID, PositionID: pos.ID, Amount: o.Collateral, Price: quote.Price})
	e.emit(Event{Type: EventPositionOpened, Owner: o.Owner, Symbol: o.Symbol, PositionID: pos.ID, Amount: o.Collateral, Price: quote.Price})
	e.log.Infow("order_executed", "id", o.ID, "kind", o.Kind.String(), "position", pos.ID,
		"trading_fee", openFee, "execution_fee", feePaid, "relayer", caller.Hex())
	settlement := Settlement{FeePaid: openFee}
	return executed, &settlement, nil
}

func (e *Engine) executeCloseOrder(caller common.Address, o *Order, quote SignedPriceQuote, feePaid, now int64) (*Order, *Settlement, error) {
	pos, ok := e.positions.Get(o.PositionID)
	if !ok {
		return nil, nil, fmt.Errorf("%w: position %d not found", ErrState, o.PositionID)
	}
	if pos.Status != PositionOpen {
		return nil, nil, fmt.Errorf("%w: position %d is %s: %w", ErrState, o.PositionID, pos.Status, ErrNotOpen)
	}

	executed, err := e.orders.MarkExecuted(o.ID, 0, feePaid, now)
	if err != nil {
		return nil, nil, err
	}

	// Delegated close: pull the execution fee from the owner before
	// settling, so a missing balance rejects the whole execution.
	if o.Mode == FundingDelegated && feePaid > 0 {
		if err := e.vault.CollectExecutionFee(o.Owner, feePaid); err != nil {
			e.orders.revert(o.ID)
			return nil, nil, err
		}
	}

	settlement, err := e.closeLocked(pos.Owner, o.PositionID, quote, o.Mode, caller)
	if err != nil {
		e.orders.revert(o.ID)
		if o.Mode == FundingDelegated && feePaid > 0 {
			if rerr := e.vault.RefundCollateral(o.Owner, feePaid); rerr != nil {
				e.log.Errorw("execution_fee_refund_failed", "order", o.ID, "err", rerr)
			}
		}
		return nil, nil, err
	}

	if feePaid > 0 {
		if err := e.vault.PayKeeperFee(caller, feePaid); err != nil {
			// The close has settled and stands; the fee stays pooled and
			// is surfaced as an event rather than silently dropped.
			e.emit(Event{Type: EventKeeperFeeOwed, Owner: caller, Symbol: o.Symbol, OrderID: o.ID, Amount: feePaid})
			e.log.Errorw("keeper_fee_pay_failed", "order", o.ID, "err", err)
		} else {
			settlement.KeeperFee = feePaid
		}
	}

	e.persistOrder(executed)
	e.emit(Event{Type: EventOrderExecuted, Owner: o.Owner, Symbol: o.Symbol, OrderID: o.ID, PositionID: o.PositionID, Amount: settlement.Refund, Price: quote.Price})
	e.log.Infow("order_executed", "id", o.ID, "kind", o.Kind.String(), "position", o.PositionID,
		"execution_fee", feePaid, "relayer", caller.Hex())
	return executed, settlement, nil
}

// ---- queries ----

func (e *Engine) Position(id uint64) (*Position, bool)             { return e.positions.Get(id) }
func (e *Engine) PositionsOf(owner common.Address) []*Position     { return e.positions.ByOwner(owner) }
func (e *Engine) Order(id uint64) (*Order, bool)                   { return e.orders.Get(id) }
func (e *Engine) OrdersOf(owner common.Address) []*Order           { return e.orders.ByOwner(owner) }
func (e *Engine) Nonce(owner common.Address) uint64                { return e.orders.Nonce(owner) }
func (e *Engine) OpenInterest(symbol string) int64                 { return e.risk.OpenInterest(symbol) }
func (e *Engine) AssetConfig(symbol string) (AssetConfig, bool)    { return e.risk.Config(symbol) }
func (e *Engine) AssetConfigs() []AssetConfig                      { return e.risk.Configs() }
func (e *Engine) HasRole(addr common.Address, role Role) bool      { return e.roles.Has(addr, role) }

// LiquidationPrice computes the price at which the position becomes
// liquidatable under its symbol's current risk configuration.
func (e *Engine) LiquidationPrice(pos *Position) (int64, error) {
	return e.risk.LiquidationPrice(pos.Long, pos.EntryPrice, pos.Collateral, pos.Size, pos.Symbol)
}

// ---- persistence helpers (write-through; log-and-continue on failure) ----

func (e *Engine) persistPosition(pos *Position) {
	if e.store == nil {
		return
	}
	if err := e.store.SavePosition(pos); err != nil {
		e.log.Errorw("persist_position_failed", "id", pos.ID, "err", err)
	}
}

func (e *Engine) persistOrder(o *Order) {
	if e.store == nil {
		return
	}
	if err := e.store.SaveOrder(o); err != nil {
		e.log.Errorw("persist_order_failed", "id", o.ID, "err", err)
	}
}

func (e *Engine) persistNonce(owner common.Address) {
	if e.store == nil {
		return
	}
	if err := e.store.SaveNonce(owner, e.orders.Nonce(owner)); err != nil {
		e.log.Errorw("persist_nonce_failed", "owner", owner.Hex(), "err", err)
	}
}

func (e *Engine) persistAssetConfig(cfg AssetConfig) {
	if e.store == nil {
		return
	}
	if err := e.store.SaveAssetConfig(cfg); err != nil {
		e.log.Errorw("persist_config_failed", "symbol", cfg.Symbol, "err", err)
	}
}

func (e *Engine) persistOpenInterest(symbol string) {
	if e.store == nil {
		return
	}
	if err := e.store.SaveOpenInterest(symbol, e.risk.OpenInterest(symbol)); err != nil {
		e.log.Errorw("persist_oi_failed", "symbol", symbol, "err", err)
	}
}

// tradeSize computes collateral × leverage, rejecting overflow of the
// fixed-point domain.
func tradeSize(collateral, leverage int64) (int64, error) {
	if collateral <= 0 || leverage <= 0 {
		return 0, fmt.Errorf("%w: collateral %d, leverage %d", ErrValidation, collateral, leverage)
	}
	size := new(big.Int).Mul(big.NewInt(collateral), big.NewInt(leverage))
	if !size.IsInt64() {
		return 0, fmt.Errorf("%w: size overflows fixed-point domain", ErrValidation)
	}
	return size.Int64(), nil
}
