package engine

import (
	"errors"
	"sync"
	"testing"
	"time"
)

func TestOpenClosePositionEndToEnd(t *testing.T) {
	rig := newTestRig(t)
	owner := rig.owner.Address()
	rig.vault.fund(owner, collateral1k+10_000_000)

	pos, err := rig.eng.OpenPosition(owner, rig.quote(t, entry50k), "BTC-USD", true, collateral1k, 10)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if pos.EntryPrice != entry50k || pos.Size != size10k {
		t.Errorf("position: %+v", pos)
	}
	if oi := rig.eng.OpenInterest("BTC-USD"); oi != size10k {
		t.Errorf("open interest = %d, want %d", oi, size10k)
	}
	if rig.vault.balances[owner] != 0 {
		t.Errorf("owner balance = %d after open, want 0", rig.vault.balances[owner])
	}

	// Seed pool liquidity for the profit payout.
	rig.vault.pool += 1_000_000_000

	settlement, err := rig.eng.ClosePosition(owner, pos.ID, rig.quote(t, exit55k))
	if err != nil {
		t.Fatalf("close: %v", err)
	}
	// +$1000 PnL, $10 fee: owner receives $1990.
	if settlement.PnL != 1_000_000_000 {
		t.Errorf("pnl = %d, want 1000000000", settlement.PnL)
	}
	if got := rig.vault.balances[owner]; got != 1_990_000_000 {
		t.Errorf("owner balance = %d after close, want 1990000000", got)
	}
	if oi := rig.eng.OpenInterest("BTC-USD"); oi != 0 {
		t.Errorf("open interest = %d after close, want 0", oi)
	}

	closed, _ := rig.eng.Position(pos.ID)
	if closed.Status != PositionClosed {
		t.Errorf("status = %s, want closed", closed.Status)
	}
}

func TestOpenPositionRollsBackOnFundsShortage(t *testing.T) {
	rig := newTestRig(t)
	owner := rig.owner.Address()
	rig.vault.fund(owner, collateral1k) // collateral but no fee

	_, err := rig.eng.OpenPosition(owner, rig.quote(t, entry50k), "BTC-USD", true, collateral1k, 10)
	if err == nil {
		t.Fatal("expected open to fail on missing fee balance")
	}
	if oi := rig.eng.OpenInterest("BTC-USD"); oi != 0 {
		t.Errorf("open interest = %d after rollback, want 0", oi)
	}
	if got := rig.vault.balances[owner]; got != collateral1k {
		t.Errorf("owner balance = %d after rollback, want %d", got, collateral1k)
	}
	if positions := rig.eng.PositionsOf(owner); len(positions) != 0 {
		t.Errorf("found %d positions after failed open", len(positions))
	}
}

func TestClosePositionOnlyOwner(t *testing.T) {
	rig := newTestRig(t)
	owner := rig.owner.Address()
	rig.vault.fund(owner, collateral1k+10_000_000)

	pos, err := rig.eng.OpenPosition(owner, rig.quote(t, entry50k), "BTC-USD", true, collateral1k, 10)
	if err != nil {
		t.Fatalf("open: %v", err)
	}

	_, err = rig.eng.ClosePosition(rig.keeper.Address(), pos.ID, rig.quote(t, exit55k))
	if !errors.Is(err, ErrUnauthorized) {
		t.Errorf("expected ErrUnauthorized, got %v", err)
	}
}

func TestCloseWithStaleQuoteRejected(t *testing.T) {
	rig := newTestRig(t)
	owner := rig.owner.Address()
	rig.vault.fund(owner, collateral1k+10_000_000)

	pos, err := rig.eng.OpenPosition(owner, rig.quote(t, entry50k), "BTC-USD", true, collateral1k, 10)
	if err != nil {
		t.Fatalf("open: %v", err)
	}

	stale := rig.quote(t, exit55k)
	rig.clock.advance(5*time.Minute + time.Second)
	if _, err := rig.eng.ClosePosition(owner, pos.ID, stale); !errors.Is(err, ErrStaleQuote) {
		t.Errorf("expected ErrStaleQuote, got %v", err)
	}
	// Position untouched.
	p, _ := rig.eng.Position(pos.ID)
	if p.Status != PositionOpen {
		t.Errorf("status = %s after rejected close, want open", p.Status)
	}
}

func TestLiquidationFlow(t *testing.T) {
	rig := newTestRig(t)
	owner := rig.owner.Address()
	rig.vault.fund(owner, collateral1k+10_000_000)

	pos, err := rig.eng.OpenPosition(owner, rig.quote(t, entry50k), "BTC-USD", true, collateral1k, 10)
	if err != nil {
		t.Fatalf("open: %v", err)
	}

	// Above the $46,000 liquidation price: not liquidatable.
	_, err = rig.eng.LiquidatePosition(rig.keeper.Address(), pos.ID, rig.quote(t, 46_000_0000_0001))
	if !errors.Is(err, ErrValidation) {
		t.Errorf("healthy position: expected ErrValidation, got %v", err)
	}

	// Only relayers may liquidate.
	_, err = rig.eng.LiquidatePosition(owner, pos.ID, rig.quote(t, 46_000_0000_0000))
	if !errors.Is(err, ErrUnauthorized) {
		t.Errorf("non-relayer: expected ErrUnauthorized, got %v", err)
	}

	settlement, err := rig.eng.LiquidatePosition(rig.keeper.Address(), pos.ID, rig.quote(t, 46_000_0000_0000))
	if err != nil {
		t.Fatalf("liquidate: %v", err)
	}
	// Margin stays with the pool; keeper earns 100 bps of collateral = $10.
	if settlement.KeeperFee != 10_000_000 {
		t.Errorf("keeper fee = %d, want 10000000", settlement.KeeperFee)
	}
	if got := rig.vault.balances[owner]; got != 0 {
		t.Errorf("owner received %d on liquidation, want 0", got)
	}
	if got := rig.vault.balances[rig.keeper.Address()]; got != 10_000_000 {
		t.Errorf("keeper balance = %d, want 10000000", got)
	}
	if oi := rig.eng.OpenInterest("BTC-USD"); oi != 0 {
		t.Errorf("open interest = %d after liquidation, want 0", oi)
	}

	p, _ := rig.eng.Position(pos.ID)
	if p.Status != PositionLiquidated {
		t.Errorf("status = %s, want liquidated", p.Status)
	}
}

func TestDirectOrderPlaceExecute(t *testing.T) {
	rig := newTestRig(t)
	owner := rig.owner.Address()
	// Collateral + flat execution fee at creation, trading fee at execution.
	rig.vault.fund(owner, collateral1k+1_000_000+10_000_000)

	o, err := rig.eng.PlaceOrder(owner, OrderParams{
		Kind: LimitOpen, Symbol: "BTC-USD", Long: true,
		Collateral: collateral1k, Leverage: 10, TriggerPrice: entry50k,
	})
	if err != nil {
		t.Fatalf("place: %v", err)
	}
	if o.Mode != FundingDirect || o.MaxExecutionFee != 1_000_000 {
		t.Errorf("order: %+v", o)
	}
	// Collateral and flat fee escrowed immediately.
	if got := rig.vault.balances[owner]; got != 10_000_000 {
		t.Errorf("owner balance = %d after place, want 10000000", got)
	}

	// Quote above the trigger does not cross for a long limit open.
	_, _, err = rig.eng.ExecuteOrder(rig.keeper.Address(), o.ID, rig.quote(t, entry50k+1), 0)
	if !errors.Is(err, ErrValidation) {
		t.Errorf("untriggered: expected ErrValidation, got %v", err)
	}

	executed, _, err := rig.eng.ExecuteOrder(rig.keeper.Address(), o.ID, rig.quote(t, entry50k), 0)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if executed.Status != OrderExecuted || executed.PositionID == 0 {
		t.Errorf("executed order: %+v", executed)
	}
	// Keeper earned the escrowed flat fee.
	if got := rig.vault.balances[rig.keeper.Address()]; got != 1_000_000 {
		t.Errorf("keeper balance = %d, want 1000000", got)
	}

	pos, ok := rig.eng.Position(executed.PositionID)
	if !ok || pos.EntryPrice != entry50k {
		t.Errorf("position from order: %+v", pos)
	}
}

func TestCancelDirectOrderRefundsExactly(t *testing.T) {
	rig := newTestRig(t)
	owner := rig.owner.Address()
	rig.vault.fund(owner, collateral1k+1_000_000)

	o, err := rig.eng.PlaceOrder(owner, OrderParams{
		Kind: LimitOpen, Symbol: "BTC-USD", Long: true,
		Collateral: collateral1k, Leverage: 10, TriggerPrice: entry50k,
	})
	if err != nil {
		t.Fatalf("place: %v", err)
	}
	if got := rig.vault.balances[owner]; got != 0 {
		t.Fatalf("owner balance = %d after place, want 0", got)
	}

	// Strangers cannot cancel.
	if _, err := rig.eng.CancelOrder(rig.keeper.Address(), o.ID); !errors.Is(err, ErrUnauthorized) {
		t.Errorf("stranger cancel: expected ErrUnauthorized, got %v", err)
	}

	cancelled, err := rig.eng.CancelOrder(owner, o.ID)
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if cancelled.Status != OrderCancelled {
		t.Errorf("status = %s, want cancelled", cancelled.Status)
	}
	if got := rig.vault.balances[owner]; got != collateral1k+1_000_000 {
		t.Errorf("owner balance = %d after cancel, want %d", got, collateral1k+1_000_000)
	}
}

func TestOrderExpiryWindow(t *testing.T) {
	rig := newTestRig(t)
	owner := rig.owner.Address()
	rig.vault.fund(owner, 2*(collateral1k+1_000_000))
	now := rig.clock.Now().Unix()

	// Beyond the 30-day ceiling.
	_, err := rig.eng.PlaceOrder(owner, OrderParams{
		Kind: LimitOpen, Symbol: "BTC-USD", Long: true,
		Collateral: collateral1k, Leverage: 10, TriggerPrice: entry50k,
		ExpiresAt: now + 31*24*3600,
	})
	if !errors.Is(err, ErrValidation) {
		t.Errorf("expiry past ceiling: expected ErrValidation, got %v", err)
	}

	// Exactly at the ceiling is fine.
	o, err := rig.eng.PlaceOrder(owner, OrderParams{
		Kind: LimitOpen, Symbol: "BTC-USD", Long: true,
		Collateral: collateral1k, Leverage: 10, TriggerPrice: entry50k,
		ExpiresAt: now + 30*24*3600,
	})
	if err != nil {
		t.Fatalf("place at ceiling: %v", err)
	}

	// Past its deadline the order cannot execute.
	rig.clock.advance(30*24*time.Hour + time.Second)
	_, _, err = rig.eng.ExecuteOrder(rig.keeper.Address(), o.ID, rig.quote(t, entry50k), 0)
	if !errors.Is(err, ErrState) {
		t.Errorf("expired execute: expected ErrState, got %v", err)
	}
}

func delegatedRequest(rig *testRig, nonce uint64) DelegatedOrderRequest {
	return DelegatedOrderRequest{
		Owner: rig.owner.Address(),
		Params: OrderParams{
			Kind: LimitOpen, Symbol: "BTC-USD", Long: true,
			Collateral: collateral1k, Leverage: 10, TriggerPrice: entry50k,
			ExpiresAt: rig.clock.Now().Unix() + 24*3600,
		},
		MaxExecutionFee: 1_000_000,
		Nonce:           nonce,
	}
}

func TestDelegatedOrderFlow(t *testing.T) {
	rig := newTestRig(t)
	owner := rig.owner.Address()
	// Nothing pulled at creation; collateral, trading fee and execution fee
	// all come out at execution.
	rig.vault.fund(owner, collateral1k+10_000_000+500_000)

	req := delegatedRequest(rig, 0)
	req.Signature = signGrant(t, rig.eng.TypedSigner(), rig.owner, req)

	o, err := rig.eng.PlaceDelegatedOrder(rig.keeper.Address(), req)
	if err != nil {
		t.Fatalf("place delegated: %v", err)
	}
	if o.Mode != FundingDelegated {
		t.Errorf("mode = %s, want delegated", o.Mode)
	}
	if got := rig.vault.balances[owner]; got != collateral1k+10_000_000+500_000 {
		t.Errorf("owner balance changed at creation: %d", got)
	}
	if got := rig.eng.Nonce(owner); got != 1 {
		t.Errorf("nonce = %d after placement, want 1", got)
	}

	executed, _, err := rig.eng.ExecuteOrder(rig.keeper.Address(), o.ID, rig.quote(t, entry50k), 500_000)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if executed.ExecutionFeePaid != 500_000 {
		t.Errorf("execution fee paid = %d, want 500000", executed.ExecutionFeePaid)
	}
	if got := rig.vault.balances[owner]; got != 0 {
		t.Errorf("owner balance = %d after execution, want 0", got)
	}
	// Keeper got the execution fee plus 20% of the $10 trading fee.
	if got := rig.vault.balances[rig.keeper.Address()]; got != 500_000+2_000_000 {
		t.Errorf("keeper balance = %d, want 2500000", got)
	}
}

func TestDelegatedOrderFeeAboveSignedMax(t *testing.T) {
	rig := newTestRig(t)
	owner := rig.owner.Address()
	rig.vault.fund(owner, collateral1k+20_000_000)

	req := delegatedRequest(rig, 0)
	req.Signature = signGrant(t, rig.eng.TypedSigner(), rig.owner, req)
	o, err := rig.eng.PlaceDelegatedOrder(rig.keeper.Address(), req)
	if err != nil {
		t.Fatalf("place delegated: %v", err)
	}

	_, _, err = rig.eng.ExecuteOrder(rig.keeper.Address(), o.ID, rig.quote(t, entry50k), 1_000_001)
	if !errors.Is(err, ErrValidation) {
		t.Errorf("fee above signed max: expected ErrValidation, got %v", err)
	}
}

func TestDelegatedOrderReplayRejected(t *testing.T) {
	rig := newTestRig(t)
	req := delegatedRequest(rig, 0)
	req.Signature = signGrant(t, rig.eng.TypedSigner(), rig.owner, req)

	if _, err := rig.eng.PlaceDelegatedOrder(rig.keeper.Address(), req); err != nil {
		t.Fatalf("first placement: %v", err)
	}
	if _, err := rig.eng.PlaceDelegatedOrder(rig.keeper.Address(), req); !errors.Is(err, ErrReplay) {
		t.Errorf("replay: expected ErrReplay, got %v", err)
	}
}

func TestDelegatedOrderBadSignature(t *testing.T) {
	rig := newTestRig(t)
	req := delegatedRequest(rig, 0)
	// Signed by someone other than the claimed owner.
	req.Signature = signGrant(t, rig.eng.TypedSigner(), rig.keeper, req)

	_, err := rig.eng.PlaceDelegatedOrder(rig.keeper.Address(), req)
	if !errors.Is(err, ErrBadSignature) {
		t.Errorf("expected ErrBadSignature, got %v", err)
	}
	// Signature check precedes nonce consumption.
	if got := rig.eng.Nonce(rig.owner.Address()); got != 0 {
		t.Errorf("nonce = %d after bad signature, want 0", got)
	}
}

func TestDelegatedNonceConsumedOnFailedValidation(t *testing.T) {
	rig := newTestRig(t)
	req := delegatedRequest(rig, 0)
	req.Params.Symbol = "DOGE-USD" // signature valid, asset unknown
	req.Signature = signGrant(t, rig.eng.TypedSigner(), rig.owner, req)

	_, err := rig.eng.PlaceDelegatedOrder(rig.keeper.Address(), req)
	if !errors.Is(err, ErrValidation) {
		t.Fatalf("expected ErrValidation, got %v", err)
	}
	// The nonce stays consumed: the same signature can never be retried.
	if got := rig.eng.Nonce(rig.owner.Address()); got != 1 {
		t.Errorf("nonce = %d after failed validation, want 1", got)
	}
}

func TestDelegatedOrderRequiresRelayerRole(t *testing.T) {
	rig := newTestRig(t)
	req := delegatedRequest(rig, 0)
	req.Signature = signGrant(t, rig.eng.TypedSigner(), rig.owner, req)

	_, err := rig.eng.PlaceDelegatedOrder(rig.owner.Address(), req)
	if !errors.Is(err, ErrUnauthorized) {
		t.Errorf("expected ErrUnauthorized, got %v", err)
	}
}

func TestStopLossOrderExecutesClose(t *testing.T) {
	rig := newTestRig(t)
	owner := rig.owner.Address()
	rig.vault.fund(owner, collateral1k+10_000_000+1_000_000+10_000_000)

	pos, err := rig.eng.OpenPosition(owner, rig.quote(t, entry50k), "BTC-USD", true, collateral1k, 10)
	if err != nil {
		t.Fatalf("open: %v", err)
	}

	o, err := rig.eng.PlaceOrder(owner, OrderParams{
		Kind: StopLoss, Symbol: "BTC-USD", Long: true,
		TriggerPrice: 48_000_0000_0000, PositionID: pos.ID,
	})
	if err != nil {
		t.Fatalf("place stop: %v", err)
	}

	// $48,000: stop crossed. Loss = (50000−48000)×10000/50000 = $400.
	executed, settlement, err := rig.eng.ExecuteOrder(rig.keeper.Address(), o.ID, rig.quote(t, 48_000_0000_0000), 0)
	if err != nil {
		t.Fatalf("execute stop: %v", err)
	}
	if executed.Status != OrderExecuted {
		t.Errorf("order status = %s, want executed", executed.Status)
	}
	if settlement.PnL != -400_000_000 {
		t.Errorf("pnl = %d, want -400000000", settlement.PnL)
	}
	// Refund = 1000 − 400 − 10 fee = $590.
	if settlement.Refund != 590_000_000 {
		t.Errorf("refund = %d, want 590000000", settlement.Refund)
	}
	// The keeper's $1 execution fee is part of the settlement record.
	if settlement.KeeperFee != 1_000_000 {
		t.Errorf("keeper fee = %d, want 1000000", settlement.KeeperFee)
	}

	p, _ := rig.eng.Position(pos.ID)
	if p.Status != PositionClosed {
		t.Errorf("position status = %s, want closed", p.Status)
	}
}

func TestDelegatedOpenOrderExecuteAllOrNothing(t *testing.T) {
	rig := newTestRig(t)
	owner := rig.owner.Address()
	// Enough for collateral and the $10 trading fee, but not the $0.50
	// execution fee the keeper will charge.
	rig.vault.fund(owner, collateral1k+10_000_000)

	req := delegatedRequest(rig, 0)
	req.Signature = signGrant(t, rig.eng.TypedSigner(), rig.owner, req)
	o, err := rig.eng.PlaceDelegatedOrder(rig.keeper.Address(), req)
	if err != nil {
		t.Fatalf("place delegated: %v", err)
	}

	_, _, err = rig.eng.ExecuteOrder(rig.keeper.Address(), o.ID, rig.quote(t, entry50k), 500_000)
	if !errors.Is(err, ErrUnderflow) {
		t.Fatalf("underfunded execute: expected ErrUnderflow, got %v", err)
	}
	// Everything pulled for the failed attempt went back to the owner.
	if got := rig.vault.balances[owner]; got != collateral1k+10_000_000 {
		t.Errorf("owner balance = %d after failed execute, want %d", got, collateral1k+10_000_000)
	}
	if rig.vault.pool != 0 {
		t.Errorf("pool = %d after failed execute, want 0", rig.vault.pool)
	}
	if rig.vault.treasury != 0 {
		t.Errorf("treasury = %d after failed execute, want 0", rig.vault.treasury)
	}
	if oi := rig.eng.OpenInterest("BTC-USD"); oi != 0 {
		t.Errorf("open interest = %d after failed execute, want 0", oi)
	}
	if positions := rig.eng.PositionsOf(owner); len(positions) != 0 {
		t.Errorf("found %d positions after failed execute", len(positions))
	}
	pending, _ := rig.eng.Order(o.ID)
	if pending.Status != OrderPending {
		t.Fatalf("order status = %s after failed execute, want pending", pending.Status)
	}

	// Once the owner tops up the missing fee the same order executes cleanly.
	rig.vault.fund(owner, 500_000)
	executed, _, err := rig.eng.ExecuteOrder(rig.keeper.Address(), o.ID, rig.quote(t, entry50k), 500_000)
	if err != nil {
		t.Fatalf("retry execute: %v", err)
	}
	if executed.Status != OrderExecuted {
		t.Errorf("order status = %s after retry, want executed", executed.Status)
	}
	if got := rig.vault.balances[owner]; got != 0 {
		t.Errorf("owner balance = %d after retry, want 0", got)
	}
}

func TestDirectOrderKeeperFeeFailureRefundsTradingFee(t *testing.T) {
	rig := newTestRig(t)
	owner := rig.owner.Address()
	rig.vault.fund(owner, collateral1k+1_000_000+10_000_000)

	o, err := rig.eng.PlaceOrder(owner, OrderParams{
		Kind: LimitOpen, Symbol: "BTC-USD", Long: true,
		Collateral: collateral1k, Leverage: 10, TriggerPrice: entry50k,
	})
	if err != nil {
		t.Fatalf("place: %v", err)
	}

	rig.vault.failOn = "PayKeeperFee"
	if _, _, err := rig.eng.ExecuteOrder(rig.keeper.Address(), o.ID, rig.quote(t, entry50k), 0); err == nil {
		t.Fatal("expected execute to fail on keeper payout fault")
	}
	// The trading fee pulled for this attempt came back; the creation-time
	// escrow (collateral + flat fee) still sits in the pool for a retry.
	if got := rig.vault.balances[owner]; got != 10_000_000 {
		t.Errorf("owner balance = %d after failed execute, want 10000000", got)
	}
	if rig.vault.treasury != 0 {
		t.Errorf("treasury = %d after failed execute, want 0", rig.vault.treasury)
	}
	if rig.vault.pool != collateral1k+1_000_000 {
		t.Errorf("pool = %d after failed execute, want %d", rig.vault.pool, collateral1k+1_000_000)
	}
	pending, _ := rig.eng.Order(o.ID)
	if pending.Status != OrderPending {
		t.Errorf("order status = %s after failed execute, want pending", pending.Status)
	}
}

func TestCloseOrderKeeperFeeFailureSurfaced(t *testing.T) {
	rig := newTestRig(t)
	owner := rig.owner.Address()
	rig.vault.fund(owner, collateral1k+10_000_000+1_000_000)

	pos, err := rig.eng.OpenPosition(owner, rig.quote(t, entry50k), "BTC-USD", true, collateral1k, 10)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	o, err := rig.eng.PlaceOrder(owner, OrderParams{
		Kind: StopLoss, Symbol: "BTC-USD", Long: true,
		TriggerPrice: 48_000_0000_0000, PositionID: pos.ID,
	})
	if err != nil {
		t.Fatalf("place stop: %v", err)
	}

	var events []Event
	rig.eng.SetEventHandler(func(ev Event) { events = append(events, ev) })
	rig.vault.failOn = "PayKeeperFee"

	// The close settles even though the keeper cannot be paid.
	executed, settlement, err := rig.eng.ExecuteOrder(rig.keeper.Address(), o.ID, rig.quote(t, 48_000_0000_0000), 0)
	if err != nil {
		t.Fatalf("execute stop: %v", err)
	}
	if executed.Status != OrderExecuted {
		t.Errorf("order status = %s, want executed", executed.Status)
	}
	if settlement.KeeperFee != 0 {
		t.Errorf("keeper fee = %d with failed payout, want 0", settlement.KeeperFee)
	}

	var owed *Event
	for i := range events {
		if events[i].Type == EventKeeperFeeOwed {
			owed = &events[i]
		}
	}
	if owed == nil {
		t.Fatal("no keeper_fee_owed event emitted")
	}
	if owed.Amount != 1_000_000 || owed.OrderID != o.ID {
		t.Errorf("owed event: %+v", *owed)
	}
}

func TestSetEventHandlerConcurrentWithOperations(t *testing.T) {
	rig := newTestRig(t)
	owner := rig.owner.Address()
	rig.vault.fund(owner, 10*(collateral1k+10_000_000))

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < 10; i++ {
			rig.eng.SetEventHandler(func(Event) {})
		}
	}()
	for i := 0; i < 10; i++ {
		if _, err := rig.eng.OpenPosition(owner, rig.quote(t, entry50k), "BTC-USD", true, collateral1k, 10); err != nil {
			t.Fatalf("open %d: %v", i, err)
		}
	}
	wg.Wait()
}

func TestRoleAdministration(t *testing.T) {
	rig := newTestRig(t)
	addr := mustKey(t).Address()

	// Only admins grant.
	if err := rig.eng.GrantRole(rig.owner.Address(), addr, RoleRelayer); !errors.Is(err, ErrUnauthorized) {
		t.Errorf("non-admin grant: expected ErrUnauthorized, got %v", err)
	}
	if err := rig.eng.GrantRole(rig.admin.Address(), addr, RoleRelayer); err != nil {
		t.Fatalf("grant: %v", err)
	}
	if !rig.eng.HasRole(addr, RoleRelayer) {
		t.Error("role not granted")
	}
	if err := rig.eng.RevokeRole(rig.admin.Address(), addr, RoleRelayer); err != nil {
		t.Fatalf("revoke: %v", err)
	}
	if rig.eng.HasRole(addr, RoleRelayer) {
		t.Error("role not revoked")
	}
}

func TestEngineEventsEmitted(t *testing.T) {
	rig := newTestRig(t)
	owner := rig.owner.Address()
	rig.vault.fund(owner, collateral1k+10_000_000)

	var events []Event
	rig.eng.SetEventHandler(func(ev Event) { events = append(events, ev) })

	pos, err := rig.eng.OpenPosition(owner, rig.quote(t, entry50k), "BTC-USD", true, collateral1k, 10)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if _, err := rig.eng.ClosePosition(owner, pos.ID, rig.quote(t, entry50k)); err != nil {
		t.Fatalf("close: %v", err)
	}

	if len(events) != 2 {
		t.Fatalf("got %d events, want 2", len(events))
	}
	if events[0].Type != EventPositionOpened || events[1].Type != EventPositionClosed {
		t.Errorf("event types: %s, %s", events[0].Type, events[1].Type)
	}
	if events[0].ID == "" || events[0].PositionID != pos.ID {
		t.Errorf("event fields: %+v", events[0])
	}
}
