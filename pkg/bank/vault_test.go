package bank

import (
	"errors"
	"testing"

	"github.com/ethereum/go-ethereum/common"

	"github.com/openlev/leverd/pkg/engine"
)

var (
	alice   = common.HexToAddress("0x1111111111111111111111111111111111111111")
	bob     = common.HexToAddress("0x2222222222222222222222222222222222222222")
	relayer = common.HexToAddress("0x3333333333333333333333333333333333333333")
)

func newTestVault(t *testing.T) *Vault {
	t.Helper()
	v, err := NewVault(nil, nil)
	if err != nil {
		t.Fatalf("vault: %v", err)
	}
	return v
}

func TestDepositWithdraw(t *testing.T) {
	v := newTestVault(t)

	if err := v.Deposit(alice, 1_000_000_000); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	if got := v.Balance(alice); got != 1_000_000_000 {
		t.Errorf("balance = %d, want 1000000000", got)
	}

	if err := v.Withdraw(alice, 400_000_000); err != nil {
		t.Fatalf("withdraw: %v", err)
	}
	if got := v.Balance(alice); got != 600_000_000 {
		t.Errorf("balance = %d, want 600000000", got)
	}

	// Overdraw fails and leaves the balance untouched.
	if err := v.Withdraw(alice, 600_000_001); !errors.Is(err, engine.ErrUnderflow) {
		t.Errorf("overdraw: expected ErrUnderflow, got %v", err)
	}
	if got := v.Balance(alice); got != 600_000_000 {
		t.Errorf("balance = %d after failed withdraw, want 600000000", got)
	}

	// Non-positive amounts are rejected.
	if err := v.Deposit(alice, 0); !errors.Is(err, engine.ErrValidation) {
		t.Errorf("zero deposit: expected ErrValidation, got %v", err)
	}
	if err := v.Withdraw(alice, -1); !errors.Is(err, engine.ErrValidation) {
		t.Errorf("negative withdraw: expected ErrValidation, got %v", err)
	}
}

func TestCollectAndRefundCollateral(t *testing.T) {
	v := newTestVault(t)
	v.Deposit(alice, 1_000_000_000)

	if err := v.CollectCollateral(alice, 1_000_000_000); err != nil {
		t.Fatalf("collect: %v", err)
	}
	if got := v.Balance(alice); got != 0 {
		t.Errorf("balance = %d after collect, want 0", got)
	}
	if got := v.PoolBalance(); got != 1_000_000_000 {
		t.Errorf("pool = %d, want 1000000000", got)
	}

	// Collecting beyond the balance fails cleanly.
	if err := v.CollectCollateral(alice, 1); !errors.Is(err, engine.ErrUnderflow) {
		t.Errorf("expected ErrUnderflow, got %v", err)
	}

	if err := v.RefundCollateral(alice, 1_000_000_000); err != nil {
		t.Fatalf("refund: %v", err)
	}
	if got := v.Balance(alice); got != 1_000_000_000 {
		t.Errorf("balance = %d after refund, want 1000000000", got)
	}
	if got := v.PoolBalance(); got != 0 {
		t.Errorf("pool = %d after refund, want 0", got)
	}
}

func TestCollectFeeRoutesPoolToTreasury(t *testing.T) {
	v := newTestVault(t)
	v.Deposit(alice, 100_000_000)
	v.CollectCollateral(alice, 100_000_000)

	if err := v.CollectFee(alice, 10_000_000); err != nil {
		t.Fatalf("fee: %v", err)
	}
	if got := v.PoolBalance(); got != 90_000_000 {
		t.Errorf("pool = %d, want 90000000", got)
	}
	if got := v.TreasuryBalance(); got != 10_000_000 {
		t.Errorf("treasury = %d, want 10000000", got)
	}

	// Fee routing never touches the account's free balance.
	if got := v.Balance(alice); got != 0 {
		t.Errorf("balance = %d, want 0", got)
	}
}

func TestRelayerFeeSplit(t *testing.T) {
	v := newTestVault(t)
	v.SeedPool(10_000_000)

	if err := v.CollectFeeWithRelayerSplit(alice, relayer, 10_000_000); err != nil {
		t.Fatalf("split fee: %v", err)
	}
	// 20% relayer, 80% treasury.
	if got := v.Balance(relayer); got != 2_000_000 {
		t.Errorf("relayer = %d, want 2000000", got)
	}
	if got := v.TreasuryBalance(); got != 8_000_000 {
		t.Errorf("treasury = %d, want 8000000", got)
	}
	if got := v.PoolBalance(); got != 0 {
		t.Errorf("pool = %d, want 0", got)
	}
}

func TestRelayerSplitFloors(t *testing.T) {
	v := newTestVault(t)
	v.SeedPool(7)

	// 20% of 7 floors to 1; the remaining 6 goes to treasury.
	if err := v.CollectFeeWithRelayerSplit(alice, relayer, 7); err != nil {
		t.Fatalf("split fee: %v", err)
	}
	if got := v.Balance(relayer); got != 1 {
		t.Errorf("relayer = %d, want 1", got)
	}
	if got := v.TreasuryBalance(); got != 6 {
		t.Errorf("treasury = %d, want 6", got)
	}
}

func TestPayoutsDrainPool(t *testing.T) {
	v := newTestVault(t)
	v.SeedPool(100_000_000)

	if err := v.DistributeProfit(bob, 60_000_000); err != nil {
		t.Fatalf("profit: %v", err)
	}
	if err := v.PayKeeperFee(relayer, 40_000_000); err != nil {
		t.Fatalf("keeper: %v", err)
	}
	if got := v.PoolBalance(); got != 0 {
		t.Errorf("pool = %d, want 0", got)
	}

	// Pool is empty: further payouts fail.
	if err := v.DistributeProfit(bob, 1); !errors.Is(err, engine.ErrUnderflow) {
		t.Errorf("expected ErrUnderflow, got %v", err)
	}
}
