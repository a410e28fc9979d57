// Package bank holds the reference custodial ledger. The settlement engine
// only ever sees the engine.Custodian interface; Vault is the in-process
// implementation backing the daemon.
package bank

import (
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"github.com/openlev/leverd/pkg/engine"
)

// relayer share of a split fee, in percent. The remainder goes to treasury.
const relayerSharePct = 20

// BalanceStore persists vault balances. A nil store runs memory-only.
type BalanceStore interface {
	SaveBalance(addr common.Address, balance int64) error
	SavePool(pool int64) error
	SaveTreasury(treasury int64) error
	LoadBalances() (map[common.Address]int64, error)
	LoadPool() (int64, error)
	LoadTreasury() (int64, error)
}

// Vault tracks per-account free balances, the shared liquidity pool, and the
// fee treasury. Every mutation is an atomic read-modify-write under the
// vault lock; any decrement below zero fails with engine.ErrUnderflow and
// leaves state untouched.
type Vault struct {
	mu       sync.RWMutex
	balances map[common.Address]int64 // micro-USD free balance per account
	pool     int64                    // shared liquidity pool (holds position collateral)
	treasury int64                    // accumulated fees
	store    BalanceStore
	log      *zap.SugaredLogger
}

func NewVault(store BalanceStore, logger *zap.SugaredLogger) (*Vault, error) {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	v := &Vault{
		balances: make(map[common.Address]int64),
		store:    store,
		log:      logger,
	}
	if store != nil {
		balances, err := store.LoadBalances()
		if err != nil {
			return nil, fmt.Errorf("load balances: %w", err)
		}
		for addr, b := range balances {
			v.balances[addr] = b
		}
		if v.pool, err = store.LoadPool(); err != nil {
			return nil, fmt.Errorf("load pool: %w", err)
		}
		if v.treasury, err = store.LoadTreasury(); err != nil {
			return nil, fmt.Errorf("load treasury: %w", err)
		}
	}
	return v, nil
}

// Deposit credits an account's free balance.
func (v *Vault) Deposit(addr common.Address, amount int64) error {
	if amount <= 0 {
		return fmt.Errorf("%w: deposit %d", engine.ErrValidation, amount)
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	v.balances[addr] += amount
	v.persistBalance(addr)
	return nil
}

// Withdraw debits an account's free balance.
func (v *Vault) Withdraw(addr common.Address, amount int64) error {
	if amount <= 0 {
		return fmt.Errorf("%w: withdraw %d", engine.ErrValidation, amount)
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.balances[addr] < amount {
		return fmt.Errorf("%w: balance %d, withdraw %d", engine.ErrUnderflow, v.balances[addr], amount)
	}
	v.balances[addr] -= amount
	v.persistBalance(addr)
	return nil
}

// SeedPool credits the shared liquidity pool directly. Used to provision
// liquidity that backs profit payouts.
func (v *Vault) SeedPool(amount int64) error {
	if amount <= 0 {
		return fmt.Errorf("%w: seed %d", engine.ErrValidation, amount)
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	v.pool += amount
	v.persistPool()
	return nil
}

func (v *Vault) Balance(addr common.Address) int64 {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.balances[addr]
}

func (v *Vault) PoolBalance() int64 {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.pool
}

func (v *Vault) TreasuryBalance() int64 {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.treasury
}

// ---- engine.Custodian ----

// CollectCollateral pulls from the account's free balance into the pool.
func (v *Vault) CollectCollateral(from common.Address, amount int64) error {
	return v.accountToPool(from, amount)
}

// CollectExecutionFee escrows an execution fee into the pool.
func (v *Vault) CollectExecutionFee(from common.Address, amount int64) error {
	return v.accountToPool(from, amount)
}

// CollectFee routes pooled funds to the treasury, attributed to from.
func (v *Vault) CollectFee(from common.Address, amount int64) error {
	if amount < 0 {
		return fmt.Errorf("%w: fee %d", engine.ErrValidation, amount)
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.pool < amount {
		return fmt.Errorf("%w: pool %d, fee %d", engine.ErrUnderflow, v.pool, amount)
	}
	v.pool -= amount
	v.treasury += amount
	v.persistPool()
	v.persistTreasury()
	v.log.Debugw("fee_collected", "from", from.Hex(), "amount", amount)
	return nil
}

// CollectFeeWithRelayerSplit routes pooled funds 20% to the relayer's free
// balance and 80% to the treasury.
func (v *Vault) CollectFeeWithRelayerSplit(from common.Address, relayer common.Address, totalAmount int64) error {
	if totalAmount < 0 {
		return fmt.Errorf("%w: fee %d", engine.ErrValidation, totalAmount)
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.pool < totalAmount {
		return fmt.Errorf("%w: pool %d, fee %d", engine.ErrUnderflow, v.pool, totalAmount)
	}
	relayerShare := totalAmount * relayerSharePct / 100
	v.pool -= totalAmount
	v.balances[relayer] += relayerShare
	v.treasury += totalAmount - relayerShare
	v.persistPool()
	v.persistTreasury()
	v.persistBalance(relayer)
	v.log.Debugw("fee_collected_split", "from", from.Hex(), "relayer", relayer.Hex(),
		"total", totalAmount, "relayer_share", relayerShare)
	return nil
}

// DistributeProfit pays out of the pool to an account.
func (v *Vault) DistributeProfit(to common.Address, amount int64) error {
	return v.poolToAccount(to, amount)
}

// RefundCollateral returns pooled funds to an account.
func (v *Vault) RefundCollateral(to common.Address, amount int64) error {
	return v.poolToAccount(to, amount)
}

// PayKeeperFee pays an escrowed execution fee out of the pool to a keeper.
func (v *Vault) PayKeeperFee(keeper common.Address, amount int64) error {
	return v.poolToAccount(keeper, amount)
}

func (v *Vault) accountToPool(from common.Address, amount int64) error {
	if amount < 0 {
		return fmt.Errorf("%w: amount %d", engine.ErrValidation, amount)
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.balances[from] < amount {
		return fmt.Errorf("%w: balance %d, need %d", engine.ErrUnderflow, v.balances[from], amount)
	}
	v.balances[from] -= amount
	v.pool += amount
	v.persistBalance(from)
	v.persistPool()
	return nil
}

func (v *Vault) poolToAccount(to common.Address, amount int64) error {
	if amount < 0 {
		return fmt.Errorf("%w: amount %d", engine.ErrValidation, amount)
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.pool < amount {
		return fmt.Errorf("%w: pool %d, pay %d", engine.ErrUnderflow, v.pool, amount)
	}
	v.pool -= amount
	v.balances[to] += amount
	v.persistPool()
	v.persistBalance(to)
	return nil
}

// persistence is write-through, log-and-continue, matching the engine.

func (v *Vault) persistBalance(addr common.Address) {
	if v.store == nil {
		return
	}
	if err := v.store.SaveBalance(addr, v.balances[addr]); err != nil {
		v.log.Errorw("persist_balance_failed", "addr", addr.Hex(), "err", err)
	}
}

func (v *Vault) persistPool() {
	if v.store == nil {
		return
	}
	if err := v.store.SavePool(v.pool); err != nil {
		v.log.Errorw("persist_pool_failed", "err", err)
	}
}

func (v *Vault) persistTreasury() {
	if v.store == nil {
		return
	}
	if err := v.store.SaveTreasury(v.treasury); err != nil {
		v.log.Errorw("persist_treasury_failed", "err", err)
	}
}

var _ engine.Custodian = (*Vault)(nil)
