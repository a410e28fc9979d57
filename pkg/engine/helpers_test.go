package engine

import (
	"fmt"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/openlev/leverd/params"
	"github.com/openlev/leverd/pkg/crypto"
)

// Shared fixture: entry $50,000 (1e-8 units), $1000 collateral (micro-USD),
// 10x leverage → $10,000 notional.
const (
	entry50k     = 50_000_0000_0000
	exit55k      = 55_000_0000_0000
	exit45k      = 45_000_0000_0000
	collateral1k = 1_000_000_000
	size10k      = 10_000_000_000
)

type fakeClock struct{ now time.Time }

func (c *fakeClock) Now() time.Time { return c.now }

func (c *fakeClock) advance(d time.Duration) { c.now = c.now.Add(d) }

// fakeVault is a recording in-memory custodian following the same flow
// conventions as the production vault: collect pulls balance → pool, fee
// routing moves pool → treasury (with an optional relayer cut), payouts move
// pool → balance.
type fakeVault struct {
	balances map[common.Address]int64
	pool     int64
	treasury int64
	calls    []string
	failOn   string
}

func newFakeVault() *fakeVault {
	return &fakeVault{balances: make(map[common.Address]int64)}
}

func (v *fakeVault) fund(addr common.Address, amount int64) { v.balances[addr] += amount }

func (v *fakeVault) record(call string) error {
	v.calls = append(v.calls, call)
	if v.failOn != "" && len(call) >= len(v.failOn) && call[:len(v.failOn)] == v.failOn {
		return fmt.Errorf("fault injected: %s", v.failOn)
	}
	return nil
}

func (v *fakeVault) CollectCollateral(from common.Address, amount int64) error {
	if err := v.record(fmt.Sprintf("CollectCollateral %d", amount)); err != nil {
		return err
	}
	if v.balances[from] < amount {
		return fmt.Errorf("%w: balance %d, need %d", ErrUnderflow, v.balances[from], amount)
	}
	v.balances[from] -= amount
	v.pool += amount
	return nil
}

func (v *fakeVault) CollectExecutionFee(from common.Address, amount int64) error {
	if err := v.record(fmt.Sprintf("CollectExecutionFee %d", amount)); err != nil {
		return err
	}
	if v.balances[from] < amount {
		return fmt.Errorf("%w: balance %d, need %d", ErrUnderflow, v.balances[from], amount)
	}
	v.balances[from] -= amount
	v.pool += amount
	return nil
}

func (v *fakeVault) CollectFee(from common.Address, amount int64) error {
	if err := v.record(fmt.Sprintf("CollectFee %d", amount)); err != nil {
		return err
	}
	if v.pool < amount {
		return fmt.Errorf("%w: pool %d, fee %d", ErrUnderflow, v.pool, amount)
	}
	v.pool -= amount
	v.treasury += amount
	return nil
}

func (v *fakeVault) CollectFeeWithRelayerSplit(from, relayer common.Address, totalAmount int64) error {
	if err := v.record(fmt.Sprintf("CollectFeeWithRelayerSplit %d", totalAmount)); err != nil {
		return err
	}
	if v.pool < totalAmount {
		return fmt.Errorf("%w: pool %d, fee %d", ErrUnderflow, v.pool, totalAmount)
	}
	share := totalAmount * 20 / 100
	v.pool -= totalAmount
	v.balances[relayer] += share
	v.treasury += totalAmount - share
	return nil
}

func (v *fakeVault) DistributeProfit(to common.Address, amount int64) error {
	if err := v.record(fmt.Sprintf("DistributeProfit %d", amount)); err != nil {
		return err
	}
	if v.pool < amount {
		return fmt.Errorf("%w: pool %d, pay %d", ErrUnderflow, v.pool, amount)
	}
	v.pool -= amount
	v.balances[to] += amount
	return nil
}

func (v *fakeVault) RefundCollateral(to common.Address, amount int64) error {
	if err := v.record(fmt.Sprintf("RefundCollateral %d", amount)); err != nil {
		return err
	}
	if v.pool < amount {
		return fmt.Errorf("%w: pool %d, pay %d", ErrUnderflow, v.pool, amount)
	}
	v.pool -= amount
	v.balances[to] += amount
	return nil
}

func (v *fakeVault) PayKeeperFee(keeper common.Address, amount int64) error {
	if err := v.record(fmt.Sprintf("PayKeeperFee %d", amount)); err != nil {
		return err
	}
	if v.pool < amount {
		return fmt.Errorf("%w: pool %d, pay %d", ErrUnderflow, v.pool, amount)
	}
	v.pool -= amount
	v.balances[keeper] += amount
	return nil
}

// testRig bundles an engine with its signers and fakes.
type testRig struct {
	eng    *Engine
	vault  *fakeVault
	clock  *fakeClock
	admin  *crypto.Signer
	oracle *crypto.Signer
	keeper *crypto.Signer
	owner  *crypto.Signer
}

func newTestRig(t *testing.T) *testRig {
	t.Helper()

	admin := mustKey(t)
	oracle := mustKey(t)
	keeper := mustKey(t)
	owner := mustKey(t)

	vault := newFakeVault()
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}

	eng, err := New(params.Default().Engine, admin.Address(), vault, nil, clock, nil)
	if err != nil {
		t.Fatalf("engine: %v", err)
	}
	if err := eng.GrantRole(admin.Address(), oracle.Address(), RoleOracleSigner); err != nil {
		t.Fatalf("grant oracle: %v", err)
	}
	if err := eng.GrantRole(admin.Address(), keeper.Address(), RoleRelayer); err != nil {
		t.Fatalf("grant relayer: %v", err)
	}
	if err := eng.SetAssetConfig(admin.Address(), AssetConfig{
		Symbol:                  "BTC-USD",
		Enabled:                 true,
		MaxLeverage:             50,
		MaxPositionSize:         1_000_000_000_000, // $1M notional
		MaxOpenInterest:         10_000_000_000_000,
		LiquidationThresholdBps: 8000,
	}); err != nil {
		t.Fatalf("asset config: %v", err)
	}
	return &testRig{eng: eng, vault: vault, clock: clock, admin: admin, oracle: oracle, keeper: keeper, owner: owner}
}

func mustKey(t *testing.T) *crypto.Signer {
	t.Helper()
	s, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("keygen: %v", err)
	}
	return s
}

// quoteAt signs a BTC-USD quote with the rig's oracle key.
func (r *testRig) quoteAt(t *testing.T, price, timestamp int64) SignedPriceQuote {
	t.Helper()
	return signQuote(t, r.eng.TypedSigner(), r.oracle, "BTC-USD", price, timestamp)
}

func (r *testRig) quote(t *testing.T, price int64) SignedPriceQuote {
	return r.quoteAt(t, price, r.clock.Now().Unix())
}

func signQuote(t *testing.T, typed *crypto.TypedSigner, key *crypto.Signer, symbol string, price, timestamp int64) SignedPriceQuote {
	t.Helper()
	sig, err := typed.SignQuote(key, &crypto.QuoteMessage{
		Symbol:    symbol,
		Price:     big.NewInt(price),
		Timestamp: big.NewInt(timestamp),
	})
	if err != nil {
		t.Fatalf("sign quote: %v", err)
	}
	return SignedPriceQuote{Symbol: symbol, Price: price, Timestamp: timestamp, Signature: sig}
}

func signGrant(t *testing.T, typed *crypto.TypedSigner, key *crypto.Signer, req DelegatedOrderRequest) []byte {
	t.Helper()
	sig, err := typed.SignOrderGrant(key, &crypto.OrderGrant{
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
	})
	if err != nil {
		t.Fatalf("sign grant: %v", err)
	}
	return sig
}
