package engine

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// Custodian is the custodial ledger that physically holds funds. The
// settlement engine is its sole caller.
//
// Flow conventions: CollectCollateral and CollectExecutionFee pull from the
// account's free balance into the shared pool; CollectFee and
// CollectFeeWithRelayerSplit route already-pooled funds to fee collection
// (the from argument is attribution), the split being the fixed 20/80
// relayer/treasury ratio; DistributeProfit, RefundCollateral and
// PayKeeperFee pay out of the pool.
type Custodian interface {
	CollectCollateral(from common.Address, amount int64) error
	CollectFee(from common.Address, amount int64) error
	CollectFeeWithRelayerSplit(from common.Address, relayer common.Address, totalAmount int64) error
	CollectExecutionFee(from common.Address, amount int64) error
	DistributeProfit(to common.Address, amount int64) error
	RefundCollateral(to common.Address, amount int64) error
	PayKeeperFee(keeper common.Address, amount int64) error
}

// Settlement reports what a close or liquidation moved.
type Settlement struct {
	Refund   int64 // paid back to the owner, micro-USD
	Profit   int64 // profit leg paid from the pool
	FeePaid  int64 // trading fee routed to fee collection
	Charged  int64 // loss kept by the pool
	BadDebt  int64 // loss the account could not cover, absorbed by the pool
	PnL      int64 // raw realized PnL
	KeeperFee int64 // keeper payout: liquidation reward or order execution fee
}

// Settler computes fees and transfer legs and drives the custodian. It holds
// no state of its own; every method is one atomic settlement of one position
// outcome.
type Settler struct {
	custodian         Custodian
	tradingFeeBps     int64
	liquidationFeeBps int64
	lossCapBps        int64
}

func NewSettler(custodian Custodian, tradingFeeBps, liquidationFeeBps, lossCapBps int64) *Settler {
	return &Settler{
		custodian:         custodian,
		tradingFeeBps:     tradingFeeBps,
		liquidationFeeBps: liquidationFeeBps,
		lossCapBps:        lossCapBps,
	}
}

// TradingFee is basis points of notional size, floored.
func (s *Settler) TradingFee(size int64) int64 {
	return mulBps(size, s.tradingFeeBps)
}

// CollectOpen pulls an opening position's funds: collateral into the pool
// plus the trading fee, which is routed straight to fee collection. In
// delegated mode the fee is split with the relayer.
func (s *Settler) CollectOpen(owner common.Address, collateral, size int64, mode FundingMode, relayer common.Address) (int64, error) {
	if err := s.custodian.CollectCollateral(owner, collateral); err != nil {
		return 0, err
	}
	fee, err := s.CollectTradingFee(owner, size, mode, relayer)
	if err != nil {
		// Keep the operation all-or-nothing: hand the collateral back.
		_ = s.custodian.RefundCollateral(owner, collateral)
		return 0, err
	}
	return fee, nil
}

// CollectTradingFee pulls the trading fee on size from the owner's balance
// and routes it to fee collection.
func (s *Settler) CollectTradingFee(owner common.Address, size int64, mode FundingMode, relayer common.Address) (int64, error) {
	fee := s.TradingFee(size)
	if fee == 0 {
		return 0, nil
	}
	if err := s.custodian.CollectCollateral(owner, fee); err != nil {
		return 0, err
	}
	if err := s.collectFee(owner, fee, mode, relayer); err != nil {
		_ = s.custodian.RefundCollateral(owner, fee)
		return 0, err
	}
	return fee, nil
}

// SettleClose settles a closed position. The trading fee is always owed and
// comes out of the outcome before any transfer decision. A loss is capped at
// lossCapBps of collateral: the excess is never charged to the account but
// absorbed by the pool and reported as bad debt, and the owner always
// receives the uncapped remainder of collateral. The close itself never
// fails because the loss is large.
func (s *Settler) SettleClose(pos *Position, pnlValue int64, mode FundingMode, relayer common.Address) (Settlement, error) {
	fee := s.TradingFee(pos.Size)
	out := Settlement{PnL: pnlValue}

	if pnlValue >= 0 {
		// collateral + profit − fee, fee clamped to the available outcome.
		gross := pos.Collateral + pnlValue
		feePaid := fee
		if feePaid > gross {
			feePaid = gross
		}
		payout := gross - feePaid

		profitLeg := pnlValue
		refundLeg := payout - profitLeg
		if refundLeg < 0 {
			profitLeg = payout
			refundLeg = 0
		}

		out.FeePaid = feePaid
		out.Profit = profitLeg
		out.Refund = refundLeg

		if profitLeg > 0 {
			if err := s.custodian.DistributeProfit(pos.Owner, profitLeg); err != nil {
				return Settlement{}, err
			}
		}
		if refundLeg > 0 {
			if err := s.custodian.RefundCollateral(pos.Owner, refundLeg); err != nil {
				return Settlement{}, err
			}
		}
		if err := s.collectFee(pos.Owner, feePaid, mode, relayer); err != nil {
			return Settlement{}, err
		}
		return out, nil
	}

	loss := -pnlValue
	maxLoss := mulBps(pos.Collateral, s.lossCapBps)

	charged := loss
	if charged > maxLoss {
		charged = maxLoss
		out.BadDebt = loss - maxLoss
	}
	residual := pos.Collateral - charged

	if out.BadDebt > 0 {
		// Capped: the residual is paid out in full and the fee comes out of
		// the charged portion the pool keeps.
		feePaid := fee
		if feePaid > charged {
			feePaid = charged
		}
		out.FeePaid = feePaid
		out.Refund = residual
		out.Charged = charged
	} else {
		refund := residual - fee
		feePaid := fee
		if refund < 0 {
			feePaid = residual
			refund = 0
		}
		out.FeePaid = feePaid
		out.Refund = refund
		out.Charged = charged
	}

	if out.Refund > 0 {
		if err := s.custodian.RefundCollateral(pos.Owner, out.Refund); err != nil {
			return Settlement{}, err
		}
	}
	if err := s.collectFee(pos.Owner, out.FeePaid, mode, relayer); err != nil {
		return Settlement{}, err
	}
	return out, nil
}

// SettleLiquidation settles a liquidated position: the margin stays with the
// pool, and the triggering caller earns liquidationFeeBps of collateral from
// the pool. A loss beyond the collateral itself is reported as bad debt.
func (s *Settler) SettleLiquidation(pos *Position, pnlValue int64, keeper common.Address) (Settlement, error) {
	out := Settlement{PnL: pnlValue, Charged: pos.Collateral}

	if pnlValue < 0 {
		if loss := -pnlValue; loss > pos.Collateral {
			out.BadDebt = loss - pos.Collateral
		}
	}

	keeperFee := mulBps(pos.Collateral, s.liquidationFeeBps)
	out.KeeperFee = keeperFee
	if keeperFee > 0 {
		if err := s.custodian.DistributeProfit(keeper, keeperFee); err != nil {
			return Settlement{}, err
		}
	}
	return out, nil
}

func (s *Settler) collectFee(owner common.Address, fee int64, mode FundingMode, relayer common.Address) error {
	if fee <= 0 {
		return nil
	}
	if mode == FundingDelegated {
		return s.custodian.CollectFeeWithRelayerSplit(owner, relayer, fee)
	}
	return s.custodian.CollectFee(owner, fee)
}

// mulBps computes amount × bps / 10000 with floor division, widened through
// big.Int so large notionals cannot overflow.
func mulBps(amount, bps int64) int64 {
	out := new(big.Int).Mul(big.NewInt(amount), big.NewInt(bps))
	out.Quo(out, big.NewInt(10000))
	return out.Int64()
}
