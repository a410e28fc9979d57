package engine

import (
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"
)

// PositionStatus is the lifecycle state of a position. Closed and Liquidated
// are terminal; there is no reopening.
type PositionStatus int8

const (
	PositionOpen PositionStatus = iota
	PositionClosed
	PositionLiquidated
)

func (s PositionStatus) String() string {
	switch s {
	case PositionOpen:
		return "open"
	case PositionClosed:
		return "closed"
	case PositionLiquidated:
		return "liquidated"
	default:
		return "unknown"
	}
}

// Position is a leveraged position record. Owned by the engine; the owner
// account has no direct write access.
type Position struct {
	ID         uint64         `json:"id"`
	Owner      common.Address `json:"owner"`
	Symbol     string         `json:"symbol"`
	Long       bool           `json:"long"`
	Collateral int64          `json:"collateral"` // micro-USD
	Size       int64          `json:"size"`       // collateral × leverage
	Leverage   int64          `json:"leverage"`
	EntryPrice int64          `json:"entry_price"` // 1e-8 fixed point
	OpenedAt   int64          `json:"opened_at"`   // unix seconds
	Status     PositionStatus `json:"status"`
	ClosedAt   int64          `json:"closed_at,omitempty"`
	ExitPrice  int64          `json:"exit_price,omitempty"`
}

// PositionLedger creates, closes, and liquidates position records. It does no
// fee or transfer work; that belongs to the settlement engine.
type PositionLedger struct {
	mu        sync.RWMutex
	nextID    uint64
	positions map[uint64]*Position
}

func NewPositionLedger() *PositionLedger {
	return &PositionLedger{nextID: 1, positions: make(map[uint64]*Position)}
}

// Open creates a new OPEN position with a monotonically assigned ID.
// size = collateral × leverage must fit the fixed-point domain.
func (l *PositionLedger) Open(owner common.Address, symbol string, long bool, collateral, leverage, entryPrice, now int64) (*Position, error) {
	if collateral <= 0 || leverage <= 0 || entryPrice <= 0 {
		return nil, fmt.Errorf("%w: collateral %d, leverage %d, entry %d", ErrValidation, collateral, leverage, entryPrice)
	}
	size := new(big.Int).Mul(big.NewInt(collateral), big.NewInt(leverage))
	if !size.IsInt64() {
		return nil, fmt.Errorf("%w: size overflows fixed-point domain", ErrValidation)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	pos := &Position{
		ID:         l.nextID,
		Owner:      owner,
		Symbol:     symbol,
		Long:       long,
		Collateral: collateral,
		Size:       size.Int64(),
		Leverage:   leverage,
		EntryPrice: entryPrice,
		OpenedAt:   now,
		Status:     PositionOpen,
	}
	l.nextID++
	l.positions[pos.ID] = pos
	return pos, nil
}

// Close transitions an OPEN position to CLOSED and returns its realized PnL
// at exitPrice. Closing a terminal position fails with ErrNotOpen.
func (l *PositionLedger) Close(id uint64, exitPrice, now int64) (int64, *Position, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	pos, ok := l.positions[id]
	if !ok {
		return 0, nil, fmt.Errorf("%w: position %d not found", ErrState, id)
	}
	if pos.Status != PositionOpen {
		return 0, nil, fmt.Errorf("%w: position %d is %s: %w", ErrState, id, pos.Status, ErrNotOpen)
	}
	if exitPrice <= 0 {
		return 0, nil, fmt.Errorf("%w: exit price %d", ErrValidation, exitPrice)
	}

	pnl := pnl(pos.Long, pos.EntryPrice, exitPrice, pos.Size)
	pos.Status = PositionClosed
	pos.ClosedAt = now
	pos.ExitPrice = exitPrice
	return pnl, pos, nil
}

// Liquidate transitions an OPEN position to LIQUIDATED. Fund movement is the
// settlement engine's job, invoked by the same caller immediately after.
func (l *PositionLedger) Liquidate(id uint64, liquidationPrice, now int64) (*Position, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	pos, ok := l.positions[id]
	if !ok {
		return nil, fmt.Errorf("%w: position %d not found", ErrState, id)
	}
	if pos.Status != PositionOpen {
		return nil, fmt.Errorf("%w: position %d is %s: %w", ErrState, id, pos.Status, ErrNotOpen)
	}

	pos.Status = PositionLiquidated
	pos.ClosedAt = now
	pos.ExitPrice = liquidationPrice
	return pos, nil
}

// PnL returns the position's profit or loss at currentPrice.
func (l *PositionLedger) PnL(id uint64, currentPrice int64) (int64, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	pos, ok := l.positions[id]
	if !ok {
		return 0, fmt.Errorf("%w: position %d not found", ErrState, id)
	}
	return pnl(pos.Long, pos.EntryPrice, currentPrice, pos.Size), nil
}

func (l *PositionLedger) Get(id uint64) (*Position, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	pos, ok := l.positions[id]
	if !ok {
		return nil, false
	}
	cp := *pos
	return &cp, true
}

func (l *PositionLedger) ByOwner(owner common.Address) []*Position {
	l.mu.RLock()
	defer l.mu.RUnlock()
	var out []*Position
	for _, pos := range l.positions {
		if pos.Owner == owner {
			cp := *pos
			out = append(out, &cp)
		}
	}
	return out
}

// remove deletes a position created earlier in the same failed operation.
// Internal to the engine's rollback handling.
func (l *PositionLedger) remove(id uint64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.positions, id)
}

// revert undoes a Close/Liquidate transition when a later step of the same
// operation fails.
func (l *PositionLedger) revert(id uint64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if pos, ok := l.positions[id]; ok {
		pos.Status = PositionOpen
		pos.ClosedAt = 0
		pos.ExitPrice = 0
	}
}

// restore re-inserts a persisted position at startup and keeps ID assignment
// monotonic.
func (l *PositionLedger) restore(pos *Position) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.positions[pos.ID] = pos
	if pos.ID >= l.nextID {
		l.nextID = pos.ID + 1
	}
}

// pnl computes priceDiff × size / entryPrice with truncating (toward-zero)
// division. The truncation direction is load-bearing: it is what reconciles
// collateral against payouts, so it must not be changed to floor or rounding.
func pnl(long bool, entryPrice, currentPrice, size int64) int64 {
	diff := new(big.Int).Sub(big.NewInt(currentPrice), big.NewInt(entryPrice))
	if !long {
		diff.Neg(diff)
	}
	out := new(big.Int).Mul(diff, big.NewInt(size))
	out.Quo(out, big.NewInt(entryPrice))
	return out.Int64()
}
