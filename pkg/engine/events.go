package engine

import (
	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
)

// EventType names the settlement events the engine emits.
type EventType string

const (
	EventPositionOpened     EventType = "position_opened"
	EventPositionClosed     EventType = "position_closed"
	EventPositionLiquidated EventType = "position_liquidated"
	EventOrderCreated       EventType = "order_created"
	EventOrderExecuted      EventType = "order_executed"
	EventOrderCancelled     EventType = "order_cancelled"
	EventBadDebt            EventType = "bad_debt"
	EventKeeperFeeOwed      EventType = "keeper_fee_owed"
)

// Event is a settlement notification. Amount carries the leg most relevant
// to the type: refund for closes, charged margin for liquidations, the
// uncovered excess for bad debt.
type Event struct {
	ID         string         `json:"id"`
	Type       EventType      `json:"type"`
	Time       int64          `json:"time"`
	Owner      common.Address `json:"owner"`
	Symbol     string         `json:"symbol,omitempty"`
	PositionID uint64         `json:"position_id,omitempty"`
	OrderID    uint64         `json:"order_id,omitempty"`
	Amount     int64          `json:"amount,omitempty"`
	Price      int64          `json:"price,omitempty"`
}

func (e *Engine) emit(ev Event) {
	ev.ID = uuid.NewString()
	ev.Time = e.clock.Now().Unix()
	if e.onEvent != nil {
		e.onEvent(ev)
	}
}

// SetEventHandler installs the sink for settlement events. The handler runs
// inside the engine's critical section and must not call back into the
// engine.
func (e *Engine) SetEventHandler(fn func(Event)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.onEvent = fn
}
