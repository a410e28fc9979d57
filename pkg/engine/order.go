package engine

import (
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/common"
)

// OrderKind distinguishes the three conditional order types.
type OrderKind int8

const (
	LimitOpen OrderKind = iota + 1
	LimitClose
	StopLoss
)

func (k OrderKind) String() string {
	switch k {
	case LimitOpen:
		return "limit_open"
	case LimitClose:
		return "limit_close"
	case StopLoss:
		return "stop_loss"
	default:
		return "unknown"
	}
}

func (k OrderKind) valid() bool {
	return k == LimitOpen || k == LimitClose || k == StopLoss
}

// OrderStatus is the order lifecycle state. Executed and Cancelled are
// terminal.
type OrderStatus int8

const (
	OrderPending OrderStatus = iota
	OrderExecuted
	OrderCancelled
)

func (s OrderStatus) String() string {
	switch s {
	case OrderPending:
		return "pending"
	case OrderExecuted:
		return "executed"
	case OrderCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// FundingMode records when an order's funds are pulled: eagerly at creation
// (direct) or at execution time (delegated). Settlement arithmetic is
// identical in both modes.
type FundingMode int8

const (
	FundingDirect FundingMode = iota
	FundingDelegated
)

func (m FundingMode) String() string {
	if m == FundingDelegated {
		return "delegated"
	}
	return "direct"
}

// Order is a conditional order intent. Open orders create exactly one
// position on execution; close/stop orders reference exactly one.
type Order struct {
	ID               uint64         `json:"id"`
	Kind             OrderKind      `json:"kind"`
	Status           OrderStatus    `json:"status"`
	Mode             FundingMode    `json:"mode"`
	Owner            common.Address `json:"owner"`
	Symbol           string         `json:"symbol"`
	Long             bool           `json:"long"`
	Collateral       int64          `json:"collateral"` // micro-USD, opens only
	Leverage         int64          `json:"leverage"`   // opens only
	TriggerPrice     int64          `json:"trigger_price"`
	PositionID       uint64         `json:"position_id"` // 0 for opens until executed
	CreatedAt        int64          `json:"created_at"`
	ExecutedAt       int64          `json:"executed_at,omitempty"`
	ExpiresAt        int64          `json:"expires_at"`
	Nonce            uint64         `json:"nonce"` // delegated orders only
	MaxExecutionFee  int64          `json:"max_execution_fee"`
	ExecutionFeePaid int64          `json:"execution_fee_paid"`
}

// Triggered reports whether a quote price satisfies the order's trigger:
//
//	kind        long           short
//	limit open  price ≤ trig   price ≥ trig
//	limit close price ≥ trig   price ≤ trig
//	stop loss   price ≤ trig   price ≥ trig
func (o *Order) Triggered(quotePrice int64) bool {
	switch o.Kind {
	case LimitOpen, StopLoss:
		if o.Long {
			return quotePrice <= o.TriggerPrice
		}
		return quotePrice >= o.TriggerPrice
	case LimitClose:
		if o.Long {
			return quotePrice >= o.TriggerPrice
		}
		return quotePrice <= o.TriggerPrice
	default:
		return false
	}
}

// Expired reports whether the order's stored deadline has passed. Expiry is
// checked at execution time; nothing is scheduled.
func (o *Order) Expired(now int64) bool {
	return o.ExpiresAt > 0 && now > o.ExpiresAt
}

// OrderStore holds orders and the per-account nonce ledger.
type OrderStore struct {
	mu     sync.RWMutex
	nextID uint64
	orders map[uint64]*Order
	nonces map[common.Address]uint64
}

func NewOrderStore() *OrderStore {
	return &OrderStore{
		nextID: 1,
		orders: make(map[uint64]*Order),
		nonces: make(map[common.Address]uint64),
	}
}

// Nonce returns the account's current (next expected) nonce.
func (s *OrderStore) Nonce(owner common.Address) uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.nonces[owner]
}

// ConsumeNonce accepts the nonce only if it matches the stored counter
// exactly, then increments. Called before any further delegated-order logic
// so a replay is blocked even if later steps fail.
func (s *OrderStore) ConsumeNonce(owner common.Address, nonce uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	current := s.nonces[owner]
	if nonce != current {
		return fmt.Errorf("%w: nonce %d, expected %d", ErrReplay, nonce, current)
	}
	s.nonces[owner] = current + 1
	return nil
}

// Add stores a new PENDING order with a monotonically assigned ID.
func (s *OrderStore) Add(o *Order) *Order {
	s.mu.Lock()
	defer s.mu.Unlock()
	o.ID = s.nextID
	o.Status = OrderPending
	s.nextID++
	s.orders[o.ID] = o
	return o
}

func (s *OrderStore) Get(id uint64) (*Order, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	o, ok := s.orders[id]
	if !ok {
		return nil, false
	}
	cp := *o
	return &cp, true
}

func (s *OrderStore) ByOwner(owner common.Address) []*Order {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Order
	for _, o := range s.orders {
		if o.Owner == owner {
			cp := *o
			out = append(out, &cp)
		}
	}
	return out
}

// MarkCancelled transitions PENDING → CANCELLED.
func (s *OrderStore) MarkCancelled(id uint64) (*Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.orders[id]
	if !ok {
		return nil, fmt.Errorf("%w: order %d not found", ErrState, id)
	}
	if o.Status != OrderPending {
		return nil, fmt.Errorf("%w: order %d is %s", ErrState, id, o.Status)
	}
	o.Status = OrderCancelled
	cp := *o
	return &cp, nil
}

// MarkExecuted transitions PENDING → EXECUTED, recording the execution
// details. For opens, positionID is the position the execution created.
func (s *OrderStore) MarkExecuted(id uint64, positionID uint64, executionFeePaid, now int64) (*Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.orders[id]
	if !ok {
		return nil, fmt.Errorf("%w: order %d not found", ErrState, id)
	}
	if o.Status != OrderPending {
		return nil, fmt.Errorf("%w: order %d is %s", ErrState, id, o.Status)
	}
	o.Status = OrderExecuted
	o.ExecutedAt = now
	o.ExecutionFeePaid = executionFeePaid
	if o.Kind == LimitOpen {
		o.PositionID = positionID
	}
	cp := *o
	return &cp, nil
}

// revert undoes a MarkExecuted when a later step of the same operation
// fails, restoring the pending state. Internal to the engine's atomicity
// handling; never exposed to callers.
func (s *OrderStore) revert(id uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if o, ok := s.orders[id]; ok {
		o.Status = OrderPending
		o.ExecutedAt = 0
		o.ExecutionFeePaid = 0
		if o.Kind == LimitOpen {
			o.PositionID = 0
		}
	}
}

// remove deletes an order created earlier in the same failed operation.
func (s *OrderStore) remove(id uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.orders, id)
}

// restore re-inserts persisted orders and nonces at startup.
func (s *OrderStore) restore(o *Order) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.orders[o.ID] = o
	if o.ID >= s.nextID {
		s.nextID = o.ID + 1
	}
}

func (s *OrderStore) restoreNonce(owner common.Address, nonce uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nonces[owner] = nonce
}
