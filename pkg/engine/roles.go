package engine

import (
	"sync"

	"github.com/ethereum/go-ethereum/common"
)

// Role is a capability an identity can hold. Each role is independently
// grantable and revocable.
type Role uint8

const (
	RoleAdmin        Role = iota // risk-configuration administrator
	RoleOracleSigner             // authorized price-quote signer
	RoleRelayer                  // order-execution relayer / keeper
)

func (r Role) String() string {
	switch r {
	case RoleAdmin:
		return "admin"
	case RoleOracleSigner:
		return "oracle_signer"
	case RoleRelayer:
		return "relayer"
	default:
		return "unknown"
	}
}

// Roles is the capability set per identity. Callers pass their identity into
// every engine operation explicitly; there is no ambient caller lookup.
type Roles struct {
	mu     sync.RWMutex
	grants map[common.Address]map[Role]bool
}

// NewRoles creates a role registry with one bootstrap admin.
func NewRoles(admin common.Address) *Roles {
	r := &Roles{grants: make(map[common.Address]map[Role]bool)}
	r.grant(admin, RoleAdmin)
	return r
}

func (r *Roles) grant(addr common.Address, role Role) {
	set, ok := r.grants[addr]
	if !ok {
		set = make(map[Role]bool)
		r.grants[addr] = set
	}
	set[role] = true
}

func (r *Roles) Grant(addr common.Address, role Role) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.grant(addr, role)
}

func (r *Roles) Revoke(addr common.Address, role Role) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if set, ok := r.grants[addr]; ok {
		delete(set, role)
	}
}

func (r *Roles) Has(addr common.Address, role Role) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.grants[addr][role]
}
