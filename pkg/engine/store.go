package engine

import "github.com/ethereum/go-ethereum/common"

// Store is the engine's write-through persistence. Implementations must be
// safe for use under the engine lock. A nil store runs the engine
// memory-only.
type Store interface {
	SavePosition(*Position) error
	SaveOrder(*Order) error
	SaveNonce(owner common.Address, nonce uint64) error
	SaveAssetConfig(AssetConfig) error
	SaveOpenInterest(symbol string, oi int64) error

	LoadPositions() ([]*Position, error)
	LoadOrders() ([]*Order, error)
	LoadNonces() (map[common.Address]uint64, error)
	LoadAssetConfigs() ([]AssetConfig, error)
	LoadOpenInterest() (map[string]int64, error)
}
