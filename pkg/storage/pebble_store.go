// Package storage is the pebble-backed persistence layer. Values are JSON;
// keys are short prefixes plus a fixed-width or address suffix so each record
// family scans as one contiguous range.
package storage

import (
	"encoding/binary"
	"encoding/json"
	"fmt"

	"github.com/cockroachdb/pebble"
	"github.com/ethereum/go-ethereum/common"

	"github.com/openlev/leverd/pkg/bank"
	"github.com/openlev/leverd/pkg/engine"
)

type PebbleStore struct {
	db *pebble.DB
}

func NewPebbleStore(path string) (*PebbleStore, error) {
	db, err := pebble.Open(path, &pebble.Options{})
	if err != nil {
		return nil, err
	}
	return &PebbleStore{db: db}, nil
}

func (s *PebbleStore) Close() error { return s.db.Close() }

// keys: p:<8-byte-id>, o:<8-byte-id>, n:<20-byte-addr>, rc:<symbol>,
// oi:<symbol>, v:<20-byte-addr>, vp, vt
func kPosition(id uint64) []byte        { return append([]byte("p:"), u64Key(id)...) }
func kOrder(id uint64) []byte           { return append([]byte("o:"), u64Key(id)...) }
func kNonce(a common.Address) []byte    { return append([]byte("n:"), a.Bytes()...) }
func kAssetConfig(sym string) []byte    { return append([]byte("rc:"), sym...) }
func kOpenInterest(sym string) []byte   { return append([]byte("oi:"), sym...) }
func kBalance(a common.Address) []byte  { return append([]byte("v:"), a.Bytes()...) }
func kPool() []byte                     { return []byte("vp") }
func kTreasury() []byte                 { return []byte("vt") }

func u64Key(v uint64) []byte {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], v)
	return b[:]
}

// keyUpperBound returns the smallest key greater than every key with the
// given prefix.
func keyUpperBound(prefix []byte) []byte {
	end := make([]byte, len(prefix))
	copy(end, prefix)
	for i := len(end) - 1; i >= 0; i-- {
		end[i]++
		if end[i] != 0 {
			return end[:i+1]
		}
	}
	return nil
}

func (s *PebbleStore) setJSON(key []byte, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}
	if err := s.db.Set(key, data, pebble.Sync); err != nil {
		return fmt.Errorf("set: %w", err)
	}
	return nil
}

func (s *PebbleStore) setInt64(key []byte, v int64) error {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], uint64(v))
	if err := s.db.Set(key, b[:], pebble.Sync); err != nil {
		return fmt.Errorf("set: %w", err)
	}
	return nil
}

func (s *PebbleStore) getInt64(key []byte) (int64, error) {
	data, closer, err := s.db.Get(key)
	if err == pebble.ErrNotFound {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	defer closer.Close()
	return int64(binary.BigEndian.Uint64(data)), nil
}

// ---- engine.Store ----

func (s *PebbleStore) SavePosition(pos *engine.Position) error {
	return s.setJSON(kPosition(pos.ID), pos)
}

func (s *PebbleStore) SaveOrder(o *engine.Order) error {
	return s.setJSON(kOrder(o.ID), o)
}

func (s *PebbleStore) SaveNonce(owner common.Address, nonce uint64) error {
	if err := s.db.Set(kNonce(owner), u64Key(nonce), pebble.Sync); err != nil {
		return fmt.Errorf("set nonce: %w", err)
	}
	return nil
}

func (s *PebbleStore) SaveAssetConfig(cfg engine.AssetConfig) error {
	return s.setJSON(kAssetConfig(cfg.Symbol), cfg)
}

func (s *PebbleStore) SaveOpenInterest(symbol string, oi int64) error {
	return s.setInt64(kOpenInterest(symbol), oi)
}

func (s *PebbleStore) LoadPositions() ([]*engine.Position, error) {
	prefix := []byte("p:")
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: keyUpperBound(prefix),
	})
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	var out []*engine.Position
	for iter.First(); iter.Valid(); iter.Next() {
		var pos engine.Position
		if err := json.Unmarshal(iter.Value(), &pos); err != nil {
			continue // skip invalid entries
		}
		out = append(out, &pos)
	}
	return out, nil
}

func (s *PebbleStore) LoadOrders() ([]*engine.Order, error) {
	prefix := []byte("o:")
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: keyUpperBound(prefix),
	})
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	var out []*engine.Order
	for iter.First(); iter.Valid(); iter.Next() {
		var o engine.Order
		if err := json.Unmarshal(iter.Value(), &o); err != nil {
			continue
		}
		out = append(out, &o)
	}
	return out, nil
}

func (s *PebbleStore) LoadNonces() (map[common.Address]uint64, error) {
	prefix := []byte("n:")
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: keyUpperBound(prefix),
	})
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	out := make(map[common.Address]uint64)
	for iter.First(); iter.Valid(); iter.Next() {
		key := iter.Key()
		if len(key) != len(prefix)+common.AddressLength || len(iter.Value()) != 8 {
			continue
		}
		addr := common.BytesToAddress(key[len(prefix):])
		out[addr] = binary.BigEndian.Uint64(iter.Value())
	}
	return out, nil
}

func (s *PebbleStore) LoadAssetConfigs() ([]engine.AssetConfig, error) {
	prefix := []byte("rc:")
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: keyUpperBound(prefix),
	})
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	var out []engine.AssetConfig
	for iter.First(); iter.Valid(); iter.Next() {
		var cfg engine.AssetConfig
		if err := json.Unmarshal(iter.Value(), &cfg); err != nil {
			continue
		}
		out = append(out, cfg)
	}
	return out, nil
}

func (s *PebbleStore) LoadOpenInterest() (map[string]int64, error) {
	prefix := []byte("oi:")
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: keyUpperBound(prefix),
	})
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	out := make(map[string]int64)
	for iter.First(); iter.Valid(); iter.Next() {
		if len(iter.Value()) != 8 {
			continue
		}
		symbol := string(iter.Key()[len(prefix):])
		out[symbol] = int64(binary.BigEndian.Uint64(iter.Value()))
	}
	return out, nil
}

// ---- bank.BalanceStore ----

func (s *PebbleStore) SaveBalance(addr common.Address, balance int64) error {
	return s.setInt64(kBalance(addr), balance)
}

func (s *PebbleStore) SavePool(pool int64) error { return s.setInt64(kPool(), pool) }

func (s *PebbleStore) SaveTreasury(treasury int64) error { return s.setInt64(kTreasury(), treasury) }

func (s *PebbleStore) LoadBalances() (map[common.Address]int64, error) {
	prefix := []byte("v:")
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: keyUpperBound(prefix),
	})
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	out := make(map[common.Address]int64)
	for iter.First(); iter.Valid(); iter.Next() {
		key := iter.Key()
		if len(key) != len(prefix)+common.AddressLength || len(iter.Value()) != 8 {
			continue
		}
		addr := common.BytesToAddress(key[len(prefix):])
		out[addr] = int64(binary.BigEndian.Uint64(iter.Value()))
	}
	return out, nil
}

func (s *PebbleStore) LoadPool() (int64, error) { return s.getInt64(kPool()) }

func (s *PebbleStore) LoadTreasury() (int64, error) { return s.getInt64(kTreasury()) }

var (
	_ engine.Store      = (*PebbleStore)(nil)
	_ bank.BalanceStore = (*PebbleStore)(nil)
)
