package storage

import (
	"errors"
	"sync"

	"golang.org/x/exp/slices"
)

// ErrKeyNotFound is returned when a key doesn't exist in the store
var ErrKeyNotFound = errors.New("key not found")

// Record is one versioned value.
// Version increases by one on every committed write to the key; Timestamp is
// the Lamport timestamp of the commit that produced it.
type Record struct {
	Value     []byte `json:"value"`
	Version   uint64 `json:"version"`
	Timestamp uint64 `json:"timestamp"`
}

// Newer reports whether r supersedes other. Records order by version, then
// by commit timestamp, so two commits that were issued the same version
// while their holders were partitioned still converge on one value.
func (r Record) Newer(other Record) bool {
	if r.Version != other.Version {
		return r.Version > other.Version
	}
	return r.Timestamp > other.Timestamp
}

func (r Record) clone() Record {
	if r.Value != nil {
		r.Value = slices.Clone(r.Value)
	}
	return r
}

// Store defines the interface for a node's versioned key-value data.
// All implementations must be thread-safe for concurrent access
type Store interface {
	// Get retrieves the current record for key
	// Returns ErrKeyNotFound if the key doesn't exist
	Get(key string) (Record, error)

	// Apply stores rec if it is newer than the current record
	// Reports whether the store changed
	Apply(key string, rec Record) bool

	// Keys returns all keys in the store, sorted
	Keys() []string

	// Snapshot returns a copy of every record
	Snapshot() map[string]Record

	// Stats returns storage statistics
	Stats() StoreStats
}

// StoreStats contains statistics about the store
type StoreStats struct {
	Keys  int `json:"keys"`  // Number of keys
	Bytes int `json:"bytes"` // Total size of all values in bytes
}

// MemoryStore implements Store with in-memory storage
// Uses sync.RWMutex for thread-safe concurrent access
type MemoryStore struct {
	mu   sync.RWMutex
	data map[string]Record
}

// NewMemoryStore creates a new in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		data: make(map[string]Record),
	}
}

// Get returns a copy of the record so callers cannot modify stored bytes
func (m *MemoryStore) Get(key string) (Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	rec, exists := m.data[key]
	if !exists {
		return Record{}, ErrKeyNotFound
	}
	return rec.clone(), nil
}

// Version returns the current version of key, or 0 if absent.
func (m *MemoryStore) Version(key string) uint64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.data[key].Version
}

// Apply stores a copy of rec when it is newer than the stored record.
// Replays and out-of-order replication copies are ignored.
func (m *MemoryStore) Apply(key string, rec Record) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if cur, ok := m.data[key]; ok && !rec.Newer(cur) {
		return false
	}
	m.data[key] = rec.clone()
	return true
}

// Keys returns all keys in the store in sorted order
func (m *MemoryStore) Keys() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	keys := make([]string, 0, len(m.data))
	for k := range m.data {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}

// Snapshot returns a deep copy of the store's contents
func (m *MemoryStore) Snapshot() map[string]Record {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make(map[string]Record, len(m.data))
	for k, rec := range m.data {
		out[k] = rec.clone()
	}
	return out
}

// Stats returns storage statistics
func (m *MemoryStore) Stats() StoreStats {
	m.mu.RLock()
	defer m.mu.RUnlock()

	totalBytes := 0
	for _, rec := range m.data {
		totalBytes += len(rec.Value)
	}

	return StoreStats{
		Keys:  len(m.data),
		Bytes: totalBytes,
	}
}

// NodeStores holds one MemoryStore per node id. Stores are created on first
// use and survive node failure, so a recovering node keeps its stale data
// until a resync brings it forward.
type NodeStores struct {
	mu     sync.RWMutex
	stores map[int]*MemoryStore
}

// NewNodeStores creates an empty store set.
func NewNodeStores() *NodeStores {
	return &NodeStores{stores: make(map[int]*MemoryStore)}
}

// For returns the store of nodeID, creating it if needed.
func (s *NodeStores) For(nodeID int) *MemoryStore {
	s.mu.RLock()
	st, ok := s.stores[nodeID]
	s.mu.RUnlock()
	if ok {
		return st
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if st, ok = s.stores[nodeID]; !ok {
		st = NewMemoryStore()
		s.stores[nodeID] = st
	}
	return st
}

// Latest returns the newest record of key held by any store, including the
// stores of failed nodes.
func (s *NodeStores) Latest(key string) (Record, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var (
		best  Record
		found bool
	)
	for _, st := range s.stores {
		rec, err := st.Get(key)
		if err != nil {
			continue
		}
		if !found || rec.Newer(best) {
			best, found = rec, true
		}
	}
	return best, found
}

// Stats returns per-node statistics for every store created so far.
func (s *NodeStores) Stats() map[int]StoreStats {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[int]StoreStats, len(s.stores))
	for id, st := range s.stores {
		out[id] = st.Stats()
	}
	return out
}
