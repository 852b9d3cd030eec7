// Package clock implements per-node Lamport logical clocks.
//
// Every logical node in the cluster owns one scalar counter. Local events
// advance the owner's counter with Tick; delivering a message stamped by
// another node advances the receiver with Receive, which applies the
// standard rule max(local, incoming) + 1. Node id 0 is reserved for the
// coordinator itself.
package clock

import (
	"sync"

	"golang.org/x/exp/maps"
)

// Lamport holds one logical clock per node id.
// Thread-safe: all methods may be called concurrently.
type Lamport struct {
	mu     sync.Mutex
	clocks map[int]uint64
}

// NewLamport creates an empty clock set. Unknown nodes start at zero.
func NewLamport() *Lamport {
	return &Lamport{clocks: make(map[int]uint64)}
}

// Tick increments nodeID's clock by one and returns the new value.
func (l *Lamport) Tick(nodeID int) uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.clocks[nodeID]++
	return l.clocks[nodeID]
}

// Receive merges an incoming timestamp into nodeID's clock and returns the
// resulting value, always strictly greater than both inputs.
func (l *Lamport) Receive(nodeID int, incoming uint64) uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()

	local := l.clocks[nodeID]
	if incoming > local {
		local = incoming
	}
	l.clocks[nodeID] = local + 1
	return l.clocks[nodeID]
}

// Now returns nodeID's current value without advancing it.
func (l *Lamport) Now(nodeID int) uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.clocks[nodeID]
}

// Snapshot returns a copy of every known clock.
func (l *Lamport) Snapshot() map[int]uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return maps.Clone(l.clocks)
}

// Sync applies Receive(max) to each of the given nodes, where max is the
// highest clock among them, and returns the per-node results.
func (l *Lamport) Sync(nodeIDs []int) map[int]uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()

	var highest uint64
	for _, id := range nodeIDs {
		if l.clocks[id] > highest {
			highest = l.clocks[id]
		}
	}

	out := make(map[int]uint64, len(nodeIDs))
	for _, id := range nodeIDs {
		l.clocks[id] = highest + 1
		out[id] = highest + 1
	}
	return out
}

// Restore raises nodeID's clock to at least ts. It never lowers a clock and
// is used to rebuild state from a persisted event log.
func (l *Lamport) Restore(nodeID int, ts uint64) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if ts > l.clocks[nodeID] {
		l.clocks[nodeID] = ts
	}
}
