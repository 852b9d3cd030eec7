package cluster

import (
	"fmt"
	"log"
	"sync"
	"time"

	"golang.org/x/exp/slices"

	"github.com/dreamware/meridian/internal/eventlog"
	"github.com/dreamware/meridian/internal/metrics"
)

// NodeSink persists node snapshots after every mutation.
type NodeSink interface {
	SaveNode(n Node) error
}

// RegistryConfig holds optional Registry settings.
type RegistryConfig struct {
	// MaxLoad is the per-node load above which a NodeOverloaded warning is
	// recorded. Zero disables the check.
	MaxLoad int
	Metrics *metrics.Metrics
}

// Registry tracks cluster membership, health, and load.
//
// Every mutation appends an event to the log before returning, so the
// registry's history is fully visible in the causal log. Status changes are
// the only mutation surface: nodes are never removed.
//
// Thread-safe: all methods may be called concurrently. Hooks and sinks are
// invoked without holding the registry lock.
type Registry struct {
	mu      sync.RWMutex
	nodes   map[int]*Node
	order   []int // join order, for display
	events  *eventlog.Log
	sink    NodeSink
	maxLoad int
	metrics *metrics.Metrics
	now     func() time.Time

	onLeaderLost func(nodeID int, cause uint64)
	onFailed     func(nodeID int)
	onLive       func(nodeID int)
}

// NewRegistry creates an empty registry recording into events.
func NewRegistry(events *eventlog.Log, cfg RegistryConfig) *Registry {
	return &Registry{
		nodes:   make(map[int]*Node),
		events:  events,
		maxLoad: cfg.MaxLoad,
		metrics: cfg.Metrics,
		now:     time.Now,
	}
}

// SetSink attaches a persistence sink for node snapshots.
func (r *Registry) SetSink(s NodeSink) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sink = s
}

// SetOnLeaderLost sets the callback run after the current leader is marked
// failed. cause is the Lamport timestamp of the NodeFailed event so the
// callback can order its own events after it.
func (r *Registry) SetOnLeaderLost(fn func(nodeID int, cause uint64)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onLeaderLost = fn
}

// SetOnFailed sets the callback run after any node is marked failed.
func (r *Registry) SetOnFailed(fn func(nodeID int)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onFailed = fn
}

// SetOnLive sets the callback run after a node joins or starts recovering.
func (r *Registry) SetOnLive(fn func(nodeID int)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onLive = fn
}

// Join registers a new node in the Active state.
//
// Returns:
//   - the new node snapshot
//   - *DuplicateNodeError if the id is already registered
//   - ErrInvalidNodeID if id < 1
func (r *Registry) Join(id int) (Node, error) {
	if id < 1 {
		r.reject(eventlog.NodeJoined, id, ErrInvalidNodeID)
		return Node{}, ErrInvalidNodeID
	}

	r.mu.Lock()
	if _, exists := r.nodes[id]; exists {
		r.mu.Unlock()
		err := &DuplicateNodeError{NodeID: id}
		r.reject(eventlog.NodeJoined, id, err)
		return Node{}, err
	}
	now := r.now()
	n := &Node{
		ID:            id,
		Status:        StatusActive,
		Weight:        DefaultWeight,
		LastHeartbeat: now,
		JoinedAt:      now,
	}
	r.nodes[id] = n
	r.order = append(r.order, id)
	r.mu.Unlock()

	r.events.Append(eventlog.Event{
		OriginNodeID: id,
		Type:         eventlog.NodeJoined,
		Description:  fmt.Sprintf("Node %d joined the cluster", id),
	})
	log.Printf("Node %d joined", id)

	snap := r.commit(id)
	if fn := r.liveHook(); fn != nil {
		fn(id)
	}
	return snap, nil
}

// MarkFailed moves a node to Failed. Failing the leader clears leadership
// and runs the leader-lost callback. Failing an already failed node is a
// no-op.
func (r *Registry) MarkFailed(id int) error {
	r.mu.Lock()
	n, ok := r.nodes[id]
	if !ok {
		r.mu.Unlock()
		err := &NodeNotFoundError{NodeID: id}
		r.reject(eventlog.NodeFailed, id, err)
		return err
	}
	if n.Status == StatusFailed {
		r.mu.Unlock()
		return nil
	}
	wasLeader := n.Status == StatusLeader
	n.Status = StatusFailed
	r.mu.Unlock()

	desc := fmt.Sprintf("Node %d failed", id)
	if wasLeader {
		desc = fmt.Sprintf("Leader node %d failed", id)
	}
	ev := r.events.Append(eventlog.Event{
		OriginNodeID: id,
		Type:         eventlog.NodeFailed,
		Severity:     eventlog.Warning,
		Description:  desc,
		Metadata:     map[string]any{"was_leader": wasLeader},
	})
	log.Printf("Node %d marked as failed (leader=%t)", id, wasLeader)
	r.commit(id)

	r.mu.RLock()
	onFailed, onLeaderLost := r.onFailed, r.onLeaderLost
	r.mu.RUnlock()
	if onFailed != nil {
		onFailed(id)
	}
	if wasLeader && onLeaderLost != nil {
		onLeaderLost(id, ev.LamportTimestamp)
	}
	return nil
}

// Recover moves a failed node to Recovering. The node becomes Active again
// after a heartbeat or a completed resync (see CompleteRecovery).
// Recovering a node that is not failed is a no-op.
func (r *Registry) Recover(id int) error {
	r.mu.Lock()
	n, ok := r.nodes[id]
	if !ok {
		r.mu.Unlock()
		err := &NodeNotFoundError{NodeID: id}
		r.reject(eventlog.NodeRecovered, id, err)
		return err
	}
	if n.Status != StatusFailed {
		r.mu.Unlock()
		return nil
	}
	n.Status = StatusRecovering
	n.LastHeartbeat = r.now()
	r.mu.Unlock()

	r.events.Append(eventlog.Event{
		OriginNodeID: id,
		Type:         eventlog.NodeRecovered,
		Description:  fmt.Sprintf("Node %d recovering", id),
		Metadata:     map[string]any{"status": string(StatusRecovering)},
	})
	log.Printf("Node %d recovering", id)
	r.commit(id)

	if fn := r.liveHook(); fn != nil {
		fn(id)
	}
	return nil
}

// CompleteRecovery moves a Recovering node to Active. Nodes in any other
// state are left untouched.
func (r *Registry) CompleteRecovery(id int) error {
	r.mu.Lock()
	n, ok := r.nodes[id]
	if !ok {
		r.mu.Unlock()
		err := &NodeNotFoundError{NodeID: id}
		r.reject(eventlog.NodeRecovered, id, err)
		return err
	}
	if n.Status != StatusRecovering {
		r.mu.Unlock()
		return nil
	}
	n.Status = StatusActive
	r.mu.Unlock()

	r.events.Append(eventlog.Event{
		OriginNodeID: id,
		Type:         eventlog.NodeRecovered,
		Description:  fmt.Sprintf("Node %d back in service", id),
		Metadata:     map[string]any{"status": string(StatusActive)},
	})
	log.Printf("Node %d recovered and is now active", id)
	r.commit(id)
	return nil
}

// Heartbeat refreshes a node's LastHeartbeat and completes a pending
// recovery. Failed nodes must Recover first. A heartbeat that changes no
// status records no event.
func (r *Registry) Heartbeat(id int) (Node, error) {
	r.mu.Lock()
	n, ok := r.nodes[id]
	if !ok {
		r.mu.Unlock()
		err := &NodeNotFoundError{NodeID: id}
		r.reject(eventlog.RequestFailed, id, err)
		return Node{}, err
	}
	if n.Status == StatusFailed {
		r.mu.Unlock()
		err := &NodeNotLiveError{NodeID: id, Status: n.Status}
		r.reject(eventlog.RequestFailed, id, err)
		return Node{}, err
	}
	n.LastHeartbeat = r.now()
	recovering := n.Status == StatusRecovering
	r.mu.Unlock()

	if recovering {
		if err := r.CompleteRecovery(id); err != nil {
			return Node{}, err
		}
	}
	return r.commit(id), nil
}

// UpdateLoad sets a node's current load.
func (r *Registry) UpdateLoad(id, load int) (Node, error) {
	if load < 0 {
		err := fmt.Errorf("load must be >= 0, got %d", load)
		r.reject(eventlog.LoadUpdated, id, err)
		return Node{}, err
	}
	return r.changeLoad(id, func(int) int { return load })
}

// AddLoad adjusts a node's load by delta, flooring at zero.
func (r *Registry) AddLoad(id, delta int) (Node, error) {
	return r.changeLoad(id, func(cur int) int {
		if cur+delta < 0 {
			return 0
		}
		return cur + delta
	})
}

func (r *Registry) changeLoad(id int, next func(int) int) (Node, error) {
	r.mu.Lock()
	n, ok := r.nodes[id]
	if !ok {
		r.mu.Unlock()
		err := &NodeNotFoundError{NodeID: id}
		r.reject(eventlog.LoadUpdated, id, err)
		return Node{}, err
	}
	prev := n.CurrentLoad
	n.CurrentLoad = next(prev)
	load := n.CurrentLoad
	r.mu.Unlock()

	ev := eventlog.Event{
		OriginNodeID: id,
		Type:         eventlog.LoadUpdated,
		Description:  fmt.Sprintf("Node %d load %d -> %d", id, prev, load),
		Metadata:     map[string]any{"previous": prev, "load": load},
	}
	if r.maxLoad > 0 && load > r.maxLoad {
		ev.Type = eventlog.NodeOverloaded
		ev.Severity = eventlog.Warning
		ev.Description = fmt.Sprintf("Node %d over capacity: load %d exceeds %d", id, load, r.maxLoad)
		ev.Metadata["capacity"] = r.maxLoad
	}
	r.events.Append(ev)
	r.metrics.SetNodeLoad(id, load)
	return r.commit(id), nil
}

// SetWeight sets a node's routing weight; values below 1 reset it to
// DefaultWeight.
func (r *Registry) SetWeight(id, weight int) (Node, error) {
	if weight < 1 {
		weight = DefaultWeight
	}
	r.mu.Lock()
	n, ok := r.nodes[id]
	if !ok {
		r.mu.Unlock()
		err := &NodeNotFoundError{NodeID: id}
		r.reject(eventlog.LoadUpdated, id, err)
		return Node{}, err
	}
	n.Weight = weight
	r.mu.Unlock()

	r.events.Append(eventlog.Event{
		OriginNodeID: id,
		Type:         eventlog.LoadUpdated,
		Description:  fmt.Sprintf("Node %d weight set to %d", id, weight),
		Metadata:     map[string]any{"weight": weight},
	})
	return r.commit(id), nil
}

// Promote makes id the sole leader and demotes any previous leader to
// Active. It returns the previous leader's id, or 0. The caller records the
// LeaderElected event.
func (r *Registry) Promote(id int) (int, error) {
	r.mu.Lock()
	n, ok := r.nodes[id]
	if !ok {
		r.mu.Unlock()
		err := &NodeNotFoundError{NodeID: id}
		r.reject(eventlog.ElectionFailed, id, err)
		return 0, err
	}
	if !n.Status.Live() {
		r.mu.Unlock()
		err := &NodeNotLiveError{NodeID: id, Status: n.Status}
		r.reject(eventlog.ElectionFailed, id, err)
		return 0, err
	}

	previous := 0
	var changed []int
	for _, other := range r.nodes {
		if other.ID != id && other.Status == StatusLeader {
			previous = other.ID
			other.Status = StatusActive
			changed = append(changed, other.ID)
		}
	}
	n.Status = StatusLeader
	changed = append(changed, id)
	r.mu.Unlock()

	for _, cid := range changed {
		r.commit(cid)
	}
	return previous, nil
}

// Get returns a snapshot of one node.
func (r *Registry) Get(id int) (Node, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	n, ok := r.nodes[id]
	if !ok {
		return Node{}, &NodeNotFoundError{NodeID: id}
	}
	return r.snapshotLocked(n), nil
}

// List returns every node in join order.
func (r *Registry) List() []Node {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Node, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.snapshotLocked(r.nodes[id]))
	}
	return out
}

// ListActive returns every node that is not failed, sorted by id.
func (r *Registry) ListActive() []Node {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Node, 0, len(r.nodes))
	for _, n := range r.nodes {
		if n.Status.Live() {
			out = append(out, r.snapshotLocked(n))
		}
	}
	slices.SortFunc(out, func(a, b Node) int { return a.ID - b.ID })
	return out
}

// LiveIDs returns the ids of ListActive.
func (r *Registry) LiveIDs() []int {
	nodes := r.ListActive()
	ids := make([]int, len(nodes))
	for i, n := range nodes {
		ids[i] = n.ID
	}
	return ids
}

// IsLive reports whether id is registered and not failed.
func (r *Registry) IsLive(id int) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	n, ok := r.nodes[id]
	return ok && n.Status.Live()
}

// Leader returns the current leader, if any.
func (r *Registry) Leader() (Node, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, n := range r.nodes {
		if n.Status == StatusLeader {
			return r.snapshotLocked(n), true
		}
	}
	return Node{}, false
}

// Restore loads persisted nodes without recording events. Nodes already
// present are overwritten.
func (r *Registry) Restore(nodes []Node) {
	r.mu.Lock()
	for _, n := range nodes {
		copied := n
		if _, exists := r.nodes[n.ID]; !exists {
			r.order = append(r.order, n.ID)
		}
		r.nodes[n.ID] = &copied
		r.events.Clock().Restore(n.ID, n.LamportClock)
	}
	r.mu.Unlock()
	r.publish()
}

func (r *Registry) snapshotLocked(n *Node) Node {
	snap := *n
	snap.LamportClock = r.events.Clock().Now(n.ID)
	return snap
}

// commit persists id's snapshot, refreshes gauges, and returns the snapshot.
func (r *Registry) commit(id int) Node {
	r.mu.RLock()
	snap := r.snapshotLocked(r.nodes[id])
	sink := r.sink
	r.mu.RUnlock()

	if sink != nil {
		if err := sink.SaveNode(snap); err != nil {
			log.Printf("registry: persist node %d failed: %v", id, err)
		}
	}
	r.publish()
	return snap
}

func (r *Registry) publish() {
	if r.metrics == nil {
		return
	}
	r.mu.RLock()
	total, live, leader := len(r.nodes), 0, 0
	for _, n := range r.nodes {
		if n.Status.Live() {
			live++
		}
		if n.Status == StatusLeader {
			leader = n.ID
		}
	}
	r.mu.RUnlock()
	r.metrics.SetMembership(total, live, leader)
}

func (r *Registry) liveHook() func(int) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.onLive
}

// reject records a failed registry operation before it is returned.
func (r *Registry) reject(t eventlog.Type, id int, err error) {
	r.events.Append(eventlog.Event{
		OriginNodeID: eventlog.CoordinatorID,
		Type:         t,
		Severity:     eventlog.Error,
		Description:  fmt.Sprintf("Rejected %s for node %d: %v", t, id, err),
		Metadata:     map[string]any{"node_id": id, "error": err.Error()},
	})
}
