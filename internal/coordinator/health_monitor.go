// Package coordinator wires the coordination components into one engine.
// This file implements heartbeat-based failure detection for live nodes.
package coordinator

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/dreamware/meridian/internal/cluster"
)

const (
	healthStatusHealthy   = "healthy"
	healthStatusUnhealthy = "unhealthy"
)

// HeartbeatSource is the part of the node registry the monitor reads.
type HeartbeatSource interface {
	List() []cluster.Node
}

// NodeHealth tracks the heartbeat health of a single node.
// Thread-safe: Protected by HealthMonitor's mutex when accessed.
type NodeHealth struct {
	LastCheck       time.Time `json:"last_check"`     // Timestamp of the last sweep that saw the node
	LastHeartbeat   time.Time `json:"last_heartbeat"` // Heartbeat time reported by the registry
	Status          string    `json:"status"`         // "healthy" or "unhealthy"
	NodeID          int       `json:"node_id"`
	MissedIntervals int       `json:"missed_intervals"` // Whole intervals since the last heartbeat
}

// HealthMonitor periodically sweeps the registry and reports live nodes
// whose last heartbeat is older than maxMisses intervals.
// Thread-safe: All methods are safe for concurrent access.
type HealthMonitor struct {
	nodes       map[int]*NodeHealth // Current health per live node
	source      HeartbeatSource     // Registry snapshot provider
	onUnhealthy func(nodeID int)    // Callback when a node misses too many heartbeats
	now         func() time.Time
	ctx         context.Context
	cancel      context.CancelFunc
	interval    time.Duration // Expected heartbeat interval and sweep period
	mu          sync.RWMutex  // Protects nodes map
	wg          sync.WaitGroup
	maxMisses   int // Missed intervals before a node is reported
}

// NewHealthMonitor creates a monitor that sweeps source every interval and
// reports a node after maxMisses missed heartbeat intervals. A maxMisses
// below 1 defaults to 3.
//
// Example:
//
//	monitor := NewHealthMonitor(registry, 5*time.Second, 3)
//	monitor.SetOnUnhealthy(func(id int) { _ = registry.MarkFailed(id) })
//	go monitor.Start(ctx)
func NewHealthMonitor(source HeartbeatSource, interval time.Duration, maxMisses int) *HealthMonitor {
	if maxMisses < 1 {
		maxMisses = 3
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &HealthMonitor{
		nodes:     make(map[int]*NodeHealth),
		source:    source,
		now:       time.Now,
		interval:  interval,
		maxMisses: maxMisses,
		ctx:       ctx,
		cancel:    cancel,
	}
}

// SetOnUnhealthy sets the function invoked when a node becomes unhealthy.
// The engine uses it to mark the node failed in the registry.
func (h *HealthMonitor) SetOnUnhealthy(callback func(nodeID int)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.onUnhealthy = callback
}

// Start runs sweeps until ctx or the monitor is cancelled. It blocks, so
// callers usually run it in its own goroutine.
func (h *HealthMonitor) Start(ctx context.Context) {
	h.wg.Add(1)
	defer h.wg.Done()

	if ctx == nil {
		ctx = h.ctx
	}

	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	log.Printf("Health monitor started with interval %v", h.interval)

	for {
		select {
		case <-ticker.C:
			h.checkAllNodes()
		case <-ctx.Done():
			log.Println("Health monitor stopping due to context cancellation")
			return
		case <-h.ctx.Done():
			log.Println("Health monitor stopping due to internal cancellation")
			return
		}
	}
}

// Stop cancels the sweep loop and waits for it to return.
func (h *HealthMonitor) Stop() {
	h.cancel()
	h.wg.Wait()
	log.Println("Health monitor stopped")
}

// checkAllNodes evaluates every live node once. Failed nodes are dropped
// from tracking; they come back when they recover.
func (h *HealthMonitor) checkAllNodes() {
	now := h.now()
	var unhealthy []int

	h.mu.Lock()
	seen := make(map[int]bool)
	for _, n := range h.source.List() {
		if !n.Status.Live() {
			continue
		}
		seen[n.ID] = true
		if h.checkNodeLocked(n, now) {
			unhealthy = append(unhealthy, n.ID)
		}
	}
	for id := range h.nodes {
		if !seen[id] {
			delete(h.nodes, id)
		}
	}
	callback := h.onUnhealthy
	h.mu.Unlock()

	if callback == nil {
		return
	}
	for _, id := range unhealthy {
		callback(id)
	}
}

// checkNodeLocked updates one node's record and reports whether it just
// crossed the miss threshold.
func (h *HealthMonitor) checkNodeLocked(n cluster.Node, now time.Time) bool {
	health, exists := h.nodes[n.ID]
	if !exists {
		health = &NodeHealth{NodeID: n.ID, Status: healthStatusHealthy}
		h.nodes[n.ID] = health
	}
	health.LastCheck = now
	health.LastHeartbeat = n.LastHeartbeat
	health.MissedIntervals = 0
	if h.interval > 0 {
		health.MissedIntervals = int(now.Sub(n.LastHeartbeat) / h.interval)
	}

	if health.MissedIntervals < h.maxMisses {
		if health.Status == healthStatusUnhealthy {
			log.Printf("Node %d heartbeat resumed", n.ID)
		}
		health.Status = healthStatusHealthy
		return false
	}

	previous := health.Status
	health.Status = healthStatusUnhealthy
	if previous != healthStatusUnhealthy {
		log.Printf("Node %d missed %d heartbeat intervals", n.ID, health.MissedIntervals)
		return true
	}
	return false
}

// GetNodeHealth returns a copy of one node's health, or nil if the node is
// not being tracked.
func (h *HealthMonitor) GetNodeHealth(nodeID int) *NodeHealth {
	h.mu.RLock()
	defer h.mu.RUnlock()

	health, exists := h.nodes[nodeID]
	if !exists {
		return nil
	}
	copied := *health
	return &copied
}

// GetAllNodeHealth returns copies of every tracked node's health.
func (h *HealthMonitor) GetAllNodeHealth() map[int]*NodeHealth {
	h.mu.RLock()
	defer h.mu.RUnlock()

	result := make(map[int]*NodeHealth, len(h.nodes))
	for id, health := range h.nodes {
		copied := *health
		result[id] = &copied
	}
	return result
}

// IsHealthy reports whether a tracked node is healthy.
func (h *HealthMonitor) IsHealthy(nodeID int) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()

	health, exists := h.nodes[nodeID]
	return exists && health.Status == healthStatusHealthy
}
