package cluster

import "time"

// NodeStatus is a node's membership state.
type NodeStatus string

const (
	StatusActive     NodeStatus = "active"
	StatusFailed     NodeStatus = "failed"
	StatusRecovering NodeStatus = "recovering"
	StatusLeader     NodeStatus = "leader"
)

// Live reports whether a node in this status takes part in the cluster.
// Only failed nodes are excluded.
func (s NodeStatus) Live() bool {
	return s == StatusActive || s == StatusLeader || s == StatusRecovering
}

// DefaultWeight is the routing weight of a node that never set one.
const DefaultWeight = 1

// Node is a snapshot of one logical worker.
//
// The Registry owns the authoritative copy; every accessor returns a value
// so callers can never mutate registry state directly. Election priority
// equals ID: the higher id wins.
type Node struct {
	ID            int        `json:"id"`
	Status        NodeStatus `json:"status"`
	CurrentLoad   int        `json:"current_load"`
	Weight        int        `json:"weight"`
	LamportClock  uint64     `json:"lamport_clock"`
	LastHeartbeat time.Time  `json:"last_heartbeat"`
	JoinedAt      time.Time  `json:"joined_at"`
}

// IsLeader reports whether the node currently holds leadership.
func (n Node) IsLeader() bool {
	return n.Status == StatusLeader
}

// EffectiveWeight returns Weight, or DefaultWeight when unset.
func (n Node) EffectiveWeight() int {
	if n.Weight <= 0 {
		return DefaultWeight
	}
	return n.Weight
}
