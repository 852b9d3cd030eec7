package eventlog

import (
	"strings"
	"time"
)

// Type names the kind of coordination event.
type Type string

const (
	NodeJoined          Type = "node_joined"
	NodeFailed          Type = "node_failed"
	NodeRecovered       Type = "node_recovered"
	ElectionStarted     Type = "election_started"
	LeaderElected       Type = "leader_elected"
	LockAcquired        Type = "lock_acquired"
	LockReleased        Type = "lock_released"
	ReplicationSync     Type = "replication_sync"
	ConsistencyConflict Type = "consistency_conflict"

	ElectionFailed         Type = "election_failed"
	WriteCommitted         Type = "write_committed"
	RequestFailed          Type = "request_failed"
	ConsistencyModeChanged Type = "consistency_mode_changed"
	StrategyChanged        Type = "strategy_changed"
	ClockSynced            Type = "clock_synced"
	LoadUpdated            Type = "load_updated"
	NodeOverloaded         Type = "node_overloaded"
)

// Severity grades an event for filtering and alerting.
type Severity string

const (
	Info     Severity = "info"
	Warning  Severity = "warning"
	Error    Severity = "error"
	Critical Severity = "critical"
)

// CoordinatorID is the origin used for events no single node owns.
const CoordinatorID = 0

// Event is an immutable entry in the coordination log.
//
// Events are totally ordered by (LamportTimestamp, OriginNodeID). Timestamp
// is the wall-clock time of the append and is only used for range filters.
type Event struct {
	LamportTimestamp uint64         `json:"lamport_timestamp"`
	OriginNodeID     int            `json:"origin_node_id"`
	Type             Type           `json:"type"`
	Severity         Severity       `json:"severity"`
	Description      string         `json:"description"`
	Metadata         map[string]any `json:"metadata,omitempty"`
	Timestamp        time.Time      `json:"timestamp"`
}

// Less reports whether e sorts before o in the log's total order.
func (e Event) Less(o Event) bool {
	if e.LamportTimestamp != o.LamportTimestamp {
		return e.LamportTimestamp < o.LamportTimestamp
	}
	return e.OriginNodeID < o.OriginNodeID
}

// Filter selects events from a Query. Zero-valued fields match everything.
type Filter struct {
	NodeID   *int      // origin node
	Type     Type      // exact type
	Severity Severity  // exact severity
	Text     string    // case-insensitive substring of Description
	Start    time.Time // inclusive lower bound on Timestamp
	End      time.Time // inclusive upper bound on Timestamp
	Limit    int       // keep only the most recent Limit matches
}

// Match reports whether e satisfies every set field of f. Limit is ignored.
func (f Filter) Match(e Event) bool {
	if f.NodeID != nil && e.OriginNodeID != *f.NodeID {
		return false
	}
	if f.Type != "" && e.Type != f.Type {
		return false
	}
	if f.Severity != "" && e.Severity != f.Severity {
		return false
	}
	if f.Text != "" && !strings.Contains(strings.ToLower(e.Description), strings.ToLower(f.Text)) {
		return false
	}
	if !f.Start.IsZero() && e.Timestamp.Before(f.Start) {
		return false
	}
	if !f.End.IsZero() && e.Timestamp.After(f.End) {
		return false
	}
	return true
}
