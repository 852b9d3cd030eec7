package consistency

import (
	"fmt"
	"strings"
	"time"
)

// Mode selects how many nodes must take part in a read or write.
type Mode string

const (
	// Strong writes reach every live node; reads go to the leader.
	Strong Mode = "strong"
	// Eventual writes apply on one node and replicate asynchronously.
	Eventual Mode = "eventual"
	// Quorum operations need floor(N/2)+1 of N live nodes.
	Quorum Mode = "quorum"
)

// ParseMode accepts a mode name in any case.
func ParseMode(s string) (Mode, error) {
	switch m := Mode(strings.ToLower(strings.TrimSpace(s))); m {
	case Strong, Eventual, Quorum:
		return m, nil
	}
	return "", fmt.Errorf("unknown consistency mode %q", s)
}

// QuorumSize returns floor(n/2)+1.
func QuorumSize(n int) int {
	return n/2 + 1
}

// UnavailableError is returned when a Strong operation cannot proceed,
// or when no node can serve an Eventual one.
type UnavailableError struct {
	Reason string
}

func (e *UnavailableError) Error() string {
	return "unavailable: " + e.Reason
}

// QuorumUnreachableError is returned when fewer than Required nodes
// acknowledged a Quorum operation.
type QuorumUnreachableError struct {
	Required int
	Acked    int
	Active   int
}

func (e *QuorumUnreachableError) Error() string {
	return fmt.Sprintf("quorum unreachable: %d of %d required acknowledgements (%d active)", e.Acked, e.Required, e.Active)
}

// VersionConflictError is returned when a write's expected version is stale.
type VersionConflictError struct {
	Key      string
	Expected uint64
	Current  uint64
}

func (e *VersionConflictError) Error() string {
	return fmt.Sprintf("version conflict on %q: expected %d, current %d", e.Key, e.Expected, e.Current)
}

// LockTimeoutError is returned when a lock is not acquired in time.
type LockTimeoutError struct {
	Key    string
	Holder int64
	Waited time.Duration
}

func (e *LockTimeoutError) Error() string {
	return fmt.Sprintf("lock on %q not acquired after %v (held by txn %d)", e.Key, e.Waited, e.Holder)
}

// LockNotHeldError is returned when releasing a lock the txn does not hold.
type LockNotHeldError struct {
	Key   string
	TxnID int64
}

func (e *LockNotHeldError) Error() string {
	return fmt.Sprintf("txn %d does not hold lock %q", e.TxnID, e.Key)
}
