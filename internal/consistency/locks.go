package consistency

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"golang.org/x/exp/slices"

	"github.com/dreamware/meridian/internal/eventlog"
	"github.com/dreamware/meridian/internal/metrics"
)

// DefaultLockTimeout bounds AcquireLock when no timeout is configured.
const DefaultLockTimeout = 5 * time.Second

// Txn identifies the transaction that holds or requests a lock.
type Txn struct {
	ID     int64 `json:"txn_id"`
	NodeID int   `json:"node_id"`
}

// Lock is a held exclusive lock.
type Lock struct {
	ResourceKey       string `json:"resource_key"`
	HolderTxnID       int64  `json:"holder_txn_id"`
	HolderNodeID      int    `json:"holder_node_id"`
	AcquiredAtLamport uint64 `json:"acquired_at_lamport"`
}

// LockTable grants at most one holder per resource key. A second Acquire
// on a held key blocks until release or timeout.
type LockTable struct {
	sem     *keyedSemaphore
	events  *eventlog.Log
	timeout time.Duration
	metrics *metrics.Metrics

	mu   sync.Mutex
	held map[string]Lock
	// released is the Lamport timestamp of each key's last release. The
	// next acquire of the key is stamped after it.
	released map[string]uint64
}

// NewLockTable creates an empty lock table.
func NewLockTable(events *eventlog.Log, timeout time.Duration, m *metrics.Metrics) *LockTable {
	if timeout <= 0 {
		timeout = DefaultLockTimeout
	}
	return &LockTable{
		sem:      newKeyedSemaphore(),
		events:   events,
		timeout:  timeout,
		metrics:  m,
		held:     make(map[string]Lock),
		released: make(map[string]uint64),
	}
}

// Acquire takes the lock on key for txn, waiting up to the table timeout.
// It fails with *LockTimeoutError past the timeout and ctx.Err() on
// cancellation; both leave the table unchanged.
func (t *LockTable) Acquire(ctx context.Context, key string, txn Txn) (Lock, error) {
	start := time.Now()
	wait, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()

	if err := t.sem.acquire(wait, key); err != nil {
		waited := time.Since(start)
		if ctx.Err() != nil {
			t.conflict(txn, key, fmt.Sprintf("Txn %d gave up waiting for lock %q", txn.ID, key), ctx.Err())
			return Lock{}, ctx.Err()
		}
		holder, _ := t.Holder(key)
		lerr := &LockTimeoutError{Key: key, Holder: holder.HolderTxnID, Waited: waited}
		t.conflict(txn, key, fmt.Sprintf("Txn %d timed out on lock %q held by txn %d", txn.ID, key, holder.HolderTxnID), lerr)
		return Lock{}, lerr
	}
	t.metrics.ObserveLockWait(time.Since(start))

	t.mu.Lock()
	after := t.released[key]
	t.mu.Unlock()
	ev := t.events.AppendAfter(after, eventlog.Event{
		OriginNodeID: txn.NodeID,
		Type:         eventlog.LockAcquired,
		Description:  fmt.Sprintf("Txn %d acquired lock %q", txn.ID, key),
		Metadata:     map[string]any{"resource_key": key, "txn_id": txn.ID},
	})
	lock := Lock{
		ResourceKey:       key,
		HolderTxnID:       txn.ID,
		HolderNodeID:      txn.NodeID,
		AcquiredAtLamport: ev.LamportTimestamp,
	}
	t.mu.Lock()
	t.held[key] = lock
	t.mu.Unlock()
	return lock, nil
}

// Release frees key if txnID holds it.
func (t *LockTable) Release(key string, txnID int64) error {
	t.mu.Lock()
	lock, ok := t.held[key]
	if !ok || lock.HolderTxnID != txnID {
		t.mu.Unlock()
		err := &LockNotHeldError{Key: key, TxnID: txnID}
		t.conflict(Txn{ID: txnID, NodeID: eventlog.CoordinatorID}, key, fmt.Sprintf("Txn %d released lock %q it does not hold", txnID, key), err)
		return err
	}
	delete(t.held, key)
	t.mu.Unlock()

	ev := t.events.Append(eventlog.Event{
		OriginNodeID: lock.HolderNodeID,
		Type:         eventlog.LockReleased,
		Description:  fmt.Sprintf("Txn %d released lock %q", txnID, key),
		Metadata:     map[string]any{"resource_key": key, "txn_id": txnID},
	})
	t.mu.Lock()
	t.released[key] = ev.LamportTimestamp
	t.mu.Unlock()
	t.sem.release(key)
	return nil
}

// Holder returns the lock on key, if held.
func (t *LockTable) Holder(key string) (Lock, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	l, ok := t.held[key]
	return l, ok
}

// Held returns every held lock sorted by key.
func (t *LockTable) Held() []Lock {
	t.mu.Lock()
	out := make([]Lock, 0, len(t.held))
	for _, l := range t.held {
		out = append(out, l)
	}
	t.mu.Unlock()
	slices.SortFunc(out, func(a, b Lock) int {
		switch {
		case a.ResourceKey < b.ResourceKey:
			return -1
		case a.ResourceKey > b.ResourceKey:
			return 1
		}
		return 0
	})
	return out
}

// Rebuild restores held locks from an event history in log order: every
// LockAcquired without a later matching LockReleased is held again.
func (t *LockTable) Rebuild(events []eventlog.Event) {
	held := make(map[string]Lock)
	for _, ev := range events {
		key, _ := ev.Metadata["resource_key"].(string)
		if key == "" {
			continue
		}
		txnID := metaInt64(ev.Metadata["txn_id"])
		switch ev.Type {
		case eventlog.LockAcquired:
			held[key] = Lock{
				ResourceKey:       key,
				HolderTxnID:       txnID,
				HolderNodeID:      ev.OriginNodeID,
				AcquiredAtLamport: ev.LamportTimestamp,
			}
		case eventlog.LockReleased:
			if l, ok := held[key]; ok && l.HolderTxnID == txnID {
				delete(held, key)
			}
			t.mu.Lock()
			t.released[key] = max(t.released[key], ev.LamportTimestamp)
			t.mu.Unlock()
		}
	}

	for key, l := range held {
		if !t.sem.tryAcquire(key) {
			continue
		}
		t.mu.Lock()
		t.held[key] = l
		t.mu.Unlock()
		log.Printf("Restored lock %q held by txn %d", key, l.HolderTxnID)
	}
}

func (t *LockTable) conflict(txn Txn, key, desc string, err error) {
	t.events.Append(eventlog.Event{
		OriginNodeID: txn.NodeID,
		Type:         eventlog.ConsistencyConflict,
		Severity:     eventlog.Error,
		Description:  desc,
		Metadata:     map[string]any{"resource_key": key, "txn_id": txn.ID, "error": err.Error()},
	})
}

// metaInt64 reads an integer metadata value, including one that went through
// a JSON round trip.
func metaInt64(v any) int64 {
	switch n := v.(type) {
	case int64:
		return n
	case int:
		return int64(n)
	case float64:
		return int64(n)
	case json.Number:
		i, _ := n.Int64()
		return i
	}
	return 0
}
