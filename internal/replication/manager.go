// Package replication propagates committed writes from the primary to the
// other live nodes and tracks each replica's sync state and lag.
package replication

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"golang.org/x/exp/slices"

	"github.com/dreamware/meridian/internal/cluster"
	"github.com/dreamware/meridian/internal/consistency"
	"github.com/dreamware/meridian/internal/eventlog"
	"github.com/dreamware/meridian/internal/metrics"
	"github.com/dreamware/meridian/internal/storage"
)

// SyncStatus is a replica's replication state.
type SyncStatus string

const (
	Synced       SyncStatus = "synced"
	Syncing      SyncStatus = "syncing"
	Lagging      SyncStatus = "lagging"
	Disconnected SyncStatus = "disconnected"
)

// ErrUnreachable is returned by a Transport that cannot reach its target.
var ErrUnreachable = errors.New("replica unreachable")

// ReplicaUnreachableError is returned by TriggerFullResync for a node that
// is not live.
type ReplicaUnreachableError struct {
	NodeID int
	Reason string
}

func (e *ReplicaUnreachableError) Error() string {
	return fmt.Sprintf("replica %d unreachable: %s", e.NodeID, e.Reason)
}

// Membership is the part of the node registry the manager needs.
type Membership interface {
	ListActive() []cluster.Node
	Get(id int) (cluster.Node, error)
	IsLive(id int) bool
	Leader() (cluster.Node, bool)
	CompleteRecovery(id int) error
}

// Transport copies one record to a replica. It returns ErrUnreachable when
// the replica cannot be reached and must honor ctx.
type Transport func(ctx context.Context, nodeID int, key string, rec storage.Record) error

// ReplicaState is one replica's sync state.
type ReplicaState struct {
	NodeID           int        `json:"node_id"`
	SyncStatus       SyncStatus `json:"sync_status"`
	ReplicationLagMs int64      `json:"replication_lag_ms"`
	MissedWindows    int        `json:"missed_windows"`
	LastSync         time.Time  `json:"last_sync,omitempty"`
}

// Status is the primary and its replicas.
type Status struct {
	PrimaryID int            `json:"primary_id"`
	Replicas  []ReplicaState `json:"replicas"`
}

// Config holds manager settings.
type Config struct {
	// Window is how long a replica has to apply one commit.
	Window time.Duration
	// MaxMissed is the number of consecutive missed windows after which a
	// replica is Disconnected.
	MaxMissed int
	Metrics   *metrics.Metrics
}

// Manager tracks replicas. Safe for concurrent use.
type Manager struct {
	members   Membership
	events    *eventlog.Log
	stores    *storage.NodeStores
	cfg       Config
	now       func() time.Time
	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	transport Transport

	mu       sync.Mutex
	replicas map[int]*ReplicaState
}

// New creates a manager copying between stores. Zero Config fields select a
// 500ms window and 3 missed windows.
func New(members Membership, events *eventlog.Log, stores *storage.NodeStores, cfg Config) *Manager {
	if cfg.Window <= 0 {
		cfg.Window = 500 * time.Millisecond
	}
	if cfg.MaxMissed <= 0 {
		cfg.MaxMissed = 3
	}
	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		members:  members,
		events:   events,
		stores:   stores,
		cfg:      cfg,
		now:      time.Now,
		ctx:      ctx,
		cancel:   cancel,
		replicas: make(map[int]*ReplicaState),
	}
	m.transport = func(_ context.Context, id int, key string, rec storage.Record) error {
		if !members.IsLive(id) {
			return ErrUnreachable
		}
		stores.For(id).Apply(key, rec)
		return nil
	}
	return m
}

// SetTransport replaces the in-process transport.
func (m *Manager) SetTransport(t Transport) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.transport = t
}

// Close stops in-flight copies and waits for them to finish.
func (m *Manager) Close() {
	m.cancel()
	m.wg.Wait()
}

// Wait blocks until every copy started so far has finished.
func (m *Manager) Wait() {
	m.wg.Wait()
}

// OnCommit starts asynchronous copies of c to every live node that did not
// already apply it. Disconnected replicas are skipped until a full resync.
func (m *Manager) OnCommit(c consistency.Commit) {
	if m.ctx.Err() != nil {
		return
	}
	for _, n := range m.members.ListActive() {
		if slices.Contains(c.Acked, n.ID) {
			continue
		}
		m.mu.Lock()
		st := m.stateLocked(n.ID)
		if st.SyncStatus == Disconnected {
			m.mu.Unlock()
			continue
		}
		st.SyncStatus = Syncing
		m.publishLocked(st)
		transport := m.transport
		m.mu.Unlock()

		m.wg.Add(1)
		go m.copy(transport, n.ID, c)
	}
}

func (m *Manager) copy(transport Transport, id int, c consistency.Commit) {
	defer m.wg.Done()

	ctx, cancel := context.WithTimeout(m.ctx, m.cfg.Window)
	defer cancel()
	err := transport(ctx, id, c.Key, c.Record)
	lag := m.now().Sub(c.CommittedAt).Milliseconds()

	m.mu.Lock()
	st := m.stateLocked(id)
	if st.SyncStatus == Disconnected {
		// Marked unreachable while the copy was in flight.
		m.mu.Unlock()
		return
	}
	var ev eventlog.Event
	switch {
	case err == nil:
		caughtUp := st.MissedWindows > 0
		st.SyncStatus = Synced
		st.ReplicationLagMs = max(lag, 0)
		st.MissedWindows = 0
		st.LastSync = m.now()
		m.publishLocked(st)
		m.mu.Unlock()

		if caughtUp {
			m.catchUp(id, c.Primary)
		}
		m.events.AppendAfter(c.Record.Timestamp, eventlog.Event{
			OriginNodeID: id,
			Type:         eventlog.ReplicationSync,
			Description:  fmt.Sprintf("Replica %d applied %q version %d (lag %dms)", id, c.Key, c.Record.Version, max(lag, 0)),
			Metadata:     map[string]any{"key": c.Key, "version": c.Record.Version, "lag_ms": max(lag, 0)},
		})
		return

	case errors.Is(err, ErrUnreachable):
		st.SyncStatus = Disconnected
		ev = eventlog.Event{
			Description: fmt.Sprintf("Replica %d disconnected: %v", id, err),
		}

	default:
		st.MissedWindows++
		st.ReplicationLagMs = max(lag, st.ReplicationLagMs)
		st.SyncStatus = Lagging
		ev.Description = fmt.Sprintf("Replica %d missed sync window %d/%d for %q", id, st.MissedWindows, m.cfg.MaxMissed, c.Key)
		if st.MissedWindows >= m.cfg.MaxMissed {
			st.SyncStatus = Disconnected
			ev.Description = fmt.Sprintf("Replica %d disconnected after %d missed sync windows", id, st.MissedWindows)
		}
	}
	status, missed := st.SyncStatus, st.MissedWindows
	m.publishLocked(st)
	m.mu.Unlock()

	ev.OriginNodeID = id
	ev.Type = eventlog.ReplicationSync
	ev.Severity = eventlog.Warning
	ev.Metadata = map[string]any{"key": c.Key, "status": string(status), "missed_windows": missed}
	m.events.AppendAfter(c.Record.Timestamp, ev)
	log.Printf("%s", ev.Description)
}

// catchUp copies records a replica missed while it was lagging.
func (m *Manager) catchUp(id, primary int) {
	if primary == 0 || primary == id {
		return
	}
	if n := storage.CopyMissing(m.stores.For(primary), m.stores.For(id)); n > 0 {
		log.Printf("Replica %d caught up %d records from node %d", id, n, primary)
	}
}

// MarkUnreachable disconnects a replica, typically because its node failed.
func (m *Manager) MarkUnreachable(id int) {
	m.mu.Lock()
	st := m.stateLocked(id)
	if st.SyncStatus == Disconnected {
		m.mu.Unlock()
		return
	}
	st.SyncStatus = Disconnected
	m.publishLocked(st)
	m.mu.Unlock()

	m.events.Append(eventlog.Event{
		OriginNodeID: id,
		Type:         eventlog.ReplicationSync,
		Severity:     eventlog.Warning,
		Description:  fmt.Sprintf("Replica %d disconnected", id),
		Metadata:     map[string]any{"status": string(Disconnected)},
	})
}

// TriggerFullResync brings a replica fully up to date from the primary
// using a digest of the replica's store, then marks it Synced. A node in
// recovery becomes Active afterwards.
//
// Returns *ReplicaUnreachableError if the node is unknown, failed, or stops
// answering during the resync.
func (m *Manager) TriggerFullResync(ctx context.Context, id int) (ReplicaState, error) {
	node, err := m.members.Get(id)
	if err != nil {
		return ReplicaState{}, m.unreachable(id, err.Error())
	}
	if !node.Status.Live() {
		return ReplicaState{}, m.unreachable(id, "node is "+string(node.Status))
	}

	m.mu.Lock()
	st := m.stateLocked(id)
	st.SyncStatus = Syncing
	m.publishLocked(st)
	transport := m.transport
	m.mu.Unlock()

	source := m.source(id)
	copied, verified := 0, 0
	if source != 0 {
		src, dst := m.stores.For(source), m.stores.For(id)
		copied, err = m.send(ctx, transport, id, storage.Missing(src, storage.Digest(dst)))
		if err == nil {
			// The digest can report a key as present when it is not; the
			// exact pass sends whatever it let through.
			verified, err = m.send(ctx, transport, id, storage.Diverged(src, dst))
		}
		if err != nil {
			m.mu.Lock()
			st.SyncStatus = Disconnected
			m.publishLocked(st)
			m.mu.Unlock()
			return ReplicaState{}, m.unreachable(id, err.Error())
		}
	}

	m.mu.Lock()
	st.SyncStatus = Synced
	st.MissedWindows = 0
	st.ReplicationLagMs = 0
	st.LastSync = m.now()
	m.publishLocked(st)
	out := *st
	m.mu.Unlock()

	m.events.Append(eventlog.Event{
		OriginNodeID: id,
		Type:         eventlog.ReplicationSync,
		Description:  fmt.Sprintf("Replica %d completed full resync from node %d (%d records)", id, source, copied+verified),
		Metadata:     map[string]any{"full_resync": true, "source": source, "records": copied + verified, "verified": verified},
	})
	log.Printf("Replica %d resynced %d records from node %d", id, copied+verified, source)

	if node.Status == cluster.StatusRecovering {
		if err := m.members.CompleteRecovery(id); err != nil {
			log.Printf("replication: complete recovery of node %d: %v", id, err)
		}
	}
	return out, nil
}

// send ships records to replica id, one transport call per key.
func (m *Manager) send(ctx context.Context, transport Transport, id int, records map[string]storage.Record) (int, error) {
	sent := 0
	for key, rec := range records {
		wctx, cancel := context.WithTimeout(ctx, m.cfg.Window)
		err := transport(wctx, id, key, rec)
		cancel()
		if err != nil {
			return sent, err
		}
		sent++
	}
	return sent, nil
}

// TriggerAll fully resyncs every live node except the primary. Failures are
// joined into the returned error; the resulting status is always returned.
func (m *Manager) TriggerAll(ctx context.Context) (Status, error) {
	primary := m.primaryID()
	var errs []error
	for _, n := range m.members.ListActive() {
		if n.ID == primary {
			continue
		}
		if _, err := m.TriggerFullResync(ctx, n.ID); err != nil {
			errs = append(errs, err)
		}
	}
	return m.Status(), errors.Join(errs...)
}

// Status returns the primary and the state of every other live node, in id
// order.
func (m *Manager) Status() Status {
	primary := m.primaryID()
	nodes := m.members.ListActive()

	m.mu.Lock()
	defer m.mu.Unlock()

	out := Status{PrimaryID: primary, Replicas: make([]ReplicaState, 0, len(nodes))}
	for _, n := range nodes {
		if n.ID == primary {
			continue
		}
		out.Replicas = append(out.Replicas, *m.stateLocked(n.ID))
	}
	return out
}

// State returns one replica's state.
func (m *Manager) State(id int) ReplicaState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return *m.stateLocked(id)
}

// Lag returns every tracked replica's lag in milliseconds.
func (m *Manager) Lag() map[int]int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[int]int64, len(m.replicas))
	for id, st := range m.replicas {
		out[id] = st.ReplicationLagMs
	}
	return out
}

func (m *Manager) unreachable(id int, reason string) error {
	err := &ReplicaUnreachableError{NodeID: id, Reason: reason}
	m.events.Append(eventlog.Event{
		OriginNodeID: eventlog.CoordinatorID,
		Type:         eventlog.ReplicationSync,
		Severity:     eventlog.Error,
		Description:  fmt.Sprintf("Full resync of node %d failed: %s", id, reason),
		Metadata:     map[string]any{"node_id": id, "error": err.Error()},
	})
	return err
}

func (m *Manager) primaryID() int {
	if l, ok := m.members.Leader(); ok {
		return l.ID
	}
	return 0
}

// source picks the node a resync copies from: the leader, or else the live
// node holding the most keys.
func (m *Manager) source(target int) int {
	if p := m.primaryID(); p != 0 && p != target {
		return p
	}
	best, bestKeys := 0, -1
	for _, n := range m.members.ListActive() {
		if n.ID == target {
			continue
		}
		if k := m.stores.For(n.ID).Stats().Keys; k > bestKeys {
			best, bestKeys = n.ID, k
		}
	}
	return best
}

func (m *Manager) stateLocked(id int) *ReplicaState {
	st, ok := m.replicas[id]
	if !ok {
		st = &ReplicaState{NodeID: id, SyncStatus: Synced}
		m.replicas[id] = st
	}
	return st
}

func (m *Manager) publishLocked(st *ReplicaState) {
	m.cfg.Metrics.SetReplica(st.NodeID, string(st.SyncStatus), st.ReplicationLagMs)
}
