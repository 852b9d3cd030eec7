// Package consistency executes reads and writes under a selectable
// consistency mode and simulates concurrency conflicts.
//
// Writes follow a prepare/commit shape. Acknowledgements are collected from
// the target nodes first; values are applied only once the mode's required
// count is reached and every target is still live. A write that is aborted,
// times out, or is cancelled leaves every node store untouched.
package consistency

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"golang.org/x/exp/slices"

	"github.com/dreamware/meridian/internal/cluster"
	"github.com/dreamware/meridian/internal/eventlog"
	"github.com/dreamware/meridian/internal/metrics"
	"github.com/dreamware/meridian/internal/storage"
)

// Membership is the part of the node registry the controller needs.
type Membership interface {
	ListActive() []cluster.Node
	IsLive(id int) bool
	Leader() (cluster.Node, bool)
}

// Acker asks nodeID to acknowledge an operation on key at version and
// reports whether it did. It must honor ctx.
type Acker func(ctx context.Context, nodeID int, key string, version uint64) bool

// Config holds controller settings.
type Config struct {
	Mode         Mode
	WriteTimeout time.Duration
	LockTimeout  time.Duration
	Metrics      *metrics.Metrics
}

// WriteRequest is one write.
type WriteRequest struct {
	Key   string
	Value []byte
	// Mode overrides the controller's mode when set.
	Mode Mode
	// ExpectedVersion enables optimistic concurrency control.
	ExpectedVersion *uint64
	// NodeID picks the node that applies an Eventual write.
	NodeID int
}

// ReadRequest is one read.
type ReadRequest struct {
	Key  string
	Mode Mode
	// NodeID picks the node that serves an Eventual read.
	NodeID int
}

// Commit describes a committed write. It is passed to commit observers.
type Commit struct {
	Key         string         `json:"key"`
	Record      storage.Record `json:"record"`
	Mode        Mode           `json:"mode"`
	Primary     int            `json:"primary"`
	Acked       []int          `json:"acked"`
	CommittedAt time.Time      `json:"committed_at"`
}

// ReadResult is the value served by a read.
type ReadResult struct {
	Key     string `json:"key"`
	Value   []byte `json:"value"`
	Version uint64 `json:"version"`
	// AsOf is the Lamport timestamp of the commit that produced Value.
	AsOf   uint64 `json:"as_of"`
	NodeID int    `json:"node_id"`
	Mode   Mode   `json:"mode"`
}

// Controller runs reads and writes against per-node stores.
type Controller struct {
	members Membership
	events  *eventlog.Log
	stores  *storage.NodeStores
	locks   *LockTable
	writes  *keyedSemaphore
	timeout time.Duration
	metrics *metrics.Metrics
	now     func() time.Time

	mu        sync.RWMutex
	mode      Mode
	acker     Acker
	observers []func(Commit)
	nextTxn   int64
}

// NewController creates a controller. An empty Config.Mode selects Strong.
func NewController(members Membership, events *eventlog.Log, stores *storage.NodeStores, cfg Config) *Controller {
	if cfg.Mode == "" {
		cfg.Mode = Strong
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 2 * time.Second
	}
	return &Controller{
		members: members,
		events:  events,
		stores:  stores,
		locks:   NewLockTable(events, cfg.LockTimeout, cfg.Metrics),
		writes:  newKeyedSemaphore(),
		timeout: cfg.WriteTimeout,
		metrics: cfg.Metrics,
		now:     time.Now,
		mode:    cfg.Mode,
		acker: func(_ context.Context, id int, _ string, _ uint64) bool {
			return members.IsLive(id)
		},
	}
}

// SetAcker replaces the in-process acker, which acknowledges for every live
// node immediately.
func (c *Controller) SetAcker(fn Acker) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.acker = fn
}

// OnCommit registers fn to run after every committed write, outside any
// controller lock.
func (c *Controller) OnCommit(fn func(Commit)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.observers = append(c.observers, fn)
}

// Locks returns the controller's lock table.
func (c *Controller) Locks() *LockTable {
	return c.locks
}

// Stores returns the node stores the controller writes to.
func (c *Controller) Stores() *storage.NodeStores {
	return c.stores
}

// Mode returns the current default mode.
func (c *Controller) Mode() Mode {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.mode
}

// SetMode changes the default mode and records the change.
func (c *Controller) SetMode(m Mode) error {
	if _, err := ParseMode(string(m)); err != nil {
		return err
	}
	c.mu.Lock()
	prev := c.mode
	c.mode = m
	c.mu.Unlock()

	if prev != m {
		c.events.Append(eventlog.Event{
			OriginNodeID: eventlog.CoordinatorID,
			Type:         eventlog.ConsistencyModeChanged,
			Description:  fmt.Sprintf("Consistency mode changed from %s to %s", prev, m),
			Metadata:     map[string]any{"previous": string(prev), "mode": string(m)},
		})
		log.Printf("Consistency mode set to %s", m)
	}
	return nil
}

// AcquireLock takes the exclusive lock on key for txn.
func (c *Controller) AcquireLock(ctx context.Context, key string, txn Txn) (Lock, error) {
	return c.locks.Acquire(ctx, key, txn)
}

// ReleaseLock frees key if txnID holds it.
func (c *Controller) ReleaseLock(key string, txnID int64) error {
	return c.locks.Release(key, txnID)
}

// NewTxn returns a fresh transaction id.
func (c *Controller) NewTxn(nodeID int) Txn {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nextTxn++
	return Txn{ID: c.nextTxn, NodeID: nodeID}
}

// RebuildLocks restores held locks from events and moves the transaction
// counter past every txn id they mention.
func (c *Controller) RebuildLocks(events []eventlog.Event) {
	c.locks.Rebuild(events)
	var highest int64
	for _, ev := range events {
		highest = max(highest, metaInt64(ev.Metadata["txn_id"]))
	}
	c.mu.Lock()
	c.nextTxn = max(c.nextTxn, highest)
	c.mu.Unlock()
}

// CurrentVersion returns the highest version of key held by any node,
// failed ones included, so a version held only by a failed node is never
// issued again.
func (c *Controller) CurrentVersion(key string) uint64 {
	rec, _ := c.stores.Latest(key)
	return rec.Version
}

func (c *Controller) resolve(m Mode) (Mode, error) {
	if m == "" {
		return c.Mode(), nil
	}
	return ParseMode(string(m))
}

// Write commits req.Value under the request's mode and returns the commit.
// Commit.Record.Timestamp is the commit's Lamport timestamp.
//
// Returns:
//   - *UnavailableError: Strong with no leader, or a Strong target that did
//     not acknowledge or failed before commit
//   - *QuorumUnreachableError: fewer than floor(N/2)+1 acknowledgements, or a
//     target failed before commit
//   - *VersionConflictError: ExpectedVersion does not match
//   - ctx.Err(): cancelled before commit
func (c *Controller) Write(ctx context.Context, req WriteRequest) (Commit, error) {
	start := c.now()
	mode, err := c.resolve(req.Mode)
	if err != nil {
		return Commit{}, c.failed("write", req.Mode, req.Key, err)
	}

	commit, err := c.write(ctx, mode, req)
	result := "committed"
	if err != nil {
		result = "failed"
		var vc *VersionConflictError
		if errors.As(err, &vc) {
			result = "conflict"
		}
	}
	c.metrics.ObserveWrite(string(mode), result, c.now().Sub(start))
	if err != nil {
		return Commit{}, err
	}

	c.mu.RLock()
	observers := slices.Clone(c.observers)
	c.mu.RUnlock()
	for _, fn := range observers {
		fn(commit)
	}
	return commit, nil
}

// write prepares outside the key's semaphore and holds it only while it
// assigns the version and applies, so an Eventual write never waits on
// another write's acknowledgements.
func (c *Controller) write(ctx context.Context, mode Mode, req WriteRequest) (Commit, error) {
	targets, required, err := c.targets(mode, req.NodeID)
	if err != nil {
		return Commit{}, c.failed("write", mode, req.Key, err)
	}

	latest, _ := c.stores.Latest(req.Key)
	if err := c.checkExpected(mode, req, targets[0], latest.Version); err != nil {
		return Commit{}, err
	}

	acked := targets
	if mode != Eventual {
		acked = c.prepare(ctx, targets, required, req.Key, latest.Version+1)
		if err := ctx.Err(); err != nil {
			return Commit{}, c.failed("write", mode, req.Key, err)
		}
		if len(acked) < required {
			return Commit{}, c.failed("write", mode, req.Key, c.shortfall(mode, required, len(acked), len(targets), targets, acked))
		}
	}

	if err := c.writes.acquire(ctx, req.Key); err != nil {
		return Commit{}, c.failed("write", mode, req.Key, err)
	}
	defer c.writes.release(req.Key)

	if mode != Eventual {
		for _, id := range targets {
			if !c.members.IsLive(id) {
				return Commit{}, c.failed("write", mode, req.Key, c.lostTarget(mode, required, acked, targets, id))
			}
		}
	}

	// Another write may have committed while this one prepared.
	latest, _ = c.stores.Latest(req.Key)
	if err := c.checkExpected(mode, req, targets[0], latest.Version); err != nil {
		return Commit{}, err
	}
	version := latest.Version + 1

	// The commit follows the one that produced the previous version, which
	// may have been stamped by another node's clock.
	primary := c.primary(acked)
	ev := c.events.AppendAfter(latest.Timestamp, eventlog.Event{
		OriginNodeID: primary,
		Type:         eventlog.WriteCommitted,
		Description:  fmt.Sprintf("Committed %q version %d (%s)", req.Key, version, mode),
		Metadata:     map[string]any{"key": req.Key, "version": version, "mode": string(mode), "acked": acked},
	})
	rec := storage.Record{Value: req.Value, Version: version, Timestamp: ev.LamportTimestamp}
	for _, id := range acked {
		c.stores.For(id).Apply(req.Key, rec)
	}

	return Commit{
		Key:         req.Key,
		Record:      rec,
		Mode:        mode,
		Primary:     primary,
		Acked:       slices.Clone(acked),
		CommittedAt: ev.Timestamp,
	}, nil
}

// checkExpected rejects req when it names a version other than current.
func (c *Controller) checkExpected(mode Mode, req WriteRequest, origin int, current uint64) error {
	if req.ExpectedVersion == nil || *req.ExpectedVersion == current {
		return nil
	}
	c.events.Append(eventlog.Event{
		OriginNodeID: origin,
		Type:         eventlog.ConsistencyConflict,
		Severity:     eventlog.Error,
		Description:  fmt.Sprintf("Write to %q rejected: expected version %d, current %d", req.Key, *req.ExpectedVersion, current),
		Metadata:     map[string]any{"key": req.Key, "expected_version": *req.ExpectedVersion, "current_version": current, "mode": string(mode)},
	})
	return &VersionConflictError{Key: req.Key, Expected: *req.ExpectedVersion, Current: current}
}

// targets returns the nodes a mode writes to and how many must acknowledge.
func (c *Controller) targets(mode Mode, preferred int) ([]int, int, error) {
	live := liveIDs(c.members.ListActive())
	switch mode {
	case Strong:
		if _, ok := c.members.Leader(); !ok {
			return nil, 0, &UnavailableError{Reason: "no leader"}
		}
		return live, len(live), nil
	case Quorum:
		required := QuorumSize(len(live))
		if len(live) == 0 {
			return nil, 0, &QuorumUnreachableError{Required: required, Active: 0}
		}
		return live, required, nil
	default:
		id, err := c.servingNode(live, preferred)
		if err != nil {
			return nil, 0, err
		}
		return []int{id}, 1, nil
	}
}

// servingNode picks the node for an Eventual operation: the preferred node
// if live, else the leader, else the lowest live id.
func (c *Controller) servingNode(live []int, preferred int) (int, error) {
	if len(live) == 0 {
		return 0, &UnavailableError{Reason: "no live nodes"}
	}
	if preferred > 0 && slices.Contains(live, preferred) {
		return preferred, nil
	}
	if l, ok := c.members.Leader(); ok {
		return l.ID, nil
	}
	return live[0], nil
}

// prepare collects acknowledgements until required nodes answered yes,
// every target answered, or the write timeout elapsed. The result is sorted.
func (c *Controller) prepare(ctx context.Context, targets []int, required int, key string, version uint64) []int {
	c.mu.RLock()
	ack := c.acker
	c.mu.RUnlock()

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	type answer struct {
		id int
		ok bool
	}
	answers := make(chan answer, len(targets))
	for _, id := range targets {
		go func(id int) {
			answers <- answer{id: id, ok: ack(ctx, id, key, version)}
		}(id)
	}

	var acked []int
	for pending := len(targets); pending > 0 && len(acked) < required; pending-- {
		select {
		case a := <-answers:
			if a.ok {
				acked = append(acked, a.id)
			}
		case <-ctx.Done():
			pending = 0
		}
	}
	slices.Sort(acked)
	return acked
}

func (c *Controller) primary(acked []int) int {
	if l, ok := c.members.Leader(); ok && slices.Contains(acked, l.ID) {
		return l.ID
	}
	return acked[0]
}

func (c *Controller) shortfall(mode Mode, required, got, active int, targets, acked []int) error {
	if mode == Strong {
		for _, id := range targets {
			if !slices.Contains(acked, id) {
				return &UnavailableError{Reason: fmt.Sprintf("node %d did not acknowledge", id)}
			}
		}
	}
	return &QuorumUnreachableError{Required: required, Acked: got, Active: active}
}

func (c *Controller) lostTarget(mode Mode, required int, acked, targets []int, failed int) error {
	if mode == Strong {
		return &UnavailableError{Reason: fmt.Sprintf("node %d failed before commit", failed)}
	}
	still := 0
	for _, id := range acked {
		if c.members.IsLive(id) {
			still++
		}
	}
	return &QuorumUnreachableError{Required: required, Acked: still, Active: len(targets) - 1}
}

// failed records a rejected operation and returns err.
func (c *Controller) failed(op string, mode Mode, key string, err error) error {
	sev := eventlog.Error
	if errors.Is(err, context.Canceled) {
		sev = eventlog.Warning
	}
	c.events.Append(eventlog.Event{
		OriginNodeID: eventlog.CoordinatorID,
		Type:         eventlog.RequestFailed,
		Severity:     sev,
		Description:  fmt.Sprintf("%s %q (%s) failed: %v", op, key, mode, err),
		Metadata:     map[string]any{"operation": op, "key": key, "mode": string(mode), "error": err.Error()},
	})
	return err
}

// Read serves key under the request's mode.
//
// Strong reads come from the leader. Quorum reads return the newest record
// among floor(N/2)+1 acknowledging nodes. Eventual reads come from one node
// and may be stale. A missing key returns storage.ErrKeyNotFound.
func (c *Controller) Read(ctx context.Context, req ReadRequest) (ReadResult, error) {
	mode, err := c.resolve(req.Mode)
	if err != nil {
		return ReadResult{}, c.failed("read", req.Mode, req.Key, err)
	}

	var from []int
	switch mode {
	case Strong:
		l, ok := c.members.Leader()
		if !ok {
			return ReadResult{}, c.failed("read", mode, req.Key, &UnavailableError{Reason: "no leader"})
		}
		from = []int{l.ID}
	case Quorum:
		targets, required, err := c.targets(Quorum, 0)
		if err != nil {
			return ReadResult{}, c.failed("read", mode, req.Key, err)
		}
		from = c.prepare(ctx, targets, required, req.Key, 0)
		if err := ctx.Err(); err != nil {
			return ReadResult{}, c.failed("read", mode, req.Key, err)
		}
		if len(from) < required {
			return ReadResult{}, c.failed("read", mode, req.Key,
				&QuorumUnreachableError{Required: required, Acked: len(from), Active: len(targets)})
		}
	default:
		id, err := c.servingNode(liveIDs(c.members.ListActive()), req.NodeID)
		if err != nil {
			return ReadResult{}, c.failed("read", mode, req.Key, err)
		}
		from = []int{id}
	}

	var (
		newest storage.Record
		source int
		found  bool
	)
	for _, id := range from {
		rec, err := c.stores.For(id).Get(req.Key)
		if err != nil {
			continue
		}
		if !found || rec.Newer(newest) {
			newest, source, found = rec, id, true
		}
	}
	if !found {
		return ReadResult{Key: req.Key, Mode: mode, NodeID: from[0]}, storage.ErrKeyNotFound
	}
	return ReadResult{
		Key:     req.Key,
		Value:   newest.Value,
		Version: newest.Version,
		AsOf:    newest.Timestamp,
		Mode:    mode,
		NodeID:  source,
	}, nil
}

func liveIDs(nodes []cluster.Node) []int {
	ids := make([]int, len(nodes))
	for i, n := range nodes {
		ids[i] = n.ID
	}
	return ids
}
