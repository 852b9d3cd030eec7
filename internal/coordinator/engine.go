package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math/rand"
	"sync"
	"time"

	"github.com/dreamware/meridian/internal/balancer"
	"github.com/dreamware/meridian/internal/clock"
	"github.com/dreamware/meridian/internal/cluster"
	"github.com/dreamware/meridian/internal/consistency"
	"github.com/dreamware/meridian/internal/election"
	"github.com/dreamware/meridian/internal/eventlog"
	"github.com/dreamware/meridian/internal/metrics"
	"github.com/dreamware/meridian/internal/replication"
	"github.com/dreamware/meridian/internal/storage"
)

// ErrNoFailureCandidate is returned by InjectRandomFailure when no live node
// may be failed.
var ErrNoFailureCandidate = errors.New("no live node eligible for failure injection")

// Config holds the engine's tunables. Zero values fall back to
// DefaultConfig.
type Config struct {
	EventLogSize         int
	ElectionHistory      int
	ElectionTimeout      time.Duration
	ElectionAckTimeout   time.Duration
	WriteTimeout         time.Duration
	LockTimeout          time.Duration
	ConsistencyMode      consistency.Mode
	Strategy             balancer.Strategy
	MaxNodeLoad          int
	ReplicationWindow    time.Duration
	ReplicationMaxMissed int

	// HeartbeatInterval enables the health monitor when positive.
	HeartbeatInterval time.Duration
	HeartbeatMisses   int

	// BootstrapNodes are joined by Start, followed by an election.
	BootstrapNodes []int
}

// DefaultConfig returns the settings used when nothing is configured.
func DefaultConfig() Config {
	return Config{
		EventLogSize:         1000,
		ElectionHistory:      50,
		ElectionTimeout:      5 * time.Second,
		ElectionAckTimeout:   250 * time.Millisecond,
		WriteTimeout:         2 * time.Second,
		LockTimeout:          consistency.DefaultLockTimeout,
		ConsistencyMode:      consistency.Strong,
		Strategy:             balancer.RoundRobin,
		ReplicationWindow:    500 * time.Millisecond,
		ReplicationMaxMissed: 3,
		HeartbeatMisses:      3,
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.EventLogSize <= 0 {
		c.EventLogSize = def.EventLogSize
	}
	if c.ElectionHistory <= 0 {
		c.ElectionHistory = def.ElectionHistory
	}
	if c.ElectionTimeout <= 0 {
		c.ElectionTimeout = def.ElectionTimeout
	}
	if c.ElectionAckTimeout <= 0 {
		c.ElectionAckTimeout = def.ElectionAckTimeout
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = def.WriteTimeout
	}
	if c.LockTimeout <= 0 {
		c.LockTimeout = def.LockTimeout
	}
	if c.ConsistencyMode == "" {
		c.ConsistencyMode = def.ConsistencyMode
	}
	if c.Strategy == "" {
		c.Strategy = def.Strategy
	}
	if c.ReplicationWindow <= 0 {
		c.ReplicationWindow = def.ReplicationWindow
	}
	if c.ReplicationMaxMissed <= 0 {
		c.ReplicationMaxMissed = def.ReplicationMaxMissed
	}
	if c.HeartbeatMisses <= 0 {
		c.HeartbeatMisses = def.HeartbeatMisses
	}
	return c
}

// Store is the durable state the engine restores from and writes through
// to. persist.Store implements it.
type Store interface {
	cluster.NodeSink
	eventlog.Sink
	election.HistoryStore
	LoadNodes() ([]cluster.Node, error)
	LoadEvents(limit int) ([]eventlog.Event, error)
	LoadElections(limit int) ([]election.Record, error)
}

// Engine owns one instance of every coordination component and the hooks
// between them:
//
//   - failing the leader starts an election ordered after the failure
//   - failing any node disconnects its replica
//   - a recovering node, or a node joining a cluster that holds data, is
//     fully resynced in the background
//   - every committed write is handed to the replication manager
type Engine struct {
	Metrics     *metrics.Metrics
	Events      *eventlog.Log
	Registry    *cluster.Registry
	Elector     *election.Elector
	Stores      *storage.NodeStores
	Consistency *consistency.Controller
	Balancer    *balancer.Balancer
	Replication *replication.Manager
	Health      *HealthMonitor // nil when heartbeats are disabled

	cfg     Config
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup // health monitor
	resyncs sync.WaitGroup

	rngMu sync.Mutex
	rng   *rand.Rand
}

// New builds an engine. When store is non-nil, nodes, events, and election
// history are restored from it before it is attached as the write-through
// sink, and locks are rebuilt from the restored events.
func New(cfg Config, store Store) (*Engine, error) {
	cfg = cfg.withDefaults()
	if _, err := consistency.ParseMode(string(cfg.ConsistencyMode)); err != nil {
		return nil, err
	}
	if _, err := balancer.ParseStrategy(string(cfg.Strategy)); err != nil {
		return nil, err
	}

	m := metrics.New()
	events := eventlog.New(clock.NewLamport(), cfg.EventLogSize)
	events.Observe(func(ev eventlog.Event) {
		m.ObserveEvent(string(ev.Type), string(ev.Severity))
	})

	reg := cluster.NewRegistry(events, cluster.RegistryConfig{MaxLoad: cfg.MaxNodeLoad, Metrics: m})
	elector := election.New(reg, events, election.Config{
		AckTimeout:  cfg.ElectionAckTimeout,
		Timeout:     cfg.ElectionTimeout,
		HistorySize: cfg.ElectionHistory,
		Metrics:     m,
	})
	stores := storage.NewNodeStores()
	ctrl := consistency.NewController(reg, events, stores, consistency.Config{
		Mode:         cfg.ConsistencyMode,
		WriteTimeout: cfg.WriteTimeout,
		LockTimeout:  cfg.LockTimeout,
		Metrics:      m,
	})
	bal := balancer.New(reg, events, cfg.Strategy, m)
	repl := replication.New(reg, events, stores, replication.Config{
		Window:    cfg.ReplicationWindow,
		MaxMissed: cfg.ReplicationMaxMissed,
		Metrics:   m,
	})

	ctx, cancel := context.WithCancel(context.Background())
	e := &Engine{
		Metrics:     m,
		Events:      events,
		Registry:    reg,
		Elector:     elector,
		Stores:      stores,
		Consistency: ctrl,
		Balancer:    bal,
		Replication: repl,
		cfg:         cfg,
		ctx:         ctx,
		cancel:      cancel,
		rng:         rand.New(rand.NewSource(time.Now().UnixNano())),
	}

	if store != nil {
		if err := e.restore(store); err != nil {
			cancel()
			return nil, err
		}
		reg.SetSink(store)
		events.SetSink(store)
		elector.SetSink(store)
	}

	ctrl.OnCommit(repl.OnCommit)
	reg.SetOnFailed(repl.MarkUnreachable)
	reg.SetOnLeaderLost(e.electAfter)
	reg.SetOnLive(e.resyncInBackground)

	if cfg.HeartbeatInterval > 0 {
		e.Health = NewHealthMonitor(reg, cfg.HeartbeatInterval, cfg.HeartbeatMisses)
		e.Health.SetOnUnhealthy(func(id int) {
			if err := reg.MarkFailed(id); err != nil {
				log.Printf("health: mark node %d failed: %v", id, err)
			}
		})
	}
	return e, nil
}

func (e *Engine) restore(store Store) error {
	nodes, err := store.LoadNodes()
	if err != nil {
		return fmt.Errorf("restore nodes: %w", err)
	}
	e.Registry.Restore(nodes)

	events, err := store.LoadEvents(e.cfg.EventLogSize)
	if err != nil {
		return fmt.Errorf("restore events: %w", err)
	}
	e.Events.Restore(events)
	e.Consistency.RebuildLocks(events)

	records, err := store.LoadElections(e.cfg.ElectionHistory)
	if err != nil {
		return fmt.Errorf("restore elections: %w", err)
	}
	e.Elector.Restore(records)

	log.Printf("Restored %d nodes, %d events, %d elections", len(nodes), len(events), len(records))
	return nil
}

// Config returns the effective configuration.
func (e *Engine) Config() Config {
	return e.cfg
}

// Start joins the bootstrap nodes that are not yet registered, elects a
// leader if there is none, and starts the health monitor.
func (e *Engine) Start(ctx context.Context) error {
	for _, id := range e.cfg.BootstrapNodes {
		if _, err := e.Registry.Get(id); err == nil {
			continue
		}
		if _, err := e.Registry.Join(id); err != nil {
			return fmt.Errorf("bootstrap node %d: %w", id, err)
		}
	}

	if _, ok := e.Registry.Leader(); !ok && len(e.Registry.LiveIDs()) > 0 {
		if _, err := e.Elector.Trigger(ctx, 0, 0); err != nil {
			return fmt.Errorf("initial election: %w", err)
		}
	}

	if e.Health != nil {
		e.wg.Add(1)
		go func() {
			defer e.wg.Done()
			e.Health.Start(e.ctx)
		}()
	}
	return nil
}

// Close stops background work and waits for it to finish.
func (e *Engine) Close() {
	e.cancel()
	if e.Health != nil {
		e.Health.Stop()
	}
	e.wg.Wait()
	e.resyncs.Wait()
	e.Replication.Close()
}

// Wait blocks until background resyncs and replica copies have finished.
func (e *Engine) Wait() {
	e.resyncs.Wait()
	e.Replication.Wait()
}

// electAfter runs the election that follows a leader failure. The lowest
// live node initiates it, so the bully cascade visits every higher node.
func (e *Engine) electAfter(failed int, cause uint64) {
	rec, err := e.Elector.Trigger(e.ctx, 0, cause)
	if err != nil {
		log.Printf("Election after leader %d failed: %v", failed, err)
		return
	}
	log.Printf("Node %d elected after leader %d failed", rec.WinnerID, failed)
}

func (e *Engine) resyncInBackground(id int) {
	n, err := e.Registry.Get(id)
	if err != nil {
		return
	}
	if n.Status != cluster.StatusRecovering && !e.holdsData(id) {
		return
	}
	e.resyncs.Add(1)
	go func() {
		defer e.resyncs.Done()
		if _, err := e.Replication.TriggerFullResync(e.ctx, id); err != nil {
			log.Printf("Background resync of node %d failed: %v", id, err)
		}
	}()
}

// holdsData reports whether any node other than id stores records.
func (e *Engine) holdsData(id int) bool {
	for nodeID, st := range e.Stores.Stats() {
		if nodeID != id && st.Keys > 0 {
			return true
		}
	}
	return false
}

// InjectRandomFailure marks a random live node failed. With excludeLeader
// the current leader is never chosen.
func (e *Engine) InjectRandomFailure(excludeLeader bool) (cluster.Node, error) {
	var candidates []int
	for _, n := range e.Registry.ListActive() {
		if excludeLeader && n.IsLeader() {
			continue
		}
		candidates = append(candidates, n.ID)
	}
	if len(candidates) == 0 {
		e.Events.Append(eventlog.Event{
			OriginNodeID: eventlog.CoordinatorID,
			Type:         eventlog.RequestFailed,
			Severity:     eventlog.Error,
			Description:  "Failure injection found no eligible node",
			Metadata:     map[string]any{"exclude_leader": excludeLeader},
		})
		return cluster.Node{}, ErrNoFailureCandidate
	}

	e.rngMu.Lock()
	id := candidates[e.rng.Intn(len(candidates))]
	e.rngMu.Unlock()

	log.Printf("Injecting failure into node %d", id)
	if err := e.Registry.MarkFailed(id); err != nil {
		return cluster.Node{}, err
	}
	return e.Registry.Get(id)
}

// SyncClocks raises every live node's clock to one past the highest among
// them and records a ClockSynced event per node. It returns the clock
// values the sync produced.
func (e *Engine) SyncClocks() map[int]uint64 {
	ids := e.Registry.LiveIDs()
	synced := e.Events.Clock().Sync(ids)

	for _, id := range ids {
		e.Events.Append(eventlog.Event{
			OriginNodeID: id,
			Type:         eventlog.ClockSynced,
			Description:  fmt.Sprintf("Node %d clock synchronized to %d", id, synced[id]),
			Metadata:     map[string]any{"synced_to": synced[id]},
		})
	}
	log.Printf("Synchronized %d node clocks", len(ids))
	return synced
}

// Clocks returns every node's current logical clock.
func (e *Engine) Clocks() map[int]uint64 {
	clocks := e.Events.Clock().Snapshot()
	delete(clocks, eventlog.CoordinatorID)
	return clocks
}
