// Package election implements bully leader election over the node registry.
//
// An election runs through Idle, Announcing, Collecting, and Decided. The
// initiator sends an election message to every live node with a higher id
// and waits one answer window; the lowest node that answered takes over as
// initiator for the remaining higher ids. When a round gets no answers, the
// current initiator wins. The live node with the highest id therefore always
// becomes leader.
//
// Concurrent triggers are coalesced: while an election is in flight, later
// callers wait for it and receive its result.
package election

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
)

// Phase is the elector's position in the election state machine.
type Phase string

const (
	PhaseIdle       Phase = "idle"
	PhaseAnnouncing Phase = "announcing"
	PhaseCollecting Phase = "collecting"
	PhaseDecided    Phase = "decided"
)

// ErrNoQuorumForElection is returned when no live node can take part.
var ErrNoQuorumForElection = errors.New("no live nodes available for election")

// Membership is the part of the node registry the elector needs.
type Membership interface {
	ListActive() []cluster.Node
	IsLive(id int) bool
	Promote(id int) (int, error)
}

// Responder delivers an election message from one node to another and
// reports whether the target answered. It must honor ctx.
type Responder func(ctx context.Context, from, to int) bool

// HistoryStore persists completed election records.
type HistoryStore interface {
	SaveElection(r Record) error
}

// Record describes one completed election.
type Record struct {
	ElectionID     int64     `json:"election_id"`
	WinnerID       int       `json:"winner_id"`
	ParticipantIDs []int     `json:"participant_ids"`
	StartedAt      time.Time `json:"started_at"`
	FinishedAt     time.Time `json:"finished_at"`
}

// Config holds elector settings.
type Config struct {
	// AckTimeout bounds how long one round waits for answers.
	AckTimeout time.Duration
	// Timeout bounds a whole election.
	Timeout time.Duration
	// HistorySize is the number of records kept in History.
	HistorySize int
	Metrics     *metrics.Metrics
}

// DefaultConfig returns the settings used when a field is left zero.
func DefaultConfig() Config {
	return Config{
		AckTimeout:  250 * time.Millisecond,
		Timeout:     5 * time.Second,
		HistorySize: 50,
	}
}

type attempt struct {
	done chan struct{}
	rec  Record
	err  error
}

// Elector runs bully elections. Safe for concurrent use.
type Elector struct {
	members Membership
	events  *eventlog.Log
	cfg     Config
	now     func() time.Time

	mu       sync.Mutex
	phase    Phase
	inflight *attempt
	respond  Responder
	history  []Record
	nextID   int64
	sink     HistoryStore
}

// New creates an idle elector. Zero Config fields take DefaultConfig values.
func New(members Membership, events *eventlog.Log, cfg Config) *Elector {
	def := DefaultConfig()
	if cfg.AckTimeout <= 0 {
		cfg.AckTimeout = def.AckTimeout
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	if cfg.HistorySize <= 0 {
		cfg.HistorySize = def.HistorySize
	}
	e := &Elector{
		members: members,
		events:  events,
		cfg:     cfg,
		now:     time.Now,
		phase:   PhaseIdle,
		nextID:  1,
	}
	e.respond = func(_ context.Context, _, to int) bool { return members.IsLive(to) }
	return e
}

// SetResponder replaces the in-process responder, which answers for every
// live node immediately.
func (e *Elector) SetResponder(fn Responder) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.respond = fn
}

// SetSink attaches a persistence sink for election records.
func (e *Elector) SetSink(s HistoryStore) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.sink = s
}

// Phase returns the current phase.
func (e *Elector) Phase() Phase {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.phase
}

func (e *Elector) setPhase(p Phase) {
	e.mu.Lock()
	e.phase = p
	e.mu.Unlock()
}

// History returns retained election records, oldest first.
func (e *Elector) History() []Record {
	e.mu.Lock()
	defer e.mu.Unlock()

	out := make([]Record, len(e.history))
	for i, r := range e.history {
		r.ParticipantIDs = slices.Clone(r.ParticipantIDs)
		out[i] = r
	}
	return out
}

// Restore loads persisted records, oldest first, without emitting events.
func (e *Elector) Restore(records []Record) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, r := range records {
		e.pushLocked(r)
		if r.ElectionID >= e.nextID {
			e.nextID = r.ElectionID + 1
		}
	}
}

func (e *Elector) pushLocked(r Record) {
	e.history = append(e.history, r)
	if over := len(e.history) - e.cfg.HistorySize; over > 0 {
		e.history = slices.Delete(e.history, 0, over)
	}
}

// Trigger runs an election, or joins the one already in flight.
//
// initiator is the node that starts the election; an id that is not live
// (including 0) selects the lowest live id. cause is the Lamport timestamp of
// the event that prompted the election, or 0 for a manual trigger.
//
// Returns:
//   - the completed Record
//   - ErrNoQuorumForElection when no node is live
//   - ctx.Err() when cancelled before a decision; leadership is unchanged
func (e *Elector) Trigger(ctx context.Context, initiator int, cause uint64) (Record, error) {
	e.mu.Lock()
	if a := e.inflight; a != nil {
		e.mu.Unlock()
		select {
		case <-a.done:
			return a.rec, a.err
		case <-ctx.Done():
			return Record{}, ctx.Err()
		}
	}
	a := &attempt{done: make(chan struct{})}
	e.inflight = a
	e.phase = PhaseAnnouncing
	e.mu.Unlock()

	start := e.now()
	a.rec, a.err = e.run(ctx, initiator, cause)

	result := "decided"
	switch {
	case errors.Is(a.err, ErrNoQuorumForElection):
		result = "no_quorum"
	case a.err != nil:
		result = "aborted"
	}
	e.cfg.Metrics.ObserveElection(result, e.now().Sub(start))

	e.mu.Lock()
	e.inflight = nil
	e.phase = PhaseIdle
	e.mu.Unlock()
	close(a.done)
	return a.rec, a.err
}

func (e *Elector) run(ctx context.Context, initiator int, cause uint64) (Record, error) {
	ctx, cancel := context.WithTimeout(ctx, e.cfg.Timeout)
	defer cancel()

	startedAt := e.now()
	live := liveIDs(e.members.ListActive())
	if len(live) == 0 {
		e.fail(cause, eventlog.Critical, ErrNoQuorumForElection)
		return Record{}, ErrNoQuorumForElection
	}
	if !slices.Contains(live, initiator) {
		initiator = live[0]
	}

	started := e.appendFrom(cause, eventlog.Event{
		OriginNodeID: initiator,
		Type:         eventlog.ElectionStarted,
		Description:  fmt.Sprintf("Node %d started an election", initiator),
		Metadata:     map[string]any{"live_nodes": live},
	})
	log.Printf("Election started by node %d (live=%v)", initiator, live)

	participants := []int{initiator}
	current := initiator
	for {
		higher := higherLive(e.members, live, current)
		if len(higher) == 0 {
			break
		}
		e.setPhase(PhaseCollecting)
		answered := e.broadcast(ctx, current, higher)
		if err := ctx.Err(); err != nil {
			e.fail(started.LamportTimestamp, eventlog.Error, fmt.Errorf("election cancelled: %w", err))
			return Record{}, err
		}
		if len(answered) == 0 {
			break
		}
		for _, id := range answered {
			if !slices.Contains(participants, id) {
				participants = append(participants, id)
			}
		}
		current = answered[0]
	}

	e.setPhase(PhaseDecided)
	if err := ctx.Err(); err != nil {
		e.fail(started.LamportTimestamp, eventlog.Error, fmt.Errorf("election cancelled: %w", err))
		return Record{}, err
	}
	previous, err := e.members.Promote(current)
	if err != nil {
		e.fail(started.LamportTimestamp, eventlog.Error, err)
		return Record{}, fmt.Errorf("promote node %d: %w", current, err)
	}

	slices.Sort(participants)
	e.events.AppendAfter(started.LamportTimestamp, eventlog.Event{
		OriginNodeID: current,
		Type:         eventlog.LeaderElected,
		Description:  fmt.Sprintf("Node %d elected leader", current),
		Metadata: map[string]any{
			"previous_leader": previous,
			"participants":    participants,
		},
	})
	log.Printf("Node %d elected leader (previous=%d)", current, previous)

	e.mu.Lock()
	rec := Record{
		ElectionID:     e.nextID,
		WinnerID:       current,
		ParticipantIDs: participants,
		StartedAt:      startedAt,
		FinishedAt:     e.now(),
	}
	e.nextID++
	e.pushLocked(rec)
	sink := e.sink
	e.mu.Unlock()

	if sink != nil {
		if err := sink.SaveElection(rec); err != nil {
			log.Printf("election: persist record %d failed: %v", rec.ElectionID, err)
		}
	}
	rec.ParticipantIDs = slices.Clone(participants)
	return rec, nil
}

// broadcast sends an election message from one node to each target and
// returns the ids that answered within the ack window, sorted.
func (e *Elector) broadcast(ctx context.Context, from int, targets []int) []int {
	e.mu.Lock()
	respond := e.respond
	e.mu.Unlock()

	window, cancel := context.WithTimeout(ctx, e.cfg.AckTimeout)
	defer cancel()

	clk := e.events.Clock()
	answers := make(chan int, len(targets))
	for _, to := range targets {
		sent := clk.Tick(from)
		go func(to int, sent uint64) {
			clk.Receive(to, sent)
			if respond(window, from, to) {
				answers <- to
				return
			}
			answers <- 0
		}(to, sent)
	}

	var answered []int
	for pending := len(targets); pending > 0; pending-- {
		select {
		case id := <-answers:
			if id != 0 {
				answered = append(answered, id)
			}
		case <-window.Done():
			slices.Sort(answered)
			return answered
		}
	}
	slices.Sort(answered)
	return answered
}

func (e *Elector) appendFrom(cause uint64, ev eventlog.Event) eventlog.Event {
	if cause > 0 {
		return e.events.AppendAfter(cause, ev)
	}
	return e.events.Append(ev)
}

// fail records an election that ended without a decision.
func (e *Elector) fail(cause uint64, sev eventlog.Severity, err error) {
	e.appendFrom(cause, eventlog.Event{
		OriginNodeID: eventlog.CoordinatorID,
		Type:         eventlog.ElectionFailed,
		Severity:     sev,
		Description:  fmt.Sprintf("Election failed: %v", err),
		Metadata:     map[string]any{"error": err.Error()},
	})
	log.Printf("Election failed: %v", err)
}

func liveIDs(nodes []cluster.Node) []int {
	ids := make([]int, len(nodes))
	for i, n := range nodes {
		ids[i] = n.ID
	}
	return ids
}

func higherLive(m Membership, live []int, than int) []int {
	var out []int
	for _, id := range live {
		if id > than && m.IsLive(id) {
			out = append(out, id)
		}
	}
	return out
}
