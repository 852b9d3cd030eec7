// Package eventlog provides the append-only coordination event log.
//
// Every state change in the engine is recorded here, stamped by the origin
// node's Lamport clock. The log keeps events in (timestamp, origin) order,
// evicts the oldest entries past a configured size, and serves filtered,
// restartable iterators over a consistent snapshot.
package eventlog

import (
	"iter"
	"log"
	"sort"
	"sync"
	"time"

	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"

	"github.com/dreamware/meridian/internal/clock"
)

// DefaultMaxSize is the number of events retained when no size is given.
const DefaultMaxSize = 1000

// Sink persists events as they are appended.
type Sink interface {
	SaveEvent(e Event) error
	ClearEvents() error
}

// Log is the ordered, size-capped event log.
// Thread-safe: appends are serialized; queries read a snapshot.
type Log struct {
	mu        sync.RWMutex
	events    []Event
	maxSize   int
	clock     *clock.Lamport
	sink      Sink
	observers []func(Event)
	now       func() time.Time
}

// New creates a log stamping events with c and retaining at most maxSize
// events. A non-positive maxSize selects DefaultMaxSize.
func New(c *clock.Lamport, maxSize int) *Log {
	if maxSize <= 0 {
		maxSize = DefaultMaxSize
	}
	return &Log{
		clock:   c,
		maxSize: maxSize,
		now:     time.Now,
	}
}

// Clock returns the clock set used to stamp events.
func (l *Log) Clock() *clock.Lamport {
	return l.clock
}

// SetSink attaches a persistence sink. Sink errors are logged, never returned.
func (l *Log) SetSink(s Sink) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.sink = s
}

// Observe registers fn to be called, outside the log's lock, after each append.
func (l *Log) Observe(fn func(Event)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.observers = append(l.observers, fn)
}

// Append ticks the origin node's clock, stamps e with the result, and
// inserts it into the total order. The stamped event is returned.
func (l *Log) Append(e Event) Event {
	e.LamportTimestamp = l.clock.Tick(e.OriginNodeID)
	return l.insert(e)
}

// AppendAfter is Append for an event causally dependent on a remote event
// stamped cause: the origin clock receives cause before stamping.
func (l *Log) AppendAfter(cause uint64, e Event) Event {
	e.LamportTimestamp = l.clock.Receive(e.OriginNodeID, cause)
	return l.insert(e)
}

func (l *Log) insert(e Event) Event {
	if e.Severity == "" {
		e.Severity = Info
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = l.now()
	}
	if e.Metadata != nil {
		e.Metadata = maps.Clone(e.Metadata)
	}

	l.mu.Lock()
	l.insertLocked(e)
	sink := l.sink
	observers := slices.Clone(l.observers)
	l.mu.Unlock()

	if sink != nil {
		if err := sink.SaveEvent(e); err != nil {
			log.Printf("event log: persist %s@%d failed: %v", e.Type, e.LamportTimestamp, err)
		}
	}
	for _, fn := range observers {
		fn(e)
	}
	return e
}

func (l *Log) insertLocked(e Event) {
	i := sort.Search(len(l.events), func(i int) bool { return e.Less(l.events[i]) })
	l.events = slices.Insert(l.events, i, e)
	if over := len(l.events) - l.maxSize; over > 0 {
		l.events = slices.Delete(l.events, 0, over)
	}
}

// Restore loads previously persisted events without stamping them and
// raises every origin clock to the highest timestamp seen for it.
func (l *Log) Restore(events []Event) {
	l.mu.Lock()
	defer l.mu.Unlock()

	for _, e := range events {
		l.clock.Restore(e.OriginNodeID, e.LamportTimestamp)
		l.insertLocked(e)
	}
}

// Query returns a lazy sequence of events matching f in total order.
// Each iteration reads a fresh snapshot, so the sequence can be ranged over
// repeatedly and never observes a half-applied append.
func (l *Log) Query(f Filter) iter.Seq[Event] {
	return func(yield func(Event) bool) {
		l.mu.RLock()
		snapshot := slices.Clone(l.events)
		l.mu.RUnlock()

		if f.Limit > 0 {
			matched := make([]Event, 0, f.Limit)
			for _, e := range snapshot {
				if f.Match(e) {
					matched = append(matched, e)
				}
			}
			if len(matched) > f.Limit {
				matched = matched[len(matched)-f.Limit:]
			}
			snapshot = matched
		}

		for _, e := range snapshot {
			if f.Limit <= 0 && !f.Match(e) {
				continue
			}
			if !yield(e) {
				return
			}
		}
	}
}

// Events returns every retained event matching f.
func (l *Log) Events(f Filter) []Event {
	out := []Event{}
	for e := range l.Query(f) {
		out = append(out, e)
	}
	return out
}

// Len returns the number of retained events.
func (l *Log) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.events)
}

// MaxSize returns the retention cap.
func (l *Log) MaxSize() int {
	return l.maxSize
}

// Clear drops every retained event. Clocks are left untouched so new
// events still order after everything previously observed.
func (l *Log) Clear() error {
	l.mu.Lock()
	l.events = nil
	sink := l.sink
	l.mu.Unlock()

	if sink != nil {
		return sink.ClearEvents()
	}
	return nil
}
