// Package balancer routes logical requests to live nodes.
//
// Routing increments the chosen node's load in the registry; callers release
// it when the request completes. Strategies:
//
//   - round_robin: cycles live nodes in id order, resuming after the last
//     routed node; the cursor resets when the live set changes
//   - least_connections: lowest current load, ties to the lowest id
//   - weighted: proportional to node weight via cumulative-weight selection
//   - random: uniform over live nodes
//   - key_hash: rendezvous hashing of the request key, so a key sticks to one
//     node while that node is live
package balancer

import (
	"errors"
	"fmt"
	"log"
	"math/rand"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/spaolacci/murmur3"
	"golang.org/x/exp/slices"

	"github.com/dreamware/meridian/internal/cluster"
	"github.com/dreamware/meridian/internal/eventlog"
	"github.com/dreamware/meridian/internal/metrics"
)

// Strategy names a routing policy.
type Strategy string

const (
	RoundRobin       Strategy = "round_robin"
	LeastConnections Strategy = "least_connections"
	Weighted         Strategy = "weighted"
	Random           Strategy = "random"
	KeyHash          Strategy = "key_hash"
)

// ParseStrategy accepts a strategy name in any case.
func ParseStrategy(s string) (Strategy, error) {
	switch st := Strategy(strings.ToLower(strings.TrimSpace(s))); st {
	case RoundRobin, LeastConnections, Weighted, Random, KeyHash:
		return st, nil
	}
	return "", fmt.Errorf("unknown load balancing strategy %q", s)
}

// ErrNoAvailableNode is returned when no node is live.
var ErrNoAvailableNode = errors.New("no available node")

// Membership is the part of the node registry the balancer needs.
type Membership interface {
	ListActive() []cluster.Node
	AddLoad(id, delta int) (cluster.Node, error)
}

// Request describes one routed request.
type Request struct {
	ID  uuid.UUID `json:"id"`
	Key string    `json:"key,omitempty"`
}

// NodeStats is one node's share of routed traffic.
type NodeStats struct {
	NodeID      int     `json:"node_id"`
	Status      string  `json:"status"`
	CurrentLoad int     `json:"current_load"`
	Weight      int     `json:"weight"`
	Routed      int64   `json:"routed"`
	Percentage  float64 `json:"percentage"`
}

// Stats is the balancer's view of the cluster.
type Stats struct {
	Strategy    Strategy    `json:"strategy"`
	TotalRouted int64       `json:"total_routed"`
	Nodes       []NodeStats `json:"nodes"`
}

// Balancer routes requests to live nodes. Safe for concurrent use.
type Balancer struct {
	members Membership
	events  *eventlog.Log
	metrics *metrics.Metrics

	mu       sync.Mutex
	strategy Strategy
	cursor   int   // last node routed by round robin
	cursorOn []int // live ids the cursor refers to
	rng      *rand.Rand
	routed   map[int]int64
	total    int64
}

// New creates a balancer. An empty strategy selects RoundRobin.
func New(members Membership, events *eventlog.Log, strategy Strategy, m *metrics.Metrics) *Balancer {
	if strategy == "" {
		strategy = RoundRobin
	}
	return &Balancer{
		members:  members,
		events:   events,
		metrics:  m,
		strategy: strategy,
		rng:      rand.New(rand.NewSource(time.Now().UnixNano())),
		routed:   make(map[int]int64),
	}
}

// SetRand replaces the random source used by Random and Weighted.
func (b *Balancer) SetRand(r *rand.Rand) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.rng = r
}

// Strategy returns the current strategy.
func (b *Balancer) Strategy() Strategy {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.strategy
}

// SetStrategy changes the strategy and resets the round robin cursor.
func (b *Balancer) SetStrategy(s Strategy) error {
	if _, err := ParseStrategy(string(s)); err != nil {
		return err
	}
	b.mu.Lock()
	prev := b.strategy
	b.strategy = s
	b.cursor, b.cursorOn = 0, nil
	b.mu.Unlock()

	if prev != s {
		b.events.Append(eventlog.Event{
			OriginNodeID: eventlog.CoordinatorID,
			Type:         eventlog.StrategyChanged,
			Description:  fmt.Sprintf("Load balancing strategy changed from %s to %s", prev, s),
			Metadata:     map[string]any{"previous": string(prev), "strategy": string(s)},
		})
		log.Printf("Load balancing strategy set to %s", s)
	}
	return nil
}

// Route picks a node for req and increments its load.
func (b *Balancer) Route(req Request) (int, error) {
	nodes := b.members.ListActive()
	if len(nodes) == 0 {
		b.events.Append(eventlog.Event{
			OriginNodeID: eventlog.CoordinatorID,
			Type:         eventlog.RequestFailed,
			Severity:     eventlog.Error,
			Description:  fmt.Sprintf("Request %s could not be routed: no available node", req.ID),
			Metadata:     map[string]any{"request_id": req.ID.String(), "operation": "route"},
		})
		return 0, ErrNoAvailableNode
	}

	b.mu.Lock()
	strategy := b.strategy
	var id int
	switch strategy {
	case LeastConnections:
		id = pickLeast(nodes)
	case Weighted:
		id = pickWeighted(nodes, b.rng)
	case Random:
		id = nodes[b.rng.Intn(len(nodes))].ID
	case KeyHash:
		key := req.Key
		if key == "" {
			key = req.ID.String()
		}
		id = pickHash(nodes, key)
	default:
		id = b.nextRoundRobinLocked(nodes)
	}
	b.routed[id]++
	b.total++
	b.mu.Unlock()

	if _, err := b.members.AddLoad(id, 1); err != nil {
		return 0, err
	}
	b.metrics.ObserveRoute(string(strategy), id)
	return id, nil
}

// Release decrements a node's load after a routed request completes.
func (b *Balancer) Release(nodeID int) (cluster.Node, error) {
	return b.members.AddLoad(nodeID, -1)
}

// Stats reports per-node load and routed share, in id order.
func (b *Balancer) Stats() Stats {
	nodes := b.members.ListActive()

	b.mu.Lock()
	defer b.mu.Unlock()

	out := Stats{Strategy: b.strategy, TotalRouted: b.total, Nodes: make([]NodeStats, 0, len(nodes))}
	for _, n := range nodes {
		ns := NodeStats{
			NodeID:      n.ID,
			Status:      string(n.Status),
			CurrentLoad: n.CurrentLoad,
			Weight:      n.EffectiveWeight(),
			Routed:      b.routed[n.ID],
		}
		if b.total > 0 {
			ns.Percentage = float64(ns.Routed) * 100 / float64(b.total)
		}
		out.Nodes = append(out.Nodes, ns)
	}
	return out
}

func (b *Balancer) nextRoundRobinLocked(nodes []cluster.Node) int {
	ids := make([]int, len(nodes))
	for i, n := range nodes {
		ids[i] = n.ID
	}
	if !slices.Equal(ids, b.cursorOn) {
		b.cursorOn = ids
		b.cursor = 0
	}
	next := ids[0]
	for _, id := range ids {
		if id > b.cursor {
			next = id
			break
		}
	}
	b.cursor = next
	return next
}

func pickLeast(nodes []cluster.Node) int {
	best := nodes[0]
	for _, n := range nodes[1:] {
		if n.CurrentLoad < best.CurrentLoad {
			best = n
		}
	}
	return best.ID
}

func pickWeighted(nodes []cluster.Node, rng *rand.Rand) int {
	total := 0
	for _, n := range nodes {
		total += n.EffectiveWeight()
	}
	r := rng.Intn(total)
	for _, n := range nodes {
		r -= n.EffectiveWeight()
		if r < 0 {
			return n.ID
		}
	}
	return nodes[len(nodes)-1].ID
}

// pickHash returns the node with the highest murmur3 score for key.
func pickHash(nodes []cluster.Node, key string) int {
	best, bestScore := 0, uint64(0)
	for _, n := range nodes {
		score := murmur3.Sum64([]byte(key + "#" + strconv.Itoa(n.ID)))
		if best == 0 || score > bestScore {
			best, bestScore = n.ID, score
		}
	}
	return best
}
