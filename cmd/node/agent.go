package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/dreamware/meridian/internal/cluster"
)

// Config holds the agent settings.
type Config struct {
	Coordinator string
	NodeID      int
	Weight      int
	Interval    time.Duration
}

// Join retries. Variables so tests can shorten them.
var (
	joinAttempts = 10
	joinDelay    = 400 * time.Millisecond
)

// Agent keeps one node registered and live with the coordinator.
type Agent struct {
	cfg Config

	mu         sync.RWMutex
	last       cluster.Node
	lastBeat   time.Time
	failures   int
	recoveries int
}

func NewAgent(cfg Config) *Agent {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Second
	}
	return &Agent{cfg: cfg}
}

// Register joins the coordinator, retrying while it is unreachable. A
// duplicate-node response means an earlier run already joined and counts as
// success.
func (a *Agent) Register(ctx context.Context) error {
	body := cluster.JoinRequest{NodeID: a.cfg.NodeID, Weight: a.cfg.Weight}
	var lastErr error
	for i := 0; i < joinAttempts; i++ {
		var node cluster.Node
		lastErr = cluster.PostJSON(ctx, a.cfg.Coordinator+"/nodes", body, &node)
		if lastErr == nil {
			a.observe(node)
			log.Printf("node[%d] joined coordinator @ %s", a.cfg.NodeID, a.cfg.Coordinator)
			return nil
		}
		var se *cluster.StatusError
		if errors.As(lastErr, &se) {
			switch se.Code {
			case http.StatusConflict:
				log.Printf("node[%d] already registered with %s", a.cfg.NodeID, a.cfg.Coordinator)
				return nil
			case http.StatusBadRequest:
				return lastErr
			}
		}
		log.Printf("join retry %d: %v", i+1, lastErr)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(joinDelay):
		}
	}
	return lastErr
}

// Run sends heartbeats until ctx is done.
func (a *Agent) Run(ctx context.Context) {
	ticker := time.NewTicker(a.cfg.Interval)
	defer ticker.Stop()

	for {
		if err := a.Beat(ctx); err != nil && ctx.Err() == nil {
			log.Printf("node[%d] heartbeat failed: %v", a.cfg.NodeID, err)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Beat sends one heartbeat. When the coordinator reports the node failed,
// Beat asks for recovery and heartbeats again, which completes it.
func (a *Agent) Beat(ctx context.Context) error {
	err := a.heartbeat(ctx)
	var se *cluster.StatusError
	if !errors.As(err, &se) {
		return err
	}

	switch se.Code {
	case http.StatusConflict:
		a.mu.Lock()
		a.recoveries++
		a.mu.Unlock()
		log.Printf("node[%d] marked failed, requesting recovery", a.cfg.NodeID)
		if err := cluster.PostJSON(ctx, a.url("recover"), struct{}{}, nil); err != nil {
			return fmt.Errorf("recover: %w", err)
		}
		return a.heartbeat(ctx)
	case http.StatusNotFound:
		// The coordinator lost its membership, e.g. after a restart
		// without persistence.
		log.Printf("node[%d] unknown to coordinator, joining again", a.cfg.NodeID)
		if err := a.Register(ctx); err != nil {
			return err
		}
		return a.heartbeat(ctx)
	}
	return err
}

func (a *Agent) heartbeat(ctx context.Context) error {
	var resp cluster.HeartbeatResponse
	if err := cluster.PostJSON(ctx, a.url("heartbeat"), struct{}{}, &resp); err != nil {
		a.mu.Lock()
		a.failures++
		a.mu.Unlock()
		return err
	}
	a.observe(resp.Node)
	return nil
}

func (a *Agent) observe(n cluster.Node) {
	a.mu.Lock()
	a.last = n
	a.lastBeat = time.Now()
	a.mu.Unlock()
}

func (a *Agent) url(action string) string {
	return fmt.Sprintf("%s/nodes/%d/%s", a.cfg.Coordinator, a.cfg.NodeID, action)
}

// Info is the agent's view of itself, served on /info.
type Info struct {
	NodeID      int          `json:"node_id"`
	Coordinator string       `json:"coordinator"`
	Node        cluster.Node `json:"node"`
	LastBeat    time.Time    `json:"last_beat"`
	Failures    int          `json:"failures"`
	Recoveries  int          `json:"recoveries"`
}

func (a *Agent) Info() Info {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return Info{
		NodeID:      a.cfg.NodeID,
		Coordinator: a.cfg.Coordinator,
		Node:        a.last,
		LastBeat:    a.lastBeat,
		Failures:    a.failures,
		Recoveries:  a.recoveries,
	}
}

func (a *Agent) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("GET /info", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(a.Info())
	})
	return mux
}
