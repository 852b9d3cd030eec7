package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dreamware/meridian/internal/clock"
	"github.com/dreamware/meridian/internal/cluster"
	"github.com/dreamware/meridian/internal/eventlog"
)

// fakeCoordinator serves the membership endpoints the agent uses from a real
// registry.
type fakeCoordinator struct {
	reg        *cluster.Registry
	unavail    atomic.Int32 // join requests to reject with 503 first
	joins      atomic.Int32
	heartbeats atomic.Int32
}

func newFakeCoordinator(t *testing.T) (*fakeCoordinator, *httptest.Server) {
	t.Helper()
	fc := &fakeCoordinator{
		reg: cluster.NewRegistry(eventlog.New(clock.NewLamport(), 100), cluster.RegistryConfig{}),
	}
	mux := http.NewServeMux()
	mux.HandleFunc("POST /nodes", func(w http.ResponseWriter, r *http.Request) {
		fc.joins.Add(1)
		if fc.unavail.Add(-1) >= 0 {
			http.Error(w, "starting", http.StatusServiceUnavailable)
			return
		}
		var req cluster.JoinRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "bad json", http.StatusBadRequest)
			return
		}
		n, err := fc.reg.Join(req.NodeID)
		if err == nil && req.Weight > 0 {
			n, err = fc.reg.SetWeight(req.NodeID, req.Weight)
		}
		respond(w, http.StatusCreated, n, err)
	})
	mux.HandleFunc("POST /nodes/{id}/heartbeat", func(w http.ResponseWriter, r *http.Request) {
		fc.heartbeats.Add(1)
		id, _ := strconv.Atoi(r.PathValue("id"))
		n, err := fc.reg.Heartbeat(id)
		respond(w, http.StatusOK, cluster.HeartbeatResponse{Node: n}, err)
	})
	mux.HandleFunc("POST /nodes/{id}/recover", func(w http.ResponseWriter, r *http.Request) {
		id, _ := strconv.Atoi(r.PathValue("id"))
		err := fc.reg.Recover(id)
		n, _ := fc.reg.Get(id)
		respond(w, http.StatusOK, n, err)
	})
	ts := httptest.NewServer(mux)
	t.Cleanup(ts.Close)
	return fc, ts
}

func respond(w http.ResponseWriter, code int, v any, err error) {
	var (
		dup      *cluster.DuplicateNodeError
		notFound *cluster.NodeNotFoundError
		notLive  *cluster.NodeNotLiveError
	)
	switch {
	case err == nil:
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(code)
		_ = json.NewEncoder(w).Encode(v)
	case errors.As(err, &dup), errors.As(err, &notLive):
		http.Error(w, err.Error(), http.StatusConflict)
	case errors.As(err, &notFound):
		http.Error(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, cluster.ErrInvalidNodeID):
		http.Error(w, err.Error(), http.StatusBadRequest)
	default:
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

func fastJoins(t *testing.T) {
	t.Helper()
	attempts, delay := joinAttempts, joinDelay
	joinAttempts, joinDelay = 3, time.Millisecond
	t.Cleanup(func() { joinAttempts, joinDelay = attempts, delay })
}

func TestRegister(t *testing.T) {
	fastJoins(t)

	tests := []struct {
		name      string
		unavail   int32
		nodeID    int
		wantErr   bool
		wantJoins int32
	}{
		{name: "first try", nodeID: 1, wantJoins: 1},
		{name: "after retries", unavail: 2, nodeID: 1, wantJoins: 3},
		{name: "gives up", unavail: 5, nodeID: 1, wantErr: true, wantJoins: 3},
		{name: "invalid id is not retried", nodeID: -1, wantErr: true, wantJoins: 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fc, ts := newFakeCoordinator(t)
			fc.unavail.Store(tt.unavail)

			a := NewAgent(Config{Coordinator: ts.URL, NodeID: tt.nodeID, Weight: 2})
			err := a.Register(context.Background())
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				require.NoError(t, err)
				n, err := fc.reg.Get(tt.nodeID)
				require.NoError(t, err)
				assert.Equal(t, 2, n.Weight)
				assert.Equal(t, tt.nodeID, a.Info().Node.ID)
			}
			assert.Equal(t, tt.wantJoins, fc.joins.Load())
		})
	}
}

func TestRegisterAlreadyJoined(t *testing.T) {
	fastJoins(t)
	fc, ts := newFakeCoordinator(t)
	_, err := fc.reg.Join(4)
	require.NoError(t, err)

	a := NewAgent(Config{Coordinator: ts.URL, NodeID: 4})
	assert.NoError(t, a.Register(context.Background()))
	assert.Equal(t, int32(1), fc.joins.Load())
}

func TestRegisterUnreachable(t *testing.T) {
	fastJoins(t)
	ts := httptest.NewServer(http.NotFoundHandler())
	url := ts.URL
	ts.Close()

	a := NewAgent(Config{Coordinator: url, NodeID: 1})
	assert.Error(t, a.Register(context.Background()))
}

func TestRegisterCancelled(t *testing.T) {
	fastJoins(t)
	joinDelay = time.Hour
	fc, ts := newFakeCoordinator(t)
	fc.unavail.Store(10)

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(20*time.Millisecond, cancel)
	err := NewAgent(Config{Coordinator: ts.URL, NodeID: 1}).Register(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestBeat(t *testing.T) {
	fastJoins(t)
	fc, ts := newFakeCoordinator(t)
	a := NewAgent(Config{Coordinator: ts.URL, NodeID: 2})
	require.NoError(t, a.Register(context.Background()))

	require.NoError(t, a.Beat(context.Background()))
	info := a.Info()
	assert.Equal(t, cluster.StatusActive, info.Node.Status)
	assert.False(t, info.LastBeat.IsZero())
	assert.Zero(t, info.Recoveries)

	// A failed node recovers and becomes active on the follow-up heartbeat.
	require.NoError(t, fc.reg.MarkFailed(2))
	require.NoError(t, a.Beat(context.Background()))
	n, err := fc.reg.Get(2)
	require.NoError(t, err)
	assert.Equal(t, cluster.StatusActive, n.Status)
	assert.Equal(t, 1, a.Info().Recoveries)
	assert.Equal(t, 1, a.Info().Failures)
}

func TestBeatRejoinsUnknownNode(t *testing.T) {
	fastJoins(t)
	fc, ts := newFakeCoordinator(t)
	a := NewAgent(Config{Coordinator: ts.URL, NodeID: 6})

	require.NoError(t, a.Beat(context.Background()))
	n, err := fc.reg.Get(6)
	require.NoError(t, err)
	assert.Equal(t, cluster.StatusActive, n.Status)
	assert.Equal(t, int32(1), fc.joins.Load())
}

func TestRunSendsHeartbeats(t *testing.T) {
	fastJoins(t)
	fc, ts := newFakeCoordinator(t)
	a := NewAgent(Config{Coordinator: ts.URL, NodeID: 1, Interval: 10 * time.Millisecond})
	require.NoError(t, a.Register(context.Background()))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		a.Run(ctx)
		close(done)
	}()

	assert.Eventually(t, func() bool { return fc.heartbeats.Load() >= 3 }, time.Second, 5*time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestAgentRoutes(t *testing.T) {
	a := NewAgent(Config{Coordinator: "http://coord", NodeID: 9})
	ts := httptest.NewServer(a.routes())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/health")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Get(ts.URL + "/info")
	require.NoError(t, err)
	defer resp.Body.Close()
	var info Info
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&info))
	assert.Equal(t, 9, info.NodeID)
	assert.Equal(t, "http://coord", info.Coordinator)
}

func TestNewAgentDefaultsInterval(t *testing.T) {
	a := NewAgent(Config{NodeID: 1})
	assert.Equal(t, time.Second, a.cfg.Interval)
}
