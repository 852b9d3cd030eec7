package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dreamware/meridian/internal/balancer"
	"github.com/dreamware/meridian/internal/cluster"
	"github.com/dreamware/meridian/internal/consistency"
	"github.com/dreamware/meridian/internal/coordinator"
	"github.com/dreamware/meridian/internal/election"
	"github.com/dreamware/meridian/internal/eventlog"
	"github.com/dreamware/meridian/internal/replication"
	"github.com/dreamware/meridian/internal/storage"
)

func newTestServer(t *testing.T, cfg coordinator.Config, nodeIDs ...int) (*httptest.Server, *coordinator.Engine) {
	t.Helper()
	cfg.BootstrapNodes = nodeIDs
	engine, err := coordinator.New(cfg, nil)
	require.NoError(t, err)
	require.NoError(t, engine.Start(context.Background()))
	ts := httptest.NewServer(newServer(engine).routes())
	t.Cleanup(func() {
		ts.Close()
		engine.Close()
	})
	return ts, engine
}

// call sends a JSON request and decodes a JSON response into out when out
// is non-nil. It returns the status code.
func call(t *testing.T, method, url string, body any, out any) int {
	t.Helper()
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		rd = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, url, rd)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	if out != nil && resp.StatusCode < 300 && resp.StatusCode != http.StatusNoContent {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

func TestHealthEndpoint(t *testing.T) {
	ts, _ := newTestServer(t, coordinator.Config{})
	assert.Equal(t, http.StatusOK, call(t, http.MethodGet, ts.URL+"/health", nil, nil))
}

func TestNodeEndpoints(t *testing.T) {
	ts, _ := newTestServer(t, coordinator.Config{}, 1, 2, 3)

	var joined cluster.Node
	assert.Equal(t, http.StatusCreated, call(t, http.MethodPost, ts.URL+"/nodes", cluster.JoinRequest{NodeID: 4, Weight: 2}, &joined))
	assert.Equal(t, 4, joined.ID)
	assert.Equal(t, 2, joined.Weight)
	assert.Equal(t, cluster.StatusActive, joined.Status)

	tests := []struct {
		name   string
		method string
		path   string
		body   any
		want   int
	}{
		{"duplicate join", http.MethodPost, "/nodes", cluster.JoinRequest{NodeID: 4}, http.StatusConflict},
		{"invalid id", http.MethodPost, "/nodes", cluster.JoinRequest{NodeID: 0}, http.StatusBadRequest},
		{"bad json", http.MethodPost, "/nodes", "not an object", http.StatusBadRequest},
		{"unknown node", http.MethodGet, "/nodes/99", nil, http.StatusNotFound},
		{"non numeric id", http.MethodGet, "/nodes/abc", nil, http.StatusBadRequest},
		{"fail unknown node", http.MethodPost, "/nodes/99/fail", nil, http.StatusNotFound},
		{"zero weight", http.MethodPost, "/nodes/1/weight", map[string]int{"weight": 0}, http.StatusBadRequest},
		{"negative load", http.MethodPost, "/nodes/1/load", map[string]int{"load": -1}, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, call(t, tt.method, ts.URL+tt.path, tt.body, nil))
		})
	}

	var list struct {
		Nodes []cluster.Node `json:"nodes"`
	}
	require.Equal(t, http.StatusOK, call(t, http.MethodGet, ts.URL+"/nodes", nil, &list))
	require.Len(t, list.Nodes, 4)
	for i, n := range list.Nodes {
		assert.Equal(t, i+1, n.ID, "join order")
	}

	var n cluster.Node
	require.Equal(t, http.StatusOK, call(t, http.MethodPost, ts.URL+"/nodes/4/load", map[string]int{"load": 7}, &n))
	assert.Equal(t, 7, n.CurrentLoad)
}

func TestFailRecoverAndLeader(t *testing.T) {
	ts, _ := newTestServer(t, coordinator.Config{}, 1, 2, 3)

	var leader struct {
		Leader *cluster.Node `json:"leader"`
	}
	require.Equal(t, http.StatusOK, call(t, http.MethodGet, ts.URL+"/leader", nil, &leader))
	require.NotNil(t, leader.Leader)
	assert.Equal(t, 3, leader.Leader.ID)

	var n cluster.Node
	require.Equal(t, http.StatusOK, call(t, http.MethodPost, ts.URL+"/nodes/3/fail", nil, &n))
	assert.Equal(t, cluster.StatusFailed, n.Status)

	require.Equal(t, http.StatusOK, call(t, http.MethodGet, ts.URL+"/leader", nil, &leader))
	require.NotNil(t, leader.Leader)
	assert.Equal(t, 2, leader.Leader.ID, "failing the leader elects the next highest node")

	assert.Equal(t, http.StatusConflict, call(t, http.MethodPost, ts.URL+"/nodes/3/heartbeat", nil, nil),
		"failed nodes must recover before heartbeating")

	require.Equal(t, http.StatusOK, call(t, http.MethodPost, ts.URL+"/nodes/3/recover", nil, &n))
	assert.NotEqual(t, cluster.StatusFailed, n.Status)

	var hb cluster.HeartbeatResponse
	require.Equal(t, http.StatusOK, call(t, http.MethodPost, ts.URL+"/nodes/3/heartbeat", nil, &hb))
	assert.Equal(t, cluster.StatusActive, hb.Node.Status)
}

func TestLeaderIsNullWithoutNodes(t *testing.T) {
	ts, _ := newTestServer(t, coordinator.Config{})

	resp, err := http.Get(ts.URL + "/leader")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	assert.JSONEq(t, `{"leader":null}`, string(body))

	assert.Equal(t, http.StatusServiceUnavailable, call(t, http.MethodPost, ts.URL+"/election/trigger", nil, nil))
}

func TestElectionEndpoints(t *testing.T) {
	ts, _ := newTestServer(t, coordinator.Config{}, 1, 2, 3)

	var rec election.Record
	require.Equal(t, http.StatusOK, call(t, http.MethodPost, ts.URL+"/election/trigger", map[string]int{"initiator": 1}, &rec))
	assert.Equal(t, 3, rec.WinnerID)
	assert.Equal(t, []int{1, 2, 3}, rec.ParticipantIDs)

	var hist struct {
		Phase   election.Phase    `json:"phase"`
		History []election.Record `json:"history"`
	}
	require.Equal(t, http.StatusOK, call(t, http.MethodGet, ts.URL+"/election/history", nil, &hist))
	assert.Equal(t, election.PhaseIdle, hist.Phase)
	assert.Len(t, hist.History, 2, "bootstrap election plus the manual one")
}

func TestConsistencyEndpoints(t *testing.T) {
	ts, _ := newTestServer(t, coordinator.Config{}, 1, 2, 3, 4, 5)

	var mode modeBody
	require.Equal(t, http.StatusOK, call(t, http.MethodGet, ts.URL+"/consistency/mode", nil, &mode))
	assert.Equal(t, consistency.Strong, mode.Mode)
	require.Equal(t, http.StatusOK, call(t, http.MethodPost, ts.URL+"/consistency/mode", modeBody{Mode: "quorum"}, &mode))
	assert.Equal(t, consistency.Quorum, mode.Mode)
	assert.Equal(t, http.StatusBadRequest, call(t, http.MethodPost, ts.URL+"/consistency/mode", modeBody{Mode: "causal"}, nil))

	var wr writeResult
	require.Equal(t, http.StatusOK, call(t, http.MethodPost, ts.URL+"/consistency/write", writeBody{Key: "menu:1", Value: "pho"}, &wr))
	assert.Equal(t, uint64(1), wr.Version)
	assert.Equal(t, consistency.Quorum, wr.Mode)
	assert.GreaterOrEqual(t, len(wr.Acked), 3)

	var rd struct {
		Value   string `json:"value"`
		Version uint64 `json:"version"`
		AsOf    uint64 `json:"as_of"`
	}
	require.Equal(t, http.StatusOK, call(t, http.MethodGet, ts.URL+"/consistency/read?key=menu:1&mode=strong", nil, &rd))
	assert.Equal(t, "pho", rd.Value)
	assert.Equal(t, uint64(1), rd.Version)
	assert.Equal(t, wr.CommitTimestamp, rd.AsOf)

	stale := uint64(0)
	assert.Equal(t, http.StatusConflict, call(t, http.MethodPost, ts.URL+"/consistency/write",
		writeBody{Key: "menu:1", Value: "bun", ExpectedVersion: &stale}, nil))

	tests := []struct {
		name   string
		method string
		path   string
		body   any
		want   int
	}{
		{"missing key on write", http.MethodPost, "/consistency/write", writeBody{Value: "x"}, http.StatusBadRequest},
		{"bad mode on write", http.MethodPost, "/consistency/write", writeBody{Key: "k", Mode: "causal"}, http.StatusBadRequest},
		{"missing key on read", http.MethodGet, "/consistency/read", nil, http.StatusBadRequest},
		{"unknown key", http.MethodGet, "/consistency/read?key=nope", nil, http.StatusNotFound},
		{"bad node id on read", http.MethodGet, "/consistency/read?key=menu:1&node_id=x", nil, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, call(t, tt.method, ts.URL+tt.path, tt.body, nil))
		})
	}
}

func TestStrongWriteWithoutLeader(t *testing.T) {
	ts, engine := newTestServer(t, coordinator.Config{}, 1)
	require.NoError(t, engine.Registry.MarkFailed(1))

	assert.Equal(t, http.StatusServiceUnavailable,
		call(t, http.MethodPost, ts.URL+"/consistency/write", writeBody{Key: "k", Value: "v"}, nil))
	failures := engine.Events.Events(eventlog.Filter{Type: eventlog.RequestFailed})
	assert.NotEmpty(t, failures, "failures are logged before they are returned")
}

func TestConflictTestEndpoint(t *testing.T) {
	ts, _ := newTestServer(t, coordinator.Config{}, 1, 2, 3)

	var out consistency.ConflictOutcome
	require.Equal(t, http.StatusOK, call(t, http.MethodPost, ts.URL+"/consistency/test",
		consistency.ConflictTest{Key: "seat:9", Writes: []string{"a", "b", "c"}}, &out))
	assert.Equal(t, consistency.Optimistic, out.Strategy)
	assert.Equal(t, 1, out.Committed)
	assert.Equal(t, 2, out.Conflicts)
	assert.Len(t, out.Attempts, 3)

	require.Equal(t, http.StatusOK, call(t, http.MethodPost, ts.URL+"/consistency/test",
		consistency.ConflictTest{Key: "seat:10", Writes: []string{"a", "b"}, Strategy: consistency.Pessimistic}, &out))
	assert.Equal(t, 2, out.Committed)
	assert.Equal(t, uint64(2), out.FinalVersion)

	assert.Equal(t, http.StatusBadRequest, call(t, http.MethodPost, ts.URL+"/consistency/test",
		consistency.ConflictTest{Key: "k"}, nil))
	assert.Equal(t, http.StatusBadRequest, call(t, http.MethodPost, ts.URL+"/consistency/test",
		consistency.ConflictTest{Key: "k", Writes: []string{"a"}, Strategy: "hopeful"}, nil))
}

func TestLockEndpoints(t *testing.T) {
	ts, _ := newTestServer(t, coordinator.Config{LockTimeout: 50 * time.Millisecond}, 1, 2)

	var lock consistency.Lock
	require.Equal(t, http.StatusOK, call(t, http.MethodPost, ts.URL+"/consistency/locks",
		map[string]any{"key": "table:4", "node_id": 1}, &lock))
	assert.Equal(t, "table:4", lock.ResourceKey)

	assert.Equal(t, http.StatusRequestTimeout, call(t, http.MethodPost, ts.URL+"/consistency/locks",
		map[string]any{"key": "table:4", "node_id": 2}, nil))

	var held struct {
		Locks []consistency.Lock `json:"locks"`
	}
	require.Equal(t, http.StatusOK, call(t, http.MethodGet, ts.URL+"/consistency/locks", nil, &held))
	require.Len(t, held.Locks, 1)
	assert.Equal(t, lock.HolderTxnID, held.Locks[0].HolderTxnID)

	release := fmt.Sprintf("%s/consistency/locks/table:4?txn_id=%d", ts.URL, lock.HolderTxnID+100)
	assert.Equal(t, http.StatusConflict, call(t, http.MethodDelete, release, nil, nil))
	release = fmt.Sprintf("%s/consistency/locks/table:4?txn_id=%d", ts.URL, lock.HolderTxnID)
	assert.Equal(t, http.StatusNoContent, call(t, http.MethodDelete, release, nil, nil))
	assert.Equal(t, http.StatusBadRequest, call(t, http.MethodDelete, ts.URL+"/consistency/locks/table:4", nil, nil))
}

func TestLoadBalancerEndpoints(t *testing.T) {
	ts, _ := newTestServer(t, coordinator.Config{}, 1, 2, 3)

	var routed []int
	for i := 0; i < 4; i++ {
		var out struct {
			NodeID int `json:"node_id"`
		}
		require.Equal(t, http.StatusOK, call(t, http.MethodPost, ts.URL+"/load-balancer/route", nil, &out))
		routed = append(routed, out.NodeID)
	}
	assert.Equal(t, []int{1, 2, 3, 1}, routed)

	var dist struct {
		TotalRouted  int64                `json:"total_routed"`
		Distribution []balancer.NodeStats `json:"distribution"`
	}
	require.Equal(t, http.StatusOK, call(t, http.MethodGet, ts.URL+"/load-balancer/distribution", nil, &dist))
	assert.Equal(t, int64(4), dist.TotalRouted)
	require.Len(t, dist.Distribution, 3)
	assert.Equal(t, 50.0, dist.Distribution[0].Percentage)

	var n cluster.Node
	require.Equal(t, http.StatusOK, call(t, http.MethodPost, ts.URL+"/load-balancer/release", map[string]int{"node_id": 1}, &n))
	assert.Equal(t, 1, n.CurrentLoad)

	var stats balancer.Stats
	require.Equal(t, http.StatusOK, call(t, http.MethodPost, ts.URL+"/load-balancer", map[string]string{"strategy": "least_connections"}, &stats))
	assert.Equal(t, balancer.LeastConnections, stats.Strategy)
	assert.Equal(t, http.StatusBadRequest, call(t, http.MethodPost, ts.URL+"/load-balancer", map[string]string{"strategy": "fastest"}, nil))

	require.Equal(t, http.StatusOK, call(t, http.MethodGet, ts.URL+"/load-balancer", nil, &stats))
	assert.Equal(t, balancer.LeastConnections, stats.Strategy)
}

func TestRouteWithoutNodes(t *testing.T) {
	ts, _ := newTestServer(t, coordinator.Config{})
	assert.Equal(t, http.StatusServiceUnavailable, call(t, http.MethodPost, ts.URL+"/load-balancer/route", map[string]string{"key": "k"}, nil))
}

func TestReplicationEndpoints(t *testing.T) {
	ts, engine := newTestServer(t, coordinator.Config{ConsistencyMode: consistency.Eventual}, 1, 2, 3)

	require.Equal(t, http.StatusOK, call(t, http.MethodPost, ts.URL+"/consistency/write", writeBody{Key: "k", Value: "v"}, nil))
	engine.Wait()

	var status replication.Status
	require.Equal(t, http.StatusOK, call(t, http.MethodGet, ts.URL+"/replication", nil, &status))
	assert.Equal(t, 3, status.PrimaryID)
	require.Len(t, status.Replicas, 2)

	require.Equal(t, http.StatusOK, call(t, http.MethodPost, ts.URL+"/replication/trigger", nil, &status))
	for _, r := range status.Replicas {
		assert.Equal(t, replication.Synced, r.SyncStatus)
	}

	var st replication.ReplicaState
	require.Equal(t, http.StatusOK, call(t, http.MethodPost, ts.URL+"/replication/2/resync", nil, &st))
	assert.Equal(t, 2, st.NodeID)
	assert.Equal(t, http.StatusServiceUnavailable, call(t, http.MethodPost, ts.URL+"/replication/99/resync", nil, nil))

	var lag struct {
		LagMs map[string]int64 `json:"lag_ms"`
	}
	require.Equal(t, http.StatusOK, call(t, http.MethodGet, ts.URL+"/replication/lag", nil, &lag))
	assert.Contains(t, lag.LagMs, "1")
	assert.Contains(t, lag.LagMs, "2")
}

func TestEventEndpoints(t *testing.T) {
	ts, _ := newTestServer(t, coordinator.Config{}, 1, 2, 3)

	type eventsBody struct {
		Count  int              `json:"count"`
		Events []eventlog.Event `json:"events"`
	}
	var out eventsBody
	require.Equal(t, http.StatusOK, call(t, http.MethodGet, ts.URL+"/events?event_type=node_joined", nil, &out))
	assert.Equal(t, 3, out.Count)
	for i := 1; i < len(out.Events); i++ {
		assert.True(t, out.Events[i-1].Less(out.Events[i]), "events are returned in log order")
	}

	require.Equal(t, http.StatusOK, call(t, http.MethodGet, ts.URL+"/events?node_id=2&event_type=node_joined", nil, &out))
	require.Equal(t, 1, out.Count)
	assert.Equal(t, 2, out.Events[0].OriginNodeID)

	require.Equal(t, http.StatusOK, call(t, http.MethodGet, ts.URL+"/events?limit=2", nil, &out))
	assert.Equal(t, 2, out.Count)

	start := time.Now().Add(time.Hour).UTC().Format(time.RFC3339)
	require.Equal(t, http.StatusOK, call(t, http.MethodGet, ts.URL+"/events?start_time="+start, nil, &out))
	assert.Zero(t, out.Count)

	for _, q := range []string{"limit=-1", "node_id=x", "end_time=yesterday"} {
		assert.Equal(t, http.StatusBadRequest, call(t, http.MethodGet, ts.URL+"/events?"+q, nil, nil), q)
	}

	assert.Equal(t, http.StatusNoContent, call(t, http.MethodDelete, ts.URL+"/events", nil, nil))
	require.Equal(t, http.StatusOK, call(t, http.MethodGet, ts.URL+"/events", nil, &out))
	assert.Zero(t, out.Count)
}

func TestClockEndpoints(t *testing.T) {
	ts, _ := newTestServer(t, coordinator.Config{}, 1, 2, 3)

	var before, after struct {
		Clocks map[string]uint64 `json:"clocks"`
	}
	require.Equal(t, http.StatusOK, call(t, http.MethodGet, ts.URL+"/clock", nil, &before))
	require.Len(t, before.Clocks, 3)

	require.Equal(t, http.StatusOK, call(t, http.MethodPost, ts.URL+"/clock/sync", nil, &after))
	require.Len(t, after.Clocks, 3)
	assert.Equal(t, after.Clocks["1"], after.Clocks["3"])
	assert.Greater(t, after.Clocks["1"], before.Clocks["3"])
}

func TestFailRandomEndpoint(t *testing.T) {
	ts, _ := newTestServer(t, coordinator.Config{}, 1, 2)

	var n cluster.Node
	require.Equal(t, http.StatusOK, call(t, http.MethodPost, ts.URL+"/nodes/fail-random?exclude_leader=true", nil, &n))
	assert.Equal(t, 1, n.ID)
	assert.Equal(t, cluster.StatusFailed, n.Status)
	assert.Equal(t, http.StatusConflict, call(t, http.MethodPost, ts.URL+"/nodes/fail-random?exclude_leader=true", nil, nil))
}

func TestMetricsEndpoint(t *testing.T) {
	ts, _ := newTestServer(t, coordinator.Config{}, 1, 2)

	resp, err := http.Get(ts.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.True(t, strings.Contains(string(body), "meridian_cluster_nodes_live 2"))
	assert.True(t, strings.Contains(string(body), "meridian_eventlog_events_total"))
}

func TestRequestIDHeader(t *testing.T) {
	ts, _ := newTestServer(t, coordinator.Config{})

	resp, err := http.Get(ts.URL + "/health")
	require.NoError(t, err)
	resp.Body.Close()
	assert.NotEmpty(t, resp.Header.Get("X-Request-ID"))

	const id = "8f14e45f-ceea-467f-a8b3-1b2a3c4d5e6f"
	req, _ := http.NewRequest(http.MethodGet, ts.URL+"/health", nil)
	req.Header.Set("X-Request-ID", id)
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, id, resp.Header.Get("X-Request-ID"))
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{&cluster.DuplicateNodeError{NodeID: 1}, http.StatusConflict},
		{&cluster.NodeNotFoundError{NodeID: 1}, http.StatusNotFound},
		{cluster.ErrInvalidNodeID, http.StatusBadRequest},
		{fmt.Errorf("wrapped: %w", election.ErrNoQuorumForElection), http.StatusServiceUnavailable},
		{&consistency.UnavailableError{Reason: "no leader"}, http.StatusServiceUnavailable},
		{&consistency.QuorumUnreachableError{Required: 3, Acked: 2, Active: 5}, http.StatusServiceUnavailable},
		{&consistency.VersionConflictError{Key: "k"}, http.StatusConflict},
		{&consistency.LockTimeoutError{Key: "k"}, http.StatusRequestTimeout},
		{balancer.ErrNoAvailableNode, http.StatusServiceUnavailable},
		{&replication.ReplicaUnreachableError{NodeID: 2}, http.StatusServiceUnavailable},
		{storage.ErrKeyNotFound, http.StatusNotFound},
		{context.DeadlineExceeded, http.StatusGatewayTimeout},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.err.Error(), func(t *testing.T) {
			assert.Equal(t, tt.want, statusFor(tt.err))
		})
	}
}
