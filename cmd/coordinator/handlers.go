package main

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/dreamware/meridian/internal/balancer"
	"github.com/dreamware/meridian/internal/cluster"
	"github.com/dreamware/meridian/internal/consistency"
	"github.com/dreamware/meridian/internal/coordinator"
	"github.com/dreamware/meridian/internal/election"
	"github.com/dreamware/meridian/internal/eventlog"
	"github.com/dreamware/meridian/internal/replication"
	"github.com/dreamware/meridian/internal/storage"
)

type server struct {
	engine *coordinator.Engine
}

func newServer(engine *coordinator.Engine) *server {
	return &server{engine: engine}
}

func (s *server) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.Handle("GET /metrics", s.engine.Metrics.Handler())

	// Membership
	mux.HandleFunc("POST /nodes", s.handleJoin)
	mux.HandleFunc("GET /nodes", s.handleListNodes)
	mux.HandleFunc("POST /nodes/fail-random", s.handleFailRandom)
	mux.HandleFunc("GET /nodes/{id}", s.handleGetNode)
	mux.HandleFunc("POST /nodes/{id}/fail", s.handleFail)
	mux.HandleFunc("POST /nodes/{id}/recover", s.handleRecover)
	mux.HandleFunc("POST /nodes/{id}/heartbeat", s.handleHeartbeat)
	mux.HandleFunc("POST /nodes/{id}/weight", s.handleWeight)
	mux.HandleFunc("POST /nodes/{id}/load", s.handleLoad)

	// Election
	mux.HandleFunc("POST /election/trigger", s.handleTriggerElection)
	mux.HandleFunc("GET /election/history", s.handleElectionHistory)
	mux.HandleFunc("GET /leader", s.handleLeader)

	// Consistency
	mux.HandleFunc("GET /consistency/mode", s.handleGetMode)
	mux.HandleFunc("POST /consistency/mode", s.handleSetMode)
	mux.HandleFunc("POST /consistency/test", s.handleConflictTest)
	mux.HandleFunc("POST /consistency/write", s.handleWrite)
	mux.HandleFunc("GET /consistency/read", s.handleRead)
	mux.HandleFunc("GET /consistency/locks", s.handleListLocks)
	mux.HandleFunc("POST /consistency/locks", s.handleAcquireLock)
	mux.HandleFunc("DELETE /consistency/locks/{key}", s.handleReleaseLock)

	// Load balancer
	mux.HandleFunc("GET /load-balancer", s.handleBalancerStats)
	mux.HandleFunc("POST /load-balancer", s.handleSetStrategy)
	mux.HandleFunc("GET /load-balancer/distribution", s.handleDistribution)
	mux.HandleFunc("POST /load-balancer/route", s.handleRoute)
	mux.HandleFunc("POST /load-balancer/release", s.handleRelease)

	// Replication
	mux.HandleFunc("GET /replication", s.handleReplicationStatus)
	mux.HandleFunc("POST /replication/trigger", s.handleReplicationTrigger)
	mux.HandleFunc("POST /replication/{id}/resync", s.handleResync)
	mux.HandleFunc("GET /replication/lag", s.handleReplicationLag)

	// Events and clocks
	mux.HandleFunc("GET /events", s.handleEvents)
	mux.HandleFunc("DELETE /events", s.handleClearEvents)
	mux.HandleFunc("GET /clock", s.handleClock)
	mux.HandleFunc("POST /clock/sync", s.handleClockSync)

	return withRequestID(mux)
}

type ctxKey struct{}

// withRequestID tags every request with an id, reusing X-Request-ID when the
// caller sent one.
func withRequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-ID")
		if _, err := uuid.Parse(id); err != nil {
			id = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", id)
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), ctxKey{}, id)))
	})
}

func requestID(r *http.Request) string {
	id, _ := r.Context().Value(ctxKey{}).(string)
	return id
}

// statusFor maps engine errors to HTTP status codes.
func statusFor(err error) int {
	var (
		dup      *cluster.DuplicateNodeError
		notFound *cluster.NodeNotFoundError
		notLive  *cluster.NodeNotLiveError
		unavail  *consistency.UnavailableError
		quorum   *consistency.QuorumUnreachableError
		conflict *consistency.VersionConflictError
		lockWait *consistency.LockTimeoutError
		notHeld  *consistency.LockNotHeldError
		replica  *replication.ReplicaUnreachableError
	)
	switch {
	case errors.As(err, &dup), errors.As(err, &conflict), errors.As(err, &notLive),
		errors.As(err, &notHeld), errors.Is(err, coordinator.ErrNoFailureCandidate):
		return http.StatusConflict
	case errors.As(err, &notFound), errors.Is(err, storage.ErrKeyNotFound):
		return http.StatusNotFound
	case errors.Is(err, cluster.ErrInvalidNodeID):
		return http.StatusBadRequest
	case errors.As(err, &lockWait):
		return http.StatusRequestTimeout
	case errors.As(err, &unavail), errors.As(err, &quorum), errors.As(err, &replica),
		errors.Is(err, election.ErrNoQuorumForElection), errors.Is(err, balancer.ErrNoAvailableNode):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	}
	return http.StatusInternalServerError
}

func writeError(w http.ResponseWriter, r *http.Request, err error) {
	code := statusFor(err)
	if code >= http.StatusInternalServerError {
		log.Printf("request %s %s %s failed: %v", requestID(r), r.Method, r.URL.Path, err)
	}
	http.Error(w, err.Error(), code)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		http.Error(w, "bad json", http.StatusBadRequest)
		return false
	}
	return true
}

func pathID(w http.ResponseWriter, r *http.Request) (int, bool) {
	id, err := strconv.Atoi(r.PathValue("id"))
	if err != nil {
		http.Error(w, "invalid node id", http.StatusBadRequest)
		return 0, false
	}
	return id, true
}

func (s *server) handleJoin(w http.ResponseWriter, r *http.Request) {
	var req cluster.JoinRequest
	if !decode(w, r, &req) {
		return
	}
	node, err := s.engine.Registry.Join(req.NodeID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if req.Weight > 0 {
		if node, err = s.engine.Registry.SetWeight(req.NodeID, req.Weight); err != nil {
			writeError(w, r, err)
			return
		}
	}
	writeJSON(w, http.StatusCreated, node)
}

func (s *server) handleListNodes(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, struct {
		Nodes []cluster.Node `json:"nodes"`
	}{Nodes: s.engine.Registry.List()})
}

func (s *server) handleGetNode(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	node, err := s.engine.Registry.Get(id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, node)
}

// nodeAction runs a status change and responds with the node afterwards.
func (s *server) nodeAction(w http.ResponseWriter, r *http.Request, action func(id int) error) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	if err := action(id); err != nil {
		writeError(w, r, err)
		return
	}
	node, err := s.engine.Registry.Get(id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, node)
}

func (s *server) handleFail(w http.ResponseWriter, r *http.Request) {
	s.nodeAction(w, r, s.engine.Registry.MarkFailed)
}

func (s *server) handleRecover(w http.ResponseWriter, r *http.Request) {
	s.nodeAction(w, r, s.engine.Registry.Recover)
}

func (s *server) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	node, err := s.engine.Registry.Heartbeat(id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, cluster.HeartbeatResponse{Node: node})
}

func (s *server) handleWeight(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	var req struct {
		Weight int `json:"weight"`
	}
	if !decode(w, r, &req) {
		return
	}
	if req.Weight < 1 {
		http.Error(w, "weight must be >= 1", http.StatusBadRequest)
		return
	}
	node, err := s.engine.Registry.SetWeight(id, req.Weight)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, node)
}

func (s *server) handleLoad(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	var req struct {
		Load int `json:"load"`
	}
	if !decode(w, r, &req) {
		return
	}
	if req.Load < 0 {
		http.Error(w, "load must be >= 0", http.StatusBadRequest)
		return
	}
	node, err := s.engine.Registry.UpdateLoad(id, req.Load)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, node)
}

func (s *server) handleFailRandom(w http.ResponseWriter, r *http.Request) {
	exclude := r.URL.Query().Get("exclude_leader") == "true"
	node, err := s.engine.InjectRandomFailure(exclude)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, node)
}

func (s *server) handleTriggerElection(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Initiator int `json:"initiator"`
	}
	if r.ContentLength > 0 && !decode(w, r, &req) {
		return
	}
	rec, err := s.engine.Elector.Trigger(r.Context(), req.Initiator, 0)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *server) handleElectionHistory(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, struct {
		Phase   election.Phase    `json:"phase"`
		History []election.Record `json:"history"`
	}{Phase: s.engine.Elector.Phase(), History: s.engine.Elector.History()})
}

func (s *server) handleLeader(w http.ResponseWriter, r *http.Request) {
	var leader *cluster.Node
	if n, ok := s.engine.Registry.Leader(); ok {
		leader = &n
	}
	writeJSON(w, http.StatusOK, struct {
		Leader *cluster.Node `json:"leader"`
	}{Leader: leader})
}

type modeBody struct {
	Mode consistency.Mode `json:"mode"`
}

func (s *server) handleGetMode(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, modeBody{Mode: s.engine.Consistency.Mode()})
}

func (s *server) handleSetMode(w http.ResponseWriter, r *http.Request) {
	var req modeBody
	if !decode(w, r, &req) {
		return
	}
	mode, err := consistency.ParseMode(string(req.Mode))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err := s.engine.Consistency.SetMode(mode); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, modeBody{Mode: mode})
}

// parseMode accepts an empty mode, meaning the controller's current one.
func parseMode(w http.ResponseWriter, s string) (consistency.Mode, bool) {
	if s == "" {
		return "", true
	}
	mode, err := consistency.ParseMode(s)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return "", false
	}
	return mode, true
}

func (s *server) handleConflictTest(w http.ResponseWriter, r *http.Request) {
	var test consistency.ConflictTest
	if !decode(w, r, &test) {
		return
	}
	if test.Key == "" || len(test.Writes) == 0 {
		http.Error(w, "key and writes are required", http.StatusBadRequest)
		return
	}
	var ok bool
	if test.Mode, ok = parseMode(w, string(test.Mode)); !ok {
		return
	}
	if test.Strategy != "" && test.Strategy != consistency.Optimistic && test.Strategy != consistency.Pessimistic {
		http.Error(w, "strategy must be optimistic or pessimistic", http.StatusBadRequest)
		return
	}
	out, err := s.engine.Consistency.RunConflictTest(r.Context(), test)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

type writeBody struct {
	Key             string           `json:"key"`
	Value           string           `json:"value"`
	Mode            consistency.Mode `json:"mode"`
	ExpectedVersion *uint64          `json:"expected_version,omitempty"`
	NodeID          int              `json:"node_id,omitempty"`
}

type writeResult struct {
	Key             string           `json:"key"`
	Version         uint64           `json:"version"`
	CommitTimestamp uint64           `json:"commit_timestamp"`
	Mode            consistency.Mode `json:"mode"`
	Primary         int              `json:"primary"`
	Acked           []int            `json:"acked"`
	CommittedAt     time.Time        `json:"committed_at"`
}

func (s *server) handleWrite(w http.ResponseWriter, r *http.Request) {
	var req writeBody
	if !decode(w, r, &req) {
		return
	}
	if req.Key == "" {
		http.Error(w, "key required", http.StatusBadRequest)
		return
	}
	mode, ok := parseMode(w, string(req.Mode))
	if !ok {
		return
	}
	commit, err := s.engine.Consistency.Write(r.Context(), consistency.WriteRequest{
		Key:             req.Key,
		Value:           []byte(req.Value),
		Mode:            mode,
		ExpectedVersion: req.ExpectedVersion,
		NodeID:          req.NodeID,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, writeResult{
		Key:             commit.Key,
		Version:         commit.Record.Version,
		CommitTimestamp: commit.Record.Timestamp,
		Mode:            commit.Mode,
		Primary:         commit.Primary,
		Acked:           commit.Acked,
		CommittedAt:     commit.CommittedAt,
	})
}

func (s *server) handleRead(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	key := q.Get("key")
	if key == "" {
		http.Error(w, "key required", http.StatusBadRequest)
		return
	}
	mode, ok := parseMode(w, q.Get("mode"))
	if !ok {
		return
	}
	nodeID := 0
	if v := q.Get("node_id"); v != "" {
		var err error
		if nodeID, err = strconv.Atoi(v); err != nil {
			http.Error(w, "invalid node_id", http.StatusBadRequest)
			return
		}
	}
	res, err := s.engine.Consistency.Read(r.Context(), consistency.ReadRequest{Key: key, Mode: mode, NodeID: nodeID})
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, struct {
		Key     string           `json:"key"`
		Value   string           `json:"value"`
		Version uint64           `json:"version"`
		AsOf    uint64           `json:"as_of"`
		NodeID  int              `json:"node_id"`
		Mode    consistency.Mode `json:"mode"`
	}{res.Key, string(res.Value), res.Version, res.AsOf, res.NodeID, res.Mode})
}

func (s *server) handleListLocks(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, struct {
		Locks []consistency.Lock `json:"locks"`
	}{Locks: s.engine.Consistency.Locks().Held()})
}

func (s *server) handleAcquireLock(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Key    string `json:"key"`
		NodeID int    `json:"node_id"`
	}
	if !decode(w, r, &req) {
		return
	}
	if req.Key == "" {
		http.Error(w, "key required", http.StatusBadRequest)
		return
	}
	txn := s.engine.Consistency.NewTxn(req.NodeID)
	lock, err := s.engine.Consistency.AcquireLock(r.Context(), req.Key, txn)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, lock)
}

func (s *server) handleReleaseLock(w http.ResponseWriter, r *http.Request) {
	txnID, err := strconv.ParseInt(r.URL.Query().Get("txn_id"), 10, 64)
	if err != nil {
		http.Error(w, "txn_id required", http.StatusBadRequest)
		return
	}
	if err := s.engine.Consistency.ReleaseLock(r.PathValue("key"), txnID); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *server) handleBalancerStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.engine.Balancer.Stats())
}

func (s *server) handleSetStrategy(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Strategy string `json:"strategy"`
	}
	if !decode(w, r, &req) {
		return
	}
	strategy, err := balancer.ParseStrategy(req.Strategy)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err := s.engine.Balancer.SetStrategy(strategy); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, s.engine.Balancer.Stats())
}

func (s *server) handleDistribution(w http.ResponseWriter, r *http.Request) {
	stats := s.engine.Balancer.Stats()
	writeJSON(w, http.StatusOK, struct {
		TotalRouted  int64                `json:"total_routed"`
		Distribution []balancer.NodeStats `json:"distribution"`
	}{TotalRouted: stats.TotalRouted, Distribution: stats.Nodes})
}

func (s *server) handleRoute(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Key string `json:"key"`
	}
	if r.ContentLength > 0 && !decode(w, r, &req) {
		return
	}
	routed := balancer.Request{ID: uuid.New(), Key: req.Key}
	if id, err := uuid.Parse(requestID(r)); err == nil {
		routed.ID = id
	}
	nodeID, err := s.engine.Balancer.Route(routed)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, struct {
		RequestID uuid.UUID `json:"request_id"`
		NodeID    int       `json:"node_id"`
	}{RequestID: routed.ID, NodeID: nodeID})
}

func (s *server) handleRelease(w http.ResponseWriter, r *http.Request) {
	var req struct {
		NodeID int `json:"node_id"`
	}
	if !decode(w, r, &req) {
		return
	}
	node, err := s.engine.Balancer.Release(req.NodeID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, node)
}

func (s *server) handleReplicationStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.engine.Replication.Status())
}

func (s *server) handleReplicationTrigger(w http.ResponseWriter, r *http.Request) {
	status, err := s.engine.Replication.TriggerAll(r.Context())
	if err != nil {
		// Partial failures are reported alongside the resulting status.
		writeJSON(w, statusFor(err), struct {
			replication.Status
			Error string `json:"error"`
		}{Status: status, Error: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, status)
}

func (s *server) handleResync(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	st, err := s.engine.Replication.TriggerFullResync(r.Context(), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *server) handleReplicationLag(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, struct {
		LagMs map[int]int64 `json:"lag_ms"`
	}{LagMs: s.engine.Replication.Lag()})
}

// eventFilter reads the /events query parameters.
func eventFilter(r *http.Request) (eventlog.Filter, error) {
	q := r.URL.Query()
	f := eventlog.Filter{
		Type:     eventlog.Type(q.Get("event_type")),
		Severity: eventlog.Severity(q.Get("severity")),
		Text:     q.Get("q"),
	}
	if v := q.Get("node_id"); v != "" {
		id, err := strconv.Atoi(v)
		if err != nil {
			return f, errors.New("invalid node_id")
		}
		f.NodeID = &id
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return f, errors.New("invalid limit")
		}
		f.Limit = n
	}
	for _, p := range []struct {
		name string
		dst  *time.Time
	}{{"start_time", &f.Start}, {"end_time", &f.End}} {
		if v := q.Get(p.name); v != "" {
			t, err := time.Parse(time.RFC3339, v)
			if err != nil {
				return f, errors.New("invalid " + p.name + ", want RFC 3339")
			}
			*p.dst = t
		}
	}
	return f, nil
}

func (s *server) handleEvents(w http.ResponseWriter, r *http.Request) {
	f, err := eventFilter(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	events := s.engine.Events.Events(f)
	writeJSON(w, http.StatusOK, struct {
		Count  int              `json:"count"`
		Events []eventlog.Event `json:"events"`
	}{Count: len(events), Events: events})
}

func (s *server) handleClearEvents(w http.ResponseWriter, r *http.Request) {
	if err := s.engine.Events.Clear(); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *server) handleClock(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, struct {
		Clocks map[int]uint64 `json:"clocks"`
	}{Clocks: s.engine.Clocks()})
}

func (s *server) handleClockSync(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, struct {
		Clocks map[int]uint64 `json:"clocks"`
	}{Clocks: s.engine.SyncClocks()})
}
