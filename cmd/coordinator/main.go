// Package main runs the coordination engine behind an HTTP command/query
// surface.
//
// Configuration comes from the environment (see loadConfig). When
// COORD_DB_DRIVER is set, nodes, events, and election history are persisted
// and restored on start.
//
// Example usage:
//
//	COORDINATOR_ADDR=:8080 \
//	COORD_BOOTSTRAP_NODES=1,2,3,4,5 \
//	COORD_CONSISTENCY_MODE=quorum \
//	./coordinator
//
//	curl -X POST localhost:8080/election/trigger
//	curl 'localhost:8080/events?event_type=leader_elected&limit=5'
package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/dreamware/meridian/internal/balancer"
	"github.com/dreamware/meridian/internal/consistency"
	"github.com/dreamware/meridian/internal/coordinator"
	"github.com/dreamware/meridian/internal/persist"
)

func main() {
	addr := getenv("COORDINATOR_ADDR", ":8080")
	cfg, err := loadConfig()
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	var store coordinator.Store
	if driver := os.Getenv("COORD_DB_DRIVER"); driver != "" {
		ps, err := persist.Open(persist.Options{
			Driver: driver,
			DSN:    os.Getenv("COORD_DB_DSN"),
			Debug:  getenv("COORD_DB_DEBUG", "") == "1",
		})
		if err != nil {
			log.Fatalf("database: %v", err)
		}
		defer ps.Close()
		store = ps
		log.Printf("persisting cluster state with %s", driver)
	}

	engine, err := coordinator.New(cfg, store)
	if err != nil {
		log.Fatalf("engine: %v", err)
	}
	if err := engine.Start(context.Background()); err != nil {
		log.Fatalf("start: %v", err)
	}

	srv := newServer(engine)
	httpSrv := &http.Server{
		Addr:              addr,
		Handler:           srv.routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		log.Printf("coordinator listening on %s", addr)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("listen: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = httpSrv.Shutdown(ctx)
	engine.Close()
	log.Println("coordinator stopped")
}

// loadConfig builds the engine configuration from COORD_* variables,
// starting from coordinator.DefaultConfig.
func loadConfig() (coordinator.Config, error) {
	cfg := coordinator.DefaultConfig()
	var err error

	if cfg.EventLogSize, err = getenvInt("COORD_EVENT_LOG_SIZE", cfg.EventLogSize); err != nil {
		return cfg, err
	}
	if cfg.ElectionHistory, err = getenvInt("COORD_ELECTION_HISTORY", cfg.ElectionHistory); err != nil {
		return cfg, err
	}
	if cfg.MaxNodeLoad, err = getenvInt("COORD_MAX_NODE_LOAD", cfg.MaxNodeLoad); err != nil {
		return cfg, err
	}
	if cfg.ReplicationMaxMissed, err = getenvInt("COORD_REPLICATION_MAX_MISSED", cfg.ReplicationMaxMissed); err != nil {
		return cfg, err
	}
	if cfg.HeartbeatMisses, err = getenvInt("COORD_HEARTBEAT_MISSES", cfg.HeartbeatMisses); err != nil {
		return cfg, err
	}

	durations := []struct {
		key string
		dst *time.Duration
	}{
		{"COORD_ELECTION_TIMEOUT", &cfg.ElectionTimeout},
		{"COORD_ELECTION_ACK_TIMEOUT", &cfg.ElectionAckTimeout},
		{"COORD_WRITE_TIMEOUT", &cfg.WriteTimeout},
		{"COORD_LOCK_TIMEOUT", &cfg.LockTimeout},
		{"COORD_REPLICATION_WINDOW", &cfg.ReplicationWindow},
		{"COORD_HEARTBEAT_INTERVAL", &cfg.HeartbeatInterval},
	}
	for _, d := range durations {
		if *d.dst, err = getenvDuration(d.key, *d.dst); err != nil {
			return cfg, err
		}
	}

	if cfg.ConsistencyMode, err = consistency.ParseMode(getenv("COORD_CONSISTENCY_MODE", string(cfg.ConsistencyMode))); err != nil {
		return cfg, err
	}
	if cfg.Strategy, err = balancer.ParseStrategy(getenv("COORD_LB_STRATEGY", string(cfg.Strategy))); err != nil {
		return cfg, err
	}
	if cfg.BootstrapNodes, err = parseIDs(os.Getenv("COORD_BOOTSTRAP_NODES")); err != nil {
		return cfg, fmt.Errorf("COORD_BOOTSTRAP_NODES: %w", err)
	}
	return cfg, nil
}

// parseIDs parses a comma separated list of node ids. Blank entries are
// skipped.
func parseIDs(s string) ([]int, error) {
	var ids []int
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		id, err := strconv.Atoi(part)
		if err != nil {
			return nil, fmt.Errorf("invalid node id %q", part)
		}
		ids = append(ids, id)
	}
	return ids, nil
}

func getenv(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func getenvInt(k string, def int) (int, error) {
	v := os.Getenv(k)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid integer %q", k, v)
	}
	return n, nil
}

func getenvDuration(k string, def time.Duration) (time.Duration, error) {
	v := os.Getenv(k)
	if v == "" {
		return def, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid duration %q", k, v)
	}
	return d, nil
}
