// Package main runs a node agent. The agent joins the coordinator, sends
// heartbeats on an interval, and asks to be recovered when the coordinator
// has marked it failed.
//
// Configuration:
//   - NODE_ID: numeric node id, >= 1 (required)
//   - COORDINATOR_URL: coordinator base URL (required)
//   - NODE_HEARTBEAT_INTERVAL: heartbeat period (default: 1s)
//   - NODE_WEIGHT: weight sent on join (default: coordinator default)
//   - NODE_LISTEN: address for /health and /info (default: ":8081")
//
// Example usage:
//
//	NODE_ID=3 \
//	COORDINATOR_URL=http://localhost:8080 \
//	NODE_HEARTBEAT_INTERVAL=500ms \
//	./node
package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"
)

// logFatal is a variable so tests can intercept fatal errors.
var logFatal = log.Fatalf

func main() {
	cfg, err := loadConfig()
	if err != nil {
		logFatal("config: %v", err)
		return
	}
	listen := getenv("NODE_LISTEN", ":8081")

	agent := NewAgent(cfg)

	s := &http.Server{
		Addr:              listen,
		Handler:           agent.routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		log.Printf("node[%d] listening on %s", cfg.NodeID, listen)
		if err := s.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logFatal("listen: %v", err)
		}
	}()

	ctx, cancel := context.WithCancel(context.Background())
	if err := agent.Register(ctx); err != nil {
		logFatal("failed to join coordinator: %v", err)
	}
	done := make(chan struct{})
	go func() {
		agent.Run(ctx)
		close(done)
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop

	cancel()
	<-done
	shutdownCtx, stopShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	defer stopShutdown()
	if err := s.Shutdown(shutdownCtx); err != nil {
		log.Printf("Server shutdown error: %v", err)
	}
	log.Println("node stopped")
}

// loadConfig reads the agent configuration from the environment.
func loadConfig() (Config, error) {
	cfg := Config{Interval: time.Second}

	raw := os.Getenv("NODE_ID")
	if raw == "" {
		return cfg, errors.New("missing env NODE_ID")
	}
	id, err := strconv.Atoi(raw)
	if err != nil || id < 1 {
		return cfg, errors.New("NODE_ID must be an integer >= 1")
	}
	cfg.NodeID = id

	if cfg.Coordinator = os.Getenv("COORDINATOR_URL"); cfg.Coordinator == "" {
		return cfg, errors.New("missing env COORDINATOR_URL")
	}
	if v := os.Getenv("NODE_HEARTBEAT_INTERVAL"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d <= 0 {
			return cfg, errors.New("NODE_HEARTBEAT_INTERVAL must be a positive duration")
		}
		cfg.Interval = d
	}
	if v := os.Getenv("NODE_WEIGHT"); v != "" {
		w, err := strconv.Atoi(v)
		if err != nil || w < 1 {
			return cfg, errors.New("NODE_WEIGHT must be an integer >= 1")
		}
		cfg.Weight = w
	}
	return cfg, nil
}

func getenv(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}
