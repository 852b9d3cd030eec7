// Package coordinator assembles the coordination engine: node registry,
// Lamport event log, bully elector, consistency controller, load balancer,
// and replication manager, plus the hooks that connect them.
//
// # Architecture
//
//	┌───────────────────────────────────────────┐
//	│                 ENGINE                    │
//	├───────────────────────────────────────────┤
//	│  Registry ──leader lost──▶ Elector        │
//	│     │  └────node failed──▶ Replication    │
//	│     └──────node live────▶ full resync     │
//	│  Consistency ──commit──▶ Replication      │
//	│  Balancer ──load──▶ Registry              │
//	│                                           │
//	│  every component ──▶ Event Log ──▶ Sink   │
//	│                          └──▶ Metrics     │
//	│  HealthMonitor ──missed heartbeats──▶     │
//	│                       Registry.MarkFailed │
//	└───────────────────────────────────────────┘
//
// # Persistence
//
// When a Store is supplied, New restores the node table, the newest events,
// and election history before attaching the store as the write-through sink.
// Locks are not stored; they are rebuilt from unmatched LockAcquired events
// in the restored log. In-flight elections are never restored.
//
// # Failure detection
//
// HealthMonitor compares each live node's last heartbeat against the sweep
// interval. A node that misses the configured number of intervals is marked
// failed, which in turn may start an election. Heartbeats arrive through the
// registry (POST /nodes/{id}/heartbeat from the node agent).
//
// # Usage
//
//	cfg := coordinator.DefaultConfig()
//	cfg.BootstrapNodes = []int{1, 2, 3}
//	engine, err := coordinator.New(cfg, nil)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer engine.Close()
//	if err := engine.Start(ctx); err != nil {
//	    log.Fatal(err)
//	}
package coordinator
