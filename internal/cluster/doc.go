// Package cluster provides membership for Meridian's coordination engine:
// the Node model, the Node Registry that owns every node's status and load,
// and the small JSON client used by node agents to talk to the coordinator.
//
// # Overview
//
// The registry is the single owner of Node state. Other components never
// hold *Node pointers; they read snapshots (Get, List, ListActive, Leader)
// and change state only through the registry's status transitions:
//
//	          Join
//	           │
//	           ▼
//	      ┌─────────┐  Promote   ┌────────┐
//	      │ Active  │──────────▶│ Leader │
//	      │         │◀──────────│        │
//	      └────┬────┘  demote    └───┬────┘
//	           │ MarkFailed          │ MarkFailed (runs leader-lost hook)
//	           ▼                     ▼
//	      ┌─────────────────────────────┐
//	      │           Failed            │
//	      └──────────────┬──────────────┘
//	                     │ Recover
//	                     ▼
//	              ┌────────────┐  Heartbeat / CompleteRecovery
//	              │ Recovering │──────────────────────────────▶ Active
//	              └────────────┘
//
// A node is live in every state except Failed. ListActive returns live nodes
// sorted by id, which is the order the balancer and the elector rely on.
//
// # Event Recording
//
// Every mutation appends an event to the coordination log, stamped with the
// mutated node's Lamport clock, before the call returns:
//
//   - Join: NodeJoined
//   - MarkFailed: NodeFailed (warning)
//   - Recover, CompleteRecovery: NodeRecovered
//   - UpdateLoad, AddLoad, SetWeight: LoadUpdated, or NodeOverloaded (warning)
//     when the load exceeds the configured capacity
//
// Rejected operations (duplicate join, unknown id) append an error-severity
// event from the coordinator before the typed error is returned.
//
// # Hooks
//
// The registry knows nothing about elections or replication. The engine
// wires those through callbacks:
//
//	registry.SetOnLeaderLost(func(id int, cause uint64) {
//	    elector.Trigger(ctx, election.Request{Cause: cause})
//	})
//	registry.SetOnFailed(replicas.MarkUnreachable)
//
// Callbacks run after the registry lock is released, so they may call back
// into the registry.
//
// # Concurrency Model
//
//   - All state is guarded by one sync.RWMutex
//   - Read operations use RLock and return copies
//   - No lock is held while appending events, persisting, or running hooks
package cluster
