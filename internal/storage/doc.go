// Package storage holds the per-node data that Meridian's consistency
// controller writes and its replication manager copies.
//
// # Overview
//
// Each logical node owns one MemoryStore of versioned records. A Record
// carries the value, a per-key version that increases by one on every
// committed write, and the Lamport timestamp of that commit:
//
//	┌──────────────────────────────────────┐
//	│            NodeStores                │
//	│   node 1 ──▶ MemoryStore             │
//	│   node 2 ──▶ MemoryStore             │
//	│   node 3 ──▶ MemoryStore             │
//	└──────────────────────────────────────┘
//
// Apply only ever moves a key forward: a record whose version is not newer
// than the stored one is ignored. This makes asynchronous replication safe
// against reordering and replays without any extra bookkeeping.
//
// # Digests
//
// Full resync uses bloom filter digests in the style of anti-entropy:
//
//	replica                         primary
//	   │  Digest(replica) ───────────▶ │
//	   │                               │ Missing(primary, digest)
//	   │ ◀─────────── missing records  │
//	   │  Apply each                   │
//
// The digest holds "key@version" entries, so a key is resent whenever the
// replica's version differs from the primary's.
//
// # Thread Safety
//
// MemoryStore and NodeStores are safe for concurrent use. Every read returns
// copies; callers never share value slices with the store.
package storage
