/*
Package boltstore implements pkg/store.Store using BoltDB (bbolt) as the
durable document store, kept hot in an in-memory cache with secondary
indexes.

# Architecture

	┌──────────────────── BOLTSTORE ────────────────────┐
	│  db.Update()/db.View() — write-through to bbolt     │
	│  buckets: nodes, vms, users, commands, pending      │
	│                                                      │
	│  in-memory cache (rebuilt from bbolt on New):       │
	│    nodes, vms, users  (maps keyed by id)            │
	│    vmsByOwner, vmsByNode, activeVMs, vmNames         │
	│                                                      │
	│  command registry + pending queues live only in     │
	│  memory; a ticker flushes them to bbolt every         │
	│  SyncIntervalSeconds for restart recovery            │
	└──────────────────────────────────────────────────────┘

Node/VM/User mutations write to bbolt synchronously, then update the cache
and indexes — the opposite order would let a reader observe an index entry
for data that failed to persist. The periodic flush only ever touches the
command registry and pending-queue buckets, which have no independent
correctness requirement beyond restart recovery (§4.A).
*/
package boltstore
