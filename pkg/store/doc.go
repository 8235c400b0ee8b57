/*
Package store defines the Store contract used by every other component:
nodes, VMs, users, the command registry, and per-node pending-command
queues, durable in a document store and kept hot in memory.

See pkg/store/boltstore for the bbolt-backed implementation, which
write-throughs every mutation and periodically flushes the in-memory
command registry and pending queues for restart recovery.
*/
package store
