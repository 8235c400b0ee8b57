/*
Package reconciler drives System-VM obligations to completion.

A node can be assigned obligations — roles like DHT, Relay, BlockStore, or
Ingress that the fleet needs represented on that node — at registration time
(pkg/nodesvc's relay backfill). Each obligation starts Pending and needs a VM
actually created and brought up before the node is considered to be holding
up its end.

The reconciler runs on a fixed 10-second interval rather than reacting to
individual obligation writes, the same interval the teacher's cluster
reconciler used for its own sweep:

	┌──────────────────────────────┐
	│   Reconcile  (every 10s)     │
	└──────────────┬───────────────┘
	               │
	       for each node
	               │
	     ┌─────────┴─────────┐
	     ▼                   ▼
	  Pending             Deploying
	     │                   │
	     ▼                   ▼
	  Create VM          Look up VM by
	  (pinned to          role label
	   the node)              │
	     │              ┌─────┴─────┐
	     ▼              ▼           ▼
	  Deploying      Running     Error/Deleted
	                     │           │
	                     ▼           ▼
	                  Ready       Failed

A cycle never retries within itself: a provisioning error on a Pending
obligation just leaves it Pending for the next tick, and a Deploying
obligation with no matching VM yet (the scheduler hasn't placed it) is left
alone until one appears. There is no Failed -> Pending transition — an
operator or a higher-level policy decides whether a failed obligation gets
reissued.

Obligation VMs are located by a "role" label rather than a foreign key,
since pkg/vmsvc's VM type carries no backward reference to the obligation
that caused its creation.
*/
package reconciler
