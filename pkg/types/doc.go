/*
Package types defines the core data structures used throughout fleetd.

It holds the orchestrator's domain model: nodes, virtual machines, the
command envelope exchanged with node agents, and the performance/relay
records that hang off a node.

# Core Types

Node Fleet:
  - Node: a registered worker, its hardware inventory, reputation and
    obligations
  - HardwareInventory: CPU/memory/storage/GPU/network facts reported at
    registration
  - NodePerformanceEvaluation: the cached output of the performance
    evaluator, including per-tier capability

VM Lifecycle:
  - VirtualMachine: a user- or system-owned workload and its current status
  - VMSpec: the requested shape of a VM (cores, memory, disk, image, tier)
  - VMServiceStatus: readiness of one service exposed by a running VM

Command Protocol:
  - Command: the envelope issued to a node's agent for a VM operation
  - CommandAck: the envelope an agent posts back on completion
  - CommandRegistration: server-side correlation record for an outstanding
    command

Relay & Connectivity:
  - RelayInfo: marks a node as a relay gateway for CGNAT'd peers
  - CgnatInfo: marks a node as behind carrier-grade NAT and its assigned relay

# Design Patterns

Enums are typed strings, never bare ints:

	type VMStatus string
	const (
	    VMPending VMStatus = "pending"
	    VMRunning VMStatus = "running"
	)

Optional fields are pointers: nil means absent, not zero-value.
`Node.Relay`, `Node.Cgnat`, `Node.DHT`, `VirtualMachine.NodeID` all follow
this convention.

# VM State Machine

	Pending → Provisioning → Running → Stopping → Stopped
	                ↓            ↓         ↓          ↓
	              Error        Error     Error      Error
	Running/Stopped → Deleting → Deleted (terminal)

IsCommandManaged reports the states where a background heartbeat
reconciliation must defer to the in-flight command rather than overwrite
status.

# Thread Safety

Types in this package carry no synchronization of their own. Callers that
mutate a shared instance (via pkg/store) are responsible for serializing
access; read-only snapshots returned from pkg/store may be shared freely.
*/
package types
