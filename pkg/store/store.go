// Package store defines the DataStore contract: the persistent keyed store
// and in-memory indexes for nodes, VMs, users, and the command registry
// that correlates outstanding commands with their targets.
package store

import (
	"context"
	"time"

	"github.com/fleetlab/fleetd/pkg/types"
)

// Store is the persistent, indexed home for control-plane state. A single
// entity's operations are linearizable; see pkg/store/boltstore for the
// bbolt-backed implementation.
type Store interface {
	// Nodes
	SaveNode(ctx context.Context, node *types.Node) error
	GetNode(ctx context.Context, id string) (*types.Node, error)
	DeleteNode(ctx context.Context, id string) error
	GetAllNodes(ctx context.Context) ([]*types.Node, error)
	GetActiveNodes(ctx context.Context) ([]*types.Node, error)

	// SaveNodeCredentialHash records the bcrypt hash of a node's minted
	// bearer credential (pkg/security.HashCredential), without touching any
	// other Node field. The bbolt implementation keeps it on the in-memory
	// node record only; it is not written to disk.
	SaveNodeCredentialHash(ctx context.Context, nodeID, hash string) error
	GetNodeCredentialHash(ctx context.Context, nodeID string) (string, error)

	// ReserveAndAssign atomically applies a reservation delta to a node's
	// Reserved resources and sets the VM's NodeID, as a single DataStore
	// update. delta may be negative on release; reservation is floored at
	// zero. This is the one operation the concurrency model (§5) requires
	// to be atomic across the two entities.
	ReserveAndAssign(ctx context.Context, nodeID string, delta types.ResourceSet, vm *types.VirtualMachine) error

	// ReleaseReservation floors-subtracts delta from a node's Reserved
	// resources without touching any VM record.
	ReleaseReservation(ctx context.Context, nodeID string, delta types.ResourceSet) error

	// VMs
	SaveVM(ctx context.Context, vm *types.VirtualMachine) error
	GetVM(ctx context.Context, id string) (*types.VirtualMachine, error)
	GetVMByName(ctx context.Context, name string) (*types.VirtualMachine, error)
	DeleteVM(ctx context.Context, id string) error
	GetAllVMs(ctx context.Context) ([]*types.VirtualMachine, error)
	GetVMsByOwner(ctx context.Context, ownerID string) ([]*types.VirtualMachine, error)
	GetVMsByNode(ctx context.Context, nodeID string) ([]*types.VirtualMachine, error)
	GetActiveVMs(ctx context.Context) ([]*types.VirtualMachine, error)

	// VMNameExists reports whether a non-Deleted VM already owns name,
	// optionally scoped to ownerID (pass "" for the global/premium check).
	// Deleted VMs never collide, per the resolved Open Question (DESIGN.md).
	VMNameExists(ctx context.Context, name, ownerID string) (bool, error)

	// Users
	SaveUser(ctx context.Context, user *types.User) error
	GetUser(ctx context.Context, id string) (*types.User, error)
	GetUserByWallet(ctx context.Context, wallet string) (*types.User, error)

	// Command registry (§4.B)
	RegisterCommand(ctx context.Context, commandID, vmID, nodeID string, cmdType types.CommandType) error
	TryCompleteCommand(ctx context.Context, commandID string) (*types.CommandRegistration, error)
	SweepStaleCommands(ctx context.Context, olderThan time.Duration) ([]*types.CommandRegistration, error)

	// Pending per-node command queue (§4.A)
	AppendPendingCommand(ctx context.Context, nodeID string, cmd *types.Command) error
	DrainPendingCommands(ctx context.Context, nodeID string) ([]*types.Command, error)

	// IsBackedByDocumentStore reports whether this Store is backed by a
	// durable document store requiring a periodic reconciliation flush,
	// replacing any reflection-based probing (§9 design notes).
	IsBackedByDocumentStore() bool

	Close() error
}
