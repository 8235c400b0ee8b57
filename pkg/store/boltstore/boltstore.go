// Package boltstore implements pkg/store.Store on top of BoltDB, kept hot
// in memory with secondary indexes and a periodic reconciliation flush.
package boltstore

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fleetlab/fleetd/pkg/ferrors"
	"github.com/fleetlab/fleetd/pkg/log"
	"github.com/fleetlab/fleetd/pkg/types"
	"github.com/rs/zerolog"
	bolt "go.etcd.io/bbolt"
)

var (
	bucketNodes    = []byte("nodes")
	bucketVMs      = []byte("vms")
	bucketUsers    = []byte("users")
	bucketCommands = []byte("commands")
	bucketPending  = []byte("pending")
)

// BoltStore is a bbolt-backed pkg/store.Store with an in-memory cache and
// secondary indexes (VMs-by-owner, VMs-by-node, active-VMs) rebuilt on load
// and maintained on every mutation.
type BoltStore struct {
	db     *bolt.DB
	logger zerolog.Logger

	syncInterval time.Duration
	stopCh       chan struct{}

	mu            sync.RWMutex
	nodes         map[string]*types.Node
	vms           map[string]*types.VirtualMachine
	users         map[string]*types.User
	usersByWallet map[string]string

	vmsByOwner map[string]map[string]bool
	vmsByNode  map[string]map[string]bool
	activeVMs  map[string]bool
	vmNames    map[string]map[string]bool // ownerID ("" = global) -> name -> present (non-Deleted)

	regMu    sync.Mutex
	registry map[string]*types.CommandRegistration

	pendingMu sync.Mutex
	pending   map[string][]*types.Command

	dirty bool
}

// activeVMStatuses are the statuses counted in the active-VMs fast path.
var activeVMStatuses = map[types.VMStatus]bool{
	types.VMPending:      true,
	types.VMProvisioning: true,
	types.VMRunning:      true,
	types.VMStopping:     true,
	types.VMStopped:      true,
	types.VMDeleting:     true,
}

// New opens (creating if absent) a BoltDB file under dataDir and rebuilds
// the in-memory indexes from its contents. syncInterval governs the
// periodic reconciliation flush (§4.A); zero selects the 60s default.
func New(dataDir string, syncInterval time.Duration) (*BoltStore, error) {
	if syncInterval <= 0 {
		syncInterval = 60 * time.Second
	}

	dbPath := filepath.Join(dataDir, "fleetd.db")
	db, err := bolt.Open(dbPath, 0600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, b := range [][]byte{bucketNodes, bucketVMs, bucketUsers, bucketCommands, bucketPending} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return fmt.Errorf("create bucket %s: %w", b, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	s := &BoltStore{
		db:            db,
		logger:        log.WithComponent("boltstore"),
		syncInterval:  syncInterval,
		stopCh:        make(chan struct{}),
		nodes:         make(map[string]*types.Node),
		vms:           make(map[string]*types.VirtualMachine),
		users:         make(map[string]*types.User),
		usersByWallet: make(map[string]string),
		vmsByOwner:    make(map[string]map[string]bool),
		vmsByNode:     make(map[string]map[string]bool),
		activeVMs:     make(map[string]bool),
		vmNames:       make(map[string]map[string]bool),
		registry:      make(map[string]*types.CommandRegistration),
		pending:       make(map[string][]*types.Command),
	}

	if err := s.loadAll(); err != nil {
		db.Close()
		return nil, err
	}

	go s.flushLoop()

	return s, nil
}

func (s *BoltStore) loadAll() error {
	return s.db.View(func(tx *bolt.Tx) error {
		if err := tx.Bucket(bucketNodes).ForEach(func(k, v []byte) error {
			var n types.Node
			if err := json.Unmarshal(v, &n); err != nil {
				return err
			}
			s.nodes[n.ID] = &n
			return nil
		}); err != nil {
			return err
		}

		if err := tx.Bucket(bucketVMs).ForEach(func(k, v []byte) error {
			var vm types.VirtualMachine
			if err := json.Unmarshal(v, &vm); err != nil {
				return err
			}
			s.vms[vm.ID] = &vm
			s.indexVM(&vm)
			return nil
		}); err != nil {
			return err
		}

		if err := tx.Bucket(bucketUsers).ForEach(func(k, v []byte) error {
			var u types.User
			if err := json.Unmarshal(v, &u); err != nil {
				return err
			}
			s.users[u.ID] = &u
			s.usersByWallet[u.Wallet] = u.ID
			return nil
		}); err != nil {
			return err
		}

		if err := tx.Bucket(bucketCommands).ForEach(func(k, v []byte) error {
			var reg types.CommandRegistration
			if err := json.Unmarshal(v, &reg); err != nil {
				return err
			}
			s.registry[reg.CommandID] = &reg
			return nil
		}); err != nil {
			return err
		}

		return tx.Bucket(bucketPending).ForEach(func(k, v []byte) error {
			var cmds []*types.Command
			if err := json.Unmarshal(v, &cmds); err != nil {
				return err
			}
			s.pending[string(k)] = cmds
			return nil
		})
	})
}

// indexVM maintains vmsByOwner/vmsByNode/activeVMs/vmNames. Caller holds s.mu.
func (s *BoltStore) indexVM(vm *types.VirtualMachine) {
	if vm.OwnerID != "" {
		if s.vmsByOwner[vm.OwnerID] == nil {
			s.vmsByOwner[vm.OwnerID] = make(map[string]bool)
		}
		s.vmsByOwner[vm.OwnerID][vm.ID] = true
	}
	if vm.NodeID != nil {
		if s.vmsByNode[*vm.NodeID] == nil {
			s.vmsByNode[*vm.NodeID] = make(map[string]bool)
		}
		s.vmsByNode[*vm.NodeID][vm.ID] = true
	}
	if activeVMStatuses[vm.Status] {
		s.activeVMs[vm.ID] = true
	} else {
		delete(s.activeVMs, vm.ID)
	}

	scope := vm.OwnerID
	if s.vmNames[scope] == nil {
		s.vmNames[scope] = make(map[string]bool)
	}
	if s.vmNames[""] == nil {
		s.vmNames[""] = make(map[string]bool)
	}
	if vm.Status == types.VMDeleted {
		delete(s.vmNames[scope], vm.Name)
		delete(s.vmNames[""], vm.Name)
	} else {
		s.vmNames[scope][vm.Name] = true
		s.vmNames[""][vm.Name] = true
	}
}

func (s *BoltStore) flushLoop() {
	ticker := time.NewTicker(s.syncInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := s.flush(); err != nil {
				s.logger.Error().Err(err).Msg("periodic flush failed")
			}
		case <-s.stopCh:
			return
		}
	}
}

// flush re-persists the in-memory command registry and pending queues. It
// never holds s.mu while writing to bbolt, so mutators are never blocked.
func (s *BoltStore) flush() error {
	s.mu.RLock()
	if !s.dirty {
		s.mu.RUnlock()
		return nil
	}
	s.mu.RUnlock()

	s.regMu.Lock()
	regs := make([]*types.CommandRegistration, 0, len(s.registry))
	for _, r := range s.registry {
		regs = append(regs, r)
	}
	s.regMu.Unlock()

	s.pendingMu.Lock()
	pendingSnapshot := make(map[string][]*types.Command, len(s.pending))
	for k, v := range s.pending {
		pendingSnapshot[k] = v
	}
	s.pendingMu.Unlock()

	err := s.db.Update(func(tx *bolt.Tx) error {
		// Recreate both buckets so completed, swept and drained entries do
		// not come back after a restart.
		for _, name := range [][]byte{bucketCommands, bucketPending} {
			if err := tx.DeleteBucket(name); err != nil && err != bolt.ErrBucketNotFound {
				return err
			}
			if _, err := tx.CreateBucket(name); err != nil {
				return err
			}
		}
		cb := tx.Bucket(bucketCommands)
		for _, r := range regs {
			data, err := json.Marshal(r)
			if err != nil {
				return err
			}
			if err := cb.Put([]byte(r.CommandID), data); err != nil {
				return err
			}
		}
		pb := tx.Bucket(bucketPending)
		for nodeID, cmds := range pendingSnapshot {
			data, err := json.Marshal(cmds)
			if err != nil {
				return err
			}
			if err := pb.Put([]byte(nodeID), data); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("flush: %w", err)
	}

	s.mu.Lock()
	s.dirty = false
	s.mu.Unlock()
	return nil
}

// Close stops the flush loop and closes the underlying database.
func (s *BoltStore) Close() error {
	close(s.stopCh)
	_ = s.flush()
	return s.db.Close()
}

// IsBackedByDocumentStore reports true: bbolt is this deployment's
// document-style store, durable on disk.
func (s *BoltStore) IsBackedByDocumentStore() bool { return true }

func (s *BoltStore) markDirty() {
	s.mu.Lock()
	s.dirty = true
	s.mu.Unlock()
}

// --- Nodes ---

func (s *BoltStore) SaveNode(ctx context.Context, node *types.Node) error {
	data, err := json.Marshal(node)
	if err != nil {
		return err
	}
	if err := s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketNodes).Put([]byte(node.ID), data)
	}); err != nil {
		return fmt.Errorf("save node: %w", err)
	}

	cp := *node
	s.mu.Lock()
	s.nodes[node.ID] = &cp
	s.mu.Unlock()
	return nil
}

func (s *BoltStore) GetNode(ctx context.Context, id string) (*types.Node, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n, ok := s.nodes[id]
	if !ok {
		return nil, nil
	}
	cp := *n
	return &cp, nil
}

func (s *BoltStore) DeleteNode(ctx context.Context, id string) error {
	if err := s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketNodes).Delete([]byte(id))
	}); err != nil {
		return fmt.Errorf("delete node: %w", err)
	}
	s.mu.Lock()
	delete(s.nodes, id)
	s.mu.Unlock()
	return nil
}

func (s *BoltStore) GetAllNodes(ctx context.Context) ([]*types.Node, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*types.Node, 0, len(s.nodes))
	for _, n := range s.nodes {
		cp := *n
		out = append(out, &cp)
	}
	return out, nil
}

func (s *BoltStore) GetActiveNodes(ctx context.Context) ([]*types.Node, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*types.Node, 0, len(s.nodes))
	for _, n := range s.nodes {
		if n.Status == types.NodeStatusOnline {
			cp := *n
			out = append(out, &cp)
		}
	}
	return out, nil
}

// SaveNodeCredentialHash sets a bcrypt credential hash on the node record
// without disturbing any other field. Node.CredentialHash is left out of the
// node's JSON encoding, so the hash is held in memory only and does not
// survive a restart.
func (s *BoltStore) SaveNodeCredentialHash(ctx context.Context, nodeID, hash string) error {
	s.mu.Lock()
	node, ok := s.nodes[nodeID]
	if !ok {
		s.mu.Unlock()
		return ferrors.New(ferrors.External, ferrors.CodeNotFound, "node not found: "+nodeID)
	}
	updated := *node
	updated.CredentialHash = hash

	data, err := json.Marshal(&updated)
	if err != nil {
		s.mu.Unlock()
		return err
	}
	if err := s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketNodes).Put([]byte(nodeID), data)
	}); err != nil {
		s.mu.Unlock()
		return fmt.Errorf("save node credential hash: %w", err)
	}
	s.nodes[nodeID] = &updated
	s.mu.Unlock()
	return nil
}

func (s *BoltStore) GetNodeCredentialHash(ctx context.Context, nodeID string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	node, ok := s.nodes[nodeID]
	if !ok {
		return "", ferrors.New(ferrors.External, ferrors.CodeNotFound, "node not found: "+nodeID)
	}
	return node.CredentialHash, nil
}

// ReserveAndAssign applies delta to the node's Reserved resources and sets
// vm.NodeID, persisting both as one bbolt transaction so a concurrent
// delete can never observe the VM assigned without the charge landed (§5).
func (s *BoltStore) ReserveAndAssign(ctx context.Context, nodeID string, delta types.ResourceSet, vm *types.VirtualMachine) error {
	s.mu.Lock()
	node, ok := s.nodes[nodeID]
	if !ok {
		s.mu.Unlock()
		return ferrors.New(ferrors.External, ferrors.CodeNotFound, "node not found: "+nodeID)
	}
	updated := *node
	updated.Reserved.ComputePoints = floorAdd(updated.Reserved.ComputePoints, delta.ComputePoints)
	updated.Reserved.MemoryBytes = floorAddInt(updated.Reserved.MemoryBytes, delta.MemoryBytes)
	updated.Reserved.StorageBytes = floorAddInt(updated.Reserved.StorageBytes, delta.StorageBytes)

	nid := nodeID
	vm.NodeID = &nid

	if err := s.persistNodeAndVM(&updated, vm); err != nil {
		s.mu.Unlock()
		return err
	}
	s.nodes[nodeID] = &updated
	s.vms[vm.ID] = vmCopy(vm)
	s.indexVM(vm)
	s.mu.Unlock()
	return nil
}

// ReleaseReservation floor-subtracts delta from a node's Reserved resources.
func (s *BoltStore) ReleaseReservation(ctx context.Context, nodeID string, delta types.ResourceSet) error {
	s.mu.Lock()
	node, ok := s.nodes[nodeID]
	if !ok {
		s.mu.Unlock()
		return nil // node already gone; nothing to release
	}
	updated := *node
	updated.Reserved.ComputePoints = floorSub(updated.Reserved.ComputePoints, delta.ComputePoints)
	updated.Reserved.MemoryBytes = floorSubInt(updated.Reserved.MemoryBytes, delta.MemoryBytes)
	updated.Reserved.StorageBytes = floorSubInt(updated.Reserved.StorageBytes, delta.StorageBytes)

	data, err := json.Marshal(&updated)
	if err != nil {
		s.mu.Unlock()
		return err
	}
	if err := s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketNodes).Put([]byte(nodeID), data)
	}); err != nil {
		s.mu.Unlock()
		return fmt.Errorf("release reservation: %w", err)
	}
	s.nodes[nodeID] = &updated
	s.mu.Unlock()
	return nil
}

func (s *BoltStore) persistNodeAndVM(node *types.Node, vm *types.VirtualMachine) error {
	nodeData, err := json.Marshal(node)
	if err != nil {
		return err
	}
	vmData, err := json.Marshal(vm)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		if err := tx.Bucket(bucketNodes).Put([]byte(node.ID), nodeData); err != nil {
			return err
		}
		return tx.Bucket(bucketVMs).Put([]byte(vm.ID), vmData)
	})
}

func floorAdd(a, delta float64) float64 {
	v := a + delta
	if v < 0 {
		return 0
	}
	return v
}

func floorSub(a, delta float64) float64 { return floorAdd(a, -delta) }

func floorAddInt(a, delta int64) int64 {
	v := a + delta
	if v < 0 {
		return 0
	}
	return v
}

func floorSubInt(a, delta int64) int64 { return floorAddInt(a, -delta) }

func vmCopy(vm *types.VirtualMachine) *types.VirtualMachine {
	cp := *vm
	return &cp
}

// --- VMs ---

func (s *BoltStore) SaveVM(ctx context.Context, vm *types.VirtualMachine) error {
	data, err := json.Marshal(vm)
	if err != nil {
		return err
	}
	if err := s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketVMs).Put([]byte(vm.ID), data)
	}); err != nil {
		return fmt.Errorf("save vm: %w", err)
	}

	s.mu.Lock()
	s.vms[vm.ID] = vmCopy(vm)
	s.indexVM(vm)
	s.mu.Unlock()
	return nil
}

func (s *BoltStore) GetVM(ctx context.Context, id string) (*types.VirtualMachine, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	vm, ok := s.vms[id]
	if !ok {
		return nil, nil
	}
	return vmCopy(vm), nil
}

func (s *BoltStore) GetVMByName(ctx context.Context, name string) (*types.VirtualMachine, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, vm := range s.vms {
		if vm.Name == name && vm.Status != types.VMDeleted {
			return vmCopy(vm), nil
		}
	}
	return nil, ferrors.New(ferrors.External, ferrors.CodeNotFound, "vm not found: "+name)
}

func (s *BoltStore) DeleteVM(ctx context.Context, id string) error {
	if err := s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketVMs).Delete([]byte(id))
	}); err != nil {
		return fmt.Errorf("delete vm: %w", err)
	}
	s.mu.Lock()
	if vm, ok := s.vms[id]; ok {
		delete(s.activeVMs, id)
		if vm.OwnerID != "" {
			delete(s.vmsByOwner[vm.OwnerID], id)
		}
		if vm.NodeID != nil {
			delete(s.vmsByNode[*vm.NodeID], id)
		}
	}
	delete(s.vms, id)
	s.mu.Unlock()
	return nil
}

func (s *BoltStore) GetAllVMs(ctx context.Context) ([]*types.VirtualMachine, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*types.VirtualMachine, 0, len(s.vms))
	for _, vm := range s.vms {
		out = append(out, vmCopy(vm))
	}
	return out, nil
}

func (s *BoltStore) GetVMsByOwner(ctx context.Context, ownerID string) ([]*types.VirtualMachine, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := s.vmsByOwner[ownerID]
	out := make([]*types.VirtualMachine, 0, len(ids))
	for id := range ids {
		if vm, ok := s.vms[id]; ok {
			out = append(out, vmCopy(vm))
		}
	}
	return out, nil
}

func (s *BoltStore) GetVMsByNode(ctx context.Context, nodeID string) ([]*types.VirtualMachine, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := s.vmsByNode[nodeID]
	out := make([]*types.VirtualMachine, 0, len(ids))
	for id := range ids {
		if vm, ok := s.vms[id]; ok {
			out = append(out, vmCopy(vm))
		}
	}
	return out, nil
}

func (s *BoltStore) GetActiveVMs(ctx context.Context) ([]*types.VirtualMachine, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*types.VirtualMachine, 0, len(s.activeVMs))
	for id := range s.activeVMs {
		if vm, ok := s.vms[id]; ok {
			out = append(out, vmCopy(vm))
		}
	}
	return out, nil
}

func (s *BoltStore) VMNameExists(ctx context.Context, name, ownerID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	scope := s.vmNames[ownerID]
	if scope == nil {
		return false, nil
	}
	return scope[name], nil
}

// --- Users ---

func (s *BoltStore) SaveUser(ctx context.Context, user *types.User) error {
	data, err := json.Marshal(user)
	if err != nil {
		return err
	}
	if err := s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketUsers).Put([]byte(user.ID), data)
	}); err != nil {
		return fmt.Errorf("save user: %w", err)
	}
	cp := *user
	s.mu.Lock()
	s.users[user.ID] = &cp
	s.usersByWallet[user.Wallet] = user.ID
	s.mu.Unlock()
	return nil
}

func (s *BoltStore) GetUser(ctx context.Context, id string) (*types.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.users[id]
	if !ok {
		return nil, ferrors.New(ferrors.External, ferrors.CodeNotFound, "user not found: "+id)
	}
	cp := *u
	return &cp, nil
}

func (s *BoltStore) GetUserByWallet(ctx context.Context, wallet string) (*types.User, error) {
	s.mu.RLock()
	id, ok := s.usersByWallet[wallet]
	s.mu.RUnlock()
	if !ok {
		return nil, ferrors.New(ferrors.External, ferrors.CodeNotFound, "user not found for wallet")
	}
	return s.GetUser(ctx, id)
}

// --- Command registry (§4.B) ---

func (s *BoltStore) RegisterCommand(ctx context.Context, commandID, vmID, nodeID string, cmdType types.CommandType) error {
	reg := &types.CommandRegistration{
		CommandID: commandID,
		VMID:      vmID,
		NodeID:    nodeID,
		Type:      cmdType,
		IssuedAt:  time.Now(),
	}
	s.regMu.Lock()
	s.registry[commandID] = reg
	s.regMu.Unlock()
	s.markDirty()
	return nil
}

// TryCompleteCommand removes the registration for commandID and returns it;
// a concurrent second call after the first succeeds finds nothing, giving
// at-most-once delivery to exactly one caller.
func (s *BoltStore) TryCompleteCommand(ctx context.Context, commandID string) (*types.CommandRegistration, error) {
	s.regMu.Lock()
	defer s.regMu.Unlock()
	reg, ok := s.registry[commandID]
	if !ok {
		return nil, nil
	}
	delete(s.registry, commandID)
	s.markDirty()
	return reg, nil
}

// SweepStaleCommands removes registrations older than olderThan, returning
// them for the caller to emit orphaned-command events. Ack is never
// synthesized.
func (s *BoltStore) SweepStaleCommands(ctx context.Context, olderThan time.Duration) ([]*types.CommandRegistration, error) {
	cutoff := time.Now().Add(-olderThan)
	var stale []*types.CommandRegistration

	s.regMu.Lock()
	for id, reg := range s.registry {
		if reg.IssuedAt.Before(cutoff) {
			stale = append(stale, reg)
			delete(s.registry, id)
		}
	}
	s.regMu.Unlock()
	if len(stale) > 0 {
		s.markDirty()
	}
	return stale, nil
}

// --- Pending per-node command queue (§4.A) ---

func (s *BoltStore) AppendPendingCommand(ctx context.Context, nodeID string, cmd *types.Command) error {
	s.pendingMu.Lock()
	s.pending[nodeID] = append(s.pending[nodeID], cmd)
	s.pendingMu.Unlock()
	s.markDirty()
	return nil
}

// DrainPendingCommands atomically empties and returns a node's queue.
func (s *BoltStore) DrainPendingCommands(ctx context.Context, nodeID string) ([]*types.Command, error) {
	s.pendingMu.Lock()
	cmds := s.pending[nodeID]
	delete(s.pending, nodeID)
	s.pendingMu.Unlock()
	if len(cmds) > 0 {
		s.markDirty()
	}
	return cmds, nil
}
