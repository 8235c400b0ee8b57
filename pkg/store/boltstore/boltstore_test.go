package boltstore

import (
	"context"
	"testing"
	"time"

	"github.com/fleetlab/fleetd/pkg/types"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *BoltStore {
	t.Helper()
	dir := t.TempDir()
	s, err := New(dir, time.Hour)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestReserveAndAssignFloorsAtZero(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	node := &types.Node{ID: "node-1", Status: types.NodeStatusOnline}
	require.NoError(t, s.SaveNode(ctx, node))

	vm := &types.VirtualMachine{ID: "vm-1", Name: "vm-1"}
	require.NoError(t, s.ReserveAndAssign(ctx, "node-1", types.ResourceSet{ComputePoints: 4, MemoryBytes: 1024, StorageBytes: 2048}, vm))

	got, err := s.GetNode(ctx, "node-1")
	require.NoError(t, err)
	require.Equal(t, 4.0, got.Reserved.ComputePoints)

	gotVM, err := s.GetVM(ctx, "vm-1")
	require.NoError(t, err)
	require.NotNil(t, gotVM.NodeID)
	require.Equal(t, "node-1", *gotVM.NodeID)

	// releasing more than reserved must floor at zero, not go negative
	require.NoError(t, s.ReleaseReservation(ctx, "node-1", types.ResourceSet{ComputePoints: 100, MemoryBytes: 5000, StorageBytes: 9000}))
	got, err = s.GetNode(ctx, "node-1")
	require.NoError(t, err)
	require.Equal(t, 0.0, got.Reserved.ComputePoints)
	require.Equal(t, int64(0), got.Reserved.MemoryBytes)
	require.Equal(t, int64(0), got.Reserved.StorageBytes)
}

func TestTryCompleteCommandExactlyOnce(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	require.NoError(t, s.RegisterCommand(ctx, "cmd-1", "vm-1", "node-1", types.CommandCreateVM))

	reg, err := s.TryCompleteCommand(ctx, "cmd-1")
	require.NoError(t, err)
	require.NotNil(t, reg)
	require.Equal(t, "vm-1", reg.VMID)

	again, err := s.TryCompleteCommand(ctx, "cmd-1")
	require.NoError(t, err)
	require.Nil(t, again)
}

func TestDrainPendingCommandsIsAtomicAndEmpties(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	require.NoError(t, s.AppendPendingCommand(ctx, "node-1", &types.Command{CommandID: "c1"}))
	require.NoError(t, s.AppendPendingCommand(ctx, "node-1", &types.Command{CommandID: "c2"}))

	cmds, err := s.DrainPendingCommands(ctx, "node-1")
	require.NoError(t, err)
	require.Len(t, cmds, 2)

	again, err := s.DrainPendingCommands(ctx, "node-1")
	require.NoError(t, err)
	require.Empty(t, again)
}

func TestVMNameExistsExcludesDeleted(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	vm := &types.VirtualMachine{ID: "vm-1", Name: "web-a1b2", OwnerID: "user-1", Status: types.VMRunning}
	require.NoError(t, s.SaveVM(ctx, vm))

	exists, err := s.VMNameExists(ctx, "web-a1b2", "user-1")
	require.NoError(t, err)
	require.True(t, exists)

	vm.Status = types.VMDeleted
	require.NoError(t, s.SaveVM(ctx, vm))

	exists, err = s.VMNameExists(ctx, "web-a1b2", "user-1")
	require.NoError(t, err)
	require.False(t, exists, "a deleted VM's name must be free to reuse")
}

func TestSaveAndGetNodeCredentialHash(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	node := &types.Node{ID: "node-1", Status: types.NodeStatusOnline}
	require.NoError(t, s.SaveNode(ctx, node))

	require.NoError(t, s.SaveNodeCredentialHash(ctx, "node-1", "bcrypt-hash"))

	hash, err := s.GetNodeCredentialHash(ctx, "node-1")
	require.NoError(t, err)
	require.Equal(t, "bcrypt-hash", hash)

	got, err := s.GetNode(ctx, "node-1")
	require.NoError(t, err)
	require.Equal(t, types.NodeStatusOnline, got.Status, "setting the credential hash must not disturb other fields")
}

func TestGetVMsByOwnerAndNode(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	nodeID := "node-1"
	vm1 := &types.VirtualMachine{ID: "vm-1", Name: "a", OwnerID: "user-1", NodeID: &nodeID, Status: types.VMRunning}
	vm2 := &types.VirtualMachine{ID: "vm-2", Name: "b", OwnerID: "user-1", Status: types.VMPending}
	vm3 := &types.VirtualMachine{ID: "vm-3", Name: "c", OwnerID: "user-2", Status: types.VMPending}
	require.NoError(t, s.SaveVM(ctx, vm1))
	require.NoError(t, s.SaveVM(ctx, vm2))
	require.NoError(t, s.SaveVM(ctx, vm3))

	byOwner, err := s.GetVMsByOwner(ctx, "user-1")
	require.NoError(t, err)
	require.Len(t, byOwner, 2)

	byNode, err := s.GetVMsByNode(ctx, nodeID)
	require.NoError(t, err)
	require.Len(t, byNode, 1)
	require.Equal(t, "vm-1", byNode[0].ID)
}

func TestSweepStaleCommands(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	require.NoError(t, s.RegisterCommand(ctx, "cmd-old", "vm-1", "node-1", types.CommandStopVM))
	s.regMu.Lock()
	s.registry["cmd-old"].IssuedAt = time.Now().Add(-time.Hour)
	s.regMu.Unlock()
	require.NoError(t, s.RegisterCommand(ctx, "cmd-fresh", "vm-2", "node-1", types.CommandStopVM))

	stale, err := s.SweepStaleCommands(ctx, 10*time.Minute)
	require.NoError(t, err)
	require.Len(t, stale, 1)
	require.Equal(t, "cmd-old", stale[0].CommandID)

	_, err = s.TryCompleteCommand(ctx, "cmd-fresh")
	require.NoError(t, err)
}

func TestRestartRecoversRegistryAndPending(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	s1, err := New(dir, 10*time.Millisecond)
	require.NoError(t, err)
	require.NoError(t, s1.RegisterCommand(ctx, "cmd-1", "vm-1", "node-1", types.CommandCreateVM))
	require.NoError(t, s1.AppendPendingCommand(ctx, "node-1", &types.Command{CommandID: "cmd-1"}))
	time.Sleep(30 * time.Millisecond) // let the flush loop snapshot to bbolt
	require.NoError(t, s1.Close())

	s2, err := New(dir, time.Hour)
	require.NoError(t, err)
	defer s2.Close()

	reg, err := s2.TryCompleteCommand(ctx, "cmd-1")
	require.NoError(t, err)
	require.NotNil(t, reg)

	cmds, err := s2.DrainPendingCommands(ctx, "node-1")
	require.NoError(t, err)
	require.Len(t, cmds, 1)
}
