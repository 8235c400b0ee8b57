package vmsvc

import (
	"context"
	"testing"
	"time"

	"github.com/fleetlab/fleetd/pkg/events"
	"github.com/fleetlab/fleetd/pkg/ingress"
	"github.com/fleetlab/fleetd/pkg/scheduler"
	"github.com/fleetlab/fleetd/pkg/store"
	"github.com/fleetlab/fleetd/pkg/types"
	"github.com/stretchr/testify/require"
)

func testSchedulerConfig() scheduler.Config {
	return scheduler.Config{
		BaselineBenchmark:     1000,
		MaxUtilizationPercent: 90,
		MaxLoadAverage:        4,
		MinFreeMemoryMb:       256,
		Weights:               scheduler.Weights{Capacity: 0.4, Load: 0.3, Reputation: 0.2, Locality: 0.1},
		Tiers: map[types.QualityTier]scheduler.TierConfig{
			types.TierStandard: {MinimumBenchmark: 500, CpuOvercommitRatio: 1, MemoryOvercommitRatio: 1, StorageOvercommitRatio: 1},
		},
	}
}

func newOnlineNode(id string) *types.Node {
	return &types.Node{
		ID:     id,
		Status: types.NodeStatusOnline,
		Total: types.ResourceSet{
			ComputePoints: 10000,
			MemoryBytes:   64 << 30,
			StorageBytes:  1 << 40,
		},
		Hardware: types.HardwareInventory{
			CPU: types.CPUInfo{PhysicalCores: 32, BenchmarkScore: 1000},
		},
		LatestMetrics: &types.NodeMetrics{LoadAverage: 0.5, FreeMemoryBytes: 32 << 30, ReportedAt: time.Now()},
		PerformanceEvaluation: &types.NodePerformanceEvaluation{
			EligibleTiers: []types.QualityTier{types.TierStandard},
		},
	}
}

func newService(t *testing.T, st store.Store) (*Service, *LifecycleManager) {
	t.Helper()
	sched := scheduler.New(st, testSchedulerConfig())
	broker := events.NewBroker()
	broker.Start()
	t.Cleanup(broker.Stop)
	lifecycle := NewLifecycleManager(st, ingress.NewLogRegistrar(), broker)
	svc := NewService(st, sched, lifecycle, nil, Config{
		Scheduling: testSchedulerConfig(),
		ImageURLs:  map[string]string{"ubuntu-22.04": "https://images.example/ubuntu-22.04.qcow2"},
	})
	return svc, lifecycle
}

func standardSpec() types.VMSpec {
	return types.VMSpec{
		VCPUCores:   2,
		MemoryBytes: 4 << 30,
		DiskBytes:   20 << 30,
		ImageID:     "ubuntu-22.04",
		QualityTier: types.TierStandard,
		GPUMode:     types.GPUModeNone,
	}
}

func TestCreateSchedulesImmediatelyWhenNodeAvailable(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	require.NoError(t, st.SaveNode(ctx, newOnlineNode("node-1")))
	require.NoError(t, st.SaveUser(ctx, &types.User{ID: "user-1", Quota: types.Quota{
		MaxVMs: 10, MaxVCPUCores: 32, MaxMemoryBytes: 128 << 30, MaxStorageBytes: 1 << 40,
	}}))

	svc, _ := newService(t, st)
	res, err := svc.Create(ctx, CreateRequest{OwnerID: "user-1", RawName: "web-1", Spec: standardSpec()})
	require.NoError(t, err)
	require.NotEmpty(t, res.VMID)
	require.NotEmpty(t, res.PlaintextPassword)

	vm, err := st.GetVM(ctx, res.VMID)
	require.NoError(t, err)
	require.Equal(t, types.VMProvisioning, vm.Status)
	require.NotNil(t, vm.NodeID)
	require.Equal(t, "node-1", *vm.NodeID)
	require.NotZero(t, vm.ComputePointCost)

	user, err := st.GetUser(ctx, "user-1")
	require.NoError(t, err)
	require.Equal(t, 1, user.Quota.UsedVMs)
}

func TestCreateRemainsPendingWhenNoNodeAvailable(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	require.NoError(t, st.SaveUser(ctx, &types.User{ID: "user-1", Quota: types.Quota{
		MaxVMs: 10, MaxVCPUCores: 32, MaxMemoryBytes: 128 << 30, MaxStorageBytes: 1 << 40,
	}}))

	svc, _ := newService(t, st)
	res, err := svc.Create(ctx, CreateRequest{OwnerID: "user-1", RawName: "web-1", Spec: standardSpec()})
	require.NoError(t, err)

	vm, err := st.GetVM(ctx, res.VMID)
	require.NoError(t, err)
	require.Equal(t, types.VMPending, vm.Status)
}

func TestCreateRejectsOverQuota(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	require.NoError(t, st.SaveUser(ctx, &types.User{ID: "user-1", Quota: types.Quota{
		MaxVMs: 1, UsedVMs: 1, MaxVCPUCores: 32, MaxMemoryBytes: 128 << 30, MaxStorageBytes: 1 << 40,
	}}))

	svc, _ := newService(t, st)
	_, err := svc.Create(ctx, CreateRequest{OwnerID: "user-1", RawName: "web-1", Spec: standardSpec()})
	require.Error(t, err)
}

func TestCreateSystemVMSkipsQuotaAndPassword(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	require.NoError(t, st.SaveNode(ctx, newOnlineNode("node-1")))

	svc, _ := newService(t, st)
	res, err := svc.Create(ctx, CreateRequest{
		OwnerID: "system",
		RawName: "dht-bootstrap-0",
		Spec:    standardSpec(),
		Labels:  map[string]string{"role": string(types.SystemVMRoleDHT)},
	})
	require.NoError(t, err)
	require.Empty(t, res.PlaintextPassword)

	vm, err := st.GetVM(ctx, res.VMID)
	require.NoError(t, err)
	require.Equal(t, "dht-bootstrap-0", vm.Name)
}

func TestCreateSystemVMRejectsUnknownRole(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	svc, _ := newService(t, st)
	_, err := svc.Create(ctx, CreateRequest{
		OwnerID: "system",
		RawName: "mystery-0",
		Spec:    standardSpec(),
		Labels:  map[string]string{"role": "mystery"},
	})
	require.Error(t, err)
}

func TestDeleteNeverScheduledVMCompletesImmediately(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	require.NoError(t, st.SaveUser(ctx, &types.User{ID: "user-1", Quota: types.Quota{
		MaxVMs: 10, MaxVCPUCores: 32, MaxMemoryBytes: 128 << 30, MaxStorageBytes: 1 << 40, UsedVMs: 1,
	}}))
	vm := &types.VirtualMachine{ID: "vm-1", OwnerID: "user-1", Status: types.VMPending, Spec: standardSpec()}
	require.NoError(t, st.SaveVM(ctx, vm))

	svc, _ := newService(t, st)
	require.NoError(t, svc.Delete(ctx, "vm-1"))

	got, err := st.GetVM(ctx, "vm-1")
	require.NoError(t, err)
	require.Equal(t, types.VMDeleted, got.Status)

	user, err := st.GetUser(ctx, "user-1")
	require.NoError(t, err)
	require.Equal(t, 0, user.Quota.UsedVMs)
}

func TestDeleteAssignedVMQueuesCommandAndWaitsForAck(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	node := newOnlineNode("node-1")
	require.NoError(t, st.SaveNode(ctx, node))
	nodeID := "node-1"
	vm := &types.VirtualMachine{ID: "vm-1", OwnerID: "user-1", Status: types.VMRunning, NodeID: &nodeID, Spec: standardSpec()}
	require.NoError(t, st.SaveVM(ctx, vm))

	svc, _ := newService(t, st)
	require.NoError(t, svc.Delete(ctx, "vm-1"))

	got, err := st.GetVM(ctx, "vm-1")
	require.NoError(t, err)
	require.Equal(t, types.VMDeleting, got.Status)

	pending, err := st.DrainPendingCommands(ctx, nodeID)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	require.Equal(t, types.CommandDeleteVM, pending[0].Type)
}

func TestDeleteIsIdempotent(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	vm := &types.VirtualMachine{ID: "vm-1", OwnerID: "user-1", Status: types.VMDeleted, Spec: standardSpec()}
	require.NoError(t, st.SaveVM(ctx, vm))

	svc, _ := newService(t, st)
	require.NoError(t, svc.Delete(ctx, "vm-1"))
}
