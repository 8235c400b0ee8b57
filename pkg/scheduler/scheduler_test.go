package scheduler

import (
	"context"
	"testing"
	"time"

	"github.com/fleetlab/fleetd/pkg/types"
	"github.com/stretchr/testify/require"
)

// fakeStore implements only the slice of store.Store the scheduler uses;
// every other method is unreachable from these tests.
type fakeStore struct {
	nodes []*types.Node
}

func (f *fakeStore) SaveNode(context.Context, *types.Node) error   { panic("unused") }
func (f *fakeStore) GetNode(context.Context, string) (*types.Node, error) {
	panic("unused")
}
func (f *fakeStore) DeleteNode(context.Context, string) error { panic("unused") }
func (f *fakeStore) GetAllNodes(context.Context) ([]*types.Node, error) {
	return f.nodes, nil
}
func (f *fakeStore) GetActiveNodes(context.Context) ([]*types.Node, error) {
	var out []*types.Node
	for _, n := range f.nodes {
		if n.Status == types.NodeStatusOnline {
			out = append(out, n)
		}
	}
	return out, nil
}
func (f *fakeStore) SaveNodeCredentialHash(context.Context, string, string) error { panic("unused") }
func (f *fakeStore) GetNodeCredentialHash(context.Context, string) (string, error) {
	panic("unused")
}
func (f *fakeStore) ReserveAndAssign(context.Context, string, types.ResourceSet, *types.VirtualMachine) error {
	panic("unused")
}
func (f *fakeStore) ReleaseReservation(context.Context, string, types.ResourceSet) error {
	panic("unused")
}
func (f *fakeStore) SaveVM(context.Context, *types.VirtualMachine) error { panic("unused") }
func (f *fakeStore) GetVM(context.Context, string) (*types.VirtualMachine, error) {
	panic("unused")
}
func (f *fakeStore) GetVMByName(context.Context, string) (*types.VirtualMachine, error) {
	panic("unused")
}
func (f *fakeStore) DeleteVM(context.Context, string) error { panic("unused") }
func (f *fakeStore) GetAllVMs(context.Context) ([]*types.VirtualMachine, error) {
	panic("unused")
}
func (f *fakeStore) GetVMsByOwner(context.Context, string) ([]*types.VirtualMachine, error) {
	panic("unused")
}
func (f *fakeStore) GetVMsByNode(context.Context, string) ([]*types.VirtualMachine, error) {
	panic("unused")
}
func (f *fakeStore) GetActiveVMs(context.Context) ([]*types.VirtualMachine, error) {
	panic("unused")
}
func (f *fakeStore) VMNameExists(context.Context, string, string) (bool, error) {
	panic("unused")
}
func (f *fakeStore) SaveUser(context.Context, *types.User) error { panic("unused") }
func (f *fakeStore) GetUser(context.Context, string) (*types.User, error) {
	panic("unused")
}
func (f *fakeStore) GetUserByWallet(context.Context, string) (*types.User, error) {
	panic("unused")
}
func (f *fakeStore) RegisterCommand(context.Context, string, string, string, types.CommandType) error {
	panic("unused")
}
func (f *fakeStore) TryCompleteCommand(context.Context, string) (*types.CommandRegistration, error) {
	panic("unused")
}
func (f *fakeStore) SweepStaleCommands(context.Context, time.Duration) ([]*types.CommandRegistration, error) {
	panic("unused")
}
func (f *fakeStore) AppendPendingCommand(context.Context, string, *types.Command) error {
	panic("unused")
}
func (f *fakeStore) DrainPendingCommands(context.Context, string) ([]*types.Command, error) {
	panic("unused")
}
func (f *fakeStore) IsBackedByDocumentStore() bool { return true }
func (f *fakeStore) Close() error                  { return nil }

func testSchedulerConfig() Config {
	return Config{
		BaselineBenchmark:     100,
		MaxUtilizationPercent: 90,
		MaxLoadAverage:        8,
		MinFreeMemoryMb:       512,
		Weights:               Weights{Capacity: 0.4, Load: 0.2, Reputation: 0.2, Locality: 0.2},
		Tiers: map[types.QualityTier]TierConfig{
			types.TierStandard: {MinimumBenchmark: 100, CpuOvercommitRatio: 1, MemoryOvercommitRatio: 1, StorageOvercommitRatio: 1},
			types.TierGuaranteed: {MinimumBenchmark: 200, CpuOvercommitRatio: 1, MemoryOvercommitRatio: 1, StorageOvercommitRatio: 1},
		},
	}
}

func onlineNode(id string, points float64) *types.Node {
	return &types.Node{
		ID:     id,
		Status: types.NodeStatusOnline,
		Arch:   "amd64",
		Total:  types.ResourceSet{ComputePoints: points, MemoryBytes: 64 << 30, StorageBytes: 1 << 40},
		PerformanceEvaluation: &types.NodePerformanceEvaluation{
			EligibleTiers: []types.QualityTier{types.TierStandard},
		},
		LatestMetrics: &types.NodeMetrics{LoadAverage: 1, FreeMemoryBytes: 32 << 30},
	}
}

func TestSelectBestNodePicksHighestScore(t *testing.T) {
	ctx := context.Background()
	nodes := []*types.Node{onlineNode("node-a", 4), onlineNode("node-b", 40)}
	sched := New(&fakeStore{nodes: nodes}, testSchedulerConfig())

	spec := types.VMSpec{VCPUCores: 2, MemoryBytes: 1 << 30, DiskBytes: 1 << 30}
	best, err := sched.SelectBestNode(ctx, spec, types.TierStandard, "", "", "")
	require.NoError(t, err)
	require.NotNil(t, best)
	require.Equal(t, "node-b", best.ID) // far more headroom -> higher capacity score
}

func TestSelectBestNodeReturnsNilWhenNoTierMatch(t *testing.T) {
	ctx := context.Background()
	sched := New(&fakeStore{nodes: []*types.Node{onlineNode("node-a", 40)}}, testSchedulerConfig())

	spec := types.VMSpec{VCPUCores: 2, MemoryBytes: 1 << 30, DiskBytes: 1 << 30}
	best, err := sched.SelectBestNode(ctx, spec, types.TierGuaranteed, "", "", "")
	require.NoError(t, err)
	require.Nil(t, best)
}

func TestSelectBestNodeRejectsArchMismatch(t *testing.T) {
	ctx := context.Background()
	sched := New(&fakeStore{nodes: []*types.Node{onlineNode("node-a", 40)}}, testSchedulerConfig())

	spec := types.VMSpec{VCPUCores: 2, MemoryBytes: 1 << 30, DiskBytes: 1 << 30}
	best, err := sched.SelectBestNode(ctx, spec, types.TierStandard, "", "", "arm64")
	require.NoError(t, err)
	require.Nil(t, best)
}

func TestGetScoredNodesExcludesOfflineNodes(t *testing.T) {
	ctx := context.Background()
	offline := onlineNode("node-off", 40)
	offline.Status = types.NodeStatusOffline
	sched := New(&fakeStore{nodes: []*types.Node{offline}}, testSchedulerConfig())

	scored, err := sched.GetScoredNodes(ctx, types.VMSpec{VCPUCores: 1}, types.TierStandard, "", "", "")
	require.NoError(t, err)
	require.Len(t, scored, 0) // offline nodes are excluded by GetActiveNodes already
}

func TestSelectBestNodeFallsThroughOnNoLocalityMatch(t *testing.T) {
	ctx := context.Background()
	sched := New(&fakeStore{nodes: []*types.Node{onlineNode("node-a", 40)}}, testSchedulerConfig())

	spec := types.VMSpec{VCPUCores: 1, MemoryBytes: 1 << 20, DiskBytes: 1 << 20}
	best, err := sched.SelectBestNode(ctx, spec, types.TierStandard, "nowhere-region", "nowhere-zone", "")
	require.NoError(t, err)
	require.NotNil(t, best, "no regional match should fall through to global candidates, not reject")
}
