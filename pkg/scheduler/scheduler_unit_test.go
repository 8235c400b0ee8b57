package scheduler

import (
	"testing"

	"github.com/fleetlab/fleetd/pkg/types"
	"github.com/stretchr/testify/require"
)

func TestArchMatchesAliases(t *testing.T) {
	tests := []struct {
		have, want string
		match      bool
	}{
		{"x86_64", "amd64", true},
		{"amd64", "x64", true},
		{"aarch64", "arm64", true},
		{"i686", "x86", true},
		{"armv7l", "arm", true},
		{"amd64", "arm64", false},
		{"riscv64", "riscv64", true}, // unknown alias, exact match still works
		{"riscv64", "riscv32", false},
	}
	for _, tt := range tests {
		require.Equal(t, tt.match, archMatches(tt.have, tt.want), "%s vs %s", tt.have, tt.want)
	}
}

func TestHardFilterRejectsOfflineNode(t *testing.T) {
	s := &Scheduler{cfg: Config{MaxLoadAverage: 10, MinFreeMemoryMb: 100}}
	node := &types.Node{Status: types.NodeStatusOffline}
	require.NotEmpty(t, s.hardFilter(node, types.TierStandard, ""))
}

func TestHardFilterRejectsMissingTier(t *testing.T) {
	s := &Scheduler{cfg: Config{MaxLoadAverage: 10, MinFreeMemoryMb: 100}}
	node := &types.Node{
		Status: types.NodeStatusOnline,
		PerformanceEvaluation: &types.NodePerformanceEvaluation{
			EligibleTiers: []types.QualityTier{types.TierBurstable},
		},
	}
	require.NotEmpty(t, s.hardFilter(node, types.TierGuaranteed, ""))
}

func TestHardFilterPassesEligibleNode(t *testing.T) {
	s := &Scheduler{cfg: Config{MaxLoadAverage: 10, MinFreeMemoryMb: 100}}
	node := &types.Node{
		Status: types.NodeStatusOnline,
		PerformanceEvaluation: &types.NodePerformanceEvaluation{
			EligibleTiers: []types.QualityTier{types.TierStandard},
		},
		Arch: "amd64",
		LatestMetrics: &types.NodeMetrics{
			LoadAverage:     2,
			FreeMemoryBytes: 4 * 1024 * 1024 * 1024,
		},
	}
	require.Empty(t, s.hardFilter(node, types.TierStandard, "x86_64"))
}

func TestHardFilterRejectsHighLoad(t *testing.T) {
	s := &Scheduler{cfg: Config{MaxLoadAverage: 2, MinFreeMemoryMb: 100}}
	node := &types.Node{
		Status:                types.NodeStatusOnline,
		PerformanceEvaluation: &types.NodePerformanceEvaluation{EligibleTiers: []types.QualityTier{types.TierStandard}},
		LatestMetrics:         &types.NodeMetrics{LoadAverage: 5},
	}
	require.NotEmpty(t, s.hardFilter(node, types.TierStandard, ""))
}

func TestLoadScoreDefaultsWhenNoMetrics(t *testing.T) {
	require.Equal(t, 0.5, loadScore(&types.Node{}))
}

func TestReputationScoreDefaultsForNewNode(t *testing.T) {
	node := &types.Node{Reputation: types.NodeReputation{UptimePercent: 100}}
	require.InDelta(t, 0.7+0.3*0.5, reputationScore(node), 0.0001)
}

func TestLocalityScoreTiers(t *testing.T) {
	node := &types.Node{Region: "us-east", Zone: "us-east-1a"}
	require.Equal(t, 1.0, localityScore(node, "us-east", "us-east-1a"))
	require.Equal(t, 0.7, localityScore(node, "us-east", "us-east-1b"))
	require.Equal(t, 0.5, localityScore(node, "", ""))
	require.Equal(t, 0.0, localityScore(node, "eu-west", ""))
}

func TestCapacityCheckRejectsInsufficientMemory(t *testing.T) {
	s := &Scheduler{cfg: Config{BaselineBenchmark: 100}}
	node := &types.Node{
		Total:    types.ResourceSet{ComputePoints: 100, MemoryBytes: 1000, StorageBytes: 1000},
		Reserved: types.ResourceSet{},
	}
	tierCfg := TierConfig{MinimumBenchmark: 50, CpuOvercommitRatio: 1, MemoryOvercommitRatio: 1, StorageOvercommitRatio: 1}
	spec := types.VMSpec{VCPUCores: 1, MemoryBytes: 2000, DiskBytes: 10}
	_, _, reason := s.capacityCheck(node, tierCfg, spec)
	require.Contains(t, reason, "memory")
}

func TestCapacityCheckAppliesOvercommit(t *testing.T) {
	s := &Scheduler{cfg: Config{BaselineBenchmark: 100}}
	node := &types.Node{
		Total:    types.ResourceSet{ComputePoints: 10, MemoryBytes: 1000, StorageBytes: 1000},
		Reserved: types.ResourceSet{},
	}
	tierCfg := TierConfig{MinimumBenchmark: 100, CpuOvercommitRatio: 2, MemoryOvercommitRatio: 1, StorageOvercommitRatio: 1}
	spec := types.VMSpec{VCPUCores: 15, MemoryBytes: 10, DiskBytes: 10}
	// without overcommit 15 points wouldn't fit in 10; 2x overcommit gives 20
	_, _, reason := s.capacityCheck(node, tierCfg, spec)
	require.Empty(t, reason)
}
