package perfeval

import (
	"testing"

	"github.com/fleetlab/fleetd/pkg/types"
	"github.com/stretchr/testify/require"
)

func testConfig() Config {
	return Config{
		Version:                  "v1",
		BaselineBenchmark:        100,
		MaxPerformanceMultiplier: 3,
		TierRequirements: map[types.QualityTier]TierRequirement{
			types.TierGuaranteed: {MinimumBenchmark: 250, PriceMultiplier: 2.0},
			types.TierStandard:   {MinimumBenchmark: 150, PriceMultiplier: 1.5},
			types.TierBalanced:   {MinimumBenchmark: 80, PriceMultiplier: 1.0},
			types.TierBurstable:  {MinimumBenchmark: 20, PriceMultiplier: 0.5},
		},
	}
}

func TestEvaluateCapsAtMaxMultiplier(t *testing.T) {
	eval := Evaluate(types.HardwareInventory{CPU: types.CPUInfo{BenchmarkScore: 1000}}, testConfig())
	require.Equal(t, 300.0, eval.CappedScore) // 3 * 100 baseline
	require.Equal(t, 3.0, eval.PointsPerCore)
}

func TestEvaluateEligibleTiersDescending(t *testing.T) {
	eval := Evaluate(types.HardwareInventory{CPU: types.CPUInfo{BenchmarkScore: 160}}, testConfig())
	require.True(t, eval.Acceptable)
	require.Equal(t, types.TierStandard, eval.HighestTier)
	require.Contains(t, eval.EligibleTiers, types.TierStandard)
	require.Contains(t, eval.EligibleTiers, types.TierBalanced)
	require.Contains(t, eval.EligibleTiers, types.TierBurstable)
	require.NotContains(t, eval.EligibleTiers, types.TierGuaranteed)
}

func TestEvaluateOvercommitRatio(t *testing.T) {
	eval := Evaluate(types.HardwareInventory{CPU: types.CPUInfo{BenchmarkScore: 200}}, testConfig())
	// pointsPerCore = 2.0; balanced requires 0.8 -> maxVCpusPerCore = floor(2.0/0.8) = 2
	tc := eval.TierCapability[types.TierBalanced]
	require.Equal(t, 2.0, tc.MaxVCpusPerCore)
}

func TestEvaluateRejectsBelowAllTiers(t *testing.T) {
	eval := Evaluate(types.HardwareInventory{CPU: types.CPUInfo{BenchmarkScore: 5}}, testConfig())
	require.False(t, eval.Acceptable)
	require.Empty(t, eval.EligibleTiers)
	require.NotEmpty(t, eval.RejectionReason)
}

func TestEvaluateDeterministic(t *testing.T) {
	cfg := testConfig()
	inv := types.HardwareInventory{CPU: types.CPUInfo{BenchmarkScore: 160}}
	a := Evaluate(inv, cfg)
	b := Evaluate(inv, cfg)
	require.Equal(t, a.PointsPerCore, b.PointsPerCore)
	require.Equal(t, a.HighestTier, b.HighestTier)
	require.Equal(t, a.EligibleTiers, b.EligibleTiers)
}
