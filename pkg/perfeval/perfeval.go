// Package perfeval classifies a node's hardware against the system-wide
// scheduling configuration, producing the NodePerformanceEvaluation
// consumed by the scheduler's hard-filter and capacity math.
package perfeval

import (
	"sort"
	"time"

	"github.com/fleetlab/fleetd/pkg/types"
)

// TierRequirement is the per-tier threshold configured system-wide.
type TierRequirement struct {
	MinimumBenchmark float64
	PriceMultiplier  float64
	Description      string
}

// Config is the scheduling configuration section consulted by the
// evaluator. BaselineBenchmark is the denominator for all tier math.
type Config struct {
	Version                  string
	BaselineBenchmark        float64
	MaxPerformanceMultiplier float64
	TierRequirements         map[types.QualityTier]TierRequirement
}

// tierOrder returns the configured tiers sorted by descending
// MinimumBenchmark, the order §4.C evaluates eligibility in.
func tierOrder(cfg Config) []types.QualityTier {
	tiers := make([]types.QualityTier, 0, len(cfg.TierRequirements))
	for t := range cfg.TierRequirements {
		tiers = append(tiers, t)
	}
	sort.Slice(tiers, func(i, j int) bool {
		return cfg.TierRequirements[tiers[i]].MinimumBenchmark > cfg.TierRequirements[tiers[j]].MinimumBenchmark
	})
	return tiers
}

// Evaluate runs the performance-evaluator algorithm (§4.C) against a node's
// hardware inventory and the current scheduling configuration.
func Evaluate(inventory types.HardwareInventory, cfg Config) *types.NodePerformanceEvaluation {
	benchmark := inventory.CPU.BenchmarkScore
	capped := benchmark
	if max := cfg.MaxPerformanceMultiplier * cfg.BaselineBenchmark; capped > max {
		capped = max
	}

	pointsPerCore := 0.0
	if cfg.BaselineBenchmark > 0 {
		pointsPerCore = capped / cfg.BaselineBenchmark
	}

	eval := &types.NodePerformanceEvaluation{
		BenchmarkScore: benchmark,
		CappedScore:    capped,
		PointsPerCore:  pointsPerCore,
		TierCapability: make(map[types.QualityTier]types.TierCapability),
		ConfigVersion:  cfg.Version,
		EvaluatedAt:    time.Now(),
	}

	var eligible []types.QualityTier
	for _, tier := range tierOrder(cfg) {
		req := cfg.TierRequirements[tier]
		requiredPointsPerVCpu := 0.0
		if cfg.BaselineBenchmark > 0 {
			requiredPointsPerVCpu = req.MinimumBenchmark / cfg.BaselineBenchmark
		}

		tc := types.TierCapability{
			RequiredPointsPerVCpu: requiredPointsPerVCpu,
			PriceMultiplier:       req.PriceMultiplier,
		}

		if requiredPointsPerVCpu > 0 && pointsPerCore >= requiredPointsPerVCpu {
			tc.MaxVCpusPerCore = float64(int(pointsPerCore / requiredPointsPerVCpu))
			eligible = append(eligible, tier)
		} else {
			tc.IneligibilityReason = "benchmark below tier minimum"
		}
		eval.TierCapability[tier] = tc
	}

	eval.EligibleTiers = eligible
	eval.Acceptable = len(eligible) > 0
	if eval.Acceptable {
		eval.HighestTier = eligible[0]
	} else {
		eval.RejectionReason = "node does not meet the minimum benchmark for any configured tier"
	}
	eval.PerformanceClass = classify(pointsPerCore, cfg)

	return eval
}

// classify derives a human label by comparing pointsPerCore against
// consecutive tier thresholds, descending order.
func classify(pointsPerCore float64, cfg Config) string {
	order := tierOrder(cfg)
	for _, tier := range order {
		req := cfg.TierRequirements[tier]
		threshold := 0.0
		if cfg.BaselineBenchmark > 0 {
			threshold = req.MinimumBenchmark / cfg.BaselineBenchmark
		}
		if pointsPerCore >= threshold {
			return string(tier)
		}
	}
	return "below_minimum"
}
