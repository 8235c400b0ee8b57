package scheduler

import (
	"context"
	"sort"

	"github.com/fleetlab/fleetd/pkg/log"
	"github.com/fleetlab/fleetd/pkg/metrics"
	"github.com/fleetlab/fleetd/pkg/store"
	"github.com/fleetlab/fleetd/pkg/types"
	"github.com/rs/zerolog"
)

// Weights are the per-dimension scoring weights; they must sum to 1.
type Weights struct {
	Capacity   float64
	Load       float64
	Reputation float64
	Locality   float64
}

// TierConfig is the overcommit/benchmark configuration for one quality tier.
type TierConfig struct {
	MinimumBenchmark       float64
	CpuOvercommitRatio     float64
	MemoryOvercommitRatio  float64
	StorageOvercommitRatio float64
}

// Config is the scheduling configuration consulted by the scheduler.
type Config struct {
	BaselineBenchmark     float64
	MaxUtilizationPercent float64
	MaxLoadAverage        float64
	MinFreeMemoryMb       int64
	Weights               Weights
	Tiers                 map[types.QualityTier]TierConfig
}

// ScoredNode annotates a candidate node with its per-dimension scores and,
// for rejected nodes, the reason it scored zero.
type ScoredNode struct {
	Node            *types.Node
	CapacityScore   float64
	LoadScore       float64
	ReputationScore float64
	LocalityScore   float64
	Total           float64
	Eligible        bool
	RejectionReason string
}

// Scheduler implements the hard-filter + multi-dimensional scoring
// algorithm (§4.D) over the live node set held by pkg/store.
type Scheduler struct {
	store  store.Store
	cfg    Config
	logger zerolog.Logger
}

// New constructs a Scheduler over st with the given configuration.
func New(st store.Store, cfg Config) *Scheduler {
	return &Scheduler{
		store:  st,
		cfg:    cfg,
		logger: log.WithComponent("scheduler"),
	}
}

// SelectBestNode returns the highest-scoring eligible node for spec under
// tier, or nil if none qualifies.
func (s *Scheduler) SelectBestNode(ctx context.Context, spec types.VMSpec, tier types.QualityTier, preferredRegion, preferredZone, requiredArch string) (*types.Node, error) {
	scored, err := s.GetScoredNodes(ctx, spec, tier, preferredRegion, preferredZone, requiredArch)
	if err != nil {
		return nil, err
	}

	var best *ScoredNode
	for i := range scored {
		sn := &scored[i]
		if !sn.Eligible {
			continue
		}
		if best == nil || sn.Total > best.Total ||
			(sn.Total == best.Total && sn.Node.ID < best.Node.ID) {
			best = sn
		}
	}
	if best == nil {
		return nil, nil
	}
	return best.Node, nil
}

// GetScoredNodes returns every online node annotated with its per-dimension
// scores and, for ineligible nodes, the rejection reason.
func (s *Scheduler) GetScoredNodes(ctx context.Context, spec types.VMSpec, tier types.QualityTier, preferredRegion, preferredZone, requiredArch string) ([]ScoredNode, error) {
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.SchedulingLatency)

	nodes, err := s.store.GetActiveNodes(ctx)
	if err != nil {
		return nil, err
	}

	out := make([]ScoredNode, 0, len(nodes))
	for _, node := range nodes {
		sn := ScoredNode{Node: node}

		if reason := s.hardFilter(node, tier, requiredArch); reason != "" {
			sn.RejectionReason = reason
			out = append(out, sn)
			continue
		}

		tierCfg, hasTier := s.cfg.Tiers[tier]
		if !hasTier {
			sn.RejectionReason = "no scheduling configuration for tier"
			out = append(out, sn)
			continue
		}

		remaining, vmCost, reason := s.capacityCheck(node, tierCfg, spec)
		if reason != "" {
			sn.RejectionReason = reason
			out = append(out, sn)
			continue
		}

		if reason := s.utilizationCeiling(node, tierCfg, spec); reason != "" {
			sn.RejectionReason = reason
			out = append(out, sn)
			continue
		}

		sn.CapacityScore = capacityScore(remaining, vmCost)
		sn.LoadScore = loadScore(node)
		sn.ReputationScore = reputationScore(node)
		sn.LocalityScore = localityScore(node, preferredRegion, preferredZone)
		sn.Total = s.cfg.Weights.Capacity*sn.CapacityScore +
			s.cfg.Weights.Load*sn.LoadScore +
			s.cfg.Weights.Reputation*sn.ReputationScore +
			s.cfg.Weights.Locality*sn.LocalityScore
		sn.Eligible = true

		out = append(out, sn)
	}

	sort.SliceStable(out, func(i, j int) bool { return out[i].Node.ID < out[j].Node.ID })
	return out, nil
}

// hardFilter returns a non-empty rejection reason if node fails any hard
// filter (§4.D step 1), else "".
func (s *Scheduler) hardFilter(node *types.Node, tier types.QualityTier, requiredArch string) string {
	if node.Status != types.NodeStatusOnline {
		return "node not online"
	}
	if node.PerformanceEvaluation == nil {
		return "node has no performance evaluation"
	}
	if !containsTier(node.PerformanceEvaluation.EligibleTiers, tier) {
		return "node not eligible for requested tier"
	}
	if requiredArch != "" && !archMatches(node.Arch, requiredArch) {
		return "architecture mismatch"
	}
	if node.LatestMetrics != nil && node.LatestMetrics.LoadAverage > s.cfg.MaxLoadAverage {
		return "load average above threshold"
	}
	if node.LatestMetrics != nil {
		freeMb := node.LatestMetrics.FreeMemoryBytes / (1024 * 1024)
		if freeMb < s.cfg.MinFreeMemoryMb {
			return "free memory below threshold"
		}
	}
	return ""
}

func containsTier(tiers []types.QualityTier, tier types.QualityTier) bool {
	for _, t := range tiers {
		if t == tier {
			return true
		}
	}
	return false
}

// archAliases groups equivalent architecture spellings (§4.D step 1).
var archAliases = map[string]string{
	"x86_64": "amd64", "amd64": "amd64", "x64": "amd64",
	"aarch64": "arm64", "arm64": "arm64",
	"i686": "x86", "i386": "x86", "x86": "x86",
	"armv7l": "arm", "armv7": "arm", "arm": "arm",
}

func archMatches(have, want string) bool {
	h, ok1 := archAliases[have]
	w, ok2 := archAliases[want]
	if !ok1 || !ok2 {
		return have == want
	}
	return h == w
}

// capacityCheck applies tier overcommit to the node's total capacity and
// checks spec's compute-point/memory/storage cost fits the remainder
// (§4.D step 2).
func (s *Scheduler) capacityCheck(node *types.Node, tierCfg TierConfig, spec types.VMSpec) (remaining types.ResourceSet, vmCost types.ResourceSet, rejection string) {
	tierCapacity := types.ResourceSet{
		ComputePoints: node.Total.ComputePoints * tierCfg.CpuOvercommitRatio,
		MemoryBytes:   int64(float64(node.Total.MemoryBytes) * tierCfg.MemoryOvercommitRatio),
		StorageBytes:  int64(float64(node.Total.StorageBytes) * tierCfg.StorageOvercommitRatio),
	}

	remaining = types.ResourceSet{
		ComputePoints: tierCapacity.ComputePoints - node.Reserved.ComputePoints,
		MemoryBytes:   tierCapacity.MemoryBytes - node.Reserved.MemoryBytes,
		StorageBytes:  tierCapacity.StorageBytes - node.Reserved.StorageBytes,
	}

	requiredPointsPerVCpu := 0.0
	if s.cfg.BaselineBenchmark > 0 {
		requiredPointsPerVCpu = tierCfg.MinimumBenchmark / s.cfg.BaselineBenchmark
	}
	vmCost = types.ResourceSet{
		ComputePoints: float64(spec.VCPUCores) * requiredPointsPerVCpu,
		MemoryBytes:   spec.MemoryBytes,
		StorageBytes:  spec.DiskBytes,
	}

	if remaining.ComputePoints < vmCost.ComputePoints {
		return remaining, vmCost, "insufficient compute-point capacity"
	}
	if remaining.MemoryBytes < vmCost.MemoryBytes {
		return remaining, vmCost, "insufficient memory capacity"
	}
	if remaining.StorageBytes < vmCost.StorageBytes {
		return remaining, vmCost, "insufficient storage capacity"
	}
	return remaining, vmCost, ""
}

// utilizationCeiling rejects placements that would push projected CPU or
// memory utilization above MaxUtilizationPercent (§4.D step 3).
func (s *Scheduler) utilizationCeiling(node *types.Node, tierCfg TierConfig, spec types.VMSpec) string {
	if s.cfg.MaxUtilizationPercent <= 0 {
		return ""
	}

	requiredPointsPerVCpu := 0.0
	if s.cfg.BaselineBenchmark > 0 {
		requiredPointsPerVCpu = tierCfg.MinimumBenchmark / s.cfg.BaselineBenchmark
	}
	cpuCost := float64(spec.VCPUCores) * requiredPointsPerVCpu

	if node.Total.ComputePoints > 0 {
		projectedCPU := (node.Reserved.ComputePoints + cpuCost) / node.Total.ComputePoints * 100
		if projectedCPU > s.cfg.MaxUtilizationPercent {
			return "projected CPU utilization exceeds ceiling"
		}
	}
	if node.Total.MemoryBytes > 0 {
		projectedMem := float64(node.Reserved.MemoryBytes+spec.MemoryBytes) / float64(node.Total.MemoryBytes) * 100
		if projectedMem > s.cfg.MaxUtilizationPercent {
			return "projected memory utilization exceeds ceiling"
		}
	}
	return ""
}

// capacityScore is the fraction of tier-adjusted compute-points remaining
// after this placement (§4.D step 4, Capacity dimension).
func capacityScore(remaining, vmCost types.ResourceSet) float64 {
	if remaining.ComputePoints <= 0 {
		return 0
	}
	score := (remaining.ComputePoints - vmCost.ComputePoints) / remaining.ComputePoints
	if score < 0 {
		return 0
	}
	if score > 1 {
		return 1
	}
	return score
}

func loadScore(node *types.Node) float64 {
	if node.LatestMetrics == nil {
		return 0.5
	}
	score := 1 - node.LatestMetrics.LoadAverage/16
	if score < 0 {
		return 0
	}
	return score
}

func reputationScore(node *types.Node) float64 {
	successRatio := 0.5
	if node.Reputation.TotalVMsHosted > 0 {
		successRatio = float64(node.Reputation.SuccessfulCompletions) / float64(node.Reputation.TotalVMsHosted)
	}
	return 0.7*(node.Reputation.UptimePercent/100) + 0.3*successRatio
}

func localityScore(node *types.Node, preferredRegion, preferredZone string) float64 {
	if preferredRegion == "" && preferredZone == "" {
		return 0.5
	}
	if preferredRegion == node.Region && preferredZone == node.Zone && preferredZone != "" {
		return 1.0
	}
	if preferredRegion != "" && preferredRegion == node.Region {
		return 0.7
	}
	return 0.0
}
