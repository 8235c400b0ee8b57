// Package config loads fleetd's control-plane configuration from a TOML
// file with environment-variable overrides, the environment surface named
// in spec.md §6.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/fleetlab/fleetd/pkg/perfeval"
	"github.com/fleetlab/fleetd/pkg/scheduler"
	"github.com/fleetlab/fleetd/pkg/types"
)

// TierSetting is the per-tier configuration row: benchmark threshold,
// billing multiplier, and overcommit ratios. One TOML table builds both
// pkg/perfeval.Config.TierRequirements and pkg/scheduler.Config.Tiers.
type TierSetting struct {
	MinimumBenchmark       float64 `toml:"minimum_benchmark"`
	PriceMultiplier        float64 `toml:"price_multiplier"`
	CpuOvercommitRatio     float64 `toml:"cpu_overcommit_ratio"`
	MemoryOvercommitRatio  float64 `toml:"memory_overcommit_ratio"`
	StorageOvercommitRatio float64 `toml:"storage_overcommit_ratio"`
	Description            string  `toml:"description"`
}

// WeightSettings are the scheduler's per-dimension scoring weights; they
// must sum to 1 (§4.D).
type WeightSettings struct {
	Capacity   float64 `toml:"capacity"`
	Load       float64 `toml:"load"`
	Reputation float64 `toml:"reputation"`
	Locality   float64 `toml:"locality"`
}

// SchedulingConfig is the performance-evaluator and scheduler configuration
// (§4.C/4.D), loaded as one TOML table since the two packages consult the
// same tier thresholds from different angles.
type SchedulingConfig struct {
	Version                  string                            `toml:"version"`
	BaselineBenchmark        float64                           `toml:"baseline_benchmark"`
	MaxPerformanceMultiplier float64                           `toml:"max_performance_multiplier"`
	MaxUtilizationPercent    float64                           `toml:"max_utilization_percent"`
	MaxLoadAverage           float64                           `toml:"max_load_average"`
	MinFreeMemoryMb          int64                             `toml:"min_free_memory_mb"`
	Weights                  WeightSettings                    `toml:"weights"`
	Tiers                    map[types.QualityTier]TierSetting `toml:"tiers"`
}

// ToPerfEvalConfig projects the tier table into pkg/perfeval's shape.
func (c SchedulingConfig) ToPerfEvalConfig() perfeval.Config {
	reqs := make(map[types.QualityTier]perfeval.TierRequirement, len(c.Tiers))
	for tier, t := range c.Tiers {
		reqs[tier] = perfeval.TierRequirement{
			MinimumBenchmark: t.MinimumBenchmark,
			PriceMultiplier:  t.PriceMultiplier,
			Description:      t.Description,
		}
	}
	return perfeval.Config{
		Version:                  c.Version,
		BaselineBenchmark:        c.BaselineBenchmark,
		MaxPerformanceMultiplier: c.MaxPerformanceMultiplier,
		TierRequirements:         reqs,
	}
}

// ToSchedulerConfig projects the tier table into pkg/scheduler's shape.
func (c SchedulingConfig) ToSchedulerConfig() scheduler.Config {
	tiers := make(map[types.QualityTier]scheduler.TierConfig, len(c.Tiers))
	for tier, t := range c.Tiers {
		tiers[tier] = scheduler.TierConfig{
			MinimumBenchmark:       t.MinimumBenchmark,
			CpuOvercommitRatio:     t.CpuOvercommitRatio,
			MemoryOvercommitRatio:  t.MemoryOvercommitRatio,
			StorageOvercommitRatio: t.StorageOvercommitRatio,
		}
	}
	return scheduler.Config{
		BaselineBenchmark:     c.BaselineBenchmark,
		MaxUtilizationPercent: c.MaxUtilizationPercent,
		MaxLoadAverage:        c.MaxLoadAverage,
		MinFreeMemoryMb:       c.MinFreeMemoryMb,
		Weights: scheduler.Weights{
			Capacity:   c.Weights.Capacity,
			Load:       c.Weights.Load,
			Reputation: c.Weights.Reputation,
			Locality:   c.Weights.Locality,
		},
		Tiers: tiers,
	}
}

// JwtConfig holds the credential-mint secrets (§6).
type JwtConfig struct {
	Key      string `toml:"key"`
	Issuer   string `toml:"issuer"`
	Audience string `toml:"audience"`
}

// MongoDBConfig names the periodic-flush cadence knob the way spec.md §6
// does — the concept (document-store sync interval) carries over directly
// onto bbolt's flush loop even though the store itself isn't MongoDB.
type MongoDBConfig struct {
	SyncIntervalSeconds int `toml:"sync_interval_seconds"`
}

// Config is fleetd's complete control-plane configuration.
type Config struct {
	ListenAddr        string        `toml:"listen_addr"`
	DataDir           string        `toml:"data_dir"`
	HeartbeatInterval time.Duration `toml:"-"`
	HeartbeatTimeout  time.Duration `toml:"-"`

	HeartbeatIntervalSeconds int `toml:"heartbeat_interval_seconds"`
	HeartbeatTimeoutSeconds  int `toml:"heartbeat_timeout_seconds"`

	Scheduling SchedulingConfig `toml:"scheduling"`
	Jwt        JwtConfig        `toml:"jwt"`
	MongoDB    MongoDBConfig    `toml:"mongodb"`

	// DHTBootstrapPeers is handed back to every node on registration so its
	// agent knows who to contact to join the control plane's DHT mesh
	// (§6 register response).
	DHTBootstrapPeers []string `toml:"dht_bootstrap_peers"`
}

// Default returns the baseline configuration; Load overlays a TOML file and
// environment variables on top of it.
func Default() Config {
	return Config{
		ListenAddr:               ":8080",
		DataDir:                  "/var/lib/fleetd",
		HeartbeatIntervalSeconds: 15,
		HeartbeatTimeoutSeconds:  45,
		Scheduling: SchedulingConfig{
			Version:                  "v1",
			BaselineBenchmark:        1000,
			MaxPerformanceMultiplier: 3,
			MaxUtilizationPercent:    90,
			MaxLoadAverage:           8,
			MinFreeMemoryMb:          512,
			Weights:                  WeightSettings{Capacity: 0.4, Load: 0.2, Reputation: 0.2, Locality: 0.2},
			Tiers: map[types.QualityTier]TierSetting{
				types.TierBurstable:  {MinimumBenchmark: 300, PriceMultiplier: 0.5, CpuOvercommitRatio: 4, MemoryOvercommitRatio: 1.5, StorageOvercommitRatio: 2},
				types.TierStandard:   {MinimumBenchmark: 600, PriceMultiplier: 1, CpuOvercommitRatio: 2, MemoryOvercommitRatio: 1, StorageOvercommitRatio: 1.5},
				types.TierGuaranteed: {MinimumBenchmark: 900, PriceMultiplier: 1.5, CpuOvercommitRatio: 1, MemoryOvercommitRatio: 1, StorageOvercommitRatio: 1},
			},
		},
		Jwt: JwtConfig{
			Issuer:   "fleetd",
			Audience: "fleetd-nodes",
		},
		MongoDB: MongoDBConfig{SyncIntervalSeconds: 60},
	}
}

// Load reads path (if it exists) over the defaults, applies environment
// overrides, and derives the duration fields from their *_seconds twins.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		if _, err := os.Stat(path); err == nil {
			if _, err := toml.DecodeFile(path, &cfg); err != nil {
				return Config{}, fmt.Errorf("parse config file %s: %w", path, err)
			}
		}
	}

	applyEnvOverrides(&cfg)

	cfg.HeartbeatInterval = time.Duration(cfg.HeartbeatIntervalSeconds) * time.Second
	cfg.HeartbeatTimeout = time.Duration(cfg.HeartbeatTimeoutSeconds) * time.Second

	return cfg, nil
}

// applyEnvOverrides layers environment variables over file/default values,
// the escape hatch used throughout the pack's config packages.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("FLEETD_LISTEN_ADDR"); v != "" {
		cfg.ListenAddr = v
	}
	if v := os.Getenv("FLEETD_DATA_DIR"); v != "" {
		cfg.DataDir = v
	}
	if v := os.Getenv("FLEETD_JWT_KEY"); v != "" {
		cfg.Jwt.Key = v
	}
	if v := os.Getenv("FLEETD_JWT_ISSUER"); v != "" {
		cfg.Jwt.Issuer = v
	}
	if v := os.Getenv("FLEETD_JWT_AUDIENCE"); v != "" {
		cfg.Jwt.Audience = v
	}
	if v := os.Getenv("FLEETD_HEARTBEAT_INTERVAL_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.HeartbeatIntervalSeconds = n
		}
	}
	if v := os.Getenv("FLEETD_HEARTBEAT_TIMEOUT_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.HeartbeatTimeoutSeconds = n
		}
	}
	if v := os.Getenv("FLEETD_SYNC_INTERVAL_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.MongoDB.SyncIntervalSeconds = n
		}
	}
}
