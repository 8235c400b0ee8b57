package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/fleetlab/fleetd/pkg/types"
	"github.com/stretchr/testify/require"
)

func TestDefaultIsSane(t *testing.T) {
	cfg := Default()

	require.NotEmpty(t, cfg.ListenAddr)
	require.NotEmpty(t, cfg.DataDir)
	require.Greater(t, cfg.HeartbeatIntervalSeconds, 0)
	require.Greater(t, cfg.HeartbeatTimeoutSeconds, cfg.HeartbeatIntervalSeconds)

	sum := cfg.Scheduling.Weights.Capacity + cfg.Scheduling.Weights.Load +
		cfg.Scheduling.Weights.Reputation + cfg.Scheduling.Weights.Locality
	require.InDelta(t, 1.0, sum, 0.0001)

	require.Contains(t, cfg.Scheduling.Tiers, types.TierStandard)
	require.Contains(t, cfg.Scheduling.Tiers, types.TierGuaranteed)
}

func TestLoadWithoutFileReturnsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.toml"))
	require.NoError(t, err)
	require.Equal(t, Default().ListenAddr, cfg.ListenAddr)
	require.Equal(t, Default().DataDir, cfg.DataDir)
}

func TestLoadOverlaysTOMLFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "fleetd.toml")
	contents := `
listen_addr = ":9090"
data_dir = "/data/fleetd"
heartbeat_interval_seconds = 5
heartbeat_timeout_seconds = 20

[jwt]
key = "topsecret"
issuer = "fleetd-test"
audience = "fleetd-nodes-test"

[scheduling]
version = "v2"
baseline_benchmark = 500
max_performance_multiplier = 2
max_utilization_percent = 80
max_load_average = 4
min_free_memory_mb = 256

[scheduling.weights]
capacity = 0.25
load = 0.25
reputation = 0.25
locality = 0.25

[scheduling.tiers.standard]
minimum_benchmark = 50
price_multiplier = 1
cpu_overcommit_ratio = 2
memory_overcommit_ratio = 1
storage_overcommit_ratio = 1.5
description = "standard tier"
`
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)

	require.Equal(t, ":9090", cfg.ListenAddr)
	require.Equal(t, "/data/fleetd", cfg.DataDir)
	require.Equal(t, 5, cfg.HeartbeatIntervalSeconds)
	require.Equal(t, cfg.HeartbeatInterval.Seconds(), 5.0)
	require.Equal(t, cfg.HeartbeatTimeout.Seconds(), 20.0)
	require.Equal(t, "topsecret", cfg.Jwt.Key)

	std, ok := cfg.Scheduling.Tiers[types.TierStandard]
	require.True(t, ok)
	require.Equal(t, 50.0, std.MinimumBenchmark)
	require.Equal(t, 1.5, std.StorageOvercommitRatio)
}

func TestEnvOverridesTakePrecedenceOverFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "fleetd.toml")
	require.NoError(t, os.WriteFile(path, []byte(`listen_addr = ":9090"`), 0o600))

	t.Setenv("FLEETD_LISTEN_ADDR", ":7070")
	t.Setenv("FLEETD_JWT_KEY", "from-env")
	t.Setenv("FLEETD_HEARTBEAT_INTERVAL_SECONDS", "3")

	cfg, err := Load(path)
	require.NoError(t, err)

	require.Equal(t, ":7070", cfg.ListenAddr)
	require.Equal(t, "from-env", cfg.Jwt.Key)
	require.Equal(t, 3, cfg.HeartbeatIntervalSeconds)
	require.Equal(t, cfg.HeartbeatInterval.Seconds(), 3.0)
}

func TestToPerfEvalConfigProjectsTierTable(t *testing.T) {
	cfg := Default()
	pe := cfg.Scheduling.ToPerfEvalConfig()

	require.Equal(t, cfg.Scheduling.Version, pe.Version)
	require.Equal(t, cfg.Scheduling.BaselineBenchmark, pe.BaselineBenchmark)
	require.Len(t, pe.TierRequirements, len(cfg.Scheduling.Tiers))

	std := cfg.Scheduling.Tiers[types.TierStandard]
	peStd := pe.TierRequirements[types.TierStandard]
	require.Equal(t, std.MinimumBenchmark, peStd.MinimumBenchmark)
	require.Equal(t, std.PriceMultiplier, peStd.PriceMultiplier)
}

func TestToSchedulerConfigProjectsTierTable(t *testing.T) {
	cfg := Default()
	sc := cfg.Scheduling.ToSchedulerConfig()

	require.Equal(t, cfg.Scheduling.BaselineBenchmark, sc.BaselineBenchmark)
	require.Equal(t, cfg.Scheduling.Weights.Capacity, sc.Weights.Capacity)

	std := cfg.Scheduling.Tiers[types.TierStandard]
	scStd := sc.Tiers[types.TierStandard]
	require.Equal(t, std.MinimumBenchmark, scStd.MinimumBenchmark)
	require.Equal(t, std.CpuOvercommitRatio, scStd.CpuOvercommitRatio)
	require.Equal(t, std.StorageOvercommitRatio, scStd.StorageOvercommitRatio)
}
