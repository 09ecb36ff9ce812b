package telemetry_test

import (
	"sync"
	"testing"

	"github.com/briefly/metering/internal/infrastructure/telemetry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func baseProfilerConfig() telemetry.ProfilerConfig {
	return telemetry.ProfilerConfig{
		Enabled:         false,
		ServerAddress:   "http://localhost:4040",
		ApplicationName: "briefly.metering",
	}
}

func TestNewProfiler_Disabled(t *testing.T) {
	profiler, err := telemetry.NewProfiler(baseProfilerConfig(), zaptest.NewLogger(t))
	require.NoError(t, err)
	require.NotNil(t, profiler)

	assert.False(t, profiler.IsEnabled())

	gotCfg := profiler.GetConfig()
	assert.Equal(t, "briefly.metering", gotCfg.ApplicationName)
	assert.False(t, gotCfg.Enabled)

	assert.NoError(t, profiler.Stop())
}

func TestNewProfiler_Enabled_MissingServerAddress(t *testing.T) {
	cfg := baseProfilerConfig()
	cfg.Enabled = true
	cfg.ServerAddress = ""

	profiler, err := telemetry.NewProfiler(cfg, zaptest.NewLogger(t))
	require.Error(t, err)
	assert.Nil(t, profiler)
	assert.Contains(t, err.Error(), "server address is required")
}

func TestNewProfiler_Enabled_MissingApplicationName(t *testing.T) {
	cfg := baseProfilerConfig()
	cfg.Enabled = true
	cfg.ApplicationName = ""

	profiler, err := telemetry.NewProfiler(cfg, zaptest.NewLogger(t))
	require.Error(t, err)
	assert.Nil(t, profiler)
	assert.Contains(t, err.Error(), "application name is required")
}

func TestNewProfiler_EnabledIntegration(t *testing.T) {
	// Needs a Pyroscope server listening locally
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}

	cfg := baseProfilerConfig()
	cfg.Enabled = true
	cfg.ProfileCPU = true
	cfg.ProfileAllocObjects = true
	cfg.ProfileAllocSpace = true
	cfg.ProfileInuseObjects = true
	cfg.ProfileInuseSpace = true
	cfg.ProfileGoroutines = true

	profiler, err := telemetry.NewProfiler(cfg, zaptest.NewLogger(t))
	require.NoError(t, err)
	require.NotNil(t, profiler)

	assert.True(t, profiler.IsEnabled())
	assert.NoError(t, profiler.Stop())
}

func TestProfiler_StopIdempotent(t *testing.T) {
	profiler, err := telemetry.NewProfiler(telemetry.ProfilerConfig{Enabled: false}, zaptest.NewLogger(t))
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		assert.NoError(t, profiler.Stop())
	}
}

func TestProfiler_StopConcurrent(t *testing.T) {
	profiler, err := telemetry.NewProfiler(telemetry.ProfilerConfig{Enabled: false}, zaptest.NewLogger(t))
	require.NoError(t, err)

	var wg sync.WaitGroup
	for range 10 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = profiler.Stop()
		}()
	}
	wg.Wait()
}

func TestProfiler_ProfileTypesConfiguration(t *testing.T) {
	// All cases keep Enabled=false so no Pyroscope server is needed;
	// the point is that every combination is accepted.
	tests := []struct {
		name   string
		adjust func(cfg *telemetry.ProfilerConfig)
	}{
		{"no_profiles", func(cfg *telemetry.ProfilerConfig) {}},
		{"cpu_only", func(cfg *telemetry.ProfilerConfig) {
			cfg.ProfileCPU = true
		}},
		{"memory_only", func(cfg *telemetry.ProfilerConfig) {
			cfg.ProfileAllocObjects = true
			cfg.ProfileAllocSpace = true
		}},
		{"mutex_profiling", func(cfg *telemetry.ProfilerConfig) {
			cfg.ProfileMutexCount = true
			cfg.ProfileMutexDuration = true
			cfg.MutexProfileFraction = 10
		}},
		{"block_profiling", func(cfg *telemetry.ProfilerConfig) {
			cfg.ProfileBlockCount = true
			cfg.ProfileBlockDuration = true
			cfg.BlockProfileRate = 10
		}},
		{"everything", func(cfg *telemetry.ProfilerConfig) {
			cfg.ProfileCPU = true
			cfg.ProfileAllocObjects = true
			cfg.ProfileAllocSpace = true
			cfg.ProfileInuseObjects = true
			cfg.ProfileInuseSpace = true
			cfg.ProfileGoroutines = true
			cfg.ProfileMutexCount = true
			cfg.ProfileMutexDuration = true
			cfg.ProfileBlockCount = true
			cfg.ProfileBlockDuration = true
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := baseProfilerConfig()
			tt.adjust(&cfg)

			profiler, err := telemetry.NewProfiler(cfg, zaptest.NewLogger(t))
			require.NoError(t, err)
			require.NotNil(t, profiler)

			assert.False(t, profiler.IsEnabled())
			assert.NoError(t, profiler.Stop())
		})
	}
}

func TestProfiler_ConfigPassthrough(t *testing.T) {
	cfg := baseProfilerConfig()
	cfg.BasicAuthUser = "grafana-cloud-user"
	cfg.BasicAuthPassword = "grafana-cloud-key"
	cfg.DisableGCRuns = true
	cfg.ProfileMutexCount = true
	cfg.ProfileMutexDuration = true
	cfg.MutexProfileFraction = 10
	cfg.ProfileBlockCount = true
	cfg.ProfileBlockDuration = true
	cfg.BlockProfileRate = 10

	profiler, err := telemetry.NewProfiler(cfg, zaptest.NewLogger(t))
	require.NoError(t, err)
	require.NotNil(t, profiler)

	gotCfg := profiler.GetConfig()
	assert.Equal(t, "grafana-cloud-user", gotCfg.BasicAuthUser)
	assert.Equal(t, "grafana-cloud-key", gotCfg.BasicAuthPassword)
	assert.True(t, gotCfg.DisableGCRuns)
	assert.True(t, gotCfg.ProfileMutexCount)
	assert.True(t, gotCfg.ProfileMutexDuration)
	assert.Equal(t, 10, gotCfg.MutexProfileFraction)
	assert.True(t, gotCfg.ProfileBlockCount)
	assert.True(t, gotCfg.ProfileBlockDuration)
	assert.Equal(t, 10, gotCfg.BlockProfileRate)

	// GetConfig returns a stable copy
	assert.Equal(t, gotCfg, profiler.GetConfig())

	assert.NoError(t, profiler.Stop())
}
