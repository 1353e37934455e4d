package app_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/relioncluster/pipeline-orchestrator/internal/app"
	"github.com/relioncluster/pipeline-orchestrator/internal/platform/logger"
)

func newTestLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.New("test")
	require.NoError(t, err)
	t.Cleanup(log.Sync)
	return log
}

func TestLoadConfig_Defaults(t *testing.T) {
	log := newTestLogger(t)
	cfg := app.LoadConfig(log)

	require.Equal(t, ":8080", cfg.HTTPAddr)
	require.Equal(t, "slurm", cfg.ClusterDriver)
	require.Equal(t, "gpu", cfg.PartitionDefaults.Partition)
	require.Equal(t, 1, cfg.PartitionDefaults.GPUCount)
	require.Equal(t, 4, cfg.PartitionDefaults.Threads)
}

func TestLoadConfig_PartitionDefaultsFileOverridesEnvDefaults(t *testing.T) {
	log := newTestLogger(t)
	path := filepath.Join(t.TempDir(), "partitions.yaml")
	require.NoError(t, os.WriteFile(path, []byte("partition: bigmem\ngpu_count: 2\nthreads: 16\n"), 0o644))
	t.Setenv("PARTITION_DEFAULTS_FILE", path)

	cfg := app.LoadConfig(log)

	require.Equal(t, "bigmem", cfg.PartitionDefaults.Partition)
	require.Equal(t, 2, cfg.PartitionDefaults.GPUCount)
	require.Equal(t, 16, cfg.PartitionDefaults.Threads)
}

func TestLoadConfig_MissingPartitionDefaultsFileKeepsEnvDefaults(t *testing.T) {
	log := newTestLogger(t)
	t.Setenv("PARTITION_DEFAULTS_FILE", filepath.Join(t.TempDir(), "missing.yaml"))

	cfg := app.LoadConfig(log)

	require.Equal(t, "gpu", cfg.PartitionDefaults.Partition)
}
