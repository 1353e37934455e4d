package app

import (
	"os"

	"gopkg.in/yaml.v3"

	"github.com/relioncluster/pipeline-orchestrator/internal/domain"
	"github.com/relioncluster/pipeline-orchestrator/internal/platform/logger"
	"github.com/relioncluster/pipeline-orchestrator/internal/utils"
)

// Config is the process's environment-driven settings, grounded on the
// teacher's app.LoadConfig shape (flat struct, utils.GetEnv*).
type Config struct {
	HTTPAddr string

	BaseDir string

	ClusterDriver string // "slurm" or "fake" (local/dev only)

	RedisAddr    string
	RedisChannel string

	PartitionDefaults domain.SlurmConfig
}

// partitionDefaultsFile is the optional YAML override for SlurmConfig
// fields a session didn't specify, grounded on kingrea-The-Lattice's
// config package (a project-local YAML file layered over built-in
// defaults) — generalized from project metadata to cluster partition
// defaults since this module has no project-config directory of its own.
type partitionDefaultsFile struct {
	Partition string `yaml:"partition"`
	GPUCount  int    `yaml:"gpu_count"`
	Threads   int    `yaml:"threads"`
}

func LoadConfig(log *logger.Logger) Config {
	cfg := Config{
		HTTPAddr:      utils.GetEnv("HTTP_ADDR", ":8080", log),
		BaseDir:       utils.GetEnv("ORCHESTRATOR_BASE_DIR", "/data/projects", log),
		ClusterDriver: utils.GetEnv("CLUSTER_DRIVER", "slurm", log),
		RedisAddr:     utils.GetEnv("REDIS_ADDR", "", log),
		RedisChannel:  utils.GetEnv("REDIS_CHANNEL", "live_session_update", log),
		PartitionDefaults: domain.SlurmConfig{
			Partition: utils.GetEnv("DEFAULT_PARTITION", "gpu", log),
			GPUCount:  utils.GetEnvAsInt("DEFAULT_GPU_COUNT", 1, log),
			Threads:   utils.GetEnvAsInt("DEFAULT_THREADS", 4, log),
		},
	}

	if path := utils.GetEnv("PARTITION_DEFAULTS_FILE", "", log); path != "" {
		applyPartitionDefaultsFile(&cfg, path, log)
	}

	return cfg
}

func applyPartitionDefaultsFile(cfg *Config, path string, log *logger.Logger) {
	raw, err := os.ReadFile(path)
	if err != nil {
		log.Warn("partition defaults file not readable, keeping env defaults", "path", path, "error", err)
		return
	}
	var parsed partitionDefaultsFile
	if err := yaml.Unmarshal(raw, &parsed); err != nil {
		log.Warn("partition defaults file is not valid yaml, keeping env defaults", "path", path, "error", err)
		return
	}
	if parsed.Partition != "" {
		cfg.PartitionDefaults.Partition = parsed.Partition
	}
	if parsed.GPUCount > 0 {
		cfg.PartitionDefaults.GPUCount = parsed.GPUCount
	}
	if parsed.Threads > 0 {
		cfg.PartitionDefaults.Threads = parsed.Threads
	}
}
