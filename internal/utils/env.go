// Package utils holds small environment/config helpers shared across
// internal/app and the data layer, grounded on the teacher's
// internal/utils package.
package utils

import (
	"os"
	"strconv"

	"github.com/relioncluster/pipeline-orchestrator/internal/platform/logger"
)

func GetEnv(key, defaultVal string, log *logger.Logger) string {
	val, ok := os.LookupEnv(key)
	if !ok {
		if log != nil {
			log.Debug("environment variable not found, using default", "env_var", key, "default", defaultVal)
		}
		return defaultVal
	}
	return val
}

func GetEnvAsInt(key string, defaultVal int, log *logger.Logger) int {
	val, ok := os.LookupEnv(key)
	if !ok {
		return defaultVal
	}
	n, err := strconv.Atoi(val)
	if err != nil {
		if log != nil {
			log.Warn("environment variable is not an int, using default", "env_var", key, "value", val, "default", defaultVal)
		}
		return defaultVal
	}
	return n
}

func GetEnvAsBool(key string, defaultVal bool, log *logger.Logger) bool {
	val, ok := os.LookupEnv(key)
	if !ok {
		return defaultVal
	}
	b, err := strconv.ParseBool(val)
	if err != nil {
		if log != nil {
			log.Warn("environment variable is not a bool, using default", "env_var", key, "value", val, "default", defaultVal)
		}
		return defaultVal
	}
	return b
}
