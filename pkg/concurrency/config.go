package concurrency

import (
	"fmt"
	"os"
	"runtime"
	"strconv"
)

// ConfigSource indicates where the configuration came from
type ConfigSource string

const (
	ConfigSourceEnvVar     ConfigSource = "environment_variable"
	ConfigSourceAutoDetect ConfigSource = "auto_detect"
)

// Config sizes the engine's concurrency.
type Config struct {
	// MaxConcurrentRuns bounds runs executing at once across all apps.
	MaxConcurrentRuns int
	// TriggerWorkers is the number of goroutines handling pulled triggers.
	TriggerWorkers int
	// InitLimit bounds concurrent application initialization, 0 for none.
	InitLimit int

	Source        ConfigSource
	IsKubernetes  bool
	EffectiveCPUs int
}

// LoadConfig loads concurrency configuration with priority: env vars > auto-detection
func LoadConfig() *Config {
	config := &Config{
		IsKubernetes:  isKubernetes(),
		EffectiveCPUs: runtime.GOMAXPROCS(0),
	}

	// Runs mostly wait on containers, so the defaults are well above the CPU count.
	if n := getEnvInt("ENGINE_MAX_CONCURRENT_RUNS", 0); n > 0 {
		config.MaxConcurrentRuns = n
		config.Source = ConfigSourceEnvVar
	} else if multiplier := getEnvInt("ENGINE_CONCURRENCY_MULTIPLIER", 0); multiplier > 0 {
		config.MaxConcurrentRuns = config.EffectiveCPUs * multiplier
		config.Source = ConfigSourceEnvVar
	} else {
		config.MaxConcurrentRuns = defaultMaxConcurrentRuns(config.IsKubernetes, config.EffectiveCPUs)
		config.Source = ConfigSourceAutoDetect
	}
	config.MaxConcurrentRuns = max(config.MaxConcurrentRuns, 1)

	if workers := getEnvInt("ENGINE_TRIGGER_WORKERS", 0); workers > 0 {
		config.TriggerWorkers = workers
	} else {
		config.TriggerWorkers = defaultTriggerWorkers(config.IsKubernetes, config.EffectiveCPUs)
	}

	config.InitLimit = max(getEnvInt("ENGINE_INIT_LIMIT", 0), 0)
	return config
}

// isKubernetes detects if the application is running in Kubernetes
func isKubernetes() bool {
	return os.Getenv("KUBERNETES_SERVICE_HOST") != ""
}

func defaultMaxConcurrentRuns(isK8s bool, cpus int) int {
	if isK8s {
		return cpus * 4
	}
	return cpus * 8
}

func defaultTriggerWorkers(isK8s bool, cpus int) int {
	if isK8s {
		return max(cpus, 4)
	}
	return max(cpus*2, 8)
}

// getEnvInt retrieves an integer from environment variable with default fallback
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

// String returns a formatted string representation of the config
func (c *Config) String() string {
	return fmt.Sprintf(
		"Config{MaxConcurrentRuns: %d, TriggerWorkers: %d, InitLimit: %d, IsK8s: %t, CPUs: %d, Source: %s}",
		c.MaxConcurrentRuns,
		c.TriggerWorkers,
		c.InitLimit,
		c.IsKubernetes,
		c.EffectiveCPUs,
		c.Source,
	)
}
