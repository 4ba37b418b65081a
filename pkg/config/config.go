// Package config loads engine settings from the environment and the optional
// applications file.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/wehubfusion/storyengine/pkg/apps"
)

// Config holds every process-level setting of the engine.
type Config struct {
	NATSURL     string
	SentryDSN   string
	Release     string
	Environment string
	LogLevel    string
	Instance    string

	// AppsFile lists the applications started at boot.
	AppsFile string
	// StoriesDir serves story definitions from disk when set; otherwise
	// they come from blob storage.
	StoriesDir string

	AzureConnectionString string
	StoriesContainer      string
	StoriesPrefix         string
	ReportsContainer      string

	DockerBinary     string
	ContainerTimeout time.Duration
	MaxCallDepth     int

	OTLPEndpoint     string
	OTLPInsecure     bool
	TraceSampleRatio float64

	ShutdownTimeout time.Duration
}

// Load reads the configuration from environment variables.
func Load() *Config {
	host, _ := os.Hostname()
	return &Config{
		NATSURL:     getEnv("NATS_URL", "nats://localhost:4222"),
		SentryDSN:   getEnv("SENTRY_DSN", ""),
		Release:     getEnv("RELEASE", ""),
		Environment: getEnv("ENVIRONMENT", "production"),
		LogLevel:    getEnv("LOG_LEVEL", "info"),
		Instance:    getEnv("ENGINE_INSTANCE", host),

		AppsFile:   getEnv("APPS_FILE", ""),
		StoriesDir: getEnv("STORIES_DIR", ""),

		AzureConnectionString: getEnv("AZURE_STORAGE_CONNECTION_STRING", ""),
		StoriesContainer:      getEnv("STORIES_CONTAINER", "stories"),
		StoriesPrefix:         getEnv("STORIES_PREFIX", ""),
		ReportsContainer:      getEnv("REPORTS_CONTAINER", "reports"),

		DockerBinary:     getEnv("DOCKER_BINARY", "docker"),
		ContainerTimeout: getEnvDuration("CONTAINER_TIMEOUT", 5*time.Minute),
		MaxCallDepth:     getEnvInt("MAX_CALL_DEPTH", 64),

		OTLPEndpoint:     getEnv("OTEL_EXPORTER_OTLP_ENDPOINT", ""),
		OTLPInsecure:     getEnvBool("OTEL_EXPORTER_OTLP_INSECURE", false),
		TraceSampleRatio: getEnvFloat("TRACE_SAMPLE_RATIO", 1.0),

		ShutdownTimeout: getEnvDuration("SHUTDOWN_TIMEOUT", 60*time.Second),
	}
}

// Validate checks settings that have no usable default.
func (c *Config) Validate() error {
	if c.NATSURL == "" {
		return fmt.Errorf("NATS URL cannot be empty")
	}
	if c.StoriesDir == "" && c.AzureConnectionString == "" {
		return fmt.Errorf("either STORIES_DIR or AZURE_STORAGE_CONNECTION_STRING must be set")
	}
	if c.MaxCallDepth <= 0 {
		return fmt.Errorf("max call depth must be positive, got %d", c.MaxCallDepth)
	}
	if c.TraceSampleRatio < 0 || c.TraceSampleRatio > 1 {
		return fmt.Errorf("trace sample ratio must be within [0, 1], got %g", c.TraceSampleRatio)
	}
	return nil
}

// appsFile is the layout of the applications file.
type appsFile struct {
	Apps []apps.Config `yaml:"apps"`
}

// LoadApps reads the applications file at path. An empty path yields no
// applications; stories then start on their first trigger.
func LoadApps(path string) ([]apps.Config, error) {
	if path == "" {
		return nil, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read apps file: %w", err)
	}
	return ParseApps(data)
}

// ParseApps decodes an applications file. Unknown fields are rejected.
func ParseApps(data []byte) ([]apps.Config, error) {
	var f appsFile
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&f); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("failed to parse apps file: %w", err)
	}

	seen := make(map[string]bool, len(f.Apps))
	for i, a := range f.Apps {
		if a.Name == "" {
			return nil, fmt.Errorf("apps[%d]: name is required", i)
		}
		if a.StoryID == "" {
			return nil, fmt.Errorf("app %s: story is required", a.Name)
		}
		if seen[a.Name] {
			return nil, fmt.Errorf("app %s is listed twice", a.Name)
		}
		seen[a.Name] = true
	}
	return f.Apps, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
