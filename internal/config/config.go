package config

import (
	"os"
	"strconv"
	"time"
)

// Config holds all configuration for the OpSleuth investigation service.
type Config struct {
	Port         int
	Version      string
	Orchestrator OrchestratorConfig
	Memory       MemoryConfig
	Telemetry    TelemetryConfig
}

type OrchestratorConfig struct {
	MaxParallel        int
	MaxRetries         int
	MaxReflectionLoops int
	StepTimeout        time.Duration
	RetryInterval      time.Duration
	QualityThreshold   float64
	ResultCap          int
}

type MemoryConfig struct {
	DataDir             string
	ReferencePeriod     time.Duration
	ConsolidateInterval time.Duration
}

type TelemetryConfig struct {
	Enabled      bool
	OTLPEndpoint string
	ServiceName  string
}

// Load reads configuration from environment variables with sensible defaults.
func Load() *Config {
	return &Config{
		Port:    envInt("OPSLEUTH_PORT", 8080),
		Version: envStr("OPSLEUTH_VERSION", "0.2.0"),
		Orchestrator: OrchestratorConfig{
			MaxParallel:        envInt("OPSLEUTH_MAX_PARALLEL", 4),
			MaxRetries:         envInt("OPSLEUTH_MAX_RETRIES", 2),
			MaxReflectionLoops: envInt("OPSLEUTH_MAX_REFLECTION_LOOPS", 3),
			StepTimeout:        envDur("OPSLEUTH_STEP_TIMEOUT", 30*time.Second),
			RetryInterval:      envDur("OPSLEUTH_RETRY_INTERVAL", 200*time.Millisecond),
			QualityThreshold:   envFloat("OPSLEUTH_QUALITY_THRESHOLD", 0.8),
			ResultCap:          envInt("OPSLEUTH_RESULT_CAP", 1024),
		},
		Memory: MemoryConfig{
			DataDir:             envStr("OPSLEUTH_DATA_DIR", ""),
			ReferencePeriod:     envDur("OPSLEUTH_MEMORY_REFERENCE_PERIOD", time.Hour),
			ConsolidateInterval: envDur("OPSLEUTH_CONSOLIDATE_INTERVAL", 10*time.Minute),
		},
		Telemetry: TelemetryConfig{
			Enabled:      envBool("OTEL_ENABLED", true),
			OTLPEndpoint: envStr("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4317"),
			ServiceName:  envStr("OTEL_SERVICE_NAME", "opsleuth"),
		},
	}
}

func envStr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return fallback
}

func envBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

func envFloat(key string, fallback float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return fallback
}

func envDur(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}
