package config

import (
	"os"
	"strconv"
	"time"
)

// Config holds all configuration for the LoopStacks control plane.
type Config struct {
	Port        int
	Version     string
	Redis       RedisConfig
	Coordinator CoordinatorConfig
	Heartbeat   HeartbeatConfig
	Loopstacks  LoopstackConfig
	Telemetry   TelemetryConfig
}

type RedisConfig struct {
	// URL selects the durable store. Empty means in-memory.
	URL string
}

type CoordinatorConfig struct {
	BiddingWindow   time.Duration
	ExecutionWindow time.Duration
}

type HeartbeatConfig struct {
	PollInterval time.Duration
}

type LoopstackConfig struct {
	// DefinitionsDir seeds the directory with LoopStack YAML files at
	// startup. Empty disables seeding.
	DefinitionsDir string
}

type TelemetryConfig struct {
	Enabled      bool
	OTLPEndpoint string
	ServiceName  string
}

// Load reads configuration from environment variables with sensible defaults.
func Load() *Config {
	return &Config{
		Port:    envInt("LOOPSTACKS_PORT", 8080),
		Version: envStr("LOOPSTACKS_VERSION", "0.1.0"),
		Redis: RedisConfig{
			URL: envStr("REDIS_URL", ""),
		},
		Coordinator: CoordinatorConfig{
			BiddingWindow:   envDuration("LOOPSTACKS_BIDDING_WINDOW", 5*time.Second),
			ExecutionWindow: envDuration("LOOPSTACKS_EXECUTION_WINDOW", 10*time.Second),
		},
		Heartbeat: HeartbeatConfig{
			PollInterval: envDuration("LOOPSTACKS_HEARTBEAT_INTERVAL", 30*time.Second),
		},
		Loopstacks: LoopstackConfig{
			DefinitionsDir: envStr("LOOPSTACKS_DEFINITIONS_DIR", ""),
		},
		Telemetry: TelemetryConfig{
			Enabled:      envBool("OTEL_ENABLED", true),
			OTLPEndpoint: envStr("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4317"),
			ServiceName:  envStr("OTEL_SERVICE_NAME", "loopstacks-control-plane"),
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

func envDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}
