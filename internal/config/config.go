// Package config reads the environment into the typed settings groups each
// subsystem needs, one env prefix per concern (NATS_, LLM_, WORKER_, OTEL_,
// ORCHESTRATOR_).
package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// NATSConfig configures the messaging fabric's connection to NATS JetStream.
type NATSConfig struct {
	Servers              []string
	User                 string
	Password             string
	Token                string
	ConnectTimeout       time.Duration
	MaxReconnectAttempts int
}

// StoreConfig configures the embedded persistence layer. DBPath is the data
// directory; the store places its database file inside it.
type StoreConfig struct {
	DBPath string
}

// RuntimeConfig configures agent-runtime-wide defaults not already carried
// per-AgentDefinition (those live in the persisted domain.AgentDefinition;
// this is process-wide policy).
type RuntimeConfig struct {
	AllowTextToolCallFallback bool
	DefaultProvider           string
}

// WorkerConfig configures the worker process shell.
type WorkerConfig struct {
	Concurrency        int
	HeartbeatInterval  time.Duration
	QueueGroup         string
	WorkerID           string
}

// TelemetryConfig configures OTel export and service naming.
type TelemetryConfig struct {
	ServiceName string
	Enabled     bool
}

// Config is the process-wide configuration, assembled once at startup and
// threaded through internal/app.App rather than read from the environment
// again by any downstream constructor.
type Config struct {
	Environment string
	NATS        NATSConfig
	Store       StoreConfig
	Runtime     RuntimeConfig
	Worker      WorkerConfig
	Telemetry   TelemetryConfig
}

// FromEnv builds a Config from the process environment, applying the same
// defaults main.go's predecessor hard-coded inline.
func FromEnv() Config {
	return Config{
		Environment: envOr("ORCHESTRATOR_ENV", "development"),
		NATS: NATSConfig{
			Servers:              splitCSV(envOr("NATS_SERVERS", "nats://localhost:4222")),
			User:                 os.Getenv("NATS_USER"),
			Password:             os.Getenv("NATS_PASSWORD"),
			Token:                os.Getenv("NATS_TOKEN"),
			ConnectTimeout:       envDurationSeconds("NATS_CONNECT_TIMEOUT", 5),
			MaxReconnectAttempts: envInt("NATS_MAX_RECONNECT_ATTEMPTS", 10),
		},
		Store: StoreConfig{
			DBPath: envOr("ORCHESTRATOR_DATA_DIR", "./data"),
		},
		Runtime: RuntimeConfig{
			AllowTextToolCallFallback: envBool("LLM_ALLOW_TEXT_TOOL_CALL_FALLBACK", false),
			DefaultProvider:           envOr("LLM_DEFAULT_PROVIDER", "local"),
		},
		Worker: WorkerConfig{
			Concurrency:       envInt("WORKER_CONCURRENCY", 4),
			HeartbeatInterval: envDurationSeconds("WORKER_HEARTBEAT_INTERVAL_SECONDS", 10),
			QueueGroup:        envOr("WORKER_QUEUE_GROUP", "agent-workers"),
			WorkerID:          envOr("WORKER_ID", ""),
		},
		Telemetry: TelemetryConfig{
			ServiceName: envOr("OTEL_SERVICE_NAME", "agent-orchestrator"),
			Enabled:     envBool("OTEL_ENABLED", true),
		},
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func envBool(key string, fallback bool) bool {
	v := strings.ToLower(os.Getenv(key))
	switch v {
	case "1", "true", "yes":
		return true
	case "0", "false", "no":
		return false
	default:
		return fallback
	}
}

func envDurationSeconds(key string, fallbackSeconds int) time.Duration {
	return time.Duration(envInt(key, fallbackSeconds)) * time.Second
}

func splitCSV(v string) []string {
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
