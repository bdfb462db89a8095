// Package config loads service configuration from environment variables,
// with sane development defaults.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/taskmesh/taskmesh/common/kv"
)

// MSConfig holds Metadata Server settings.
type MSConfig struct {
	Service ServiceConfig

	// HTTPAddr is the gateway listen address, e.g. ":8080".
	HTTPAddr string

	// HeartbeatTimeout is how stale a node heartbeat may be before the
	// offline sweep flips the node.
	HeartbeatTimeout time.Duration
	// CleanupInterval is the offline sweep period.
	CleanupInterval time.Duration

	// PrimaryKV backs the task/execution catalog.
	PrimaryKV kv.Config
	// EventKV backs the event outbox, independent from the primary store.
	EventKV kv.Config

	Placement PlacementConfig
}

// ServiceConfig holds process-level settings.
type ServiceConfig struct {
	Name        string
	Environment string
	LogLevel    string
	LogFormat   string
}

// PlacementConfig tunes candidate scoring and the penalty curve.
type PlacementConfig struct {
	WeightCPU    float64
	WeightMemory float64
	WeightDisk   float64
	WeightLoad   float64

	MaxCandidates int

	BaseCooldown time.Duration
	CooldownCap  int

	DecisionTTL time.Duration
}

// WorkletConfig holds worker agent settings.
type WorkletConfig struct {
	Service ServiceConfig

	// NodeName seeds the stable node identity. A uuid is used verbatim;
	// anything else derives a v5 uuid from ip:port:name.
	NodeName string
	// ListenAddr is the local admin API address.
	ListenAddr string
	// AdvertiseIP and AdvertisePort are what the MS hands to placement
	// clients.
	AdvertiseIP   string
	AdvertisePort int32

	// MSAddr is the metadata server base address (host:port).
	MSAddr string

	AutoRegister      bool
	HeartbeatInterval time.Duration

	// Connection budgets.
	ConnectTimeout        time.Duration // per attempt
	ConnectRetry          time.Duration // initial backoff
	ReconnectTotalTimeout time.Duration // total per outage

	// DataDir holds the durable task-event cursor.
	DataDir string

	LLM LLMConfig
}

// LLMConfig configures the AI router.
type LLMConfig struct {
	Backends      []LLMBackendConfig    `json:"backends"`
	Credentials   []LLMCredentialConfig `json:"credentials"`
	DefaultPolicy string                `json:"default_policy"`
}

// LLMBackendConfig declares one backend instance.
type LLMBackendConfig struct {
	Name          string   `json:"name"`
	Kind          string   `json:"kind"`
	BaseURL       string   `json:"base_url"`
	Model         string   `json:"model,omitempty"`
	CredentialRef string   `json:"credential_ref,omitempty"`
	Weight        int      `json:"weight"`
	Priority      int      `json:"priority"`
	Ops           []string `json:"ops"`
	Features      []string `json:"features,omitempty"`
	Transports    []string `json:"transports,omitempty"`
}

// LLMCredentialConfig names an environment variable holding a secret.
type LLMCredentialConfig struct {
	Name      string `json:"name"`
	Kind      string `json:"kind"`
	APIKeyEnv string `json:"api_key_env"`
}

// LoadMS loads MS configuration from environment variables.
func LoadMS() (*MSConfig, error) {
	cfg := &MSConfig{
		Service: ServiceConfig{
			Name:        "ms",
			Environment: getEnv("ENVIRONMENT", "development"),
			LogLevel:    getEnv("LOG_LEVEL", "info"),
			LogFormat:   getEnv("LOG_FORMAT", "text"),
		},
		HTTPAddr:         getEnv("HTTP_ADDR", ":8080"),
		HeartbeatTimeout: getEnvDuration("HEARTBEAT_TIMEOUT", 60*time.Second),
		CleanupInterval:  getEnvDuration("CLEANUP_INTERVAL", 30*time.Second),
		PrimaryKV: kv.Config{
			Backend: getEnv("KV_BACKEND", "memory"),
			Params:  getEnvParams("KV_PARAMS"),
		},
		EventKV: kv.Config{
			Backend: getEnv("EVENT_KV_BACKEND", "memory"),
			Params:  getEnvParams("EVENT_KV_PARAMS"),
		},
		Placement: PlacementConfig{
			WeightCPU:     getEnvFloat("PLACEMENT_WEIGHT_CPU", 0.4),
			WeightMemory:  getEnvFloat("PLACEMENT_WEIGHT_MEMORY", 0.3),
			WeightDisk:    getEnvFloat("PLACEMENT_WEIGHT_DISK", 0.2),
			WeightLoad:    getEnvFloat("PLACEMENT_WEIGHT_LOAD", 0.1),
			MaxCandidates: getEnvInt("PLACEMENT_MAX_CANDIDATES", 3),
			BaseCooldown:  getEnvDuration("PLACEMENT_BASE_COOLDOWN", 5*time.Second),
			CooldownCap:   getEnvInt("PLACEMENT_COOLDOWN_CAP", 6),
			DecisionTTL:   getEnvDuration("PLACEMENT_DECISION_TTL", 5*time.Minute),
		},
	}
	return cfg, cfg.Validate()
}

// Validate checks MS configuration.
func (c *MSConfig) Validate() error {
	if c.HTTPAddr == "" {
		return fmt.Errorf("http addr is required")
	}
	if c.HeartbeatTimeout <= 0 {
		return fmt.Errorf("heartbeat_timeout must be positive")
	}
	if c.CleanupInterval <= 0 {
		return fmt.Errorf("cleanup_interval must be positive")
	}
	return nil
}

// LoadWorklet loads worklet configuration from environment variables.
func LoadWorklet() (*WorkletConfig, error) {
	cfg := &WorkletConfig{
		Service: ServiceConfig{
			Name:        "worklet",
			Environment: getEnv("ENVIRONMENT", "development"),
			LogLevel:    getEnv("LOG_LEVEL", "info"),
			LogFormat:   getEnv("LOG_FORMAT", "text"),
		},
		NodeName:              getEnv("NODE_NAME", "worklet"),
		ListenAddr:            getEnv("LISTEN_ADDR", ":8090"),
		AdvertiseIP:           getEnv("ADVERTISE_IP", "127.0.0.1"),
		AdvertisePort:         int32(getEnvInt("ADVERTISE_PORT", 8090)),
		MSAddr:                getEnv("MS_ADDR", "localhost:8080"),
		AutoRegister:          getEnvBool("AUTO_REGISTER", true),
		HeartbeatInterval:     getEnvDuration("HEARTBEAT_INTERVAL", 10*time.Second),
		ConnectTimeout:        getEnvDuration("MS_CONNECT_TIMEOUT", 3*time.Second),
		ConnectRetry:          getEnvDuration("MS_CONNECT_RETRY", 500*time.Millisecond),
		ReconnectTotalTimeout: getEnvDuration("RECONNECT_TOTAL_TIMEOUT", 5*time.Minute),
		DataDir:               getEnv("DATA_DIR", "./data"),
	}

	if raw := os.Getenv("LLM_CONFIG"); raw != "" {
		if err := json.Unmarshal([]byte(raw), &cfg.LLM); err != nil {
			return nil, fmt.Errorf("failed to parse LLM_CONFIG: %w", err)
		}
	} else if path := os.Getenv("LLM_CONFIG_FILE"); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read LLM_CONFIG_FILE: %w", err)
		}
		if err := json.Unmarshal(data, &cfg.LLM); err != nil {
			return nil, fmt.Errorf("failed to parse %s: %w", path, err)
		}
	}
	if cfg.LLM.DefaultPolicy == "" {
		cfg.LLM.DefaultPolicy = "weighted_random"
	}

	return cfg, cfg.Validate()
}

// Validate checks worklet configuration.
func (c *WorkletConfig) Validate() error {
	if c.MSAddr == "" {
		return fmt.Errorf("ms addr is required")
	}
	if c.HeartbeatInterval <= 0 {
		return fmt.Errorf("heartbeat_interval must be positive")
	}
	if c.ConnectTimeout <= 0 || c.ConnectRetry <= 0 {
		return fmt.Errorf("connect timeouts must be positive")
	}
	if c.DataDir == "" {
		return fmt.Errorf("data dir is required")
	}
	return nil
}

// Helper functions

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
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

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolVal, err := strconv.ParseBool(value); err == nil {
			return boolVal
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}

// getEnvParams parses "k1=v1,k2=v2" into a map.
func getEnvParams(key string) map[string]string {
	raw := os.Getenv(key)
	if raw == "" {
		return nil
	}
	params := make(map[string]string)
	for _, part := range strings.Split(raw, ",") {
		k, v, ok := strings.Cut(part, "=")
		if !ok {
			continue
		}
		params[strings.TrimSpace(k)] = strings.TrimSpace(v)
	}
	return params
}
