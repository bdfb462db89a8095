package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoadMSDefaults(t *testing.T) {
	cfg, err := LoadMS()
	require.NoError(t, err)
	require.Equal(t, ":8080", cfg.HTTPAddr)
	require.Equal(t, 60*time.Second, cfg.HeartbeatTimeout)
	require.Equal(t, 30*time.Second, cfg.CleanupInterval)
	require.Equal(t, "memory", cfg.PrimaryKV.Backend)
	require.Equal(t, "memory", cfg.EventKV.Backend)
	require.Equal(t, 3, cfg.Placement.MaxCandidates)
}

func TestLoadMSEnvOverrides(t *testing.T) {
	t.Setenv("HTTP_ADDR", ":9999")
	t.Setenv("HEARTBEAT_TIMEOUT", "90s")
	t.Setenv("EVENT_KV_BACKEND", "buntdb")
	t.Setenv("EVENT_KV_PARAMS", "path=/tmp/events.db")

	cfg, err := LoadMS()
	require.NoError(t, err)
	require.Equal(t, ":9999", cfg.HTTPAddr)
	require.Equal(t, 90*time.Second, cfg.HeartbeatTimeout)
	require.Equal(t, "buntdb", cfg.EventKV.Backend)
	require.Equal(t, "/tmp/events.db", cfg.EventKV.Params["path"])
}

func TestLoadWorkletDefaultsAndLLM(t *testing.T) {
	t.Setenv("LLM_CONFIG", `{
		"backends": [
			{"name": "openai", "kind": "openai_chat_completion", "base_url": "https://api.openai.com/v1",
			 "model": "gpt-4o-mini", "credential_ref": "openai-key", "weight": 100,
			 "ops": ["chat_completions"], "transports": ["http"]}
		],
		"credentials": [
			{"name": "openai-key", "kind": "api_key", "api_key_env": "OPENAI_API_KEY"}
		]
	}`)

	cfg, err := LoadWorklet()
	require.NoError(t, err)
	require.Equal(t, "worklet", cfg.NodeName)
	require.True(t, cfg.AutoRegister)
	require.Equal(t, "weighted_random", cfg.LLM.DefaultPolicy)
	require.Len(t, cfg.LLM.Backends, 1)
	require.Equal(t, "openai", cfg.LLM.Backends[0].Name)
	require.Equal(t, "OPENAI_API_KEY", cfg.LLM.Credentials[0].APIKeyEnv)
}

func TestLoadWorkletRejectsBadLLMConfig(t *testing.T) {
	t.Setenv("LLM_CONFIG", "{not json")
	_, err := LoadWorklet()
	require.Error(t, err)
}

func TestWorkletValidate(t *testing.T) {
	cfg := &WorkletConfig{
		MSAddr:            "",
		HeartbeatInterval: time.Second,
		ConnectTimeout:    time.Second,
		ConnectRetry:      time.Second,
		DataDir:           ".",
	}
	require.Error(t, cfg.Validate())
	cfg.MSAddr = "localhost:8080"
	require.NoError(t, cfg.Validate())
}
