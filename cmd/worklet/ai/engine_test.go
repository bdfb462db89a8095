package ai

import (
	"context"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"github.com/taskmesh/taskmesh/common/apperr"
	"github.com/taskmesh/taskmesh/common/config"
	"github.com/taskmesh/taskmesh/common/logger"
	"github.com/taskmesh/taskmesh/common/metrics"
)

func newEngine(t *testing.T, cfg config.LLMConfig) *Engine {
	t.Helper()
	return NewEngine(cfg, logger.New("error", "json"), metrics.NewWorklet(prometheus.NewRegistry()))
}

func TestEngineFallsBackToStub(t *testing.T) {
	e := newEngine(t, config.LLMConfig{})
	require.Len(t, e.Registry().Instances(), 1)
	require.Equal(t, "stub", e.Registry().Instances()[0].Name)

	resp, err := e.Invoke(context.Background(), chatReq("any"))
	require.NoError(t, err)
	require.Equal(t, "stub", resp.Backend)
	require.Contains(t, gjson.GetBytes(resp.Result.Payload, "choices.0.message.content").String(), "stub chat completion")
}

func TestEngineSkipsUnresolvableCredentialRef(t *testing.T) {
	e := newEngine(t, config.LLMConfig{
		Backends: []config.LLMBackendConfig{
			{
				Name:          "openai",
				Kind:          "openai_chat_completion",
				BaseURL:       "https://api.openai.com/v1",
				CredentialRef: "missing",
				Ops:           []string{string(OpChatCompletions)},
			},
		},
	})
	// The only backend was skipped, so the stub takes over.
	require.Len(t, e.Registry().Instances(), 1)
	require.Equal(t, "stub", e.Registry().Instances()[0].Name)
}

func TestEngineSkipsUnknownKinds(t *testing.T) {
	e := newEngine(t, config.LLMConfig{
		Backends: []config.LLMBackendConfig{
			{Name: "mystery", Kind: "quantum_chat", Ops: []string{string(OpChatCompletions)}},
			{Name: "stub-a", Kind: "stub", Ops: []string{string(OpChatCompletions)}},
		},
	})
	require.Len(t, e.Registry().Instances(), 1)
	require.Equal(t, "stub-a", e.Registry().Instances()[0].Name)
}

func TestEngineRejectsInvalidEnvelope(t *testing.T) {
	e := newEngine(t, config.LLMConfig{})
	req := chatReq("m")
	req.Version = 7
	_, err := e.Invoke(context.Background(), req)
	require.True(t, apperr.IsKind(err, apperr.KindInvalidRequest))
}

func TestEngineNoCandidateBackendKind(t *testing.T) {
	e := newEngine(t, config.LLMConfig{
		Backends: []config.LLMBackendConfig{
			{Name: "stub-a", Kind: "stub", Model: "model-a", Ops: []string{string(OpChatCompletions)}},
		},
	})
	_, err := e.Invoke(context.Background(), chatReq("model-b"))
	require.True(t, apperr.IsKind(err, apperr.KindNoCandidateBackend))
}

func TestEngineStreamingReturnsPlan(t *testing.T) {
	e := newEngine(t, config.LLMConfig{
		Backends: []config.LLMBackendConfig{
			{
				Name:       "rt",
				Kind:       "openai_realtime_ws",
				BaseURL:    "https://api.openai.com",
				Ops:        []string{string(OpSpeechToText)},
				Transports: []string{"websocket"},
			},
		},
	})
	inv, err := e.InvokeStreaming(context.Background(), asrReq(""))
	require.NoError(t, err)
	require.Equal(t, "rt", inv.Backend)
	require.Equal(t, StreamingKindWebsocket, inv.Plan.Kind)
	require.Contains(t, inv.Plan.Websocket.URL, "wss://api.openai.com/v1/realtime")
}

func TestEngineStreamingUnsupportedOnSyncBackend(t *testing.T) {
	e := newEngine(t, config.LLMConfig{})
	_, err := e.InvokeStreaming(context.Background(), chatReq("m"))
	require.True(t, apperr.IsKind(err, apperr.KindUnsupportedOperation))
}
