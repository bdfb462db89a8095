package ai

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"
)

func TestOpenAIEndpointURLJoinsV1(t *testing.T) {
	withV1 := NewOpenAIChatAdapter("openai", "https://api.openai.com/v1/", "k")
	require.Equal(t, "https://api.openai.com/v1/chat/completions", withV1.endpointURL())

	withoutV1 := NewOpenAIChatAdapter("openai", "https://gateway.local", "k")
	require.Equal(t, "https://gateway.local/v1/chat/completions", withoutV1.endpointURL())
}

func TestOpenAIMissingAPIKeyIsConfigurationError(t *testing.T) {
	adapter := NewOpenAIChatAdapter("openai", "https://api.openai.com/v1", "")
	_, cerr := adapter.Invoke(context.Background(), chatReq("gpt-test"))
	require.NotNil(t, cerr)
	require.Equal(t, "invalid_configuration", cerr.Code)
}

func TestOpenAIBodyExcludesStructuralParams(t *testing.T) {
	adapter := NewOpenAIChatAdapter("openai", "https://api.openai.com/v1", "k")
	req := chatReq("gpt-test")
	p := req.Payload.ChatCompletions
	p.Tools = []json.RawMessage{json.RawMessage(`{"type":"function","function":{"name":"y"}}`)}
	p.Params = map[string]json.RawMessage{
		"messages":             json.RawMessage(`[{"role":"user","content":"override"}]`),
		"tools":                json.RawMessage(`[]`),
		"tool_arena_ptr":       json.RawMessage(`1234`),
		"max_iterations":       json.RawMessage(`9`),
		"max_total_tool_calls": json.RawMessage(`99`),
		"temperature":          json.RawMessage(`0.5`),
	}

	body, cerr := adapter.buildBody(req)
	require.Nil(t, cerr)
	raw, err := json.Marshal(body)
	require.NoError(t, err)

	require.Equal(t, "hi", gjson.GetBytes(raw, "messages.0.content").String())
	require.Equal(t, "y", gjson.GetBytes(raw, "tools.0.function.name").String())
	require.False(t, gjson.GetBytes(raw, "tool_arena_ptr").Exists())
	require.False(t, gjson.GetBytes(raw, "max_iterations").Exists())
	require.False(t, gjson.GetBytes(raw, "max_total_tool_calls").Exists())
	require.Equal(t, 0.5, gjson.GetBytes(raw, "temperature").Float())
}

func TestOpenAIBodyValidatesModelAndMessages(t *testing.T) {
	adapter := NewOpenAIChatAdapter("openai", "https://api.openai.com/v1", "k")

	req := chatReq("")
	_, cerr := adapter.buildBody(req)
	require.NotNil(t, cerr)
	require.Equal(t, "invalid_request", cerr.Code)

	req = chatReq("gpt-test")
	req.Payload.ChatCompletions.Messages = nil
	_, cerr = adapter.buildBody(req)
	require.NotNil(t, cerr)
	require.Equal(t, "invalid_request", cerr.Code)
}

func TestOpenAIUpstreamErrorRetryableFor429And5xx(t *testing.T) {
	for status, retryable := range map[int]bool{
		http.StatusTooManyRequests:     true,
		http.StatusInternalServerError: true,
		http.StatusBadRequest:          false,
	} {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(status)
			w.Write([]byte(`{"error":{"type":"test_error","message":"boom"}}`))
		}))
		adapter := NewOpenAIChatAdapter("openai", srv.URL+"/v1", "k")
		_, cerr := adapter.Invoke(context.Background(), chatReq("gpt-test"))
		srv.Close()

		require.NotNil(t, cerr)
		require.Equal(t, "upstream_error", cerr.Code)
		require.Equal(t, retryable, cerr.Retryable, "status %d", status)
		require.Contains(t, cerr.Message, "test_error")
	}
}

func TestOpenAISuccessReturnsProviderBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/chat/completions", r.URL.Path)
		require.Equal(t, "Bearer k", r.Header.Get("Authorization"))
		w.Write([]byte(`{"object":"chat.completion","choices":[]}`))
	}))
	defer srv.Close()

	adapter := NewOpenAIChatAdapter("openai", srv.URL+"/v1", "k")
	resp, cerr := adapter.Invoke(context.Background(), chatReq("gpt-test"))
	require.Nil(t, cerr)
	require.Equal(t, "openai", resp.Backend)
	require.Equal(t, "chat.completion", gjson.GetBytes(resp.Result.Payload, "object").String())
	require.NotEmpty(t, resp.Raw)
}

func TestOllamaRequiresModel(t *testing.T) {
	adapter := NewOllamaChatAdapter("ollama", "http://localhost:11434")
	_, cerr := adapter.Invoke(context.Background(), chatReq(""))
	require.NotNil(t, cerr)
	require.Equal(t, "invalid_request", cerr.Code)
}

func TestOllamaReshapesToOpenAIShape(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/chat", r.URL.Path)
		w.Write([]byte(`{"model":"gemma3:1b","message":{"role":"assistant","content":"hello"},"done":true,"done_reason":"stop"}`))
	}))
	defer srv.Close()

	adapter := NewOllamaChatAdapter("ollama", srv.URL)
	resp, cerr := adapter.Invoke(context.Background(), chatReq("gemma3:1b"))
	require.Nil(t, cerr)

	payload := resp.Result.Payload
	require.Equal(t, "chat.completion", gjson.GetBytes(payload, "object").String())
	require.Equal(t, "gemma3:1b", gjson.GetBytes(payload, "model").String())
	require.Equal(t, "assistant", gjson.GetBytes(payload, "choices.0.message.role").String())
	require.Equal(t, "hello", gjson.GetBytes(payload, "choices.0.message.content").String())
	require.Equal(t, "stop", gjson.GetBytes(payload, "choices.0.finish_reason").String())
}

func TestOllamaCoercesMessagesAndOptions(t *testing.T) {
	var got []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		buf := make([]byte, r.ContentLength)
		r.Body.Read(buf)
		got = buf
		w.Write([]byte(`{"message":{"role":"assistant","content":"x"}}`))
	}))
	defer srv.Close()

	adapter := NewOllamaChatAdapter("ollama", srv.URL)
	req := chatReq("gemma3:1b")
	req.Payload.ChatCompletions.Params = map[string]json.RawMessage{
		"temperature": json.RawMessage(`0.1`),
		"model":       json.RawMessage(`"override"`),
	}
	_, cerr := adapter.Invoke(context.Background(), req)
	require.Nil(t, cerr)

	require.False(t, gjson.GetBytes(got, "stream").Bool())
	require.Equal(t, "gemma3:1b", gjson.GetBytes(got, "model").String())
	require.Equal(t, "hi", gjson.GetBytes(got, "messages.0.content").String())
	require.Equal(t, 0.1, gjson.GetBytes(got, "options.temperature").Float())
	require.False(t, gjson.GetBytes(got, "options.model").Exists())
}

func TestRealtimeInvokeIsUnsupported(t *testing.T) {
	adapter := NewOpenAIRealtimeWSAdapter("rt", "https://api.openai.com", "OPENAI_API_KEY")
	_, cerr := adapter.Invoke(context.Background(), chatReq("m"))
	require.NotNil(t, cerr)
	require.Equal(t, "unsupported_operation", cerr.Code)
}

func asrReq(model string) *RequestEnvelope {
	return &RequestEnvelope{
		Version:   1,
		RequestID: "r1",
		Operation: OpSpeechToText,
		Payload:   Payload{SpeechToText: &SpeechToTextPayload{Model: model}},
	}
}

func TestRealtimePlanDerivesWsURL(t *testing.T) {
	adapter := NewOpenAIRealtimeWSAdapter("rt", "https://api.openai.com/v1", "MY_KEY")
	plan, cerr := adapter.StreamingPlan(asrReq(""))
	require.Nil(t, cerr)

	require.Equal(t, StreamingKindWebsocket, plan.Kind)
	require.Equal(t, "wss://api.openai.com/v1/realtime?model=gpt-realtime", plan.Websocket.URL)
	require.True(t, plan.Websocket.SupportsTurnDetection)

	require.Equal(t, "Authorization", plan.Websocket.Headers[0].Name)
	require.Equal(t, "Bearer ${env:MY_KEY}", plan.Websocket.Headers[0].Value)

	require.Len(t, plan.Websocket.ClientEvents, 1)
	ev := plan.Websocket.ClientEvents[0]
	require.Equal(t, "session.update", gjson.GetBytes(ev, "type").String())
	require.Equal(t, defaultTranscriptionModel, gjson.GetBytes(ev, "session.input_audio_transcription.model").String())
}

func TestRealtimePlanSchemeMappingAndModelOverride(t *testing.T) {
	adapter := NewOpenAIRealtimeWSAdapter("rt", "http://localhost:8000", "K")
	plan, cerr := adapter.StreamingPlan(asrReq("whisper-custom"))
	require.Nil(t, cerr)
	require.Equal(t, "ws://localhost:8000/v1/realtime?model=gpt-realtime", plan.Websocket.URL)
	require.Equal(t, "whisper-custom", gjson.GetBytes(plan.Websocket.ClientEvents[0], "session.input_audio_transcription.model").String())

	_, cerr = adapter.StreamingPlan(chatReq("m"))
	require.NotNil(t, cerr)
	require.Equal(t, "unsupported_operation", cerr.Code)
}

func TestStubEchoesLastUserMessage(t *testing.T) {
	adapter := NewStubBackendAdapter("stub")
	resp, cerr := adapter.Invoke(context.Background(), chatReq("m"))
	require.Nil(t, cerr)
	require.Equal(t, "stub chat completion: hi", gjson.GetBytes(resp.Result.Payload, "choices.0.message.content").String())
}
