package ai

import (
	"context"
	"encoding/json"
	"net/url"
	"strings"
)

// defaultTranscriptionModel is used when the ASR payload names no model.
const defaultTranscriptionModel = "gpt-4o-mini-transcribe"

// OpenAIRealtimeWSAdapter is streaming-only: it emits the websocket plan
// for the OpenAI realtime API and rejects synchronous invocation.
type OpenAIRealtimeWSAdapter struct {
	name      string
	baseURL   string
	apiKeyEnv string
}

// NewOpenAIRealtimeWSAdapter creates the adapter; apiKeyEnv names the
// environment variable the plan executor reads the key from.
func NewOpenAIRealtimeWSAdapter(name, baseURL, apiKeyEnv string) *OpenAIRealtimeWSAdapter {
	if apiKeyEnv == "" {
		apiKeyEnv = "OPENAI_API_KEY"
	}
	return &OpenAIRealtimeWSAdapter{name: name, baseURL: baseURL, apiKeyEnv: apiKeyEnv}
}

func (a *OpenAIRealtimeWSAdapter) Name() string { return a.name }

func (a *OpenAIRealtimeWSAdapter) Invoke(_ context.Context, req *RequestEnvelope) (*ResponseEnvelope, *CanonicalError) {
	return nil, canonicalErr(req.Operation, "unsupported_operation",
		"openai_realtime_ws is streaming-only; invoke is unsupported for %s", req.Operation)
}

func (a *OpenAIRealtimeWSAdapter) StreamingPlan(req *RequestEnvelope) (*StreamingPlan, *CanonicalError) {
	if req.Operation != OpSpeechToText {
		return nil, canonicalErr(req.Operation, "unsupported_operation",
			"openai_realtime_ws only supports speech_to_text streaming")
	}
	model := defaultTranscriptionModel
	if p := req.Payload.SpeechToText; p != nil && strings.TrimSpace(p.Model) != "" {
		model = strings.TrimSpace(p.Model)
	}
	wsURL, cerr := deriveRealtimeWsURL(a.baseURL)
	if cerr != nil {
		return nil, cerr
	}

	sessionUpdate, _ := json.Marshal(map[string]interface{}{
		"type": "session.update",
		"session": map[string]interface{}{
			"input_audio_format": "pcm16",
			"input_audio_transcription": map[string]string{
				"model": model,
			},
		},
	})

	return &StreamingPlan{
		Kind: StreamingKindWebsocket,
		Websocket: WebsocketPlan{
			URL: wsURL,
			Headers: []Header{
				{Name: "Authorization", Value: "Bearer ${env:" + a.apiKeyEnv + "}"},
				{Name: "OpenAI-Beta", Value: "realtime=v1"},
			},
			ClientEvents:          []json.RawMessage{sessionUpdate},
			SupportsTurnDetection: true,
		},
	}, nil
}

// deriveRealtimeWsURL maps the configured base url onto the realtime
// websocket endpoint: http(s) becomes ws(s), the path gains /v1 when
// missing, then /realtime?model=gpt-realtime.
func deriveRealtimeWsURL(baseURL string) (string, *CanonicalError) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return "", &CanonicalError{Code: "invalid_configuration", Message: "invalid base_url: " + err.Error()}
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	case "http":
		u.Scheme = "ws"
	case "ws", "wss":
	default:
		return "", &CanonicalError{Code: "invalid_configuration", Message: "unsupported base_url scheme: " + u.Scheme}
	}
	path := strings.TrimSuffix(u.Path, "/")
	if !strings.HasSuffix(path, "/v1") {
		path += "/v1"
	}
	u.Path = path + "/realtime"
	u.RawQuery = "model=gpt-realtime"
	return u.String(), nil
}
