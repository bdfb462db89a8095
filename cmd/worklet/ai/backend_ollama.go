package ai

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/tidwall/gjson"
)

// OllamaChatAdapter drives a local ollama daemon's /api/chat endpoint and
// reshapes the answer into an OpenAI-style chat.completion object so
// downstream consumers stay uniform.
type OllamaChatAdapter struct {
	name    string
	baseURL string
	http    *http.Client
}

// NewOllamaChatAdapter creates the adapter.
func NewOllamaChatAdapter(name, baseURL string) *OllamaChatAdapter {
	return &OllamaChatAdapter{name: name, baseURL: baseURL, http: &http.Client{}}
}

func (a *OllamaChatAdapter) Name() string { return a.name }

func (a *OllamaChatAdapter) Invoke(ctx context.Context, req *RequestEnvelope) (*ResponseEnvelope, *CanonicalError) {
	if req.Operation != OpChatCompletions {
		return nil, canonicalErr(req.Operation, "unsupported_operation", "backend supports chat_completions only")
	}
	p := req.Payload.ChatCompletions
	if p == nil {
		return nil, canonicalErr(req.Operation, "payload_mismatch", "expected chat_completions payload")
	}
	if strings.TrimSpace(p.Model) == "" {
		return nil, canonicalErr(req.Operation, "invalid_request", "missing model")
	}

	// Coerce messages to plain role/content strings; ollama has no richer
	// message schema.
	messages := make([]map[string]string, 0, len(p.Messages))
	for _, m := range p.Messages {
		messages = append(messages, map[string]string{"role": m.Role, "content": m.Content})
	}
	options := make(map[string]json.RawMessage)
	for k, v := range p.Params {
		if IsStructuralChatParam(k) {
			continue
		}
		options[k] = v
	}

	body := map[string]interface{}{
		"model":    p.Model,
		"messages": messages,
		"stream":   false,
	}
	if len(p.Tools) > 0 {
		body["tools"] = p.Tools
	}
	if len(options) > 0 {
		body["options"] = options
	}
	raw, err := json.Marshal(body)
	if err != nil {
		return nil, canonicalErr(req.Operation, "serialization", "%v", err)
	}

	url := strings.TrimSuffix(a.baseURL, "/") + "/api/chat"
	status, respBody, cerr := postJSON(ctx, a.http, url, raw, req.TimeoutMs, nil, req.Operation)
	if cerr != nil {
		return nil, cerr
	}
	if status < 200 || status >= 300 {
		e := canonicalErr(req.Operation, "upstream_error", "upstream status: %d: %s", status, strings.TrimSpace(string(respBody)))
		e.Retryable = status == http.StatusTooManyRequests || status >= 500
		return nil, e
	}

	reshaped := reshapeOllamaChat(req.RequestID, p.Model, respBody)
	return &ResponseEnvelope{
		Version:   1,
		RequestID: req.RequestID,
		Operation: req.Operation,
		Backend:   a.name,
		Result:    Result{Payload: reshaped},
		Raw:       respBody,
	}, nil
}

func (a *OllamaChatAdapter) StreamingPlan(req *RequestEnvelope) (*StreamingPlan, *CanonicalError) {
	return nil, canonicalErr(req.Operation, "unsupported_operation", "ollama backend does not stream")
}

// reshapeOllamaChat transforms an ollama chat response into an
// OpenAI-shaped chat.completion object.
func reshapeOllamaChat(requestID, model string, body []byte) json.RawMessage {
	role := gjson.GetBytes(body, "message.role").String()
	if role == "" {
		role = "assistant"
	}
	content := gjson.GetBytes(body, "message.content").String()
	finish := "stop"
	if gjson.GetBytes(body, "done_reason").String() == "length" {
		finish = "length"
	}
	out, _ := json.Marshal(map[string]interface{}{
		"id":      requestID,
		"object":  "chat.completion",
		"created": time.Now().Unix(),
		"model":   model,
		"choices": []map[string]interface{}{
			{
				"index": 0,
				"message": map[string]string{
					"role":    role,
					"content": content,
				},
				"finish_reason": finish,
			},
		},
	})
	return out
}
