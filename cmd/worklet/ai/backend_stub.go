package ai

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// StubBackendAdapter answers chat completions locally. It is appended when
// no backend is configured so the AI surface always works.
type StubBackendAdapter struct {
	name string
}

// NewStubBackendAdapter creates a stub backend.
func NewStubBackendAdapter(name string) *StubBackendAdapter {
	return &StubBackendAdapter{name: name}
}

func (a *StubBackendAdapter) Name() string { return a.name }

func (a *StubBackendAdapter) Invoke(_ context.Context, req *RequestEnvelope) (*ResponseEnvelope, *CanonicalError) {
	p := req.Payload.ChatCompletions
	if p == nil {
		return nil, canonicalErr(req.Operation, "unsupported_operation", "stub backend only supports chat_completions")
	}
	lastUser := ""
	for i := len(p.Messages) - 1; i >= 0; i-- {
		if p.Messages[i].Role == "user" {
			lastUser = p.Messages[i].Content
			break
		}
	}
	content := "stub chat completion"
	if lastUser != "" {
		content = fmt.Sprintf("stub chat completion: %s", lastUser)
	}
	body, _ := json.Marshal(map[string]interface{}{
		"id":      req.RequestID,
		"object":  "chat.completion",
		"created": time.Now().Unix(),
		"model":   p.Model,
		"choices": []map[string]interface{}{
			{
				"index": 0,
				"message": map[string]string{
					"role":    "assistant",
					"content": content,
				},
				"finish_reason": "stop",
			},
		},
	})
	return &ResponseEnvelope{
		Version:   1,
		RequestID: req.RequestID,
		Operation: req.Operation,
		Backend:   a.name,
		Result:    Result{Payload: body},
	}, nil
}

func (a *StubBackendAdapter) StreamingPlan(req *RequestEnvelope) (*StreamingPlan, *CanonicalError) {
	return nil, canonicalErr(req.Operation, "unsupported_operation", "stub backend does not stream")
}
