package ai

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"
)

// OpenAIChatAdapter drives an OpenAI-compatible chat completions endpoint.
type OpenAIChatAdapter struct {
	name    string
	baseURL string
	apiKey  string
	http    *http.Client
}

// NewOpenAIChatAdapter creates the adapter. apiKey may be empty; invoke
// then fails with invalid_configuration.
func NewOpenAIChatAdapter(name, baseURL, apiKey string) *OpenAIChatAdapter {
	return &OpenAIChatAdapter{
		name:    name,
		baseURL: baseURL,
		apiKey:  apiKey,
		http:    &http.Client{},
	}
}

func (a *OpenAIChatAdapter) Name() string { return a.name }

// endpointURL appends v1/chat/completions unless the base already carries
// a /v1 segment.
func (a *OpenAIChatAdapter) endpointURL() string {
	base := strings.TrimSuffix(a.baseURL, "/")
	if strings.Contains(base, "/v1") {
		return base + "/chat/completions"
	}
	return base + "/v1/chat/completions"
}

// buildBody assembles the provider body: model and messages, tools when
// present, then non-structural params.
func (a *OpenAIChatAdapter) buildBody(req *RequestEnvelope) (map[string]json.RawMessage, *CanonicalError) {
	p := req.Payload.ChatCompletions
	if p == nil {
		return nil, canonicalErr(req.Operation, "payload_mismatch", "expected chat_completions payload")
	}
	if strings.TrimSpace(p.Model) == "" {
		return nil, canonicalErr(req.Operation, "invalid_request", "missing model")
	}
	if len(p.Messages) == 0 {
		return nil, canonicalErr(req.Operation, "invalid_request", "missing messages")
	}

	body := make(map[string]json.RawMessage)
	model, _ := json.Marshal(p.Model)
	body["model"] = model
	messages, err := json.Marshal(p.Messages)
	if err != nil {
		return nil, canonicalErr(req.Operation, "serialization", "%v", err)
	}
	body["messages"] = messages
	if len(p.Tools) > 0 {
		tools, _ := json.Marshal(p.Tools)
		body["tools"] = tools
	}
	for k, v := range p.Params {
		if IsStructuralChatParam(k) {
			continue
		}
		body[k] = v
	}
	return body, nil
}

func (a *OpenAIChatAdapter) Invoke(ctx context.Context, req *RequestEnvelope) (*ResponseEnvelope, *CanonicalError) {
	if req.Operation != OpChatCompletions {
		return nil, canonicalErr(req.Operation, "unsupported_operation", "backend supports chat_completions only")
	}
	if strings.TrimSpace(a.apiKey) == "" {
		return nil, canonicalErr(req.Operation, "invalid_configuration", "missing api key")
	}
	body, cerr := a.buildBody(req)
	if cerr != nil {
		return nil, cerr
	}
	raw, err := json.Marshal(body)
	if err != nil {
		return nil, canonicalErr(req.Operation, "serialization", "%v", err)
	}

	status, respBody, cerr := postJSON(ctx, a.http, a.endpointURL(), raw, req.TimeoutMs, map[string]string{
		"Authorization": "Bearer " + strings.TrimSpace(a.apiKey),
	}, req.Operation)
	if cerr != nil {
		return nil, cerr
	}

	if status < 200 || status >= 300 {
		e := canonicalErr(req.Operation, "upstream_error", "upstream status: %d%s", status, extractOpenAIErrorSuffix(respBody))
		e.Retryable = status == http.StatusTooManyRequests || status >= 500
		return nil, e
	}
	var parsed json.RawMessage
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		e := canonicalErr(req.Operation, "invalid_response", "%v", err)
		e.Retryable = status >= 500
		return nil, e
	}

	return &ResponseEnvelope{
		Version:   1,
		RequestID: req.RequestID,
		Operation: req.Operation,
		Backend:   a.name,
		Result:    Result{Payload: parsed},
		Raw:       respBody,
	}, nil
}

func (a *OpenAIChatAdapter) StreamingPlan(req *RequestEnvelope) (*StreamingPlan, *CanonicalError) {
	return nil, canonicalErr(req.Operation, "unsupported_operation", "chat completions backend does not stream")
}

// postJSON issues the provider request, honouring the request timeout.
func postJSON(ctx context.Context, client *http.Client, url string, body []byte, timeoutMs int64, headers map[string]string, op Operation) (int, []byte, *CanonicalError) {
	if timeoutMs > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(timeoutMs)*time.Millisecond)
		defer cancel()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return 0, nil, canonicalErr(op, "invalid_configuration", "bad url: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := client.Do(req)
	if err != nil {
		e := canonicalErr(op, "network_error", "%v", err)
		e.Retryable = true
		return 0, nil, e
	}
	defer resp.Body.Close()
	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		e := canonicalErr(op, "network_error", "%v", err)
		e.Retryable = true
		return 0, nil, e
	}
	return resp.StatusCode, respBody, nil
}

// extractOpenAIErrorSuffix formats the provider's error object, if any, as
// ": type: code: message".
func extractOpenAIErrorSuffix(body []byte) string {
	var wrapper struct {
		Error *struct {
			Type    string          `json:"type"`
			Code    json.RawMessage `json:"code"`
			Message string          `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(body, &wrapper); err != nil || wrapper.Error == nil {
		return ""
	}
	parts := make([]string, 0, 3)
	if wrapper.Error.Type != "" {
		parts = append(parts, wrapper.Error.Type)
	}
	if len(wrapper.Error.Code) > 0 && string(wrapper.Error.Code) != "null" {
		parts = append(parts, strings.Trim(string(wrapper.Error.Code), `"`))
	}
	if wrapper.Error.Message != "" {
		parts = append(parts, wrapper.Error.Message)
	}
	if len(parts) == 0 {
		return ""
	}
	return ": " + strings.Join(parts, ": ")
}
