package ai

import (
	"context"
	"os"

	"github.com/taskmesh/taskmesh/common/apperr"
	"github.com/taskmesh/taskmesh/common/config"
	"github.com/taskmesh/taskmesh/common/logger"
	"github.com/taskmesh/taskmesh/common/metrics"
)

// Engine is the AI entry point: it validates canonical envelopes, routes
// them and dispatches to the selected adapter.
type Engine struct {
	registry *Registry
	router   *Router
	log      *logger.Logger
	m        *metrics.Worklet
}

// NewEngine builds the backend registry from config. Backends whose
// credential ref does not resolve are skipped; an empty registry gets the
// built-in stub backend.
func NewEngine(cfg config.LLMConfig, log *logger.Logger, m *metrics.Worklet) *Engine {
	creds := make(map[string]config.LLMCredentialConfig, len(cfg.Credentials))
	for _, c := range cfg.Credentials {
		creds[c.Name] = c
	}

	instances := make([]*BackendInstance, 0, len(cfg.Backends))
	for _, b := range cfg.Backends {
		apiKey := ""
		apiKeyEnv := ""
		if b.CredentialRef != "" {
			cred, ok := creds[b.CredentialRef]
			if !ok {
				log.Warn("skipping backend with unresolvable credential ref",
					"backend", b.Name, "credential_ref", b.CredentialRef)
				continue
			}
			apiKeyEnv = cred.APIKeyEnv
			apiKey = os.Getenv(cred.APIKeyEnv)
		}

		var adapter BackendAdapter
		switch b.Kind {
		case "openai_chat_completion":
			adapter = NewOpenAIChatAdapter(b.Name, b.BaseURL, apiKey)
		case "ollama_chat":
			adapter = NewOllamaChatAdapter(b.Name, b.BaseURL)
		case "openai_realtime_ws":
			adapter = NewOpenAIRealtimeWSAdapter(b.Name, b.BaseURL, apiKeyEnv)
		case "stub":
			adapter = NewStubBackendAdapter(b.Name)
		default:
			log.Warn("skipping backend with unknown kind", "backend", b.Name, "kind", b.Kind)
			continue
		}

		ops := make([]Operation, 0, len(b.Ops))
		for _, op := range b.Ops {
			ops = append(ops, Operation(op))
		}
		instances = append(instances, &BackendInstance{
			Name:     b.Name,
			Model:    b.Model,
			Weight:   b.Weight,
			Priority: b.Priority,
			Capabilities: Capabilities{
				Ops:        ops,
				Features:   b.Features,
				Transports: b.Transports,
			},
			Adapter: adapter,
		})
	}

	if len(instances) == 0 {
		log.Info("no llm backends configured, using stub")
		instances = append(instances, &BackendInstance{
			Name:   "stub",
			Weight: 1,
			Capabilities: Capabilities{
				Ops:        []Operation{OpChatCompletions},
				Transports: []string{"http"},
			},
			Adapter: NewStubBackendAdapter("stub"),
		})
	}

	registry := NewRegistry(instances)
	return &Engine{
		registry: registry,
		router:   NewRouter(registry, NewWeightedRandom()),
		log:      log,
		m:        m,
	}
}

// Registry exposes the configured backends.
func (e *Engine) Registry() *Registry { return e.registry }

// Invoke validates, routes and synchronously dispatches a request.
func (e *Engine) Invoke(ctx context.Context, req *RequestEnvelope) (*ResponseEnvelope, error) {
	if cerr := req.Validate(); cerr != nil {
		return nil, hostError(cerr)
	}
	inst, cerr := e.router.Route(req)
	if cerr != nil {
		return nil, hostError(cerr)
	}
	e.log.Debug("router selected backend",
		"operation", string(req.Operation), "backend", inst.Name, "model", req.RequestedModel())
	e.m.AIRequests.WithLabelValues(string(req.Operation), inst.Name).Inc()

	resp, cerr := inst.Adapter.Invoke(ctx, req)
	if cerr != nil {
		return nil, hostError(cerr)
	}
	return resp, nil
}

// InvokeStreaming validates, routes and returns the selected backend's
// inert streaming plan.
func (e *Engine) InvokeStreaming(_ context.Context, req *RequestEnvelope) (*StreamingInvocation, error) {
	if cerr := req.Validate(); cerr != nil {
		return nil, hostError(cerr)
	}
	inst, cerr := e.router.Route(req)
	if cerr != nil {
		return nil, hostError(cerr)
	}
	e.m.AIRequests.WithLabelValues(string(req.Operation), inst.Name).Inc()

	plan, cerr := inst.Adapter.StreamingPlan(req)
	if cerr != nil {
		return nil, hostError(cerr)
	}
	return &StreamingInvocation{Backend: inst.Name, Plan: plan}, nil
}

// hostError maps a canonical error onto the host error kinds, preserving
// the stable code where it is one.
func hostError(cerr *CanonicalError) error {
	kind := apperr.KindInternal
	switch cerr.Code {
	case "invalid_request", "payload_mismatch", "unsupported_version":
		kind = apperr.KindInvalidRequest
	case "no_candidate_backend":
		kind = apperr.KindNoCandidateBackend
	case "unsupported_operation":
		kind = apperr.KindUnsupportedOperation
	case "invalid_configuration":
		kind = apperr.KindInvalidConfiguration
	case "upstream_error":
		kind = apperr.KindUpstreamError
	case "network_error":
		kind = apperr.KindUnavailable
	}
	err := apperr.Wrap(cerr, kind, "%s", cerr.Message)
	err.Retryable = cerr.Retryable
	return err
}
