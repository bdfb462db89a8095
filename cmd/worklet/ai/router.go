package ai

import (
	"context"
	"fmt"
	"math/rand"
	"sort"
	"strings"
)

// Capabilities declares what a backend instance can serve.
type Capabilities struct {
	Ops        []Operation `json:"ops"`
	Features   []string    `json:"features,omitempty"`
	Transports []string    `json:"transports,omitempty"`
}

// SupportsOperation reports op membership.
func (c Capabilities) SupportsOperation(op Operation) bool {
	for _, o := range c.Ops {
		if o == op {
			return true
		}
	}
	return false
}

// HasFeature reports feature membership.
func (c Capabilities) HasFeature(f string) bool {
	for _, x := range c.Features {
		if x == f {
			return true
		}
	}
	return false
}

// HasTransport reports transport membership.
func (c Capabilities) HasTransport(t string) bool {
	for _, x := range c.Transports {
		if x == t {
			return true
		}
	}
	return false
}

// BackendAdapter is the contract concrete backends satisfy. Invoke is the
// synchronous path; StreamingPlan produces the inert recipe for streaming
// operations.
type BackendAdapter interface {
	Name() string
	Invoke(ctx context.Context, req *RequestEnvelope) (*ResponseEnvelope, *CanonicalError)
	StreamingPlan(req *RequestEnvelope) (*StreamingPlan, *CanonicalError)
}

// BackendInstance is one routable backend.
type BackendInstance struct {
	Name         string
	Model        string
	Weight       int
	Priority     int
	Capabilities Capabilities
	Adapter      BackendAdapter
}

// Registry holds the configured backend instances.
type Registry struct {
	instances []*BackendInstance
}

// NewRegistry creates a registry.
func NewRegistry(instances []*BackendInstance) *Registry {
	return &Registry{instances: instances}
}

// Instances returns every configured instance.
func (r *Registry) Instances() []*BackendInstance { return r.instances }

// Candidates filters instances by operation, required features and
// required transports.
func (r *Registry) Candidates(req *RequestEnvelope) []*BackendInstance {
	out := make([]*BackendInstance, 0, len(r.instances))
	for _, inst := range r.instances {
		if !inst.Capabilities.SupportsOperation(req.Operation) {
			continue
		}
		ok := true
		for _, f := range req.Requirements.RequiredFeatures {
			if !inst.Capabilities.HasFeature(f) {
				ok = false
				break
			}
		}
		for _, t := range req.Requirements.RequiredTransports {
			if !inst.Capabilities.HasTransport(t) {
				ok = false
				break
			}
		}
		if ok {
			out = append(out, inst)
		}
	}
	return out
}

// SelectionPolicy picks one instance from a non-empty candidate set.
type SelectionPolicy interface {
	Select(req *RequestEnvelope, candidates []*BackendInstance) (*BackendInstance, *CanonicalError)
}

// WeightedRandom picks candidate i with probability
// max(weight_i,1)/sum(max(weight_j,1)).
type WeightedRandom struct {
	// Intn is overridable for deterministic tests; defaults to rand.Intn.
	Intn func(n int) int
}

// NewWeightedRandom creates the default policy.
func NewWeightedRandom() *WeightedRandom {
	return &WeightedRandom{Intn: rand.Intn}
}

// Select implements SelectionPolicy.
func (p *WeightedRandom) Select(req *RequestEnvelope, candidates []*BackendInstance) (*BackendInstance, *CanonicalError) {
	total := 0
	for _, c := range candidates {
		total += weightOf(c)
	}
	if total <= 0 {
		return nil, canonicalErr(req.Operation, "no_candidate_backend", "no candidate backend")
	}
	pick := p.Intn(total)
	for _, c := range candidates {
		w := weightOf(c)
		if pick < w {
			return c, nil
		}
		pick -= w
	}
	return nil, canonicalErr(req.Operation, "no_candidate_backend", "no candidate backend")
}

func weightOf(c *BackendInstance) int {
	if c.Weight < 1 {
		return 1
	}
	return c.Weight
}

// Router routes canonical requests onto backend instances.
type Router struct {
	registry *Registry
	policy   SelectionPolicy
}

// NewRouter creates a router.
func NewRouter(registry *Registry, policy SelectionPolicy) *Router {
	return &Router{registry: registry, policy: policy}
}

// Route filters by capability, routing hints and requested model, then
// applies the selection policy. Empty candidate sets fail with
// no_candidate_backend and a diagnostic message.
func (r *Router) Route(req *RequestEnvelope) (*BackendInstance, *CanonicalError) {
	candidates := r.registry.Candidates(req)

	if name := req.Routing.Backend; name != "" {
		candidates = filter(candidates, func(c *BackendInstance) bool { return c.Name == name })
	}
	if len(req.Routing.Allowlist) > 0 {
		allowed := toSet(req.Routing.Allowlist)
		candidates = filter(candidates, func(c *BackendInstance) bool { return allowed[c.Name] })
	}
	if len(req.Routing.Denylist) > 0 {
		denied := toSet(req.Routing.Denylist)
		candidates = filter(candidates, func(c *BackendInstance) bool { return !denied[c.Name] })
	}

	if model := req.RequestedModel(); model != "" && anyModelBound(candidates) {
		candidates = filter(candidates, func(c *BackendInstance) bool { return c.Model == model })
		if len(candidates) == 0 {
			return nil, canonicalErr(req.Operation, "no_candidate_backend",
				"no candidate backend for model %q: available_models=%v", model, r.availableModels(req.Operation))
		}
	}

	if len(candidates) == 0 {
		return nil, canonicalErr(req.Operation, "no_candidate_backend",
			"no candidate backend: op=%s required_features=%v required_transports=%v routing_backend=%q allowlist=%v denylist=%v backends=[%s]",
			req.Operation, req.Requirements.RequiredFeatures, req.Requirements.RequiredTransports,
			req.Routing.Backend, req.Routing.Allowlist, req.Routing.Denylist, r.diagnose(req))
	}

	return r.policy.Select(req, candidates)
}

// availableModels lists the distinct models bound to backends serving op.
func (r *Router) availableModels(op Operation) []string {
	models := make([]string, 0)
	seen := make(map[string]bool)
	for _, inst := range r.registry.Instances() {
		if !inst.Capabilities.SupportsOperation(op) || inst.Model == "" || seen[inst.Model] {
			continue
		}
		seen[inst.Model] = true
		models = append(models, inst.Model)
	}
	sort.Strings(models)
	return models
}

// diagnose enumerates, per backend serving this operation, which required
// features and transports it lacks.
func (r *Router) diagnose(req *RequestEnvelope) string {
	parts := make([]string, 0)
	for _, inst := range r.registry.Instances() {
		if !inst.Capabilities.SupportsOperation(req.Operation) {
			continue
		}
		missingFeatures := make([]string, 0)
		for _, f := range req.Requirements.RequiredFeatures {
			if !inst.Capabilities.HasFeature(f) {
				missingFeatures = append(missingFeatures, f)
			}
		}
		missingTransports := make([]string, 0)
		for _, t := range req.Requirements.RequiredTransports {
			if !inst.Capabilities.HasTransport(t) {
				missingTransports = append(missingTransports, t)
			}
		}
		parts = append(parts, fmt.Sprintf("%s(missing_features=%v, missing_transports=%v)",
			inst.Name, missingFeatures, missingTransports))
	}
	return strings.Join(parts, ", ")
}

func anyModelBound(candidates []*BackendInstance) bool {
	for _, c := range candidates {
		if c.Model != "" {
			return true
		}
	}
	return false
}

func filter(in []*BackendInstance, keep func(*BackendInstance) bool) []*BackendInstance {
	out := in[:0:0]
	for _, c := range in {
		if keep(c) {
			out = append(out, c)
		}
	}
	return out
}

func toSet(xs []string) map[string]bool {
	m := make(map[string]bool, len(xs))
	for _, x := range xs {
		m[x] = true
	}
	return m
}
