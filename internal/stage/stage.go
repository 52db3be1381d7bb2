// Package stage defines the contract every pipeline stage handler
// implements and the registry the work queue resolves handlers from. The
// orchestrator never looks inside a handler; it validates input, executes,
// and persists whatever comes back.
package stage

import (
	"context"
	"encoding/json"
	"fmt"

	"reelforge/internal/domain"
	"reelforge/internal/retry"
)

// Context carries everything a handler may use during one execution.
type Context struct {
	PipelineID string
	StageID    string
	AgentID    string
	// Input is the stage's request parameters: topic, description, and any
	// template-derived configuration threaded in at pipeline creation.
	Input map[string]any
	// PreviousOutput is the raw output of the preceding stage in
	// STAGE_ORDER, or nil for RESEARCH.
	PreviousOutput json.RawMessage
	// Outputs holds the raw output of every completed or skipped earlier
	// stage, keyed by stage name. Handlers that need an output further
	// back than the immediate predecessor read it here.
	Outputs map[domain.StageName]json.RawMessage
	// DryRun suppresses all external calls; handlers must return a
	// deterministic placeholder instead.
	DryRun bool
	// Retry is the backoff schedule for external calls. The zero value
	// falls back to retry.DefaultConfig.
	Retry retry.Config
}

// Artifact is one produced asset.
type Artifact struct {
	URL  string `json:"url"`
	Kind string `json:"kind,omitempty"`
}

// Result is a successful execution outcome. Failures are returned as an
// ordinary error.
type Result struct {
	Output    json.RawMessage
	Artifacts []Artifact
	Metadata  map[string]any
}

// ValidationResult reports a structural input check.
type ValidationResult struct {
	Valid  bool
	Errors []string
}

func valid() ValidationResult { return ValidationResult{Valid: true} }

func invalid(errs ...string) ValidationResult {
	return ValidationResult{Valid: false, Errors: errs}
}

// Handler is the seam between the orchestrator and content generation.
// Validate must be pure and perform no I/O.
type Handler interface {
	Name() domain.StageName
	Validate(input map[string]any) ValidationResult
	Execute(ctx context.Context, sc Context) (Result, error)
}

// Registry maps stage names to their handlers.
type Registry struct {
	handlers map[domain.StageName]Handler
}

func NewRegistry(hs ...Handler) *Registry {
	r := &Registry{handlers: make(map[domain.StageName]Handler, len(hs))}
	for _, h := range hs {
		r.handlers[h.Name()] = h
	}
	return r
}

// Default returns a registry with all seven stage handlers.
func Default() *Registry {
	return NewRegistry(
		Research{},
		Script{},
		Voice{},
		Music{},
		Visual{},
		Editor{},
		Publish{},
	)
}

func (r *Registry) Get(name domain.StageName) (Handler, bool) {
	h, ok := r.handlers[name]
	return h, ok
}

// outputFor resolves an upstream stage's output, falling back to the
// immediate predecessor's output when no map was provided.
func outputFor(sc Context, name domain.StageName) json.RawMessage {
	if raw, ok := sc.Outputs[name]; ok && len(raw) > 0 {
		return raw
	}
	return sc.PreviousOutput
}

func marshalOutput(v any) (json.RawMessage, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal stage output: %w", err)
	}
	return data, nil
}

// --- input helpers ---

func getString(m map[string]any, key string) string {
	if m == nil {
		return ""
	}
	if s, ok := m[key].(string); ok {
		return s
	}
	return ""
}

func getNumber(m map[string]any, key string) (float64, bool) {
	if m == nil {
		return 0, false
	}
	switch v := m[key].(type) {
	case float64:
		return v, true
	case int:
		return float64(v), true
	case json.Number:
		f, err := v.Float64()
		return f, err == nil
	}
	return 0, false
}

func getMap(m map[string]any, key string) (map[string]any, bool) {
	if m == nil {
		return nil, false
	}
	sub, ok := m[key].(map[string]any)
	return sub, ok
}

func oneOf(v string, allowed []string) bool {
	for _, a := range allowed {
		if v == a {
			return true
		}
	}
	return false
}
