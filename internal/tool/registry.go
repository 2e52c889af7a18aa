package tool

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/evidara/evidara-ai/internal/artifact"
	"github.com/evidara/evidara-ai/internal/metrics"
)

// Handler executes one tool call. The payload has already been validated
// against the spec's input schema. Handlers fail fast with a typed *ExecError;
// they never retry (retry is the transport's job) and never swallow errors.
type Handler func(ctx context.Context, payload map[string]any, lin Lineage) (any, error)

// Spec describes one registered tool.
type Spec struct {
	Name        string
	Description string // must contain WHEN/AVOID/CRITICAL_ARGS/RETURNS/FAILS_IF sections
	InputSchema map[string]any
	Handler     Handler
	Source      string
}

// descriptionSections is the full structure a description should carry. The
// contract sections get defaults injected when missing; the usage guidance
// sections stay as the author wrote them.
var descriptionSections = []string{"WHEN:", "AVOID:", "CRITICAL_ARGS:", "RETURNS:", "FAILS_IF:"}

const (
	defaultReturnsSection = "RETURNS: normalized result envelope (contract v2.0) with summary, data, ids, citations, warnings, and source_meta."
	defaultFailsSection   = "FAILS_IF: arguments do not match the input schema."
)

// Registry owns the name→spec map, exports provider-native tool schemas, and
// dispatches invocations end-to-end. It is read-only after construction:
// register every tool before serving (publish-before-use).
type Registry struct {
	mu        sync.RWMutex
	specs     map[string]Spec
	schemas   map[string]*jsonschema.Schema
	artifacts *artifact.Store
}

// NewRegistry creates an empty registry writing artifacts through store.
// A nil store disables artifact persistence (used by unit tests).
func NewRegistry(store *artifact.Store) *Registry {
	return &Registry{
		specs:     make(map[string]Spec),
		schemas:   make(map[string]*jsonschema.Schema),
		artifacts: store,
	}
}

// Register adds a tool spec, compiling its input schema. The description gets
// a default envelope section appended when the required sections are missing.
func (r *Registry) Register(spec Spec) error {
	if spec.Name == "" {
		return fmt.Errorf("tool spec requires a name")
	}
	if spec.Handler == nil {
		return fmt.Errorf("tool %q requires a handler", spec.Name)
	}
	spec.Description = ensureDescriptionSections(spec.Description)
	if spec.InputSchema == nil {
		spec.InputSchema = map[string]any{"type": "object", "properties": map[string]any{}}
	}

	compiled, err := compileSchema(spec.Name, spec.InputSchema)
	if err != nil {
		return fmt.Errorf("tool %q: %w", spec.Name, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.specs[spec.Name]; exists {
		return fmt.Errorf("tool %q already registered", spec.Name)
	}
	r.specs[spec.Name] = spec
	r.schemas[spec.Name] = compiled
	return nil
}

// Specs returns every registered spec sorted by name.
func (r *Registry) Specs() []Spec {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Spec, 0, len(r.specs))
	for _, s := range r.specs {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Lookup returns the spec for name.
func (r *Registry) Lookup(name string) (Spec, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.specs[name]
	return s, ok
}

// FunctionSchemas exports tools in the "function" shape:
// {type:"function", function:{name, description, parameters}}.
func (r *Registry) FunctionSchemas() []map[string]any {
	specs := r.Specs()
	out := make([]map[string]any, 0, len(specs))
	for _, s := range specs {
		out = append(out, map[string]any{
			"type": "function",
			"function": map[string]any{
				"name":        s.Name,
				"description": s.Description,
				"parameters":  s.InputSchema,
			},
		})
	}
	return out
}

// NativeSchemas exports tools in the native shape:
// {name, description, input_schema}.
func (r *Registry) NativeSchemas() []map[string]any {
	specs := r.Specs()
	out := make([]map[string]any, 0, len(specs))
	for _, s := range specs {
		out = append(out, map[string]any{
			"name":         s.Name,
			"description":  s.Description,
			"input_schema": s.InputSchema,
		})
	}
	return out
}

// Dispatch runs one invocation end-to-end: resolve, persist request.json,
// validate, invoke, normalize, persist response.json + manifest.json. The
// returned envelope always conforms to the contract; errors are rendered,
// never raised. Artifact write failures are swallowed — they must not affect
// the call.
func (r *Registry) Dispatch(ctx context.Context, toolName string, payload map[string]any, lin Lineage) Envelope {
	spec, ok := r.Lookup(toolName)
	if !ok {
		metrics.ToolDispatchesTotal.WithLabelValues(toolName, "not_found").Inc()
		return ErrorEnvelope("registry", lin, NewNotFoundError("unknown tool %q", toolName))
	}
	if payload == nil {
		payload = map[string]any{}
	}

	if r.artifacts != nil {
		_ = r.artifacts.WriteRequest(lin.ThreadID, lin.RunID, spec.Name, lin.ToolUseID, payload)
	}

	env := r.invoke(ctx, spec, payload, lin)

	if r.artifacts != nil {
		_ = r.artifacts.WriteResponse(lin.ThreadID, lin.RunID, spec.Name, lin.ToolUseID, env)
		_ = r.artifacts.WriteManifest(lin.ThreadID, lin.RunID, spec.Name, lin.ToolUseID, artifactNames(env.Artifacts))
	}

	status := env.Status
	if env.Error != nil {
		metrics.ToolEnvelopeErrorsTotal.WithLabelValues(string(env.Error.Code)).Inc()
	}
	metrics.ToolDispatchesTotal.WithLabelValues(spec.Name, status).Inc()
	return env
}

func (r *Registry) invoke(ctx context.Context, spec Spec, payload map[string]any, lin Lineage) Envelope {
	r.mu.RLock()
	schema := r.schemas[spec.Name]
	r.mu.RUnlock()

	if schema != nil {
		if err := schema.Validate(any(payload)); err != nil {
			return ErrorEnvelope(spec.Source, lin, NewValidationError("payload does not match schema: %v", err))
		}
	}

	out, err := spec.Handler(ctx, payload, lin)
	if err != nil {
		return ErrorEnvelope(spec.Source, lin, Classify(err))
	}
	return Normalize(out, spec.Source, lin)
}

// compileSchema prepares a jsonschema validator from the spec's schema map.
func compileSchema(name string, schemaMap map[string]any) (*jsonschema.Schema, error) {
	// Round-trip through JSON so numeric types match what the compiler expects.
	b, err := json.Marshal(schemaMap)
	if err != nil {
		return nil, fmt.Errorf("marshal schema: %w", err)
	}
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(string(b)))
	if err != nil {
		return nil, fmt.Errorf("parse schema: %w", err)
	}
	c := jsonschema.NewCompiler()
	url := "tool://" + name + "/schema.json"
	if err := c.AddResource(url, doc); err != nil {
		return nil, fmt.Errorf("add schema resource: %w", err)
	}
	compiled, err := c.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}
	return compiled, nil
}

// ensureDescriptionSections appends default contract sections when the
// WHEN/AVOID/CRITICAL_ARGS/RETURNS/FAILS_IF structure is incomplete. A
// partially structured description keeps its sections and gains only the
// missing contract ones.
func ensureDescriptionSections(desc string) string {
	complete := true
	for _, section := range descriptionSections {
		if !strings.Contains(desc, section) {
			complete = false
			break
		}
	}
	if complete {
		return desc
	}

	parts := make([]string, 0, 3)
	if desc != "" {
		parts = append(parts, desc)
	}
	if !strings.Contains(desc, "RETURNS:") {
		parts = append(parts, defaultReturnsSection)
	}
	if !strings.Contains(desc, "FAILS_IF:") {
		parts = append(parts, defaultFailsSection)
	}
	return strings.Join(parts, " ")
}

func artifactNames(arts []Artifact) []string {
	if len(arts) == 0 {
		return nil
	}
	names := make([]string, 0, len(arts))
	for _, a := range arts {
		names = append(names, a.Name)
	}
	return names
}
