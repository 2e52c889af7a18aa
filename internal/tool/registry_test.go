package tool

import (
	"context"
	"fmt"
	"strings"
	"testing"
)

func echoSpec() Spec {
	return Spec{
		Name:        "echo",
		Description: "WHEN: echoing input back. AVOID: anything else. CRITICAL_ARGS: text. RETURNS: the text. FAILS_IF: text is missing.",
		InputSchema: map[string]any{
			"type":       "object",
			"properties": map[string]any{"text": map[string]any{"type": "string"}},
			"required":   []any{"text"},
		},
		Source: "echo",
		Handler: func(ctx context.Context, payload map[string]any, lin Lineage) (any, error) {
			return payload["text"], nil
		},
	}
}

func TestRegistryDispatch(t *testing.T) {
	r := NewRegistry(nil)
	if err := r.Register(echoSpec()); err != nil {
		t.Fatalf("Register: %v", err)
	}

	env := r.Dispatch(context.Background(), "echo", map[string]any{"text": "hello"}, testLineage())
	if env.Status != "ok" {
		t.Fatalf("expected ok, got %+v", env)
	}
	if env.Data != "hello" {
		t.Errorf("expected echoed data, got %v", env.Data)
	}
	if env.SourceMeta.Lineage != testLineage() {
		t.Errorf("expected lineage stamped, got %+v", env.SourceMeta.Lineage)
	}
}

func TestRegistryDispatchUnknownTool(t *testing.T) {
	r := NewRegistry(nil)

	env := r.Dispatch(context.Background(), "nope", nil, testLineage())
	if env.Status != "error" {
		t.Fatalf("expected error envelope, got %+v", env)
	}
	if env.Error == nil || env.Error.Code != CodeNotFound {
		t.Errorf("expected NOT_FOUND, got %+v", env.Error)
	}
}

func TestRegistrySchemaValidation(t *testing.T) {
	r := NewRegistry(nil)
	if err := r.Register(echoSpec()); err != nil {
		t.Fatalf("Register: %v", err)
	}

	// Missing required property.
	env := r.Dispatch(context.Background(), "echo", map[string]any{}, testLineage())
	if env.Error == nil || env.Error.Code != CodeValidation {
		t.Fatalf("expected VALIDATION_ERROR, got %+v", env.Error)
	}

	// Wrong type.
	env = r.Dispatch(context.Background(), "echo", map[string]any{"text": 42}, testLineage())
	if env.Error == nil || env.Error.Code != CodeValidation {
		t.Fatalf("expected VALIDATION_ERROR for wrong type, got %+v", env.Error)
	}
}

func TestRegistryHandlerErrorsBecomeEnvelopes(t *testing.T) {
	r := NewRegistry(nil)
	spec := echoSpec()
	spec.Name = "boom"
	spec.Handler = func(ctx context.Context, payload map[string]any, lin Lineage) (any, error) {
		return nil, fmt.Errorf("socket closed")
	}
	if err := r.Register(spec); err != nil {
		t.Fatalf("Register: %v", err)
	}

	env := r.Dispatch(context.Background(), "boom", map[string]any{"text": "x"}, testLineage())
	if env.Status != "error" {
		t.Fatalf("expected error envelope, got %+v", env)
	}
	if env.Error.Code != CodeUpstream {
		t.Errorf("expected untyped errors to classify as upstream, got %s", env.Error.Code)
	}
}

func TestRegistryDuplicateRegistration(t *testing.T) {
	r := NewRegistry(nil)
	if err := r.Register(echoSpec()); err != nil {
		t.Fatalf("first Register: %v", err)
	}
	if err := r.Register(echoSpec()); err == nil {
		t.Fatal("expected duplicate registration to fail")
	}
}

func TestRegistryDescriptionSections(t *testing.T) {
	r := NewRegistry(nil)

	bare := echoSpec()
	bare.Name = "bare"
	bare.Description = "returns the input unchanged"
	if err := r.Register(bare); err != nil {
		t.Fatalf("Register: %v", err)
	}

	got, ok := r.Lookup("bare")
	if !ok {
		t.Fatal("expected bare to be registered")
	}
	if !strings.Contains(got.Description, "returns the input unchanged") {
		t.Errorf("expected original description preserved, got %q", got.Description)
	}
	if !strings.Contains(got.Description, "RETURNS:") || !strings.Contains(got.Description, "FAILS_IF:") {
		t.Errorf("expected default envelope sections appended, got %q", got.Description)
	}

	// A partially structured description keeps its sections and gains the
	// missing contract ones.
	partial := echoSpec()
	partial.Name = "partial"
	partial.Description = "WHEN: summarizing results."
	if err := r.Register(partial); err != nil {
		t.Fatalf("Register partial: %v", err)
	}
	got, _ = r.Lookup("partial")
	if !strings.Contains(got.Description, "WHEN: summarizing results.") {
		t.Errorf("expected original sections preserved, got %q", got.Description)
	}
	if !strings.Contains(got.Description, "RETURNS:") || !strings.Contains(got.Description, "FAILS_IF:") {
		t.Errorf("expected contract sections injected, got %q", got.Description)
	}

	// A structured description is left alone.
	full := echoSpec()
	full.Name = "full"
	if err := r.Register(full); err != nil {
		t.Fatalf("Register full: %v", err)
	}
	got, _ = r.Lookup("full")
	if strings.Count(got.Description, "RETURNS:") != 1 {
		t.Errorf("expected structured description untouched, got %q", got.Description)
	}
}

func TestRegistrySchemaExports(t *testing.T) {
	r := NewRegistry(nil)
	if err := r.Register(echoSpec()); err != nil {
		t.Fatalf("Register: %v", err)
	}

	fn := r.FunctionSchemas()
	if len(fn) != 1 || fn[0]["type"] != "function" {
		t.Fatalf("unexpected function schemas: %+v", fn)
	}
	inner, _ := fn[0]["function"].(map[string]any)
	if inner["name"] != "echo" {
		t.Errorf("unexpected function entry: %+v", inner)
	}

	native := r.NativeSchemas()
	if len(native) != 1 || native[0]["name"] != "echo" {
		t.Fatalf("unexpected native schemas: %+v", native)
	}
	if _, ok := native[0]["input_schema"]; !ok {
		t.Error("expected input_schema in native export")
	}
}
