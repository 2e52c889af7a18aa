package tools

import (
	"context"
	"testing"

	"github.com/evidara/evidara-ai/internal/tool"
)

func TestEvaluate(t *testing.T) {
	cases := []struct {
		expr string
		want float64
	}{
		{"2+3", 5},
		{"(2+3)*4", 20},
		{"10/4", 2.5},
		{"2+3*4", 14},
		{"(1+2)*(3+4)", 21},
		{"-5+3", -2},
		{"-(2+3)", -5},
		{"  7 *  8 ", 56},
		{"2.5*4", 10},
		{"100-10-10", 80},
	}
	for _, tc := range cases {
		got, err := Evaluate(tc.expr)
		if err != nil {
			t.Errorf("Evaluate(%q) failed: %v", tc.expr, err)
			continue
		}
		if got != tc.want {
			t.Errorf("Evaluate(%q) = %v, want %v", tc.expr, got, tc.want)
		}
	}
}

func TestEvaluateErrors(t *testing.T) {
	for _, expr := range []string{"", "2+", "(2+3", "2++3a", "1/0", "abc", "2 3"} {
		if _, err := Evaluate(expr); err == nil {
			t.Errorf("Evaluate(%q) should fail", expr)
		}
	}
}

func TestCalcDispatch(t *testing.T) {
	registry := tool.NewRegistry(nil)
	if err := registry.Register(CalcSpec()); err != nil {
		t.Fatalf("Register: %v", err)
	}
	lin := tool.Lineage{ThreadID: "t1", RunID: "r1", ToolUseID: "u1"}

	env := registry.Dispatch(context.Background(), "calc", map[string]any{"expression": "(2+3)*4"}, lin)
	if env.Status != "ok" {
		t.Fatalf("Expected ok envelope, got %+v", env.Error)
	}
	data, _ := env.Data.(map[string]any)
	if v, _ := data["value"].(float64); v != 20 {
		t.Errorf("Expected value 20, got %v", data["value"])
	}
	if env.SourceMeta.Lineage != lin {
		t.Errorf("Expected lineage stamped, got %+v", env.SourceMeta.Lineage)
	}

	// Schema rejects a missing expression before the handler runs.
	env = registry.Dispatch(context.Background(), "calc", map[string]any{}, lin)
	if env.Status != "error" || env.Error.Code != tool.CodeValidation {
		t.Errorf("Expected VALIDATION_ERROR, got %+v", env.Error)
	}

	// Division by zero surfaces as a validation error, not a panic.
	env = registry.Dispatch(context.Background(), "calc", map[string]any{"expression": "1/0"}, lin)
	if env.Status != "error" || env.Error.Code != tool.CodeValidation {
		t.Errorf("Expected VALIDATION_ERROR for division by zero, got %+v", env.Error)
	}
}
