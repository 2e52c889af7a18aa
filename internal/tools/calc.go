// Package tools registers the built-in tool set: arithmetic plus the
// evidence-synthesis pipeline (classification, ledger, grading, gaps,
// reports).
package tools

import (
	"context"
	"fmt"
	"math"
	"strconv"
	"strings"
	"unicode"

	"github.com/evidara/evidara-ai/internal/tool"
)

// CalcSpec returns the calculator tool spec.
func CalcSpec() tool.Spec {
	return tool.Spec{
		Name: "calc",
		Description: "WHEN: the user needs an exact arithmetic result (dose math, ratios, percentages). " +
			"AVOID: anything beyond + - * / and parentheses. " +
			"CRITICAL_ARGS: expression (string, e.g. \"(2+3)*4\"). " +
			"RETURNS: aggregate envelope with data.value holding the numeric result. " +
			"FAILS_IF: the expression is malformed or divides by zero.",
		InputSchema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"expression": map[string]any{
					"type":        "string",
					"description": "Arithmetic expression using + - * / and parentheses",
				},
			},
			"required": []any{"expression"},
		},
		Source:  "calc",
		Handler: calcHandler,
	}
}

func calcHandler(ctx context.Context, payload map[string]any, lin tool.Lineage) (any, error) {
	expr, _ := payload["expression"].(string)
	if strings.TrimSpace(expr) == "" {
		return nil, tool.NewValidationError("expression must not be empty")
	}

	value, err := Evaluate(expr)
	if err != nil {
		return nil, tool.NewValidationError("cannot evaluate %q: %v", expr, err)
	}

	summary := fmt.Sprintf("%s = %s", strings.TrimSpace(expr), formatNumber(value))
	return tool.Make("calc", summary, tool.KindAggregate, lin, tool.MakeParams{
		Data: map[string]any{
			"expression": strings.TrimSpace(expr),
			"value":      value,
		},
	}), nil
}

func formatNumber(v float64) string {
	if v == math.Trunc(v) && math.Abs(v) < 1e15 {
		return strconv.FormatInt(int64(v), 10)
	}
	return strconv.FormatFloat(v, 'g', -1, 64)
}

// ─── Expression evaluation ────────────────────────────────────────────────────

// Evaluate computes an arithmetic expression with + - * /, parentheses, and
// unary minus, using standard precedence.
func Evaluate(expr string) (float64, error) {
	p := &exprParser{input: expr}
	v, err := p.parseExpr()
	if err != nil {
		return 0, err
	}
	p.skipSpace()
	if p.pos < len(p.input) {
		return 0, fmt.Errorf("unexpected %q at offset %d", p.input[p.pos], p.pos)
	}
	return v, nil
}

type exprParser struct {
	input string
	pos   int
}

func (p *exprParser) skipSpace() {
	for p.pos < len(p.input) && unicode.IsSpace(rune(p.input[p.pos])) {
		p.pos++
	}
}

func (p *exprParser) peek() byte {
	p.skipSpace()
	if p.pos >= len(p.input) {
		return 0
	}
	return p.input[p.pos]
}

// parseExpr handles + and -.
func (p *exprParser) parseExpr() (float64, error) {
	left, err := p.parseTerm()
	if err != nil {
		return 0, err
	}
	for {
		switch p.peek() {
		case '+':
			p.pos++
			right, err := p.parseTerm()
			if err != nil {
				return 0, err
			}
			left += right
		case '-':
			p.pos++
			right, err := p.parseTerm()
			if err != nil {
				return 0, err
			}
			left -= right
		default:
			return left, nil
		}
	}
}

// parseTerm handles * and /.
func (p *exprParser) parseTerm() (float64, error) {
	left, err := p.parseFactor()
	if err != nil {
		return 0, err
	}
	for {
		switch p.peek() {
		case '*':
			p.pos++
			right, err := p.parseFactor()
			if err != nil {
				return 0, err
			}
			left *= right
		case '/':
			p.pos++
			right, err := p.parseFactor()
			if err != nil {
				return 0, err
			}
			if right == 0 {
				return 0, fmt.Errorf("division by zero")
			}
			left /= right
		default:
			return left, nil
		}
	}
}

// parseFactor handles numbers, parentheses, and unary signs.
func (p *exprParser) parseFactor() (float64, error) {
	switch p.peek() {
	case 0:
		return 0, fmt.Errorf("unexpected end of expression")
	case '(':
		p.pos++
		v, err := p.parseExpr()
		if err != nil {
			return 0, err
		}
		if p.peek() != ')' {
			return 0, fmt.Errorf("missing closing parenthesis")
		}
		p.pos++
		return v, nil
	case '-':
		p.pos++
		v, err := p.parseFactor()
		return -v, err
	case '+':
		p.pos++
		return p.parseFactor()
	}
	return p.parseNumber()
}

func (p *exprParser) parseNumber() (float64, error) {
	p.skipSpace()
	start := p.pos
	for p.pos < len(p.input) {
		c := p.input[p.pos]
		if (c >= '0' && c <= '9') || c == '.' {
			p.pos++
			continue
		}
		break
	}
	if start == p.pos {
		return 0, fmt.Errorf("expected number at offset %d", start)
	}
	v, err := strconv.ParseFloat(p.input[start:p.pos], 64)
	if err != nil {
		return 0, fmt.Errorf("invalid number %q", p.input[start:p.pos])
	}
	return v, nil
}
