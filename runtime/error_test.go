package runtime

import (
	"errors"
	"fmt"
	"strings"
	"testing"
)

func TestError_Error(t *testing.T) {
	tests := []struct {
		name string
		err  *Error
		want string
	}{
		{
			"bare",
			EvalErrorf("unknown identifier %q", "x"),
			`[evaluation/EVALUATION_FAILED] unknown identifier "x"`,
		},
		{
			"located",
			EvalErrorf("boom").At("main", "start", Position{Line: 3, Column: 2}),
			"[evaluation/EVALUATION_FAILED] main.start:3:2: boom",
		},
		{
			"parse error",
			ParseErrorf(Position{Line: 1, Column: 5}, "unterminated string"),
			"[parse/SYNTAX] 1:5: unterminated string",
		},
		{
			"with cause",
			StorageError("write hold", errors.New("disk full")),
			"[storage/STORAGE_FAILURE] write hold: disk full",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.err.Error(); got != tt.want {
				t.Errorf("Error() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestError_AtKeepsInnermostLocation(t *testing.T) {
	err := EvalErrorf("boom").At("billing", "pay", Position{Line: 7, Column: 1})
	err.At("main", "start", Position{Line: 1, Column: 1})

	if err.Flow != "billing" || err.Step != "pay" || err.Pos.Line != 7 {
		t.Errorf("location = %s.%s:%v, want billing.pay:7", err.Flow, err.Step, err.Pos)
	}
}

func TestError_AtIgnoresInvalidPosition(t *testing.T) {
	err := EvalErrorf("boom").At("main", "start", Position{})
	if err.Pos != nil {
		t.Errorf("Pos = %v, want nil", err.Pos)
	}
}

func TestError_Unwrap(t *testing.T) {
	base := errors.New("connection refused")
	err := ActionError("crm.lookup", base)

	if !errors.Is(err, base) {
		t.Error("errors.Is does not find the cause")
	}

	wrapped := fmt.Errorf("turn failed: %w", err)
	rerr, ok := AsError(wrapped)
	if !ok || rerr.Kind != ErrorKindAction {
		t.Errorf("AsError(%v) = %v, %v", wrapped, rerr, ok)
	}
	if !IsKind(wrapped, ErrorKindAction) || IsKind(wrapped, ErrorKindStorage) {
		t.Error("IsKind does not follow the wrapped kind")
	}
	if _, ok := AsError(base); ok {
		t.Error("AsError matched a plain error")
	}
}

func TestError_WithMeta(t *testing.T) {
	err := ConfigErrorf("bad").WithMeta("field", "addr").WithMeta("value", 1)
	if err.Meta["field"] != "addr" || err.Meta["value"] != 1 {
		t.Errorf("Meta = %v", err.Meta)
	}
}

func TestError_ToMap(t *testing.T) {
	err := EvalErrorf("boom").At("main", "start", Position{Line: 2, Column: 4})
	err.Cause = errors.New("inner")
	m := err.ToMap()

	want := map[string]any{
		"kind":    "evaluation",
		"code":    CodeEvaluationFailed,
		"message": "boom",
		"flow":    "main",
		"step":    "start",
		"line":    2,
		"column":  4,
	}
	for k, v := range want {
		if m[k] != v {
			t.Errorf("%s = %v, want %v", k, m[k], v)
		}
	}
	if cause, _ := m["cause"].(string); !strings.Contains(cause, "inner") {
		t.Errorf("cause = %v, want inner", m["cause"])
	}
}
