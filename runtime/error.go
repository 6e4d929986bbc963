package runtime

import (
	"errors"
	"fmt"
	"strings"
)

// ErrorKind classifies failures so callers can tell "the script is wrong"
// from "infrastructure is unavailable".
type ErrorKind string

const (
	// ErrorKindParse is a syntax error in flow source. Never recovered.
	ErrorKindParse ErrorKind = "parse"
	// ErrorKindEvaluation is a type mismatch, unresolved identifier or bad
	// builtin argument. Aborts the current block.
	ErrorKindEvaluation ErrorKind = "evaluation"
	// ErrorKindStorage is a collaborator failure reading or writing state.
	ErrorKindStorage ErrorKind = "storage"
	// ErrorKindAction is a failure inside an external action call.
	ErrorKindAction ErrorKind = "action"
	// ErrorKindConfig is an invalid bot definition or engine configuration.
	ErrorKindConfig ErrorKind = "config"
)

// Error codes used by the engine. Codes are informative; branch on Kind.
const (
	CodeStepNotFound     = "STEP_NOT_FOUND"
	CodeFlowNotFound     = "FLOW_NOT_FOUND"
	CodeBotNotFound      = "BOT_NOT_FOUND"
	CodeHookNotFound     = "HOOK_NOT_FOUND"
	CodeTooManyJumps     = "TOO_MANY_TRANSITIONS"
	CodeInvalidBlock     = "INVALID_BLOCK"
	CodeUnknownIdent     = "UNKNOWN_IDENTIFIER"
	CodeBadArgument      = "BAD_ARGUMENT"
	CodeSyntax           = "SYNTAX"
	CodeHoldCorrupt      = "HOLD_CORRUPT"
	CodeStorageFailure   = "STORAGE_FAILURE"
	CodeActionFailure    = "ACTION_FAILURE"
	CodeInvalidConfig    = "INVALID_CONFIG"
	CodeEvaluationFailed = "EVALUATION_FAILED"
)

// Position is a location in flow source. Line and Column are 1-based.
type Position struct {
	Offset int `json:"offset"`
	Line   int `json:"line"`
	Column int `json:"column"`
}

func (p Position) String() string {
	return fmt.Sprintf("%d:%d", p.Line, p.Column)
}

// IsValid reports whether the position was set.
func (p Position) IsValid() bool {
	return p.Line > 0
}

// Error is the canonical error type propagated by the parser, the
// interpreter and the turn manager. It is JSON-serializable so the HTTP
// layer can return it as-is.
type Error struct {
	Kind    ErrorKind      `json:"kind"`
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Flow    string         `json:"flow,omitempty"`
	Step    string         `json:"step,omitempty"`
	Pos     *Position      `json:"position,omitempty"`
	Cause   error          `json:"-"`
	Meta    map[string]any `json:"meta,omitempty"`
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString("[")
	b.WriteString(string(e.Kind))
	if e.Code != "" {
		b.WriteString("/")
		b.WriteString(e.Code)
	}
	b.WriteString("] ")
	if e.Flow != "" {
		b.WriteString(e.Flow)
		if e.Step != "" {
			b.WriteString(".")
			b.WriteString(e.Step)
		}
		if e.Pos != nil {
			b.WriteString(":")
			b.WriteString(e.Pos.String())
		}
		b.WriteString(": ")
	} else if e.Pos != nil {
		b.WriteString(e.Pos.String())
		b.WriteString(": ")
	}
	b.WriteString(e.Message)
	if e.Cause != nil {
		b.WriteString(": ")
		b.WriteString(e.Cause.Error())
	}
	return b.String()
}

// Unwrap returns the underlying error for errors.Is and errors.As
func (e *Error) Unwrap() error {
	return e.Cause
}

// WithMeta adds metadata to the error
func (e *Error) WithMeta(key string, value any) *Error {
	if e.Meta == nil {
		e.Meta = make(map[string]any)
	}
	e.Meta[key] = value
	return e
}

// At fills in the flow/step/position the error happened at, keeping any
// location already recorded closer to the failure.
func (e *Error) At(flow, step string, pos Position) *Error {
	if e.Flow == "" {
		e.Flow = flow
	}
	if e.Step == "" {
		e.Step = step
	}
	if e.Pos == nil && pos.IsValid() {
		p := pos
		e.Pos = &p
	}
	return e
}

// NewError creates an error of the given kind.
func NewError(kind ErrorKind, code, message string) *Error {
	return &Error{Kind: kind, Code: code, Message: message}
}

// ParseErrorf creates a parse error at pos.
func ParseErrorf(pos Position, format string, args ...any) *Error {
	p := pos
	return &Error{Kind: ErrorKindParse, Code: CodeSyntax, Message: fmt.Sprintf(format, args...), Pos: &p}
}

// EvalErrorf creates an evaluation error.
func EvalErrorf(format string, args ...any) *Error {
	return &Error{Kind: ErrorKindEvaluation, Code: CodeEvaluationFailed, Message: fmt.Sprintf(format, args...)}
}

// StorageError wraps a collaborator failure.
func StorageError(op string, err error) *Error {
	return &Error{Kind: ErrorKindStorage, Code: CodeStorageFailure, Message: op, Cause: err}
}

// ActionError wraps a failure of an external action.
func ActionError(action string, err error) *Error {
	return &Error{Kind: ErrorKindAction, Code: CodeActionFailure, Message: fmt.Sprintf("action %s failed", action), Cause: err}
}

// ConfigErrorf creates a configuration error.
func ConfigErrorf(format string, args ...any) *Error {
	return &Error{Kind: ErrorKindConfig, Code: CodeInvalidConfig, Message: fmt.Sprintf(format, args...)}
}

// AsError extracts the *Error from err's chain.
func AsError(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// IsKind reports whether err carries an *Error of the given kind.
func IsKind(err error, kind ErrorKind) bool {
	e, ok := AsError(err)
	return ok && e.Kind == kind
}

// ToMap converts the error to a map for JSON responses.
func (e *Error) ToMap() map[string]any {
	m := map[string]any{
		"kind":    string(e.Kind),
		"code":    e.Code,
		"message": e.Message,
	}
	if e.Flow != "" {
		m["flow"] = e.Flow
	}
	if e.Step != "" {
		m["step"] = e.Step
	}
	if e.Pos != nil {
		m["line"] = e.Pos.Line
		m["column"] = e.Pos.Column
	}
	if e.Cause != nil {
		m["cause"] = e.Cause.Error()
	}
	return m
}
