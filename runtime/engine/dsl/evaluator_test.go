package dsl

import (
	"context"
	"testing"

	"github.com/BDNK1/chatflow/runtime"
)

var testClient = runtime.Client{BotID: "bot", ChannelID: "web", UserID: "u1"}

// newTestExec returns an execution positioned at the start step of flow.
func newTestExec(flow *runtime.Flow, vars map[string]runtime.Literal) *runtime.Execution {
	bot := &runtime.Bot{ID: "bot", DefaultFlow: flow.Name, Flows: map[string]*runtime.Flow{flow.Name: flow}}
	exec := runtime.NewExecution(context.Background(), bot, flow, testClient, runtime.Config{MaxTransitions: 64})
	for k, v := range vars {
		exec.SetStepVar(k, v)
	}
	return exec
}

func textEvent(s string) *runtime.Event {
	return &runtime.Event{
		ContentType: runtime.ContentText,
		Content:     runtime.Object(map[string]runtime.Literal{"text": runtime.String(s)}),
	}
}

// parseValue parses src as the right-hand side of an assignment.
func parseValue(t *testing.T, src string) runtime.Expr {
	t.Helper()
	flow := mustParse(t, "start { x = "+src+" }")
	return stepOf(t, flow, "start")[0].(*runtime.AssignStmt).Expr
}

// parseCond parses src as an if guard.
func parseCond(t *testing.T, src string) runtime.Expr {
	t.Helper()
	flow := mustParse(t, "start { if ("+src+") { hold } }")
	return stepOf(t, flow, "start")[0].(*runtime.IfExpr).Cond
}

func testVars() map[string]runtime.Literal {
	return map[string]runtime.Literal{
		"name":  runtime.String("Ada"),
		"count": runtime.Int(0),
		"items": runtime.Array(runtime.String("a"), runtime.String("b")),
		"user": runtime.Object(map[string]runtime.Literal{
			"name": runtime.String("Ada"),
			"age":  runtime.Int(36),
		}),
	}
}

func TestEvaluator_Resolve(t *testing.T) {
	tests := []struct {
		name string
		src  string
		want runtime.Literal
	}{
		{"precedence", `1 + 2 * 3`, runtime.Int(7)},
		{"exact division", `6 / 3`, runtime.Int(2)},
		{"inexact division", `7 / 2`, runtime.Float(3.5)},
		{"mixed", `1 + 0.5`, runtime.Float(1.5)},
		{"concat", `"a" + "b"`, runtime.String("ab")},
		{"identifier", `name`, runtime.String("Ada")},
		{"path", `user.age`, runtime.Int(36)},
		{"index", `items[1]`, runtime.String("b")},
		{"string index", `user["name"]`, runtime.String("Ada")},
		{"interpolation", `"Hi {{ user.name }}!"`, runtime.String("Hi Ada!")},
		{"greater", `5 > 3`, runtime.Bool(true)},
		{"string equality", `"a" == "a"`, runtime.Bool(true)},
		{"cross kind equality", `1 == "1"`, runtime.Bool(false)},
		{"int float equality", `1 == 1.0`, runtime.Bool(true)},
		{"not equal", `name != "Bob"`, runtime.Bool(true)},
		{"comparison with missing operand", `missing > 3`, runtime.Bool(false)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			exec := newTestExec(mustParse(t, "start { hold }"), testVars())
			eval := NewEvaluator(runtime.Config{}, nil)

			got, err := eval.Resolve(exec, parseValue(t, tt.src))
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if !got.Equal(tt.want) || got.Kind != tt.want.Kind {
				t.Errorf("Resolve(%s) = %v (%s), want %v (%s)", tt.src, got, got.Kind, tt.want, tt.want.Kind)
			}
		})
	}
}

func TestEvaluator_ResolveErrors(t *testing.T) {
	tests := []struct {
		name string
		src  string
		code string
	}{
		{"add string to int", `5 + "x"`, ""},
		{"division by zero", `1 / 0`, ""},
		{"unknown identifier", `missing`, runtime.CodeUnknownIdent},
		{"unknown path", `user.email`, runtime.CodeUnknownIdent},
		{"index out of range", `items[5]`, runtime.CodeUnknownIdent},
		{"arithmetic with missing operand", `missing + 1`, runtime.CodeUnknownIdent},
		{"ordering across kinds", `"a" > 1`, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			exec := newTestExec(mustParse(t, "start { hold }"), testVars())
			eval := NewEvaluator(runtime.Config{}, nil)

			_, err := eval.Resolve(exec, parseValue(t, tt.src))
			if err == nil {
				t.Fatalf("Resolve(%s) succeeded, want error", tt.src)
			}
			if !runtime.IsKind(err, runtime.ErrorKindEvaluation) {
				t.Errorf("error %v is not an evaluation error", err)
			}
			if tt.code != "" {
				if rerr, _ := runtime.AsError(err); rerr.Code != tt.code {
					t.Errorf("code = %s, want %s", rerr.Code, tt.code)
				}
			}
		})
	}
}

func TestEvaluator_Logic(t *testing.T) {
	tests := []struct {
		src    string
		want   bool
		legacy bool
	}{
		{`true || false`, true, true},
		{`false || false`, false, true},
		{`missing || true`, true, true},
		{`missing || missing`, false, false},
		{`0 || ""`, false, true},
		{`true && true`, true, true},
		{`false && true`, false, true},
		{`true && missing`, false, false},
		{`name == "Ada" and user.age > 30`, true, true},
		{`name == "Bob" or count`, false, true},
	}

	for _, tt := range tests {
		t.Run(tt.src, func(t *testing.T) {
			exec := newTestExec(mustParse(t, "start { hold }"), testVars())
			expr := parseValue(t, tt.src)

			got, err := NewEvaluator(runtime.Config{}, nil).Resolve(exec, expr)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got.Bool != tt.want {
				t.Errorf("default logic: %s = %v, want %v", tt.src, got.Bool, tt.want)
			}

			got, err = NewEvaluator(runtime.Config{LegacyLogic: true}, nil).Resolve(exec, expr)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got.Bool != tt.legacy {
				t.Errorf("legacy logic: %s = %v, want %v", tt.src, got.Bool, tt.legacy)
			}
		})
	}
}

func TestEvaluator_ValidCondition(t *testing.T) {
	tests := []struct {
		name   string
		src    string
		want   bool
		legacy bool
	}{
		{"bound identifier", `name`, true, true},
		{"identifier bound to zero", `count`, true, true},
		{"unbound identifier", `missing`, false, false},
		{"bound path", `user.name`, true, true},
		{"unbound path", `user.email`, false, false},
		{"true comparison", `user.age >= 36`, true, true},
		{"false comparison", `user.age < 36`, false, false},
		{"failing arithmetic", `5 + "x"`, false, false},
		{"truthy arithmetic", `1 + 1`, true, true},
		{"falsy arithmetic", `1 - 1`, false, true},
		{"literal", `""`, false, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			exec := newTestExec(mustParse(t, "start { hold }"), testVars())
			cond := parseCond(t, tt.src)

			if got := NewEvaluator(runtime.Config{}, nil).ValidCondition(exec, cond); got != tt.want {
				t.Errorf("default: ValidCondition(%s) = %v, want %v", tt.src, got, tt.want)
			}
			if got := NewEvaluator(runtime.Config{LegacyLogic: true}, nil).ValidCondition(exec, cond); got != tt.legacy {
				t.Errorf("legacy: ValidCondition(%s) = %v, want %v", tt.src, got, tt.legacy)
			}
		})
	}
}

func TestEvaluator_Event(t *testing.T) {
	exec := newTestExec(mustParse(t, "start { hold }"), nil)
	eval := NewEvaluator(runtime.Config{}, nil)

	if eval.ValidCondition(exec, parseCond(t, `event`)) {
		t.Error("event resolved without an inbound event")
	}

	exec.Event = textEvent("yes")
	if !eval.ValidCondition(exec, parseCond(t, `event == "yes"`)) {
		t.Error(`event == "yes" is false for a "yes" text event`)
	}
	v, err := eval.Resolve(exec, parseValue(t, `event.text`))
	if err != nil || v.Str != "yes" {
		t.Errorf("event.text = %v, %v; want yes", v, err)
	}

	exec.Event = &runtime.Event{
		ContentType: "location",
		Content:     runtime.Object(map[string]runtime.Literal{"lat": runtime.Float(48.85)}),
	}
	if !eval.ValidCondition(exec, parseCond(t, `event.lat > 48`)) {
		t.Error("event.lat > 48 is false for a location event")
	}
}

func TestEvaluator_MessageBindsAs(t *testing.T) {
	exec := newTestExec(mustParse(t, "start { hold }"), nil)
	eval := NewEvaluator(runtime.Config{}, NewBuiltins(nil))

	flow := mustParse(t, `start { say url("https://example.com", "docs") as link }`)
	say := stepOf(t, flow, "start")[0].(*runtime.SayStmt)

	mt, err := eval.Message(exec, say.Expr)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if mt.Kind != runtime.MessageMsg || mt.Message.ContentType != runtime.ContentURL {
		t.Fatalf("message = %+v, want url message", mt)
	}
	link, ok := exec.Lookup("link")
	if !ok {
		t.Fatal("link not bound")
	}
	if u, _ := link.Get("url"); u.Str != "https://example.com" {
		t.Errorf("link.url = %v, want https://example.com", u)
	}
}

func TestEvaluator_UnknownFunction(t *testing.T) {
	exec := newTestExec(mustParse(t, "start { hold }"), nil)
	eval := NewEvaluator(runtime.Config{}, NewBuiltins(nil))

	_, err := eval.Resolve(exec, parseValue(t, `lookup(1)`))
	rerr, ok := runtime.AsError(err)
	if !ok || rerr.Code != runtime.CodeUnknownIdent {
		t.Errorf("error = %v, want unknown identifier", err)
	}
}
