package dsl

import (
	"testing"

	"github.com/BDNK1/chatflow/runtime"
)

// say evaluates `say <src>` and returns the produced message.
func sayMessage(t *testing.T, b *Builtins, src string) (runtime.Message, error) {
	t.Helper()
	flow := mustParse(t, "start { say "+src+" }")
	say := stepOf(t, flow, "start")[0].(*runtime.SayStmt)
	mt, err := NewEvaluator(runtime.Config{}, b).Message(newTestExec(flow, testVars()), say.Expr)
	if err != nil {
		return runtime.Message{}, err
	}
	return mt.Message, nil
}

func TestBuiltins_Messages(t *testing.T) {
	tests := []struct {
		name        string
		src         string
		contentType string
		field       string
		want        runtime.Literal
	}{
		{"plain string", `"hi"`, runtime.ContentText, "text", runtime.String("hi")},
		{"number", `42`, runtime.ContentText, "text", runtime.String("42")},
		{"text", `text("hi {{ name }}")`, runtime.ContentText, "text", runtime.String("hi Ada")},
		{"url", `url("https://example.com", "docs")`, runtime.ContentURL, "text", runtime.String("docs")},
		{"image", `image("https://example.com/a.png")`, runtime.ContentImage, "url", runtime.String("https://example.com/a.png")},
		{"typing", `typing(1500)`, runtime.ContentTyping, "duration", runtime.Int(1500)},
		{"wait named", `wait(duration = 200)`, runtime.ContentWait, "duration", runtime.Int(200)},
		{"button", `button("Yes")`, runtime.ContentButton, "payload", runtime.String("Yes")},
		{"object", `{"a": 1}`, runtime.ContentObject, "a", runtime.Int(1)},
		{"camel case keyword", `Typing(10)`, runtime.ContentTyping, "duration", runtime.Int(10)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg, err := sayMessage(t, NewBuiltins(nil), tt.src)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if msg.ContentType != tt.contentType {
				t.Errorf("content type = %s, want %s", msg.ContentType, tt.contentType)
			}
			got, ok := msg.Content.Get(tt.field)
			if !ok || !got.Equal(tt.want) {
				t.Errorf("content.%s = %v, want %v", tt.field, got, tt.want)
			}
		})
	}
}

func TestBuiltins_Question(t *testing.T) {
	msg, err := sayMessage(t, NewBuiltins(nil), `question("Pick one", ["Red", {"title": "Blue", "payload": "b"}])`)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if msg.ContentType != runtime.ContentQuestion {
		t.Fatalf("content type = %s, want question", msg.ContentType)
	}
	if title, _ := msg.Content.Get("title"); title.Str != "Pick one" {
		t.Errorf("title = %v, want Pick one", title)
	}

	buttons, _ := msg.Content.Get("buttons")
	if len(buttons.Array) != 2 {
		t.Fatalf("buttons = %v, want 2", buttons)
	}
	if p, _ := buttons.Array[0].Get("payload"); p.Str != "Red" {
		t.Errorf("button 0 payload = %v, want Red", p)
	}
	if p, _ := buttons.Array[1].Get("payload"); p.Str != "b" {
		t.Errorf("button 1 payload = %v, want b", p)
	}
}

func TestBuiltins_BadArguments(t *testing.T) {
	tests := []struct {
		name string
		src  string
	}{
		{"url without string", `url(1)`},
		{"negative typing", `typing(-1)`},
		{"float wait", `wait(1.5)`},
		{"empty one_of", `one_of([])`},
		{"one_of scalar", `one_of("a")`},
		{"question without buttons", `question("Pick")`},
		{"question bad button", `question("Pick", [1])`},
		{"text without argument", `text()`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := sayMessage(t, NewBuiltins(nil), tt.src)
			rerr, ok := runtime.AsError(err)
			if !ok || rerr.Code != runtime.CodeBadArgument {
				t.Errorf("error = %v, want bad argument", err)
			}
		})
	}
}

func TestBuiltins_OneOfSeeded(t *testing.T) {
	src := `one_of(["a", "b", "c", "d"])`
	first, err := sayMessage(t, NewBuiltins(nil).WithSeed(7), src)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	second, err := sayMessage(t, NewBuiltins(nil).WithSeed(7), src)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !first.Content.Equal(second.Content) {
		t.Errorf("same seed picked %v and %v", first.Content, second.Content)
	}
}

func TestBuiltins_DottedNamesGoToActions(t *testing.T) {
	actions := &fakeActions{}
	_, err := sayMessage(t, NewBuiltins(actions), `ui.text("x")`)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(actions.calls) != 1 || actions.calls[0] != "ui.text" {
		t.Errorf("calls = %v, want [ui.text]", actions.calls)
	}
}

func TestIsBuiltin(t *testing.T) {
	tests := map[string]bool{
		"text":     true,
		"oneOf":    true,
		"one_of":   true,
		"OneOf":    true,
		"question": true,
		"lookup":   false,
		"api.text": false,
	}
	for name, want := range tests {
		if got := IsBuiltin(name); got != want {
			t.Errorf("IsBuiltin(%s) = %v, want %v", name, got, want)
		}
	}
}

func TestArgs_Literal(t *testing.T) {
	obj := runtime.Object(map[string]runtime.Literal{"id": runtime.Int(1)})
	if got := (Args{Positional: []runtime.Literal{obj}}).Literal(); !got.Equal(obj) {
		t.Errorf("single object = %v, want it passed as is", got)
	}

	got := Args{
		Positional: []runtime.Literal{runtime.Int(1)},
		Named:      map[string]runtime.Literal{"limit": runtime.Int(3)},
	}.Literal()
	if limit, _ := got.Get("limit"); limit.Int != 3 {
		t.Errorf("limit = %v, want 3", limit)
	}
	if args, _ := got.Get("args"); len(args.Array) != 1 {
		t.Errorf("args = %v, want one positional", args)
	}
}
