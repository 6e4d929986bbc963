package dsl

import (
	"errors"
	"math/rand/v2"
	"strings"
	"sync"

	"github.com/BDNK1/chatflow/runtime"
	"github.com/iancoleman/strcase"
)

// Args are the evaluated arguments of a call.
type Args struct {
	Positional []runtime.Literal
	Named      map[string]runtime.Literal
}

// Get returns the argument named name, or the positional argument at index
// pos when no argument has that name.
func (a Args) Get(pos int, name string) (runtime.Literal, bool) {
	if v, ok := a.Named[name]; ok {
		return v, true
	}
	if pos >= 0 && pos < len(a.Positional) {
		return a.Positional[pos], true
	}
	return runtime.Null, false
}

// Literal packs the arguments into one object for external actions. A
// single positional object is passed as is; other positional arguments go
// under "args".
func (a Args) Literal() runtime.Literal {
	if len(a.Named) == 0 && len(a.Positional) == 1 && a.Positional[0].Kind == runtime.KindObject {
		return a.Positional[0]
	}
	obj := make(map[string]runtime.Literal, len(a.Named)+1)
	for k, v := range a.Named {
		obj[k] = v
	}
	if len(a.Positional) > 0 {
		obj["args"] = runtime.Array(a.Positional...)
	}
	return runtime.Object(obj)
}

type builtinFunc func(b *Builtins, args Args) (runtime.MessageType, error)

var builtinFuncs = map[string]builtinFunc{
	"text":     (*Builtins).text,
	"url":      (*Builtins).url,
	"image":    (*Builtins).image,
	"typing":   (*Builtins).typing,
	"wait":     (*Builtins).wait,
	"one_of":   (*Builtins).oneOf,
	"question": (*Builtins).question,
	"button":   (*Builtins).button,
}

// IsBuiltin reports whether name is one of the reserved action keywords.
func IsBuiltin(name string) bool {
	if strings.Contains(name, ".") {
		return false
	}
	_, ok := builtinFuncs[strcase.ToSnake(name)]
	return ok
}

// Builtins maps reserved action keywords to message constructors and
// forwards every other call to an external action.
type Builtins struct {
	actions runtime.ActionCaller

	mu  sync.Mutex
	rnd *rand.Rand
}

func NewBuiltins(actions runtime.ActionCaller) *Builtins {
	return &Builtins{
		actions: actions,
		rnd:     rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64())),
	}
}

// WithSeed makes one_of deterministic.
func (b *Builtins) WithSeed(seed uint64) *Builtins {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.rnd = rand.New(rand.NewPCG(seed, seed))
	return b
}

// Call dispatches a call by keyword. Keywords match in any case style:
// OneOf, oneOf and one_of are the same builtin. Dotted names always go to
// the external actions.
func (b *Builtins) Call(exec *runtime.Execution, name string, args Args) (runtime.MessageType, error) {
	if !strings.Contains(name, ".") {
		if fn, ok := builtinFuncs[strcase.ToSnake(name)]; ok {
			return fn(b, args)
		}
	}

	if b.actions == nil {
		err := runtime.EvalErrorf("unknown function %s", name)
		err.Code = runtime.CodeUnknownIdent
		return runtime.Empty, err
	}
	mt, err := b.actions.CallAction(exec, name, args.Literal())
	if err != nil {
		var rerr *runtime.Error
		if errors.As(err, &rerr) {
			return runtime.Empty, rerr
		}
		return runtime.Empty, runtime.ActionError(name, err)
	}
	return mt, nil
}

// Remember is the effect of `remember key = value`.
func Remember(key string, value runtime.Literal) runtime.MessageType {
	return runtime.Assign(key, value)
}

func (b *Builtins) text(args Args) (runtime.MessageType, error) {
	v, ok := args.Get(0, "text")
	if !ok {
		return runtime.Empty, badArgument("text", "missing text")
	}
	return runtime.Msg(textMessage(v.Text())), nil
}

func (b *Builtins) url(args Args) (runtime.MessageType, error) {
	u, ok := args.Get(0, "url")
	if !ok || u.Kind != runtime.KindString {
		return runtime.Empty, badArgument("url", "url must be a string")
	}
	content := map[string]runtime.Literal{"url": u}
	if t, ok := args.Get(1, "text"); ok {
		content["text"] = runtime.String(t.Text())
	}
	if t, ok := args.Named["title"]; ok {
		content["title"] = runtime.String(t.Text())
	}
	return runtime.Msg(runtime.Message{ContentType: runtime.ContentURL, Content: runtime.Object(content)}), nil
}

func (b *Builtins) image(args Args) (runtime.MessageType, error) {
	u, ok := args.Get(0, "url")
	if !ok || u.Kind != runtime.KindString {
		return runtime.Empty, badArgument("image", "url must be a string")
	}
	content := map[string]runtime.Literal{"url": u}
	return runtime.Msg(runtime.Message{ContentType: runtime.ContentImage, Content: runtime.Object(content)}), nil
}

func (b *Builtins) typing(args Args) (runtime.MessageType, error) {
	return durationMessage("typing", runtime.ContentTyping, args)
}

func (b *Builtins) wait(args Args) (runtime.MessageType, error) {
	return durationMessage("wait", runtime.ContentWait, args)
}

func durationMessage(keyword, contentType string, args Args) (runtime.MessageType, error) {
	d, ok := args.Get(0, "duration")
	if !ok || d.Kind != runtime.KindInt || d.Int < 0 {
		return runtime.Empty, badArgument(keyword, "duration must be a non-negative integer (milliseconds)")
	}
	content := map[string]runtime.Literal{"duration": d}
	return runtime.Msg(runtime.Message{ContentType: contentType, Content: runtime.Object(content)}), nil
}

// oneOf picks a random element of an array.
func (b *Builtins) oneOf(args Args) (runtime.MessageType, error) {
	list, ok := args.Get(0, "values")
	if !ok || list.Kind != runtime.KindArray || len(list.Array) == 0 {
		return runtime.Empty, badArgument("one_of", "expects a non-empty array")
	}
	b.mu.Lock()
	i := b.rnd.IntN(len(list.Array))
	b.mu.Unlock()
	return runtime.Msg(messageFor(list.Array[i])), nil
}

// question builds a multiple-choice prompt. Buttons are strings or objects
// with at least a title.
func (b *Builtins) question(args Args) (runtime.MessageType, error) {
	raw, ok := args.Named["buttons"]
	if !ok {
		raw, ok = args.Get(1, "buttons")
	}
	if !ok || raw.Kind != runtime.KindArray || len(raw.Array) == 0 {
		return runtime.Empty, badArgument("question", "buttons must be a non-empty array")
	}

	buttons := make([]runtime.Literal, 0, len(raw.Array))
	for _, item := range raw.Array {
		btn, err := toButton(item)
		if err != nil {
			return runtime.Empty, err
		}
		buttons = append(buttons, btn)
	}

	content := map[string]runtime.Literal{"buttons": runtime.Array(buttons...)}
	if title, ok := args.Get(0, "title"); ok && title.Kind != runtime.KindArray {
		content["title"] = runtime.String(title.Text())
	}
	return runtime.Msg(runtime.Message{ContentType: runtime.ContentQuestion, Content: runtime.Object(content)}), nil
}

func (b *Builtins) button(args Args) (runtime.MessageType, error) {
	title, ok := args.Get(0, "title")
	if !ok {
		return runtime.Empty, badArgument("button", "missing title")
	}
	payload, ok := args.Get(1, "payload")
	if !ok {
		payload = runtime.String(title.Text())
	}
	content := map[string]runtime.Literal{
		"title":   runtime.String(title.Text()),
		"payload": payload,
	}
	return runtime.Msg(runtime.Message{ContentType: runtime.ContentButton, Content: runtime.Object(content)}), nil
}

func toButton(item runtime.Literal) (runtime.Literal, error) {
	switch item.Kind {
	case runtime.KindString:
		return runtime.Object(map[string]runtime.Literal{"title": item, "payload": item}), nil
	case runtime.KindObject:
		title, ok := item.Get("title")
		if !ok {
			return runtime.Null, badArgument("question", "button object without title")
		}
		if _, ok := item.Get("payload"); ok {
			return item, nil
		}
		btn := make(map[string]runtime.Literal, len(item.Obj)+1)
		for k, v := range item.Obj {
			btn[k] = v
		}
		btn["payload"] = title
		return runtime.Object(btn), nil
	default:
		return runtime.Null, badArgument("question", "buttons must be strings or objects")
	}
}

// messageFor turns a plain value into a message: strings and scalars are
// text, objects carrying a text field are text, anything else is sent as
// an object.
func messageFor(v runtime.Literal) runtime.Message {
	switch v.Kind {
	case runtime.KindString, runtime.KindInt, runtime.KindFloat, runtime.KindBool, runtime.KindNull:
		return textMessage(v.Text())
	case runtime.KindObject:
		if t, ok := v.Get("text"); ok && t.Kind == runtime.KindString && len(v.Obj) == 1 {
			return textMessage(t.Str)
		}
	}
	return runtime.Message{ContentType: runtime.ContentObject, Content: v}
}

func textMessage(s string) runtime.Message {
	return runtime.Message{
		ContentType: runtime.ContentText,
		Content:     runtime.Object(map[string]runtime.Literal{"text": runtime.String(s)}),
	}
}

func badArgument(keyword, msg string) *runtime.Error {
	err := runtime.EvalErrorf("%s: %s", keyword, msg)
	err.Code = runtime.CodeBadArgument
	return err
}
