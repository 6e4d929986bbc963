package dsl

import (
	"context"
	"testing"

	"github.com/BDNK1/chatflow/runtime"
	"github.com/BDNK1/chatflow/runtime/store"
)

type conversation struct {
	t        *testing.T
	bot      *runtime.Bot
	executor *runtime.Executor
	store    *store.MemoryStore
}

func newConversation(t *testing.T, manifest string) *conversation {
	t.Helper()
	bot, err := NewBotLoader(nil).Load(manifest)
	if err != nil {
		t.Fatalf("load %s: %v", manifest, err)
	}
	st := store.NewMemoryStore()
	config := runtime.DefaultConfig()
	return &conversation{
		t:        t,
		bot:      bot,
		executor: runtime.NewExecutor(nil, config, NewStepExecutor(nil, config, nil), st),
		store:    st,
	}
}

// newFlowConversation talks to a single-flow bot built from source.
func newFlowConversation(t *testing.T, source string) *conversation {
	t.Helper()
	flow := mustParse(t, source)
	bot := &runtime.Bot{ID: "bot", DefaultFlow: "main", Flows: map[string]*runtime.Flow{"main": flow}}
	st := store.NewMemoryStore()
	config := runtime.DefaultConfig()
	return &conversation{
		t:        t,
		bot:      bot,
		executor: runtime.NewExecutor(nil, config, NewStepExecutor(nil, config, nil), st),
		store:    st,
	}
}

func (c *conversation) send(text string) runtime.TurnOutput {
	c.t.Helper()
	out, err := c.executor.HandleEvent(context.Background(), c.bot, testClient, *textEvent(text))
	if err != nil {
		c.t.Fatalf("send %q: %v", text, err)
	}
	return out
}

func (c *conversation) position() (string, string) {
	conv, err := c.store.GetOpenConversation(context.Background(), testClient)
	if err != nil {
		c.t.Fatalf("get open conversation: %v", err)
	}
	if conv == nil {
		return "", ""
	}
	return conv.FlowID, conv.StepID
}

func lastMessage(out runtime.TurnOutput) runtime.Message {
	if len(out.Messages) == 0 {
		return runtime.Message{}
	}
	return out.Messages[len(out.Messages)-1]
}

func contains(list []string, s string) bool {
	for _, item := range list {
		if item == s {
			return true
		}
	}
	return false
}

func TestConversation_SupportBot(t *testing.T) {
	c := newConversation(t, "../../../examples/bot.yaml")

	out := c.send("hi")
	if got := texts(out); len(got) != 3 || got[0] != runtime.ContentTyping || got[2] != runtime.ContentQuestion {
		t.Fatalf("greeting = %v, want typing, greeting and question", got)
	}
	if flow, step := c.position(); flow != "main" || step != "ask_name" {
		t.Errorf("position = %s.%s, want main.ask_name", flow, step)
	}

	out = c.send("Ada")
	question := lastMessage(out)
	if title, _ := question.Content.Get("title"); title.Str != "How can I help, Ada?" {
		t.Errorf("menu title = %v", title)
	}
	if len(out.Memories) != 1 || out.Memories[0].Key != "name" {
		t.Errorf("memories = %v, want name", out.Memories)
	}

	out = c.send("Order status")
	if got := texts(out); !equalStrings(got, []string{"Send me your order number."}) {
		t.Errorf("order prompt = %v", got)
	}
	if flow, step := c.position(); flow != "main" || step != "order" {
		t.Errorf("position = %s.%s, want main.order", flow, step)
	}

	out = c.send("42")
	if got := texts(out); !contains(got, "Order 42 is on its way.") || !contains(got, "Bye Ada!") {
		t.Errorf("order answer = %v", got)
	}
	if !out.Ended {
		t.Error("conversation did not end at step end")
	}
	if flow, _ := c.position(); flow != "" {
		t.Errorf("conversation still open in flow %s", flow)
	}

	out = c.send("/feedback")
	if lastMessage(out).ContentType != runtime.ContentQuestion {
		t.Errorf("feedback prompt = %v", texts(out))
	}
	if flow, _ := c.position(); flow != "feedback" {
		t.Errorf("flow = %s, want feedback", flow)
	}

	out = c.send("5")
	got := texts(out)
	for _, want := range []string{"Thanks, glad you liked it!", "Your rating (5) was saved.", "Welcome back, Ada."} {
		if !contains(got, want) {
			t.Errorf("messages = %v, want %q", got, want)
		}
	}
	if flow, step := c.position(); flow != "main" || step != "menu" {
		t.Errorf("position = %s.%s, want main.menu", flow, step)
	}

	page, err := c.store.ListMessages(context.Background(), testClient, 0)
	if err != nil {
		t.Fatalf("list messages: %v", err)
	}
	if page.Skipped != 0 || len(page.Messages) < 12 {
		t.Errorf("history = %d messages (%d skipped)", len(page.Messages), page.Skipped)
	}
}

func TestConversation_HookLoopsBackToMenu(t *testing.T) {
	c := newConversation(t, "../../../examples/bot.yaml")
	c.send("hi")
	c.send("Skip")

	out := c.send("something else")
	got := texts(out)
	if len(got) != 2 || got[0] != "Sorry, I did not get that." || got[1] != runtime.ContentQuestion {
		t.Errorf("messages = %v, want apology then the menu again", got)
	}
	if title, _ := lastMessage(out).Content.Get("title"); title.Str != "How can I help, friend?" {
		t.Errorf("menu title = %v", title)
	}
}

func TestConversation_NestedSuspensions(t *testing.T) {
	tests := []struct {
		name   string
		source string
		turns  [][]string
	}{
		{
			name:   "hold inside if",
			source: `start { if (true) { say "a" hold say "b" } say "c" }`,
			turns:  [][]string{{"a"}, {"b", "c"}},
		},
		{
			name:   "hold inside import",
			source: `start { import sub say "c" } sub { say "a" hold say "b" }`,
			turns:  [][]string{{"a"}, {"b", "c"}},
		},
		{
			name: "ask inside if",
			source: `start {
	if (true) {
		say "intro"
		ask { say "q?" } response { remember answer = event say "got {{ answer }}" }
	}
	say "done"
}`,
			turns: [][]string{{"intro", "q?"}, {"got y", "done"}},
		},
		{
			name:   "two holds in nested branches",
			source: `start { if (true) { say "a" if (true) { hold say "b" } hold say "c" } say "d" }`,
			turns:  [][]string{{"a"}, {"b"}, {"c", "d"}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newFlowConversation(t, tt.source)
			for i, want := range tt.turns {
				out := c.send("y")
				if got := texts(out); !equalStrings(got, want) {
					t.Fatalf("turn %d messages = %v, want %v", i+1, got, want)
				}
			}
			if flow, _ := c.position(); flow != "" {
				t.Errorf("conversation still open in flow %s after the last turn", flow)
			}
		})
	}
}
