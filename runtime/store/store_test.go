package store

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/BDNK1/chatflow/runtime"
)

var testClient = runtime.Client{BotID: "bot", ChannelID: "web", UserID: "u1"}

func openSQLite(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := OpenSQLiteStore(filepath.Join(t.TempDir(), "chatflow.db"), nil)
	if err != nil {
		t.Fatalf("open sqlite store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func stores(t *testing.T) map[string]runtime.Store {
	return map[string]runtime.Store{
		"memory": NewMemoryStore(),
		"sqlite": openSQLite(t),
	}
}

func TestStore_HoldRoundTrip(t *testing.T) {
	ctx := context.Background()
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			hold, err := s.ReadHold(ctx, testClient)
			if err != nil || hold != nil {
				t.Fatalf("expected no hold, got %v, %v", hold, err)
			}

			want := runtime.HoldState{
				Index:    2,
				Path:     []int{2, 0, 3},
				StepVars: map[string]runtime.Literal{"name": runtime.String("Ann")},
				Hash:     "abc",
			}
			if err := s.WriteHold(ctx, testClient, want); err != nil {
				t.Fatalf("write hold: %v", err)
			}
			got, err := s.ReadHold(ctx, testClient)
			if err != nil {
				t.Fatalf("read hold: %v", err)
			}
			if got == nil || got.Index != 2 || got.Hash != "abc" || !got.StepVars["name"].Equal(runtime.String("Ann")) {
				t.Fatalf("unexpected hold %+v", got)
			}
			if p := got.ResumePath(); len(p) != 3 || p[0] != 2 || p[1] != 0 || p[2] != 3 {
				t.Errorf("resume path = %v, want [2 0 3]", p)
			}

			if err := s.DeleteHold(ctx, testClient); err != nil {
				t.Fatalf("delete hold: %v", err)
			}
			if got, _ := s.ReadHold(ctx, testClient); got != nil {
				t.Errorf("hold still present after delete: %+v", got)
			}
		})
	}
}

func TestStore_Memories(t *testing.T) {
	ctx := context.Background()
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			if err := s.PersistMemory(ctx, testClient, "name", runtime.String("Ann")); err != nil {
				t.Fatalf("persist: %v", err)
			}
			if err := s.PersistMemory(ctx, testClient, "name", runtime.String("Bob")); err != nil {
				t.Fatalf("persist: %v", err)
			}
			if err := s.PersistMemory(ctx, testClient, "age", runtime.Int(30)); err != nil {
				t.Fatalf("persist: %v", err)
			}

			memories, err := s.LoadMemories(ctx, testClient)
			if err != nil {
				t.Fatalf("load: %v", err)
			}
			if len(memories) != 2 {
				t.Fatalf("expected 2 memories, got %d", len(memories))
			}
			if !memories["name"].Equal(runtime.String("Bob")) {
				t.Errorf("expected name Bob, got %s", memories["name"])
			}
			if !memories["age"].Equal(runtime.Int(30)) {
				t.Errorf("expected age 30, got %s", memories["age"])
			}

			other := runtime.Client{BotID: "bot", ChannelID: "web", UserID: "u2"}
			if m, _ := s.LoadMemories(ctx, other); len(m) != 0 {
				t.Errorf("memories leaked to another client: %v", m)
			}
		})
	}
}

func TestStore_Conversations(t *testing.T) {
	ctx := context.Background()
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			conv, err := s.CreateConversation(ctx, testClient, "main", "start")
			if err != nil {
				t.Fatalf("create: %v", err)
			}
			if err := s.UpdateConversation(ctx, conv.ID, "main", "ask_name"); err != nil {
				t.Fatalf("update: %v", err)
			}

			open, err := s.GetOpenConversation(ctx, testClient)
			if err != nil || open == nil {
				t.Fatalf("expected open conversation, got %v, %v", open, err)
			}
			if open.ID != conv.ID || open.StepID != "ask_name" || open.Status != runtime.ConversationOpen {
				t.Errorf("unexpected conversation %+v", open)
			}

			if err := s.CloseConversation(ctx, conv.ID); err != nil {
				t.Fatalf("close: %v", err)
			}
			if open, _ := s.GetOpenConversation(ctx, testClient); open != nil {
				t.Errorf("conversation still open: %+v", open)
			}

			if err := s.UpdateConversation(ctx, "missing", "main", "start"); err == nil {
				t.Error("expected error updating unknown conversation")
			}
		})
	}
}

func TestStore_CloseAllConversations(t *testing.T) {
	ctx := context.Background()
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			for i := 0; i < 2; i++ {
				if _, err := s.CreateConversation(ctx, testClient, "main", "start"); err != nil {
					t.Fatalf("create: %v", err)
				}
			}
			if err := s.CloseAllConversations(ctx, testClient); err != nil {
				t.Fatalf("close all: %v", err)
			}
			if open, _ := s.GetOpenConversation(ctx, testClient); open != nil {
				t.Errorf("conversation still open: %+v", open)
			}
		})
	}
}

func TestStore_ListMessages(t *testing.T) {
	ctx := context.Background()
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			var msgs []runtime.StoredMessage
			for _, text := range []string{"one", "two", "three"} {
				msgs = append(msgs, runtime.StoredMessage{
					ID:             "m-" + text,
					ConversationID: "c1",
					Client:         testClient,
					Direction:      runtime.DirectionSend,
					Message: runtime.Message{
						ContentType: runtime.ContentText,
						Content:     runtime.Object(map[string]runtime.Literal{"text": runtime.String(text)}),
					},
				})
			}
			if err := s.AppendMessages(ctx, msgs); err != nil {
				t.Fatalf("append: %v", err)
			}

			page, err := s.ListMessages(ctx, testClient, 2)
			if err != nil {
				t.Fatalf("list: %v", err)
			}
			if len(page.Messages) != 2 {
				t.Fatalf("expected 2 messages, got %d", len(page.Messages))
			}
			if page.Messages[0].ID != "m-two" || page.Messages[1].ID != "m-three" {
				t.Errorf("unexpected order: %s, %s", page.Messages[0].ID, page.Messages[1].ID)
			}
			text, _ := page.Messages[1].Message.Content.Get("text")
			if text.Str != "three" {
				t.Errorf("expected content three, got %s", text)
			}

			all, _ := s.ListMessages(ctx, testClient, 0)
			if len(all.Messages) != 3 {
				t.Errorf("expected 3 messages without limit, got %d", len(all.Messages))
			}
		})
	}
}

func TestSQLiteStore_ListMessagesSkipsCorruptRecords(t *testing.T) {
	ctx := context.Background()
	s := openSQLite(t)

	good := runtime.StoredMessage{
		ID:        "good",
		Client:    testClient,
		Direction: runtime.DirectionReceive,
		Message:   runtime.Message{ContentType: runtime.ContentText, Content: runtime.String("hi")},
	}
	if err := s.AppendMessages(ctx, []runtime.StoredMessage{good}); err != nil {
		t.Fatalf("append: %v", err)
	}
	_, err := s.DB().Exec(
		`INSERT INTO messages (id, conversation_id, client_key, bot_id, channel_id, user_id, direction, content_type, content, created_at)
		 VALUES ('bad', 'c1', ?, 'bot', 'web', 'u1', 'SEND', 'text', '{broken', '2024-01-01T00:00:00Z')`,
		testClient.Key())
	if err != nil {
		t.Fatalf("insert corrupt row: %v", err)
	}

	page, err := s.ListMessages(ctx, testClient, 10)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if page.Skipped != 1 {
		t.Errorf("expected 1 skipped record, got %d", page.Skipped)
	}
	if len(page.Messages) != 1 || page.Messages[0].ID != "good" {
		t.Errorf("expected only the good message, got %+v", page.Messages)
	}
}

func TestSQLiteStore_CorruptHold(t *testing.T) {
	ctx := context.Background()
	s := openSQLite(t)

	if _, err := s.DB().Exec(`INSERT INTO holds (client_key, state, updated_at) VALUES (?, 'nope', '')`, testClient.Key()); err != nil {
		t.Fatalf("insert: %v", err)
	}
	_, err := s.ReadHold(ctx, testClient)
	rerr, ok := runtime.AsError(err)
	if !ok || rerr.Code != runtime.CodeHoldCorrupt {
		t.Fatalf("expected hold corrupt error, got %v", err)
	}
}

func TestStore_LockClient(t *testing.T) {
	s := NewMemoryStore()
	unlock := s.LockClient(testClient)

	acquired := make(chan struct{})
	go func() {
		u := s.LockClient(testClient)
		close(acquired)
		u()
	}()

	other := s.LockClient(runtime.Client{BotID: "bot", ChannelID: "web", UserID: "u2"})
	other()

	select {
	case <-acquired:
		t.Fatal("second lock acquired while first is held")
	default:
	}
	unlock()
	<-acquired
}

func lockEntries(c *clientLocks) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.locks)
}

func TestStore_LockClientReleasesEntries(t *testing.T) {
	s := NewMemoryStore()
	for i := 0; i < 100; i++ {
		unlock := s.LockClient(runtime.Client{BotID: "bot", ChannelID: "web", UserID: fmt.Sprintf("u%d", i)})
		unlock()
	}
	if n := lockEntries(&s.clientLocks); n != 0 {
		t.Fatalf("lock entries = %d after every client unlocked, want 0", n)
	}

	unlock := s.LockClient(testClient)
	done := make(chan struct{})
	go func() {
		u := s.LockClient(testClient)
		u()
		close(done)
	}()
	// wait for the second turn to queue on the same entry
	for {
		s.clientLocks.mu.Lock()
		refs := s.clientLocks.locks[testClient.Key()].refs
		s.clientLocks.mu.Unlock()
		if refs == 2 {
			break
		}
		time.Sleep(time.Millisecond)
	}
	unlock()
	<-done
	if n := lockEntries(&s.clientLocks); n != 0 {
		t.Errorf("lock entries = %d after the waiting turn finished, want 0", n)
	}
}
