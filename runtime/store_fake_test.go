package runtime

import (
	"context"
	"fmt"
	"time"
)

// fakeStore is an in-memory Store for executor tests.
type fakeStore struct {
	holds         map[string]HoldState
	memories      map[string]map[string]Literal
	messages      []StoredMessage
	conversations map[string]*Conversation
	nextID        int

	failWriteHold  bool
	failAppendSend bool
}

var _ Store = (*fakeStore)(nil)

func newFakeStore() *fakeStore {
	return &fakeStore{
		holds:         make(map[string]HoldState),
		memories:      make(map[string]map[string]Literal),
		conversations: make(map[string]*Conversation),
	}
}

func (s *fakeStore) ReadHold(ctx context.Context, client Client) (*HoldState, error) {
	h, ok := s.holds[client.Key()]
	if !ok {
		return nil, nil
	}
	return &h, nil
}

func (s *fakeStore) WriteHold(ctx context.Context, client Client, hold HoldState) error {
	if s.failWriteHold {
		return fmt.Errorf("disk full")
	}
	s.holds[client.Key()] = hold
	return nil
}

func (s *fakeStore) DeleteHold(ctx context.Context, client Client) error {
	delete(s.holds, client.Key())
	return nil
}

func (s *fakeStore) LoadMemories(ctx context.Context, client Client) (map[string]Literal, error) {
	out := make(map[string]Literal)
	for k, v := range s.memories[client.Key()] {
		out[k] = v
	}
	return out, nil
}

func (s *fakeStore) PersistMemory(ctx context.Context, client Client, key string, value Literal) error {
	if s.memories[client.Key()] == nil {
		s.memories[client.Key()] = make(map[string]Literal)
	}
	s.memories[client.Key()][key] = value
	return nil
}

func (s *fakeStore) AppendMessages(ctx context.Context, messages []StoredMessage) error {
	if s.failAppendSend && len(messages) > 0 && messages[0].Direction == DirectionSend {
		return fmt.Errorf("connection reset")
	}
	s.messages = append(s.messages, messages...)
	return nil
}

func (s *fakeStore) ListMessages(ctx context.Context, client Client, limit int) (HistoryPage, error) {
	var page HistoryPage
	for _, m := range s.messages {
		if m.Client == client {
			page.Messages = append(page.Messages, m)
		}
	}
	if limit > 0 && len(page.Messages) > limit {
		page.Messages = page.Messages[len(page.Messages)-limit:]
	}
	return page, nil
}

func (s *fakeStore) GetOpenConversation(ctx context.Context, client Client) (*Conversation, error) {
	for _, c := range s.conversations {
		if c.Client == client && c.Status == ConversationOpen {
			return c, nil
		}
	}
	return nil, nil
}

func (s *fakeStore) CreateConversation(ctx context.Context, client Client, flowID, stepID string) (*Conversation, error) {
	s.nextID++
	now := time.Now()
	c := &Conversation{
		ID:        fmt.Sprintf("conv-%d", s.nextID),
		Client:    client,
		FlowID:    flowID,
		StepID:    stepID,
		Status:    ConversationOpen,
		CreatedAt: now,
		UpdatedAt: now,
	}
	s.conversations[c.ID] = c
	return c, nil
}

func (s *fakeStore) UpdateConversation(ctx context.Context, id, flowID, stepID string) error {
	c, ok := s.conversations[id]
	if !ok {
		return fmt.Errorf("conversation %s not found", id)
	}
	c.FlowID, c.StepID = flowID, stepID
	return nil
}

func (s *fakeStore) CloseConversation(ctx context.Context, id string) error {
	c, ok := s.conversations[id]
	if !ok {
		return fmt.Errorf("conversation %s not found", id)
	}
	c.Status = ConversationClosed
	return nil
}

func (s *fakeStore) CloseAllConversations(ctx context.Context, client Client) error {
	for _, c := range s.conversations {
		if c.Client == client {
			c.Status = ConversationClosed
		}
	}
	return nil
}

func (s *fakeStore) Close() error { return nil }

// sent returns the text of every outbound message, in order.
func (s *fakeStore) sent() []string {
	var out []string
	for _, m := range s.messages {
		if m.Direction == DirectionSend {
			out = append(out, m.Message.Content.Str)
		}
	}
	return out
}
