package store

import (
	"context"
	"sync"
	"time"

	"github.com/BDNK1/chatflow/runtime"
	"github.com/google/uuid"
)

var (
	_ runtime.Store        = &MemoryStore{}
	_ runtime.ClientLocker = &MemoryStore{}
)

// MemoryStore keeps everything in process memory. It backs the chat REPL
// and tests.
type MemoryStore struct {
	clientLocks

	mu            sync.Mutex
	holds         map[string]runtime.HoldState
	memories      map[string]map[string]runtime.Literal
	messages      map[string][]runtime.StoredMessage
	conversations map[string]*runtime.Conversation
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		holds:         make(map[string]runtime.HoldState),
		memories:      make(map[string]map[string]runtime.Literal),
		messages:      make(map[string][]runtime.StoredMessage),
		conversations: make(map[string]*runtime.Conversation),
	}
}

func (s *MemoryStore) ReadHold(_ context.Context, client runtime.Client) (*runtime.HoldState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	hold, ok := s.holds[client.Key()]
	if !ok {
		return nil, nil
	}
	return &hold, nil
}

func (s *MemoryStore) WriteHold(_ context.Context, client runtime.Client, hold runtime.HoldState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.holds[client.Key()] = hold
	return nil
}

func (s *MemoryStore) DeleteHold(_ context.Context, client runtime.Client) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.holds, client.Key())
	return nil
}

func (s *MemoryStore) LoadMemories(_ context.Context, client runtime.Client) (map[string]runtime.Literal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	result := make(map[string]runtime.Literal, len(s.memories[client.Key()]))
	for k, v := range s.memories[client.Key()] {
		result[k] = v
	}
	return result, nil
}

func (s *MemoryStore) PersistMemory(_ context.Context, client runtime.Client, key string, value runtime.Literal) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.memories[client.Key()]
	if !ok {
		m = make(map[string]runtime.Literal)
		s.memories[client.Key()] = m
	}
	m[key] = value
	return nil
}

func (s *MemoryStore) AppendMessages(_ context.Context, messages []runtime.StoredMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, m := range messages {
		s.messages[m.Client.Key()] = append(s.messages[m.Client.Key()], m)
	}
	return nil
}

// ListMessages returns the last limit messages of client, oldest first.
// A limit of zero or less returns all of them.
func (s *MemoryStore) ListMessages(_ context.Context, client runtime.Client, limit int) (runtime.HistoryPage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	all := s.messages[client.Key()]
	if limit > 0 && len(all) > limit {
		all = all[len(all)-limit:]
	}
	page := runtime.HistoryPage{Messages: make([]runtime.StoredMessage, len(all))}
	copy(page.Messages, all)
	return page, nil
}

func (s *MemoryStore) GetOpenConversation(_ context.Context, client runtime.Client) (*runtime.Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.conversations {
		if c.Client == client && c.Status == runtime.ConversationOpen {
			conv := *c
			return &conv, nil
		}
	}
	return nil, nil
}

func (s *MemoryStore) CreateConversation(_ context.Context, client runtime.Client, flowID, stepID string) (*runtime.Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now().UTC()
	conv := &runtime.Conversation{
		ID:        uuid.New().String(),
		Client:    client,
		FlowID:    flowID,
		StepID:    stepID,
		Status:    runtime.ConversationOpen,
		CreatedAt: now,
		UpdatedAt: now,
	}
	s.conversations[conv.ID] = conv
	result := *conv
	return &result, nil
}

func (s *MemoryStore) UpdateConversation(_ context.Context, id, flowID, stepID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	conv, ok := s.conversations[id]
	if !ok {
		return errConversationNotFound(id)
	}
	conv.FlowID = flowID
	conv.StepID = stepID
	conv.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *MemoryStore) CloseConversation(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	conv, ok := s.conversations[id]
	if !ok {
		return errConversationNotFound(id)
	}
	conv.Status = runtime.ConversationClosed
	conv.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *MemoryStore) CloseAllConversations(_ context.Context, client runtime.Client) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now().UTC()
	for _, c := range s.conversations {
		if c.Client == client && c.Status == runtime.ConversationOpen {
			c.Status = runtime.ConversationClosed
			c.UpdatedAt = now
		}
	}
	return nil
}

func (s *MemoryStore) Close() error {
	return nil
}
