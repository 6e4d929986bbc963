package runtime

import "context"

// BotLoader loads bot manifests from files, and compiles or validates
// manifests received in memory.
type BotLoader interface {
	Extensions() []string
	Load(filePath string) (*Bot, error)
	Compile(def BotDefinition, baseDir string) (*Bot, error)
	Validate(def BotDefinition, baseDir string) ValidationReport
}

// ValidationReport is the outcome of validating a bot. Errors make the bot
// unusable; warnings point at transitions that will fail at run time.
type ValidationReport struct {
	Errors   []*Error `json:"errors"`
	Warnings []string `json:"warnings"`
}

// Valid reports whether the bot has no errors.
func (r ValidationReport) Valid() bool {
	return len(r.Errors) == 0
}

// StepExecutor executes the current step of an execution starting at the
// statement path resume, one index per nesting level; an empty path starts
// at the first statement. It returns the step's output and the path of the
// statement that stopped it (meaningful when the output is suspended).
type StepExecutor interface {
	ExecuteStep(execution *Execution, resume []int) (out TurnOutput, stoppedAt []int, err error)
}

// ActionCaller runs an action the builtins do not recognize.
type ActionCaller interface {
	CallAction(execution *Execution, name string, args Literal) (MessageType, error)
}

// HoldStore persists suspension points, keyed by client.
type HoldStore interface {
	ReadHold(ctx context.Context, client Client) (*HoldState, error)
	WriteHold(ctx context.Context, client Client, hold HoldState) error
	DeleteHold(ctx context.Context, client Client) error
}

// MemoryStore persists the durable variables written by `remember`.
type MemoryStore interface {
	LoadMemories(ctx context.Context, client Client) (map[string]Literal, error)
	PersistMemory(ctx context.Context, client Client, key string, value Literal) error
}

// MessageStore keeps the conversation history.
type MessageStore interface {
	AppendMessages(ctx context.Context, messages []StoredMessage) error
	// ListMessages returns the newest limit messages of the client, oldest
	// first. Records that cannot be decoded are skipped and counted.
	ListMessages(ctx context.Context, client Client, limit int) (HistoryPage, error)
}

// ConversationStore tracks the open conversation of each client.
type ConversationStore interface {
	GetOpenConversation(ctx context.Context, client Client) (*Conversation, error)
	CreateConversation(ctx context.Context, client Client, flowID, stepID string) (*Conversation, error)
	UpdateConversation(ctx context.Context, id, flowID, stepID string) error
	CloseConversation(ctx context.Context, id string) error
	CloseAllConversations(ctx context.Context, client Client) error
}

// Store is the full storage collaborator.
type Store interface {
	HoldStore
	MemoryStore
	MessageStore
	ConversationStore
	Close() error
}

// ClientLocker serializes turns of the same client. Stores that can
// guarantee a single interpretation pass per client implement it.
type ClientLocker interface {
	LockClient(client Client) (unlock func())
}
