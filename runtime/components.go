package runtime

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"time"
)

// DefaultStartStep is the step every flow starts at and the step a stale
// hold resets to.
const DefaultStartStep = "start"

// EndStep is the implicit step that closes the conversation when a flow
// does not define a step of that name.
const EndStep = "end"

// HookRef locates a `@hook` marker inside a flow.
type HookRef struct {
	Step  string `json:"step"`
	Index int    `json:"index"`
}

// Flow is a parsed flow: its steps, hooks and the digest of the source it
// was parsed from.
type Flow struct {
	Name     string             `json:"name"`
	Commands []string           `json:"commands,omitempty"`
	Content  string             `json:"-"`
	Digest   string             `json:"digest"`
	Steps    map[string][]Expr  `json:"-"`
	Hooks    map[string]HookRef `json:"hooks,omitempty"`
}

// Step returns the statement list of the named step.
func (f *Flow) Step(name string) ([]Expr, bool) {
	stmts, ok := f.Steps[name]
	return stmts, ok
}

// StepNames returns the step names of the flow in no particular order.
func (f *Flow) StepNames() []string {
	names := make([]string, 0, len(f.Steps))
	for name := range f.Steps {
		names = append(names, name)
	}
	return names
}

// MatchesCommand reports whether text triggers this flow.
func (f *Flow) MatchesCommand(text string) bool {
	text = strings.TrimSpace(text)
	for _, cmd := range f.Commands {
		if strings.EqualFold(cmd, text) {
			return true
		}
	}
	return false
}

// ContentDigest is the hex SHA-256 of flow source. A hold saved against one
// digest is discarded once the flow content changes.
func ContentDigest(content string) string {
	sum := sha256.Sum256([]byte(content))
	return hex.EncodeToString(sum[:])
}

// Bot is a compiled bot: every flow parsed and addressable by name.
type Bot struct {
	ID          string           `json:"id"`
	Name        string           `json:"name"`
	DefaultFlow string           `json:"default_flow"`
	Flows       map[string]*Flow `json:"flows"`
}

// Flow returns the flow with the given name, matched case-insensitively.
func (b *Bot) Flow(name string) (*Flow, bool) {
	if f, ok := b.Flows[name]; ok {
		return f, true
	}
	for key, f := range b.Flows {
		if strings.EqualFold(key, name) {
			return f, true
		}
	}
	return nil, false
}

// Default returns the bot's default flow.
func (b *Bot) Default() (*Flow, error) {
	f, ok := b.Flow(b.DefaultFlow)
	if !ok {
		return nil, NewError(ErrorKindConfig, CodeFlowNotFound, "default flow "+b.DefaultFlow+" not found in bot "+b.ID)
	}
	return f, nil
}

// CommandFlow returns the flow whose trigger command is text.
func (b *Bot) CommandFlow(text string) (*Flow, bool) {
	for _, f := range b.Flows {
		if f.MatchesCommand(text) {
			return f, true
		}
	}
	return nil, false
}

// BotDefinition is the manifest a bot is compiled from.
type BotDefinition struct {
	ID          string           `yaml:"id" json:"id" validate:"required"`
	Name        string           `yaml:"name" json:"name"`
	DefaultFlow string           `yaml:"default_flow" json:"default_flow" validate:"required"`
	Flows       []FlowDefinition `yaml:"flows" json:"flows" validate:"required,min=1,dive"`
}

// FlowDefinition names one flow of a manifest. Exactly one of File and
// Content is set; File is resolved relative to the manifest.
type FlowDefinition struct {
	Name     string   `yaml:"name" json:"name" validate:"required"`
	Commands []string `yaml:"commands" json:"commands,omitempty"`
	File     string   `yaml:"file,omitempty" json:"file,omitempty" validate:"required_without=Content"`
	Content  string   `yaml:"content,omitempty" json:"content,omitempty" validate:"required_without=File"`
}

// Client identifies the end user a conversation belongs to. It is the key
// for every stored record.
type Client struct {
	BotID     string `json:"bot_id" validate:"required"`
	ChannelID string `json:"channel_id" validate:"required"`
	UserID    string `json:"user_id" validate:"required"`
}

// Key is the storage key of the client.
func (c Client) Key() string {
	return c.BotID + "/" + c.ChannelID + "/" + c.UserID
}

// Message content types produced by the builtins.
const (
	ContentText     = "text"
	ContentURL      = "url"
	ContentImage    = "image"
	ContentTyping   = "typing"
	ContentWait     = "wait"
	ContentQuestion = "question"
	ContentButton   = "button"
	ContentObject   = "object"
)

// Message is one outbound (or recorded inbound) chat message.
type Message struct {
	ContentType string  `json:"content_type"`
	Content     Literal `json:"content"`
}

// MessageKind tags a MessageType.
type MessageKind int

const (
	MessageEmpty MessageKind = iota
	MessageMsg
	MessageAssign
)

// MessageType is the effect of a single action: a message, a memory
// assignment, or nothing.
type MessageType struct {
	Kind    MessageKind
	Message Message
	Key     string
	Value   Literal
}

// Msg wraps a message as an effect.
func Msg(m Message) MessageType { return MessageType{Kind: MessageMsg, Message: m} }

// Assign creates a memory assignment effect.
func Assign(key string, value Literal) MessageType {
	return MessageType{Kind: MessageAssign, Key: key, Value: value}
}

// Empty is the no-op effect.
var Empty = MessageType{Kind: MessageEmpty}

// Memory is one memory assignment of a turn.
type Memory struct {
	Key   string  `json:"key"`
	Value Literal `json:"value"`
}

// SuspendMode says where a suspended step resumes relative to the statement
// that suspended it.
type SuspendMode int

const (
	// ResumeAfter resumes at the next top-level statement (hold).
	ResumeAfter SuspendMode = iota + 1
	// ResumeAt re-runs the suspending top-level statement (ask).
	ResumeAt
)

// TurnOutput accumulates the effects of executing statements.
type TurnOutput struct {
	Messages []Message `json:"messages"`
	Memories []Memory  `json:"memories,omitempty"`
	NextStep string    `json:"next_step,omitempty"`
	NextFlow string    `json:"next_flow,omitempty"`
	NextHook string    `json:"next_hook,omitempty"`
	// Ended is set when the conversation reached its end this turn.
	Ended bool `json:"conversation_end"`
	// Suspend is set when a hold or an unanswered ask stopped execution.
	Suspend SuspendMode `json:"-"`
	// HoldPath is the resume path of a suspended turn.
	HoldPath []int `json:"-"`
}

// NewTurnOutput returns an empty accumulator.
func NewTurnOutput() TurnOutput {
	return TurnOutput{Messages: []Message{}}
}

// HasTransition reports whether a goto has been recorded.
func (t *TurnOutput) HasTransition() bool {
	return t.NextStep != "" || t.NextFlow != "" || t.NextHook != ""
}

// Stopped reports whether no further statement of the current block may run.
func (t *TurnOutput) Stopped() bool {
	return t.HasTransition() || t.Suspend != 0
}

// AddMessage appends a message.
func (t *TurnOutput) AddMessage(m Message) {
	t.Messages = append(t.Messages, m)
}

// AddMemory records a memory assignment; a later write to the same key
// replaces the earlier one in place.
func (t *TurnOutput) AddMemory(key string, value Literal) {
	for i := range t.Memories {
		if t.Memories[i].Key == key {
			t.Memories[i].Value = value
			return
		}
	}
	t.Memories = append(t.Memories, Memory{Key: key, Value: value})
}

// Apply merges a single action effect.
func (t *TurnOutput) Apply(mt MessageType) {
	switch mt.Kind {
	case MessageMsg:
		t.AddMessage(mt.Message)
	case MessageAssign:
		t.AddMemory(mt.Key, mt.Value)
	}
}

// ClearTransition drops any recorded goto.
func (t *TurnOutput) ClearTransition() {
	t.NextStep, t.NextFlow, t.NextHook = "", "", ""
}

// Merge appends o to t: messages are concatenated, memories merged (o wins),
// and o's targets override t's when present.
func (t *TurnOutput) Merge(o TurnOutput) {
	t.Messages = append(t.Messages, o.Messages...)
	for _, m := range o.Memories {
		t.AddMemory(m.Key, m.Value)
	}
	if o.NextStep != "" {
		t.NextStep = o.NextStep
	}
	if o.NextFlow != "" {
		t.NextFlow = o.NextFlow
	}
	if o.NextHook != "" {
		t.NextHook = o.NextHook
	}
	if o.Suspend != 0 {
		t.Suspend = o.Suspend
	}
	t.Ended = t.Ended || o.Ended
}

// Combine returns the merge of a and b without modifying either.
func Combine(a, b TurnOutput) TurnOutput {
	out := a
	out.Messages = append([]Message{}, a.Messages...)
	out.Memories = append([]Memory(nil), a.Memories...)
	out.Merge(b)
	return out
}

// HoldState is the persisted suspension point of a client. Path locates
// the statement to resume at, one index per nesting level starting with
// the top-level statement of the step; Index repeats Path[0].
type HoldState struct {
	Index    int                `json:"index"`
	Path     []int              `json:"path,omitempty"`
	StepVars map[string]Literal `json:"step_vars"`
	Hash     string             `json:"hash"`
}

// ResumePath returns the path to resume at. Holds written without a path
// resume at their top-level index.
func (h *HoldState) ResumePath() []int {
	if len(h.Path) > 0 {
		return append([]int(nil), h.Path...)
	}
	return []int{h.Index}
}

// Event is the inbound message a turn is answering.
type Event struct {
	ContentType string  `json:"content_type"`
	Content     Literal `json:"content"`
}

// Text returns the text of a text event, or "".
func (e *Event) Text() string {
	if e == nil {
		return ""
	}
	if t, ok := e.Content.Get("text"); ok && t.Kind == KindString {
		return t.Str
	}
	if e.Content.Kind == KindString {
		return e.Content.Str
	}
	return ""
}

// Value is what the identifier `event` resolves to: the text of a text
// event, otherwise the whole content.
func (e *Event) Value() Literal {
	if e.ContentType == ContentText {
		if t := e.Text(); t != "" {
			return String(t)
		}
	}
	return e.Content
}

// Conversation is the stored record of one open or closed conversation.
type Conversation struct {
	ID        string    `json:"id"`
	Client    Client    `json:"client"`
	FlowID    string    `json:"flow_id"`
	StepID    string    `json:"step_id"`
	Status    string    `json:"status"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Conversation statuses.
const (
	ConversationOpen   = "OPEN"
	ConversationClosed = "CLOSED"
)

// Message directions for the history log.
const (
	DirectionReceive = "RECEIVE"
	DirectionSend    = "SEND"
)

// StoredMessage is a message in the conversation history.
type StoredMessage struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversation_id"`
	Client         Client    `json:"client"`
	FlowID         string    `json:"flow_id"`
	StepID         string    `json:"step_id"`
	Direction      string    `json:"direction"`
	Message        Message   `json:"message"`
	CreatedAt      time.Time `json:"created_at"`
}

// HistoryPage is the result of a history scan. Skipped counts records that
// could not be decoded and were left out.
type HistoryPage struct {
	Messages []StoredMessage `json:"messages"`
	Skipped  int             `json:"skipped"`
}
