package runtime

import (
	"context"
	"time"

	"github.com/google/uuid"
)

var _ context.Context = &Execution{}

// Execution is the conversation context of one turn. It is owned by a
// single interpretation call and never shared.
type Execution struct {
	ID             string
	Client         Client
	ConversationID string
	Bot            *Bot
	Flow           *Flow
	StepName       string
	// Event is the inbound message, set only when answering a prior ask
	// or hold.
	Event    *Event
	Memory   map[string]Literal
	StepVars map[string]Literal
	// Hold is the restored suspension point, if any.
	Hold   *HoldState
	Config Config
	ctx    context.Context // real context carrying deadline/cancellation
}

// context.Context implementation: delegates to the embedded ctx so that
// store calls and action calls see the caller's deadline.

func (e *Execution) Deadline() (deadline time.Time, ok bool) {
	return e.ctx.Deadline()
}

func (e *Execution) Done() <-chan struct{} {
	return e.ctx.Done()
}

func (e *Execution) Err() error {
	return e.ctx.Err()
}

func (e *Execution) Value(key any) any {
	k, ok := key.(string)
	if !ok {
		return e.ctx.Value(key)
	}

	v, found := e.Lookup(k)
	if !found {
		return e.ctx.Value(key)
	}
	return v.ToGo()
}

// WithContext returns a shallow copy of the Execution with a new embedded
// context. Mirrors the http.Request.WithContext pattern.
func (e *Execution) WithContext(ctx context.Context) *Execution {
	copy := *e
	copy.ctx = ctx
	return &copy
}

// NewExecution creates the context of a turn positioned at the start step of
// flow.
func NewExecution(ctx context.Context, bot *Bot, flow *Flow, client Client, config Config) *Execution {
	if ctx == nil {
		ctx = context.Background()
	}
	return &Execution{
		ID:       uuid.New().String(),
		Client:   client,
		Bot:      bot,
		Flow:     flow,
		StepName: DefaultStartStep,
		Memory:   make(map[string]Literal),
		StepVars: make(map[string]Literal),
		Config:   config,
		ctx:      ctx,
	}
}

// FlowName returns the name of the current flow.
func (e *Execution) FlowName() string {
	if e.Flow == nil {
		return ""
	}
	return e.Flow.Name
}

// Lookup resolves a variable: step variables shadow memories.
func (e *Execution) Lookup(name string) (Literal, bool) {
	if v, ok := e.StepVars[name]; ok {
		return v, true
	}
	if v, ok := e.Memory[name]; ok {
		return v, true
	}
	return Null, false
}

// SetStepVar binds a step-local variable.
func (e *Execution) SetStepVar(name string, value Literal) {
	if e.StepVars == nil {
		e.StepVars = make(map[string]Literal)
	}
	e.StepVars[name] = value
}

// Remember stores a memory so later statements of the same turn see it.
func (e *Execution) Remember(key string, value Literal) {
	if e.Memory == nil {
		e.Memory = make(map[string]Literal)
	}
	e.Memory[key] = value
}

// EnterStep moves to another step (and flow, when flow is not nil). Step
// variables and the inbound event belong to the step being left.
func (e *Execution) EnterStep(flow *Flow, step string) {
	if flow != nil {
		e.Flow = flow
	}
	e.StepName = step
	e.StepVars = make(map[string]Literal)
	e.Event = nil
	e.Hold = nil
}
