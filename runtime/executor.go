package runtime

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "github.com/BDNK1/chatflow/runtime"

// Executor runs turns: it executes the current step, follows transitions
// and persists suspension points, delegating statement execution to a
// StepExecutor.
type Executor struct {
	l            *slog.Logger
	config       Config
	stepExecutor StepExecutor
	store        Store

	tracer trace.Tracer
	turns  metric.Int64Counter
	holds  metric.Int64Counter
}

func NewExecutor(l *slog.Logger, config Config, stepExecutor StepExecutor, store Store) *Executor {
	if l == nil {
		l = slog.Default()
	}
	if config.MaxTransitions <= 0 {
		config.MaxTransitions = DefaultConfig().MaxTransitions
	}
	meter := otel.Meter(instrumentationName)
	turns, _ := meter.Int64Counter("chatflow.turns", metric.WithDescription("Turns interpreted"))
	holds, _ := meter.Int64Counter("chatflow.holds", metric.WithDescription("Suspension points written"))

	return &Executor{
		l:            l,
		config:       config,
		stepExecutor: stepExecutor,
		store:        store,
		tracer:       otel.Tracer(instrumentationName),
		turns:        turns,
		holds:        holds,
	}
}

// Config returns the engine configuration of the executor.
func (e *Executor) Config() Config {
	return e.config
}

// RunTurn executes the current step of exec, starting at the restored hold
// path if any, and follows transitions until a step suspends, the
// conversation ends, or a step finishes without a transition (which also
// ends the conversation). A suspended turn reports its resume path in
// HoldPath; writing the hold is left to the caller.
func (e *Executor) RunTurn(exec *Execution) (TurnOutput, error) {
	total := NewTurnOutput()
	var start []int
	if exec.Hold != nil {
		start = exec.Hold.ResumePath()
	}

	for transitions := 0; ; transitions++ {
		if transitions > e.config.MaxTransitions {
			err := NewError(ErrorKindEvaluation, CodeTooManyJumps,
				fmt.Sprintf("more than %d transitions in one turn", e.config.MaxTransitions))
			return total, err.At(exec.FlowName(), exec.StepName, Position{})
		}

		out, stoppedAt, err := e.executeStep(exec, start)
		if err != nil {
			return total, err
		}
		// the turn reports the transitions of the last step only
		total.ClearTransition()
		total.Merge(out)

		if out.Suspend != 0 {
			path := append([]int(nil), stoppedAt...)
			if len(path) == 0 {
				path = []int{0}
			}
			if out.Suspend == ResumeAfter {
				path[len(path)-1]++
			}
			total.HoldPath = path
			return total, nil
		}

		next, err := e.transition(exec, out)
		if err != nil {
			return total, err
		}
		if !next.ok {
			total.Ended = true
			e.l.InfoContext(exec, fmt.Sprintf("Conversation ended at step: %s", exec.StepName))
			return total, nil
		}
		start = next.path
	}
}

func (e *Executor) executeStep(exec *Execution, start []int) (TurnOutput, []int, error) {
	_, span := e.tracer.Start(exec, "step "+exec.StepName, trace.WithAttributes(
		attribute.String("chatflow.flow", exec.FlowName()),
		attribute.String("chatflow.step", exec.StepName),
		attribute.IntSlice("chatflow.start_path", start),
	))
	defer span.End()

	out, stoppedAt, err := e.stepExecutor.ExecuteStep(exec, start)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return out, stoppedAt, err
}

type nextStep struct {
	ok   bool
	path []int
}

// transition moves exec to the target recorded in out.
func (e *Executor) transition(exec *Execution, out TurnOutput) (nextStep, error) {
	switch {
	case out.NextFlow != "":
		flow, ok := exec.Bot.Flow(out.NextFlow)
		if !ok {
			err := NewError(ErrorKindEvaluation, CodeFlowNotFound, fmt.Sprintf("flow %s not found in bot %s", out.NextFlow, exec.Bot.ID))
			return nextStep{}, err.At(exec.FlowName(), exec.StepName, Position{})
		}
		step := DefaultStartStep
		if out.NextStep != "" {
			step = out.NextStep
		}
		e.l.InfoContext(exec, fmt.Sprintf("Switching to flow %s at step %s", flow.Name, step))
		exec.EnterStep(flow, step)
		return nextStep{ok: true}, nil

	case out.NextHook != "":
		ref, ok := exec.Flow.Hooks[out.NextHook]
		if !ok {
			err := NewError(ErrorKindEvaluation, CodeHookNotFound, fmt.Sprintf("hook @%s not found in flow %s", out.NextHook, exec.FlowName()))
			return nextStep{}, err.At(exec.FlowName(), exec.StepName, Position{})
		}
		e.l.InfoContext(exec, fmt.Sprintf("Jumping to hook @%s in step %s", out.NextHook, ref.Step))
		exec.EnterStep(nil, ref.Step)
		return nextStep{ok: true, path: []int{ref.Index}}, nil

	case out.NextStep != "":
		if _, ok := exec.Flow.Step(out.NextStep); !ok {
			if out.NextStep == EndStep {
				exec.StepName = EndStep
				return nextStep{}, nil
			}
			err := NewError(ErrorKindEvaluation, CodeStepNotFound, fmt.Sprintf("step %s not found in flow %s", out.NextStep, exec.FlowName()))
			return nextStep{}, err.At(exec.FlowName(), exec.StepName, Position{})
		}
		e.l.InfoContext(exec, fmt.Sprintf("Moving to step: %s", out.NextStep))
		exec.EnterStep(nil, out.NextStep)
		return nextStep{ok: true}, nil
	}
	return nextStep{}, nil
}

// HandleEvent is the per-event entry point. It finds or opens the client's
// conversation, restores memories and any hold, runs the turn and persists
// its effects.
func (e *Executor) HandleEvent(ctx context.Context, bot *Bot, client Client, event Event) (TurnOutput, error) {
	if err := ValidateStruct(client); err != nil {
		return TurnOutput{}, ConfigErrorf("invalid client: %v", err)
	}
	if locker, ok := e.store.(ClientLocker); ok {
		unlock := locker.LockClient(client)
		defer unlock()
	}

	ctx, span := e.tracer.Start(ctx, "chatflow.turn", trace.WithAttributes(
		attribute.String("chatflow.bot", bot.ID),
		attribute.String("chatflow.client", client.Key()),
	))
	defer span.End()
	started := time.Now()

	exec, conv, err := e.prepare(ctx, bot, client, event)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return TurnOutput{}, err
	}

	out, err := e.RunTurn(exec)
	e.turns.Add(ctx, 1, metric.WithAttributes(attribute.String("chatflow.bot", bot.ID), attribute.Bool("error", err != nil)))
	if err != nil {
		e.l.ErrorContext(exec, "Turn failed", "flow", exec.FlowName(), "step", exec.StepName, "error", err)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return TurnOutput{}, err
	}

	if err := e.persist(exec, conv, out); err != nil {
		span.RecordError(err)
		return TurnOutput{}, err
	}

	if e.config.Debug {
		e.l.InfoContext(exec, "Turn completed",
			"duration", time.Since(started),
			"messages", len(out.Messages),
			"ended", out.Ended)
	}
	return out, nil
}

// prepare builds the execution of a turn.
func (e *Executor) prepare(ctx context.Context, bot *Bot, client Client, event Event) (*Execution, *Conversation, error) {
	conv, err := e.store.GetOpenConversation(ctx, client)
	if err != nil {
		return nil, nil, StorageError("get open conversation", err)
	}

	// A trigger command always starts its flow over.
	flow, command := bot.CommandFlow(event.Text())
	if command && conv != nil {
		e.l.InfoContext(ctx, fmt.Sprintf("Command %q restarts conversation in flow %s", event.Text(), flow.Name))
		if err := e.store.CloseConversation(ctx, conv.ID); err != nil {
			return nil, nil, StorageError("close conversation", err)
		}
		if err := e.store.DeleteHold(ctx, client); err != nil {
			return nil, nil, StorageError("delete hold", err)
		}
		conv = nil
	}

	step := DefaultStartStep
	if conv != nil {
		f, ok := bot.Flow(conv.FlowID)
		if ok {
			flow = f
			step = conv.StepID
		} else {
			e.l.WarnContext(ctx, fmt.Sprintf("Flow %s of conversation %s no longer exists, restarting", conv.FlowID, conv.ID))
		}
	}
	if flow == nil {
		flow, err = bot.Default()
		if err != nil {
			return nil, nil, err
		}
	}
	if _, ok := flow.Step(step); !ok {
		step = DefaultStartStep
	}
	if conv == nil {
		conv, err = e.store.CreateConversation(ctx, client, flow.Name, step)
		if err != nil {
			return nil, nil, StorageError("create conversation", err)
		}
	}

	exec := NewExecution(ctx, bot, flow, client, e.config)
	exec.ConversationID = conv.ID
	exec.StepName = step

	memories, err := e.store.LoadMemories(exec, client)
	if err != nil {
		return nil, nil, StorageError("load memories", err)
	}
	if memories != nil {
		exec.Memory = memories
	}

	inbound := StoredMessage{
		ID:             uuid.New().String(),
		ConversationID: conv.ID,
		Client:         client,
		FlowID:         flow.Name,
		StepID:         step,
		Direction:      DirectionReceive,
		Message:        Message{ContentType: event.ContentType, Content: event.Content},
		CreatedAt:      time.Now().UTC(),
	}
	if err := e.store.AppendMessages(exec, []StoredMessage{inbound}); err != nil {
		return nil, nil, StorageError("append inbound message", err)
	}

	_, resumed, err := CheckForHold(exec, e.store)
	if err != nil {
		return nil, nil, err
	}
	if resumed {
		ev := event
		exec.Event = &ev
	}
	return exec, conv, nil
}

// persist stores the effects of a finished turn. The hold of a suspended
// turn is written only once its memories and messages are stored.
func (e *Executor) persist(exec *Execution, conv *Conversation, out TurnOutput) error {
	for _, m := range out.Memories {
		if err := e.store.PersistMemory(exec, exec.Client, m.Key, m.Value); err != nil {
			return StorageError("persist memory "+m.Key, err)
		}
	}

	if len(out.Messages) > 0 {
		now := time.Now().UTC()
		stored := make([]StoredMessage, 0, len(out.Messages))
		for _, m := range out.Messages {
			stored = append(stored, StoredMessage{
				ID:             uuid.New().String(),
				ConversationID: conv.ID,
				Client:         exec.Client,
				FlowID:         exec.FlowName(),
				StepID:         exec.StepName,
				Direction:      DirectionSend,
				Message:        m,
				CreatedAt:      now,
			})
		}
		if err := e.store.AppendMessages(exec, stored); err != nil {
			return StorageError("append messages", err)
		}
	}

	if out.Suspend != 0 {
		if err := SaveHold(exec, e.store, out.HoldPath); err != nil {
			return err
		}
		e.holds.Add(exec, 1)
		e.l.InfoContext(exec, fmt.Sprintf("Holding step %s at %v", exec.StepName, out.HoldPath))
	}

	if out.Ended {
		if err := e.store.CloseConversation(exec, conv.ID); err != nil {
			return StorageError("close conversation", err)
		}
		return nil
	}
	if err := e.store.UpdateConversation(exec, conv.ID, exec.FlowName(), exec.StepName); err != nil {
		return StorageError("update conversation", err)
	}
	return nil
}
