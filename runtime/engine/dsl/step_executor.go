package dsl

import (
	"fmt"
	"log/slog"

	"github.com/BDNK1/chatflow/runtime"
)

var _ runtime.StepExecutor = &StepExecutor{}

// StepExecutor executes the current step of an execution with the
// flow-language interpreter.
type StepExecutor struct {
	interpreter *Interpreter
	l           *slog.Logger
}

// NewStepExecutor wires the evaluator, the builtins and the interpreter.
// actions receives every call that is not a builtin; it may be nil.
func NewStepExecutor(l *slog.Logger, config runtime.Config, actions runtime.ActionCaller) *StepExecutor {
	if l == nil {
		l = slog.Default()
	}
	eval := NewEvaluator(config, NewBuiltins(actions))
	return &StepExecutor{
		interpreter: NewInterpreter(l, eval),
		l:           l,
	}
}

func (e *StepExecutor) ExecuteStep(execution *runtime.Execution, resume []int) (runtime.TurnOutput, []int, error) {
	stmts, ok := execution.Flow.Step(execution.StepName)
	if !ok {
		return runtime.NewTurnOutput(), nil, runtime.NewError(runtime.ErrorKindEvaluation, runtime.CodeStepNotFound,
			fmt.Sprintf("step %s not found in flow %s", execution.StepName, execution.FlowName()))
	}

	if len(resume) > 1 || len(resume) == 1 && resume[0] > 0 {
		e.l.InfoContext(execution, fmt.Sprintf("Resuming step %s at %v", execution.StepName, resume))
	} else {
		e.l.InfoContext(execution, fmt.Sprintf("Executing step: %s", execution.StepName))
	}

	out, stoppedAt, err := e.interpreter.interpretFrom(execution, stmts, resume, 0)
	if err != nil {
		e.l.ErrorContext(execution, fmt.Sprintf("Error executing step %s", execution.StepName),
			"flow", execution.FlowName(),
			"error", err)
		return out, stoppedAt, err
	}
	return out, stoppedAt, nil
}
