package dsl

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/BDNK1/chatflow/runtime"
)

// maxImportDepth bounds nested `import` statements so that a step importing
// itself fails instead of overflowing the stack.
const maxImportDepth = 32

// Interpreter executes statement blocks against an execution.
type Interpreter struct {
	l    *slog.Logger
	eval *Evaluator
}

func NewInterpreter(l *slog.Logger, eval *Evaluator) *Interpreter {
	if l == nil {
		l = slog.Default()
	}
	return &Interpreter{l: l, eval: eval}
}

// InterpretBlock executes stmts in order and returns their combined output.
// Execution stops after the first statement that records a transition or a
// suspension. An error aborts the block; the partial output is discarded.
func (in *Interpreter) InterpretBlock(exec *runtime.Execution, stmts []runtime.Expr) (runtime.TurnOutput, error) {
	out, _, err := in.interpretFrom(exec, stmts, nil, 0)
	return out, err
}

// interpretFrom runs stmts starting at the path resume: resume[0] is the
// index of the first statement to run and resume[1:] is handed to that
// statement to continue inside it. An empty path starts at the top.
//
// at is the path of the statement that stopped the block, one index per
// nesting level, or the single index len(stmts) when the block ran to the
// end.
func (in *Interpreter) interpretFrom(exec *runtime.Execution, stmts []runtime.Expr, resume []int, depth int) (out runtime.TurnOutput, at []int, err error) {
	out = runtime.NewTurnOutput()
	start := 0
	var inner []int
	if len(resume) > 0 {
		start, inner = resume[0], resume[1:]
		if start < 0 || start > len(stmts) {
			return out, nil, corruptPath(resume)
		}
	}
	for i := start; i < len(stmts); i++ {
		var r []int
		if i == start {
			r = inner
		}
		sub, err := in.statement(exec, stmts[i], &out, r, depth)
		if err != nil {
			return runtime.NewTurnOutput(), nil, locate(exec, stmts[i], err)
		}
		if out.Stopped() {
			return out, append([]int{i}, sub...), nil
		}
	}
	return out, []int{len(stmts)}, nil
}

// statement runs one statement, continuing inside it along resume. It
// returns the path below the statement at which execution stopped; nil
// means the statement itself stopped it.
func (in *Interpreter) statement(exec *runtime.Execution, stmt runtime.Expr, out *runtime.TurnOutput, resume []int, depth int) ([]int, error) {
	switch s := stmt.(type) {
	case *runtime.ImportStmt:
		return in.importStep(exec, s, out, resume, depth)
	case *runtime.IfExpr:
		return in.conditional(exec, s, out, resume, depth)
	case *runtime.BlockExpr:
		return in.block(exec, s, out, resume, depth)
	}
	if len(resume) > 0 {
		return nil, corruptPath(resume)
	}

	switch s := stmt.(type) {
	case *runtime.SayStmt:
		mt, err := in.eval.Message(exec, s.Expr)
		if err != nil {
			return nil, err
		}
		apply(exec, out, mt)

	case *runtime.UseStmt:
		mt, err := in.eval.Message(exec, s.Expr)
		if err != nil {
			return nil, err
		}
		if mt.Kind == runtime.MessageAssign {
			apply(exec, out, mt)
		}

	case *runtime.RememberStmt:
		v, err := in.eval.Resolve(exec, s.Expr)
		if err != nil {
			return nil, err
		}
		apply(exec, out, Remember(s.Name, v))

	case *runtime.AssignStmt:
		v, err := in.eval.Resolve(exec, s.Expr)
		if err != nil {
			return nil, err
		}
		if exec.StepVars == nil {
			exec.StepVars = make(map[string]runtime.Literal)
		}
		NewValueStore(exec.StepVars).Set(s.Target, v)

	case *runtime.GotoStmt:
		switch s.Kind {
		case runtime.GotoFlow:
			out.NextFlow = s.Name
		case runtime.GotoHook:
			out.NextHook = s.Name
		default:
			out.NextStep = s.Name
		}

	case *runtime.HoldStmt:
		out.Suspend = runtime.ResumeAfter

	case *runtime.HookExpr:
		// position marker only

	default:
		err := runtime.EvalErrorf("%T is not a statement", stmt)
		err.Code = runtime.CodeInvalidBlock
		return nil, err
	}
	return nil, nil
}

// conditional runs the first branch whose guard holds. The stop path
// starts with the branch index, so a resumed turn re-enters that branch
// without evaluating the guards again.
func (in *Interpreter) conditional(exec *runtime.Execution, s *runtime.IfExpr, out *runtime.TurnOutput, resume []int, depth int) ([]int, error) {
	branches := branchesOf(s)
	if len(resume) > 0 {
		b := resume[0]
		if b < 0 || b >= len(branches) {
			return nil, corruptPath(resume)
		}
		at, err := in.merge(exec, branches[b].body, out, resume[1:], depth)
		return append([]int{b}, at...), err
	}

	for b, br := range branches {
		if br.cond != nil && !in.eval.ValidCondition(exec, br.cond) {
			continue
		}
		at, err := in.merge(exec, br.body, out, nil, depth)
		return append([]int{b}, at...), err
	}
	return nil, nil
}

type branch struct {
	cond runtime.Expr
	body []runtime.Expr
}

// branchesOf flattens an if/else-if/else chain. The else branch has no
// condition.
func branchesOf(s *runtime.IfExpr) []branch {
	var branches []branch
	for s != nil {
		branches = append(branches, branch{cond: s.Cond, body: s.Consequence})
		if s.Else == nil {
			break
		}
		if s.Else.If == nil {
			branches = append(branches, branch{body: s.Else.Block})
			break
		}
		s = s.Else.If
	}
	return branches
}

func (in *Interpreter) block(exec *runtime.Execution, b *runtime.BlockExpr, out *runtime.TurnOutput, resume []int, depth int) ([]int, error) {
	switch b.Kind {
	case runtime.BlockPlain, runtime.BlockResponse:
		return in.merge(exec, b.Body, out, resume, depth)
	case runtime.BlockAsk:
		return in.ask(exec, b, out, resume, depth)
	}

	// Ask/Response group: the ask half runs when no event is waiting, the
	// response half consumes the event.
	askAt, responseAt := -1, -1
	for i, child := range b.Body {
		sub, ok := child.(*runtime.BlockExpr)
		if !ok || (sub.Kind != runtime.BlockAsk && sub.Kind != runtime.BlockResponse) {
			err := runtime.EvalErrorf("sub block arg must be of recognized block type")
			err.Code = runtime.CodeInvalidBlock
			return nil, err
		}
		if sub.Kind == runtime.BlockAsk {
			askAt = i
		} else {
			responseAt = i
		}
	}

	// a path into a half continues a hold inside that half
	if len(resume) > 0 {
		c := resume[0]
		switch {
		case c == askAt && c >= 0:
			return in.askHalf(exec, b, askAt, out, resume[1:], depth)
		case c == responseAt && c >= 0:
			return in.responseHalf(exec, b, responseAt, out, resume[1:], depth)
		}
		return nil, corruptPath(resume)
	}

	if exec.Event == nil {
		if askAt < 0 {
			return nil, nil
		}
		return in.askHalf(exec, b, askAt, out, nil, depth)
	}

	if responseAt < 0 {
		exec.Event = nil
		in.l.DebugContext(exec, "Event consumed by ask without response", "flow", exec.FlowName(), "step", exec.StepName)
		return nil, nil
	}
	in.l.DebugContext(exec, fmt.Sprintf("Answering ask in step %s", exec.StepName))
	return in.responseHalf(exec, b, responseAt, out, nil, depth)
}

// askHalf runs the ask half of a group. An ask waiting for its answer
// stops at the group itself, so the next event reaches the response half.
func (in *Interpreter) askHalf(exec *runtime.Execution, group *runtime.BlockExpr, i int, out *runtime.TurnOutput, resume []int, depth int) ([]int, error) {
	at, err := in.ask(exec, group.Body[i].(*runtime.BlockExpr), out, resume, depth)
	if err != nil || at == nil {
		return nil, err
	}
	return append([]int{i}, at...), nil
}

func (in *Interpreter) responseHalf(exec *runtime.Execution, group *runtime.BlockExpr, i int, out *runtime.TurnOutput, resume []int, depth int) ([]int, error) {
	event := exec.Event
	at, err := in.merge(exec, group.Body[i].(*runtime.BlockExpr).Body, out, resume, depth)
	// an answered ask never sees the same event twice
	if exec.Event == event {
		exec.Event = nil
	}
	return append([]int{i}, at...), err
}

// ask runs an ask body and suspends the turn at the enclosing statement,
// unless the body moved elsewhere. It returns nil when the ask itself
// suspended.
func (in *Interpreter) ask(exec *runtime.Execution, b *runtime.BlockExpr, out *runtime.TurnOutput, resume []int, depth int) ([]int, error) {
	at, err := in.merge(exec, b.Body, out, resume, depth)
	if err != nil {
		return nil, err
	}
	if !out.HasTransition() && out.Suspend == 0 {
		out.Suspend = runtime.ResumeAt
		return nil, nil
	}
	return at, nil
}

func (in *Interpreter) importStep(exec *runtime.Execution, s *runtime.ImportStmt, out *runtime.TurnOutput, resume []int, depth int) ([]int, error) {
	stmts, ok := exec.Flow.Step(s.Step)
	if !ok {
		err := runtime.NewError(runtime.ErrorKindEvaluation, runtime.CodeStepNotFound,
			fmt.Sprintf("step %s not found in flow %s", s.Step, exec.FlowName()))
		return nil, err
	}
	if depth >= maxImportDepth {
		err := runtime.EvalErrorf("import of step %s nested deeper than %d", s.Step, maxImportDepth)
		err.Code = runtime.CodeInvalidBlock
		return nil, err
	}
	return in.merge(exec, stmts, out, resume, depth+1)
}

// merge runs a nested block from resume and appends its output to out.
func (in *Interpreter) merge(exec *runtime.Execution, stmts []runtime.Expr, out *runtime.TurnOutput, resume []int, depth int) ([]int, error) {
	sub, at, err := in.interpretFrom(exec, stmts, resume, depth)
	if err != nil {
		return nil, err
	}
	out.Merge(sub)
	return at, nil
}

func corruptPath(path []int) *runtime.Error {
	return runtime.NewError(runtime.ErrorKindEvaluation, runtime.CodeHoldCorrupt,
		fmt.Sprintf("resume path %v does not match the step", path))
}

// apply merges an effect and makes memory writes visible to the rest of the
// turn.
func apply(exec *runtime.Execution, out *runtime.TurnOutput, mt runtime.MessageType) {
	if mt.Kind == runtime.MessageAssign {
		exec.Remember(mt.Key, mt.Value)
	}
	out.Apply(mt)
}

// locate annotates err with the flow, step and position of stmt.
func locate(exec *runtime.Execution, stmt runtime.Expr, err error) error {
	var rerr *runtime.Error
	if !errors.As(err, &rerr) {
		rerr = runtime.EvalErrorf("statement failed")
		rerr.Cause = err
	}
	return rerr.At(exec.FlowName(), exec.StepName, stmt.Pos())
}
