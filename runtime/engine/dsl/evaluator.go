package dsl

import (
	"strings"

	"github.com/BDNK1/chatflow/runtime"
)

// Caller dispatches the function calls found in expressions.
type Caller interface {
	Call(exec *runtime.Execution, name string, args Args) (runtime.MessageType, error)
}

// Evaluator reduces expressions to literals against an execution.
type Evaluator struct {
	legacyLogic bool
	calls       Caller
}

func NewEvaluator(config runtime.Config, calls Caller) *Evaluator {
	return &Evaluator{legacyLogic: config.LegacyLogic, calls: calls}
}

// Resolve evaluates expr to a literal. As expressions bind their value into
// the step variables as a side effect.
func (e *Evaluator) Resolve(exec *runtime.Execution, expr runtime.Expr) (runtime.Literal, error) {
	switch n := expr.(type) {
	case *runtime.LitExpr:
		return n.Lit, nil

	case *runtime.IdentExpr:
		return e.resolveIdent(exec, n.Name)

	case *runtime.PathExpr:
		return e.resolvePath(exec, n)

	case *runtime.ComplexLiteral:
		var b strings.Builder
		for _, part := range n.Parts {
			v, err := e.Resolve(exec, part)
			if err != nil {
				return runtime.Null, err
			}
			b.WriteString(v.Text())
		}
		return runtime.String(b.String()), nil

	case *runtime.ArrayExpr:
		items := make([]runtime.Literal, 0, len(n.Items))
		for _, item := range n.Items {
			v, err := e.Resolve(exec, item)
			if err != nil {
				return runtime.Null, err
			}
			items = append(items, v)
		}
		return runtime.Array(items...), nil

	case *runtime.ObjectExpr:
		obj := make(map[string]runtime.Literal, len(n.Fields))
		for _, f := range n.Fields {
			v, err := e.Resolve(exec, f.Value)
			if err != nil {
				return runtime.Null, err
			}
			obj[f.Key] = v
		}
		return runtime.Object(obj), nil

	case *runtime.InfixExpr:
		return e.EvaluateCondition(exec, n.Op, n.Left, n.Right)

	case *runtime.FunctionExpr, *runtime.AsExpr:
		mt, err := e.Message(exec, expr)
		if err != nil {
			return runtime.Null, err
		}
		return contentOf(mt), nil
	}

	return runtime.Null, runtime.EvalErrorf("expression cannot be evaluated to a value")
}

func (e *Evaluator) resolveIdent(exec *runtime.Execution, name string) (runtime.Literal, error) {
	if name == "event" && exec.Event != nil {
		return exec.Event.Value(), nil
	}
	if v, ok := exec.Lookup(name); ok {
		return v, nil
	}
	err := runtime.EvalErrorf("unknown identifier %q", name)
	err.Code = runtime.CodeUnknownIdent
	return runtime.Null, err
}

func (e *Evaluator) resolvePath(exec *runtime.Execution, n *runtime.PathExpr) (runtime.Literal, error) {
	var current runtime.Literal
	if id, ok := n.Root.(*runtime.IdentExpr); ok && id.Name == "event" && exec.Event != nil {
		// event.x addresses the raw content, even for text events
		current = exec.Event.Content
	} else {
		v, err := e.Resolve(exec, n.Root)
		if err != nil {
			return runtime.Null, err
		}
		current = v
	}

	trail := describeRoot(n.Root)
	for _, seg := range n.Path {
		if seg.Index == nil {
			trail += "." + seg.Key
			next, ok := current.Get(seg.Key)
			if !ok {
				return runtime.Null, unknownPath(trail)
			}
			current = next
			continue
		}

		idx, err := e.Resolve(exec, seg.Index)
		if err != nil {
			return runtime.Null, err
		}
		trail += "[" + idx.Text() + "]"
		var next runtime.Literal
		var ok bool
		switch idx.Kind {
		case runtime.KindInt:
			next, ok = current.Index(int(idx.Int))
		case runtime.KindString:
			next, ok = current.Get(idx.Str)
		default:
			return runtime.Null, runtime.EvalErrorf("index of %s must be an int or a string, got %s", trail, idx.Kind)
		}
		if !ok {
			return runtime.Null, unknownPath(trail)
		}
		current = next
	}
	return current, nil
}

func describeRoot(root runtime.Expr) string {
	if id, ok := root.(*runtime.IdentExpr); ok {
		return id.Name
	}
	return "value"
}

func unknownPath(trail string) *runtime.Error {
	err := runtime.EvalErrorf("%s does not exist", trail)
	err.Code = runtime.CodeUnknownIdent
	return err
}

// EvaluateCondition applies an infix operator to two operands. Nested infix
// operands are reduced first, so boolean trees of any shape evaluate here.
//
// Comparisons with an operand that fails to evaluate are false. Arithmetic
// propagates the failure. Logical operators depend on the logic mode: by
// default they use truthiness with short-circuiting; in legacy mode `or` is
// true unless both sides fail and `and` is true when both sides evaluate,
// whatever their values.
func (e *Evaluator) EvaluateCondition(exec *runtime.Execution, op runtime.Infix, left, right runtime.Expr) (runtime.Literal, error) {
	if op == runtime.InfixAnd || op == runtime.InfixOr {
		return e.evaluateLogic(exec, op, left, right), nil
	}

	l, lerr := e.Resolve(exec, left)
	r, rerr := e.Resolve(exec, right)

	if op.IsArithmetic() {
		if lerr != nil {
			return runtime.Null, lerr
		}
		if rerr != nil {
			return runtime.Null, rerr
		}
		switch op {
		case runtime.InfixAdd:
			return l.Add(r)
		case runtime.InfixSub:
			return l.Sub(r)
		case runtime.InfixMul:
			return l.Mul(r)
		default:
			return l.Div(r)
		}
	}

	if lerr != nil || rerr != nil {
		return runtime.Bool(false), nil
	}

	switch op {
	case runtime.InfixEqual:
		return runtime.Bool(l.Equal(r)), nil
	case runtime.InfixNotEqual:
		return runtime.Bool(!l.Equal(r)), nil
	}

	cmp, err := l.Compare(r)
	if err != nil {
		return runtime.Null, err
	}
	switch op {
	case runtime.InfixGreaterThan:
		return runtime.Bool(cmp > 0), nil
	case runtime.InfixGreaterThanEqual:
		return runtime.Bool(cmp >= 0), nil
	case runtime.InfixLessThan:
		return runtime.Bool(cmp < 0), nil
	case runtime.InfixLessThanEqual:
		return runtime.Bool(cmp <= 0), nil
	}
	return runtime.Null, runtime.EvalErrorf("unsupported operator %s", op)
}

func (e *Evaluator) evaluateLogic(exec *runtime.Execution, op runtime.Infix, left, right runtime.Expr) runtime.Literal {
	if e.legacyLogic {
		_, lerr := e.Resolve(exec, left)
		_, rerr := e.Resolve(exec, right)
		if op == runtime.InfixOr {
			return runtime.Bool(lerr == nil || rerr == nil)
		}
		return runtime.Bool(lerr == nil && rerr == nil)
	}

	l := e.truth(exec, left)
	if op == runtime.InfixOr && l {
		return runtime.Bool(true)
	}
	if op == runtime.InfixAnd && !l {
		return runtime.Bool(false)
	}
	return runtime.Bool(e.truth(exec, right))
}

// truth is the truth value of an operand of a logical operator. A failing
// operand is false.
func (e *Evaluator) truth(exec *runtime.Execution, expr runtime.Expr) bool {
	v, err := e.Resolve(exec, expr)
	if err != nil {
		return false
	}
	return v.Truthy()
}

// ValidCondition reports whether an `if` guard holds. A bare identifier or
// path holds when it resolves. An infix guard holds unless it fails or
// yields false.
func (e *Evaluator) ValidCondition(exec *runtime.Execution, cond runtime.Expr) bool {
	switch n := cond.(type) {
	case *runtime.IdentExpr, *runtime.PathExpr:
		_, err := e.Resolve(exec, n)
		return err == nil

	case *runtime.InfixExpr:
		v, err := e.EvaluateCondition(exec, n.Op, n.Left, n.Right)
		if err != nil {
			return false
		}
		if v.Kind == runtime.KindBool {
			return v.Bool
		}
		return e.legacyLogic || v.Truthy()

	default:
		v, err := e.Resolve(exec, cond)
		if err != nil {
			return false
		}
		return e.legacyLogic || v.Truthy()
	}
}

// Message evaluates expr as an action: calls return their effect, As binds
// the produced content, and any other value becomes a message.
func (e *Evaluator) Message(exec *runtime.Execution, expr runtime.Expr) (runtime.MessageType, error) {
	switch n := expr.(type) {
	case *runtime.FunctionExpr:
		args, err := e.resolveArgs(exec, n.Args)
		if err != nil {
			return runtime.Empty, err
		}
		if e.calls == nil {
			err := runtime.EvalErrorf("unknown function %s", n.Name)
			err.Code = runtime.CodeUnknownIdent
			return runtime.Empty, err
		}
		return e.calls.Call(exec, n.Name, args)

	case *runtime.AsExpr:
		mt, err := e.Message(exec, n.Expr)
		if err != nil {
			return runtime.Empty, err
		}
		exec.SetStepVar(n.Name, contentOf(mt))
		return mt, nil
	}

	v, err := e.Resolve(exec, expr)
	if err != nil {
		return runtime.Empty, err
	}
	return runtime.Msg(messageFor(v)), nil
}

func (e *Evaluator) resolveArgs(exec *runtime.Execution, list []runtime.Arg) (Args, error) {
	args := Args{Named: map[string]runtime.Literal{}}
	for _, a := range list {
		v, err := e.Resolve(exec, a.Value)
		if err != nil {
			return Args{}, err
		}
		if a.Name == "" {
			args.Positional = append(args.Positional, v)
			continue
		}
		if _, dup := args.Named[a.Name]; dup {
			return Args{}, runtime.EvalErrorf("argument %s given twice", a.Name)
		}
		args.Named[a.Name] = v
	}
	return args, nil
}

// contentOf is the value an effect contributes to an expression.
func contentOf(mt runtime.MessageType) runtime.Literal {
	switch mt.Kind {
	case runtime.MessageMsg:
		return mt.Message.Content
	case runtime.MessageAssign:
		return mt.Value
	default:
		return runtime.Null
	}
}
