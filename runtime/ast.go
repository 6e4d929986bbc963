package runtime

// Expr is a node of a parsed flow. Statements and expressions share the
// interface; a step is an ordered []Expr.
type Expr interface {
	Pos() Position
	exprNode()
}

// Node carries the source position of an AST node.
type Node struct {
	Position Position
}

func (n Node) Pos() Position { return n.Position }
func (Node) exprNode() {}

// Infix is a binary operator.
type Infix int

const (
	InfixEqual Infix = iota
	InfixNotEqual
	InfixGreaterThanEqual
	InfixLessThanEqual
	InfixGreaterThan
	InfixLessThan
	InfixAnd
	InfixOr
	InfixAdd
	InfixSub
	InfixMul
	InfixDiv
)

var infixNames = map[Infix]string{
	InfixEqual:            "==",
	InfixNotEqual:         "!=",
	InfixGreaterThanEqual: ">=",
	InfixLessThanEqual:    "<=",
	InfixGreaterThan:      ">",
	InfixLessThan:         "<",
	InfixAnd:              "&&",
	InfixOr:               "||",
	InfixAdd:              "+",
	InfixSub:              "-",
	InfixMul:              "*",
	InfixDiv:              "/",
}

func (i Infix) String() string { return infixNames[i] }

// IsArithmetic reports whether the operator is + - * /.
func (i Infix) IsArithmetic() bool {
	return i == InfixAdd || i == InfixSub || i == InfixMul || i == InfixDiv
}

// LitExpr is a constant value.
type LitExpr struct {
	Node
	Lit Literal
}

// IdentExpr references a variable: step var, memory, or `event`.
type IdentExpr struct {
	Node
	Name string
}

// PathSegment is one `.key` or `[index]` access.
type PathSegment struct {
	Key   string
	Index Expr // set for [expr] access
}

// PathExpr is a composite access into a structured variable, e.g.
// user.address.city or items[0].
type PathExpr struct {
	Node
	Root Expr
	Path []PathSegment
}

// ComplexLiteral is a string template: literal parts and {{ expr }} parts
// concatenated at evaluation time.
type ComplexLiteral struct {
	Node
	Parts []Expr
}

// ArrayExpr is a [a, b, c] literal whose items are evaluated.
type ArrayExpr struct {
	Node
	Items []Expr
}

// ObjectField is one key: value pair of an ObjectExpr.
type ObjectField struct {
	Key   string
	Value Expr
}

// ObjectExpr is a {key: value} literal whose values are evaluated.
type ObjectExpr struct {
	Node
	Fields []ObjectField
}

// InfixExpr is a binary expression.
type InfixExpr struct {
	Node
	Op    Infix
	Left  Expr
	Right Expr
}

// Arg is a positional (Name == "") or named call argument.
type Arg struct {
	Name  string
	Value Expr
}

// FunctionExpr is a call of a builtin or of an external action (Normal form).
type FunctionExpr struct {
	Node
	Name string
	Args []Arg
}

// AsExpr is the As form: evaluates Expr and binds the produced content to
// Name in the step variables.
type AsExpr struct {
	Node
	Name string
	Expr Expr
}

// IfExpr is a conditional with an optional chained else / else if.
type IfExpr struct {
	Node
	Cond        Expr
	Consequence []Expr
	Else        *ElseBranch
}

// ElseBranch holds either a chained else-if or a plain else block.
type ElseBranch struct {
	If    *IfExpr
	Block []Expr
}

// BlockKind tags a BlockExpr.
type BlockKind int

const (
	BlockPlain BlockKind = iota
	BlockAsk
	BlockResponse
	BlockAskResponse
)

func (k BlockKind) String() string {
	switch k {
	case BlockAsk:
		return "ask"
	case BlockResponse:
		return "response"
	case BlockAskResponse:
		return "ask_response"
	default:
		return "block"
	}
}

// BlockExpr is a statement block. An AskResponse block holds Ask and/or
// Response blocks as its Body.
type BlockExpr struct {
	Node
	Kind BlockKind
	Body []Expr
}

// HookExpr marks a position in a step that `goto @name` can jump to.
type HookExpr struct {
	Node
	Name string
}

// SayStmt emits the message produced by Expr.
type SayStmt struct {
	Node
	Expr Expr
}

// UseStmt evaluates Expr for its bindings and discards any message.
type UseStmt struct {
	Node
	Expr Expr
}

// RememberStmt persists the value of Expr into memory under Name.
type RememberStmt struct {
	Node
	Name string
	Expr Expr
}

// GotoKind is the target kind of a goto.
type GotoKind int

const (
	GotoStep GotoKind = iota
	GotoFlow
	GotoHook
)

func (k GotoKind) String() string {
	switch k {
	case GotoFlow:
		return "flow"
	case GotoHook:
		return "hook"
	default:
		return "step"
	}
}

// GotoStmt records a transition target.
type GotoStmt struct {
	Node
	Kind GotoKind
	Name string
}

// HoldStmt suspends the conversation until the next inbound event.
type HoldStmt struct {
	Node
}

// ImportStmt runs another step of the current flow inline.
type ImportStmt struct {
	Node
	Step string
}

// AssignStmt stores the value of Expr in the step variables. Target may be a
// dotted path.
type AssignStmt struct {
	Node
	Target string
	Expr   Expr
}

// Walk calls fn for e and, while fn returns true, for every statement and
// expression nested in it.
func Walk(e Expr, fn func(Expr) bool) {
	if e == nil || !fn(e) {
		return
	}
	walkAll := func(list []Expr) {
		for _, x := range list {
			Walk(x, fn)
		}
	}
	switch n := e.(type) {
	case *PathExpr:
		Walk(n.Root, fn)
		for _, seg := range n.Path {
			if seg.Index != nil {
				Walk(seg.Index, fn)
			}
		}
	case *ComplexLiteral:
		walkAll(n.Parts)
	case *ArrayExpr:
		walkAll(n.Items)
	case *ObjectExpr:
		for _, f := range n.Fields {
			Walk(f.Value, fn)
		}
	case *InfixExpr:
		Walk(n.Left, fn)
		Walk(n.Right, fn)
	case *FunctionExpr:
		for _, a := range n.Args {
			Walk(a.Value, fn)
		}
	case *AsExpr:
		Walk(n.Expr, fn)
	case *IfExpr:
		Walk(n.Cond, fn)
		walkAll(n.Consequence)
		if n.Else != nil {
			if n.Else.If != nil {
				Walk(n.Else.If, fn)
			}
			walkAll(n.Else.Block)
		}
	case *BlockExpr:
		walkAll(n.Body)
	case *SayStmt:
		Walk(n.Expr, fn)
	case *UseStmt:
		Walk(n.Expr, fn)
	case *RememberStmt:
		Walk(n.Expr, fn)
	case *AssignStmt:
		Walk(n.Expr, fn)
	}
}
