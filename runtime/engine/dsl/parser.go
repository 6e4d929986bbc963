package dsl

import (
	"fmt"
	"sort"
	"strings"

	"github.com/BDNK1/chatflow/runtime"
)

// Parse parses the source of one flow into a runtime.Flow.
//
// A flow is a sequence of steps:
//
//	start {
//	    say "Hi there"
//	    ask {
//	        say Question(title = "Ready?", buttons = ["yes", "no"])
//	    } response {
//	        if (event == "yes") goto step ready
//	        goto end
//	    }
//	}
//
// Errors are *runtime.Error values of kind runtime.ErrorKindParse carrying
// the line and column of the failure.
func Parse(name, source string) (*runtime.Flow, error) {
	p := newParser(name, source)
	return p.parse()
}

type parser struct {
	source string
	pos    int
	flow   string
	step   string
	lines  []int // offsets at which each line starts
	// comment is set once a block comment runs to the end of the input;
	// it takes precedence over any later error.
	comment error
}

func newParser(name, source string) *parser {
	lines := []int{0}
	for i := 0; i < len(source); i++ {
		if source[i] == '\n' {
			lines = append(lines, i+1)
		}
	}
	return &parser{source: source, flow: name, lines: lines}
}

func (p *parser) parse() (*runtime.Flow, error) {
	flow := &runtime.Flow{
		Name:    p.flow,
		Content: p.source,
		Digest:  runtime.ContentDigest(p.source),
		Steps:   make(map[string][]runtime.Expr),
		Hooks:   make(map[string]runtime.HookRef),
	}

	p.skipWhitespaceAndComments()
	for !p.eof() {
		start := p.pos
		name, err := p.parseStepName()
		if err != nil {
			return nil, err
		}
		if _, dup := flow.Steps[name]; dup {
			p.pos = start
			return nil, p.errorf("duplicate step %q", name)
		}
		p.step = name

		p.skipWhitespaceAndComments()
		if !p.consume("{") {
			return nil, p.errorf("expected '{' after step name %q", name)
		}
		stmts, err := p.parseBlockBody(start)
		if err != nil {
			return nil, err
		}
		if err := p.registerHooks(flow, name, stmts); err != nil {
			return nil, err
		}
		flow.Steps[name] = stmts
		p.step = ""

		p.skipWhitespaceAndComments()
	}
	if p.comment != nil {
		return nil, p.comment
	}

	return flow, nil
}

// parseStepName reads `[step] NAME`. A step may itself be called "step".
func (p *parser) parseStepName() (string, error) {
	if p.consumeKeyword("step") {
		p.skipWhitespaceAndComments()
		if p.peekByte() == '{' {
			return "step", nil
		}
	}
	name := p.readIdent()
	if name == "" {
		return "", p.errorf("expected step name, found %s", p.describeNext())
	}
	return name, nil
}

// registerHooks records the `@name` markers of a step. A top-level marker
// resumes after itself; a nested one re-enters its enclosing statement.
func (p *parser) registerHooks(flow *runtime.Flow, step string, stmts []runtime.Expr) error {
	for i, stmt := range stmts {
		var err error
		runtime.Walk(stmt, func(e runtime.Expr) bool {
			hook, ok := e.(*runtime.HookExpr)
			if !ok || err != nil {
				return err == nil
			}
			if _, dup := flow.Hooks[hook.Name]; dup {
				err = p.errorAt(hook.Pos(), "duplicate hook @%s", hook.Name)
				return false
			}
			idx := i
			if e == stmt {
				idx = i + 1
			}
			flow.Hooks[hook.Name] = runtime.HookRef{Step: step, Index: idx}
			return true
		})
		if err != nil {
			return err
		}
	}
	return nil
}

// parseBlock parses `{ statements }`.
func (p *parser) parseBlock() ([]runtime.Expr, error) {
	p.skipWhitespaceAndComments()
	open := p.pos
	if !p.consume("{") {
		return nil, p.errorf("expected '{', found %s", p.describeNext())
	}
	return p.parseBlockBody(open)
}

// parseBlockBody parses statements up to the closing brace. open is the
// offset of the block's opening brace, reported when the block never ends.
func (p *parser) parseBlockBody(open int) ([]runtime.Expr, error) {
	stmts := []runtime.Expr{}
	for {
		p.skipWhitespaceAndComments()
		if p.eof() {
			return nil, p.errorAt(p.position(open), "unterminated block")
		}
		if p.consume("}") {
			return stmts, nil
		}
		stmt, err := p.parseStatement()
		if err != nil {
			return nil, err
		}
		stmts = append(stmts, stmt)
	}
}

// parseBody parses either a braced block or a single statement, as used
// by if / else branches.
func (p *parser) parseBody() ([]runtime.Expr, error) {
	p.skipWhitespaceAndComments()
	if p.peekByte() == '{' {
		return p.parseBlock()
	}
	stmt, err := p.parseStatement()
	if err != nil {
		return nil, err
	}
	return []runtime.Expr{stmt}, nil
}

func (p *parser) parseStatement() (runtime.Expr, error) {
	p.skipWhitespaceAndComments()
	start := p.pos
	node := runtime.Node{Position: p.position(start)}

	if p.consume("@") {
		name := p.readIdent()
		if name == "" {
			return nil, p.errorf("missing hook name after '@'")
		}
		return &runtime.HookExpr{Node: node, Name: name}, nil
	}

	switch p.peekIdent() {
	case "say":
		p.consumeKeyword("say")
		expr, err := p.parseRequiredAsExpr("say")
		if err != nil {
			return nil, err
		}
		return &runtime.SayStmt{Node: node, Expr: expr}, nil

	case "use":
		p.consumeKeyword("use")
		expr, err := p.parseRequiredAsExpr("use")
		if err != nil {
			return nil, err
		}
		return &runtime.UseStmt{Node: node, Expr: expr}, nil

	case "remember":
		p.consumeKeyword("remember")
		return p.parseRemember(node)

	case "goto":
		p.consumeKeyword("goto")
		return p.parseGoto(node)

	case "hold":
		p.consumeKeyword("hold")
		return &runtime.HoldStmt{Node: node}, nil

	case "import":
		p.consumeKeyword("import")
		p.consumeKeyword("step")
		name := p.readTarget()
		if name == "" {
			return nil, p.errorf("missing step name after import")
		}
		return &runtime.ImportStmt{Node: node, Step: name}, nil

	case "if":
		p.consumeKeyword("if")
		return p.parseIf(node)

	case "ask":
		p.consumeKeyword("ask")
		return p.parseAskResponse(node)

	case "response":
		p.consumeKeyword("response")
		body, err := p.parseBlock()
		if err != nil {
			return nil, err
		}
		resp := &runtime.BlockExpr{Node: node, Kind: runtime.BlockResponse, Body: body}
		return &runtime.BlockExpr{Node: node, Kind: runtime.BlockAskResponse, Body: []runtime.Expr{resp}}, nil

	case "else":
		return nil, p.errorf("'else' without a matching 'if'")
	}

	if assign, ok, err := p.tryAssignment(node); ok || err != nil {
		return assign, err
	}

	p.pos = start
	return nil, p.errorf("unexpected %s, expected a statement", p.describeNext())
}

// parseRemember parses either `remember NAME = expr` or `remember expr as NAME`.
func (p *parser) parseRemember(node runtime.Node) (runtime.Expr, error) {
	p.skipWhitespaceAndComments()
	save := p.pos
	if name := p.readIdent(); name != "" {
		p.skipWhitespaceAndComments()
		if p.peekByte() == '=' && p.peekAt(1) != '=' {
			p.pos++
			expr, err := p.parseRequiredExpr("remember " + name + " =")
			if err != nil {
				return nil, err
			}
			return &runtime.RememberStmt{Node: node, Name: name, Expr: expr}, nil
		}
	}
	p.pos = save

	expr, err := p.parseRequiredExpr("remember")
	if err != nil {
		return nil, err
	}
	if !p.consumeKeyword("as") {
		return nil, p.errorf("missing 'as' after remember value")
	}
	name := p.readIdent()
	if name == "" {
		return nil, p.errorf("missing as name after remember var")
	}
	return &runtime.RememberStmt{Node: node, Name: name, Expr: expr}, nil
}

func (p *parser) parseGoto(node runtime.Node) (runtime.Expr, error) {
	p.skipWhitespaceAndComments()
	kind := runtime.GotoStep
	switch {
	case p.consume("@"):
		kind = runtime.GotoHook
	case p.consumeKeyword("flow"):
		kind = runtime.GotoFlow
	default:
		// A bare `goto step` targets a step named "step".
		save := p.pos
		if p.consumeKeyword("step") && p.peekTarget() == "" {
			p.pos = save
		}
	}

	name := p.readTarget()
	if name == "" {
		return nil, p.errorf("missing %s name after goto", kind)
	}
	return &runtime.GotoStmt{Node: node, Kind: kind, Name: name}, nil
}

func (p *parser) parseIf(node runtime.Node) (*runtime.IfExpr, error) {
	p.skipWhitespaceAndComments()
	if !p.consume("(") {
		return nil, p.errorf("expected '(' after if")
	}
	cond, err := p.parseRequiredExpr("if (")
	if err != nil {
		return nil, err
	}
	p.skipWhitespaceAndComments()
	if !p.consume(")") {
		return nil, p.errorf("expected ')' to close if condition, found %s", p.describeNext())
	}
	body, err := p.parseBody()
	if err != nil {
		return nil, err
	}
	stmt := &runtime.IfExpr{Node: node, Cond: cond, Consequence: body}

	if !p.consumeKeyword("else") {
		return stmt, nil
	}
	p.skipWhitespaceAndComments()
	elseNode := runtime.Node{Position: p.position(p.pos)}
	if p.consumeKeyword("if") {
		chained, err := p.parseIf(elseNode)
		if err != nil {
			return nil, err
		}
		stmt.Else = &runtime.ElseBranch{If: chained}
		return stmt, nil
	}
	block, err := p.parseBody()
	if err != nil {
		return nil, err
	}
	stmt.Else = &runtime.ElseBranch{Block: block}
	return stmt, nil
}

// parseAskResponse parses `ask { ... } [response { ... }]` into an
// AskResponse group.
func (p *parser) parseAskResponse(node runtime.Node) (runtime.Expr, error) {
	body, err := p.parseBlock()
	if err != nil {
		return nil, err
	}
	group := &runtime.BlockExpr{Node: node, Kind: runtime.BlockAskResponse}
	group.Body = append(group.Body, &runtime.BlockExpr{Node: node, Kind: runtime.BlockAsk, Body: body})

	p.skipWhitespaceAndComments()
	respNode := runtime.Node{Position: p.position(p.pos)}
	if p.consumeKeyword("response") {
		resp, err := p.parseBlock()
		if err != nil {
			return nil, err
		}
		group.Body = append(group.Body, &runtime.BlockExpr{Node: respNode, Kind: runtime.BlockResponse, Body: resp})
	}
	return group, nil
}

// tryAssignment parses `name[.field...] = expr`. ok is false, with the
// cursor untouched, when the input is not an assignment.
func (p *parser) tryAssignment(node runtime.Node) (runtime.Expr, bool, error) {
	save := p.pos
	target := p.readDottedIdent()
	if target == "" {
		return nil, false, nil
	}
	p.skipWhitespaceAndComments()
	if p.peekByte() != '=' || p.peekAt(1) == '=' {
		p.pos = save
		return nil, false, nil
	}
	p.pos++
	expr, err := p.parseRequiredAsExpr(target + " =")
	if err != nil {
		return nil, true, err
	}
	return &runtime.AssignStmt{Node: node, Target: target, Expr: expr}, true, nil
}

// --- lexical helpers ---

func (p *parser) eof() bool {
	return p.pos >= len(p.source)
}

func (p *parser) peekByte() byte {
	return p.peekAt(0)
}

func (p *parser) peekAt(offset int) byte {
	if p.pos+offset >= len(p.source) {
		return 0
	}
	return p.source[p.pos+offset]
}

func (p *parser) skipWhitespace() {
	for p.pos < len(p.source) && (p.source[p.pos] == ' ' || p.source[p.pos] == '\t' || p.source[p.pos] == '\n' || p.source[p.pos] == '\r') {
		p.pos++
	}
}

func (p *parser) skipWhitespaceAndComments() {
	for {
		p.skipWhitespace()
		if p.pos+1 < len(p.source) && p.source[p.pos] == '/' && p.source[p.pos+1] == '/' {
			// Skip line comment
			for p.pos < len(p.source) && p.source[p.pos] != '\n' {
				p.pos++
			}
			continue
		}
		if p.pos+1 < len(p.source) && p.source[p.pos] == '/' && p.source[p.pos+1] == '*' {
			end := strings.Index(p.source[p.pos+2:], "*/")
			if end < 0 {
				if p.comment == nil {
					p.comment = p.errorf("unterminated comment")
				}
				p.pos = len(p.source)
				return
			}
			p.pos += end + 4
			continue
		}
		break
	}
}

// consume advances past s if the input continues with it.
func (p *parser) consume(s string) bool {
	if strings.HasPrefix(p.source[p.pos:], s) {
		p.pos += len(s)
		return true
	}
	return false
}

// consumeKeyword advances past kw if it is the next whole word.
func (p *parser) consumeKeyword(kw string) bool {
	save := p.pos
	p.skipWhitespaceAndComments()
	if strings.HasPrefix(p.source[p.pos:], kw) {
		end := p.pos + len(kw)
		if end >= len(p.source) || !isWordChar(p.source[end]) {
			p.pos = end
			return true
		}
	}
	p.pos = save
	return false
}

// peekIdent returns the next identifier without advancing.
func (p *parser) peekIdent() string {
	save := p.pos
	id := p.readIdent()
	p.pos = save
	return id
}

// readIdent reads [A-Za-z_][A-Za-z0-9_]*.
func (p *parser) readIdent() string {
	p.skipWhitespaceAndComments()
	if p.eof() || !isIdentStart(p.source[p.pos]) {
		return ""
	}
	start := p.pos
	for p.pos < len(p.source) && isWordChar(p.source[p.pos]) {
		p.pos++
	}
	return p.source[start:p.pos]
}

// readDottedIdent reads ident{.ident} with no spaces around the dots.
func (p *parser) readDottedIdent() string {
	first := p.readIdent()
	if first == "" {
		return ""
	}
	parts := []string{first}
	for p.peekByte() == '.' && p.pos+1 < len(p.source) && isIdentStart(p.source[p.pos+1]) {
		p.pos++
		start := p.pos
		for p.pos < len(p.source) && isWordChar(p.source[p.pos]) {
			p.pos++
		}
		parts = append(parts, p.source[start:p.pos])
	}
	return strings.Join(parts, ".")
}

// readTarget reads a goto/import target: an identifier or a quoted name.
func (p *parser) readTarget() string {
	p.skipWhitespaceAndComments()
	if c := p.peekByte(); c == '"' || c == '\'' {
		save := p.pos
		s, err := p.readPlainString()
		if err != nil {
			p.pos = save
			return ""
		}
		return s
	}
	return p.readIdent()
}

func (p *parser) peekTarget() string {
	save := p.pos
	t := p.readTarget()
	p.pos = save
	return t
}

// readPlainString reads a quoted string without interpolation.
func (p *parser) readPlainString() (string, error) {
	quote := p.source[p.pos]
	p.pos++
	var b strings.Builder
	for p.pos < len(p.source) {
		ch := p.source[p.pos]
		switch {
		case ch == '\\' && p.pos+1 < len(p.source):
			b.WriteByte(unescape(p.source[p.pos+1]))
			p.pos += 2
		case ch == quote:
			p.pos++
			return b.String(), nil
		default:
			b.WriteByte(ch)
			p.pos++
		}
	}
	return "", p.errorf("unterminated string")
}

func isWordChar(ch byte) bool {
	return (ch >= 'a' && ch <= 'z') || (ch >= 'A' && ch <= 'Z') || (ch >= '0' && ch <= '9') || ch == '_'
}

func isIdentStart(ch byte) bool {
	return (ch >= 'a' && ch <= 'z') || (ch >= 'A' && ch <= 'Z') || ch == '_'
}

func unescape(ch byte) byte {
	switch ch {
	case 'n':
		return '\n'
	case 't':
		return '\t'
	case 'r':
		return '\r'
	default:
		return ch
	}
}

// --- positions and errors ---

func (p *parser) position(offset int) runtime.Position {
	line := sort.Search(len(p.lines), func(i int) bool { return p.lines[i] > offset }) - 1
	if line < 0 {
		line = 0
	}
	return runtime.Position{Offset: offset, Line: line + 1, Column: offset - p.lines[line] + 1}
}

func (p *parser) errorf(format string, args ...any) error {
	return p.errorAt(p.position(p.pos), format, args...)
}

func (p *parser) errorAt(pos runtime.Position, format string, args ...any) error {
	if p.comment != nil {
		return p.comment
	}
	err := runtime.ParseErrorf(pos, format, args...)
	err.Flow = p.flow
	err.Step = p.step
	return err
}

// describeNext renders the upcoming input for error messages.
func (p *parser) describeNext() string {
	save := p.pos
	p.skipWhitespaceAndComments()
	defer func() { p.pos = save }()
	if p.eof() {
		return "end of input"
	}
	end := p.pos
	for end < len(p.source) && end-p.pos < 20 && p.source[end] != '\n' {
		end++
	}
	if end == p.pos {
		end++
	}
	return fmt.Sprintf("%q", p.source[p.pos:end])
}
