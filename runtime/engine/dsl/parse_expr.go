package dsl

import (
	"strconv"
	"strings"

	"github.com/BDNK1/chatflow/runtime"
)

// parseRequiredExpr parses an expression that must be present after the
// construct named by after.
func (p *parser) parseRequiredExpr(after string) (runtime.Expr, error) {
	p.skipWhitespaceAndComments()
	if p.eof() || p.peekByte() == '}' {
		return nil, p.errorf("missing expression after %s", after)
	}
	return p.parseExpr()
}

// parseRequiredAsExpr parses `expr [as NAME]`.
func (p *parser) parseRequiredAsExpr(after string) (runtime.Expr, error) {
	expr, err := p.parseRequiredExpr(after)
	if err != nil {
		return nil, err
	}
	return p.parseAsSuffix(expr)
}

func (p *parser) parseAsSuffix(expr runtime.Expr) (runtime.Expr, error) {
	if !p.consumeKeyword("as") {
		return expr, nil
	}
	name := p.readIdent()
	if name == "" {
		return nil, p.errorf("missing name after as")
	}
	return &runtime.AsExpr{Node: runtime.Node{Position: expr.Pos()}, Name: name, Expr: expr}, nil
}

func (p *parser) parseExpr() (runtime.Expr, error) {
	return p.parseOr()
}

func (p *parser) parseOr() (runtime.Expr, error) {
	left, err := p.parseAnd()
	if err != nil {
		return nil, err
	}
	for {
		p.skipWhitespaceAndComments()
		if !p.consume("||") && !p.consumeKeyword("or") {
			return left, nil
		}
		right, err := p.parseOperand(p.parseAnd, "||")
		if err != nil {
			return nil, err
		}
		left = p.infix(runtime.InfixOr, left, right)
	}
}

func (p *parser) parseAnd() (runtime.Expr, error) {
	left, err := p.parseComparison()
	if err != nil {
		return nil, err
	}
	for {
		p.skipWhitespaceAndComments()
		if !p.consume("&&") && !p.consumeKeyword("and") {
			return left, nil
		}
		right, err := p.parseOperand(p.parseComparison, "&&")
		if err != nil {
			return nil, err
		}
		left = p.infix(runtime.InfixAnd, left, right)
	}
}

var comparisonOps = []struct {
	token string
	op    runtime.Infix
}{
	{"==", runtime.InfixEqual},
	{"!=", runtime.InfixNotEqual},
	{">=", runtime.InfixGreaterThanEqual},
	{"<=", runtime.InfixLessThanEqual},
	{">", runtime.InfixGreaterThan},
	{"<", runtime.InfixLessThan},
}

func (p *parser) parseComparison() (runtime.Expr, error) {
	left, err := p.parseAdditive()
	if err != nil {
		return nil, err
	}
	p.skipWhitespaceAndComments()
	for _, c := range comparisonOps {
		if p.consume(c.token) {
			right, err := p.parseOperand(p.parseAdditive, c.token)
			if err != nil {
				return nil, err
			}
			return p.infix(c.op, left, right), nil
		}
	}
	return left, nil
}

func (p *parser) parseAdditive() (runtime.Expr, error) {
	left, err := p.parseMultiplicative()
	if err != nil {
		return nil, err
	}
	for {
		p.skipWhitespaceAndComments()
		var op runtime.Infix
		switch {
		case p.consume("+"):
			op = runtime.InfixAdd
		case p.consume("-"):
			op = runtime.InfixSub
		default:
			return left, nil
		}
		right, err := p.parseOperand(p.parseMultiplicative, op.String())
		if err != nil {
			return nil, err
		}
		left = p.infix(op, left, right)
	}
}

func (p *parser) parseMultiplicative() (runtime.Expr, error) {
	left, err := p.parsePostfix()
	if err != nil {
		return nil, err
	}
	for {
		p.skipWhitespaceAndComments()
		var op runtime.Infix
		switch {
		case p.consume("*"):
			op = runtime.InfixMul
		case p.consume("/"):
			op = runtime.InfixDiv
		default:
			return left, nil
		}
		right, err := p.parseOperand(p.parsePostfix, op.String())
		if err != nil {
			return nil, err
		}
		left = p.infix(op, left, right)
	}
}

// parseOperand parses the right operand of token, reporting a missing one.
func (p *parser) parseOperand(next func() (runtime.Expr, error), token string) (runtime.Expr, error) {
	p.skipWhitespaceAndComments()
	if p.eof() || strings.ContainsRune(")]}", rune(p.peekByte())) {
		return nil, p.errorf("missing operand after %s", token)
	}
	return next()
}

func (p *parser) infix(op runtime.Infix, left, right runtime.Expr) runtime.Expr {
	return &runtime.InfixExpr{Node: runtime.Node{Position: left.Pos()}, Op: op, Left: left, Right: right}
}

// parsePostfix parses a primary followed by `.key` and `[index]` accesses.
func (p *parser) parsePostfix() (runtime.Expr, error) {
	primary, err := p.parsePrimary()
	if err != nil {
		return nil, err
	}

	var path []runtime.PathSegment
	for {
		switch {
		case p.peekByte() == '.' && isIdentStart(p.peekAt(1)):
			p.pos++
			path = append(path, runtime.PathSegment{Key: p.readIdent()})
		case p.peekByte() == '[':
			p.pos++
			index, err := p.parseRequiredExpr("[")
			if err != nil {
				return nil, err
			}
			p.skipWhitespaceAndComments()
			if !p.consume("]") {
				return nil, p.errorf("expected ']' to close index, found %s", p.describeNext())
			}
			path = append(path, runtime.PathSegment{Index: index})
		default:
			if len(path) == 0 {
				return primary, nil
			}
			if pe, ok := primary.(*runtime.PathExpr); ok {
				pe.Path = append(pe.Path, path...)
				return pe, nil
			}
			return &runtime.PathExpr{Node: runtime.Node{Position: primary.Pos()}, Root: primary, Path: path}, nil
		}
	}
}

func (p *parser) parsePrimary() (runtime.Expr, error) {
	p.skipWhitespaceAndComments()
	start := p.pos
	node := runtime.Node{Position: p.position(start)}

	if p.eof() {
		return nil, p.errorf("unexpected end of input, expected an expression")
	}

	ch := p.peekByte()
	switch {
	case ch >= '0' && ch <= '9':
		return p.parseNumber(node)

	case ch == '"' || ch == '\'':
		return p.parseString(node)

	case ch == '(':
		p.pos++
		inner, err := p.parseRequiredExpr("(")
		if err != nil {
			return nil, err
		}
		p.skipWhitespaceAndComments()
		if !p.consume(")") {
			return nil, p.errorf("expected ')', found %s", p.describeNext())
		}
		return inner, nil

	case ch == '[':
		p.pos++
		return p.parseArray(node)

	case ch == '{':
		p.pos++
		return p.parseObject(node)

	case ch == '-':
		p.pos++
		operand, err := p.parsePostfix()
		if err != nil {
			return nil, err
		}
		if lit, ok := operand.(*runtime.LitExpr); ok && lit.Lit.IsNumeric() {
			switch lit.Lit.Kind {
			case runtime.KindInt:
				lit.Lit = runtime.Int(-lit.Lit.Int)
			case runtime.KindFloat:
				lit.Lit = runtime.Float(-lit.Lit.Float)
			}
			lit.Position = node.Position
			return lit, nil
		}
		zero := &runtime.LitExpr{Node: node, Lit: runtime.Int(0)}
		return &runtime.InfixExpr{Node: node, Op: runtime.InfixSub, Left: zero, Right: operand}, nil

	case isIdentStart(ch):
		return p.parseIdentOrCall(node)
	}

	return nil, p.errorf("unexpected %s, expected an expression", p.describeNext())
}

func (p *parser) parseIdentOrCall(node runtime.Node) (runtime.Expr, error) {
	name := p.readDottedIdent()

	switch name {
	case "true":
		return &runtime.LitExpr{Node: node, Lit: runtime.Bool(true)}, nil
	case "false":
		return &runtime.LitExpr{Node: node, Lit: runtime.Bool(false)}, nil
	case "null":
		return &runtime.LitExpr{Node: node, Lit: runtime.Null}, nil
	}

	if p.peekByte() == '(' {
		p.pos++
		args, err := p.parseArgs(name)
		if err != nil {
			return nil, err
		}
		return &runtime.FunctionExpr{Node: node, Name: name, Args: args}, nil
	}

	parts := strings.Split(name, ".")
	ident := &runtime.IdentExpr{Node: node, Name: parts[0]}
	if len(parts) == 1 {
		return ident, nil
	}
	path := make([]runtime.PathSegment, 0, len(parts)-1)
	for _, key := range parts[1:] {
		path = append(path, runtime.PathSegment{Key: key})
	}
	return &runtime.PathExpr{Node: node, Root: ident, Path: path}, nil
}

// parseArgs parses call arguments after the opening parenthesis.
func (p *parser) parseArgs(fn string) ([]runtime.Arg, error) {
	args := []runtime.Arg{}
	for {
		p.skipWhitespaceAndComments()
		if p.eof() {
			return nil, p.errorf("unterminated argument list of %s", fn)
		}
		if p.consume(")") {
			return args, nil
		}

		var arg runtime.Arg
		save := p.pos
		if name := p.readIdent(); name != "" {
			p.skipWhitespaceAndComments()
			if p.peekByte() == '=' && p.peekAt(1) != '=' {
				p.pos++
				arg.Name = name
			} else {
				p.pos = save
			}
		}
		value, err := p.parseRequiredExpr(fn + "(")
		if err != nil {
			return nil, err
		}
		arg.Value = value
		args = append(args, arg)

		p.skipWhitespaceAndComments()
		if p.consume(",") {
			continue
		}
		if p.peekByte() != ')' {
			return nil, p.errorf("expected ',' or ')' in arguments of %s, found %s", fn, p.describeNext())
		}
	}
}

func (p *parser) parseArray(node runtime.Node) (runtime.Expr, error) {
	arr := &runtime.ArrayExpr{Node: node, Items: []runtime.Expr{}}
	for {
		p.skipWhitespaceAndComments()
		if p.eof() {
			return nil, p.errorAt(node.Position, "unterminated array")
		}
		if p.consume("]") {
			return arr, nil
		}
		item, err := p.parseExpr()
		if err != nil {
			return nil, err
		}
		arr.Items = append(arr.Items, item)

		p.skipWhitespaceAndComments()
		if p.consume(",") {
			continue
		}
		if p.peekByte() != ']' {
			return nil, p.errorf("expected ',' or ']' in array, found %s", p.describeNext())
		}
	}
}

func (p *parser) parseObject(node runtime.Node) (runtime.Expr, error) {
	obj := &runtime.ObjectExpr{Node: node}
	for {
		p.skipWhitespaceAndComments()
		if p.eof() {
			return nil, p.errorAt(node.Position, "unterminated object")
		}
		if p.consume("}") {
			return obj, nil
		}

		var key string
		if c := p.peekByte(); c == '"' || c == '\'' {
			s, err := p.readPlainString()
			if err != nil {
				return nil, err
			}
			key = s
		} else {
			key = p.readIdent()
		}
		if key == "" {
			return nil, p.errorf("expected object key, found %s", p.describeNext())
		}
		p.skipWhitespaceAndComments()
		if !p.consume(":") {
			return nil, p.errorf("missing ':' after object key %q", key)
		}
		value, err := p.parseRequiredExpr(key + ":")
		if err != nil {
			return nil, err
		}
		obj.Fields = append(obj.Fields, runtime.ObjectField{Key: key, Value: value})

		p.skipWhitespaceAndComments()
		if p.consume(",") {
			continue
		}
		if p.peekByte() != '}' {
			return nil, p.errorf("expected ',' or '}' in object, found %s", p.describeNext())
		}
	}
}

func (p *parser) parseNumber(node runtime.Node) (runtime.Expr, error) {
	start := p.pos
	for p.pos < len(p.source) && p.source[p.pos] >= '0' && p.source[p.pos] <= '9' {
		p.pos++
	}
	isFloat := false
	if p.peekByte() == '.' && p.peekAt(1) >= '0' && p.peekAt(1) <= '9' {
		isFloat = true
		p.pos++
		for p.pos < len(p.source) && p.source[p.pos] >= '0' && p.source[p.pos] <= '9' {
			p.pos++
		}
	}
	text := p.source[start:p.pos]

	if isFloat {
		f, err := strconv.ParseFloat(text, 64)
		if err != nil {
			return nil, p.errorAt(node.Position, "invalid number %s", text)
		}
		return &runtime.LitExpr{Node: node, Lit: runtime.Float(f)}, nil
	}
	i, err := strconv.ParseInt(text, 10, 64)
	if err != nil {
		return nil, p.errorAt(node.Position, "invalid number %s", text)
	}
	return &runtime.LitExpr{Node: node, Lit: runtime.Int(i)}, nil
}

// parseString parses a quoted string. `{{ expr }}` sections become parts
// of a ComplexLiteral; a string without them is a plain literal.
func (p *parser) parseString(node runtime.Node) (runtime.Expr, error) {
	quote := p.source[p.pos]
	p.pos++

	var parts []runtime.Expr
	var b strings.Builder
	textStart := p.pos
	flush := func() {
		if b.Len() > 0 {
			parts = append(parts, &runtime.LitExpr{Node: runtime.Node{Position: p.position(textStart)}, Lit: runtime.String(b.String())})
			b.Reset()
		}
	}

	for {
		if p.eof() {
			return nil, p.errorAt(node.Position, "unterminated string")
		}
		ch := p.source[p.pos]
		switch {
		case ch == '\\' && p.pos+1 < len(p.source):
			b.WriteByte(unescape(p.source[p.pos+1]))
			p.pos += 2

		case ch == quote:
			p.pos++
			flush()
			switch len(parts) {
			case 0:
				return &runtime.LitExpr{Node: node, Lit: runtime.String("")}, nil
			case 1:
				if lit, ok := parts[0].(*runtime.LitExpr); ok {
					lit.Position = node.Position
					return lit, nil
				}
			}
			return &runtime.ComplexLiteral{Node: node, Parts: parts}, nil

		case ch == '{' && p.peekAt(1) == '{':
			flush()
			p.pos += 2
			inner, err := p.parseRequiredExpr("{{")
			if err != nil {
				return nil, err
			}
			p.skipWhitespaceAndComments()
			if !p.consume("}}") {
				return nil, p.errorf("expected '}}' to close interpolation, found %s", p.describeNext())
			}
			parts = append(parts, inner)
			textStart = p.pos

		default:
			b.WriteByte(ch)
			p.pos++
		}
	}
}
