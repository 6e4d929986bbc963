package runtime

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
)

// LiteralKind tags the variant held by a Literal.
type LiteralKind int

const (
	KindNull LiteralKind = iota
	KindBool
	KindInt
	KindFloat
	KindString
	KindArray
	KindObject
)

func (k LiteralKind) String() string {
	switch k {
	case KindNull:
		return "null"
	case KindBool:
		return "bool"
	case KindInt:
		return "int"
	case KindFloat:
		return "float"
	case KindString:
		return "string"
	case KindArray:
		return "array"
	case KindObject:
		return "object"
	default:
		return "unknown"
	}
}

// Literal is the value domain of the flow language. Only the field matching
// Kind is meaningful.
type Literal struct {
	Kind  LiteralKind
	Bool  bool
	Int   int64
	Float float64
	Str   string
	Array []Literal
	Obj   map[string]Literal
}

// Null is the null literal.
var Null = Literal{Kind: KindNull}

func Bool(b bool) Literal { return Literal{Kind: KindBool, Bool: b} }
func Int(i int64) Literal { return Literal{Kind: KindInt, Int: i} }
func Float(f float64) Literal { return Literal{Kind: KindFloat, Float: f} }
func String(s string) Literal { return Literal{Kind: KindString, Str: s} }
func Array(v ...Literal) Literal { return Literal{Kind: KindArray, Array: v} }

// Object builds an object literal. A nil map becomes an empty object.
func Object(m map[string]Literal) Literal {
	if m == nil {
		m = make(map[string]Literal)
	}
	return Literal{Kind: KindObject, Obj: m}
}

func (l Literal) IsNull() bool { return l.Kind == KindNull }
func (l Literal) IsNumeric() bool { return l.Kind == KindInt || l.Kind == KindFloat }

// Number returns the numeric value as float64.
func (l Literal) Number() (float64, bool) {
	switch l.Kind {
	case KindInt:
		return float64(l.Int), true
	case KindFloat:
		return l.Float, true
	default:
		return 0, false
	}
}

// Truthy reports whether the literal counts as true in a condition.
// null, false, 0, "" and empty collections are false.
func (l Literal) Truthy() bool {
	switch l.Kind {
	case KindNull:
		return false
	case KindBool:
		return l.Bool
	case KindInt:
		return l.Int != 0
	case KindFloat:
		return l.Float != 0
	case KindString:
		return l.Str != ""
	case KindArray:
		return len(l.Array) > 0
	case KindObject:
		return len(l.Obj) > 0
	default:
		return false
	}
}

// Get returns the value stored under key in an object literal.
func (l Literal) Get(key string) (Literal, bool) {
	if l.Kind != KindObject {
		return Null, false
	}
	v, ok := l.Obj[key]
	return v, ok
}

// Index returns the i-th element of an array literal.
func (l Literal) Index(i int) (Literal, bool) {
	if l.Kind != KindArray || i < 0 || i >= len(l.Array) {
		return Null, false
	}
	return l.Array[i], true
}

// Text renders the literal the way it appears inside a chat message.
func (l Literal) Text() string {
	switch l.Kind {
	case KindNull:
		return "null"
	case KindBool:
		return strconv.FormatBool(l.Bool)
	case KindInt:
		return strconv.FormatInt(l.Int, 10)
	case KindFloat:
		return strconv.FormatFloat(l.Float, 'f', -1, 64)
	case KindString:
		return l.Str
	default:
		data, err := json.Marshal(l)
		if err != nil {
			return fmt.Sprintf("<%s>", l.Kind)
		}
		return string(data)
	}
}

func (l Literal) String() string {
	if l.Kind == KindString {
		return strconv.Quote(l.Str)
	}
	return l.Text()
}

// Equal reports structural equality. Int and Float compare by value; any
// other cross-kind pair is unequal.
func (l Literal) Equal(o Literal) bool {
	if l.IsNumeric() && o.IsNumeric() {
		a, _ := l.Number()
		b, _ := o.Number()
		return a == b
	}
	if l.Kind != o.Kind {
		return false
	}
	switch l.Kind {
	case KindNull:
		return true
	case KindBool:
		return l.Bool == o.Bool
	case KindString:
		return l.Str == o.Str
	case KindArray:
		if len(l.Array) != len(o.Array) {
			return false
		}
		for i := range l.Array {
			if !l.Array[i].Equal(o.Array[i]) {
				return false
			}
		}
		return true
	case KindObject:
		if len(l.Obj) != len(o.Obj) {
			return false
		}
		for k, v := range l.Obj {
			ov, ok := o.Obj[k]
			if !ok || !v.Equal(ov) {
				return false
			}
		}
		return true
	}
	return false
}

// Compare orders two literals, returning -1, 0 or 1. Only numbers and
// strings are ordered.
func (l Literal) Compare(o Literal) (int, error) {
	if l.IsNumeric() && o.IsNumeric() {
		a, _ := l.Number()
		b, _ := o.Number()
		switch {
		case a < b:
			return -1, nil
		case a > b:
			return 1, nil
		default:
			return 0, nil
		}
	}
	if l.Kind == KindString && o.Kind == KindString {
		return strings.Compare(l.Str, o.Str), nil
	}
	return 0, EvalErrorf("cannot compare %s with %s", l.Kind, o.Kind)
}

// Add implements '+': numeric addition or string concatenation.
func (l Literal) Add(o Literal) (Literal, error) {
	if l.Kind == KindString && o.Kind == KindString {
		return String(l.Str + o.Str), nil
	}
	return arith("+", l, o)
}

func (l Literal) Sub(o Literal) (Literal, error) { return arith("-", l, o) }
func (l Literal) Mul(o Literal) (Literal, error) { return arith("*", l, o) }
func (l Literal) Div(o Literal) (Literal, error) { return arith("/", l, o) }

func arith(op string, l, o Literal) (Literal, error) {
	if !l.IsNumeric() || !o.IsNumeric() {
		return Null, EvalErrorf("illegal operation: %s %s %s (operands must be numeric)", l.Kind, op, o.Kind)
	}

	if l.Kind == KindInt && o.Kind == KindInt {
		a, b := l.Int, o.Int
		switch op {
		case "+":
			return Int(a + b), nil
		case "-":
			return Int(a - b), nil
		case "*":
			return Int(a * b), nil
		case "/":
			if b == 0 {
				return Null, EvalErrorf("division by zero")
			}
			if a%b == 0 {
				return Int(a / b), nil
			}
			return Float(float64(a) / float64(b)), nil
		}
	}

	a, _ := l.Number()
	b, _ := o.Number()
	switch op {
	case "+":
		return Float(a + b), nil
	case "-":
		return Float(a - b), nil
	case "*":
		return Float(a * b), nil
	case "/":
		if b == 0 {
			return Null, EvalErrorf("division by zero")
		}
		return Float(a / b), nil
	}
	return Null, EvalErrorf("unknown arithmetic operator %q", op)
}

// MarshalJSON encodes the literal as plain JSON. Object keys are sorted.
func (l Literal) MarshalJSON() ([]byte, error) {
	switch l.Kind {
	case KindNull:
		return []byte("null"), nil
	case KindBool:
		return json.Marshal(l.Bool)
	case KindInt:
		return json.Marshal(l.Int)
	case KindFloat:
		if math.IsInf(l.Float, 0) || math.IsNaN(l.Float) {
			return nil, fmt.Errorf("cannot encode %v as JSON", l.Float)
		}
		return json.Marshal(l.Float)
	case KindString:
		return json.Marshal(l.Str)
	case KindArray:
		items := l.Array
		if items == nil {
			items = []Literal{}
		}
		return json.Marshal(items)
	case KindObject:
		keys := make([]string, 0, len(l.Obj))
		for k := range l.Obj {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		var buf bytes.Buffer
		buf.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				buf.WriteByte(',')
			}
			kb, err := json.Marshal(k)
			if err != nil {
				return nil, err
			}
			vb, err := l.Obj[k].MarshalJSON()
			if err != nil {
				return nil, err
			}
			buf.Write(kb)
			buf.WriteByte(':')
			buf.Write(vb)
		}
		buf.WriteByte('}')
		return buf.Bytes(), nil
	}
	return nil, fmt.Errorf("unknown literal kind %d", l.Kind)
}

// UnmarshalJSON decodes plain JSON, keeping integral numbers as Int.
func (l *Literal) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return err
	}
	*l = FromGo(v)
	return nil
}
