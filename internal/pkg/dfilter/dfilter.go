// Package dfilter compiles display-filter expressions into immutable
// predicates over decoded field values.
//
// Grammar:
//
//	expr    := and { ("or" | "||") and }
//	and     := unary { ("and" | "&&") unary }
//	unary   := ("not" | "!") unary | primary
//	primary := "(" expr ")" | name [ relop literal ]
//	relop   := "==" | "eq" | "!=" | "ne" | ">" | "gt" | "<" | "lt" |
//	           ">=" | "ge" | "<=" | "le" | "contains"
//
// A bare name tests for presence of a field or protocol. Comparisons succeed
// when any value of the field satisfies them, except "!=" which requires the
// field to be present and no value to be equal.
package dfilter

import (
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// ErrFilterCompile is returned for any expression that cannot be compiled.
var ErrFilterCompile = errors.New("filter compile error")

// Value is one decoded value of a field as seen by the filter engine.
type Value struct {
	Uint    uint64
	Str     string
	Numeric bool
}

// Source supplies decoded values to a filter at evaluation time.
type Source interface {
	FieldValues(name string) []Value
	HasProtocol(name string) bool
}

// Resolver validates names at compile time.
type Resolver interface {
	KnownName(name string) bool
}

// ResolverFunc adapts a function to Resolver.
type ResolverFunc func(name string) bool

// KnownName implements Resolver.
func (f ResolverFunc) KnownName(name string) bool { return f(name) }

// Filter is a compiled expression. It is immutable and safe for concurrent
// evaluation.
type Filter struct {
	expr   string
	root   node
	fields []string
}

// Compile parses expr and validates every name against r. A nil r accepts
// any name.
func Compile(expr string, r Resolver) (*Filter, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return nil, fmt.Errorf("%w: empty expression", ErrFilterCompile)
	}

	toks, err := lex(expr)
	if err != nil {
		return nil, err
	}

	p := &parser{toks: toks, resolver: r, names: make(map[string]struct{})}
	root, err := p.parseOr()
	if err != nil {
		return nil, err
	}
	if !p.done() {
		return nil, fmt.Errorf("%w: unexpected %q at offset %d", ErrFilterCompile, p.peek().text, p.peek().pos)
	}

	fields := make([]string, 0, len(p.names))
	for n := range p.names {
		fields = append(fields, n)
	}
	sort.Strings(fields)

	return &Filter{expr: expr, root: root, fields: fields}, nil
}

// MustCompile is like Compile but panics on error.
func MustCompile(expr string, r Resolver) *Filter {
	f, err := Compile(expr, r)
	if err != nil {
		panic(err)
	}
	return f
}

// Eval applies the filter to src. A nil filter matches everything.
func (f *Filter) Eval(src Source) bool {
	if f == nil {
		return true
	}
	return f.root.eval(src)
}

// Fields returns the sorted, de-duplicated names referenced by the filter.
func (f *Filter) Fields() []string {
	if f == nil {
		return nil
	}
	out := make([]string, len(f.fields))
	copy(out, f.fields)
	return out
}

// String returns the source expression.
func (f *Filter) String() string {
	if f == nil {
		return ""
	}
	return f.expr
}

type node interface {
	eval(Source) bool
}

type orNode struct{ left, right node }

func (n orNode) eval(s Source) bool { return n.left.eval(s) || n.right.eval(s) }

type andNode struct{ left, right node }

func (n andNode) eval(s Source) bool { return n.left.eval(s) && n.right.eval(s) }

type notNode struct{ inner node }

func (n notNode) eval(s Source) bool { return !n.inner.eval(s) }

type existsNode struct{ name string }

func (n existsNode) eval(s Source) bool {
	return s.HasProtocol(n.name) || len(s.FieldValues(n.name)) > 0
}

type relop int

const (
	opEq relop = iota
	opNe
	opGt
	opLt
	opGe
	opLe
	opContains
)

type literal struct {
	text    string
	num     uint64
	numeric bool
}

type cmpNode struct {
	name string
	op   relop
	lit  literal
}

func (n cmpNode) eval(s Source) bool {
	values := s.FieldValues(n.name)
	if len(values) == 0 {
		return false
	}
	if n.op == opNe {
		for _, v := range values {
			if compare(v, opEq, n.lit) {
				return false
			}
		}
		return true
	}
	for _, v := range values {
		if compare(v, n.op, n.lit) {
			return true
		}
	}
	return false
}

func compare(v Value, op relop, lit literal) bool {
	if op == opContains {
		return strings.Contains(v.Str, lit.text)
	}
	if v.Numeric && lit.numeric {
		switch op {
		case opEq:
			return v.Uint == lit.num
		case opGt:
			return v.Uint > lit.num
		case opLt:
			return v.Uint < lit.num
		case opGe:
			return v.Uint >= lit.num
		case opLe:
			return v.Uint <= lit.num
		}
		return false
	}
	c := strings.Compare(strings.ToLower(v.Str), strings.ToLower(lit.text))
	switch op {
	case opEq:
		return c == 0
	case opGt:
		return c > 0
	case opLt:
		return c < 0
	case opGe:
		return c >= 0
	case opLe:
		return c <= 0
	}
	return false
}

func parseLiteral(text string, quoted bool) literal {
	lit := literal{text: text}
	if quoted {
		return lit
	}
	base := 10
	digits := text
	if strings.HasPrefix(text, "0x") || strings.HasPrefix(text, "0X") {
		base = 16
		digits = text[2:]
	}
	if n, err := strconv.ParseUint(digits, base, 64); err == nil {
		lit.num = n
		lit.numeric = true
	}
	return lit
}
