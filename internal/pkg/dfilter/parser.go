package dfilter

import (
	"fmt"
	"strings"
)

type tokenKind int

const (
	tokWord tokenKind = iota
	tokString
	tokOp
	tokLParen
	tokRParen
)

type token struct {
	kind tokenKind
	text string
	pos  int
}

var symbolOps = []string{"==", "!=", ">=", "<=", "&&", "||", ">", "<", "!"}

var wordOps = map[string]string{
	"eq": "==", "ne": "!=", "gt": ">", "lt": "<", "ge": ">=", "le": "<=",
	"and": "&&", "or": "||", "not": "!", "contains": "contains",
}

// lex splits expr into tokens. Words cover field names and bare literals
// (numbers, dotted addresses, colon-separated hardware addresses).
func lex(expr string) ([]token, error) {
	var toks []token
	i := 0
	for i < len(expr) {
		c := expr[i]
		switch {
		case c == ' ' || c == '\t' || c == '\n' || c == '\r':
			i++
		case c == '(':
			toks = append(toks, token{tokLParen, "(", i})
			i++
		case c == ')':
			toks = append(toks, token{tokRParen, ")", i})
			i++
		case c == '"':
			end := strings.IndexByte(expr[i+1:], '"')
			if end < 0 {
				return nil, fmt.Errorf("%w: unterminated string at offset %d", ErrFilterCompile, i)
			}
			toks = append(toks, token{tokString, expr[i+1 : i+1+end], i})
			i += end + 2
		case isWordChar(c):
			start := i
			for i < len(expr) && isWordChar(expr[i]) {
				i++
			}
			word := expr[start:i]
			if op, ok := wordOps[strings.ToLower(word)]; ok {
				toks = append(toks, token{tokOp, op, start})
			} else {
				toks = append(toks, token{tokWord, word, start})
			}
		default:
			matched := false
			for _, op := range symbolOps {
				if strings.HasPrefix(expr[i:], op) {
					toks = append(toks, token{tokOp, op, i})
					i += len(op)
					matched = true
					break
				}
			}
			if !matched {
				return nil, fmt.Errorf("%w: unexpected character %q at offset %d", ErrFilterCompile, c, i)
			}
		}
	}
	return toks, nil
}

func isWordChar(c byte) bool {
	return c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z' || c >= '0' && c <= '9' ||
		c == '.' || c == '_' || c == '-' || c == ':' || c == '/'
}

type parser struct {
	toks     []token
	pos      int
	resolver Resolver
	names    map[string]struct{}
}

func (p *parser) done() bool { return p.pos >= len(p.toks) }

func (p *parser) peek() token {
	if p.done() {
		return token{kind: tokOp, text: "<end>", pos: -1}
	}
	return p.toks[p.pos]
}

func (p *parser) acceptOp(ops ...string) (string, bool) {
	if p.done() || p.toks[p.pos].kind != tokOp {
		return "", false
	}
	for _, op := range ops {
		if p.toks[p.pos].text == op {
			p.pos++
			return op, true
		}
	}
	return "", false
}

func (p *parser) parseOr() (node, error) {
	left, err := p.parseAnd()
	if err != nil {
		return nil, err
	}
	for {
		if _, ok := p.acceptOp("||"); !ok {
			return left, nil
		}
		right, err := p.parseAnd()
		if err != nil {
			return nil, err
		}
		left = orNode{left, right}
	}
}

func (p *parser) parseAnd() (node, error) {
	left, err := p.parseUnary()
	if err != nil {
		return nil, err
	}
	for {
		if _, ok := p.acceptOp("&&"); !ok {
			return left, nil
		}
		right, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		left = andNode{left, right}
	}
}

func (p *parser) parseUnary() (node, error) {
	if _, ok := p.acceptOp("!"); ok {
		inner, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		return notNode{inner}, nil
	}
	return p.parsePrimary()
}

func (p *parser) parsePrimary() (node, error) {
	tok := p.peek()
	switch {
	case p.done():
		return nil, fmt.Errorf("%w: unexpected end of expression", ErrFilterCompile)

	case tok.kind == tokLParen:
		p.pos++
		inner, err := p.parseOr()
		if err != nil {
			return nil, err
		}
		if p.done() || p.peek().kind != tokRParen {
			return nil, fmt.Errorf("%w: missing ')' for '(' at offset %d", ErrFilterCompile, tok.pos)
		}
		p.pos++
		return inner, nil

	case tok.kind == tokWord:
		p.pos++
		name := tok.text
		if p.resolver != nil && !p.resolver.KnownName(name) {
			return nil, fmt.Errorf("%w: %q is not a valid protocol or field name", ErrFilterCompile, name)
		}
		p.names[name] = struct{}{}

		op, ok := p.acceptOp("==", "!=", ">", "<", ">=", "<=", "contains")
		if !ok {
			return existsNode{name: name}, nil
		}
		lit := p.peek()
		if p.done() || (lit.kind != tokWord && lit.kind != tokString) {
			return nil, fmt.Errorf("%w: expected value after %q", ErrFilterCompile, op)
		}
		p.pos++
		return cmpNode{name: name, op: opFromText(op), lit: parseLiteral(lit.text, lit.kind == tokString)}, nil

	default:
		return nil, fmt.Errorf("%w: unexpected %q at offset %d", ErrFilterCompile, tok.text, tok.pos)
	}
}

func opFromText(op string) relop {
	switch op {
	case "!=":
		return opNe
	case ">":
		return opGt
	case "<":
		return opLt
	case ">=":
		return opGe
	case "<=":
		return opLe
	case "contains":
		return opContains
	default:
		return opEq
	}
}
