// Package platform handles the platform predicates that gate dependency
// edges: `cfg(...)` expressions and bare target triples.
//
// A predicate is parsed into a tagged expression tree so malformed input is
// rejected early, but the original text is what gets stored and written back.
// Nothing in this module evaluates predicates; that is left to the client
// consuming the mirror.
package platform

import (
	"strings"

	"github.com/cockroachdb/errors"
)

// ErrInvalidPredicate marks errors returned by Parse.
var ErrInvalidPredicate = errors.New("invalid platform predicate")

// Op tags an expression node.
type Op uint8

const (
	// OpTarget is a bare target triple such as x86_64-pc-windows-gnu.
	OpTarget Op = iota
	// OpName is a cfg atom such as unix.
	OpName
	// OpKeyValue is a cfg comparison such as target_os = "linux".
	OpKeyValue
	// OpAll is all(...).
	OpAll
	// OpAny is any(...).
	OpAny
	// OpNot is not(...).
	OpNot
)

func (op Op) String() string {
	switch op {
	case OpTarget:
		return "target"
	case OpName:
		return "name"
	case OpKeyValue:
		return "key-value"
	case OpAll:
		return "all"
	case OpAny:
		return "any"
	case OpNot:
		return "not"
	}
	return "unknown"
}

// Expr is a node of a predicate expression tree.
type Expr struct {
	Op    Op
	Key   string
	Value string
	Args  []*Expr
}

// String renders e in the canonical cfg form, e.g.
// `all(unix, target_arch = "x86")`.
func (e *Expr) String() string {
	var sb strings.Builder
	e.write(&sb)
	return sb.String()
}

func (e *Expr) write(sb *strings.Builder) {
	switch e.Op {
	case OpTarget, OpName:
		sb.WriteString(e.Key)
	case OpKeyValue:
		sb.WriteString(e.Key)
		sb.WriteString(` = "`)
		sb.WriteString(e.Value)
		sb.WriteString(`"`)
	case OpAll, OpAny, OpNot:
		sb.WriteString(e.Op.String())
		sb.WriteByte('(')
		for i, arg := range e.Args {
			if i > 0 {
				sb.WriteString(", ")
			}
			arg.write(sb)
		}
		sb.WriteByte(')')
	}
}

// Predicate is a parsed platform predicate together with its source text.
type Predicate struct {
	raw  string
	expr *Expr
}

// Parse parses a predicate. Both `cfg(...)` expressions and bare target
// triples are accepted.
func Parse(s string) (*Predicate, error) {
	raw := strings.TrimSpace(s)
	if raw == "" {
		return nil, errors.Mark(errors.New("empty predicate"), ErrInvalidPredicate)
	}

	if !strings.HasPrefix(raw, "cfg(") {
		if !isTriple(raw) {
			return nil, errors.Mark(errors.Newf("malformed target %q", raw), ErrInvalidPredicate)
		}
		return &Predicate{raw: raw, expr: &Expr{Op: OpTarget, Key: raw}}, nil
	}

	p := &parser{src: raw, pos: len("cfg(")}
	expr, err := p.expr()
	if err == nil {
		err = p.expect(')')
	}
	if err == nil {
		p.skipSpace()
		if p.pos != len(p.src) {
			err = errors.Newf("unexpected trailing input at offset %d", p.pos)
		}
	}
	if err != nil {
		return nil, errors.Mark(errors.Wrapf(err, "parse %q", raw), ErrInvalidPredicate)
	}
	return &Predicate{raw: raw, expr: expr}, nil
}

// MustParse is like Parse but panics on error.
func MustParse(s string) *Predicate {
	p, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return p
}

// String returns the predicate text exactly as it was parsed.
func (p *Predicate) String() string {
	return p.raw
}

// Expr returns the expression tree of p.
func (p *Predicate) Expr() *Expr {
	return p.expr
}

// Canonical renders p in cargo's normalized display form.
func (p *Predicate) Canonical() string {
	if p.expr.Op == OpTarget {
		return p.expr.Key
	}
	return "cfg(" + p.expr.String() + ")"
}

// MarshalText implements encoding.TextMarshaler.
func (p *Predicate) MarshalText() ([]byte, error) {
	return []byte(p.raw), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (p *Predicate) UnmarshalText(text []byte) error {
	parsed, err := Parse(string(text))
	if err != nil {
		return err
	}
	*p = *parsed
	return nil
}

func isTriple(s string) bool {
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		case r == '_', r == '-', r == '.':
		default:
			return false
		}
	}
	return true
}

type parser struct {
	src string
	pos int
}

func (p *parser) skipSpace() {
	for p.pos < len(p.src) {
		switch p.src[p.pos] {
		case ' ', '\t', '\n', '\r':
			p.pos++
		default:
			return
		}
	}
}

func (p *parser) peek() byte {
	p.skipSpace()
	if p.pos >= len(p.src) {
		return 0
	}
	return p.src[p.pos]
}

func (p *parser) expect(c byte) error {
	if p.peek() != c {
		if p.pos >= len(p.src) {
			return errors.Newf("expected %q, got end of input", c)
		}
		return errors.Newf("expected %q at offset %d", c, p.pos)
	}
	p.pos++
	return nil
}

func isIdentStart(c byte) bool {
	return c == '_' || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')
}

func isIdentChar(c byte) bool {
	return isIdentStart(c) || (c >= '0' && c <= '9')
}

func (p *parser) ident() (string, error) {
	if !isIdentStart(p.peek()) {
		return "", errors.Newf("expected identifier at offset %d", p.pos)
	}
	start := p.pos
	for p.pos < len(p.src) && isIdentChar(p.src[p.pos]) {
		p.pos++
	}
	return p.src[start:p.pos], nil
}

func (p *parser) str() (string, error) {
	if err := p.expect('"'); err != nil {
		return "", err
	}
	end := strings.IndexByte(p.src[p.pos:], '"')
	if end < 0 {
		return "", errors.New("unterminated string")
	}
	s := p.src[p.pos : p.pos+end]
	p.pos += end + 1
	return s, nil
}

func (p *parser) expr() (*Expr, error) {
	key, err := p.ident()
	if err != nil {
		return nil, err
	}

	switch p.peek() {
	case '(':
		var op Op
		switch key {
		case "all":
			op = OpAll
		case "any":
			op = OpAny
		case "not":
			op = OpNot
		default:
			return nil, errors.Newf("unknown operator %q", key)
		}
		p.pos++
		args, err := p.list()
		if err != nil {
			return nil, err
		}
		if op == OpNot && len(args) != 1 {
			return nil, errors.Newf("not() takes exactly one argument, got %d", len(args))
		}
		return &Expr{Op: op, Args: args}, nil
	case '=':
		p.pos++
		value, err := p.str()
		if err != nil {
			return nil, err
		}
		return &Expr{Op: OpKeyValue, Key: key, Value: value}, nil
	}
	return &Expr{Op: OpName, Key: key}, nil
}

// list parses comma separated expressions up to and including ')'.
// A trailing comma is accepted.
func (p *parser) list() ([]*Expr, error) {
	var args []*Expr
	for {
		if p.peek() == ')' {
			p.pos++
			return args, nil
		}
		arg, err := p.expr()
		if err != nil {
			return nil, err
		}
		args = append(args, arg)

		switch p.peek() {
		case ',':
			p.pos++
		case ')':
			p.pos++
			return args, nil
		default:
			return nil, errors.Newf("expected ',' or ')' at offset %d", p.pos)
		}
	}
}
