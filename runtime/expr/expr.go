// Package expr parses and evaluates the small boolean expression language
// used by rule conditions and branching nodes. Expressions combine
// comparisons over named values with && || ! and parentheses:
//
//	temperature > 80 && line == "A"
//	$.nodes.judge.result.decision == "defect"
//
// Names resolve through a caller-supplied lookup, so the same language works
// over rule inputs and over workflow runtime contexts. Parsed expressions
// also expose their normalized comparison atoms, which the conflict detector
// uses for overlap analysis.
package expr

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
)

type (
	// Expr is a parsed expression.
	Expr struct {
		src  string
		root node
	}

	// Lookup resolves a name to its value. Returning an error fails the
	// evaluation.
	Lookup func(name string) (any, error)

	node interface {
		eval(lookup Lookup) (any, error)
		atoms(out map[string]struct{})
	}

	binaryNode struct {
		op          string
		left, right node
	}

	notNode struct{ inner node }

	identNode struct{ name string }

	literalNode struct{ value any }
)

// Parse compiles the expression source.
func Parse(src string) (*Expr, error) {
	toks, err := lex(src)
	if err != nil {
		return nil, err
	}
	p := &parser{src: src, toks: toks}
	root, err := p.parseOr()
	if err != nil {
		return nil, err
	}
	if !p.done() {
		return nil, fmt.Errorf("parse %q: unexpected %q", src, p.peek().text)
	}
	return &Expr{src: src, root: root}, nil
}

// Eval evaluates the expression, resolving names through lookup.
func (e *Expr) Eval(lookup Lookup) (any, error) {
	return e.root.eval(lookup)
}

// EvalBool evaluates the expression and coerces the result to a boolean
// using truthiness rules: false, nil, zero and the empty string are false.
func (e *Expr) EvalBool(lookup Lookup) (bool, error) {
	v, err := e.root.eval(lookup)
	if err != nil {
		return false, err
	}
	return Truthy(v), nil
}

// String returns the original source.
func (e *Expr) String() string { return e.src }

// Atoms returns the sorted, normalized comparison and identifier atoms of
// the expression. Comparisons are normalized with the identifier on the
// left, so "80 < temperature" and "temperature > 80" share an atom.
func (e *Expr) Atoms() []string {
	set := map[string]struct{}{}
	e.root.atoms(set)
	out := make([]string, 0, len(set))
	for a := range set {
		out = append(out, a)
	}
	sort.Strings(out)
	return out
}

// Truthy reports the boolean coercion of v.
func Truthy(v any) bool {
	switch val := v.(type) {
	case nil:
		return false
	case bool:
		return val
	case string:
		return val != ""
	case float64:
		return val != 0
	case int:
		return val != 0
	case int64:
		return val != 0
	default:
		return true
	}
}

// --- evaluation ---

func (n *binaryNode) eval(lookup Lookup) (any, error) {
	switch n.op {
	case "&&":
		l, err := n.left.eval(lookup)
		if err != nil {
			return nil, err
		}
		if !Truthy(l) {
			return false, nil
		}
		r, err := n.right.eval(lookup)
		if err != nil {
			return nil, err
		}
		return Truthy(r), nil
	case "||":
		l, err := n.left.eval(lookup)
		if err != nil {
			return nil, err
		}
		if Truthy(l) {
			return true, nil
		}
		r, err := n.right.eval(lookup)
		if err != nil {
			return nil, err
		}
		return Truthy(r), nil
	}

	l, err := n.left.eval(lookup)
	if err != nil {
		return nil, err
	}
	r, err := n.right.eval(lookup)
	if err != nil {
		return nil, err
	}
	return compare(n.op, l, r)
}

func (n *notNode) eval(lookup Lookup) (any, error) {
	v, err := n.inner.eval(lookup)
	if err != nil {
		return nil, err
	}
	return !Truthy(v), nil
}

func (n *identNode) eval(lookup Lookup) (any, error) {
	return lookup(n.name)
}

func (n *literalNode) eval(Lookup) (any, error) {
	return n.value, nil
}

func compare(op string, l, r any) (any, error) {
	lf, lok := toFloat(l)
	rf, rok := toFloat(r)
	if lok && rok {
		switch op {
		case "==":
			return lf == rf, nil
		case "!=":
			return lf != rf, nil
		case ">":
			return lf > rf, nil
		case ">=":
			return lf >= rf, nil
		case "<":
			return lf < rf, nil
		case "<=":
			return lf <= rf, nil
		}
	}
	ls, lsok := l.(string)
	rs, rsok := r.(string)
	if lsok && rsok {
		switch op {
		case "==":
			return ls == rs, nil
		case "!=":
			return ls != rs, nil
		case ">":
			return ls > rs, nil
		case ">=":
			return ls >= rs, nil
		case "<":
			return ls < rs, nil
		case "<=":
			return ls <= rs, nil
		}
	}
	switch op {
	case "==":
		return l == r, nil
	case "!=":
		return l != r, nil
	}
	return nil, fmt.Errorf("cannot compare %T %s %T", l, op, r)
}

func toFloat(v any) (float64, bool) {
	switch val := v.(type) {
	case float64:
		return val, true
	case float32:
		return float64(val), true
	case int:
		return float64(val), true
	case int64:
		return float64(val), true
	case int32:
		return float64(val), true
	}
	return 0, false
}

// --- atoms ---

func (n *binaryNode) atoms(out map[string]struct{}) {
	switch n.op {
	case "&&", "||":
		n.left.atoms(out)
		n.right.atoms(out)
		return
	}
	// Normalize comparisons to "ident op literal".
	if id, ok := n.left.(*identNode); ok {
		if lit, ok := n.right.(*literalNode); ok {
			out[id.name+" "+n.op+" "+formatLiteral(lit.value)] = struct{}{}
			return
		}
	}
	if lit, ok := n.left.(*literalNode); ok {
		if id, ok := n.right.(*identNode); ok {
			out[id.name+" "+flip(n.op)+" "+formatLiteral(lit.value)] = struct{}{}
			return
		}
	}
	n.left.atoms(out)
	n.right.atoms(out)
}

func (n *notNode) atoms(out map[string]struct{}) {
	inner := map[string]struct{}{}
	n.inner.atoms(inner)
	for a := range inner {
		out["!("+a+")"] = struct{}{}
	}
}

func (n *identNode) atoms(out map[string]struct{}) {
	out[n.name] = struct{}{}
}

func (n *literalNode) atoms(map[string]struct{}) {}

func flip(op string) string {
	switch op {
	case ">":
		return "<"
	case ">=":
		return "<="
	case "<":
		return ">"
	case "<=":
		return ">="
	}
	return op
}

func formatLiteral(v any) string {
	switch val := v.(type) {
	case string:
		return strconv.Quote(val)
	case float64:
		return strconv.FormatFloat(val, 'g', -1, 64)
	case bool:
		return strconv.FormatBool(val)
	case nil:
		return "null"
	}
	return fmt.Sprint(v)
}

// --- lexer ---

type token struct {
	kind string // ident, number, string, op, eof
	text string
}

func lex(src string) ([]token, error) {
	var toks []token
	i := 0
	for i < len(src) {
		c := src[i]
		switch {
		case c == ' ' || c == '\t' || c == '\n' || c == '\r':
			i++
		case strings.ContainsRune("()", rune(c)):
			toks = append(toks, token{kind: "op", text: string(c)})
			i++
		case c == '&' || c == '|':
			if i+1 >= len(src) || src[i+1] != c {
				return nil, fmt.Errorf("lex %q: expected %q%q", src, c, c)
			}
			toks = append(toks, token{kind: "op", text: string(c) + string(c)})
			i += 2
		case c == '!' || c == '=' || c == '<' || c == '>':
			if i+1 < len(src) && src[i+1] == '=' {
				toks = append(toks, token{kind: "op", text: string(c) + "="})
				i += 2
			} else if c == '=' {
				return nil, fmt.Errorf("lex %q: single '=' (use '==')", src)
			} else {
				toks = append(toks, token{kind: "op", text: string(c)})
				i++
			}
		case c == '"' || c == '\'':
			quote := c
			j := i + 1
			for j < len(src) && src[j] != quote {
				j++
			}
			if j >= len(src) {
				return nil, fmt.Errorf("lex %q: unterminated string", src)
			}
			toks = append(toks, token{kind: "string", text: src[i+1 : j]})
			i = j + 1
		case c >= '0' && c <= '9' || c == '-' && i+1 < len(src) && src[i+1] >= '0' && src[i+1] <= '9':
			j := i + 1
			for j < len(src) && (src[j] >= '0' && src[j] <= '9' || src[j] == '.') {
				j++
			}
			toks = append(toks, token{kind: "number", text: src[i:j]})
			i = j
		case isIdentStart(c):
			j := i + 1
			for j < len(src) && isIdentPart(src[j]) {
				j++
			}
			toks = append(toks, token{kind: "ident", text: src[i:j]})
			i = j
		default:
			return nil, fmt.Errorf("lex %q: unexpected character %q", src, c)
		}
	}
	return append(toks, token{kind: "eof"}), nil
}

func isIdentStart(c byte) bool {
	return c == '$' || c == '_' || c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z'
}

func isIdentPart(c byte) bool {
	return isIdentStart(c) || c == '.' || c >= '0' && c <= '9'
}

// --- parser ---

type parser struct {
	src  string
	toks []token
	pos  int
}

func (p *parser) peek() token { return p.toks[p.pos] }

func (p *parser) next() token {
	t := p.toks[p.pos]
	if t.kind != "eof" {
		p.pos++
	}
	return t
}

func (p *parser) done() bool { return p.peek().kind == "eof" }

func (p *parser) parseOr() (node, error) {
	left, err := p.parseAnd()
	if err != nil {
		return nil, err
	}
	for p.peek().kind == "op" && p.peek().text == "||" {
		p.next()
		right, err := p.parseAnd()
		if err != nil {
			return nil, err
		}
		left = &binaryNode{op: "||", left: left, right: right}
	}
	return left, nil
}

func (p *parser) parseAnd() (node, error) {
	left, err := p.parseNot()
	if err != nil {
		return nil, err
	}
	for p.peek().kind == "op" && p.peek().text == "&&" {
		p.next()
		right, err := p.parseNot()
		if err != nil {
			return nil, err
		}
		left = &binaryNode{op: "&&", left: left, right: right}
	}
	return left, nil
}

func (p *parser) parseNot() (node, error) {
	if p.peek().kind == "op" && p.peek().text == "!" {
		p.next()
		inner, err := p.parseNot()
		if err != nil {
			return nil, err
		}
		return &notNode{inner: inner}, nil
	}
	return p.parseComparison()
}

func (p *parser) parseComparison() (node, error) {
	left, err := p.parseTerm()
	if err != nil {
		return nil, err
	}
	t := p.peek()
	if t.kind == "op" {
		switch t.text {
		case "==", "!=", ">", ">=", "<", "<=":
			p.next()
			right, err := p.parseTerm()
			if err != nil {
				return nil, err
			}
			return &binaryNode{op: t.text, left: left, right: right}, nil
		}
	}
	return left, nil
}

func (p *parser) parseTerm() (node, error) {
	t := p.next()
	switch t.kind {
	case "number":
		f, err := strconv.ParseFloat(t.text, 64)
		if err != nil {
			return nil, fmt.Errorf("parse %q: bad number %q", p.src, t.text)
		}
		return &literalNode{value: f}, nil
	case "string":
		return &literalNode{value: t.text}, nil
	case "ident":
		switch t.text {
		case "true":
			return &literalNode{value: true}, nil
		case "false":
			return &literalNode{value: false}, nil
		case "null":
			return &literalNode{value: nil}, nil
		}
		return &identNode{name: t.text}, nil
	case "op":
		if t.text == "(" {
			inner, err := p.parseOr()
			if err != nil {
				return nil, err
			}
			if closing := p.next(); closing.kind != "op" || closing.text != ")" {
				return nil, fmt.Errorf("parse %q: missing closing parenthesis", p.src)
			}
			return inner, nil
		}
	}
	return nil, fmt.Errorf("parse %q: unexpected %q", p.src, t.text)
}
