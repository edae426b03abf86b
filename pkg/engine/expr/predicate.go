// Package expr implements the boolean expression language used by plugin
// skip predicates. Expressions are compiled once at workflow build time and
// evaluated per request against a variable lookup.
//
// Grammar: ||, &&, !, comparison (== != < <= > >=), unary +/-, parentheses,
// string/number/bool literals, dotted identifiers, and the builtin functions
// len(x) and has(x).
package expr

import (
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// LookupFunc resolves variable references encountered in expressions.
type LookupFunc func(path string) (any, bool)

var (
	// ErrSyntax indicates the expression could not be parsed.
	ErrSyntax = errors.New("predicate syntax error")
	// ErrUnknownIdentifier indicates a referenced variable is not in scope.
	ErrUnknownIdentifier = errors.New("unknown identifier")
	// ErrTypeMismatch indicates an unsupported type coercion.
	ErrTypeMismatch = errors.New("type mismatch")
)

// Predicate is a compiled skip expression.
type Predicate struct {
	source string
	root   node
	idents []string
}

// Compile parses the expression into a reusable Predicate.
func Compile(expression string) (*Predicate, error) {
	source := strings.TrimSpace(expression)
	if source == "" {
		return nil, fmt.Errorf("%w: empty expression", ErrSyntax)
	}

	p := &parser{lex: &lexer{input: source}}
	p.advance()
	p.advance()

	root, err := p.parseOr()
	if err != nil {
		return nil, err
	}
	if p.cur.typ != tokenEOF {
		return nil, fmt.Errorf("%w: unexpected trailing token %q", ErrSyntax, p.cur.text)
	}

	seen := make(map[string]bool)
	root.collectIdents(seen)
	idents := make([]string, 0, len(seen))
	for ident := range seen {
		idents = append(idents, ident)
	}
	sort.Strings(idents)

	return &Predicate{source: source, root: root, idents: idents}, nil
}

// Source returns the original expression text, used verbatim in skip reasons.
func (p *Predicate) Source() string { return p.source }

// Identifiers returns the sorted variable paths the expression references.
// A predicate with no identifiers is context-free and can be evaluated
// statically, before any request exists.
func (p *Predicate) Identifiers() []string {
	return append([]string(nil), p.idents...)
}

// Static reports whether the predicate depends on no per-request data.
func (p *Predicate) Static() bool { return len(p.idents) == 0 }

// Eval evaluates the predicate against the lookup scope.
func (p *Predicate) Eval(lookup LookupFunc) (bool, error) {
	if lookup == nil {
		lookup = func(string) (any, bool) { return nil, false }
	}
	value, err := p.root.eval(lookup)
	if err != nil {
		return false, fmt.Errorf("predicate %q: %w", p.source, err)
	}
	result, ok := value.(bool)
	if !ok {
		return false, fmt.Errorf("predicate %q: %w: result is %T, want bool", p.source, ErrTypeMismatch, value)
	}
	return result, nil
}

// --- lexer ---

type tokenType int

const (
	tokenEOF tokenType = iota
	tokenIdent
	tokenNumber
	tokenString
	tokenBool
	tokenAnd
	tokenOr
	tokenNot
	tokenEq
	tokenNeq
	tokenLt
	tokenLte
	tokenGt
	tokenGte
	tokenLParen
	tokenRParen
	tokenMinus
	tokenPlus
	tokenBad
)

type token struct {
	typ  tokenType
	text string
}

type lexer struct {
	input string
	pos   int
}

func (l *lexer) next() token {
	for l.pos < len(l.input) && isSpace(l.input[l.pos]) {
		l.pos++
	}
	if l.pos >= len(l.input) {
		return token{typ: tokenEOF}
	}

	ch := l.input[l.pos]
	two := ""
	if l.pos+1 < len(l.input) {
		two = l.input[l.pos : l.pos+2]
	}

	switch two {
	case "&&":
		l.pos += 2
		return token{typ: tokenAnd, text: two}
	case "||":
		l.pos += 2
		return token{typ: tokenOr, text: two}
	case "==":
		l.pos += 2
		return token{typ: tokenEq, text: two}
	case "!=":
		l.pos += 2
		return token{typ: tokenNeq, text: two}
	case "<=":
		l.pos += 2
		return token{typ: tokenLte, text: two}
	case ">=":
		l.pos += 2
		return token{typ: tokenGte, text: two}
	}

	switch ch {
	case '!':
		l.pos++
		return token{typ: tokenNot, text: "!"}
	case '<':
		l.pos++
		return token{typ: tokenLt, text: "<"}
	case '>':
		l.pos++
		return token{typ: tokenGt, text: ">"}
	case '(':
		l.pos++
		return token{typ: tokenLParen, text: "("}
	case ')':
		l.pos++
		return token{typ: tokenRParen, text: ")"}
	case '-':
		l.pos++
		return token{typ: tokenMinus, text: "-"}
	case '+':
		l.pos++
		return token{typ: tokenPlus, text: "+"}
	case '\'', '"':
		return l.scanString(ch)
	}

	if isDigit(ch) {
		return l.scanNumber()
	}
	if isIdentStart(ch) {
		return l.scanIdent()
	}

	l.pos++
	return token{typ: tokenBad, text: string(ch)}
}

func (l *lexer) scanString(quote byte) token {
	l.pos++ // opening quote
	var sb strings.Builder
	for l.pos < len(l.input) {
		ch := l.input[l.pos]
		l.pos++
		if ch == '\\' && l.pos < len(l.input) {
			esc := l.input[l.pos]
			l.pos++
			switch esc {
			case 'n':
				sb.WriteByte('\n')
			case 't':
				sb.WriteByte('\t')
			default:
				sb.WriteByte(esc)
			}
			continue
		}
		if ch == quote {
			return token{typ: tokenString, text: sb.String()}
		}
		sb.WriteByte(ch)
	}
	return token{typ: tokenBad, text: "unterminated string"}
}

func (l *lexer) scanNumber() token {
	start := l.pos
	dot := false
	for l.pos < len(l.input) {
		ch := l.input[l.pos]
		if ch == '.' && !dot {
			dot = true
			l.pos++
			continue
		}
		if !isDigit(ch) {
			break
		}
		l.pos++
	}
	return token{typ: tokenNumber, text: l.input[start:l.pos]}
}

func (l *lexer) scanIdent() token {
	start := l.pos
	for l.pos < len(l.input) && isIdentPart(l.input[l.pos]) {
		l.pos++
	}
	text := l.input[start:l.pos]
	if strings.EqualFold(text, "true") || strings.EqualFold(text, "false") {
		return token{typ: tokenBool, text: strings.ToLower(text)}
	}
	return token{typ: tokenIdent, text: text}
}

func isSpace(ch byte) bool { return ch == ' ' || ch == '\t' || ch == '\n' || ch == '\r' }
func isDigit(ch byte) bool { return ch >= '0' && ch <= '9' }
func isIdentStart(ch byte) bool {
	return (ch >= 'a' && ch <= 'z') || (ch >= 'A' && ch <= 'Z') || ch == '_'
}
func isIdentPart(ch byte) bool {
	return isIdentStart(ch) || isDigit(ch) || ch == '.' || ch == ':' || ch == '-'
}

// --- parser ---

type parser struct {
	lex  *lexer
	cur  token
	peek token
}

func (p *parser) advance() {
	p.cur = p.peek
	p.peek = p.lex.next()
}

func (p *parser) parseOr() (node, error) {
	left, err := p.parseAnd()
	if err != nil {
		return nil, err
	}
	for p.cur.typ == tokenOr {
		p.advance()
		right, err := p.parseAnd()
		if err != nil {
			return nil, err
		}
		left = &binaryNode{op: tokenOr, left: left, right: right}
	}
	return left, nil
}

func (p *parser) parseAnd() (node, error) {
	left, err := p.parseComparison()
	if err != nil {
		return nil, err
	}
	for p.cur.typ == tokenAnd {
		p.advance()
		right, err := p.parseComparison()
		if err != nil {
			return nil, err
		}
		left = &binaryNode{op: tokenAnd, left: left, right: right}
	}
	return left, nil
}

func (p *parser) parseComparison() (node, error) {
	left, err := p.parseUnary()
	if err != nil {
		return nil, err
	}
	for {
		switch p.cur.typ {
		case tokenEq, tokenNeq, tokenLt, tokenLte, tokenGt, tokenGte:
			op := p.cur.typ
			p.advance()
			right, err := p.parseUnary()
			if err != nil {
				return nil, err
			}
			left = &binaryNode{op: op, left: left, right: right}
		default:
			return left, nil
		}
	}
}

func (p *parser) parseUnary() (node, error) {
	switch p.cur.typ {
	case tokenNot, tokenMinus, tokenPlus:
		op := p.cur.typ
		p.advance()
		operand, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		return &unaryNode{op: op, operand: operand}, nil
	}
	return p.parsePrimary()
}

func (p *parser) parsePrimary() (node, error) {
	tok := p.cur
	switch tok.typ {
	case tokenIdent:
		// Builtin function call: len(x), has(x).
		if p.peek.typ == tokenLParen && isBuiltin(tok.text) {
			p.advance() // consume name
			p.advance() // consume '('
			arg, err := p.parseOr()
			if err != nil {
				return nil, err
			}
			if p.cur.typ != tokenRParen {
				return nil, fmt.Errorf("%w: expected ) after %s(", ErrSyntax, tok.text)
			}
			p.advance()
			return &callNode{fn: strings.ToLower(tok.text), arg: arg}, nil
		}
		p.advance()
		return &identNode{name: tok.text}, nil
	case tokenNumber:
		p.advance()
		value, err := strconv.ParseFloat(tok.text, 64)
		if err != nil {
			return nil, fmt.Errorf("%w: invalid number %q", ErrSyntax, tok.text)
		}
		return &literalNode{value: value}, nil
	case tokenString:
		p.advance()
		return &literalNode{value: tok.text}, nil
	case tokenBool:
		p.advance()
		return &literalNode{value: tok.text == "true"}, nil
	case tokenLParen:
		p.advance()
		inner, err := p.parseOr()
		if err != nil {
			return nil, err
		}
		if p.cur.typ != tokenRParen {
			return nil, fmt.Errorf("%w: expected )", ErrSyntax)
		}
		p.advance()
		return inner, nil
	case tokenBad:
		return nil, fmt.Errorf("%w: %s", ErrSyntax, tok.text)
	default:
		return nil, fmt.Errorf("%w: unexpected token %q", ErrSyntax, tok.text)
	}
}

func isBuiltin(name string) bool {
	switch strings.ToLower(name) {
	case "len", "has":
		return true
	}
	return false
}

// --- AST ---

type node interface {
	eval(lookup LookupFunc) (any, error)
	collectIdents(into map[string]bool)
}

type literalNode struct{ value any }

func (n *literalNode) eval(LookupFunc) (any, error)  { return n.value, nil }
func (n *literalNode) collectIdents(map[string]bool) {}

type identNode struct{ name string }

func (n *identNode) eval(lookup LookupFunc) (any, error) {
	if value, ok := lookup(n.name); ok {
		return value, nil
	}
	return nil, fmt.Errorf("%w: %s", ErrUnknownIdentifier, n.name)
}

func (n *identNode) collectIdents(into map[string]bool) { into[n.name] = true }

type callNode struct {
	fn  string
	arg node
}

func (n *callNode) eval(lookup LookupFunc) (any, error) {
	switch n.fn {
	case "has":
		// has() probes existence: an unknown identifier is false, not an error.
		if ident, ok := n.arg.(*identNode); ok {
			_, exists := lookup(ident.name)
			return exists, nil
		}
		value, err := n.arg.eval(lookup)
		if err != nil {
			return nil, err
		}
		return value != nil, nil
	case "len":
		value, err := n.arg.eval(lookup)
		if err != nil {
			return nil, err
		}
		switch v := value.(type) {
		case string:
			return float64(len(v)), nil
		case []any:
			return float64(len(v)), nil
		case []string:
			return float64(len(v)), nil
		case map[string]any:
			return float64(len(v)), nil
		case nil:
			return float64(0), nil
		default:
			return nil, fmt.Errorf("%w: len() of %T", ErrTypeMismatch, value)
		}
	default:
		return nil, fmt.Errorf("%w: unknown function %q", ErrSyntax, n.fn)
	}
}

func (n *callNode) collectIdents(into map[string]bool) { n.arg.collectIdents(into) }

type unaryNode struct {
	op      tokenType
	operand node
}

func (n *unaryNode) eval(lookup LookupFunc) (any, error) {
	value, err := n.operand.eval(lookup)
	if err != nil {
		return nil, err
	}
	switch n.op {
	case tokenNot:
		b, err := toBool(value)
		if err != nil {
			return nil, err
		}
		return !b, nil
	case tokenMinus:
		f, ok := toFloat(value)
		if !ok {
			return nil, fmt.Errorf("%w: unary - on %T", ErrTypeMismatch, value)
		}
		return -f, nil
	case tokenPlus:
		f, ok := toFloat(value)
		if !ok {
			return nil, fmt.Errorf("%w: unary + on %T", ErrTypeMismatch, value)
		}
		return f, nil
	}
	return nil, fmt.Errorf("%w: unsupported unary operator", ErrSyntax)
}

func (n *unaryNode) collectIdents(into map[string]bool) { n.operand.collectIdents(into) }

type binaryNode struct {
	op    tokenType
	left  node
	right node
}

func (n *binaryNode) eval(lookup LookupFunc) (any, error) {
	leftVal, err := n.left.eval(lookup)
	if err != nil {
		return nil, err
	}

	// && and || short-circuit.
	switch n.op {
	case tokenAnd:
		lb, err := toBool(leftVal)
		if err != nil {
			return nil, err
		}
		if !lb {
			return false, nil
		}
		rightVal, err := n.right.eval(lookup)
		if err != nil {
			return nil, err
		}
		return toBool(rightVal)
	case tokenOr:
		lb, err := toBool(leftVal)
		if err != nil {
			return nil, err
		}
		if lb {
			return true, nil
		}
		rightVal, err := n.right.eval(lookup)
		if err != nil {
			return nil, err
		}
		return toBool(rightVal)
	}

	rightVal, err := n.right.eval(lookup)
	if err != nil {
		return nil, err
	}

	switch n.op {
	case tokenEq:
		return valuesEqual(leftVal, rightVal)
	case tokenNeq:
		eq, err := valuesEqual(leftVal, rightVal)
		if err != nil {
			return nil, err
		}
		return !eq, nil
	case tokenLt, tokenLte, tokenGt, tokenGte:
		return valuesCompare(leftVal, rightVal, n.op)
	}
	return nil, fmt.Errorf("%w: unsupported binary operator", ErrSyntax)
}

func (n *binaryNode) collectIdents(into map[string]bool) {
	n.left.collectIdents(into)
	n.right.collectIdents(into)
}

// --- coercion helpers ---

func toBool(value any) (bool, error) {
	if b, ok := value.(bool); ok {
		return b, nil
	}
	return false, fmt.Errorf("%w: expected bool, got %T", ErrTypeMismatch, value)
}

func toFloat(value any) (float64, bool) {
	switch v := value.(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	case int32:
		return float64(v), true
	case int64:
		return float64(v), true
	case uint:
		return float64(v), true
	case uint32:
		return float64(v), true
	case uint64:
		return float64(v), true
	case string:
		if parsed, err := strconv.ParseFloat(strings.TrimSpace(v), 64); err == nil {
			return parsed, true
		}
	}
	return 0, false
}

func valuesEqual(left, right any) (bool, error) {
	if left == nil || right == nil {
		return left == right, nil
	}
	if lf, ok := toFloat(left); ok {
		if rf, ok := toFloat(right); ok {
			return lf == rf, nil
		}
	}
	if ls, ok := left.(string); ok {
		if rs, ok := right.(string); ok {
			return ls == rs, nil
		}
	}
	if lb, ok := left.(bool); ok {
		if rb, ok := right.(bool); ok {
			return lb == rb, nil
		}
	}
	return false, fmt.Errorf("%w: cannot compare %T and %T", ErrTypeMismatch, left, right)
}

func valuesCompare(left, right any, op tokenType) (bool, error) {
	lf, lok := toFloat(left)
	rf, rok := toFloat(right)
	if lok && rok {
		switch op {
		case tokenLt:
			return lf < rf, nil
		case tokenLte:
			return lf <= rf, nil
		case tokenGt:
			return lf > rf, nil
		case tokenGte:
			return lf >= rf, nil
		}
	}

	ls, lsok := left.(string)
	rs, rsok := right.(string)
	if lsok && rsok {
		switch op {
		case tokenLt:
			return ls < rs, nil
		case tokenLte:
			return ls <= rs, nil
		case tokenGt:
			return ls > rs, nil
		case tokenGte:
			return ls >= rs, nil
		}
	}
	return false, fmt.Errorf("%w: cannot order %T and %T", ErrTypeMismatch, left, right)
}
