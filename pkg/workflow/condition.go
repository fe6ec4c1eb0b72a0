package workflow

import (
	"fmt"
	"strings"

	"github.com/loomworks/loom/pkg/types"
)

// The condition language gates workflow edges with side-effect-free
// boolean expressions over upstream stage results:
//
//	$<stage-id>.status == "succeeded"
//	$review.output.verdict != "reject" && !($lint.status == "failed")
//
// Operators are ==, !=, &&, || and !, with parentheses. Only string
// equality exists; numeric comparison is deliberately absent.

// Expr is a compiled condition
type Expr interface {
	// Eval evaluates the expression against a run context
	Eval(ctx map[string]types.StageResult) (bool, error)
	// refs appends the stage IDs the expression reads
	refs(ids map[string]bool)
}

// ParseCondition compiles a condition expression. Errors are BadCondition.
func ParseCondition(src string) (Expr, error) {
	toks, err := lex(src)
	if err != nil {
		return nil, err
	}
	p := &parser{src: src, toks: toks}
	expr, err := p.parseOr()
	if err != nil {
		return nil, err
	}
	if p.pos != len(p.toks) {
		return nil, badCondition(src, "unexpected %q", p.toks[p.pos].text)
	}
	return expr, nil
}

// ConditionRefs returns the stage IDs a condition reads
func ConditionRefs(expr Expr) []string {
	ids := make(map[string]bool)
	expr.refs(ids)
	out := make([]string, 0, len(ids))
	for id := range ids {
		out = append(out, id)
	}
	return out
}

func badCondition(src, format string, args ...interface{}) error {
	msg := fmt.Sprintf(format, args...)
	return types.NewTaskError(types.ErrBadCondition, "condition %q: %s", src, msg)
}

// --- lexer ---

type tokKind int

const (
	tokRef    tokKind = iota // $stage.status or $stage.output.path
	tokString                // "literal"
	tokEq                    // ==
	tokNeq                   // !=
	tokAnd                   // &&
	tokOr                    // ||
	tokNot                   // !
	tokLParen
	tokRParen
)

type token struct {
	kind tokKind
	text string
}

func isRefChar(c byte) bool {
	return c == '_' || c == '-' || c == '.' ||
		(c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9')
}

func lex(src string) ([]token, error) {
	var toks []token
	i := 0
	for i < len(src) {
		c := src[i]
		switch {
		case c == ' ' || c == '\t' || c == '\n':
			i++
		case c == '(':
			toks = append(toks, token{tokLParen, "("})
			i++
		case c == ')':
			toks = append(toks, token{tokRParen, ")"})
			i++
		case c == '=':
			if i+1 >= len(src) || src[i+1] != '=' {
				return nil, badCondition(src, "expected == at offset %d", i)
			}
			toks = append(toks, token{tokEq, "=="})
			i += 2
		case c == '!':
			if i+1 < len(src) && src[i+1] == '=' {
				toks = append(toks, token{tokNeq, "!="})
				i += 2
			} else {
				toks = append(toks, token{tokNot, "!"})
				i++
			}
		case c == '&':
			if i+1 >= len(src) || src[i+1] != '&' {
				return nil, badCondition(src, "expected && at offset %d", i)
			}
			toks = append(toks, token{tokAnd, "&&"})
			i += 2
		case c == '|':
			if i+1 >= len(src) || src[i+1] != '|' {
				return nil, badCondition(src, "expected || at offset %d", i)
			}
			toks = append(toks, token{tokOr, "||"})
			i += 2
		case c == '"':
			j := i + 1
			for j < len(src) && src[j] != '"' {
				j++
			}
			if j >= len(src) {
				return nil, badCondition(src, "unterminated string at offset %d", i)
			}
			toks = append(toks, token{tokString, src[i+1 : j]})
			i = j + 1
		case c == '$':
			j := i + 1
			for j < len(src) && isRefChar(src[j]) {
				j++
			}
			if j == i+1 {
				return nil, badCondition(src, "empty reference at offset %d", i)
			}
			toks = append(toks, token{tokRef, src[i+1 : j]})
			i = j
		default:
			return nil, badCondition(src, "unexpected character %q at offset %d", string(c), i)
		}
	}
	return toks, nil
}

// --- parser ---

type parser struct {
	src  string
	toks []token
	pos  int
}

func (p *parser) peek() (token, bool) {
	if p.pos < len(p.toks) {
		return p.toks[p.pos], true
	}
	return token{}, false
}

func (p *parser) parseOr() (Expr, error) {
	left, err := p.parseAnd()
	if err != nil {
		return nil, err
	}
	for {
		t, ok := p.peek()
		if !ok || t.kind != tokOr {
			return left, nil
		}
		p.pos++
		right, err := p.parseAnd()
		if err != nil {
			return nil, err
		}
		left = &binaryExpr{op: tokOr, left: left, right: right}
	}
}

func (p *parser) parseAnd() (Expr, error) {
	left, err := p.parseUnary()
	if err != nil {
		return nil, err
	}
	for {
		t, ok := p.peek()
		if !ok || t.kind != tokAnd {
			return left, nil
		}
		p.pos++
		right, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		left = &binaryExpr{op: tokAnd, left: left, right: right}
	}
}

func (p *parser) parseUnary() (Expr, error) {
	t, ok := p.peek()
	if ok && t.kind == tokNot {
		p.pos++
		inner, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		return &notExpr{inner: inner}, nil
	}
	return p.parsePrimary()
}

func (p *parser) parsePrimary() (Expr, error) {
	t, ok := p.peek()
	if !ok {
		return nil, badCondition(p.src, "unexpected end of expression")
	}
	if t.kind == tokLParen {
		p.pos++
		inner, err := p.parseOr()
		if err != nil {
			return nil, err
		}
		t, ok = p.peek()
		if !ok || t.kind != tokRParen {
			return nil, badCondition(p.src, "missing closing parenthesis")
		}
		p.pos++
		return inner, nil
	}
	return p.parseComparison()
}

func (p *parser) parseComparison() (Expr, error) {
	left, err := p.parseValue()
	if err != nil {
		return nil, err
	}
	t, ok := p.peek()
	if !ok || (t.kind != tokEq && t.kind != tokNeq) {
		return nil, badCondition(p.src, "expected == or !=")
	}
	p.pos++
	right, err := p.parseValue()
	if err != nil {
		return nil, err
	}
	return &cmpExpr{op: t.kind, left: left, right: right}, nil
}

func (p *parser) parseValue() (value, error) {
	t, ok := p.peek()
	if !ok {
		return nil, badCondition(p.src, "expected a value")
	}
	switch t.kind {
	case tokString:
		p.pos++
		return literal(t.text), nil
	case tokRef:
		p.pos++
		return p.makeRef(t.text)
	default:
		return nil, badCondition(p.src, "expected a value, got %q", t.text)
	}
}

func (p *parser) makeRef(text string) (value, error) {
	parts := strings.Split(text, ".")
	if len(parts) == 2 && parts[1] == "status" {
		return &ref{stageID: parts[0], status: true}, nil
	}
	if len(parts) >= 3 && parts[1] == "output" {
		return &ref{stageID: parts[0], path: parts[2:]}, nil
	}
	return nil, badCondition(p.src, "reference must be $<stage>.status or $<stage>.output.<path>, got $%s", text)
}

// --- AST ---

type value interface {
	resolve(src string, ctx map[string]types.StageResult) (string, error)
	refs(ids map[string]bool)
}

type literal string

func (l literal) resolve(string, map[string]types.StageResult) (string, error) {
	return string(l), nil
}

func (l literal) refs(map[string]bool) {}

type ref struct {
	stageID string
	status  bool
	path    []string
}

func (r *ref) refs(ids map[string]bool) { ids[r.stageID] = true }

func (r *ref) resolve(src string, ctx map[string]types.StageResult) (string, error) {
	sr, ok := ctx[r.stageID]
	if !ok {
		// Upstream contributed no result (skipped stages leave no output);
		// references resolve to the empty string rather than failing.
		return "", nil
	}
	if r.status {
		return sr.Status, nil
	}
	var cur interface{} = sr.Output
	for _, key := range r.path {
		m, ok := cur.(map[string]interface{})
		if !ok {
			return "", nil
		}
		cur, ok = m[key]
		if !ok {
			return "", nil
		}
	}
	switch v := cur.(type) {
	case string:
		return v, nil
	case bool:
		if v {
			return "true", nil
		}
		return "false", nil
	case nil:
		return "", nil
	default:
		return "", badCondition(src, "$%s.output.%s is not a string", r.stageID, strings.Join(r.path, "."))
	}
}

type cmpExpr struct {
	op          tokKind
	left, right value
}

func (e *cmpExpr) refs(ids map[string]bool) {
	e.left.refs(ids)
	e.right.refs(ids)
}

func (e *cmpExpr) Eval(ctx map[string]types.StageResult) (bool, error) {
	lv, err := e.left.resolve("", ctx)
	if err != nil {
		return false, err
	}
	rv, err := e.right.resolve("", ctx)
	if err != nil {
		return false, err
	}
	if e.op == tokEq {
		return lv == rv, nil
	}
	return lv != rv, nil
}

type notExpr struct {
	inner Expr
}

func (e *notExpr) refs(ids map[string]bool) { e.inner.refs(ids) }

func (e *notExpr) Eval(ctx map[string]types.StageResult) (bool, error) {
	v, err := e.inner.Eval(ctx)
	return !v, err
}

type binaryExpr struct {
	op          tokKind
	left, right Expr
}

func (e *binaryExpr) refs(ids map[string]bool) {
	e.left.refs(ids)
	e.right.refs(ids)
}

func (e *binaryExpr) Eval(ctx map[string]types.StageResult) (bool, error) {
	lv, err := e.left.Eval(ctx)
	if err != nil {
		return false, err
	}
	if e.op == tokAnd && !lv {
		return false, nil
	}
	if e.op == tokOr && lv {
		return true, nil
	}
	return e.right.Eval(ctx)
}
