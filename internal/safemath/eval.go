// Package safemath evaluates tool performance formulas under a strict
// whitelist: numeric literals, a fixed variable set, arithmetic and
// comparison operators, and a small function set. Anything else is rejected
// at parse time. There is no attribute access, no assignment, and no call
// outside the whitelist, so catalog-supplied formula strings cannot reach
// process state.
package safemath

import (
	"math"
	"strconv"

	"github.com/opspilot/backend/internal/faults"
)

const (
	// MaxDepth bounds the parsed AST so pathological formulas cannot blow
	// the stack or burn CPU.
	MaxDepth = 20
	// MaxExponent bounds the magnitude of the pow() exponent.
	MaxExponent = 100
)

// funcArity is the function whitelist. Arity -1 means variadic (≥ 2).
var funcArity = map[string]int{
	"log":   1,
	"sqrt":  1,
	"abs":   1,
	"ceil":  1,
	"floor": 1,
	"pow":   2,
	"min":   -1,
	"max":   -1,
}

// ============================================================================
// AST
// ============================================================================

type node interface {
	depth() int
}

type numNode struct{ val float64 }

type varNode struct{ name string }

type unaryNode struct {
	op      string
	operand node
}

type binaryNode struct {
	op          string
	left, right node
}

type callNode struct {
	fn   string
	args []node
}

func (numNode) depth() int { return 1 }
func (varNode) depth() int { return 1 }

func (n unaryNode) depth() int { return 1 + n.operand.depth() }

func (n binaryNode) depth() int {
	l, r := n.left.depth(), n.right.depth()
	if l > r {
		return 1 + l
	}
	return 1 + r
}

func (n callNode) depth() int {
	max := 0
	for _, a := range n.args {
		if d := a.depth(); d > max {
			max = d
		}
	}
	return 1 + max
}

// Expr is a parsed, validated formula ready for repeated evaluation.
type Expr struct {
	root node
	src  string
}

// Source returns the original formula text.
func (e *Expr) Source() string { return e.src }

// ============================================================================
// PARSER
// ============================================================================

// Parse validates src against the whitelist grammar. vars is the fixed set
// of identifiers the formula may reference (e.g. N, pages, p95_latency).
func Parse(src string, vars []string) (*Expr, error) {
	allowed := make(map[string]bool, len(vars))
	for _, v := range vars {
		allowed[v] = true
	}

	toks, err := lex(src)
	if err != nil {
		return nil, err
	}

	p := &parser{toks: toks, vars: allowed, src: src}
	root, err := p.parseComparison()
	if err != nil {
		return nil, err
	}
	if p.peek().kind != tokEOF {
		return nil, faults.Newf(faults.KindValidation, "formula %q: unexpected %q", src, p.peek().text)
	}
	if d := root.depth(); d > MaxDepth {
		return nil, faults.Newf(faults.KindValidation, "formula %q: expression depth %d exceeds limit %d", src, d, MaxDepth)
	}
	return &Expr{root: root, src: src}, nil
}

// Eval parses and evaluates src in one call. The allowed variable set is the
// key set of bindings.
func Eval(src string, bindings map[string]float64) (float64, error) {
	vars := make([]string, 0, len(bindings))
	for k := range bindings {
		vars = append(vars, k)
	}
	expr, err := Parse(src, vars)
	if err != nil {
		return 0, err
	}
	return expr.Eval(bindings)
}

type tokenKind int

const (
	tokEOF tokenKind = iota
	tokNumber
	tokIdent
	tokOp
	tokLParen
	tokRParen
	tokComma
)

type token struct {
	kind tokenKind
	text string
	pos  int
}

func lex(src string) ([]token, error) {
	var toks []token
	i := 0
	for i < len(src) {
		c := src[i]
		switch {
		case c == ' ' || c == '\t' || c == '\n' || c == '\r':
			i++
		case c >= '0' && c <= '9':
			j := i
			seenDot := false
			for j < len(src) && (isDigit(src[j]) || (src[j] == '.' && !seenDot)) {
				if src[j] == '.' {
					seenDot = true
				}
				j++
			}
			toks = append(toks, token{tokNumber, src[i:j], i})
			i = j
		case isIdentStart(c):
			j := i
			for j < len(src) && isIdentPart(src[j]) {
				j++
			}
			toks = append(toks, token{tokIdent, src[i:j], i})
			i = j
		case c == '(':
			toks = append(toks, token{tokLParen, "(", i})
			i++
		case c == ')':
			toks = append(toks, token{tokRParen, ")", i})
			i++
		case c == ',':
			toks = append(toks, token{tokComma, ",", i})
			i++
		case c == '+' || c == '-' || c == '*' || c == '%':
			toks = append(toks, token{tokOp, string(c), i})
			i++
		case c == '/':
			if i+1 < len(src) && src[i+1] == '/' {
				toks = append(toks, token{tokOp, "//", i})
				i += 2
			} else {
				toks = append(toks, token{tokOp, "/", i})
				i++
			}
		case c == '<' || c == '>':
			if i+1 < len(src) && src[i+1] == '=' {
				toks = append(toks, token{tokOp, string(c) + "=", i})
				i += 2
			} else {
				toks = append(toks, token{tokOp, string(c), i})
				i++
			}
		case c == '=' || c == '!':
			if i+1 < len(src) && src[i+1] == '=' {
				toks = append(toks, token{tokOp, string(c) + "=", i})
				i += 2
			} else {
				return nil, faults.Newf(faults.KindValidation, "formula: unexpected character %q at %d", string(c), i)
			}
		default:
			return nil, faults.Newf(faults.KindValidation, "formula: unexpected character %q at %d", string(c), i)
		}
	}
	toks = append(toks, token{tokEOF, "", len(src)})
	return toks, nil
}

func isDigit(c byte) bool      { return c >= '0' && c <= '9' }
func isIdentStart(c byte) bool { return c == '_' || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') }
func isIdentPart(c byte) bool  { return isIdentStart(c) || isDigit(c) }

type parser struct {
	toks []token
	pos  int
	vars map[string]bool
	src  string
}

func (p *parser) peek() token { return p.toks[p.pos] }

func (p *parser) next() token {
	t := p.toks[p.pos]
	if t.kind != tokEOF {
		p.pos++
	}
	return t
}

func (p *parser) errf(format string, args ...interface{}) error {
	prefix := "formula " + strconv.Quote(p.src) + ": "
	return faults.Newf(faults.KindValidation, prefix+format, args...)
}

func (p *parser) parseComparison() (node, error) {
	left, err := p.parseAdditive()
	if err != nil {
		return nil, err
	}
	t := p.peek()
	if t.kind == tokOp && isComparisonOp(t.text) {
		p.next()
		right, err := p.parseAdditive()
		if err != nil {
			return nil, err
		}
		return binaryNode{op: t.text, left: left, right: right}, nil
	}
	return left, nil
}

func (p *parser) parseAdditive() (node, error) {
	left, err := p.parseMultiplicative()
	if err != nil {
		return nil, err
	}
	for {
		t := p.peek()
		if t.kind != tokOp || (t.text != "+" && t.text != "-") {
			return left, nil
		}
		p.next()
		right, err := p.parseMultiplicative()
		if err != nil {
			return nil, err
		}
		left = binaryNode{op: t.text, left: left, right: right}
	}
}

func (p *parser) parseMultiplicative() (node, error) {
	left, err := p.parseUnary()
	if err != nil {
		return nil, err
	}
	for {
		t := p.peek()
		if t.kind != tokOp || (t.text != "*" && t.text != "/" && t.text != "//" && t.text != "%") {
			return left, nil
		}
		p.next()
		right, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		left = binaryNode{op: t.text, left: left, right: right}
	}
}

func (p *parser) parseUnary() (node, error) {
	t := p.peek()
	if t.kind == tokOp && t.text == "-" {
		p.next()
		operand, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		return unaryNode{op: "-", operand: operand}, nil
	}
	return p.parsePrimary()
}

func (p *parser) parsePrimary() (node, error) {
	t := p.next()
	switch t.kind {
	case tokNumber:
		v, err := strconv.ParseFloat(t.text, 64)
		if err != nil {
			return nil, p.errf("bad number %q", t.text)
		}
		return numNode{val: v}, nil

	case tokIdent:
		if p.peek().kind == tokLParen {
			return p.parseCall(t.text)
		}
		if !p.vars[t.text] {
			return nil, p.errf("unknown identifier %q", t.text)
		}
		return varNode{name: t.text}, nil

	case tokLParen:
		inner, err := p.parseComparison()
		if err != nil {
			return nil, err
		}
		if p.peek().kind != tokRParen {
			return nil, p.errf("missing closing parenthesis")
		}
		p.next()
		return inner, nil

	default:
		return nil, p.errf("unexpected %q", t.text)
	}
}

func (p *parser) parseCall(name string) (node, error) {
	arity, ok := funcArity[name]
	if !ok {
		return nil, p.errf("unknown function %q", name)
	}
	p.next() // consume '('

	var args []node
	if p.peek().kind != tokRParen {
		for {
			arg, err := p.parseComparison()
			if err != nil {
				return nil, err
			}
			args = append(args, arg)
			if p.peek().kind == tokComma {
				p.next()
				continue
			}
			break
		}
	}
	if p.peek().kind != tokRParen {
		return nil, p.errf("missing closing parenthesis in call to %q", name)
	}
	p.next()

	if arity >= 0 && len(args) != arity {
		return nil, p.errf("%s expects %d argument(s), got %d", name, arity, len(args))
	}
	if arity < 0 && len(args) < 2 {
		return nil, p.errf("%s expects at least 2 arguments, got %d", name, len(args))
	}
	return callNode{fn: name, args: args}, nil
}

func isComparisonOp(op string) bool {
	switch op {
	case "<", "<=", ">", ">=", "==", "!=":
		return true
	}
	return false
}

// ============================================================================
// EVALUATION
// ============================================================================

// Eval computes the formula against the given bindings. Missing bindings,
// division by zero, out-of-range exponents, and non-finite results are all
// VALIDATION errors.
func (e *Expr) Eval(bindings map[string]float64) (float64, error) {
	v, err := e.eval(e.root, bindings)
	if err != nil {
		return 0, err
	}
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, faults.Newf(faults.KindValidation, "formula %q: non-finite result", e.src)
	}
	return v, nil
}

func (e *Expr) eval(n node, bindings map[string]float64) (float64, error) {
	switch t := n.(type) {
	case numNode:
		return t.val, nil

	case varNode:
		v, ok := bindings[t.name]
		if !ok {
			return 0, faults.Newf(faults.KindValidation, "formula %q: unbound variable %q", e.src, t.name)
		}
		return v, nil

	case unaryNode:
		v, err := e.eval(t.operand, bindings)
		if err != nil {
			return 0, err
		}
		return -v, nil

	case binaryNode:
		l, err := e.eval(t.left, bindings)
		if err != nil {
			return 0, err
		}
		r, err := e.eval(t.right, bindings)
		if err != nil {
			return 0, err
		}
		return e.applyBinary(t.op, l, r)

	case callNode:
		args := make([]float64, len(t.args))
		for i, a := range t.args {
			v, err := e.eval(a, bindings)
			if err != nil {
				return 0, err
			}
			args[i] = v
		}
		return e.applyFunc(t.fn, args)

	default:
		return 0, faults.Newf(faults.KindInternal, "formula %q: unknown node", e.src)
	}
}

func (e *Expr) applyBinary(op string, l, r float64) (float64, error) {
	switch op {
	case "+":
		return l + r, nil
	case "-":
		return l - r, nil
	case "*":
		return l * r, nil
	case "/":
		if r == 0 {
			return 0, faults.Newf(faults.KindValidation, "formula %q: division by zero", e.src)
		}
		return l / r, nil
	case "//":
		if r == 0 {
			return 0, faults.Newf(faults.KindValidation, "formula %q: division by zero", e.src)
		}
		return math.Floor(l / r), nil
	case "%":
		if r == 0 {
			return 0, faults.Newf(faults.KindValidation, "formula %q: modulo by zero", e.src)
		}
		return math.Mod(l, r), nil
	case "<":
		return boolToFloat(l < r), nil
	case "<=":
		return boolToFloat(l <= r), nil
	case ">":
		return boolToFloat(l > r), nil
	case ">=":
		return boolToFloat(l >= r), nil
	case "==":
		return boolToFloat(l == r), nil
	case "!=":
		return boolToFloat(l != r), nil
	}
	return 0, faults.Newf(faults.KindInternal, "formula %q: unknown operator %q", e.src, op)
}

func (e *Expr) applyFunc(fn string, args []float64) (float64, error) {
	switch fn {
	case "log":
		if args[0] <= 0 {
			return 0, faults.Newf(faults.KindValidation, "formula %q: log of non-positive value", e.src)
		}
		return math.Log(args[0]), nil
	case "sqrt":
		if args[0] < 0 {
			return 0, faults.Newf(faults.KindValidation, "formula %q: sqrt of negative value", e.src)
		}
		return math.Sqrt(args[0]), nil
	case "abs":
		return math.Abs(args[0]), nil
	case "ceil":
		return math.Ceil(args[0]), nil
	case "floor":
		return math.Floor(args[0]), nil
	case "pow":
		if math.Abs(args[1]) > MaxExponent {
			return 0, faults.Newf(faults.KindValidation, "formula %q: exponent magnitude %g exceeds limit %d", e.src, args[1], MaxExponent)
		}
		return math.Pow(args[0], args[1]), nil
	case "min":
		out := args[0]
		for _, v := range args[1:] {
			out = math.Min(out, v)
		}
		return out, nil
	case "max":
		out := args[0]
		for _, v := range args[1:] {
			out = math.Max(out, v)
		}
		return out, nil
	}
	return 0, faults.Newf(faults.KindInternal, "formula %q: unknown function %q", e.src, fn)
}

func boolToFloat(b bool) float64 {
	if b {
		return 1
	}
	return 0
}

// AllowedFunctions lists the function whitelist, sorted for display.
func AllowedFunctions() []string {
	names := make([]string, 0, len(funcArity))
	for n := range funcArity {
		names = append(names, n)
	}
	// small fixed set; insertion sort keeps it dependency-free
	for i := 1; i < len(names); i++ {
		for j := i; j > 0 && names[j] < names[j-1]; j-- {
			names[j], names[j-1] = names[j-1], names[j]
		}
	}
	return names
}

// Validate parses src against the allowed variable set without evaluating,
// for catalog-time formula checks.
func Validate(src string, vars []string) error {
	_, err := Parse(src, vars)
	return err
}
