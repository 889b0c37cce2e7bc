package anonymizer

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
	"unicode"

	"github.com/ehr/deidentify/internal/fhir"
)

// ============================================================================
// PathExpression — public API
// ============================================================================

// PathExpression is a compiled path query. Expressions are compiled once when
// a rule set is loaded and evaluated many times, against one document root
// per call. The supported language is the FHIRPath subset the rule engine
// needs: field navigation, indexing, where/exists predicates, comparisons,
// boolean operators and unions.
type PathExpression struct {
	source string
	ast    *astNode
}

// CompilePath parses a path expression into its evaluatable form.
func CompilePath(expression string) (*PathExpression, error) {
	expression = strings.TrimSpace(expression)
	if expression == "" {
		return nil, fmt.Errorf("fhirpath: empty expression")
	}

	tokens, err := tokenize(expression)
	if err != nil {
		return nil, fmt.Errorf("fhirpath: tokenize %q: %w", expression, err)
	}

	p := &parser{tokens: tokens}
	ast, err := p.parseExpression(0)
	if err != nil {
		return nil, fmt.Errorf("fhirpath: parse %q: %w", expression, err)
	}
	if tok := p.peek(); tok.kind != tkEOF {
		return nil, fmt.Errorf("fhirpath: unexpected token %q at position %d in %q", tok.value, tok.pos, expression)
	}

	return &PathExpression{source: expression, ast: ast}, nil
}

// String returns the original expression text.
func (x *PathExpression) String() string { return x.source }

// Evaluate runs the expression against a resource root and returns the
// result collection. Items are either *fhir.Node (element matches) or plain
// scalars (computed values).
func (x *PathExpression) Evaluate(root *fhir.Node) ([]interface{}, error) {
	if root == nil {
		return nil, nil
	}
	ctx := &evalContext{root: root}
	result, err := ctx.eval(x.ast, []interface{}{root})
	if err != nil {
		return nil, fmt.Errorf("fhirpath: eval %q: %w", x.source, err)
	}
	return result, nil
}

// Nodes evaluates the expression and keeps only element matches, which is
// what rule application operates on.
func (x *PathExpression) Nodes(root *fhir.Node) ([]*fhir.Node, error) {
	coll, err := x.Evaluate(root)
	if err != nil {
		return nil, err
	}
	var nodes []*fhir.Node
	for _, item := range coll {
		if n, ok := item.(*fhir.Node); ok {
			nodes = append(nodes, n)
		}
	}
	return nodes, nil
}

// EvaluateBool evaluates the expression and collapses the result collection
// to a boolean: empty is false, a single boolean is itself, anything else
// non-empty is true.
func (x *PathExpression) EvaluateBool(root *fhir.Node) (bool, error) {
	coll, err := x.Evaluate(root)
	if err != nil {
		return false, err
	}
	return collectionToBool(coll), nil
}

// ============================================================================
// Token types
// ============================================================================

type tokenKind int

const (
	tkIdent    tokenKind = iota // identifier or keyword
	tkNumber                    // integer or decimal
	tkString                    // 'single-quoted'
	tkDateTime                  // @2024-01-01 ...
	tkDot                       // .
	tkLParen                    // (
	tkRParen                    // )
	tkLBrack                    // [
	tkRBrack                    // ]
	tkComma                     // ,
	tkEq                        // =
	tkNe                        // !=
	tkLt                        // <
	tkGt                        // >
	tkLe                        // <=
	tkGe                        // >=
	tkPipe                      // |
	tkEOF                       // end-of-input
)

type token struct {
	kind  tokenKind
	value string
	pos   int
}

// ============================================================================
// Lexer
// ============================================================================

func tokenize(input string) ([]token, error) {
	var tokens []token
	i := 0
	n := len(input)

	for i < n {
		ch := input[i]

		if ch == ' ' || ch == '\t' || ch == '\n' || ch == '\r' {
			i++
			continue
		}

		start := i

		switch {
		case ch == '.':
			tokens = append(tokens, token{tkDot, ".", start})
			i++
		case ch == '(':
			tokens = append(tokens, token{tkLParen, "(", start})
			i++
		case ch == ')':
			tokens = append(tokens, token{tkRParen, ")", start})
			i++
		case ch == '[':
			tokens = append(tokens, token{tkLBrack, "[", start})
			i++
		case ch == ']':
			tokens = append(tokens, token{tkRBrack, "]", start})
			i++
		case ch == ',':
			tokens = append(tokens, token{tkComma, ",", start})
			i++
		case ch == '|':
			tokens = append(tokens, token{tkPipe, "|", start})
			i++
		case ch == '=':
			tokens = append(tokens, token{tkEq, "=", start})
			i++
		case ch == '!':
			if i+1 < n && input[i+1] == '=' {
				tokens = append(tokens, token{tkNe, "!=", start})
				i += 2
			} else {
				return nil, fmt.Errorf("unexpected character '!' at position %d", start)
			}
		case ch == '<':
			if i+1 < n && input[i+1] == '=' {
				tokens = append(tokens, token{tkLe, "<=", start})
				i += 2
			} else {
				tokens = append(tokens, token{tkLt, "<", start})
				i++
			}
		case ch == '>':
			if i+1 < n && input[i+1] == '=' {
				tokens = append(tokens, token{tkGe, ">=", start})
				i += 2
			} else {
				tokens = append(tokens, token{tkGt, ">", start})
				i++
			}
		case ch == '\'':
			i++ // skip opening quote
			var sb strings.Builder
			for i < n && input[i] != '\'' {
				if input[i] == '\\' && i+1 < n {
					i++
					switch input[i] {
					case '\\':
						sb.WriteByte('\\')
					case '\'':
						sb.WriteByte('\'')
					case 'n':
						sb.WriteByte('\n')
					case 't':
						sb.WriteByte('\t')
					default:
						sb.WriteByte(input[i])
					}
				} else {
					sb.WriteByte(input[i])
				}
				i++
			}
			if i >= n {
				return nil, fmt.Errorf("unterminated string at position %d", start)
			}
			i++ // skip closing quote
			tokens = append(tokens, token{tkString, sb.String(), start})
		case ch == '@':
			// datetime literal @YYYY-MM-DD or @YYYY-MM-DDTHH:MM:SS...
			i++
			j := i
			for j < n && (input[j] == '-' || input[j] == ':' || input[j] == 'T' ||
				input[j] == '+' || input[j] == 'Z' || (input[j] >= '0' && input[j] <= '9') || input[j] == '.') {
				j++
			}
			tokens = append(tokens, token{tkDateTime, input[i:j], start})
			i = j
		case ch == '-' || (ch >= '0' && ch <= '9'):
			j := i
			if ch == '-' {
				j++
			}
			for j < n && input[j] >= '0' && input[j] <= '9' {
				j++
			}
			if j < n && input[j] == '.' {
				// Decimal only when a digit follows the dot; otherwise the
				// dot is navigation.
				if j+1 < n && input[j+1] >= '0' && input[j+1] <= '9' {
					j++
					for j < n && input[j] >= '0' && input[j] <= '9' {
						j++
					}
				}
			}
			tokens = append(tokens, token{tkNumber, input[i:j], start})
			i = j
		case ch == '_' || unicode.IsLetter(rune(ch)):
			j := i
			for j < n && (input[j] == '_' || unicode.IsLetter(rune(input[j])) || unicode.IsDigit(rune(input[j]))) {
				j++
			}
			tokens = append(tokens, token{tkIdent, input[i:j], start})
			i = j
		default:
			return nil, fmt.Errorf("unexpected character %q at position %d", string(ch), start)
		}
	}

	tokens = append(tokens, token{tkEOF, "", n})
	return tokens, nil
}

// ============================================================================
// AST node types
// ============================================================================

type astKind int

const (
	ndLiteral  astKind = iota // string, number, bool, datetime
	ndPath                    // identifier (field name or resource type)
	ndDot                     // a.b
	ndIndex                   // a[n]
	ndFunction                // a.fn(args...)
	ndCompare                 // a op b  (=, !=, <, >, <=, >=)
	ndAnd                     // a and b
	ndOr                      // a or b
	ndImplies                 // a implies b
	ndUnion                   // a | b
)

type astNode struct {
	kind     astKind
	value    interface{} // literal value, identifier name or operator string
	children []*astNode
}

// ============================================================================
// Parser — recursive descent
// ============================================================================

type parser struct {
	tokens []token
	pos    int
}

func (p *parser) peek() token {
	if p.pos < len(p.tokens) {
		return p.tokens[p.pos]
	}
	return token{kind: tkEOF, pos: -1}
}

func (p *parser) advance() token {
	t := p.peek()
	if p.pos < len(p.tokens) {
		p.pos++
	}
	return t
}

func (p *parser) expect(kind tokenKind) (token, error) {
	t := p.advance()
	if t.kind != kind {
		return t, fmt.Errorf("unexpected token %q at position %d", t.value, t.pos)
	}
	return t, nil
}

// Operator precedence (lowest to highest):
//   implies  (1)
//   or       (2)
//   and      (3)
//   |        (4)  union
//   = != < > <= >= (5)
//   . [] () (postfix)

func (p *parser) parseExpression(minPrec int) (*astNode, error) {
	left, err := p.parsePostfix()
	if err != nil {
		return nil, err
	}
	for {
		tok := p.peek()
		prec, kind, opValue := p.infixInfo(tok)
		if prec < minPrec {
			break
		}
		p.advance()
		right, err := p.parseExpression(prec + 1)
		if err != nil {
			return nil, err
		}
		node := &astNode{kind: kind, children: []*astNode{left, right}}
		if kind == ndCompare {
			node.value = opValue
		}
		left = node
	}
	return left, nil
}

func (p *parser) infixInfo(tok token) (int, astKind, string) {
	switch {
	case tok.kind == tkIdent && tok.value == "implies":
		return 1, ndImplies, "implies"
	case tok.kind == tkIdent && tok.value == "or":
		return 2, ndOr, "or"
	case tok.kind == tkIdent && tok.value == "and":
		return 3, ndAnd, "and"
	case tok.kind == tkPipe:
		return 4, ndUnion, "|"
	case tok.kind == tkEq:
		return 5, ndCompare, "="
	case tok.kind == tkNe:
		return 5, ndCompare, "!="
	case tok.kind == tkLt:
		return 5, ndCompare, "<"
	case tok.kind == tkGt:
		return 5, ndCompare, ">"
	case tok.kind == tkLe:
		return 5, ndCompare, "<="
	case tok.kind == tkGe:
		return 5, ndCompare, ">="
	}
	return -1, 0, ""
}

func (p *parser) parsePostfix() (*astNode, error) {
	node, err := p.parsePrimary()
	if err != nil {
		return nil, err
	}

	for {
		tok := p.peek()
		if tok.kind == tkDot {
			p.advance()
			next := p.peek()
			if next.kind != tkIdent {
				return nil, fmt.Errorf("expected identifier after '.' at position %d", next.pos)
			}
			ident := p.advance()

			if p.peek().kind == tkLParen {
				p.advance()
				args, err := p.parseArgList()
				if err != nil {
					return nil, err
				}
				if _, err := p.expect(tkRParen); err != nil {
					return nil, err
				}
				node = &astNode{
					kind:     ndFunction,
					value:    ident.value,
					children: append([]*astNode{node}, args...),
				}
			} else {
				right := &astNode{kind: ndPath, value: ident.value}
				node = &astNode{kind: ndDot, children: []*astNode{node, right}}
			}
		} else if tok.kind == tkLBrack {
			p.advance()
			idxTok, err := p.expect(tkNumber)
			if err != nil {
				return nil, fmt.Errorf("expected number in index at position %d", tok.pos)
			}
			if _, err := p.expect(tkRBrack); err != nil {
				return nil, err
			}
			idx, _ := strconv.ParseInt(idxTok.value, 10, 64)
			node = &astNode{kind: ndIndex, value: idx, children: []*astNode{node}}
		} else {
			break
		}
	}
	return node, nil
}

func (p *parser) parsePrimary() (*astNode, error) {
	tok := p.peek()

	switch tok.kind {
	case tkLParen:
		p.advance()
		inner, err := p.parseExpression(0)
		if err != nil {
			return nil, err
		}
		if _, err := p.expect(tkRParen); err != nil {
			return nil, err
		}
		return inner, nil

	case tkString:
		p.advance()
		return &astNode{kind: ndLiteral, value: tok.value}, nil

	case tkNumber:
		p.advance()
		if strings.Contains(tok.value, ".") {
			f, err := strconv.ParseFloat(tok.value, 64)
			if err != nil {
				return nil, fmt.Errorf("invalid decimal %q at position %d", tok.value, tok.pos)
			}
			return &astNode{kind: ndLiteral, value: f}, nil
		}
		i, err := strconv.ParseInt(tok.value, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid integer %q at position %d", tok.value, tok.pos)
		}
		return &astNode{kind: ndLiteral, value: i}, nil

	case tkDateTime:
		p.advance()
		t, err := parseDateTimeLiteral(tok.value)
		if err != nil {
			return nil, fmt.Errorf("invalid datetime %q at position %d: %w", tok.value, tok.pos, err)
		}
		return &astNode{kind: ndLiteral, value: t}, nil

	case tkIdent:
		p.advance()
		name := tok.value

		if name == "true" {
			return &astNode{kind: ndLiteral, value: true}, nil
		}
		if name == "false" {
			return &astNode{kind: ndLiteral, value: false}, nil
		}

		// Standalone function calls: today(), iif(...)
		if p.peek().kind == tkLParen {
			p.advance()
			args, err := p.parseArgList()
			if err != nil {
				return nil, err
			}
			if _, err := p.expect(tkRParen); err != nil {
				return nil, err
			}
			return &astNode{kind: ndFunction, value: name, children: args}, nil
		}

		return &astNode{kind: ndPath, value: name}, nil

	case tkEOF:
		return nil, fmt.Errorf("unexpected end of expression")

	default:
		return nil, fmt.Errorf("unexpected token %q at position %d", tok.value, tok.pos)
	}
}

func (p *parser) parseArgList() ([]*astNode, error) {
	var args []*astNode
	if p.peek().kind == tkRParen {
		return args, nil
	}
	for {
		arg, err := p.parseExpression(0)
		if err != nil {
			return nil, err
		}
		args = append(args, arg)
		if p.peek().kind != tkComma {
			break
		}
		p.advance()
	}
	return args, nil
}

// ============================================================================
// Evaluator
// ============================================================================

type evalContext struct {
	root *fhir.Node
}

func (ctx *evalContext) eval(node *astNode, input []interface{}) ([]interface{}, error) {
	if node == nil {
		return input, nil
	}
	switch node.kind {
	case ndLiteral:
		return []interface{}{node.value}, nil

	case ndPath:
		return ctx.evalPath(node, input)

	case ndDot:
		left, err := ctx.eval(node.children[0], input)
		if err != nil {
			return nil, err
		}
		return ctx.eval(node.children[1], left)

	case ndIndex:
		coll, err := ctx.eval(node.children[0], input)
		if err != nil {
			return nil, err
		}
		idx := int(node.value.(int64))
		if idx < 0 || idx >= len(coll) {
			return nil, nil
		}
		return []interface{}{coll[idx]}, nil

	case ndFunction:
		return ctx.evalFunction(node, input)

	case ndCompare:
		return ctx.evalCompare(node, input)

	case ndAnd:
		return ctx.evalBinaryBool(node, input, func(l, r bool) bool { return l && r })

	case ndOr:
		return ctx.evalBinaryBool(node, input, func(l, r bool) bool { return l || r })

	case ndImplies:
		return ctx.evalBinaryBool(node, input, func(l, r bool) bool { return !l || r })

	case ndUnion:
		return ctx.evalUnion(node, input)

	default:
		return nil, fmt.Errorf("unknown ast kind %d", node.kind)
	}
}

// evalPath resolves an identifier against the input collection. A leading
// capitalized identifier is a root type match: the exact root type,
// "Resource" or "DomainResource" select the root itself, any other type
// selects nothing.
func (ctx *evalContext) evalPath(node *astNode, input []interface{}) ([]interface{}, error) {
	name := node.value.(string)

	if isTypeName(name) {
		if name == ctx.root.Type || name == "Resource" || name == "DomainResource" {
			return []interface{}{ctx.root}, nil
		}
		return nil, nil
	}

	var result []interface{}
	for _, item := range input {
		result = append(result, navigateField(item, name)...)
	}
	return result, nil
}

// navigateField selects named children of an element. Choice elements are
// matched by prefix: "deceased" selects "deceasedDateTime" or
// "deceasedBoolean".
func navigateField(item interface{}, field string) []interface{} {
	n, ok := item.(*fhir.Node)
	if !ok {
		return nil
	}

	var out []interface{}
	for _, c := range n.Children {
		if c.Name == field {
			out = append(out, c)
		}
	}
	if out != nil {
		return out
	}

	for _, c := range n.Children {
		if len(c.Name) > len(field) && strings.HasPrefix(c.Name, field) &&
			unicode.IsUpper(rune(c.Name[len(field)])) {
			out = append(out, c)
		}
	}
	return out
}

// ============================================================================
// Comparison
// ============================================================================

func (ctx *evalContext) evalCompare(node *astNode, input []interface{}) ([]interface{}, error) {
	op, _ := node.value.(string)
	if op == "" {
		return nil, fmt.Errorf("comparison node missing operator")
	}

	leftColl, err := ctx.eval(node.children[0], input)
	if err != nil {
		return nil, err
	}
	rightColl, err := ctx.eval(node.children[1], input)
	if err != nil {
		return nil, err
	}

	// Empty operand collections compare to empty.
	if len(leftColl) == 0 || len(rightColl) == 0 {
		return nil, nil
	}

	result, err := compareValues(scalarOf(leftColl[0]), scalarOf(rightColl[0]), op)
	if err != nil {
		return nil, err
	}
	return []interface{}{result}, nil
}

// scalarOf unwraps an element match to its primitive value for comparison
// and string operations.
func scalarOf(item interface{}) interface{} {
	if n, ok := item.(*fhir.Node); ok {
		return n.Value
	}
	return item
}

func compareValues(lv, rv interface{}, op string) (bool, error) {
	ln, lok := toNumber(lv)
	rn, rok := toNumber(rv)
	if lok && rok {
		return compareNumbers(ln, rn, op), nil
	}

	lb, lbOk := lv.(bool)
	rb, rbOk := rv.(bool)
	if lbOk && rbOk {
		switch op {
		case "=":
			return lb == rb, nil
		case "!=":
			return lb != rb, nil
		}
		return false, nil
	}

	lt, ltOk := lv.(time.Time)
	rt, rtOk := rv.(time.Time)
	if ltOk && rtOk {
		return compareTimes(lt, rt, op), nil
	}

	ls := stringOf(lv)
	rs := stringOf(rv)

	switch op {
	case "=":
		return ls == rs, nil
	case "!=":
		return ls != rs, nil
	case "<":
		return ls < rs, nil
	case ">":
		return ls > rs, nil
	case "<=":
		return ls <= rs, nil
	case ">=":
		return ls >= rs, nil
	}
	return false, fmt.Errorf("unknown comparison operator %q", op)
}

func toNumber(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int64:
		return float64(n), true
	case int:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	}
	return 0, false
}

func stringOf(v interface{}) string {
	switch s := v.(type) {
	case nil:
		return ""
	case string:
		return s
	case json.Number:
		return s.String()
	case *fhir.Node:
		return s.ValueString()
	default:
		return fmt.Sprintf("%v", v)
	}
}

func compareNumbers(l, r float64, op string) bool {
	switch op {
	case "=":
		return l == r
	case "!=":
		return l != r
	case "<":
		return l < r
	case ">":
		return l > r
	case "<=":
		return l <= r
	case ">=":
		return l >= r
	}
	return false
}

func compareTimes(l, r time.Time, op string) bool {
	switch op {
	case "=":
		return l.Equal(r)
	case "!=":
		return !l.Equal(r)
	case "<":
		return l.Before(r)
	case ">":
		return l.After(r)
	case "<=":
		return !l.After(r)
	case ">=":
		return !l.Before(r)
	}
	return false
}

// ============================================================================
// Logical operators and union
// ============================================================================

func (ctx *evalContext) evalBinaryBool(node *astNode, input []interface{}, combine func(l, r bool) bool) ([]interface{}, error) {
	leftColl, err := ctx.eval(node.children[0], input)
	if err != nil {
		return nil, err
	}
	rightColl, err := ctx.eval(node.children[1], input)
	if err != nil {
		return nil, err
	}
	return []interface{}{combine(collectionToBool(leftColl), collectionToBool(rightColl))}, nil
}

func (ctx *evalContext) evalUnion(node *astNode, input []interface{}) ([]interface{}, error) {
	leftColl, err := ctx.eval(node.children[0], input)
	if err != nil {
		return nil, err
	}
	rightColl, err := ctx.eval(node.children[1], input)
	if err != nil {
		return nil, err
	}

	seen := make(map[interface{}]bool)
	var result []interface{}
	for _, v := range append(leftColl, rightColl...) {
		var key interface{}
		if n, ok := v.(*fhir.Node); ok {
			key = n
		} else {
			key = stringOf(v)
		}
		if !seen[key] {
			seen[key] = true
			result = append(result, v)
		}
	}
	return result, nil
}

// ============================================================================
// Functions
// ============================================================================

func (ctx *evalContext) evalFunction(node *astNode, input []interface{}) ([]interface{}, error) {
	name := node.value.(string)

	if isStandaloneFunction(name) {
		return ctx.evalStandaloneFunction(name, node.children, input)
	}
	if len(node.children) == 0 {
		return nil, fmt.Errorf("unknown function %q", name)
	}

	receiver := node.children[0]
	args := node.children[1:]

	coll, err := ctx.eval(receiver, input)
	if err != nil {
		return nil, err
	}

	switch name {
	case "where":
		return ctx.fnWhere(coll, args)
	case "exists":
		return ctx.fnExists(coll, args)
	case "all":
		return ctx.fnAll(coll, args)
	case "count":
		return []interface{}{int64(len(coll))}, nil
	case "first":
		if len(coll) == 0 {
			return nil, nil
		}
		return coll[:1], nil
	case "last":
		if len(coll) == 0 {
			return nil, nil
		}
		return coll[len(coll)-1:], nil
	case "empty":
		return []interface{}{len(coll) == 0}, nil
	case "hasValue":
		return []interface{}{len(coll) == 1 && scalarOf(coll[0]) != nil}, nil
	case "not":
		return []interface{}{!collectionToBool(coll)}, nil
	case "distinct":
		return ctx.fnDistinct(coll), nil
	case "select":
		return ctx.fnSelect(coll, args)
	case "ofType", "as":
		return ctx.fnOfType(coll, args)
	case "is":
		return ctx.fnIs(coll, args)
	case "children":
		return ctx.fnChildren(coll), nil
	case "descendants":
		return ctx.fnDescendants(coll), nil

	case "startsWith":
		return ctx.fnStringPredicate(coll, args, strings.HasPrefix)
	case "endsWith":
		return ctx.fnStringPredicate(coll, args, strings.HasSuffix)
	case "contains":
		return ctx.fnStringPredicate(coll, args, strings.Contains)
	case "matches":
		return ctx.fnMatches(coll, args)
	case "length":
		if len(coll) == 0 {
			return nil, nil
		}
		return []interface{}{int64(len(stringOf(coll[0])))}, nil
	case "upper":
		return ctx.fnStringTransform(coll, strings.ToUpper)
	case "lower":
		return ctx.fnStringTransform(coll, strings.ToLower)

	case "toDate", "toDateTime":
		return ctx.fnToTime(coll)

	default:
		return nil, fmt.Errorf("unknown function %q", name)
	}
}

func isStandaloneFunction(name string) bool {
	switch name {
	case "now", "today", "iif":
		return true
	}
	return false
}

func (ctx *evalContext) evalStandaloneFunction(name string, args []*astNode, input []interface{}) ([]interface{}, error) {
	switch name {
	case "now":
		return []interface{}{time.Now().UTC()}, nil
	case "today":
		now := time.Now()
		return []interface{}{time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)}, nil
	case "iif":
		if len(args) < 2 {
			return nil, fmt.Errorf("iif needs a condition and a then-branch")
		}
		condColl, err := ctx.eval(args[0], input)
		if err != nil {
			return nil, err
		}
		if collectionToBool(condColl) {
			return ctx.eval(args[1], input)
		}
		if len(args) >= 3 {
			return ctx.eval(args[2], input)
		}
		return nil, nil
	}
	return nil, fmt.Errorf("unknown standalone function %q", name)
}

func (ctx *evalContext) fnWhere(coll []interface{}, args []*astNode) ([]interface{}, error) {
	if len(args) == 0 {
		return coll, nil
	}
	var result []interface{}
	for _, item := range coll {
		val, err := ctx.eval(args[0], []interface{}{item})
		if err != nil {
			return nil, err
		}
		if collectionToBool(val) {
			result = append(result, item)
		}
	}
	return result, nil
}

func (ctx *evalContext) fnExists(coll []interface{}, args []*astNode) ([]interface{}, error) {
	if len(args) == 0 {
		return []interface{}{len(coll) > 0}, nil
	}
	for _, item := range coll {
		val, err := ctx.eval(args[0], []interface{}{item})
		if err != nil {
			return nil, err
		}
		if collectionToBool(val) {
			return []interface{}{true}, nil
		}
	}
	return []interface{}{false}, nil
}

func (ctx *evalContext) fnAll(coll []interface{}, args []*astNode) ([]interface{}, error) {
	if len(args) == 0 {
		return []interface{}{true}, nil
	}
	for _, item := range coll {
		val, err := ctx.eval(args[0], []interface{}{item})
		if err != nil {
			return nil, err
		}
		if !collectionToBool(val) {
			return []interface{}{false}, nil
		}
	}
	return []interface{}{true}, nil
}

func (ctx *evalContext) fnDistinct(coll []interface{}) []interface{} {
	seen := make(map[string]bool)
	var result []interface{}
	for _, v := range coll {
		key := stringOf(v)
		if !seen[key] {
			seen[key] = true
			result = append(result, v)
		}
	}
	return result
}

func (ctx *evalContext) fnSelect(coll []interface{}, args []*astNode) ([]interface{}, error) {
	if len(args) == 0 {
		return coll, nil
	}
	var result []interface{}
	for _, item := range coll {
		val, err := ctx.eval(args[0], []interface{}{item})
		if err != nil {
			return nil, err
		}
		result = append(result, val...)
	}
	return result, nil
}

func typeNameArg(args []*astNode) string {
	if len(args) == 0 {
		return ""
	}
	switch args[0].kind {
	case ndPath:
		return args[0].value.(string)
	case ndLiteral:
		return stringOf(args[0].value)
	}
	return ""
}

func (ctx *evalContext) fnOfType(coll []interface{}, args []*astNode) ([]interface{}, error) {
	typeName := typeNameArg(args)
	if typeName == "" {
		return coll, nil
	}
	var result []interface{}
	for _, item := range coll {
		if matchesType(item, typeName) {
			result = append(result, item)
		}
	}
	return result, nil
}

func (ctx *evalContext) fnIs(coll []interface{}, args []*astNode) ([]interface{}, error) {
	if len(coll) == 0 {
		return []interface{}{false}, nil
	}
	return []interface{}{matchesType(coll[0], typeNameArg(args))}, nil
}

func matchesType(v interface{}, typeName string) bool {
	if n, ok := v.(*fhir.Node); ok {
		return strings.EqualFold(n.Type, typeName)
	}
	switch strings.ToLower(typeName) {
	case "string":
		_, ok := v.(string)
		return ok
	case "integer":
		switch v.(type) {
		case int, int64:
			return true
		}
		return false
	case "decimal":
		_, ok := v.(float64)
		return ok
	case "boolean":
		_, ok := v.(bool)
		return ok
	case "date", "datetime":
		_, ok := v.(time.Time)
		return ok
	}
	return false
}

func (ctx *evalContext) fnChildren(coll []interface{}) []interface{} {
	var result []interface{}
	for _, item := range coll {
		if n, ok := item.(*fhir.Node); ok {
			for _, c := range n.Children {
				result = append(result, c)
			}
		}
	}
	return result
}

func (ctx *evalContext) fnDescendants(coll []interface{}) []interface{} {
	var result []interface{}
	var walk func(n *fhir.Node)
	walk = func(n *fhir.Node) {
		for _, c := range n.Children {
			result = append(result, c)
			walk(c)
		}
	}
	for _, item := range coll {
		if n, ok := item.(*fhir.Node); ok {
			walk(n)
		}
	}
	return result
}

func (ctx *evalContext) fnStringPredicate(coll []interface{}, args []*astNode, fn func(string, string) bool) ([]interface{}, error) {
	if len(coll) == 0 || len(args) == 0 {
		return nil, nil
	}
	argColl, err := ctx.eval(args[0], coll)
	if err != nil {
		return nil, err
	}
	if len(argColl) == 0 {
		return nil, nil
	}
	return []interface{}{fn(stringOf(coll[0]), stringOf(argColl[0]))}, nil
}

func (ctx *evalContext) fnMatches(coll []interface{}, args []*astNode) ([]interface{}, error) {
	if len(coll) == 0 || len(args) == 0 {
		return nil, nil
	}
	argColl, err := ctx.eval(args[0], coll)
	if err != nil {
		return nil, err
	}
	if len(argColl) == 0 {
		return nil, nil
	}
	pattern := stringOf(argColl[0])
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, fmt.Errorf("invalid regex %q: %w", pattern, err)
	}
	return []interface{}{re.MatchString(stringOf(coll[0]))}, nil
}

func (ctx *evalContext) fnStringTransform(coll []interface{}, fn func(string) string) ([]interface{}, error) {
	if len(coll) == 0 {
		return nil, nil
	}
	return []interface{}{fn(stringOf(coll[0]))}, nil
}

func (ctx *evalContext) fnToTime(coll []interface{}) ([]interface{}, error) {
	if len(coll) == 0 {
		return nil, nil
	}
	if t, ok := scalarOf(coll[0]).(time.Time); ok {
		return []interface{}{t}, nil
	}
	t, err := parseDateTimeLiteral(stringOf(coll[0]))
	if err != nil {
		return nil, nil
	}
	return []interface{}{t}, nil
}

// ============================================================================
// Utilities
// ============================================================================

// collectionToBool collapses a result collection to a boolean: empty is
// false, a single boolean is itself, anything else non-empty is true.
func collectionToBool(coll []interface{}) bool {
	if len(coll) == 0 {
		return false
	}
	if len(coll) == 1 {
		switch v := coll[0].(type) {
		case bool:
			return v
		case nil:
			return false
		default:
			return true
		}
	}
	return true
}

// isTypeName reports whether an identifier names a type (uppercase first
// rune) rather than a field.
func isTypeName(name string) bool {
	if len(name) == 0 {
		return false
	}
	return unicode.IsUpper(rune(name[0]))
}

func parseDateTimeLiteral(s string) (time.Time, error) {
	formats := []string{
		"2006-01-02T15:04:05Z07:00",
		"2006-01-02T15:04:05Z",
		"2006-01-02T15:04:05",
		"2006-01-02T15:04Z",
		"2006-01-02T15:04",
		"2006-01-02",
		"2006-01",
		"2006",
	}
	for _, f := range formats {
		if t, err := time.Parse(f, s); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("cannot parse datetime %q", s)
}
