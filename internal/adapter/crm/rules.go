package crm

import (
	"context"
	"fmt"
	"os"
	"regexp"
	"strconv"
	"strings"
	"unicode"

	"gopkg.in/yaml.v3"

	"crm-assistant/internal/domain"
)

// Rule is one validation rule applied to customer writes. The expression
// must evaluate to true for the write to proceed.
type Rule struct {
	Name    string `yaml:"name"`
	Expr    string `yaml:"expr"`
	Message string `yaml:"message"`

	compiled exprNode
}

// RulesFile is the on-disk shape of a rules document.
type RulesFile struct {
	CustomerRules []Rule `yaml:"customer_rules"`
}

// RulesEngine decorates a CRMPort with declarative validation and input
// normalization. Expressions are evaluated by a small closed interpreter;
// there is no access to anything beyond the record's own fields.
//
// Supported grammar:
//
//	expr     = or
//	or       = and { "or" and }
//	and      = unary { "and" unary }
//	unary    = "not" unary | compare
//	compare  = primary [ ("==" "!=" "<" "<=" ">" ">=") primary ]
//	primary  = number | string | "true" | "false" | field |
//	           "len" "(" field ")" | "matches" "(" field "," string ")" |
//	           "(" expr ")"
//
// Fields are name, email, phone, company, address, notes.
type RulesEngine struct {
	inner domain.CRMPort
	rules []Rule
}

// NewRulesEngine wraps inner with rules loaded from a YAML file.
func NewRulesEngine(inner domain.CRMPort, path string) (*RulesEngine, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read rules file: %w", err)
	}

	var file RulesFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse rules file: %w", err)
	}
	return NewRulesEngineFromRules(inner, file.CustomerRules)
}

// NewRulesEngineFromRules wraps inner with pre-built rules, compiling each
// expression up front so malformed rules fail at startup.
func NewRulesEngineFromRules(inner domain.CRMPort, rules []Rule) (*RulesEngine, error) {
	for i := range rules {
		node, err := compileExpr(rules[i].Expr)
		if err != nil {
			return nil, fmt.Errorf("rule %q: %w", rules[i].Name, err)
		}
		rules[i].compiled = node
	}
	return &RulesEngine{inner: inner, rules: rules}, nil
}

func (r *RulesEngine) check(nc domain.NewCustomer) error {
	env := map[string]string{
		"name":    nc.Name,
		"email":   nc.Email,
		"phone":   nc.Phone,
		"company": nc.Company,
		"address": nc.Address,
		"notes":   nc.Notes,
	}
	for _, rule := range r.rules {
		v, err := rule.compiled.eval(env)
		if err != nil {
			return fmt.Errorf("rule %q: %w", rule.Name, err)
		}
		ok, isBool := v.(bool)
		if !isBool {
			return fmt.Errorf("rule %q: expression is not boolean", rule.Name)
		}
		if !ok {
			msg := rule.Message
			if msg == "" {
				msg = "rule " + rule.Name + " failed"
			}
			return fmt.Errorf("%w: %s", domain.ErrValidation, msg)
		}
	}
	return nil
}

// normalize applies canonical formatting before the record is stored.
func normalize(nc domain.NewCustomer) domain.NewCustomer {
	nc.Name = strings.TrimSpace(nc.Name)
	nc.Email = strings.ToLower(strings.TrimSpace(nc.Email))
	nc.Phone = squashPhone(nc.Phone)
	nc.Company = strings.TrimSpace(nc.Company)
	return nc
}

func squashPhone(phone string) string {
	var b strings.Builder
	for _, r := range phone {
		if r == ' ' || r == '-' || r == '(' || r == ')' {
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (r *RulesEngine) CreateCustomer(ctx context.Context, nc domain.NewCustomer) (domain.Customer, error) {
	nc = normalize(nc)
	if err := r.check(nc); err != nil {
		return domain.Customer{}, err
	}
	return r.inner.CreateCustomer(ctx, nc)
}

func (r *RulesEngine) UpdateCustomer(ctx context.Context, id int64, fields domain.NewCustomer) (domain.Customer, error) {
	current, err := r.inner.GetCustomer(ctx, id)
	if err != nil {
		return domain.Customer{}, err
	}

	fields = normalize(fields)
	// Rules see the record as it would look after the update.
	merged := domain.NewCustomer{
		Name:    coalesce(fields.Name, current.Name),
		Email:   coalesce(fields.Email, current.Email),
		Phone:   coalesce(fields.Phone, current.Phone),
		Company: coalesce(fields.Company, current.Company),
		Address: coalesce(fields.Address, current.Address),
		Notes:   coalesce(fields.Notes, current.Notes),
	}
	if err := r.check(merged); err != nil {
		return domain.Customer{}, err
	}
	return r.inner.UpdateCustomer(ctx, id, fields)
}

func coalesce(a, b string) string {
	if a != "" {
		return a
	}
	return b
}

func (r *RulesEngine) SearchCustomers(ctx context.Context, q domain.CustomerQuery) (domain.SearchOutcome, error) {
	return r.inner.SearchCustomers(ctx, q)
}

func (r *RulesEngine) GetCustomer(ctx context.Context, id int64) (domain.Customer, error) {
	return r.inner.GetCustomer(ctx, id)
}

func (r *RulesEngine) ListProducts(ctx context.Context, query string) ([]domain.Product, error) {
	return r.inner.ListProducts(ctx, query)
}

func (r *RulesEngine) CreateOrder(ctx context.Context, customerID int64, lines []domain.OrderLine) (domain.Order, error) {
	return r.inner.CreateOrder(ctx, customerID, lines)
}

func (r *RulesEngine) Ping(ctx context.Context) error { return r.inner.Ping(ctx) }

func (r *RulesEngine) Name() string { return r.inner.Name() }

var _ domain.CRMPort = (*RulesEngine)(nil)

// --- expression interpreter ---

type exprNode interface {
	eval(env map[string]string) (any, error)
}

type litNode struct{ v any }

func (n litNode) eval(map[string]string) (any, error) { return n.v, nil }

type fieldNode struct{ name string }

func (n fieldNode) eval(env map[string]string) (any, error) {
	v, ok := env[n.name]
	if !ok {
		return nil, fmt.Errorf("unknown field %q", n.name)
	}
	return v, nil
}

type notNode struct{ inner exprNode }

func (n notNode) eval(env map[string]string) (any, error) {
	v, err := n.inner.eval(env)
	if err != nil {
		return nil, err
	}
	b, ok := v.(bool)
	if !ok {
		return nil, fmt.Errorf("not applied to non-boolean")
	}
	return !b, nil
}

type logicNode struct {
	op   string // "and" | "or"
	l, r exprNode
}

func (n logicNode) eval(env map[string]string) (any, error) {
	lv, err := n.l.eval(env)
	if err != nil {
		return nil, err
	}
	lb, ok := lv.(bool)
	if !ok {
		return nil, fmt.Errorf("%s applied to non-boolean", n.op)
	}
	// Short circuit.
	if n.op == "and" && !lb {
		return false, nil
	}
	if n.op == "or" && lb {
		return true, nil
	}

	rv, err := n.r.eval(env)
	if err != nil {
		return nil, err
	}
	rb, ok := rv.(bool)
	if !ok {
		return nil, fmt.Errorf("%s applied to non-boolean", n.op)
	}
	return rb, nil
}

type compareNode struct {
	op   string
	l, r exprNode
}

func (n compareNode) eval(env map[string]string) (any, error) {
	lv, err := n.l.eval(env)
	if err != nil {
		return nil, err
	}
	rv, err := n.r.eval(env)
	if err != nil {
		return nil, err
	}
	return compare(n.op, lv, rv)
}

func compare(op string, l, r any) (bool, error) {
	// Numeric comparison when either side is a number; string operands are
	// coerced so "len(phone) == 11" style mixing works both ways.
	lf, lNum := toNumber(l)
	rf, rNum := toNumber(r)
	if lNum && rNum {
		switch op {
		case "==":
			return lf == rf, nil
		case "!=":
			return lf != rf, nil
		case "<":
			return lf < rf, nil
		case "<=":
			return lf <= rf, nil
		case ">":
			return lf > rf, nil
		case ">=":
			return lf >= rf, nil
		}
	}

	ls, lStr := l.(string)
	rs, rStr := r.(string)
	if lStr && rStr {
		switch op {
		case "==":
			return ls == rs, nil
		case "!=":
			return ls != rs, nil
		case "<":
			return ls < rs, nil
		case "<=":
			return ls <= rs, nil
		case ">":
			return ls > rs, nil
		case ">=":
			return ls >= rs, nil
		}
	}

	lb, lBool := l.(bool)
	rb, rBool := r.(bool)
	if lBool && rBool {
		switch op {
		case "==":
			return lb == rb, nil
		case "!=":
			return lb != rb, nil
		}
	}

	return false, fmt.Errorf("cannot compare %T %s %T", l, op, r)
}

func toNumber(v any) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case string:
		f, err := strconv.ParseFloat(t, 64)
		return f, err == nil
	}
	return 0, false
}

type lenNode struct{ field exprNode }

func (n lenNode) eval(env map[string]string) (any, error) {
	v, err := n.field.eval(env)
	if err != nil {
		return nil, err
	}
	s, ok := v.(string)
	if !ok {
		return nil, fmt.Errorf("len applied to non-string")
	}
	return float64(len([]rune(s))), nil
}

type matchesNode struct {
	field exprNode
	re    *regexp.Regexp
}

func (n matchesNode) eval(env map[string]string) (any, error) {
	v, err := n.field.eval(env)
	if err != nil {
		return nil, err
	}
	s, ok := v.(string)
	if !ok {
		return nil, fmt.Errorf("matches applied to non-string")
	}
	return n.re.MatchString(s), nil
}

// --- lexer / parser ---

type token struct {
	kind string // "ident", "num", "str", "op", "eof"
	text string
}

type lexer struct {
	input []rune
	pos   int
}

func (l *lexer) next() (token, error) {
	for l.pos < len(l.input) && unicode.IsSpace(l.input[l.pos]) {
		l.pos++
	}
	if l.pos >= len(l.input) {
		return token{kind: "eof"}, nil
	}

	c := l.input[l.pos]
	switch {
	case unicode.IsLetter(c) || c == '_':
		start := l.pos
		for l.pos < len(l.input) && (unicode.IsLetter(l.input[l.pos]) || unicode.IsDigit(l.input[l.pos]) || l.input[l.pos] == '_') {
			l.pos++
		}
		return token{kind: "ident", text: string(l.input[start:l.pos])}, nil

	case unicode.IsDigit(c):
		start := l.pos
		for l.pos < len(l.input) && (unicode.IsDigit(l.input[l.pos]) || l.input[l.pos] == '.') {
			l.pos++
		}
		return token{kind: "num", text: string(l.input[start:l.pos])}, nil

	case c == '\'' || c == '"':
		quote := c
		l.pos++
		start := l.pos
		for l.pos < len(l.input) && l.input[l.pos] != quote {
			l.pos++
		}
		if l.pos >= len(l.input) {
			return token{}, fmt.Errorf("unterminated string literal")
		}
		s := string(l.input[start:l.pos])
		l.pos++
		return token{kind: "str", text: s}, nil

	case strings.ContainsRune("=!<>(),", c):
		if l.pos+1 < len(l.input) {
			two := string(l.input[l.pos : l.pos+2])
			if two == "==" || two == "!=" || two == "<=" || two == ">=" {
				l.pos += 2
				return token{kind: "op", text: two}, nil
			}
		}
		l.pos++
		if c == '=' || c == '!' {
			return token{}, fmt.Errorf("unexpected %q", string(c))
		}
		return token{kind: "op", text: string(c)}, nil
	}
	return token{}, fmt.Errorf("unexpected character %q", string(c))
}

type parser struct {
	lex *lexer
	tok token
}

func compileExpr(src string) (exprNode, error) {
	if strings.TrimSpace(src) == "" {
		return nil, fmt.Errorf("empty expression")
	}
	p := &parser{lex: &lexer{input: []rune(src)}}
	if err := p.advance(); err != nil {
		return nil, err
	}
	node, err := p.parseOr()
	if err != nil {
		return nil, err
	}
	if p.tok.kind != "eof" {
		return nil, fmt.Errorf("unexpected trailing %q", p.tok.text)
	}
	return node, nil
}

func (p *parser) advance() error {
	tok, err := p.lex.next()
	if err != nil {
		return err
	}
	p.tok = tok
	return nil
}

func (p *parser) parseOr() (exprNode, error) {
	left, err := p.parseAnd()
	if err != nil {
		return nil, err
	}
	for p.tok.kind == "ident" && p.tok.text == "or" {
		if err := p.advance(); err != nil {
			return nil, err
		}
		right, err := p.parseAnd()
		if err != nil {
			return nil, err
		}
		left = logicNode{op: "or", l: left, r: right}
	}
	return left, nil
}

func (p *parser) parseAnd() (exprNode, error) {
	left, err := p.parseUnary()
	if err != nil {
		return nil, err
	}
	for p.tok.kind == "ident" && p.tok.text == "and" {
		if err := p.advance(); err != nil {
			return nil, err
		}
		right, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		left = logicNode{op: "and", l: left, r: right}
	}
	return left, nil
}

func (p *parser) parseUnary() (exprNode, error) {
	if p.tok.kind == "ident" && p.tok.text == "not" {
		if err := p.advance(); err != nil {
			return nil, err
		}
		inner, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		return notNode{inner: inner}, nil
	}
	return p.parseCompare()
}

func (p *parser) parseCompare() (exprNode, error) {
	left, err := p.parsePrimary()
	if err != nil {
		return nil, err
	}
	if p.tok.kind == "op" {
		switch p.tok.text {
		case "==", "!=", "<", "<=", ">", ">=":
			op := p.tok.text
			if err := p.advance(); err != nil {
				return nil, err
			}
			right, err := p.parsePrimary()
			if err != nil {
				return nil, err
			}
			return compareNode{op: op, l: left, r: right}, nil
		}
	}
	return left, nil
}

func (p *parser) parsePrimary() (exprNode, error) {
	switch {
	case p.tok.kind == "num":
		f, err := strconv.ParseFloat(p.tok.text, 64)
		if err != nil {
			return nil, fmt.Errorf("bad number %q", p.tok.text)
		}
		if err := p.advance(); err != nil {
			return nil, err
		}
		return litNode{v: f}, nil

	case p.tok.kind == "str":
		s := p.tok.text
		if err := p.advance(); err != nil {
			return nil, err
		}
		return litNode{v: s}, nil

	case p.tok.kind == "op" && p.tok.text == "(":
		if err := p.advance(); err != nil {
			return nil, err
		}
		node, err := p.parseOr()
		if err != nil {
			return nil, err
		}
		if err := p.expect(")"); err != nil {
			return nil, err
		}
		return node, nil

	case p.tok.kind == "ident":
		name := p.tok.text
		if err := p.advance(); err != nil {
			return nil, err
		}
		switch name {
		case "true":
			return litNode{v: true}, nil
		case "false":
			return litNode{v: false}, nil
		case "len":
			return p.parseLen()
		case "matches":
			return p.parseMatches()
		default:
			return fieldNode{name: name}, nil
		}
	}
	return nil, fmt.Errorf("unexpected %q", p.tok.text)
}

func (p *parser) parseLen() (exprNode, error) {
	if err := p.expect("("); err != nil {
		return nil, err
	}
	field, err := p.parsePrimary()
	if err != nil {
		return nil, err
	}
	if err := p.expect(")"); err != nil {
		return nil, err
	}
	return lenNode{field: field}, nil
}

func (p *parser) parseMatches() (exprNode, error) {
	if err := p.expect("("); err != nil {
		return nil, err
	}
	field, err := p.parsePrimary()
	if err != nil {
		return nil, err
	}
	if err := p.expect(","); err != nil {
		return nil, err
	}
	if p.tok.kind != "str" {
		return nil, fmt.Errorf("matches needs a string pattern, got %q", p.tok.text)
	}
	re, err := regexp.Compile(p.tok.text)
	if err != nil {
		return nil, fmt.Errorf("bad pattern %q: %w", p.tok.text, err)
	}
	if err := p.advance(); err != nil {
		return nil, err
	}
	if err := p.expect(")"); err != nil {
		return nil, err
	}
	return matchesNode{field: field, re: re}, nil
}

func (p *parser) expect(text string) error {
	if p.tok.kind != "op" || p.tok.text != text {
		return fmt.Errorf("expected %q, got %q", text, p.tok.text)
	}
	return p.advance()
}
