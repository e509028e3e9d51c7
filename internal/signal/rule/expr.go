// Package rule 实现策略规则的受限表达式语言。
//
// 表达式在一个扁平的变量上下文（特征值 + 当前 K 线 OHLCV）上求值，
// 语法之外的任何结构（属性访问、下标、赋值等）都会被拒绝——这里是
// 规则注入的安全边界，宁可报错也不能静默忽略。
package rule

import (
	"errors"
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"
)

// ErrExpr 是所有表达式错误的基础哨兵（未知标识符、禁用函数、非法语法）。
var ErrExpr = errors.New("rule expression error")

// Value 是表达式的运行期取值：float64 或 bool。
type Value any

// Context 为标识符到取值的扁平映射。
type Context map[string]Value

// allowedFuncs 是固定的函数分发表；不查任何语言内建。
var allowedFuncs = map[string]func(args []float64) (float64, error){
	"max": func(args []float64) (float64, error) {
		if len(args) == 0 {
			return 0, fmt.Errorf("max 至少需要一个参数")
		}
		out := args[0]
		for _, v := range args[1:] {
			out = math.Max(out, v)
		}
		return out, nil
	},
	"min": func(args []float64) (float64, error) {
		if len(args) == 0 {
			return 0, fmt.Errorf("min 至少需要一个参数")
		}
		out := args[0]
		for _, v := range args[1:] {
			out = math.Min(out, v)
		}
		return out, nil
	},
	"abs": func(args []float64) (float64, error) {
		if len(args) != 1 {
			return 0, fmt.Errorf("abs 需要一个参数")
		}
		return math.Abs(args[0]), nil
	},
	"round": func(args []float64) (float64, error) {
		switch len(args) {
		case 1:
			return math.Round(args[0]), nil
		case 2:
			scale := math.Pow(10, args[1])
			return math.Round(args[0]*scale) / scale, nil
		default:
			return 0, fmt.Errorf("round 需要一或两个参数")
		}
	},
}

// betweenPattern 把非标准的 `X between A and B` 改写成标准比较组合。
var betweenPattern = regexp.MustCompile(`([A-Za-z_][A-Za-z0-9_]*)\s+between\s+(\S+)\s+and\s+(\S+)`)

// preprocess 在解析前做文本级 between 改写；仅覆盖标识符/字面量操作数。
func preprocess(expression string) string {
	return betweenPattern.ReplaceAllString(expression, "(($1 >= $2) and ($1 <= $3))")
}

// Evaluate 解析并求值一个表达式。任何语法或语义问题都返回包装了 ErrExpr 的错误。
func Evaluate(expression string, ctx Context) (Value, error) {
	node, err := Parse(expression)
	if err != nil {
		return nil, err
	}
	return eval(node, ctx)
}

// EvaluateBool 求值并把结果转为布尔（数值按非零处理）。
func EvaluateBool(expression string, ctx Context) (bool, error) {
	v, err := Evaluate(expression, ctx)
	if err != nil {
		return false, err
	}
	return truthy(v), nil
}

// EvaluateNumber 求值并要求结果为数值。
func EvaluateNumber(expression string, ctx Context) (float64, error) {
	v, err := Evaluate(expression, ctx)
	if err != nil {
		return 0, err
	}
	f, ok := v.(float64)
	if !ok {
		return 0, fmt.Errorf("%w: expression %q is not numeric", ErrExpr, expression)
	}
	return f, nil
}

// ---- 语法树 ----
// 标签化节点集合：Literal | Identifier | Unary | Binary | Bool | Compare | Call。

type Node interface{ node() }

type Literal struct{ Value Value }

type Identifier struct{ Name string }

type Unary struct {
	Op      string // "not" | "-" | "+"
	Operand Node
}

type Binary struct {
	Op          string // "+" "-" "*" "/" "**"
	Left, Right Node
}

type Bool struct {
	Op       string // "and" | "or"
	Operands []Node
}

type Compare struct {
	Left  Node
	Ops   []string // ">" ">=" "<" "<=" "==" "!="
	Rights []Node
}

type Call struct {
	Name string
	Args []Node
}

func (Literal) node()    {}
func (Identifier) node() {}
func (Unary) node()      {}
func (Binary) node()     {}
func (Bool) node()       {}
func (Compare) node()    {}
func (Call) node()       {}

// ---- 词法 ----

type tokenKind int

const (
	tokNumber tokenKind = iota
	tokIdent
	tokOp
	tokLParen
	tokRParen
	tokComma
	tokEOF
)

type token struct {
	kind tokenKind
	text string
	pos  int
}

func lex(src string) ([]token, error) {
	var out []token
	i := 0
	for i < len(src) {
		c := src[i]
		switch {
		case c == ' ' || c == '\t' || c == '\n' || c == '\r':
			i++
		case c >= '0' && c <= '9' || c == '.':
			j := i
			for j < len(src) && (src[j] >= '0' && src[j] <= '9' || src[j] == '.') {
				j++
			}
			out = append(out, token{tokNumber, src[i:j], i})
			i = j
		case isIdentStart(c):
			j := i
			for j < len(src) && isIdentPart(src[j]) {
				j++
			}
			out = append(out, token{tokIdent, src[i:j], i})
			i = j
		case c == '(':
			out = append(out, token{tokLParen, "(", i})
			i++
		case c == ')':
			out = append(out, token{tokRParen, ")", i})
			i++
		case c == ',':
			out = append(out, token{tokComma, ",", i})
			i++
		case strings.HasPrefix(src[i:], "**"), strings.HasPrefix(src[i:], ">="),
			strings.HasPrefix(src[i:], "<="), strings.HasPrefix(src[i:], "=="),
			strings.HasPrefix(src[i:], "!="):
			out = append(out, token{tokOp, src[i : i+2], i})
			i += 2
		case strings.ContainsRune("+-*/<>", rune(c)):
			out = append(out, token{tokOp, string(c), i})
			i++
		default:
			return nil, fmt.Errorf("%w: disallowed construct %q at offset %d", ErrExpr, string(c), i)
		}
	}
	out = append(out, token{tokEOF, "", len(src)})
	return out, nil
}

func isIdentStart(c byte) bool {
	return c == '_' || c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z'
}

func isIdentPart(c byte) bool {
	return isIdentStart(c) || c >= '0' && c <= '9'
}

// ---- 语法分析（递归下降）----

type parser struct {
	toks []token
	pos  int
}

// Parse 把规则文本解析为语法树（含 between 预处理）。
func Parse(expression string) (Node, error) {
	if strings.TrimSpace(expression) == "" {
		return nil, fmt.Errorf("%w: empty expression", ErrExpr)
	}
	toks, err := lex(preprocess(expression))
	if err != nil {
		return nil, err
	}
	p := &parser{toks: toks}
	node, err := p.parseOr()
	if err != nil {
		return nil, err
	}
	if p.peek().kind != tokEOF {
		return nil, fmt.Errorf("%w: disallowed construct near %q", ErrExpr, p.peek().text)
	}
	return node, nil
}

func (p *parser) peek() token { return p.toks[p.pos] }

func (p *parser) next() token {
	t := p.toks[p.pos]
	if t.kind != tokEOF {
		p.pos++
	}
	return t
}

func (p *parser) accept(kind tokenKind, text string) bool {
	t := p.peek()
	if t.kind == kind && (text == "" || t.text == text) {
		p.next()
		return true
	}
	return false
}

func (p *parser) parseOr() (Node, error) {
	left, err := p.parseAnd()
	if err != nil {
		return nil, err
	}
	operands := []Node{left}
	for p.acceptKeyword("or") {
		right, err := p.parseAnd()
		if err != nil {
			return nil, err
		}
		operands = append(operands, right)
	}
	if len(operands) == 1 {
		return left, nil
	}
	return Bool{Op: "or", Operands: operands}, nil
}

func (p *parser) parseAnd() (Node, error) {
	left, err := p.parseNot()
	if err != nil {
		return nil, err
	}
	operands := []Node{left}
	for p.acceptKeyword("and") {
		right, err := p.parseNot()
		if err != nil {
			return nil, err
		}
		operands = append(operands, right)
	}
	if len(operands) == 1 {
		return left, nil
	}
	return Bool{Op: "and", Operands: operands}, nil
}

func (p *parser) parseNot() (Node, error) {
	if p.acceptKeyword("not") {
		operand, err := p.parseNot()
		if err != nil {
			return nil, err
		}
		return Unary{Op: "not", Operand: operand}, nil
	}
	return p.parseComparison()
}

var compareOps = map[string]bool{">": true, ">=": true, "<": true, "<=": true, "==": true, "!=": true}

func (p *parser) parseComparison() (Node, error) {
	left, err := p.parseAdditive()
	if err != nil {
		return nil, err
	}
	var ops []string
	var rights []Node
	for p.peek().kind == tokOp && compareOps[p.peek().text] {
		op := p.next().text
		right, err := p.parseAdditive()
		if err != nil {
			return nil, err
		}
		ops = append(ops, op)
		rights = append(rights, right)
	}
	if len(ops) == 0 {
		return left, nil
	}
	return Compare{Left: left, Ops: ops, Rights: rights}, nil
}

func (p *parser) parseAdditive() (Node, error) {
	left, err := p.parseMultiplicative()
	if err != nil {
		return nil, err
	}
	for {
		switch {
		case p.accept(tokOp, "+"):
			right, err := p.parseMultiplicative()
			if err != nil {
				return nil, err
			}
			left = Binary{Op: "+", Left: left, Right: right}
		case p.accept(tokOp, "-"):
			right, err := p.parseMultiplicative()
			if err != nil {
				return nil, err
			}
			left = Binary{Op: "-", Left: left, Right: right}
		default:
			return left, nil
		}
	}
}

func (p *parser) parseMultiplicative() (Node, error) {
	left, err := p.parseUnary()
	if err != nil {
		return nil, err
	}
	for {
		switch {
		case p.accept(tokOp, "*"):
			right, err := p.parseUnary()
			if err != nil {
				return nil, err
			}
			left = Binary{Op: "*", Left: left, Right: right}
		case p.accept(tokOp, "/"):
			right, err := p.parseUnary()
			if err != nil {
				return nil, err
			}
			left = Binary{Op: "/", Left: left, Right: right}
		default:
			return left, nil
		}
	}
}

func (p *parser) parseUnary() (Node, error) {
	switch {
	case p.accept(tokOp, "-"):
		operand, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		return Unary{Op: "-", Operand: operand}, nil
	case p.accept(tokOp, "+"):
		operand, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		return Unary{Op: "+", Operand: operand}, nil
	}
	return p.parsePower()
}

func (p *parser) parsePower() (Node, error) {
	base, err := p.parsePrimary()
	if err != nil {
		return nil, err
	}
	// ** 右结合，且指数侧允许一元符号（与 Python 一致）。
	if p.accept(tokOp, "**") {
		exp, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		return Binary{Op: "**", Left: base, Right: exp}, nil
	}
	return base, nil
}

func (p *parser) parsePrimary() (Node, error) {
	t := p.peek()
	switch t.kind {
	case tokNumber:
		p.next()
		f, err := strconv.ParseFloat(t.text, 64)
		if err != nil {
			return nil, fmt.Errorf("%w: bad number literal %q", ErrExpr, t.text)
		}
		return Literal{Value: f}, nil
	case tokIdent:
		p.next()
		switch strings.ToLower(t.text) {
		case "true":
			return Literal{Value: true}, nil
		case "false":
			return Literal{Value: false}, nil
		case "and", "or", "not":
			return nil, fmt.Errorf("%w: unexpected keyword %q", ErrExpr, t.text)
		}
		if p.accept(tokLParen, "") {
			var args []Node
			if !p.accept(tokRParen, "") {
				for {
					arg, err := p.parseOr()
					if err != nil {
						return nil, err
					}
					args = append(args, arg)
					if p.accept(tokComma, "") {
						continue
					}
					if p.accept(tokRParen, "") {
						break
					}
					return nil, fmt.Errorf("%w: disallowed construct near %q", ErrExpr, p.peek().text)
				}
			}
			return Call{Name: t.text, Args: args}, nil
		}
		return Identifier{Name: t.text}, nil
	case tokLParen:
		p.next()
		inner, err := p.parseOr()
		if err != nil {
			return nil, err
		}
		if !p.accept(tokRParen, "") {
			return nil, fmt.Errorf("%w: missing closing parenthesis", ErrExpr)
		}
		return inner, nil
	default:
		return nil, fmt.Errorf("%w: disallowed construct near %q", ErrExpr, t.text)
	}
}

func (p *parser) acceptKeyword(kw string) bool {
	t := p.peek()
	if t.kind == tokIdent && t.text == kw {
		p.next()
		return true
	}
	return false
}

// ---- 求值 ----

func eval(n Node, ctx Context) (Value, error) {
	switch node := n.(type) {
	case Literal:
		return node.Value, nil
	case Identifier:
		v, ok := ctx[node.Name]
		if !ok {
			return nil, fmt.Errorf("%w: unknown identifier in rule: %s", ErrExpr, node.Name)
		}
		return v, nil
	case Unary:
		operand, err := eval(node.Operand, ctx)
		if err != nil {
			return nil, err
		}
		switch node.Op {
		case "not":
			return !truthy(operand), nil
		case "-":
			f, err := asNumber(operand)
			if err != nil {
				return nil, err
			}
			return -f, nil
		case "+":
			return asNumber(operand)
		}
		return nil, fmt.Errorf("%w: unsupported unary operator %q", ErrExpr, node.Op)
	case Binary:
		left, err := eval(node.Left, ctx)
		if err != nil {
			return nil, err
		}
		right, err := eval(node.Right, ctx)
		if err != nil {
			return nil, err
		}
		l, err := asNumber(left)
		if err != nil {
			return nil, err
		}
		r, err := asNumber(right)
		if err != nil {
			return nil, err
		}
		switch node.Op {
		case "+":
			return l + r, nil
		case "-":
			return l - r, nil
		case "*":
			return l * r, nil
		case "/":
			return l / r, nil
		case "**":
			return math.Pow(l, r), nil
		}
		return nil, fmt.Errorf("%w: unsupported binary operator %q", ErrExpr, node.Op)
	case Bool:
		// 不要求短路：所有操作数都会被求值（未知标识符因此总能被发现）。
		result := node.Op == "and"
		for _, operand := range node.Operands {
			v, err := eval(operand, ctx)
			if err != nil {
				return nil, err
			}
			if node.Op == "and" {
				result = result && truthy(v)
			} else {
				result = result || truthy(v)
			}
		}
		return result, nil
	case Compare:
		left, err := eval(node.Left, ctx)
		if err != nil {
			return nil, err
		}
		result := true
		for i, op := range node.Ops {
			right, err := eval(node.Rights[i], ctx)
			if err != nil {
				return nil, err
			}
			if result {
				ok, err := compare(op, left, right)
				if err != nil {
					return nil, err
				}
				result = ok
			}
			left = right
		}
		return result, nil
	case Call:
		fn, ok := allowedFuncs[node.Name]
		if !ok {
			return nil, fmt.Errorf("%w: function %s is not allowed in rules", ErrExpr, node.Name)
		}
		args := make([]float64, 0, len(node.Args))
		for _, argNode := range node.Args {
			v, err := eval(argNode, ctx)
			if err != nil {
				return nil, err
			}
			f, err := asNumber(v)
			if err != nil {
				return nil, err
			}
			args = append(args, f)
		}
		out, err := fn(args)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrExpr, err)
		}
		return out, nil
	}
	return nil, fmt.Errorf("%w: unsupported node %T", ErrExpr, n)
}

func compare(op string, left, right Value) (bool, error) {
	l, err := asNumber(left)
	if err != nil {
		return false, err
	}
	r, err := asNumber(right)
	if err != nil {
		return false, err
	}
	switch op {
	case ">":
		return l > r, nil
	case ">=":
		return l >= r, nil
	case "<":
		return l < r, nil
	case "<=":
		return l <= r, nil
	case "==":
		return l == r, nil
	case "!=":
		return l != r, nil
	}
	return false, fmt.Errorf("%w: unsupported comparison operator %q", ErrExpr, op)
}

func truthy(v Value) bool {
	switch val := v.(type) {
	case bool:
		return val
	case float64:
		return val != 0
	default:
		return false
	}
}

func asNumber(v Value) (float64, error) {
	switch val := v.(type) {
	case float64:
		return val, nil
	case bool:
		if val {
			return 1, nil
		}
		return 0, nil
	default:
		return 0, fmt.Errorf("%w: value %v is not numeric", ErrExpr, v)
	}
}
