package expr

import (
	"fmt"
	"reflect"
	"regexp"
	"strconv"
	"strings"

	"github.com/PaesslerAG/jsonpath"
)

// Criterion mirrors the document-level success criterion without importing
// the document package.
type Criterion struct {
	Context   string
	Condition string
	Type      string
}

// CompiledCriterion is a success criterion with its context expression and,
// for regex criteria, its pattern compiled ahead of time.
type CompiledCriterion struct {
	src     Criterion
	kind    string
	context *Compiled
	pattern *regexp.Regexp
}

// CompileCriterion validates and pre-compiles a criterion. Unknown types are
// a compile error; xpath is recognized but unsupported.
func CompileCriterion(c Criterion) (*CompiledCriterion, error) {
	kind := c.Type
	if kind == "" {
		kind = "simple"
	}
	cc := &CompiledCriterion{src: c, kind: kind}
	switch kind {
	case "simple":
		// Condition is parsed lazily per comparison operator below, but the
		// embedded expression must compile now.
		lhs, _, _, err := splitCondition(c.Condition)
		if err != nil {
			return nil, err
		}
		if IsExpression(lhs) {
			if _, err := Compile(lhs); err != nil {
				return nil, err
			}
		}
	case "regex":
		if c.Context == "" {
			return nil, fmt.Errorf("regex criterion requires a context expression")
		}
		re, err := regexp.Compile(c.Condition)
		if err != nil {
			return nil, fmt.Errorf("invalid regex criterion: %w", err)
		}
		cc.pattern = re
	case "jsonpath":
		if c.Context == "" {
			return nil, fmt.Errorf("jsonpath criterion requires a context expression")
		}
	case "xpath":
		return nil, fmt.Errorf("xpath criteria are not supported")
	default:
		return nil, fmt.Errorf("unknown criterion type %q", c.Type)
	}
	if c.Context != "" {
		ctx, err := Compile(c.Context)
		if err != nil {
			return nil, err
		}
		cc.context = ctx
	}
	return cc, nil
}

// Eval reports whether the criterion holds for the bound environment.
func (cc *CompiledCriterion) Eval(env *Env) (bool, error) {
	switch cc.kind {
	case "simple":
		return cc.evalSimple(env)
	case "regex":
		return cc.evalRegex(env)
	case "jsonpath":
		return cc.evalJSONPath(env)
	}
	return false, fmt.Errorf("unknown criterion type %q", cc.kind)
}

func (cc *CompiledCriterion) Condition() string { return cc.src.Condition }

func (cc *CompiledCriterion) evalSimple(env *Env) (bool, error) {
	lhs, op, rhs, err := splitCondition(cc.src.Condition)
	if err != nil {
		return false, err
	}
	var left any
	if IsExpression(lhs) {
		c, err := Compile(lhs)
		if err != nil {
			return false, err
		}
		left, err = c.Eval(env)
		if err != nil {
			return false, err
		}
	} else {
		left = parseLiteral(lhs)
	}
	right := parseLiteral(rhs)
	return compareValues(left, right, op)
}

func (cc *CompiledCriterion) evalRegex(env *Env) (bool, error) {
	v, err := cc.context.Eval(env)
	if err != nil {
		return false, err
	}
	return cc.pattern.MatchString(Stringify(v)), nil
}

func (cc *CompiledCriterion) evalJSONPath(env *Env) (bool, error) {
	ctxVal, err := cc.context.Eval(env)
	if err != nil {
		return false, err
	}
	if ctxVal == nil {
		return false, nil
	}
	cond := strings.TrimSpace(cc.src.Condition)

	// Filter queries expect an array target; wrap a lone object so
	// $[?(...)] behaves as the author expects.
	target := ctxVal
	if strings.Contains(cond, "[?") {
		if _, isArr := target.([]any); !isArr {
			target = []any{target}
		}
	}

	if !strings.HasPrefix(cond, "$[?") {
		for _, op := range []string{"==", "!="} {
			path, expected, found := strings.Cut(cond, op)
			if !found {
				continue
			}
			got, err := jsonpath.Get(strings.TrimSpace(path), target)
			if err != nil {
				return false, nil
			}
			return compareValues(firstNode(got), parseLiteral(strings.TrimSpace(expected)), op)
		}
	}

	// Existence or filter query: true when it selects anything.
	got, err := jsonpath.Get(cond, target)
	if err != nil {
		return false, nil
	}
	if arr, ok := got.([]any); ok {
		return len(arr) > 0, nil
	}
	return got != nil, nil
}

func firstNode(v any) any {
	if arr, ok := v.([]any); ok && len(arr) > 0 {
		return arr[0]
	}
	return v
}

var conditionOps = []string{"==", "!=", "<=", ">=", "<", ">"}

func splitCondition(cond string) (lhs, op, rhs string, err error) {
	c := strings.TrimSpace(cond)
	for _, candidate := range conditionOps {
		if l, r, found := strings.Cut(c, candidate); found {
			return strings.TrimSpace(l), candidate, strings.TrimSpace(r), nil
		}
	}
	return "", "", "", fmt.Errorf("criterion condition %q has no comparison operator", cond)
}

// parseLiteral interprets the right-hand side of a condition: JSON keywords,
// numbers, quoted strings, or a bare string.
func parseLiteral(s string) any {
	switch s {
	case "true":
		return true
	case "false":
		return false
	case "null":
		return nil
	}
	if n, err := strconv.ParseFloat(s, 64); err == nil {
		return n
	}
	if len(s) >= 2 {
		if (s[0] == '"' && s[len(s)-1] == '"') || (s[0] == '\'' && s[len(s)-1] == '\'') {
			return s[1 : len(s)-1]
		}
	}
	return s
}

func compareValues(left, right any, op string) (bool, error) {
	ln, lok := toNumber(left)
	rn, rok := toNumber(right)
	if lok && rok {
		switch op {
		case "==":
			return ln == rn, nil
		case "!=":
			return ln != rn, nil
		case "<":
			return ln < rn, nil
		case "<=":
			return ln <= rn, nil
		case ">":
			return ln > rn, nil
		case ">=":
			return ln >= rn, nil
		}
	}
	switch op {
	case "==":
		return looseEqual(left, right), nil
	case "!=":
		return !looseEqual(left, right), nil
	case "<", "<=", ">", ">=":
		ls, lok := left.(string)
		rs, rok := right.(string)
		if !lok || !rok {
			return false, &EvalError{Kind: ErrTypeMismatch, Detail: fmt.Sprintf("cannot order %T against %T", left, right)}
		}
		switch op {
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
	return false, fmt.Errorf("unknown operator %q", op)
}

func looseEqual(left, right any) bool {
	if ls, ok := left.(string); ok {
		if rs, ok := right.(string); ok {
			return ls == rs
		}
		// A bare literal compared against a non-string value: compare the
		// rendered forms so `$statusCode == 200` works when 200 parsed as a
		// number but the scope produced a string.
		return ls == Stringify(right)
	}
	if rs, ok := right.(string); ok {
		return Stringify(left) == rs
	}
	return reflect.DeepEqual(left, right)
}

func toNumber(v any) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case int:
		return float64(t), true
	case int64:
		return float64(t), true
	default:
		return 0, false
	}
}

// EvaluateAll applies the all-must-hold rule. An empty criteria list falls
// back to requiring a 2xx status.
func EvaluateAll(criteria []*CompiledCriterion, env *Env) (bool, *CompiledCriterion, error) {
	if len(criteria) == 0 {
		if env.Response == nil {
			return false, nil, &EvalError{Kind: ErrUnboundScope, Detail: "no response bound for default status check"}
		}
		ok := env.Response.StatusCode >= 200 && env.Response.StatusCode < 300
		return ok, nil, nil
	}
	for _, cc := range criteria {
		ok, err := cc.Eval(env)
		if err != nil {
			return false, cc, err
		}
		if !ok {
			return false, cc, nil
		}
	}
	return true, nil, nil
}
