package expr

import (
	"fmt"
	"strings"
)

// Template is a string with zero or more embedded {$expression} segments,
// compiled once and expanded per evaluation. A value that is exactly a bare
// "$expression" evaluates to the underlying JSON value instead of a string.
type Template struct {
	source string
	bare   *Compiled
	parts  []templatePart
}

type templatePart struct {
	literal string
	expr    *Compiled
}

// CompileTemplate parses s as a bare expression or an interpolated string.
func CompileTemplate(s string) (*Template, error) {
	trimmed := strings.TrimSpace(s)
	if strings.HasPrefix(trimmed, "$") && !strings.Contains(trimmed, "{") {
		c, err := Compile(trimmed)
		if err != nil {
			return nil, err
		}
		return &Template{source: s, bare: c}, nil
	}

	t := &Template{source: s}
	rest := s
	for {
		i := strings.Index(rest, "{$")
		if i < 0 {
			if rest != "" {
				t.parts = append(t.parts, templatePart{literal: rest})
			}
			break
		}
		if i > 0 {
			t.parts = append(t.parts, templatePart{literal: rest[:i]})
		}
		end := strings.IndexByte(rest[i:], '}')
		if end < 0 {
			return nil, parseErr(s, "unterminated {$…} segment")
		}
		inner := rest[i+1 : i+end]
		c, err := Compile(inner)
		if err != nil {
			return nil, err
		}
		t.parts = append(t.parts, templatePart{expr: c})
		rest = rest[i+end+1:]
	}
	return t, nil
}

// Eval returns the JSON value for a bare expression, or the interpolated
// string otherwise.
func (t *Template) Eval(env *Env) (any, error) {
	if t.bare != nil {
		return t.bare.Eval(env)
	}
	var b strings.Builder
	for _, p := range t.parts {
		if p.expr == nil {
			b.WriteString(p.literal)
			continue
		}
		s, err := p.expr.EvalString(env)
		if err != nil {
			return nil, err
		}
		b.WriteString(s)
	}
	return b.String(), nil
}

// StepRefs collects every step id referenced by the template.
func (t *Template) StepRefs() []string {
	var refs []string
	if t.bare != nil {
		if id, ok := t.bare.StepRef(); ok {
			refs = append(refs, id)
		}
		return refs
	}
	for _, p := range t.parts {
		if p.expr == nil {
			continue
		}
		if id, ok := p.expr.StepRef(); ok {
			refs = append(refs, id)
		}
	}
	return refs
}

// ExpandValue recursively expands expressions inside a decoded JSON value:
// strings are treated as templates, maps and arrays are walked.
func ExpandValue(v any, env *Env) (any, error) {
	switch t := v.(type) {
	case string:
		tpl, err := CompileTemplate(t)
		if err != nil {
			return nil, err
		}
		return tpl.Eval(env)
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			expanded, err := ExpandValue(val, env)
			if err != nil {
				return nil, fmt.Errorf("%s: %w", k, err)
			}
			out[k] = expanded
		}
		return out, nil
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			expanded, err := ExpandValue(val, env)
			if err != nil {
				return nil, err
			}
			out[i] = expanded
		}
		return out, nil
	default:
		return v, nil
	}
}

// CollectStepRefs walks a decoded JSON value and gathers step ids referenced
// by any embedded expression. Unparseable strings are ignored here; the
// validator reports them.
func CollectStepRefs(v any, into map[string]struct{}) {
	switch t := v.(type) {
	case string:
		tpl, err := CompileTemplate(t)
		if err != nil {
			return
		}
		for _, id := range tpl.StepRefs() {
			into[id] = struct{}{}
		}
	case map[string]any:
		for _, val := range t {
			CollectStepRefs(val, into)
		}
	case []any:
		for _, val := range t {
			CollectStepRefs(val, into)
		}
	}
}
