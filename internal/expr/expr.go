// Package expr implements the Arazzo runtime expression dialect: parsing,
// compilation, and strict evaluation against a binding environment.
// Expressions are compiled once per document and reused across attempts.
package expr

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

type Kind int

const (
	KindURL Kind = iota
	KindMethod
	KindStatusCode
	KindRequest
	KindResponse
	KindInputs
	KindOutputs
	KindSteps
	KindWorkflows
	KindSourceDescriptions
	KindComponents
	KindComponentsParameters
)

var (
	nameRe  = regexp.MustCompile(`^[a-zA-Z0-9.\-_]+$`)
	tcharRe = regexp.MustCompile("^[!#$%&'*+\\-.^_`|~0-9A-Za-z]+$")
)

// SourceKind selects the part of a request or response an expression reads.
type SourceKind int

const (
	SourceHeader SourceKind = iota
	SourceQuery
	SourcePath
	SourceBody
)

type SourceRef struct {
	Kind    SourceKind
	Name    string
	Pointer JSONPointer
}

// Seg is one path segment after the scope root: either a dotted name or a
// bracketed index (integer or quoted string).
type Seg struct {
	Name  string
	Index int
	IsIdx bool
}

// Compiled is a parsed runtime expression ready for evaluation.
type Compiled struct {
	Source  string
	Kind    Kind
	Src     SourceRef // request/response scopes
	Root    string    // first name after the scope selector
	Path    []Seg
	Pointer JSONPointer
}

type ErrKind string

const (
	ErrParse           ErrKind = "parse"
	ErrUnboundScope    ErrKind = "unbound_scope"
	ErrMissingKey      ErrKind = "missing_key"
	ErrTypeMismatch    ErrKind = "type_mismatch"
	ErrIndexOutOfRange ErrKind = "index_out_of_range"
)

type EvalError struct {
	Kind   ErrKind
	Expr   string
	Detail string
}

func (e *EvalError) Error() string {
	if e.Expr != "" {
		return fmt.Sprintf("%s: %s (%s)", e.Kind, e.Detail, e.Expr)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Detail)
}

func parseErr(src, format string, args ...any) error {
	return &EvalError{Kind: ErrParse, Expr: src, Detail: fmt.Sprintf(format, args...)}
}

// Compile parses a runtime expression of the form
//
//	$<scope>[.<name>...][#<json-pointer>]
//
// and returns a reusable compiled form.
func Compile(input string) (*Compiled, error) {
	s := strings.TrimSpace(input)
	if !strings.HasPrefix(s, "$") {
		return nil, parseErr(input, "runtime expression must start with '$'")
	}
	head := s[1:]
	var pointer JSONPointer
	if i := strings.IndexByte(head, '#'); i >= 0 {
		ptr, err := ParseJSONPointer(head[i+1:])
		if err != nil {
			return nil, parseErr(input, "%v", err)
		}
		pointer = ptr
		head = head[:i]
	}

	c := &Compiled{Source: input, Pointer: pointer}

	switch head {
	case "url":
		c.Kind = KindURL
		return c, checkNoPointer(c)
	case "method":
		c.Kind = KindMethod
		return c, checkNoPointer(c)
	case "statusCode":
		c.Kind = KindStatusCode
		return c, checkNoPointer(c)
	}

	if rest, ok := strings.CutPrefix(head, "request."); ok {
		c.Kind = KindRequest
		return c, parseSource(c, rest, pointer)
	}
	if rest, ok := strings.CutPrefix(head, "response."); ok {
		c.Kind = KindResponse
		return c, parseSource(c, rest, pointer)
	}

	scopes := []struct {
		prefix string
		kind   Kind
	}{
		{"inputs.", KindInputs},
		{"outputs.", KindOutputs},
		{"steps.", KindSteps},
		{"workflows.", KindWorkflows},
		{"sourceDescriptions.", KindSourceDescriptions},
		{"components.parameters.", KindComponentsParameters},
		{"components.", KindComponents},
	}
	for _, sc := range scopes {
		rest, ok := strings.CutPrefix(head, sc.prefix)
		if !ok {
			continue
		}
		c.Kind = sc.kind
		if sc.kind == KindComponentsParameters {
			if rest == "" {
				return nil, parseErr(input, "name segment must not be empty")
			}
			if !nameRe.MatchString(rest) {
				return nil, parseErr(input, "invalid name segment: %s", rest)
			}
			if !pointer.IsZero() {
				return nil, parseErr(input, "json pointer is not allowed on this runtime expression")
			}
			c.Root = rest
			return c, nil
		}
		root, path, err := parseNamePath(input, rest)
		if err != nil {
			return nil, err
		}
		c.Root = root
		c.Path = path
		return c, nil
	}

	return nil, parseErr(input, "unknown runtime expression: %s", head)
}

func checkNoPointer(c *Compiled) error {
	if !c.Pointer.IsZero() {
		return parseErr(c.Source, "json pointer is not allowed on this runtime expression")
	}
	return nil
}

func parseSource(c *Compiled, rest string, pointer JSONPointer) error {
	switch {
	case strings.HasPrefix(rest, "header."):
		tok := rest[len("header."):]
		if tok == "" {
			return parseErr(c.Source, "header name must not be empty")
		}
		if !tcharRe.MatchString(tok) {
			return parseErr(c.Source, "invalid header token: %s", tok)
		}
		c.Src = SourceRef{Kind: SourceHeader, Name: tok}
	case strings.HasPrefix(rest, "query."):
		name := rest[len("query."):]
		if err := validateName(c.Source, name); err != nil {
			return err
		}
		c.Src = SourceRef{Kind: SourceQuery, Name: name}
	case strings.HasPrefix(rest, "path."):
		name := rest[len("path."):]
		if err := validateName(c.Source, name); err != nil {
			return err
		}
		c.Src = SourceRef{Kind: SourcePath, Name: name}
	case rest == "body":
		c.Src = SourceRef{Kind: SourceBody, Pointer: pointer}
	default:
		return parseErr(c.Source, "invalid source reference: %s", rest)
	}
	return nil
}

// parseNamePath splits "a.b[0].c[\"k\"]" into the root name and trailing
// segments.
func parseNamePath(src, rest string) (string, []Seg, error) {
	if rest == "" {
		return "", nil, parseErr(src, "name segment must not be empty")
	}
	var segs []Seg
	var root string
	first := true

	i := 0
	for i < len(rest) {
		switch rest[i] {
		case '.':
			if i == 0 || i+1 >= len(rest) {
				return "", nil, parseErr(src, "name segment must not be empty")
			}
			i++
		case '[':
			end := strings.IndexByte(rest[i:], ']')
			if end < 0 {
				return "", nil, parseErr(src, "unterminated bracket index")
			}
			inner := rest[i+1 : i+end]
			seg, err := parseBracket(src, inner)
			if err != nil {
				return "", nil, err
			}
			if first {
				return "", nil, parseErr(src, "expression root must be a name")
			}
			segs = append(segs, seg)
			i += end + 1
			continue
		default:
			j := i
			for j < len(rest) && rest[j] != '.' && rest[j] != '[' {
				j++
			}
			name := rest[i:j]
			if !nameRe.MatchString(name) {
				return "", nil, parseErr(src, "invalid name segment: %s", name)
			}
			if first {
				root = name
				first = false
			} else {
				segs = append(segs, Seg{Name: name})
			}
			i = j
			continue
		}
	}
	if first {
		return "", nil, parseErr(src, "name segment must not be empty")
	}
	return root, segs, nil
}

func parseBracket(src, inner string) (Seg, error) {
	inner = strings.TrimSpace(inner)
	if inner == "" {
		return Seg{}, parseErr(src, "empty bracket index")
	}
	if inner[0] == '"' || inner[0] == '\'' {
		q := inner[0]
		if len(inner) < 2 || inner[len(inner)-1] != q {
			return Seg{}, parseErr(src, "unterminated quoted index")
		}
		return Seg{Name: inner[1 : len(inner)-1]}, nil
	}
	idx, err := strconv.Atoi(inner)
	if err != nil {
		return Seg{}, parseErr(src, "bracket index must be an integer or quoted string: %s", inner)
	}
	return Seg{Index: idx, IsIdx: true}, nil
}

func validateName(src, name string) error {
	if name == "" {
		return parseErr(src, "name segment must not be empty")
	}
	if !nameRe.MatchString(name) {
		return parseErr(src, "invalid name segment: %s", name)
	}
	return nil
}

// StepRef reports the step id this expression reads from, if it is a
// $steps.<id>.… reference. The planner uses this to infer implicit edges.
func (c *Compiled) StepRef() (string, bool) {
	if c.Kind == KindSteps && c.Root != "" {
		return c.Root, true
	}
	return "", false
}

// IsExpression reports whether s looks like a bare runtime expression.
func IsExpression(s string) bool {
	return strings.HasPrefix(strings.TrimSpace(s), "$")
}
