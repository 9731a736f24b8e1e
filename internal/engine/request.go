package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/ronappleton/arazzo-runner/internal/document"
	"github.com/ronappleton/arazzo-runner/internal/expr"
	"github.com/ronappleton/arazzo-runner/internal/openapi"
	"github.com/ronappleton/arazzo-runner/internal/runerr"
)

// builtRequest is a fully resolved HTTP request plus the bookkeeping needed
// to persist a redacted copy of it.
type builtRequest struct {
	method     string
	url        *url.URL
	displayURL string
	header     http.Header
	body       []byte
	bodyValue  any

	query map[string]string
	path  map[string]string

	secretHeaders  []string
	bodyHasSecrets bool
}

// buildRequest resolves parameters, request body, and the target URL for one
// step against its OpenAPI operation. Secret references are resolved here
// and tracked so they never reach the persisted request.
func (e *Engine) buildRequest(ctx context.Context, rc *runContext, st *document.Step, op *openapi.Operation, env *expr.Env) (*builtRequest, error) {
	params, err := resolveParameters(rc.doc, rc.wf, st)
	if err != nil {
		return nil, err
	}

	br := &builtRequest{
		method: op.Method,
		header: http.Header{},
		query:  map[string]string{},
		path:   map[string]string{},
	}
	secretQuery := map[string]bool{}
	secretPath := map[string]bool{}
	var cookies []string
	cookieSecret := false

	for _, p := range params {
		v, err := expr.ExpandValue(p.Value, env)
		if err != nil {
			return nil, runerr.Wrap(runerr.KindExpression, err)
		}
		v, refs, err := e.secrets.ExpandValue(ctx, v)
		if err != nil {
			return nil, runerr.Wrap(runerr.KindSecret, err)
		}
		fromSecret := len(refs) > 0
		s := expr.Stringify(v)

		switch paramLocation(p, op) {
		case "header":
			br.header.Set(p.Name, s)
			if fromSecret {
				br.secretHeaders = append(br.secretHeaders, p.Name)
			}
		case "path":
			br.path[p.Name] = s
			if fromSecret {
				secretPath[p.Name] = true
			}
		case "cookie":
			cookies = append(cookies, p.Name+"="+s)
			cookieSecret = cookieSecret || fromSecret
		default:
			br.query[p.Name] = s
			if fromSecret {
				secretQuery[p.Name] = true
			}
		}
	}
	if len(cookies) > 0 {
		br.header.Set("Cookie", strings.Join(cookies, "; "))
		if cookieSecret {
			br.secretHeaders = append(br.secretHeaders, "Cookie")
		}
	}

	if err := e.buildBody(ctx, st, op, env, br); err != nil {
		return nil, err
	}

	if err := checkOperationParams(op, br); err != nil {
		return nil, err
	}

	if op.BaseURL == "" {
		return nil, runerr.New(runerr.KindResolve, "source %q declares no server url", op.SourceName)
	}
	realPath, err := expandPath(op.Path, br.path, nil)
	if err != nil {
		return nil, err
	}
	displayPath, _ := expandPath(op.Path, br.path, secretPath)

	base := strings.TrimRight(op.BaseURL, "/")
	u, err := url.Parse(base + realPath)
	if err != nil {
		return nil, runerr.Wrap(runerr.KindResolve, err)
	}
	q := u.Query()
	dq := url.Values{}
	for k, v := range br.query {
		q.Set(k, v)
		if secretQuery[k] {
			dq.Set(k, "[REDACTED]")
		} else {
			dq.Set(k, v)
		}
	}
	u.RawQuery = q.Encode()
	br.url = u

	br.displayURL = base + displayPath
	if enc := dq.Encode(); enc != "" {
		br.displayURL += "?" + enc
	}
	return br, nil
}

// resolveParameters merges workflow- and step-level parameters, step values
// winning on (name, in), with component references dereferenced.
func resolveParameters(doc *document.Document, wf *document.Workflow, st *document.Step) ([]document.Parameter, error) {
	var out []document.Parameter
	add := func(p document.Parameter) error {
		if p.Reference != "" {
			const prefix = "$components.parameters."
			if !strings.HasPrefix(p.Reference, prefix) || doc.Components == nil {
				return runerr.New(runerr.KindResolve, "unknown parameter reference %q", p.Reference)
			}
			cp, ok := doc.Components.Parameters[strings.TrimPrefix(p.Reference, prefix)]
			if !ok {
				return runerr.New(runerr.KindResolve, "unknown parameter reference %q", p.Reference)
			}
			if p.Value != nil {
				cp.Value = p.Value
			}
			p = cp
		}
		for i := range out {
			if out[i].Name == p.Name && out[i].In == p.In {
				out[i] = p
				return nil
			}
		}
		out = append(out, p)
		return nil
	}
	for _, p := range wf.Parameters {
		if err := add(p); err != nil {
			return nil, err
		}
	}
	for _, p := range st.Parameters {
		if err := add(p); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// paramLocation resolves a parameter's location, falling back to the
// operation's declared parameter of the same name, then to query.
func paramLocation(p document.Parameter, op *openapi.Operation) string {
	if p.In != "" {
		return p.In
	}
	for _, declared := range op.Params {
		if declared.Name == p.Name {
			return string(declared.In)
		}
	}
	return "query"
}

func (e *Engine) buildBody(ctx context.Context, st *document.Step, op *openapi.Operation, env *expr.Env, br *builtRequest) error {
	if st.RequestBody == nil {
		if op.BodyRequired {
			return runerr.New(runerr.KindValidation, "operation %s %s requires a request body", op.Method, op.Path)
		}
		return nil
	}
	payload, err := expr.ExpandValue(st.RequestBody.Payload, env)
	if err != nil {
		return runerr.Wrap(runerr.KindExpression, err)
	}
	for _, r := range st.RequestBody.Replacements {
		v, err := expr.ExpandValue(r.Value, env)
		if err != nil {
			return runerr.Wrap(runerr.KindExpression, err)
		}
		payload, err = applyReplacement(payload, r.Target, v)
		if err != nil {
			return err
		}
	}
	payload, refs, err := e.secrets.ExpandValue(ctx, payload)
	if err != nil {
		return runerr.Wrap(runerr.KindSecret, err)
	}
	br.bodyHasSecrets = len(refs) > 0
	br.bodyValue = payload

	contentType := st.RequestBody.ContentType
	if contentType == "" {
		if len(op.ContentTypes) > 0 {
			contentType = op.ContentTypes[0]
		} else {
			contentType = "application/json"
		}
	}
	if s, ok := payload.(string); ok && !strings.Contains(contentType, "json") {
		br.body = []byte(s)
	} else {
		b, err := json.Marshal(payload)
		if err != nil {
			return runerr.Wrap(runerr.KindValidation, err)
		}
		br.body = b
	}
	br.header.Set("Content-Type", contentType)
	return nil
}

// applyReplacement sets value at the JSON pointer target inside payload.
func applyReplacement(payload any, target string, value any) (any, error) {
	if target == "" || target == "/" {
		return value, nil
	}
	if !strings.HasPrefix(target, "/") {
		target = "/" + target
	}
	segs := strings.Split(target[1:], "/")
	for i := range segs {
		segs[i] = strings.ReplaceAll(strings.ReplaceAll(segs[i], "~1", "/"), "~0", "~")
	}
	return setPointer(payload, segs, value)
}

func setPointer(v any, segs []string, value any) (any, error) {
	if len(segs) == 0 {
		return value, nil
	}
	key := segs[0]
	switch node := v.(type) {
	case map[string]any:
		child, err := setPointer(node[key], segs[1:], value)
		if err != nil {
			return nil, err
		}
		node[key] = child
		return node, nil
	case []any:
		var idx int
		if _, err := fmt.Sscanf(key, "%d", &idx); err != nil || idx < 0 || idx >= len(node) {
			return nil, runerr.New(runerr.KindValidation, "replacement target index %q out of range", key)
		}
		child, err := setPointer(node[idx], segs[1:], value)
		if err != nil {
			return nil, err
		}
		node[idx] = child
		return node, nil
	case nil:
		m := map[string]any{}
		child, err := setPointer(nil, segs[1:], value)
		if err != nil {
			return nil, err
		}
		m[key] = child
		return m, nil
	default:
		return nil, runerr.New(runerr.KindValidation, "replacement target %q does not address an object or array", key)
	}
}

// checkOperationParams verifies every required declared parameter has a
// value in the location the operation expects.
func checkOperationParams(op *openapi.Operation, br *builtRequest) error {
	provided := map[openapi.ParamLocation]map[string]bool{
		openapi.InHeader: {},
		openapi.InQuery:  {},
		openapi.InPath:   {},
		openapi.InCookie: {},
	}
	for name := range br.header {
		provided[openapi.InHeader][name] = true
		provided[openapi.InHeader][strings.ToLower(name)] = true
	}
	for name := range br.query {
		provided[openapi.InQuery][name] = true
	}
	for name := range br.path {
		provided[openapi.InPath][name] = true
	}
	if c := br.header.Get("Cookie"); c != "" {
		for _, pair := range strings.Split(c, "; ") {
			if i := strings.IndexByte(pair, '='); i > 0 {
				provided[openapi.InCookie][pair[:i]] = true
			}
		}
	}
	if err := openapi.CheckParams(op, provided); err != nil {
		return runerr.Wrap(runerr.KindValidation, err)
	}
	return nil
}

// expandPath substitutes {name} template segments. When redacted is
// non-nil, values it marks are replaced with a placeholder instead.
func expandPath(path string, values map[string]string, redacted map[string]bool) (string, error) {
	var b strings.Builder
	rest := path
	for {
		open := strings.IndexByte(rest, '{')
		if open < 0 {
			b.WriteString(rest)
			return b.String(), nil
		}
		closeIdx := strings.IndexByte(rest[open:], '}')
		if closeIdx < 0 {
			return "", runerr.New(runerr.KindResolve, "unterminated path template in %q", path)
		}
		name := rest[open+1 : open+closeIdx]
		v, ok := values[name]
		if !ok {
			return "", runerr.New(runerr.KindValidation, "missing path parameter %q", name)
		}
		b.WriteString(rest[:open])
		if redacted != nil && redacted[name] {
			b.WriteString("[REDACTED]")
		} else {
			b.WriteString(url.PathEscape(v))
		}
		rest = rest[open+closeIdx+1:]
	}
}
