package expr

import (
	"fmt"
	"net/http"
	"strings"
)

// ResponseData is the decoded view of an HTTP exchange made available to
// expressions after a step attempt finishes.
type ResponseData struct {
	StatusCode int
	Headers    http.Header
	Body       any // decoded JSON, or string for non-JSON payloads
}

type RequestData struct {
	Method  string
	URL     string
	Headers http.Header
	Query   map[string]string
	Path    map[string]string
	Body    any
}

// Env binds every expression scope for one evaluation. The engine builds a
// fresh Env per step from inputs plus the committed outputs of predecessors;
// referencing anything not bound here is an EvalError, never a null.
type Env struct {
	Inputs          map[string]any
	Outputs         map[string]any            // current workflow outputs scope
	StepOutputs     map[string]map[string]any // committed outputs keyed by step id
	StepResponses   map[string]*ResponseData  // terminal responses keyed by step id
	WorkflowOutputs map[string]map[string]any
	SourceURLs      map[string]string // sourceDescriptions.<name>.url
	Components      map[string]any
	ComponentParams map[string]any

	// Current-exchange scopes, bound only while evaluating success criteria
	// and output expressions for an in-flight step.
	URL      string
	Method   string
	Request  *RequestData
	Response *ResponseData
}

// Eval evaluates the compiled expression against env, returning a decoded
// JSON value.
func (c *Compiled) Eval(env *Env) (any, error) {
	switch c.Kind {
	case KindURL:
		if env.URL == "" {
			return nil, c.unbound("$url is not bound in this context")
		}
		return env.URL, nil
	case KindMethod:
		if env.Method == "" {
			return nil, c.unbound("$method is not bound in this context")
		}
		return env.Method, nil
	case KindStatusCode:
		if env.Response == nil {
			return nil, c.unbound("$statusCode requires a response context")
		}
		return float64(env.Response.StatusCode), nil
	case KindRequest:
		if env.Request == nil {
			return nil, c.unbound("$request requires a request context")
		}
		return c.evalRequest(env.Request)
	case KindResponse:
		if env.Response == nil {
			return nil, c.unbound("$response requires a response context")
		}
		return c.evalResponse(env.Response)
	case KindInputs:
		return c.walkMap(env.Inputs, "inputs")
	case KindOutputs:
		return c.walkMap(env.Outputs, "outputs")
	case KindSteps:
		return c.evalStep(env)
	case KindWorkflows:
		wf, ok := env.WorkflowOutputs[c.Root]
		if !ok {
			return nil, c.unbound(fmt.Sprintf("workflow %q has no committed outputs", c.Root))
		}
		return c.walkFrom(wf, c.Path)
	case KindSourceDescriptions:
		url, ok := env.SourceURLs[c.Root]
		if !ok {
			return nil, c.unbound(fmt.Sprintf("unknown source description %q", c.Root))
		}
		// Only the url attribute is addressable.
		if len(c.Path) == 1 && c.Path[0].Name == "url" {
			return url, nil
		}
		if len(c.Path) == 0 {
			return url, nil
		}
		return nil, &EvalError{Kind: ErrMissingKey, Expr: c.Source, Detail: "only .url is addressable on a source description"}
	case KindComponentsParameters:
		v, ok := env.ComponentParams[c.Root]
		if !ok {
			return nil, c.unbound(fmt.Sprintf("unknown component parameter %q", c.Root))
		}
		return v, nil
	case KindComponents:
		return c.walkMap(env.Components, "components")
	}
	return nil, c.unbound("unsupported expression kind")
}

func (c *Compiled) evalStep(env *Env) (any, error) {
	stepID := c.Root
	if len(c.Path) == 0 {
		return nil, &EvalError{Kind: ErrParse, Expr: c.Source, Detail: "step reference requires .outputs or .response"}
	}
	switch c.Path[0].Name {
	case "outputs":
		outs, ok := env.StepOutputs[stepID]
		if !ok {
			return nil, c.unbound(fmt.Sprintf("step %q has no committed outputs", stepID))
		}
		return c.walkFrom(outs, c.Path[1:])
	case "response":
		resp, ok := env.StepResponses[stepID]
		if !ok {
			return nil, c.unbound(fmt.Sprintf("step %q has no recorded response", stepID))
		}
		return c.evalStepResponse(resp, c.Path[1:])
	}
	return nil, &EvalError{Kind: ErrMissingKey, Expr: c.Source, Detail: fmt.Sprintf("step scope %q is not addressable", c.Path[0].Name)}
}

func (c *Compiled) evalStepResponse(resp *ResponseData, path []Seg) (any, error) {
	if len(path) == 0 {
		return nil, &EvalError{Kind: ErrParse, Expr: c.Source, Detail: "response reference requires .body or .headers"}
	}
	switch path[0].Name {
	case "body":
		v, err := c.applyPointer(resp.Body)
		if err != nil {
			return nil, err
		}
		return c.walkFrom(v, path[1:])
	case "headers":
		if len(path) != 2 || path[1].IsIdx {
			return nil, &EvalError{Kind: ErrParse, Expr: c.Source, Detail: "response headers require a header name"}
		}
		v := resp.Headers.Get(path[1].Name)
		if v == "" && resp.Headers.Values(path[1].Name) == nil {
			return nil, &EvalError{Kind: ErrMissingKey, Expr: c.Source, Detail: fmt.Sprintf("header %q not present", path[1].Name)}
		}
		return v, nil
	case "statusCode":
		return float64(resp.StatusCode), nil
	}
	return nil, &EvalError{Kind: ErrMissingKey, Expr: c.Source, Detail: fmt.Sprintf("response scope %q is not addressable", path[0].Name)}
}

func (c *Compiled) evalRequest(req *RequestData) (any, error) {
	switch c.Src.Kind {
	case SourceHeader:
		return req.Headers.Get(c.Src.Name), nil
	case SourceQuery:
		v, ok := req.Query[c.Src.Name]
		if !ok {
			return nil, &EvalError{Kind: ErrMissingKey, Expr: c.Source, Detail: fmt.Sprintf("query parameter %q not present", c.Src.Name)}
		}
		return v, nil
	case SourcePath:
		v, ok := req.Path[c.Src.Name]
		if !ok {
			return nil, &EvalError{Kind: ErrMissingKey, Expr: c.Source, Detail: fmt.Sprintf("path parameter %q not present", c.Src.Name)}
		}
		return v, nil
	case SourceBody:
		if c.Src.Pointer.IsZero() {
			return req.Body, nil
		}
		v, err := c.Src.Pointer.Resolve(req.Body)
		return v, c.reframe(err)
	}
	return nil, c.unbound("invalid request source")
}

func (c *Compiled) evalResponse(resp *ResponseData) (any, error) {
	switch c.Src.Kind {
	case SourceHeader:
		if resp.Headers.Values(c.Src.Name) == nil {
			return nil, &EvalError{Kind: ErrMissingKey, Expr: c.Source, Detail: fmt.Sprintf("header %q not present", c.Src.Name)}
		}
		return resp.Headers.Get(c.Src.Name), nil
	case SourceBody:
		if c.Src.Pointer.IsZero() {
			return resp.Body, nil
		}
		v, err := c.Src.Pointer.Resolve(resp.Body)
		return v, c.reframe(err)
	}
	return nil, c.unbound("invalid response source")
}

func (c *Compiled) walkMap(scope map[string]any, scopeName string) (any, error) {
	if scope == nil {
		return nil, c.unbound(fmt.Sprintf("%s scope is not bound", scopeName))
	}
	v, ok := scope[c.Root]
	if !ok {
		return nil, &EvalError{Kind: ErrMissingKey, Expr: c.Source, Detail: fmt.Sprintf("%s has no key %q", scopeName, c.Root)}
	}
	return c.walkFrom(v, c.Path)
}

// walkFrom descends the remaining path segments and applies the trailing
// JSON pointer.
func (c *Compiled) walkFrom(v any, path []Seg) (any, error) {
	cur := v
	for _, seg := range path {
		if seg.IsIdx {
			arr, ok := cur.([]any)
			if !ok {
				return nil, &EvalError{Kind: ErrTypeMismatch, Expr: c.Source, Detail: fmt.Sprintf("cannot index %T with [%d]", cur, seg.Index)}
			}
			if seg.Index < 0 || seg.Index >= len(arr) {
				return nil, &EvalError{Kind: ErrIndexOutOfRange, Expr: c.Source, Detail: fmt.Sprintf("index %d out of range (len %d)", seg.Index, len(arr))}
			}
			cur = arr[seg.Index]
			continue
		}
		obj, ok := cur.(map[string]any)
		if !ok {
			return nil, &EvalError{Kind: ErrTypeMismatch, Expr: c.Source, Detail: fmt.Sprintf("cannot access %q on %T", seg.Name, cur)}
		}
		next, ok := obj[seg.Name]
		if !ok {
			return nil, &EvalError{Kind: ErrMissingKey, Expr: c.Source, Detail: fmt.Sprintf("missing key %q", seg.Name)}
		}
		cur = next
	}
	return c.applyPointerUnlessBody(cur, path)
}

// The pointer tail binds to response bodies inside evalStepResponse; for all
// other scopes it applies after the path walk.
func (c *Compiled) applyPointerUnlessBody(v any, path []Seg) (any, error) {
	if c.Kind == KindSteps && len(c.Path) > 0 && c.Path[0].Name == "response" {
		return v, nil
	}
	return c.applyPointerValue(v)
}

func (c *Compiled) applyPointer(v any) (any, error) {
	if c.Kind == KindSteps {
		return c.applyPointerValue(v)
	}
	return v, nil
}

func (c *Compiled) applyPointerValue(v any) (any, error) {
	if c.Pointer.IsZero() {
		return v, nil
	}
	out, err := c.Pointer.Resolve(v)
	return out, c.reframe(err)
}

func (c *Compiled) reframe(err error) error {
	if err == nil {
		return nil
	}
	if ee, ok := err.(*EvalError); ok && ee.Expr == "" {
		ee.Expr = c.Source
	}
	return err
}

func (c *Compiled) unbound(detail string) error {
	return &EvalError{Kind: ErrUnboundScope, Expr: c.Source, Detail: detail}
}

// EvalString evaluates and coerces the result to its string form, the way
// parameter serialization needs it.
func (c *Compiled) EvalString(env *Env) (string, error) {
	v, err := c.Eval(env)
	if err != nil {
		return "", err
	}
	return Stringify(v), nil
}

// Stringify renders a JSON value the way it appears in a URL or header:
// strings verbatim, numbers without a trailing .0, everything else compact.
func Stringify(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case bool:
		if t {
			return "true"
		}
		return "false"
	case float64:
		if t == float64(int64(t)) {
			return fmt.Sprintf("%d", int64(t))
		}
		return strings.TrimRight(strings.TrimRight(fmt.Sprintf("%f", t), "0"), ".")
	case int:
		return fmt.Sprintf("%d", t)
	case int64:
		return fmt.Sprintf("%d", t)
	default:
		return fmt.Sprintf("%v", t)
	}
}
