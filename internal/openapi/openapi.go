// Package openapi loads OpenAPI source documents and resolves workflow steps
// to concrete HTTP operations.
package openapi

import (
	"fmt"
	"sort"
	"strings"
)

// Doc is one loaded OpenAPI description, decoded to generic JSON values so
// the same walk works for YAML and JSON inputs.
type Doc struct {
	SourceName string
	SourceURL  string
	Version    string // ETag or content hash, used as cache key component
	Raw        map[string]any
}

type ParamLocation string

const (
	InPath   ParamLocation = "path"
	InQuery  ParamLocation = "query"
	InHeader ParamLocation = "header"
	InCookie ParamLocation = "cookie"
)

// Param is a declared operation parameter after $ref resolution and
// path-item/operation merge.
type Param struct {
	Name     string        `json:"name"`
	In       ParamLocation `json:"in"`
	Required bool          `json:"required"`
}

// Operation is a step target resolved against one source document.
type Operation struct {
	SourceName   string   `json:"sourceName"`
	BaseURL      string   `json:"baseUrl"`
	Method       string   `json:"method"`
	Path         string   `json:"path"`
	OperationID  string   `json:"operationId,omitempty"`
	Params       []Param  `json:"params,omitempty"`
	BodyRequired bool     `json:"bodyRequired,omitempty"`
	ContentTypes []string `json:"contentTypes,omitempty"`
}

// Diagnostic is a non-fatal finding raised while resolving.
type Diagnostic struct {
	SourceName string `json:"sourceName,omitempty"`
	Message    string `json:"message"`
}

var methodKeys = []string{"get", "put", "post", "delete", "options", "head", "patch", "trace"}

func paramLocation(s string) (ParamLocation, bool) {
	switch ParamLocation(s) {
	case InPath, InQuery, InHeader, InCookie:
		return ParamLocation(s), true
	}
	return "", false
}

// resolveRef follows a local "#/..." reference. External refs are not
// supported; cycles terminate with an error.
func resolveRef(doc map[string]any, ref string, visited map[string]bool) (any, error) {
	if !strings.HasPrefix(ref, "#") {
		return nil, fmt.Errorf("unsupported external $ref: %s", ref)
	}
	if visited[ref] {
		return nil, fmt.Errorf("cyclic $ref: %s", ref)
	}
	visited[ref] = true
	v, ok := walkPointer(doc, ref[1:])
	if !ok {
		return nil, fmt.Errorf("unresolvable $ref: %s", ref)
	}
	if obj, isObj := v.(map[string]any); isObj {
		if next, hasRef := obj["$ref"].(string); hasRef {
			return resolveRef(doc, next, visited)
		}
	}
	return v, nil
}

func walkPointer(v any, pointer string) (any, bool) {
	if pointer == "" {
		return v, true
	}
	cur := v
	for _, tok := range strings.Split(strings.TrimPrefix(pointer, "/"), "/") {
		tok = strings.ReplaceAll(tok, "~1", "/")
		tok = strings.ReplaceAll(tok, "~0", "~")
		obj, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = obj[tok]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

func extractParam(v any) (Param, bool) {
	obj, ok := v.(map[string]any)
	if !ok {
		return Param{}, false
	}
	if _, hasRef := obj["$ref"]; hasRef {
		return Param{}, false
	}
	name, _ := obj["name"].(string)
	if name == "" {
		return Param{}, false
	}
	locStr, _ := obj["in"].(string)
	loc, ok := paramLocation(locStr)
	if !ok {
		return Param{}, false
	}
	required, _ := obj["required"].(bool)
	if loc == InPath {
		required = true
	}
	return Param{Name: name, In: loc, Required: required}, true
}

func locationRank(loc ParamLocation) int {
	switch loc {
	case InPath:
		return 0
	case InQuery:
		return 1
	case InHeader:
		return 2
	}
	return 3
}

// dedupeParams merges duplicates by (location, name), keeping required if any
// declaration requires it, and orders path, query, header, cookie.
func dedupeParams(params []Param) []Param {
	type key struct {
		in   ParamLocation
		name string
	}
	merged := map[key]bool{}
	for _, p := range params {
		k := key{p.In, p.Name}
		merged[k] = merged[k] || p.Required
	}
	out := make([]Param, 0, len(merged))
	for k, required := range merged {
		out = append(out, Param{Name: k.name, In: k.in, Required: required})
	}
	sort.Slice(out, func(i, j int) bool {
		ri, rj := locationRank(out[i].In), locationRank(out[j].In)
		if ri != rj {
			return ri < rj
		}
		return out[i].Name < out[j].Name
	})
	return out
}

// compileShape merges path-item and operation parameters and extracts the
// request body contract.
func compileShape(doc *Doc, path string, op map[string]any) ([]Param, bool, []string, []Diagnostic) {
	var diags []Diagnostic
	var params []Param

	collect := func(ctx string, raw any) {
		arr, ok := raw.([]any)
		if !ok {
			return
		}
		for _, item := range arr {
			if obj, isObj := item.(map[string]any); isObj {
				if ref, hasRef := obj["$ref"].(string); hasRef {
					resolved, err := resolveRef(doc.Raw, ref, map[string]bool{})
					if err != nil {
						diags = append(diags, Diagnostic{SourceName: doc.SourceName, Message: fmt.Sprintf("%s: %v", ctx, err)})
						continue
					}
					item = resolved
				}
			}
			if p, ok := extractParam(item); ok {
				params = append(params, p)
			} else {
				diags = append(diags, Diagnostic{SourceName: doc.SourceName, Message: fmt.Sprintf("%s: entry is not a parameter object", ctx)})
			}
		}
	}

	if pathItem, ok := pathItemOf(doc.Raw, path); ok {
		if raw, has := pathItem["parameters"]; has {
			collect("pathItem.parameters", raw)
		}
	}
	if raw, has := op["parameters"]; has {
		collect("operation.parameters", raw)
	}
	params = dedupeParams(params)

	var bodyRequired bool
	var contentTypes []string
	if rb, has := op["requestBody"]; has {
		rbObj, _ := rb.(map[string]any)
		if ref, hasRef := rbObj["$ref"].(string); hasRef {
			resolved, err := resolveRef(doc.Raw, ref, map[string]bool{})
			if err != nil {
				diags = append(diags, Diagnostic{SourceName: doc.SourceName, Message: fmt.Sprintf("requestBody: %v", err)})
			} else if obj, isObj := resolved.(map[string]any); isObj {
				rbObj = obj
			}
		}
		bodyRequired, _ = rbObj["required"].(bool)
		if content, isObj := rbObj["content"].(map[string]any); isObj {
			for ct := range content {
				contentTypes = append(contentTypes, ct)
			}
			sort.Strings(contentTypes)
		}
	}
	return params, bodyRequired, contentTypes, diags
}

func pathItemOf(raw map[string]any, path string) (map[string]any, bool) {
	paths, ok := raw["paths"].(map[string]any)
	if !ok {
		return nil, false
	}
	item, ok := paths[path].(map[string]any)
	return item, ok
}

// selectBaseURL prefers operation servers, then path-item servers, then the
// document's servers block.
func selectBaseURL(doc *Doc, path string, op map[string]any) string {
	if url := firstServerURL(op); url != "" {
		return url
	}
	if pathItem, ok := pathItemOf(doc.Raw, path); ok {
		if url := firstServerURL(pathItem); url != "" {
			return url
		}
	}
	return firstServerURL(doc.Raw)
}

func firstServerURL(v map[string]any) string {
	servers, ok := v["servers"].([]any)
	if !ok || len(servers) == 0 {
		return ""
	}
	first, ok := servers[0].(map[string]any)
	if !ok {
		return ""
	}
	url, _ := first["url"].(string)
	return url
}

// CheckParams verifies every required declared parameter has a supplied
// value. provided maps location to the set of supplied names.
func CheckParams(op *Operation, provided map[ParamLocation]map[string]bool) error {
	var missing []string
	for _, p := range op.Params {
		if !p.Required {
			continue
		}
		if provided[p.In][p.Name] {
			continue
		}
		missing = append(missing, fmt.Sprintf("%s (%s)", p.Name, p.In))
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing required parameters for %s %s: %s", op.Method, op.Path, strings.Join(missing, ", "))
	}
	return nil
}
