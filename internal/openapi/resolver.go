package openapi

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/ronappleton/arazzo-runner/internal/document"
)

// ResolveStep maps a step's operationId or operationPath to a concrete
// operation within the loaded set.
func (s *Set) ResolveStep(st *document.Step) (*Operation, []Diagnostic, error) {
	switch {
	case st.OperationID != "":
		return s.resolveOperationID(st.OperationID)
	case st.OperationPath != "":
		return s.resolveOperationPath(st.OperationPath)
	}
	return nil, nil, fmt.Errorf("step %q does not reference an HTTP operation", st.StepID)
}

// resolveOperationID handles three forms: the qualified
// $sourceDescriptions.<name>.<operationId> expression, a bare id with a
// single source, and a bare id searched across sources where a unique match
// wins and ambiguity is an error.
func (s *Set) resolveOperationID(raw string) (*Operation, []Diagnostic, error) {
	trimmed := strings.TrimSpace(raw)
	var diags []Diagnostic

	if strings.HasPrefix(trimmed, "$") {
		rest, ok := strings.CutPrefix(trimmed, "$sourceDescriptions.")
		if !ok {
			return nil, nil, fmt.Errorf("operationId expression must be $sourceDescriptions.<name>.<operationId>: %s", trimmed)
		}
		name, opID, found := strings.Cut(rest, ".")
		if !found || opID == "" {
			return nil, nil, fmt.Errorf("qualified operationId must include the operationId segment: %s", trimmed)
		}
		doc, ok := s.Docs[name]
		if !ok {
			return nil, nil, fmt.Errorf("unknown OpenAPI source %q", name)
		}
		op, shapeDiags, err := findByOperationID(doc, opID)
		return op, append(diags, shapeDiags...), err
	}

	if len(s.Docs) == 0 {
		return nil, nil, fmt.Errorf("no OpenAPI sources available")
	}
	if len(s.Docs) == 1 {
		for _, doc := range s.Docs {
			op, shapeDiags, err := findByOperationID(doc, trimmed)
			return op, shapeDiags, err
		}
	}

	var matches []string
	for name, doc := range s.Docs {
		if hasOperationID(doc, trimmed) {
			matches = append(matches, name)
		}
	}
	sort.Strings(matches)
	switch len(matches) {
	case 0:
		return nil, nil, fmt.Errorf("operationId %q not found in any OpenAPI source (available: %s)", trimmed, strings.Join(sortedNames(s.Docs), ", "))
	case 1:
		diags = append(diags, Diagnostic{
			SourceName: matches[0],
			Message:    fmt.Sprintf("unqualified operationId %q resolved to source %q", trimmed, matches[0]),
		})
		op, shapeDiags, err := findByOperationID(s.Docs[matches[0]], trimmed)
		return op, append(diags, shapeDiags...), err
	}
	return nil, nil, fmt.Errorf("ambiguous operationId %q found in sources: %s", trimmed, strings.Join(matches, ", "))
}

func (s *Set) resolveOperationPath(opPath string) (*Operation, []Diagnostic, error) {
	sourceName, pointer, method, path, err := parseOperationPath(opPath)
	if err != nil {
		return nil, nil, err
	}
	doc, ok := s.Docs[sourceName]
	if !ok {
		return nil, nil, fmt.Errorf("unknown OpenAPI source %q", sourceName)
	}
	raw, found := walkPointer(doc.Raw, pointer)
	if !found {
		return nil, nil, fmt.Errorf("operationPath pointer %q not found in source %q", pointer, sourceName)
	}
	op, ok := raw.(map[string]any)
	if !ok {
		return nil, nil, fmt.Errorf("operationPath pointer %q does not address an operation object", pointer)
	}
	if !isSupportedMethod(method) {
		return nil, nil, fmt.Errorf("unsupported HTTP method %q in operationPath", method)
	}

	params, bodyRequired, contentTypes, diags := compileShape(doc, path, op)
	opID, _ := op["operationId"].(string)
	return &Operation{
		SourceName:   sourceName,
		BaseURL:      selectBaseURL(doc, path, op),
		Method:       strings.ToUpper(method),
		Path:         path,
		OperationID:  opID,
		Params:       params,
		BodyRequired: bodyRequired,
		ContentTypes: contentTypes,
	}, diags, nil
}

// parseOperationPath splits
// '{$sourceDescriptions.<name>.url}#/paths/<encoded-path>/<method>'.
func parseOperationPath(opPath string) (sourceName, pointer, method, path string, err error) {
	before, after, found := strings.Cut(opPath, "#")
	if !found {
		return "", "", "", "", fmt.Errorf("operationPath must include a '#/paths/...' pointer")
	}
	const prefix = "{$sourceDescriptions."
	start := strings.Index(before, prefix)
	if start < 0 {
		return "", "", "", "", fmt.Errorf("operationPath must contain {$sourceDescriptions.<name>.url}")
	}
	inner := before[start+len(prefix):]
	name, rest, found := strings.Cut(inner, ".")
	if !found || !strings.HasPrefix(rest, "url}") {
		return "", "", "", "", fmt.Errorf("operationPath source expression must address .url")
	}

	parts := splitPointer(after)
	if len(parts) < 3 || parts[0] != "paths" {
		return "", "", "", "", fmt.Errorf("operationPath pointer must point under /paths/<path>/<method>")
	}
	decodedPath := strings.ReplaceAll(strings.ReplaceAll(parts[1], "~1", "/"), "~0", "~")
	return name, after, parts[2], decodedPath, nil
}

func splitPointer(pointer string) []string {
	var parts []string
	for _, p := range strings.Split(strings.TrimPrefix(pointer, "/"), "/") {
		if p != "" {
			parts = append(parts, p)
		}
	}
	return parts
}

func findByOperationID(doc *Doc, opID string) (*Operation, []Diagnostic, error) {
	paths, ok := doc.Raw["paths"].(map[string]any)
	if !ok {
		return nil, nil, fmt.Errorf("operationId %q not found in source %q", opID, doc.SourceName)
	}
	var matchedPaths []string
	for path := range paths {
		matchedPaths = append(matchedPaths, path)
	}
	sort.Strings(matchedPaths)
	for _, path := range matchedPaths {
		item, ok := paths[path].(map[string]any)
		if !ok {
			continue
		}
		for _, method := range methodKeys {
			op, ok := item[method].(map[string]any)
			if !ok {
				continue
			}
			id, _ := op["operationId"].(string)
			if id != opID {
				continue
			}
			params, bodyRequired, contentTypes, diags := compileShape(doc, path, op)
			return &Operation{
				SourceName:   doc.SourceName,
				BaseURL:      selectBaseURL(doc, path, op),
				Method:       strings.ToUpper(method),
				Path:         path,
				OperationID:  opID,
				Params:       params,
				BodyRequired: bodyRequired,
				ContentTypes: contentTypes,
			}, diags, nil
		}
	}
	return nil, nil, fmt.Errorf("operationId %q not found in source %q", opID, doc.SourceName)
}

func hasOperationID(doc *Doc, opID string) bool {
	paths, ok := doc.Raw["paths"].(map[string]any)
	if !ok {
		return false
	}
	for _, item := range paths {
		obj, ok := item.(map[string]any)
		if !ok {
			continue
		}
		for _, method := range methodKeys {
			if op, ok := obj[method].(map[string]any); ok {
				if id, _ := op["operationId"].(string); id == opID {
					return true
				}
			}
		}
	}
	return false
}

func isSupportedMethod(method string) bool {
	m := strings.ToLower(method)
	for _, key := range methodKeys {
		if m == key {
			return true
		}
	}
	return false
}

func sortedNames(docs map[string]*Doc) []string {
	names := make([]string, 0, len(docs))
	for name := range docs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Cache memoizes resolved operations per (arazzo doc hash, source version,
// step id) so repeated runs of the same document skip re-resolution.
type Cache struct {
	mu      sync.RWMutex
	entries map[string]*Operation
}

func NewCache() *Cache {
	return &Cache{entries: map[string]*Operation{}}
}

func cacheKey(docHash, sourceVersion, stepID string) string {
	return docHash + "|" + sourceVersion + "|" + stepID
}

func (c *Cache) Get(docHash, sourceVersion, stepID string) (*Operation, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	op, ok := c.entries[cacheKey(docHash, sourceVersion, stepID)]
	return op, ok
}

func (c *Cache) Put(docHash, sourceVersion, stepID string, op *Operation) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[cacheKey(docHash, sourceVersion, stepID)] = op
}
