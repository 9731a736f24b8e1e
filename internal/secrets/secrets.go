// Package secrets resolves secret URIs for workflow inputs and headers.
// Values are fetched lazily, memoized per Resolver, and never persisted; only
// the provider and identifier appear in logs and attempt rows.
package secrets

import (
	"context"
	"encoding/json"
	"os"
	"sort"
	"strings"
	"sync"

	"github.com/ronappleton/arazzo-runner/internal/expr"
	"github.com/ronappleton/arazzo-runner/internal/runerr"
)

// Ref is a parsed secret URI: env://NAME, file:///path[#/json/pointer],
// aws-sm://<arn>, gcp-sm://<name>.
type Ref struct {
	Provider string
	ID       string
	Pointer  expr.JSONPointer
}

// String renders the redacted form used in logs and persisted errors.
func (r Ref) String() string {
	return r.Provider + "://" + r.ID
}

// IsRef reports whether s looks like a secret URI.
func IsRef(s string) bool {
	for _, scheme := range []string{"env://", "file://", "aws-sm://", "gcp-sm://"} {
		if strings.HasPrefix(s, scheme) {
			return true
		}
	}
	return false
}

// Parse splits a secret URI into its provider, identifier, and optional
// JSON pointer fragment.
func Parse(uri string) (Ref, error) {
	scheme, rest, found := strings.Cut(uri, "://")
	if !found || rest == "" {
		return Ref{}, runerr.New(runerr.KindSecret, "invalid secret uri %q", uri)
	}
	ref := Ref{Provider: scheme}
	if i := strings.IndexByte(rest, '#'); i >= 0 {
		ptr, err := expr.ParseJSONPointer(rest[i+1:])
		if err != nil {
			return Ref{}, runerr.New(runerr.KindSecret, "secret uri %q: %v", uri, err)
		}
		ref.Pointer = ptr
		rest = rest[:i]
	}
	switch scheme {
	case "env", "aws-sm", "gcp-sm":
		ref.ID = rest
	case "file":
		// file:///etc/secret keeps the leading slash as part of the path.
		ref.ID = rest
	default:
		return Ref{}, runerr.New(runerr.KindSecret, "unknown secret provider %q", scheme)
	}
	return ref, nil
}

// Provider fetches one secret value by identifier.
type Provider interface {
	Get(ctx context.Context, id string) (string, error)
}

type ProviderFunc func(ctx context.Context, id string) (string, error)

func (f ProviderFunc) Get(ctx context.Context, id string) (string, error) { return f(ctx, id) }

// Resolver routes refs to registered providers and memoizes per instance.
// The engine holds one resolver for every run it executes, so the cache is
// not cleared between runs.
type Resolver struct {
	providers map[string]Provider

	mu    sync.Mutex
	cache map[string]string
}

// NewResolver registers the built-in env and file providers. aws-sm and
// gcp-sm stay unbound until a backend is registered with Register.
func NewResolver() *Resolver {
	r := &Resolver{providers: map[string]Provider{}, cache: map[string]string{}}
	r.Register("env", ProviderFunc(envProvider))
	r.Register("file", ProviderFunc(fileProvider))
	return r
}

func (r *Resolver) Register(provider string, p Provider) {
	r.providers[provider] = p
}

// Providers lists the registered provider schemes in sorted order.
func (r *Resolver) Providers() []string {
	names := make([]string, 0, len(r.providers))
	for name := range r.providers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Resolve fetches the value for a secret URI.
func (r *Resolver) Resolve(ctx context.Context, uri string) (string, error) {
	ref, err := Parse(uri)
	if err != nil {
		return "", err
	}
	r.mu.Lock()
	if v, ok := r.cache[uri]; ok {
		r.mu.Unlock()
		return v, nil
	}
	r.mu.Unlock()

	p, ok := r.providers[ref.Provider]
	if !ok {
		return "", runerr.New(runerr.KindSecret, "no provider registered for %s", ref)
	}
	raw, err := p.Get(ctx, ref.ID)
	if err != nil {
		if runerr.KindOf(err) == runerr.KindSecret {
			return "", err
		}
		return "", runerr.New(runerr.KindSecret, "resolve %s: %v", ref, err)
	}
	value, err := applyPointer(ref, raw)
	if err != nil {
		return "", err
	}
	r.mu.Lock()
	r.cache[uri] = value
	r.mu.Unlock()
	return value, nil
}

// ExpandValue walks a decoded JSON value replacing secret URIs in strings.
// It returns the expanded value plus the refs it resolved, so callers can
// redact derived headers before persistence.
func (r *Resolver) ExpandValue(ctx context.Context, v any) (any, []Ref, error) {
	var used []Ref
	expanded, err := r.expand(ctx, v, &used)
	return expanded, used, err
}

func (r *Resolver) expand(ctx context.Context, v any, used *[]Ref) (any, error) {
	switch t := v.(type) {
	case string:
		if !IsRef(t) {
			return t, nil
		}
		ref, err := Parse(t)
		if err != nil {
			return nil, err
		}
		value, err := r.Resolve(ctx, t)
		if err != nil {
			return nil, err
		}
		*used = append(*used, ref)
		return value, nil
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			expanded, err := r.expand(ctx, val, used)
			if err != nil {
				return nil, err
			}
			out[k] = expanded
		}
		return out, nil
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			expanded, err := r.expand(ctx, val, used)
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

func applyPointer(ref Ref, raw string) (string, error) {
	if ref.Pointer.IsZero() {
		return raw, nil
	}
	decoded, err := decodeJSON(raw)
	if err != nil {
		return "", runerr.New(runerr.KindSecret, "secret %s is not JSON but a pointer was given", ref)
	}
	v, err := ref.Pointer.Resolve(decoded)
	if err != nil {
		return "", runerr.New(runerr.KindSecret, "secret %s: %v", ref, err)
	}
	return expr.Stringify(v), nil
}

func decodeJSON(raw string) (any, error) {
	var v any
	if err := json.Unmarshal([]byte(raw), &v); err != nil {
		return nil, err
	}
	return v, nil
}

func envProvider(_ context.Context, id string) (string, error) {
	if v, ok := os.LookupEnv(id); ok {
		return v, nil
	}
	// ARAZZO_SECRET_<NAME> fallback for environments that namespace secrets.
	if v, ok := os.LookupEnv("ARAZZO_SECRET_" + id); ok {
		return v, nil
	}
	return "", runerr.New(runerr.KindSecret, "environment variable %q is not set", id)
}

func fileProvider(_ context.Context, id string) (string, error) {
	raw, err := os.ReadFile(id)
	if err != nil {
		return "", runerr.New(runerr.KindSecret, "read secret file: %v", err)
	}
	return strings.TrimRight(string(raw), "\n"), nil
}
