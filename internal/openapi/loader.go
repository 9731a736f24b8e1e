package openapi

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/ronappleton/arazzo-runner/internal/document"
)

// Loader fetches OpenAPI documents by URL or file path. HTTP loads carry an
// ETag cache so repeated resolutions revalidate with If-None-Match.
type Loader struct {
	client *http.Client

	mu    sync.Mutex
	cache map[string]cachedDoc // keyed by URL
}

type cachedDoc struct {
	etag string
	doc  *Doc
}

func NewLoader(client *http.Client) *Loader {
	if client == nil {
		client = http.DefaultClient
	}
	return &Loader{client: client, cache: map[string]cachedDoc{}}
}

// Set is the collection of loaded sources for one Arazzo document.
type Set struct {
	Docs        map[string]*Doc
	Diagnostics []Diagnostic
}

// LoadSources loads every openapi-typed source description. Load failures
// become diagnostics rather than aborting, so a workflow touching only
// healthy sources can still resolve.
func (l *Loader) LoadSources(ctx context.Context, doc *document.Document) *Set {
	out := &Set{Docs: map[string]*Doc{}}
	for _, src := range doc.SourceDescriptions {
		if src.Type != "" && src.Type != "openapi" {
			continue
		}
		loaded, err := l.Load(ctx, src.Name, src.URL)
		if err != nil {
			out.Diagnostics = append(out.Diagnostics, Diagnostic{
				SourceName: src.Name,
				Message:    fmt.Sprintf("load source %q: %v", src.Name, err),
			})
			continue
		}
		out.Docs[src.Name] = loaded
	}
	return out
}

// Load fetches and parses one source by URL or filesystem path.
func (l *Loader) Load(ctx context.Context, name, urlOrPath string) (*Doc, error) {
	if strings.HasPrefix(urlOrPath, "http://") || strings.HasPrefix(urlOrPath, "https://") {
		return l.loadHTTP(ctx, name, urlOrPath)
	}
	raw, err := os.ReadFile(urlOrPath)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", urlOrPath, err)
	}
	return parseDoc(name, urlOrPath, raw, contentHash(raw))
}

// LoadInline parses a snapshot already held in hand, as the store replays
// persisted source rows.
func LoadInline(name, sourceURL string, raw []byte) (*Doc, error) {
	return parseDoc(name, sourceURL, raw, contentHash(raw))
}

func (l *Loader) loadHTTP(ctx context.Context, name, url string) (*Doc, error) {
	l.mu.Lock()
	prior, hasPrior := l.cache[url]
	l.mu.Unlock()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json, application/yaml, text/yaml")
	if hasPrior && prior.etag != "" {
		req.Header.Set("If-None-Match", prior.etag)
	}

	resp, err := l.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotModified && hasPrior {
		return prior.doc, nil
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("fetch %s: HTTP %d", url, resp.StatusCode)
	}
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", url, err)
	}

	version := resp.Header.Get("ETag")
	if version == "" {
		version = contentHash(raw)
	}
	doc, err := parseDoc(name, url, raw, version)
	if err != nil {
		return nil, err
	}
	l.mu.Lock()
	l.cache[url] = cachedDoc{etag: resp.Header.Get("ETag"), doc: doc}
	l.mu.Unlock()
	return doc, nil
}

func parseDoc(name, sourceURL string, raw []byte, version string) (*Doc, error) {
	var decoded map[string]any
	if err := yaml.Unmarshal(raw, &decoded); err != nil {
		return nil, fmt.Errorf("parse openapi document %s: %w", sourceURL, err)
	}
	if decoded == nil {
		return nil, fmt.Errorf("openapi document %s is empty", sourceURL)
	}
	return &Doc{SourceName: name, SourceURL: sourceURL, Version: version, Raw: decoded}, nil
}

func contentHash(raw []byte) string {
	sum := sha256.Sum256(raw)
	return "sha256:" + hex.EncodeToString(sum[:])
}
