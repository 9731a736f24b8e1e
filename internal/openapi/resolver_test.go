package openapi

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ronappleton/arazzo-runner/internal/document"
)

const petstoreJSON = `{
  "openapi": "3.0.3",
  "servers": [{"url": "https://petstore.example/v1"}],
  "components": {
    "parameters": {
      "PageSize": {"name": "pageSize", "in": "query", "required": false}
    }
  },
  "paths": {
    "/pets": {
      "parameters": [{"$ref": "#/components/parameters/PageSize"}],
      "get": {
        "operationId": "listPets",
        "parameters": [{"name": "status", "in": "query", "required": true}]
      },
      "post": {
        "operationId": "createPet",
        "requestBody": {
          "required": true,
          "content": {"application/json": {}}
        }
      }
    },
    "/pets/{petId}": {
      "get": {
        "operationId": "getPet",
        "parameters": [{"name": "petId", "in": "path"}]
      }
    }
  }
}`

func testSet(t *testing.T) *Set {
	t.Helper()
	doc, err := LoadInline("petstore", "https://petstore.example/openapi.json", []byte(petstoreJSON))
	require.NoError(t, err)
	return &Set{Docs: map[string]*Doc{"petstore": doc}}
}

func TestResolveByOperationID(t *testing.T) {
	set := testSet(t)
	op, _, err := set.ResolveStep(&document.Step{StepID: "s", OperationID: "listPets"})
	require.NoError(t, err)
	assert.Equal(t, "GET", op.Method)
	assert.Equal(t, "/pets", op.Path)
	assert.Equal(t, "https://petstore.example/v1", op.BaseURL)

	// path-item parameters merge with operation parameters
	names := map[string]bool{}
	for _, p := range op.Params {
		names[p.Name] = p.Required
	}
	assert.Contains(t, names, "pageSize")
	assert.True(t, names["status"])
}

func TestResolveQualifiedOperationID(t *testing.T) {
	set := testSet(t)
	op, _, err := set.ResolveStep(&document.Step{StepID: "s", OperationID: "$sourceDescriptions.petstore.getPet"})
	require.NoError(t, err)
	assert.Equal(t, "getPet", op.OperationID)

	// path parameters are always required
	require.Len(t, op.Params, 1)
	assert.True(t, op.Params[0].Required)
	assert.Equal(t, InPath, op.Params[0].In)
}

func TestResolveUnknownOperationID(t *testing.T) {
	set := testSet(t)
	_, _, err := set.ResolveStep(&document.Step{StepID: "s", OperationID: "nope"})
	require.Error(t, err)
}

func TestResolveAmbiguousOperationID(t *testing.T) {
	docA, err := LoadInline("a", "file://a", []byte(petstoreJSON))
	require.NoError(t, err)
	docB, err := LoadInline("b", "file://b", []byte(petstoreJSON))
	require.NoError(t, err)
	set := &Set{Docs: map[string]*Doc{"a": docA, "b": docB}}

	_, _, err = set.ResolveStep(&document.Step{StepID: "s", OperationID: "listPets"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ambiguous")
}

func TestResolveByOperationPath(t *testing.T) {
	set := testSet(t)
	op, _, err := set.ResolveStep(&document.Step{
		StepID:        "s",
		OperationPath: "{$sourceDescriptions.petstore.url}#/paths/~1pets~1{petId}/get",
	})
	require.NoError(t, err)
	assert.Equal(t, "GET", op.Method)
	assert.Equal(t, "/pets/{petId}", op.Path)
	assert.Equal(t, "getPet", op.OperationID)
}

func TestResolveRequestBodyContract(t *testing.T) {
	set := testSet(t)
	op, _, err := set.ResolveStep(&document.Step{StepID: "s", OperationID: "createPet"})
	require.NoError(t, err)
	assert.True(t, op.BodyRequired)
	assert.Equal(t, []string{"application/json"}, op.ContentTypes)
}

func TestCheckParams(t *testing.T) {
	op := &Operation{
		Method: "GET", Path: "/pets",
		Params: []Param{
			{Name: "status", In: InQuery, Required: true},
			{Name: "pageSize", In: InQuery, Required: false},
		},
	}
	err := CheckParams(op, map[ParamLocation]map[string]bool{InQuery: {"status": true}})
	require.NoError(t, err)

	err = CheckParams(op, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status")
}

func TestLoaderETagRevalidation(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		if r.Header.Get("If-None-Match") == `"v1"` {
			w.WriteHeader(http.StatusNotModified)
			return
		}
		w.Header().Set("ETag", `"v1"`)
		w.Write([]byte(petstoreJSON))
	}))
	defer srv.Close()

	loader := NewLoader(srv.Client())
	first, err := loader.Load(context.Background(), "petstore", srv.URL)
	require.NoError(t, err)
	second, err := loader.Load(context.Background(), "petstore", srv.URL)
	require.NoError(t, err)
	assert.Same(t, first, second)
	assert.Equal(t, int32(2), hits.Load())
}

func TestLoadSourcesSkipsArazzoTyped(t *testing.T) {
	loader := NewLoader(nil)
	doc := &document.Document{
		SourceDescriptions: []document.SourceDescription{
			{Name: "other", URL: "/nonexistent/spec.yaml", Type: "arazzo"},
		},
	}
	set := loader.LoadSources(context.Background(), doc)
	assert.Empty(t, set.Docs)
	assert.Empty(t, set.Diagnostics)
}

func TestCache(t *testing.T) {
	c := NewCache()
	_, ok := c.Get("h", "v", "s")
	assert.False(t, ok)
	op := &Operation{Method: "GET", Path: "/pets"}
	c.Put("h", "v", "s", op)
	got, ok := c.Get("h", "v", "s")
	require.True(t, ok)
	assert.Same(t, op, got)
}
