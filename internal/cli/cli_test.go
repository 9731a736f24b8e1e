package cli

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ronappleton/arazzo-runner/internal/document"
	"github.com/ronappleton/arazzo-runner/internal/store"
)

func TestRedactURLPassword(t *testing.T) {
	cases := map[string]string{
		"postgres://app:hunter2@db:5432/runs": "postgres://app:***@db:5432/runs",
		"postgres://app@db:5432/runs":         "postgres://app@db:5432/runs",
		"postgres://db:5432/runs":             "postgres://db:5432/runs",
		"not a url":                           "not a url",
	}
	for in, want := range cases {
		assert.Equal(t, want, redactURLPassword(in), in)
	}
}

func TestCollectInputs(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "inputs.yaml")
	require.NoError(t, os.WriteFile(path, []byte("petId: 7\nname: bella\n"), 0o644))

	inputs, err := collectInputs(path, []string{"petId=9", "tags=[\"dog\"]", "note=plain text"})
	require.NoError(t, err)

	assert.Equal(t, float64(9), inputs["petId"])
	assert.Equal(t, "bella", inputs["name"])
	assert.Equal(t, []any{"dog"}, inputs["tags"])
	assert.Equal(t, "plain text", inputs["note"])
}

func TestCollectInputsRejectsBareSet(t *testing.T) {
	_, err := collectInputs("", []string{"no-equals-sign"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "KEY=VALUE")
}

func TestPickWorkflow(t *testing.T) {
	raw := []byte(`
arazzo: 1.0.1
info:
  title: pets
  version: "1.0"
sourceDescriptions:
  - name: api
    url: ./api.yaml
    type: openapi
workflows:
  - workflowId: adopt
    steps:
      - stepId: find
        operationId: findPets
  - workflowId: return
    steps:
      - stepId: lookup
        operationId: getPet
`)
	doc, _, err := document.Parse(raw)
	require.NoError(t, err)

	wf, err := pickWorkflow(doc, "return")
	require.NoError(t, err)
	assert.Equal(t, "return", wf.WorkflowID)

	_, err = pickWorkflow(doc, "missing")
	require.Error(t, err)

	_, err = pickWorkflow(doc, "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "adopt, return")
}

func TestLoadSourcesRejectsBadOverride(t *testing.T) {
	doc := &document.Document{}
	_, err := loadSources(context.Background(), doc, []string{"missing-path"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "NAME=PATH")
}

func TestDescribeStep(t *testing.T) {
	assert.Equal(t, "operationId findPets", describeStep(&document.Step{OperationID: "findPets"}))
	assert.Equal(t, "operationPath {$sourceDescriptions.api.url}#/paths/~1pets/get", describeStep(&document.Step{OperationPath: "{$sourceDescriptions.api.url}#/paths/~1pets/get"}))
	assert.Equal(t, "workflow adopt", describeStep(&document.Step{WorkflowID: "adopt"}))
	assert.Equal(t, "(unbound)", describeStep(&document.Step{}))
}

func TestCollectRunMetrics(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()

	runID, err := st.CreateRun(ctx, store.NewRun{DocumentID: "doc1", WorkflowID: "adopt", CreatedBy: "test"}, []store.NewStep{
		{StepID: "find", StepIndex: 0, OperationID: "findPets"},
		{StepID: "reserve", StepIndex: 1, OperationID: "reservePet"},
	}, nil)
	require.NoError(t, err)
	require.NoError(t, st.MarkRunRunning(ctx, runID))

	claimed, err := st.ClaimReadySteps(ctx, runID, 10, time.Now())
	require.NoError(t, err)
	require.Len(t, claimed, 2)

	require.NoError(t, st.CommitStepSuccess(ctx, runID, "find", json.RawMessage(`{"petId":7}`)))
	require.NoError(t, st.FailStep(ctx, runID, "reserve", json.RawMessage(`{"kind":"http"}`)))

	events := []store.NewEvent{
		{RunID: runID, Type: "attempt.started"},
		{RunID: runID, Type: "attempt.finished", Payload: json.RawMessage(`{"status":"succeeded"}`)},
		{RunID: runID, Type: "attempt.started"},
		{RunID: runID, Type: "attempt.finished", Payload: json.RawMessage(`{"status":"failed"}`)},
		{RunID: runID, Type: "step.retrying", Payload: json.RawMessage(`{"step_id":"reserve"}`)},
		{RunID: runID, Type: "attempt.started"},
		{RunID: runID, Type: "attempt.finished", Payload: json.RawMessage(`{"status":"failed"}`)},
	}
	for _, ev := range events {
		require.NoError(t, st.AppendEvent(ctx, ev))
	}
	require.NoError(t, st.MarkRunFinished(ctx, runID, store.RunFailed, json.RawMessage(`{"kind":"step_failed"}`)))

	m, err := collectRunMetrics(ctx, st, runID)
	require.NoError(t, err)

	assert.Equal(t, runID, m.RunID)
	assert.Equal(t, string(store.RunFailed), m.Status)
	assert.Equal(t, 2, m.Steps.Total)
	assert.Equal(t, 1, m.Steps.Succeeded)
	assert.Equal(t, 1, m.Steps.Failed)
	assert.Equal(t, 1, m.Steps.Retried)
	assert.Equal(t, 3, m.HTTP.Requests)
	assert.Equal(t, 2, m.HTTP.Errors)
}
