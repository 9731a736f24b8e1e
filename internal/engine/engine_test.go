package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/ronappleton/arazzo-runner/internal/document"
	"github.com/ronappleton/arazzo-runner/internal/openapi"
	"github.com/ronappleton/arazzo-runner/internal/policy"
	"github.com/ronappleton/arazzo-runner/internal/retry"
	"github.com/ronappleton/arazzo-runner/internal/secrets"
	"github.com/ronappleton/arazzo-runner/internal/store"
)

func testEngine(t *testing.T, st store.Store, cfg policy.Config) *Engine {
	t.Helper()
	if cfg.AllowedSchemes == nil {
		cfg = policy.Config{
			AllowedSchemes:  []string{"http"},
			AllowedHosts:    []string{"127.0.0.1"},
			FollowRedirects: true,
			MaxRedirects:    3,
			MaxBodyBytes:    1 << 20,
			RequestTimeout:  2 * time.Second,
		}
	}
	retryCfg := retry.Config{MaxAttempts: 5, BaseDelay: time.Millisecond, Factor: 2, MaxDelay: 5 * time.Millisecond}
	eng := New(st, policy.New(cfg), secrets.NewResolver(), retryCfg, Config{Workers: 4, PollInterval: 5 * time.Millisecond}, zap.NewNop())
	eng.randFunc = func() float64 { return 0.5 }
	return eng
}

func fixtureSet(t *testing.T, baseURL string) *openapi.Set {
	t.Helper()
	spec := fmt.Sprintf(`{
  "openapi": "3.0.3",
  "servers": [{"url": %q}],
  "paths": {
    "/things": {
      "get": {"operationId": "listThings"}
    },
    "/things/{id}": {
      "get": {"operationId": "getThing", "parameters": [{"name": "id", "in": "path", "required": true}]}
    }
  }
}`, baseURL)
	oad, err := openapi.LoadInline("api", baseURL+"/openapi.json", []byte(spec))
	require.NoError(t, err)
	return &openapi.Set{Docs: map[string]*openapi.Doc{"api": oad}}
}

func fixtureDoc(baseURL string, workflows ...document.Workflow) *document.Document {
	return &document.Document{
		Arazzo: "1.0.1",
		Info:   document.Info{Title: "things", Version: "1.0.0"},
		SourceDescriptions: []document.SourceDescription{
			{Name: "api", URL: baseURL + "/openapi.json", Type: "openapi"},
		},
		Workflows: workflows,
	}
}

func thingsServer(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/things", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"count": 7}`)
	})
	mux.HandleFunc("/things/", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"id": %q}`, strings.TrimPrefix(r.URL.Path, "/things/"))
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func fetchWorkflow() document.Workflow {
	return document.Workflow{
		WorkflowID: "fetch",
		Steps: []document.Step{
			{
				StepID:      "list",
				OperationID: "listThings",
				Outputs:     map[string]string{"count": "$response.body#/count"},
			},
			{
				StepID:      "get",
				OperationID: "getThing",
				Parameters: []document.Parameter{
					{Name: "id", In: "path", Value: "$steps.list.outputs.count"},
				},
				Outputs: map[string]string{"id": "$response.body#/id"},
			},
		},
		Outputs: map[string]string{"total": "$steps.list.outputs.count"},
	}
}

func stepByID(t *testing.T, steps []store.RunStep, id string) store.RunStep {
	t.Helper()
	for _, s := range steps {
		if s.StepID == id {
			return s
		}
	}
	t.Fatalf("step %q not found", id)
	return store.RunStep{}
}

func eventTypes(t *testing.T, st store.Store, runID string) []string {
	t.Helper()
	evs, err := st.EventsAfter(context.Background(), runID, 0, 1000)
	require.NoError(t, err)
	types := make([]string, 0, len(evs))
	for _, ev := range evs {
		types = append(types, ev.Type)
	}
	return types
}

func TestExecuteRunSuccess(t *testing.T) {
	srv := thingsServer(t)
	st := store.NewMemoryStore()
	eng := testEngine(t, st, policy.Config{})
	doc := fixtureDoc(srv.URL, fetchWorkflow())
	set := fixtureSet(t, srv.URL)

	runID, err := eng.PrepareRun(context.Background(), "doc_1", doc, "fetch", nil, "", "")
	require.NoError(t, err)
	require.NoError(t, eng.ExecuteRun(context.Background(), doc, set, runID))

	run, err := st.GetRun(context.Background(), runID)
	require.NoError(t, err)
	assert.Equal(t, store.RunSucceeded, run.Status)

	steps, err := st.ListRunSteps(context.Background(), runID)
	require.NoError(t, err)
	list := stepByID(t, steps, "list")
	assert.Equal(t, store.StepSucceeded, list.Status)
	assert.JSONEq(t, `{"count": 7}`, string(list.Outputs))
	get := stepByID(t, steps, "get")
	assert.Equal(t, store.StepSucceeded, get.Status)
	assert.JSONEq(t, `{"id": "7"}`, string(get.Outputs))

	types := eventTypes(t, st, runID)
	assert.Contains(t, types, "run.started")
	assert.Contains(t, types, "step.succeeded")
	assert.Contains(t, types, "run.finished")

	evs, err := st.EventsAfter(context.Background(), runID, 0, 1000)
	require.NoError(t, err)
	last := evs[len(evs)-1]
	assert.Equal(t, "run.finished", last.Type)
	var payload struct {
		Status  string         `json:"status"`
		Outputs map[string]any `json:"outputs"`
	}
	require.NoError(t, json.Unmarshal(last.Payload, &payload))
	assert.Equal(t, "succeeded", payload.Status)
	assert.Equal(t, float64(7), payload.Outputs["total"])
}

func TestExecuteRunRetriesThenSucceeds(t *testing.T) {
	var calls atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc("/things", func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) <= 2 {
			http.Error(w, "busy", http.StatusServiceUnavailable)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"count": 1}`)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	st := store.NewMemoryStore()
	eng := testEngine(t, st, policy.Config{})
	wf := document.Workflow{
		WorkflowID: "retrying",
		Steps: []document.Step{{
			StepID:      "list",
			OperationID: "listThings",
			OnFailure: []document.ActionOrRef{
				{Name: "backoff", Type: document.ActionRetry, RetryAfter: 0.001, RetryLimit: 3},
			},
		}},
	}
	doc := fixtureDoc(srv.URL, wf)
	set := fixtureSet(t, srv.URL)

	runID, err := eng.PrepareRun(context.Background(), "doc_1", doc, "retrying", nil, "", "")
	require.NoError(t, err)
	require.NoError(t, eng.ExecuteRun(context.Background(), doc, set, runID))

	run, err := st.GetRun(context.Background(), runID)
	require.NoError(t, err)
	assert.Equal(t, store.RunSucceeded, run.Status)

	steps, err := st.ListRunSteps(context.Background(), runID)
	require.NoError(t, err)
	attempts, err := st.ListAttempts(context.Background(), stepByID(t, steps, "list").ID)
	require.NoError(t, err)
	require.Len(t, attempts, 3)
	assert.Equal(t, store.AttemptFailed, attempts[0].Status)
	assert.Equal(t, store.AttemptSucceeded, attempts[2].Status)
	assert.Contains(t, eventTypes(t, st, runID), "step.retrying")
}

func TestExecuteRunFailureSkipsDependents(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/things", func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	st := store.NewMemoryStore()
	eng := testEngine(t, st, policy.Config{})
	doc := fixtureDoc(srv.URL, fetchWorkflow())
	set := fixtureSet(t, srv.URL)

	runID, err := eng.PrepareRun(context.Background(), "doc_1", doc, "fetch", nil, "", "")
	require.NoError(t, err)
	require.NoError(t, eng.ExecuteRun(context.Background(), doc, set, runID))

	run, err := st.GetRun(context.Background(), runID)
	require.NoError(t, err)
	assert.Equal(t, store.RunFailed, run.Status)
	assert.Contains(t, string(run.Error), "http_status")

	steps, err := st.ListRunSteps(context.Background(), runID)
	require.NoError(t, err)
	assert.Equal(t, store.StepFailed, stepByID(t, steps, "list").Status)
	assert.Equal(t, store.StepSkipped, stepByID(t, steps, "get").Status)
}

func TestExecuteRunPolicyViolationNeverSends(t *testing.T) {
	srv := thingsServer(t)
	st := store.NewMemoryStore()
	eng := testEngine(t, st, policy.Config{
		AllowedSchemes: []string{"https"},
		MaxBodyBytes:   1 << 20,
		RequestTimeout: time.Second,
	})
	doc := fixtureDoc(srv.URL, fetchWorkflow())
	set := fixtureSet(t, srv.URL)

	runID, err := eng.PrepareRun(context.Background(), "doc_1", doc, "fetch", nil, "", "")
	require.NoError(t, err)
	require.NoError(t, eng.ExecuteRun(context.Background(), doc, set, runID))

	run, err := st.GetRun(context.Background(), runID)
	require.NoError(t, err)
	assert.Equal(t, store.RunFailed, run.Status)

	steps, err := st.ListRunSteps(context.Background(), runID)
	require.NoError(t, err)
	list := stepByID(t, steps, "list")
	assert.Equal(t, store.StepFailed, list.Status)
	assert.Contains(t, string(list.Error), "policy")

	attempts, err := st.ListAttempts(context.Background(), list.ID)
	require.NoError(t, err)
	assert.Empty(t, attempts)
}

func TestFailureGotoRearmsLaterStep(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/things", func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	})
	mux.HandleFunc("/things/", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"id": "cleanup"}`)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	st := store.NewMemoryStore()
	eng := testEngine(t, st, policy.Config{})
	wf := document.Workflow{
		WorkflowID: "recovering",
		Steps: []document.Step{
			{
				StepID:      "a",
				OperationID: "listThings",
				OnFailure:   []document.ActionOrRef{{Name: "recover", Type: document.ActionGoto, StepID: "c"}},
			},
			{StepID: "b", OperationID: "listThings", DependsOn: []string{"a"}},
			{
				StepID:      "c",
				OperationID: "getThing",
				Parameters:  []document.Parameter{{Name: "id", In: "path", Value: "cleanup"}},
				DependsOn:   []string{"b"},
			},
		},
	}
	doc := fixtureDoc(srv.URL, wf)
	set := fixtureSet(t, srv.URL)

	runID, err := eng.PrepareRun(context.Background(), "doc_1", doc, "recovering", nil, "", "")
	require.NoError(t, err)
	require.NoError(t, eng.ExecuteRun(context.Background(), doc, set, runID))

	steps, err := st.ListRunSteps(context.Background(), runID)
	require.NoError(t, err)
	assert.Equal(t, store.StepFailed, stepByID(t, steps, "a").Status)
	assert.Equal(t, store.StepSkipped, stepByID(t, steps, "b").Status)
	assert.Equal(t, store.StepSucceeded, stepByID(t, steps, "c").Status)

	run, err := st.GetRun(context.Background(), runID)
	require.NoError(t, err)
	assert.Equal(t, store.RunFailed, run.Status)
	assert.Contains(t, eventTypes(t, st, runID), "step.rearmed")
}

func TestSuccessActionEndFinishesEarly(t *testing.T) {
	srv := thingsServer(t)
	st := store.NewMemoryStore()
	eng := testEngine(t, st, policy.Config{})
	wf := fetchWorkflow()
	wf.Steps[0].OnSuccess = []document.ActionOrRef{{Name: "stop", Type: document.ActionEnd}}
	doc := fixtureDoc(srv.URL, wf)
	set := fixtureSet(t, srv.URL)

	runID, err := eng.PrepareRun(context.Background(), "doc_1", doc, "fetch", nil, "", "")
	require.NoError(t, err)
	require.NoError(t, eng.ExecuteRun(context.Background(), doc, set, runID))

	run, err := st.GetRun(context.Background(), runID)
	require.NoError(t, err)
	assert.Equal(t, store.RunSucceeded, run.Status)

	steps, err := st.ListRunSteps(context.Background(), runID)
	require.NoError(t, err)
	assert.Equal(t, store.StepSucceeded, stepByID(t, steps, "list").Status)
	assert.Equal(t, store.StepSkipped, stepByID(t, steps, "get").Status)
}

func TestCancelObservedMidRun(t *testing.T) {
	release := make(chan struct{})
	mux := http.NewServeMux()
	mux.HandleFunc("/things", func(w http.ResponseWriter, r *http.Request) {
		<-release
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"count": 7}`)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	t.Cleanup(func() { close(release) })

	st := store.NewMemoryStore()
	eng := testEngine(t, st, policy.Config{})
	doc := fixtureDoc(srv.URL, fetchWorkflow())
	set := fixtureSet(t, srv.URL)

	runID, err := eng.PrepareRun(context.Background(), "doc_1", doc, "fetch", nil, "", "")
	require.NoError(t, err)

	errCh := make(chan error, 1)
	go func() { errCh <- eng.ExecuteRun(context.Background(), doc, set, runID) }()

	require.Eventually(t, func() bool {
		steps, err := st.ListRunSteps(context.Background(), runID)
		if err != nil {
			return false
		}
		return stepByID(t, steps, "list").Status == store.StepRunning
	}, 2*time.Second, 5*time.Millisecond)

	// Cancel while the handler still holds the request open. The
	// orchestrator must abort the in-flight attempt, not wait it out.
	require.NoError(t, st.CancelRun(context.Background(), runID, nil))
	require.NoError(t, <-errCh)

	run, err := st.GetRun(context.Background(), runID)
	require.NoError(t, err)
	assert.Equal(t, store.RunCanceled, run.Status)

	steps, err := st.ListRunSteps(context.Background(), runID)
	require.NoError(t, err)
	listStep := stepByID(t, steps, "list")
	assert.Equal(t, store.StepFailed, listStep.Status)
	assert.Contains(t, string(listStep.Error), `"canceled"`)
	assert.Equal(t, store.StepSkipped, stepByID(t, steps, "get").Status)

	atts, err := st.ListAttempts(context.Background(), listStep.ID)
	require.NoError(t, err)
	require.NotEmpty(t, atts)
	last := atts[len(atts)-1]
	assert.Equal(t, store.AttemptFailed, last.Status)
	assert.Contains(t, string(last.Error), `"canceled"`)
}

func TestResumeResetsRunningSteps(t *testing.T) {
	srv := thingsServer(t)
	st := store.NewMemoryStore()
	eng := testEngine(t, st, policy.Config{})
	doc := fixtureDoc(srv.URL, fetchWorkflow())
	set := fixtureSet(t, srv.URL)

	runID, err := eng.PrepareRun(context.Background(), "doc_1", doc, "fetch", nil, "", "")
	require.NoError(t, err)

	// Simulate a crash: a step was claimed but the worker never reported.
	claimed, err := st.ClaimReadySteps(context.Background(), runID, 1, time.Now())
	require.NoError(t, err)
	require.Len(t, claimed, 1)

	require.NoError(t, eng.ExecuteRun(context.Background(), doc, set, runID))

	run, err := st.GetRun(context.Background(), runID)
	require.NoError(t, err)
	assert.Equal(t, store.RunSucceeded, run.Status)
	assert.Contains(t, eventTypes(t, st, runID), "run.resumed")
}

func TestSubWorkflowStep(t *testing.T) {
	srv := thingsServer(t)
	st := store.NewMemoryStore()
	eng := testEngine(t, st, policy.Config{})
	child := document.Workflow{
		WorkflowID: "child",
		Steps: []document.Step{{
			StepID:      "one",
			OperationID: "listThings",
			Outputs:     map[string]string{"count": "$response.body#/count"},
		}},
		Outputs: map[string]string{"count": "$steps.one.outputs.count"},
	}
	parent := document.Workflow{
		WorkflowID: "parent",
		Steps: []document.Step{{
			StepID:     "call",
			WorkflowID: "child",
			Parameters: []document.Parameter{{Name: "n", Value: 5}},
		}},
	}
	doc := fixtureDoc(srv.URL, parent, child)
	set := fixtureSet(t, srv.URL)

	runID, err := eng.PrepareRun(context.Background(), "doc_1", doc, "parent", nil, "", "")
	require.NoError(t, err)
	require.NoError(t, eng.ExecuteRun(context.Background(), doc, set, runID))

	run, err := st.GetRun(context.Background(), runID)
	require.NoError(t, err)
	assert.Equal(t, store.RunSucceeded, run.Status)

	steps, err := st.ListRunSteps(context.Background(), runID)
	require.NoError(t, err)
	call := stepByID(t, steps, "call")
	assert.Equal(t, store.StepSucceeded, call.Status)
	assert.JSONEq(t, `{"count": 7}`, string(call.Outputs))

	childRuns, err := st.ListRuns(context.Background(), "child", 10)
	require.NoError(t, err)
	require.Len(t, childRuns, 1)
	assert.Equal(t, store.RunSucceeded, childRuns[0].Status)
}

func TestSecretsNeverReachAttemptRows(t *testing.T) {
	t.Setenv("ENGINE_TEST_TOKEN", "tok-123")
	var gotAuth atomic.Value
	mux := http.NewServeMux()
	mux.HandleFunc("/things", func(w http.ResponseWriter, r *http.Request) {
		gotAuth.Store(r.Header.Get("Authorization"))
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"count": 7}`)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	st := store.NewMemoryStore()
	eng := testEngine(t, st, policy.Config{})
	wf := document.Workflow{
		WorkflowID: "authed",
		Steps: []document.Step{{
			StepID:      "list",
			OperationID: "listThings",
			Parameters: []document.Parameter{
				{Name: "Authorization", In: "header", Value: "env://ENGINE_TEST_TOKEN"},
			},
		}},
	}
	doc := fixtureDoc(srv.URL, wf)
	set := fixtureSet(t, srv.URL)

	runID, err := eng.PrepareRun(context.Background(), "doc_1", doc, "authed", nil, "", "")
	require.NoError(t, err)
	require.NoError(t, eng.ExecuteRun(context.Background(), doc, set, runID))

	assert.Equal(t, "tok-123", gotAuth.Load())

	steps, err := st.ListRunSteps(context.Background(), runID)
	require.NoError(t, err)
	attempts, err := st.ListAttempts(context.Background(), stepByID(t, steps, "list").ID)
	require.NoError(t, err)
	require.Len(t, attempts, 1)
	assert.NotContains(t, string(attempts[0].Request), "tok-123")
	assert.Contains(t, string(attempts[0].Request), "<redacted>")
}

func TestPrepareRunRejectsUnknownWorkflow(t *testing.T) {
	st := store.NewMemoryStore()
	eng := testEngine(t, st, policy.Config{})
	doc := fixtureDoc("http://example.invalid", fetchWorkflow())
	_, err := eng.PrepareRun(context.Background(), "doc_1", doc, "nope", nil, "", "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "plan")
}
