package store

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var ctx = context.Background()

func seedRun(t *testing.T, s *MemoryStore) string {
	t.Helper()
	doc, err := s.PutDocument(ctx, NewDocument{DocHash: "sha256:abc", Format: FormatYAML, Raw: "arazzo: 1.0.1"})
	require.NoError(t, err)

	// a -> b, a -> c, b+c -> d
	runID, err := s.CreateRun(ctx, NewRun{DocumentID: doc.ID, WorkflowID: "wf"}, []NewStep{
		{StepID: "a", StepIndex: 0, OperationID: "opA"},
		{StepID: "b", StepIndex: 1, DependsOn: []string{"a"}},
		{StepID: "c", StepIndex: 2, DependsOn: []string{"a"}},
		{StepID: "d", StepIndex: 3, DependsOn: []string{"b", "c"}},
	}, []Edge{
		{FromStepID: "a", ToStepID: "b"},
		{FromStepID: "a", ToStepID: "c"},
		{FromStepID: "b", ToStepID: "d"},
		{FromStepID: "c", ToStepID: "d"},
	})
	require.NoError(t, err)
	return runID
}

func TestPutDocumentDedupesByHash(t *testing.T) {
	s := NewMemoryStore()
	d1, err := s.PutDocument(ctx, NewDocument{DocHash: "sha256:x", Format: FormatJSON, Raw: "{}"})
	require.NoError(t, err)
	d2, err := s.PutDocument(ctx, NewDocument{DocHash: "sha256:x", Format: FormatJSON, Raw: "{}"})
	require.NoError(t, err)
	assert.Equal(t, d1.ID, d2.ID)

	got, err := s.GetDocumentByHash(ctx, "sha256:x")
	require.NoError(t, err)
	assert.Equal(t, d1.ID, got.ID)

	_, err = s.GetDocument(ctx, "doc_missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestCreateRunIdempotency(t *testing.T) {
	s := NewMemoryStore()
	run := NewRun{DocumentID: "doc_1", WorkflowID: "wf", CreatedBy: "ci", IdempotencyKey: "deploy-42"}
	id1, err := s.CreateRun(ctx, run, []NewStep{{StepID: "a"}}, nil)
	require.NoError(t, err)
	id2, err := s.CreateRun(ctx, run, []NewStep{{StepID: "a"}}, nil)
	require.NoError(t, err)
	assert.Equal(t, id1, id2)

	// different key creates a new run
	run.IdempotencyKey = "deploy-43"
	id3, err := s.CreateRun(ctx, run, []NewStep{{StepID: "a"}}, nil)
	require.NoError(t, err)
	assert.NotEqual(t, id1, id3)
}

func TestClaimRespectsDepsAndOrder(t *testing.T) {
	s := NewMemoryStore()
	runID := seedRun(t, s)
	now := time.Now().UTC()

	claimed, err := s.ClaimReadySteps(ctx, runID, 10, now)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	assert.Equal(t, "a", claimed[0].StepID)
	assert.Equal(t, StepRunning, claimed[0].Status)

	// a still running, nothing else is ready
	claimed, err = s.ClaimReadySteps(ctx, runID, 10, now)
	require.NoError(t, err)
	assert.Empty(t, claimed)

	require.NoError(t, s.CommitStepSuccess(ctx, runID, "a", json.RawMessage(`{"id":1}`)))
	claimed, err = s.ClaimReadySteps(ctx, runID, 10, now)
	require.NoError(t, err)
	require.Len(t, claimed, 2)
	assert.Equal(t, "b", claimed[0].StepID)
	assert.Equal(t, "c", claimed[1].StepID)
}

func TestClaimHonorsNextRunAt(t *testing.T) {
	s := NewMemoryStore()
	runID := seedRun(t, s)
	now := time.Now().UTC()

	_, err := s.ClaimReadySteps(ctx, runID, 10, now)
	require.NoError(t, err)
	require.NoError(t, s.RescheduleStep(ctx, runID, "a", now.Add(5*time.Second), json.RawMessage(`{"kind":"network"}`)))

	claimed, err := s.ClaimReadySteps(ctx, runID, 10, now)
	require.NoError(t, err)
	assert.Empty(t, claimed)

	claimed, err = s.ClaimReadySteps(ctx, runID, 10, now.Add(6*time.Second))
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	assert.Equal(t, "a", claimed[0].StepID)
}

func TestCommitSuccessUnblocksJoin(t *testing.T) {
	s := NewMemoryStore()
	runID := seedRun(t, s)
	now := time.Now().UTC()

	_, err := s.ClaimReadySteps(ctx, runID, 10, now)
	require.NoError(t, err)
	require.NoError(t, s.CommitStepSuccess(ctx, runID, "a", nil))
	_, err = s.ClaimReadySteps(ctx, runID, 10, now)
	require.NoError(t, err)
	require.NoError(t, s.CommitStepSuccess(ctx, runID, "b", nil))

	// d still waits on c
	claimed, err := s.ClaimReadySteps(ctx, runID, 10, now)
	require.NoError(t, err)
	assert.Empty(t, claimed)

	require.NoError(t, s.CommitStepSuccess(ctx, runID, "c", nil))
	claimed, err = s.ClaimReadySteps(ctx, runID, 10, now)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	assert.Equal(t, "d", claimed[0].StepID)
}

func TestFailStepSkipsDescendants(t *testing.T) {
	s := NewMemoryStore()
	runID := seedRun(t, s)
	now := time.Now().UTC()

	_, err := s.ClaimReadySteps(ctx, runID, 10, now)
	require.NoError(t, err)
	require.NoError(t, s.FailStep(ctx, runID, "a", json.RawMessage(`{"kind":"http_status","status":500}`)))

	steps, err := s.ListRunSteps(ctx, runID)
	require.NoError(t, err)
	byID := map[string]RunStep{}
	for _, st := range steps {
		byID[st.StepID] = st
	}
	assert.Equal(t, StepFailed, byID["a"].Status)
	assert.Equal(t, StepSkipped, byID["b"].Status)
	assert.Equal(t, StepSkipped, byID["c"].Status)
	assert.Equal(t, StepSkipped, byID["d"].Status)
}

func TestFailStepLeavesSucceededAlone(t *testing.T) {
	s := NewMemoryStore()
	runID := seedRun(t, s)
	now := time.Now().UTC()

	_, err := s.ClaimReadySteps(ctx, runID, 10, now)
	require.NoError(t, err)
	require.NoError(t, s.CommitStepSuccess(ctx, runID, "a", nil))
	_, err = s.ClaimReadySteps(ctx, runID, 10, now)
	require.NoError(t, err)
	require.NoError(t, s.CommitStepSuccess(ctx, runID, "b", nil))
	require.NoError(t, s.FailStep(ctx, runID, "c", json.RawMessage(`{"kind":"criterion"}`)))

	steps, err := s.ListRunSteps(ctx, runID)
	require.NoError(t, err)
	byID := map[string]RunStep{}
	for _, st := range steps {
		byID[st.StepID] = st
	}
	assert.Equal(t, StepSucceeded, byID["b"].Status)
	assert.Equal(t, StepSkipped, byID["d"].Status)
}

func TestAttemptNumbering(t *testing.T) {
	s := NewMemoryStore()
	runID := seedRun(t, s)
	claimed, err := s.ClaimReadySteps(ctx, runID, 1, time.Now().UTC())
	require.NoError(t, err)
	stepRowID := claimed[0].ID

	a1, err := s.BeginAttempt(ctx, stepRowID, json.RawMessage(`{"method":"GET"}`))
	require.NoError(t, err)
	assert.Equal(t, 1, a1.AttemptNo)

	finished := time.Now().UTC()
	require.NoError(t, s.FinishAttempt(ctx, a1.ID, AttemptFailed, json.RawMessage(`{"status":503}`),
		json.RawMessage(`{"kind":"http_status"}`), 120*time.Millisecond, finished))

	a2, err := s.BeginAttempt(ctx, stepRowID, json.RawMessage(`{"method":"GET"}`))
	require.NoError(t, err)
	assert.Equal(t, 2, a2.AttemptNo)

	attempts, err := s.ListAttempts(ctx, stepRowID)
	require.NoError(t, err)
	require.Len(t, attempts, 2)
	assert.Equal(t, AttemptFailed, attempts[0].Status)
	assert.EqualValues(t, 120, attempts[0].DurationMS)
	assert.Equal(t, AttemptRunning, attempts[1].Status)
}

func TestStepOutputsOnlyWhenSucceeded(t *testing.T) {
	s := NewMemoryStore()
	runID := seedRun(t, s)

	_, err := s.StepOutputs(ctx, runID, "a")
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = s.ClaimReadySteps(ctx, runID, 10, time.Now().UTC())
	require.NoError(t, err)
	require.NoError(t, s.CommitStepSuccess(ctx, runID, "a", json.RawMessage(`{"token":"t"}`)))

	out, err := s.StepOutputs(ctx, runID, "a")
	require.NoError(t, err)
	assert.JSONEq(t, `{"token":"t"}`, string(out))
}

func TestResetRunningSteps(t *testing.T) {
	s := NewMemoryStore()
	runID := seedRun(t, s)
	_, err := s.ClaimReadySteps(ctx, runID, 10, time.Now().UTC())
	require.NoError(t, err)

	n, err := s.ResetRunningSteps(ctx, runID)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	claimed, err := s.ClaimReadySteps(ctx, runID, 10, time.Now().UTC())
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	assert.Equal(t, "a", claimed[0].StepID)
}

func TestRearmStep(t *testing.T) {
	s := NewMemoryStore()
	runID := seedRun(t, s)
	now := time.Now().UTC()
	_, err := s.ClaimReadySteps(ctx, runID, 10, now)
	require.NoError(t, err)
	require.NoError(t, s.FailStep(ctx, runID, "a", json.RawMessage(`{"kind":"http_status"}`)))

	require.NoError(t, s.RearmStep(ctx, runID, "d"))
	claimed, err := s.ClaimReadySteps(ctx, runID, 10, now)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	assert.Equal(t, "d", claimed[0].StepID)
}

func TestRunLifecycle(t *testing.T) {
	s := NewMemoryStore()
	runID := seedRun(t, s)

	r, err := s.GetRun(ctx, runID)
	require.NoError(t, err)
	assert.Equal(t, RunQueued, r.Status)

	require.NoError(t, s.MarkRunRunning(ctx, runID))
	r, _ = s.GetRun(ctx, runID)
	assert.Equal(t, RunRunning, r.Status)
	require.NotNil(t, r.StartedAt)

	require.NoError(t, s.MarkRunFinished(ctx, runID, RunSucceeded, nil))
	r, _ = s.GetRun(ctx, runID)
	assert.Equal(t, RunSucceeded, r.Status)
	assert.True(t, r.Status.Terminal())

	steps, err := s.ListRunSteps(ctx, runID)
	require.NoError(t, err)
	for _, st := range steps {
		assert.Equal(t, StepSkipped, st.Status, st.StepID)
	}

	// terminal after finish: MarkRunRunning is a no-op
	require.NoError(t, s.MarkRunRunning(ctx, runID))
	r, _ = s.GetRun(ctx, runID)
	assert.Equal(t, RunSucceeded, r.Status)
}

func TestCancelRunSkipsPending(t *testing.T) {
	s := NewMemoryStore()
	runID := seedRun(t, s)
	_, err := s.ClaimReadySteps(ctx, runID, 10, time.Now().UTC())
	require.NoError(t, err)

	require.NoError(t, s.CancelRun(ctx, runID, json.RawMessage(`{"kind":"canceled"}`)))
	r, _ := s.GetRun(ctx, runID)
	assert.Equal(t, RunCanceled, r.Status)

	steps, _ := s.ListRunSteps(ctx, runID)
	for _, st := range steps {
		switch st.StepID {
		case "a":
			// claimed steps drain on their own
			assert.Equal(t, StepRunning, st.Status)
		default:
			assert.Equal(t, StepSkipped, st.Status)
		}
	}
}

func TestEventTail(t *testing.T) {
	s := NewMemoryStore()
	runID := seedRun(t, s)
	for _, typ := range []string{"run.started", "step.started", "step.succeeded"} {
		require.NoError(t, s.AppendEvent(ctx, NewEvent{RunID: runID, Type: typ, Payload: json.RawMessage(`{}`)}))
	}

	evs, err := s.EventsAfter(ctx, runID, 0, 10)
	require.NoError(t, err)
	require.Len(t, evs, 3)
	assert.Equal(t, "run.started", evs[0].Type)
	assert.Less(t, evs[0].ID, evs[1].ID)

	tail, err := s.EventsAfter(ctx, runID, evs[1].ID, 10)
	require.NoError(t, err)
	require.Len(t, tail, 1)
	assert.Equal(t, "step.succeeded", tail[0].Type)
}

func TestListRuns(t *testing.T) {
	s := NewMemoryStore()
	seedRun(t, s)
	seedRun(t, s)

	runs, err := s.ListRuns(ctx, "wf", 10)
	require.NoError(t, err)
	assert.Len(t, runs, 2)

	runs, err = s.ListRuns(ctx, "other", 10)
	require.NoError(t, err)
	assert.Empty(t, runs)
}
