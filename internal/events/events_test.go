package events

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/ronappleton/arazzo-runner/internal/store"
)

type syncBuffer struct {
	mu sync.Mutex
	b  bytes.Buffer
}

func (s *syncBuffer) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.b.Write(p)
}

func (s *syncBuffer) String() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.b.String()
}

func TestBusDeliversToStdoutSink(t *testing.T) {
	var buf syncBuffer
	bus := NewBus(zap.NewNop(), NewStdoutSink(&buf))

	bus.Publish(store.NewEvent{RunID: "run_1", Type: "run.started"})
	bus.Publish(store.NewEvent{RunID: "run_1", RunStepID: "rs_1", Type: "step.succeeded", Payload: json.RawMessage(`{"step_id":"a"}`)})
	bus.Close()

	sc := bufio.NewScanner(strings.NewReader(buf.String()))
	var types []string
	for sc.Scan() {
		var ev Event
		require.NoError(t, json.Unmarshal(sc.Bytes(), &ev))
		types = append(types, ev.Type)
		assert.Equal(t, "run_1", ev.RunID)
		assert.False(t, ev.TS.IsZero())
	}
	assert.Equal(t, []string{"run.started", "step.succeeded"}, types)
}

type blockingSink struct{ release chan struct{} }

func (s *blockingSink) Name() string { return "blocking" }

func (s *blockingSink) Deliver(context.Context, Event) error {
	<-s.release
	return nil
}

func TestBusDropsWhenFull(t *testing.T) {
	sink := &blockingSink{release: make(chan struct{})}
	bus := NewBus(zap.NewNop(), sink)

	// one in-flight in the loop plus a full buffer, then one more
	for i := 0; i < defaultBuffer+2; i++ {
		bus.Publish(store.NewEvent{RunID: "run_1", Type: "step.started"})
	}
	assert.Eventually(t, func() bool { return bus.Dropped() >= 1 }, time.Second, 5*time.Millisecond)

	close(sink.release)
	bus.Close()
}

func TestWebhookRetriesUntilSuccess(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	sink := NewWebhookSink(srv.URL, srv.Client())
	err := sink.Deliver(context.Background(), Event{RunID: "run_1", Type: "run.finished", TS: time.Now()})
	require.NoError(t, err)
	assert.Equal(t, int32(3), calls.Load())
}

func TestWebhookStopsOnClientError(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()

	sink := NewWebhookSink(srv.URL, srv.Client())
	err := sink.Deliver(context.Background(), Event{RunID: "run_1", Type: "run.finished", TS: time.Now()})
	require.Error(t, err)
	assert.Equal(t, int32(1), calls.Load())
}

func TestWebhookIgnoresNonCompletionEvents(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("unexpected request")
	}))
	defer srv.Close()

	sink := NewWebhookSink(srv.URL, srv.Client())
	require.NoError(t, sink.Deliver(context.Background(), Event{Type: "step.started"}))
}

func TestCollectorBatchesUntilRunFinished(t *testing.T) {
	type envelope struct {
		Events []Event `json:"events"`
	}
	var mu sync.Mutex
	var batches []envelope
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/run-events", r.URL.Path)
		assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		var env envelope
		require.NoError(t, json.NewDecoder(r.Body).Decode(&env))
		mu.Lock()
		batches = append(batches, env)
		mu.Unlock()
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	sink := NewCollectorSink(srv.URL, "tok", srv.Client())
	ctx := context.Background()
	require.NoError(t, sink.Deliver(ctx, Event{RunID: "run_1", Type: "run.started", TS: time.Now()}))
	require.NoError(t, sink.Deliver(ctx, Event{RunID: "run_1", Type: "step.succeeded", TS: time.Now()}))

	mu.Lock()
	assert.Empty(t, batches)
	mu.Unlock()

	require.NoError(t, sink.Deliver(ctx, Event{RunID: "run_1", Type: "run.finished", TS: time.Now()}))

	mu.Lock()
	require.Len(t, batches, 1)
	require.Len(t, batches[0].Events, 3)
	assert.Equal(t, "run.finished", batches[0].Events[2].Type)
	mu.Unlock()

	// Nothing pending, so a shutdown flush is a no-op.
	require.NoError(t, sink.Flush(ctx))
	mu.Lock()
	assert.Len(t, batches, 1)
	mu.Unlock()
}

func TestCollectorFlushesFullBatch(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	sink := NewCollectorSink(srv.URL, "", srv.Client())
	ctx := context.Background()
	for i := 0; i < sink.batchSize; i++ {
		require.NoError(t, sink.Deliver(ctx, Event{RunID: "run_1", Type: "step.started", TS: time.Now()}))
	}
	assert.Equal(t, int32(1), calls.Load())
}

func TestFollowTailsUntilTerminal(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore()
	doc, err := s.PutDocument(ctx, store.NewDocument{DocHash: "h", Format: store.FormatJSON, Raw: "{}", Doc: json.RawMessage(`{}`)})
	require.NoError(t, err)
	runID, err := s.CreateRun(ctx, store.NewRun{DocumentID: doc.ID, WorkflowID: "wf"}, []store.NewStep{{StepID: "a"}}, nil)
	require.NoError(t, err)

	require.NoError(t, s.AppendEvent(ctx, store.NewEvent{RunID: runID, Type: "run.started"}))
	require.NoError(t, s.AppendEvent(ctx, store.NewEvent{RunID: runID, Type: "step.succeeded"}))

	go func() {
		time.Sleep(20 * time.Millisecond)
		_ = s.AppendEvent(ctx, store.NewEvent{RunID: runID, Type: "run.finished"})
		_ = s.MarkRunFinished(ctx, runID, store.RunSucceeded, nil)
	}()

	var types []string
	last, err := Follow(ctx, s, runID, 0, 5*time.Millisecond, func(ev store.Event) error {
		types = append(types, ev.Type)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"run.started", "step.succeeded", "run.finished"}, types)
	assert.Greater(t, last, int64(0))
}
