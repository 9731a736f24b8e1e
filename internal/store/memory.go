package store

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"
)

// MemoryStore keeps all run state in process. It backs one-shot executions
// and tests; nothing survives a restart.
type MemoryStore struct {
	mu         sync.RWMutex
	docs       map[string]Document
	docsByHash map[string]string
	sources    map[string]OpenAPISource
	runs       map[string]*Run
	steps      map[string][]*RunStep // keyed by run id, document order
	edges      map[string][]Edge
	attempts   map[string][]*Attempt // keyed by run step id
	events     map[string][]Event
	nextEvent  int64
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		docs:       map[string]Document{},
		docsByHash: map[string]string{},
		sources:    map[string]OpenAPISource{},
		runs:       map[string]*Run{},
		steps:      map[string][]*RunStep{},
		edges:      map[string][]Edge{},
		attempts:   map[string][]*Attempt{},
		events:     map[string][]Event{},
	}
}

func (s *MemoryStore) PutDocument(_ context.Context, doc NewDocument) (Document, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if id, ok := s.docsByHash[doc.DocHash]; ok {
		return s.docs[id], nil
	}
	d := Document{
		ID:        newID("doc"),
		DocHash:   doc.DocHash,
		Format:    doc.Format,
		Raw:       doc.Raw,
		Doc:       doc.Doc,
		CreatedAt: time.Now().UTC(),
	}
	s.docs[d.ID] = d
	s.docsByHash[d.DocHash] = d.ID
	return d, nil
}

func (s *MemoryStore) GetDocument(_ context.Context, id string) (Document, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, ok := s.docs[id]
	if !ok {
		return Document{}, ErrNotFound
	}
	return d, nil
}

func (s *MemoryStore) GetDocumentByHash(_ context.Context, hash string) (Document, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.docsByHash[hash]
	if !ok {
		return Document{}, ErrNotFound
	}
	return s.docs[id], nil
}

func (s *MemoryStore) PutOpenAPISource(_ context.Context, src OpenAPISource) (OpenAPISource, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if src.ID == "" {
		src.ID = newID("src")
	}
	if src.FetchedAt.IsZero() {
		src.FetchedAt = time.Now().UTC()
	}
	s.sources[src.SourceName+"|"+src.Version] = src
	return src, nil
}

func (s *MemoryStore) CreateRun(_ context.Context, run NewRun, steps []NewStep, edges []Edge) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if run.CreatedBy != "" && run.IdempotencyKey != "" {
		for _, r := range s.runs {
			if r.CreatedBy == run.CreatedBy && r.IdempotencyKey == run.IdempotencyKey {
				return r.ID, nil
			}
		}
	}

	r := &Run{
		ID:             newID("run"),
		DocumentID:     run.DocumentID,
		WorkflowID:     run.WorkflowID,
		Status:         RunQueued,
		CreatedBy:      run.CreatedBy,
		IdempotencyKey: run.IdempotencyKey,
		Inputs:         run.Inputs,
		Overrides:      run.Overrides,
		CreatedAt:      time.Now().UTC(),
	}
	s.runs[r.ID] = r

	remaining := map[string]int{}
	for _, e := range edges {
		remaining[e.ToStepID]++
	}
	rows := make([]*RunStep, 0, len(steps))
	for _, st := range steps {
		rows = append(rows, &RunStep{
			ID:            newID("rstep"),
			RunID:         r.ID,
			StepID:        st.StepID,
			StepIndex:     st.StepIndex,
			Status:        StepPending,
			SourceName:    st.SourceName,
			OperationID:   st.OperationID,
			DependsOn:     append([]string(nil), st.DependsOn...),
			DepsRemaining: remaining[st.StepID],
		})
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].StepIndex < rows[j].StepIndex })
	s.steps[r.ID] = rows
	s.edges[r.ID] = append([]Edge(nil), edges...)
	return r.ID, nil
}

func (s *MemoryStore) ClaimReadySteps(_ context.Context, runID string, limit int, now time.Time) ([]RunStep, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var claimed []RunStep
	for _, st := range s.steps[runID] {
		if len(claimed) >= limit {
			break
		}
		if st.Status != StepPending || st.DepsRemaining > 0 {
			continue
		}
		if st.NextRunAt != nil && st.NextRunAt.After(now) {
			continue
		}
		st.Status = StepRunning
		if st.StartedAt == nil {
			t := now
			st.StartedAt = &t
		}
		claimed = append(claimed, *st)
	}
	return claimed, nil
}

func (s *MemoryStore) BeginAttempt(_ context.Context, runStepID string, request json.RawMessage) (Attempt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	no := 0
	for _, a := range s.attempts[runStepID] {
		if a.AttemptNo > no {
			no = a.AttemptNo
		}
	}
	a := &Attempt{
		ID:        newID("att"),
		RunStepID: runStepID,
		AttemptNo: no + 1,
		Status:    AttemptRunning,
		Request:   request,
		StartedAt: time.Now().UTC(),
	}
	s.attempts[runStepID] = append(s.attempts[runStepID], a)
	return *a, nil
}

func (s *MemoryStore) FinishAttempt(_ context.Context, attemptID string, status AttemptStatus, response, errPayload json.RawMessage, duration time.Duration, finishedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, list := range s.attempts {
		for _, a := range list {
			if a.ID != attemptID {
				continue
			}
			a.Status = status
			a.Response = response
			a.Error = errPayload
			a.DurationMS = duration.Milliseconds()
			t := finishedAt
			a.FinishedAt = &t
			return nil
		}
	}
	return ErrNotFound
}

func (s *MemoryStore) CommitStepSuccess(_ context.Context, runID, stepID string, outputs json.RawMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.findStep(runID, stepID)
	if st == nil {
		return ErrNotFound
	}
	now := time.Now().UTC()
	st.Status = StepSucceeded
	st.FinishedAt = &now
	st.Outputs = outputs
	st.Error = nil
	for _, e := range s.edges[runID] {
		if e.FromStepID != stepID {
			continue
		}
		if dep := s.findStep(runID, e.ToStepID); dep != nil && dep.Status == StepPending && dep.DepsRemaining > 0 {
			dep.DepsRemaining--
		}
	}
	return nil
}

func (s *MemoryStore) FailStep(_ context.Context, runID, stepID string, errPayload json.RawMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.findStep(runID, stepID)
	if st == nil {
		return ErrNotFound
	}
	now := time.Now().UTC()
	st.Status = StepFailed
	st.FinishedAt = &now
	st.Error = errPayload

	// Transitive skip of everything downstream that is still pending.
	queue := []string{stepID}
	seen := map[string]bool{stepID: true}
	for len(queue) > 0 {
		from := queue[0]
		queue = queue[1:]
		for _, e := range s.edges[runID] {
			if e.FromStepID != from || seen[e.ToStepID] {
				continue
			}
			seen[e.ToStepID] = true
			if dep := s.findStep(runID, e.ToStepID); dep != nil && dep.Status == StepPending {
				dep.Status = StepSkipped
				dep.FinishedAt = &now
				dep.Error = errPayload
			}
			queue = append(queue, e.ToStepID)
		}
	}
	return nil
}

func (s *MemoryStore) SkipStep(_ context.Context, runID, stepID string, errPayload json.RawMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.findStep(runID, stepID)
	if st == nil {
		return ErrNotFound
	}
	if st.Status != StepPending {
		return nil
	}
	now := time.Now().UTC()
	st.Status = StepSkipped
	st.FinishedAt = &now
	st.Error = errPayload
	return nil
}

func (s *MemoryStore) RescheduleStep(_ context.Context, runID, stepID string, notBefore time.Time, errPayload json.RawMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.findStep(runID, stepID)
	if st == nil {
		return ErrNotFound
	}
	st.Status = StepPending
	t := notBefore
	st.NextRunAt = &t
	st.Error = errPayload
	return nil
}

func (s *MemoryStore) RearmStep(_ context.Context, runID, stepID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.findStep(runID, stepID)
	if st == nil {
		return ErrNotFound
	}
	st.Status = StepPending
	st.DepsRemaining = 0
	st.NextRunAt = nil
	st.FinishedAt = nil
	return nil
}

func (s *MemoryStore) StepOutputs(_ context.Context, runID, stepID string) (json.RawMessage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st := s.findStep(runID, stepID)
	if st == nil || st.Status != StepSucceeded {
		return nil, ErrNotFound
	}
	return st.Outputs, nil
}

func (s *MemoryStore) ResetRunningSteps(_ context.Context, runID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, st := range s.steps[runID] {
		if st.Status == StepRunning {
			st.Status = StepPending
			st.StartedAt = nil
			n++
		}
	}
	return n, nil
}

func (s *MemoryStore) MarkRunRunning(_ context.Context, runID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.runs[runID]
	if !ok {
		return ErrNotFound
	}
	if r.Status != RunQueued {
		return nil
	}
	r.Status = RunRunning
	if r.StartedAt == nil {
		now := time.Now().UTC()
		r.StartedAt = &now
	}
	return nil
}

func (s *MemoryStore) MarkRunFinished(_ context.Context, runID string, status RunStatus, errPayload json.RawMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.runs[runID]
	if !ok {
		return ErrNotFound
	}
	now := time.Now().UTC()
	r.Status = status
	r.FinishedAt = &now
	r.Error = errPayload
	for _, st := range s.steps[runID] {
		if st.Status == StepPending {
			st.Status = StepSkipped
			st.FinishedAt = &now
		}
	}
	return nil
}

func (s *MemoryStore) CancelRun(_ context.Context, runID string, errPayload json.RawMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.runs[runID]
	if !ok {
		return ErrNotFound
	}
	if r.Status.Terminal() {
		return nil
	}
	now := time.Now().UTC()
	r.Status = RunCanceled
	r.FinishedAt = &now
	r.Error = errPayload
	for _, st := range s.steps[runID] {
		if st.Status == StepPending {
			st.Status = StepSkipped
			st.FinishedAt = &now
			st.Error = errPayload
		}
	}
	return nil
}

func (s *MemoryStore) GetRun(_ context.Context, runID string) (Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.runs[runID]
	if !ok {
		return Run{}, ErrNotFound
	}
	return *r, nil
}

func (s *MemoryStore) ListRuns(_ context.Context, workflowID string, limit int) ([]Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Run
	for _, r := range s.runs {
		if workflowID != "" && r.WorkflowID != workflowID {
			continue
		}
		out = append(out, *r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) ListRunSteps(_ context.Context, runID string) ([]RunStep, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rows := s.steps[runID]
	out := make([]RunStep, 0, len(rows))
	for _, st := range rows {
		out = append(out, *st)
	}
	return out, nil
}

func (s *MemoryStore) ListAttempts(_ context.Context, runStepID string) ([]Attempt, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rows := s.attempts[runStepID]
	out := make([]Attempt, 0, len(rows))
	for _, a := range rows {
		out = append(out, *a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AttemptNo < out[j].AttemptNo })
	return out, nil
}

func (s *MemoryStore) AppendEvent(_ context.Context, ev NewEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextEvent++
	s.events[ev.RunID] = append(s.events[ev.RunID], Event{
		ID:        s.nextEvent,
		RunID:     ev.RunID,
		RunStepID: ev.RunStepID,
		TS:        time.Now().UTC(),
		Type:      ev.Type,
		Payload:   ev.Payload,
	})
	return nil
}

func (s *MemoryStore) EventsAfter(_ context.Context, runID string, afterID int64, limit int) ([]Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Event
	for _, ev := range s.events[runID] {
		if ev.ID <= afterID {
			continue
		}
		out = append(out, ev)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

// findStep is called with the mutex held.
func (s *MemoryStore) findStep(runID, stepID string) *RunStep {
	for _, st := range s.steps[runID] {
		if st.StepID == stepID {
			return st
		}
	}
	return nil
}
