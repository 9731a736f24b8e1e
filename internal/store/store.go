// Package store persists workflow documents, runs, steps, attempts, and
// events. Two implementations exist: MemoryStore for single-process runs and
// tests, and PGStore for durable execution over Postgres.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
)

var ErrNotFound = errors.New("not found")

func newID(prefix string) string {
	return prefix + "_" + uuid.NewString()
}

type DocFormat string

const (
	FormatYAML DocFormat = "yaml"
	FormatJSON DocFormat = "json"
)

// NewDocument is the insert payload for an Arazzo document. Raw keeps the
// bytes exactly as submitted; Doc is the canonical JSON rendering.
type NewDocument struct {
	DocHash string
	Format  DocFormat
	Raw     string
	Doc     json.RawMessage
}

type Document struct {
	ID        string
	DocHash   string
	Format    DocFormat
	Raw       string
	Doc       json.RawMessage
	CreatedAt time.Time
}

// OpenAPISource caches a resolved source description document so a run can
// be replayed against the exact bytes it executed with.
type OpenAPISource struct {
	ID         string
	SourceName string
	URL        string
	Version    string
	Doc        json.RawMessage
	FetchedAt  time.Time
}

type RunStatus string

const (
	RunQueued    RunStatus = "queued"
	RunRunning   RunStatus = "running"
	RunSucceeded RunStatus = "succeeded"
	RunFailed    RunStatus = "failed"
	RunCanceled  RunStatus = "canceled"
)

// Terminal reports whether the status admits no further transitions.
func (s RunStatus) Terminal() bool {
	return s == RunSucceeded || s == RunFailed || s == RunCanceled
}

type StepStatus string

const (
	StepPending   StepStatus = "pending"
	StepRunning   StepStatus = "running"
	StepSucceeded StepStatus = "succeeded"
	StepFailed    StepStatus = "failed"
	StepSkipped   StepStatus = "skipped"
)

func (s StepStatus) Terminal() bool {
	return s == StepSucceeded || s == StepFailed || s == StepSkipped
}

type AttemptStatus string

const (
	AttemptRunning   AttemptStatus = "running"
	AttemptSucceeded AttemptStatus = "succeeded"
	AttemptFailed    AttemptStatus = "failed"
)

// NewRun is the insert payload for one workflow run.
type NewRun struct {
	DocumentID     string
	WorkflowID     string
	CreatedBy      string
	IdempotencyKey string
	Inputs         json.RawMessage
	Overrides      json.RawMessage
}

// NewStep seeds one run_steps row; DependsOn names the in-run steps whose
// success unblocks this one.
type NewStep struct {
	StepID      string
	StepIndex   int
	SourceName  string
	OperationID string
	DependsOn   []string
}

// Edge is a dependency from one step to another within the same run.
type Edge struct {
	FromStepID string
	ToStepID   string
}

type Run struct {
	ID             string
	DocumentID     string
	WorkflowID     string
	Status         RunStatus
	CreatedBy      string
	IdempotencyKey string
	Inputs         json.RawMessage
	Overrides      json.RawMessage
	Error          json.RawMessage
	CreatedAt      time.Time
	StartedAt      *time.Time
	FinishedAt     *time.Time
}

type RunStep struct {
	ID            string
	RunID         string
	StepID        string
	StepIndex     int
	Status        StepStatus
	SourceName    string
	OperationID   string
	DependsOn     []string
	DepsRemaining int
	NextRunAt     *time.Time
	Outputs       json.RawMessage
	Error         json.RawMessage
	StartedAt     *time.Time
	FinishedAt    *time.Time
}

type Attempt struct {
	ID         string
	RunStepID  string
	AttemptNo  int
	Status     AttemptStatus
	Request    json.RawMessage
	Response   json.RawMessage
	Error      json.RawMessage
	DurationMS int64
	StartedAt  time.Time
	FinishedAt *time.Time
}

// NewEvent is the append payload for the run event log.
type NewEvent struct {
	RunID     string
	RunStepID string
	Type      string
	Payload   json.RawMessage
}

type Event struct {
	ID        int64
	RunID     string
	RunStepID string
	TS        time.Time
	Type      string
	Payload   json.RawMessage
}

// Store is the persistence contract the engine and CLI run against.
//
// ClaimReadySteps must be safe under concurrent callers: a claimed step moves
// to running atomically and is never handed out twice. CommitStepSuccess and
// FailStep update the step and its successors in one transaction so a crash
// between the two never leaves a run wedged.
type Store interface {
	PutDocument(ctx context.Context, doc NewDocument) (Document, error)
	GetDocument(ctx context.Context, id string) (Document, error)
	GetDocumentByHash(ctx context.Context, hash string) (Document, error)

	PutOpenAPISource(ctx context.Context, src OpenAPISource) (OpenAPISource, error)

	// CreateRun inserts the run, its steps, and its edges in one
	// transaction. When CreatedBy and IdempotencyKey are both set and a run
	// with that pair exists, the existing run's id is returned instead of
	// creating a duplicate.
	CreateRun(ctx context.Context, run NewRun, steps []NewStep, edges []Edge) (string, error)

	// ClaimReadySteps atomically moves up to limit pending steps with no
	// unmet dependencies and no future next_run_at to running, in document
	// order.
	ClaimReadySteps(ctx context.Context, runID string, limit int, now time.Time) ([]RunStep, error)

	// BeginAttempt appends a new attempt row with the next attempt_no.
	BeginAttempt(ctx context.Context, runStepID string, request json.RawMessage) (Attempt, error)
	FinishAttempt(ctx context.Context, attemptID string, status AttemptStatus, response, errPayload json.RawMessage, duration time.Duration, finishedAt time.Time) error

	// CommitStepSuccess marks the step succeeded and decrements
	// deps_remaining on every pending successor, atomically.
	CommitStepSuccess(ctx context.Context, runID, stepID string, outputs json.RawMessage) error

	// FailStep marks the step failed and transitively skips every pending
	// descendant, atomically.
	FailStep(ctx context.Context, runID, stepID string, errPayload json.RawMessage) error

	// SkipStep marks a single pending step skipped without cascading.
	SkipStep(ctx context.Context, runID, stepID string, errPayload json.RawMessage) error

	// RescheduleStep returns a running step to pending with a not-before
	// time, recording the error that caused the retry.
	RescheduleStep(ctx context.Context, runID, stepID string, notBefore time.Time, errPayload json.RawMessage) error

	// RearmStep forces a terminal or pending step back to pending with no
	// outstanding dependencies, so goto actions can re-enter the graph.
	RearmStep(ctx context.Context, runID, stepID string) error

	StepOutputs(ctx context.Context, runID, stepID string) (json.RawMessage, error)

	// ResetRunningSteps returns steps stuck in running to pending after a
	// crash, reporting how many were reset.
	ResetRunningSteps(ctx context.Context, runID string) (int, error)

	MarkRunRunning(ctx context.Context, runID string) error

	// MarkRunFinished marks the run terminal and skips every still-pending
	// step in one transaction, so nothing becomes claimable afterwards.
	MarkRunFinished(ctx context.Context, runID string, status RunStatus, errPayload json.RawMessage) error

	// CancelRun marks the run canceled and skips every pending step.
	// Running steps are left to drain; the engine observes the status.
	CancelRun(ctx context.Context, runID string, errPayload json.RawMessage) error

	GetRun(ctx context.Context, runID string) (Run, error)
	ListRuns(ctx context.Context, workflowID string, limit int) ([]Run, error)
	ListRunSteps(ctx context.Context, runID string) ([]RunStep, error)
	ListAttempts(ctx context.Context, runStepID string) ([]Attempt, error)

	AppendEvent(ctx context.Context, ev NewEvent) error
	EventsAfter(ctx context.Context, runID string, afterID int64, limit int) ([]Event, error)
}

func marshalDeps(deps []string) json.RawMessage {
	if len(deps) == 0 {
		return json.RawMessage("[]")
	}
	b, _ := json.Marshal(deps)
	return b
}

func unmarshalDeps(raw []byte) []string {
	var deps []string
	_ = json.Unmarshal(raw, &deps)
	return deps
}
