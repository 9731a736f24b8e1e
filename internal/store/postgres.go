package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/ronappleton/arazzo-runner/internal/runerr"
)

// PGStore is the durable implementation over Postgres. Step claiming uses
// FOR UPDATE SKIP LOCKED so several executors can drain the same run.
type PGStore struct {
	db *sql.DB
}

func NewPGStore(ctx context.Context, dsn string) (*PGStore, error) {
	if dsn == "" {
		return nil, runerr.New(runerr.KindStore, "dsn is empty")
	}
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, runerr.Wrap(runerr.KindStore, err)
	}
	if err := db.PingContext(ctx); err != nil {
		return nil, runerr.Wrap(runerr.KindStore, err)
	}
	s := &PGStore{db: db}
	if err := s.Migrate(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *PGStore) Close() error { return s.db.Close() }

func (s *PGStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
create table if not exists arazzo_documents (
  id text primary key,
  doc_hash text not null unique,
  format text not null,
  raw text not null,
  doc jsonb not null,
  created_at timestamptz not null default now()
);
create table if not exists arazzo_openapi_sources (
  id text primary key,
  source_name text not null,
  url text not null,
  version text not null,
  doc jsonb not null,
  fetched_at timestamptz not null default now(),
  unique (source_name, version)
);
create table if not exists workflow_runs (
  id text primary key,
  document_id text not null references arazzo_documents(id),
  workflow_id text not null,
  status text not null,
  created_by text,
  idempotency_key text,
  inputs jsonb not null default '{}',
  overrides jsonb not null default '{}',
  error jsonb,
  created_at timestamptz not null default now(),
  started_at timestamptz,
  finished_at timestamptz,
  unique (created_by, idempotency_key)
);
create table if not exists run_steps (
  id text primary key,
  run_id text not null references workflow_runs(id),
  step_id text not null,
  step_index int not null,
  status text not null,
  source_name text,
  operation_id text,
  depends_on jsonb not null default '[]',
  deps_remaining int not null check (deps_remaining >= 0),
  next_run_at timestamptz,
  outputs jsonb not null default '{}',
  error jsonb,
  started_at timestamptz,
  finished_at timestamptz,
  unique (run_id, step_id),
  unique (run_id, step_index)
);
create table if not exists run_step_edges (
  run_id text not null,
  from_step_id text not null,
  to_step_id text not null,
  primary key (run_id, from_step_id, to_step_id)
);
create table if not exists step_attempts (
  id text primary key,
  run_step_id text not null references run_steps(id),
  attempt_no int not null,
  status text not null,
  request jsonb not null default '{}',
  response jsonb not null default '{}',
  error jsonb,
  duration_ms bigint,
  started_at timestamptz not null default now(),
  finished_at timestamptz,
  unique (run_step_id, attempt_no)
);
create table if not exists run_events (
  id bigserial primary key,
  run_id text not null,
  run_step_id text,
  ts timestamptz not null default now(),
  type text not null,
  payload jsonb not null default '{}'
);
create index if not exists run_steps_claim_idx on run_steps (run_id, status, deps_remaining, next_run_at);
create index if not exists run_events_tail_idx on run_events (run_id, id);
`)
	return runerr.Wrap(runerr.KindStore, err)
}

func (s *PGStore) PutDocument(ctx context.Context, doc NewDocument) (Document, error) {
	row := s.db.QueryRowContext(ctx, `
insert into arazzo_documents (id, doc_hash, format, raw, doc)
values ($1, $2, $3, $4, $5)
on conflict (doc_hash) do update set format = excluded.format, raw = excluded.raw, doc = excluded.doc
returning id, doc_hash, format, raw, doc, created_at`,
		newID("doc"), doc.DocHash, string(doc.Format), doc.Raw, []byte(doc.Doc))
	return scanDocument(row)
}

func (s *PGStore) GetDocument(ctx context.Context, id string) (Document, error) {
	row := s.db.QueryRowContext(ctx,
		`select id, doc_hash, format, raw, doc, created_at from arazzo_documents where id = $1`, id)
	return scanDocument(row)
}

func (s *PGStore) GetDocumentByHash(ctx context.Context, hash string) (Document, error) {
	row := s.db.QueryRowContext(ctx,
		`select id, doc_hash, format, raw, doc, created_at from arazzo_documents where doc_hash = $1`, hash)
	return scanDocument(row)
}

func scanDocument(row *sql.Row) (Document, error) {
	var d Document
	var format string
	var doc []byte
	err := row.Scan(&d.ID, &d.DocHash, &format, &d.Raw, &doc, &d.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Document{}, ErrNotFound
	}
	if err != nil {
		return Document{}, runerr.Wrap(runerr.KindStore, err)
	}
	d.Format = DocFormat(format)
	d.Doc = doc
	return d, nil
}

func (s *PGStore) PutOpenAPISource(ctx context.Context, src OpenAPISource) (OpenAPISource, error) {
	if src.ID == "" {
		src.ID = newID("src")
	}
	_, err := s.db.ExecContext(ctx, `
insert into arazzo_openapi_sources (id, source_name, url, version, doc)
values ($1, $2, $3, $4, $5)
on conflict (source_name, version) do update set url = excluded.url, doc = excluded.doc, fetched_at = now()`,
		src.ID, src.SourceName, src.URL, src.Version, []byte(src.Doc))
	if err != nil {
		return OpenAPISource{}, runerr.Wrap(runerr.KindStore, err)
	}
	return src, nil
}

func (s *PGStore) CreateRun(ctx context.Context, run NewRun, steps []NewStep, edges []Edge) (string, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", runerr.Wrap(runerr.KindStore, err)
	}
	defer tx.Rollback()

	runID := newID("run")
	if run.CreatedBy != "" && run.IdempotencyKey != "" {
		var inserted string
		err := tx.QueryRowContext(ctx, `
insert into workflow_runs (id, document_id, workflow_id, status, created_by, idempotency_key, inputs, overrides)
values ($1, $2, $3, 'queued', $4, $5, $6, $7)
on conflict (created_by, idempotency_key) do nothing
returning id`,
			runID, run.DocumentID, run.WorkflowID, run.CreatedBy, run.IdempotencyKey,
			jsonOrEmpty(run.Inputs), jsonOrEmpty(run.Overrides)).Scan(&inserted)
		if errors.Is(err, sql.ErrNoRows) {
			var existing string
			if err := tx.QueryRowContext(ctx,
				`select id from workflow_runs where created_by = $1 and idempotency_key = $2`,
				run.CreatedBy, run.IdempotencyKey).Scan(&existing); err != nil {
				return "", runerr.Wrap(runerr.KindStore, err)
			}
			return existing, tx.Commit()
		}
		if err != nil {
			return "", runerr.Wrap(runerr.KindStore, err)
		}
	} else {
		_, err := tx.ExecContext(ctx, `
insert into workflow_runs (id, document_id, workflow_id, status, created_by, idempotency_key, inputs, overrides)
values ($1, $2, $3, 'queued', nullif($4, ''), nullif($5, ''), $6, $7)`,
			runID, run.DocumentID, run.WorkflowID, run.CreatedBy, run.IdempotencyKey,
			jsonOrEmpty(run.Inputs), jsonOrEmpty(run.Overrides))
		if err != nil {
			return "", runerr.Wrap(runerr.KindStore, err)
		}
	}

	remaining := map[string]int{}
	for _, e := range edges {
		remaining[e.ToStepID]++
	}
	for _, st := range steps {
		_, err := tx.ExecContext(ctx, `
insert into run_steps (id, run_id, step_id, step_index, status, source_name, operation_id, depends_on, deps_remaining)
values ($1, $2, $3, $4, 'pending', nullif($5, ''), nullif($6, ''), $7, $8)`,
			newID("rstep"), runID, st.StepID, st.StepIndex, st.SourceName, st.OperationID,
			[]byte(marshalDeps(st.DependsOn)), remaining[st.StepID])
		if err != nil {
			return "", runerr.Wrap(runerr.KindStore, err)
		}
	}
	for _, e := range edges {
		_, err := tx.ExecContext(ctx, `
insert into run_step_edges (run_id, from_step_id, to_step_id)
values ($1, $2, $3)
on conflict do nothing`, runID, e.FromStepID, e.ToStepID)
		if err != nil {
			return "", runerr.Wrap(runerr.KindStore, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return "", runerr.Wrap(runerr.KindStore, err)
	}
	return runID, nil
}

const runStepColumns = `id, run_id, step_id, step_index, status, coalesce(source_name, ''), coalesce(operation_id, ''),
       depends_on, deps_remaining, next_run_at, outputs, error, started_at, finished_at`

func (s *PGStore) ClaimReadySteps(ctx context.Context, runID string, limit int, now time.Time) ([]RunStep, error) {
	rows, err := s.db.QueryContext(ctx, `
with picked as (
  select id from run_steps
  where run_id = $1 and status = 'pending' and deps_remaining = 0
    and (next_run_at is null or next_run_at <= $3)
  order by step_index
  for update skip locked
  limit $2
)
update run_steps s
set status = 'running', started_at = coalesce(s.started_at, $3)
from picked where s.id = picked.id
returning s.id, s.run_id, s.step_id, s.step_index, s.status, coalesce(s.source_name, ''), coalesce(s.operation_id, ''),
          s.depends_on, s.deps_remaining, s.next_run_at, s.outputs, s.error, s.started_at, s.finished_at`,
		runID, limit, now)
	if err != nil {
		return nil, runerr.Wrap(runerr.KindStore, err)
	}
	defer rows.Close()
	return scanRunSteps(rows)
}

func (s *PGStore) BeginAttempt(ctx context.Context, runStepID string, request json.RawMessage) (Attempt, error) {
	a := Attempt{ID: newID("att"), RunStepID: runStepID, Status: AttemptRunning, Request: request}
	err := s.db.QueryRowContext(ctx, `
with next_no as (
  select coalesce(max(attempt_no), 0) + 1 as attempt_no from step_attempts where run_step_id = $2
)
insert into step_attempts (id, run_step_id, attempt_no, status, request)
select $1, $2, next_no.attempt_no, 'running', $3 from next_no
returning attempt_no, started_at`,
		a.ID, runStepID, jsonOrEmpty(request)).Scan(&a.AttemptNo, &a.StartedAt)
	if err != nil {
		return Attempt{}, runerr.Wrap(runerr.KindStore, err)
	}
	return a, nil
}

func (s *PGStore) FinishAttempt(ctx context.Context, attemptID string, status AttemptStatus, response, errPayload json.RawMessage, duration time.Duration, finishedAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `
update step_attempts set status = $2, response = $3, error = $4, duration_ms = $5, finished_at = $6
where id = $1`,
		attemptID, string(status), jsonOrEmpty(response), nullableJSON(errPayload), duration.Milliseconds(), finishedAt)
	return runerr.Wrap(runerr.KindStore, err)
}

func (s *PGStore) CommitStepSuccess(ctx context.Context, runID, stepID string, outputs json.RawMessage) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return runerr.Wrap(runerr.KindStore, err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
update run_steps set status = 'succeeded', finished_at = now(), outputs = $3, error = null
where run_id = $1 and step_id = $2`, runID, stepID, jsonOrEmpty(outputs))
	if err != nil {
		return runerr.Wrap(runerr.KindStore, err)
	}

	_, err = tx.ExecContext(ctx, `
update run_steps d set deps_remaining = greatest(deps_remaining - 1, 0)
from run_step_edges e
where e.run_id = $1 and e.from_step_id = $2 and e.to_step_id = d.step_id
  and d.run_id = $1 and d.status = 'pending'`, runID, stepID)
	if err != nil {
		return runerr.Wrap(runerr.KindStore, err)
	}
	return runerr.Wrap(runerr.KindStore, tx.Commit())
}

func (s *PGStore) FailStep(ctx context.Context, runID, stepID string, errPayload json.RawMessage) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return runerr.Wrap(runerr.KindStore, err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
update run_steps set status = 'failed', finished_at = now(), error = $3
where run_id = $1 and step_id = $2`, runID, stepID, nullableJSON(errPayload))
	if err != nil {
		return runerr.Wrap(runerr.KindStore, err)
	}

	_, err = tx.ExecContext(ctx, `
with recursive to_skip as (
  select to_step_id as step_id
  from run_step_edges
  where run_id = $1 and from_step_id = $2
  union
  select e.to_step_id
  from run_step_edges e
  inner join to_skip ts on e.from_step_id = ts.step_id
  where e.run_id = $1
)
update run_steps d
set status = 'skipped', finished_at = now(), error = $3
from to_skip ts
where d.run_id = $1 and d.step_id = ts.step_id and d.status = 'pending'`,
		runID, stepID, nullableJSON(errPayload))
	if err != nil {
		return runerr.Wrap(runerr.KindStore, err)
	}
	return runerr.Wrap(runerr.KindStore, tx.Commit())
}

func (s *PGStore) SkipStep(ctx context.Context, runID, stepID string, errPayload json.RawMessage) error {
	_, err := s.db.ExecContext(ctx, `
update run_steps set status = 'skipped', finished_at = now(), error = $3
where run_id = $1 and step_id = $2 and status = 'pending'`,
		runID, stepID, nullableJSON(errPayload))
	return runerr.Wrap(runerr.KindStore, err)
}

func (s *PGStore) RescheduleStep(ctx context.Context, runID, stepID string, notBefore time.Time, errPayload json.RawMessage) error {
	_, err := s.db.ExecContext(ctx, `
update run_steps set status = 'pending', next_run_at = $3, error = $4
where run_id = $1 and step_id = $2`,
		runID, stepID, notBefore, nullableJSON(errPayload))
	return runerr.Wrap(runerr.KindStore, err)
}

func (s *PGStore) RearmStep(ctx context.Context, runID, stepID string) error {
	_, err := s.db.ExecContext(ctx, `
update run_steps set status = 'pending', deps_remaining = 0, next_run_at = null, finished_at = null
where run_id = $1 and step_id = $2`, runID, stepID)
	return runerr.Wrap(runerr.KindStore, err)
}

func (s *PGStore) StepOutputs(ctx context.Context, runID, stepID string) (json.RawMessage, error) {
	var outputs []byte
	err := s.db.QueryRowContext(ctx,
		`select outputs from run_steps where run_id = $1 and step_id = $2 and status = 'succeeded'`,
		runID, stepID).Scan(&outputs)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, runerr.Wrap(runerr.KindStore, err)
	}
	return outputs, nil
}

func (s *PGStore) ResetRunningSteps(ctx context.Context, runID string) (int, error) {
	res, err := s.db.ExecContext(ctx, `
update run_steps set status = 'pending', started_at = null
where run_id = $1 and status = 'running'`, runID)
	if err != nil {
		return 0, runerr.Wrap(runerr.KindStore, err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (s *PGStore) MarkRunRunning(ctx context.Context, runID string) error {
	_, err := s.db.ExecContext(ctx, `
update workflow_runs set status = 'running', started_at = coalesce(started_at, now())
where id = $1 and status = 'queued'`, runID)
	return runerr.Wrap(runerr.KindStore, err)
}

func (s *PGStore) MarkRunFinished(ctx context.Context, runID string, status RunStatus, errPayload json.RawMessage) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return runerr.Wrap(runerr.KindStore, err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
update workflow_runs set status = $2, finished_at = now(), error = $3
where id = $1`, runID, string(status), nullableJSON(errPayload))
	if err != nil {
		return runerr.Wrap(runerr.KindStore, err)
	}
	_, err = tx.ExecContext(ctx, `
update run_steps set status = 'skipped', finished_at = now()
where run_id = $1 and status = 'pending'`, runID)
	if err != nil {
		return runerr.Wrap(runerr.KindStore, err)
	}
	return runerr.Wrap(runerr.KindStore, tx.Commit())
}

func (s *PGStore) CancelRun(ctx context.Context, runID string, errPayload json.RawMessage) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return runerr.Wrap(runerr.KindStore, err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
update workflow_runs set status = 'canceled', finished_at = now(), error = $2
where id = $1 and status not in ('succeeded', 'failed', 'canceled')`,
		runID, nullableJSON(errPayload))
	if err != nil {
		return runerr.Wrap(runerr.KindStore, err)
	}
	_, err = tx.ExecContext(ctx, `
update run_steps set status = 'skipped', finished_at = now(), error = $2
where run_id = $1 and status = 'pending'`, runID, nullableJSON(errPayload))
	if err != nil {
		return runerr.Wrap(runerr.KindStore, err)
	}
	return runerr.Wrap(runerr.KindStore, tx.Commit())
}

func (s *PGStore) GetRun(ctx context.Context, runID string) (Run, error) {
	row := s.db.QueryRowContext(ctx, `
select id, document_id, workflow_id, status, coalesce(created_by, ''), coalesce(idempotency_key, ''),
       inputs, overrides, error, created_at, started_at, finished_at
from workflow_runs where id = $1`, runID)
	return scanRun(row.Scan)
}

func (s *PGStore) ListRuns(ctx context.Context, workflowID string, limit int) ([]Run, error) {
	rows, err := s.db.QueryContext(ctx, `
select id, document_id, workflow_id, status, coalesce(created_by, ''), coalesce(idempotency_key, ''),
       inputs, overrides, error, created_at, started_at, finished_at
from workflow_runs
where ($1 = '' or workflow_id = $1)
order by created_at desc
limit $2`, workflowID, limit)
	if err != nil {
		return nil, runerr.Wrap(runerr.KindStore, err)
	}
	defer rows.Close()
	var out []Run
	for rows.Next() {
		r, err := scanRun(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, runerr.Wrap(runerr.KindStore, rows.Err())
}

func scanRun(scan func(...any) error) (Run, error) {
	var r Run
	var status string
	var inputs, overrides, errPayload []byte
	err := scan(&r.ID, &r.DocumentID, &r.WorkflowID, &status, &r.CreatedBy, &r.IdempotencyKey,
		&inputs, &overrides, &errPayload, &r.CreatedAt, &r.StartedAt, &r.FinishedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Run{}, ErrNotFound
	}
	if err != nil {
		return Run{}, runerr.Wrap(runerr.KindStore, err)
	}
	r.Status = RunStatus(status)
	r.Inputs = inputs
	r.Overrides = overrides
	r.Error = errPayload
	return r, nil
}

func (s *PGStore) ListRunSteps(ctx context.Context, runID string) ([]RunStep, error) {
	rows, err := s.db.QueryContext(ctx,
		`select `+runStepColumns+` from run_steps where run_id = $1 order by step_index`, runID)
	if err != nil {
		return nil, runerr.Wrap(runerr.KindStore, err)
	}
	defer rows.Close()
	return scanRunSteps(rows)
}

func scanRunSteps(rows *sql.Rows) ([]RunStep, error) {
	var out []RunStep
	for rows.Next() {
		var st RunStep
		var status string
		var deps, outputs, errPayload []byte
		err := rows.Scan(&st.ID, &st.RunID, &st.StepID, &st.StepIndex, &status, &st.SourceName,
			&st.OperationID, &deps, &st.DepsRemaining, &st.NextRunAt, &outputs, &errPayload,
			&st.StartedAt, &st.FinishedAt)
		if err != nil {
			return nil, runerr.Wrap(runerr.KindStore, err)
		}
		st.Status = StepStatus(status)
		st.DependsOn = unmarshalDeps(deps)
		st.Outputs = outputs
		st.Error = errPayload
		out = append(out, st)
	}
	return out, runerr.Wrap(runerr.KindStore, rows.Err())
}

func (s *PGStore) ListAttempts(ctx context.Context, runStepID string) ([]Attempt, error) {
	rows, err := s.db.QueryContext(ctx, `
select id, run_step_id, attempt_no, status, request, response, error, coalesce(duration_ms, 0), started_at, finished_at
from step_attempts where run_step_id = $1 order by attempt_no`, runStepID)
	if err != nil {
		return nil, runerr.Wrap(runerr.KindStore, err)
	}
	defer rows.Close()
	var out []Attempt
	for rows.Next() {
		var a Attempt
		var status string
		var request, response, errPayload []byte
		err := rows.Scan(&a.ID, &a.RunStepID, &a.AttemptNo, &status, &request, &response,
			&errPayload, &a.DurationMS, &a.StartedAt, &a.FinishedAt)
		if err != nil {
			return nil, runerr.Wrap(runerr.KindStore, err)
		}
		a.Status = AttemptStatus(status)
		a.Request = request
		a.Response = response
		a.Error = errPayload
		out = append(out, a)
	}
	return out, runerr.Wrap(runerr.KindStore, rows.Err())
}

func (s *PGStore) AppendEvent(ctx context.Context, ev NewEvent) error {
	_, err := s.db.ExecContext(ctx, `
insert into run_events (run_id, run_step_id, type, payload)
values ($1, nullif($2, ''), $3, $4)`,
		ev.RunID, ev.RunStepID, ev.Type, jsonOrEmpty(ev.Payload))
	return runerr.Wrap(runerr.KindStore, err)
}

func (s *PGStore) EventsAfter(ctx context.Context, runID string, afterID int64, limit int) ([]Event, error) {
	rows, err := s.db.QueryContext(ctx, `
select id, run_id, coalesce(run_step_id, ''), ts, type, payload
from run_events where run_id = $1 and id > $2 order by id limit $3`,
		runID, afterID, limit)
	if err != nil {
		return nil, runerr.Wrap(runerr.KindStore, err)
	}
	defer rows.Close()
	var out []Event
	for rows.Next() {
		var ev Event
		var payload []byte
		if err := rows.Scan(&ev.ID, &ev.RunID, &ev.RunStepID, &ev.TS, &ev.Type, &payload); err != nil {
			return nil, runerr.Wrap(runerr.KindStore, err)
		}
		ev.Payload = payload
		out = append(out, ev)
	}
	return out, runerr.Wrap(runerr.KindStore, rows.Err())
}

func jsonOrEmpty(raw json.RawMessage) []byte {
	if len(raw) == 0 {
		return []byte("{}")
	}
	return raw
}

func nullableJSON(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return []byte(raw)
}
