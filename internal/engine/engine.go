// Package engine executes workflow runs. One orchestrator loop per run
// claims ready steps from the store and hands them to a bounded pool of
// worker goroutines; every state transition goes through the store so a
// crashed engine can resume from the persisted run.
package engine

import (
	"context"
	"encoding/json"
	"math/rand/v2"
	"net/http"
	"sync"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.uber.org/zap"

	"github.com/ronappleton/arazzo-runner/internal/document"
	"github.com/ronappleton/arazzo-runner/internal/expr"
	"github.com/ronappleton/arazzo-runner/internal/openapi"
	"github.com/ronappleton/arazzo-runner/internal/plan"
	"github.com/ronappleton/arazzo-runner/internal/policy"
	"github.com/ronappleton/arazzo-runner/internal/retry"
	"github.com/ronappleton/arazzo-runner/internal/runerr"
	"github.com/ronappleton/arazzo-runner/internal/secrets"
	"github.com/ronappleton/arazzo-runner/internal/store"
)

type Config struct {
	Workers             int           `yaml:"workers"`
	PollInterval        time.Duration `yaml:"poll_interval"`
	MaxSubworkflowDepth int           `yaml:"max_subworkflow_depth"`
}

func DefaultConfig() Config {
	return Config{
		Workers:             10,
		PollInterval:        200 * time.Millisecond,
		MaxSubworkflowDepth: 5,
	}
}

type Engine struct {
	store    store.Store
	policy   *policy.Enforcer
	secrets  *secrets.Resolver
	retry    retry.Config
	cfg      Config
	logger   *zap.Logger
	client   *http.Client
	notify   func(store.NewEvent)
	now      func() time.Time
	randFunc func() float64
}

func New(st store.Store, enforcer *policy.Enforcer, resolver *secrets.Resolver, retryCfg retry.Config, cfg Config, logger *zap.Logger) *Engine {
	if cfg.Workers <= 0 {
		cfg.Workers = DefaultConfig().Workers
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultConfig().PollInterval
	}
	if cfg.MaxSubworkflowDepth <= 0 {
		cfg.MaxSubworkflowDepth = DefaultConfig().MaxSubworkflowDepth
	}
	retryCfg.Normalize()
	return &Engine{
		store:   st,
		policy:  enforcer,
		secrets: resolver,
		retry:   retryCfg,
		cfg:     cfg,
		logger:  logger,
		client: enforcer.Client(func(rt http.RoundTripper) http.RoundTripper {
			return otelhttp.NewTransport(rt)
		}),
		now:      time.Now,
		randFunc: rand.Float64,
	}
}

// SetNotifier installs a callback invoked for every event the engine
// appends. Call before ExecuteRun; the callback must not block.
func (e *Engine) SetNotifier(fn func(store.NewEvent)) { e.notify = fn }

// runContext is the per-run state shared by the orchestrator and its
// workers.
type runContext struct {
	doc        *document.Document
	wf         *document.Workflow
	sources    *openapi.Set
	runID      string
	documentID string
	inputs     map[string]any
	depth      int

	mu              sync.Mutex
	workflowOutputs map[string]map[string]any
}

func (rc *runContext) snapshotWorkflowOutputs() map[string]map[string]any {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	out := make(map[string]map[string]any, len(rc.workflowOutputs))
	for k, v := range rc.workflowOutputs {
		out[k] = v
	}
	return out
}

func (rc *runContext) recordWorkflowOutputs(workflowID string, outputs map[string]any) {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	rc.workflowOutputs[workflowID] = outputs
}

// PrepareRun validates inputs, plans the workflow DAG, and persists the run
// with its steps and edges. The returned id may belong to an existing run
// when an idempotency key matches.
func (e *Engine) PrepareRun(ctx context.Context, documentID string, doc *document.Document, workflowID string, inputs map[string]any, createdBy, idempotencyKey string) (string, error) {
	wf := doc.FindWorkflow(workflowID)
	if wf == nil {
		return "", runerr.New(runerr.KindPlan, "workflow %q not found in document", workflowID)
	}
	schema, err := document.CompileInputs(wf)
	if err != nil {
		return "", runerr.Wrap(runerr.KindValidation, err)
	}
	if err := schema.Validate(inputs); err != nil {
		return "", runerr.Wrap(runerr.KindValidation, err)
	}
	p, err := plan.Build(wf)
	if err != nil {
		return "", runerr.Wrap(runerr.KindPlan, err)
	}
	steps := make([]store.NewStep, 0, len(p.Steps))
	for i, id := range p.Steps {
		st := wf.FindStep(id)
		steps = append(steps, store.NewStep{
			StepID:      id,
			StepIndex:   i,
			OperationID: st.OperationID,
			DependsOn:   p.Dependencies(id),
		})
	}
	edges := make([]store.Edge, 0, len(p.Edges))
	for _, ed := range p.Edges {
		edges = append(edges, store.Edge{FromStepID: ed.From, ToStepID: ed.To})
	}
	rawInputs, err := json.Marshal(inputs)
	if err != nil {
		return "", runerr.Wrap(runerr.KindValidation, err)
	}
	return e.store.CreateRun(ctx, store.NewRun{
		DocumentID:     documentID,
		WorkflowID:     workflowID,
		CreatedBy:      createdBy,
		IdempotencyKey: idempotencyKey,
		Inputs:         rawInputs,
	}, steps, edges)
}

// ExecuteRun drives the run to a terminal status. Calling it on a run with
// steps stuck in running resumes the run: their open attempt rows are closed
// as failed with kind crash, and the steps are reset to pending and claimed
// again.
func (e *Engine) ExecuteRun(ctx context.Context, doc *document.Document, sources *openapi.Set, runID string) error {
	run, err := e.store.GetRun(ctx, runID)
	if err != nil {
		return err
	}
	if run.Status.Terminal() {
		return nil
	}
	wf := doc.FindWorkflow(run.WorkflowID)
	if wf == nil {
		planErr := runerr.New(runerr.KindPlan, "workflow %q not found in document", run.WorkflowID)
		if ferr := e.store.MarkRunFinished(ctx, runID, store.RunFailed, runerr.Payload(planErr)); ferr != nil {
			return ferr
		}
		return planErr
	}

	var inputs map[string]any
	if len(run.Inputs) > 0 {
		if err := json.Unmarshal(run.Inputs, &inputs); err != nil {
			return runerr.Wrap(runerr.KindStore, err)
		}
	}
	rc := &runContext{
		doc:             doc,
		wf:              wf,
		sources:         sources,
		runID:           runID,
		documentID:      run.DocumentID,
		inputs:          inputs,
		workflowOutputs: map[string]map[string]any{},
	}

	stale, err := e.store.ListRunSteps(ctx, runID)
	if err != nil {
		return err
	}
	crashErr := runerr.Payload(runerr.New(runerr.KindCrash, "attempt interrupted by a crash"))
	for _, s := range stale {
		atts, _ := e.store.ListAttempts(ctx, s.ID)
		for _, a := range atts {
			if s.Status == store.StepRunning && a.Status == store.AttemptRunning {
				_ = e.store.FinishAttempt(ctx, a.ID, store.AttemptFailed, nil, crashErr, 0, e.now())
			}
		}
	}
	if n, err := e.store.ResetRunningSteps(ctx, runID); err != nil {
		return err
	} else if n > 0 {
		e.logger.Info("resumed run", zap.String("run_id", runID), zap.Int("reset_steps", n))
		e.event(ctx, runID, "", "run.resumed", map[string]any{"reset_steps": n})
	}
	if run.Status == store.RunQueued {
		if err := e.store.MarkRunRunning(ctx, runID); err != nil {
			return err
		}
		e.event(ctx, runID, "", "run.started", map[string]any{"workflow_id": run.WorkflowID})
	}
	return e.execute(ctx, rc)
}

// execute is the orchestrator loop: claim, dispatch, wait, repeat until the
// run reaches a terminal status.
func (e *Engine) execute(ctx context.Context, rc *runContext) error {
	// Workers run on a per-run context so a cancel observed in the store
	// aborts their in-flight HTTP calls instead of letting them finish.
	runCtx, cancelRun := context.WithCancel(ctx)
	defer cancelRun()
	done := make(chan struct{}, e.cfg.Workers)
	var wg sync.WaitGroup
	inflight := 0

	for {
		if err := ctx.Err(); err != nil {
			cancelRun()
			wg.Wait()
			payload := runerr.Payload(runerr.Wrap(runerr.KindCanceled, err))
			if cerr := e.store.CancelRun(context.WithoutCancel(ctx), rc.runID, payload); cerr != nil {
				e.logger.Warn("cancel run failed", zap.String("run_id", rc.runID), zap.Error(cerr))
			}
			return runerr.Wrap(runerr.KindCanceled, err)
		}
		run, err := e.store.GetRun(ctx, rc.runID)
		if err != nil {
			cancelRun()
			wg.Wait()
			return err
		}
		if run.Status.Terminal() {
			cancelRun()
			wg.Wait()
			return nil
		}

		if free := e.cfg.Workers - inflight; free > 0 {
			claimed, err := e.store.ClaimReadySteps(ctx, rc.runID, free, e.now())
			if err != nil {
				cancelRun()
				wg.Wait()
				return err
			}
			for _, rs := range claimed {
				inflight++
				wg.Add(1)
				go func(rs store.RunStep) {
					defer wg.Done()
					e.runStep(runCtx, rc, rs)
					done <- struct{}{}
				}(rs)
			}
			if len(claimed) > 0 {
				continue
			}
		}

		if inflight == 0 {
			finished, err := e.finishIfComplete(ctx, rc)
			if err != nil {
				return err
			}
			if finished {
				return nil
			}
		}

		select {
		case <-done:
			inflight--
		case <-time.After(e.cfg.PollInterval):
		case <-ctx.Done():
		}
		// Drain any completions that raced the timeout.
		drained := false
		for !drained {
			select {
			case <-done:
				inflight--
			default:
				drained = true
			}
		}
	}
}

// finishIfComplete marks the run terminal once every step is. A run with
// live pending steps but nothing claimable or scheduled is wedged and fails
// rather than spinning forever.
func (e *Engine) finishIfComplete(ctx context.Context, rc *runContext) (bool, error) {
	steps, err := e.store.ListRunSteps(ctx, rc.runID)
	if err != nil {
		return false, err
	}
	allTerminal := true
	progress := false
	var firstFailed *store.RunStep
	for i := range steps {
		s := &steps[i]
		if !s.Status.Terminal() {
			allTerminal = false
			if s.Status == store.StepRunning || (s.Status == store.StepPending && s.DepsRemaining == 0) {
				progress = true
			}
		}
		if s.Status == store.StepFailed && firstFailed == nil {
			firstFailed = s
		}
	}
	if !allTerminal {
		if !progress {
			wedged := runerr.New(runerr.KindPlan, "run has pending steps with unsatisfiable dependencies")
			if err := e.finishRun(ctx, rc, store.RunFailed, runerr.Payload(wedged)); err != nil {
				return false, err
			}
			return true, nil
		}
		return false, nil
	}
	status := store.RunSucceeded
	var payload json.RawMessage
	if firstFailed != nil {
		status = store.RunFailed
		payload = firstFailed.Error
	}
	if err := e.finishRun(ctx, rc, status, payload); err != nil {
		return false, err
	}
	return true, nil
}

// finishRun marks the run terminal, which also skips every still-pending
// step, then emits the run.finished event with the workflow outputs.
func (e *Engine) finishRun(ctx context.Context, rc *runContext, status store.RunStatus, errPayload json.RawMessage) error {
	if err := e.store.MarkRunFinished(ctx, rc.runID, status, errPayload); err != nil {
		return err
	}
	e.emitRunFinished(ctx, rc, status)
	return nil
}

func (e *Engine) emitRunFinished(ctx context.Context, rc *runContext, status store.RunStatus) {
	payload := map[string]any{"status": string(status)}
	if outs := e.computeWorkflowOutputs(ctx, rc); len(outs) > 0 {
		payload["outputs"] = outs
	}
	e.event(ctx, rc.runID, "", "run.finished", payload)
}

// computeWorkflowOutputs evaluates the workflow-level outputs map against
// the committed step outputs. Expressions that fail evaluate to null.
func (e *Engine) computeWorkflowOutputs(ctx context.Context, rc *runContext) map[string]any {
	if len(rc.wf.Outputs) == 0 {
		return nil
	}
	env, err := e.buildEnv(ctx, rc)
	if err != nil {
		e.logger.Warn("workflow outputs skipped", zap.String("run_id", rc.runID), zap.Error(err))
		return nil
	}
	outs := make(map[string]any, len(rc.wf.Outputs))
	for name, src := range rc.wf.Outputs {
		tmpl, err := expr.CompileTemplate(src)
		if err != nil {
			outs[name] = nil
			continue
		}
		v, err := tmpl.Eval(env)
		if err != nil {
			outs[name] = nil
			continue
		}
		outs[name] = v
	}
	return outs
}

// buildEnv assembles the expression environment for one evaluation from the
// run inputs and the committed outputs of every succeeded step.
func (e *Engine) buildEnv(ctx context.Context, rc *runContext) (*expr.Env, error) {
	steps, err := e.store.ListRunSteps(ctx, rc.runID)
	if err != nil {
		return nil, runerr.Wrap(runerr.KindStore, err)
	}
	stepOutputs := map[string]map[string]any{}
	stepResponses := map[string]*expr.ResponseData{}
	for i := range steps {
		s := &steps[i]
		if s.Status != store.StepSucceeded {
			continue
		}
		if len(s.Outputs) > 0 {
			var m map[string]any
			if err := json.Unmarshal(s.Outputs, &m); err == nil {
				stepOutputs[s.StepID] = m
			}
		}
		if resp := e.lastResponse(ctx, s.ID); resp != nil {
			stepResponses[s.StepID] = resp
		}
	}
	sourceURLs := make(map[string]string, len(rc.doc.SourceDescriptions))
	for _, sd := range rc.doc.SourceDescriptions {
		sourceURLs[sd.Name] = sd.URL
	}
	var componentsMap map[string]any
	componentParams := map[string]any{}
	if rc.doc.Components != nil {
		if b, err := json.Marshal(rc.doc.Components); err == nil {
			_ = json.Unmarshal(b, &componentsMap)
		}
		for name, p := range rc.doc.Components.Parameters {
			componentParams[name] = p.Value
		}
	}
	return &expr.Env{
		Inputs:          rc.inputs,
		StepOutputs:     stepOutputs,
		StepResponses:   stepResponses,
		WorkflowOutputs: rc.snapshotWorkflowOutputs(),
		SourceURLs:      sourceURLs,
		Components:      componentsMap,
		ComponentParams: componentParams,
	}, nil
}

// lastResponse decodes the persisted response of the step's most recent
// successful attempt for $steps.<id>.response references.
func (e *Engine) lastResponse(ctx context.Context, runStepID string) *expr.ResponseData {
	attempts, err := e.store.ListAttempts(ctx, runStepID)
	if err != nil {
		return nil
	}
	for i := len(attempts) - 1; i >= 0; i-- {
		if attempts[i].Status != store.AttemptSucceeded || len(attempts[i].Response) == 0 {
			continue
		}
		var stored struct {
			Status  int               `json:"status"`
			Headers map[string]string `json:"headers"`
			Body    any               `json:"body"`
		}
		if err := json.Unmarshal(attempts[i].Response, &stored); err != nil {
			return nil
		}
		h := http.Header{}
		for k, v := range stored.Headers {
			h.Set(k, v)
		}
		return &expr.ResponseData{StatusCode: stored.Status, Headers: h, Body: stored.Body}
	}
	return nil
}

func (e *Engine) event(ctx context.Context, runID, runStepID, typ string, payload map[string]any) {
	b, err := json.Marshal(payload)
	if err != nil {
		b = json.RawMessage(`{}`)
	}
	ev := store.NewEvent{RunID: runID, RunStepID: runStepID, Type: typ, Payload: b}
	if err := e.store.AppendEvent(ctx, ev); err != nil {
		e.logger.Warn("append event failed", zap.String("run_id", runID), zap.String("type", typ), zap.Error(err))
	}
	if e.notify != nil {
		e.notify(ev)
	}
}
