package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/ronappleton/arazzo-runner/internal/document"
	"github.com/ronappleton/arazzo-runner/internal/expr"
	"github.com/ronappleton/arazzo-runner/internal/policy"
	"github.com/ronappleton/arazzo-runner/internal/retry"
	"github.com/ronappleton/arazzo-runner/internal/runerr"
	"github.com/ronappleton/arazzo-runner/internal/store"
)

// outcome is what one step execution produced, before the engine decides
// how it changes the run.
type outcome struct {
	err     error
	outputs json.RawMessage
	attempt int
	status  int
	headers http.Header
	env     *expr.Env
}

func (e *Engine) runStep(ctx context.Context, rc *runContext, rs store.RunStep) {
	st := rc.wf.FindStep(rs.StepID)
	if st == nil {
		out := outcome{err: runerr.New(runerr.KindPlan, "step %q not found in workflow %q", rs.StepID, rc.wf.WorkflowID)}
		e.apply(ctx, rc, rs, nil, out)
		return
	}
	e.event(ctx, rc.runID, rs.ID, "step.started", map[string]any{"step_id": rs.StepID})
	if st.WorkflowID != "" {
		e.runSubWorkflow(ctx, rc, rs, st)
		return
	}
	out := e.attempt(ctx, rc, rs, st)
	e.apply(ctx, rc, rs, st, out)
}

// attempt executes one HTTP attempt for the step: build, gate, send,
// evaluate. Failures while building or gating the request return before any
// attempt row exists; once the row is begun, every branch finishes it.
func (e *Engine) attempt(ctx context.Context, rc *runContext, rs store.RunStep, st *document.Step) outcome {
	env, err := e.buildEnv(ctx, rc)
	if err != nil {
		return outcome{err: err}
	}
	op, diags, err := rc.sources.ResolveStep(st)
	if err != nil {
		return outcome{err: runerr.Wrap(runerr.KindResolve, err), env: env}
	}
	for _, d := range diags {
		e.logger.Warn("operation resolution", zap.String("step_id", st.StepID), zap.String("source", d.SourceName), zap.String("message", d.Message))
	}
	br, err := e.buildRequest(ctx, rc, st, op, env)
	if err != nil {
		return outcome{err: err, env: env}
	}
	if err := e.policy.CheckURL(br.url); err != nil {
		return outcome{err: err, env: env}
	}
	if int64(len(br.body)) > e.policy.MaxBodyBytes() {
		return outcome{err: runerr.New(runerr.KindPolicy, "request body exceeds %d bytes", e.policy.MaxBodyBytes()), env: env}
	}

	att, err := e.store.BeginAttempt(ctx, rs.ID, e.requestJSON(br))
	if err != nil {
		return outcome{err: runerr.Wrap(runerr.KindStore, err), env: env}
	}
	e.event(ctx, rc.runID, rs.ID, "attempt.started", map[string]any{
		"step_id": rs.StepID, "attempt": att.AttemptNo, "method": br.method, "url": br.displayURL,
	})

	timeout := e.policy.Config().RequestTimeout
	if st.Timeout > 0 {
		timeout = time.Duration(st.Timeout) * time.Millisecond
	}
	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	started := e.now()
	httpReq, err := http.NewRequestWithContext(reqCtx, br.method, br.url.String(), bytes.NewReader(br.body))
	if err != nil {
		sendErr := runerr.Wrap(runerr.KindNetwork, err)
		e.finishAttempt(ctx, rc, rs, att, store.AttemptFailed, nil, sendErr, started)
		return outcome{err: sendErr, attempt: att.AttemptNo, env: env}
	}
	for k, vs := range br.header {
		httpReq.Header[k] = vs
	}

	resp, err := e.client.Do(httpReq)
	if err != nil {
		sendErr := classifySendErr(err)
		e.finishAttempt(ctx, rc, rs, att, store.AttemptFailed, nil, sendErr, started)
		return outcome{err: sendErr, attempt: att.AttemptNo, env: env}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, e.policy.MaxBodyBytes()+1))
	if err != nil {
		readErr := classifySendErr(err)
		e.finishAttempt(ctx, rc, rs, att, store.AttemptFailed, nil, readErr, started)
		return outcome{err: readErr, attempt: att.AttemptNo, status: resp.StatusCode, headers: resp.Header, env: env}
	}
	truncated := int64(len(raw)) > e.policy.MaxBodyBytes()
	if truncated {
		raw = raw[:e.policy.MaxBodyBytes()]
	}

	respData := &expr.ResponseData{
		StatusCode: resp.StatusCode,
		Headers:    resp.Header.Clone(),
		Body:       decodeBody(raw),
	}
	env.URL = br.url.String()
	env.Method = strings.ToLower(br.method)
	env.Request = &expr.RequestData{
		Method:  strings.ToLower(br.method),
		URL:     br.url.String(),
		Headers: br.header.Clone(),
		Query:   br.query,
		Path:    br.path,
		Body:    br.bodyValue,
	}
	env.Response = respData
	respJSON := e.responseJSON(respData, raw, truncated)
	if truncated {
		capErr := runerr.New(runerr.KindPolicy, "response body exceeds %d bytes", e.policy.MaxBodyBytes())
		e.finishAttempt(ctx, rc, rs, att, store.AttemptFailed, respJSON, capErr, started)
		return outcome{err: capErr, attempt: att.AttemptNo, status: resp.StatusCode, headers: resp.Header, env: env}
	}

	criteria := make([]*expr.CompiledCriterion, 0, len(st.SuccessCriteria))
	for _, c := range st.SuccessCriteria {
		cc, err := expr.CompileCriterion(expr.Criterion{Context: c.Context, Condition: c.Condition, Type: c.Type})
		if err != nil {
			exprErr := runerr.Wrap(runerr.KindExpression, err)
			e.finishAttempt(ctx, rc, rs, att, store.AttemptFailed, respJSON, exprErr, started)
			return outcome{err: exprErr, attempt: att.AttemptNo, status: resp.StatusCode, headers: resp.Header, env: env}
		}
		criteria = append(criteria, cc)
	}
	ok, failedCrit, err := expr.EvaluateAll(criteria, env)
	if err != nil {
		exprErr := runerr.Wrap(runerr.KindExpression, err)
		e.finishAttempt(ctx, rc, rs, att, store.AttemptFailed, respJSON, exprErr, started)
		return outcome{err: exprErr, attempt: att.AttemptNo, status: resp.StatusCode, headers: resp.Header, env: env}
	}
	if !ok {
		var stepErr error
		if failedCrit != nil {
			stepErr = runerr.New(runerr.KindCriterion, "success criterion failed: %s", failedCrit.Condition())
		} else {
			stepErr = runerr.HTTPStatus(resp.StatusCode)
		}
		e.finishAttempt(ctx, rc, rs, att, store.AttemptFailed, respJSON, stepErr, started)
		return outcome{err: stepErr, attempt: att.AttemptNo, status: resp.StatusCode, headers: resp.Header, env: env}
	}

	outputs := computeStepOutputs(st, env)
	e.finishAttempt(ctx, rc, rs, att, store.AttemptSucceeded, respJSON, nil, started)
	return outcome{outputs: outputs, attempt: att.AttemptNo, status: resp.StatusCode, headers: resp.Header, env: env}
}

// apply folds the outcome back into the run: commit, reschedule, rearm, or
// fail and possibly end the run.
func (e *Engine) apply(ctx context.Context, rc *runContext, rs store.RunStep, st *document.Step, out outcome) {
	// The step's fate must be persisted even when the run context was
	// canceled out from under the worker.
	ctx = context.WithoutCancel(ctx)
	if out.err == nil {
		var act document.ActionOrRef
		var hasAct bool
		if st != nil {
			act, hasAct = e.matchSuccessAction(rc, rs, st, out)
		}
		// An end action marks the run finished before the commit, so the
		// successors this commit would unblock are already skipped and can
		// never be claimed.
		if hasAct && act.Type == document.ActionEnd {
			if err := e.store.MarkRunFinished(ctx, rc.runID, store.RunSucceeded, nil); err != nil {
				e.logger.Error("finish run failed", zap.String("run_id", rc.runID), zap.Error(err))
				return
			}
		}
		if err := e.store.CommitStepSuccess(ctx, rc.runID, rs.StepID, out.outputs); err != nil {
			e.logger.Error("commit step failed", zap.String("run_id", rc.runID), zap.String("step_id", rs.StepID), zap.Error(err))
			return
		}
		e.event(ctx, rc.runID, rs.ID, "step.succeeded", map[string]any{"step_id": rs.StepID})
		if hasAct {
			switch act.Type {
			case document.ActionEnd:
				e.emitRunFinished(ctx, rc, store.RunSucceeded)
			case document.ActionGoto:
				e.rearm(ctx, rc, act.StepID)
			}
		}
		return
	}

	payload := runerr.Payload(out.err)
	if runerr.KindOf(out.err) == runerr.KindCanceled {
		// A canceled attempt takes no failure actions; the run row is
		// already terminal or about to be marked so by the orchestrator.
		if err := e.store.FailStep(ctx, rc.runID, rs.StepID, payload); err != nil {
			e.logger.Error("fail step failed", zap.String("run_id", rc.runID), zap.String("step_id", rs.StepID), zap.Error(err))
			return
		}
		e.event(ctx, rc.runID, rs.ID, "step.failed", map[string]any{"step_id": rs.StepID, "error": json.RawMessage(payload)})
		return
	}

	dec := e.decideFailure(rc, rs, st, out)
	switch {
	case dec.retryAt != nil:
		if err := e.store.RescheduleStep(ctx, rc.runID, rs.StepID, *dec.retryAt, payload); err != nil {
			e.logger.Error("reschedule step failed", zap.String("run_id", rc.runID), zap.String("step_id", rs.StepID), zap.Error(err))
			return
		}
		e.event(ctx, rc.runID, rs.ID, "step.retrying", map[string]any{
			"step_id": rs.StepID, "attempt": out.attempt, "not_before": dec.retryAt.UTC().Format(time.RFC3339Nano),
		})
	case dec.gotoStep != "":
		if err := e.store.FailStep(ctx, rc.runID, rs.StepID, payload); err != nil {
			e.logger.Error("fail step failed", zap.String("run_id", rc.runID), zap.String("step_id", rs.StepID), zap.Error(err))
			return
		}
		e.event(ctx, rc.runID, rs.ID, "step.failed", map[string]any{"step_id": rs.StepID, "error": json.RawMessage(payload)})
		e.rearm(ctx, rc, dec.gotoStep)
	default:
		if err := e.store.FailStep(ctx, rc.runID, rs.StepID, payload); err != nil {
			e.logger.Error("fail step failed", zap.String("run_id", rc.runID), zap.String("step_id", rs.StepID), zap.Error(err))
			return
		}
		e.event(ctx, rc.runID, rs.ID, "step.failed", map[string]any{"step_id": rs.StepID, "error": json.RawMessage(payload)})
		if dec.endRun {
			if err := e.finishRun(ctx, rc, store.RunFailed, payload); err != nil {
				e.logger.Error("finish run failed", zap.String("run_id", rc.runID), zap.Error(err))
			}
		}
	}
}

// failureDecision is one of: retry at a time, fail and jump, or fail and
// end the run.
type failureDecision struct {
	retryAt  *time.Time
	gotoStep string
	endRun   bool
}

// decideFailure scans the step's onFailure actions, then the workflow's
// failureActions, applying the first whose criteria match. No match ends
// the run, as does an exhausted retry action.
func (e *Engine) decideFailure(rc *runContext, rs store.RunStep, st *document.Step, out outcome) failureDecision {
	if st == nil {
		return failureDecision{endRun: true}
	}
	actions := make([]document.ActionOrRef, 0, len(st.OnFailure)+len(rc.wf.FailureActions))
	actions = append(actions, st.OnFailure...)
	actions = append(actions, rc.wf.FailureActions...)
	for _, a := range actions {
		act, ok := rc.doc.ResolveAction(a)
		if !ok {
			e.logger.Warn("unresolvable failure action", zap.String("step_id", rs.StepID), zap.String("reference", a.Reference))
			continue
		}
		if !e.actionMatches(act, out.env) {
			continue
		}
		switch act.Type {
		case document.ActionRetry:
			d := retry.Decide(e.retry, retry.Attempt{
				Number:            out.attempt,
				RetryLimit:        act.RetryLimit,
				RetryAfterSeconds: act.RetryAfter,
				Err:               out.err,
				Status:            out.status,
				Headers:           out.headers,
			}, e.now(), e.randFunc)
			if !d.Retry {
				return failureDecision{endRun: true}
			}
			at := e.now().Add(d.Delay)
			return failureDecision{retryAt: &at}
		case document.ActionGoto:
			if act.WorkflowID != "" {
				e.logger.Warn("goto workflow is not supported", zap.String("step_id", rs.StepID), zap.String("workflow_id", act.WorkflowID))
				return failureDecision{endRun: true}
			}
			if rc.wf.StepIndex(act.StepID) <= rs.StepIndex {
				e.logger.Warn("goto must target a later step", zap.String("step_id", rs.StepID), zap.String("target", act.StepID))
				return failureDecision{endRun: true}
			}
			return failureDecision{gotoStep: act.StepID}
		case document.ActionEnd:
			return failureDecision{endRun: true}
		}
	}
	return failureDecision{endRun: true}
}

// matchSuccessAction resolves the first matching onSuccess action. Goto
// actions with an unsupported target are dropped.
func (e *Engine) matchSuccessAction(rc *runContext, rs store.RunStep, st *document.Step, out outcome) (document.ActionOrRef, bool) {
	actions := make([]document.ActionOrRef, 0, len(st.OnSuccess)+len(rc.wf.SuccessActions))
	actions = append(actions, st.OnSuccess...)
	actions = append(actions, rc.wf.SuccessActions...)
	for _, a := range actions {
		act, ok := rc.doc.ResolveAction(a)
		if !ok {
			e.logger.Warn("unresolvable success action", zap.String("step_id", rs.StepID), zap.String("reference", a.Reference))
			continue
		}
		if !e.actionMatches(act, out.env) {
			continue
		}
		if act.Type == document.ActionGoto && (act.WorkflowID != "" || rc.wf.StepIndex(act.StepID) <= rs.StepIndex) {
			e.logger.Warn("unsupported goto target", zap.String("step_id", rs.StepID), zap.String("target", act.StepID))
			return document.ActionOrRef{}, false
		}
		return act, true
	}
	return document.ActionOrRef{}, false
}

func (e *Engine) rearm(ctx context.Context, rc *runContext, stepID string) {
	if err := e.store.RearmStep(ctx, rc.runID, stepID); err != nil {
		e.logger.Error("rearm step failed", zap.String("run_id", rc.runID), zap.String("step_id", stepID), zap.Error(err))
		return
	}
	e.event(ctx, rc.runID, "", "step.rearmed", map[string]any{"step_id": stepID})
}

// actionMatches evaluates an action's criteria; an action with no criteria
// always applies. Evaluation errors disqualify the action.
func (e *Engine) actionMatches(act document.ActionOrRef, env *expr.Env) bool {
	if len(act.Criteria) == 0 {
		return true
	}
	if env == nil {
		return false
	}
	compiled := make([]*expr.CompiledCriterion, 0, len(act.Criteria))
	for _, c := range act.Criteria {
		cc, err := expr.CompileCriterion(expr.Criterion{Context: c.Context, Condition: c.Condition, Type: c.Type})
		if err != nil {
			return false
		}
		compiled = append(compiled, cc)
	}
	ok, _, err := expr.EvaluateAll(compiled, env)
	return err == nil && ok
}

// runSubWorkflow executes a workflowId step as a nested run against the
// same document, then commits the child's workflow outputs as the step's
// outputs.
func (e *Engine) runSubWorkflow(ctx context.Context, rc *runContext, rs store.RunStep, st *document.Step) {
	if rc.depth >= e.cfg.MaxSubworkflowDepth {
		e.apply(ctx, rc, rs, st, outcome{err: runerr.New(runerr.KindPlan, "workflow nesting exceeds depth %d", e.cfg.MaxSubworkflowDepth)})
		return
	}
	child := rc.doc.FindWorkflow(st.WorkflowID)
	if child == nil {
		e.apply(ctx, rc, rs, st, outcome{err: runerr.New(runerr.KindPlan, "workflow %q not found in document", st.WorkflowID)})
		return
	}

	env, err := e.buildEnv(ctx, rc)
	if err != nil {
		e.apply(ctx, rc, rs, st, outcome{err: err})
		return
	}
	childInputs := map[string]any{}
	for _, p := range st.Parameters {
		if p.In != "" {
			continue
		}
		v, err := expr.ExpandValue(p.Value, env)
		if err != nil {
			e.apply(ctx, rc, rs, st, outcome{err: runerr.Wrap(runerr.KindExpression, err), env: env})
			return
		}
		childInputs[p.Name] = v
	}

	childRunID, err := e.PrepareRun(ctx, rc.documentID, rc.doc, child.WorkflowID, childInputs, "engine", "")
	if err != nil {
		e.apply(ctx, rc, rs, st, outcome{err: err, env: env})
		return
	}
	e.event(ctx, rc.runID, rs.ID, "run.spawned", map[string]any{"step_id": rs.StepID, "child_run_id": childRunID, "workflow_id": child.WorkflowID})

	if err := e.store.MarkRunRunning(ctx, childRunID); err != nil {
		e.apply(ctx, rc, rs, st, outcome{err: runerr.Wrap(runerr.KindStore, err), env: env})
		return
	}
	e.event(ctx, childRunID, "", "run.started", map[string]any{"workflow_id": child.WorkflowID, "parent_run_id": rc.runID})
	childRC := &runContext{
		doc:             rc.doc,
		wf:              child,
		sources:         rc.sources,
		runID:           childRunID,
		documentID:      rc.documentID,
		inputs:          childInputs,
		depth:           rc.depth + 1,
		workflowOutputs: map[string]map[string]any{},
	}
	if err := e.execute(ctx, childRC); err != nil {
		e.apply(ctx, rc, rs, st, outcome{err: err, env: env})
		return
	}
	childRun, err := e.store.GetRun(ctx, childRunID)
	if err != nil {
		e.apply(ctx, rc, rs, st, outcome{err: runerr.Wrap(runerr.KindStore, err), env: env})
		return
	}
	if childRun.Status != store.RunSucceeded {
		msg := "workflow " + child.WorkflowID + " finished " + string(childRun.Status)
		e.apply(ctx, rc, rs, st, outcome{err: runerr.New(runerr.KindCriterion, "%s", msg), env: env})
		return
	}
	outs := e.computeWorkflowOutputs(ctx, childRC)
	rc.recordWorkflowOutputs(child.WorkflowID, outs)
	var raw json.RawMessage
	if len(outs) > 0 {
		raw, _ = json.Marshal(outs)
	}
	e.apply(ctx, rc, rs, st, outcome{outputs: raw, env: env})
}

// finishAttempt persists the attempt verdict and emits the matching event.
func (e *Engine) finishAttempt(ctx context.Context, rc *runContext, rs store.RunStep, att store.Attempt, status store.AttemptStatus, response json.RawMessage, attemptErr error, started time.Time) {
	ctx = context.WithoutCancel(ctx)
	finished := e.now()
	var errPayload json.RawMessage
	if attemptErr != nil {
		errPayload = runerr.Payload(attemptErr)
	}
	if err := e.store.FinishAttempt(ctx, att.ID, status, response, errPayload, finished.Sub(started), finished); err != nil {
		e.logger.Error("finish attempt failed", zap.String("run_id", rc.runID), zap.String("attempt_id", att.ID), zap.Error(err))
	}
	payload := map[string]any{"step_id": rs.StepID, "attempt": att.AttemptNo, "status": string(status), "duration_ms": finished.Sub(started).Milliseconds()}
	if attemptErr != nil {
		payload["error"] = json.RawMessage(errPayload)
	}
	e.event(ctx, rc.runID, rs.ID, "attempt.finished", payload)
}

// computeStepOutputs evaluates the step's declared outputs against the
// finished exchange. A failing expression yields null rather than failing
// the step.
func computeStepOutputs(st *document.Step, env *expr.Env) json.RawMessage {
	if len(st.Outputs) == 0 {
		return nil
	}
	outs := make(map[string]any, len(st.Outputs))
	for name, src := range st.Outputs {
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
	b, err := json.Marshal(outs)
	if err != nil {
		return nil
	}
	return b
}

// requestJSON renders the redacted request persisted with the attempt.
func (e *Engine) requestJSON(br *builtRequest) json.RawMessage {
	headers := headerMap(e.policy.SanitizeHeaders(br.header, br.secretHeaders))
	var body any
	truncated := false
	if br.bodyHasSecrets {
		body = string(policy.RedactBody())
	} else if len(br.body) > 0 {
		b, tr := e.policy.TruncateBody(br.body)
		truncated = tr
		body = bodyForStorage(b)
	}
	b, _ := json.Marshal(map[string]any{
		"method":         br.method,
		"url":            br.displayURL,
		"headers":        headers,
		"body":           body,
		"body_truncated": truncated,
	})
	return b
}

// responseJSON renders the sanitized response persisted with the attempt.
func (e *Engine) responseJSON(resp *expr.ResponseData, raw []byte, truncated bool) json.RawMessage {
	headers := headerMap(e.policy.SanitizeHeaders(resp.Headers, nil))
	b, tr := e.policy.TruncateBody(raw)
	out, _ := json.Marshal(map[string]any{
		"status":         resp.StatusCode,
		"headers":        headers,
		"body":           bodyForStorage(b),
		"body_truncated": truncated || tr,
	})
	return out
}

func bodyForStorage(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	if json.Valid(b) {
		return json.RawMessage(b)
	}
	return string(b)
}

func headerMap(h http.Header) map[string]string {
	out := make(map[string]string, len(h))
	for k, vs := range h {
		out[k] = strings.Join(vs, ", ")
	}
	return out
}

func decodeBody(raw []byte) any {
	if len(raw) == 0 {
		return nil
	}
	var v any
	if err := json.Unmarshal(raw, &v); err == nil {
		return v
	}
	return string(raw)
}

// classifySendErr maps transport failures onto the error taxonomy. Policy
// violations raised inside the client keep their kind.
func classifySendErr(err error) error {
	if runerr.KindOf(err) != "" {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return runerr.Wrap(runerr.KindTimeout, err)
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return runerr.Wrap(runerr.KindTimeout, err)
	}
	if errors.Is(err, context.Canceled) {
		return runerr.Wrap(runerr.KindCanceled, err)
	}
	return runerr.Wrap(runerr.KindNetwork, err)
}
