package document

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"

	"github.com/ronappleton/arazzo-runner/internal/expr"
)

type Severity string

const (
	SeverityError   Severity = "error"
	SeverityWarning Severity = "warning"
)

// Finding is one validation diagnostic, located by a JSON-pointer-ish path
// into the document.
type Finding struct {
	Severity Severity `json:"severity"`
	Path     string   `json:"path"`
	Message  string   `json:"message"`
}

func (f Finding) String() string {
	return fmt.Sprintf("%s: %s: %s", f.Severity, f.Path, f.Message)
}

// Result collects the findings for one document.
type Result struct {
	Findings []Finding `json:"findings"`
}

// OK reports whether the document carries no error-severity findings.
func (r *Result) OK() bool {
	for _, f := range r.Findings {
		if f.Severity == SeverityError {
			return false
		}
	}
	return true
}

func (r *Result) errf(path, format string, args ...any) {
	r.Findings = append(r.Findings, Finding{Severity: SeverityError, Path: path, Message: fmt.Sprintf(format, args...)})
}

func (r *Result) warnf(path, format string, args ...any) {
	r.Findings = append(r.Findings, Finding{Severity: SeverityWarning, Path: path, Message: fmt.Sprintf(format, args...)})
}

var idRe = regexp.MustCompile(`^[a-zA-Z0-9.\-_]+$`)

// Validate runs every structural and referential check against the document
// and returns the accumulated findings. Validation never mutates the
// document; callers gate execution on Result.OK.
func Validate(doc *Document) *Result {
	r := &Result{}

	if doc.Arazzo == "" {
		r.errf("/arazzo", "arazzo version is required")
	} else if !strings.HasPrefix(doc.Arazzo, "1.0") {
		r.errf("/arazzo", "unsupported arazzo version %q (expected 1.0.x)", doc.Arazzo)
	}
	if doc.Info.Title == "" {
		r.errf("/info/title", "info.title is required")
	}
	if doc.Info.Version == "" {
		r.errf("/info/version", "info.version is required")
	}

	validateSources(doc, r)
	validateComponents(doc, r)

	if len(doc.Workflows) == 0 {
		r.errf("/workflows", "at least one workflow is required")
	}
	seenWF := map[string]bool{}
	for i := range doc.Workflows {
		wf := &doc.Workflows[i]
		path := fmt.Sprintf("/workflows/%d", i)
		if wf.WorkflowID == "" {
			r.errf(path+"/workflowId", "workflowId is required")
		} else if !idRe.MatchString(wf.WorkflowID) {
			r.errf(path+"/workflowId", "invalid workflowId %q", wf.WorkflowID)
		} else if seenWF[wf.WorkflowID] {
			r.errf(path+"/workflowId", "duplicate workflowId %q", wf.WorkflowID)
		}
		seenWF[wf.WorkflowID] = true
	}
	for i := range doc.Workflows {
		validateWorkflow(doc, &doc.Workflows[i], fmt.Sprintf("/workflows/%d", i), seenWF, r)
	}
	return r
}

func validateSources(doc *Document, r *Result) {
	if len(doc.SourceDescriptions) == 0 {
		r.errf("/sourceDescriptions", "at least one source description is required")
	}
	seen := map[string]bool{}
	for i, sd := range doc.SourceDescriptions {
		path := fmt.Sprintf("/sourceDescriptions/%d", i)
		if sd.Name == "" {
			r.errf(path+"/name", "source description name is required")
		} else if !idRe.MatchString(sd.Name) {
			r.errf(path+"/name", "invalid source description name %q", sd.Name)
		} else if seen[sd.Name] {
			r.errf(path+"/name", "duplicate source description name %q", sd.Name)
		}
		seen[sd.Name] = true
		if sd.URL == "" {
			r.errf(path+"/url", "source description url is required")
		} else if _, err := url.Parse(sd.URL); err != nil {
			r.errf(path+"/url", "invalid url: %v", err)
		}
		switch sd.Type {
		case "", "openapi", "arazzo":
		default:
			r.errf(path+"/type", "unknown source description type %q", sd.Type)
		}
	}
}

func validateComponents(doc *Document, r *Result) {
	if doc.Components == nil {
		return
	}
	for name, p := range doc.Components.Parameters {
		path := "/components/parameters/" + name
		if !idRe.MatchString(name) {
			r.errf(path, "invalid component parameter name %q", name)
		}
		validateParameter(p, path, r)
	}
	for name, a := range doc.Components.SuccessActions {
		validateActionShape(a, "/components/successActions/"+name, false, r)
	}
	for name, a := range doc.Components.FailureActions {
		validateActionShape(a, "/components/failureActions/"+name, true, r)
	}
}

func validateWorkflow(doc *Document, wf *Workflow, path string, workflows map[string]bool, r *Result) {
	for i, dep := range wf.DependsOn {
		dp := fmt.Sprintf("%s/dependsOn/%d", path, i)
		if dep == wf.WorkflowID {
			r.errf(dp, "workflow cannot depend on itself")
		} else if !workflows[dep] {
			r.errf(dp, "dependsOn references unknown workflow %q", dep)
		}
	}

	if len(wf.Steps) == 0 {
		r.errf(path+"/steps", "workflow must declare at least one step")
	}
	steps := map[string]int{}
	for i := range wf.Steps {
		st := &wf.Steps[i]
		sp := fmt.Sprintf("%s/steps/%d", path, i)
		if st.StepID == "" {
			r.errf(sp+"/stepId", "stepId is required")
			continue
		}
		if !idRe.MatchString(st.StepID) {
			r.errf(sp+"/stepId", "invalid stepId %q", st.StepID)
		}
		if _, dup := steps[st.StepID]; dup {
			r.errf(sp+"/stepId", "duplicate stepId %q", st.StepID)
		} else {
			steps[st.StepID] = i
		}
	}
	for i := range wf.Steps {
		validateStep(doc, wf, &wf.Steps[i], i, fmt.Sprintf("%s/steps/%d", path, i), steps, workflows, r)
	}

	for i := range wf.Parameters {
		validateParameter(wf.Parameters[i], fmt.Sprintf("%s/parameters/%d", path, i), r)
	}
	validateOutputs(wf.Outputs, path+"/outputs", r)
	for i, a := range wf.SuccessActions {
		validateAction(doc, wf, a, -1, fmt.Sprintf("%s/successActions/%d", path, i), false, steps, workflows, r)
	}
	for i, a := range wf.FailureActions {
		validateAction(doc, wf, a, -1, fmt.Sprintf("%s/failureActions/%d", path, i), true, steps, workflows, r)
	}
}

func validateStep(doc *Document, wf *Workflow, st *Step, idx int, path string, steps map[string]int, workflows map[string]bool, r *Result) {
	targets := 0
	if st.OperationID != "" {
		targets++
	}
	if st.OperationPath != "" {
		targets++
	}
	if st.WorkflowID != "" {
		targets++
	}
	if targets != 1 {
		r.errf(path, "step must set exactly one of operationId, operationPath, workflowId")
	}
	if st.OperationPath != "" {
		validateOperationPath(doc, st.OperationPath, path+"/operationPath", r)
	}
	if st.WorkflowID != "" && !workflows[st.WorkflowID] {
		r.errf(path+"/workflowId", "step references unknown workflow %q", st.WorkflowID)
	}
	if st.Timeout < 0 {
		r.errf(path+"/timeoutMs", "timeoutMs must not be negative")
	}

	for i, dep := range st.DependsOn {
		dp := fmt.Sprintf("%s/dependsOn/%d", path, i)
		if dep == st.StepID {
			r.errf(dp, "step cannot depend on itself")
		} else if _, ok := steps[dep]; !ok {
			r.errf(dp, "dependsOn references unknown step %q", dep)
		}
	}

	for i := range st.Parameters {
		validateParameter(st.Parameters[i], fmt.Sprintf("%s/parameters/%d", path, i), r)
	}
	if st.RequestBody != nil {
		validateValueExprs(st.RequestBody.Payload, path+"/requestBody/payload", r)
		for i, rp := range st.RequestBody.Replacements {
			rpPath := fmt.Sprintf("%s/requestBody/replacements/%d", path, i)
			if rp.Target == "" {
				r.errf(rpPath+"/target", "replacement target is required")
			}
			validateValueExprs(rp.Value, rpPath+"/value", r)
		}
	}
	for i, c := range st.SuccessCriteria {
		validateCriterion(c, fmt.Sprintf("%s/successCriteria/%d", path, i), r)
	}
	validateOutputs(st.Outputs, path+"/outputs", r)
	for i, a := range st.OnSuccess {
		validateAction(doc, wf, a, idx, fmt.Sprintf("%s/onSuccess/%d", path, i), false, steps, workflows, r)
	}
	for i, a := range st.OnFailure {
		validateAction(doc, wf, a, idx, fmt.Sprintf("%s/onFailure/%d", path, i), true, steps, workflows, r)
	}
}

// validateOperationPath checks the {$sourceDescriptions.<name>.url}#<pointer>
// form and that the named source exists.
func validateOperationPath(doc *Document, op, path string, r *Result) {
	if !strings.HasPrefix(op, "{$sourceDescriptions.") {
		r.errf(path, "operationPath must start with {$sourceDescriptions.<name>.url}")
		return
	}
	end := strings.Index(op, "}")
	if end < 0 {
		r.errf(path, "operationPath has an unterminated source expression")
		return
	}
	inner := op[len("{$sourceDescriptions.") : end]
	name := strings.TrimSuffix(inner, ".url")
	if name == inner {
		r.errf(path, "operationPath source expression must address .url")
		return
	}
	if doc.FindSource(name) == nil {
		r.errf(path, "operationPath references unknown source description %q", name)
	}
	frag := op[end+1:]
	if !strings.HasPrefix(frag, "#") {
		r.errf(path, "operationPath requires a #/paths/... pointer after the source url")
		return
	}
	if _, err := expr.ParseJSONPointer(frag[1:]); err != nil {
		r.errf(path, "invalid operationPath pointer: %v", err)
	}
}

func validateParameter(p Parameter, path string, r *Result) {
	if p.Reference != "" {
		if !strings.HasPrefix(p.Reference, "$components.parameters.") {
			r.errf(path+"/reference", "parameter reference must address $components.parameters.<name>")
		}
		return
	}
	if p.Name == "" {
		r.errf(path+"/name", "parameter name is required")
	}
	switch p.In {
	case "", "path", "query", "header", "cookie", "body":
	default:
		r.errf(path+"/in", "unknown parameter location %q", p.In)
	}
	validateValueExprs(p.Value, path+"/value", r)
}

func validateOutputs(outputs map[string]string, path string, r *Result) {
	for name, src := range outputs {
		op := path + "/" + name
		if !idRe.MatchString(name) {
			r.errf(op, "invalid output name %q", name)
		}
		if _, err := expr.CompileTemplate(src); err != nil {
			r.errf(op, "output expression does not parse: %v", err)
		}
	}
}

func validateCriterion(c Criterion, path string, r *Result) {
	if c.Condition == "" {
		r.errf(path+"/condition", "criterion condition is required")
		return
	}
	if _, err := expr.CompileCriterion(expr.Criterion{Context: c.Context, Condition: c.Condition, Type: c.Type}); err != nil {
		r.errf(path, "%v", err)
	}
}

// validateActionShape checks an action's own fields without workflow context,
// for component-level declarations.
func validateActionShape(a ActionOrRef, path string, failure bool, r *Result) {
	if a.IsReference() {
		r.errf(path, "component action must be declared inline, not by reference")
		return
	}
	switch a.Type {
	case ActionEnd:
	case ActionGoto:
		if a.WorkflowID == "" && a.StepID == "" {
			r.errf(path, "goto action requires workflowId or stepId")
		}
	case ActionRetry:
		if !failure {
			r.errf(path+"/type", "retry is only valid as a failure action")
		}
		if a.RetryAfter < 0 {
			r.errf(path+"/retryAfter", "retryAfter must not be negative")
		}
		if a.RetryLimit < 0 {
			r.errf(path+"/retryLimit", "retryLimit must not be negative")
		}
	case "":
		r.errf(path+"/type", "action type is required")
	default:
		r.errf(path+"/type", "unknown action type %q", a.Type)
	}
	for i, c := range a.Criteria {
		validateCriterion(c, fmt.Sprintf("%s/criteria/%d", path, i), r)
	}
}

// validateAction resolves references and checks goto targets. stepIdx is the
// ordinal of the owning step, or -1 for workflow-level actions. Goto to the
// current or an earlier step is refused here rather than looping at runtime.
func validateAction(doc *Document, wf *Workflow, a ActionOrRef, stepIdx int, path string, failure bool, steps map[string]int, workflows map[string]bool, r *Result) {
	if a.IsReference() {
		resolved, ok := doc.ResolveAction(a)
		if !ok {
			r.errf(path+"/reference", "action reference %q does not resolve", a.Reference)
			return
		}
		a = resolved
	} else {
		validateActionShape(a, path, failure, r)
	}
	if a.Type != ActionGoto {
		return
	}
	if a.WorkflowID != "" {
		if !workflows[a.WorkflowID] {
			r.errf(path+"/workflowId", "goto references unknown workflow %q", a.WorkflowID)
		}
		return
	}
	if a.StepID == "" {
		return
	}
	target, ok := steps[a.StepID]
	if !ok {
		r.errf(path+"/stepId", "goto references unknown step %q", a.StepID)
		return
	}
	if stepIdx >= 0 && target <= stepIdx {
		r.errf(path+"/stepId", "goto target %q does not advance the workflow", a.StepID)
	}
}

// validateValueExprs walks a decoded value and checks that every embedded
// expression parses. Non-expression strings pass untouched.
func validateValueExprs(v any, path string, r *Result) {
	switch t := v.(type) {
	case string:
		if !strings.Contains(t, "$") {
			return
		}
		if _, err := expr.CompileTemplate(t); err != nil {
			r.errf(path, "expression does not parse: %v", err)
		}
	case map[string]any:
		for k, val := range t {
			validateValueExprs(val, path+"/"+k, r)
		}
	case []any:
		for i, val := range t {
			validateValueExprs(val, fmt.Sprintf("%s/%d", path, i), r)
		}
	}
}
