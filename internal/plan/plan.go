// Package plan builds the execution graph for one workflow: explicit
// dependsOn edges merged with edges inferred from step references inside
// parameters, request bodies, outputs, and success criteria.
package plan

import (
	"fmt"
	"sort"
	"strings"

	"github.com/ronappleton/arazzo-runner/internal/document"
	"github.com/ronappleton/arazzo-runner/internal/expr"
)

// Edge records one dependency and how it was discovered.
type Edge struct {
	From     string `json:"from"` // prerequisite step
	To       string `json:"to"`   // dependent step
	Implicit bool   `json:"implicit"`
}

// Plan is the resolved DAG for a workflow. Levels group steps that may run
// concurrently; within a level, steps keep document order.
type Plan struct {
	WorkflowID string     `json:"workflowId"`
	Steps      []string   `json:"steps"` // document order
	Edges      []Edge     `json:"edges"`
	Levels     [][]string `json:"levels"`

	deps map[string][]string
}

// CycleError names the steps on a dependency cycle.
type CycleError struct {
	Members []string
}

func (e *CycleError) Error() string {
	return fmt.Sprintf("dependency cycle between steps: %s", strings.Join(e.Members, ", "))
}

// Build resolves the graph for wf. The document must already have passed
// validation; unknown dependsOn targets are still reported as errors here so
// the planner stays safe to call on its own.
func Build(wf *document.Workflow) (*Plan, error) {
	p := &Plan{WorkflowID: wf.WorkflowID, deps: map[string][]string{}}
	index := map[string]int{}
	for i := range wf.Steps {
		id := wf.Steps[i].StepID
		p.Steps = append(p.Steps, id)
		index[id] = i
	}

	seen := map[[2]string]bool{}
	addEdge := func(from, to string, implicit bool) error {
		if from == to {
			if implicit {
				// A step reading its own committed outputs can never bind;
				// surface it as a cycle of one.
				return &CycleError{Members: []string{to}}
			}
			return nil
		}
		if _, ok := index[from]; !ok {
			return fmt.Errorf("step %q depends on unknown step %q", to, from)
		}
		key := [2]string{from, to}
		if seen[key] {
			return nil
		}
		seen[key] = true
		p.Edges = append(p.Edges, Edge{From: from, To: to, Implicit: implicit})
		p.deps[to] = append(p.deps[to], from)
		return nil
	}

	for i := range wf.Steps {
		st := &wf.Steps[i]
		for _, dep := range st.DependsOn {
			if err := addEdge(dep, st.StepID, false); err != nil {
				return nil, err
			}
		}
		for _, ref := range stepRefs(st) {
			if _, known := index[ref]; !known {
				// References to steps outside this workflow (nested workflow
				// outputs arrive through a different scope) are not edges.
				continue
			}
			if err := addEdge(ref, st.StepID, true); err != nil {
				return nil, err
			}
		}
	}

	if err := p.detectCycle(); err != nil {
		return nil, err
	}
	p.Levels = p.levelize(index)
	return p, nil
}

// Dependencies returns the prerequisite step ids for one step.
func (p *Plan) Dependencies(stepID string) []string {
	return p.deps[stepID]
}

// stepRefs gathers every $steps.<id> reference the step's expressions make.
func stepRefs(st *document.Step) []string {
	into := map[string]struct{}{}
	for _, param := range st.Parameters {
		expr.CollectStepRefs(param.Value, into)
	}
	if st.RequestBody != nil {
		expr.CollectStepRefs(st.RequestBody.Payload, into)
		for _, rp := range st.RequestBody.Replacements {
			expr.CollectStepRefs(rp.Value, into)
		}
	}
	for _, out := range st.Outputs {
		expr.CollectStepRefs(out, into)
	}
	for _, c := range st.SuccessCriteria {
		expr.CollectStepRefs(c.Context, into)
		expr.CollectStepRefs(c.Condition, into)
	}
	refs := make([]string, 0, len(into))
	for id := range into {
		refs = append(refs, id)
	}
	sort.Strings(refs)
	return refs
}

func (p *Plan) detectCycle() error {
	const (
		white = 0
		grey  = 1
		black = 2
	)
	state := map[string]int{}
	var stack []string

	var visit func(id string) *CycleError
	visit = func(id string) *CycleError {
		state[id] = grey
		stack = append(stack, id)
		for _, dep := range p.deps[id] {
			switch state[dep] {
			case white:
				if err := visit(dep); err != nil {
					return err
				}
			case grey:
				// Slice the stack back to the re-entered node for membership.
				members := []string{dep}
				for i := len(stack) - 1; i >= 0 && stack[i] != dep; i-- {
					members = append(members, stack[i])
				}
				sort.Strings(members)
				return &CycleError{Members: members}
			}
		}
		stack = stack[:len(stack)-1]
		state[id] = black
		return nil
	}

	for _, id := range p.Steps {
		if state[id] == white {
			if err := visit(id); err != nil {
				return err
			}
		}
	}
	return nil
}

// levelize runs Kahn's algorithm, emitting one level per wave of ready steps
// and sorting each wave by document order.
func (p *Plan) levelize(index map[string]int) [][]string {
	indegree := map[string]int{}
	dependents := map[string][]string{}
	for _, id := range p.Steps {
		indegree[id] = len(p.deps[id])
	}
	for _, e := range p.Edges {
		dependents[e.From] = append(dependents[e.From], e.To)
	}

	var levels [][]string
	var ready []string
	for _, id := range p.Steps {
		if indegree[id] == 0 {
			ready = append(ready, id)
		}
	}
	for len(ready) > 0 {
		sort.Slice(ready, func(i, j int) bool { return index[ready[i]] < index[ready[j]] })
		levels = append(levels, ready)
		var next []string
		for _, id := range ready {
			for _, dep := range dependents[id] {
				indegree[dep]--
				if indegree[dep] == 0 {
					next = append(next, dep)
				}
			}
		}
		ready = next
	}
	return levels
}

// DOT renders the plan in Graphviz dot form. Implicit edges are dashed.
func (p *Plan) DOT() string {
	var b strings.Builder
	fmt.Fprintf(&b, "digraph %q {\n", p.WorkflowID)
	b.WriteString("  rankdir=LR;\n")
	for _, id := range p.Steps {
		fmt.Fprintf(&b, "  %q;\n", id)
	}
	for _, e := range p.Edges {
		if e.Implicit {
			fmt.Fprintf(&b, "  %q -> %q [style=dashed];\n", e.From, e.To)
		} else {
			fmt.Fprintf(&b, "  %q -> %q;\n", e.From, e.To)
		}
	}
	b.WriteString("}\n")
	return b.String()
}
