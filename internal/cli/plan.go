package cli

import (
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/ronappleton/arazzo-runner/internal/document"
	"github.com/ronappleton/arazzo-runner/internal/plan"
)

func newPlanCommand(a *app) *cobra.Command {
	var (
		workflowID string
		overrides  []string
		compile    bool
		dot        bool
	)
	cmd := &cobra.Command{
		Use:   "plan <document>",
		Short: "Show the execution graph for a workflow",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			doc, _, err := loadDocumentFile(args[0])
			if err != nil {
				return err
			}
			wf, err := pickWorkflow(doc, workflowID)
			if err != nil {
				return err
			}
			p, err := plan.Build(wf)
			if err != nil {
				return validationErr(err)
			}

			type planView struct {
				*plan.Plan
				Resolved map[string]string `json:"resolved,omitempty"`
			}
			view := planView{Plan: p}

			if compile || len(overrides) > 0 {
				sources, err := loadSources(cmd.Context(), doc, overrides)
				if err != nil {
					return err
				}
				view.Resolved = map[string]string{}
				for i := range wf.Steps {
					st := &wf.Steps[i]
					if st.WorkflowID != "" {
						view.Resolved[st.StepID] = "workflow " + st.WorkflowID
						continue
					}
					op, _, err := sources.ResolveStep(st)
					if err != nil {
						view.Resolved[st.StepID] = "unresolved: " + err.Error()
						continue
					}
					view.Resolved[st.StepID] = fmt.Sprintf("%s %s (%s)", op.Method, op.Path, op.SourceName)
				}
			}

			pr := a.printer()
			if dot || a.format == "dot" {
				pr.line("%s", strings.TrimRight(p.DOT(), "\n"))
				return nil
			}
			return pr.result(view, func(w io.Writer) {
				fmt.Fprintf(w, "workflow %s: %d steps, %d edges\n", p.WorkflowID, len(p.Steps), len(p.Edges))
				for i, level := range p.Levels {
					fmt.Fprintf(w, "  level %d: %s\n", i, strings.Join(level, ", "))
				}
				for _, e := range p.Edges {
					kind := "dependsOn"
					if e.Implicit {
						kind = "implicit"
					}
					fmt.Fprintf(w, "  %s -> %s (%s)\n", e.From, e.To, kind)
				}
				for i := range wf.Steps {
					if res, ok := view.Resolved[wf.Steps[i].StepID]; ok {
						fmt.Fprintf(w, "  %s: %s\n", wf.Steps[i].StepID, res)
					}
				}
			})
		},
	}
	cmd.Flags().StringVar(&workflowID, "workflow", "", "workflow id (defaults to the only workflow)")
	cmd.Flags().StringArrayVar(&overrides, "openapi", nil, "source override NAME=PATH")
	cmd.Flags().BoolVar(&compile, "compile", false, "resolve each step against its OpenAPI source")
	cmd.Flags().BoolVar(&dot, "dot", false, "emit Graphviz DOT")
	return cmd
}

func pickWorkflow(doc *document.Document, workflowID string) (*document.Workflow, error) {
	if workflowID != "" {
		wf := doc.FindWorkflow(workflowID)
		if wf == nil {
			return nil, runtimeErr(fmt.Errorf("workflow %q not found in document", workflowID))
		}
		return wf, nil
	}
	if len(doc.Workflows) == 1 {
		return &doc.Workflows[0], nil
	}
	ids := make([]string, 0, len(doc.Workflows))
	for i := range doc.Workflows {
		ids = append(ids, doc.Workflows[i].WorkflowID)
	}
	return nil, runtimeErr(fmt.Errorf("document has %d workflows, pick one with --workflow (%s)", len(doc.Workflows), strings.Join(ids, ", ")))
}
