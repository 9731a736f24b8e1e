package cli

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/ronappleton/arazzo-runner/internal/document"
)

func newInspectCommand(a *app) *cobra.Command {
	var workflowID string
	cmd := &cobra.Command{
		Use:   "inspect <document>",
		Short: "Show document and workflow detail",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			doc, format, err := loadDocumentFile(args[0])
			if err != nil {
				return err
			}

			type stepView struct {
				StepID    string   `json:"stepId"`
				Operation string   `json:"operation"`
				DependsOn []string `json:"dependsOn,omitempty"`
				Outputs   int      `json:"outputs"`
			}
			type workflowView struct {
				WorkflowID string     `json:"workflowId"`
				Summary    string     `json:"summary,omitempty"`
				Steps      []stepView `json:"steps"`
			}
			type docView struct {
				Arazzo    string         `json:"arazzo"`
				Title     string         `json:"title"`
				Version   string         `json:"version"`
				Format    string         `json:"format"`
				Hash      string         `json:"hash"`
				Sources   []string       `json:"sources"`
				Workflows []workflowView `json:"workflows"`
			}

			view := docView{
				Arazzo:  doc.Arazzo,
				Title:   doc.Info.Title,
				Version: doc.Info.Version,
				Format:  string(format),
				Hash:    doc.Hash,
			}
			for _, s := range doc.SourceDescriptions {
				view.Sources = append(view.Sources, fmt.Sprintf("%s (%s)", s.Name, s.URL))
			}
			for i := range doc.Workflows {
				wf := &doc.Workflows[i]
				if workflowID != "" && wf.WorkflowID != workflowID {
					continue
				}
				wv := workflowView{WorkflowID: wf.WorkflowID, Summary: wf.Summary}
				for j := range wf.Steps {
					st := &wf.Steps[j]
					wv.Steps = append(wv.Steps, stepView{
						StepID:    st.StepID,
						Operation: describeStep(st),
						DependsOn: st.DependsOn,
						Outputs:   len(st.Outputs),
					})
				}
				view.Workflows = append(view.Workflows, wv)
			}
			if workflowID != "" && len(view.Workflows) == 0 {
				return runtimeErr(fmt.Errorf("workflow %q not found in document", workflowID))
			}

			p := a.printer()
			return p.result(view, func(w io.Writer) {
				fmt.Fprintf(w, "%s %s (arazzo %s, %s, sha256 %.12s)\n", view.Title, view.Version, view.Arazzo, view.Format, view.Hash)
				for _, s := range view.Sources {
					fmt.Fprintf(w, "  source %s\n", s)
				}
				for _, wf := range view.Workflows {
					fmt.Fprintf(w, "  workflow %s: %s\n", wf.WorkflowID, wf.Summary)
					for _, st := range wf.Steps {
						fmt.Fprintf(w, "    %s: %s\n", st.StepID, st.Operation)
					}
				}
			})
		},
	}
	cmd.Flags().StringVar(&workflowID, "workflow", "", "limit output to one workflow")
	return cmd
}

func describeStep(st *document.Step) string {
	switch {
	case st.OperationID != "":
		return "operationId " + st.OperationID
	case st.OperationPath != "":
		return "operationPath " + st.OperationPath
	case st.WorkflowID != "":
		return "workflow " + st.WorkflowID
	default:
		return "(unbound)"
	}
}
