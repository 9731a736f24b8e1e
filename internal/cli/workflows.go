package cli

import (
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

func newWorkflowsCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "workflows <document>",
		Short: "List the workflows in a document",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			doc, _, err := loadDocumentFile(args[0])
			if err != nil {
				return err
			}

			type row struct {
				WorkflowID string `json:"workflowId"`
				Summary    string `json:"summary,omitempty"`
				Steps      int    `json:"steps"`
				Inputs     int    `json:"inputs"`
			}
			rows := make([]row, 0, len(doc.Workflows))
			for i := range doc.Workflows {
				wf := &doc.Workflows[i]
				rows = append(rows, row{
					WorkflowID: wf.WorkflowID,
					Summary:    wf.Summary,
					Steps:      len(wf.Steps),
					Inputs:     inputPropertyCount(wf.Inputs),
				})
			}

			p := a.printer()
			return p.result(rows, func(w io.Writer) {
				tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
				fmt.Fprintln(tw, "WORKFLOW\tSTEPS\tSUMMARY")
				for _, r := range rows {
					fmt.Fprintf(tw, "%s\t%d\t%s\n", r.WorkflowID, r.Steps, r.Summary)
				}
				tw.Flush()
			})
		},
	}
}

// inputPropertyCount counts the declared inputs in the workflow's schema.
func inputPropertyCount(schema map[string]any) int {
	props, _ := schema["properties"].(map[string]any)
	return len(props)
}
