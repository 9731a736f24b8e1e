package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"
)

func newStatusCommand(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status <run-id>",
		Short: "Show a run's current state",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signalContext()
			defer stop()

			cfg, err := a.loadConfig()
			if err != nil {
				return runtimeErr(err)
			}
			st, err := a.openPGStore(ctx, cfg)
			if err != nil {
				return err
			}
			defer st.Close()

			runID := args[0]
			run, err := st.GetRun(ctx, runID)
			if err != nil {
				return runtimeErr(fmt.Errorf("run %s: %w", runID, err))
			}
			steps, err := st.ListRunSteps(ctx, runID)
			if err != nil {
				return runtimeErr(err)
			}

			type stepView struct {
				StepID    string `json:"step_id"`
				Status    string `json:"status"`
				NextRunAt string `json:"next_run_at,omitempty"`
			}
			type view struct {
				RunID      string          `json:"run_id"`
				WorkflowID string          `json:"workflow_id"`
				Status     string          `json:"status"`
				CreatedBy  string          `json:"created_by,omitempty"`
				CreatedAt  time.Time       `json:"created_at"`
				StartedAt  *time.Time      `json:"started_at,omitempty"`
				FinishedAt *time.Time      `json:"finished_at,omitempty"`
				Steps      []stepView      `json:"steps"`
				Error      json.RawMessage `json:"error,omitempty"`
			}
			v := view{
				RunID:      run.ID,
				WorkflowID: run.WorkflowID,
				Status:     string(run.Status),
				CreatedBy:  run.CreatedBy,
				CreatedAt:  run.CreatedAt,
				StartedAt:  run.StartedAt,
				FinishedAt: run.FinishedAt,
				Error:      run.Error,
			}
			for _, s := range steps {
				sv := stepView{StepID: s.StepID, Status: string(s.Status)}
				if s.NextRunAt != nil {
					sv.NextRunAt = s.NextRunAt.UTC().Format(time.RFC3339)
				}
				v.Steps = append(v.Steps, sv)
			}

			p := a.printer()
			return p.result(v, func(w io.Writer) {
				fmt.Fprintf(w, "run %s (%s): %s\n", v.RunID, v.WorkflowID, v.Status)
				for _, s := range v.Steps {
					if s.NextRunAt != "" {
						fmt.Fprintf(w, "  %-12s %s (next attempt %s)\n", s.Status, s.StepID, s.NextRunAt)
						continue
					}
					fmt.Fprintf(w, "  %-12s %s\n", s.Status, s.StepID)
				}
				if len(v.Error) > 0 {
					fmt.Fprintf(w, "  error: %s\n", v.Error)
				}
			})
		},
	}
	return cmd
}
