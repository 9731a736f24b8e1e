package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"
)

func newTraceCommand(a *app) *cobra.Command {
	var withBodies bool
	cmd := &cobra.Command{
		Use:   "trace <run-id>",
		Short: "Show every attempt recorded for a run",
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

			type attemptView struct {
				AttemptNo  int             `json:"attempt"`
				Status     string          `json:"status"`
				DurationMS int64           `json:"duration_ms"`
				Request    json.RawMessage `json:"request,omitempty"`
				Response   json.RawMessage `json:"response,omitempty"`
				Error      json.RawMessage `json:"error,omitempty"`
			}
			type stepView struct {
				StepID   string        `json:"step_id"`
				Status   string        `json:"status"`
				Attempts []attemptView `json:"attempts,omitempty"`
			}
			type view struct {
				RunID      string     `json:"run_id"`
				WorkflowID string     `json:"workflow_id"`
				Status     string     `json:"status"`
				Steps      []stepView `json:"steps"`
			}
			v := view{RunID: run.ID, WorkflowID: run.WorkflowID, Status: string(run.Status)}
			for _, s := range steps {
				sv := stepView{StepID: s.StepID, Status: string(s.Status)}
				attempts, err := st.ListAttempts(ctx, s.ID)
				if err != nil {
					return runtimeErr(err)
				}
				for _, at := range attempts {
					av := attemptView{AttemptNo: at.AttemptNo, Status: string(at.Status), DurationMS: at.DurationMS, Error: at.Error}
					if withBodies {
						av.Request = at.Request
						av.Response = at.Response
					}
					sv.Attempts = append(sv.Attempts, av)
				}
				v.Steps = append(v.Steps, sv)
			}

			p := a.printer()
			return p.result(v, func(w io.Writer) {
				fmt.Fprintf(w, "run %s (%s): %s\n", v.RunID, v.WorkflowID, v.Status)
				for _, s := range v.Steps {
					fmt.Fprintf(w, "  %-12s %s\n", s.Status, s.StepID)
					for _, at := range s.Attempts {
						fmt.Fprintf(w, "    attempt %d: %s (%s)\n", at.AttemptNo, at.Status, time.Duration(at.DurationMS)*time.Millisecond)
						if len(at.Error) > 0 {
							fmt.Fprintf(w, "      error: %s\n", at.Error)
						}
						if withBodies && len(at.Request) > 0 {
							fmt.Fprintf(w, "      request: %s\n", at.Request)
						}
						if withBodies && len(at.Response) > 0 {
							fmt.Fprintf(w, "      response: %s\n", at.Response)
						}
					}
				}
			})
		},
	}
	cmd.Flags().BoolVar(&withBodies, "bodies", false, "include recorded request and response payloads")
	return cmd
}
