package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/ronappleton/arazzo-runner/internal/store"
)

type runMetrics struct {
	RunID      string `json:"run_id"`
	WorkflowID string `json:"workflow_id"`
	Status     string `json:"status"`
	Steps      struct {
		Total     int `json:"total"`
		Succeeded int `json:"succeeded"`
		Failed    int `json:"failed"`
		Skipped   int `json:"skipped"`
		Retried   int `json:"retried"`
	} `json:"steps"`
	HTTP struct {
		Requests int `json:"requests"`
		Errors   int `json:"errors"`
	} `json:"http"`
	DurationMS int64 `json:"duration_ms"`
}

func newMetricsCommand(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "metrics <run-id>",
		Short: "Summarize step and request counters for a run",
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

			m, err := collectRunMetrics(ctx, st, args[0])
			if err != nil {
				return err
			}

			p := a.printer()
			return p.result(m, func(w io.Writer) {
				fmt.Fprintf(w, "run %s (%s): %s\n", m.RunID, m.WorkflowID, m.Status)
				fmt.Fprintf(w, "  steps:    %d total, %d succeeded, %d failed, %d skipped, %d retried\n",
					m.Steps.Total, m.Steps.Succeeded, m.Steps.Failed, m.Steps.Skipped, m.Steps.Retried)
				fmt.Fprintf(w, "  http:     %d requests, %d errors\n", m.HTTP.Requests, m.HTTP.Errors)
				fmt.Fprintf(w, "  duration: %dms\n", m.DurationMS)
			})
		},
	}
	return cmd
}

func collectRunMetrics(ctx context.Context, st store.Store, runID string) (*runMetrics, error) {
	run, err := st.GetRun(ctx, runID)
	if err != nil {
		return nil, runtimeErr(fmt.Errorf("run %s: %w", runID, err))
	}
	steps, err := st.ListRunSteps(ctx, runID)
	if err != nil {
		return nil, runtimeErr(err)
	}

	m := &runMetrics{RunID: run.ID, WorkflowID: run.WorkflowID, Status: string(run.Status)}
	m.Steps.Total = len(steps)
	for _, s := range steps {
		switch s.Status {
		case store.StepSucceeded:
			m.Steps.Succeeded++
		case store.StepFailed:
			m.Steps.Failed++
		case store.StepSkipped:
			m.Steps.Skipped++
		}
	}

	var after int64
	for {
		evs, err := st.EventsAfter(ctx, runID, after, 200)
		if err != nil {
			return nil, runtimeErr(err)
		}
		if len(evs) == 0 {
			break
		}
		for _, ev := range evs {
			after = ev.ID
			switch ev.Type {
			case "step.retrying":
				m.Steps.Retried++
			case "attempt.started":
				m.HTTP.Requests++
			case "attempt.finished":
				var payload struct {
					Status string `json:"status"`
				}
				if json.Unmarshal(ev.Payload, &payload) == nil && payload.Status == string(store.AttemptFailed) {
					m.HTTP.Errors++
				}
			}
		}
	}

	if run.StartedAt != nil && run.FinishedAt != nil {
		m.DurationMS = run.FinishedAt.Sub(*run.StartedAt).Milliseconds()
	}
	return m, nil
}
