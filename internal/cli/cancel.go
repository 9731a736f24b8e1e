package cli

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/ronappleton/arazzo-runner/internal/store"
)

func newCancelCommand(a *app) *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "cancel <run-id>",
		Short: "Cancel a run and skip its pending steps",
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
			switch run.Status {
			case store.RunSucceeded, store.RunFailed, store.RunCanceled:
				return runtimeErr(fmt.Errorf("run %s is already %s", runID, run.Status))
			}

			payload, _ := json.Marshal(map[string]string{"kind": "canceled", "message": reason})
			if err := st.CancelRun(ctx, runID, payload); err != nil {
				return runtimeErr(err)
			}

			p := a.printer()
			return p.result(map[string]string{"run_id": runID, "status": string(store.RunCanceled)}, func(w io.Writer) {
				fmt.Fprintf(w, "run %s canceled\n", runID)
			})
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "canceled by operator", "message recorded on the run")
	return cmd
}
