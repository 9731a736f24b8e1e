package cli

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"
)

func newStartCommand(a *app) *cobra.Command {
	var (
		workflowID     string
		inputsPath     string
		setInputs      []string
		idempotencyKey string
		overrides      []string
	)
	cmd := &cobra.Command{
		Use:   "start <document>",
		Short: "Create a run without executing it",
		Long:  "Create a queued run in the database. Execute it later with resume.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signalContext()
			defer stop()

			rt, err := a.buildRuntime(ctx, true)
			if err != nil {
				return err
			}
			defer rt.close()

			runID, _, _, err := prepareFromFile(ctx, a, rt, args[0], workflowID, inputsPath, setInputs, idempotencyKey, overrides)
			if err != nil {
				return err
			}

			p := a.printer()
			return p.result(map[string]string{"run_id": runID, "status": "queued"}, func(w io.Writer) {
				fmt.Fprintf(w, "run %s queued\n", runID)
			})
		},
	}
	cmd.Flags().StringVar(&workflowID, "workflow", "", "workflow id (defaults to the only workflow)")
	cmd.Flags().StringVar(&inputsPath, "inputs", "", "path to a yaml or json inputs file")
	cmd.Flags().StringArrayVar(&setInputs, "set", nil, "input override KEY=VALUE (value parsed as JSON when possible)")
	cmd.Flags().StringVar(&idempotencyKey, "idempotency-key", "", "dedupe key for run creation")
	cmd.Flags().StringArrayVar(&overrides, "openapi", nil, "source override NAME=PATH")
	return cmd
}
