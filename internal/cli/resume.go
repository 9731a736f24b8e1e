package cli

import (
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/ronappleton/arazzo-runner/internal/document"
)

func newResumeCommand(a *app) *cobra.Command {
	var overrides []string
	cmd := &cobra.Command{
		Use:   "resume <run-id>",
		Short: "Continue a queued or interrupted run",
		Long:  "Reload the persisted document for the run and drive its remaining steps to completion.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signalContext()
			defer stop()

			rt, err := a.buildRuntime(ctx, true)
			if err != nil {
				return err
			}
			defer rt.close()

			runID := args[0]
			run, err := rt.store.GetRun(ctx, runID)
			if err != nil {
				return runtimeErr(fmt.Errorf("run %s: %w", runID, err))
			}
			docRow, err := rt.store.GetDocument(ctx, run.DocumentID)
			if err != nil {
				return runtimeErr(fmt.Errorf("document for run %s: %w", runID, err))
			}
			doc, _, err := document.Parse([]byte(docRow.Raw))
			if err != nil {
				return runtimeErr(fmt.Errorf("reparse stored document: %w", err))
			}
			if doc.Hash != docRow.DocHash {
				rt.logger.Warn("stored document hash drifted",
					zap.String("run_id", runID),
					zap.String("recorded", docRow.DocHash),
					zap.String("reparsed", doc.Hash))
			}
			sources, err := loadSources(ctx, doc, overrides)
			if err != nil {
				return err
			}

			if err := rt.engine.ExecuteRun(ctx, doc, sources, runID); err != nil {
				rt.logger.Warn("run did not complete cleanly", zap.String("run_id", runID), zap.Error(err))
			}
			return reportRun(ctx, a, rt.store, runID)
		},
	}
	cmd.Flags().StringArrayVar(&overrides, "openapi", nil, "source override NAME=PATH")
	return cmd
}
