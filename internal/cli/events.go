package cli

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/ronappleton/arazzo-runner/internal/events"
	"github.com/ronappleton/arazzo-runner/internal/store"
)

func newEventsCommand(a *app) *cobra.Command {
	var (
		follow   bool
		after    int64
		interval time.Duration
	)
	cmd := &cobra.Command{
		Use:   "events <run-id>",
		Short: "Print the event log for a run",
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
			if _, err := st.GetRun(ctx, runID); err != nil {
				return runtimeErr(fmt.Errorf("run %s: %w", runID, err))
			}

			print := a.eventPrinter()
			if follow {
				_, err := events.Follow(ctx, st, runID, after, interval, print)
				if err != nil && ctx.Err() == nil {
					return runtimeErr(err)
				}
				return nil
			}

			for {
				evs, err := st.EventsAfter(ctx, runID, after, 100)
				if err != nil {
					return runtimeErr(err)
				}
				if len(evs) == 0 {
					return nil
				}
				for _, ev := range evs {
					after = ev.ID
					if err := print(ev); err != nil {
						return runtimeErr(err)
					}
				}
			}
		},
	}
	cmd.Flags().BoolVarP(&follow, "follow", "f", false, "keep tailing until the run finishes")
	cmd.Flags().Int64Var(&after, "after", 0, "start after this event id")
	cmd.Flags().DurationVar(&interval, "interval", 500*time.Millisecond, "poll interval when following")
	return cmd
}

// eventPrinter renders one event row per line in the selected format.
func (a *app) eventPrinter() func(store.Event) error {
	enc := json.NewEncoder(os.Stdout)
	return func(ev store.Event) error {
		if a.quiet {
			return nil
		}
		if a.format == "json" {
			return enc.Encode(ev)
		}
		line := fmt.Sprintf("%d %s %s", ev.ID, ev.TS.UTC().Format(time.RFC3339), ev.Type)
		if ev.RunStepID != "" {
			line += " step=" + ev.RunStepID
		}
		if len(ev.Payload) > 0 {
			line += " " + string(ev.Payload)
		}
		_, err := fmt.Fprintln(os.Stdout, line)
		return err
	}
}
