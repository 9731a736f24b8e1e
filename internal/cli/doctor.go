package cli

import (
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/ronappleton/arazzo-runner/internal/secrets"
	"github.com/ronappleton/arazzo-runner/internal/store"
)

type checkResult struct {
	Name    string `json:"name"`
	Status  string `json:"status"`
	Message string `json:"message"`
}

const (
	checkOK      = "ok"
	checkWarning = "warning"
	checkError   = "error"
)

func newDoctorCommand(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "doctor",
		Short: "Check the runner's configuration and connectivity",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signalContext()
			defer stop()

			cfg, err := a.loadConfig()
			if err != nil {
				return runtimeErr(err)
			}

			var checks []checkResult

			if cfg.DatabaseURL == "" {
				checks = append(checks, checkResult{"database", checkWarning, "no database URL configured; execute falls back to the in-memory store"})
			} else if pg, err := store.NewPGStore(ctx, cfg.DatabaseURL); err != nil {
				checks = append(checks, checkResult{"database", checkError, fmt.Sprintf("connect to %s: %v", redactURLPassword(cfg.DatabaseURL), err)})
			} else {
				pg.Close()
				checks = append(checks, checkResult{"database", checkOK, fmt.Sprintf("connected to %s", redactURLPassword(cfg.DatabaseURL))})
			}

			providers := secrets.NewResolver().Providers()
			checks = append(checks, checkResult{"secrets", checkOK, fmt.Sprintf("providers registered: %s (aws-sm and gcp-sm need a backend)", strings.Join(providers, ", "))})

			if len(cfg.Policy.AllowedHosts) == 0 {
				checks = append(checks, checkResult{"policy", checkWarning, "no allowed hosts configured; every request target is denied"})
			} else {
				checks = append(checks, checkResult{"policy", checkOK, fmt.Sprintf("%d allowed hosts", len(cfg.Policy.AllowedHosts))})
			}

			switch {
			case !cfg.Telemetry.Enabled:
				checks = append(checks, checkResult{"telemetry", checkOK, "disabled"})
			case cfg.Telemetry.OTLPEndpoint == "":
				checks = append(checks, checkResult{"telemetry", checkWarning, "enabled without an OTLP endpoint"})
			default:
				checks = append(checks, checkResult{"telemetry", checkOK, fmt.Sprintf("exporting to %s", cfg.Telemetry.OTLPEndpoint)})
			}

			failed := false
			for _, c := range checks {
				if c.Status == checkError {
					failed = true
				}
			}

			p := a.printer()
			view := struct {
				Checks []checkResult `json:"checks"`
				Passed bool          `json:"passed"`
			}{checks, !failed}
			if err := p.result(view, func(w io.Writer) {
				for _, c := range checks {
					mark := "ok "
					switch c.Status {
					case checkWarning:
						mark = "warn"
					case checkError:
						mark = "FAIL"
					}
					fmt.Fprintf(w, "%s %-10s %s\n", mark, c.Name, c.Message)
				}
			}); err != nil {
				return runtimeErr(err)
			}
			if failed {
				return exitCode(ExitRuntimeError)
			}
			return nil
		},
	}
	return cmd
}
