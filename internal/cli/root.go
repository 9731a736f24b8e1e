// Package cli implements the arazzo command tree. One file per command,
// shared flags and wiring here.
package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/ronappleton/arazzo-runner/internal/config"
	"github.com/ronappleton/arazzo-runner/internal/document"
	"github.com/ronappleton/arazzo-runner/internal/openapi"
	"github.com/ronappleton/arazzo-runner/internal/store"
)

type app struct {
	configPath string
	format     string
	quiet      bool
	storeURL   string
}

func NewRootCommand() *cobra.Command {
	a := &app{}
	cmd := &cobra.Command{
		Use:           "arazzo",
		Short:         "Execute Arazzo workflow documents against their OpenAPI sources",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().StringVar(&a.configPath, "config", "", "path to config file")
	cmd.PersistentFlags().StringVar(&a.format, "format", "text", "output format: text or json (plan also accepts dot)")
	cmd.PersistentFlags().BoolVarP(&a.quiet, "quiet", "q", false, "suppress non-essential output")
	cmd.PersistentFlags().StringVar(&a.storeURL, "store", "", "database URL (overrides config and env)")

	cmd.AddCommand(
		newValidateCommand(a),
		newPlanCommand(a),
		newWorkflowsCommand(a),
		newInspectCommand(a),
		newOpenAPICommand(a),
		newExecuteCommand(a),
		newStartCommand(a),
		newResumeCommand(a),
		newCancelCommand(a),
		newStatusCommand(a),
		newTraceCommand(a),
		newEventsCommand(a),
		newMetricsCommand(a),
		newMigrateCommand(a),
		newDoctorCommand(a),
	)
	return cmd
}

// Execute runs the command tree and maps errors to process exit codes.
func Execute() int {
	root := NewRootCommand()
	if err := root.Execute(); err != nil {
		var ee *ExitError
		if errors.As(err, &ee) {
			if ee.Err != nil {
				fmt.Fprintln(os.Stderr, "error:", ee.Err)
			}
			return ee.Code
		}
		fmt.Fprintln(os.Stderr, "error:", err)
		return ExitRuntimeError
	}
	return ExitOK
}

func (a *app) loadConfig() (config.Config, error) {
	cfg, err := config.Load(a.configPath)
	if err != nil {
		return cfg, err
	}
	if a.storeURL != "" {
		cfg.DatabaseURL = a.storeURL
	}
	return cfg, nil
}

func (a *app) printer() *printer {
	return &printer{format: a.format, quiet: a.quiet, out: os.Stdout}
}

// openPGStore connects to Postgres; commands that operate on existing runs
// require a configured database.
func (a *app) openPGStore(ctx context.Context, cfg config.Config) (*store.PGStore, error) {
	if cfg.DatabaseURL == "" {
		return nil, runtimeErr(errors.New("no database URL configured (use --store, ARAZZO_DATABASE_URL, or DATABASE_URL)"))
	}
	pg, err := store.NewPGStore(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, runtimeErr(fmt.Errorf("database connection failed to %s: %w", redactURLPassword(cfg.DatabaseURL), err))
	}
	return pg, nil
}

func loadDocumentFile(path string) (*document.Document, document.Format, error) {
	doc, format, err := document.ParseFile(path)
	if err != nil {
		return nil, format, runtimeErr(fmt.Errorf("parse %s: %w", path, err))
	}
	return doc, format, nil
}

// loadSources resolves the document's source descriptions, with NAME=PATH
// overrides taking precedence over the declared URLs.
func loadSources(ctx context.Context, doc *document.Document, overrides []string) (*openapi.Set, error) {
	pins := map[string]string{}
	for _, o := range overrides {
		name, path, ok := strings.Cut(o, "=")
		if !ok {
			return nil, runtimeErr(fmt.Errorf("invalid --openapi value %q: want NAME=PATH", o))
		}
		pins[name] = path
	}

	loader := openapi.NewLoader(nil)
	if len(pins) == 0 {
		return loader.LoadSources(ctx, doc), nil
	}

	set := &openapi.Set{Docs: map[string]*openapi.Doc{}}
	for i := range doc.SourceDescriptions {
		sd := &doc.SourceDescriptions[i]
		if sd.Type != "" && sd.Type != "openapi" {
			continue
		}
		location := sd.URL
		if pin, ok := pins[sd.Name]; ok {
			location = pin
		}
		d, err := loader.Load(ctx, sd.Name, location)
		if err != nil {
			set.Diagnostics = append(set.Diagnostics, openapi.Diagnostic{SourceName: sd.Name, Message: err.Error()})
			continue
		}
		set.Docs[sd.Name] = d
	}
	return set, nil
}

// signalContext returns a context canceled by SIGINT/SIGTERM so in-flight
// runs drain and record cancellation.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func redactURLPassword(raw string) string {
	at := strings.LastIndex(raw, "@")
	scheme := strings.Index(raw, "://")
	if at == -1 || scheme == -1 || at < scheme {
		return raw
	}
	creds := raw[scheme+3 : at]
	if colon := strings.Index(creds, ":"); colon != -1 {
		return raw[:scheme+3] + creds[:colon] + ":***" + raw[at:]
	}
	return raw
}
