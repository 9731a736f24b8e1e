package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/ronappleton/arazzo-runner/internal/document"
	"github.com/ronappleton/arazzo-runner/internal/openapi"
	"github.com/ronappleton/arazzo-runner/internal/store"
)

func newExecuteCommand(a *app) *cobra.Command {
	var (
		workflowID     string
		inputsPath     string
		setInputs      []string
		idempotencyKey string
		overrides      []string
	)
	cmd := &cobra.Command{
		Use:   "execute <document>",
		Short: "Run a workflow to completion in-process",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signalContext()
			defer stop()

			rt, err := a.buildRuntime(ctx, false)
			if err != nil {
				return err
			}
			defer rt.close()

			runID, doc, sources, err := prepareFromFile(ctx, a, rt, args[0], workflowID, inputsPath, setInputs, idempotencyKey, overrides)
			if err != nil {
				return err
			}

			if err := rt.engine.ExecuteRun(ctx, doc, sources, runID); err != nil {
				rt.logger.Warn("run did not complete cleanly", zap.String("run_id", runID), zap.Error(err))
			}
			return reportRun(ctx, a, rt.store, runID)
		},
	}
	cmd.Flags().StringVar(&workflowID, "workflow", "", "workflow id (defaults to the only workflow)")
	cmd.Flags().StringVar(&inputsPath, "inputs", "", "path to a yaml or json inputs file")
	cmd.Flags().StringArrayVar(&setInputs, "set", nil, "input override KEY=VALUE (value parsed as JSON when possible)")
	cmd.Flags().StringVar(&idempotencyKey, "idempotency-key", "", "dedupe key for run creation")
	cmd.Flags().StringArrayVar(&overrides, "openapi", nil, "source override NAME=PATH")
	return cmd
}

// prepareFromFile parses and validates the document, loads its sources,
// persists both, and creates the run.
func prepareFromFile(ctx context.Context, a *app, rt *runtime, path, workflowID, inputsPath string, setInputs []string, idempotencyKey string, overrides []string) (string, *document.Document, *openapi.Set, error) {
	doc, format, err := loadDocumentFile(path)
	if err != nil {
		return "", nil, nil, err
	}
	res := document.Validate(doc)
	if !res.OK() {
		for _, f := range res.Findings {
			fmt.Fprintln(os.Stderr, f.String())
		}
		return "", nil, nil, validationErr(fmt.Errorf("document %s failed validation", path))
	}

	wf, err := pickWorkflow(doc, workflowID)
	if err != nil {
		return "", nil, nil, err
	}

	inputs, err := collectInputs(inputsPath, setInputs)
	if err != nil {
		return "", nil, nil, err
	}

	sources, err := loadSources(ctx, doc, overrides)
	if err != nil {
		return "", nil, nil, err
	}

	canonical, err := doc.CanonicalJSON()
	if err != nil {
		return "", nil, nil, runtimeErr(err)
	}
	docRow, err := rt.store.PutDocument(ctx, store.NewDocument{
		DocHash: doc.Hash,
		Format:  store.DocFormat(string(format)),
		Raw:     string(doc.Raw),
		Doc:     canonical,
	})
	if err != nil {
		return "", nil, nil, runtimeErr(err)
	}
	for _, d := range sources.Docs {
		raw, err := json.Marshal(d.Raw)
		if err != nil {
			continue
		}
		if _, err := rt.store.PutOpenAPISource(ctx, store.OpenAPISource{
			SourceName: d.SourceName,
			URL:        d.SourceURL,
			Version:    d.Version,
			Doc:        raw,
		}); err != nil {
			rt.logger.Warn("persist source snapshot failed", zap.String("source", d.SourceName), zap.Error(err))
		}
	}

	runID, err := rt.engine.PrepareRun(ctx, docRow.ID, doc, wf.WorkflowID, inputs, invokingUser(), idempotencyKey)
	if err != nil {
		return "", nil, nil, validationErr(err)
	}
	return runID, doc, sources, nil
}

func collectInputs(inputsPath string, setInputs []string) (map[string]any, error) {
	inputs := map[string]any{}
	if inputsPath != "" {
		raw, err := os.ReadFile(inputsPath)
		if err != nil {
			return nil, runtimeErr(err)
		}
		if err := yaml.Unmarshal(raw, &inputs); err != nil {
			return nil, runtimeErr(fmt.Errorf("parse inputs %s: %w", inputsPath, err))
		}
	}
	for _, kv := range setInputs {
		key, value, ok := strings.Cut(kv, "=")
		if !ok {
			return nil, runtimeErr(fmt.Errorf("invalid --set value %q: want KEY=VALUE", kv))
		}
		var parsed any
		if err := json.Unmarshal([]byte(value), &parsed); err != nil {
			parsed = value
		}
		inputs[key] = parsed
	}
	return inputs, nil
}

// reportRun prints the final run summary and maps the status to the exit
// code.
func reportRun(ctx context.Context, a *app, st store.Store, runID string) error {
	run, err := st.GetRun(ctx, runID)
	if err != nil {
		return runtimeErr(err)
	}
	steps, err := st.ListRunSteps(ctx, runID)
	if err != nil {
		return runtimeErr(err)
	}
	outputs := finalOutputs(ctx, st, runID)

	type view struct {
		RunID      string          `json:"run_id"`
		WorkflowID string          `json:"workflow_id"`
		Status     string          `json:"status"`
		Steps      map[string]int  `json:"steps"`
		Outputs    map[string]any  `json:"outputs,omitempty"`
		Error      json.RawMessage `json:"error,omitempty"`
	}
	v := view{
		RunID:      run.ID,
		WorkflowID: run.WorkflowID,
		Status:     string(run.Status),
		Steps:      map[string]int{},
		Outputs:    outputs,
		Error:      run.Error,
	}
	for _, s := range steps {
		v.Steps[string(s.Status)]++
	}

	p := a.printer()
	if err := p.result(v, func(w io.Writer) {
		fmt.Fprintf(w, "run %s (%s): %s\n", v.RunID, v.WorkflowID, v.Status)
		for _, s := range steps {
			fmt.Fprintf(w, "  %-12s %s\n", s.Status, s.StepID)
		}
		if len(outputs) > 0 {
			enc, _ := json.MarshalIndent(outputs, "  ", "  ")
			fmt.Fprintf(w, "  outputs: %s\n", enc)
		}
	}); err != nil {
		return runtimeErr(err)
	}

	if run.Status != store.RunSucceeded {
		return exitCode(ExitRunFailed)
	}
	return nil
}

// finalOutputs pulls the workflow outputs recorded on the run.finished
// event, if any.
func finalOutputs(ctx context.Context, st store.Store, runID string) map[string]any {
	var after int64
	for {
		evs, err := st.EventsAfter(ctx, runID, after, 100)
		if err != nil || len(evs) == 0 {
			return nil
		}
		for _, ev := range evs {
			after = ev.ID
			if ev.Type != "run.finished" {
				continue
			}
			var payload struct {
				Outputs map[string]any `json:"outputs"`
			}
			if json.Unmarshal(ev.Payload, &payload) == nil && len(payload.Outputs) > 0 {
				return payload.Outputs
			}
		}
	}
}

func invokingUser() string {
	if u := os.Getenv("USER"); u != "" {
		return u
	}
	return "cli"
}
