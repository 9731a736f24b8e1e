package cli

import (
	"fmt"
	"io"
	"sort"

	"github.com/spf13/cobra"
)

func newOpenAPICommand(a *app) *cobra.Command {
	var overrides []string
	cmd := &cobra.Command{
		Use:   "openapi <document>",
		Short: "Load and report the document's OpenAPI sources",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			doc, _, err := loadDocumentFile(args[0])
			if err != nil {
				return err
			}
			set, err := loadSources(cmd.Context(), doc, overrides)
			if err != nil {
				return err
			}

			type sourceView struct {
				Name    string `json:"name"`
				URL     string `json:"url"`
				Version string `json:"version"`
			}
			type view struct {
				Sources     []sourceView `json:"sources"`
				Diagnostics []string     `json:"diagnostics,omitempty"`
			}
			var v view
			names := make([]string, 0, len(set.Docs))
			for name := range set.Docs {
				names = append(names, name)
			}
			sort.Strings(names)
			for _, name := range names {
				d := set.Docs[name]
				v.Sources = append(v.Sources, sourceView{Name: d.SourceName, URL: d.SourceURL, Version: d.Version})
			}
			for _, diag := range set.Diagnostics {
				v.Diagnostics = append(v.Diagnostics, fmt.Sprintf("%s: %s", diag.SourceName, diag.Message))
			}

			p := a.printer()
			if err := p.result(v, func(w io.Writer) {
				for _, s := range v.Sources {
					fmt.Fprintf(w, "%s: %s (version %.12s)\n", s.Name, s.URL, s.Version)
				}
				for _, d := range v.Diagnostics {
					fmt.Fprintf(w, "warning: %s\n", d)
				}
			}); err != nil {
				return runtimeErr(err)
			}
			if len(v.Diagnostics) > 0 {
				return exitCode(ExitRuntimeError)
			}
			return nil
		},
	}
	cmd.Flags().StringArrayVar(&overrides, "openapi", nil, "source override NAME=PATH")
	return cmd
}
