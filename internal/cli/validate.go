package cli

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/ronappleton/arazzo-runner/internal/document"
)

func newValidateCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "validate <document>",
		Short: "Validate an Arazzo document",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			doc, _, err := loadDocumentFile(args[0])
			if err != nil {
				return err
			}
			res := document.Validate(doc)

			p := a.printer()
			if err := p.result(res, func(w io.Writer) {
				if len(res.Findings) == 0 {
					fmt.Fprintf(w, "%s: valid (%d workflows)\n", args[0], len(doc.Workflows))
					return
				}
				for _, f := range res.Findings {
					fmt.Fprintln(w, f.String())
				}
			}); err != nil {
				return runtimeErr(err)
			}
			if !res.OK() {
				return exitCode(ExitValidationFailed)
			}
			return nil
		},
	}
}
