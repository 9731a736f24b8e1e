package cli

import (
	"encoding/json"
	"fmt"
	"io"
)

type printer struct {
	format string
	quiet  bool
	out    io.Writer
}

// result prints v as indented JSON in json mode, or calls text in text mode.
func (p *printer) result(v any, text func(w io.Writer)) error {
	if p.quiet {
		return nil
	}
	if p.format == "json" {
		enc := json.NewEncoder(p.out)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	}
	text(p.out)
	return nil
}

func (p *printer) line(format string, args ...any) {
	if p.quiet {
		return
	}
	fmt.Fprintf(p.out, format+"\n", args...)
}
