package cli

import (
	"errors"
	"fmt"

	"github.com/devicerun/devicerun/internal/output"
)

// outputErrorCommon normalizes error emission across commands, matching the
// teacher's outputErrorCommon (ndjson vs text, always returns a non-nil
// error so kong exits non-zero).
func outputErrorCommon(g *Globals, code, message string) error {
	if g != nil && g.Format == "ndjson" {
		_ = output.NewNDJSONWriter(g.Stdout).WriteError(code, message)
	} else if g != nil {
		fmt.Fprintf(g.Stderr, "Error [%s]: %s\n", code, message)
	}
	return errors.New(message)
}
