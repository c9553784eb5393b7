// Package steps provides the built-in tabular step handlers: source
// validation, delimiter detection, header parsing and row import.
package steps

import (
	"errors"
	"io/fs"
	"os"

	"github.com/petrijr/fluxetl/pkg/api"
)

// Step names.
const (
	Validate        = "validate"
	DetectDelimiter = "detect_delimiter"
	ParseHeaders    = "parse_headers"
	ImportRows      = "import_rows"
)

// Context keys written by the built-in steps.
const (
	KeyDelimiter    = "delimiter"
	KeyHeaders      = "headers"
	KeyHeaderCount  = "header_count"
	KeyRowCount     = "row_count"
	KeyImportOffset = "import_rows.offset"
	KeyImportTotals = "import_rows.totals"
	KeyImportSink   = "import_rows.sink"
)

// DefaultPipeline is the order in which the built-in steps are meant to run.
var DefaultPipeline = []string{Validate, DetectDelimiter, ParseHeaders, ImportRows}

// Builtins returns the built-in handlers keyed by step name. sinks opens the
// row sink used by import_rows; nil selects NewSQLiteSink.
func Builtins(sinks SinkFactory) map[string]api.StepHandler {
	if sinks == nil {
		sinks = NewSQLiteSink
	}
	return map[string]api.StepHandler{
		Validate: api.StepFunc(validateSource),
		DetectDelimiter: api.Declared(api.StepFunc(detectDelimiter), api.StepKeys{
			Writes: []string{KeyDelimiter},
		}),
		ParseHeaders: api.Declared(api.StepFunc(parseHeaders), api.StepKeys{
			Optional: []string{KeyDelimiter},
			Writes:   []string{KeyHeaders, KeyHeaderCount},
		}),
		ImportRows: api.Declared(&importer{sinks: sinks}, api.StepKeys{
			Reads:    []string{KeyHeaders},
			Optional: []string{KeyDelimiter, KeyImportOffset, KeyImportTotals},
			Writes:   []string{KeyImportOffset, KeyImportTotals, KeyRowCount},
		}),
	}
}

// openSource opens path for reading. A missing source is reported as
// (nil, nil) so that steps after validate can run against it without
// failing the run.
func openSource(path string) (*os.File, error) {
	f, err := os.Open(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	return f, err
}
