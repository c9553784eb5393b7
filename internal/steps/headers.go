package steps

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strings"
	"unicode/utf8"

	"github.com/petrijr/fluxetl/pkg/api"
	"github.com/petrijr/fluxetl/pkg/etlctx"
)

const bom = "\ufeff"

// parseHeaders reads the header row and stores the trimmed column names.
func parseHeaders(_ context.Context, in api.StepInput) api.StepResult {
	f, err := openSource(in.Source)
	if err != nil {
		return api.Fail(fmt.Errorf("parse headers: %w", err))
	}
	if f == nil {
		in.Context.Set(KeyHeaders, []string{})
		in.Context.Set(KeyHeaderCount, 0)
		return api.StepResult{}
	}
	defer f.Close()

	r, err := newReader(f, in.Context)
	if err != nil {
		return api.Fail(fmt.Errorf("parse headers: %w", err))
	}
	record, err := r.Read()
	if errors.Is(err, io.EOF) {
		in.Context.Set(KeyHeaders, []string{})
		in.Context.Set(KeyHeaderCount, 0)
		return api.StepResult{}
	}
	if err != nil {
		return api.Fail(fmt.Errorf("parse headers: %w", err))
	}

	headers := make([]string, len(record))
	for i, h := range record {
		headers[i] = strings.TrimSpace(strings.TrimPrefix(h, bom))
	}
	in.Context.Set(KeyHeaders, headers)
	in.Context.Set(KeyHeaderCount, len(headers))
	return api.StepResult{Processed: 1}
}

// newReader returns a CSV reader using the detected delimiter, or a comma
// when none was detected.
func newReader(r io.Reader, c *etlctx.Context) (*csv.Reader, error) {
	d := etlctx.GetOr(c, KeyDelimiter, delimiters[0])
	comma, size := utf8.DecodeRuneInString(d)
	if size == 0 || size != len(d) {
		return nil, fmt.Errorf("invalid delimiter %q", d)
	}
	cr := csv.NewReader(r)
	cr.Comma = comma
	cr.FieldsPerRecord = -1
	cr.LazyQuotes = true
	cr.ReuseRecord = false
	return cr, nil
}
