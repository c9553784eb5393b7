package steps

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"

	"github.com/petrijr/fluxetl/pkg/api"
	"github.com/petrijr/fluxetl/pkg/etlctx"
)

// DefaultBatchSize is the number of rows between context checkpoints.
const DefaultBatchSize = 500

// importer inserts the data rows into a RowSink. It records the number of
// rows handled under KeyImportOffset and the counts so far under
// KeyImportTotals and checkpoints every batch, so a crashed import resumes at
// the last checkpointed row and still reports totals for the whole source.
type importer struct {
	sinks SinkFactory
}

func (im *importer) Execute(ctx context.Context, in api.StepInput) api.StepResult {
	headers, ok := etlctx.Get[[]string](in.Context, KeyHeaders)
	if !ok {
		return api.Fail(errors.New("import rows: headers have not been parsed"))
	}

	f, err := openSource(in.Source)
	if err != nil {
		return api.Fail(fmt.Errorf("import rows: %w", err))
	}
	if f == nil || len(headers) == 0 {
		in.Context.Set(KeyRowCount, 0)
		return api.StepResult{}
	}
	defer f.Close()

	sink, err := im.sink(ctx, in, headers)
	if err != nil {
		return api.Fail(fmt.Errorf("import rows: %w", err))
	}

	r, err := newReader(f, in.Context)
	if err != nil {
		return api.Fail(fmt.Errorf("import rows: %w", err))
	}
	if _, err := r.Read(); err != nil && !errors.Is(err, io.EOF) {
		return api.Fail(fmt.Errorf("import rows: header: %w", err))
	}

	batch := batchSize(in.Options)
	offset := etlctx.GetOr(in.Context, KeyImportOffset, 0)
	res := api.StepResult{}
	if offset > 0 {
		res = etlctx.GetOr(in.Context, KeyImportTotals, importTotals{}).result()
	}
	row := 0
	for {
		if err := ctx.Err(); err != nil {
			res.Err = err
			return res
		}
		values, err := r.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		row++
		if row <= offset {
			continue
		}
		// Line numbers are 1-based and count the header.
		line := row + 1

		var perr *csv.ParseError
		switch {
		case errors.As(err, &perr):
			res.Processed++
			res.Failed++
			res.Errors = append(res.Errors, fmt.Sprintf("line %d: %v", line, perr.Err))
		case err != nil:
			res.Err = fmt.Errorf("import rows: line %d: %w", line, err)
			return res
		case len(values) != len(headers):
			res.Processed++
			res.Failed++
			res.Errors = append(res.Errors, fmt.Sprintf("line %d: expected %d fields, got %d", line, len(headers), len(values)))
		default:
			res.Processed++
			if err := sink.Insert(ctx, line, headers, values); err != nil {
				res.Err = fmt.Errorf("import rows: line %d: %w", line, err)
				return res
			}
			res.Imported++
		}

		if row%batch == 0 {
			saveProgress(in.Context, row, res)
			if err := in.Checkpoint(ctx); err != nil {
				res.Err = fmt.Errorf("import rows: checkpoint at line %d: %w", line, err)
				return res
			}
		}
	}

	saveProgress(in.Context, row, res)
	in.Context.Set(KeyRowCount, row)
	return res
}

// importTotals is the persisted form of the counts of the rows before the
// offset.
type importTotals struct {
	Processed int      `json:"processed"`
	Imported  int      `json:"imported"`
	Failed    int      `json:"failed"`
	Errors    []string `json:"errors,omitempty"`
}

func (t importTotals) result() api.StepResult {
	return api.StepResult{
		Processed: t.Processed,
		Imported:  t.Imported,
		Failed:    t.Failed,
		Errors:    append([]string(nil), t.Errors...),
	}
}

// saveProgress records the offset together with the counts up to it. Both
// keys change together so a checkpoint never pairs an offset with counts
// from another row.
func saveProgress(c *etlctx.Context, row int, res api.StepResult) {
	c.Set(KeyImportOffset, row)
	c.Set(KeyImportTotals, importTotals{
		Processed: res.Processed,
		Imported:  res.Imported,
		Failed:    res.Failed,
		Errors:    append([]string(nil), res.Errors...),
	})
}

// sink returns the sink kept in the context for this run, opening one on
// first use. The sink is transient: it is closed with the context and
// reopened by the factory after a resume.
func (im *importer) sink(ctx context.Context, in api.StepInput, headers []string) (RowSink, error) {
	if s, ok := etlctx.Get[RowSink](in.Context, KeyImportSink); ok && s != nil {
		return s, nil
	}
	s, err := im.sinks(ctx, in, headers)
	if err != nil {
		return nil, err
	}
	in.Context.SetTransient(KeyImportSink, s)
	return s, nil
}

func batchSize(options map[string]any) int {
	switch v := options["batch_size"].(type) {
	case int:
		if v > 0 {
			return v
		}
	case float64:
		if v >= 1 {
			return int(v)
		}
	}
	return DefaultBatchSize
}
