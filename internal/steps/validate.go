package steps

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/petrijr/fluxetl/pkg/api"
)

// validateSource reports a missing, unreadable or empty source as a single
// step-level failure. It never fails the step itself, so the rest of the
// pipeline still runs.
func validateSource(_ context.Context, in api.StepInput) api.StepResult {
	res := api.StepResult{Processed: 1}

	info, err := os.Stat(in.Source)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return failedInput(res, fmt.Sprintf("source not found: %s", in.Source))
	case err != nil:
		return failedInput(res, fmt.Sprintf("source not readable: %s: %v", in.Source, err))
	case info.IsDir():
		return failedInput(res, fmt.Sprintf("source is a directory: %s", in.Source))
	case info.Size() == 0:
		return failedInput(res, fmt.Sprintf("empty source: %s", in.Source))
	}

	f, err := os.Open(in.Source)
	if err != nil {
		return failedInput(res, fmt.Sprintf("source not readable: %s: %v", in.Source, err))
	}
	_ = f.Close()
	return res
}

func failedInput(res api.StepResult, msg string) api.StepResult {
	res.Failed++
	res.Errors = append(res.Errors, msg)
	return res
}
