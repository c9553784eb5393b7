package steps

import (
	"bufio"
	"context"
	"fmt"
	"strings"

	"github.com/petrijr/fluxetl/pkg/api"
)

// delimiters are the candidates, in tie-break order.
var delimiters = []string{",", ";", "\t", "|"}

// detectDelimiter picks the most frequent candidate on the first line and
// stores it under KeyDelimiter. An explicit "delimiter" option wins.
func detectDelimiter(_ context.Context, in api.StepInput) api.StepResult {
	if d, ok := in.Options["delimiter"].(string); ok && d != "" {
		in.Context.Set(KeyDelimiter, d)
		return api.StepResult{Processed: 1}
	}

	f, err := openSource(in.Source)
	if err != nil {
		return api.Fail(fmt.Errorf("detect delimiter: %w", err))
	}
	if f == nil {
		in.Context.Set(KeyDelimiter, delimiters[0])
		return api.StepResult{}
	}
	defer f.Close()

	line, err := bufio.NewReader(f).ReadString('\n')
	if err != nil && line == "" {
		in.Context.Set(KeyDelimiter, delimiters[0])
		return api.StepResult{}
	}
	in.Context.Set(KeyDelimiter, sniff(line))
	return api.StepResult{Processed: 1}
}

func sniff(line string) string {
	best, bestCount := delimiters[0], 0
	for _, d := range delimiters {
		if n := strings.Count(line, d); n > bestCount {
			best, bestCount = d, n
		}
	}
	return best
}
