package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

func TestStepError_MatchesSentinelAndCause(t *testing.T) {
	cause := errors.New("disk full")
	var err error = fmt.Errorf("process: %w", &StepError{Step: "import_rows", Index: 3, Err: cause})

	if !errors.Is(err, ErrStepFailed) {
		t.Fatalf("expected ErrStepFailed in chain: %v", err)
	}
	if !errors.Is(err, cause) {
		t.Fatalf("expected cause in chain: %v", err)
	}
	var se *StepError
	if !errors.As(err, &se) || se.Step != "import_rows" || se.Index != 3 {
		t.Fatalf("expected *StepError, got %#v", se)
	}
	if want := `step "import_rows" (#3) failed: disk full`; se.Error() != want {
		t.Fatalf("got %q, want %q", se.Error(), want)
	}
}

func TestPercentage(t *testing.T) {
	cases := []struct {
		completed, total int
		want             float64
	}{
		{0, 0, 0},
		{3, 0, 0},
		{0, 4, 0},
		{2, 3, 66.67},
		{1, 3, 33.33},
		{4, 4, 100},
	}
	for _, tc := range cases {
		if got := Percentage(tc.completed, tc.total); got != tc.want {
			t.Errorf("Percentage(%d, %d) = %v, want %v", tc.completed, tc.total, got, tc.want)
		}
	}
}

func TestPercentage_Property(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("bounded by 0 and 100 for completed <= total", prop.ForAll(
		func(total, completed int) bool {
			completed = completed % (total + 1)
			p := Percentage(completed, total)
			return p >= 0 && p <= 100
		},
		gen.IntRange(1, 10000),
		gen.IntRange(0, 10000),
	))

	properties.Property("monotonic in completed", prop.ForAll(
		func(total, completed int) bool {
			completed = completed % total
			return Percentage(completed, total) <= Percentage(completed+1, total)
		},
		gen.IntRange(1, 10000),
		gen.IntRange(0, 10000),
	))

	properties.Property("all steps done is 100", prop.ForAll(
		func(total int) bool {
			return Percentage(total, total) == 100
		},
		gen.IntRange(1, 10000),
	))

	properties.TestingRun(t)
}

func TestStatus_Valid(t *testing.T) {
	for _, s := range []Status{StatusStarted, StatusProcessing, StatusPaused, StatusCompleted, StatusFailed} {
		if !s.Valid() {
			t.Errorf("%q should be valid", s)
		}
	}
	for _, s := range []Status{"", "running", "COMPLETED"} {
		if s.Valid() {
			t.Errorf("%q should not be valid", s)
		}
	}
}

func TestSnapshot_CloneIsDeep(t *testing.T) {
	orig := &Snapshot{
		StateHash: "h",
		StepProgress: map[string]StepRecord{
			"validate": {Status: StepCompleted, Errors: []string{"a"}},
		},
		Context:       json.RawMessage(`{"k":1}`),
		Options:       map[string]any{"batch_size": 10},
		MemoryWarning: &MemoryWarning{Peak: 1},
	}
	cp := orig.Clone()

	rec := cp.StepProgress["validate"]
	rec.Errors[0] = "changed"
	cp.StepProgress["other"] = StepRecord{}
	cp.Context[2] = 'x'
	cp.Options["batch_size"] = 20
	cp.MemoryWarning.Peak = 2

	if orig.StepProgress["validate"].Errors[0] != "a" || len(orig.StepProgress) != 1 {
		t.Fatalf("step progress shared with clone: %+v", orig.StepProgress)
	}
	if string(orig.Context) != `{"k":1}` {
		t.Fatalf("context shared with clone: %s", orig.Context)
	}
	if orig.Options["batch_size"] != 10 || orig.MemoryWarning.Peak != 1 {
		t.Fatalf("options or warning shared with clone")
	}
	if (*Snapshot)(nil).Clone() != nil {
		t.Fatalf("nil clone should be nil")
	}
}

func TestSnapshot_CompletedSteps(t *testing.T) {
	s := NewRecoverySnapshot("h", time.UnixMilli(1000))
	if s.Status != StatusStarted || s.CurrentStepIndex != 0 || s.CreatedAt != 1000 || string(s.Context) != "{}" {
		t.Fatalf("unexpected recovery snapshot: %+v", s)
	}
	s.StepProgress["a"] = StepRecord{Status: StepCompleted}
	s.StepProgress["b"] = StepRecord{Status: StepFailed}
	s.StepProgress["c"] = StepRecord{Status: StepCompleted}
	if n := s.CompletedSteps(); n != 2 {
		t.Fatalf("CompletedSteps = %d, want 2", n)
	}
}

func TestDeclared(t *testing.T) {
	h := Declared(StepFunc(func(ctx context.Context, in StepInput) StepResult {
		return StepResult{Processed: 1}
	}), StepKeys{Reads: []string{"headers"}, Writes: []string{"row_count"}})

	kd, ok := h.(KeyDeclarer)
	if !ok {
		t.Fatalf("declared handler should implement KeyDeclarer")
	}
	if keys := kd.ContextKeys(); keys.Reads[0] != "headers" || keys.Writes[0] != "row_count" {
		t.Fatalf("unexpected keys: %+v", keys)
	}
	if res := h.Execute(context.Background(), StepInput{}); res.Processed != 1 {
		t.Fatalf("wrapped handler not invoked: %+v", res)
	}
	if res := Fail(errors.New("x")); res.Err == nil {
		t.Fatalf("Fail should set Err")
	}
}
