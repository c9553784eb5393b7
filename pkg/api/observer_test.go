package api

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"
)

//
// Helpers
//

// testObserver counts callbacks to verify fan-out behavior.
type testObserver struct {
	mu sync.Mutex

	starts    int
	resumes   int
	completes int
	fails     int
	warnings  int

	stepStarts    int
	stepCompletes int

	lastRun      RunInfo
	lastFromIdx  int
	lastErr      error
	lastStep     string
	lastStepIdx  int
	lastRecord   StepRecord
	lastDuration time.Duration
}

func (o *testObserver) OnRunStart(ctx context.Context, run RunInfo) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.starts++
	o.lastRun = run
}

func (o *testObserver) OnRunResumed(ctx context.Context, run RunInfo, fromIndex int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.resumes++
	o.lastFromIdx = fromIndex
}

func (o *testObserver) OnRunCompleted(ctx context.Context, run RunInfo, res *Result) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.completes++
}

func (o *testObserver) OnRunFailed(ctx context.Context, run RunInfo, err error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.fails++
	o.lastErr = err
}

func (o *testObserver) OnStepStart(ctx context.Context, run RunInfo, stepName string, stepIndex int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.stepStarts++
	o.lastStep = stepName
	o.lastStepIdx = stepIndex
}

func (o *testObserver) OnStepCompleted(ctx context.Context, run RunInfo, stepName string, stepIndex int, rec StepRecord, err error, d time.Duration) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.stepCompletes++
	o.lastRecord = rec
	o.lastDuration = d
}

func (o *testObserver) OnMemoryWarning(ctx context.Context, run RunInfo, w MemoryWarning) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.warnings++
}

// recordingHandler is a minimal slog.Handler that keeps every record.
type recordingHandler struct {
	mu      sync.Mutex
	records []slog.Record
}

func (h *recordingHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return true
}

func (h *recordingHandler) Handle(ctx context.Context, r slog.Record) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.records = append(h.records, r.Clone())
	return nil
}

func (h *recordingHandler) WithAttrs(attrs []slog.Attr) slog.Handler { return h }
func (h *recordingHandler) WithGroup(name string) slog.Handler       { return h }

func attrsToMap(r slog.Record) map[string]any {
	m := make(map[string]any)
	r.Attrs(func(a slog.Attr) bool {
		m[a.Key] = a.Value.Any()
		return true
	})
	return m
}

func testRun() RunInfo {
	return RunInfo{StateHash: "abc123", RunID: "run-1", Source: "people.csv"}
}

//
// NoopObserver
//

func TestNoopObserver_DoesNotPanic(t *testing.T) {
	ctx := context.Background()
	run := testRun()
	var o Observer = NoopObserver{}

	o.OnRunStart(ctx, run)
	o.OnRunResumed(ctx, run, 2)
	o.OnRunCompleted(ctx, run, &Result{})
	o.OnRunFailed(ctx, run, errors.New("boom"))
	o.OnStepStart(ctx, run, "validate", 0)
	o.OnStepCompleted(ctx, run, "validate", 0, StepRecord{}, nil, time.Second)
	o.OnMemoryWarning(ctx, run, MemoryWarning{})
}

//
// CompositeObserver
//

func TestNewCompositeObserver_EmptyReturnsNoop(t *testing.T) {
	o := NewCompositeObserver()
	if _, ok := o.(NoopObserver); !ok {
		t.Fatalf("expected NoopObserver, got %T", o)
	}
}

func TestNewCompositeObserver_SingleReturnsThatObserver(t *testing.T) {
	single := &testObserver{}
	o := NewCompositeObserver(single, nil)

	if got, ok := o.(*testObserver); !ok || got != single {
		t.Fatalf("expected the single non-nil observer, got %T", o)
	}
}

func TestCompositeObserver_ForwardsAllEvents(t *testing.T) {
	ctx := context.Background()
	run := testRun()

	o1 := &testObserver{}
	o2 := &testObserver{}
	co, ok := NewCompositeObserver(o1, o2).(*CompositeObserver)
	if !ok {
		t.Fatalf("expected *CompositeObserver")
	}

	err := errors.New("step failed")
	rec := StepRecord{Status: StepCompleted, Imported: 7}
	co.OnRunStart(ctx, run)
	co.OnRunResumed(ctx, run, 3)
	co.OnRunCompleted(ctx, run, &Result{Success: true})
	co.OnRunFailed(ctx, run, err)
	co.OnStepStart(ctx, run, "import_rows", 3)
	co.OnStepCompleted(ctx, run, "import_rows", 3, rec, nil, 2*time.Second)
	co.OnMemoryWarning(ctx, run, MemoryWarning{Peak: 10})

	for i, o := range []*testObserver{o1, o2} {
		if o.starts != 1 || o.resumes != 1 || o.completes != 1 || o.fails != 1 ||
			o.stepStarts != 1 || o.stepCompletes != 1 || o.warnings != 1 {
			t.Fatalf("observer %d did not receive all calls: %+v", i+1, o)
		}
		if o.lastRun != run || o.lastFromIdx != 3 || o.lastErr != err {
			t.Fatalf("observer %d run arguments mismatch: %+v", i+1, o)
		}
		if o.lastStep != "import_rows" || o.lastStepIdx != 3 {
			t.Fatalf("observer %d step start mismatch: %s #%d", i+1, o.lastStep, o.lastStepIdx)
		}
		if o.lastRecord.Imported != 7 || o.lastDuration != 2*time.Second {
			t.Fatalf("observer %d step completed mismatch: %+v %v", i+1, o.lastRecord, o.lastDuration)
		}
	}
}

//
// LoggingObserver
//

func TestNewLoggingObserver_NilLoggerUsesDefault(t *testing.T) {
	lo, ok := NewLoggingObserver(nil).(*LoggingObserver)
	if !ok {
		t.Fatalf("expected *LoggingObserver")
	}
	if lo.Logger == nil {
		t.Fatalf("expected non-nil Logger when created with nil")
	}
}

func TestLoggingObserver_RunStart(t *testing.T) {
	h := &recordingHandler{}
	o := NewLoggingObserver(slog.New(h))

	o.OnRunStart(context.Background(), testRun())

	if len(h.records) != 1 {
		t.Fatalf("expected 1 log record, got %d", len(h.records))
	}
	rec := h.records[0]
	if rec.Level != slog.LevelInfo || rec.Message != "run_start" {
		t.Fatalf("unexpected record: %s %q", rec.Level, rec.Message)
	}
	attrs := attrsToMap(rec)
	if attrs["state_hash"] != "abc123" || attrs["run_id"] != "run-1" || attrs["source"] != "people.csv" {
		t.Fatalf("unexpected attrs: %v", attrs)
	}
}

func TestLoggingObserver_StepCompletedLevel(t *testing.T) {
	ctx := context.Background()
	h := &recordingHandler{}
	o := NewLoggingObserver(slog.New(h))

	o.OnStepCompleted(ctx, testRun(), "validate", 0, StepRecord{Processed: 1}, nil, time.Millisecond)
	o.OnStepCompleted(ctx, testRun(), "import_rows", 3, StepRecord{Failed: 2}, errors.New("sink closed"), time.Millisecond)

	if len(h.records) != 2 {
		t.Fatalf("expected 2 log records, got %d", len(h.records))
	}
	if h.records[0].Level != slog.LevelDebug {
		t.Fatalf("success should log at debug, got %s", h.records[0].Level)
	}
	if h.records[1].Level != slog.LevelError {
		t.Fatalf("failure should log at error, got %s", h.records[1].Level)
	}
	attrs := attrsToMap(h.records[1])
	if attrs["step"] != "import_rows" || attrs["failed"] != int64(2) {
		t.Fatalf("unexpected attrs: %v", attrs)
	}
}

func TestLoggingObserver_MemoryWarning(t *testing.T) {
	h := &recordingHandler{}
	o := NewLoggingObserver(slog.New(h))

	o.OnMemoryWarning(context.Background(), testRun(), MemoryWarning{Step: "import_rows", Peak: 900, Limit: 1000})

	if len(h.records) != 1 || h.records[0].Level != slog.LevelWarn {
		t.Fatalf("expected one warning record, got %+v", h.records)
	}
	attrs := attrsToMap(h.records[0])
	if attrs["peak"] != uint64(900) || attrs["limit"] != uint64(1000) {
		t.Fatalf("unexpected attrs: %v", attrs)
	}
}

//
// BasicMetrics
//

func TestBasicMetrics_Snapshot(t *testing.T) {
	ctx := context.Background()
	run := testRun()
	m := &BasicMetrics{}

	m.OnRunStart(ctx, run)
	m.OnRunResumed(ctx, run, 1)
	m.OnStepCompleted(ctx, run, "a", 0, StepRecord{Imported: 3}, nil, 10*time.Millisecond)
	m.OnStepCompleted(ctx, run, "b", 1, StepRecord{Imported: 5}, nil, 30*time.Millisecond)
	m.OnStepCompleted(ctx, run, "c", 2, StepRecord{Imported: 100}, errors.New("x"), time.Hour)
	m.OnRunFailed(ctx, run, errors.New("x"))
	m.OnRunCompleted(ctx, run, &Result{})
	m.OnMemoryWarning(ctx, run, MemoryWarning{})

	s := m.Snapshot()
	want := BasicMetricsSnapshot{
		RunsStarted:     1,
		RunsResumed:     1,
		RunsCompleted:   1,
		RunsFailed:      1,
		StepsCompleted:  2,
		RowsImported:    8,
		MemoryWarnings:  1,
		AvgStepDuration: 20 * time.Millisecond,
	}
	if s != want {
		t.Fatalf("got %+v, want %+v", s, want)
	}
}

func TestBasicMetrics_EmptySnapshot(t *testing.T) {
	var m BasicMetrics
	if s := m.Snapshot(); s != (BasicMetricsSnapshot{}) {
		t.Fatalf("expected zero snapshot, got %+v", s)
	}
}
