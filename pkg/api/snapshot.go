package api

import (
	"encoding/json"
	"time"
)

// Status represents the lifecycle state of a pipeline run.
type Status string

const (
	StatusStarted    Status = "started"
	StatusProcessing Status = "processing"
	StatusPaused     Status = "paused"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// Valid reports whether s is one of the known run statuses.
func (s Status) Valid() bool {
	switch s {
	case StatusStarted, StatusProcessing, StatusPaused, StatusCompleted, StatusFailed:
		return true
	}
	return false
}

// StepStatus is the outcome recorded for a finished step.
type StepStatus string

const (
	StepCompleted StepStatus = "completed"
	StepFailed    StepStatus = "failed"
)

// MemoryStats describes process memory as seen by the memory governor.
// All values are bytes; Limit is 0 when no ceiling is configured.
type MemoryStats struct {
	Current uint64 `json:"current"`
	Peak    uint64 `json:"peak"`
	Limit   uint64 `json:"limit"`
}

// MemoryWarning is persisted into a snapshot when peak usage crosses the
// soft threshold without breaching the ceiling.
type MemoryWarning struct {
	Message   string  `json:"message"`
	Step      string  `json:"step,omitempty"`
	Usage     uint64  `json:"usage"`
	Peak      uint64  `json:"peak"`
	Limit     uint64  `json:"limit"`
	Threshold float64 `json:"threshold"`
	At        int64   `json:"at"`
}

// StepRecord is the persisted outcome of a single step. Timestamps are unix
// milliseconds.
type StepRecord struct {
	Status      StepStatus  `json:"status"`
	Processed   int         `json:"processed"`
	Imported    int         `json:"imported"`
	Failed      int         `json:"failed"`
	Errors      []string    `json:"errors,omitempty"`
	StartedAt   int64       `json:"started_at"`
	CompletedAt int64       `json:"completed_at"`
	DurationMS  int64       `json:"duration_ms"`
	Memory      MemoryStats `json:"memory"`
}

// Snapshot is the durable state of a pipeline run, keyed by its state hash.
//
// Timestamps are unix milliseconds; SourceMTime is unix nanoseconds as
// reported by the filesystem. CleanupScheduledAt is 0 until the run completes.
type Snapshot struct {
	StateHash          string                `json:"state_hash"`
	RunID              string                `json:"run_id,omitempty"`
	Status             Status                `json:"status"`
	CurrentStep        string                `json:"current_step"`
	CurrentStepIndex   int                   `json:"current_step_index"`
	StepProgress       map[string]StepRecord `json:"step_progress"`
	Context            json.RawMessage       `json:"context"`
	Source             string                `json:"source"`
	SourceMTime        int64                 `json:"source_mtime"`
	SourceSize         int64                 `json:"source_size"`
	Driver             string                `json:"driver,omitempty"`
	Options            map[string]any        `json:"options,omitempty"`
	Error              string                `json:"error,omitempty"`
	MemoryWarning      *MemoryWarning        `json:"memory_warning,omitempty"`
	CreatedAt          int64                 `json:"created_at"`
	UpdatedAt          int64                 `json:"updated_at"`
	CleanupScheduledAt int64                 `json:"cleanup_scheduled_at"`
}

// NewRecoverySnapshot returns the minimal, structurally valid snapshot that
// replaces a corrupt one: status started, step 0, no progress.
func NewRecoverySnapshot(hash string, now time.Time) *Snapshot {
	ms := now.UnixMilli()
	return &Snapshot{
		StateHash:    hash,
		Status:       StatusStarted,
		StepProgress: make(map[string]StepRecord),
		Context:      json.RawMessage("{}"),
		CreatedAt:    ms,
		UpdatedAt:    ms,
	}
}

// CompletedSteps counts the steps recorded as completed.
func (s *Snapshot) CompletedSteps() int {
	n := 0
	for _, rec := range s.StepProgress {
		if rec.Status == StepCompleted {
			n++
		}
	}
	return n
}

// Clone returns a deep copy of s.
func (s *Snapshot) Clone() *Snapshot {
	if s == nil {
		return nil
	}
	out := *s
	out.StepProgress = make(map[string]StepRecord, len(s.StepProgress))
	for k, rec := range s.StepProgress {
		rec.Errors = append([]string(nil), rec.Errors...)
		out.StepProgress[k] = rec
	}
	out.Context = append(json.RawMessage(nil), s.Context...)
	if s.Options != nil {
		out.Options = make(map[string]any, len(s.Options))
		for k, v := range s.Options {
			out.Options[k] = v
		}
	}
	if s.MemoryWarning != nil {
		w := *s.MemoryWarning
		out.MemoryWarning = &w
	}
	return &out
}
