package api

import "math"

// Result is returned by Engine.Process.
//
// Totals are summed over the persisted step progress, so steps completed in
// an earlier invocation of a resumed run are counted exactly once.
type Result struct {
	Success   bool       `json:"success"`
	Processed int        `json:"processed"`
	Imported  int        `json:"imported"`
	Failed    int        `json:"failed"`
	Errors    []string   `json:"errors"`
	Meta      ResultMeta `json:"meta"`
}

// ResultMeta carries run metadata alongside a Result.
type ResultMeta struct {
	StateHash      string                `json:"state_hash"`
	RunID          string                `json:"run_id"`
	Status         Status                `json:"status"`
	Resumed        bool                  `json:"resumed"`
	TotalSteps     int                   `json:"total_steps"`
	CompletedSteps int                   `json:"completed_steps"`
	StepProgress   map[string]StepRecord `json:"step_progress"`
}

// Progress is a read-only view of a run for external polling.
type Progress struct {
	TotalSteps     int                   `json:"total_steps"`
	CompletedSteps int                   `json:"completed_steps"`
	Percentage     float64               `json:"percentage"`
	Status         Status                `json:"status,omitempty"`
	CurrentStep    string                `json:"current_step,omitempty"`
	StepDetails    map[string]StepRecord `json:"step_details"`
	Memory         MemoryStats           `json:"memory"`
}

// Percentage returns completed/total*100 rounded to two decimals, or 0 when
// total is zero.
func Percentage(completed, total int) float64 {
	if total <= 0 {
		return 0
	}
	return math.Round(float64(completed)/float64(total)*100*100) / 100
}
