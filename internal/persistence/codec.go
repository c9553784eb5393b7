package persistence

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/petrijr/fluxetl/pkg/api"
)

// requiredKeys must be present in every stored snapshot document.
var requiredKeys = []string{
	"status",
	"current_step_index",
	"step_progress",
	"context",
	"created_at",
	"updated_at",
}

// CorruptSnapshotError reports a payload that failed to parse or failed
// structural validation.
type CorruptSnapshotError struct {
	Reason string
	Err    error
}

func (e *CorruptSnapshotError) Error() string {
	if e.Err != nil {
		return "corrupt snapshot: " + e.Reason + ": " + e.Err.Error()
	}
	return "corrupt snapshot: " + e.Reason
}

func (e *CorruptSnapshotError) Unwrap() error { return e.Err }

// EncodeSnapshot serializes a snapshot to its JSON document form.
func EncodeSnapshot(snap *api.Snapshot) ([]byte, error) {
	if snap.StepProgress == nil {
		snap.StepProgress = make(map[string]api.StepRecord)
	}
	if len(snap.Context) == 0 {
		snap.Context = json.RawMessage("{}")
	}
	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encode snapshot %s: %w", snap.StateHash, err)
	}
	return data, nil
}

// DecodeSnapshot parses and validates a snapshot document. Any failure is
// reported as a *CorruptSnapshotError. Unknown fields are ignored and
// missing optional fields take their zero value.
func DecodeSnapshot(data []byte) (*api.Snapshot, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return nil, &CorruptSnapshotError{Reason: "invalid JSON", Err: err}
	}
	if fields == nil {
		return nil, &CorruptSnapshotError{Reason: "document is null"}
	}
	if err := validateFields(fields); err != nil {
		return nil, err
	}

	var snap api.Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, &CorruptSnapshotError{Reason: "invalid field type", Err: err}
	}
	if snap.StepProgress == nil {
		snap.StepProgress = make(map[string]api.StepRecord)
	}
	if len(snap.Context) == 0 || bytes.Equal(snap.Context, []byte("null")) {
		snap.Context = json.RawMessage("{}")
	}
	return &snap, nil
}

func validateFields(fields map[string]json.RawMessage) error {
	for _, k := range requiredKeys {
		if _, ok := fields[k]; !ok {
			return &CorruptSnapshotError{Reason: "missing key " + k}
		}
	}

	var status string
	if err := json.Unmarshal(fields["status"], &status); err != nil {
		return &CorruptSnapshotError{Reason: "status is not a string", Err: err}
	}
	if !api.Status(status).Valid() {
		return &CorruptSnapshotError{Reason: fmt.Sprintf("unknown status %q", status)}
	}

	dec := json.NewDecoder(bytes.NewReader(fields["updated_at"]))
	dec.UseNumber()
	var updated any
	if err := dec.Decode(&updated); err != nil {
		return &CorruptSnapshotError{Reason: "updated_at is unreadable", Err: err}
	}
	if _, ok := updated.(json.Number); !ok {
		return &CorruptSnapshotError{Reason: "updated_at is not numeric"}
	}
	return nil
}
