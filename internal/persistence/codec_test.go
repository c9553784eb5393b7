package persistence

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/petrijr/fluxetl/pkg/api"
)

func TestDecodeSnapshot_ToleratesUnknownAndMissingOptionalFields(t *testing.T) {
	doc := `{
		"status": "processing",
		"current_step_index": 2,
		"step_progress": {"validate": {"status": "completed", "processed": 1}},
		"context": null,
		"created_at": 1,
		"updated_at": 1700000000000,
		"written_by": "some-future-version"
	}`

	snap, err := DecodeSnapshot([]byte(doc))
	require.NoError(t, err)
	assert.Equal(t, api.StatusProcessing, snap.Status)
	assert.Equal(t, 2, snap.CurrentStepIndex)
	assert.Equal(t, 1, snap.StepProgress["validate"].Processed)
	assert.Equal(t, "{}", string(snap.Context))
	assert.Zero(t, snap.CleanupScheduledAt)
	assert.Empty(t, snap.CurrentStep)
}

func TestDecodeSnapshot_Corruption(t *testing.T) {
	cases := map[string]string{
		"truncated":         `{"status": "completed"`,
		"null":              `null`,
		"missing key":       `{"status":"started","current_step_index":0,"step_progress":{},"context":{},"created_at":1}`,
		"unknown status":    `{"status":"running","current_step_index":0,"step_progress":{},"context":{},"created_at":1,"updated_at":1}`,
		"status not string": `{"status":5,"current_step_index":0,"step_progress":{},"context":{},"created_at":1,"updated_at":1}`,
		"updated_at string": `{"status":"started","current_step_index":0,"step_progress":{},"context":{},"created_at":1,"updated_at":"yesterday"}`,
		"wrong field type":  `{"status":"started","current_step_index":"zero","step_progress":{},"context":{},"created_at":1,"updated_at":1}`,
	}

	for name, doc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := DecodeSnapshot([]byte(doc))
			var corrupt *CorruptSnapshotError
			require.True(t, errors.As(err, &corrupt), "got %v", err)
		})
	}
}

func TestEncodeSnapshot_FillsRequiredKeys(t *testing.T) {
	data, err := EncodeSnapshot(&api.Snapshot{StateHash: "h", Status: api.StatusStarted, UpdatedAt: 5})
	require.NoError(t, err)

	snap, err := DecodeSnapshot(data)
	require.NoError(t, err)
	assert.NotNil(t, snap.StepProgress)
	assert.Equal(t, "{}", string(snap.Context))
	assert.Contains(t, string(data), `"cleanup_scheduled_at": 0`)
}
