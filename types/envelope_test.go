package types

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUnmarshalEnvelope_RoundTrip(t *testing.T) {
	env := &TaskEnvelope{
		RequestID: "vf-20260801-b0-001",
		Payload: GenerationRequest{
			RequestID:       "vf-20260801-b0-001",
			QualityTier:     TierVolume,
			Prompt:          "ambient nature loop",
			DurationSeconds: 5,
			AspectRatio:     "16:9",
			CreatedAt:       time.Date(2026, 8, 1, 6, 0, 0, 0, time.UTC),
		},
		AttemptNo:   1,
		EnqueueTime: time.Date(2026, 8, 1, 6, 0, 0, 0, time.UTC),
		RetryPolicy: DefaultRetryPolicy(),
	}

	data, err := env.Marshal()
	require.NoError(t, err)

	got, err := UnmarshalEnvelope(data)
	require.NoError(t, err)
	assert.Equal(t, env.RequestID, got.RequestID)
	assert.Equal(t, env.Payload.Prompt, got.Payload.Prompt)
	assert.Equal(t, env.RetryPolicy.MaxAttempts, got.RetryPolicy.MaxAttempts)
}

func TestUnmarshalEnvelope_Invalid(t *testing.T) {
	tests := []struct {
		name string
		data string
	}{
		{"not json", `{{{`},
		{"missing prompt", `{"request_id":"r1","payload":{"request_id":"r1","quality_tier":"VOLUME","duration_seconds":5}}`},
		{"bad tier", `{"request_id":"r1","payload":{"request_id":"r1","quality_tier":"ULTRA","prompt":"x","duration_seconds":5}}`},
		{"zero duration", `{"request_id":"r1","payload":{"request_id":"r1","quality_tier":"VOLUME","prompt":"x","duration_seconds":0}}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := UnmarshalEnvelope([]byte(tt.data))
			assert.Error(t, err)
		})
	}
}

func TestUnmarshalEnvelope_RequestIDFallback(t *testing.T) {
	data := `{"payload":{"request_id":"r9","quality_tier":"STANDARD","prompt":"city timelapse","duration_seconds":8,"aspect_ratio":"9:16"}}`

	got, err := UnmarshalEnvelope([]byte(data))
	require.NoError(t, err)
	assert.Equal(t, "r9", got.RequestID, "envelope id falls back to payload id")
}
