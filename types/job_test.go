package types

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"pgregory.net/rapid"
)

func TestJobState_Terminal(t *testing.T) {
	tests := []struct {
		state    JobState
		terminal bool
	}{
		{JobSubmitting, false},
		{JobPending, false},
		{JobRunning, false},
		{JobSucceeded, true},
		{JobFailed, true},
		{JobExpired, true},
		{JobCanceled, true},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.terminal, tt.state.Terminal(), "state %s", tt.state)
	}
}

func TestCanTransition(t *testing.T) {
	tests := []struct {
		name string
		from JobState
		to   JobState
		ok   bool
	}{
		{"submitting to pending", JobSubmitting, JobPending, true},
		{"submitting to succeeded", JobSubmitting, JobSucceeded, true},
		{"pending to running", JobPending, JobRunning, true},
		{"running to succeeded", JobRunning, JobSucceeded, true},
		{"running to failed", JobRunning, JobFailed, true},
		{"running to expired", JobRunning, JobExpired, true},
		{"running to pending regresses", JobRunning, JobPending, false},
		{"pending to submitting regresses", JobPending, JobSubmitting, false},
		{"succeeded is a sink", JobSucceeded, JobFailed, false},
		{"failed is a sink", JobFailed, JobRunning, false},
		{"canceled is a sink", JobCanceled, JobPending, false},
		{"cancel from pending", JobPending, JobCanceled, true},
		{"cancel from running", JobRunning, JobCanceled, true},
		{"cancel from succeeded", JobSucceeded, JobCanceled, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.ok, CanTransition(tt.from, tt.to))
		})
	}
}

// Property: no sequence of permitted transitions ever leaves a terminal
// state, and ranks never decrease along a permitted chain.
func TestCanTransition_MonotonicProperty(t *testing.T) {
	states := []JobState{
		JobSubmitting, JobPending, JobRunning,
		JobSucceeded, JobFailed, JobExpired, JobCanceled,
	}

	rapid.Check(t, func(t *rapid.T) {
		current := JobSubmitting
		steps := rapid.IntRange(1, 20).Draw(t, "steps")

		for i := 0; i < steps; i++ {
			next := rapid.SampledFrom(states).Draw(t, "next")
			if !CanTransition(current, next) {
				continue
			}
			if current.Terminal() {
				t.Fatalf("transition out of terminal state %s", current)
			}
			if next != JobCanceled && next.Rank() <= current.Rank() {
				t.Fatalf("rank regression %s -> %s", current, next)
			}
			current = next
		}
	})
}

func TestTier_Uplift(t *testing.T) {
	up, ok := TierVolume.Uplift()
	assert.True(t, ok)
	assert.Equal(t, TierStandard, up)

	up, ok = TierStandard.Uplift()
	assert.True(t, ok)
	assert.Equal(t, TierPremium, up)

	_, ok = TierPremium.Uplift()
	assert.False(t, ok)
}

func TestRetryPolicy_Backoff(t *testing.T) {
	p := DefaultRetryPolicy()

	assert.Equal(t, p.MinBackoff, p.Backoff(1))
	assert.Equal(t, 2*p.MinBackoff, p.Backoff(2))
	assert.Equal(t, 4*p.MinBackoff, p.Backoff(3))
	// caps at MaxBackoff regardless of attempt count
	assert.Equal(t, p.MaxBackoff, p.Backoff(10))
}
