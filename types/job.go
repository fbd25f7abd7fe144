package types

import (
	"time"
)

// JobState is the lifecycle state of a single provider attempt.
type JobState string

const (
	JobSubmitting JobState = "SUBMITTING"
	JobPending    JobState = "PENDING"
	JobRunning    JobState = "RUNNING"
	JobSucceeded  JobState = "SUCCEEDED"
	JobFailed     JobState = "FAILED"
	JobExpired    JobState = "EXPIRED"
	JobCanceled   JobState = "CANCELED"
)

// stateRank orders states along the lifecycle. Terminal states share the top
// rank so that no terminal state can be replaced by any other state.
var stateRank = map[JobState]int{
	JobSubmitting: 0,
	JobPending:    1,
	JobRunning:    2,
	JobSucceeded:  3,
	JobFailed:     3,
	JobExpired:    3,
	JobCanceled:   3,
}

// Terminal reports whether the state is a sink.
func (s JobState) Terminal() bool {
	switch s {
	case JobSucceeded, JobFailed, JobExpired, JobCanceled:
		return true
	}
	return false
}

// Rank returns the partial-order rank of the state. Unknown states rank -1.
func (s JobState) Rank() int {
	if r, ok := stateRank[s]; ok {
		return r
	}
	return -1
}

// CanTransition reports whether moving from -> to respects the monotonic
// state rule: terminal states never change, and a job never moves backwards.
// CANCELED is reachable from any non-terminal state.
func CanTransition(from, to JobState) bool {
	if from.Terminal() {
		return false
	}
	if to == JobCanceled {
		return true
	}
	return to.Rank() > from.Rank()
}

// ProviderJob is one attempt against a specific provider/model.
type ProviderJob struct {
	ID             uint       `json:"id" gorm:"primaryKey"`
	RequestID      string     `json:"request_id" gorm:"index:idx_request_state"`
	ProviderID     string     `json:"provider_id" gorm:"index"`
	ModelID        string     `json:"model_id"`
	ProviderJobID  string     `json:"provider_job_id"`
	State          JobState   `json:"state" gorm:"index:idx_request_state"`
	Tier           Tier       `json:"tier"`
	Attempts       int        `json:"attempts"`
	SubmittedAt    time.Time  `json:"submitted_at"`
	LastPolledAt   time.Time  `json:"last_polled_at"`
	PollInterval   int64      `json:"poll_interval"` // seconds; per-job backoff on transient poll errors
	CreditsCharged int64      `json:"credits_charged"`
	ReservationID  string     `json:"reservation_id"`
	ArtifactURI    string     `json:"artifact_uri"`
	Uploaded       bool       `json:"uploaded"`
	FailureKind    ErrorCode  `json:"failure_kind,omitempty"`
	FailureDetail  string     `json:"failure_detail,omitempty"`
	ExpiresAt      *time.Time `json:"expires_at,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

// TableName sets the persisted table name.
func (ProviderJob) TableName() string { return "vf_provider_jobs" }

// Active reports whether the job still occupies the single active slot for
// its request (exactly one non-terminal job per request_id at any time).
func (j *ProviderJob) Active() bool {
	return !j.State.Terminal()
}

// Age returns how long the job has existed since submission.
func (j *ProviderJob) Age(now time.Time) time.Duration {
	return now.Sub(j.SubmittedAt)
}
