package types

import (
	"encoding/json"
	"time"
)

// RetryPolicy controls queue-level redelivery of a task.
type RetryPolicy struct {
	MaxAttempts int           `json:"max_attempts"`
	MinBackoff  time.Duration `json:"min_backoff"`
	MaxBackoff  time.Duration `json:"max_backoff"`
}

// DefaultRetryPolicy returns the queue delivery retry defaults.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 5,
		MinBackoff:  10 * time.Second,
		MaxBackoff:  300 * time.Second,
	}
}

// Backoff returns the delay before redelivery attempt n (1-based), doubling
// from MinBackoff and capped at MaxBackoff.
func (p RetryPolicy) Backoff(attempt int) time.Duration {
	d := p.MinBackoff
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= p.MaxBackoff {
			return p.MaxBackoff
		}
	}
	if d > p.MaxBackoff {
		return p.MaxBackoff
	}
	return d
}

// TaskEnvelope is the serialized unit that crosses the queue boundary.
type TaskEnvelope struct {
	RequestID   string            `json:"request_id"`
	Payload     GenerationRequest `json:"payload"`
	AttemptNo   int               `json:"attempt_no"`
	EnqueueTime time.Time         `json:"enqueue_time"`
	NotBefore   time.Time         `json:"not_before,omitempty"`
	RetryPolicy RetryPolicy       `json:"retry_policy"`
}

// Marshal serializes the envelope for the queue.
func (e *TaskEnvelope) Marshal() ([]byte, error) {
	return json.Marshal(e)
}

// UnmarshalEnvelope deserializes an envelope delivered over the queue
// boundary, validating the payload it carries.
func UnmarshalEnvelope(data []byte) (*TaskEnvelope, error) {
	var e TaskEnvelope
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, NewError(ErrInvalidEnvelope, "malformed task envelope").WithCause(err)
	}
	if err := e.Payload.Validate(); err != nil {
		return nil, err
	}
	if e.RequestID == "" {
		e.RequestID = e.Payload.RequestID
	}
	return &e, nil
}
