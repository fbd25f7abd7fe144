package providers

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/BaSui01/vidflow/types"
)

// MockAdapter is an in-memory adapter used by tests and the "mock" provider
// kind. Submissions succeed immediately as PENDING (or SUCCEEDED when
// SyncSucceed is set); each job is answered RUNNING for RunningPolls polls,
// then SUCCEEDED, or FAILED when FailJobs is set. The knobs apply to every
// job of the adapter alike.
type MockAdapter struct {
	name string

	mu           sync.Mutex
	seq          int
	SubmitErr    error
	PollErr      error
	RunningPolls int // polls answered RUNNING before SUCCEEDED
	FailJobs     bool
	SyncSucceed  bool // answer submissions with synchronous success

	submits   []SubmitRequest
	pollCount map[string]int
	artifacts map[string][]byte
}

// NewMockAdapter creates a mock adapter with the given provider id.
func NewMockAdapter(name string) *MockAdapter {
	return &MockAdapter{
		name:         name,
		RunningPolls: 1,
		pollCount:    make(map[string]int),
		artifacts:    make(map[string][]byte),
	}
}

func (m *MockAdapter) Name() string { return m.name }

// Submit implements Adapter.Submit.
func (m *MockAdapter) Submit(ctx context.Context, req *SubmitRequest) (*SubmitResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, types.NewError(types.ErrDeadlineExceeded, "submit canceled").WithCause(err).WithProvider(m.name)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.SubmitErr != nil {
		return nil, m.SubmitErr
	}

	m.seq++
	m.submits = append(m.submits, *req)
	jobID := fmt.Sprintf("%s-job-%d", m.name, m.seq)
	m.artifacts[jobID] = []byte("clip:" + jobID)

	if m.SyncSucceed {
		return &SubmitResult{
			ProviderJobID: jobID,
			State:         types.JobSucceeded,
			ArtifactURI:   jobID,
		}, nil
	}
	return &SubmitResult{ProviderJobID: jobID, State: types.JobPending}, nil
}

// Poll implements Adapter.Poll.
func (m *MockAdapter) Poll(ctx context.Context, providerJobID string) (*PollResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, types.NewError(types.ErrDeadlineExceeded, "poll canceled").WithCause(err).WithProvider(m.name)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.PollErr != nil {
		return nil, m.PollErr
	}

	m.pollCount[providerJobID]++
	if m.pollCount[providerJobID] <= m.RunningPolls {
		return &PollResult{State: types.JobRunning}, nil
	}
	if m.FailJobs {
		return &PollResult{
			State:         types.JobFailed,
			FailureKind:   types.ErrProviderClientError,
			FailureDetail: "scripted failure",
		}, nil
	}
	return &PollResult{State: types.JobSucceeded, ArtifactURI: providerJobID}, nil
}

// FetchArtifact implements Adapter.FetchArtifact.
func (m *MockAdapter) FetchArtifact(ctx context.Context, uri string) (io.ReadCloser, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	data, ok := m.artifacts[uri]
	if !ok {
		return nil, types.NewError(types.ErrProviderClientError, "unknown artifact "+uri).WithProvider(m.name)
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

// ClassifyError implements Adapter.ClassifyError.
func (m *MockAdapter) ClassifyError(status int, body []byte) ErrorClass {
	return classifier{}.Classify(status, body)
}

// Submits returns a copy of the submissions seen so far.
func (m *MockAdapter) Submits() []SubmitRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]SubmitRequest, len(m.submits))
	copy(out, m.submits)
	return out
}

// Polls returns how many times the given job has been polled.
func (m *MockAdapter) Polls(providerJobID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.pollCount[providerJobID]
}
