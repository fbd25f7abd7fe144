package providers

import (
	"context"
	"io"

	"github.com/BaSui01/vidflow/types"
)

// SubmitRequest carries one generation attempt to a provider.
type SubmitRequest struct {
	Model          string `json:"model"`
	Prompt         string `json:"prompt"`
	DurationSecs   int    `json:"duration_seconds"`
	AspectRatio    string `json:"aspect_ratio"`
	ReferenceAsset string `json:"reference_asset,omitempty"`
}

// SubmitResult is the provider's answer to a submission. Providers
// occasionally return synchronous success; most answer with a job id to poll.
type SubmitResult struct {
	ProviderJobID  string         `json:"provider_job_id"`
	State          types.JobState `json:"state"`
	ArtifactURI    string         `json:"artifact_uri,omitempty"`
	CreditsCharged int64          `json:"credits_charged,omitempty"`
}

// PollResult is the provider's answer to a status query.
type PollResult struct {
	State          types.JobState  `json:"state"`
	ArtifactURI    string          `json:"artifact_uri,omitempty"`
	FailureKind    types.ErrorCode `json:"failure_kind,omitempty"`
	FailureDetail  string          `json:"failure_detail,omitempty"`
	CreditsCharged int64           `json:"credits_charged,omitempty"`
}

// ErrorClass buckets a provider response for routing and health decisions.
type ErrorClass string

const (
	ClassTransient   ErrorClass = "TRANSIENT"
	ClassPermanent   ErrorClass = "PERMANENT"
	ClassRateLimited ErrorClass = "RATE_LIMITED"
	ClassOutage      ErrorClass = "OUTAGE"
)

// Adapter is the capability set every provider must implement.
type Adapter interface {
	// Name returns the provider id.
	Name() string

	// Submit sends a generation request and returns the provider job handle.
	Submit(ctx context.Context, req *SubmitRequest) (*SubmitResult, error)

	// Poll queries the state of an in-flight provider job.
	Poll(ctx context.Context, providerJobID string) (*PollResult, error)

	// FetchArtifact downloads a finished artifact. For INLINE_URL providers
	// the uri is a plain URL; for PULL_BY_ID providers it is a provider job
	// id requiring authenticated retrieval.
	FetchArtifact(ctx context.Context, uri string) (io.ReadCloser, error)

	// ClassifyError buckets an HTTP response for failover decisions.
	ClassifyError(status int, body []byte) ErrorClass
}

// Uploader is the external upload collaborator. The control plane consumes it
// as a capability; its internals are out of scope.
type Uploader interface {
	Upload(ctx context.Context, platform string, artifact io.Reader, metadata map[string]string) (receipt string, err error)
}
