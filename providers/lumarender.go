package providers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/BaSui01/vidflow/types"
)

const lumarenderVersion = "2026-03-18"

// LumarenderAdapter drives the Lumarender job API. Lumarender is strictly
// asynchronous and keeps artifacts behind authenticated retrieval
// (PULL_BY_ID): FetchArtifact takes the provider job id, not a URL.
type LumarenderAdapter struct {
	spec     types.ProviderSpec
	apiKey   string
	client   *http.Client
	classify classifier
}

// NewLumarenderAdapter creates a new Lumarender adapter.
func NewLumarenderAdapter(spec types.ProviderSpec, apiKey string) *LumarenderAdapter {
	timeout := spec.TypicalLatency
	if timeout == 0 {
		timeout = 300 * time.Second
	}
	return &LumarenderAdapter{
		spec:     spec,
		apiKey:   apiKey,
		client:   &http.Client{Timeout: timeout},
		classify: classifier{outageSignatures: spec.KnownOutageSignatures},
	}
}

func (l *LumarenderAdapter) Name() string { return l.spec.ID }

type lumarenderJobRequest struct {
	Model       string `json:"model"`
	Prompt      string `json:"prompt"`
	AspectRatio string `json:"aspect_ratio,omitempty"`
	DurationSec int    `json:"duration_sec,omitempty"`
	SourceImage string `json:"source_image,omitempty"`
}

type lumarenderJobResponse struct {
	JobID      string `json:"job_id"`
	State      string `json:"state"` // queued, rendering, complete, error
	Error      string `json:"error,omitempty"`
	ErrorCode  string `json:"error_code,omitempty"`
	CreditCost int64  `json:"credit_cost,omitempty"`
}

// Submit sends a render job.
// Endpoint: POST /v2/jobs, auth via api key header + version header.
func (l *LumarenderAdapter) Submit(ctx context.Context, req *SubmitRequest) (*SubmitResult, error) {
	body := lumarenderJobRequest{
		Model:       req.Model,
		Prompt:      req.Prompt,
		AspectRatio: req.AspectRatio,
		DurationSec: req.DurationSecs,
		SourceImage: req.ReferenceAsset,
	}

	payload, _ := json.Marshal(body)
	httpReq, err := http.NewRequestWithContext(ctx, "POST",
		l.spec.BaseURL+"/v2/jobs", bytes.NewReader(payload))
	if err != nil {
		return nil, types.NewError(types.ErrInternal, "failed to create request").WithCause(err).WithProvider(l.spec.ID)
	}
	l.setHeaders(httpReq)

	resp, err := l.client.Do(httpReq)
	if err != nil {
		return nil, types.NewError(types.ErrTransientNetwork, "lumarender request failed").
			WithCause(err).WithProvider(l.spec.ID).WithRetryable(true)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		errBody, _ := io.ReadAll(resp.Body)
		return nil, l.httpError(resp.StatusCode, errBody)
	}

	var jResp lumarenderJobResponse
	if err := json.NewDecoder(resp.Body).Decode(&jResp); err != nil {
		return nil, types.NewError(types.ErrTransientNetwork, "failed to decode lumarender response").
			WithCause(err).WithProvider(l.spec.ID).WithRetryable(true)
	}

	return &SubmitResult{
		ProviderJobID:  jResp.JobID,
		State:          lumarenderState(jResp.State),
		CreditsCharged: jResp.CreditCost,
	}, nil
}

// Poll queries job state.
// Endpoint: GET /v2/jobs/{id}
func (l *LumarenderAdapter) Poll(ctx context.Context, providerJobID string) (*PollResult, error) {
	httpReq, err := http.NewRequestWithContext(ctx, "GET",
		fmt.Sprintf("%s/v2/jobs/%s", l.spec.BaseURL, providerJobID), nil)
	if err != nil {
		return nil, types.NewError(types.ErrInternal, "failed to create request").WithCause(err).WithProvider(l.spec.ID)
	}
	l.setHeaders(httpReq)

	resp, err := l.client.Do(httpReq)
	if err != nil {
		return nil, types.NewError(types.ErrTransientNetwork, "lumarender poll failed").
			WithCause(err).WithProvider(l.spec.ID).WithRetryable(true)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		errBody, _ := io.ReadAll(resp.Body)
		return nil, l.httpError(resp.StatusCode, errBody)
	}

	var jResp lumarenderJobResponse
	if err := json.NewDecoder(resp.Body).Decode(&jResp); err != nil {
		return nil, types.NewError(types.ErrTransientNetwork, "failed to decode lumarender response").
			WithCause(err).WithProvider(l.spec.ID).WithRetryable(true)
	}

	result := &PollResult{
		State:          lumarenderState(jResp.State),
		CreditsCharged: jResp.CreditCost,
	}
	if result.State == types.JobSucceeded {
		// artifact is pulled by job id, not by URL
		result.ArtifactURI = jResp.JobID
	}
	if result.State == types.JobFailed {
		result.FailureDetail = jResp.Error
		result.FailureKind = types.ErrProviderClientError
		if jResp.ErrorCode == "render_timeout" || jResp.ErrorCode == "capacity" {
			result.FailureKind = types.ErrTransientNetwork
		}
	}
	return result, nil
}

// FetchArtifact downloads a finished render through the authenticated
// artifact endpoint.
// Endpoint: GET /v2/jobs/{id}/artifact
func (l *LumarenderAdapter) FetchArtifact(ctx context.Context, jobID string) (io.ReadCloser, error) {
	httpReq, err := http.NewRequestWithContext(ctx, "GET",
		fmt.Sprintf("%s/v2/jobs/%s/artifact", l.spec.BaseURL, jobID), nil)
	if err != nil {
		return nil, types.NewError(types.ErrInternal, "failed to create request").WithCause(err).WithProvider(l.spec.ID)
	}
	l.setHeaders(httpReq)

	resp, err := l.client.Do(httpReq)
	if err != nil {
		return nil, types.NewError(types.ErrTransientNetwork, "artifact download failed").
			WithCause(err).WithProvider(l.spec.ID).WithRetryable(true)
	}
	if resp.StatusCode >= 400 {
		resp.Body.Close()
		return nil, types.NewError(types.ErrTransientNetwork,
			fmt.Sprintf("artifact download failed: status=%d", resp.StatusCode)).
			WithProvider(l.spec.ID).WithRetryable(true)
	}
	return resp.Body, nil
}

// ClassifyError implements Adapter.ClassifyError.
func (l *LumarenderAdapter) ClassifyError(status int, body []byte) ErrorClass {
	return l.classify.Classify(status, body)
}

func (l *LumarenderAdapter) setHeaders(req *http.Request) {
	req.Header.Set("X-Api-Key", l.apiKey)
	req.Header.Set("X-Lumarender-Version", lumarenderVersion)
	req.Header.Set("Content-Type", "application/json")
}

func (l *LumarenderAdapter) httpError(status int, body []byte) error {
	switch l.classify.Classify(status, body) {
	case ClassOutage:
		return types.NewError(types.ErrProviderOutage,
			fmt.Sprintf("lumarender outage: status=%d", status)).
			WithHTTPStatus(status).WithProvider(l.spec.ID)
	case ClassRateLimited:
		return types.NewError(types.ErrRateLimited, "lumarender throttled").
			WithHTTPStatus(status).WithProvider(l.spec.ID).WithRetryable(true)
	case ClassPermanent:
		return types.NewError(types.ErrProviderClientError,
			fmt.Sprintf("lumarender rejected request: status=%d body=%s", status, string(body))).
			WithHTTPStatus(status).WithProvider(l.spec.ID)
	default:
		return types.NewError(types.ErrTransientNetwork,
			fmt.Sprintf("lumarender error: status=%d", status)).
			WithHTTPStatus(status).WithProvider(l.spec.ID).WithRetryable(true)
	}
}

func lumarenderState(state string) types.JobState {
	switch state {
	case "queued":
		return types.JobPending
	case "rendering":
		return types.JobRunning
	case "complete":
		return types.JobSucceeded
	case "error", "expired":
		return types.JobFailed
	default:
		return types.JobPending
	}
}
