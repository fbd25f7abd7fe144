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

// PixelbloomAdapter drives the Pixelbloom generation API. Pixelbloom answers
// submissions with a task id and occasionally with a synchronously finished
// clip; artifacts come back as plain URLs (INLINE_URL).
type PixelbloomAdapter struct {
	spec     types.ProviderSpec
	apiKey   string
	client   *http.Client
	classify classifier
}

// NewPixelbloomAdapter creates a new Pixelbloom adapter.
func NewPixelbloomAdapter(spec types.ProviderSpec, apiKey string) *PixelbloomAdapter {
	timeout := spec.TypicalLatency
	if timeout == 0 {
		timeout = 120 * time.Second
	}
	return &PixelbloomAdapter{
		spec:     spec,
		apiKey:   apiKey,
		client:   &http.Client{Timeout: timeout},
		classify: classifier{outageSignatures: spec.KnownOutageSignatures},
	}
}

func (p *PixelbloomAdapter) Name() string { return p.spec.ID }

type pixelbloomRequest struct {
	Model       string `json:"model"`
	PromptText  string `json:"promptText"`
	PromptImage string `json:"promptImage,omitempty"` // HTTPS URL or data URI
	Ratio       string `json:"ratio,omitempty"`       // e.g., "1280:720", "720:1280"
	Duration    int    `json:"duration,omitempty"`
}

type pixelbloomResponse struct {
	ID          string   `json:"id"`
	Status      string   `json:"status"` // PENDING, RUNNING, SUCCEEDED, FAILED
	Output      []string `json:"output,omitempty"`
	Failure     string   `json:"failure,omitempty"`
	FailureCode string   `json:"failureCode,omitempty"`
	Credits     int64    `json:"creditsUsed,omitempty"`
}

// Submit sends a generation request.
// 终点: POST /v1/generations
func (p *PixelbloomAdapter) Submit(ctx context.Context, req *SubmitRequest) (*SubmitResult, error) {
	duration := req.DurationSecs
	if duration < 2 {
		duration = 2
	}
	if duration > 10 {
		duration = 10
	}

	body := pixelbloomRequest{
		Model:      req.Model,
		PromptText: req.Prompt,
		Ratio:      mapAspectRatio(req.AspectRatio),
		Duration:   duration,
	}
	if req.ReferenceAsset != "" {
		body.PromptImage = req.ReferenceAsset
	}

	payload, _ := json.Marshal(body)
	httpReq, err := http.NewRequestWithContext(ctx, "POST",
		p.spec.BaseURL+"/v1/generations",
		bytes.NewReader(payload))
	if err != nil {
		return nil, types.NewError(types.ErrInternal, "failed to create request").WithCause(err).WithProvider(p.spec.ID)
	}
	httpReq.Header.Set("Authorization", "Bearer "+p.apiKey)
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, types.NewError(types.ErrTransientNetwork, "pixelbloom request failed").
			WithCause(err).WithProvider(p.spec.ID).WithRetryable(true)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		errBody, _ := io.ReadAll(resp.Body)
		return nil, p.httpError(resp.StatusCode, errBody)
	}

	var pResp pixelbloomResponse
	if err := json.NewDecoder(resp.Body).Decode(&pResp); err != nil {
		return nil, types.NewError(types.ErrTransientNetwork, "failed to decode pixelbloom response").
			WithCause(err).WithProvider(p.spec.ID).WithRetryable(true)
	}

	result := &SubmitResult{
		ProviderJobID:  pResp.ID,
		State:          pixelbloomState(pResp.Status),
		CreditsCharged: pResp.Credits,
	}
	if result.State == types.JobSucceeded && len(pResp.Output) > 0 {
		result.ArtifactURI = pResp.Output[0]
	}
	return result, nil
}

// Poll queries task state.
// 终点: GET /v1/generations/{id}
func (p *PixelbloomAdapter) Poll(ctx context.Context, providerJobID string) (*PollResult, error) {
	httpReq, err := http.NewRequestWithContext(ctx, "GET",
		fmt.Sprintf("%s/v1/generations/%s", p.spec.BaseURL, providerJobID), nil)
	if err != nil {
		return nil, types.NewError(types.ErrInternal, "failed to create request").WithCause(err).WithProvider(p.spec.ID)
	}
	httpReq.Header.Set("Authorization", "Bearer "+p.apiKey)

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, types.NewError(types.ErrTransientNetwork, "pixelbloom poll failed").
			WithCause(err).WithProvider(p.spec.ID).WithRetryable(true)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		errBody, _ := io.ReadAll(resp.Body)
		return nil, p.httpError(resp.StatusCode, errBody)
	}

	var pResp pixelbloomResponse
	if err := json.NewDecoder(resp.Body).Decode(&pResp); err != nil {
		return nil, types.NewError(types.ErrTransientNetwork, "failed to decode pixelbloom response").
			WithCause(err).WithProvider(p.spec.ID).WithRetryable(true)
	}

	result := &PollResult{
		State:          pixelbloomState(pResp.Status),
		CreditsCharged: pResp.Credits,
	}
	if result.State == types.JobSucceeded && len(pResp.Output) > 0 {
		result.ArtifactURI = pResp.Output[0]
	}
	if result.State == types.JobFailed {
		result.FailureKind = types.ErrProviderClientError
		result.FailureDetail = pResp.Failure
		if pResp.FailureCode == "INTERNAL" {
			result.FailureKind = types.ErrTransientNetwork
		}
	}
	return result, nil
}

// FetchArtifact downloads a finished clip from its inline URL.
func (p *PixelbloomAdapter) FetchArtifact(ctx context.Context, uri string) (io.ReadCloser, error) {
	httpReq, err := http.NewRequestWithContext(ctx, "GET", uri, nil)
	if err != nil {
		return nil, types.NewError(types.ErrInternal, "failed to create request").WithCause(err).WithProvider(p.spec.ID)
	}

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, types.NewError(types.ErrTransientNetwork, "artifact download failed").
			WithCause(err).WithProvider(p.spec.ID).WithRetryable(true)
	}
	if resp.StatusCode >= 400 {
		resp.Body.Close()
		return nil, types.NewError(types.ErrTransientNetwork,
			fmt.Sprintf("artifact download failed: status=%d", resp.StatusCode)).
			WithProvider(p.spec.ID).WithRetryable(true)
	}
	return resp.Body, nil
}

// ClassifyError implements Adapter.ClassifyError.
func (p *PixelbloomAdapter) ClassifyError(status int, body []byte) ErrorClass {
	return p.classify.Classify(status, body)
}

func (p *PixelbloomAdapter) httpError(status int, body []byte) error {
	switch p.classify.Classify(status, body) {
	case ClassOutage:
		return types.NewError(types.ErrProviderOutage,
			fmt.Sprintf("pixelbloom outage: status=%d", status)).
			WithHTTPStatus(status).WithProvider(p.spec.ID)
	case ClassRateLimited:
		return types.NewError(types.ErrRateLimited, "pixelbloom throttled").
			WithHTTPStatus(status).WithProvider(p.spec.ID).WithRetryable(true)
	case ClassPermanent:
		return types.NewError(types.ErrProviderClientError,
			fmt.Sprintf("pixelbloom rejected request: status=%d body=%s", status, string(body))).
			WithHTTPStatus(status).WithProvider(p.spec.ID)
	default:
		return types.NewError(types.ErrTransientNetwork,
			fmt.Sprintf("pixelbloom error: status=%d", status)).
			WithHTTPStatus(status).WithProvider(p.spec.ID).WithRetryable(true)
	}
}

func pixelbloomState(status string) types.JobState {
	switch status {
	case "PENDING":
		return types.JobPending
	case "RUNNING", "THROTTLED":
		return types.JobRunning
	case "SUCCEEDED":
		return types.JobSucceeded
	case "FAILED", "CANCELLED":
		return types.JobFailed
	default:
		return types.JobPending
	}
}

// mapAspectRatio converts the abstract aspect ratio to pixel dimensions.
func mapAspectRatio(ratio string) string {
	switch ratio {
	case "16:9", "":
		return "1280:720"
	case "9:16":
		return "720:1280"
	case "1:1":
		return "960:960"
	default:
		return ratio
	}
}
