package providers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BaSui01/vidflow/types"
)

func pixelbloomSpec(baseURL string) types.ProviderSpec {
	return types.ProviderSpec{
		ID:      "pixelbloom",
		Kind:    "pixelbloom",
		BaseURL: baseURL,
		Models:  []types.ModelSpec{{ID: "bloom-lite", CreditCost: 0}},
	}
}

func TestPixelbloomAdapter_Submit(t *testing.T) {
	var gotReq pixelbloomRequest
	var gotAuth string

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "POST", r.Method)
		require.Equal(t, "/v1/generations", r.URL.Path)
		gotAuth = r.Header.Get("Authorization")
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotReq))
		json.NewEncoder(w).Encode(pixelbloomResponse{ID: "task-1", Status: "PENDING"})
	}))
	defer srv.Close()

	a := NewPixelbloomAdapter(pixelbloomSpec(srv.URL), "sk-test")
	res, err := a.Submit(context.Background(), &SubmitRequest{
		Model:        "bloom-lite",
		Prompt:       "ambient nature loop",
		DurationSecs: 5,
		AspectRatio:  "9:16",
	})
	require.NoError(t, err)

	assert.Equal(t, "task-1", res.ProviderJobID)
	assert.Equal(t, types.JobPending, res.State)
	assert.Equal(t, "Bearer sk-test", gotAuth)
	assert.Equal(t, "720:1280", gotReq.Ratio)
	assert.Equal(t, 5, gotReq.Duration)
}

func TestPixelbloomAdapter_SubmitSyncSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(pixelbloomResponse{
			ID:     "task-2",
			Status: "SUCCEEDED",
			Output: []string{"https://cdn.pixelbloom.example/task-2.mp4"},
		})
	}))
	defer srv.Close()

	a := NewPixelbloomAdapter(pixelbloomSpec(srv.URL), "sk-test")
	res, err := a.Submit(context.Background(), &SubmitRequest{Model: "bloom-lite", Prompt: "x", DurationSecs: 4})
	require.NoError(t, err)

	assert.Equal(t, types.JobSucceeded, res.State)
	assert.Equal(t, "https://cdn.pixelbloom.example/task-2.mp4", res.ArtifactURI)
}

func TestPixelbloomAdapter_SubmitOutage(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(522)
	}))
	defer srv.Close()

	a := NewPixelbloomAdapter(pixelbloomSpec(srv.URL), "sk-test")
	_, err := a.Submit(context.Background(), &SubmitRequest{Model: "bloom-lite", Prompt: "x", DurationSecs: 4})
	require.Error(t, err)
	assert.Equal(t, types.ErrProviderOutage, types.GetErrorCode(err))
}

func TestPixelbloomAdapter_PollStates(t *testing.T) {
	tests := []struct {
		status    string
		wantState types.JobState
	}{
		{"PENDING", types.JobPending},
		{"RUNNING", types.JobRunning},
		{"SUCCEEDED", types.JobSucceeded},
		{"FAILED", types.JobFailed},
	}

	for _, tt := range tests {
		t.Run(tt.status, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				require.Equal(t, "/v1/generations/task-9", r.URL.Path)
				json.NewEncoder(w).Encode(pixelbloomResponse{ID: "task-9", Status: tt.status, Output: []string{"u"}})
			}))
			defer srv.Close()

			a := NewPixelbloomAdapter(pixelbloomSpec(srv.URL), "sk-test")
			res, err := a.Poll(context.Background(), "task-9")
			require.NoError(t, err)
			assert.Equal(t, tt.wantState, res.State)
		})
	}
}

func TestPixelbloomAdapter_RateLimited(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	a := NewPixelbloomAdapter(pixelbloomSpec(srv.URL), "sk-test")
	_, err := a.Poll(context.Background(), "task-1")
	require.Error(t, err)
	assert.Equal(t, types.ErrRateLimited, types.GetErrorCode(err))
	assert.True(t, types.IsRetryable(err))
}
