package types

import "time"

// ArtifactRetrievalMode describes how a provider hands back finished videos.
type ArtifactRetrievalMode string

const (
	// ArtifactInlineURL means the poll response carries a plain URL.
	ArtifactInlineURL ArtifactRetrievalMode = "INLINE_URL"
	// ArtifactPullByID means the artifact needs an authenticated download.
	ArtifactPullByID ArtifactRetrievalMode = "PULL_BY_ID"
)

// RateLimitSpec is the static rate envelope for one provider.
type RateLimitSpec struct {
	RequestsPerSecond float64 `json:"requests_per_second" yaml:"requests_per_second"`
	Burst             int     `json:"burst" yaml:"burst"`
	Concurrency       int     `json:"concurrency" yaml:"concurrency"`
}

// ModelSpec is a concrete generator within a provider.
type ModelSpec struct {
	ID         string `json:"id" yaml:"id"`
	CreditCost int64  `json:"credit_cost" yaml:"credit_cost"`
}

// ProviderSpec is the static capability description of one provider, loaded
// from configuration at startup. Dynamic health lives in the router.
type ProviderSpec struct {
	ID                    string                `json:"id" yaml:"id"`
	BaseURL               string                `json:"base_url" yaml:"base_url"`
	CredentialsRef        string                `json:"credentials_ref" yaml:"credentials_ref"`
	Kind                  string                `json:"kind" yaml:"kind"`
	SupportsTiers         []Tier                `json:"supports_tiers" yaml:"supports_tiers"`
	Models                []ModelSpec           `json:"models" yaml:"models"`
	RateLimit             RateLimitSpec         `json:"rate_limit" yaml:"rate_limit"`
	DailyCreditCap        int64                 `json:"daily_credit_cap" yaml:"daily_credit_cap"`
	ArtifactRetrievalMode ArtifactRetrievalMode `json:"artifact_retrieval_mode" yaml:"artifact_retrieval_mode"`
	KnownOutageSignatures []string              `json:"known_outage_signatures" yaml:"known_outage_signatures"`
	TypicalLatency        time.Duration         `json:"typical_latency" yaml:"typical_latency"`
	MaxAttempts           int                   `json:"max_attempts" yaml:"max_attempts"`
	MaxJobLifetime        time.Duration         `json:"max_job_lifetime" yaml:"max_job_lifetime"`
}

// SupportsTier reports whether the provider serves the given tier.
func (s *ProviderSpec) SupportsTier(t Tier) bool {
	for _, st := range s.SupportsTiers {
		if st == t {
			return true
		}
	}
	return false
}

// CheapestModel returns the lowest-cost model, or false when none configured.
func (s *ProviderSpec) CheapestModel() (ModelSpec, bool) {
	if len(s.Models) == 0 {
		return ModelSpec{}, false
	}
	best := s.Models[0]
	for _, m := range s.Models[1:] {
		if m.CreditCost < best.CreditCost {
			best = m
		}
	}
	return best, true
}
