// Package types defines the core domain types shared across the vidflow
// control plane: generation requests, provider jobs, task envelopes, quality
// tiers, and the unified error model.
package types
