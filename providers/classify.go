package providers

import (
	"strings"
)

// classifier implements the shared HTTP status bucketing used by the concrete
// adapters, extended with per-provider outage signatures.
type classifier struct {
	outageSignatures []string
}

// Classify buckets a provider HTTP response.
//
// 522/523 are edge timeouts from fronting CDNs and are always treated as an
// outage, as is any configured signature found in the body.
func (c classifier) Classify(status int, body []byte) ErrorClass {
	if status == 522 || status == 523 {
		return ClassOutage
	}
	text := string(body)
	for _, sig := range c.outageSignatures {
		if sig != "" && strings.Contains(text, sig) {
			return ClassOutage
		}
	}

	switch {
	case status == 429:
		return ClassRateLimited
	case status >= 500:
		return ClassTransient
	case status >= 400:
		return ClassPermanent
	}
	return ClassTransient
}
