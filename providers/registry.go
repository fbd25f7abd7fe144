package providers

import (
	"fmt"
	"os"

	"go.uber.org/zap"

	"github.com/BaSui01/vidflow/types"
)

// CredentialResolver materializes an API key from a credentials reference.
// Secrets storage itself is out of scope; the default resolver reads the
// referenced environment variable.
type CredentialResolver func(ref string) (string, error)

// EnvCredentials resolves a credentials reference as an environment variable.
func EnvCredentials(ref string) (string, error) {
	if ref == "" {
		return "", nil
	}
	v := os.Getenv(ref)
	if v == "" {
		return "", fmt.Errorf("credentials ref %q not set", ref)
	}
	return v, nil
}

// Registry maps provider ids to adapters. The set of adapters is open:
// registering a new kind means adding a constructor case here.
type Registry struct {
	adapters map[string]Adapter
	logger   *zap.Logger
}

// NewRegistry builds adapters for every configured provider.
func NewRegistry(specs []types.ProviderSpec, resolve CredentialResolver, logger *zap.Logger) (*Registry, error) {
	if resolve == nil {
		resolve = EnvCredentials
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	r := &Registry{
		adapters: make(map[string]Adapter, len(specs)),
		logger:   logger.With(zap.String("component", "provider_registry")),
	}

	for _, spec := range specs {
		apiKey, err := resolve(spec.CredentialsRef)
		if err != nil {
			return nil, fmt.Errorf("provider %s: %w", spec.ID, err)
		}

		var adapter Adapter
		switch spec.Kind {
		case "pixelbloom":
			adapter = NewPixelbloomAdapter(spec, apiKey)
		case "lumarender":
			adapter = NewLumarenderAdapter(spec, apiKey)
		case "mock":
			adapter = NewMockAdapter(spec.ID)
		default:
			return nil, fmt.Errorf("provider %s: unknown kind %q", spec.ID, spec.Kind)
		}

		r.adapters[spec.ID] = adapter
		r.logger.Info("provider adapter registered",
			zap.String("provider", spec.ID),
			zap.String("kind", spec.Kind),
		)
	}

	return r, nil
}

// Get returns the adapter for a provider id.
func (r *Registry) Get(providerID string) (Adapter, bool) {
	a, ok := r.adapters[providerID]
	return a, ok
}

// Register adds or replaces an adapter. Used by tests and embedders.
func (r *Registry) Register(a Adapter) {
	r.adapters[a.Name()] = a
}

// IDs returns all registered provider ids.
func (r *Registry) IDs() []string {
	ids := make([]string, 0, len(r.adapters))
	for id := range r.adapters {
		ids = append(ids, id)
	}
	return ids
}
