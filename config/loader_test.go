package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BaSui01/vidflow/types"
)

func providerFixture(id string) types.ProviderSpec {
	return types.ProviderSpec{
		ID:            id,
		BaseURL:       "https://" + id + ".example",
		Kind:          "pixelbloom",
		SupportsTiers: []types.Tier{types.TierVolume},
		Models:        []types.ModelSpec{{ID: id + "-v1", CreditCost: 10}},
		RateLimit:     types.RateLimitSpec{RequestsPerSecond: 1, Burst: 1, Concurrency: 1},
	}
}

func TestLoader_Defaults(t *testing.T) {
	cfg, err := NewLoader().Load()
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Server.HTTPPort)
	assert.Equal(t, UpliftOnExhaustion, cfg.Router.TierUpliftPolicy)
	assert.Equal(t, 900*time.Second, cfg.Worker.PerRequestDeadline)
	assert.Len(t, cfg.Scheduler.BatchWindowsUTC, 5)
	assert.Empty(t, cfg.Providers)
}

func TestLoader_FromYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	data := `
server:
  http_port: 9999
router:
  max_attempts_per_request: 5
  tier_uplift_policy: NEVER
providers:
  - id: pixelbloom
    base_url: https://api.pixelbloom.example
    kind: pixelbloom
    supports_tiers: [VOLUME, STANDARD]
    models:
      - id: bloom-lite
        credit_cost: 0
    rate_limit:
      requests_per_second: 2
      burst: 2
      concurrency: 2
    artifact_retrieval_mode: INLINE_URL
`
	require.NoError(t, os.WriteFile(path, []byte(data), 0o644))

	cfg, err := NewLoader().WithConfigPath(path).Load()
	require.NoError(t, err)

	assert.Equal(t, 9999, cfg.Server.HTTPPort)
	assert.Equal(t, 5, cfg.Router.MaxAttemptsPerRequest)
	assert.Equal(t, UpliftNever, cfg.Router.TierUpliftPolicy)
	require.Len(t, cfg.Providers, 1)
	assert.Equal(t, "pixelbloom", cfg.Providers[0].ID)
	assert.Equal(t, float64(2), cfg.Providers[0].RateLimit.RequestsPerSecond)

	p, ok := cfg.ProviderByID("pixelbloom")
	require.True(t, ok)
	assert.Equal(t, "https://api.pixelbloom.example", p.BaseURL)
}

func TestLoader_EnvOverride(t *testing.T) {
	t.Setenv("VIDFLOW_SERVER_HTTP_PORT", "7070")
	t.Setenv("VIDFLOW_WORKER_PER_REQUEST_DEADLINE", "5m")
	t.Setenv("VIDFLOW_QUEUE_DISPATCHES_PER_SECOND", "2.5")

	cfg, err := NewLoader().Load()
	require.NoError(t, err)

	assert.Equal(t, 7070, cfg.Server.HTTPPort)
	assert.Equal(t, 5*time.Minute, cfg.Worker.PerRequestDeadline)
	assert.Equal(t, 2.5, cfg.Queue.DispatchesPerSecond)
}

func TestLoader_MissingFileUsesDefaults(t *testing.T) {
	cfg, err := NewLoader().WithConfigPath("/nonexistent/config.yaml").Load()
	require.NoError(t, err)
	assert.Equal(t, 8080, cfg.Server.HTTPPort)
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{
			name:   "defaults are valid",
			mutate: func(c *Config) {},
		},
		{
			name:    "bad port",
			mutate:  func(c *Config) { c.Server.HTTPPort = 0 },
			wantErr: "invalid HTTP port",
		},
		{
			name:    "bad uplift policy",
			mutate:  func(c *Config) { c.Router.TierUpliftPolicy = "MAYBE" },
			wantErr: "tier_uplift_policy",
		},
		{
			name:    "bad batch window",
			mutate:  func(c *Config) { c.Scheduler.BatchWindowsUTC = []string{"25:99"} },
			wantErr: "batch window",
		},
		{
			name: "tier shares must sum to 1",
			mutate: func(c *Config) {
				c.Scheduler.TierShares = map[string]float64{"PREMIUM": 0.5, "VOLUME": 0.2}
			},
			wantErr: "tier_shares",
		},
		{
			name: "duplicate provider",
			mutate: func(c *Config) {
				p := providerFixture("dup")
				c.Providers = append(c.Providers, p, p)
			},
			wantErr: "duplicate provider",
		},
		{
			name: "provider without models",
			mutate: func(c *Config) {
				p := providerFixture("nomodel")
				p.Models = nil
				c.Providers = append(c.Providers, p)
			},
			wantErr: "no models",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
			} else {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
			}
		})
	}
}

func TestDatabaseConfig_DSN(t *testing.T) {
	pg := DatabaseConfig{Driver: "postgres", Host: "db", Port: 5432, User: "vf", Password: "pw", Name: "vidflow", SSLMode: "disable"}
	assert.Contains(t, pg.DSN(), "host=db")
	assert.Contains(t, pg.DSN(), "dbname=vidflow")

	my := DatabaseConfig{Driver: "mysql", Host: "db", Port: 3306, User: "vf", Password: "pw", Name: "vidflow"}
	assert.Contains(t, my.DSN(), "@tcp(db:3306)/vidflow")

	lite := DatabaseConfig{Driver: "sqlite", Name: "vidflow.db"}
	assert.Equal(t, "vidflow.db", lite.DSN())

	unknown := DatabaseConfig{Driver: "oracle"}
	assert.Empty(t, unknown.DSN())
}
