package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/resilix/resilix/pkg/fallback"
	"github.com/resilix/resilix/pkg/monitor"
	"github.com/resilix/resilix/pkg/resilience"
)

func writeChains(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "chains.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadResilienceSettings_EmptyPathReturnsDefaults(t *testing.T) {
	settings, err := LoadResilienceSettings("")
	require.NoError(t, err)
	assert.Equal(t, resilience.DefaultRetryPolicy(), settings.DefaultRetry)
	assert.Equal(t, 5, settings.Breaker.FailureThreshold)
	assert.NotEmpty(t, settings.Chains)
}

func TestLoadResilienceSettings_FullFile(t *testing.T) {
	path := writeChains(t, `
default_retry:
  max_attempts: 5
  backoff: linear
  base_delay: 250ms
  max_delay: 10s
  jitter: false
breaker:
  failure_threshold: 3
  recovery_timeout: 90s
chains:
  api_quota:
    - strategy: retry
      retry:
        max_attempts: 2
        backoff: fixed
        base_delay: 1s
    - strategy: switch_provider
      target: secondary
      priority: 1
    - strategy: use_cache
      cache_ttl: 15m
      priority: 2
`)

	settings, err := LoadResilienceSettings(path)
	require.NoError(t, err)

	assert.Equal(t, 5, settings.DefaultRetry.MaxAttempts)
	assert.Equal(t, resilience.BackoffLinear, settings.DefaultRetry.Backoff)
	assert.Equal(t, 250*time.Millisecond, settings.DefaultRetry.BaseDelay)
	assert.False(t, settings.DefaultRetry.Jitter)

	assert.Equal(t, 3, settings.Breaker.FailureThreshold)
	assert.Equal(t, 90*time.Second, settings.Breaker.RecoveryTimeout)

	chain, ok := settings.Chains[monitor.ResourceAPIQuota]
	require.True(t, ok)
	require.Len(t, chain, 3)
	assert.Equal(t, fallback.StrategyRetry, chain[0].Strategy)
	require.NotNil(t, chain[0].Retry)
	assert.Equal(t, 2, chain[0].Retry.MaxAttempts)
	assert.Equal(t, resilience.BackoffFixed, chain[0].Retry.Backoff)
	assert.Equal(t, "secondary", chain[1].Target)
	assert.Equal(t, 15*time.Minute, chain[2].CacheTTL)
}

func TestLoadResilienceSettings_PartialFileKeepsDefaults(t *testing.T) {
	path := writeChains(t, `
breaker:
  failure_threshold: 10
`)

	settings, err := LoadResilienceSettings(path)
	require.NoError(t, err)
	assert.Equal(t, 10, settings.Breaker.FailureThreshold)
	assert.Equal(t, 60*time.Second, settings.Breaker.RecoveryTimeout)
	assert.Equal(t, resilience.DefaultRetryPolicy(), settings.DefaultRetry)
	assert.Equal(t, fallback.DefaultChains(), settings.Chains)
}

func TestLoadResilienceSettings_Errors(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"bad yaml", "chains: ["},
		{"bad duration", "breaker:\n  recovery_timeout: sixty"},
		{"bad backoff", "default_retry:\n  backoff: quadratic"},
		{"invalid strategy", "chains:\n  api_quota:\n    - strategy: pray"},
		{"switch without target", "chains:\n  api_quota:\n    - strategy: switch_provider"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadResilienceSettings(writeChains(t, tt.content))
			assert.Error(t, err)
		})
	}
}

func TestLoadResilienceSettings_MissingFile(t *testing.T) {
	_, err := LoadResilienceSettings(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
}
