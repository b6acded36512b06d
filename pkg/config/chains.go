package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/resilix/resilix/pkg/fallback"
	"github.com/resilix/resilix/pkg/monitor"
	"github.com/resilix/resilix/pkg/resilience"
)

// ResilienceSettings is the declarative part of the configuration: fallback
// chains, the default retry policy, and breaker tuning, loaded from YAML
type ResilienceSettings struct {
	Chains       fallback.ChainSet
	DefaultRetry resilience.RetryPolicy
	Breaker      resilience.BreakerConfig
}

// YAML shapes. Durations are strings ("1s", "500ms") parsed with
// time.ParseDuration.
type chainsFile struct {
	DefaultRetry *retryPolicyYAML        `yaml:"default_retry"`
	Breaker      *breakerYAML            `yaml:"breaker"`
	Chains       map[string][]actionYAML `yaml:"chains"`
}

type retryPolicyYAML struct {
	MaxAttempts int    `yaml:"max_attempts"`
	Backoff     string `yaml:"backoff"`
	BaseDelay   string `yaml:"base_delay"`
	MaxDelay    string `yaml:"max_delay"`
	Jitter      *bool  `yaml:"jitter"`
}

type breakerYAML struct {
	FailureThreshold int    `yaml:"failure_threshold"`
	RecoveryTimeout  string `yaml:"recovery_timeout"`
}

type actionYAML struct {
	Strategy    string           `yaml:"strategy"`
	Target      string           `yaml:"target"`
	Priority    int              `yaml:"priority"`
	Retry       *retryPolicyYAML `yaml:"retry"`
	CacheTTL    string           `yaml:"cache_ttl"`
	ScaleFactor float64          `yaml:"scale_factor"`
}

// DefaultResilienceSettings returns the built-in chains and policies
func DefaultResilienceSettings() *ResilienceSettings {
	return &ResilienceSettings{
		Chains:       fallback.DefaultChains(),
		DefaultRetry: resilience.DefaultRetryPolicy(),
		Breaker:      resilience.DefaultBreakerConfig(),
	}
}

// LoadResilienceSettings reads chains and policies from a YAML file. An empty
// path returns the defaults.
func LoadResilienceSettings(path string) (*ResilienceSettings, error) {
	settings := DefaultResilienceSettings()
	if path == "" {
		return settings, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read chains file %s: %w", path, err)
	}

	var file chainsFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse chains file %s: %w", path, err)
	}

	if file.DefaultRetry != nil {
		policy, err := file.DefaultRetry.toPolicy(settings.DefaultRetry)
		if err != nil {
			return nil, fmt.Errorf("invalid default_retry: %w", err)
		}
		settings.DefaultRetry = policy
	}

	if file.Breaker != nil {
		if file.Breaker.FailureThreshold > 0 {
			settings.Breaker.FailureThreshold = file.Breaker.FailureThreshold
		}
		if file.Breaker.RecoveryTimeout != "" {
			timeout, err := time.ParseDuration(file.Breaker.RecoveryTimeout)
			if err != nil {
				return nil, fmt.Errorf("invalid breaker recovery_timeout: %w", err)
			}
			settings.Breaker.RecoveryTimeout = timeout
		}
	}

	if len(file.Chains) > 0 {
		chains := make(fallback.ChainSet, len(file.Chains))
		for resourceType, actions := range file.Chains {
			chain := make(fallback.Chain, 0, len(actions))
			for _, a := range actions {
				action, err := a.toAction(settings.DefaultRetry)
				if err != nil {
					return nil, fmt.Errorf("invalid chain for %s: %w", resourceType, err)
				}
				chain = append(chain, action)
			}
			chains[monitor.ResourceType(resourceType)] = chain
		}
		if err := chains.Validate(); err != nil {
			return nil, err
		}
		settings.Chains = chains
	}

	return settings, nil
}

func (r *retryPolicyYAML) toPolicy(base resilience.RetryPolicy) (resilience.RetryPolicy, error) {
	policy := base
	if r.MaxAttempts > 0 {
		policy.MaxAttempts = r.MaxAttempts
	}
	if r.Backoff != "" {
		policy.Backoff = resilience.Backoff(r.Backoff)
	}
	if r.BaseDelay != "" {
		delay, err := time.ParseDuration(r.BaseDelay)
		if err != nil {
			return policy, fmt.Errorf("invalid base_delay: %w", err)
		}
		policy.BaseDelay = delay
	}
	if r.MaxDelay != "" {
		delay, err := time.ParseDuration(r.MaxDelay)
		if err != nil {
			return policy, fmt.Errorf("invalid max_delay: %w", err)
		}
		policy.MaxDelay = delay
	}
	if r.Jitter != nil {
		policy.Jitter = *r.Jitter
	}
	return policy, policy.Validate()
}

func (a *actionYAML) toAction(defaultRetry resilience.RetryPolicy) (fallback.Action, error) {
	action := fallback.Action{
		Strategy:    fallback.Strategy(a.Strategy),
		Target:      a.Target,
		Priority:    a.Priority,
		ScaleFactor: a.ScaleFactor,
	}
	if a.Retry != nil {
		policy, err := a.Retry.toPolicy(defaultRetry)
		if err != nil {
			return action, err
		}
		action.Retry = &policy
	}
	if a.CacheTTL != "" {
		ttl, err := time.ParseDuration(a.CacheTTL)
		if err != nil {
			return action, fmt.Errorf("invalid cache_ttl: %w", err)
		}
		action.CacheTTL = ttl
	}
	return action, nil
}
