package fallback

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/resilix/resilix/pkg/errors"
	"github.com/resilix/resilix/pkg/resilience"
)

func TestAction_Validate(t *testing.T) {
	tests := []struct {
		name    string
		action  Action
		wantErr bool
	}{
		{"valid retry", Action{Strategy: StrategyRetry}, false},
		{"valid switch with target", Action{Strategy: StrategySwitchProvider, Target: "secondary"}, false},
		{"unknown strategy", Action{Strategy: "pray"}, true},
		{"switch without target", Action{Strategy: StrategySwitchProvider}, true},
		{"negative cache ttl", Action{Strategy: StrategyUseCache, CacheTTL: -time.Second}, true},
		{"scale factor too large", Action{Strategy: StrategyScaleDown, ScaleFactor: 1.5}, true},
		{"scale factor zero uses default", Action{Strategy: StrategyScaleDown}, false},
		{"bad nested retry policy", Action{Strategy: StrategyRetry, Retry: &resilience.RetryPolicy{MaxAttempts: 0, Backoff: resilience.BackoffFixed}}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.action.Validate()
			if tt.wantErr {
				require.Error(t, err)
				assert.True(t, apperrors.IsType(err, apperrors.ErrorTypeConfiguration))
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestNewChain_SortsByPriority(t *testing.T) {
	chain, err := NewChain(
		Action{Strategy: StrategyQueueRequest, Priority: 3},
		Action{Strategy: StrategyRetry, Priority: 0},
		Action{Strategy: StrategyDegradeService, Priority: 2},
		Action{Strategy: StrategySwitchProvider, Target: "secondary", Priority: 1},
	)
	require.NoError(t, err)

	got := make([]Strategy, len(chain))
	for i, a := range chain {
		got[i] = a.Strategy
	}
	assert.Equal(t, []Strategy{StrategyRetry, StrategySwitchProvider, StrategyDegradeService, StrategyQueueRequest}, got)
}

func TestNewChain_StableForEqualPriorities(t *testing.T) {
	chain, err := NewChain(
		Action{Strategy: StrategyUseCache, Priority: 1},
		Action{Strategy: StrategyDegradeService, Priority: 1},
	)
	require.NoError(t, err)
	assert.Equal(t, StrategyUseCache, chain[0].Strategy)
	assert.Equal(t, StrategyDegradeService, chain[1].Strategy)
}

func TestChainSet_ValidateRejectsBadAction(t *testing.T) {
	cs := ChainSet{
		"api_quota": {
			{Strategy: StrategySwitchProvider}, // missing target
		},
	}
	err := cs.Validate()
	require.Error(t, err)
	assert.True(t, apperrors.IsType(err, apperrors.ErrorTypeConfiguration))
}

func TestDefaultChains_AreValid(t *testing.T) {
	chains := DefaultChains()
	require.NoError(t, chains.Validate())
	assert.NotEmpty(t, chains)

	for resourceType, chain := range chains {
		require.NotEmpty(t, chain, "chain for %s", resourceType)
		for i := 1; i < len(chain); i++ {
			assert.LessOrEqual(t, chain[i-1].Priority, chain[i].Priority,
				"chain for %s must be ordered", resourceType)
		}
	}
}
