package strategies_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/betbot/paperbot/internal/domain"
	"github.com/betbot/paperbot/internal/strategies"
	_ "github.com/betbot/paperbot/internal/strategies/all"
)

func TestRegistry_BuiltinsRegistered(t *testing.T) {
	ids := strategies.IDs()
	assert.Contains(t, ids, "momentum")
	assert.Contains(t, ids, "contrarianextreme")
	assert.Contains(t, ids, "spreadbounce")
}

func TestRegistry_LoadWithConfig(t *testing.T) {
	s, err := strategies.Load("contrarianextreme", map[string]any{
		"extreme_high": 0.95,
		"extreme_low":  0.05,
	})
	require.NoError(t, err)
	assert.Equal(t, "contrarianextreme", s.ID())

	// 0.90 在默认配置下算极值，调高阈值后不再触发
	snap := &domain.MarketSnapshot{
		BestBid: 0.89, BestAsk: 0.91, Mid: 0.90, SpreadBps: 22,
	}
	assert.Nil(t, s.Evaluate(snap))
}

func TestRegistry_LoadUnknown(t *testing.T) {
	_, err := strategies.Load("nope", nil)
	assert.Error(t, err)
}
