package config

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFeatureFlags_Defaults(t *testing.T) {
	ff := NewFeatureFlags()

	assert.True(t, ff.IsEnabled(FeatureCelebrations, nil))
	assert.True(t, ff.IsEnabled(FeatureAdminReset, nil))
	assert.False(t, ff.IsEnabled(FeatureRedisFanout, nil))
	assert.False(t, ff.IsEnabled("does.not_exist", nil))
}

func TestFeatureFlags_EnvOverride(t *testing.T) {
	t.Setenv("FEATURE_EVENTS_REDIS_FANOUT", "true")
	t.Setenv("FEATURE_PROGRESSION_CELEBRATIONS", "0")

	ff := LoadFeatureFlags()

	assert.True(t, ff.IsEnabled(FeatureRedisFanout, nil))
	assert.False(t, ff.IsEnabled(FeatureCelebrations, &FeatureContext{UserID: "u1"}))
}

func TestFeatureFlags_RolloutIsStablePerUser(t *testing.T) {
	ff := NewFeatureFlags()
	require.NoError(t, ff.SetRolloutPercent(FeatureCelebrations, 50))

	in := 0
	for i := 0; i < 200; i++ {
		ctx := &FeatureContext{UserID: fmt.Sprintf("user-%d", i)}
		first := ff.IsEnabled(FeatureCelebrations, ctx)
		assert.Equal(t, first, ff.IsEnabled(FeatureCelebrations, ctx))
		if first {
			in++
		}
	}

	assert.Greater(t, in, 0)
	assert.Less(t, in, 200)
}

func TestFeatureFlags_UserOverrideWins(t *testing.T) {
	ff := NewFeatureFlags()
	ctx := &FeatureContext{UserID: "beta-tester"}

	ff.SetUserOverride("beta-tester", FeatureRedisFanout, true)
	assert.True(t, ff.IsEnabled(FeatureRedisFanout, ctx))

	ff.ClearUserOverrides("beta-tester")
	assert.False(t, ff.IsEnabled(FeatureRedisFanout, ctx))
}

func TestFeatureFlags_TimeWindow(t *testing.T) {
	ff := NewFeatureFlags()
	now := time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)
	ff.now = func() time.Time { return now }

	from := now.Add(time.Hour)
	ff.features[FeatureAdminReset].EnabledFrom = &from

	assert.False(t, ff.IsEnabled(FeatureAdminReset, nil))
	now = now.Add(2 * time.Hour)
	assert.True(t, ff.IsEnabled(FeatureAdminReset, nil))
}

func TestFeatureFlags_GetVariant(t *testing.T) {
	ff := NewFeatureFlags()
	ctx := &FeatureContext{UserID: "u42"}

	v := ff.GetVariant(FeatureCelebrations, ctx)
	assert.Contains(t, []string{"confetti", "glow", "ripple"}, v)
	assert.Equal(t, v, ff.GetVariant(FeatureCelebrations, ctx))

	require.NoError(t, ff.DisableFeature(FeatureCelebrations))
	assert.Empty(t, ff.GetVariant(FeatureCelebrations, ctx))
}

func TestFeatureFlags_SetRolloutPercentErrors(t *testing.T) {
	ff := NewFeatureFlags()

	assert.ErrorIs(t, ff.SetRolloutPercent("nope", 10), ErrFeatureNotFound)
	assert.ErrorIs(t, ff.SetRolloutPercent(FeatureCelebrations, 101), ErrInvalidRolloutPercent)
}
