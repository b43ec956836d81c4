package kvstore

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stillpoint/progression/internal/domain/progression"
	"github.com/stillpoint/progression/internal/domain/shared"
	"github.com/stillpoint/progression/pkg/circuitbreaker"
	"github.com/stillpoint/progression/pkg/logger"
)

func newTestStore(t *testing.T) (*Store, *Memory) {
	t.Helper()
	mem := NewMemory()
	return New(mem, progression.MustDefaultCatalog(), logger.Discard()), mem
}

// failingKV fails every call with err.
type failingKV struct {
	err   error
	calls int
}

func (f *failingKV) Get(context.Context, string) ([]byte, bool, error) {
	f.calls++
	return nil, false, f.err
}

func (f *failingKV) Set(context.Context, string, []byte) error {
	f.calls++
	return f.err
}

func (f *failingKV) Remove(context.Context, string) error {
	f.calls++
	return f.err
}

func TestStore_LoadProfile_FreshUser(t *testing.T) {
	s, _ := newTestStore(t)
	cat := progression.MustDefaultCatalog()

	p, report := s.LoadProfile(context.Background(), "u1")

	assert.ElementsMatch(t, progression.ProfileCategories, report.Missing)
	assert.Empty(t, report.Corrupt)
	assert.Equal(t, 0, p.XP())
	assert.Equal(t, 1, p.Level())
	assert.Equal(t, cat.AchievementTemplates(), p.Achievements)
	assert.Equal(t, progression.NewProfile("u1", cat).Badges, p.Badges)
}

func TestStore_RoundTrip(t *testing.T) {
	ctx := context.Background()
	s, mem := newTestStore(t)
	uid := shared.UserID("u1")

	p, _ := s.LoadProfile(ctx, uid)
	p.Achievement("first_breath").Increment(1)
	p.Badge("collector").Increment(12)
	p.Character.AddXP(60)

	require.NoError(t, s.SaveAchievements(ctx, uid, p.Achievements))
	require.NoError(t, s.SaveBadges(ctx, uid, p.Badges))
	require.NoError(t, s.SaveXP(ctx, uid, p.XP()))
	require.NoError(t, s.SaveLevel(ctx, uid, p.Level()))

	assert.Equal(t, []string{"achievements_u1", "badges_u1", "level_u1", "xp_u1"}, mem.Keys())

	loaded, report := s.LoadProfile(ctx, uid)
	assert.False(t, report.Fallbacks())
	assert.Equal(t, p, loaded)
}

func TestStore_CorruptCategoryFallsBackAlone(t *testing.T) {
	ctx := context.Background()
	s, mem := newTestStore(t)

	require.NoError(t, s.SaveXP(ctx, "u1", 30))
	require.NoError(t, mem.Set(ctx, "level_u1", []byte(`"three"`)))
	require.NoError(t, mem.Set(ctx, "badges_u1", []byte(`{not json`)))

	p, report := s.LoadProfile(ctx, "u1")

	assert.ElementsMatch(t, []progression.Category{progression.CategoryLevel, progression.CategoryBadges}, report.Corrupt)
	assert.Equal(t, []progression.Category{progression.CategoryAchievements}, report.Missing)
	assert.Equal(t, 30, p.XP())
	assert.Equal(t, 1, p.Level())
	assert.Equal(t, progression.NewProfile("u1", progression.MustDefaultCatalog()).Badges, p.Badges)
}

func TestStore_FallbackLevelBadgeMirrorsStoredLevel(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t)

	require.NoError(t, s.SaveLevel(ctx, "u1", 5))

	p, report := s.LoadProfile(ctx, "u1")
	assert.Contains(t, report.Missing, progression.CategoryBadges)

	meta := p.Badge("level_up")
	assert.Equal(t, 5, meta.Progress)
	assert.Equal(t, 2, meta.Level)
}

func TestStore_OutOfRangeNumbersAreCorrupt(t *testing.T) {
	ctx := context.Background()
	s, mem := newTestStore(t)

	require.NoError(t, mem.Set(ctx, "xp_u1", []byte(`-5`)))
	require.NoError(t, mem.Set(ctx, "level_u1", []byte(`0`)))

	p, report := s.LoadProfile(ctx, "u1")
	assert.ElementsMatch(t, []progression.Category{progression.CategoryXP, progression.CategoryLevel}, report.Corrupt)
	assert.Equal(t, 0, p.XP())
	assert.Equal(t, 1, p.Level())
}

func TestStore_ReconcilesAgainstCatalog(t *testing.T) {
	ctx := context.Background()
	s, mem := newTestStore(t)

	stored := `[{"id":"first_breath","is_unlocked":true,"progress":1,"goal":1},{"id":"retired","is_unlocked":true,"progress":1,"goal":1}]`
	require.NoError(t, mem.Set(ctx, "achievements_u1", []byte(stored)))

	p, report := s.LoadProfile(ctx, "u1")
	assert.NotContains(t, report.Corrupt, progression.CategoryAchievements)

	assert.Nil(t, p.Achievement("retired"))
	require.NotNil(t, p.Achievement("first_breath"))
	assert.True(t, p.Achievement("first_breath").IsUnlocked)
	require.NotNil(t, p.Achievement("journal_keeper"))
	assert.False(t, p.Achievement("journal_keeper").IsUnlocked)
	assert.Equal(t, 1, p.UnlockedCount())
}

func TestStore_BackendErrorsAreReported(t *testing.T) {
	kv := &failingKV{err: errors.New("disk I/O error")}
	s := New(kv, progression.MustDefaultCatalog(), logger.Discard())

	p, report := s.LoadProfile(context.Background(), "u1")
	assert.Len(t, report.Errors, len(progression.ProfileCategories))
	assert.Equal(t, 1, p.Level())

	assert.Error(t, s.SaveXP(context.Background(), "u1", 5))
}

func TestStore_Streaks(t *testing.T) {
	ctx := context.Background()
	s, mem := newTestStore(t)

	state, err := s.LoadStreak(ctx, "u1", "affirmation")
	require.NoError(t, err)
	assert.Equal(t, progression.StreakState{}, state)

	want := progression.StreakState{Count: 4, LastActiveDate: "2026-03-04"}
	require.NoError(t, s.SaveStreak(ctx, "u1", "affirmation", want))
	assert.Contains(t, mem.Keys(), "streak_affirmation_u1")

	state, err = s.LoadStreak(ctx, "u1", "affirmation")
	require.NoError(t, err)
	assert.Equal(t, want, state)

	require.NoError(t, mem.Set(ctx, "streak_affirmation_u1", []byte(`[]`)))
	state, err = s.LoadStreak(ctx, "u1", "affirmation")
	require.NoError(t, err)
	assert.Equal(t, progression.StreakState{}, state)

	require.NoError(t, s.RemoveStreak(ctx, "u1", "affirmation"))
	assert.NotContains(t, mem.Keys(), "streak_affirmation_u1")
}

func TestStore_ClearProfileKeepsStreaks(t *testing.T) {
	ctx := context.Background()
	s, mem := newTestStore(t)

	require.NoError(t, s.SaveXP(ctx, "u1", 5))
	require.NoError(t, s.SaveLevel(ctx, "u1", 2))
	require.NoError(t, s.SaveStreak(ctx, "u1", "app_open", progression.StreakState{Count: 1, LastActiveDate: "2026-01-01"}))

	require.NoError(t, s.ClearProfile(ctx, "u1"))
	assert.Equal(t, []string{"streak_app_open_u1"}, mem.Keys())
}

func TestMemory_CopiesValues(t *testing.T) {
	ctx := context.Background()
	mem := NewMemory()

	buf := []byte("10")
	require.NoError(t, mem.Set(ctx, "xp_u1", buf))
	buf[0] = '9'

	got, found, err := mem.Get(ctx, "xp_u1")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, []byte("10"), got)

	got[0] = '7'
	again, _, _ := mem.Get(ctx, "xp_u1")
	assert.Equal(t, []byte("10"), again)
}

func TestGuarded_OpensAfterFailures(t *testing.T) {
	ctx := context.Background()
	kv := &failingKV{err: errors.New("connection refused")}
	g := NewGuarded(kv, circuitbreaker.StoreBreaker("redis", nil), time.Second)

	for i := 0; i < 3; i++ {
		err := g.Set(ctx, "xp_u1", []byte("1"))
		assert.EqualError(t, err, "connection refused")
	}
	assert.Equal(t, circuitbreaker.StateOpen, g.State())

	err := g.Set(ctx, "xp_u1", []byte("1"))
	assert.ErrorIs(t, err, shared.ErrStoreUnavailable)
	assert.True(t, shared.IsRetryable(err))
	assert.Equal(t, 3, kv.calls)
}

// slowKV blocks until the context is done.
type slowKV struct{}

func (slowKV) Get(ctx context.Context, _ string) ([]byte, bool, error) {
	<-ctx.Done()
	return nil, false, ctx.Err()
}

func (slowKV) Set(ctx context.Context, _ string, _ []byte) error {
	<-ctx.Done()
	return ctx.Err()
}

func (slowKV) Remove(ctx context.Context, _ string) error {
	<-ctx.Done()
	return ctx.Err()
}

func TestGuarded_Timeout(t *testing.T) {
	g := NewGuarded(slowKV{}, circuitbreaker.StoreBreaker("postgres", nil), 10*time.Millisecond)

	_, _, err := g.Get(context.Background(), "xp_u1")
	assert.ErrorIs(t, err, shared.ErrStoreTimeout)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestGuarded_PassesThrough(t *testing.T) {
	ctx := context.Background()
	mem := NewMemory()
	g := NewGuarded(mem, circuitbreaker.StoreBreaker("memory", nil), 0)

	require.NoError(t, g.Set(ctx, "k", []byte("v")))
	v, found, err := g.Get(ctx, "k")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, []byte("v"), v)
	require.NoError(t, g.Remove(ctx, "k"))
	assert.Empty(t, mem.Keys())
}
