package engine

import (
	"context"
	"errors"
	"math"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stillpoint/progression/internal/domain/progression"
	"github.com/stillpoint/progression/internal/domain/shared"
	"github.com/stillpoint/progression/internal/infrastructure/persistence/kvstore"
	"github.com/stillpoint/progression/pkg/logger"
	"github.com/stillpoint/progression/pkg/timeutil"
)

var day1 = time.Date(2026, 3, 2, 9, 30, 0, 0, time.UTC)

// recorder collects events in dispatch order.
type recorder struct {
	mu     sync.Mutex
	events []shared.Event
}

func (r *recorder) OnEvent(_ context.Context, e shared.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *recorder) types() []shared.EventType {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]shared.EventType, len(r.events))
	for i, e := range r.events {
		out[i] = e.EventType()
	}
	return out
}

func (r *recorder) reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = nil
}

type fixture struct {
	engine *Engine
	store  *kvstore.Store
	mem    *kvstore.Memory
	clock  *timeutil.FixedClock
	events *recorder
	cfg    Config
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	cat := progression.MustDefaultCatalog()
	mem := kvstore.NewMemory()
	store := kvstore.New(mem, cat, logger.Discard())
	clock := timeutil.NewFixedClock(day1)
	rec := &recorder{}

	cfg := Config{
		Catalog:  cat,
		Store:    store,
		Calendar: timeutil.NewCalendar(time.UTC),
		Clock:    clock,
		Listener: rec,
		Logger:   logger.Discard(),
	}
	e, err := New(context.Background(), "u1", cfg)
	require.NoError(t, err)

	return &fixture{engine: e, store: store, mem: mem, clock: clock, events: rec, cfg: cfg}
}

func TestNew_RequiresCollaborators(t *testing.T) {
	_, err := New(context.Background(), "u1", Config{})
	assert.Error(t, err)

	_, err = New(context.Background(), "u1", Config{Catalog: progression.MustDefaultCatalog()})
	assert.Error(t, err)
}

func TestNew_EmptyUserIsDefault(t *testing.T) {
	f := newFixture(t)
	e, err := New(context.Background(), "", f.cfg)
	require.NoError(t, err)
	assert.Equal(t, shared.DefaultUserID, e.UserID())
}

// ══════════════════════════════════════════════════════════════════════════════
// SCENARIOS
// ══════════════════════════════════════════════════════════════════════════════

func TestScenarioA_FirstAchievementUnlock(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	unlocked := f.engine.IncrementAchievement(ctx, "first_breath", 1)

	assert.True(t, unlocked)
	assert.Equal(t, 20, f.engine.XP())
	assert.Equal(t, 1, f.engine.Level())

	a, ok := f.engine.Achievement("first_breath")
	require.True(t, ok)
	assert.True(t, a.IsUnlocked)
	assert.Equal(t, 1, a.Progress)

	assert.Equal(t, []shared.EventType{shared.EventAchievementUnlocked, shared.EventXPGained}, f.events.types())
}

func TestScenarioB_BadgeFirstMilestone(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	leveledUp, level := f.engine.IncrementBadge(ctx, "collector", 10)

	assert.True(t, leveledUp)
	assert.Equal(t, 1, level)

	b, ok := f.engine.Badge("collector")
	require.True(t, ok)
	assert.Equal(t, 1, b.Level)
	assert.Equal(t, 0, b.Progress)
	assert.Equal(t, 15, f.engine.XP())
}

func TestScenarioC_StreakBelowConsistencyMilestone(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	streak, changed := f.engine.RecordActivity(ctx, "affirmation", day1)
	assert.Equal(t, 1, streak)
	assert.True(t, changed)

	streak, changed = f.engine.RecordActivity(ctx, "affirmation", day1.AddDate(0, 0, 1))
	assert.Equal(t, 2, streak)
	assert.True(t, changed)

	assert.False(t, f.engine.UpdateConsistency(ctx, 2))

	b, ok := f.engine.Badge("consistency")
	require.True(t, ok)
	assert.Equal(t, 0, b.Level)
	assert.Equal(t, 2, b.Progress)
	assert.Equal(t, 0, f.engine.XP())
}

func TestScenarioD_RepeatedAddXP(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.engine.AddXP(ctx, 60)
	assert.Equal(t, 10, f.engine.XP())
	assert.Equal(t, 2, f.engine.Level())

	f.engine.AddXP(ctx, 60)
	assert.Equal(t, 70, f.engine.XP())
	assert.Equal(t, 2, f.engine.Level())

	meta, ok := f.engine.Badge("level_up")
	require.True(t, ok)
	assert.Equal(t, 1, meta.Level)
	assert.Equal(t, 2, meta.Progress)

	assert.Equal(t, []shared.EventType{
		shared.EventXPGained, shared.EventLevelUp, shared.EventBadgeLeveledUp,
		shared.EventXPGained,
	}, f.events.types())
}

// ══════════════════════════════════════════════════════════════════════════════
// PROPERTIES
// ══════════════════════════════════════════════════════════════════════════════

func TestAchievement_UnlockIsMonotonic(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	assert.False(t, f.engine.IncrementAchievement(ctx, "mood_tracker", 3))
	assert.True(t, f.engine.IncrementAchievement(ctx, "mood_tracker", 4))
	assert.False(t, f.engine.IncrementAchievement(ctx, "mood_tracker", 10))

	a, _ := f.engine.Achievement("mood_tracker")
	assert.True(t, a.IsUnlocked)
	assert.Equal(t, 7, a.Progress)
	assert.Equal(t, 30, f.engine.XP())
}

func TestAchievement_NoOps(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	assert.False(t, f.engine.IncrementAchievement(ctx, "does_not_exist", 1))
	assert.False(t, f.engine.IncrementAchievement(ctx, "first_breath", 0))
	assert.False(t, f.engine.IncrementAchievement(ctx, "first_breath", -3))
	assert.Empty(t, f.mem.Keys())
	assert.Empty(t, f.events.types())
}

func TestBadge_LevelIsBounded(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	leveledUp, level := f.engine.IncrementBadge(ctx, "shaker", 10_000)
	assert.True(t, leveledUp)
	assert.Equal(t, progression.MaxBadgeLevel, level)
	assert.Equal(t, 30, f.engine.XP(), "three levels at 10 XP each")

	leveledUp, level = f.engine.IncrementBadge(ctx, "shaker", 10_000)
	assert.False(t, leveledUp)
	assert.Equal(t, progression.MaxBadgeLevel, level)

	b, _ := f.engine.Badge("shaker")
	assert.True(t, b.IsMaxed())
}

func TestBadge_NoOps(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	leveledUp, level := f.engine.IncrementBadge(ctx, "nope", 5)
	assert.False(t, leveledUp)
	assert.Equal(t, 0, level)

	leveledUp, _ = f.engine.IncrementBadge(ctx, "consistency", 100)
	assert.False(t, leveledUp)
	b, _ := f.engine.Badge("consistency")
	assert.Equal(t, 0, b.Progress)

	leveledUp, _ = f.engine.IncrementBadge(ctx, "explorer", -1)
	assert.False(t, leveledUp)
}

func TestBadge_GoalOnlyBadge(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	leveledUp, level := f.engine.IncrementBadge(ctx, "explorer", 5)
	assert.True(t, leveledUp)
	assert.Equal(t, 1, level)

	leveledUp, level = f.engine.IncrementBadge(ctx, "explorer", 50)
	assert.False(t, leveledUp)
	assert.Equal(t, 1, level)
}

func TestUpdateConsistency_JumpAwardsOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	assert.True(t, f.engine.UpdateConsistency(ctx, 8))

	b, _ := f.engine.Badge("consistency")
	assert.Equal(t, 2, b.Level)
	assert.Equal(t, 8, b.Progress)
	assert.Equal(t, 30, f.engine.XP())

	assert.False(t, f.engine.UpdateConsistency(ctx, 1), "level never drops")
	b, _ = f.engine.Badge("consistency")
	assert.Equal(t, 2, b.Level)
	assert.Equal(t, 1, b.Progress)
}

func TestUpdateConsistencyBadge_RejectsOtherKinds(t *testing.T) {
	f := newFixture(t)
	assert.False(t, f.engine.UpdateConsistencyBadge(context.Background(), "shaker", 50))
}

func TestAddXP_NegativeIsNoOpAndLargeGrants(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.engine.AddXP(ctx, -10)
	f.engine.AddXP(ctx, 0)
	assert.Equal(t, 0, f.engine.XP())
	assert.Equal(t, 1, f.engine.Level())
	assert.Empty(t, f.events.types())

	f.engine.AddXP(ctx, math.MaxInt/1_000_000)
	f.engine.AddXP(ctx, math.MaxInt/1_000_000)
	assert.GreaterOrEqual(t, f.engine.XP(), 0)
	assert.Greater(t, f.engine.Level(), 1)

	meta, _ := f.engine.Badge("level_up")
	assert.Equal(t, progression.MaxBadgeLevel, meta.Level)
}

func TestAddXP_LevelNeverDecreases(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	prev := f.engine.Level()
	for _, amount := range []int{5, 45, -20, 300, 0, 1, 999} {
		f.engine.AddXP(ctx, amount)
		assert.GreaterOrEqual(t, f.engine.Level(), prev)
		assert.GreaterOrEqual(t, f.engine.XP(), 0)
		assert.Less(t, f.engine.XP(), progression.LevelThreshold(f.engine.Level()))
		prev = f.engine.Level()
	}
}

// ══════════════════════════════════════════════════════════════════════════════
// STREAKS
// ══════════════════════════════════════════════════════════════════════════════

func TestRecordActivity_SameDayIsIdempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.engine.RecordActivity(ctx, "app_open", day1)
	streak, changed := f.engine.RecordActivity(ctx, "app_open", day1.Add(8*time.Hour))

	assert.Equal(t, 1, streak)
	assert.False(t, changed)
	assert.Equal(t, []shared.EventType{shared.EventStreakUpdated}, f.events.types())
}

func TestRecordActivity_GapRestarts(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.engine.RecordActivity(ctx, "app_open", day1)
	f.engine.RecordActivity(ctx, "app_open", day1.AddDate(0, 0, 1))
	f.events.reset()

	streak, changed := f.engine.RecordActivity(ctx, "app_open", day1.AddDate(0, 0, 4))
	assert.Equal(t, 1, streak)
	assert.True(t, changed)

	require.Len(t, f.events.events, 2)
	broken, ok := f.events.events[0].(shared.StreakBrokenEvent)
	require.True(t, ok)
	assert.Equal(t, 2, broken.PreviousStreak)
	assert.Equal(t, 2, broken.DaysMissed)
	assert.Equal(t, shared.EventStreakUpdated, f.events.events[1].EventType())
}

func TestRecordActivity_ClockBackwardsKeepsStreak(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.engine.RecordActivity(ctx, "app_open", day1)
	streak, changed := f.engine.RecordActivity(ctx, "app_open", day1.AddDate(0, 0, -3))
	assert.Equal(t, 1, streak)
	assert.False(t, changed)
	assert.Equal(t, "2026-03-02", f.engine.Streak(ctx, "app_open").LastActiveDate)
}

func TestRecordActivity_UsesCalendarDays(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	lateNight := time.Date(2026, 3, 2, 23, 50, 0, 0, time.UTC)
	f.engine.RecordActivity(ctx, "journal", lateNight)
	streak, changed := f.engine.RecordActivity(ctx, "journal", lateNight.Add(20*time.Minute))

	assert.Equal(t, 2, streak)
	assert.True(t, changed)
}

func TestCheckIn_FeedsBoundConsistencyBadge(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	var last CheckInResult
	for i := 0; i < 3; i++ {
		last = f.engine.CheckIn(ctx, "affirmation")
		f.clock.AddDays(1)
	}

	assert.Equal(t, 3, last.Count)
	assert.Equal(t, "consistency", last.BadgeID)
	assert.True(t, last.BadgeLeveledUp)

	b, _ := f.engine.Badge("consistency")
	assert.Equal(t, 1, b.Level)
	assert.Equal(t, 30, f.engine.XP())
}

func TestCheckIn_UnboundStreakAndFeatureGate(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	res := f.engine.CheckIn(ctx, "app_open")
	assert.Equal(t, 1, res.Count)
	assert.Empty(t, res.BadgeID)

	cfg := f.cfg
	cfg.FeedConsistency = func(shared.UserID) bool { return false }
	gated, err := New(ctx, "u2", cfg)
	require.NoError(t, err)

	res = gated.CheckIn(ctx, "affirmation")
	assert.Equal(t, 1, res.Count)
	assert.Empty(t, res.BadgeID)
	b, _ := gated.Badge("consistency")
	assert.Equal(t, 0, b.Progress)
}

func TestResetStreak(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.engine.RecordActivity(ctx, "app_open", day1)
	assert.Contains(t, f.mem.Keys(), "streak_app_open_u1")

	f.engine.ResetStreak(ctx, "app_open")
	assert.NotContains(t, f.mem.Keys(), "streak_app_open_u1")
	assert.Equal(t, progression.StreakState{}, f.engine.Streak(ctx, "app_open"))
}

// ══════════════════════════════════════════════════════════════════════════════
// PERSISTENCE & LIFECYCLE
// ══════════════════════════════════════════════════════════════════════════════

func TestEngine_StateSurvivesRestart(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.engine.IncrementAchievement(ctx, "first_breath", 1)
	f.engine.IncrementBadge(ctx, "breath_master", 45)
	f.engine.AddXP(ctx, 40)
	f.engine.RecordActivity(ctx, "affirmation", day1)

	restarted, err := New(ctx, "u1", f.cfg)
	require.NoError(t, err)

	assert.Equal(t, f.engine.Snapshot(), restarted.Snapshot())
	assert.Equal(t, 1, restarted.Streak(ctx, "affirmation").Count)

	streak, _ := restarted.RecordActivity(ctx, "affirmation", day1.AddDate(0, 0, 1))
	assert.Equal(t, 2, streak)
}

func TestEngine_ProfilesAreIsolated(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	other, err := New(ctx, "u2", f.cfg)
	require.NoError(t, err)

	f.engine.AddXP(ctx, 30)
	assert.Equal(t, 0, other.XP())
}

func TestEngine_ResetAll(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.engine.IncrementAchievement(ctx, "first_breath", 1)
	f.engine.IncrementBadge(ctx, "collector", 30)
	f.engine.RecordActivity(ctx, "affirmation", day1)
	f.events.reset()

	f.engine.ResetAll(ctx)

	assert.Equal(t, 0, f.engine.XP())
	assert.Equal(t, 1, f.engine.Level())
	assert.Equal(t, 0, f.engine.Snapshot().UnlockedCount())
	b, _ := f.engine.Badge("collector")
	assert.Equal(t, 0, b.Level)
	assert.Equal(t, 1, f.engine.Streak(ctx, "affirmation").Count)
	assert.Equal(t, []shared.EventType{shared.EventReset}, f.events.types())

	restarted, err := New(ctx, "u1", f.cfg)
	require.NoError(t, err)
	assert.Equal(t, 0, restarted.XP())
	assert.Equal(t, 0, restarted.Snapshot().UnlockedCount())
}

func TestEngine_Reload(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.store.SaveXP(ctx, "u1", 42))
	assert.Equal(t, 0, f.engine.XP())

	f.engine.Reload(ctx)
	assert.Equal(t, 42, f.engine.XP())
}

func TestEngine_SnapshotIsACopy(t *testing.T) {
	f := newFixture(t)

	snap := f.engine.Snapshot()
	snap.Badges[0].Level = 3
	snap.Badges[0].Milestones[0] = 999
	snap.Character.XP = 1000

	b, _ := f.engine.Badge(snap.Badges[0].ID)
	assert.Equal(t, 0, b.Level)
	assert.NotEqual(t, 999, b.Milestones[0])
	assert.Equal(t, 0, f.engine.XP())
}

// brokenKV fails every call.
type brokenKV struct{}

func (brokenKV) Get(context.Context, string) ([]byte, bool, error) {
	return nil, false, errors.New("store offline")
}
func (brokenKV) Set(context.Context, string, []byte) error { return errors.New("store offline") }
func (brokenKV) Remove(context.Context, string) error      { return errors.New("store offline") }

func TestEngine_StoreFailuresAreSwallowed(t *testing.T) {
	ctx := context.Background()
	cat := progression.MustDefaultCatalog()
	cfg := Config{
		Catalog: cat,
		Store:   kvstore.New(brokenKV{}, cat, logger.Discard()),
		Clock:   timeutil.NewFixedClock(day1),
		Logger:  logger.Discard(),
	}

	e, err := New(ctx, "u1", cfg)
	require.NoError(t, err)

	assert.True(t, e.IncrementAchievement(ctx, "first_breath", 1))
	assert.Equal(t, 20, e.XP())

	streak, changed := e.RecordActivity(ctx, "app_open", day1)
	assert.Equal(t, 1, streak)
	assert.True(t, changed)

	streak, _ = e.RecordActivity(ctx, "app_open", day1.AddDate(0, 0, 1))
	assert.Equal(t, 2, streak, "in-memory streak stays authoritative")
}

func TestEngine_ListenerMayReenter(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	var seenXP []int
	f.engine.cfg.Listener = ListenerFunc(func(ctx context.Context, e shared.Event) {
		seenXP = append(seenXP, f.engine.XP())
	})

	f.engine.IncrementAchievement(ctx, "first_journal", 1)
	assert.Equal(t, []int{20, 20}, seenXP)
}

func TestEngine_ConcurrentIncrements(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			f.engine.IncrementBadge(ctx, "breath_master", 1)
			f.engine.IncrementAchievement(ctx, "breathwork_pro", 1)
		}()
	}
	wg.Wait()

	b, _ := f.engine.Badge("breath_master")
	assert.Equal(t, 1, b.Level)
	assert.Equal(t, 20, b.Progress)

	a, _ := f.engine.Achievement("breathwork_pro")
	assert.True(t, a.IsUnlocked)
}

// flakyKV wraps a Memory store and fails every call while down is set.
type flakyKV struct {
	*kvstore.Memory
	down atomic.Bool
}

var errOffline = errors.New("store offline")

func (f *flakyKV) Get(ctx context.Context, key string) ([]byte, bool, error) {
	if f.down.Load() {
		return nil, false, errOffline
	}
	return f.Memory.Get(ctx, key)
}

func (f *flakyKV) Set(ctx context.Context, key string, value []byte) error {
	if f.down.Load() {
		return errOffline
	}
	return f.Memory.Set(ctx, key, value)
}

func (f *flakyKV) Remove(ctx context.Context, key string) error {
	if f.down.Load() {
		return errOffline
	}
	return f.Memory.Remove(ctx, key)
}

func newFlakyConfig() (Config, *flakyKV) {
	cat := progression.MustDefaultCatalog()
	kv := &flakyKV{Memory: kvstore.NewMemory()}
	return Config{
		Catalog:  cat,
		Store:    kvstore.New(kv, cat, logger.Discard()),
		Calendar: timeutil.NewCalendar(time.UTC),
		Clock:    timeutil.NewFixedClock(day1),
		Logger:   logger.Discard(),
	}, kv
}

func TestEngine_FailedLoadNeverOverwritesStoredProgress(t *testing.T) {
	ctx := context.Background()
	cfg, kv := newFlakyConfig()

	first, err := New(ctx, "alice", cfg)
	require.NoError(t, err)
	first.AddXP(ctx, 400)
	first.IncrementAchievement(ctx, "first_breath", 1)
	before := first.Snapshot()
	require.Greater(t, before.Level(), 1)

	kv.down.Store(true)
	second, err := New(ctx, "alice", cfg)
	require.NoError(t, err)
	assert.True(t, second.degraded)
	kv.down.Store(false)

	// the next operation retries the load before mutating
	second.IncrementBadge(ctx, "shaker", 1)
	second.AddXP(ctx, 5)
	assert.False(t, second.degraded)

	fresh, err := New(ctx, "alice", cfg)
	require.NoError(t, err)
	assert.Equal(t, before.Level(), fresh.Level())
	assert.Equal(t, before.XP()+5, fresh.XP())
	a, _ := fresh.Achievement("first_breath")
	assert.True(t, a.IsUnlocked)
	b, _ := fresh.Badge("shaker")
	assert.Equal(t, 1, b.Progress)
}

func TestEngine_DegradedWritesStayInMemory(t *testing.T) {
	ctx := context.Background()
	cfg, kv := newFlakyConfig()

	seed, err := New(ctx, "alice", cfg)
	require.NoError(t, err)
	seed.AddXP(ctx, 120)

	kv.down.Store(true)
	e, err := New(ctx, "alice", cfg)
	require.NoError(t, err)

	e.AddXP(ctx, 10)
	assert.Equal(t, 10, e.XP())

	kv.down.Store(false)
	stored, err := New(ctx, "alice", cfg)
	require.NoError(t, err)
	assert.Equal(t, seed.Level(), stored.Level())
	assert.Equal(t, seed.XP(), stored.XP())

	// recovery replaces the outage-time profile with the stored one
	e.AddXP(ctx, 5)
	assert.Equal(t, seed.XP()+5, e.XP())
}

func TestEngine_FailedStreakLoadIsRetried(t *testing.T) {
	ctx := context.Background()
	cfg, kv := newFlakyConfig()

	e, err := New(ctx, "alice", cfg)
	require.NoError(t, err)
	for d := 0; d < 4; d++ {
		e.RecordActivity(ctx, "affirmation", day1.AddDate(0, 0, d))
	}

	kv.down.Store(true)
	other, err := New(ctx, "alice", cfg)
	require.NoError(t, err)
	count, changed := other.RecordActivity(ctx, "affirmation", day1.AddDate(0, 0, 4))
	assert.Equal(t, 1, count)
	assert.True(t, changed)
	kv.down.Store(false)

	assert.Equal(t, 4, other.Streak(ctx, "affirmation").Count)
	count, _ = other.RecordActivity(ctx, "affirmation", day1.AddDate(0, 0, 4))
	assert.Equal(t, 5, count)
}

func TestEngine_ResetAllPersistsWhileDegraded(t *testing.T) {
	ctx := context.Background()
	cfg, kv := newFlakyConfig()

	seed, err := New(ctx, "alice", cfg)
	require.NoError(t, err)
	seed.AddXP(ctx, 120)

	kv.down.Store(true)
	e, err := New(ctx, "alice", cfg)
	require.NoError(t, err)
	kv.down.Store(false)

	e.ResetAll(ctx)
	assert.False(t, e.degraded)

	fresh, err := New(ctx, "alice", cfg)
	require.NoError(t, err)
	assert.Equal(t, 0, fresh.XP())
	assert.Equal(t, 1, fresh.Level())
}

// ══════════════════════════════════════════════════════════════════════════════
// OUTCOMES
// ══════════════════════════════════════════════════════════════════════════════

func TestApply_OutcomeCapturesTarget(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	o := f.engine.ApplyAchievement(ctx, "first_breath", 1)
	assert.True(t, o.Changed)
	assert.Equal(t, 1, o.LevelBefore)
	assert.Equal(t, 20, o.XP)
	require.NotNil(t, o.Achievement)
	assert.True(t, o.Achievement.IsUnlocked)

	o = f.engine.ApplyBadge(ctx, "collector", 10)
	assert.True(t, o.Changed)
	require.NotNil(t, o.Badge)
	assert.Equal(t, "collector", o.Badge.ID)
	assert.Equal(t, 1, o.Badge.Level)
	o.Badge.Milestones[0] = 999
	b, _ := f.engine.Badge("collector")
	assert.Equal(t, 10, b.Milestones[0])

	o = f.engine.ApplyXP(ctx, 40)
	assert.True(t, o.LevelUp())
	assert.True(t, o.Changed)
	assert.Equal(t, 2, o.Level)

	o = f.engine.ApplyBadge(ctx, "retired", 1)
	assert.False(t, o.Changed)
	assert.Nil(t, o.Badge)

	o = f.engine.ApplyConsistency(ctx, "", 3)
	assert.True(t, o.Changed)
	require.NotNil(t, o.Badge)
	assert.Equal(t, "consistency", o.Badge.ID)

	res, o := f.engine.ApplyActivity(ctx, "app_open", day1)
	assert.True(t, res.Changed)
	require.NotNil(t, o.Streak)
	assert.Equal(t, "2026-03-02", o.Streak.LastActiveDate)
}

func TestApply_ConcurrentLevelUpsAreAttributedOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	const grants = 50
	outcomes := make([]Outcome, grants)

	var wg sync.WaitGroup
	for i := range outcomes {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			outcomes[i] = f.engine.ApplyXP(ctx, 50)
		}(i)
	}
	wg.Wait()

	gained := 0
	for _, o := range outcomes {
		gained += o.Level - o.LevelBefore
	}
	assert.Equal(t, f.engine.Level()-1, gained)
}
