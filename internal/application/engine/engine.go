// Package engine contains the progression engine: achievement, badge, level and
// streak tracking for a single user profile, plus a Manager that owns one
// Engine per user.
package engine

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/stillpoint/progression/internal/domain/progression"
	"github.com/stillpoint/progression/internal/domain/shared"
	"github.com/stillpoint/progression/pkg/logger"
	"github.com/stillpoint/progression/pkg/timeutil"
)

// ══════════════════════════════════════════════════════════════════════════════
// PROGRESSION ENGINE
// One Engine owns one user's profile. Every public operation is a full
// read-modify-persist cycle under the engine mutex; events are dispatched
// after the mutex is released.
// ══════════════════════════════════════════════════════════════════════════════

// Config holds the engine's collaborators.
type Config struct {
	// Catalog provides templates and XP awards. Required.
	Catalog *progression.Catalog

	// Store persists the profile. Required.
	Store progression.ProfileStore

	// Calendar defines day boundaries for streaks (default: UTC).
	Calendar timeutil.Calendar

	// Clock supplies "today" for CheckIn and event timestamps (default: system clock).
	Clock timeutil.Clock

	// Listener receives events (optional).
	Listener Listener

	// FeedConsistency decides whether CheckIn feeds a bound consistency badge.
	// Nil means always.
	FeedConsistency func(userID shared.UserID) bool

	// Logger (default: logger.Default()).
	Logger *logger.Logger
}

// Validate checks required collaborators.
func (c Config) Validate() error {
	if c.Catalog == nil {
		return errors.New("engine: catalog is required")
	}
	if c.Store == nil {
		return errors.New("engine: store is required")
	}
	return nil
}

func (c Config) withDefaults() Config {
	if c.Clock == nil {
		c.Clock = timeutil.SystemClock{}
	}
	if c.Listener == nil {
		c.Listener = nopListener{}
	}
	if c.Logger == nil {
		c.Logger = logger.Default()
	}
	return c
}

// Engine tracks progression for one user.
type Engine struct {
	userID shared.UserID
	cfg    Config
	log    *logger.Logger

	mu      sync.Mutex
	profile *progression.Profile
	streaks map[shared.StreakName]progression.StreakState

	// degraded is set while the last profile load hit backend errors. The
	// in-memory profile is not persisted until a later load succeeds.
	degraded bool

	// staleStreaks holds streaks whose load failed; they are not saved until
	// a retried load succeeds.
	staleStreaks map[shared.StreakName]bool
}

// New creates an engine for userID and loads its profile.
// An empty userID selects the default profile.
func New(ctx context.Context, userID shared.UserID, cfg Config) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	e := newEngine(userID, cfg.withDefaults())
	e.ensureLoaded(ctx)
	return e, nil
}

func newEngine(userID shared.UserID, cfg Config) *Engine {
	userID = userID.OrDefault()
	return &Engine{
		userID:  userID,
		cfg:     cfg,
		log:     cfg.Logger.With(logger.Component("engine"), logger.UserID(userID.String())),
		streaks: make(map[shared.StreakName]progression.StreakState),

		staleStreaks: make(map[shared.StreakName]bool),
	}
}

// UserID returns the id of the profile this engine tracks.
func (e *Engine) UserID() shared.UserID {
	return e.userID
}

// Outcome is the state observed by one mutating operation, captured under
// the engine lock together with the mutation itself.
type Outcome struct {
	// Changed is the operation's celebration signal.
	Changed bool

	// LevelBefore and Level are the character level around the operation.
	LevelBefore int
	Level       int

	// XP is the XP after the operation.
	XP int

	// Achievement and Badge are copies of the entity the operation targeted,
	// nil for unknown ids.
	Achievement *progression.Achievement
	Badge       *progression.Badge

	// Streak is the streak state after a streak operation.
	Streak *progression.StreakState
}

// LevelUp reports whether the operation raised the character level.
func (o Outcome) LevelUp() bool {
	return o.Level > o.LevelBefore
}

// ─────────────────────────────────────────────────────────────────────────────
// Operation plumbing
// ─────────────────────────────────────────────────────────────────────────────

type dirtySet uint8

const (
	dirtyAchievements dirtySet = 1 << iota
	dirtyBadges
	dirtyXP
	dirtyLevel
)

// operation collects the side effects of one public call.
type operation struct {
	name    string
	now     time.Time
	dirty   dirtySet
	events  []shared.Event
	outcome Outcome
}

func (op *operation) mark(d dirtySet) {
	op.dirty |= d
}

func (op *operation) emit(event shared.Event) {
	op.events = append(op.events, event)
}

func (op *operation) captureAchievement(a *progression.Achievement) {
	c := *a
	op.outcome.Achievement = &c
}

func (op *operation) captureBadge(b *progression.Badge) {
	c := *b
	c.Milestones = append([]int(nil), b.Milestones...)
	op.outcome.Badge = &c
}

// run executes fn under the engine lock, persists dirty categories and then
// dispatches the collected events with the lock released. The returned
// Outcome is read under the same lock as the mutation.
func (e *Engine) run(ctx context.Context, name string, fn func(op *operation)) Outcome {
	e.mu.Lock()
	e.loadLocked(ctx, false)

	op := &operation{name: name, now: e.cfg.Clock.Now()}
	op.outcome.LevelBefore = e.profile.Level()
	fn(op)
	op.outcome.Level = e.profile.Level()
	op.outcome.XP = e.profile.XP()
	e.persistLocked(ctx, op)
	e.mu.Unlock()

	for _, event := range op.events {
		e.cfg.Listener.OnEvent(ctx, event)
	}
	return op.outcome
}

func (e *Engine) ensureLoaded(ctx context.Context) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.loadLocked(ctx, false)
}

// loadLocked reads the profile when none is cached, when force is set, or
// while a previous load is degraded. A load that hits backend errors keeps
// the current in-memory profile (templates on first load) and marks the engine
// degraded, so template defaults never overwrite durable progress.
func (e *Engine) loadLocked(ctx context.Context, force bool) {
	if e.profile != nil && !force && !e.degraded {
		return
	}

	start := time.Now()
	profile, report := e.cfg.Store.LoadProfile(ctx, e.userID)

	if len(report.Errors) > 0 {
		fields := []logger.Field{logger.Latency(time.Since(start))}
		for cat, err := range report.Errors {
			fields = append(fields, logger.String("error_"+string(cat), err.Error()))
		}
		if !e.degraded {
			e.log.Warn("profile load failed, holding writes until the store recovers", fields...)
		}
		if e.profile == nil {
			e.profile = profile
		}
		e.degraded = true
		return
	}

	if e.degraded {
		e.log.Info("store recovered, profile reloaded", logger.Latency(time.Since(start)))
	}
	e.profile = profile
	e.degraded = false
	clear(e.streaks)
	clear(e.staleStreaks)

	if report.Fallbacks() {
		fields := []logger.Field{
			logger.Any("missing", report.Missing),
			logger.Any("corrupt", report.Corrupt),
			logger.Latency(time.Since(start)),
		}
		if len(report.Corrupt) > 0 {
			e.log.Warn("profile loaded with template fallbacks", fields...)
		} else {
			e.log.Debug("profile loaded with template fallbacks", fields...)
		}
	}
}

func (e *Engine) persistLocked(ctx context.Context, op *operation) {
	if op.dirty == 0 {
		return
	}
	if e.degraded {
		e.log.Debug("store degraded, change kept in memory only", logger.Operation(op.name))
		return
	}

	p := e.profile
	if op.dirty&dirtyAchievements != 0 {
		e.saveFailed(op, progression.CategoryAchievements,
			e.cfg.Store.SaveAchievements(ctx, e.userID, p.Achievements))
	}
	if op.dirty&dirtyBadges != 0 {
		e.saveFailed(op, progression.CategoryBadges,
			e.cfg.Store.SaveBadges(ctx, e.userID, p.Badges))
	}
	if op.dirty&dirtyXP != 0 {
		e.saveFailed(op, progression.CategoryXP,
			e.cfg.Store.SaveXP(ctx, e.userID, p.Character.XP))
	}
	if op.dirty&dirtyLevel != 0 {
		e.saveFailed(op, progression.CategoryLevel,
			e.cfg.Store.SaveLevel(ctx, e.userID, p.Character.Level))
	}
}

// saveFailed logs a persistence failure. In-memory state stays authoritative.
func (e *Engine) saveFailed(op *operation, category progression.Category, err error) {
	if err == nil {
		return
	}
	e.log.Warn("persist failed",
		logger.Operation(op.name),
		logger.String("category", string(category)),
		logger.Err(err),
	)
}

// ─────────────────────────────────────────────────────────────────────────────
// Reads
// ─────────────────────────────────────────────────────────────────────────────

func (e *Engine) read(fn func(p *progression.Profile)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.loadLocked(context.Background(), false)
	fn(e.profile)
}

// XP returns the current XP.
func (e *Engine) XP() int {
	var xp int
	e.read(func(p *progression.Profile) { xp = p.XP() })
	return xp
}

// Level returns the current character level.
func (e *Engine) Level() int {
	var level int
	e.read(func(p *progression.Profile) { level = p.Level() })
	return level
}

// Achievement returns a copy of one achievement.
func (e *Engine) Achievement(id string) (progression.Achievement, bool) {
	var (
		a  progression.Achievement
		ok bool
	)
	e.read(func(p *progression.Profile) {
		if found := p.Achievement(id); found != nil {
			a, ok = *found, true
		}
	})
	return a, ok
}

// Badge returns a copy of one badge.
func (e *Engine) Badge(id string) (progression.Badge, bool) {
	var (
		b  progression.Badge
		ok bool
	)
	e.read(func(p *progression.Profile) {
		if found := p.Badge(id); found != nil {
			b, ok = *found, true
			b.Milestones = append([]int(nil), found.Milestones...)
		}
	})
	return b, ok
}

// Snapshot returns a deep copy of the whole profile.
func (e *Engine) Snapshot() *progression.Profile {
	var snap *progression.Profile
	e.read(func(p *progression.Profile) { snap = p.Clone() })
	return snap
}

// ─────────────────────────────────────────────────────────────────────────────
// Lifecycle
// ─────────────────────────────────────────────────────────────────────────────

// Reload discards in-memory state and re-reads the profile from the store.
func (e *Engine) Reload(ctx context.Context) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.loadLocked(ctx, true)
}

// ResetAll restores achievements, badges, XP and level to catalog defaults and
// persists them, even while a previous load is degraded. Streaks are left
// alone; see ResetStreak.
func (e *Engine) ResetAll(ctx context.Context) {
	e.run(ctx, "reset_all", func(op *operation) {
		e.profile = progression.NewProfile(e.userID, e.cfg.Catalog)
		e.degraded = false
		op.mark(dirtyAchievements | dirtyBadges | dirtyXP | dirtyLevel)
		op.emit(shared.NewProgressResetEvent(e.userID.String(), op.now))
		e.log.Info("profile reset", logger.Operation(op.name))
	})
}
