package engine

import (
	"context"
	"time"

	"github.com/stillpoint/progression/internal/domain/progression"
	"github.com/stillpoint/progression/internal/domain/shared"
	"github.com/stillpoint/progression/pkg/logger"
)

// RecordActivity records activity on the calendar day of today and returns the
// streak after the call. changed is false when today was already recorded.
func (e *Engine) RecordActivity(ctx context.Context, name shared.StreakName, today time.Time) (int, bool) {
	result, _ := e.ApplyActivity(ctx, name, today)
	return result.Count, result.Changed
}

// ApplyActivity is RecordActivity returning the streak result and the Outcome.
func (e *Engine) ApplyActivity(ctx context.Context, name shared.StreakName, today time.Time) (progression.StreakResult, Outcome) {
	var result progression.StreakResult
	o := e.run(ctx, "record_activity", func(op *operation) {
		result = e.recordActivityLocked(ctx, op, name, today)
		op.outcome.Changed = result.Changed
	})
	return result, o
}

// CheckInResult describes a CheckIn.
type CheckInResult struct {
	progression.StreakResult

	// BadgeID is the consistency badge bound to the streak, if any.
	BadgeID string

	// BadgeLeveledUp reports whether the bound badge gained a level.
	BadgeLeveledUp bool
}

// CheckIn records activity for the clock's current day and, when the catalog
// binds a consistency badge to this streak, feeds the new streak into it.
func (e *Engine) CheckIn(ctx context.Context, name shared.StreakName) CheckInResult {
	res, _ := e.ApplyCheckIn(ctx, name)
	return res
}

// ApplyCheckIn is CheckIn returning the Outcome as well. Outcome.Changed
// reports a level-up of the bound badge.
func (e *Engine) ApplyCheckIn(ctx context.Context, name shared.StreakName) (CheckInResult, Outcome) {
	var res CheckInResult
	o := e.run(ctx, "check_in", func(op *operation) {
		res.StreakResult = e.recordActivityLocked(ctx, op, name, op.now)

		badgeID, ok := e.cfg.Catalog.ConsistencyBadgeFor(name)
		if !ok || !res.Changed || e.staleStreaks[name] {
			return
		}
		if e.cfg.FeedConsistency != nil && !e.cfg.FeedConsistency(e.userID) {
			return
		}
		res.BadgeID = badgeID
		res.BadgeLeveledUp = e.updateConsistencyLocked(op, badgeID, res.Count)
		op.outcome.Changed = res.BadgeLeveledUp
	})
	return res, o
}

// Streak returns the stored state of a streak.
func (e *Engine) Streak(ctx context.Context, name shared.StreakName) progression.StreakState {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.streakLocked(ctx, name)
}

// ResetStreak removes a streak.
func (e *Engine) ResetStreak(ctx context.Context, name shared.StreakName) {
	e.mu.Lock()
	defer e.mu.Unlock()

	delete(e.streaks, name)
	delete(e.staleStreaks, name)
	if err := e.cfg.Store.RemoveStreak(ctx, e.userID, name); err != nil {
		e.log.Warn("remove streak failed", logger.StreakName(name.String()), logger.Err(err))
	}
}

func (e *Engine) recordActivityLocked(ctx context.Context, op *operation, name shared.StreakName, today time.Time) progression.StreakResult {
	state := e.streakLocked(ctx, name)
	result := state.RecordActivity(e.cfg.Calendar, today)
	defer func() { op.outcome.Streak = &state }()
	if !result.Changed {
		return result
	}

	e.streaks[name] = state
	if e.staleStreaks[name] {
		e.log.Debug("streak load failed earlier, change kept in memory only",
			logger.Operation(op.name),
			logger.StreakName(name.String()),
		)
	} else if err := e.cfg.Store.SaveStreak(ctx, e.userID, name, state); err != nil {
		e.log.Warn("persist failed",
			logger.Operation(op.name),
			logger.StreakName(name.String()),
			logger.Err(err),
		)
	}

	uid := e.userID.String()
	if result.Broken {
		op.emit(shared.NewStreakBrokenEvent(uid, name.String(), result.Previous, result.DaysMissed, op.now))
	}
	op.emit(shared.NewStreakUpdatedEvent(uid, name.String(), result.Count, state.LastActiveDate, op.now))

	return result
}

// streakLocked returns the cached streak, loading it from the store on first
// use. A failed load yields the cached (or zero) state, marks the streak
// stale and is retried on the next access.
func (e *Engine) streakLocked(ctx context.Context, name shared.StreakName) progression.StreakState {
	if s, ok := e.streaks[name]; ok && !e.staleStreaks[name] {
		return s
	}

	s, err := e.cfg.Store.LoadStreak(ctx, e.userID, name)
	if err != nil {
		e.log.Warn("load streak failed", logger.StreakName(name.String()), logger.Err(err))
		e.staleStreaks[name] = true
		return e.streaks[name]
	}
	delete(e.staleStreaks, name)
	e.streaks[name] = s
	return s
}
