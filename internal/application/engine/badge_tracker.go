package engine

import (
	"context"

	"github.com/stillpoint/progression/internal/domain/progression"
	"github.com/stillpoint/progression/internal/domain/shared"
	"github.com/stillpoint/progression/pkg/logger"
)

// IncrementBadge adds amount to a standard badge and cascades through its
// thresholds. It returns whether the badge gained a level and its level after
// the call. Each level gained awards the catalog's badge XP.
//
// Unknown ids return (false, 0). Consistency and level badges are driven by
// UpdateConsistency and AddXP and are not changed here.
func (e *Engine) IncrementBadge(ctx context.Context, id string, amount int) (bool, int) {
	o := e.ApplyBadge(ctx, id, amount)
	if o.Badge == nil {
		return false, 0
	}
	return o.Changed, o.Badge.Level
}

// ApplyBadge is IncrementBadge returning the full Outcome.
func (e *Engine) ApplyBadge(ctx context.Context, id string, amount int) Outcome {
	return e.run(ctx, "increment_badge", func(op *operation) {
		b := e.profile.Badge(id)
		if b == nil {
			e.log.Debug("unknown badge", logger.BadgeID(id))
			return
		}
		defer op.captureBadge(b)
		if b.Kind.IsAbsolute() || amount <= 0 {
			return
		}

		oldLevel := b.Level
		gained := b.Increment(amount)
		op.mark(dirtyBadges)
		if gained == 0 {
			return
		}

		op.outcome.Changed = true
		op.emit(shared.NewBadgeLeveledUpEvent(e.userID.String(), id, b.Title, oldLevel, b.Level, op.now))
		e.log.Info("badge leveled up", logger.BadgeID(id), logger.Int("badge_level", b.Level))

		e.addXPLocked(op, shared.SaturatingMul(e.cfg.Catalog.BadgeXP(id), gained), "badge:"+id)
	})
}

// UpdateConsistency sets the primary consistency badge's progress to the
// absolute streak length and raises its level to the number of milestones the
// streak meets. A jump of several levels awards the badge XP once.
func (e *Engine) UpdateConsistency(ctx context.Context, streak int) bool {
	if len(e.cfg.Catalog.ConsistencyBadgeIDs()) == 0 {
		return false
	}
	return e.ApplyConsistency(ctx, "", streak).Changed
}

// UpdateConsistencyBadge is UpdateConsistency for a specific consistency badge.
func (e *Engine) UpdateConsistencyBadge(ctx context.Context, badgeID string, streak int) bool {
	if badgeID == "" {
		return false
	}
	return e.ApplyConsistency(ctx, badgeID, streak).Changed
}

// ApplyConsistency updates a consistency badge and returns the full Outcome.
// An empty badgeID selects the primary consistency badge.
func (e *Engine) ApplyConsistency(ctx context.Context, badgeID string, streak int) Outcome {
	return e.run(ctx, "update_consistency", func(op *operation) {
		if badgeID == "" {
			ids := e.cfg.Catalog.ConsistencyBadgeIDs()
			if len(ids) == 0 {
				return
			}
			badgeID = ids[0]
		}
		op.outcome.Changed = e.updateConsistencyLocked(op, badgeID, streak)
	})
}

func (e *Engine) updateConsistencyLocked(op *operation, badgeID string, streak int) bool {
	b := e.profile.Badge(badgeID)
	if b == nil {
		e.log.Debug("unknown badge", logger.BadgeID(badgeID))
		return false
	}
	defer op.captureBadge(b)
	if b.Kind != progression.BadgeConsistency {
		e.log.Debug("not a consistency badge", logger.BadgeID(badgeID))
		return false
	}

	oldLevel := b.Level
	leveledUp := b.SetAbsolute(streak)
	op.mark(dirtyBadges)
	if !leveledUp {
		return false
	}

	op.emit(shared.NewBadgeLeveledUpEvent(e.userID.String(), badgeID, b.Title, oldLevel, b.Level, op.now))
	e.log.Info("consistency badge leveled up",
		logger.BadgeID(badgeID),
		logger.Int("badge_level", b.Level),
		logger.Int("streak", streak),
	)

	e.addXPLocked(op, e.cfg.Catalog.BadgeXP(badgeID), "badge:"+badgeID)
	return true
}
