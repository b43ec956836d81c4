package engine

import (
	"context"

	"github.com/stillpoint/progression/internal/domain/shared"
	"github.com/stillpoint/progression/pkg/logger"
)

// IncrementAchievement adds amount to an achievement's progress and reports
// whether it unlocked with this call. The result is the celebration signal.
//
// Unknown ids, already unlocked achievements and non-positive amounts are
// no-ops. An unlock awards the catalog's achievement XP.
func (e *Engine) IncrementAchievement(ctx context.Context, id string, amount int) bool {
	return e.ApplyAchievement(ctx, id, amount).Changed
}

// ApplyAchievement is IncrementAchievement returning the full Outcome.
func (e *Engine) ApplyAchievement(ctx context.Context, id string, amount int) Outcome {
	return e.run(ctx, "increment_achievement", func(op *operation) {
		a := e.profile.Achievement(id)
		if a == nil {
			e.log.Debug("unknown achievement", logger.AchievementID(id))
			return
		}
		defer op.captureAchievement(a)
		if a.IsUnlocked || amount <= 0 {
			return
		}

		unlocked := a.Increment(amount)
		op.mark(dirtyAchievements)
		if !unlocked {
			return
		}
		op.outcome.Changed = true

		xp := e.cfg.Catalog.AchievementXP(id)
		op.emit(shared.NewAchievementUnlockedEvent(e.userID.String(), id, a.Title, xp, op.now))
		e.log.Info("achievement unlocked", logger.AchievementID(id), logger.XPAmount(xp))

		e.addXPLocked(op, xp, "achievement:"+id)
	})
}
