package engine

import (
	"context"

	"github.com/stillpoint/progression/internal/domain/shared"
	"github.com/stillpoint/progression/pkg/logger"
)

// AddXP adds XP and levels the character up while xp ≥ 50*level. Negative and
// zero amounts are no-ops.
func (e *Engine) AddXP(ctx context.Context, amount int) {
	e.ApplyXP(ctx, amount)
}

// ApplyXP is AddXP returning the full Outcome. Changed reports a level-up.
func (e *Engine) ApplyXP(ctx context.Context, amount int) Outcome {
	o := e.run(ctx, "add_xp", func(op *operation) {
		e.addXPLocked(op, amount, "grant")
	})
	o.Changed = o.LevelUp()
	return o
}

func (e *Engine) addXPLocked(op *operation, amount int, source string) {
	if amount <= 0 {
		return
	}

	c := &e.profile.Character
	oldLevel := c.Level
	gained := c.AddXP(amount)
	op.mark(dirtyXP | dirtyLevel)
	op.emit(shared.NewXPGainedEvent(e.userID.String(), amount, c.XP, source, op.now))

	if gained == 0 {
		return
	}

	op.emit(shared.NewLevelUpEvent(e.userID.String(), oldLevel, c.Level, op.now))
	e.log.Info("level up", logger.CharacterLevel(c.Level), logger.XPAmount(amount), logger.String("source", source))

	e.updateLevelBadgeLocked(op)
}

// updateLevelBadgeLocked mirrors the character level into the level meta-badge.
// The meta-badge awards no XP.
func (e *Engine) updateLevelBadgeLocked(op *operation) {
	id, ok := e.cfg.Catalog.LevelBadgeID()
	if !ok {
		return
	}
	b := e.profile.Badge(id)
	if b == nil {
		return
	}

	oldLevel := b.Level
	leveledUp := b.SetAbsolute(e.profile.Character.Level)
	op.mark(dirtyBadges)

	if leveledUp {
		op.emit(shared.NewBadgeLeveledUpEvent(e.userID.String(), id, b.Title, oldLevel, b.Level, op.now))
	}
}
