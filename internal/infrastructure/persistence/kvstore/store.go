// Package kvstore implements the progression ProfileStore on top of any
// key-value backend. Each profile category is one JSON blob stored under
// "<category>_<userId>"; streaks live under "streak_<name>_<userId>".
package kvstore

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/stillpoint/progression/internal/domain/progression"
	"github.com/stillpoint/progression/internal/domain/shared"
	"github.com/stillpoint/progression/pkg/logger"
)

// Store is a progression.ProfileStore backed by a progression.KeyValueStore.
type Store struct {
	kv      progression.KeyValueStore
	catalog *progression.Catalog
	log     *logger.Logger
}

// New creates a Store. The catalog supplies templates for categories that are
// missing or cannot be decoded.
func New(kv progression.KeyValueStore, catalog *progression.Catalog, log *logger.Logger) *Store {
	if log == nil {
		log = logger.Default()
	}
	return &Store{
		kv:      kv,
		catalog: catalog,
		log:     log.With(logger.Component("kvstore")),
	}
}

var _ progression.ProfileStore = (*Store)(nil)

// ══════════════════════════════════════════════════════════════════════════════
// PROFILE
// ══════════════════════════════════════════════════════════════════════════════

// LoadProfile reads every category independently and falls back to catalog
// templates per category. It never returns a decode error.
func (s *Store) LoadProfile(ctx context.Context, userID shared.UserID) (*progression.Profile, progression.LoadReport) {
	userID = userID.OrDefault()
	profile := progression.NewProfile(userID, s.catalog)
	report := progression.LoadReport{}

	badgesLoaded := false
	for _, category := range progression.ProfileCategories {
		key := progression.StoreKey(category, userID)

		data, found, err := s.kv.Get(ctx, key)
		if err != nil {
			if report.Errors == nil {
				report.Errors = make(map[progression.Category]error)
			}
			report.Errors[category] = err
			continue
		}
		if !found {
			report.Missing = append(report.Missing, category)
			continue
		}

		if err := s.decodeInto(profile, category, data); err != nil {
			s.log.Warn("corrupt blob, using catalog defaults",
				logger.StoreKey(key),
				logger.Err(err),
			)
			report.Corrupt = append(report.Corrupt, category)
			continue
		}
		if category == progression.CategoryBadges {
			badgesLoaded = true
		}
	}

	// Template badges start at level 1; mirror the stored level into them.
	if !badgesLoaded {
		profile.SyncLevelBadge(s.catalog)
	}

	return profile, report
}

func (s *Store) decodeInto(p *progression.Profile, category progression.Category, data []byte) error {
	switch category {
	case progression.CategoryAchievements:
		var stored []progression.Achievement
		if err := json.Unmarshal(data, &stored); err != nil {
			return blobErr(category, err)
		}
		p.Achievements = s.catalog.ReconcileAchievements(stored)

	case progression.CategoryBadges:
		var stored []progression.Badge
		if err := json.Unmarshal(data, &stored); err != nil {
			return blobErr(category, err)
		}
		p.Badges = s.catalog.ReconcileBadges(stored)

	case progression.CategoryXP:
		var xp int
		if err := json.Unmarshal(data, &xp); err != nil {
			return blobErr(category, err)
		}
		if xp < 0 {
			return blobErr(category, fmt.Errorf("negative xp %d", xp))
		}
		p.Character.XP = xp

	case progression.CategoryLevel:
		var level int
		if err := json.Unmarshal(data, &level); err != nil {
			return blobErr(category, err)
		}
		if level < progression.MinLevel {
			return blobErr(category, fmt.Errorf("level %d below minimum", level))
		}
		p.Character.Level = level

	default:
		return blobErr(category, fmt.Errorf("unknown category"))
	}
	return nil
}

func blobErr(category progression.Category, err error) error {
	return shared.WrapError("store", "Decode", shared.ErrBlobCorrupt, string(category), err)
}

// SaveAchievements implements progression.ProfileStore.
func (s *Store) SaveAchievements(ctx context.Context, userID shared.UserID, achievements []progression.Achievement) error {
	return s.put(ctx, progression.StoreKey(progression.CategoryAchievements, userID), achievements)
}

// SaveBadges implements progression.ProfileStore.
func (s *Store) SaveBadges(ctx context.Context, userID shared.UserID, badges []progression.Badge) error {
	return s.put(ctx, progression.StoreKey(progression.CategoryBadges, userID), badges)
}

// SaveXP implements progression.ProfileStore.
func (s *Store) SaveXP(ctx context.Context, userID shared.UserID, xp int) error {
	return s.put(ctx, progression.StoreKey(progression.CategoryXP, userID), xp)
}

// SaveLevel implements progression.ProfileStore.
func (s *Store) SaveLevel(ctx context.Context, userID shared.UserID, level int) error {
	return s.put(ctx, progression.StoreKey(progression.CategoryLevel, userID), level)
}

// ══════════════════════════════════════════════════════════════════════════════
// STREAKS
// ══════════════════════════════════════════════════════════════════════════════

// LoadStreak implements progression.ProfileStore. A missing or undecodable
// blob yields the zero state; only backend failures are returned.
func (s *Store) LoadStreak(ctx context.Context, userID shared.UserID, name shared.StreakName) (progression.StreakState, error) {
	key := progression.StreakKey(name, userID)

	data, found, err := s.kv.Get(ctx, key)
	if err != nil {
		return progression.StreakState{}, err
	}
	if !found {
		return progression.StreakState{}, nil
	}

	var state progression.StreakState
	if err := json.Unmarshal(data, &state); err != nil || state.Count < 0 {
		s.log.Warn("corrupt streak blob, starting over", logger.StoreKey(key), logger.Err(err))
		return progression.StreakState{}, nil
	}
	return state, nil
}

// SaveStreak implements progression.ProfileStore.
func (s *Store) SaveStreak(ctx context.Context, userID shared.UserID, name shared.StreakName, state progression.StreakState) error {
	return s.put(ctx, progression.StreakKey(name, userID), state)
}

// RemoveStreak implements progression.ProfileStore.
func (s *Store) RemoveStreak(ctx context.Context, userID shared.UserID, name shared.StreakName) error {
	return s.kv.Remove(ctx, progression.StreakKey(name, userID))
}

// ══════════════════════════════════════════════════════════════════════════════
// CLEAR
// ══════════════════════════════════════════════════════════════════════════════

// ClearProfile removes every profile category of a user. Streaks are kept.
func (s *Store) ClearProfile(ctx context.Context, userID shared.UserID) error {
	for _, category := range progression.ProfileCategories {
		if err := s.kv.Remove(ctx, progression.StoreKey(category, userID)); err != nil {
			return fmt.Errorf("kvstore: clear %s: %w", category, err)
		}
	}
	return nil
}

func (s *Store) put(ctx context.Context, key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return shared.WrapError("store", "Encode", shared.ErrInvalidFormat, key, err)
	}
	if err := s.kv.Set(ctx, key, data); err != nil {
		return fmt.Errorf("kvstore: set %s: %w", key, err)
	}
	return nil
}
