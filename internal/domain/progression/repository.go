package progression

import (
	"context"

	"github.com/stillpoint/progression/internal/domain/shared"
)

// ══════════════════════════════════════════════════════════════════════════════
// REPOSITORY INTERFACES
// Контракт хранилища прогрессии. Реализации находятся в infrastructure/persistence.
// ══════════════════════════════════════════════════════════════════════════════

// KeyValueStore - внешнее key-value хранилище (SQLite, Redis, PostgreSQL, память).
type KeyValueStore interface {
	// Get возвращает значение ключа; found=false, если ключа нет.
	Get(ctx context.Context, key string) (value []byte, found bool, err error)

	// Set перезаписывает значение ключа целиком.
	Set(ctx context.Context, key string, value []byte) error

	// Remove удаляет ключ. Удаление отсутствующего ключа - не ошибка.
	Remove(ctx context.Context, key string) error
}

// Category - независимо сериализуемая часть профиля.
type Category string

const (
	CategoryAchievements Category = "achievements"
	CategoryBadges       Category = "badges"
	CategoryXP           Category = "xp"
	CategoryLevel        Category = "level"
	CategoryStreak       Category = "streak"
)

// ProfileCategories - категории, из которых собирается Profile.
var ProfileCategories = []Category{CategoryAchievements, CategoryBadges, CategoryXP, CategoryLevel}

// StoreKey формирует ключ "<category>_<userId>".
func StoreKey(category Category, userID shared.UserID) string {
	return string(category) + "_" + string(userID.OrDefault())
}

// StreakKey формирует ключ "streak_<name>_<userId>".
func StreakKey(name shared.StreakName, userID shared.UserID) string {
	return string(CategoryStreak) + "_" + string(name) + "_" + string(userID.OrDefault())
}

// LoadReport описывает, какие категории при загрузке заменены шаблонами.
type LoadReport struct {
	// Missing - ключа нет (новый пользователь или категория ещё не сохранялась).
	Missing []Category

	// Corrupt - значение не удалось декодировать.
	Corrupt []Category

	// Errors - ошибки хранилища по категориям.
	Errors map[Category]error
}

// Fallbacks возвращает true, если хотя бы одна категория взята из шаблонов.
func (r LoadReport) Fallbacks() bool {
	return len(r.Missing) > 0 || len(r.Corrupt) > 0 || len(r.Errors) > 0
}

// ProfileStore - хранилище прогрессии поверх KeyValueStore.
// Каждая категория - отдельный blob, перезаписываемый целиком (last write wins).
type ProfileStore interface {
	// LoadProfile собирает профиль. Никогда не возвращает ошибку декодирования:
	// отсутствующие или повреждённые категории заменяются шаблонами каталога.
	LoadProfile(ctx context.Context, userID shared.UserID) (*Profile, LoadReport)

	// SaveAchievements сохраняет категорию achievements.
	SaveAchievements(ctx context.Context, userID shared.UserID, achievements []Achievement) error

	// SaveBadges сохраняет категорию badges.
	SaveBadges(ctx context.Context, userID shared.UserID, badges []Badge) error

	// SaveXP сохраняет категорию xp.
	SaveXP(ctx context.Context, userID shared.UserID, xp int) error

	// SaveLevel сохраняет категорию level.
	SaveLevel(ctx context.Context, userID shared.UserID, level int) error

	// LoadStreak возвращает серию; повреждённое значение считается отсутствующим.
	LoadStreak(ctx context.Context, userID shared.UserID, name shared.StreakName) (StreakState, error)

	// SaveStreak сохраняет серию.
	SaveStreak(ctx context.Context, userID shared.UserID, name shared.StreakName, state StreakState) error

	// RemoveStreak удаляет серию.
	RemoveStreak(ctx context.Context, userID shared.UserID, name shared.StreakName) error
}
