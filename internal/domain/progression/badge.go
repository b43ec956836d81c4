package progression

import (
	"github.com/stillpoint/progression/internal/domain/shared"
)

// MaxBadgeLevel - золотой уровень бейджа.
const MaxBadgeLevel = 3

// BadgeKind определяет правило обновления бейджа.
// Выбирается один раз в каталоге, а не сравнением id при каждом вызове.
type BadgeKind string

const (
	// BadgeStandard - накопительный прогресс с каскадом порогов.
	BadgeStandard BadgeKind = "standard"

	// BadgeConsistency - прогресс равен текущей длине серии.
	BadgeConsistency BadgeKind = "consistency"

	// BadgeLevel - мета-бейдж, прогресс равен уровню персонажа.
	BadgeLevel BadgeKind = "level"
)

// IsValid проверяет, известен ли вид бейджа.
func (k BadgeKind) IsValid() bool {
	switch k {
	case BadgeStandard, BadgeConsistency, BadgeLevel:
		return true
	default:
		return false
	}
}

// IsAbsolute возвращает true для бейджей, чей прогресс задаётся абсолютным значением.
func (k BadgeKind) IsAbsolute() bool {
	return k == BadgeConsistency || k == BadgeLevel
}

// Badge - бейдж с уровнями bronze/silver/gold (1..3).
type Badge struct {
	ID          string    `json:"id"`
	Kind        BadgeKind `json:"kind"`
	Title       string    `json:"title"`
	Description string    `json:"description"`
	Icon        string    `json:"icon"`
	Level       int       `json:"level"`
	Progress    int       `json:"progress"`
	Goal        int       `json:"goal"`
	Milestones  []int     `json:"milestones,omitempty"`
}

// threshold возвращает порог для перехода на следующий уровень.
func (b *Badge) threshold() (int, bool) {
	if len(b.Milestones) > 0 {
		if b.Level < len(b.Milestones) {
			return b.Milestones[b.Level], true
		}
		return 0, false
	}
	if b.Level == 0 {
		return b.Goal, true
	}
	return 0, false
}

// Increment добавляет amount к прогрессу обычного бейджа и прогоняет каскад порогов.
// Возвращает число полученных уровней. Для абсолютных видов и amount ≤ 0 - no-op.
// На максимальном уровне прогресс продолжает накапливаться.
func (b *Badge) Increment(amount int) int {
	if b.Kind.IsAbsolute() || amount <= 0 {
		return 0
	}

	b.Progress = shared.SaturatingAdd(b.Progress, amount)

	gained := 0
	for b.Level < MaxBadgeLevel {
		th, ok := b.threshold()
		if !ok || th <= 0 || b.Progress < th {
			break
		}
		b.Progress -= th
		b.Level++
		gained++
	}

	b.clampLevel()
	return gained
}

// SetAbsolute записывает абсолютное значение (длину серии или уровень персонажа)
// и поднимает уровень до числа пройденных порогов. Уровень никогда не падает.
// Возвращает true, если уровень вырос.
func (b *Badge) SetAbsolute(value int) bool {
	b.Progress = max(value, 0)

	target := min(MilestonesReached(b.Milestones, value), MaxBadgeLevel)
	if target <= b.Level {
		return false
	}

	b.Level = target
	return true
}

// IsMaxed возвращает true для золотого бейджа.
func (b Badge) IsMaxed() bool {
	return b.Level >= MaxBadgeLevel
}

// NextThreshold возвращает порог следующего уровня (0, если его нет).
func (b Badge) NextThreshold() int {
	if b.Kind.IsAbsolute() {
		if b.Level < len(b.Milestones) && b.Level < MaxBadgeLevel {
			return b.Milestones[b.Level]
		}
		return 0
	}
	th, ok := b.threshold()
	if !ok || b.Level >= MaxBadgeLevel {
		return 0
	}
	return th
}

func (b *Badge) clampLevel() {
	if b.Level > MaxBadgeLevel {
		b.Level = MaxBadgeLevel
	}
	if b.Level < 0 {
		b.Level = 0
	}
}

// withState переносит сохранённое состояние на шаблон из каталога.
func (b Badge) withState(stored Badge) Badge {
	b.Level = stored.Level
	b.Progress = max(stored.Progress, 0)
	b.clampLevel()
	return b
}

// clone возвращает копию с собственным срезом milestones.
func (b Badge) clone() Badge {
	if b.Milestones != nil {
		b.Milestones = append([]int(nil), b.Milestones...)
	}
	return b
}

// MilestonesReached возвращает число порогов ≤ value.
// Пороги отсортированы по возрастанию, поэтому это индекс старшего пройденного порога + 1.
func MilestonesReached(milestones []int, value int) int {
	n := 0
	for _, m := range milestones {
		if value < m {
			break
		}
		n++
	}
	return n
}
