package progression

import "github.com/stillpoint/progression/internal/domain/shared"

// Achievement - одноразовое достижение с прогрессом до цели.
type Achievement struct {
	ID          string `json:"id"`
	Title       string `json:"title"`
	Description string `json:"description"`
	Icon        string `json:"icon"`
	IsUnlocked  bool   `json:"is_unlocked"`
	Progress    int    `json:"progress"`
	Goal        int    `json:"goal"`
}

// Increment добавляет amount к прогрессу.
// Возвращает true, если достижение разблокировано именно этим вызовом.
// Разблокированное достижение и amount ≤ 0 - no-op.
func (a *Achievement) Increment(amount int) bool {
	if a.IsUnlocked || amount <= 0 {
		return false
	}

	a.Progress = shared.SaturatingAdd(a.Progress, amount)
	if a.Progress >= a.Goal {
		a.IsUnlocked = true
		return true
	}
	return false
}

// Remaining возвращает, сколько осталось до цели.
func (a Achievement) Remaining() int {
	if a.IsUnlocked || a.Progress >= a.Goal {
		return 0
	}
	return a.Goal - a.Progress
}

// withState переносит сохранённое состояние на шаблон из каталога.
func (a Achievement) withState(stored Achievement) Achievement {
	a.IsUnlocked = stored.IsUnlocked
	a.Progress = max(stored.Progress, 0)
	return a
}
