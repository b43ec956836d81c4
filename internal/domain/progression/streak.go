package progression

import (
	"time"

	"github.com/stillpoint/progression/pkg/timeutil"
)

// StreakState - состояние одной серии ("app_open", "affirmation", ...).
type StreakState struct {
	Count          int    `json:"count"`
	LastActiveDate string `json:"last_active_date,omitempty"` // YYYY-MM-DD в календаре пользователя
}

// StreakResult - итог RecordActivity.
type StreakResult struct {
	// Count - длина серии после вызова.
	Count int

	// Changed - false для повторного вызова в тот же день (и для даты в прошлом).
	Changed bool

	// Broken - серия прервалась и началась заново.
	Broken bool

	// Previous - длина серии до вызова.
	Previous int

	// DaysMissed - сколько дней пропущено при разрыве.
	DaysMissed int
}

// RecordActivity отмечает активность в день today.
//
// Сравнение идёт по календарным дням cal, а не по 24-часовым интервалам:
//   - нет даты: серия = 1
//   - тот же день: без изменений
//   - следующий день: +1
//   - разрыв больше дня: серия = 1
//
// Дата раньше lastActiveDate (часы ушли назад) ничего не меняет.
func (s *StreakState) RecordActivity(cal timeutil.Calendar, today time.Time) StreakResult {
	if s.Count < 0 {
		s.Count = 0
	}
	prev := s.Count
	todayStr := cal.Format(today)

	last, ok := s.lastActive(cal)
	if !ok {
		s.Count = 1
		s.LastActiveDate = todayStr
		return StreakResult{Count: 1, Changed: true, Previous: prev}
	}

	days := cal.DaysBetween(last, today)
	switch {
	case days <= 0:
		return StreakResult{Count: s.Count, Previous: prev}
	case days == 1:
		s.Count = max(s.Count, 0) + 1
		s.LastActiveDate = todayStr
		return StreakResult{Count: s.Count, Changed: true, Previous: prev}
	default:
		s.Count = 1
		s.LastActiveDate = todayStr
		return StreakResult{Count: 1, Changed: true, Broken: true, Previous: prev, DaysMissed: days - 1}
	}
}

// IsActive возвращает true, если серия ещё может продолжиться сегодня или уже продлена.
func (s StreakState) IsActive(cal timeutil.Calendar, now time.Time) bool {
	last, ok := s.lastActive(cal)
	if !ok || s.Count == 0 {
		return false
	}
	d := cal.DaysBetween(last, now)
	return d == 0 || d == 1
}

func (s StreakState) lastActive(cal timeutil.Calendar) (time.Time, bool) {
	if s.LastActiveDate == "" {
		return time.Time{}, false
	}
	t, err := cal.Parse(s.LastActiveDate)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}
