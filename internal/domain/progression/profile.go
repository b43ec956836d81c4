package progression

import "github.com/stillpoint/progression/internal/domain/shared"

// Profile - полный прогресс одного пользователя.
type Profile struct {
	UserID       shared.UserID
	Character    CharacterLevel
	Achievements []Achievement
	Badges       []Badge
}

// NewProfile создаёт профиль из шаблонов каталога: 0 XP, уровень 1, всё заблокировано.
// Мета-бейдж уровня сразу отражает стартовый уровень.
func NewProfile(userID shared.UserID, cat *Catalog) *Profile {
	p := &Profile{
		UserID:       userID.OrDefault(),
		Character:    NewCharacterLevel(),
		Achievements: cat.AchievementTemplates(),
		Badges:       cat.BadgeTemplates(),
	}
	p.SyncLevelBadge(cat)
	return p
}

// SyncLevelBadge переносит текущий уровень персонажа в мета-бейдж уровня.
// Возвращает true, если уровень бейджа вырос.
func (p *Profile) SyncLevelBadge(cat *Catalog) bool {
	id, ok := cat.LevelBadgeID()
	if !ok {
		return false
	}
	b := p.Badge(id)
	if b == nil {
		return false
	}
	return b.SetAbsolute(p.Character.Level)
}

// XP возвращает текущий XP.
func (p *Profile) XP() int {
	return p.Character.XP
}

// Level возвращает текущий уровень персонажа.
func (p *Profile) Level() int {
	return p.Character.Level
}

// Achievement возвращает достижение по id или nil.
func (p *Profile) Achievement(id string) *Achievement {
	for i := range p.Achievements {
		if p.Achievements[i].ID == id {
			return &p.Achievements[i]
		}
	}
	return nil
}

// Badge возвращает бейдж по id или nil.
func (p *Profile) Badge(id string) *Badge {
	for i := range p.Badges {
		if p.Badges[i].ID == id {
			return &p.Badges[i]
		}
	}
	return nil
}

// UnlockedCount возвращает число разблокированных достижений.
func (p *Profile) UnlockedCount() int {
	n := 0
	for _, a := range p.Achievements {
		if a.IsUnlocked {
			n++
		}
	}
	return n
}

// Clone возвращает глубокую копию профиля.
func (p *Profile) Clone() *Profile {
	c := &Profile{
		UserID:       p.UserID,
		Character:    p.Character,
		Achievements: append([]Achievement(nil), p.Achievements...),
		Badges:       make([]Badge, len(p.Badges)),
	}
	for i, b := range p.Badges {
		c.Badges[i] = b.clone()
	}
	return c
}
