package progression

import (
	"bytes"
	_ "embed"
	"errors"
	"fmt"
	"io"
	"os"
	"slices"

	"gopkg.in/yaml.v3"

	"github.com/stillpoint/progression/internal/domain/shared"
)

// DefaultXP - награда, если в каталоге xp не указан.
const DefaultXP = 10

//go:embed catalog.yaml
var defaultCatalogYAML []byte

// ══════════════════════════════════════════════════════════════════════════════
// CATALOG FILE FORMAT
// ══════════════════════════════════════════════════════════════════════════════

type catalogFile struct {
	Achievements []achievementDef `yaml:"achievements"`
	Badges       []badgeDef       `yaml:"badges"`
}

type achievementDef struct {
	ID          string `yaml:"id"`
	Title       string `yaml:"title"`
	Description string `yaml:"description"`
	Icon        string `yaml:"icon"`
	Goal        int    `yaml:"goal"`
	XP          *int   `yaml:"xp"`
}

type badgeDef struct {
	ID          string    `yaml:"id"`
	Kind        BadgeKind `yaml:"kind"`
	Streak      string    `yaml:"streak"`
	Title       string    `yaml:"title"`
	Description string    `yaml:"description"`
	Icon        string    `yaml:"icon"`
	Goal        int       `yaml:"goal"`
	Milestones  []int     `yaml:"milestones"`
	XP          *int      `yaml:"xp"`
}

// ══════════════════════════════════════════════════════════════════════════════
// CATALOG
// ══════════════════════════════════════════════════════════════════════════════

// Catalog - неизменяемые шаблоны достижений и бейджей и таблица наград XP.
// Безопасен для конкурентного чтения.
type Catalog struct {
	achievements []Achievement
	badges       []Badge

	achievementIndex map[string]int
	badgeIndex       map[string]int

	achievementXP map[string]int
	badgeXP       map[string]int

	// streak name -> consistency badge id
	streakBadges map[string]string
	levelBadgeID string
}

// DefaultCatalog разбирает встроенный catalog.yaml.
func DefaultCatalog() (*Catalog, error) {
	return ParseCatalog(defaultCatalogYAML)
}

// MustDefaultCatalog - DefaultCatalog, паникующий при ошибке.
// Встроенный каталог проверяется тестами, поэтому паника означает ошибку сборки.
func MustDefaultCatalog() *Catalog {
	cat, err := DefaultCatalog()
	if err != nil {
		panic(err)
	}
	return cat
}

// LoadCatalogFile читает каталог из YAML-файла.
func LoadCatalogFile(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, shared.WrapError("catalog", "Load", shared.ErrNotFound, "read catalog file", err)
	}
	return ParseCatalog(data)
}

// ParseCatalog разбирает и проверяет YAML-каталог. Неизвестные поля - ошибка.
func ParseCatalog(data []byte) (*Catalog, error) {
	var file catalogFile

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&file); err != nil && !errors.Is(err, io.EOF) {
		return nil, shared.WrapError("catalog", "Parse", shared.ErrInvalidFormat, "decode catalog yaml", err)
	}

	return newCatalog(file)
}

func newCatalog(file catalogFile) (*Catalog, error) {
	c := &Catalog{
		achievementIndex: make(map[string]int, len(file.Achievements)),
		badgeIndex:       make(map[string]int, len(file.Badges)),
		achievementXP:    make(map[string]int, len(file.Achievements)),
		badgeXP:          make(map[string]int, len(file.Badges)),
		streakBadges:     make(map[string]string),
	}

	for _, def := range file.Achievements {
		if def.ID == "" {
			return nil, catalogErr(shared.ErrCatalogInvalid, "achievement without id")
		}
		if _, dup := c.achievementIndex[def.ID]; dup {
			return nil, catalogErr(shared.ErrDuplicateCatalogID, "achievement "+def.ID)
		}
		if def.Goal <= 0 {
			return nil, catalogErr(shared.ErrInvalidGoal, "achievement "+def.ID)
		}
		xp, err := rewardXP(def.XP, def.ID)
		if err != nil {
			return nil, err
		}

		c.achievementIndex[def.ID] = len(c.achievements)
		c.achievementXP[def.ID] = xp
		c.achievements = append(c.achievements, Achievement{
			ID:          def.ID,
			Title:       def.Title,
			Description: def.Description,
			Icon:        def.Icon,
			Goal:        def.Goal,
		})
	}

	for _, def := range file.Badges {
		if def.ID == "" {
			return nil, catalogErr(shared.ErrCatalogInvalid, "badge without id")
		}
		if _, dup := c.badgeIndex[def.ID]; dup {
			return nil, catalogErr(shared.ErrDuplicateCatalogID, "badge "+def.ID)
		}

		kind := def.Kind
		if kind == "" {
			kind = BadgeStandard
		}
		if !kind.IsValid() {
			return nil, catalogErr(shared.ErrUnknownBadgeKind, fmt.Sprintf("badge %s: %q", def.ID, def.Kind))
		}
		if err := validateMilestones(def.ID, def.Milestones); err != nil {
			return nil, err
		}

		goal := def.Goal
		if kind.IsAbsolute() {
			if len(def.Milestones) == 0 {
				return nil, catalogErr(shared.ErrInvalidMilestones, "badge "+def.ID+" needs milestones")
			}
			if goal <= 0 {
				goal = def.Milestones[len(def.Milestones)-1]
			}
		}
		if goal <= 0 {
			if len(def.Milestones) == 0 {
				return nil, catalogErr(shared.ErrInvalidGoal, "badge "+def.ID)
			}
			goal = def.Milestones[0]
		}

		switch kind {
		case BadgeLevel:
			if c.levelBadgeID != "" {
				return nil, catalogErr(shared.ErrDuplicateSpecialKind, "level badges "+c.levelBadgeID+", "+def.ID)
			}
			c.levelBadgeID = def.ID
		case BadgeConsistency:
			if def.Streak == "" {
				return nil, catalogErr(shared.ErrCatalogInvalid, "consistency badge "+def.ID+" has no streak")
			}
			if other, dup := c.streakBadges[def.Streak]; dup {
				return nil, catalogErr(shared.ErrDuplicateSpecialKind, "streak "+def.Streak+" bound to "+other+" and "+def.ID)
			}
			c.streakBadges[def.Streak] = def.ID
		}

		xp, err := rewardXP(def.XP, def.ID)
		if err != nil {
			return nil, err
		}

		c.badgeIndex[def.ID] = len(c.badges)
		c.badgeXP[def.ID] = xp
		c.badges = append(c.badges, Badge{
			ID:          def.ID,
			Kind:        kind,
			Title:       def.Title,
			Description: def.Description,
			Icon:        def.Icon,
			Goal:        goal,
			Milestones:  slices.Clone(def.Milestones),
		})
	}

	return c, nil
}

func validateMilestones(id string, ms []int) error {
	if len(ms) > MaxBadgeLevel {
		return catalogErr(shared.ErrInvalidMilestones, "badge "+id)
	}
	for i, m := range ms {
		if m <= 0 || (i > 0 && m <= ms[i-1]) {
			return catalogErr(shared.ErrInvalidMilestones, "badge "+id)
		}
	}
	return nil
}

func rewardXP(xp *int, id string) (int, error) {
	if xp == nil {
		return DefaultXP, nil
	}
	if *xp < 0 {
		return 0, catalogErr(shared.ErrInvalidAmount, "xp of "+id)
	}
	return *xp, nil
}

func catalogErr(kind *shared.DomainError, detail string) error {
	return shared.WrapError(kind.Domain, kind.Op, kind, detail, nil)
}

// ─────────────────────────────────────────────────────────────────────────────
// Lookups
// ─────────────────────────────────────────────────────────────────────────────

// AchievementTemplate возвращает шаблон достижения.
func (c *Catalog) AchievementTemplate(id string) (Achievement, bool) {
	i, ok := c.achievementIndex[id]
	if !ok {
		return Achievement{}, false
	}
	return c.achievements[i], true
}

// BadgeTemplate возвращает шаблон бейджа.
func (c *Catalog) BadgeTemplate(id string) (Badge, bool) {
	i, ok := c.badgeIndex[id]
	if !ok {
		return Badge{}, false
	}
	return c.badges[i].clone(), true
}

// AchievementIDs возвращает id достижений в порядке каталога.
func (c *Catalog) AchievementIDs() []string {
	ids := make([]string, len(c.achievements))
	for i, a := range c.achievements {
		ids[i] = a.ID
	}
	return ids
}

// BadgeIDs возвращает id бейджей в порядке каталога.
func (c *Catalog) BadgeIDs() []string {
	ids := make([]string, len(c.badges))
	for i, b := range c.badges {
		ids[i] = b.ID
	}
	return ids
}

// AchievementXP возвращает награду за разблокировку (DefaultXP для неизвестного id).
func (c *Catalog) AchievementXP(id string) int {
	if xp, ok := c.achievementXP[id]; ok {
		return xp
	}
	return DefaultXP
}

// BadgeXP возвращает награду за уровень бейджа (DefaultXP для неизвестного id).
func (c *Catalog) BadgeXP(id string) int {
	if xp, ok := c.badgeXP[id]; ok {
		return xp
	}
	return DefaultXP
}

// LevelBadgeID возвращает id мета-бейджа уровня, если он есть в каталоге.
func (c *Catalog) LevelBadgeID() (string, bool) {
	return c.levelBadgeID, c.levelBadgeID != ""
}

// ConsistencyBadgeFor возвращает id бейджа, привязанного к серии.
func (c *Catalog) ConsistencyBadgeFor(streak shared.StreakName) (string, bool) {
	id, ok := c.streakBadges[string(streak)]
	return id, ok
}

// ConsistencyBadgeIDs возвращает id всех бейджей вида BadgeConsistency.
func (c *Catalog) ConsistencyBadgeIDs() []string {
	var ids []string
	for _, b := range c.badges {
		if b.Kind == BadgeConsistency {
			ids = append(ids, b.ID)
		}
	}
	return ids
}

// AchievementTemplates возвращает копии всех шаблонов достижений.
func (c *Catalog) AchievementTemplates() []Achievement {
	return slices.Clone(c.achievements)
}

// BadgeTemplates возвращает копии всех шаблонов бейджей.
func (c *Catalog) BadgeTemplates() []Badge {
	out := make([]Badge, len(c.badges))
	for i, b := range c.badges {
		out[i] = b.clone()
	}
	return out
}

// ─────────────────────────────────────────────────────────────────────────────
// Reconciliation
// ─────────────────────────────────────────────────────────────────────────────

// ReconcileAchievements накладывает сохранённое состояние на шаблоны каталога:
// новые достижения получают значения по умолчанию, удалённые из каталога отбрасываются.
func (c *Catalog) ReconcileAchievements(stored []Achievement) []Achievement {
	byID := make(map[string]Achievement, len(stored))
	for _, a := range stored {
		byID[a.ID] = a
	}

	out := c.AchievementTemplates()
	for i := range out {
		if s, ok := byID[out[i].ID]; ok {
			out[i] = out[i].withState(s)
		}
	}
	return out
}

// ReconcileBadges накладывает сохранённое состояние на шаблоны каталога.
func (c *Catalog) ReconcileBadges(stored []Badge) []Badge {
	byID := make(map[string]Badge, len(stored))
	for _, b := range stored {
		byID[b.ID] = b
	}

	out := c.BadgeTemplates()
	for i := range out {
		if s, ok := byID[out[i].ID]; ok {
			out[i] = out[i].withState(s)
		}
	}
	return out
}
