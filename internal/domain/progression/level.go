package progression

import (
	"math"

	"github.com/stillpoint/progression/internal/domain/shared"
)

const (
	// XPPerLevel - множитель порога: для перехода с уровня L нужно 50*L XP.
	XPPerLevel = 50

	// MinLevel - стартовый уровень персонажа.
	MinLevel = 1

	// levelJumpMin - с этого числа уровней подъём считается в закрытой форме.
	levelJumpMin = 64
)

// LevelThreshold возвращает XP, необходимый для перехода с уровня level.
func LevelThreshold(level int) int {
	return shared.SaturatingMul(XPPerLevel, max(level, MinLevel))
}

// CharacterLevel - XP и уровень персонажа.
type CharacterLevel struct {
	XP    int `json:"xp"`
	Level int `json:"level"`
}

// NewCharacterLevel возвращает начальное состояние: 0 XP, уровень 1.
func NewCharacterLevel() CharacterLevel {
	return CharacterLevel{XP: 0, Level: MinLevel}
}

// AddXP добавляет amount и прогоняет цикл повышения уровня.
// Возвращает число полученных уровней. Отрицательный amount - no-op.
func (c *CharacterLevel) AddXP(amount int) int {
	c.normalize()
	if amount <= 0 {
		return 0
	}

	c.XP = shared.SaturatingAdd(c.XP, amount)

	gained := 0
	if k, cost := levelJump(c.Level, c.XP); k >= levelJumpMin {
		c.XP -= cost
		c.Level += k
		gained = k
	}
	for c.Level < math.MaxInt {
		th := LevelThreshold(c.Level)
		if c.XP < th {
			break
		}
		c.XP -= th
		c.Level++
		gained++
	}
	return gained
}

// levelJump оценивает снизу, сколько уровней k оплачивает xp начиная с level,
// и возвращает их точную стоимость 50*(k*level + k*(k-1)/2).
// Оценка берётся из корня квадратного уравнения и уменьшается на единицу,
// остаток добирает обычный цикл.
func levelJump(level, xp int) (int, int) {
	b := 2*float64(level) - 1
	k := int((math.Sqrt(b*b+8*float64(xp)/XPPerLevel)-b)/2) - 1
	if k <= 0 || level > math.MaxInt-k {
		return 0, 0
	}

	pairs := shared.SaturatingMul(k/2, k-1)
	if k%2 == 1 {
		pairs = shared.SaturatingMul(k, (k-1)/2)
	}
	cost := shared.SaturatingMul(XPPerLevel, shared.SaturatingAdd(shared.SaturatingMul(k, level), pairs))
	if cost > xp {
		return 0, 0
	}
	return k, cost
}

// XPToNextLevel возвращает, сколько XP осталось до следующего уровня.
func (c CharacterLevel) XPToNextLevel() int {
	return max(LevelThreshold(c.Level)-c.XP, 0)
}

func (c *CharacterLevel) normalize() {
	if c.Level < MinLevel {
		c.Level = MinLevel
	}
	if c.XP < 0 {
		c.XP = 0
	}
}
