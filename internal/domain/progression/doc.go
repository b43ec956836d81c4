// Package progression содержит доменную модель прогрессии пользователя Stillpoint.
//
// Пакет определяет:
//
//   - Сущности: Achievement, Badge, StreakState, Profile
//   - Каталог: Catalog (неизменяемые шаблоны достижений и бейджей, catalog.yaml)
//   - Правила: разблокировка достижений, каскад уровней бейджей, XP и уровни персонажа,
//     календарные серии (streaks)
//   - Интерфейсы хранилища: KeyValueStore, ProfileStore
//
// # Правила
//
// Достижение разблокируется один раз, когда progress достигает goal; после этого
// оно больше не меняется.
//
// Бейдж имеет уровень 0..3. Для обычного бейджа (BadgeStandard) пороги milestones
// "сгорают": при достижении milestones[level] порог вычитается из progress и уровень
// растёт. Без milestones единственный порог - goal (переход 0→1).
// Бейджи BadgeConsistency и BadgeLevel хранят абсолютное значение (длину серии или
// уровень персонажа), а уровень равен числу пройденных порогов и никогда не падает.
//
// Уровень персонажа растёт, пока xp ≥ 50*level; порог вычитается из xp.
//
// Пакет не выполняет I/O; сохранение - задача application/engine и infrastructure.
package progression
