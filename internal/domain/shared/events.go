package shared

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// EventType represents the type of domain event.
type EventType string

// Domain event types. These are the celebration and bookkeeping signals the
// engine emits; the UI layer decides how (and whether) to render them.
const (
	// Progress events
	EventXPGained EventType = "progress.xp_gained"
	EventLevelUp  EventType = "progress.level_up"
	EventReset    EventType = "progress.reset"

	// Achievement / badge events
	EventAchievementUnlocked EventType = "achievement.unlocked"
	EventBadgeLeveledUp      EventType = "badge.leveled_up"

	// Streak events
	EventStreakUpdated EventType = "streak.updated"
	EventStreakBroken  EventType = "streak.broken"
)

// IsCelebration reports whether the event should trigger a celebratory effect.
func (t EventType) IsCelebration() bool {
	switch t {
	case EventLevelUp, EventAchievementUnlocked, EventBadgeLeveledUp:
		return true
	default:
		return false
	}
}

// Event is the base interface for all domain events.
type Event interface {
	// EventID returns the unique id of this event instance.
	EventID() string

	// EventType returns the type of the event.
	EventType() EventType

	// OccurredAt returns when the event occurred.
	OccurredAt() time.Time

	// AggregateID returns the user id whose profile produced this event.
	AggregateID() string

	// Payload returns the event data as a map for serialization.
	Payload() map[string]interface{}
}

// BaseEvent provides common event functionality.
type BaseEvent struct {
	ID            string    `json:"id"`
	Type          EventType `json:"type"`
	Timestamp     time.Time `json:"timestamp"`
	AggregateId   string    `json:"aggregate_id"`
	Version       int       `json:"version"`
	CorrelationID string    `json:"correlation_id,omitempty"`
}

// EventID implements Event interface.
func (e BaseEvent) EventID() string {
	return e.ID
}

// EventType implements Event interface.
func (e BaseEvent) EventType() EventType {
	return e.Type
}

// OccurredAt implements Event interface.
func (e BaseEvent) OccurredAt() time.Time {
	return e.Timestamp
}

// AggregateID implements Event interface.
func (e BaseEvent) AggregateID() string {
	return e.AggregateId
}

// NewBaseEvent creates a new base event stamped with the given time.
func NewBaseEvent(eventType EventType, aggregateID string, at time.Time) BaseEvent {
	return BaseEvent{
		ID:          uuid.NewString(),
		Type:        eventType,
		Timestamp:   at,
		AggregateId: aggregateID,
		Version:     1,
	}
}

// WithCorrelationID sets the correlation ID for tracing.
func (e BaseEvent) WithCorrelationID(id string) BaseEvent {
	e.CorrelationID = id
	return e
}

// ═══════════════════════════════════════════════════════════════════════════
// Progress Events
// ═══════════════════════════════════════════════════════════════════════════

// XPGainedEvent is emitted when XP is added to a profile.
type XPGainedEvent struct {
	BaseEvent
	Amount   int    `json:"amount"`
	NewTotal int    `json:"new_total"`
	Source   string `json:"source"` // e.g., "achievement:first_breath", "badge:shaker", "grant"
}

// Payload implements Event interface.
func (e XPGainedEvent) Payload() map[string]interface{} {
	return map[string]interface{}{
		"amount":    e.Amount,
		"new_total": e.NewTotal,
		"source":    e.Source,
	}
}

// NewXPGainedEvent creates a new XPGainedEvent.
func NewXPGainedEvent(userID string, amount, newTotal int, source string, at time.Time) XPGainedEvent {
	return XPGainedEvent{
		BaseEvent: NewBaseEvent(EventXPGained, userID, at),
		Amount:    amount,
		NewTotal:  newTotal,
		Source:    source,
	}
}

// LevelUpEvent is emitted once per AddXP call that raised the character level.
type LevelUpEvent struct {
	BaseEvent
	OldLevel int `json:"old_level"`
	NewLevel int `json:"new_level"`
}

// Payload implements Event interface.
func (e LevelUpEvent) Payload() map[string]interface{} {
	return map[string]interface{}{
		"old_level": e.OldLevel,
		"new_level": e.NewLevel,
	}
}

// NewLevelUpEvent creates a new LevelUpEvent.
func NewLevelUpEvent(userID string, oldLevel, newLevel int, at time.Time) LevelUpEvent {
	return LevelUpEvent{
		BaseEvent: NewBaseEvent(EventLevelUp, userID, at),
		OldLevel:  oldLevel,
		NewLevel:  newLevel,
	}
}

// ProgressResetEvent is emitted when a profile is restored to catalog defaults.
type ProgressResetEvent struct {
	BaseEvent
}

// Payload implements Event interface.
func (e ProgressResetEvent) Payload() map[string]interface{} {
	return map[string]interface{}{}
}

// NewProgressResetEvent creates a new ProgressResetEvent.
func NewProgressResetEvent(userID string, at time.Time) ProgressResetEvent {
	return ProgressResetEvent{BaseEvent: NewBaseEvent(EventReset, userID, at)}
}

// ═══════════════════════════════════════════════════════════════════════════
// Achievement & Badge Events
// ═══════════════════════════════════════════════════════════════════════════

// AchievementUnlockedEvent is emitted when an achievement reaches its goal.
type AchievementUnlockedEvent struct {
	BaseEvent
	AchievementID string `json:"achievement_id"`
	Title         string `json:"title"`
	XPAwarded     int    `json:"xp_awarded"`
}

// Payload implements Event interface.
func (e AchievementUnlockedEvent) Payload() map[string]interface{} {
	return map[string]interface{}{
		"achievement_id": e.AchievementID,
		"title":          e.Title,
		"xp_awarded":     e.XPAwarded,
	}
}

// NewAchievementUnlockedEvent creates a new AchievementUnlockedEvent.
func NewAchievementUnlockedEvent(userID, achievementID, title string, xp int, at time.Time) AchievementUnlockedEvent {
	return AchievementUnlockedEvent{
		BaseEvent:     NewBaseEvent(EventAchievementUnlocked, userID, at),
		AchievementID: achievementID,
		Title:         title,
		XPAwarded:     xp,
	}
}

// BadgeLeveledUpEvent is emitted when a badge moves to a higher tier.
type BadgeLeveledUpEvent struct {
	BaseEvent
	BadgeID  string `json:"badge_id"`
	Title    string `json:"title"`
	OldLevel int    `json:"old_level"`
	NewLevel int    `json:"new_level"`
}

// Payload implements Event interface.
func (e BadgeLeveledUpEvent) Payload() map[string]interface{} {
	return map[string]interface{}{
		"badge_id":  e.BadgeID,
		"title":     e.Title,
		"old_level": e.OldLevel,
		"new_level": e.NewLevel,
	}
}

// NewBadgeLeveledUpEvent creates a new BadgeLeveledUpEvent.
func NewBadgeLeveledUpEvent(userID, badgeID, title string, oldLevel, newLevel int, at time.Time) BadgeLeveledUpEvent {
	return BadgeLeveledUpEvent{
		BaseEvent: NewBaseEvent(EventBadgeLeveledUp, userID, at),
		BadgeID:   badgeID,
		Title:     title,
		OldLevel:  oldLevel,
		NewLevel:  newLevel,
	}
}

// ═══════════════════════════════════════════════════════════════════════════
// Streak Events
// ═══════════════════════════════════════════════════════════════════════════

// StreakUpdatedEvent is emitted when a streak count changes.
type StreakUpdatedEvent struct {
	BaseEvent
	Streak string `json:"streak"`
	Count  int    `json:"count"`
	Date   string `json:"date"`
}

// Payload implements Event interface.
func (e StreakUpdatedEvent) Payload() map[string]interface{} {
	return map[string]interface{}{
		"streak": e.Streak,
		"count":  e.Count,
		"date":   e.Date,
	}
}

// NewStreakUpdatedEvent creates a new StreakUpdatedEvent.
func NewStreakUpdatedEvent(userID, streak string, count int, date string, at time.Time) StreakUpdatedEvent {
	return StreakUpdatedEvent{
		BaseEvent: NewBaseEvent(EventStreakUpdated, userID, at),
		Streak:    streak,
		Count:     count,
		Date:      date,
	}
}

// StreakBrokenEvent is emitted when a gap of more than one day restarts a streak.
type StreakBrokenEvent struct {
	BaseEvent
	Streak         string `json:"streak"`
	PreviousStreak int    `json:"previous_streak"`
	DaysMissed     int    `json:"days_missed"`
}

// Payload implements Event interface.
func (e StreakBrokenEvent) Payload() map[string]interface{} {
	return map[string]interface{}{
		"streak":          e.Streak,
		"previous_streak": e.PreviousStreak,
		"days_missed":     e.DaysMissed,
	}
}

// NewStreakBrokenEvent creates a new StreakBrokenEvent.
func NewStreakBrokenEvent(userID, streak string, previous, daysMissed int, at time.Time) StreakBrokenEvent {
	return StreakBrokenEvent{
		BaseEvent:      NewBaseEvent(EventStreakBroken, userID, at),
		Streak:         streak,
		PreviousStreak: previous,
		DaysMissed:     daysMissed,
	}
}

// ═══════════════════════════════════════════════════════════════════════════
// Event Envelope (for serialization and transport)
// ═══════════════════════════════════════════════════════════════════════════

// EventEnvelope wraps an event for transport/storage.
type EventEnvelope struct {
	ID            string          `json:"id"`
	Type          EventType       `json:"type"`
	AggregateID   string          `json:"aggregate_id"`
	Timestamp     time.Time       `json:"timestamp"`
	Version       int             `json:"version"`
	CorrelationID string          `json:"correlation_id,omitempty"`
	Payload       json.RawMessage `json:"payload"`
}

// NewEventEnvelope serializes an event's payload into an envelope.
func NewEventEnvelope(event Event) (EventEnvelope, error) {
	payload, err := json.Marshal(event.Payload())
	if err != nil {
		return EventEnvelope{}, WrapError("events", "Envelope", ErrInvalidFormat, "marshal payload", err)
	}

	env := EventEnvelope{
		ID:          event.EventID(),
		Type:        event.EventType(),
		AggregateID: event.AggregateID(),
		Timestamp:   event.OccurredAt(),
		Version:     1,
		Payload:     payload,
	}
	if b, ok := baseOf(event); ok {
		env.Version = b.Version
		env.CorrelationID = b.CorrelationID
	}
	return env, nil
}

func baseOf(event Event) (BaseEvent, bool) {
	type based interface{ base() BaseEvent }
	if b, ok := event.(based); ok {
		return b.base(), true
	}
	return BaseEvent{}, false
}

func (e BaseEvent) base() BaseEvent { return e }

// EventHandler is a function that handles an event.
type EventHandler func(event Event) error

// EventPublisher defines the interface for publishing events.
type EventPublisher interface {
	// Publish sends an event to subscribers.
	Publish(event Event) error
}

// EventSubscriber defines the interface for subscribing to events.
type EventSubscriber interface {
	// Subscribe registers a handler for an event type.
	Subscribe(eventType EventType, handler EventHandler) error

	// SubscribeAll registers a handler for all events.
	SubscribeAll(handler EventHandler) error
}

// EventBus combines publishing and subscribing.
type EventBus interface {
	EventPublisher
	EventSubscriber
}
