package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/stillpoint/progression/internal/domain/shared"
	"github.com/stillpoint/progression/pkg/retry"
)

// EventJournal appends progression events to progression_events and reads
// back a user's recent history.
type EventJournal struct {
	db Querier
}

// NewEventJournal creates an EventJournal.
func NewEventJournal(db Querier) *EventJournal {
	return &EventJournal{db: db}
}

// Append stores one event. Re-appending the same event id is a no-op; an
// event that cannot be encoded fails permanently.
func (j *EventJournal) Append(ctx context.Context, event shared.Event) error {
	env, err := shared.NewEventEnvelope(event)
	if err != nil {
		return retry.Permanent(err)
	}

	var correlationID *string
	if env.CorrelationID != "" {
		correlationID = &env.CorrelationID
	}

	_, err = j.db.Exec(ctx, `
		INSERT INTO progression_events (id, user_id, event_type, payload, correlation_id, occurred_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (id) DO NOTHING
	`, env.ID, env.AggregateID, string(env.Type), []byte(env.Payload), correlationID, env.Timestamp)
	if err != nil {
		return fmt.Errorf("postgres: append event %s: %w", env.Type, err)
	}
	return nil
}

// Recent returns up to limit envelopes for userID, newest first.
func (j *EventJournal) Recent(ctx context.Context, userID shared.UserID, limit int) ([]shared.EventEnvelope, error) {
	if limit <= 0 {
		limit = 50
	}

	rows, err := j.db.Query(ctx, `
		SELECT id::text, user_id, event_type, payload, COALESCE(correlation_id, ''), occurred_at
		FROM progression_events
		WHERE user_id = $1
		ORDER BY occurred_at DESC, recorded_at DESC
		LIMIT $2
	`, userID.String(), limit)
	if err != nil {
		return nil, fmt.Errorf("postgres: query events: %w", err)
	}
	defer rows.Close()

	var out []shared.EventEnvelope
	for rows.Next() {
		var (
			env       shared.EventEnvelope
			eventType string
			payload   []byte
			at        time.Time
		)
		if err := rows.Scan(&env.ID, &env.AggregateID, &eventType, &payload, &env.CorrelationID, &at); err != nil {
			return nil, fmt.Errorf("postgres: scan event: %w", err)
		}
		env.Type = shared.EventType(eventType)
		env.Payload = json.RawMessage(payload)
		env.Timestamp = at
		env.Version = 1
		out = append(out, env)
	}
	return out, rows.Err()
}
