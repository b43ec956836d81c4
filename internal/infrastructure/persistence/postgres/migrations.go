package postgres

// ══════════════════════════════════════════════════════════════════════════════
// EMBEDDED MIGRATIONS
// ══════════════════════════════════════════════════════════════════════════════

// GetMigrations returns all embedded migrations in version order.
func GetMigrations() []Migration {
	return []Migration{
		{
			Version: 1,
			Name:    "create_progression_kv",
			UpSQL:   migration001Up,
			DownSQL: migration001Down,
		},
		{
			Version: 2,
			Name:    "create_progression_events",
			UpSQL:   migration002Up,
			DownSQL: migration002Down,
		},
	}
}

// ══════════════════════════════════════════════════════════════════════════════
// MIGRATION 001: PROGRESSION KEY-VALUE TABLE
// ══════════════════════════════════════════════════════════════════════════════

const migration001Up = `
-- One row per "<category>_<userId>" blob. Values are opaque JSON bytes;
-- BYTEA keeps undecodable blobs readable so the engine can fall back.
CREATE TABLE IF NOT EXISTS progression_kv (
    key TEXT PRIMARY KEY,
    value BYTEA NOT NULL,
    created_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW(),
    updated_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW()
);

CREATE INDEX IF NOT EXISTS idx_progression_kv_updated_at ON progression_kv(updated_at DESC);
`

const migration001Down = `
DROP TABLE IF EXISTS progression_kv;
`

// ══════════════════════════════════════════════════════════════════════════════
// MIGRATION 002: PROGRESSION EVENT JOURNAL
// ══════════════════════════════════════════════════════════════════════════════

const migration002Up = `
CREATE TABLE IF NOT EXISTS progression_events (
    id UUID PRIMARY KEY,
    user_id TEXT NOT NULL,
    event_type VARCHAR(50) NOT NULL,
    payload JSONB NOT NULL DEFAULT '{}'::jsonb,
    correlation_id TEXT,
    occurred_at TIMESTAMP WITH TIME ZONE NOT NULL,
    recorded_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW()
);

CREATE INDEX IF NOT EXISTS idx_progression_events_user_time ON progression_events(user_id, occurred_at DESC);
CREATE INDEX IF NOT EXISTS idx_progression_events_type ON progression_events(event_type);
`

const migration002Down = `
DROP TABLE IF EXISTS progression_events;
`
