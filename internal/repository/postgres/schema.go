package postgres

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"
)

// Schema creates the tables the dialer writes to.
const Schema = `
CREATE TABLE IF NOT EXISTS dialer_runs (
	id                      TEXT PRIMARY KEY,
	list_id                 TEXT NOT NULL,
	status                  TEXT NOT NULL,
	max_lines               INTEGER NOT NULL,
	agent_id                TEXT NOT NULL DEFAULT '',
	winning_leg_id          TEXT NOT NULL DEFAULT '',
	failure_reason          TEXT NOT NULL DEFAULT '',
	total_attempted         BIGINT NOT NULL DEFAULT 0,
	total_answered          BIGINT NOT NULL DEFAULT 0,
	total_no_answer         BIGINT NOT NULL DEFAULT 0,
	total_voicemail         BIGINT NOT NULL DEFAULT 0,
	total_busy              BIGINT NOT NULL DEFAULT 0,
	total_failed            BIGINT NOT NULL DEFAULT 0,
	total_canceled          BIGINT NOT NULL DEFAULT 0,
	total_talk_time_seconds BIGINT NOT NULL DEFAULT 0,
	average_ring_time_ms    BIGINT NOT NULL DEFAULT 0,
	created_at              TIMESTAMPTZ NOT NULL,
	started_at              TIMESTAMPTZ,
	completed_at            TIMESTAMPTZ,
	updated_at              TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS dialer_runs_created_at_idx ON dialer_runs (created_at DESC);

CREATE TABLE IF NOT EXISTS dialer_run_status_history (
	id         BIGSERIAL PRIMARY KEY,
	run_id     TEXT NOT NULL REFERENCES dialer_runs (id) ON DELETE CASCADE,
	status     TEXT NOT NULL,
	changed_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS dialer_run_status_history_run_idx ON dialer_run_status_history (run_id, changed_at);

CREATE TABLE IF NOT EXISTS list_entries (
	id              TEXT PRIMARY KEY,
	list_id         TEXT NOT NULL,
	contact_id      TEXT NOT NULL DEFAULT '',
	phone_number    TEXT NOT NULL DEFAULT '',
	position        INTEGER NOT NULL DEFAULT 0,
	state           TEXT NOT NULL DEFAULT 'pending',
	last_outcome    TEXT,
	last_attempt_at TIMESTAMPTZ,
	attempt_count   INTEGER NOT NULL DEFAULT 0,
	created_at      TIMESTAMPTZ NOT NULL,
	updated_at      TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS list_entries_list_state_idx ON list_entries (list_id, state, position);
`

// Migrate applies Schema. Every statement is idempotent.
func Migrate(ctx context.Context, db *sqlx.DB) error {
	if _, err := db.ExecContext(ctx, Schema); err != nil {
		return fmt.Errorf("postgres: migrate: %w", err)
	}
	return nil
}
