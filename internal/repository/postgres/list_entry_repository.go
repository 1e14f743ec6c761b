package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/acme/power-dialer/internal/domain"
	"github.com/acme/power-dialer/internal/repository"
)

// List entry states.
const (
	EntryStatePending = "pending"
	EntryStateDialed  = "dialed"
)

// ListEntryRepository persists contact list entries.
type ListEntryRepository struct {
	db *sqlx.DB
}

// NewListEntryRepository constructs the repository.
func NewListEntryRepository(db *sqlx.DB) *ListEntryRepository {
	return &ListEntryRepository{db: db}
}

// BulkInsert inserts a batch of entries. Existing ids are left untouched.
func (r *ListEntryRepository) BulkInsert(ctx context.Context, listID string, entries []repository.ListEntryRecord) error {
	if len(entries) == 0 {
		return nil
	}

	query := `INSERT INTO list_entries (
		id, list_id, contact_id, phone_number, position, state, attempt_count, created_at, updated_at
	) VALUES (:id, :list_id, :contact_id, :phone_number, :position, :state, :attempt_count, :created_at, :updated_at)
	ON CONFLICT (id) DO NOTHING`

	now := time.Now().UTC()
	rows := make([]map[string]any, 0, len(entries))
	for _, e := range entries {
		state := e.State
		if state == "" {
			state = EntryStatePending
		}
		created := e.CreatedAt
		if created.IsZero() {
			created = now
		}
		rows = append(rows, map[string]any{
			"id":            e.ID,
			"list_id":       listID,
			"contact_id":    e.ContactID,
			"phone_number":  e.PhoneNumber,
			"position":      e.Position,
			"state":         state,
			"attempt_count": e.AttemptCount,
			"created_at":    created,
			"updated_at":    created,
		})
	}

	if _, err := r.db.NamedExecContext(ctx, query, rows); err != nil {
		return fmt.Errorf("list entries: bulk insert: %w", err)
	}
	return nil
}

// Pending returns undialed entries of a list in list order.
func (r *ListEntryRepository) Pending(ctx context.Context, listID string, limit int) ([]domain.QueueEntry, error) {
	if limit <= 0 {
		limit = 1000
	}

	rows, err := r.db.QueryxContext(ctx, `SELECT id, list_id, contact_id, phone_number, position, state, last_outcome, last_attempt_at, attempt_count, created_at
		FROM list_entries
		WHERE list_id = $1 AND state = $2
		ORDER BY created_at ASC, position ASC
		LIMIT $3`, listID, EntryStatePending, limit)
	if err != nil {
		return nil, fmt.Errorf("list entries: select pending: %w", err)
	}
	defer rows.Close()

	var results []domain.QueueEntry
	for rows.Next() {
		var rec entryRow
		if err := rows.StructScan(&rec); err != nil {
			return nil, fmt.Errorf("list entries: scan: %w", err)
		}
		results = append(results, domain.QueueEntry{
			ContactID:   rec.ContactID,
			ListEntryID: rec.ID,
			PhoneNumber: rec.PhoneNumber,
		})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list entries: rows err: %w", err)
	}
	return results, nil
}

// RecordOutcome stores the final leg status for an entry and marks it dialed.
func (r *ListEntryRepository) RecordOutcome(ctx context.Context, entryID string, outcome domain.LegStatus, attemptedAt time.Time) error {
	if entryID == "" {
		return nil
	}
	res, err := r.db.ExecContext(ctx, `UPDATE list_entries
		SET state = $1, last_outcome = $2, last_attempt_at = $3, attempt_count = attempt_count + 1, updated_at = $4
		WHERE id = $5`,
		EntryStateDialed, string(outcome), attemptedAt, time.Now().UTC(), entryID)
	if err != nil {
		return fmt.Errorf("list entries: record outcome: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("list entries: rows affected: %w", err)
	}
	if n == 0 {
		return repository.ErrNotFound
	}
	return nil
}

type entryRow struct {
	ID          string         `db:"id"`
	ListID      string         `db:"list_id"`
	ContactID   string         `db:"contact_id"`
	PhoneNumber string         `db:"phone_number"`
	Position    int            `db:"position"`
	State       string         `db:"state"`
	LastOutcome sql.NullString `db:"last_outcome"`
	LastAttempt sql.NullTime   `db:"last_attempt_at"`
	AttemptCnt  int            `db:"attempt_count"`
	CreatedAt   time.Time      `db:"created_at"`
}
