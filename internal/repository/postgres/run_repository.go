package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/acme/power-dialer/internal/domain"
	"github.com/acme/power-dialer/internal/repository"
)

// RunRepository implements repository.RunRepository using PostgreSQL.
type RunRepository struct {
	db *sqlx.DB
}

// NewRunRepository constructs a new repository.
func NewRunRepository(db *sqlx.DB) *RunRepository {
	return &RunRepository{db: db}
}

const upsertRunQuery = `INSERT INTO dialer_runs (
		id, list_id, status, max_lines, agent_id, winning_leg_id, failure_reason,
		total_attempted, total_answered, total_no_answer, total_voicemail, total_busy,
		total_failed, total_canceled, total_talk_time_seconds, average_ring_time_ms,
		created_at, started_at, completed_at, updated_at
	) VALUES (
		:id, :list_id, :status, :max_lines, :agent_id, :winning_leg_id, :failure_reason,
		:total_attempted, :total_answered, :total_no_answer, :total_voicemail, :total_busy,
		:total_failed, :total_canceled, :total_talk_time_seconds, :average_ring_time_ms,
		:created_at, :started_at, :completed_at, :updated_at
	)
	ON CONFLICT (id) DO UPDATE SET
		status = EXCLUDED.status,
		agent_id = EXCLUDED.agent_id,
		winning_leg_id = EXCLUDED.winning_leg_id,
		failure_reason = EXCLUDED.failure_reason,
		total_attempted = EXCLUDED.total_attempted,
		total_answered = EXCLUDED.total_answered,
		total_no_answer = EXCLUDED.total_no_answer,
		total_voicemail = EXCLUDED.total_voicemail,
		total_busy = EXCLUDED.total_busy,
		total_failed = EXCLUDED.total_failed,
		total_canceled = EXCLUDED.total_canceled,
		total_talk_time_seconds = EXCLUDED.total_talk_time_seconds,
		average_ring_time_ms = EXCLUDED.average_ring_time_ms,
		started_at = EXCLUDED.started_at,
		completed_at = EXCLUDED.completed_at,
		updated_at = EXCLUDED.updated_at`

// Upsert writes the run summary and, when the status changed, appends a status
// history row in the same transaction. Older snapshots never overwrite newer ones.
func (r *RunRepository) Upsert(ctx context.Context, run repository.RunRecord) error {
	return inTx(ctx, r.db, runTxOptions, func(tx *sqlx.Tx) error {
		var previous struct {
			Status    string    `db:"status"`
			UpdatedAt time.Time `db:"updated_at"`
		}
		err := tx.GetContext(ctx, &previous, `SELECT status, updated_at FROM dialer_runs WHERE id = $1 FOR UPDATE`, run.ID)
		switch {
		case errors.Is(err, sql.ErrNoRows):
		case err != nil:
			return fmt.Errorf("run repo: lock: %w", err)
		case previous.UpdatedAt.After(run.UpdatedAt):
			return nil
		}

		if _, err := tx.NamedExecContext(ctx, upsertRunQuery, runParams(run)); err != nil {
			return fmt.Errorf("run repo: upsert: %w", err)
		}

		if previous.Status == string(run.Status) {
			return nil
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO dialer_run_status_history (run_id, status, changed_at) VALUES ($1, $2, $3)`,
			run.ID, string(run.Status), run.UpdatedAt,
		); err != nil {
			return fmt.Errorf("run repo: status history: %w", err)
		}
		return nil
	})
}

// Get fetches a run summary by id.
func (r *RunRepository) Get(ctx context.Context, id string) (*repository.RunRecord, error) {
	var record runRow
	err := r.db.QueryRowxContext(ctx, selectRunColumns+` FROM dialer_runs WHERE id = $1`, id).StructScan(&record)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, fmt.Errorf("run repo: get: %w", err)
	}
	out := record.toModel()
	return &out, nil
}

// List returns the most recently created runs.
func (r *RunRepository) List(ctx context.Context, limit int) ([]repository.RunRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.db.QueryxContext(ctx, selectRunColumns+` FROM dialer_runs ORDER BY created_at DESC LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("run repo: list: %w", err)
	}
	defer rows.Close()

	var results []repository.RunRecord
	for rows.Next() {
		var rec runRow
		if err := rows.StructScan(&rec); err != nil {
			return nil, fmt.Errorf("run repo: scan: %w", err)
		}
		results = append(results, rec.toModel())
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("run repo: rows err: %w", err)
	}
	return results, nil
}

// StatusHistory lists status changes for a run, oldest first.
func (r *RunRepository) StatusHistory(ctx context.Context, id string) ([]repository.StatusChange, error) {
	var rows []struct {
		Status    string    `db:"status"`
		ChangedAt time.Time `db:"changed_at"`
	}
	if err := r.db.SelectContext(ctx, &rows,
		`SELECT status, changed_at FROM dialer_run_status_history WHERE run_id = $1 ORDER BY changed_at ASC, id ASC`, id,
	); err != nil {
		return nil, fmt.Errorf("run repo: status history: %w", err)
	}
	out := make([]repository.StatusChange, 0, len(rows))
	for _, row := range rows {
		out = append(out, repository.StatusChange{RunID: id, Status: domain.RunStatus(row.Status), ChangedAt: row.ChangedAt})
	}
	return out, nil
}

const selectRunColumns = `SELECT id, list_id, status, max_lines, agent_id, winning_leg_id, failure_reason,
		total_attempted, total_answered, total_no_answer, total_voicemail, total_busy,
		total_failed, total_canceled, total_talk_time_seconds, average_ring_time_ms,
		created_at, started_at, completed_at, updated_at`

func runParams(run repository.RunRecord) map[string]any {
	return map[string]any{
		"id":                      run.ID,
		"list_id":                 run.ListID,
		"status":                  string(run.Status),
		"max_lines":               run.MaxLines,
		"agent_id":                run.AgentID,
		"winning_leg_id":          run.WinningLegID,
		"failure_reason":          run.FailureReason,
		"total_attempted":         run.Stats.TotalAttempted,
		"total_answered":          run.Stats.TotalAnswered,
		"total_no_answer":         run.Stats.TotalNoAnswer,
		"total_voicemail":         run.Stats.TotalVoicemail,
		"total_busy":              run.Stats.TotalBusy,
		"total_failed":            run.Stats.TotalFailed,
		"total_canceled":          run.Stats.TotalCanceled,
		"total_talk_time_seconds": run.Stats.TotalTalkTimeSeconds,
		"average_ring_time_ms":    run.Stats.AverageRingTimeMs,
		"created_at":              run.CreatedAt,
		"started_at":              run.StartedAt,
		"completed_at":            run.CompletedAt,
		"updated_at":              run.UpdatedAt,
	}
}

type runRow struct {
	ID                   string       `db:"id"`
	ListID               string       `db:"list_id"`
	Status               string       `db:"status"`
	MaxLines             int          `db:"max_lines"`
	AgentID              string       `db:"agent_id"`
	WinningLegID         string       `db:"winning_leg_id"`
	FailureReason        string       `db:"failure_reason"`
	TotalAttempted       int64        `db:"total_attempted"`
	TotalAnswered        int64        `db:"total_answered"`
	TotalNoAnswer        int64        `db:"total_no_answer"`
	TotalVoicemail       int64        `db:"total_voicemail"`
	TotalBusy            int64        `db:"total_busy"`
	TotalFailed          int64        `db:"total_failed"`
	TotalCanceled        int64        `db:"total_canceled"`
	TotalTalkTimeSeconds int64        `db:"total_talk_time_seconds"`
	AverageRingTimeMs    int64        `db:"average_ring_time_ms"`
	CreatedAt            time.Time    `db:"created_at"`
	StartedAt            sql.NullTime `db:"started_at"`
	CompletedAt          sql.NullTime `db:"completed_at"`
	UpdatedAt            time.Time    `db:"updated_at"`
}

func (r runRow) toModel() repository.RunRecord {
	rec := repository.RunRecord{
		ID:            r.ID,
		ListID:        r.ListID,
		Status:        domain.RunStatus(r.Status),
		MaxLines:      r.MaxLines,
		AgentID:       r.AgentID,
		WinningLegID:  r.WinningLegID,
		FailureReason: r.FailureReason,
		Stats: domain.DialerRunStats{
			TotalAttempted:       r.TotalAttempted,
			TotalAnswered:        r.TotalAnswered,
			TotalNoAnswer:        r.TotalNoAnswer,
			TotalVoicemail:       r.TotalVoicemail,
			TotalBusy:            r.TotalBusy,
			TotalFailed:          r.TotalFailed,
			TotalCanceled:        r.TotalCanceled,
			TotalTalkTimeSeconds: r.TotalTalkTimeSeconds,
			AverageRingTimeMs:    r.AverageRingTimeMs,
		},
		CreatedAt: r.CreatedAt,
		UpdatedAt: r.UpdatedAt,
	}
	if r.StartedAt.Valid {
		t := r.StartedAt.Time
		rec.StartedAt = &t
	}
	if r.CompletedAt.Valid {
		t := r.CompletedAt.Time
		rec.CompletedAt = &t
	}
	return rec
}
