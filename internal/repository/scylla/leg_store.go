package scylla

import (
	"context"
	"fmt"
	"time"

	"github.com/gocql/gocql"

	"github.com/acme/power-dialer/internal/domain"
)

// LegStore persists completed legs in Scylla, partitioned by run.
type LegStore struct {
	session *gocql.Session
}

// NewLegStore creates a new leg store.
func NewLegStore(session *gocql.Session) *LegStore {
	return &LegStore{session: session}
}

// Schema lists the CQL statements the store depends on.
var Schema = []string{
	`CREATE TABLE IF NOT EXISTS legs_by_run (
		run_id text,
		started_at timestamp,
		leg_id text,
		contact_id text,
		list_entry_id text,
		phone_number text,
		call_session_id text,
		status text,
		attempt int,
		from_line text,
		answered_at timestamp,
		ended_at timestamp,
		hangup_cause text,
		amd_result text,
		talk_duration_seconds bigint,
		PRIMARY KEY ((run_id), started_at, leg_id)
	) WITH CLUSTERING ORDER BY (started_at ASC, leg_id ASC)`,
	`CREATE TABLE IF NOT EXISTS legs_by_session (
		call_session_id text PRIMARY KEY,
		run_id text,
		leg_id text,
		status text,
		ended_at timestamp
	)`,
}

// EnsureSchema creates the tables if they are missing.
func (s *LegStore) EnsureSchema(ctx context.Context) error {
	for _, stmt := range Schema {
		if err := s.session.Query(stmt).WithContext(ctx).Exec(); err != nil {
			return fmt.Errorf("leg store: ensure schema: %w", err)
		}
	}
	return nil
}

// SaveLeg upserts a completed leg. Writes are idempotent so redelivered
// progress messages are harmless.
func (s *LegStore) SaveLeg(ctx context.Context, leg domain.Leg) error {
	if err := s.session.Query(`INSERT INTO legs_by_run (run_id, started_at, leg_id, contact_id, list_entry_id, phone_number, call_session_id, status, attempt, from_line, answered_at, ended_at, hangup_cause, amd_result, talk_duration_seconds)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		leg.RunID, leg.StartedAt, leg.ID, leg.ContactID, leg.ListEntryID, leg.PhoneNumber, leg.CallSessionID,
		string(leg.Status), leg.Attempt, leg.FromLine, leg.AnsweredAt, leg.EndedAt, leg.HangupCause,
		string(leg.AMDResult), leg.TalkDurationSeconds,
	).WithContext(ctx).Exec(); err != nil {
		return fmt.Errorf("leg store: insert legs_by_run: %w", err)
	}

	if leg.CallSessionID == "" {
		return nil
	}
	if err := s.session.Query(`INSERT INTO legs_by_session (call_session_id, run_id, leg_id, status, ended_at) VALUES (?, ?, ?, ?, ?)`,
		leg.CallSessionID, leg.RunID, leg.ID, string(leg.Status), leg.EndedAt,
	).WithContext(ctx).Exec(); err != nil {
		return fmt.Errorf("leg store: insert legs_by_session: %w", err)
	}
	return nil
}

// ListLegsByRun lists completed legs for a run with pagination.
func (s *LegStore) ListLegsByRun(ctx context.Context, runID string, limit int, pagingState []byte) ([]domain.Leg, []byte, error) {
	if limit <= 0 {
		limit = 100
	}

	query := s.session.Query(`SELECT started_at, leg_id, contact_id, list_entry_id, phone_number, call_session_id, status, attempt, from_line, answered_at, ended_at, hangup_cause, amd_result, talk_duration_seconds
		FROM legs_by_run WHERE run_id = ?`, runID).WithContext(ctx)
	query = query.PageSize(limit)
	if len(pagingState) > 0 {
		query = query.PageState(pagingState)
	}

	iter := query.Iter()
	legs := make([]domain.Leg, 0, limit)

	var (
		startedAt   time.Time
		legID       string
		contactID   string
		entryID     string
		phone       string
		session     string
		status      string
		attempt     int
		fromLine    string
		answeredAt  *time.Time
		endedAt     *time.Time
		hangupCause string
		amdResult   string
		talk        int64
	)

	for iter.Scan(&startedAt, &legID, &contactID, &entryID, &phone, &session, &status, &attempt, &fromLine, &answeredAt, &endedAt, &hangupCause, &amdResult, &talk) {
		legs = append(legs, domain.Leg{
			ID:                  legID,
			RunID:               runID,
			ContactID:           contactID,
			ListEntryID:         entryID,
			PhoneNumber:         phone,
			CallSessionID:       session,
			Direction:           domain.LegDirectionOutbound,
			Status:              domain.LegStatus(status),
			Attempt:             attempt,
			FromLine:            fromLine,
			StartedAt:           startedAt,
			AnsweredAt:          copyTime(answeredAt),
			EndedAt:             copyTime(endedAt),
			HangupCause:         hangupCause,
			AMDResult:           domain.AMDResult(amdResult),
			TalkDurationSeconds: talk,
		})
		if len(legs) >= limit {
			break
		}
	}

	nextState := iter.PageState()
	if err := iter.Close(); err != nil {
		return nil, nil, fmt.Errorf("leg store: iter close: %w", err)
	}

	return legs, nextState, nil
}

func copyTime(t *time.Time) *time.Time {
	if t == nil || t.IsZero() {
		return nil
	}
	v := *t
	return &v
}
