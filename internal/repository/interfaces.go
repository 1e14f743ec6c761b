package repository

import (
	"context"
	"time"

	"github.com/acme/power-dialer/internal/domain"
	apperrors "github.com/acme/power-dialer/pkg/errors"
)

var (
	// ErrNotFound indicates the entity was not located.
	ErrNotFound = apperrors.ErrNotFound
	// ErrConflict indicates a unique constraint violation.
	ErrConflict = apperrors.ErrConflict
)

// RunRepository keeps durable run summaries. It is written behind the live
// run store and only read for reporting.
type RunRepository interface {
	Upsert(ctx context.Context, run RunRecord) error
	Get(ctx context.Context, id string) (*RunRecord, error)
	List(ctx context.Context, limit int) ([]RunRecord, error)
	StatusHistory(ctx context.Context, id string) ([]StatusChange, error)
}

// ListEntryRepository reads dialable contact list entries and records outcomes.
type ListEntryRepository interface {
	BulkInsert(ctx context.Context, listID string, entries []ListEntryRecord) error
	Pending(ctx context.Context, listID string, limit int) ([]domain.QueueEntry, error)
	RecordOutcome(ctx context.Context, entryID string, outcome domain.LegStatus, attemptedAt time.Time) error
}

// LegStore persists completed legs.
type LegStore interface {
	SaveLeg(ctx context.Context, leg domain.Leg) error
	ListLegsByRun(ctx context.Context, runID string, limit int, pagingState []byte) ([]domain.Leg, []byte, error)
}

// RunRecord is the storage representation of a run summary.
type RunRecord struct {
	ID            string
	ListID        string
	Status        domain.RunStatus
	MaxLines      int
	AgentID       string
	WinningLegID  string
	FailureReason string
	Stats         domain.DialerRunStats
	CreatedAt     time.Time
	StartedAt     *time.Time
	CompletedAt   *time.Time
	UpdatedAt     time.Time
}

// StatusChange is one row of a run's status history.
type StatusChange struct {
	RunID     string
	Status    domain.RunStatus
	ChangedAt time.Time
}

// ListEntryRecord is a contact list entry.
type ListEntryRecord struct {
	ID            string
	ListID        string
	ContactID     string
	PhoneNumber   string
	Position      int
	State         string
	LastOutcome   string
	LastAttemptAt *time.Time
	AttemptCount  int
	CreatedAt     time.Time
}
