package lists

import (
	"context"
	"fmt"
	"strings"
	"time"
	"unicode"

	"github.com/google/uuid"

	"github.com/acme/power-dialer/internal/repository"
	apperrors "github.com/acme/power-dialer/pkg/errors"
)

// maxImport bounds a single import request.
const maxImport = 10000

// Service manages stored contact lists that runs can be started from.
type Service struct {
	repo repository.ListEntryRepository
	now  func() time.Time
}

// NewService constructs a list service.
func NewService(repo repository.ListEntryRepository) *Service {
	return &Service{repo: repo, now: func() time.Time { return time.Now().UTC() }}
}

// EntryInput is one contact to append to a list.
type EntryInput struct {
	ContactID   string
	PhoneNumber string
}

// Import appends entries to a list in the given order. Numbers are normalised
// to E.164 and the whole batch is rejected if any entry is invalid.
func (s *Service) Import(ctx context.Context, listID string, entries []EntryInput) ([]repository.ListEntryRecord, error) {
	listID = strings.TrimSpace(listID)
	if listID == "" {
		return nil, fmt.Errorf("%w: list id is required", apperrors.ErrValidation)
	}
	if len(entries) == 0 {
		return nil, fmt.Errorf("%w: at least one entry is required", apperrors.ErrValidation)
	}
	if len(entries) > maxImport {
		return nil, fmt.Errorf("%w: at most %d entries per import", apperrors.ErrValidation, maxImport)
	}

	now := s.now()
	records := make([]repository.ListEntryRecord, 0, len(entries))
	for i, e := range entries {
		phone, err := NormalizePhone(e.PhoneNumber)
		if err != nil {
			return nil, fmt.Errorf("%w: entry %d: %v", apperrors.ErrValidation, i, err)
		}
		id := uuid.NewString()
		contactID := strings.TrimSpace(e.ContactID)
		if contactID == "" {
			contactID = id
		}
		records = append(records, repository.ListEntryRecord{
			ID:          id,
			ListID:      listID,
			ContactID:   contactID,
			PhoneNumber: phone,
			Position:    i,
			CreatedAt:   now,
		})
	}

	if err := s.repo.BulkInsert(ctx, listID, records); err != nil {
		return nil, fmt.Errorf("list service: import: %w", err)
	}
	return records, nil
}

// NormalizePhone strips formatting from a number and requires E.164 shape:
// a leading plus followed by 8 to 15 digits.
func NormalizePhone(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", fmt.Errorf("phone number is required")
	}
	var b strings.Builder
	for i, r := range raw {
		switch {
		case r == '+' && i == 0:
			b.WriteRune(r)
		case unicode.IsDigit(r):
			b.WriteRune(r)
		case r == ' ' || r == '-' || r == '(' || r == ')' || r == '.':
		default:
			return "", fmt.Errorf("phone number %q contains %q", raw, r)
		}
	}
	out := b.String()
	if !strings.HasPrefix(out, "+") {
		return "", fmt.Errorf("phone number %q must start with +", raw)
	}
	if digits := len(out) - 1; digits < 8 || digits > 15 {
		return "", fmt.Errorf("phone number %q must have 8 to 15 digits", raw)
	}
	return out, nil
}
