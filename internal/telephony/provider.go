package telephony

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// OriginateRequest describes an outbound leg to place.
type OriginateRequest struct {
	From             string
	To               string
	ClientState      string
	ConferenceID     string
	MachineDetection bool
	Timeout          time.Duration
}

// OriginateResult carries the provider call session id of a placed leg.
type OriginateResult struct {
	CallSessionID string
}

// Gateway abstracts the telephony provider's call-control API.
type Gateway interface {
	Originate(ctx context.Context, req OriginateRequest) (OriginateResult, error)
	Hangup(ctx context.Context, callSessionID string) error
	JoinConference(ctx context.Context, callSessionID, conferenceID string) error
	Bridge(ctx context.Context, callSessionID, agentSessionID string) error
}

// ErrInvalidNumber marks destinations the provider will never accept.
var ErrInvalidNumber = errors.New("invalid destination number")

// Error is a provider failure annotated with retry guidance.
type Error struct {
	Op        string
	Retryable bool
	Err       error
}

func (e *Error) Error() string {
	return fmt.Sprintf("telephony %s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Transient wraps err as a retryable provider failure.
func Transient(op string, err error) error {
	return &Error{Op: op, Retryable: true, Err: err}
}

// Permanent wraps err as a non-retryable provider failure.
func Permanent(op string, err error) error {
	return &Error{Op: op, Err: err}
}

// IsRetryable reports whether a provider error may succeed on another attempt.
// Unclassified errors are treated as transient.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrInvalidNumber) {
		return false
	}
	var te *Error
	if errors.As(err, &te) {
		return te.Retryable
	}
	return !errors.Is(err, context.Canceled)
}
