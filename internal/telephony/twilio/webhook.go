package twilio

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/twilio/twilio-go/client"

	"github.com/acme/power-dialer/internal/domain"
)

// ErrIgnoredCallback marks callbacks that carry nothing the dialer acts on.
var ErrIgnoredCallback = errors.New("twilio callback ignored")

// ParseStatusCallback converts a Twilio call status callback into a provider
// event. get reads a form or query parameter by name.
func ParseStatusCallback(get func(string) string) (domain.ProviderEvent, error) {
	ev, err := baseEvent(get)
	if err != nil {
		return ev, err
	}

	status := strings.ToLower(strings.TrimSpace(get("CallStatus")))
	switch status {
	case "queued", "initiated":
		ev.Type = domain.EventInitiated
	case "ringing":
		ev.Type = domain.EventRinging
	case "in-progress", "answered":
		ev.Type = domain.EventAnswered
	case "completed", "busy", "no-answer", "failed", "canceled":
		ev.Type = domain.EventHangup
		ev.HangupCause = status
		if sip := get("SipResponseCode"); status == "failed" && sip != "" {
			ev.HangupCause = "sip_" + sip
		}
	default:
		return ev, fmt.Errorf("%w: call status %q", ErrIgnoredCallback, status)
	}
	return ev, nil
}

// ParseAMDCallback converts an async answering machine detection callback.
func ParseAMDCallback(get func(string) string) (domain.ProviderEvent, error) {
	ev, err := baseEvent(get)
	if err != nil {
		return ev, err
	}
	answeredBy := strings.TrimSpace(get("AnsweredBy"))
	if answeredBy == "" {
		return ev, fmt.Errorf("%w: missing AnsweredBy", ErrIgnoredCallback)
	}
	ev.Type = domain.EventAMDResult
	ev.AMDCode = answeredBy
	return ev, nil
}

func baseEvent(get func(string) string) (domain.ProviderEvent, error) {
	ev := domain.ProviderEvent{CallSessionID: strings.TrimSpace(get("CallSid"))}
	if raw := get(ClientStateParam); raw != "" {
		cs, err := domain.DecodeClientState(raw)
		if err == nil {
			ev.ClientState = cs
		}
	}
	if ev.CallSessionID == "" && ev.ClientState == nil {
		return ev, fmt.Errorf("%w: no CallSid or client state", ErrIgnoredCallback)
	}
	if ts := get("Timestamp"); ts != "" {
		if at, err := time.Parse(time.RFC1123Z, ts); err == nil {
			ev.OccurredAt = at.UTC()
		}
	}
	return ev, nil
}

// SignatureValidator checks the X-Twilio-Signature header on callbacks.
type SignatureValidator struct {
	validator client.RequestValidator
}

// NewSignatureValidator builds a validator for the account auth token.
func NewSignatureValidator(authToken string) *SignatureValidator {
	return &SignatureValidator{validator: client.NewRequestValidator(authToken)}
}

// Valid reports whether signature matches the full callback URL and its POST params.
func (v *SignatureValidator) Valid(fullURL string, params map[string]string, signature string) bool {
	if signature == "" {
		return false
	}
	return v.validator.Validate(fullURL, params, signature)
}
