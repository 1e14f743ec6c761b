package handlers

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/acme/power-dialer/internal/domain"
	"github.com/acme/power-dialer/internal/telephony/twilio"
	apperrors "github.com/acme/power-dialer/pkg/errors"
)

type providerEventRequest struct {
	CallSessionID string    `json:"call_session_id"`
	Type          string    `json:"type"`
	HangupCause   string    `json:"hangup_cause"`
	AMDCode       string    `json:"amd_code"`
	ClientState   string    `json:"client_state"`
	OccurredAt    time.Time `json:"occurred_at"`
}

func (h *HandlerSet) twilioStatus(ctx *fiber.Ctx) error {
	return h.twilioCallback(ctx, twilio.ParseStatusCallback)
}

func (h *HandlerSet) twilioAMD(ctx *fiber.Ctx) error {
	return h.twilioCallback(ctx, twilio.ParseAMDCallback)
}

// twilioCallback acknowledges every callback it can attribute, including ones
// the engine drops, so the provider never retries them.
func (h *HandlerSet) twilioCallback(ctx *fiber.Ctx, parse func(func(string) string) (domain.ProviderEvent, error)) error {
	if h.deps.Signatures != nil && !h.validSignature(ctx) {
		return fiber.NewError(http.StatusForbidden, "invalid signature")
	}

	get := func(key string) string {
		if v := ctx.FormValue(key); v != "" {
			return v
		}
		return ctx.Query(key)
	}
	ev, err := parse(get)
	if errors.Is(err, twilio.ErrIgnoredCallback) {
		h.deps.Logger.Debug("webhook: callback ignored", zap.Error(err))
		return ctx.SendStatus(http.StatusNoContent)
	}
	if err != nil {
		return fiber.NewError(http.StatusBadRequest, err.Error())
	}
	return h.deliver(ctx, ev)
}

func (h *HandlerSet) validSignature(ctx *fiber.Ctx) bool {
	params := make(map[string]string)
	ctx.Request().PostArgs().VisitAll(func(key, value []byte) {
		params[string(key)] = string(value)
	})
	fullURL := strings.TrimRight(h.deps.PublicBaseURL, "/") + ctx.OriginalURL()
	return h.deps.Signatures.Valid(fullURL, params, ctx.Get("X-Twilio-Signature"))
}

// providerEvent accepts the canonical JSON event shape used by tests, local
// tooling and providers other than Twilio.
func (h *HandlerSet) providerEvent(ctx *fiber.Ctx) error {
	var req providerEventRequest
	if err := ctx.BodyParser(&req); err != nil {
		return fiber.NewError(http.StatusBadRequest, "invalid request body")
	}

	ev := domain.ProviderEvent{
		CallSessionID: strings.TrimSpace(req.CallSessionID),
		Type:          domain.ProviderEventType(req.Type),
		HangupCause:   req.HangupCause,
		AMDCode:       req.AMDCode,
		OccurredAt:    req.OccurredAt,
	}
	if req.ClientState != "" {
		cs, err := domain.DecodeClientState(req.ClientState)
		if err != nil {
			return fiber.NewError(http.StatusBadRequest, "invalid client_state")
		}
		ev.ClientState = cs
	}
	return h.deliver(ctx, ev)
}

func (h *HandlerSet) deliver(ctx *fiber.Ctx, ev domain.ProviderEvent) error {
	if err := h.deps.Dialer.HandleProviderEvent(ctx.Context(), ev); err != nil {
		if errors.Is(err, apperrors.ErrValidation) {
			return fiber.NewError(http.StatusBadRequest, err.Error())
		}
		return translateError(err)
	}
	return ctx.SendStatus(http.StatusNoContent)
}
