package dialer

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/acme/power-dialer/internal/domain"
	"github.com/acme/power-dialer/internal/telemetry"
	apperrors "github.com/acme/power-dialer/pkg/errors"
)

// HandleProviderEvent applies one provider callback. Events that match no
// active leg are acknowledged and dropped, which makes redelivery harmless.
func (e *Engine) HandleProviderEvent(ctx context.Context, ev domain.ProviderEvent) error {
	if !ev.Type.Valid() {
		return fmt.Errorf("%w: unknown event type %q", apperrors.ErrValidation, ev.Type)
	}
	if ev.CallSessionID == "" && ev.ClientState == nil {
		return fmt.Errorf("%w: event carries neither call session id nor client state", apperrors.ErrValidation)
	}
	if ev.OccurredAt.IsZero() {
		ev.OccurredAt = e.now()
	}

	ctx, span := tracer.Start(ctx, "dialer.provider_event", trace.WithAttributes(
		attribute.String("event.type", string(ev.Type)),
		attribute.String("call.session_id", ev.CallSessionID),
	))
	defer span.End()

	switch tok := ev.ClientState.(type) {
	case domain.AgentBridgeToken:
		return e.handleAgentEvent(ctx, tok.RunID, ev)
	case domain.AgentConferenceToken:
		return e.handleAgentEvent(ctx, tok.RunID, ev)
	}

	ref, ok := e.resolve(ctx, ev)
	if !ok {
		e.drop(ev, "unknown_session")
		return nil
	}
	span.SetAttributes(attribute.String("run.id", ref.RunID), attribute.String("leg.id", ref.LegID))

	fx := &effects{}
	err := e.store.With(ref.RunID, func(run *domain.DialerRun) error {
		leg, ok := run.ActiveLegs[ref.LegID]
		if !ok {
			e.drop(ev, "inactive_leg")
			return nil
		}
		if ev.CallSessionID != "" && leg.CallSessionID != "" && ev.CallSessionID != leg.CallSessionID {
			e.drop(ev, "session_mismatch")
			return nil
		}
		e.applyEventLocked(ctx, run, leg, ev, fx)
		return nil
	})
	if errors.Is(err, apperrors.ErrNotFound) {
		e.drop(ev, "unknown_run")
		return nil
	}
	if err != nil {
		span.RecordError(err)
		return err
	}
	e.flush(ctx, fx)
	return nil
}

func (e *Engine) resolve(ctx context.Context, ev domain.ProviderEvent) (domain.LegRef, bool) {
	if ev.CallSessionID != "" {
		ref, ok, err := e.registry.Resolve(ctx, ev.CallSessionID)
		if err != nil {
			e.logger.Warn("dialer: registry lookup failed", zap.Error(err), zap.String("call_session_id", ev.CallSessionID))
		}
		if ok {
			return ref, true
		}
	}
	if tok, ok := ev.ClientState.(domain.ProspectLegToken); ok {
		return domain.LegRef{RunID: tok.RunID, LegID: tok.LegID}, true
	}
	return domain.LegRef{}, false
}

func (e *Engine) drop(ev domain.ProviderEvent, reason string) {
	telemetry.EventsDropped.WithLabelValues(reason).Inc()
	e.logger.Debug("dialer: provider event dropped",
		zap.String("reason", reason),
		zap.String("event_type", string(ev.Type)),
		zap.String("call_session_id", ev.CallSessionID))
}

func (e *Engine) applyEventLocked(ctx context.Context, run *domain.DialerRun, leg *domain.Leg, ev domain.ProviderEvent, fx *effects) {
	out := transition(transitionInput{
		Leg:            *leg,
		Event:          ev,
		WinningLegID:   run.WinningLegID,
		GateBridge:     e.policy.GateBridgeOnAMD,
		UnknownAsHuman: e.policy.UnknownAMDAsHuman,
	})
	if out.Ignore {
		e.drop(ev, "stale")
		return
	}
	telemetry.EventsProcessed.WithLabelValues(string(ev.Type)).Inc()
	e.applyOutcomeLocked(ctx, run, leg, out, fx)
}

// applyOutcomeLocked applies a transition outcome to an active leg.
func (e *Engine) applyOutcomeLocked(ctx context.Context, run *domain.DialerRun, leg *domain.Leg, out outcome, fx *effects) {
	now := e.now()
	if out.AMD != domain.AMDNone {
		leg.AMDResult = out.AMD
	}
	if out.MarkAnswered && leg.AnsweredAt == nil {
		leg.AnsweredAt = &now
		recordRingTime(&run.Stats, now.Sub(leg.StartedAt))
	}
	if out.ClaimWinner {
		run.WinningLegID = leg.ID
	}
	if out.ReleaseWinner && run.WinningLegID == leg.ID {
		run.WinningLegID = ""
	}
	if out.Hangup {
		e.hangupLeg(leg, fx)
	}

	if out.Status.Terminal() {
		e.finalizeLocked(ctx, run, leg, out.Status, out.HangupCause, fx)
		e.dispatchLocked(ctx, run, fx)
		return
	}
	if out.Status != "" {
		e.setStatus(leg, out.Status)
	}
	if out.Bridge {
		e.bridgeLocked(ctx, run, leg, fx)
		return
	}
	fx.add(run, DeltaLegUpdated, leg, now)
}

func (e *Engine) bridgeLocked(ctx context.Context, run *domain.DialerRun, leg *domain.Leg, fx *effects) {
	if err := e.bridge.Connect(ctx, run, leg); err != nil {
		telemetry.BridgeFailures.Inc()
		e.logger.Error("dialer: bridge failed",
			zap.Error(err),
			zap.String("run_id", run.ID),
			zap.String("leg_id", leg.ID),
			zap.String("strategy", string(e.bridge.Strategy())))
		e.hangupLeg(leg, fx)
		if run.WinningLegID == leg.ID {
			run.WinningLegID = ""
		}
		e.finalizeLocked(ctx, run, leg, domain.LegStatusFailed, causeBridgeFailed, fx)
		fx.add(run, DeltaBridgeFailed, leg, e.now())
		e.dispatchLocked(ctx, run, fx)
		return
	}
	e.setStatus(leg, domain.LegStatusBridged)
	fx.add(run, DeltaLegBridged, leg, e.now())
	e.logger.Info("dialer: leg bridged to agent",
		zap.String("run_id", run.ID),
		zap.String("leg_id", leg.ID),
		zap.String("call_session_id", leg.CallSessionID))
}

func (e *Engine) handleAgentEvent(ctx context.Context, runID string, ev domain.ProviderEvent) error {
	fx := &effects{}
	err := e.store.With(runID, func(run *domain.DialerRun) error {
		if !e.bridge.TrackAgentEvent(run, ev) {
			return nil
		}
		fx.add(run, DeltaAgentUpdated, nil, e.now())
		// with direct bridging there is nobody to connect answers to once the agent leaves
		if ev.Type == domain.EventHangup && e.bridge.Strategy() == BridgeDirect && run.Status == domain.RunStatusRunning {
			now := e.now()
			run.Status = domain.RunStatusPaused
			run.PausedAt = &now
			fx.add(run, DeltaRunStatus, nil, now)
			e.logger.Info("dialer: agent left, run paused", zap.String("run_id", run.ID))
		}
		return nil
	})
	if errors.Is(err, apperrors.ErrNotFound) {
		e.drop(ev, "unknown_run")
		return nil
	}
	if err != nil {
		return err
	}
	e.flush(ctx, fx)
	return nil
}
