package dialer

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/acme/power-dialer/internal/domain"
	"github.com/acme/power-dialer/internal/telemetry"
	"github.com/acme/power-dialer/internal/telephony"
)

// dispatchLocked fills free lines from the head of the queue. Originations
// happen under the run lock so early provider events always find their leg.
func (e *Engine) dispatchLocked(ctx context.Context, run *domain.DialerRun, fx *effects) {
	for run.Status == domain.RunStatusRunning && len(run.Queue) > 0 && run.InFlight() < run.MaxLines {
		entry := run.Queue[0]
		run.Queue = run.Queue[1:]

		if strings.TrimSpace(entry.PhoneNumber) == "" {
			run.Stats.TotalAttempted++
			run.Stats.TotalFailed++
			e.logger.Warn("dialer: skipping entry without phone number",
				zap.String("run_id", run.ID),
				zap.String("contact_id", entry.ContactID),
				zap.String("list_entry_id", entry.ListEntryID))
			continue
		}

		if e.gate != nil {
			ok, err := e.gate.TryAcquire(ctx, e.policy.GateKey)
			if err != nil {
				e.logger.Warn("dialer: line gate unavailable", zap.Error(err), zap.String("run_id", run.ID))
			}
			if err != nil || !ok {
				run.Queue = append([]domain.QueueEntry{entry}, run.Queue...)
				break
			}
		}

		e.originateLocked(ctx, run, entry, fx)
	}
	e.maybeCompleteLocked(run, fx)
}

func (e *Engine) originateLocked(ctx context.Context, run *domain.DialerRun, entry domain.QueueEntry, fx *effects) {
	leg := &domain.Leg{
		ID:          e.newID(),
		RunID:       run.ID,
		ContactID:   entry.ContactID,
		ListEntryID: entry.ListEntryID,
		PhoneNumber: entry.PhoneNumber,
		Direction:   domain.LegDirectionOutbound,
		Status:      domain.LegStatusQueued,
		Attempt:     entry.AttemptCount + 1,
		FromLine:    e.nextLine(run),
		StartedAt:   e.now(),
	}

	token, err := domain.EncodeClientState(domain.ProspectLegToken{RunID: run.ID, LegID: leg.ID})
	if err != nil {
		e.releaseGate(ctx)
		e.recordFailedLeg(run, leg, err, fx)
		return
	}

	res, err := e.gateway.Originate(ctx, telephony.OriginateRequest{
		From:             leg.FromLine,
		To:               leg.PhoneNumber,
		ClientState:      token,
		MachineDetection: e.policy.MachineDetection,
		Timeout:          e.policy.RingTimeout,
	})
	if err != nil {
		e.releaseGate(ctx)
		e.handleOriginationError(ctx, run, entry, leg, err, fx)
		return
	}

	run.OriginationFailureStreak = 0
	leg.CallSessionID = res.CallSessionID
	leg.Status = domain.LegStatusDialing
	run.ActiveLegs[leg.ID] = leg
	run.Stats.TotalAttempted++
	telemetry.LegsOriginated.Inc()
	telemetry.InFlightLegsGauge.Inc()

	if err := e.registry.Register(ctx, leg.CallSessionID, domain.LegRef{RunID: run.ID, LegID: leg.ID}); err != nil {
		e.logger.Warn("dialer: registry insert failed, relying on client state",
			zap.Error(err), zap.String("run_id", run.ID), zap.String("leg_id", leg.ID))
	}
	fx.add(run, DeltaLegOriginated, leg, leg.StartedAt)
}

func (e *Engine) handleOriginationError(ctx context.Context, run *domain.DialerRun, entry domain.QueueEntry, leg *domain.Leg, err error, fx *effects) {
	retryable := telephony.IsRetryable(err)
	telemetry.OriginationErrors.WithLabelValues(strconv.FormatBool(retryable)).Inc()
	e.logger.Warn("dialer: origination failed",
		zap.Error(err),
		zap.String("run_id", run.ID),
		zap.String("list_entry_id", entry.ListEntryID),
		zap.Int("attempt", leg.Attempt),
		zap.Bool("retryable", retryable))

	if !retryable {
		e.recordFailedLeg(run, leg, err, fx)
		return
	}

	run.OriginationFailureStreak++
	if run.OriginationFailureStreak >= e.policy.FatalFailureStreak {
		e.recordFailedLeg(run, leg, err, fx)
		e.failRunLocked(ctx, run, fmt.Sprintf("provider unreachable after %d consecutive failures: %v", run.OriginationFailureStreak, err), fx)
		return
	}
	if entry.AttemptCount+1 < e.policy.MaxAttempts {
		entry.AttemptCount++
		run.Queue = append(run.Queue, entry)
		fx.add(run, DeltaQueueRequeued, nil, e.now())
		return
	}
	e.recordFailedLeg(run, leg, err, fx)
}

// recordFailedLeg stores a leg that never reached the provider.
func (e *Engine) recordFailedLeg(run *domain.DialerRun, leg *domain.Leg, err error, fx *effects) {
	now := e.now()
	leg.Status = domain.LegStatusFailed
	leg.EndedAt = &now
	leg.HangupCause = causeOriginationFailed
	if err != nil {
		leg.HangupCause = causeOriginationFailed + ": " + err.Error()
	}
	run.CompletedLegs = append(run.CompletedLegs, *leg)
	run.Stats.TotalAttempted++
	run.Stats.TotalFailed++
	telemetry.LegsCompleted.WithLabelValues(string(domain.LegStatusFailed)).Inc()
	fx.add(run, DeltaLegCompleted, leg, now)
}

// failRunLocked fails the run and tells every active leg to hang up. Legs that
// never connected are closed out now; connected legs finish on their hangup event.
func (e *Engine) failRunLocked(ctx context.Context, run *domain.DialerRun, reason string, fx *effects) {
	for _, leg := range orderedActive(run) {
		e.hangupLeg(leg, fx)
		if !leg.Status.Connected() {
			e.finalizeLocked(ctx, run, leg, domain.LegStatusFailed, causeRunFailed, fx)
		}
	}
	e.terminateLocked(run, domain.RunStatusFailed, reason, fx)
	e.logger.Error("dialer: run failed", zap.String("run_id", run.ID), zap.String("reason", reason))
}

func (e *Engine) nextLine(run *domain.DialerRun) string {
	if len(e.policy.FromLines) == 0 {
		return ""
	}
	line := e.policy.FromLines[run.LineCursor%len(e.policy.FromLines)]
	run.LineCursor++
	return line
}
