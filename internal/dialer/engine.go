package dialer

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/acme/power-dialer/internal/domain"
	"github.com/acme/power-dialer/internal/telemetry"
	"github.com/acme/power-dialer/internal/telephony"
	apperrors "github.com/acme/power-dialer/pkg/errors"
	"github.com/acme/power-dialer/pkg/logger"
)

var tracer = otel.Tracer("dialer.engine")

// Engine orchestrates dialer runs: dispatching legs, applying provider events,
// bridging the winner and broadcasting progress.
type Engine struct {
	store       *RunStore
	registry    LegRegistry
	gateway     telephony.Gateway
	bridge      *BridgeController
	broadcaster *Broadcaster
	gate        LineGate
	policy      Policy
	logger      *logger.Logger
	now         func() time.Time
	newID       func() string
}

// Option customises an Engine.
type Option func(*Engine)

// WithRegistry replaces the in-memory leg registry.
func WithRegistry(r LegRegistry) Option {
	return func(e *Engine) { e.registry = r }
}

// WithLineGate enables a shared line gate checked before each origination.
func WithLineGate(g LineGate) Option {
	return func(e *Engine) { e.gate = g }
}

// WithBroadcaster uses b instead of a private broadcaster.
func WithBroadcaster(b *Broadcaster) Option {
	return func(e *Engine) { e.broadcaster = b }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithIDGenerator overrides run and leg id generation.
func WithIDGenerator(fn func() string) Option {
	return func(e *Engine) { e.newID = fn }
}

// NewEngine wires an engine around a call-control gateway.
func NewEngine(gateway telephony.Gateway, policy Policy, log *logger.Logger, opts ...Option) *Engine {
	policy = policy.withDefaults()
	e := &Engine{
		store:    NewRunStore(),
		registry: NewMemoryRegistry(),
		gateway:  gateway,
		policy:   policy,
		logger:   log,
		now:      func() time.Time { return time.Now().UTC() },
		newID:    uuid.NewString,
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.broadcaster == nil {
		e.broadcaster = NewBroadcaster(0, log)
	}
	callerID := ""
	if len(policy.FromLines) > 0 {
		callerID = policy.FromLines[0]
	}
	e.bridge = NewBridgeController(gateway, policy.BridgeStrategy, policy.AgentEndpoint, callerID)
	return e
}

// Broadcaster exposes the progress broadcaster.
func (e *Engine) Broadcaster() *Broadcaster { return e.broadcaster }

// StartRunInput describes a new run.
type StartRunInput struct {
	ListID         string
	MaxLines       int
	Targets        []domain.QueueEntry
	AgentID        string
	AgentSessionID string
}

// StartRun creates a run and immediately begins dispatching it.
func (e *Engine) StartRun(ctx context.Context, input StartRunInput) (domain.DialerRun, error) {
	if err := e.validateStart(&input); err != nil {
		return domain.DialerRun{}, err
	}

	now := e.now()
	run := &domain.DialerRun{
		ID:         e.newID(),
		ListID:     input.ListID,
		Status:     domain.RunStatusPending,
		MaxLines:   input.MaxLines,
		Queue:      append([]domain.QueueEntry(nil), input.Targets...),
		ActiveLegs: make(map[string]*domain.Leg),
		CreatedAt:  now,
		Agent: domain.AgentLeg{
			ID:            input.AgentID,
			CallSessionID: input.AgentSessionID,
			Connected:     input.AgentSessionID != "",
		},
	}

	ctx, span := tracer.Start(ctx, "dialer.start_run", trace.WithAttributes(
		attribute.String("run.id", run.ID),
		attribute.String("list.id", run.ListID),
		attribute.Int("run.max_lines", run.MaxLines),
		attribute.Int("run.targets", len(run.Queue)),
	))
	defer span.End()

	if err := e.store.Create(run); err != nil {
		span.RecordError(err)
		return domain.DialerRun{}, err
	}
	telemetry.RunsStarted.Inc()
	telemetry.ActiveRunsGauge.Inc()

	fx := &effects{}
	var snap domain.DialerRun
	err := e.store.With(run.ID, func(run *domain.DialerRun) error {
		fx.add(run, DeltaRunCreated, nil, e.now())
		e.activateLocked(ctx, run, fx)
		snap = run.Clone()
		return nil
	})
	if err != nil {
		return domain.DialerRun{}, err
	}
	e.flush(ctx, fx)

	e.logger.Info("dialer: run started",
		zap.String("run_id", snap.ID),
		zap.String("list_id", snap.ListID),
		zap.Int("max_lines", snap.MaxLines),
		zap.Int("targets", len(input.Targets)))
	return snap, nil
}

func (e *Engine) validateStart(input *StartRunInput) error {
	input.ListID = strings.TrimSpace(input.ListID)
	if input.ListID == "" {
		return fmt.Errorf("%w: list id is required", apperrors.ErrValidation)
	}
	if input.MaxLines == 0 {
		input.MaxLines = e.policy.DefaultMaxLines
	}
	if input.MaxLines < 1 || input.MaxLines > e.policy.MaxLinesCap {
		return fmt.Errorf("%w: max lines must be between 1 and %d", apperrors.ErrValidation, e.policy.MaxLinesCap)
	}
	if e.policy.BridgeStrategy == BridgeDirect && input.AgentSessionID == "" {
		return fmt.Errorf("%w: agent session id is required for direct bridging", apperrors.ErrValidation)
	}
	return nil
}

func (e *Engine) activateLocked(ctx context.Context, run *domain.DialerRun, fx *effects) {
	now := e.now()
	run.Status = domain.RunStatusRunning
	run.PausedAt = nil
	if run.StartedAt == nil {
		run.StartedAt = &now
	}
	fx.add(run, DeltaRunStatus, nil, now)
	e.dispatchLocked(ctx, run, fx)
}

// PauseRun stops new originations. Legs already in flight carry on.
func (e *Engine) PauseRun(ctx context.Context, runID string) (domain.DialerRun, error) {
	return e.command(ctx, runID, func(ctx context.Context, run *domain.DialerRun, fx *effects) error {
		if run.Status.Terminal() {
			return fmt.Errorf("%w: run %s is %s", apperrors.ErrInvalidTransition, run.ID, run.Status)
		}
		if run.Status == domain.RunStatusPaused {
			return nil
		}
		now := e.now()
		run.Status = domain.RunStatusPaused
		run.PausedAt = &now
		fx.add(run, DeltaRunStatus, nil, now)
		return nil
	})
}

// ResumeRun continues dispatching a paused run.
func (e *Engine) ResumeRun(ctx context.Context, runID string) (domain.DialerRun, error) {
	return e.command(ctx, runID, func(ctx context.Context, run *domain.DialerRun, fx *effects) error {
		if run.Status.Terminal() {
			return fmt.Errorf("%w: run %s is %s", apperrors.ErrInvalidTransition, run.ID, run.Status)
		}
		if run.Status == domain.RunStatusRunning {
			return nil
		}
		e.activateLocked(ctx, run, fx)
		return nil
	})
}

// StopRun ends a run. Unanswered legs are hung up; answered legs are left to finish.
func (e *Engine) StopRun(ctx context.Context, runID string) (domain.DialerRun, error) {
	return e.command(ctx, runID, func(ctx context.Context, run *domain.DialerRun, fx *effects) error {
		if run.Status.Terminal() {
			return fmt.Errorf("%w: run %s is %s", apperrors.ErrInvalidTransition, run.ID, run.Status)
		}
		for _, leg := range orderedActive(run) {
			if leg.Status.Connected() {
				continue
			}
			e.hangupLeg(leg, fx)
			e.finalizeLocked(ctx, run, leg, domain.LegStatusNoAnswer, causeOperatorStop, fx)
		}
		e.terminateLocked(run, domain.RunStatusStopped, "", fx)
		return nil
	})
}

// AttachAgent records the agent's established call leg, replacing any previous one.
func (e *Engine) AttachAgent(ctx context.Context, runID, agentID, callSessionID string) (domain.DialerRun, error) {
	if strings.TrimSpace(callSessionID) == "" {
		return domain.DialerRun{}, fmt.Errorf("%w: agent call session id is required", apperrors.ErrValidation)
	}
	return e.command(ctx, runID, func(ctx context.Context, run *domain.DialerRun, fx *effects) error {
		if run.Status.Terminal() {
			return fmt.Errorf("%w: run %s is %s", apperrors.ErrInvalidTransition, run.ID, run.Status)
		}
		if agentID != "" {
			run.Agent.ID = agentID
		}
		run.Agent.CallSessionID = callSessionID
		run.Agent.Connected = true
		fx.add(run, DeltaAgentUpdated, nil, e.now())
		return nil
	})
}

func (e *Engine) command(ctx context.Context, runID string, fn func(context.Context, *domain.DialerRun, *effects) error) (domain.DialerRun, error) {
	fx := &effects{}
	var snap domain.DialerRun
	err := e.store.With(runID, func(run *domain.DialerRun) error {
		if err := fn(ctx, run, fx); err != nil {
			return err
		}
		snap = run.Clone()
		return nil
	})
	if err != nil {
		return domain.DialerRun{}, err
	}
	e.flush(ctx, fx)
	return snap, nil
}

// GetRunState returns a consistent snapshot of the run.
func (e *Engine) GetRunState(_ context.Context, runID string) (domain.DialerRun, error) {
	return e.store.Snapshot(runID)
}

// ListRuns returns snapshots of every run held in memory, oldest first.
func (e *Engine) ListRuns(_ context.Context) []domain.DialerRun {
	ids := e.store.IDs()
	out := make([]domain.DialerRun, 0, len(ids))
	for _, id := range ids {
		snap, err := e.store.Snapshot(id)
		if err != nil {
			continue
		}
		out = append(out, snap)
	}
	return out
}

// Subscribe streams deltas for runID. The returned func must be called to unsubscribe.
func (e *Engine) Subscribe(runID string) (<-chan Delta, func(), error) {
	if runID != "" {
		if _, err := e.store.Snapshot(runID); err != nil {
			return nil, nil, err
		}
	}
	ch, cancel := e.broadcaster.Subscribe(runID)
	return ch, cancel, nil
}

// Sweep times out legs whose provider events never arrived, settles winners
// whose AMD verdict never came, re-drives dispatch and evicts terminal runs
// past retention.
func (e *Engine) Sweep(ctx context.Context) {
	now := e.now()
	for _, id := range e.store.IDs() {
		fx := &effects{}
		evict := false
		_ = e.store.With(id, func(run *domain.DialerRun) error {
			for _, leg := range orderedActive(run) {
				if leg.Status.InFlight() && now.Sub(leg.StartedAt) >= e.policy.RingTimeout {
					e.logger.Info("dialer: leg ring timeout",
						zap.String("run_id", run.ID), zap.String("leg_id", leg.ID),
						zap.String("call_session_id", leg.CallSessionID))
					e.hangupLeg(leg, fx)
					e.finalizeLocked(ctx, run, leg, domain.LegStatusNoAnswer, causeRingTimeout, fx)
					continue
				}
				if leg.Status == domain.LegStatusAMDPending && leg.AnsweredAt != nil &&
					now.Sub(*leg.AnsweredAt) >= e.policy.AMDTimeout {
					e.logger.Info("dialer: amd verdict timeout",
						zap.String("run_id", run.ID), zap.String("leg_id", leg.ID),
						zap.String("call_session_id", leg.CallSessionID))
					out := decideAMD(outcome{}, domain.AMDUnknown, e.policy.UnknownAMDAsHuman, true)
					e.applyOutcomeLocked(ctx, run, leg, out, fx)
				}
			}
			e.dispatchLocked(ctx, run, fx)
			if run.Status.Terminal() && len(run.ActiveLegs) == 0 && run.CompletedAt != nil &&
				now.Sub(*run.CompletedAt) >= e.policy.Retention {
				evict = true
			}
			return nil
		})
		e.flush(ctx, fx)
		if evict {
			e.store.Delete(id)
			e.logger.Debug("dialer: run evicted", zap.String("run_id", id))
		}
	}
}

func (e *Engine) terminateLocked(run *domain.DialerRun, status domain.RunStatus, reason string, fx *effects) {
	now := e.now()
	run.Status = status
	run.CompletedAt = &now
	run.PausedAt = nil
	if reason != "" {
		run.FailureReason = reason
	}
	telemetry.RunsFinished.WithLabelValues(string(status)).Inc()
	telemetry.ActiveRunsGauge.Dec()
	fx.add(run, DeltaRunStatus, nil, now)
	e.logger.Info("dialer: run finished",
		zap.String("run_id", run.ID),
		zap.String("status", string(status)),
		zap.Int64("attempted", run.Stats.TotalAttempted),
		zap.Int64("answered", run.Stats.TotalAnswered))
}

// maybeCompleteLocked completes a running or paused run once nothing is left
// to dial and no leg is active.
func (e *Engine) maybeCompleteLocked(run *domain.DialerRun, fx *effects) {
	if run.Status.Terminal() || run.Status == domain.RunStatusPending {
		return
	}
	if len(run.Queue) > 0 || len(run.ActiveLegs) > 0 {
		return
	}
	e.terminateLocked(run, domain.RunStatusCompleted, "", fx)
}

// hangupLeg queues a provider hangup for after the run lock is released.
func (e *Engine) hangupLeg(leg *domain.Leg, fx *effects) {
	if leg.CallSessionID == "" {
		return
	}
	fx.hangups = append(fx.hangups, hangupRequest{runID: leg.RunID, legID: leg.ID, callSessionID: leg.CallSessionID})
}

func (e *Engine) setStatus(leg *domain.Leg, status domain.LegStatus) {
	if leg.Status.InFlight() && !status.InFlight() {
		telemetry.InFlightLegsGauge.Dec()
	}
	leg.Status = status
}

// finalizeLocked moves an active leg to the completed list exactly once.
func (e *Engine) finalizeLocked(ctx context.Context, run *domain.DialerRun, leg *domain.Leg, status domain.LegStatus, cause string, fx *effects) {
	if _, ok := run.ActiveLegs[leg.ID]; !ok {
		return
	}
	now := e.now()
	if status == domain.LegStatusCompleted && leg.AnsweredAt != nil {
		talk := int64(now.Sub(*leg.AnsweredAt) / time.Second)
		if talk < 0 {
			talk = 0
		}
		leg.TalkDurationSeconds = talk
		run.Stats.TotalTalkTimeSeconds += talk
	}
	e.setStatus(leg, status)
	leg.EndedAt = &now
	if cause != "" {
		leg.HangupCause = cause
	}

	delete(run.ActiveLegs, leg.ID)
	run.CompletedLegs = append(run.CompletedLegs, *leg)
	countOutcome(&run.Stats, status)
	telemetry.LegsCompleted.WithLabelValues(string(status)).Inc()

	if leg.CallSessionID != "" {
		if err := e.registry.Remove(ctx, leg.CallSessionID); err != nil {
			e.logger.Warn("dialer: registry remove failed", zap.Error(err), zap.String("call_session_id", leg.CallSessionID))
		}
		e.releaseGate(ctx)
	}
	fx.add(run, DeltaLegCompleted, leg, now)
}

func countOutcome(stats *domain.DialerRunStats, status domain.LegStatus) {
	switch status {
	case domain.LegStatusCompleted:
		stats.TotalAnswered++
	case domain.LegStatusNoAnswer:
		stats.TotalNoAnswer++
	case domain.LegStatusBusy:
		stats.TotalBusy++
	case domain.LegStatusVoicemail:
		stats.TotalVoicemail++
	case domain.LegStatusCanceledFirstAnswer:
		stats.TotalCanceled++
	default:
		stats.TotalFailed++
	}
}

func recordRingTime(stats *domain.DialerRunStats, ring time.Duration) {
	if ring < 0 {
		ring = 0
	}
	stats.RingTimeTotalMs += ring.Milliseconds()
	stats.RingTimeSamples++
	stats.AverageRingTimeMs = stats.RingTimeTotalMs / stats.RingTimeSamples
}

func (e *Engine) releaseGate(ctx context.Context) {
	if e.gate == nil {
		return
	}
	if err := e.gate.Release(ctx, e.policy.GateKey); err != nil {
		e.logger.Warn("dialer: line gate release failed", zap.Error(err))
	}
}

func orderedActive(run *domain.DialerRun) []*domain.Leg {
	legs := make([]*domain.Leg, 0, len(run.ActiveLegs))
	for _, leg := range run.ActiveLegs {
		legs = append(legs, leg)
	}
	sort.Slice(legs, func(i, j int) bool {
		if legs[i].StartedAt.Equal(legs[j].StartedAt) {
			return legs[i].ID < legs[j].ID
		}
		return legs[i].StartedAt.Before(legs[j].StartedAt)
	})
	return legs
}

// effects collects what a locked section decided: deltas to publish and
// hangups to send once the run lock is released.
type effects struct {
	deltas  []Delta
	hangups []hangupRequest
}

type hangupRequest struct {
	runID         string
	legID         string
	callSessionID string
}

func (fx *effects) add(run *domain.DialerRun, typ DeltaType, leg *domain.Leg, at time.Time) {
	d := Delta{RunID: run.ID, Type: typ, Run: run.Clone(), At: at}
	if leg != nil {
		cp := *leg
		d.Leg = &cp
	}
	fx.deltas = append(fx.deltas, d)
}

// flush runs the deferred provider hangups and publishes the deltas.
func (e *Engine) flush(ctx context.Context, fx *effects) {
	for _, h := range fx.hangups {
		if err := e.gateway.Hangup(ctx, h.callSessionID); err != nil {
			e.logger.Warn("dialer: hangup failed",
				zap.Error(err),
				zap.String("run_id", h.runID),
				zap.String("leg_id", h.legID),
				zap.String("call_session_id", h.callSessionID))
		}
	}
	for _, d := range fx.deltas {
		e.broadcaster.Publish(d)
	}
}
