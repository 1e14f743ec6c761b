package dialer

import (
	"context"
	"errors"
	"fmt"

	"github.com/acme/power-dialer/internal/domain"
	"github.com/acme/power-dialer/internal/telephony"
)

// ErrAgentUnavailable means there is no agent leg to bridge to.
var ErrAgentUnavailable = errors.New("agent leg unavailable")

// BridgeController connects the winning prospect leg to the run's agent.
type BridgeController struct {
	gateway       telephony.Gateway
	strategy      BridgeStrategy
	agentEndpoint string
	callerID      string
}

// NewBridgeController builds a controller for the given strategy. callerID is
// used as the From number when the agent leg has to be dialed.
func NewBridgeController(gateway telephony.Gateway, strategy BridgeStrategy, agentEndpoint, callerID string) *BridgeController {
	return &BridgeController{
		gateway:       gateway,
		strategy:      strategy,
		agentEndpoint: agentEndpoint,
		callerID:      callerID,
	}
}

// Strategy reports the configured bridging strategy.
func (b *BridgeController) Strategy() BridgeStrategy { return b.strategy }

// ConferenceName is the conference a run's legs meet in.
func ConferenceName(runID string) string {
	return "dialer-" + runID
}

// Connect joins leg to the agent. It may mutate the run's agent and conference
// bookkeeping, so it must be called under the run lock.
func (b *BridgeController) Connect(ctx context.Context, run *domain.DialerRun, leg *domain.Leg) error {
	if leg.CallSessionID == "" {
		return fmt.Errorf("bridge: leg %s has no call session", leg.ID)
	}
	switch b.strategy {
	case BridgeDirect:
		if run.Agent.CallSessionID == "" {
			return fmt.Errorf("bridge: %w", ErrAgentUnavailable)
		}
		if err := b.gateway.Bridge(ctx, leg.CallSessionID, run.Agent.CallSessionID); err != nil {
			return fmt.Errorf("bridge: direct: %w", err)
		}
		return nil
	case BridgeConference:
		if run.ConferenceID == "" {
			run.ConferenceID = ConferenceName(run.ID)
		}
		if run.Agent.CallSessionID == "" {
			if err := b.dialAgent(ctx, run); err != nil {
				return err
			}
		}
		if err := b.gateway.JoinConference(ctx, leg.CallSessionID, run.ConferenceID); err != nil {
			return fmt.Errorf("bridge: join conference: %w", err)
		}
		return nil
	}
	return fmt.Errorf("bridge: unknown strategy %q", b.strategy)
}

func (b *BridgeController) dialAgent(ctx context.Context, run *domain.DialerRun) error {
	if b.agentEndpoint == "" {
		return fmt.Errorf("bridge: %w: no agent endpoint configured", ErrAgentUnavailable)
	}
	token, err := domain.EncodeClientState(domain.AgentConferenceToken{RunID: run.ID, ConferenceID: run.ConferenceID})
	if err != nil {
		return fmt.Errorf("bridge: agent token: %w", err)
	}
	res, err := b.gateway.Originate(ctx, telephony.OriginateRequest{
		From:         b.callerID,
		To:           b.agentEndpoint,
		ClientState:  token,
		ConferenceID: run.ConferenceID,
	})
	if err != nil {
		return fmt.Errorf("bridge: dial agent: %w", err)
	}
	run.Agent.CallSessionID = res.CallSessionID
	run.Agent.Connected = false
	return nil
}

// TrackAgentEvent applies an agent-leg event to the run and reports whether
// anything changed.
func (b *BridgeController) TrackAgentEvent(run *domain.DialerRun, ev domain.ProviderEvent) bool {
	if run.Agent.CallSessionID != "" && ev.CallSessionID != "" && ev.CallSessionID != run.Agent.CallSessionID {
		return false
	}
	switch ev.Type {
	case domain.EventAnswered:
		if run.Agent.Connected && run.Agent.CallSessionID == ev.CallSessionID {
			return false
		}
		run.Agent.Connected = true
		if run.Agent.CallSessionID == "" {
			run.Agent.CallSessionID = ev.CallSessionID
		}
		return true
	case domain.EventHangup:
		if run.Agent.CallSessionID == "" && !run.Agent.Connected {
			return false
		}
		run.Agent.Connected = false
		run.Agent.CallSessionID = ""
		return true
	}
	return false
}
