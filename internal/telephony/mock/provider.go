package mock

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/acme/power-dialer/internal/config"
	"github.com/acme/power-dialer/internal/telephony"
)

// Join records a JoinConference or Bridge instruction.
type Join struct {
	CallSessionID string
	Target        string
}

// Gateway simulates call control. It never emits events on its own; tests and
// local tooling feed provider events into the engine explicitly.
type Gateway struct {
	mu          sync.Mutex
	seq         int
	failureRate float64
	rng         *rand.Rand

	// OriginateHook, when set, may return an error to fail an origination.
	OriginateHook func(req telephony.OriginateRequest) error
	// BridgeHook, when set, may return an error to fail a bridge or join.
	BridgeHook func(callSessionID, target string) error

	originations []telephony.OriginateRequest
	sessions     []string
	hangups      []string
	joins        []Join
	bridges      []Join
}

// NewGateway constructs a deterministic mock gateway that always succeeds.
func NewGateway() *Gateway {
	return &Gateway{rng: rand.New(rand.NewSource(1))}
}

// NewFromConfig builds a mock gateway with a random transient failure rate.
func NewFromConfig(cfg config.ProviderConfig) *Gateway {
	return &Gateway{
		failureRate: cfg.MockFailureRate,
		rng:         rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Originate allocates a session id for the new leg.
func (g *Gateway) Originate(ctx context.Context, req telephony.OriginateRequest) (telephony.OriginateResult, error) {
	if err := ctx.Err(); err != nil {
		return telephony.OriginateResult{}, telephony.Transient("originate", err)
	}
	if req.To == "" {
		return telephony.OriginateResult{}, telephony.Permanent("originate", telephony.ErrInvalidNumber)
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	g.originations = append(g.originations, req)
	if g.OriginateHook != nil {
		if err := g.OriginateHook(req); err != nil {
			return telephony.OriginateResult{}, err
		}
	}
	if g.failureRate > 0 && g.rng.Float64() < g.failureRate {
		return telephony.OriginateResult{}, telephony.Transient("originate", errors.New("simulated failure"))
	}

	g.seq++
	id := fmt.Sprintf("mock-call-%d", g.seq)
	g.sessions = append(g.sessions, id)
	return telephony.OriginateResult{CallSessionID: id}, nil
}

// Hangup records the hangup instruction.
func (g *Gateway) Hangup(_ context.Context, callSessionID string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.hangups = append(g.hangups, callSessionID)
	return nil
}

// JoinConference records a conference join.
func (g *Gateway) JoinConference(_ context.Context, callSessionID, conferenceID string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.BridgeHook != nil {
		if err := g.BridgeHook(callSessionID, conferenceID); err != nil {
			return err
		}
	}
	g.joins = append(g.joins, Join{CallSessionID: callSessionID, Target: conferenceID})
	return nil
}

// Bridge records a direct bridge.
func (g *Gateway) Bridge(_ context.Context, callSessionID, agentSessionID string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.BridgeHook != nil {
		if err := g.BridgeHook(callSessionID, agentSessionID); err != nil {
			return err
		}
	}
	g.bridges = append(g.bridges, Join{CallSessionID: callSessionID, Target: agentSessionID})
	return nil
}

// Originations returns every origination request seen, including failed ones.
func (g *Gateway) Originations() []telephony.OriginateRequest {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]telephony.OriginateRequest(nil), g.originations...)
}

// Sessions returns the session ids handed out, in order.
func (g *Gateway) Sessions() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]string(nil), g.sessions...)
}

// Hangups returns the session ids that were told to hang up.
func (g *Gateway) Hangups() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]string(nil), g.hangups...)
}

// Joins returns recorded conference joins.
func (g *Gateway) Joins() []Join {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]Join(nil), g.joins...)
}

// Bridges returns recorded direct bridges.
func (g *Gateway) Bridges() []Join {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]Join(nil), g.bridges...)
}
