package domain

import (
	"errors"
	"fmt"
	"time"

	"github.com/acme/power-dialer/internal/service/common"
)

// ProviderEventType enumerates normalised telephony callbacks.
type ProviderEventType string

const (
	EventInitiated ProviderEventType = "initiated"
	EventRinging   ProviderEventType = "ringing"
	EventAnswered  ProviderEventType = "answered"
	EventAMDResult ProviderEventType = "amd_result"
	EventHangup    ProviderEventType = "hangup"
)

// Valid reports whether t is a known event type.
func (t ProviderEventType) Valid() bool {
	switch t {
	case EventInitiated, EventRinging, EventAnswered, EventAMDResult, EventHangup:
		return true
	}
	return false
}

// ProviderEvent is a provider callback after transport-specific parsing.
type ProviderEvent struct {
	CallSessionID string
	Type          ProviderEventType
	HangupCause   string
	AMDCode       string
	ClientState   ClientState
	OccurredAt    time.Time
}

// ClientState is the opaque correlation token attached at origination.
// Exactly one of the concrete token types implements it.
type ClientState interface {
	clientStateKind() string
}

// ProspectLegToken identifies a prospect leg of a run.
type ProspectLegToken struct {
	RunID string
	LegID string
}

// AgentBridgeToken identifies an agent leg used for direct bridging.
type AgentBridgeToken struct {
	RunID   string
	AgentID string
}

// AgentConferenceToken identifies an agent leg dialed into a run conference.
type AgentConferenceToken struct {
	RunID        string
	ConferenceID string
}

func (ProspectLegToken) clientStateKind() string     { return "prospect" }
func (AgentBridgeToken) clientStateKind() string     { return "agent_bridge" }
func (AgentConferenceToken) clientStateKind() string { return "agent_conference" }

// ErrInvalidClientState is returned for tokens that cannot be decoded.
var ErrInvalidClientState = errors.New("invalid client state")

type clientStateEnvelope struct {
	Kind         string `json:"k"`
	RunID        string `json:"r"`
	LegID        string `json:"l,omitempty"`
	AgentID      string `json:"a,omitempty"`
	ConferenceID string `json:"c,omitempty"`
}

// EncodeClientState renders a token for transport in provider callbacks.
func EncodeClientState(cs ClientState) (string, error) {
	env := clientStateEnvelope{Kind: cs.clientStateKind()}
	switch v := cs.(type) {
	case ProspectLegToken:
		env.RunID, env.LegID = v.RunID, v.LegID
	case AgentBridgeToken:
		env.RunID, env.AgentID = v.RunID, v.AgentID
	case AgentConferenceToken:
		env.RunID, env.ConferenceID = v.RunID, v.ConferenceID
	default:
		return "", fmt.Errorf("%w: unsupported kind %T", ErrInvalidClientState, cs)
	}
	return common.EncodeJSONToken(env)
}

// DecodeClientState parses a token produced by EncodeClientState.
func DecodeClientState(token string) (ClientState, error) {
	var env clientStateEnvelope
	if err := common.DecodeJSONToken(token, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidClientState, err)
	}
	if env.RunID == "" {
		return nil, fmt.Errorf("%w: missing run id", ErrInvalidClientState)
	}
	switch env.Kind {
	case "prospect":
		if env.LegID == "" {
			return nil, fmt.Errorf("%w: missing leg id", ErrInvalidClientState)
		}
		return ProspectLegToken{RunID: env.RunID, LegID: env.LegID}, nil
	case "agent_bridge":
		return AgentBridgeToken{RunID: env.RunID, AgentID: env.AgentID}, nil
	case "agent_conference":
		return AgentConferenceToken{RunID: env.RunID, ConferenceID: env.ConferenceID}, nil
	}
	return nil, fmt.Errorf("%w: unknown kind %q", ErrInvalidClientState, env.Kind)
}

// LegRef is the (run, leg) pair a call session id resolves to.
type LegRef struct {
	RunID string
	LegID string
}
