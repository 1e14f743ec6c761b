package dialer

import (
	"context"
	"time"

	"github.com/acme/power-dialer/internal/config"
)

// BridgeStrategy selects how an answered prospect reaches the agent.
type BridgeStrategy string

const (
	BridgeDirect     BridgeStrategy = "direct"
	BridgeConference BridgeStrategy = "conference"
)

// LineGate bounds concurrent prospect legs beyond a single run, for example
// across an account's whole trunk.
type LineGate interface {
	TryAcquire(ctx context.Context, key string) (bool, error)
	Release(ctx context.Context, key string) error
}

// Policy holds the tunables the engine applies to every run.
type Policy struct {
	FromLines          []string
	DefaultMaxLines    int
	MaxLinesCap        int
	RingTimeout        time.Duration
	Retention          time.Duration
	MaxAttempts        int
	FatalFailureStreak int
	BridgeStrategy     BridgeStrategy
	AgentEndpoint      string
	MachineDetection   bool
	GateBridgeOnAMD    bool
	UnknownAMDAsHuman  bool
	AMDTimeout         time.Duration
	GateKey            string
}

// PolicyFromConfig maps service configuration onto engine policy.
func PolicyFromConfig(cfg *config.Config) Policy {
	d := cfg.Dialer
	return Policy{
		FromLines:          append([]string(nil), d.FromLines...),
		DefaultMaxLines:    d.DefaultMaxLines,
		MaxLinesCap:        d.MaxLinesCap,
		RingTimeout:        d.RingTimeout,
		Retention:          d.Retention,
		MaxAttempts:        d.MaxAttempts,
		FatalFailureStreak: d.FatalFailureStreak,
		BridgeStrategy:     BridgeStrategy(d.Bridge.Strategy),
		AgentEndpoint:      d.Bridge.AgentEndpoint,
		MachineDetection:   d.AMD.Enabled,
		GateBridgeOnAMD:    d.AMD.Enabled && d.AMD.GateBridge,
		UnknownAMDAsHuman:  d.AMD.UnknownAsHuman,
		AMDTimeout:         d.AMD.Timeout,
		GateKey:            cfg.Throttle.Key,
	}
}

func (p Policy) withDefaults() Policy {
	if p.DefaultMaxLines <= 0 {
		p.DefaultMaxLines = 3
	}
	if p.MaxLinesCap <= 0 {
		p.MaxLinesCap = 10
	}
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = 2
	}
	if p.FatalFailureStreak <= 0 {
		p.FatalFailureStreak = 5
	}
	if p.RingTimeout <= 0 {
		p.RingTimeout = 45 * time.Second
	}
	if p.BridgeStrategy == "" {
		p.BridgeStrategy = BridgeConference
	}
	if p.AMDTimeout <= 0 {
		p.AMDTimeout = 30 * time.Second
	}
	if p.Retention <= 0 {
		p.Retention = 24 * time.Hour
	}
	if p.GateKey == "" {
		p.GateKey = "account"
	}
	return p
}
