package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeConfig(t, `
app:
  name: power-dialer
dialer:
  bridge:
    agent_endpoint: client:agent
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Provider.Name != "mock" {
		t.Fatalf("expected mock provider by default, got %q", cfg.Provider.Name)
	}
	if cfg.Dialer.MaxAttempts != 2 || cfg.Dialer.RingTimeout != 45*time.Second {
		t.Fatalf("unexpected dialer defaults %+v", cfg.Dialer)
	}
	if !cfg.Dialer.AMD.Enabled || !cfg.Dialer.AMD.UnknownAsHuman || cfg.Dialer.AMD.Timeout != 30*time.Second {
		t.Fatalf("expected AMD enabled with unknown treated as human, got %+v", cfg.Dialer.AMD)
	}
	if cfg.Dialer.Bridge.Strategy != "conference" {
		t.Fatalf("expected conference strategy, got %q", cfg.Dialer.Bridge.Strategy)
	}
}

func TestLoadEnvOverride(t *testing.T) {
	path := writeConfig(t, `
dialer:
  bridge:
    agent_endpoint: client:agent
  max_lines_cap: 10
`)
	t.Setenv("DIALER_DIALER_MAX_LINES_CAP", "4")
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Dialer.MaxLinesCap != 4 {
		t.Fatalf("expected env override to 4, got %d", cfg.Dialer.MaxLinesCap)
	}
}

func TestValidateRejectsTwilioWithoutCredentials(t *testing.T) {
	cfg := &Config{Provider: ProviderConfig{Name: "twilio"}}
	cfg.Dialer.Bridge.AgentEndpoint = "client:agent"
	cfg.Normalize()
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected validation error")
	}
}

func TestValidateRejectsUnknownStrategy(t *testing.T) {
	cfg := &Config{Provider: ProviderConfig{Name: "mock"}}
	cfg.Dialer.Bridge.Strategy = "whisper"
	cfg.Normalize()
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected validation error for strategy")
	}
}
