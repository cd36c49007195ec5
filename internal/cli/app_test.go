package cli

import (
	"testing"
	"time"

	"github.com/lucasnoah/cihealer/internal/cimonitor"
	"github.com/lucasnoah/cihealer/internal/config"
	"github.com/lucasnoah/cihealer/internal/logging"
)

func TestBuildProviders(t *testing.T) {
	providers, err := buildProviders([]config.ProviderConfig{
		{Name: "claude"},
		{Name: "local", Command: "my-fixer", Args: []string{"--patch"}, Output: "text", Timeout: time.Minute},
	}, t.TempDir())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(providers) != 2 {
		t.Fatalf("expected 2 providers, got %d", len(providers))
	}
	if providers[0].Name() != "claude" || providers[1].Name() != "local" {
		t.Errorf("unexpected provider order: %s, %s", providers[0].Name(), providers[1].Name())
	}
	timed, ok := providers[1].(interface{ Timeout() time.Duration })
	if !ok || timed.Timeout() != time.Minute {
		t.Errorf("expected a one minute timeout on the local provider")
	}
}

func TestBuildProviders_Errors(t *testing.T) {
	if _, err := buildProviders([]config.ProviderConfig{{Name: "local"}}, ""); err == nil {
		t.Error("expected error for a non-builtin provider without a command")
	}
	if _, err := buildProviders([]config.ProviderConfig{{Name: "local", Command: "x", Output: "xml"}}, ""); err == nil {
		t.Error("expected error for an unknown output format")
	}
}

func TestBuildMonitor(t *testing.T) {
	cfg := config.Default()
	log := logging.NopLogger()

	if _, ok := buildMonitor(cfg, "https://github.com/acme/app.git", log).(*cimonitor.GitHubMonitor); !ok {
		t.Error("expected a GitHub monitor for a GitHub URL")
	}
	if _, ok := buildMonitor(cfg, "https://gitlab.com/acme/app.git", log).(cimonitor.NoopMonitor); !ok {
		t.Error("expected the noop monitor for a non-GitHub URL")
	}

	off := false
	cfg.CI.Enabled = &off
	if _, ok := buildMonitor(cfg, "https://github.com/acme/app.git", log).(cimonitor.NoopMonitor); !ok {
		t.Error("expected the noop monitor when CI is disabled")
	}
}
