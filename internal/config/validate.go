package config

import (
	"fmt"

	"github.com/gobwas/glob"

	"github.com/lucasnoah/cihealer/internal/logging"
	"github.com/lucasnoah/cihealer/internal/sandbox"
)

// ValidationError represents a single validation issue with a config.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

var builtinProviders = map[string]bool{
	"claude": true,
	"codex":  true,
	"gemini": true,
}

// recognizedOutputs is the set of provider output decoders.
var recognizedOutputs = map[string]bool{
	"":       true,
	"claude": true,
	"codex":  true,
	"gemini": true,
	"text":   true,
}

// Validate checks a Config for semantic errors.
// It returns a slice of all validation errors found (empty if valid).
func Validate(cfg *Config) []ValidationError {
	var errs []ValidationError
	add := func(field, format string, args ...any) {
		errs = append(errs, ValidationError{Field: field, Message: fmt.Sprintf(format, args...)})
	}

	if cfg.Run.MaxRetries < 1 {
		add("run.max_retries", "must be at least 1")
	}
	if cfg.Run.GlobalTimeout <= 0 {
		add("run.global_timeout", "must be positive")
	}
	if cfg.Run.CommitPenaltyThreshold < 0 {
		add("run.commit_penalty_threshold", "must not be negative")
	}

	switch sandbox.Driver(cfg.Sandbox.Driver) {
	case sandbox.DriverDocker, sandbox.DriverLocal:
	default:
		add("sandbox.driver", "unrecognized driver %q (want docker or local)", cfg.Sandbox.Driver)
	}
	for name := range cfg.Sandbox.Images {
		if _, err := sandbox.ParseProjectType(name); err != nil {
			add("sandbox.images."+name, "unknown project type")
		}
	}
	if cfg.Sandbox.BuildTimeout <= 0 {
		add("sandbox.build_timeout", "must be positive")
	}

	f := cfg.Fix
	if f.ConfidenceThreshold < 0 || f.ConfidenceThreshold > 1 {
		add("fix.confidence_threshold", "must be within [0, 1], got %v", f.ConfidenceThreshold)
	}
	if f.MaxDiffLines < 1 {
		add("fix.max_diff_lines", "must be at least 1")
	}
	if f.RequestDelay < 0 {
		add("fix.request_delay", "must not be negative")
	}
	if len(f.Providers) == 0 {
		add("fix.providers", "at least one provider is required")
	}
	seen := make(map[string]bool)
	for i, p := range f.Providers {
		prefix := fmt.Sprintf("fix.providers[%d]", i)
		if p.Name == "" {
			add(prefix+".name", "is required")
			continue
		}
		if seen[p.Name] {
			add(prefix+".name", "duplicate provider %q", p.Name)
		}
		seen[p.Name] = true
		if p.Command == "" && !builtinProviders[p.Name] {
			add(prefix+".command", "is required for non-builtin provider %q", p.Name)
		}
		if !recognizedOutputs[p.Output] {
			add(prefix+".output", "unrecognized output format %q", p.Output)
		}
		if p.Timeout < 0 {
			add(prefix+".timeout", "must not be negative")
		}
	}

	c := cfg.CI
	if c.InitialInterval <= 0 {
		add("ci.initial_interval", "must be positive")
	}
	if c.MaxInterval < c.InitialInterval {
		add("ci.max_interval", "must not be below ci.initial_interval")
	}
	if c.WaitTimeout <= 0 {
		add("ci.wait_timeout", "must be positive")
	}

	if cfg.Git.CommitPrefix == "" {
		add("git.commit_prefix", "is required")
	}

	for i, pat := range cfg.Parser.Ignore {
		if _, err := glob.Compile(pat, '/'); err != nil {
			add(fmt.Sprintf("parser.ignore[%d]", i), "invalid glob %q: %v", pat, err)
		}
	}

	switch cfg.Store.Backend {
	case "file":
	case "postgres":
		if cfg.Store.DSN == "" {
			add("store.dsn", "is required for the postgres backend")
		}
	default:
		add("store.backend", "unrecognized backend %q (want file or postgres)", cfg.Store.Backend)
	}

	if !logging.ValidLevel(cfg.Log.Level) {
		add("log.level", "unrecognized level %q", cfg.Log.Level)
	}

	return errs
}
