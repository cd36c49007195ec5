// Package config loads healer.yaml, fills defaults and applies HEALER_*
// environment and flag overrides.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/lucasnoah/cihealer/internal/cimonitor"
	"github.com/lucasnoah/cihealer/internal/fixer"
	"github.com/lucasnoah/cihealer/internal/gitagent"
	"github.com/lucasnoah/cihealer/internal/sandbox"
)

// Run loop constants.
const (
	DefaultMaxRetries             = 5
	DefaultGlobalTimeout          = 480 * time.Second
	DefaultSpeedBonusThreshold    = 300 * time.Second
	DefaultCommitPenaltyThreshold = 20
)

// FileName is the config file name searched for by LoadDefault.
const FileName = "healer.yaml"

// EnvPrefix prefixes environment overrides, e.g. HEALER_LOG_LEVEL.
const EnvPrefix = "HEALER"

// Load reads and parses a configuration from the given YAML file path.
// After parsing, it fills every unset field with its default.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config YAML: %w", err)
	}

	applyDefaults(&cfg)
	return &cfg, nil
}

// SearchPaths lists the config locations in lookup order.
func SearchPaths() []string {
	candidates := []string{FileName, filepath.Join(".healer", FileName)}
	if home, err := os.UserHomeDir(); err == nil {
		candidates = append(candidates, filepath.Join(home, ".healer", FileName))
	}
	return candidates
}

// LoadDefault loads the first config found in SearchPaths. With no config
// file present it returns the defaults and an empty path.
func LoadDefault() (*Config, string, error) {
	for _, path := range SearchPaths() {
		if _, err := os.Stat(path); err == nil {
			cfg, err := Load(path)
			return cfg, path, err
		}
	}
	return Default(), "", nil
}

// Default returns a configuration with every field at its default.
func Default() *Config {
	var cfg Config
	applyDefaults(&cfg)
	return &cfg
}

func applyDefaults(cfg *Config) {
	r := &cfg.Run
	if r.MaxRetries == 0 {
		r.MaxRetries = DefaultMaxRetries
	}
	if r.GlobalTimeout == 0 {
		r.GlobalTimeout = DefaultGlobalTimeout
	}
	if r.SpeedBonusThreshold == 0 {
		r.SpeedBonusThreshold = DefaultSpeedBonusThreshold
	}
	if r.CommitPenaltyThreshold == 0 {
		r.CommitPenaltyThreshold = DefaultCommitPenaltyThreshold
	}

	s := &cfg.Sandbox
	if s.Driver == "" {
		s.Driver = string(sandbox.DriverDocker)
	}
	if s.Docker == "" {
		s.Docker = "docker"
	}
	if s.Memory == "" {
		s.Memory = sandbox.DefaultMemory
	}
	if s.CPUs == "" {
		s.CPUs = sandbox.DefaultCPUs
	}
	if s.BuildTimeout == 0 {
		s.BuildTimeout = sandbox.DefaultTimeout
	}

	f := &cfg.Fix
	if len(f.Providers) == 0 {
		f.Providers = []ProviderConfig{{Name: "claude"}, {Name: "codex"}, {Name: "gemini"}}
	}
	if f.ConfidenceThreshold == 0 {
		f.ConfidenceThreshold = fixer.DefaultConfidenceThreshold
	}
	if f.RequestDelay == 0 {
		f.RequestDelay = fixer.DefaultRequestDelay
	}
	if f.CallTimeout == 0 {
		f.CallTimeout = fixer.DefaultCallTimeout
	}
	if f.MaxDiffLines == 0 {
		f.MaxDiffLines = fixer.DefaultMaxDiffLines
	}
	if f.MaxFailures == 0 {
		f.MaxFailures = fixer.DefaultMaxFailures
	}

	c := &cfg.CI
	if c.GH == "" {
		c.GH = "gh"
	}
	if c.InitialInterval == 0 {
		c.InitialInterval = cimonitor.DefaultInitialInterval
	}
	if c.MaxInterval == 0 {
		c.MaxInterval = cimonitor.DefaultMaxInterval
	}
	if c.WaitTimeout == 0 {
		c.WaitTimeout = cimonitor.DefaultWaitTimeout
	}
	if c.StallPolls == 0 {
		c.StallPolls = cimonitor.DefaultStallPolls
	}

	g := &cfg.Git
	if g.AuthorName == "" {
		g.AuthorName = "AI Healer"
	}
	if g.AuthorEmail == "" {
		g.AuthorEmail = "healer@localhost"
	}
	if g.CommitPrefix == "" {
		g.CommitPrefix = gitagent.DefaultCommitPrefix
	}
	if g.Remote == "" {
		g.Remote = gitagent.DefaultRemote
	}
	if g.OpTimeout == 0 {
		g.OpTimeout = gitagent.DefaultOpTimeout
	}

	if cfg.Store.Backend == "" {
		cfg.Store.Backend = "file"
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
}

// NewViper returns a viper instance reading HEALER_* environment variables,
// with "." in keys mapped to "_" (fix.confidence_threshold reads
// HEALER_FIX_CONFIDENCE_THRESHOLD). Callers may bind flags to the same keys.
func NewViper() *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

type override struct {
	key   string
	apply func(cfg *Config, v *viper.Viper, key string)
}

// overrides lists every scalar key that env vars and flags may set.
var overrides = []override{
	{"run.max_retries", func(c *Config, v *viper.Viper, k string) { c.Run.MaxRetries = v.GetInt(k) }},
	{"run.global_timeout", func(c *Config, v *viper.Viper, k string) { c.Run.GlobalTimeout = v.GetDuration(k) }},
	{"sandbox.driver", func(c *Config, v *viper.Viper, k string) { c.Sandbox.Driver = v.GetString(k) }},
	{"sandbox.docker", func(c *Config, v *viper.Viper, k string) { c.Sandbox.Docker = v.GetString(k) }},
	{"sandbox.memory", func(c *Config, v *viper.Viper, k string) { c.Sandbox.Memory = v.GetString(k) }},
	{"sandbox.cpus", func(c *Config, v *viper.Viper, k string) { c.Sandbox.CPUs = v.GetString(k) }},
	{"sandbox.build_timeout", func(c *Config, v *viper.Viper, k string) { c.Sandbox.BuildTimeout = v.GetDuration(k) }},
	{"sandbox.command", func(c *Config, v *viper.Viper, k string) { c.Sandbox.Command = v.GetString(k) }},
	{"fix.confidence_threshold", func(c *Config, v *viper.Viper, k string) { c.Fix.ConfidenceThreshold = v.GetFloat64(k) }},
	{"fix.request_delay", func(c *Config, v *viper.Viper, k string) { c.Fix.RequestDelay = v.GetDuration(k) }},
	{"fix.call_timeout", func(c *Config, v *viper.Viper, k string) { c.Fix.CallTimeout = v.GetDuration(k) }},
	{"fix.max_diff_lines", func(c *Config, v *viper.Viper, k string) { c.Fix.MaxDiffLines = v.GetInt(k) }},
	{"ci.enabled", func(c *Config, v *viper.Viper, k string) { b := v.GetBool(k); c.CI.Enabled = &b }},
	{"ci.wait_timeout", func(c *Config, v *viper.Viper, k string) { c.CI.WaitTimeout = v.GetDuration(k) }},
	{"git.author_name", func(c *Config, v *viper.Viper, k string) { c.Git.AuthorName = v.GetString(k) }},
	{"git.author_email", func(c *Config, v *viper.Viper, k string) { c.Git.AuthorEmail = v.GetString(k) }},
	{"store.backend", func(c *Config, v *viper.Viper, k string) { c.Store.Backend = v.GetString(k) }},
	{"store.dir", func(c *Config, v *viper.Viper, k string) { c.Store.Dir = v.GetString(k) }},
	{"store.dsn", func(c *Config, v *viper.Viper, k string) { c.Store.DSN = v.GetString(k) }},
	{"events.path", func(c *Config, v *viper.Viper, k string) { c.Events.Path = v.GetString(k) }},
	{"events.disabled", func(c *Config, v *viper.Viper, k string) { c.Events.Disabled = v.GetBool(k) }},
	{"log.level", func(c *Config, v *viper.Viper, k string) { c.Log.Level = v.GetString(k) }},
}

// OverrideKeys returns the keys ApplyOverrides consults.
func OverrideKeys() []string {
	keys := make([]string, len(overrides))
	for i, o := range overrides {
		keys[i] = o.key
	}
	return keys
}

// ApplyOverrides copies every key set in v (by env var or bound flag)
// onto cfg.
func ApplyOverrides(cfg *Config, v *viper.Viper) {
	for _, o := range overrides {
		if v.IsSet(o.key) {
			o.apply(cfg, v, o.key)
		}
	}
}

// Redacted returns a copy safe to print: the store DSN is masked.
func (c *Config) Redacted() *Config {
	cp := *c
	if cp.Store.DSN != "" {
		cp.Store.DSN = "<redacted>"
	}
	return &cp
}

// Marshal renders the configuration as YAML.
func (c *Config) Marshal() ([]byte, error) {
	return yaml.Marshal(c)
}
