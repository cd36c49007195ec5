package config

import "time"

// Config is the top-level configuration parsed from healer.yaml.
type Config struct {
	Run     RunConfig     `yaml:"run"`
	Sandbox SandboxConfig `yaml:"sandbox"`
	Fix     FixConfig     `yaml:"fix"`
	CI      CIConfig      `yaml:"ci"`
	Git     GitConfig     `yaml:"git"`
	Parser  ParserConfig  `yaml:"parser"`
	Store   StoreConfig   `yaml:"store"`
	Events  EventsConfig  `yaml:"events"`
	Log     LogConfig     `yaml:"log"`
}

// RunConfig holds the healing loop budget and scoring thresholds.
type RunConfig struct {
	MaxRetries             int           `yaml:"max_retries"`
	GlobalTimeout          time.Duration `yaml:"global_timeout"`
	SpeedBonusThreshold    time.Duration `yaml:"speed_bonus_threshold"`
	CommitPenaltyThreshold int           `yaml:"commit_penalty_threshold"`
}

// SandboxConfig controls where and how builds run.
type SandboxConfig struct {
	Driver       string            `yaml:"driver"`
	Docker       string            `yaml:"docker"`
	Images       map[string]string `yaml:"images"`
	Memory       string            `yaml:"memory"`
	CPUs         string            `yaml:"cpus"`
	BuildTimeout time.Duration     `yaml:"build_timeout"`
	Command      string            `yaml:"command,omitempty"`
}

// FixConfig configures the provider cascade and patch gating.
type FixConfig struct {
	Providers           []ProviderConfig `yaml:"providers"`
	ConfidenceThreshold float64          `yaml:"confidence_threshold"`
	RequestDelay        time.Duration    `yaml:"request_delay"`
	CallTimeout         time.Duration    `yaml:"call_timeout"`
	MaxDiffLines        int              `yaml:"max_diff_lines"`
	MaxFailures         int              `yaml:"max_failures"`
}

// ProviderConfig is one fix provider. A builtin name (claude, codex,
// gemini) needs no command.
type ProviderConfig struct {
	Name    string        `yaml:"name"`
	Command string        `yaml:"command,omitempty"`
	Args    []string      `yaml:"args,omitempty"`
	Output  string        `yaml:"output,omitempty"`
	Timeout time.Duration `yaml:"timeout,omitempty"`
}

// CIConfig configures the remote pipeline monitor.
type CIConfig struct {
	Enabled         *bool         `yaml:"enabled,omitempty"`
	GH              string        `yaml:"gh"`
	InitialInterval time.Duration `yaml:"initial_interval"`
	MaxInterval     time.Duration `yaml:"max_interval"`
	WaitTimeout     time.Duration `yaml:"wait_timeout"`
	StallPolls      int           `yaml:"stall_polls"`
}

// IsEnabled reports whether remote CI is polled. Unset means enabled.
func (c CIConfig) IsEnabled() bool {
	return c.Enabled == nil || *c.Enabled
}

// GitConfig holds commit identity and message conventions.
type GitConfig struct {
	AuthorName   string        `yaml:"author_name"`
	AuthorEmail  string        `yaml:"author_email"`
	CommitPrefix string        `yaml:"commit_prefix"`
	Remote       string        `yaml:"remote"`
	OpTimeout    time.Duration `yaml:"op_timeout"`
}

// ParserConfig extends the log parser.
type ParserConfig struct {
	Ignore []string `yaml:"ignore"`
}

// StoreConfig selects the results backend.
type StoreConfig struct {
	Backend string `yaml:"backend"`
	Dir     string `yaml:"dir,omitempty"`
	DSN     string `yaml:"dsn,omitempty"`
}

// EventsConfig locates the SQLite event log.
type EventsConfig struct {
	Path     string `yaml:"path,omitempty"`
	Disabled bool   `yaml:"disabled,omitempty"`
}

// LogConfig sets the structured log level.
type LogConfig struct {
	Level string `yaml:"level"`
}
