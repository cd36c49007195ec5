package fixer

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"syscall"
	"time"

	"github.com/lucasnoah/cihealer/internal/healerr"
)

// OutputDecoder pulls the model's text answer out of a CLI's stdout.
type OutputDecoder func(stdout []byte) (string, error)

// CLIProvider runs an agent CLI with the prompt on stdin.
type CLIProvider struct {
	name    string
	command string
	args    []string
	decode  OutputDecoder
	workDir string
	timeout time.Duration
}

// NewCLIProvider builds a provider for any command that reads a prompt on
// stdin and prints the answer on stdout. A nil decoder uses stdout as-is.
func NewCLIProvider(name, command string, args []string, decode OutputDecoder) *CLIProvider {
	if decode == nil {
		decode = func(b []byte) (string, error) { return string(b), nil }
	}
	return &CLIProvider{name: name, command: command, args: args, decode: decode}
}

// NewClaudeProvider uses `claude --print --output-format json -`.
func NewClaudeProvider() *CLIProvider {
	return NewCLIProvider("claude", "claude", []string{"--print", "--output-format", "json", "-"}, decodeClaude)
}

// NewCodexProvider uses `codex exec --json --color never -`.
func NewCodexProvider() *CLIProvider {
	return NewCLIProvider("codex", "codex", []string{"exec", "--json", "--color", "never", "-"}, decodeCodex)
}

// NewGeminiProvider uses `gemini -o json -`.
func NewGeminiProvider() *CLIProvider {
	return NewCLIProvider("gemini", "gemini", []string{"-o", "json", "-"}, decodeGemini)
}

// BuiltinProvider returns the named built-in CLI provider.
func BuiltinProvider(name string) (*CLIProvider, bool) {
	switch name {
	case "claude":
		return NewClaudeProvider(), true
	case "codex":
		return NewCodexProvider(), true
	case "gemini":
		return NewGeminiProvider(), true
	}
	return nil, false
}

// WithWorkDir runs the CLI from dir.
func (c *CLIProvider) WithWorkDir(dir string) *CLIProvider {
	c.workDir = dir
	return c
}

// WithTimeout overrides the cascade call timeout for this provider.
func (c *CLIProvider) WithTimeout(d time.Duration) *CLIProvider {
	c.timeout = d
	return c
}

// Timeout is the per-call override, zero when unset.
func (c *CLIProvider) Timeout() time.Duration { return c.timeout }

func (c *CLIProvider) Name() string { return c.name }

// DecoderFor returns the stdout decoder for an output format name:
// claude, codex, gemini, or text (or empty) for raw stdout.
func DecoderFor(output string) (OutputDecoder, bool) {
	switch output {
	case "", "text":
		return nil, true
	case "claude":
		return decodeClaude, true
	case "codex":
		return decodeCodex, true
	case "gemini":
		return decodeGemini, true
	}
	return nil, false
}

// Fix runs the CLI once. Timeouts and rate limits come back as typed provider errors.
func (c *CLIProvider) Fix(ctx context.Context, p Prompt) (Response, error) {
	if _, err := exec.LookPath(c.command); err != nil {
		return Response{}, c.fail(healerr.ProviderFailed, fmt.Errorf("%s not found in PATH: %w", c.command, err))
	}

	// #nosec G204 - command comes from configuration, not from log or model output.
	cmd := exec.CommandContext(ctx, c.command, c.args...)
	cmd.Stdin = strings.NewReader(p.Text())
	cmd.Dir = c.workDir
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}
	cmd.WaitDelay = 2 * time.Second

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	if ctx.Err() != nil {
		return Response{}, c.fail(healerr.ProviderTimeout, ctx.Err())
	}
	if err != nil {
		kind := healerr.ProviderFailed
		if isRateLimited(stderr.String()) || isRateLimited(stdout.String()) {
			kind = healerr.ProviderRateLimited
		}
		return Response{}, c.fail(kind, fmt.Errorf("%w: %s", err, tail(stderr.String(), 400)))
	}

	text, err := c.decode(stdout.Bytes())
	if err != nil {
		return Response{}, c.fail(healerr.ProviderInvalid, err)
	}
	resp, err := ParseResponse(text)
	if err != nil {
		return Response{}, c.fail(healerr.ProviderInvalid, err)
	}
	return resp, nil
}

func (c *CLIProvider) fail(kind healerr.ProviderKind, err error) error {
	return &healerr.ProviderError{Provider: c.name, Kind: kind, Err: err}
}

var rateLimitPatterns = []string{
	"rate limit",
	"rate_limit",
	"ratelimit",
	"429",
	"too many requests",
	"quota exceeded",
	"resource_exhausted",
	"overloaded",
}

func isRateLimited(output string) bool {
	lower := strings.ToLower(output)
	for _, pat := range rateLimitPatterns {
		if strings.Contains(lower, pat) {
			return true
		}
	}
	return false
}

func tail(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return "..." + s[len(s)-n:]
}

// decodeClaude reads the `result` field of claude's JSON envelope.
func decodeClaude(stdout []byte) (string, error) {
	var wrapper struct {
		Result  string `json:"result"`
		IsError bool   `json:"is_error"`
	}
	if err := json.Unmarshal(bytes.TrimSpace(stdout), &wrapper); err != nil {
		return "", fmt.Errorf("parse claude output: %w", err)
	}
	if wrapper.IsError {
		return "", fmt.Errorf("claude reported an error: %s", tail(wrapper.Result, 200))
	}
	if wrapper.Result == "" {
		return "", errors.New("claude output has no result")
	}
	return wrapper.Result, nil
}

// decodeGemini reads the `response` field of gemini's JSON envelope.
func decodeGemini(stdout []byte) (string, error) {
	var wrapper struct {
		Response string `json:"response"`
	}
	if err := json.Unmarshal(bytes.TrimSpace(stdout), &wrapper); err != nil {
		return "", fmt.Errorf("parse gemini output: %w", err)
	}
	if wrapper.Response == "" {
		return "", errors.New("gemini output has no response")
	}
	return wrapper.Response, nil
}

// decodeCodex scans codex's JSONL event stream and keeps the last agent message.
func decodeCodex(stdout []byte) (string, error) {
	var last string
	scanner := bufio.NewScanner(bytes.NewReader(stdout))
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 || line[0] != '{' {
			continue
		}
		var event struct {
			Item struct {
				Type string `json:"type"`
				Text string `json:"text"`
			} `json:"item"`
		}
		if err := json.Unmarshal(line, &event); err != nil {
			continue
		}
		if event.Item.Type == "agent_message" && event.Item.Text != "" {
			last = event.Item.Text
		}
	}
	if err := scanner.Err(); err != nil {
		return "", fmt.Errorf("read codex output: %w", err)
	}
	if last == "" {
		return "", errors.New("codex output has no agent message")
	}
	return last, nil
}
