// Package healerr defines the error taxonomy of a healing run.
//
// Per-bug and per-provider failures (ExecutionError, ParseError,
// FixRejected, ProviderError, ProviderUnavailable, CIMonitorTimeout) are
// absorbed by the orchestrator and drive the next retry decision. Only a
// GitError or ErrGlobalTimeout may end a run early, and even then a report
// is produced from the checkpointed partial state.
package healerr

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	// ErrGlobalTimeout marks a run stopped by the wall-clock ceiling.
	ErrGlobalTimeout = errors.New("global run timeout exceeded")
	// ErrProtectedBranch is returned for any attempt to commit or push to a default branch.
	ErrProtectedBranch = errors.New("refusing to use protected branch")
	// ErrNoProviders is returned when the fix cascade has nothing configured.
	ErrNoProviders = errors.New("no fix providers configured")
)

// ExecutionError is a non-zero exit or timeout inside the sandbox.
type ExecutionError struct {
	ExitCode int
	TimedOut bool
	Duration time.Duration
}

func (e *ExecutionError) Error() string {
	if e.TimedOut {
		return fmt.Sprintf("sandbox command timed out after %s", e.Duration.Round(time.Millisecond))
	}
	return fmt.Sprintf("sandbox command exited %d", e.ExitCode)
}

// ParseError is a log segment that matched no known signature.
// The parser drops these; the type exists so callers can count them.
type ParseError struct {
	Line string
}

func (e *ParseError) Error() string {
	return "unrecognised log line: " + e.Line
}

// RejectReason is a machine-readable reason a patch was not accepted.
type RejectReason string

const (
	ReasonDiffTooLarge      RejectReason = "DIFF_TOO_LARGE"
	ReasonLowConfidence     RejectReason = "LOW_CONFIDENCE"
	ReasonLocalityViolation RejectReason = "LOCALITY_VIOLATION"
	ReasonInvalidResponse   RejectReason = "INVALID_RESPONSE"
	ReasonRepeatedFix       RejectReason = "REPEATED_FIX"
	ReasonMergeConflict     RejectReason = "MERGE_CONFLICT"
	ReasonLLMFailure        RejectReason = "LLM_FAILURE"
	ReasonNoChange          RejectReason = "NO_CHANGE"
)

// FixRejected is a produced patch that failed gating or validation.
type FixRejected struct {
	Reason RejectReason
	Detail string
}

func (e *FixRejected) Error() string {
	if e.Detail == "" {
		return "fix rejected: " + string(e.Reason)
	}
	return fmt.Sprintf("fix rejected: %s: %s", e.Reason, e.Detail)
}

// Rejected is a shorthand constructor.
func Rejected(reason RejectReason, format string, args ...any) *FixRejected {
	return &FixRejected{Reason: reason, Detail: fmt.Sprintf(format, args...)}
}

// ProviderKind classifies a single provider failure.
type ProviderKind string

const (
	ProviderRateLimited ProviderKind = "rate_limited"
	ProviderTimeout     ProviderKind = "timeout"
	ProviderFailed      ProviderKind = "failed"
	ProviderInvalid     ProviderKind = "invalid_response"
	ProviderUnhealthy   ProviderKind = "unhealthy"
)

// ProviderError is one provider's failure to produce a patch.
type ProviderError struct {
	Provider string
	Kind     ProviderKind
	Err      error
}

func (e *ProviderError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("provider %s: %s", e.Provider, e.Kind)
	}
	return fmt.Sprintf("provider %s: %s: %v", e.Provider, e.Kind, e.Err)
}

func (e *ProviderError) Unwrap() error { return e.Err }

// Retryable reports whether the same provider may be asked again.
// Rate limits skip straight to the next provider.
func (e *ProviderError) Retryable() bool {
	return e.Kind == ProviderFailed || e.Kind == ProviderTimeout || e.Kind == ProviderInvalid
}

// ProviderUnavailable means every provider in the chain failed for one bug.
type ProviderUnavailable struct {
	Attempts []*ProviderError
}

func (e *ProviderUnavailable) Error() string {
	if len(e.Attempts) == 0 {
		return "all fix providers unavailable"
	}
	parts := make([]string, len(e.Attempts))
	for i, a := range e.Attempts {
		parts[i] = a.Error()
	}
	return "all fix providers unavailable: " + strings.Join(parts, "; ")
}

// GitError is a fatal version-control failure.
type GitError struct {
	Op     string
	Output string
	Err    error
}

func (e *GitError) Error() string {
	msg := "git " + e.Op
	if e.Output != "" {
		msg += ": " + strings.TrimSpace(e.Output)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *GitError) Unwrap() error { return e.Err }

// CIMonitorTimeout is an inconclusive CI wait.
type CIMonitorTimeout struct {
	Branch string
	Waited time.Duration
	Reason string
}

func (e *CIMonitorTimeout) Error() string {
	r := e.Reason
	if r == "" {
		r = "timeout"
	}
	return fmt.Sprintf("ci verdict for %s inconclusive after %s: %s", e.Branch, e.Waited.Round(time.Second), r)
}

// IsFatal reports whether err must end the run.
func IsFatal(err error) bool {
	var gitErr *GitError
	return errors.As(err, &gitErr) || errors.Is(err, ErrGlobalTimeout) || errors.Is(err, ErrProtectedBranch)
}

// ReasonOf extracts the reject reason from err, or "" when err is not a FixRejected.
func ReasonOf(err error) RejectReason {
	var rej *FixRejected
	if errors.As(err, &rej) {
		return rej.Reason
	}
	var unavail *ProviderUnavailable
	if errors.As(err, &unavail) {
		return ReasonLLMFailure
	}
	return ""
}
