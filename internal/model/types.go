package model

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ErrorType is one of the six bug kinds a report may carry.
type ErrorType string

const (
	Linting     ErrorType = "LINTING"
	Syntax      ErrorType = "SYNTAX"
	Logic       ErrorType = "LOGIC"
	TypeError   ErrorType = "TYPE_ERROR"
	Import      ErrorType = "IMPORT"
	Indentation ErrorType = "INDENTATION"
)

// ErrorTypes lists every valid kind in precedence order.
var ErrorTypes = []ErrorType{Syntax, Import, TypeError, Indentation, Logic, Linting}

// Rank is the precedence of t when one log line matches several kinds.
// Lower wins. Unknown kinds sort last.
func (t ErrorType) Rank() int {
	for i, et := range ErrorTypes {
		if et == t {
			return i
		}
	}
	return len(ErrorTypes)
}

// Valid reports whether t is one of the six kinds.
func (t ErrorType) Valid() bool {
	return t.Rank() < len(ErrorTypes)
}

// ParseErrorType accepts any case and returns the canonical kind.
func ParseErrorType(s string) (ErrorType, error) {
	t := ErrorType(strings.ToUpper(strings.TrimSpace(s)))
	if !t.Valid() {
		return "", fmt.Errorf("unknown error type %q", s)
	}
	return t, nil
}

// BugReport is one failure extracted from an execution log.
// Reports are values; the parser is the only constructor.
type BugReport struct {
	FilePath   string    `json:"file_path"`
	LineNumber int       `json:"line_number"`
	ErrorType  ErrorType `json:"error_type"`
	Message    string    `json:"message"`
	TestName   string    `json:"test_name,omitempty"`
	Confidence *float64  `json:"confidence_score,omitempty"`
	SubType    string    `json:"sub_type,omitempty"`
}

// Key is the dedup identity (file, line, type).
func (b BugReport) Key() string {
	return b.FilePath + ":" + strconv.Itoa(b.LineNumber) + ":" + string(b.ErrorType)
}

// Signature identifies the same bug across iterations regardless of message wording.
func (b BugReport) Signature() string {
	return b.Key() + ":" + b.SubType
}

// Location renders path:line.
func (b BugReport) Location() string {
	return b.FilePath + ":" + strconv.Itoa(b.LineNumber)
}

// Validate checks the report's structural invariants.
func (b BugReport) Validate() error {
	if strings.TrimSpace(b.FilePath) == "" {
		return fmt.Errorf("bug report: empty file path")
	}
	if b.LineNumber < 1 {
		return fmt.Errorf("bug report %s: line number must be >= 1, got %d", b.FilePath, b.LineNumber)
	}
	if !b.ErrorType.Valid() {
		return fmt.Errorf("bug report %s: invalid error type %q", b.Location(), b.ErrorType)
	}
	if b.Confidence != nil && (*b.Confidence < 0 || *b.Confidence > 1) {
		return fmt.Errorf("bug report %s: confidence %v out of range", b.Location(), *b.Confidence)
	}
	return nil
}

// FixStatus tracks a FixAttempt through gating and commit.
type FixStatus string

const (
	FixPending  FixStatus = "PENDING"
	FixApplied  FixStatus = "APPLIED"
	FixRejected FixStatus = "REJECTED"
	FixFailed   FixStatus = "FAILED"
)

// FixAttempt is a candidate patch for one bug.
type FixAttempt struct {
	Bug            BugReport `json:"bug"`
	PatchedContent string    `json:"-"`
	FixReason      string    `json:"fix_reason"`
	SubType        string    `json:"sub_type,omitempty"`
	Confidence     float64   `json:"confidence_score"`
	Status         FixStatus `json:"status"`
	Provider       string    `json:"provider,omitempty"`
	Diff           string    `json:"diff,omitempty"`
	Fingerprint    string    `json:"fingerprint,omitempty"`
	RejectReason   string    `json:"reject_reason,omitempty"`
	CommitSHA      string    `json:"commit_sha,omitempty"`
	CommitMessage  string    `json:"commit_message,omitempty"`
	ReportLine     string    `json:"report_line,omitempty"`
}

// CIState is the tri-state remote verdict.
type CIState string

const (
	CIPending CIState = "PENDING"
	CIPassed  CIState = "PASSED"
	CIFailed  CIState = "FAILED"
)

// Verdict is the CI monitor's answer for one push.
type Verdict struct {
	State        CIState `json:"state"`
	Inconclusive bool    `json:"inconclusive,omitempty"`
	Reason       string  `json:"reason,omitempty"`
	RunURL       string  `json:"run_url,omitempty"`
}

// Passed reports a conclusive pass.
func (v Verdict) Passed() bool {
	return v.State == CIPassed && !v.Inconclusive
}

// ExecutionSummary is the persisted part of one sandbox execution.
type ExecutionSummary struct {
	ExitCode    int               `json:"exit_code"`
	TimedOut    bool              `json:"timed_out,omitempty"`
	LogExcerpt  string            `json:"log_excerpt"`
	DurationSec float64           `json:"duration_seconds"`
	ProjectType string            `json:"project_type"`
	Environment map[string]string `json:"environment,omitempty"`
}

// IterationRecord is appended once per loop pass.
type IterationRecord struct {
	Index      int              `json:"iteration"`
	Timestamp  time.Time        `json:"timestamp"`
	Execution  ExecutionSummary `json:"execution"`
	Bugs       []BugReport      `json:"bugs"`
	Fixes      []FixAttempt     `json:"fixes"`
	Verdict    Verdict          `json:"verdict"`
	ElapsedSec float64          `json:"elapsed_seconds"`
}
