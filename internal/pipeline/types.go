package pipeline

import (
	"time"

	"github.com/lucasnoah/cihealer/internal/model"
)

// Phase is the orchestrator state machine position.
type Phase string

const (
	PhaseInit   Phase = "INIT"
	PhaseClone  Phase = "CLONE"
	PhaseBuild  Phase = "BUILD"
	PhaseParse  Phase = "PARSE"
	PhaseFix    Phase = "FIX"
	PhaseCommit Phase = "COMMIT"
	PhasePush   Phase = "PUSH"
	PhaseCIWait Phase = "CI_WAIT"
	PhaseDone   Phase = "DONE"
	PhaseFailed Phase = "FAILED"
)

// Run statuses.
const (
	StatusRunning = "RUNNING"
	StatusPassed  = "PASSED"
	StatusFailed  = "FAILED"
)

// RunState is the persisted state of one healing run.
type RunState struct {
	RunID            string                  `json:"run_id"`
	RepoURL          string                  `json:"repo_url"`
	TeamName         string                  `json:"team_name"`
	LeaderName       string                  `json:"leader_name"`
	Workspace        string                  `json:"workspace"`
	Branch           string                  `json:"branch"`
	ProjectType      string                  `json:"project_type,omitempty"`
	Phase            Phase                   `json:"phase"`
	Status           string                  `json:"status"`
	MaxRetries       int                     `json:"max_retries"`
	RetriesRemaining int                     `json:"retries_remaining"`
	TotalCommits     int                     `json:"total_commits"`
	PushedCommits    int                     `json:"pushed_commits"`
	Iterations       []model.IterationRecord `json:"iterations"`
	Partial          PartialState            `json:"partial_state"`
	Version          int64                   `json:"version"`
	Error            string                  `json:"error,omitempty"`
	StartedAt        time.Time               `json:"started_at"`
	UpdatedAt        time.Time               `json:"updated_at"`
	FinishedAt       *time.Time              `json:"finished_at,omitempty"`
}

// PartialState is checkpointed after every commit so an interrupted run can
// still report what it did.
type PartialState struct {
	Commits        int                `json:"commits"`
	Fixes          []model.FixAttempt `json:"fixes"`
	LastCommitSHA  string             `json:"last_commit_sha,omitempty"`
	LastPushedSHA  string             `json:"last_pushed_sha,omitempty"`
	CheckpointedAt time.Time          `json:"checkpointed_at,omitempty"`
}

// Clone returns a deep copy safe to hand to another goroutine.
func (s *RunState) Clone() *RunState {
	c := *s
	c.Iterations = make([]model.IterationRecord, len(s.Iterations))
	for i, it := range s.Iterations {
		it.Bugs = append([]model.BugReport(nil), it.Bugs...)
		it.Fixes = append([]model.FixAttempt(nil), it.Fixes...)
		c.Iterations[i] = it
	}
	c.Partial.Fixes = append([]model.FixAttempt(nil), s.Partial.Fixes...)
	if s.FinishedAt != nil {
		t := *s.FinishedAt
		c.FinishedAt = &t
	}
	return &c
}

// Fix statuses in the report.
const (
	FixSuccess = "SUCCESS"
	FixFailure = "FAILED"
)

// FixEntry is one bug's outcome in the final report.
type FixEntry struct {
	File          string `json:"file"`
	Type          string `json:"type"`
	Line          int    `json:"line"`
	CommitMessage string `json:"commit_message"`
	Status        string `json:"status"`
	ReportLine    string `json:"report_line,omitempty"`
}

// TimelineEntry is one iteration in the final report.
type TimelineEntry struct {
	Iteration string    `json:"iteration"`
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
	Time      string    `json:"time"`
}

// Report is the final results document of a run.
type Report struct {
	RunID                 string          `json:"run_id"`
	RepoURL               string          `json:"repo_url"`
	TeamName              string          `json:"team_name"`
	LeaderName            string          `json:"leader_name"`
	BranchName            string          `json:"branch_name"`
	FinalStatus           string          `json:"final_status"`
	TotalFailuresDetected int             `json:"total_failures_detected"`
	TotalFixesApplied     int             `json:"total_fixes_applied"`
	TotalCommits          int             `json:"total_commits"`
	TotalTimeSeconds      int             `json:"total_time_seconds"`
	TotalTimeFormatted    string          `json:"total_time_formatted"`
	BaseScore             int             `json:"base_score"`
	SpeedBonus            int             `json:"speed_bonus"`
	EfficiencyPenalty     int             `json:"efficiency_penalty"`
	FinalScore            int             `json:"final_score"`
	RetriesUsed           int             `json:"retries_used"`
	Partial               bool            `json:"partial"`
	Error                 string          `json:"error,omitempty"`
	Fixes                 []FixEntry      `json:"fixes"`
	Timeline              []TimelineEntry `json:"timeline"`
	GeneratedAt           time.Time       `json:"generated_at"`
}
