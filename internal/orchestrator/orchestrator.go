// Package orchestrator drives the healing loop for one run:
// build, parse, fix, commit, push and wait for CI, until the pipeline passes,
// the retry budget is spent or the global ceiling is reached. It is the sole
// owner of the run state.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/lucasnoah/cihealer/internal/cimonitor"
	"github.com/lucasnoah/cihealer/internal/fixer"
	"github.com/lucasnoah/cihealer/internal/gitagent"
	"github.com/lucasnoah/cihealer/internal/logging"
	"github.com/lucasnoah/cihealer/internal/model"
	"github.com/lucasnoah/cihealer/internal/pipeline"
	"github.com/lucasnoah/cihealer/internal/resultstore"
	"github.com/lucasnoah/cihealer/internal/sandbox"
)

// Loop limits and scoring constants.
const (
	DefaultMaxRetries             = 5
	DefaultGlobalTimeout          = 480 * time.Second
	DefaultSpeedBonusThreshold    = 300 * time.Second
	DefaultCommitPenaltyThreshold = 20
	DefaultReducedBatchAfter      = 180 * time.Second
	DefaultCriticalBatchAfter     = 240 * time.Second
	// A run with less than this left before its ceiling fixes one bug.
	MinBatchRemaining = 60 * time.Second
	ReducedBatchSize  = 3
	BaseScore                     = 100
	SpeedBonus                    = 10
	PenaltyPerCommit              = 2
)

// Executor runs the workspace build in a sandbox.
type Executor interface {
	Execute(ctx context.Context, req sandbox.ExecRequest) (*sandbox.ExecResult, error)
}

// Fixer produces a gated patch for one bug.
type Fixer interface {
	Generate(ctx context.Context, req fixer.FixRequest) (model.FixAttempt, error)
}

// GitAgent commits and pushes on the healing branch.
type GitAgent interface {
	Prepare(ctx context.Context) error
	Commit(ctx context.Context, path, content, message string) (string, bool, error)
	Push(ctx context.Context) (string, error)
	Prefixed(message string) string
	Commits() int
	PushedCommits() int
	Unpushed() bool
	HeadSHA() string
}

// GitFactory builds the agent once the branch name is known.
type GitFactory func(workspace, branch string) (GitAgent, error)

// Deps are the collaborators of a run. Runs, Results and Events are optional.
type Deps struct {
	Executor Executor
	Fixer    Fixer
	NewGit   GitFactory
	Monitor  cimonitor.Monitor
	Runs     *pipeline.Store
	Results  resultstore.Store
	Events   EventLog
}

// Options tune the loop.
type Options struct {
	MaxRetries             int
	GlobalTimeout          time.Duration
	BuildTimeout           time.Duration
	SpeedBonusThreshold    time.Duration
	CommitPenaltyThreshold int
	// Past ReducedBatchAfter an iteration fixes at most ReducedBatchSize
	// bugs; past CriticalBatchAfter it fixes one.
	ReducedBatchAfter  time.Duration
	CriticalBatchAfter time.Duration
	// ProjectType and Command override sandbox detection.
	ProjectType sandbox.ProjectType
	Command     string
	// ParserIgnore extends the parser's ignored paths.
	ParserIgnore []string
	Logger       *logging.Logger
	// Progress receives human-readable progress lines.
	Progress io.Writer
	Now      func() time.Time
}

// RunRequest names the repository to heal. Workspace must already hold a
// clone of RepoURL.
type RunRequest struct {
	RunID      string `json:"run_id,omitempty"`
	RepoURL    string `json:"repo_url"`
	TeamName   string `json:"team_name"`
	LeaderName string `json:"leader_name"`
	Workspace  string `json:"workspace"`
}

// Validate checks the request fields.
func (r RunRequest) Validate() error {
	switch {
	case r.RepoURL == "":
		return fmt.Errorf("repo url is required")
	case strings.TrimSpace(r.TeamName) == "":
		return fmt.Errorf("team name is required")
	case strings.TrimSpace(r.LeaderName) == "":
		return fmt.Errorf("leader name is required")
	case r.Workspace == "":
		return fmt.Errorf("workspace is required")
	}
	if r.RunID != "" {
		if err := pipeline.ValidateRunID(r.RunID); err != nil {
			return err
		}
	}
	info, err := os.Stat(r.Workspace)
	if err != nil {
		return fmt.Errorf("workspace %s: %w", r.Workspace, err)
	}
	if !info.IsDir() {
		return fmt.Errorf("workspace %s is not a directory", r.Workspace)
	}
	return nil
}

// RunResult is returned when a run ends.
type RunResult struct {
	State  *pipeline.RunState `json:"state"`
	Report *pipeline.Report   `json:"report"`
}

// Orchestrator runs a single healing run. Create one per run.
type Orchestrator struct {
	deps Deps
	opts Options
	log  *logging.Logger

	mu      sync.Mutex
	state   *pipeline.RunState
	started bool
}

// New creates an Orchestrator.
func New(deps Deps, opts Options) *Orchestrator {
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = DefaultMaxRetries
	}
	if opts.GlobalTimeout <= 0 {
		opts.GlobalTimeout = DefaultGlobalTimeout
	}
	if opts.BuildTimeout <= 0 {
		opts.BuildTimeout = sandbox.DefaultTimeout
	}
	if opts.SpeedBonusThreshold <= 0 {
		opts.SpeedBonusThreshold = DefaultSpeedBonusThreshold
	}
	if opts.CommitPenaltyThreshold <= 0 {
		opts.CommitPenaltyThreshold = DefaultCommitPenaltyThreshold
	}
	if opts.ReducedBatchAfter <= 0 {
		opts.ReducedBatchAfter = DefaultReducedBatchAfter
	}
	if opts.CriticalBatchAfter <= 0 {
		opts.CriticalBatchAfter = DefaultCriticalBatchAfter
	}
	if opts.Progress == nil {
		opts.Progress = io.Discard
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if deps.Monitor == nil {
		deps.Monitor = cimonitor.NoopMonitor{}
	}
	if deps.Events == nil {
		deps.Events = nopEvents{}
	}
	return &Orchestrator{
		deps: deps,
		opts: opts,
		log:  logging.Or(opts.Logger).WithComponent("orchestrator"),
	}
}

// Status returns a copy of the run state. It is safe to call from any
// goroutine while Run is in progress; before Run starts it returns the zero
// state in phase INIT.
func (o *Orchestrator) Status() pipeline.RunState {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.state == nil {
		return pipeline.RunState{Phase: pipeline.PhaseInit}
	}
	return *o.state.Clone()
}

// ErrAlreadyStarted is returned by a second call to Run.
var ErrAlreadyStarted = errors.New("orchestrator: run already started")

// Run executes the healing loop. Input errors are returned before anything
// is written. Once the run has started it always produces a report, even
// when a git failure or the global ceiling ends it early; the returned
// error is then nil and the failure is recorded in the report.
func (o *Orchestrator) Run(ctx context.Context, req RunRequest) (*RunResult, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	branch, err := gitagent.BranchName(req.TeamName, req.LeaderName)
	if err != nil {
		return nil, err
	}

	o.mu.Lock()
	if o.started {
		o.mu.Unlock()
		return nil, ErrAlreadyStarted
	}
	o.started = true
	o.mu.Unlock()

	runID := req.RunID
	if runID == "" {
		runID = uuid.NewString()
	}
	now := o.opts.Now()
	st := &pipeline.RunState{
		RunID:            runID,
		RepoURL:          req.RepoURL,
		TeamName:         req.TeamName,
		LeaderName:       req.LeaderName,
		Workspace:        req.Workspace,
		Branch:           branch,
		Phase:            pipeline.PhaseInit,
		Status:           pipeline.StatusRunning,
		MaxRetries:       o.opts.MaxRetries,
		RetriesRemaining: o.opts.MaxRetries,
		Version:          1,
		StartedAt:        now,
		UpdatedAt:        now,
	}
	if o.deps.Runs != nil {
		if err := o.deps.Runs.Create(st.Clone()); err != nil {
			return nil, fmt.Errorf("create run: %w", err)
		}
	}
	o.mu.Lock()
	o.state = st
	o.mu.Unlock()

	r := &run{
		o:      o,
		req:    req,
		id:     runID,
		branch: branch,
		start:  now,
		log:    o.log.WithRun(runID),
		tries:  make(map[string]int),
		prev:   make(map[string]*fixer.AttemptInfo),
	}
	_ = o.deps.Events.LogRunEvent(runID, "started", string(pipeline.PhaseInit), 0, "branch="+branch)
	r.progress("run %s on branch %s", runID, branch)

	runCtx, cancel := context.WithTimeout(ctx, o.opts.GlobalTimeout)
	defer cancel()

	r.execute(runCtx)
	r.finalPush(ctx)
	report := r.finish(ctx)

	return &RunResult{State: o.statePtr(), Report: report}, nil
}

func (o *Orchestrator) statePtr() *pipeline.RunState {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state.Clone()
}

// mutate applies fn to the run state, bumps its version and persists the
// snapshot.
func (o *Orchestrator) mutate(fn func(s *pipeline.RunState)) {
	o.mu.Lock()
	defer o.mu.Unlock()
	fn(o.state)
	o.state.Version++
	o.state.UpdatedAt = o.opts.Now()
	if o.deps.Runs != nil {
		if err := o.deps.Runs.Save(o.state.Clone()); err != nil {
			o.log.Warn("persist run state failed", "run_id", o.state.RunID, "error", err)
		}
	}
}
