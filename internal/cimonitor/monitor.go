// Package cimonitor turns a pushed branch into a remote CI verdict.
package cimonitor

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/lucasnoah/cihealer/internal/logging"
	"github.com/lucasnoah/cihealer/internal/model"
)

const (
	DefaultInitialInterval = 5 * time.Second
	DefaultMaxInterval     = 30 * time.Second
	DefaultWaitTimeout     = 180 * time.Second
	DefaultStallPolls      = 7
)

// Inconclusive reasons.
const (
	ReasonTimeout = "timeout"
	ReasonStalled = "stalled"
	ReasonCIError = "ci_error"
)

// WaitRequest names the push to wait for.
type WaitRequest struct {
	Branch string
	SHA    string
	// BuildPassed is the local sandbox result; only NoopMonitor uses it.
	BuildPassed bool
}

// Monitor produces a verdict for a push.
type Monitor interface {
	Wait(ctx context.Context, req WaitRequest) model.Verdict
}

// NoopMonitor stands in for a remote pipeline on local runs.
type NoopMonitor struct{}

func (NoopMonitor) Wait(_ context.Context, req WaitRequest) model.Verdict {
	if req.BuildPassed {
		return model.Verdict{State: model.CIPassed, Reason: "local build passed"}
	}
	return model.Verdict{State: model.CIFailed, Reason: "local build failed"}
}

var repoRe = regexp.MustCompile(`github\.com[:/](.+?)(?:\.git)?/?$`)

// ParseRepo extracts owner/repo from an https or ssh GitHub URL.
func ParseRepo(url string) (string, error) {
	m := repoRe.FindStringSubmatch(strings.TrimSpace(url))
	if m == nil || strings.Count(m[1], "/") != 1 {
		return "", fmt.Errorf("not a GitHub repository URL: %q", url)
	}
	return m[1], nil
}

// Options configure a GitHubMonitor.
type Options struct {
	// Repo is owner/repo.
	Repo            string
	InitialInterval time.Duration
	MaxInterval     time.Duration
	WaitTimeout     time.Duration
	StallPolls      int
	Logger          *logging.Logger
	// Sleep waits between polls; tests replace it.
	Sleep func(ctx context.Context, d time.Duration) error
}

// GitHubMonitor polls the Actions runs API through gh.
type GitHubMonitor struct {
	cmd  CmdRunner
	opts Options
	log  *logging.Logger
}

func NewGitHubMonitor(cmd CmdRunner, opts Options) *GitHubMonitor {
	if opts.InitialInterval <= 0 {
		opts.InitialInterval = DefaultInitialInterval
	}
	if opts.MaxInterval <= 0 {
		opts.MaxInterval = DefaultMaxInterval
	}
	if opts.WaitTimeout <= 0 {
		opts.WaitTimeout = DefaultWaitTimeout
	}
	if opts.StallPolls <= 0 {
		opts.StallPolls = DefaultStallPolls
	}
	if opts.Sleep == nil {
		opts.Sleep = sleepCtx
	}
	return &GitHubMonitor{cmd: cmd, opts: opts, log: logging.Or(opts.Logger).WithComponent("cimonitor").With("repo", opts.Repo)}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

type workflowRun struct {
	ID         int64  `json:"id"`
	HeadSHA    string `json:"head_sha"`
	HeadBranch string `json:"head_branch"`
	Status     string `json:"status"`
	Conclusion string `json:"conclusion"`
	HTMLURL    string `json:"html_url"`
}

type job struct {
	Name       string `json:"name"`
	Status     string `json:"status"`
	Conclusion string `json:"conclusion"`
}

// passingConclusions are the only conclusions counted as green. Anything
// else, including startup_failure, stale and an empty conclusion, fails.
var passingConclusions = map[string]bool{
	"success": true,
	"neutral": true,
	"skipped": true,
}

func conclusionReason(c string) string {
	if c == "" {
		return "unknown"
	}
	return c
}

var ignoredJobWords = []string{"deploy", "publish", "release", "notify"}

func ignoredJob(name string) bool {
	lower := strings.ToLower(name)
	for _, w := range ignoredJobWords {
		if strings.Contains(lower, w) {
			return true
		}
	}
	return false
}

var clientErrRe = regexp.MustCompile(`HTTP 4\d\d`)

// Wait polls until the newest run for req.SHA concludes, the wait times out
// or the run stalls. Timeouts, stalls and client errors come back as
// inconclusive verdicts, never as errors.
func (m *GitHubMonitor) Wait(ctx context.Context, req WaitRequest) model.Verdict {
	ctx, cancel := context.WithTimeout(ctx, m.opts.WaitTimeout)
	defer cancel()

	log := m.log.With("branch", req.Branch, "sha", req.SHA)
	interval := m.opts.InitialInterval
	last := ""
	polls, inProgress := 0, 0

	for {
		state, verdict, err := m.poll(ctx, req)
		switch {
		case err != nil && clientErrRe.MatchString(err.Error()):
			log.Warn("ci api rejected request", "error", err.Error())
			return model.Verdict{State: model.CIPending, Inconclusive: true, Reason: ReasonCIError}
		case err != nil:
			if ctx.Err() != nil {
				return model.Verdict{State: model.CIPending, Inconclusive: true, Reason: ReasonTimeout}
			}
			log.Warn("ci poll failed", "error", err.Error())
			state = "error"
		case verdict != nil:
			log.Info("ci verdict", "state", string(verdict.State), "url", verdict.RunURL)
			return *verdict
		}
		if state == "in_progress" {
			inProgress++
			if inProgress >= m.opts.StallPolls {
				log.Warn("ci run stalled", "polls", inProgress)
				return model.Verdict{State: model.CIPending, Inconclusive: true, Reason: ReasonStalled}
			}
		} else {
			inProgress = 0
		}

		if polls > 0 {
			interval = nextInterval(interval, state == last, m.opts.MaxInterval)
		}
		polls++
		last = state
		if err := m.opts.Sleep(ctx, interval); err != nil {
			return model.Verdict{State: model.CIPending, Inconclusive: true, Reason: ReasonTimeout}
		}
	}
}

func nextInterval(cur time.Duration, repeated bool, ceiling time.Duration) time.Duration {
	factor := 1.5
	if repeated {
		factor = 2
	}
	next := time.Duration(float64(cur) * factor)
	if next > ceiling {
		return ceiling
	}
	return next
}

// poll returns the run state, or a verdict once one is reached.
func (m *GitHubMonitor) poll(ctx context.Context, req WaitRequest) (string, *model.Verdict, error) {
	out, err := m.cmd.Run(ctx, "api",
		fmt.Sprintf("repos/%s/actions/runs?branch=%s&per_page=10", m.opts.Repo, req.Branch))
	if err != nil {
		return "", nil, fmt.Errorf("list workflow runs: %w", err)
	}
	var resp struct {
		WorkflowRuns []workflowRun `json:"workflow_runs"`
	}
	if err := json.Unmarshal([]byte(out), &resp); err != nil {
		return "", nil, fmt.Errorf("parse workflow runs: %w", err)
	}

	run := newestFor(resp.WorkflowRuns, req.SHA)
	if run == nil {
		return "no_run", nil, nil
	}
	if run.Status == "queued" || run.Status == "waiting" || run.Status == "pending" || run.Status == "requested" {
		return "queued", nil, nil
	}

	jobs, err := m.jobs(ctx, run.ID)
	if err != nil {
		if run.Status == "completed" {
			return "", verdictFromRun(run), nil
		}
		return "", nil, err
	}
	if v := verdictFromJobs(jobs, run); v != nil {
		return "", v, nil
	}
	if run.Status == "completed" {
		return "", verdictFromRun(run), nil
	}
	return "in_progress", nil, nil
}

func (m *GitHubMonitor) jobs(ctx context.Context, runID int64) ([]job, error) {
	out, err := m.cmd.Run(ctx, "api", fmt.Sprintf("repos/%s/actions/runs/%d/jobs?per_page=100", m.opts.Repo, runID))
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	var resp struct {
		Jobs []job `json:"jobs"`
	}
	if err := json.Unmarshal([]byte(out), &resp); err != nil {
		return nil, fmt.Errorf("parse jobs: %w", err)
	}
	return resp.Jobs, nil
}

// newestFor picks the first run (the API lists newest first) for sha.
// An empty sha matches any run.
func newestFor(runs []workflowRun, sha string) *workflowRun {
	for i := range runs {
		if sha == "" || runs[i].HeadSHA == sha {
			return &runs[i]
		}
	}
	return nil
}

func verdictFromRun(run *workflowRun) *model.Verdict {
	v := &model.Verdict{State: model.CIPassed, RunURL: run.HTMLURL}
	if !passingConclusions[run.Conclusion] {
		v.State = model.CIFailed
		v.Reason = conclusionReason(run.Conclusion)
	}
	return v
}

// verdictFromJobs decides on relevant jobs only. It returns nil while any
// relevant job is still running, or when there are no relevant jobs.
func verdictFromJobs(jobs []job, run *workflowRun) *model.Verdict {
	relevant, running := 0, false
	for _, j := range jobs {
		if ignoredJob(j.Name) {
			continue
		}
		relevant++
		if j.Status != "completed" {
			running = true
			continue
		}
		if !passingConclusions[j.Conclusion] {
			return &model.Verdict{State: model.CIFailed, Reason: j.Name + ": " + conclusionReason(j.Conclusion), RunURL: run.HTMLURL}
		}
	}
	if relevant == 0 || running {
		return nil
	}
	return &model.Verdict{State: model.CIPassed, RunURL: run.HTMLURL}
}
