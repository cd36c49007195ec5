package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/lucasnoah/cihealer/internal/cimonitor"
	"github.com/lucasnoah/cihealer/internal/db"
	"github.com/lucasnoah/cihealer/internal/fixer"
	"github.com/lucasnoah/cihealer/internal/format"
	"github.com/lucasnoah/cihealer/internal/gitagent"
	"github.com/lucasnoah/cihealer/internal/healerr"
	"github.com/lucasnoah/cihealer/internal/logging"
	"github.com/lucasnoah/cihealer/internal/logparse"
	"github.com/lucasnoah/cihealer/internal/model"
	"github.com/lucasnoah/cihealer/internal/pipeline"
	"github.com/lucasnoah/cihealer/internal/sandbox"
)

// Verdict reasons set by the loop itself.
const (
	reasonExecError     = "execution_error"
	reasonNoBugs        = "no_bugs_parsed"
	reasonNoFix         = "no_fix_committed"
	reasonGlobalTimeout = "global_timeout"
	reasonGitError      = "git_error"
)

// run carries the per-run loop state that is not part of RunState.
type run struct {
	o      *Orchestrator
	req    RunRequest
	id     string
	branch string
	start  time.Time
	log    *logging.Logger
	git    GitAgent

	// tries counts attempts per bug signature; prev holds the last
	// unaccepted attempt, sent back as escalated context.
	tries map[string]int
	prev  map[string]*fixer.AttemptInfo

	// published is set once the branch has reached the remote.
	published bool
	passed    bool
	fatal     error
	// stopped is set when the run context ended: the global ceiling or a
	// parent cancellation.
	stopped error
}

func (r *run) progress(format string, args ...any) {
	fmt.Fprintf(r.o.opts.Progress, "  → "+format+"\n", args...)
}

func (r *run) setPhase(p pipeline.Phase, iter int) {
	r.o.mutate(func(s *pipeline.RunState) { s.Phase = p })
	_ = r.o.deps.Events.LogRunEvent(r.id, "phase", string(p), iter, "")
}

// expired reports whether the run context is done and remembers why.
func (r *run) expired(ctx context.Context) bool {
	err := ctx.Err()
	if err == nil {
		return false
	}
	if r.stopped == nil {
		if errors.Is(err, context.DeadlineExceeded) {
			r.stopped = healerr.ErrGlobalTimeout
		} else {
			r.stopped = fmt.Errorf("run cancelled: %w", err)
		}
		r.log.Warn("run context ended", "reason", r.stopped.Error())
	}
	return true
}

// execute runs iterations until a stop condition holds.
func (r *run) execute(ctx context.Context) {
	r.setPhase(pipeline.PhaseClone, 0)
	git, err := r.o.deps.NewGit(r.req.Workspace, r.branch)
	if err != nil {
		r.fatal = err
		return
	}
	r.git = git
	if err := git.Prepare(ctx); err != nil {
		if !r.expired(ctx) {
			r.fatal = err
		}
		return
	}

	for iter := 1; ; iter++ {
		if r.expired(ctx) {
			return
		}
		passed, stop := r.iterate(ctx, iter)
		if passed {
			r.passed = true
			return
		}
		var remaining int
		r.o.mutate(func(s *pipeline.RunState) {
			s.RetriesRemaining--
			remaining = s.RetriesRemaining
		})
		if r.fatal != nil || r.stopped != nil || stop || remaining <= 0 {
			return
		}
		r.progress("retrying (%d retries left)", remaining)
	}
}

// iterate runs one pass: build, parse, fix, push, wait for CI. It reports
// whether the pipeline passed and whether the loop cannot make progress.
func (r *run) iterate(ctx context.Context, iter int) (passed, stop bool) {
	o := r.o
	log := r.log.WithIteration(iter)
	iterStart := o.opts.Now()
	rec := model.IterationRecord{Index: iter, Timestamp: iterStart}

	finish := func(v model.Verdict) {
		rec.Verdict = v
		rec.ElapsedSec = o.opts.Now().Sub(iterStart).Seconds()
		r.record(rec)
	}
	failed := func(reason string) model.Verdict {
		return model.Verdict{State: model.CIFailed, Reason: reason}
	}
	stopVerdict := func() model.Verdict {
		if r.fatal != nil {
			return failed(reasonGitError)
		}
		return failed(reasonGlobalTimeout)
	}

	// BUILD
	r.setPhase(pipeline.PhaseBuild, iter)
	res, err := o.deps.Executor.Execute(ctx, sandbox.ExecRequest{
		Workspace:   r.req.Workspace,
		ProjectType: o.opts.ProjectType,
		Command:     o.opts.Command,
		Timeout:     o.opts.BuildTimeout,
		Name:        fmt.Sprintf("%s-%d", shortID(r.id), iter),
	})
	if err != nil {
		log.Error("sandbox execution failed", "error", err)
		rec.Execution = model.ExecutionSummary{ExitCode: -1, LogExcerpt: err.Error()}
		r.progress("iteration %d: sandbox error: %v", iter, err)
		if r.expired(ctx) {
			finish(stopVerdict())
			return false, true
		}
		finish(failed(reasonExecError))
		return false, false
	}
	rec.Execution = model.ExecutionSummary{
		ExitCode:    res.ExitCode,
		TimedOut:    res.TimedOut,
		LogExcerpt:  res.LogExcerpt,
		DurationSec: res.Duration.Seconds(),
		ProjectType: string(res.ProjectType),
		Environment: res.Environment,
	}
	if o.deps.Runs != nil {
		if err := o.deps.Runs.SaveLog(r.id, iter, res.BuildLog); err != nil {
			log.Warn("save build log failed", "error", err)
		}
	}
	o.mutate(func(s *pipeline.RunState) { s.ProjectType = string(res.ProjectType) })

	if res.Passed() {
		r.progress("iteration %d: build passed", iter)
	} else {
		execErr := &healerr.ExecutionError{ExitCode: res.ExitCode, TimedOut: res.TimedOut, Duration: res.Duration}
		log.Info("build failed", "error", execErr.Error())
	}
	if r.expired(ctx) {
		finish(stopVerdict())
		return false, true
	}

	// PARSE and FIX run only for a failing build.
	committed := 0
	if !res.Passed() {
		r.setPhase(pipeline.PhaseParse, iter)
		bugs := logparse.Parse(res.BuildLog, logparse.Options{
			Workspace:   r.req.Workspace,
			ProjectType: string(res.ProjectType),
			Ignore:      o.opts.ParserIgnore,
		})
		rec.Bugs = bugs
		r.progress("iteration %d: build failed (exit %d), %d bug(s) found", iter, res.ExitCode, len(bugs))
		if len(bugs) == 0 && !r.git.Unpushed() {
			finish(failed(reasonNoBugs))
			return false, true
		}

		r.setPhase(pipeline.PhaseFix, iter)
		elapsed := o.opts.Now().Sub(r.start)
		batch := planBatch(bugs, elapsed, o.opts.GlobalTimeout-elapsed, o.opts)
		if len(batch) < len(bugs) {
			log.Info("batch limited by elapsed time", "bugs", len(bugs), "batch", len(batch), "elapsed", elapsed.Round(time.Second))
		}
		fixes, n := r.fixBatch(ctx, iter, batch)
		rec.Fixes = append(rec.Fixes, fixes...)
		committed = n
		if r.fatal != nil || r.stopped != nil {
			finish(stopVerdict())
			return false, true
		}
	}

	if !res.Passed() && committed == 0 && !r.git.Unpushed() {
		finish(failed(reasonNoFix))
		return false, false
	}

	// PUSH. The first CI wait also publishes a branch with no commits, so
	// the monitor has a remote branch to watch.
	if r.git.Unpushed() || !r.published {
		r.setPhase(pipeline.PhasePush, iter)
		if err := r.push(ctx); err != nil {
			if !r.expired(ctx) {
				r.fatal = err
			}
			finish(stopVerdict())
			return false, true
		}
	}
	if r.expired(ctx) {
		finish(stopVerdict())
		return false, true
	}

	// CI_WAIT
	r.setPhase(pipeline.PhaseCIWait, iter)
	v := o.deps.Monitor.Wait(ctx, cimonitor.WaitRequest{
		Branch:      r.branch,
		SHA:         r.git.HeadSHA(),
		BuildPassed: res.Passed(),
	})
	if v.Inconclusive {
		w := &healerr.CIMonitorTimeout{Branch: r.branch, Waited: o.opts.Now().Sub(iterStart), Reason: v.Reason}
		log.Warn("ci verdict inconclusive", "error", w.Error())
	}
	r.progress("iteration %d: CI %s%s", iter, v.State, reasonSuffix(v))
	finish(v)
	if !v.Passed() && r.expired(ctx) {
		return false, true
	}
	return v.Passed(), false
}

// planBatch orders bugs by error type precedence and caps how many one
// iteration may fix as the run nears its ceiling.
func planBatch(bugs []model.BugReport, elapsed, remaining time.Duration, opts Options) []model.BugReport {
	out := make([]model.BugReport, len(bugs))
	copy(out, bugs)
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].ErrorType.Rank() < out[j].ErrorType.Rank()
	})
	limit := len(out)
	switch {
	case elapsed >= opts.CriticalBatchAfter || remaining < MinBatchRemaining:
		limit = 1
	case elapsed >= opts.ReducedBatchAfter:
		limit = ReducedBatchSize
	}
	if limit < len(out) {
		out = out[:limit]
	}
	return out
}

// fixBatch fixes bugs in order. A signature whose fix was not accepted is
// escalated and skipped for the rest of the iteration.
func (r *run) fixBatch(ctx context.Context, iter int, bugs []model.BugReport) (fixes []model.FixAttempt, committed int) {
	escalated := make(map[string]bool)
	for _, bug := range bugs {
		if r.expired(ctx) {
			break
		}
		sig := bug.Signature()
		if escalated[sig] {
			r.log.WithIteration(iter).Info("skipping escalated bug", "bug", bug.Location())
			continue
		}
		fa := r.fix(ctx, iter, bug)
		fixes = append(fixes, fa)
		if fa.Status == model.FixApplied {
			committed++
		} else {
			escalated[sig] = true
		}
		if r.fatal != nil {
			break
		}
	}
	return fixes, committed
}

// fix asks for a patch for one bug and commits it when accepted.
func (r *run) fix(ctx context.Context, iter int, bug model.BugReport) model.FixAttempt {
	log := r.log.WithIteration(iter)
	sig := bug.Signature()

	src, err := os.ReadFile(filepath.Join(r.req.Workspace, filepath.FromSlash(bug.FilePath)))
	if err != nil {
		log.Warn("read source failed", "file", bug.FilePath, "error", err)
		r.prev[sig] = &fixer.AttemptInfo{Detail: err.Error()}
		return model.FixAttempt{Bug: bug, Status: model.FixFailed}
	}

	req := fixer.FixRequest{
		Bug:      bug,
		Source:   string(src),
		Attempt:  r.tries[sig],
		Previous: r.prev[sig],
	}
	r.tries[sig]++

	fa, genErr := r.o.deps.Fixer.Generate(ctx, req)
	if fa.Status != model.FixPending {
		r.reject(bug, fa, genErr)
		return fa
	}

	r.setPhase(pipeline.PhaseCommit, iter)
	line, err := format.Report(bug, fa.SubType)
	if err != nil {
		fa.Status = model.FixFailed
		r.reject(bug, fa, err)
		return fa
	}
	fa.ReportLine = line

	msg := gitagent.CommitMessage(fa)
	sha, ok, err := r.git.Commit(ctx, bug.FilePath, fa.PatchedContent, msg)
	if err != nil {
		fa.Status = model.FixFailed
		if !r.expired(ctx) {
			r.fatal = err
			log.Error("commit failed", "file", bug.FilePath, "error", err)
		}
		return fa
	}
	if !ok {
		fa.Status = model.FixRejected
		fa.RejectReason = string(healerr.ReasonNoChange)
		r.reject(bug, fa, nil)
		return fa
	}

	fa.Status = model.FixApplied
	fa.CommitSHA = sha
	fa.CommitMessage = r.git.Prefixed(msg)
	delete(r.prev, sig)

	commits := r.git.Commits()
	r.o.mutate(func(s *pipeline.RunState) {
		s.TotalCommits = commits
		s.Partial.Commits = commits
		s.Partial.Fixes = append(s.Partial.Fixes, fa)
		s.Partial.LastCommitSHA = sha
		s.Partial.CheckpointedAt = r.o.opts.Now()
	})
	_ = r.o.deps.Events.LogRunEvent(r.id, "commit", string(pipeline.PhaseCommit), iter, sha+" "+bug.Location())
	r.progress("%s", line)
	return fa
}

func (r *run) reject(bug model.BugReport, fa model.FixAttempt, err error) {
	info := &fixer.AttemptInfo{Reason: healerr.RejectReason(fa.RejectReason), Diff: fa.Diff}
	if err != nil {
		info.Detail = err.Error()
		if info.Reason == "" {
			info.Reason = healerr.ReasonOf(err)
		}
	}
	r.prev[bug.Signature()] = info
	r.log.Info("fix not accepted", "bug", bug.Location(), "status", fa.Status, "reason", info.Reason)
	r.progress("%s not fixed (%s)", bug.Location(), reasonOrStatus(info.Reason, fa.Status))
}

// push publishes local commits and records the result.
func (r *run) push(ctx context.Context) error {
	sha, err := r.git.Push(ctx)
	if err != nil {
		r.log.Error("push failed", "error", err)
		return err
	}
	r.published = true
	pushed := r.git.PushedCommits()
	r.o.mutate(func(s *pipeline.RunState) {
		s.PushedCommits = pushed
		s.Partial.LastPushedSHA = sha
		s.Partial.CheckpointedAt = r.o.opts.Now()
	})
	_ = r.o.deps.Events.LogRunEvent(r.id, "push", string(pipeline.PhasePush), 0, sha)
	r.progress("pushed %d commit(s) to %s", pushed, r.branch)
	return nil
}

// finalPush publishes anything still unpushed. It runs detached from the
// run deadline so committed work always reaches the remote.
func (r *run) finalPush(parent context.Context) {
	if r.git == nil || !r.git.Unpushed() {
		return
	}
	r.progress("pushing remaining commits")
	if err := r.push(context.WithoutCancel(parent)); err != nil && r.fatal == nil {
		r.fatal = err
	}
}

// finish settles the final status, persists the report and returns it.
func (r *run) finish(ctx context.Context) *pipeline.Report {
	o := r.o
	now := o.opts.Now()
	var cause error
	switch {
	case r.fatal != nil:
		cause = r.fatal
	case r.stopped != nil:
		cause = r.stopped
	}

	o.mutate(func(s *pipeline.RunState) {
		if r.passed && cause == nil {
			s.Status = pipeline.StatusPassed
			s.Phase = pipeline.PhaseDone
		} else {
			s.Status = pipeline.StatusFailed
			s.Phase = pipeline.PhaseFailed
		}
		if cause != nil {
			s.Error = cause.Error()
		}
		if r.git != nil {
			s.TotalCommits = r.git.Commits()
			s.PushedCommits = r.git.PushedCommits()
		}
		s.FinishedAt = &now
	})

	st := o.Status()
	report := BuildReport(st, Scoring{
		SpeedBonusThreshold:    o.opts.SpeedBonusThreshold,
		CommitPenaltyThreshold: o.opts.CommitPenaltyThreshold,
	}, now)

	if o.deps.Results != nil {
		if err := o.deps.Results.Put(context.WithoutCancel(ctx), report); err != nil {
			r.log.Error("store report failed", "error", err)
		}
	}
	_ = o.deps.Events.LogRunEvent(r.id, "finished", string(st.Phase), len(st.Iterations),
		fmt.Sprintf("status=%s score=%d", report.FinalStatus, report.FinalScore))
	r.log.Info("run finished", "status", report.FinalStatus, "score", report.FinalScore,
		"commits", report.TotalCommits, "iterations", len(st.Iterations))
	r.progress("%s after %d iteration(s), %d commit(s), score %d",
		report.FinalStatus, len(st.Iterations), report.TotalCommits, report.FinalScore)
	return report
}

// record appends an iteration to the run state and the event log.
func (r *run) record(rec model.IterationRecord) {
	r.o.mutate(func(s *pipeline.RunState) {
		s.Iterations = append(s.Iterations, rec)
	})
	applied := 0
	for _, fa := range rec.Fixes {
		if fa.Status == model.FixApplied {
			applied++
		}
	}
	_ = r.o.deps.Events.LogIteration(db.IterationRow{
		RunID:        r.id,
		Iteration:    rec.Index,
		ExitCode:     rec.Execution.ExitCode,
		TimedOut:     rec.Execution.TimedOut,
		BugsFound:    len(rec.Bugs),
		FixesApplied: applied,
		Verdict:      string(rec.Verdict.State),
		Duration:     time.Duration(rec.Execution.DurationSec * float64(time.Second)),
		Elapsed:      time.Duration(rec.ElapsedSec * float64(time.Second)),
	})
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func reasonSuffix(v model.Verdict) string {
	if v.Reason == "" {
		return ""
	}
	if v.Inconclusive {
		return " (inconclusive: " + v.Reason + ")"
	}
	return " (" + v.Reason + ")"
}

func reasonOrStatus(reason healerr.RejectReason, status model.FixStatus) string {
	if reason != "" {
		return string(reason)
	}
	return string(status)
}
