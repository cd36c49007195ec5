package orchestrator

import (
	"fmt"
	"time"

	"github.com/lucasnoah/cihealer/internal/model"
	"github.com/lucasnoah/cihealer/internal/pipeline"
)

// Scoring holds the thresholds of the final score.
type Scoring struct {
	SpeedBonusThreshold    time.Duration
	CommitPenaltyThreshold int
}

// Score computes the final score: base 100, +10 when the run took less than
// the speed threshold, -2 per commit above the commit threshold.
func (s Scoring) Score(totalSeconds, commits int) (base, bonus, penalty, final int) {
	base = BaseScore
	if time.Duration(totalSeconds)*time.Second < s.SpeedBonusThreshold {
		bonus = SpeedBonus
	}
	if commits > s.CommitPenaltyThreshold {
		penalty = -PenaltyPerCommit * (commits - s.CommitPenaltyThreshold)
	}
	return base, bonus, penalty, base + bonus + penalty
}

// FormatDuration renders whole seconds as "Xm YYs".
func FormatDuration(seconds int) string {
	if seconds < 0 {
		seconds = 0
	}
	return fmt.Sprintf("%dm %02ds", seconds/60, seconds%60)
}

// BuildReport derives the final report from a run state. It only reads the
// recorded iterations, so it works equally for finished and interrupted runs.
func BuildReport(st pipeline.RunState, sc Scoring, now time.Time) *pipeline.Report {
	total := int(now.Sub(st.StartedAt).Seconds())
	if total < 0 {
		total = 0
	}
	base, bonus, penalty, final := sc.Score(total, st.TotalCommits)

	r := &pipeline.Report{
		RunID:              st.RunID,
		RepoURL:            st.RepoURL,
		TeamName:           st.TeamName,
		LeaderName:         st.LeaderName,
		BranchName:         st.Branch,
		FinalStatus:        st.Status,
		TotalCommits:       st.TotalCommits,
		TotalTimeSeconds:   total,
		TotalTimeFormatted: FormatDuration(total),
		BaseScore:          base,
		SpeedBonus:         bonus,
		EfficiencyPenalty:  penalty,
		FinalScore:         final,
		RetriesUsed:        st.MaxRetries - st.RetriesRemaining,
		Error:              st.Error,
		Fixes:              []pipeline.FixEntry{},
		Timeline:           []pipeline.TimelineEntry{},
		GeneratedAt:        now.UTC(),
	}
	if r.FinalStatus == pipeline.StatusRunning {
		r.FinalStatus = pipeline.StatusFailed
	}
	r.Partial = st.Error != ""

	// One entry per distinct bug, in first-seen order. An applied attempt
	// wins over any later or earlier unaccepted one.
	var order []string
	bugs := make(map[string]model.BugReport)
	latest := make(map[string]model.FixAttempt)
	for _, it := range st.Iterations {
		for _, b := range it.Bugs {
			sig := b.Signature()
			if _, ok := bugs[sig]; !ok {
				order = append(order, sig)
				bugs[sig] = b
			}
		}
		for _, fa := range it.Fixes {
			sig := fa.Bug.Signature()
			if prev, ok := latest[sig]; ok && prev.Status == model.FixApplied {
				continue
			}
			latest[sig] = fa
		}
	}

	for _, sig := range order {
		b := bugs[sig]
		e := pipeline.FixEntry{
			File:   b.FilePath,
			Type:   string(b.ErrorType),
			Line:   b.LineNumber,
			Status: pipeline.FixFailure,
		}
		if fa, ok := latest[sig]; ok && fa.Status == model.FixApplied {
			e.Status = pipeline.FixSuccess
			e.CommitMessage = fa.CommitMessage
			e.ReportLine = fa.ReportLine
			r.TotalFixesApplied++
		}
		r.Fixes = append(r.Fixes, e)
	}
	r.TotalFailuresDetected = len(order)

	// Labels count the iterations actually run, not the retry budget.
	n := len(st.Iterations)
	for _, it := range st.Iterations {
		status := pipeline.StatusFailed
		if it.Verdict.Passed() {
			status = pipeline.StatusPassed
		}
		r.Timeline = append(r.Timeline, pipeline.TimelineEntry{
			Iteration: fmt.Sprintf("%d/%d", it.Index, n),
			Status:    status,
			Timestamp: it.Timestamp.UTC(),
			Time:      fmt.Sprintf("%ds", int(it.ElapsedSec)),
		})
	}
	return r
}
