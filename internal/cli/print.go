package cli

import (
	"fmt"
	"io"
	"strings"

	"github.com/lucasnoah/cihealer/internal/pipeline"
	"github.com/lucasnoah/cihealer/internal/web"
)

func printReport(w io.Writer, r *pipeline.Report) {
	fmt.Fprintf(w, "\nRun:         %s\n", r.RunID)
	fmt.Fprintf(w, "Repository:  %s\n", r.RepoURL)
	fmt.Fprintf(w, "Branch:      %s\n", r.BranchName)
	fmt.Fprintf(w, "Status:      %s", r.FinalStatus)
	if r.Partial {
		fmt.Fprint(w, " (partial)")
	}
	fmt.Fprintln(w)
	if r.Error != "" {
		fmt.Fprintf(w, "Error:       %s\n", r.Error)
	}
	fmt.Fprintf(w, "Failures:    %d detected, %d fixed\n", r.TotalFailuresDetected, r.TotalFixesApplied)
	fmt.Fprintf(w, "Commits:     %d\n", r.TotalCommits)
	fmt.Fprintf(w, "Retries:     %d\n", r.RetriesUsed)
	fmt.Fprintf(w, "Time:        %s\n", r.TotalTimeFormatted)
	fmt.Fprintf(w, "Score:       %d (base %d, speed %+d, efficiency %+d)\n",
		r.FinalScore, r.BaseScore, r.SpeedBonus, r.EfficiencyPenalty)

	if len(r.Fixes) > 0 {
		fmt.Fprintln(w, "\nFixes:")
		for _, f := range r.Fixes {
			line := f.ReportLine
			if line == "" {
				line = fmt.Sprintf("%s %s:%d", f.Type, f.File, f.Line)
			}
			fmt.Fprintf(w, "  %-8s %s\n", f.Status, line)
		}
	}
	if len(r.Timeline) > 0 {
		fmt.Fprintln(w, "\nTimeline:")
		for _, e := range r.Timeline {
			fmt.Fprintf(w, "  %-6s %-7s %s  %s\n", e.Iteration, e.Status, e.Timestamp.Format("15:04:05"), e.Time)
		}
	}
}

func printState(w io.Writer, st *pipeline.RunState) {
	fmt.Fprintf(w, "Run:         %s\n", st.RunID)
	fmt.Fprintf(w, "Repository:  %s\n", st.RepoURL)
	fmt.Fprintf(w, "Branch:      %s\n", st.Branch)
	fmt.Fprintf(w, "Status:      %s (%s)\n", st.Status, st.Phase)
	fmt.Fprintf(w, "Iterations:  %d (retries left %d of %d)\n", len(st.Iterations), st.RetriesRemaining, st.MaxRetries)
	fmt.Fprintf(w, "Commits:     %d (%d pushed)\n", st.TotalCommits, st.PushedCommits)
	if !st.Partial.CheckpointedAt.IsZero() {
		fmt.Fprintf(w, "Checkpoint:  %s, last commit %s\n", st.Partial.CheckpointedAt.Format("15:04:05"), shortSHA(st.Partial.LastCommitSHA))
	}
	if st.Error != "" {
		fmt.Fprintf(w, "Error:       %s\n", st.Error)
	}
	for _, it := range st.Iterations {
		fmt.Fprintf(w, "  #%d exit=%d bugs=%d fixes=%d ci=%s\n",
			it.Index, it.Execution.ExitCode, len(it.Bugs), len(it.Fixes), it.Verdict.State)
	}
}

func printRunTable(w io.Writer, runs []pipeline.RunState) {
	fmt.Fprintf(w, "%-36s %-8s %-8s %-4s %-4s %s\n", "RUN", "STATUS", "PHASE", "ITER", "COMM", "BRANCH")
	fmt.Fprintf(w, "%-36s %-8s %-8s %-4s %-4s %s\n",
		strings.Repeat("-", 36),
		strings.Repeat("-", 8),
		strings.Repeat("-", 8),
		strings.Repeat("-", 4),
		strings.Repeat("-", 4),
		strings.Repeat("-", 6))
	for i := range runs {
		s := web.Summarize(&runs[i])
		fmt.Fprintf(w, "%-36s %-8s %-8s %-4d %-4d %s\n", s.RunID, s.Status, s.Phase, s.Iteration, s.TotalCommits, s.Branch)
	}
}

func shortSHA(sha string) string {
	if len(sha) > 7 {
		return sha[:7]
	}
	return sha
}
