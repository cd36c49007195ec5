package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/lucasnoah/cihealer/internal/orchestrator"
	"github.com/lucasnoah/cihealer/internal/pipeline"
	"github.com/lucasnoah/cihealer/internal/sandbox"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Heal a repository until its pipeline passes",
	Long: `Run the healing loop on a local clone of the repository.

Every accepted fix is committed to the branch {TEAM}_{LEADER}_AI_FIX and
pushed; the run stops at the first passing CI verdict, after the retry
budget is spent, or at the global time ceiling. Committed work is always
pushed before the run ends, and a report is written in every case.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		format, _ := cmd.Flags().GetString("format")
		if format != "text" && format != "json" {
			return fmt.Errorf("invalid --format %q: want text or json", format)
		}
		var projectType sandbox.ProjectType
		if s, _ := cmd.Flags().GetString("project-type"); s != "" {
			pt, err := sandbox.ParseProjectType(s)
			if err != nil {
				return err
			}
			projectType = pt
		}

		req := orchestrator.RunRequest{}
		req.RepoURL, _ = cmd.Flags().GetString("repo")
		req.TeamName, _ = cmd.Flags().GetString("team")
		req.LeaderName, _ = cmd.Flags().GetString("leader")
		req.Workspace, _ = cmd.Flags().GetString("workspace")
		req.RunID, _ = cmd.Flags().GetString("run-id")
		if err := req.Validate(); err != nil {
			return err
		}

		a, err := newApp(cmd)
		if err != nil {
			return err
		}
		defer a.close()

		// Progress shares stdout with the text report; JSON output keeps
		// stdout for the report alone.
		var progress io.Writer = cmd.OutOrStdout()
		if format == "json" {
			progress = cmd.ErrOrStderr()
		}
		o, err := a.newOrchestrator(&req, projectType, progress)
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		res, err := o.Run(ctx, req)
		if err != nil {
			return err
		}

		if format == "json" {
			data, _ := json.MarshalIndent(res.Report, "", "  ")
			fmt.Fprintln(cmd.OutOrStdout(), string(data))
		} else {
			printReport(cmd.OutOrStdout(), res.Report)
		}
		if res.Report.FinalStatus != pipeline.StatusPassed {
			return fmt.Errorf("run %s finished %s", res.Report.RunID, res.Report.FinalStatus)
		}
		return nil
	},
}

func init() {
	runCmd.Flags().String("repo", "", "repository URL (the workspace must be a clone of it)")
	runCmd.Flags().String("team", "", "team name")
	runCmd.Flags().String("leader", "", "team leader name")
	runCmd.Flags().String("workspace", "", "path to the local clone")
	runCmd.Flags().String("format", "text", "Output format: text or json")
	runCmd.Flags().String("run-id", "", "run id (default: random UUID)")
	runCmd.Flags().String("project-type", "", "override project detection: node, python, java, go, rust, docker")
	for _, f := range []string{"repo", "team", "leader", "workspace"} {
		_ = runCmd.MarkFlagRequired(f)
	}
}
