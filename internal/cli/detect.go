package cli

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/lucasnoah/cihealer/internal/logging"
	"github.com/lucasnoah/cihealer/internal/sandbox"
)

type detectResult struct {
	ProjectType sandbox.ProjectType `json:"project_type"`
	Image       string              `json:"image"`
	Commands    sandbox.Commands    `json:"commands"`
	CI          *sandbox.CIPlan     `json:"ci,omitempty"`
	Script      string              `json:"script"`
}

var detectCmd = &cobra.Command{
	Use:   "detect DIR",
	Short: "Show the project type and sandbox commands for a workspace",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, _, err := loadConfig()
		if err != nil {
			return err
		}
		dir := args[0]
		pt := sandbox.Detect(dir)
		cmds := sandbox.CommandsFor(pt, dir)
		res := detectResult{
			ProjectType: pt,
			Image:       buildExecutor(cfg, logging.NopLogger()).Image(pt),
			Commands:    cmds,
			Script:      cmds.Shell(),
		}
		if plan := sandbox.CommandsFromCI(dir); plan != nil {
			res.CI = plan
			res.Script = plan.Shell()
		}
		if cfg.Sandbox.Command != "" {
			res.Script = cfg.Sandbox.Command
		}

		w := cmd.OutOrStdout()
		if format, _ := cmd.Flags().GetString("format"); format == "json" {
			data, _ := json.MarshalIndent(res, "", "  ")
			fmt.Fprintln(w, string(data))
			return nil
		}
		fmt.Fprintf(w, "Project type: %s\n", res.ProjectType)
		fmt.Fprintf(w, "Image:        %s\n", res.Image)
		if cmds.Install != "" {
			fmt.Fprintf(w, "Install:      %s\n", cmds.Install)
		}
		if cmds.Build != "" {
			fmt.Fprintf(w, "Build:        %s\n", cmds.Build)
		}
		fmt.Fprintf(w, "Test:         %s\n", cmds.Test)
		if res.CI != nil {
			fmt.Fprintf(w, "CI config:    %s (%d stages)\n", res.CI.Source, len(res.CI.Stages))
		}
		fmt.Fprintf(w, "Script:       %s\n", res.Script)
		return nil
	},
}

func init() {
	detectCmd.Flags().String("format", "text", "Output format: text or json")
}
