package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/lucasnoah/cihealer/internal/format"
	"github.com/lucasnoah/cihealer/internal/logparse"
	"github.com/lucasnoah/cihealer/internal/model"
)

type parsedBug struct {
	model.BugReport
	ReportLine string `json:"report_line"`
}

var parseCmd = &cobra.Command{
	Use:   "parse FILE",
	Short: "Parse a build log and print the bugs it reports",
	Long: `Parse a build or test log (use - for stdin) and print every bug report
it yields, with the canonical line an accepted fix would produce.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, _, err := loadConfig()
		if err != nil {
			return err
		}
		var data []byte
		if args[0] == "-" {
			data, err = io.ReadAll(cmd.InOrStdin())
		} else {
			data, err = os.ReadFile(args[0])
		}
		if err != nil {
			return fmt.Errorf("read log: %w", err)
		}

		projectType, _ := cmd.Flags().GetString("project-type")
		workspace, _ := cmd.Flags().GetString("workspace")
		bugs := logparse.Parse(string(data), logparse.Options{
			Workspace:   workspace,
			ProjectType: projectType,
			Ignore:      cfg.Parser.Ignore,
		})

		out := make([]parsedBug, 0, len(bugs))
		for _, b := range bugs {
			line, err := format.Report(b, "")
			if err != nil {
				return err
			}
			out = append(out, parsedBug{BugReport: b, ReportLine: line})
		}

		w := cmd.OutOrStdout()
		if f, _ := cmd.Flags().GetString("format"); f == "json" {
			data, _ := json.MarshalIndent(out, "", "  ")
			fmt.Fprintln(w, string(data))
			return nil
		}
		if len(out) == 0 {
			fmt.Fprintln(w, "No bugs found.")
			return nil
		}
		for _, b := range out {
			fmt.Fprintf(w, "%s  %s", b.Location(), b.ErrorType)
			if b.SubType != "" {
				fmt.Fprintf(w, "/%s", b.SubType)
			}
			fmt.Fprintf(w, "  %s\n", b.Message)
			fmt.Fprintf(w, "  %s\n", b.ReportLine)
		}
		return nil
	},
}

func init() {
	parseCmd.Flags().String("format", "text", "Output format: text or json")
	parseCmd.Flags().String("project-type", "", "restrict signatures to one project type")
	parseCmd.Flags().String("workspace", "", "host path stripped from absolute file paths")
}
