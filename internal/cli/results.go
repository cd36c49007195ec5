package cli

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/lucasnoah/cihealer/internal/resultstore"
)

var resultsCmd = &cobra.Command{
	Use:   "results <run-id>",
	Short: "Print the final report of a run",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, _, err := loadConfig()
		if err != nil {
			return err
		}
		runs, err := openRunStore(cfg)
		if err != nil {
			return fmt.Errorf("store: %w", err)
		}
		store, err := resultstore.Open(cmd.Context(), resultstore.Options{
			Backend: cfg.Store.Backend,
			Runs:    runs,
			DSN:     cfg.Store.DSN,
		})
		if err != nil {
			return fmt.Errorf("open result store: %w", err)
		}
		defer store.Close()

		report, err := store.Get(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		if format, _ := cmd.Flags().GetString("format"); format == "text" {
			printReport(cmd.OutOrStdout(), report)
			return nil
		}
		data, _ := json.MarshalIndent(report, "", "  ")
		fmt.Fprintln(cmd.OutOrStdout(), string(data))
		return nil
	},
}

func init() {
	resultsCmd.Flags().String("format", "json", "Output format: json or text")
}
