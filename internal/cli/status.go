package cli

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/spf13/cobra"
)

var statusCmd = &cobra.Command{
	Use:   "status [run-id]",
	Short: "Show the state of a run, or list all runs",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, _, err := loadConfig()
		if err != nil {
			return err
		}
		store, err := openRunStore(cfg)
		if err != nil {
			return fmt.Errorf("store: %w", err)
		}
		format, _ := cmd.Flags().GetString("format")
		w := cmd.OutOrStdout()

		if len(args) == 0 {
			filter, _ := cmd.Flags().GetString("status")
			runs, err := store.List(strings.ToUpper(filter))
			if err != nil {
				return err
			}
			if format == "json" {
				data, _ := json.MarshalIndent(runs, "", "  ")
				fmt.Fprintln(w, string(data))
				return nil
			}
			if len(runs) == 0 {
				fmt.Fprintln(w, "No runs found.")
				return nil
			}
			printRunTable(w, runs)
			return nil
		}

		st, err := store.Get(args[0])
		if err != nil {
			return err
		}
		if format == "json" {
			data, _ := json.MarshalIndent(st, "", "  ")
			fmt.Fprintln(w, string(data))
			return nil
		}
		printState(w, st)
		return nil
	},
}

func init() {
	statusCmd.Flags().String("format", "text", "Output format: text or json")
	statusCmd.Flags().String("status", "", "when listing, only show runs with this status")
}
