package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/lucasnoah/cihealer/internal/config"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Validate and inspect healer configuration",
}

var configValidateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate the configuration file",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, path, err := loadConfig()
		if err != nil {
			return err
		}
		cmd.Println("Using", describeSource(path))

		errs := config.Validate(cfg)
		if len(errs) == 0 {
			cmd.Println("Configuration is valid.")
			return nil
		}

		cmd.Println("Validation errors:")
		for _, e := range errs {
			cmd.Printf("  - %s\n", e)
		}
		return fmt.Errorf("config has %d validation error(s)", len(errs))
	},
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show the resolved configuration with defaults and overrides merged",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, path, err := loadConfig()
		if err != nil {
			return err
		}

		data, err := cfg.Redacted().Marshal()
		if err != nil {
			return fmt.Errorf("marshalling config: %w", err)
		}

		cmd.Printf("# %s\n", describeSource(path))
		cmd.Print(string(data))
		return nil
	},
}

func describeSource(path string) string {
	if path == "" {
		return "built-in defaults (no " + config.FileName + " found)"
	}
	return path
}

func init() {
	configCmd.AddCommand(configValidateCmd)
	configCmd.AddCommand(configShowCmd)
}
