package cli

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/lucasnoah/cihealer/internal/config"
)

var version = "dev"

func SetVersion(v string) {
	version = v
}

var (
	configFile string
	v          = config.NewViper()
)

var rootCmd = &cobra.Command{
	Use:   "healer",
	Short: "Execution-driven CI healing agent",
	Long: `healer runs a repository's build and tests in a sandbox, parses the
failures, asks a fix provider for minimal patches, commits each accepted fix
to a dedicated branch and waits for CI, retrying until the pipeline passes,
the retry budget is spent or the global time ceiling is reached.

Run state and reports are stored in ~/.healer/ (JSON per run, SQLite for events).
Settings come from healer.yaml, HEALER_* environment variables and flags.`,
	SilenceUsage: true,
}

func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "path to healer.yaml (default: search ./, .healer/, ~/.healer/)")
	rootCmd.PersistentFlags().String("log-level", "", "log level: debug, info, warn, error")
	_ = v.BindPFlag("log.level", rootCmd.PersistentFlags().Lookup("log-level"))

	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(resultsCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(detectCmd)
	rootCmd.AddCommand(parseCmd)
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(dbCmd)
}

// resolveConfigPath returns an absolute path for the --config flag value,
// or "" when the flag is unset.
func resolveConfigPath(flagValue string) (string, error) {
	if flagValue == "" {
		return "", nil
	}
	abs, err := filepath.Abs(flagValue)
	if err != nil {
		return "", fmt.Errorf("resolve config path: %w", err)
	}
	if _, err := os.Stat(abs); err != nil {
		return "", fmt.Errorf("config file not found: %s", abs)
	}
	return abs, nil
}

// loadConfig reads the configuration named by --config, or the first one on
// the search path, then applies environment and flag overrides.
func loadConfig() (*config.Config, string, error) {
	path, err := resolveConfigPath(configFile)
	if err != nil {
		return nil, "", err
	}
	var cfg *config.Config
	if path != "" {
		cfg, err = config.Load(path)
	} else {
		cfg, path, err = config.LoadDefault()
	}
	if err != nil {
		return nil, "", err
	}
	config.ApplyOverrides(cfg, v)
	return cfg, path, nil
}
