package cli

import (
	"fmt"
	"io"
	"os"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/lucasnoah/cihealer/internal/cimonitor"
	"github.com/lucasnoah/cihealer/internal/config"
	"github.com/lucasnoah/cihealer/internal/db"
	"github.com/lucasnoah/cihealer/internal/fixer"
	"github.com/lucasnoah/cihealer/internal/gitagent"
	"github.com/lucasnoah/cihealer/internal/logging"
	"github.com/lucasnoah/cihealer/internal/orchestrator"
	"github.com/lucasnoah/cihealer/internal/pipeline"
	"github.com/lucasnoah/cihealer/internal/resultstore"
	"github.com/lucasnoah/cihealer/internal/sandbox"
)

// app holds the collaborators shared by every run a command starts.
type app struct {
	cfg     *config.Config
	log     *logging.Logger
	runs    *pipeline.Store
	results resultstore.Store
	events  *db.DB // nil when the event log is disabled or unavailable
}

func newApp(cmd *cobra.Command) (*app, error) {
	cfg, _, err := loadConfig()
	if err != nil {
		return nil, err
	}
	if errs := config.Validate(cfg); len(errs) > 0 {
		return nil, fmt.Errorf("invalid configuration: %s (see `healer config validate`)", errs[0])
	}
	a := &app{cfg: cfg, log: logging.NewLogger(cmd.ErrOrStderr(), cfg.Log.Level)}

	a.runs, err = openRunStore(cfg)
	if err != nil {
		return nil, err
	}
	if !cfg.Events.Disabled {
		database, err := openEvents(cfg)
		if err != nil {
			a.log.Warn("event log unavailable", "error", err)
		} else {
			a.events = database
		}
	}
	a.results, err = resultstore.Open(cmd.Context(), resultstore.Options{
		Backend: cfg.Store.Backend,
		Runs:    a.runs,
		DSN:     cfg.Store.DSN,
	})
	if err != nil {
		a.close()
		return nil, fmt.Errorf("open result store: %w", err)
	}
	return a, nil
}

func (a *app) close() {
	if a.results != nil {
		a.results.Close()
	}
	if a.events != nil {
		a.events.Close()
	}
}

func (a *app) eventLog() orchestrator.EventLog {
	if a.events == nil {
		return nil
	}
	return a.events
}

func openRunStore(cfg *config.Config) (*pipeline.Store, error) {
	if cfg.Store.Dir == "" {
		return pipeline.DefaultStore()
	}
	if err := os.MkdirAll(cfg.Store.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("mkdir %s: %w", cfg.Store.Dir, err)
	}
	return pipeline.NewStore(cfg.Store.Dir), nil
}

func eventsPath(cfg *config.Config) (string, error) {
	if cfg.Events.Path != "" {
		return cfg.Events.Path, nil
	}
	return db.DefaultDBPath()
}

func openEvents(cfg *config.Config) (*db.DB, error) {
	path, err := eventsPath(cfg)
	if err != nil {
		return nil, fmt.Errorf("db path: %w", err)
	}
	database, err := db.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if err := database.Migrate(); err != nil {
		database.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return database, nil
}

// newOrchestrator wires one run. It assigns req.RunID when empty so the
// provider call log and the run share the id.
func (a *app) newOrchestrator(req *orchestrator.RunRequest, projectType sandbox.ProjectType, progress io.Writer) (*orchestrator.Orchestrator, error) {
	cfg := a.cfg
	if req.RunID == "" {
		req.RunID = uuid.NewString()
	}
	log := a.log.WithRun(req.RunID)

	providers, err := buildProviders(cfg.Fix.Providers, req.Workspace)
	if err != nil {
		return nil, err
	}
	cascade := fixer.NewCascade(providers, fixer.CascadeOptions{
		CallTimeout:  cfg.Fix.CallTimeout,
		RequestDelay: cfg.Fix.RequestDelay,
		MaxFailures:  cfg.Fix.MaxFailures,
		Logger:       log,
		OnCall:       orchestrator.ProviderCallRecorder(a.eventLog(), req.RunID),
	})
	gen := fixer.NewGenerator(cascade, fixer.Options{
		ConfidenceThreshold: cfg.Fix.ConfidenceThreshold,
		MaxDiffLines:        cfg.Fix.MaxDiffLines,
		TemplateDir:         req.Workspace,
		Logger:              log,
	})

	deps := orchestrator.Deps{
		Executor: buildExecutor(cfg, log),
		Fixer:    gen,
		NewGit:   gitFactory(cfg, log),
		Monitor:  buildMonitor(cfg, req.RepoURL, log),
		Runs:     a.runs,
		Results:  a.results,
	}
	if ev := a.eventLog(); ev != nil {
		deps.Events = ev
	}
	return orchestrator.New(deps, orchestrator.Options{
		MaxRetries:             cfg.Run.MaxRetries,
		GlobalTimeout:          cfg.Run.GlobalTimeout,
		BuildTimeout:           cfg.Sandbox.BuildTimeout,
		SpeedBonusThreshold:    cfg.Run.SpeedBonusThreshold,
		CommitPenaltyThreshold: cfg.Run.CommitPenaltyThreshold,
		ProjectType:            projectType,
		Command:                cfg.Sandbox.Command,
		ParserIgnore:           cfg.Parser.Ignore,
		Logger:                 log,
		Progress:               progress,
	}), nil
}

func buildExecutor(cfg *config.Config, log *logging.Logger) *sandbox.Executor {
	images := make(map[sandbox.ProjectType]string, len(cfg.Sandbox.Images))
	for name, img := range cfg.Sandbox.Images {
		if pt, err := sandbox.ParseProjectType(name); err == nil {
			images[pt] = img
		}
	}
	return sandbox.NewExecutor(&sandbox.ExecRunner{}, sandbox.Options{
		Driver: sandbox.Driver(cfg.Sandbox.Driver),
		Docker: cfg.Sandbox.Docker,
		Images: images,
		Memory: cfg.Sandbox.Memory,
		CPUs:   cfg.Sandbox.CPUs,
		Logger: log,
	})
}

// buildProviders turns the configured chain into providers run from the
// workspace. A builtin name without a command uses the builtin CLI.
func buildProviders(pcs []config.ProviderConfig, workDir string) ([]fixer.Provider, error) {
	providers := make([]fixer.Provider, 0, len(pcs))
	for _, pc := range pcs {
		var p *fixer.CLIProvider
		if pc.Command == "" {
			builtin, ok := fixer.BuiltinProvider(pc.Name)
			if !ok {
				return nil, fmt.Errorf("provider %q: command is required for a non-builtin provider", pc.Name)
			}
			p = builtin
		} else {
			output := pc.Output
			if output == "" {
				if _, ok := fixer.BuiltinProvider(pc.Name); ok {
					output = pc.Name
				}
			}
			decode, ok := fixer.DecoderFor(output)
			if !ok {
				return nil, fmt.Errorf("provider %q: unknown output format %q", pc.Name, pc.Output)
			}
			p = fixer.NewCLIProvider(pc.Name, pc.Command, pc.Args, decode)
		}
		providers = append(providers, p.WithWorkDir(workDir).WithTimeout(pc.Timeout))
	}
	return providers, nil
}

func gitFactory(cfg *config.Config, log *logging.Logger) orchestrator.GitFactory {
	return func(workspace, branch string) (orchestrator.GitAgent, error) {
		agent, err := gitagent.New(&gitagent.ExecGit{}, gitagent.Options{
			Workspace:    workspace,
			Branch:       branch,
			Remote:       cfg.Git.Remote,
			CommitPrefix: cfg.Git.CommitPrefix,
			AuthorName:   cfg.Git.AuthorName,
			AuthorEmail:  cfg.Git.AuthorEmail,
			OpTimeout:    cfg.Git.OpTimeout,
			Logger:       log,
		})
		if err != nil {
			return nil, err
		}
		return agent, nil
	}
}

// buildMonitor polls GitHub Actions when CI is enabled and the repository
// is on GitHub; otherwise the local build result stands in for CI.
func buildMonitor(cfg *config.Config, repoURL string, log *logging.Logger) cimonitor.Monitor {
	if !cfg.CI.IsEnabled() {
		return cimonitor.NoopMonitor{}
	}
	repo, err := cimonitor.ParseRepo(repoURL)
	if err != nil {
		log.Warn("remote CI monitoring disabled", "error", err)
		return cimonitor.NoopMonitor{}
	}
	return cimonitor.NewGitHubMonitor(&cimonitor.ExecRunner{Binary: cfg.CI.GH}, cimonitor.Options{
		Repo:            repo,
		InitialInterval: cfg.CI.InitialInterval,
		MaxInterval:     cfg.CI.MaxInterval,
		WaitTimeout:     cfg.CI.WaitTimeout,
		StallPolls:      cfg.CI.StallPolls,
		Logger:          log,
	})
}
