package commands

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/openfroyo/playbooks/pkg/config"
	"github.com/openfroyo/playbooks/pkg/draft"
	"github.com/openfroyo/playbooks/pkg/policy"
	"github.com/openfroyo/playbooks/pkg/service"
	"github.com/openfroyo/playbooks/pkg/steps"
	"github.com/openfroyo/playbooks/pkg/stores"
	"github.com/openfroyo/playbooks/pkg/telemetry"
)

var (
	// Global flags
	configPath string
	dbPath     string
	actor      string
	jsonOutput bool

	buildVersion = "dev"
)

// errFindings signals that a command printed blocking findings.
var errFindings = errors.New("validation reported errors")

// ExitCode maps a command error to a process exit code.
func ExitCode(err error) int {
	if errors.Is(err, errFindings) {
		return 2
	}
	return 1
}

// Execute runs the root command
func Execute(ctx context.Context, version, commit, buildDate string) error {
	buildVersion = version
	rootCmd := newRootCommand(version, commit, buildDate)
	return rootCmd.ExecuteContext(ctx)
}

func newRootCommand(version, commit, buildDate string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "froyo-playbook",
		Short: "Playbook automation engine for security alerts",
		Long: `froyo-playbook authors, versions and runs security automation playbooks.

Playbooks are directed graphs of lookup, HTTP, matching, branching and output
steps. Published versions are bound to alert rules; bindings decide whether a
matching alert is suggested, dry-run or executed, within per-binding rate,
concurrency and daily quota limits.`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file path")
	rootCmd.PersistentFlags().StringVar(&dbPath, "db", "", "SQLite database path (overrides config)")
	rootCmd.PersistentFlags().StringVar(&actor, "actor", "cli", "actor recorded in the audit trail")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "output in JSON format")

	rootCmd.AddCommand(newValidateCommand())
	rootCmd.AddCommand(newCreateCommand())
	rootCmd.AddCommand(newPublishCommand())
	rootCmd.AddCommand(newRollbackCommand())
	rootCmd.AddCommand(newVersionsCommand())
	rootCmd.AddCommand(newListCommand())
	rootCmd.AddCommand(newTestRunCommand())
	rootCmd.AddCommand(newRunCommand())
	rootCmd.AddCommand(newImportCommand())
	rootCmd.AddCommand(newExportCommand())
	rootCmd.AddCommand(newDOTCommand())
	rootCmd.AddCommand(newBindingCommand())
	rootCmd.AddCommand(newEvaluateCommand())
	rootCmd.AddCommand(newRunsCommand())
	rootCmd.AddCommand(newDraftCommand())
	rootCmd.AddCommand(newServeCommand())

	return rootCmd
}

// loadConfig loads the config file and applies the --db flag.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	if dbPath != "" {
		cfg.Database.Path = dbPath
	}
	return cfg, nil
}

// app holds the collaborators opened by a command.
type app struct {
	cfg    *config.Config
	store  *stores.SQLiteStore
	policy *policy.Engine
	svc    *service.Service
	tel    *telemetry.Telemetry
	logger zerolog.Logger
}

// openApp opens the store and assembles the service. With tel set, the service
// reports through it; otherwise the global logger is used.
func openApp(ctx context.Context, cfg *config.Config, tel *telemetry.Telemetry) (*app, error) {
	logger := log.Logger
	if tel != nil {
		logger = tel.Logger.Zerolog()
	}

	store, err := stores.NewSQLiteStore(cfg.Database)
	if err != nil {
		return nil, err
	}
	if err := store.Init(ctx); err != nil {
		return nil, err
	}
	if err := store.Migrate(ctx); err != nil {
		_ = store.Close()
		return nil, err
	}

	pol, err := policy.NewEngine(logger, policy.WithData(cfg.PolicyData()))
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	if len(cfg.Policy.Paths) > 0 {
		if err := pol.LoadPolicies(ctx, cfg.Policy.Paths); err != nil {
			_ = store.Close()
			return nil, err
		}
	}

	lookups := steps.NewRemoteLookup(cfg.Lookups, nil)
	registry := steps.NewDefaultRegistry(cfg.Steps, lookups.Providers())

	opts := service.Options{
		Store:            store,
		Capabilities:     registry,
		Policy:           pol,
		Telemetry:        tel,
		Logger:           logger,
		VersionCacheSize: cfg.VersionCacheSize,
	}
	if cfg.Draft.APIKey != "" {
		gen, err := draft.NewOpenAIGenerator(draft.OpenAIConfig{
			APIKey:  cfg.Draft.APIKey,
			BaseURL: cfg.Draft.BaseURL,
			Model:   cfg.Draft.Model,
			Timeout: cfg.Draft.Timeout,
		}, logger)
		if err != nil {
			_ = store.Close()
			return nil, err
		}
		opts.Drafts = draft.NewService(gen, logger)
	}

	svc, err := service.New(opts)
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	return &app{cfg: cfg, store: store, policy: pol, svc: svc, tel: tel, logger: logger}, nil
}

// withApp loads the config, opens the app, runs fn and closes the store.
func withApp(ctx context.Context, fn func(*app) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	a, err := openApp(ctx, cfg, nil)
	if err != nil {
		return err
	}
	defer a.store.Close()
	return fn(a)
}
