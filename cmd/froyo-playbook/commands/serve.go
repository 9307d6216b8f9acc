package commands

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/openfroyo/playbooks/pkg/config"
	"github.com/openfroyo/playbooks/pkg/ingest"
	"github.com/openfroyo/playbooks/pkg/policy"
	"github.com/openfroyo/playbooks/pkg/telemetry"
)

func newServeCommand() *cobra.Command {
	var (
		events   bool
		minLevel string
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the alert evaluation service",
		Long: `Run the alert evaluation service.

The service:
  - Subscribes to alerts on NATS when ingest is enabled
  - Evaluates each alert against the bindings and dispatches admitted runs
  - Serves Prometheus metrics
  - Keeps bindings in sync with bindings_file when set
  - Reloads policies on change when policy.watch is set

On SIGINT or SIGTERM, ingestion stops and in-flight runs are given
shutdown_timeout to finish.`,
		Example: `  froyo-playbook serve -c froyo.yaml
  NATS_URL=nats://nats:4222 froyo-playbook serve -c froyo.yaml --events`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			cfg.Telemetry.ServiceVersion = buildVersion
			return serve(cmd.Context(), cfg, events, minLevel)
		},
	}

	cmd.Flags().BoolVar(&events, "events", false, "stream run events to stdout as JSON lines")
	cmd.Flags().StringVar(&minLevel, "events-level", telemetry.EventLevelInfo, "minimum level of streamed events")
	return cmd
}

func serve(ctx context.Context, cfg *config.Config, events bool, minLevel string) error {
	tel, err := telemetry.NewTelemetry(&cfg.Telemetry)
	if err != nil {
		return fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	ctx = tel.WithContext(ctx)
	logger := tel.Logger.Zerolog()

	if events {
		tel.Events.Subscribe(telemetry.WriterSubscriber(os.Stdout), telemetry.FilterByLevel(minLevel))
	}

	a, err := openApp(ctx, cfg, tel)
	if err != nil {
		_ = tel.Shutdown(context.Background())
		return err
	}
	defer a.store.Close()

	if err := tel.StartMetricsServer(); err != nil {
		_ = tel.Shutdown(context.Background())
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		<-gctx.Done()
		return nil
	})

	if cfg.Ingest.Enabled {
		sub := ingest.NewSubscriber(cfg.Ingest, a.svc,
			ingest.WithLogger(logger),
			ingest.WithMetrics(tel.Metrics))
		g.Go(func() error {
			return sub.Run(gctx)
		})
	}

	if cfg.BindingsFile != "" {
		watcher := config.NewBindingsWatcher(a.svc.Parser(), cfg.BindingsFile, a.svc.SyncBindings, logger)
		g.Go(func() error {
			return watcher.Run(gctx)
		})
	}

	if cfg.Policy.Watch && len(cfg.Policy.Paths) > 0 {
		loader := policy.NewLoader(logger)
		err := loader.Watch(gctx, cfg.Policy.Paths, func(policies []policy.Policy) error {
			return a.policy.ReplacePolicies(gctx, policies)
		})
		if err != nil {
			logger.Warn().Err(err).Msg("Policy watching disabled")
		}
	}

	logger.Info().
		Bool("ingest", cfg.Ingest.Enabled).
		Str("bindings_file", cfg.BindingsFile).
		Bool("policy_watch", cfg.Policy.Watch).
		Msg("Playbook service started")

	runErr := g.Wait()

	logger.Info().Dur("timeout", cfg.ShutdownTimeout).Msg("Waiting for in-flight runs")
	if !a.svc.WaitTimeout(cfg.ShutdownTimeout) {
		logger.Warn().Msg("In-flight runs did not finish before shutdown")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := tel.Shutdown(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("Telemetry shutdown incomplete")
	}

	logger.Info().Msg("Playbook service stopped")
	return runErr
}
