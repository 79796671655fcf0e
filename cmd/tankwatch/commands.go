package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"tankwatch/internal/api"
	"tankwatch/internal/config"
	"tankwatch/internal/engine"
	"tankwatch/internal/ingest"
	"tankwatch/internal/logging"
	"tankwatch/internal/metrics"
	"tankwatch/internal/notify"
	"tankwatch/internal/storage"
)

var version = "dev"

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "tankwatch",
		Short:         "Live gas monitoring and latched alarms for ship confined spaces",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(newServeCmd(), newValidateCmd(), newConfigCmd())
	return root
}

func newServeCmd() *cobra.Command {
	var path string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run ingestion, the alarm engine and the operator API",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx, config.ResolvePath(path))
		},
	}
	cmd.Flags().StringVarP(&path, "config", "c", "config.yaml", "Path to the config file")
	return cmd
}

func newValidateCmd() *cobra.Command {
	var path string
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Check a config file and exit",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(config.ResolvePath(path))
			if err != nil {
				return fmt.Errorf("invalid config: %w", err)
			}
			tanks := 0
			for _, ship := range cfg.Fleet.Ships {
				tanks += len(ship.Tanks)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "config ok: %d ships, %d tanks\n", len(cfg.Fleet.Ships), tanks)
			return nil
		},
	}
	cmd.Flags().StringVarP(&path, "config", "c", "config.yaml", "Path to the config file")
	return cmd
}

func newConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Config file helpers",
	}
	var out string
	var force bool
	initCmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default config file",
		RunE: func(cmd *cobra.Command, _ []string) error {
			out = config.ResolvePath(out)
			if _, err := os.Stat(out); err == nil && !force {
				return fmt.Errorf("%s already exists, use --force to overwrite", out)
			}
			if err := config.Save(out, config.DefaultConfig()); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote %s\n", out)
			return nil
		},
	}
	initCmd.Flags().StringVarP(&out, "out", "o", "config.yaml", "Destination path")
	initCmd.Flags().BoolVar(&force, "force", false, "Overwrite an existing file")
	cmd.AddCommand(initCmd)
	return cmd
}

func serve(ctx context.Context, path string) error {
	mgr, err := config.NewManager(path)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	cfg := mgr.Get()
	logger := logging.NewLogger(cfg.LogLevel)
	logger.Info("starting tankwatch", "version", version, "config", path, "ships", len(cfg.Fleet.Ships))

	store, err := storage.Open(cfg)
	if err != nil {
		return fmt.Errorf("open storage: %w", err)
	}
	defer store.Close()
	if err := store.Init(ctx); err != nil {
		return fmt.Errorf("init storage: %w", err)
	}

	m := metrics.New(prometheus.DefaultRegisterer)
	notifier, err := notify.New(cfg.Notify, logger)
	if err != nil {
		return fmt.Errorf("notifier: %w", err)
	}

	eng := engine.New(cfg, engine.Options{
		Logger:   logger,
		Metrics:  m,
		Store:    store,
		Notifier: notifier,
	})
	if err := eng.Restore(ctx); err != nil {
		return fmt.Errorf("restore state: %w", err)
	}

	q := ingest.NewQueue(cfg.Ingest.Queue, m, logger)
	ingest.StartREST(ctx, cfg.Ingest.REST, q, logger)
	ingest.StartKafka(ctx, cfg.Ingest.Kafka, q, logger)
	// The MQTT client disconnects itself once ctx is done.
	if _, err := ingest.StartMQTT(ctx, cfg.Ingest.MQTT, q, logger); err != nil {
		return fmt.Errorf("mqtt: %w", err)
	}
	api.Start(ctx, cfg.API, api.NewServer(eng, mgr, prometheus.DefaultGatherer, logger, version), logger)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return eng.Run(gctx, q.Shards())
	})
	g.Go(func() error {
		notifier.Run(gctx)
		return nil
	})
	g.Go(func() error {
		mgr.Watch(0, func(next *config.Config) {
			eng.UpdateConfig(next)
			logger.Info("config reloaded", "ships", len(next.Fleet.Ships))
		}, func(err error) {
			logger.Warn("config reload failed", "err", err)
		}, gctx.Done())
		return nil
	})

	err = g.Wait()
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	logger.Info("tankwatch stopped")
	return nil
}
