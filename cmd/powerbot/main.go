package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"
	_ "time/tzdata"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/slack-go/slack"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/devghori1264/aerophoenix/powerbot/internal/api"
	"github.com/devghori1264/aerophoenix/powerbot/internal/chat"
	"github.com/devghori1264/aerophoenix/powerbot/internal/cloud"
	"github.com/devghori1264/aerophoenix/powerbot/internal/config"
	natsclient "github.com/devghori1264/aerophoenix/powerbot/internal/nats"
	"github.com/devghori1264/aerophoenix/powerbot/internal/reconciler"
	"github.com/devghori1264/aerophoenix/powerbot/internal/render"
	"github.com/devghori1264/aerophoenix/powerbot/internal/scheduler"
	"github.com/devghori1264/aerophoenix/powerbot/internal/storage"
	"github.com/devghori1264/aerophoenix/powerbot/internal/telemetry"
)

type rootOptions struct {
	configPath string
	debug      bool
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	root := &cobra.Command{
		Use:           "powerbot",
		Short:         "Slack bot that shows and toggles the power state of the test servers",
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	root.PersistentFlags().StringVar(&opts.configPath, "config", "", "optional YAML config file (environment wins)")
	root.PersistentFlags().BoolVar(&opts.debug, "debug", false, "development logging")

	root.AddCommand(newServeCmd(opts), newValidateCmd(opts))
	return root
}

func newLogger(debug bool) (*zap.Logger, error) {
	if debug {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

func loadConfig(opts *rootOptions) (*config.Config, error) {
	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func newValidateCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Check the configuration and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(opts)
			if err != nil {
				return err
			}
			for _, l := range cfg.Layouts() {
				fmt.Fprintf(cmd.OutOrStdout(), "%s -> channel %q, %d row(s)\n", l.Name, l.Channel, len(l.Rows))
			}
			return nil
		},
	}
}

func newServeCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the bot",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger, err := newLogger(opts.debug)
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()

			cfg, err := loadConfig(opts)
			if err != nil {
				logger.Error("config", zap.Error(err))
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg, logger)
		},
	}
}

func serve(ctx context.Context, cfg *config.Config, logger *zap.Logger) error {
	shutdownTracing, err := telemetry.SetupTracing(cfg.TraceStdout, os.Stdout)
	if err != nil {
		return err
	}
	defer func() { _ = shutdownTracing(context.Background()) }()

	store, err := storage.NewBadgerStore(cfg.DBPath)
	if err != nil {
		return err
	}
	defer store.Close()

	fleet, err := cloud.NewEC2FleetFromEnv(ctx, cfg.Region, logger.Named("cloud"))
	if err != nil {
		return err
	}
	messenger := chat.NewMessenger(slack.New(cfg.SlackBotToken), logger.Named("chat"))

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := telemetry.NewMetrics(registry)

	opts := reconciler.Options{
		Region:       cfg.Region,
		Layouts:      cfg.Layouts(),
		Renderer:     render.NewRenderer(cfg.DisplayLocation()),
		RecheckDelay: cfg.RecheckDelay,
		Metrics:      metrics,
		Logger:       logger.Named("reconciler"),
	}
	if cfg.NATSURL != "" {
		pub, err := natsclient.NewPublisher(cfg.NATSURL, cfg.NATSSubject, logger.Named("nats"))
		if err != nil {
			// events are advisory; run without them
			logger.Warn("nats unavailable, events disabled", zap.Error(err))
		} else {
			defer pub.Close()
			opts.Events = pub
		}
	}
	bot := reconciler.New(fleet, messenger, store, opts)

	sched, err := scheduler.New(scheduler.Config{
		Refresh:  cfg.RefreshSchedule,
		Shutdown: cfg.ShutdownSchedule,
		Location: cfg.ScheduleLocation(),
	}, bot, logger.Named("scheduler"))
	if err != nil {
		return err
	}

	handler := api.NewHandler(bot, cfg.SlackSigningSecret, logger.Named("api"))
	httpServer := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           handler.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	var health *telemetry.Health
	var grpcLis net.Listener
	if cfg.GRPCAddr != "" {
		grpcLis, err = net.Listen("tcp", cfg.GRPCAddr)
		if err != nil {
			return fmt.Errorf("listen on %s: %w", cfg.GRPCAddr, err)
		}
		health = telemetry.NewHealth(logger.Named("health"))
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("HTTP listening", zap.String("addr", httpServer.Addr))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http listen: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		return telemetry.ServeMetrics(gctx, cfg.MetricsAddr, registry, handler.AdminRoutes(), logger.Named("metrics"))
	})
	if health != nil {
		g.Go(func() error { return health.Serve(grpcLis) })
	}

	sched.Start()
	if health != nil {
		health.SetServing(true)
	}
	logger.Info("powerbot running",
		zap.String("region", cfg.Region),
		zap.Strings("instances", bot.Instances()))

	<-gctx.Done()
	logger.Info("shutdown initiated")
	if health != nil {
		health.SetServing(false)
	}
	sched.Stop()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown", zap.Error(err))
	}
	if health != nil {
		health.Stop()
	}
	handler.Wait()
	bot.Close()
	bot.Wait()

	if err := g.Wait(); err != nil {
		logger.Error("server error", zap.Error(err))
		return err
	}
	logger.Info("shutdown complete")
	return nil
}
