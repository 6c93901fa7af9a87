package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/dreamware/orchestrator/internal/cloud"
	"github.com/dreamware/orchestrator/internal/config"
	"github.com/dreamware/orchestrator/internal/events"
	"github.com/dreamware/orchestrator/internal/metrics"
	"github.com/dreamware/orchestrator/internal/pool"
	"github.com/dreamware/orchestrator/internal/tracing"
)

const shutdownTimeout = 5 * time.Second

func newServeCmd() *cobra.Command {
	var configPath string
	def := config.Default()

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the orchestrator HTTP service",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(configPath, cmd.Flags(), os.LookupEnv)
			if err != nil {
				return err
			}
			log, err := newLogger(cfg.LogLevel, cfg.LogDev)
			if err != nil {
				return err
			}
			defer func() { _ = log.Sync() }()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runServe(ctx, cfg, log)
		},
	}

	f := cmd.Flags()
	f.StringVarP(&configPath, "config", "c", "", "YAML config file")
	f.String("listen", def.Listen, "HTTP listen address")
	f.String("group", def.Group, "Auto Scaling group name")
	f.String("region", def.Region, "AWS region")
	f.Int("buffer-target", def.BufferTarget, "idle machines to keep warm")
	f.Int("max-capacity", def.MaxCapacity, "upper bound on desired capacity (0 = none)")
	f.Duration("reconcile-interval", def.ReconcileInterval, "time between reconciliation passes")
	f.Duration("call-timeout", def.CallTimeout, "timeout for each cloud call")
	f.String("address-kind", def.AddressKind, "address handed out: public or private")
	f.String("nats-url", def.NATSURL, "NATS server for pool events (empty = off)")
	f.String("nats-subject", def.NATSSubject, "NATS subject for pool events")
	f.String("log-level", def.LogLevel, "log level")
	f.Bool("log-dev", def.LogDev, "human-readable development logs")
	f.Bool("trace", def.Trace, "write trace spans to stderr")
	return cmd
}

// loadConfig layers flags the user set explicitly over config.Load.
func loadConfig(path string, flags *pflag.FlagSet, lookup func(string) (string, bool)) (config.Config, error) {
	cfg, err := config.Load(path, lookup)
	if err != nil {
		return config.Config{}, err
	}

	var errs []error
	str := func(name string, dst *string) {
		if flags.Changed(name) {
			v, err := flags.GetString(name)
			errs = append(errs, err)
			*dst = v
		}
	}
	num := func(name string, dst *int) {
		if flags.Changed(name) {
			v, err := flags.GetInt(name)
			errs = append(errs, err)
			*dst = v
		}
	}
	dur := func(name string, dst *time.Duration) {
		if flags.Changed(name) {
			v, err := flags.GetDuration(name)
			errs = append(errs, err)
			*dst = v
		}
	}
	boolean := func(name string, dst *bool) {
		if flags.Changed(name) {
			v, err := flags.GetBool(name)
			errs = append(errs, err)
			*dst = v
		}
	}

	str("listen", &cfg.Listen)
	str("group", &cfg.Group)
	str("region", &cfg.Region)
	num("buffer-target", &cfg.BufferTarget)
	num("max-capacity", &cfg.MaxCapacity)
	dur("reconcile-interval", &cfg.ReconcileInterval)
	dur("call-timeout", &cfg.CallTimeout)
	str("address-kind", &cfg.AddressKind)
	str("nats-url", &cfg.NATSURL)
	str("nats-subject", &cfg.NATSSubject)
	str("log-level", &cfg.LogLevel)
	boolean("log-dev", &cfg.LogDev)
	boolean("trace", &cfg.Trace)

	if err := errors.Join(errs...); err != nil {
		return config.Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return config.Config{}, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func newLogger(level string, dev bool) (*zap.Logger, error) {
	lvl, err := zap.ParseAtomicLevel(level)
	if err != nil {
		return nil, fmt.Errorf("log level: %w", err)
	}
	zc := zap.NewProductionConfig()
	if dev {
		zc = zap.NewDevelopmentConfig()
	}
	zc.Level = lvl
	return zc.Build()
}

// service is the wired pool behind the HTTP API.
type service struct {
	registry   *pool.Registry
	reconciler *pool.Reconciler
	engine     *pool.Engine
	handler    http.Handler
}

func newService(cfg config.Config, group cloud.InstanceGroup, describer cloud.Describer, log *zap.Logger, reg *prometheus.Registry, notifier pool.Notifier) (*service, error) {
	kind, err := cloud.ParseAddressKind(cfg.AddressKind)
	if err != nil {
		return nil, err
	}
	m := metrics.New(reg)
	registry := pool.NewRegistry()

	rec := pool.NewReconciler(registry, group, describer, pool.ReconcilerOptions{
		Interval:    cfg.ReconcileInterval,
		Timeout:     cfg.CallTimeout,
		AddressKind: kind,
		Logger:      log,
		Metrics:     m,
		Notifier:    notifier,
	})
	engine := pool.NewEngine(registry, group, pool.EngineOptions{
		BufferTarget: cfg.BufferTarget,
		MaxCapacity:  cfg.MaxCapacity,
		Timeout:      cfg.CallTimeout,
		Logger:       log,
		Metrics:      m,
		Notifier:     notifier,
	})

	return &service{
		registry:   registry,
		reconciler: rec,
		engine:     engine,
		handler:    newServer(engine, log.Named("http"), reg).routes(),
	}, nil
}

func runServe(ctx context.Context, cfg config.Config, log *zap.Logger) error {
	if cfg.Trace {
		shutdown, err := tracing.Init("orchestrator", version, os.Stderr)
		if err != nil {
			return err
		}
		defer func() { _ = shutdown(context.Background()) }()
	}

	group, err := cloud.NewAWSGroup(ctx, cloud.AWSOptions{
		Region:    cfg.Region,
		AccessKey: cfg.AccessKey,
		SecretKey: cfg.SecretKey,
		Group:     cfg.Group,
	})
	if err != nil {
		return err
	}

	var notifier pool.Notifier
	if cfg.NATSURL != "" {
		pub, err := events.Connect(cfg.NATSURL, log.Named("events"))
		if err != nil {
			log.Warn("pool events disabled", zap.Error(err))
		} else {
			defer pub.Close()
			notifier = events.NewEmitter(pub, cfg.NATSSubject)
		}
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	svc, err := newService(cfg, group, group, log, reg, notifier)
	if err != nil {
		return err
	}

	svc.reconciler.Start(ctx)
	defer svc.reconciler.Stop()

	httpSrv := &http.Server{
		Addr:              cfg.Listen,
		Handler:           svc.handler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("orchestrator listening",
			zap.String("addr", cfg.Listen),
			zap.String("group", cfg.Group),
			zap.String("region", cfg.Region),
			zap.Int("buffer_target", cfg.BufferTarget),
		)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("listen %s: %w", cfg.Listen, err)
		}
		return nil
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		log.Warn("http shutdown", zap.Error(err))
	}
	svc.engine.Flush()
	log.Info("orchestrator stopped")
	return nil
}
