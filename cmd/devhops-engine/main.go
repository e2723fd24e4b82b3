package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/devhops/devhops-engine/internal/api"
	"github.com/devhops/devhops-engine/internal/cache"
	"github.com/devhops/devhops-engine/internal/config"
	"github.com/devhops/devhops-engine/internal/engine"
	"github.com/devhops/devhops-engine/internal/httpapi"
	"github.com/devhops/devhops-engine/internal/metrics"
	"github.com/devhops/devhops-engine/internal/models"
	"github.com/devhops/devhops-engine/internal/repo"
	"github.com/devhops/devhops-engine/internal/scheduler"
	"github.com/devhops/devhops-engine/internal/services"
	"github.com/devhops/devhops-engine/internal/servicestore"
	"github.com/devhops/devhops-engine/internal/snapshot"
	"github.com/devhops/devhops-engine/internal/telemetry"
	"github.com/devhops/devhops-engine/internal/tracing"
	"github.com/devhops/devhops-engine/internal/utils"
	"github.com/devhops/devhops-engine/internal/ws"
)

func main() {
	var configPath string
	flag.StringVar(&configPath, "config", "", "Path to configuration file")
	flag.Parse()
	if configPath == "" {
		configPath = os.Getenv(config.EnvPrefix + "CONFIG")
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		slog.Error("failed to load config", slog.String("path", configPath), slog.Any("error", err))
		os.Exit(1)
	}

	logger := utils.NewLogger(cfg.Logging.Level, cfg.Logging.JSON)
	logger.Info("starting devhops-engine",
		slog.String("http_address", cfg.Server.HTTPAddress),
		slog.String("grpc_address", cfg.Server.GRPCAddress),
		slog.String("storage", cfg.Storage.Driver))

	if err := run(configPath, cfg, logger); err != nil {
		logger.Error("devhops-engine failed", slog.Any("error", err))
		os.Exit(1)
	}
	logger.Info("devhops-engine stopped")
}

func run(configPath string, cfg *config.Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := tracing.Setup(ctx, tracing.Options{
		Enabled:     cfg.Tracing.Enabled,
		Endpoint:    cfg.Tracing.Endpoint,
		Insecure:    cfg.Tracing.Insecure,
		ServiceName: cfg.Tracing.ServiceName,
		SampleRatio: cfg.Tracing.SampleRatio,
	})
	if err != nil {
		return err
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(flushCtx); err != nil {
			logger.Warn("tracing shutdown", slog.Any("error", err))
		}
	}()

	if err := metrics.Register(prometheus.DefaultRegisterer); err != nil {
		return err
	}

	cacheProvider := openCache(ctx, cfg.Cache, logger)
	defer cacheProvider.Close()

	serviceStore, err := openServiceStore(cfg.Storage)
	if err != nil {
		return err
	}
	defer serviceStore.Close()
	seedServices(ctx, serviceStore, cfg.Services, logger)

	samples, err := telemetry.NewStore(telemetry.Options{
		MaxSamples: cfg.Telemetry.MaxSamples,
		MaxAge:     cfg.Telemetry.MaxAge,
	})
	if err != nil {
		return err
	}
	registry := snapshot.NewRegistry(cfg.Scheduler.ResolvedHistory)

	pipeline, err := buildPipeline(cfg, logger)
	if err != nil {
		return err
	}

	sched, err := scheduler.New(logger, scheduler.Deps{
		Store:    samples,
		Registry: registry,
		Services: serviceStore,
		Metrics:  repo.NewMetricsClient(cfg.Sources.MetricsTimeout, cfg.Sources.Prometheus),
		Deployments: repo.NewDeploymentClient(
			cfg.Sources.DeploymentsBaseURL,
			cfg.Sources.DeploymentsPath,
			cfg.Sources.DeploymentsTimeout,
			cacheProvider,
			cfg.Sources.DeploymentsCacheTTL,
		),
		Pipeline: pipeline,
	}, scheduler.Options{
		Interval:     cfg.Scheduler.Interval,
		FetchTimeout: cfg.Scheduler.FetchTimeout,
		SyncInterval: cfg.Scheduler.SyncInterval,
		RateLimit:    cfg.Scheduler.RateLimit,
		Burst:        cfg.Scheduler.Burst,
		Window:       cfg.Scheduler.Window,
	})
	if err != nil {
		return err
	}

	var handler *httpapi.Handler
	hub := ws.New(logger, func() any {
		views, err := handler.ServiceViews(context.Background())
		if err != nil {
			logger.Warn("build live snapshot failed", slog.Any("error", err))
			return []httpapi.ServiceView{}
		}
		return views
	}, cfg.Server.BroadcastInterval, cfg.Server.CORSOrigins)
	handler = httpapi.New(logger, httpapi.Deps{
		Services:  serviceStore,
		Snapshots: registry,
		Telemetry: samples,
		Scheduler: sched,
		Live:      hub,
	}, cfg.Server.CORSOrigins)

	go func() {
		if err := sched.Run(ctx); err != nil {
			logger.Error("scheduler exited", slog.Any("error", err))
			stop()
		}
	}()
	go hub.Run(ctx)

	if configPath != "" {
		go func() {
			err := config.Watch(ctx, configPath, logger, func(next *config.Config) {
				reloaded, err := buildPipeline(next, logger)
				if err != nil {
					logger.Error("analysis reload rejected", slog.Any("error", err))
					return
				}
				sched.SetPipeline(reloaded)
				logger.Info("analysis configuration applied")
			})
			if err != nil {
				logger.Warn("config watch disabled", slog.Any("error", err))
			}
		}()
	}

	var grpcServer *api.Server
	if cfg.Server.GRPCAddress != "" {
		grpcServer, err = api.NewServer(cfg.Server.GRPCAddress, services.NewIntelligenceService(logger, registry, sched), logger)
		if err != nil {
			return err
		}
		go func() {
			if serveErr := grpcServer.Serve(); serveErr != nil {
				logger.Error("gRPC server exited", slog.Any("error", serveErr))
				stop()
			}
		}()
	}

	var httpServer *http.Server
	if cfg.Server.HTTPAddress != "" {
		httpServer = &http.Server{
			Addr:              cfg.Server.HTTPAddress,
			Handler:           handler,
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			logger.Info("http server listening", slog.String("address", cfg.Server.HTTPAddress))
			if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("http server exited", slog.Any("error", err))
				stop()
			}
		}()
	}

	var metricsServer *http.Server
	if cfg.Server.MetricsAddress != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		metricsServer = &http.Server{
			Addr:         cfg.Server.MetricsAddress,
			Handler:      mux,
			ReadTimeout:  5 * time.Second,
			WriteTimeout: 15 * time.Second,
		}
		go func() {
			logger.Info("metrics server listening", slog.String("address", cfg.Server.MetricsAddress))
			if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("metrics server exited", slog.Any("error", err))
				stop()
			}
		}()
	}

	<-ctx.Done()
	logger.Info("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.GracefulTimeout)
	defer cancel()
	if grpcServer != nil {
		grpcServer.Shutdown(shutdownCtx)
	}
	for _, srv := range []*http.Server{httpServer, metricsServer} {
		if srv == nil {
			continue
		}
		if err := srv.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Warn("http shutdown", slog.String("address", srv.Addr), slog.Any("error", err))
		}
	}
	return nil
}

func buildPipeline(cfg *config.Config, logger *slog.Logger) (*engine.Pipeline, error) {
	rules, err := engine.NewRuleEngine(cfg.Rules.Path, logger)
	if err != nil {
		return nil, err
	}
	return engine.NewPipeline(logger, cfg.Analysis, rules)
}

func openServiceStore(cfg config.StorageConfig) (servicestore.Store, error) {
	if cfg.Driver == "sqlite" {
		return servicestore.OpenSQLite(cfg.Path)
	}
	return servicestore.NewMemoryStore(), nil
}

func seedServices(ctx context.Context, store servicestore.Store, seeds []config.ServiceSeed, logger *slog.Logger) {
	for _, seed := range seeds {
		service, err := servicestore.Prepare(models.Service{
			ID:         seed.ID,
			Name:       seed.Name,
			MetricsURL: seed.MetricsURL,
			RepoURL:    seed.RepoURL,
		}, time.Now())
		if err != nil {
			logger.Warn("skipping invalid service seed", slog.String("name", seed.Name), slog.Any("error", err))
			continue
		}
		if _, err := store.Create(ctx, service); err != nil {
			if errors.Is(err, servicestore.ErrAlreadyExists) {
				logger.Debug("service seed already registered", slog.String("name", service.Name))
				continue
			}
			logger.Warn("service seed failed", slog.String("name", service.Name), slog.Any("error", err))
			continue
		}
		logger.Info("service seeded", slog.String("service_id", service.ID), slog.String("name", service.Name))
	}
}

func openCache(ctx context.Context, cfg config.CacheConfig, logger *slog.Logger) cache.Provider {
	if !cfg.Enabled {
		return cache.NoopProvider{}
	}
	if cfg.Addr == "" {
		return cache.NewMemoryProvider()
	}
	provider, err := cache.NewValkeyProvider(ctx, cache.ValkeyConfig{
		Addr:         cfg.Addr,
		Username:     cfg.Username,
		Password:     cfg.Password,
		DB:           cfg.DB,
		TLS:          cfg.TLS,
		KeyPrefix:    cfg.KeyPrefix,
		PoolSize:     cfg.PoolSize,
		ReadTimeout:  cfg.Timeout,
		WriteTimeout: cfg.Timeout,
		MaxRetries:   2,
	})
	if err != nil {
		logger.Warn("shared cache unavailable, using in-process cache", slog.String("addr", cfg.Addr), slog.Any("error", err))
		return cache.NewMemoryProvider()
	}
	logger.Info("shared cache connected", slog.String("addr", cfg.Addr))
	return provider
}
