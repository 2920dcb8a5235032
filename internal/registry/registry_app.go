// Package registry assembles the control plane from its configuration.
package registry

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	corev1 "k8s.io/api/core/v1"

	"github.com/agentregistry-dev/agentplane/internal/registry/api"
	v0 "github.com/agentregistry-dev/agentplane/internal/registry/api/handlers/v0"
	"github.com/agentregistry-dev/agentplane/internal/registry/config"
	"github.com/agentregistry-dev/agentplane/internal/registry/database"
	"github.com/agentregistry-dev/agentplane/internal/registry/jobs"
	"github.com/agentregistry-dev/agentplane/internal/registry/logging"
	"github.com/agentregistry-dev/agentplane/internal/registry/provider"
	"github.com/agentregistry-dev/agentplane/internal/registry/proxy"
	"github.com/agentregistry-dev/agentplane/internal/registry/service"
	"github.com/agentregistry-dev/agentplane/internal/registry/telemetry"
	"github.com/agentregistry-dev/agentplane/internal/runtime/container"
	"github.com/agentregistry-dev/agentplane/internal/runtime/deployment"
	"github.com/agentregistry-dev/agentplane/internal/runtime/deployment/kubernetes"
	"github.com/agentregistry-dev/agentplane/internal/version"
	"github.com/agentregistry-dev/agentplane/pkg/types"
)

const (
	jobHistoryLimit    = 200
	autoRemoveProbeTTL = 5 * time.Second
)

// App runs the control plane until ctx is cancelled.
func App(ctx context.Context, opts *types.AppOptions) error {
	if opts == nil {
		opts = &types.AppOptions{}
	}
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to load .env: %w", err)
	}
	cfg, err := config.NewConfig()
	if err != nil {
		return err
	}
	if err := config.Validate(cfg); err != nil {
		return err
	}
	logging.Configure(&cfg.Logging)
	log := logging.ServiceLog

	db, err := openDatabase(ctx, cfg, opts)
	if err != nil {
		return err
	}
	defer func() {
		if err := db.Close(); err != nil {
			log.Warn("failed to close database", zap.Error(err))
		}
	}()

	manager, err := newDeploymentManager(cfg)
	if err != nil {
		return err
	}

	metrics, err := telemetry.NewMetrics()
	if err != nil {
		return fmt.Errorf("failed to create metrics: %w", err)
	}
	defer func() {
		if err := metrics.Shutdown(context.Background()); err != nil {
			log.Warn("failed to shut down metrics", zap.Error(err))
		}
	}()

	resolver := provider.NewResolver(container.NewBackend(cfg.Kubernetes.ImageRegistry), nil)
	base := service.NewRegistryService(db, manager, resolver,
		service.WithMetrics(metrics),
		service.WithDefaultAutoStopTimeout(cfg.Proxy.AutoStopTimeout),
	)
	var registrySvc service.RegistryService = base
	if opts.ServiceFactory != nil {
		registrySvc = opts.ServiceFactory(base)
	}
	if opts.OnServiceCreated != nil {
		opts.OnServiceCreated(registrySvc)
	}

	proxySvc := proxy.NewService(db, manager, proxy.Options{
		ServiceURL:        cfg.Platform.ServiceURL,
		LoopbackURL:       cfg.Platform.LoopbackURL,
		StartupTimeout:    cfg.Proxy.StartupTimeout,
		ActivationTimeout: cfg.Proxy.ActivationTimeout,
		UpstreamTimeout:   cfg.Proxy.UpstreamTimeout,
		Metrics:           metrics,
	})

	scheduler := jobs.NewScheduler(jobs.NewStore(jobHistoryLimit), metrics)
	scheduler.Add(jobs.NewIdleScaleDown(db, manager, proxySvc, metrics).Task(cfg.Jobs.IdleScaleDownInterval))
	scheduler.Add(jobs.AutoRemove(base, cfg.Jobs.AutoRemoveInterval, autoRemoveProbeTTL))
	scheduler.Add(jobs.RunRetention(base, cfg.Jobs.RunRetentionInterval, cfg.Jobs.FinishedRunRetention, cfg.Jobs.StaleRunRetention))
	if cfg.Jobs.CatalogPath != "" {
		scheduler.Add(jobs.CatalogSync(base, cfg.Jobs.CatalogPath, cfg.Jobs.CatalogSyncInterval))
	}

	var server types.Server = api.NewServer(cfg, api.ServerOptions{
		Registry:  registrySvc,
		Proxy:     proxySvc,
		Scheduler: scheduler,
		Metrics:   metrics,
		HealthCheck: func(ctx context.Context) error {
			_, err := db.GetEnv(ctx, nil)
			return err
		},
		Version: &v0.VersionBody{
			Version:   version.Version,
			GitCommit: version.GitCommit,
			BuildTime: version.BuildDate,
		},
		ExtraRoutes: opts.ExtraRoutes,
	})
	if opts.HTTPServerFactory != nil {
		server = opts.HTTPServerFactory(server, db)
	}
	if opts.OnHTTPServerCreated != nil {
		opts.OnHTTPServerCreated(server)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		scheduler.Start(gctx)
		return nil
	})
	if cfg.Jobs.CatalogPath != "" {
		g.Go(func() error {
			return service.WatchCatalog(gctx, cfg.Jobs.CatalogPath, func(ctx context.Context) {
				if _, err := scheduler.Trigger(ctx, jobs.CatalogSyncJob); err != nil {
					log.Warn("catalog sync failed", zap.Error(err))
				}
			})
		})
	}
	g.Go(func() error {
		return serve(gctx, server)
	})

	log.Info("agentplane started",
		zap.String("address", cfg.ServerAddress),
		zap.String("database", cfg.DatabaseDriver),
		zap.String("namespace", cfg.Kubernetes.Namespace),
		zap.String("version", version.Version),
	)
	return g.Wait()
}

func serve(ctx context.Context, server types.Server) error {
	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Start()
	}()
	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), api.ShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("failed to shut down server: %w", err)
	}
	return nil
}

func openDatabase(ctx context.Context, cfg *config.Config, opts *types.AppOptions) (database.Database, error) {
	var db database.Database
	switch cfg.DatabaseDriver {
	case config.DatabaseDriverMemory:
		db = database.NewMemory()
	default:
		pg, err := database.NewPostgreSQL(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, err
		}
		db = pg
	}
	if opts.DatabaseFactory == nil {
		return db, nil
	}
	wrapped, err := opts.DatabaseFactory(ctx, cfg.DatabaseURL, db)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create database: %w", err)
	}
	return wrapped, nil
}

func newDeploymentManager(cfg *config.Config) (deployment.Manager, error) {
	restConfig, err := kubernetes.RestConfig(cfg.Kubernetes.Kubeconfig)
	if err != nil {
		return nil, err
	}
	c, clientset, err := kubernetes.NewClients(restConfig)
	if err != nil {
		return nil, err
	}
	platform := deployment.PlatformEnv{
		PlatformURL:  cfg.Platform.ServiceURL,
		CollectorURL: cfg.Platform.CollectorURL,
	}
	return kubernetes.NewManager(c, clientset, cfg.Kubernetes.Namespace, platform,
		kubernetes.WithImagePullPolicy(corev1.PullPolicy(cfg.Kubernetes.ProviderImagePullPolicy)),
	), nil
}
