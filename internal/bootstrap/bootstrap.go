// Package bootstrap wires the delivery engine from configuration.
package bootstrap

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/redis/rueidis"

	"github.com/jnst/lume-outbox/internal/broker"
	"github.com/jnst/lume-outbox/internal/config"
	"github.com/jnst/lume-outbox/internal/connectivity"
	"github.com/jnst/lume-outbox/internal/repository"
	"github.com/jnst/lume-outbox/internal/service"
	"github.com/jnst/lume-outbox/internal/session"
	"github.com/jnst/lume-outbox/internal/transport"
)

// App holds the wired components shared by every binary.
type App struct {
	Config *config.Config

	Outbox    repository.OutboxRepository
	Entities  repository.EntityRepository
	TxManager repository.TransactionManager

	EntityService *service.EntityServiceImpl
	Housekeeping  *service.HousekeepingServiceImpl
	Processor     *service.OutboxProcessorImpl
	Runner        *service.SyncRunner

	Credentials service.CredentialProvider
	// Manual is set in manual connectivity mode, Probe in probe mode.
	Manual *connectivity.ManualMonitor
	Probe  *connectivity.ProbeMonitor

	// Redis is nil when no address is configured.
	Redis rueidis.Client

	closers []func()
}

// New opens the store and builds every component.
func New(ctx context.Context, cfg *config.Config) (*App, error) {
	app := &App{Config: cfg}

	if err := app.openStore(ctx); err != nil {
		return nil, err
	}

	if cfg.RedisAddr != "" {
		client, err := NewRedisClient(cfg.RedisAddr)
		if err != nil {
			app.Close()
			return nil, fmt.Errorf("failed to connect to Redis: %w", err)
		}

		app.Redis = client
		app.closers = append(app.closers, client.Close)
	}

	app.Credentials = newCredentials(cfg)

	var monitor service.ConnectivityWatcher

	if cfg.ConnectivityMode == config.ConnectivityManual {
		app.Manual = connectivity.NewManualMonitor(true)
		monitor = app.Manual
	} else {
		app.Probe = connectivity.NewProbeMonitor(cfg.BackendBaseURL, cfg.HealthPath, cfg.ProbeInterval, nil)
		monitor = app.Probe
	}

	app.EntityService = service.NewEntityServiceImpl(app.Entities, app.Outbox, app.TxManager, cfg.MaxAttempts)
	app.Housekeeping = service.NewHousekeepingServiceImpl(app.Outbox, cfg.RetentionWindow)

	observers := service.MultiObserver{service.LogObserver{Logger: slog.Default()}}
	opts := []service.ProcessorOption{}

	if app.Redis != nil {
		observers = append(observers, broker.NewTransitionPublisher(app.Redis, cfg.TransitionsStream))
		opts = append(opts, service.WithRunLock(broker.NewRedisRunLock(app.Redis, cfg.RunLockKey, cfg.RunLockTTL)))
	}

	opts = append(opts, service.WithObserver(observers))

	app.Processor = service.NewOutboxProcessorImpl(
		app.Outbox,
		app.EntityService,
		transport.NewHTTPClient(cfg.BackendBaseURL, cfg.BackendAPIKey, nil),
		app.Credentials,
		monitor,
		service.ProcessorConfig{
			BatchSize:      cfg.SyncBatchSize,
			AttemptTimeout: cfg.AttemptTimeout,
			Backoff:        service.BackoffPolicy{Base: cfg.BackoffBase, Max: cfg.BackoffMax},
		},
		opts...,
	)

	app.Runner = service.NewSyncRunner(app.Processor, app.Housekeeping, app.Credentials, monitor, service.SyncRunnerConfig{
		Interval:             cfg.SyncInterval,
		HousekeepingInterval: cfg.HousekeepingInterval,
	})

	return app, nil
}

func (a *App) openStore(ctx context.Context) error {
	switch a.Config.StoreDriver {
	case config.StoreDriverPostgres:
		pool, err := repository.OpenPostgres(ctx, a.Config.DatabaseURL)
		if err != nil {
			return err
		}

		a.closers = append(a.closers, pool.Close)
		a.Outbox = repository.NewOutboxRepositoryImpl(pool)
		a.Entities = repository.NewEntityRepositoryImpl(pool)
		a.TxManager = repository.NewTransactionManagerImpl(pool)

	default:
		store, err := repository.OpenSQLite(a.Config.SQLitePath)
		if err != nil {
			return err
		}

		a.closers = append(a.closers, func() {
			if err := store.Close(); err != nil {
				slog.Error("failed to close store", slog.String("error", err.Error()))
			}
		})
		a.Outbox = repository.NewSQLiteOutboxRepository(store.DB())
		a.Entities = repository.NewSQLiteEntityRepository(store.DB())
		a.TxManager = repository.NewSQLiteTransactionManager(store.DB())
	}

	return nil
}

func newCredentials(cfg *config.Config) service.CredentialProvider {
	if cfg.AccessToken != "" || cfg.AuthEmail == "" {
		return session.NewStaticCredentials(cfg.AccessToken)
	}

	return session.NewLoginCredentials(cfg.BackendBaseURL, cfg.BackendAPIKey, cfg.AuthEmail, cfg.AuthPassword, nil)
}

// Start launches the connectivity probe and the sync runner in the background.
func (a *App) Start(ctx context.Context) {
	if a.Probe != nil {
		go a.Probe.Run(ctx)
	}

	go func() {
		if err := a.Runner.Run(ctx); err != nil {
			slog.Error("sync runner stopped", slog.String("error", err.Error()))
		}
	}()
}

// Close releases the store and the Redis client in reverse order of opening.
func (a *App) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}

	a.closers = nil
}

// NewRedisClient connects a rueidis client. Only streams and the run lock use
// it, so client-side caching stays off.
func NewRedisClient(addr string) (rueidis.Client, error) {
	return rueidis.NewClient(rueidis.ClientOption{
		InitAddress:  []string{addr},
		DisableCache: true,
	})
}
