package service

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/jnst/lume-outbox/internal/model"
)

// SyncRunnerConfig configures when the runner starts processing runs.
type SyncRunnerConfig struct {
	// UserID scopes background runs; empty drains every account.
	UserID               string
	Interval             time.Duration
	HousekeepingInterval time.Duration
}

// SyncRunner turns app start, a periodic timer, regained connectivity and
// explicit requests into processing runs.
type SyncRunner struct {
	processor    OutboxProcessor
	housekeeping HousekeepingService
	credentials  CredentialProvider
	connectivity ConnectivityMonitor
	cfg          SyncRunnerConfig
}

// NewSyncRunner creates a runner. housekeeping may be nil.
func NewSyncRunner(
	processor OutboxProcessor,
	housekeeping HousekeepingService,
	credentials CredentialProvider,
	connectivity ConnectivityMonitor,
	cfg SyncRunnerConfig,
) *SyncRunner {
	return &SyncRunner{
		processor:    processor,
		housekeeping: housekeeping,
		credentials:  credentials,
		connectivity: connectivity,
		cfg:          cfg,
	}
}

// Run blocks until ctx is cancelled.
func (r *SyncRunner) Run(ctx context.Context) error {
	var changes <-chan bool

	if w, ok := r.connectivity.(ConnectivityWatcher); ok {
		ch, unsubscribe := w.Subscribe()
		defer unsubscribe()

		changes = ch
	}

	// Read after subscribing so no change between the two is lost.
	online := r.connectivity.IsOnline(ctx)

	r.process(ctx, model.TriggerStartup, r.cfg.UserID)

	var tick <-chan time.Time

	if r.cfg.Interval > 0 {
		ticker := time.NewTicker(r.cfg.Interval)
		defer ticker.Stop()

		tick = ticker.C
	}

	var housekeeping <-chan time.Time

	if r.housekeeping != nil && r.cfg.HousekeepingInterval > 0 {
		ticker := time.NewTicker(r.cfg.HousekeepingInterval)
		defer ticker.Stop()

		housekeeping = ticker.C
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-tick:
			r.process(ctx, model.TriggerPeriodic, r.cfg.UserID)
		case now := <-changes:
			if now && !online {
				slog.InfoContext(ctx, "connectivity regained")
				r.process(ctx, model.TriggerConnectivity, r.cfg.UserID)
			}

			online = now
		case <-housekeeping:
			if _, err := r.housekeeping.Prune(ctx); err != nil {
				slog.ErrorContext(ctx, "housekeeping failed", "error", err)
			}
		}
	}
}

// Trigger runs the processor on behalf of a caller and waits for the result.
func (r *SyncRunner) Trigger(ctx context.Context, userID string) (*model.RunSummary, error) {
	return r.run(ctx, model.RunOptions{UserID: userID, Trigger: model.TriggerExplicit})
}

func (r *SyncRunner) process(ctx context.Context, trigger model.Trigger, userID string) {
	// Errors are already logged by the processor.
	_, _ = r.run(ctx, model.RunOptions{UserID: userID, Trigger: trigger})
}

func (r *SyncRunner) run(ctx context.Context, opts model.RunOptions) (*model.RunSummary, error) {
	summary, err := r.processor.Process(ctx, opts)
	if errors.Is(err, model.ErrReauthenticationRequired) {
		if inv, ok := r.credentials.(CredentialInvalidator); ok {
			inv.Invalidate()
			slog.WarnContext(ctx, "session expired, credentials invalidated")
		}
	}

	return summary, err
}
