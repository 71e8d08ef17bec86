package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/jnst/lume-outbox/internal/model"
	"github.com/jnst/lume-outbox/internal/repository"
)

// ProcessorConfig tunes a processing run.
type ProcessorConfig struct {
	BatchSize      int
	AttemptTimeout time.Duration
	Backoff        BackoffPolicy
}

// ProcessorOption customizes an OutboxProcessorImpl.
type ProcessorOption func(*OutboxProcessorImpl)

// WithObserver registers a transition observer.
func WithObserver(o TransitionObserver) ProcessorOption {
	return func(p *OutboxProcessorImpl) { p.observer = o }
}

// WithRunLock adds a cross-process lock around each run.
func WithRunLock(l RunLock) ProcessorOption {
	return func(p *OutboxProcessorImpl) { p.lock = l }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) ProcessorOption {
	return func(p *OutboxProcessorImpl) { p.now = now }
}

// WithLogger replaces slog.Default.
func WithLogger(l *slog.Logger) ProcessorOption {
	return func(p *OutboxProcessorImpl) { p.log = l }
}

// OutboxProcessorImpl implements OutboxProcessor.
type OutboxProcessorImpl struct {
	outboxRepo   repository.OutboxRepository
	syncer       EntitySyncer
	client       DeliveryClient
	credentials  CredentialProvider
	connectivity ConnectivityMonitor
	observer     TransitionObserver
	lock         RunLock
	cfg          ProcessorConfig
	now          func() time.Time
	log          *slog.Logger
	guard        runGuard
}

// NewOutboxProcessorImpl creates a new OutboxProcessor implementation.
func NewOutboxProcessorImpl(
	outboxRepo repository.OutboxRepository,
	syncer EntitySyncer,
	client DeliveryClient,
	credentials CredentialProvider,
	connectivity ConnectivityMonitor,
	cfg ProcessorConfig,
	opts ...ProcessorOption,
) *OutboxProcessorImpl {
	p := &OutboxProcessorImpl{
		outboxRepo:   outboxRepo,
		syncer:       syncer,
		client:       client,
		credentials:  credentials,
		connectivity: connectivity,
		observer:     ObserverFunc(func(context.Context, model.Transition) {}),
		cfg:          cfg,
		now:          time.Now,
		log:          slog.Default(),
	}

	for _, opt := range opts {
		opt(p)
	}

	return p
}

// outcome is what one attempt did to an event.
type outcome int

const (
	outcomeCompleted outcome = iota
	outcomeRetrying
	outcomeFailed
	outcomeAuthExpired
)

// Process runs the outbox once, plus at most one follow-up for requests that
// arrived meanwhile. A request made during an active run returns immediately
// with Coalesced set.
func (p *OutboxProcessorImpl) Process(ctx context.Context, opts model.RunOptions) (*model.RunSummary, error) {
	if !p.guard.tryBegin(opts) {
		p.log.DebugContext(ctx, "sync run already active, request coalesced",
			"trigger", opts.Trigger, "user_id", opts.UserID)

		return &model.RunSummary{Trigger: opts.Trigger, UserID: opts.UserID, Coalesced: true}, nil
	}

	total := &model.RunSummary{Trigger: opts.Trigger, UserID: opts.UserID}

	for {
		summary, err := p.run(ctx, opts)
		total.Merge(summary)
		p.logSummary(ctx, summary, err)

		if err != nil || summary.Aborted == model.AbortCancelled || summary.Aborted == model.AbortAuthExpired {
			p.guard.end()
			return total, err
		}

		next, ok := p.guard.next()
		if !ok {
			return total, nil
		}

		opts = next
	}
}

func (p *OutboxProcessorImpl) run(ctx context.Context, opts model.RunOptions) (*model.RunSummary, error) {
	summary := &model.RunSummary{Trigger: opts.Trigger, UserID: opts.UserID, Runs: 1, StartedAt: p.now()}
	defer func() { summary.FinishedAt = p.now() }()

	if !p.connectivity.IsOnline(ctx) {
		summary.Aborted = model.AbortOffline
		return summary, nil
	}

	token, err := p.credentials.Token(ctx)
	if errors.Is(err, model.ErrNoSession) || (err == nil && token == "") {
		summary.Aborted = model.AbortNoSession
		return summary, nil
	}

	if err != nil {
		return summary, fmt.Errorf("failed to obtain credentials: %w", err)
	}

	var lease model.RunLease

	if p.lock != nil {
		l, acquired, err := p.lock.TryAcquire(ctx)
		if err != nil {
			return summary, fmt.Errorf("failed to acquire run lock: %w", err)
		}

		if !acquired {
			summary.Aborted = model.AbortBusy
			return summary, nil
		}

		lease = l

		defer func() {
			if err := lease.Release(context.WithoutCancel(ctx)); err != nil {
				p.log.WarnContext(ctx, "failed to release run lock", "error", err)
			}
		}()
	}

	events, err := p.outboxRepo.FetchPending(ctx, model.PendingQuery{UserID: opts.UserID, Limit: p.cfg.BatchSize})
	if err != nil {
		return summary, fmt.Errorf("failed to fetch pending events: %w", err)
	}

	heads := newEntityQueues(events)

	for i, event := range events {
		if ctx.Err() != nil {
			summary.Skipped += len(events) - i
			summary.Aborted = model.AbortCancelled

			return summary, nil
		}

		if !heads.isHead(event) {
			summary.Skipped++
			continue
		}

		if !event.AttemptsExhausted() && p.cfg.Backoff.NextAttemptAt(event).After(p.now()) {
			summary.Skipped++
			continue
		}

		// The event in flight finishes even if the run is cancelled meanwhile.
		attemptCtx := context.WithoutCancel(ctx)

		// Another process must not take over the batch while this run still acts on it.
		if lease != nil {
			if err := lease.Extend(attemptCtx); err != nil {
				summary.Skipped += len(events) - i
				summary.Aborted = model.AbortLockLost

				return summary, fmt.Errorf("run lock lost: %w", err)
			}
		}

		if event.AttemptsExhausted() {
			if err := p.exhaust(attemptCtx, event); err != nil {
				return summary, err
			}

			summary.Failed++
			heads.pop(event)

			continue
		}

		summary.Attempted++

		result, err := p.attempt(attemptCtx, event, token)
		if err != nil {
			return summary, err
		}

		switch result {
		case outcomeCompleted:
			summary.Completed++
			heads.pop(event)
		case outcomeFailed:
			summary.Failed++
			heads.pop(event)
		case outcomeRetrying:
			summary.Retrying++
		case outcomeAuthExpired:
			summary.Aborted = model.AbortAuthExpired
			summary.Skipped += len(events) - i - 1

			return summary, model.ErrReauthenticationRequired
		}
	}

	return summary, nil
}

// exhaust fails an event left over from an interrupted final attempt without
// calling the backend again.
func (p *OutboxProcessorImpl) exhaust(ctx context.Context, event *model.OutboxEvent) error {
	msg := event.ErrorMessage
	if msg == "" {
		msg = "delivery attempts exhausted"
	}

	if err := p.transition(ctx, event, model.StatusUpdate{Status: model.EventStatusFailed, ErrorMessage: msg}, ""); err != nil {
		return err
	}

	p.log.ErrorContext(ctx, "outbox event failed permanently",
		"event_id", event.ID, "event_type", event.EventType, "attempts", event.AttemptCount)

	return nil
}

func (p *OutboxProcessorImpl) attempt(ctx context.Context, event *model.OutboxEvent, token string) (outcome, error) {
	// restore puts the event back exactly as it was fetched.
	restore := model.StatusUpdate{
		Status:            event.Status,
		ErrorMessage:      event.ErrorMessage,
		Attempt:           model.AttemptRollback,
		PreviousAttemptAt: event.LastAttemptAt,
	}

	begin := model.StatusUpdate{
		Status:       model.EventStatusSyncing,
		ErrorMessage: event.ErrorMessage,
		Attempt:      model.AttemptBegin,
		At:           p.now(),
	}
	if err := p.transition(ctx, event, begin, ""); err != nil {
		return 0, err
	}

	serverID, err := p.dispatch(ctx, event, token)
	if err == nil {
		return p.delivered(ctx, event, serverID)
	}

	class := model.ClassifyError(err)

	switch class {
	case model.FailureNotFound, model.FailureConflict:
		var de *model.DeliveryError
		if event.IsNewRecord && errors.As(err, &de) && de.ServerID != "" {
			return p.delivered(ctx, event, de.ServerID)
		}

		if event.IsNewRecord && class == model.FailureConflict {
			// Without a server id later updates of this entity cannot be addressed.
			p.log.ErrorContext(ctx, "backend reported create conflict without server id, completing",
				"event_id", event.ID, "event_type", event.EventType, "entity_id", event.EntityID, "error", err)
		} else {
			p.log.WarnContext(ctx, "backend already reflects outbox event, completing",
				"event_id", event.ID, "event_type", event.EventType, "class", class, "error", err)
		}

		return outcomeCompleted, p.transition(ctx, event, model.StatusUpdate{Status: model.EventStatusCompleted}, class)

	case model.FailureAuthExpired:
		p.log.WarnContext(ctx, "credentials rejected, aborting run", "event_id", event.ID)

		return outcomeAuthExpired, p.transition(ctx, event, restore, class)

	case model.FailureValidationRejected:
		reject := model.StatusUpdate{
			Status:       model.EventStatusFailed,
			ErrorMessage: err.Error(),
			Attempt:      model.AttemptExhaust,
		}
		if err := p.transition(ctx, event, reject, class); err != nil {
			return 0, err
		}

		p.log.ErrorContext(ctx, "backend rejected outbox event",
			"event_id", event.ID, "event_type", event.EventType, "error", err)

		return outcomeFailed, nil

	default:
		return p.retryOrFail(ctx, event, err.Error(), "")
	}
}

// dispatch performs the remote call and returns the server id of the entity.
func (p *OutboxProcessorImpl) dispatch(ctx context.Context, event *model.OutboxEvent, token string) (string, error) {
	// A create the backend already acknowledged only lacks its local stamp.
	if event.IsNewRecord && event.ServerID != "" {
		return event.ServerID, nil
	}

	serverID := event.ServerID
	if !event.IsNewRecord && serverID == "" {
		resolved, err := p.syncer.ServerIDFor(ctx, event.EventType.Kind(), event.EntityID)
		if err != nil {
			return "", fmt.Errorf("failed to resolve server id: %w", err)
		}

		if resolved == "" {
			return "", model.NewDeliveryError(model.FailureRetryable, "entity has no server id yet")
		}

		serverID = resolved
	}

	if p.cfg.AttemptTimeout > 0 {
		var cancel context.CancelFunc

		ctx, cancel = context.WithTimeout(ctx, p.cfg.AttemptTimeout)
		defer cancel()
	}

	res, err := p.client.Deliver(ctx, &model.DeliveryRequest{
		EventID:     event.ID,
		EventType:   event.EventType,
		EntityID:    event.EntityID,
		UserID:      event.UserID,
		IsNewRecord: event.IsNewRecord,
		ServerID:    serverID,
		Metadata:    event.Metadata,
		Token:       token,
	})
	if err != nil {
		return "", err
	}

	if res != nil && res.ServerID != "" {
		return res.ServerID, nil
	}

	return serverID, nil
}

// delivered records a successful call. The entity is stamped before the event
// completes, so a completed create always has a synced entity.
func (p *OutboxProcessorImpl) delivered(ctx context.Context, event *model.OutboxEvent, serverID string) (outcome, error) {
	if event.IsNewRecord {
		if serverID == "" {
			return p.retryOrFail(ctx, event, "backend acknowledged create without a server id", "")
		}

		if err := p.syncer.StampServerID(ctx, event.EventType.Kind(), event.EntityID, serverID); err != nil {
			p.log.ErrorContext(ctx, "failed to record server id",
				"event_id", event.ID, "entity_id", event.EntityID, "server_id", serverID, "error", err)

			return p.retryOrFail(ctx, event, fmt.Sprintf("failed to record server id: %v", err), serverID)
		}
	}

	done := model.StatusUpdate{Status: model.EventStatusCompleted, ServerID: serverID}
	if err := p.transition(ctx, event, done, ""); err != nil {
		return 0, err
	}

	p.log.InfoContext(ctx, "outbox event delivered",
		"event_id", event.ID, "event_type", event.EventType, "server_id", serverID)

	return outcomeCompleted, nil
}

func (p *OutboxProcessorImpl) retryOrFail(ctx context.Context, event *model.OutboxEvent, msg, serverID string) (outcome, error) {
	update := model.StatusUpdate{Status: model.EventStatusFailed, ErrorMessage: msg, ServerID: serverID}
	if err := p.transition(ctx, event, update, model.FailureRetryable); err != nil {
		return 0, err
	}

	if event.AttemptsExhausted() {
		p.log.ErrorContext(ctx, "outbox event failed permanently",
			"event_id", event.ID, "event_type", event.EventType, "attempts", event.AttemptCount, "error", msg)

		return outcomeFailed, nil
	}

	p.log.WarnContext(ctx, "outbox event delivery failed, will retry",
		"event_id", event.ID, "event_type", event.EventType, "attempts", event.AttemptCount,
		"next_attempt_at", p.cfg.Backoff.NextAttemptAt(event), "error", msg)

	return outcomeRetrying, nil
}

// transition persists update, mirrors it on event and notifies the observer.
func (p *OutboxProcessorImpl) transition(ctx context.Context, event *model.OutboxEvent, update model.StatusUpdate, class model.FailureClass) error {
	if update.At.IsZero() {
		update.At = p.now()
	}

	if err := p.outboxRepo.UpdateStatus(ctx, event.ID, update); err != nil {
		return fmt.Errorf("failed to move outbox event %s to %s: %w", event.ID, update.Status, err)
	}

	from := event.Status
	applyUpdate(event, update)

	p.observer.Observe(ctx, model.Transition{
		EventID:      event.ID,
		EventType:    event.EventType,
		EntityID:     event.EntityID,
		UserID:       event.UserID,
		From:         from,
		To:           event.Status,
		AttemptCount: event.AttemptCount,
		MaxAttempts:  event.MaxAttempts,
		ErrorMessage: event.ErrorMessage,
		ServerID:     event.ServerID,
		Class:        class,
		Terminal:     event.Status == model.EventStatusFailed && event.AttemptsExhausted(),
		At:           update.At,
	})

	return nil
}

func applyUpdate(event *model.OutboxEvent, update model.StatusUpdate) {
	event.Status = update.Status
	event.ErrorMessage = update.ErrorMessage

	if update.ServerID != "" {
		event.ServerID = update.ServerID
	}

	switch update.Attempt {
	case model.AttemptBegin:
		event.AttemptCount++
		at := update.At
		event.LastAttemptAt = &at
	case model.AttemptExhaust:
		event.AttemptCount = max(event.AttemptCount, event.MaxAttempts)
	case model.AttemptRollback:
		event.AttemptCount = max(event.AttemptCount-1, 0)
		event.LastAttemptAt = update.PreviousAttemptAt
	}

	if update.Status == model.EventStatusCompleted {
		at := update.At
		event.CompletedAt = &at
	} else {
		event.CompletedAt = nil
	}
}

func (p *OutboxProcessorImpl) logSummary(ctx context.Context, s *model.RunSummary, err error) {
	attrs := []any{
		"trigger", s.Trigger, "user_id", s.UserID,
		"attempted", s.Attempted, "completed", s.Completed, "retrying", s.Retrying,
		"failed", s.Failed, "skipped", s.Skipped, "aborted", s.Aborted,
	}

	if err != nil {
		p.log.ErrorContext(ctx, "sync run failed", append(attrs, "error", err)...)
		return
	}

	p.log.InfoContext(ctx, "sync run finished", attrs...)
}

// entityQueues holds, per entity, the ids of the batch's events in creation
// order. Only the head of a queue may be attempted.
type entityQueues map[string][]string

func newEntityQueues(events []*model.OutboxEvent) entityQueues {
	sorted := slices.Clone(events)
	slices.SortStableFunc(sorted, func(a, b *model.OutboxEvent) int {
		return a.CreatedAt.Compare(b.CreatedAt)
	})

	q := make(entityQueues)
	for _, e := range sorted {
		k := entityKey(e)
		q[k] = append(q[k], e.ID)
	}

	return q
}

func entityKey(e *model.OutboxEvent) string {
	return string(e.EventType.Kind()) + "/" + e.EntityID
}

func (q entityQueues) isHead(e *model.OutboxEvent) bool {
	ids := q[entityKey(e)]
	return len(ids) > 0 && ids[0] == e.ID
}

func (q entityQueues) pop(e *model.OutboxEvent) {
	k := entityKey(e)
	if ids := q[k]; len(ids) > 0 && ids[0] == e.ID {
		q[k] = ids[1:]
	}
}
