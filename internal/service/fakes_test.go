package service

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/jnst/lume-outbox/internal/model"
	"github.com/jnst/lume-outbox/internal/repository"
)

// testEnv wires the entity service and the processor over one SQLite store.
type testEnv struct {
	db       *sql.DB
	outbox   *repository.SQLiteOutboxRepository
	entities *EntityServiceImpl
	client   *fakeClient
	creds    *fakeCredentials
	online   *fakeConnectivity
	clock    *testClock
	observed *recordingObserver
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	store, err := repository.OpenSQLite(filepath.Join(t.TempDir(), "outbox.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	outbox := repository.NewSQLiteOutboxRepository(store.DB())

	return &testEnv{
		db:     store.DB(),
		outbox: outbox,
		entities: NewEntityServiceImpl(
			repository.NewSQLiteEntityRepository(store.DB()),
			outbox,
			repository.NewSQLiteTransactionManager(store.DB()),
			3,
		),
		client:   &fakeClient{},
		creds:    &fakeCredentials{token: "token-1"},
		online:   &fakeConnectivity{online: true},
		clock:    &testClock{t: time.Now().Add(time.Minute)},
		observed: &recordingObserver{},
	}
}

func (e *testEnv) processor(cfg ProcessorConfig, opts ...ProcessorOption) *OutboxProcessorImpl {
	opts = append([]ProcessorOption{WithClock(e.clock.now), WithObserver(e.observed)}, opts...)

	return NewOutboxProcessorImpl(e.outbox, e.entities, e.client, e.creds, e.online, cfg, opts...)
}

func (e *testEnv) createMood(t *testing.T, userID string, valence float64) *model.LocalEntity {
	t.Helper()

	entity, err := e.entities.Create(context.Background(), &model.CreateEntityParams{
		UserID:  userID,
		Payload: model.MoodMetadata{Valence: valence, Labels: []string{"happy"}},
	})
	require.NoError(t, err)

	return entity
}

// eventFor returns the single undelivered outbox event of the given entity.
func (e *testEnv) eventFor(t *testing.T, entityID string) *model.OutboxEvent {
	t.Helper()

	events := e.eventsFor(t, entityID)
	require.Len(t, events, 1)

	return events[0]
}

func (e *testEnv) eventsFor(t *testing.T, entityID string) []*model.OutboxEvent {
	t.Helper()

	pending, err := e.outbox.FetchPending(context.Background(), model.PendingQuery{Limit: 1000})
	require.NoError(t, err)

	failed, err := e.outbox.ListFailed(context.Background(), model.FailedQuery{Limit: 1000})
	require.NoError(t, err)

	var out []*model.OutboxEvent

	for _, ev := range append(pending, failed...) {
		if ev.EntityID == entityID {
			out = append(out, ev)
		}
	}

	return out
}

type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *testClock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.t
}

func (c *testClock) advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.t = c.t.Add(d)
}

// fakeClient records requests and answers them with handle, or a fresh
// server id per entity when handle is nil.
type fakeClient struct {
	mu     sync.Mutex
	calls  []*model.DeliveryRequest
	handle func(n int, req *model.DeliveryRequest) (*model.DeliveryResult, error)
}

func (c *fakeClient) Deliver(ctx context.Context, req *model.DeliveryRequest) (*model.DeliveryResult, error) {
	c.mu.Lock()
	c.calls = append(c.calls, req)
	n := len(c.calls)
	handle := c.handle
	c.mu.Unlock()

	if handle != nil {
		return handle(n, req)
	}

	return &model.DeliveryResult{ServerID: "bk-" + req.EntityID}, nil
}

func (c *fakeClient) requests() []*model.DeliveryRequest {
	c.mu.Lock()
	defer c.mu.Unlock()

	return append([]*model.DeliveryRequest(nil), c.calls...)
}

type fakeCredentials struct {
	token       string
	err         error
	invalidated int
}

func (f *fakeCredentials) Token(context.Context) (string, error) {
	return f.token, f.err
}

func (f *fakeCredentials) Invalidate() {
	f.invalidated++
}

type fakeConnectivity struct {
	mu     sync.Mutex
	online bool
	subs   []chan bool
}

func (f *fakeConnectivity) IsOnline(context.Context) bool {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.online
}

func (f *fakeConnectivity) Subscribe() (<-chan bool, func()) {
	f.mu.Lock()
	defer f.mu.Unlock()

	ch := make(chan bool, 1)
	f.subs = append(f.subs, ch)

	return ch, func() {}
}

func (f *fakeConnectivity) set(online bool) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.online = online
	for _, ch := range f.subs {
		select {
		case ch <- online:
		default:
		}
	}
}

type recordingObserver struct {
	mu          sync.Mutex
	transitions []model.Transition
}

func (o *recordingObserver) Observe(_ context.Context, t model.Transition) {
	o.mu.Lock()
	defer o.mu.Unlock()

	o.transitions = append(o.transitions, t)
}

func (o *recordingObserver) all() []model.Transition {
	o.mu.Lock()
	defer o.mu.Unlock()

	return append([]model.Transition(nil), o.transitions...)
}

type fakeLock struct {
	acquired bool
	err      error
	released int
	extended int
	// loseAt fails the loseAt-th extension; zero never fails.
	loseAt int
}

func (l *fakeLock) TryAcquire(context.Context) (model.RunLease, bool, error) {
	if l.err != nil || !l.acquired {
		return nil, false, l.err
	}

	return &fakeLease{lock: l}, true, nil
}

type fakeLease struct{ lock *fakeLock }

func (s *fakeLease) Extend(context.Context) error {
	s.lock.extended++
	if s.lock.loseAt > 0 && s.lock.extended >= s.lock.loseAt {
		return errors.New("lock expired")
	}

	return nil
}

func (s *fakeLease) Release(context.Context) error {
	s.lock.released++
	return nil
}

// flakySyncer fails the first failures stamps, then delegates.
type flakySyncer struct {
	EntitySyncer
	failures int
}

func (s *flakySyncer) StampServerID(ctx context.Context, kind model.EntityKind, entityID, serverID string) error {
	if s.failures > 0 {
		s.failures--
		return context.DeadlineExceeded
	}

	return s.EntitySyncer.StampServerID(ctx, kind, entityID, serverID)
}
