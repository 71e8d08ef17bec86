package broker

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/rueidis"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jnst/lume-outbox/internal/model"
)

func newTestRedis(t *testing.T) (*miniredis.Miniredis, rueidis.Client) {
	t.Helper()

	mr := miniredis.RunT(t)

	client, err := rueidis.NewClient(rueidis.ClientOption{
		InitAddress:  []string{mr.Addr()},
		DisableCache: true,
	})
	require.NoError(t, err)
	t.Cleanup(client.Close)

	return mr, client
}

func TestTransitionPublisherRoundTrip(t *testing.T) {
	ctx := context.Background()
	_, client := newTestRedis(t)
	pub := NewTransitionPublisher(client, "")

	at := time.Date(2024, 5, 1, 9, 30, 0, 123456000, time.UTC)
	want := model.Transition{
		EventID:      "ev-1",
		EventType:    model.EventTypeCreateMoodEntry,
		EntityID:     "m1",
		UserID:       "u1",
		From:         model.EventStatusSyncing,
		To:           model.EventStatusFailed,
		AttemptCount: 5,
		MaxAttempts:  5,
		ErrorMessage: "retryable (status 503): unavailable",
		Class:        model.FailureRetryable,
		Terminal:     true,
		At:           at,
	}

	pub.Observe(ctx, want)

	entries, err := client.Do(ctx, client.B().Xrange().Key(DefaultTransitionsStream).Start("-").End("+").Build()).AsXRange()
	require.NoError(t, err)
	require.Len(t, entries, 1)

	got, err := DecodeTransition(entries[0])
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func TestDecodeTransitionRejectsMalformedEntries(t *testing.T) {
	valid := map[string]string{
		"event_id":   "ev-1",
		"event_type": "update_goal",
		"to":         "completed",
	}

	_, err := DecodeTransition(rueidis.XRangeEntry{ID: "1-0", FieldValues: valid})
	require.NoError(t, err)

	tests := map[string]map[string]string{
		"missing id":    {"event_type": "update_goal", "to": "completed"},
		"unknown type":  {"event_id": "ev-1", "event_type": "update_sleep", "to": "completed"},
		"bad status":    {"event_id": "ev-1", "event_type": "update_goal", "to": "published"},
		"bad attempts":  {"event_id": "ev-1", "event_type": "update_goal", "to": "failed", "attempt_count": "two"},
		"bad terminal":  {"event_id": "ev-1", "event_type": "update_goal", "to": "failed", "terminal": "maybe"},
		"bad timestamp": {"event_id": "ev-1", "event_type": "update_goal", "to": "failed", "at": "yesterday"},
	}

	for name, fields := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := DecodeTransition(rueidis.XRangeEntry{ID: "1-0", FieldValues: fields})
			assert.Error(t, err)
		})
	}
}

func TestTransitionPublisherSwallowsFailures(t *testing.T) {
	mr, client := newTestRedis(t)
	mr.Close()

	pub := NewTransitionPublisher(client, "custom")

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	assert.Error(t, pub.Publish(ctx, model.Transition{EventID: "ev-1"}))
	assert.NotPanics(t, func() { pub.Observe(ctx, model.Transition{EventID: "ev-1"}) })
}

func TestRedisRunLockExcludesSecondHolder(t *testing.T) {
	ctx := context.Background()
	mr, client := newTestRedis(t)

	first := NewRedisRunLock(client, "", time.Minute)
	second := NewRedisRunLock(client, "", time.Minute)

	lease, ok, err := first.TryAcquire(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, mr.Exists(DefaultRunLockKey))

	_, ok, err = second.TryAcquire(ctx)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, lease.Release(ctx))
	assert.False(t, mr.Exists(DefaultRunLockKey))

	lease, ok, err = second.TryAcquire(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, lease.Release(ctx))
}

func TestRedisRunLockExtendKeepsLongRunExclusive(t *testing.T) {
	ctx := context.Background()
	mr, client := newTestRedis(t)
	lock := NewRedisRunLock(client, "", 2*time.Minute)

	lease, ok, err := lock.TryAcquire(ctx)
	require.NoError(t, err)
	require.True(t, ok)

	// A run longer than the TTL stays exclusive while it keeps extending.
	for range 3 {
		mr.FastForward(90 * time.Second)
		require.NoError(t, lease.Extend(ctx))
	}

	assert.Equal(t, 2*time.Minute, mr.TTL(DefaultRunLockKey))

	_, ok, err = lock.TryAcquire(ctx)
	require.NoError(t, err)
	assert.False(t, ok, "a second process must not acquire while the run is extending")

	mr.FastForward(3 * time.Minute)
	assert.Error(t, lease.Extend(ctx), "an expired lease cannot be revived")
}

func TestRedisRunLockExpiredLeaseKeepsNewHolder(t *testing.T) {
	ctx := context.Background()
	mr, client := newTestRedis(t)
	lock := NewRedisRunLock(client, "runs", time.Second)

	stale, ok, err := lock.TryAcquire(ctx)
	require.NoError(t, err)
	require.True(t, ok)

	mr.FastForward(2 * time.Second)

	fresh, ok, err := lock.TryAcquire(ctx)
	require.NoError(t, err)
	require.True(t, ok)

	assert.Error(t, stale.Extend(ctx), "the expired holder must not extend the new holder's key")
	assert.Error(t, stale.Release(ctx), "the expired holder must not delete the new holder's key")
	assert.True(t, mr.Exists("runs"))
	assert.NoError(t, fresh.Release(ctx))
}
