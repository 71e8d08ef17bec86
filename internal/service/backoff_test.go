package service

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/jnst/lume-outbox/internal/model"
)

func TestBackoffPolicyDelay(t *testing.T) {
	b := BackoffPolicy{Base: time.Second, Max: 10 * time.Second}

	tests := []struct {
		attempts int
		want     time.Duration
	}{
		{attempts: 0, want: time.Second},
		{attempts: 1, want: 2 * time.Second},
		{attempts: 2, want: 4 * time.Second},
		{attempts: 3, want: 8 * time.Second},
		{attempts: 4, want: 10 * time.Second},
		{attempts: 50, want: 10 * time.Second},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, b.Delay(tt.attempts), "attempts=%d", tt.attempts)
	}
}

func TestBackoffPolicyDelayGrowsUntilCap(t *testing.T) {
	b := BackoffPolicy{Base: 250 * time.Millisecond, Max: time.Minute}

	prev := time.Duration(0)
	for n := 0; n < 8; n++ {
		d := b.Delay(n)
		assert.Greater(t, d, prev, "attempts=%d", n)
		assert.LessOrEqual(t, d, b.Max)
		prev = d
	}
}

func TestBackoffPolicyEdgeCases(t *testing.T) {
	assert.Zero(t, BackoffPolicy{}.Delay(3))
	assert.Equal(t, time.Second, BackoffPolicy{Base: time.Second}.Delay(5), "max below base caps at base")
}

func TestBackoffPolicyNextAttemptAt(t *testing.T) {
	b := BackoffPolicy{Base: time.Second, Max: time.Minute}
	created := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	last := created.Add(time.Hour)

	fresh := &model.OutboxEvent{CreatedAt: created}
	assert.Equal(t, created, b.NextAttemptAt(fresh))

	failed := &model.OutboxEvent{CreatedAt: created, AttemptCount: 2, LastAttemptAt: &last}
	assert.Equal(t, last.Add(4*time.Second), b.NextAttemptAt(failed))

	rolledBack := &model.OutboxEvent{CreatedAt: created, AttemptCount: 0, LastAttemptAt: &last}
	assert.Equal(t, created, b.NextAttemptAt(rolledBack))
}
