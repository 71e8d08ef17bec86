package repository

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOpenSQLiteAppliesPragmasAndMigrations(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)

	version, err := store.SchemaVersion(ctx)
	require.NoError(t, err)
	assert.Equal(t, currentSQLiteSchemaVersion, version)

	var mode string
	require.NoError(t, store.DB().QueryRowContext(ctx, "PRAGMA journal_mode").Scan(&mode))
	assert.Equal(t, "wal", mode)

	var fk int
	require.NoError(t, store.DB().QueryRowContext(ctx, "PRAGMA foreign_keys").Scan(&fk))
	assert.Equal(t, 1, fk)

	var n int
	require.NoError(t, store.DB().QueryRowContext(ctx,
		`SELECT count(*) FROM sqlite_master WHERE type = 'index' AND name IN ('idx_outbox_events_user', 'idx_outbox_events_completed')`,
	).Scan(&n))
	assert.Equal(t, 2, n)
}

func TestOpenSQLiteReopenKeepsData(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "outbox.db")

	store, err := OpenSQLite(path)
	require.NoError(t, err)

	id, err := NewSQLiteOutboxRepository(store.DB()).Append(ctx, moodEvent("m1", "u1", 0.7))
	require.NoError(t, err)
	require.NoError(t, store.Close())

	store, err = OpenSQLite(path)
	require.NoError(t, err)
	defer store.Close()

	got, err := NewSQLiteOutboxRepository(store.DB()).Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "m1", got.EntityID)
}

func TestSQLiteCompletedAtCheckConstraint(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)

	id, err := NewSQLiteOutboxRepository(store.DB()).Append(ctx, moodEvent("m1", "u1", 0.7))
	require.NoError(t, err)

	_, err = store.DB().ExecContext(ctx, `UPDATE outbox_events SET status = 'completed' WHERE id = ?`, id)
	assert.Error(t, err, "completed without completed_at must be rejected")
}
