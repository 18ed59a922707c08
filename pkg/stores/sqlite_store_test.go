package stores

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// setupTestStore creates an in-memory SQLite store for testing
func setupTestStore(t *testing.T) *SQLiteStore {
	t.Helper()

	store, err := NewSQLiteStore(Config{
		Path: ":memory:",
	})
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, store.Init(ctx))
	require.NoError(t, store.Migrate(ctx))
	t.Cleanup(func() { _ = store.Close() })

	return store
}

func TestStoreLifecycle(t *testing.T) {
	_, err := NewSQLiteStore(Config{})
	assert.Error(t, err)

	store, err := NewSQLiteStore(Config{Path: ":memory:"})
	require.NoError(t, err)
	assert.Equal(t, 1, store.cfg.MaxOpenConns)

	ctx := context.Background()
	assert.Error(t, store.Migrate(ctx), "migrate before init")
	assert.Error(t, store.HealthCheck(ctx))

	require.NoError(t, store.Init(ctx))
	require.NoError(t, store.HealthCheck(ctx))
	require.NoError(t, store.Close())
}

func TestStoreMigrations(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	for _, table := range []string{"engine_state", "apply_sessions", "action_ledger"} {
		var count int
		err := store.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM "+table).Scan(&count)
		assert.NoError(t, err, "table %s", table)
	}

	// Running the migrations again is a no-op.
	require.NoError(t, store.Migrate(ctx))
}

func TestFileStoreUsesWAL(t *testing.T) {
	store, err := NewSQLiteStore(Config{Path: filepath.Join(t.TempDir(), "burn.db")})
	require.NoError(t, err)
	ctx := context.Background()
	require.NoError(t, store.Init(ctx))
	defer store.Close()

	var mode string
	require.NoError(t, store.db.QueryRowContext(ctx, "PRAGMA journal_mode").Scan(&mode))
	assert.Equal(t, "wal", mode)

	var fk int
	require.NoError(t, store.db.QueryRowContext(ctx, "PRAGMA foreign_keys").Scan(&fk))
	assert.Equal(t, 1, fk)
}

func TestEngineState(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	_, err := store.GetState(ctx, "{B}")
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, store.SaveState(ctx, "{B}", []byte("first")))
	st, err := store.GetState(ctx, "{B}")
	require.NoError(t, err)
	assert.Equal(t, []byte("first"), st.State)
	assert.Equal(t, StateHash([]byte("first")), st.Hash)
	created := st.CreatedAt

	require.NoError(t, store.SaveState(ctx, "{B}", []byte("second")))
	st, err = store.GetState(ctx, "{B}")
	require.NoError(t, err)
	assert.Equal(t, []byte("second"), st.State)
	assert.Equal(t, StateHash([]byte("second")), st.Hash)
	assert.True(t, st.CreatedAt.Equal(created))

	assert.Error(t, store.SaveState(ctx, "", []byte("x")))

	require.NoError(t, store.DeleteState(ctx, "{B}"))
	assert.ErrorIs(t, store.DeleteState(ctx, "{B}"), ErrNotFound)
}

func TestStateHash(t *testing.T) {
	assert.Len(t, StateHash(nil), 64)
	assert.Equal(t, StateHash([]byte("a")), StateHash([]byte("a")))
	assert.NotEqual(t, StateHash([]byte("a")), StateHash([]byte("b")))
}

func TestSessionLifecycle(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	session := &ApplySession{
		ID:          "s1",
		BundleID:    "{B}",
		Action:      "install",
		Fingerprint: "abc",
	}
	require.NoError(t, store.CreateSession(ctx, session))
	assert.Equal(t, SessionStatusRunning, session.Status)
	assert.False(t, session.StartedAt.IsZero())

	got, err := store.GetSession(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, SessionStatusRunning, got.Status)
	assert.Equal(t, "none", got.Restart)
	assert.Nil(t, got.CompletedAt)
	assert.Nil(t, got.Error)

	assert.Error(t, store.CompleteSession(ctx, "s1", SessionStatusRunning, "none", nil))

	msg := "package A failed"
	require.NoError(t, store.CompleteSession(ctx, "s1", SessionStatusRolledBack, "required", &msg))
	got, err = store.GetSession(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, SessionStatusRolledBack, got.Status)
	assert.Equal(t, "required", got.Restart)
	require.NotNil(t, got.Error)
	assert.Equal(t, msg, *got.Error)
	assert.NotNil(t, got.CompletedAt)

	err = store.CompleteSession(ctx, "missing", SessionStatusFailed, "none", nil)
	assert.True(t, errors.Is(err, ErrNotFound))
	_, err = store.GetSession(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestListSessions(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	for i, bundle := range []string{"{A}", "{B}", "{A}"} {
		require.NoError(t, store.CreateSession(ctx, &ApplySession{
			ID:        string(rune('1' + i)),
			BundleID:  bundle,
			Action:    "install",
			StartedAt: base.Add(time.Duration(i) * time.Minute),
		}))
	}

	all, err := store.ListSessions(ctx, "", 10, 0)
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "3", all[0].ID, "newest first")

	onlyA, err := store.ListSessions(ctx, "{A}", 10, 0)
	require.NoError(t, err)
	require.Len(t, onlyA, 2)
	assert.Equal(t, []string{"3", "1"}, []string{onlyA[0].ID, onlyA[1].ID})

	page, err := store.ListSessions(ctx, "", 1, 1)
	require.NoError(t, err)
	require.Len(t, page, 1)
	assert.Equal(t, "2", page[0].ID)
}

func TestActionLedger(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	require.NoError(t, store.CreateSession(ctx, &ApplySession{ID: "s1", BundleID: "{B}", Action: "install"}))

	failure := "exit code 1603"
	entries := []*ActionEntry{
		{SessionID: "s1", Sequence: 1, Kind: "msi-package", PackageID: "A", Status: ActionStatusSucceeded, Restart: "required", Duration: 1500 * time.Millisecond},
		{SessionID: "s1", Sequence: 2, Kind: "exe-package", PackageID: "B", Status: ActionStatusFailed, Error: &failure},
		{SessionID: "s1", Sequence: 3, Kind: "msi-package", PackageID: "A", Rollback: true, Status: ActionStatusSucceeded},
	}
	for _, e := range entries {
		require.NoError(t, store.AppendAction(ctx, e))
		assert.NotZero(t, e.ID)
	}

	got, err := store.ListActions(ctx, "s1")
	require.NoError(t, err)
	require.Len(t, got, 3)

	assert.Equal(t, "A", got[0].PackageID)
	assert.Equal(t, "required", got[0].Restart)
	assert.Equal(t, 1500*time.Millisecond, got[0].Duration)
	assert.False(t, got[0].Rollback)

	assert.Equal(t, ActionStatusFailed, got[1].Status)
	require.NotNil(t, got[1].Error)
	assert.Equal(t, failure, *got[1].Error)
	assert.Equal(t, "none", got[1].Restart)

	assert.True(t, got[2].Rollback)

	// Ledger rows need an existing session.
	err = store.AppendAction(ctx, &ActionEntry{SessionID: "missing", Sequence: 1, Kind: "x", Status: ActionStatusSucceeded})
	assert.Error(t, err)
}

func TestConcurrentLedgerWrites(t *testing.T) {
	store, err := NewSQLiteStore(Config{Path: filepath.Join(t.TempDir(), "burn.db")})
	require.NoError(t, err)
	ctx := context.Background()
	require.NoError(t, store.Init(ctx))
	require.NoError(t, store.Migrate(ctx))
	defer store.Close()

	require.NoError(t, store.CreateSession(ctx, &ApplySession{ID: "s1", BundleID: "{B}", Action: "install"}))

	var wg sync.WaitGroup
	for i := 1; i <= 20; i++ {
		wg.Add(1)
		go func(seq int64) {
			defer wg.Done()
			assert.NoError(t, store.AppendAction(ctx, &ActionEntry{
				SessionID: "s1", Sequence: seq, Kind: "cache-package", Status: ActionStatusSucceeded,
			}))
		}(int64(i))
	}
	wg.Wait()

	got, err := store.ListActions(ctx, "s1")
	require.NoError(t, err)
	require.Len(t, got, 20)
	for i, e := range got {
		assert.Equal(t, int64(i+1), e.Sequence)
	}
}
