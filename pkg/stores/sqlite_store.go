package stores

import (
	"context"
	"database/sql"
	"embed"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"golang.org/x/crypto/blake2b"

	// SQLite driver
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("not found")

// SQLiteStore implements the Store interface using SQLite
type SQLiteStore struct {
	db  *sql.DB
	cfg Config
	now func() time.Time
}

var _ Store = (*SQLiteStore)(nil)

// Config holds SQLite store configuration
type Config struct {
	Path            string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// NewSQLiteStore creates a new SQLite store instance
func NewSQLiteStore(cfg Config) (*SQLiteStore, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("database path is required")
	}

	// Set defaults
	if cfg.MaxOpenConns == 0 {
		cfg.MaxOpenConns = 25
	}
	if cfg.MaxIdleConns == 0 {
		cfg.MaxIdleConns = 5
	}
	if cfg.ConnMaxLifetime == 0 {
		cfg.ConnMaxLifetime = 5 * time.Minute
	}
	// Every connection to :memory: opens its own database.
	if isMemory(cfg.Path) {
		cfg.MaxOpenConns = 1
		cfg.MaxIdleConns = 1
		cfg.ConnMaxLifetime = 0
	}

	return &SQLiteStore{
		cfg: cfg,
		now: time.Now,
	}, nil
}

func isMemory(path string) bool {
	return path == ":memory:" || strings.Contains(path, "mode=memory")
}

// Init opens the database and applies the connection pragmas.
func (s *SQLiteStore) Init(ctx context.Context) error {
	pragmas := []string{"foreign_keys(1)", "busy_timeout(5000)"}
	if !isMemory(s.cfg.Path) {
		pragmas = append(pragmas, "journal_mode(WAL)", "synchronous(NORMAL)")
	}
	params := make([]string, 0, len(pragmas)+1)
	for _, p := range pragmas {
		params = append(params, "_pragma="+p)
	}
	params = append(params, "_txlock=immediate")

	sep := "?"
	if strings.Contains(s.cfg.Path, "?") {
		sep = "&"
	}
	dsn := s.cfg.Path + sep + strings.Join(params, "&")

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}

	// Configure connection pool
	db.SetMaxOpenConns(s.cfg.MaxOpenConns)
	db.SetMaxIdleConns(s.cfg.MaxIdleConns)
	db.SetConnMaxLifetime(s.cfg.ConnMaxLifetime)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to ping database: %w", err)
	}

	s.db = db
	return nil
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Migrate runs database migrations.
func (s *SQLiteStore) Migrate(_ context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}

	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}

	driver, err := sqlite3.WithInstance(s.db, &sqlite3.Config{})
	if err != nil {
		return fmt.Errorf("failed to create database driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, "sqlite3", driver)
	if err != nil {
		return fmt.Errorf("failed to create migration instance: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	return nil
}

// StateHash returns the hex BLAKE2b-256 digest stored alongside a state blob.
func StateHash(state []byte) string {
	sum := blake2b.Sum256(state)
	return hex.EncodeToString(sum[:])
}

// SaveState stores the serialized engine state of a bundle, replacing any
// previous state.
func (s *SQLiteStore) SaveState(ctx context.Context, bundleID string, state []byte) error {
	if bundleID == "" {
		return fmt.Errorf("bundle id is required")
	}
	if state == nil {
		state = []byte{}
	}

	query := `
		INSERT INTO engine_state (bundle_id, state, hash, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (bundle_id) DO UPDATE SET
			state = excluded.state,
			hash = excluded.hash,
			updated_at = excluded.updated_at
	`

	now := s.now().UTC()
	if _, err := s.db.ExecContext(ctx, query, bundleID, state, StateHash(state), now, now); err != nil {
		return fmt.Errorf("failed to save state: %w", err)
	}
	return nil
}

// GetState returns the stored state of a bundle.
func (s *SQLiteStore) GetState(ctx context.Context, bundleID string) (*EngineState, error) {
	query := `
		SELECT bundle_id, state, hash, created_at, updated_at
		FROM engine_state
		WHERE bundle_id = ?
	`

	st := &EngineState{}
	err := s.db.QueryRowContext(ctx, query, bundleID).Scan(
		&st.BundleID,
		&st.State,
		&st.Hash,
		&st.CreatedAt,
		&st.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("state of bundle %s: %w", bundleID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get state: %w", err)
	}
	return st, nil
}

// DeleteState removes the stored state of a bundle.
func (s *SQLiteStore) DeleteState(ctx context.Context, bundleID string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM engine_state WHERE bundle_id = ?`, bundleID)
	if err != nil {
		return fmt.Errorf("failed to delete state: %w", err)
	}
	return expectRow(result, "state of bundle "+bundleID)
}

// CreateSession records the start of an apply session.
func (s *SQLiteStore) CreateSession(ctx context.Context, session *ApplySession) error {
	if session.Status == "" {
		session.Status = SessionStatusRunning
	}
	if session.Restart == "" {
		session.Restart = "none"
	}
	if session.StartedAt.IsZero() {
		session.StartedAt = s.now().UTC()
	}

	query := `
		INSERT INTO apply_sessions (id, bundle_id, action, fingerprint, status, restart, error, started_at, completed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := s.db.ExecContext(ctx, query,
		session.ID,
		session.BundleID,
		session.Action,
		session.Fingerprint,
		session.Status,
		session.Restart,
		session.Error,
		session.StartedAt,
		session.CompletedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create session: %w", err)
	}
	return nil
}

// CompleteSession records the outcome of an apply session.
func (s *SQLiteStore) CompleteSession(ctx context.Context, id string, status SessionStatus, restart string, errMsg *string) error {
	if !status.IsFinal() {
		return fmt.Errorf("session status %s is not final", status)
	}

	query := `
		UPDATE apply_sessions
		SET status = ?, restart = ?, error = ?, completed_at = ?
		WHERE id = ?
	`

	result, err := s.db.ExecContext(ctx, query, status, restart, errMsg, s.now().UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to complete session: %w", err)
	}
	return expectRow(result, "session "+id)
}

const sessionColumns = `id, bundle_id, action, fingerprint, status, restart, error, started_at, completed_at`

func scanSession(row interface{ Scan(...any) error }) (*ApplySession, error) {
	session := &ApplySession{}
	err := row.Scan(
		&session.ID,
		&session.BundleID,
		&session.Action,
		&session.Fingerprint,
		&session.Status,
		&session.Restart,
		&session.Error,
		&session.StartedAt,
		&session.CompletedAt,
	)
	return session, err
}

// GetSession retrieves a session by ID
func (s *SQLiteStore) GetSession(ctx context.Context, id string) (*ApplySession, error) {
	query := `SELECT ` + sessionColumns + ` FROM apply_sessions WHERE id = ?`

	session, err := scanSession(s.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("session %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get session: %w", err)
	}
	return session, nil
}

// ListSessions lists the sessions of a bundle, newest first. An empty
// bundleID lists every bundle.
func (s *SQLiteStore) ListSessions(ctx context.Context, bundleID string, limit, offset int) ([]*ApplySession, error) {
	if limit <= 0 {
		limit = 100
	}

	query := `
		SELECT ` + sessionColumns + `
		FROM apply_sessions
		WHERE (? = '' OR bundle_id = ?)
		ORDER BY started_at DESC, rowid DESC
		LIMIT ? OFFSET ?
	`

	rows, err := s.db.QueryContext(ctx, query, bundleID, bundleID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	defer rows.Close()

	sessions := []*ApplySession{}
	for rows.Next() {
		session, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan session: %w", err)
		}
		sessions = append(sessions, session)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating sessions: %w", err)
	}

	return sessions, nil
}

// AppendAction adds one ledger row.
func (s *SQLiteStore) AppendAction(ctx context.Context, entry *ActionEntry) error {
	if entry.Restart == "" {
		entry.Restart = "none"
	}
	if entry.StartedAt.IsZero() {
		entry.StartedAt = s.now().UTC()
	}

	query := `
		INSERT INTO action_ledger (session_id, sequence, kind, package_id, rollback, status, restart, error, started_at, duration_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	result, err := s.db.ExecContext(ctx, query,
		entry.SessionID,
		entry.Sequence,
		entry.Kind,
		entry.PackageID,
		entry.Rollback,
		entry.Status,
		entry.Restart,
		entry.Error,
		entry.StartedAt,
		entry.Duration.Milliseconds(),
	)
	if err != nil {
		return fmt.Errorf("failed to append action: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get action id: %w", err)
	}
	entry.ID = id
	return nil
}

// ListActions returns the ledger of a session in execution order.
func (s *SQLiteStore) ListActions(ctx context.Context, sessionID string) ([]*ActionEntry, error) {
	query := `
		SELECT id, session_id, sequence, kind, package_id, rollback, status, restart, error, started_at, duration_ms
		FROM action_ledger
		WHERE session_id = ?
		ORDER BY sequence, id
	`

	rows, err := s.db.QueryContext(ctx, query, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to list actions: %w", err)
	}
	defer rows.Close()

	entries := []*ActionEntry{}
	for rows.Next() {
		entry := &ActionEntry{}
		var durationMS int64
		err := rows.Scan(
			&entry.ID,
			&entry.SessionID,
			&entry.Sequence,
			&entry.Kind,
			&entry.PackageID,
			&entry.Rollback,
			&entry.Status,
			&entry.Restart,
			&entry.Error,
			&entry.StartedAt,
			&durationMS,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan action: %w", err)
		}
		entry.Duration = time.Duration(durationMS) * time.Millisecond
		entries = append(entries, entry)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating actions: %w", err)
	}

	return entries, nil
}

// HealthCheck verifies the database connection is healthy
func (s *SQLiteStore) HealthCheck(ctx context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}

	return s.db.PingContext(ctx)
}

func expectRow(result sql.Result, what string) error {
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("%s: %w", what, ErrNotFound)
	}
	return nil
}
