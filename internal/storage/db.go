package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

const (
	// walCheckpointInterval is how often we checkpoint the WAL file
	// to prevent unbounded growth while a long reconciliation run is active.
	walCheckpointInterval = 5 * time.Minute

	defaultBusyTimeoutMs = 5000
)

// SQLiteStore implements the Store interface using SQLite.
type SQLiteStore struct {
	db        *sql.DB
	stopCh    chan struct{} // signals background goroutines to stop
	stoppedCh chan struct{} // signals background goroutines have stopped
	closeOnce sync.Once     // ensures Close() is idempotent
	closeErr  error         // stores the error from Close()
	now       func() time.Time
}

// Options tunes how the database is opened.
type Options struct {
	BusyTimeoutMs int
	// Now overrides the clock used for created/updated timestamps.
	Now func() time.Time
}

// NewSQLiteStore creates a new SQLiteStore with the given database path.
// The database is opened with WAL mode enabled for better concurrency.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	return Open(dbPath, Options{})
}

// Open creates a SQLiteStore with explicit options.
func Open(dbPath string, opts Options) (*SQLiteStore, error) {
	if dbPath == "" {
		return nil, errors.New("database path is required")
	}
	if opts.BusyTimeoutMs <= 0 {
		opts.BusyTimeoutMs = defaultBusyTimeoutMs
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	// modernc.org/sqlite uses _pragma=name(value) syntax
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(%d)&_pragma=foreign_keys(1)",
		dbPath, opts.BusyTimeoutMs)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Single writer: transactions below rely on this to serialise
	// check-and-set updates.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	store := &SQLiteStore{
		db:        db,
		stopCh:    make(chan struct{}),
		stoppedCh: make(chan struct{}),
		now:       opts.Now,
	}

	if err := store.migrate(context.Background()); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	go store.walCheckpointLoop()

	return store, nil
}

// Close closes the database connection.
// It is safe to call Close multiple times.
func (s *SQLiteStore) Close() error {
	s.closeOnce.Do(func() {
		if s.stopCh != nil {
			close(s.stopCh)
			<-s.stoppedCh
		}

		if s.db != nil {
			// Final checkpoint before closing to merge WAL into main db
			_, _ = s.db.Exec("PRAGMA wal_checkpoint(TRUNCATE)")
			s.closeErr = s.db.Close()
		}
	})
	return s.closeErr
}

// DB returns the underlying database connection for advanced use cases.
func (s *SQLiteStore) DB() *sql.DB {
	return s.db
}

func (s *SQLiteStore) nowMs() int64 {
	return s.now().UnixMilli()
}

func (s *SQLiteStore) walCheckpointLoop() {
	defer close(s.stoppedCh)

	ticker := time.NewTicker(walCheckpointInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			if _, err := s.db.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
				slog.Warn("WAL checkpoint failed", "error", err)
			}
		}
	}
}

// withTx runs fn inside a transaction. fn must only use tx; the pool has a
// single connection and reaching for s.db would deadlock.
func (s *SQLiteStore) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// migrate runs database migrations to ensure the schema is up to date.
func (s *SQLiteStore) migrate(ctx context.Context) error {
	currentVersion := 0
	row := s.db.QueryRowContext(ctx, `
		SELECT version FROM schema_meta ORDER BY version DESC LIMIT 1
	`)
	if err := row.Scan(&currentVersion); err != nil {
		if errors.Is(err, sql.ErrNoRows) || isTableNotFoundError(err) {
			currentVersion = 0
		} else {
			return fmt.Errorf("failed to read schema version: %w", err)
		}
	}

	migrations := []struct {
		version int
		sql     string
	}{
		{version: 1, sql: migrationV1},
		{version: 2, sql: migrationV2},
		{version: 3, sql: migrationV3},
	}

	for _, m := range migrations {
		if m.version <= currentVersion {
			continue
		}

		if _, err := s.db.ExecContext(ctx, m.sql); err != nil {
			return fmt.Errorf("migration v%d failed: %w", m.version, err)
		}

		_, err := s.db.ExecContext(ctx, `
			INSERT OR REPLACE INTO schema_meta (version, applied_at_unix_ms)
			VALUES (?, ?)
		`, m.version, time.Now().UnixMilli())
		if err != nil {
			return fmt.Errorf("failed to record migration v%d: %w", m.version, err)
		}
	}

	return nil
}

func isTableNotFoundError(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "no such table") || strings.Contains(msg, "does not exist")
}

func isDuplicateKeyError(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") ||
		strings.Contains(msg, "duplicate key") ||
		strings.Contains(msg, "already exists")
}

// immutablePrefix tags every RAISE(ABORT, ...) message emitted by the
// immutability triggers below.
const immutablePrefix = "immutable:"

func isImmutableError(err error) bool {
	return err != nil && strings.Contains(err.Error(), immutablePrefix)
}

// migrationV1 creates manifests and the run tables.
const migrationV1 = `
CREATE TABLE IF NOT EXISTS schema_meta (
  version INTEGER PRIMARY KEY,
  applied_at_unix_ms INTEGER NOT NULL
);

-- Manifests: one row per (project, commit)
CREATE TABLE IF NOT EXISTS manifests (
  manifest_id TEXT PRIMARY KEY,
  project_id TEXT NOT NULL,
  commit_hash TEXT NOT NULL,
  status TEXT NOT NULL DEFAULT 'complete',
  content_json TEXT NOT NULL,
  created_at INTEGER NOT NULL,
  UNIQUE (project_id, commit_hash)
);

CREATE TRIGGER IF NOT EXISTS manifests_frozen
BEFORE UPDATE ON manifests
WHEN OLD.status = 'complete'
BEGIN
  SELECT RAISE(ABORT, 'immutable: manifest is complete');
END;

-- Reconciliation runs
CREATE TABLE IF NOT EXISTS runs (
  run_id TEXT PRIMARY KEY,
  project_id TEXT NOT NULL,
  commit_hash TEXT NOT NULL DEFAULT '',
  manifest_id TEXT NOT NULL DEFAULT '',
  mode TEXT NOT NULL,
  status TEXT NOT NULL,
  current_phase TEXT NOT NULL DEFAULT '',
  attestation TEXT NOT NULL,
  exception_lane TEXT NOT NULL DEFAULT 'normal',
  justification TEXT NOT NULL DEFAULT '',
  source_json TEXT NOT NULL DEFAULT '{}',
  atoms_inferred INTEGER NOT NULL DEFAULT 0,
  molecules_inferred INTEGER NOT NULL DEFAULT 0,
  last_error TEXT NOT NULL DEFAULT '',
  recovered_from TEXT NOT NULL DEFAULT '',
  review_round INTEGER NOT NULL DEFAULT 0,
  created_at INTEGER NOT NULL,
  updated_at INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_runs_status ON runs(status);
CREATE INDEX IF NOT EXISTS idx_runs_project ON runs(project_id, created_at DESC);

-- Append-only run error list
CREATE TABLE IF NOT EXISTS run_errors (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  run_id TEXT NOT NULL REFERENCES runs(run_id),
  phase TEXT NOT NULL,
  kind TEXT NOT NULL,
  message TEXT NOT NULL,
  created_at INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_run_errors_run ON run_errors(run_id, id);

CREATE TRIGGER IF NOT EXISTS run_errors_no_update
BEFORE UPDATE ON run_errors
BEGIN
  SELECT RAISE(ABORT, 'immutable: run_errors is append-only');
END;

CREATE TRIGGER IF NOT EXISTS run_errors_no_delete
BEFORE DELETE ON run_errors
BEGIN
  SELECT RAISE(ABORT, 'immutable: run_errors is append-only');
END;

-- Ordered per-run event log
CREATE TABLE IF NOT EXISTS run_events (
  run_id TEXT NOT NULL REFERENCES runs(run_id),
  seq INTEGER NOT NULL,
  type TEXT NOT NULL,
  status TEXT NOT NULL,
  phase TEXT NOT NULL DEFAULT '',
  atoms_inferred INTEGER NOT NULL DEFAULT 0,
  molecules_inferred INTEGER NOT NULL DEFAULT 0,
  error_count INTEGER NOT NULL DEFAULT 0,
  message TEXT NOT NULL DEFAULT '',
  created_at INTEGER NOT NULL,
  PRIMARY KEY (run_id, seq)
);

-- Raw per-phase output kept alongside the manifest for resume/recovery
CREATE TABLE IF NOT EXISTS manifest_phase_state (
  run_id TEXT NOT NULL REFERENCES runs(run_id),
  phase TEXT NOT NULL,
  manifest_id TEXT NOT NULL DEFAULT '',
  state_json TEXT NOT NULL,
  created_at INTEGER NOT NULL,
  updated_at INTEGER NOT NULL,
  PRIMARY KEY (run_id, phase)
);
`

// migrationV2 adds atoms, molecules and the commitment ledger.
const migrationV2 = `
CREATE TABLE IF NOT EXISTS atoms (
  seq INTEGER PRIMARY KEY AUTOINCREMENT,
  atom_id TEXT NOT NULL UNIQUE,
  description TEXT NOT NULL,
  category TEXT NOT NULL,
  status TEXT NOT NULL DEFAULT 'draft',
  outcomes_json TEXT NOT NULL DEFAULT '[]',
  confidence REAL NOT NULL,
  source_file TEXT NOT NULL DEFAULT '',
  source_test TEXT NOT NULL DEFAULT '',
  source_line INTEGER NOT NULL DEFAULT 0,
  evidence_json TEXT NOT NULL DEFAULT '[]',
  origin_json TEXT NOT NULL DEFAULT 'null',
  run_id TEXT NOT NULL DEFAULT '',
  temp_id TEXT NOT NULL DEFAULT '',
  version INTEGER NOT NULL DEFAULT 1,
  created_at INTEGER NOT NULL,
  updated_at INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_atoms_status ON atoms(status);
CREATE INDEX IF NOT EXISTS idx_atoms_run ON atoms(run_id);

CREATE TRIGGER IF NOT EXISTS atoms_confidence_frozen
BEFORE UPDATE OF confidence ON atoms
WHEN NEW.confidence IS NOT OLD.confidence
BEGIN
  SELECT RAISE(ABORT, 'immutable: atom confidence');
END;

CREATE TRIGGER IF NOT EXISTS atoms_content_frozen
BEFORE UPDATE OF description, category, outcomes_json, source_file, source_test ON atoms
WHEN OLD.status <> 'draft'
BEGIN
  SELECT RAISE(ABORT, 'immutable: atom is committed');
END;

CREATE TRIGGER IF NOT EXISTS atoms_no_delete_committed
BEFORE DELETE ON atoms
WHEN OLD.status IN ('committed', 'superseded')
BEGIN
  SELECT RAISE(ABORT, 'immutable: committed atoms cannot be deleted');
END;

CREATE TABLE IF NOT EXISTS molecules (
  molecule_id TEXT PRIMARY KEY,
  run_id TEXT NOT NULL DEFAULT '',
  temp_id TEXT NOT NULL DEFAULT '',
  name TEXT NOT NULL,
  description TEXT NOT NULL DEFAULT '',
  atom_ids_json TEXT NOT NULL DEFAULT '[]',
  confidence REAL NOT NULL DEFAULT 0,
  parent_id TEXT REFERENCES molecules(molecule_id),
  degraded INTEGER NOT NULL DEFAULT 0,
  created_at INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_molecules_run ON molecules(run_id);

CREATE TABLE IF NOT EXISTS commitments (
  id TEXT PRIMARY KEY,
  seq INTEGER NOT NULL UNIQUE,
  commitment_id TEXT NOT NULL UNIQUE,
  canonical_json TEXT NOT NULL,
  content_hash TEXT NOT NULL,
  committed_by TEXT NOT NULL,
  committed_at INTEGER NOT NULL,
  invariant_checks_json TEXT NOT NULL DEFAULT '[]',
  override_justification TEXT NOT NULL DEFAULT '',
  supersedes TEXT REFERENCES commitments(id),
  superseded_by TEXT REFERENCES commitments(id),
  supersession_reason TEXT NOT NULL DEFAULT '',
  status TEXT NOT NULL DEFAULT 'active',
  chain_version INTEGER NOT NULL DEFAULT 1
);

CREATE INDEX IF NOT EXISTS idx_commitments_status ON commitments(status);

CREATE TRIGGER IF NOT EXISTS commitments_canonical_frozen
BEFORE UPDATE OF canonical_json, content_hash, committed_by, committed_at,
  invariant_checks_json, override_justification, supersedes, chain_version ON commitments
BEGIN
  SELECT RAISE(ABORT, 'immutable: commitment canonical_json');
END;

CREATE TRIGGER IF NOT EXISTS commitments_status_final
BEFORE UPDATE OF status, superseded_by ON commitments
WHEN OLD.status = 'superseded'
BEGIN
  SELECT RAISE(ABORT, 'immutable: commitment already superseded');
END;

CREATE TRIGGER IF NOT EXISTS commitments_no_delete
BEFORE DELETE ON commitments
BEGIN
  SELECT RAISE(ABORT, 'immutable: commitments cannot be deleted');
END;

CREATE TABLE IF NOT EXISTS commitment_atoms (
  commitment_id TEXT NOT NULL REFERENCES commitments(id),
  atom_id TEXT NOT NULL REFERENCES atoms(atom_id),
  PRIMARY KEY (commitment_id, atom_id)
);

CREATE INDEX IF NOT EXISTS idx_commitment_atoms_atom ON commitment_atoms(atom_id);

CREATE TRIGGER IF NOT EXISTS commitment_atoms_no_delete
BEFORE DELETE ON commitment_atoms
BEGIN
  SELECT RAISE(ABORT, 'immutable: commitment membership');
END;
`

// migrationV3 adds drift debt tracking.
const migrationV3 = `
CREATE TABLE IF NOT EXISTS drift_items (
  id TEXT PRIMARY KEY,
  project_id TEXT NOT NULL,
  file_path TEXT NOT NULL,
  test_name TEXT NOT NULL DEFAULT '',
  drift_type TEXT NOT NULL,
  status TEXT NOT NULL DEFAULT 'open',
  severity TEXT NOT NULL,
  detail TEXT NOT NULL DEFAULT '',
  detected_by_run_id TEXT NOT NULL,
  last_confirmed_by_run_id TEXT NOT NULL,
  resolved_by_run_id TEXT NOT NULL DEFAULT '',
  detected_at INTEGER NOT NULL,
  last_confirmed_at INTEGER NOT NULL,
  resolved_at INTEGER NOT NULL DEFAULT 0,
  age_days INTEGER NOT NULL DEFAULT 0,
  confirmation_count INTEGER NOT NULL DEFAULT 1,
  due_at INTEGER NOT NULL,
  exception_lane TEXT NOT NULL DEFAULT 'normal',
  justification TEXT NOT NULL DEFAULT ''
);

-- At most one live item per key; resolved and waived rows are history.
CREATE UNIQUE INDEX IF NOT EXISTS idx_drift_items_live_key
  ON drift_items(project_id, file_path, test_name, drift_type)
  WHERE status IN ('open', 'acknowledged');

CREATE INDEX IF NOT EXISTS idx_drift_items_project ON drift_items(project_id, status);
`
