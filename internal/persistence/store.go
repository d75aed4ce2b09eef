package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math/rand/v2"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/mattn/go-sqlite3"
)

const (
	// Schema v1 keyed tasks and contact keys by task id alone.
	schemaVersionV1  = 1
	schemaChecksumV1 = "em-v1-task-id-keyed"

	// Schema v2 scopes every mirror row by chain id.
	schemaVersionV2  = 2
	schemaChecksumV2 = "em-v2-chain-id-isolation"

	schemaVersionLatest  = schemaVersionV2
	schemaChecksumLatest = schemaChecksumV2

	writeRetries = 5
)

// ErrNotFound is returned by single-row lookups that match nothing.
var ErrNotFound = errors.New("persistence: not found")

// Options controls how Open prepares the database.
type Options struct {
	// LegacyChainID is stamped onto rows of a v1 database during the
	// chain-id isolation upgrade. Required only when such a database is found.
	LegacyChainID string
}

// Store is the mirror database. All writes go through a single connection.
type Store struct {
	db *sql.DB
}

// DefaultDBPath returns the database location under the default home.
func DefaultDBPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "escrowmirror.db"
	}
	return filepath.Join(home, ".escrowmirror", "escrowmirror.db")
}

// Open opens (creating if needed) the mirror database at path and brings its
// schema to the latest version.
func Open(path string, opts Options) (*Store, error) {
	if path == "" {
		path = DefaultDBPath()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	dsn := fmt.Sprintf("%s?_busy_timeout=5000&_foreign_keys=on", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite3: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	store := &Store{db: db}
	if err := store.configurePragmas(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := store.initSchema(context.Background(), opts); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

func (s *Store) DB() *sql.DB {
	return s.db
}

func (s *Store) Close() error {
	return s.db.Close()
}

// Ping verifies the database answers queries.
func (s *Store) Ping(ctx context.Context) error {
	var one int
	if err := s.db.QueryRowContext(ctx, `SELECT 1;`).Scan(&one); err != nil {
		return fmt.Errorf("ping database: %w", err)
	}
	return nil
}

// retryOnBusy retries f when SQLite returns BUSY or LOCKED, on top of the
// driver's busy_timeout. maxRetries counts retries, not attempts.
func retryOnBusy(ctx context.Context, maxRetries int, f func() error) error {
	for attempt := 0; ; attempt++ {
		err := f()
		if err == nil || !isSQLiteBusy(err) || attempt == maxRetries {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(busyDelay(attempt)):
		}
	}
}

// busyDelay doubles from 50ms up to 500ms with up to 25% jitter either way.
func busyDelay(attempt int) time.Duration {
	const (
		baseDelay = 50 * time.Millisecond
		maxDelay  = 500 * time.Millisecond
	)
	delay := maxDelay
	if attempt < 4 {
		delay = min(baseDelay<<uint(attempt), maxDelay)
	}
	return delay - delay/4 + time.Duration(rand.IntN(int(delay/2)))
}

// isSQLiteBusy reports SQLITE_BUSY (5) and SQLITE_LOCKED (6). Errors that
// lost their driver type on the way up are matched by message.
func isSQLiteBusy(err error) bool {
	if err == nil {
		return false
	}
	var se sqlite3.Error
	if errors.As(err, &se) {
		return se.Code == sqlite3.ErrBusy || se.Code == sqlite3.ErrLocked
	}
	msg := err.Error()
	return strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "database table is locked") ||
		strings.Contains(msg, "SQLITE_BUSY") ||
		strings.Contains(msg, "SQLITE_LOCKED")
}

func (s *Store) configurePragmas(ctx context.Context) error {
	pragma := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=FULL;",
	}
	for _, q := range pragma {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("set pragma %q: %w", q, err)
		}
	}
	return nil
}

func (s *Store) initSchema(ctx context.Context, opts Options) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin migration tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			checksum TEXT NOT NULL,
			applied_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);
	`); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	var maxVersion int
	if err := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(version), 0) FROM schema_migrations;`).Scan(&maxVersion); err != nil {
		return fmt.Errorf("read migration max version: %w", err)
	}
	if maxVersion > schemaVersionLatest {
		return fmt.Errorf("db schema version %d is newer than supported %d", maxVersion, schemaVersionLatest)
	}

	if maxVersion > 0 {
		want := map[int]string{
			schemaVersionV1: schemaChecksumV1,
			schemaVersionV2: schemaChecksumV2,
		}[maxVersion]
		var existingChecksum string
		if err := tx.QueryRowContext(ctx, `SELECT checksum FROM schema_migrations WHERE version = ?;`, maxVersion).Scan(&existingChecksum); err != nil {
			return fmt.Errorf("read schema migration checksum: %w", err)
		}
		if existingChecksum != want {
			return fmt.Errorf("schema checksum mismatch for version %d: got %q want %q", maxVersion, existingChecksum, want)
		}
	}

	if maxVersion == schemaVersionV1 {
		if strings.TrimSpace(opts.LegacyChainID) == "" {
			return errors.New("database uses the v1 task-id keyed schema; a chain id is required to upgrade it")
		}
		if err := s.isolateLegacyRowsTx(ctx, tx, opts.LegacyChainID); err != nil {
			return err
		}
	}

	if maxVersion < schemaVersionLatest {
		for _, stmt := range schemaStatements {
			if _, err := tx.ExecContext(ctx, stmt); err != nil {
				return fmt.Errorf("apply schema: %w", err)
			}
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO schema_migrations (version, checksum) VALUES (?, ?);
		`, schemaVersionLatest, schemaChecksumLatest); err != nil {
			return fmt.Errorf("record schema migration: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit migration tx: %w", err)
	}
	return nil
}

var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS tasks (
		chain_id TEXT NOT NULL,
		task_id TEXT NOT NULL,
		title TEXT NOT NULL,
		description TEXT NOT NULL,
		contacts_encrypted_payload TEXT NOT NULL,
		contacts_plaintext TEXT,
		created_at TEXT NOT NULL,
		category TEXT,
		creator TEXT,
		updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
		PRIMARY KEY (chain_id, task_id)
	);`,
	`CREATE TABLE IF NOT EXISTS contact_keys (
		chain_id TEXT NOT NULL,
		task_id TEXT NOT NULL,
		creator_wrapped_dek TEXT NOT NULL,
		helper_wrapped_dek TEXT NOT NULL DEFAULT '',
		created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
		updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
		PRIMARY KEY (chain_id, task_id),
		FOREIGN KEY (chain_id, task_id) REFERENCES tasks(chain_id, task_id) ON DELETE CASCADE
	);`,
	`CREATE TABLE IF NOT EXISTS profiles (
		address TEXT PRIMARY KEY COLLATE NOCASE,
		nickname TEXT NOT NULL,
		city TEXT NOT NULL,
		skills TEXT NOT NULL DEFAULT '[]',
		encryption_pub_key TEXT NOT NULL,
		contacts TEXT,
		created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
		updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
	);`,
	`CREATE TABLE IF NOT EXISTS kv_store (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL,
		updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
	);`,
	`CREATE TABLE IF NOT EXISTS sync_runs (
		id TEXT PRIMARY KEY,
		chain_id TEXT NOT NULL,
		source TEXT NOT NULL,
		started_at DATETIME NOT NULL,
		finished_at DATETIME NOT NULL,
		task_counter INTEGER NOT NULL DEFAULT 0,
		synced INTEGER NOT NULL DEFAULT 0,
		failed INTEGER NOT NULL DEFAULT 0,
		skipped INTEGER NOT NULL DEFAULT 0,
		error TEXT NOT NULL DEFAULT ''
	);`,
	`CREATE TABLE IF NOT EXISTS audit_log (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		trace_id TEXT NOT NULL DEFAULT '',
		actor TEXT NOT NULL,
		action TEXT NOT NULL,
		subject TEXT NOT NULL,
		detail TEXT NOT NULL DEFAULT '',
		created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
	);`,
	`CREATE INDEX IF NOT EXISTS idx_tasks_creator ON tasks(chain_id, creator);`,
	`CREATE INDEX IF NOT EXISTS idx_sync_runs_chain ON sync_runs(chain_id, started_at);`,
	`CREATE INDEX IF NOT EXISTS idx_audit_log_created ON audit_log(created_at);`,
}

// isolateLegacyRowsTx rebuilds the v1 tasks and contact_keys tables under the
// (chain_id, task_id) key. Contact keys are moved first so the new foreign
// key never points at the old table.
func (s *Store) isolateLegacyRowsTx(ctx context.Context, tx *sql.Tx, chainID string) error {
	steps := []struct {
		name string
		sql  string
		args []any
	}{
		{"rename legacy contact_keys", `ALTER TABLE contact_keys RENAME TO _contact_keys_v1;`, nil},
		{"rename legacy tasks", `ALTER TABLE tasks RENAME TO _tasks_v1;`, nil},
		{"create tasks", schemaStatements[0], nil},
		{"create contact_keys", schemaStatements[1], nil},
		{"copy tasks", `
			INSERT INTO tasks (chain_id, task_id, title, description, contacts_encrypted_payload,
				contacts_plaintext, created_at, category, creator, updated_at)
			SELECT ?, task_id, title, description, contacts_encrypted_payload,
				contacts_plaintext, created_at, category, creator, COALESCE(updated_at, CURRENT_TIMESTAMP)
			FROM _tasks_v1;`, []any{chainID}},
		{"copy contact_keys", `
			INSERT INTO contact_keys (chain_id, task_id, creator_wrapped_dek, helper_wrapped_dek, created_at, updated_at)
			SELECT ?, task_id, creator_wrapped_dek, COALESCE(helper_wrapped_dek, ''),
				COALESCE(created_at, CURRENT_TIMESTAMP), COALESCE(updated_at, CURRENT_TIMESTAMP)
			FROM _contact_keys_v1
			WHERE task_id IN (SELECT task_id FROM _tasks_v1);`, []any{chainID}},
		{"drop legacy contact_keys", `DROP TABLE _contact_keys_v1;`, nil},
		{"drop legacy tasks", `DROP TABLE _tasks_v1;`, nil},
	}
	for _, step := range steps {
		if _, err := tx.ExecContext(ctx, step.sql, step.args...); err != nil {
			return fmt.Errorf("chain id isolation: %s: %w", step.name, err)
		}
	}
	return nil
}

// SchemaVersion reports the highest applied migration.
func (s *Store) SchemaVersion(ctx context.Context) (int, error) {
	var v int
	if err := s.db.QueryRowContext(ctx, `SELECT COALESCE(MAX(version), 0) FROM schema_migrations;`).Scan(&v); err != nil {
		return 0, fmt.Errorf("read schema version: %w", err)
	}
	return v, nil
}

// Backup writes a consistent copy of the database with VACUUM INTO.
func (s *Store) Backup(ctx context.Context, destPath string) error {
	if destPath == "" {
		return fmt.Errorf("backup destination path required")
	}
	if _, err := os.Stat(destPath); err == nil {
		return fmt.Errorf("backup destination already exists: %s", destPath)
	}
	if _, err := s.db.ExecContext(ctx, `VACUUM INTO ?;`, destPath); err != nil {
		return fmt.Errorf("backup (VACUUM INTO): %w", err)
	}
	return nil
}

func (s *Store) KVSet(ctx context.Context, key, val string) error {
	return retryOnBusy(ctx, writeRetries, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO kv_store (key, value, updated_at)
			VALUES (?, ?, CURRENT_TIMESTAMP)
			ON CONFLICT(key) DO UPDATE SET value=excluded.value, updated_at=CURRENT_TIMESTAMP;
		`, key, val)
		if err != nil {
			return fmt.Errorf("kv set: %w", err)
		}
		return nil
	})
}

// KVGet retrieves a value from the kv_store. Returns empty string if key not found.
func (s *Store) KVGet(ctx context.Context, key string) (string, error) {
	var val string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM kv_store WHERE key = ?`, key).Scan(&val)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", nil
		}
		return "", fmt.Errorf("kv get: %w", err)
	}
	return val, nil
}

// Tx exposes the writes that must land together, such as a task row and its
// contact key.
type Tx struct {
	tx *sql.Tx
}

// WithTx runs fn inside a single transaction, committing when fn returns nil.
// The whole transaction is retried when SQLite reports contention.
func (s *Store) WithTx(ctx context.Context, fn func(tx *Tx) error) error {
	return retryOnBusy(ctx, writeRetries, func() error {
		sqlTx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin tx: %w", err)
		}
		defer func() { _ = sqlTx.Rollback() }()
		if err := fn(&Tx{tx: sqlTx}); err != nil {
			return err
		}
		if err := sqlTx.Commit(); err != nil {
			return fmt.Errorf("commit tx: %w", err)
		}
		return nil
	})
}

// MirrorCounts summarizes the mirror for one chain.
type MirrorCounts struct {
	Tasks               int `json:"tasks"`
	ContactKeys         int `json:"contact_keys"`
	MissingHelperDEK    int `json:"missing_helper_dek"`
	TasksWithoutKey     int `json:"tasks_without_key"`
	PlaceholderMetadata int `json:"placeholder_metadata"`
	Profiles            int `json:"profiles"`
}

func (s *Store) Counts(ctx context.Context, chainID string) (MirrorCounts, error) {
	var c MirrorCounts
	err := s.db.QueryRowContext(ctx, `
		SELECT
			(SELECT COUNT(1) FROM tasks WHERE chain_id = ?1),
			(SELECT COUNT(1) FROM contact_keys WHERE chain_id = ?1),
			(SELECT COUNT(1) FROM contact_keys WHERE chain_id = ?1 AND helper_wrapped_dek = ''),
			(SELECT COUNT(1) FROM tasks t WHERE t.chain_id = ?1 AND NOT EXISTS (
				SELECT 1 FROM contact_keys k WHERE k.chain_id = t.chain_id AND k.task_id = t.task_id)),
			(SELECT COUNT(1) FROM tasks WHERE chain_id = ?1 AND title LIKE ?2),
			(SELECT COUNT(1) FROM profiles);
	`, chainID, "%"+placeholderMarker+"%").Scan(&c.Tasks, &c.ContactKeys, &c.MissingHelperDEK, &c.TasksWithoutKey, &c.PlaceholderMetadata, &c.Profiles)
	if err != nil {
		return c, fmt.Errorf("count mirror rows: %w", err)
	}
	return c, nil
}
