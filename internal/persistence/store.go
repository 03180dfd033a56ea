// Package persistence is the SQLite-backed store for projects, requirements,
// stories, test artifacts, issues and sprints.
package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"math/rand/v2"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
	_ "modernc.org/sqlite"

	"github.com/basket/storyforge/internal/bus"
)

const (
	schemaVersionV1  = 1
	schemaChecksumV1 = "sf-v1-2026-09-02-core"

	// v2 adds story_versions and the test_results (run, case) uniqueness.
	schemaVersionV2  = 2
	schemaChecksumV2 = "sf-v2-2026-09-20-story-history"

	schemaVersionLatest  = schemaVersionV2
	schemaChecksumLatest = schemaChecksumV2

	// Driver names accepted by Open.
	DriverMattn   = "sqlite3"
	DriverModernc = "sqlite"
)

type Store struct {
	db     *sql.DB
	bus    *bus.Bus // may be nil in tests
	driver string
	now    func() time.Time
}

// Open opens (creating if needed) the database at path with the given
// driver and applies the schema.
func Open(path, driver string, eventBus *bus.Bus) (*Store, error) {
	if path == "" {
		return nil, fmt.Errorf("open store: empty path")
	}
	if driver == "" {
		driver = DriverMattn
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	var dsn string
	switch driver {
	case DriverMattn:
		dsn = fmt.Sprintf("%s?_busy_timeout=5000&_foreign_keys=on", path)
	case DriverModernc:
		dsn = fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)", path)
	default:
		return nil, fmt.Errorf("open store: unsupported driver %q", driver)
	}
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", driver, err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	store := &Store{db: db, bus: eventBus, driver: driver, now: time.Now}
	if err := store.configurePragmas(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := store.initSchema(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

func (s *Store) DB() *sql.DB {
	return s.db
}

func (s *Store) Driver() string {
	return s.driver
}

func (s *Store) Close() error {
	return s.db.Close()
}

// Ping verifies the connection; used by /healthz and doctor.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// retryOnBusy retries f when SQLite returns BUSY or LOCKED, with exponential
// backoff (50ms doubling, capped at 500ms) and ±25% jitter.
func retryOnBusy(ctx context.Context, maxRetries int, f func() error) error {
	const baseDelay = 50 * time.Millisecond
	const maxDelay = 500 * time.Millisecond

	var err error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		err = f()
		if err == nil {
			return nil
		}
		if !isSQLiteBusy(err) || attempt == maxRetries {
			return err
		}
		delay := baseDelay << uint(attempt)
		if delay > maxDelay {
			delay = maxDelay
		}
		jitter := time.Duration(rand.IntN(int(delay / 2)))
		delay = delay - delay/4 + jitter

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	return err
}

// isSQLiteBusy matches on the message so both drivers are covered without
// importing their error types.
func isSQLiteBusy(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "database table is locked") ||
		strings.Contains(msg, "SQLITE_BUSY") ||
		strings.Contains(msg, "(5)") ||
		strings.Contains(msg, "(6)")
}

// IsUniqueViolation reports a UNIQUE constraint failure from either driver.
func IsUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") || strings.Contains(msg, "(2067)")
}

// withTx runs f in a transaction, retrying the whole unit on BUSY.
func (s *Store) withTx(ctx context.Context, op string, f func(tx *sql.Tx) error) error {
	return retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("%s: begin tx: %w", op, err)
		}
		defer func() { _ = tx.Rollback() }()
		if err := f(tx); err != nil {
			return err
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("%s: commit: %w", op, err)
		}
		return nil
	})
}

func (s *Store) configurePragmas(ctx context.Context) error {
	for _, q := range []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=FULL;",
		"PRAGMA foreign_keys=ON;",
	} {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("set pragma %q: %w", q, err)
		}
	}
	return nil
}

func (s *Store) initSchema(ctx context.Context) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin migration tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			checksum TEXT NOT NULL,
			applied_at TEXT NOT NULL
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
	known := map[int]string{schemaVersionV1: schemaChecksumV1, schemaVersionV2: schemaChecksumV2}
	if maxVersion > 0 {
		var existing string
		if err := tx.QueryRowContext(ctx, `SELECT checksum FROM schema_migrations WHERE version = ?;`, maxVersion).Scan(&existing); err != nil {
			return fmt.Errorf("read schema migration checksum: %w", err)
		}
		if existing != known[maxVersion] {
			return fmt.Errorf("schema checksum mismatch for version %d: got %q want %q", maxVersion, existing, known[maxVersion])
		}
		if maxVersion == schemaVersionLatest {
			return tx.Commit()
		}
	}

	for _, stmt := range tableStatements {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("exec migration table: %w", err)
		}
	}
	for _, stmt := range indexStatements {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("exec migration index: %w", err)
		}
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT OR REPLACE INTO schema_migrations (version, checksum, applied_at)
		VALUES (?, ?, ?);
	`, schemaVersionLatest, schemaChecksumLatest, formatTime(time.Now())); err != nil {
		return fmt.Errorf("insert schema migration ledger: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit migration tx: %w", err)
	}
	return nil
}

// SchemaVersion returns the applied schema version.
func (s *Store) SchemaVersion(ctx context.Context) (int, error) {
	var v int
	if err := s.db.QueryRowContext(ctx, `SELECT COALESCE(MAX(version), 0) FROM schema_migrations;`).Scan(&v); err != nil {
		return 0, fmt.Errorf("schema version: %w", err)
	}
	return v, nil
}

var tableStatements = []string{
	`CREATE TABLE IF NOT EXISTS projects (
		id TEXT PRIMARY KEY,
		project_key TEXT NOT NULL UNIQUE,
		name TEXT NOT NULL,
		created_at TEXT NOT NULL
	);`,
	`CREATE TABLE IF NOT EXISTS members (
		id TEXT PRIMARY KEY,
		project_id TEXT NOT NULL REFERENCES projects(id),
		name TEXT NOT NULL,
		email TEXT NOT NULL DEFAULT '',
		skills TEXT NOT NULL DEFAULT '[]',
		created_at TEXT NOT NULL
	);`,
	`CREATE TABLE IF NOT EXISTS requirements (
		id TEXT PRIMARY KEY,
		project_id TEXT REFERENCES projects(id),
		epic_key TEXT,
		linked_issue_id TEXT NOT NULL DEFAULT '',
		title TEXT NOT NULL,
		content TEXT NOT NULL DEFAULT '',
		file_url TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL DEFAULT 'active',
		version INTEGER NOT NULL DEFAULT 1 CHECK(version >= 1),
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		UNIQUE(project_id, epic_key)
	);`,
	`CREATE TABLE IF NOT EXISTS requirement_versions (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		requirement_id TEXT NOT NULL REFERENCES requirements(id),
		version INTEGER NOT NULL,
		title TEXT NOT NULL,
		content TEXT NOT NULL,
		changes TEXT NOT NULL,
		change_details TEXT NOT NULL DEFAULT '',
		created_at TEXT NOT NULL,
		UNIQUE(requirement_id, version)
	);`,
	`CREATE TABLE IF NOT EXISTS stories (
		id TEXT PRIMARY KEY,
		story_key TEXT NOT NULL,
		project_id TEXT NOT NULL REFERENCES projects(id),
		requirement_id TEXT NOT NULL REFERENCES requirements(id),
		epic_key TEXT NOT NULL DEFAULT '',
		title TEXT NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		story_type TEXT NOT NULL CHECK(story_type IN ('ui', 'api')),
		acceptance_criteria TEXT NOT NULL DEFAULT '[]',
		story_points INTEGER NOT NULL DEFAULT 0,
		priority TEXT NOT NULL DEFAULT 'medium',
		status TEXT NOT NULL DEFAULT 'todo',
		sync_status TEXT NOT NULL DEFAULT 'synced' CHECK(sync_status IN ('synced', 'updated', 'pending')),
		version INTEGER NOT NULL DEFAULT 1 CHECK(version >= 1),
		flagged INTEGER NOT NULL DEFAULT 0,
		linked_issue_id TEXT NOT NULL DEFAULT '',
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		UNIQUE(project_id, story_key)
	);`,
	`CREATE TABLE IF NOT EXISTS story_versions (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		story_id TEXT NOT NULL REFERENCES stories(id),
		version INTEGER NOT NULL,
		snapshot TEXT NOT NULL,
		changes TEXT NOT NULL,
		created_at TEXT NOT NULL,
		UNIQUE(story_id, version)
	);`,
	`CREATE TABLE IF NOT EXISTS test_cases (
		id TEXT PRIMARY KEY,
		test_case_key TEXT NOT NULL,
		requirement_id TEXT NOT NULL REFERENCES requirements(id),
		story_id TEXT REFERENCES stories(id),
		title TEXT NOT NULL,
		steps TEXT NOT NULL DEFAULT '[]',
		expected_result TEXT NOT NULL DEFAULT '',
		categories TEXT NOT NULL DEFAULT '[]',
		priority TEXT NOT NULL DEFAULT 'medium',
		automated INTEGER NOT NULL DEFAULT 0,
		status TEXT NOT NULL DEFAULT 'active' CHECK(status IN ('draft', 'active', 'needs_review', 'deprecated')),
		flagged INTEGER NOT NULL DEFAULT 0,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		UNIQUE(requirement_id, test_case_key)
	);`,
	`CREATE TABLE IF NOT EXISTS test_suites (
		id TEXT PRIMARY KEY,
		suite_key TEXT NOT NULL,
		requirement_id TEXT NOT NULL REFERENCES requirements(id),
		category TEXT NOT NULL,
		name TEXT NOT NULL,
		test_case_keys TEXT NOT NULL DEFAULT '[]',
		test_case_count INTEGER NOT NULL DEFAULT 0,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		UNIQUE(requirement_id, suite_key)
	);`,
	`CREATE TABLE IF NOT EXISTS test_runs (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		requirement_id TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL DEFAULT 'in_progress' CHECK(status IN ('in_progress', 'completed')),
		passed INTEGER NOT NULL DEFAULT 0,
		failed INTEGER NOT NULL DEFAULT 0,
		skipped INTEGER NOT NULL DEFAULT 0,
		blocked INTEGER NOT NULL DEFAULT 0,
		total_tests INTEGER NOT NULL DEFAULT 0,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);`,
	`CREATE TABLE IF NOT EXISTS test_results (
		id TEXT PRIMARY KEY,
		test_run_id TEXT NOT NULL REFERENCES test_runs(id),
		test_case_id TEXT NOT NULL,
		status TEXT NOT NULL CHECK(status IN ('passed', 'failed', 'skipped', 'blocked')),
		notes TEXT NOT NULL DEFAULT '',
		duration_ms INTEGER NOT NULL DEFAULT 0,
		executed_at TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		UNIQUE(test_run_id, test_case_id)
	);`,
	`CREATE TABLE IF NOT EXISTS change_logs (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		requirement_id TEXT NOT NULL,
		entity_type TEXT NOT NULL,
		entity_id TEXT NOT NULL,
		change_type TEXT NOT NULL,
		summary TEXT NOT NULL DEFAULT '',
		old_value TEXT NOT NULL DEFAULT '',
		new_value TEXT NOT NULL DEFAULT '',
		actor TEXT NOT NULL DEFAULT 'system',
		created_at TEXT NOT NULL
	);`,
	`CREATE TABLE IF NOT EXISTS issues (
		id TEXT PRIMARY KEY,
		project_id TEXT NOT NULL REFERENCES projects(id),
		issue_key TEXT NOT NULL,
		title TEXT NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		issue_type TEXT NOT NULL DEFAULT 'task',
		status TEXT NOT NULL DEFAULT 'todo',
		priority TEXT NOT NULL DEFAULT 'medium',
		story_points INTEGER NOT NULL DEFAULT 0,
		labels TEXT NOT NULL DEFAULT '[]',
		assignee_id TEXT NOT NULL DEFAULT '',
		sprint_id TEXT NOT NULL DEFAULT '',
		reporter TEXT NOT NULL DEFAULT '',
		source TEXT NOT NULL DEFAULT 'manual',
		story_id TEXT NOT NULL DEFAULT '',
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		UNIQUE(project_id, issue_key)
	);`,
	`CREATE TABLE IF NOT EXISTS sprints (
		id TEXT PRIMARY KEY,
		project_id TEXT NOT NULL REFERENCES projects(id),
		name TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'planned' CHECK(status IN ('planned', 'active', 'completed')),
		capacity INTEGER NOT NULL DEFAULT 0,
		planned_points INTEGER NOT NULL DEFAULT 0,
		completed_points INTEGER NOT NULL DEFAULT 0,
		completed_issues INTEGER NOT NULL DEFAULT 0,
		total_issues INTEGER NOT NULL DEFAULT 0,
		bug_count INTEGER NOT NULL DEFAULT 0,
		created_at TEXT NOT NULL,
		completed_at TEXT NOT NULL DEFAULT ''
	);`,
	`CREATE TABLE IF NOT EXISTS retrospectives (
		id TEXT PRIMARY KEY,
		sprint_id TEXT NOT NULL REFERENCES sprints(id),
		report TEXT NOT NULL,
		fallback INTEGER NOT NULL DEFAULT 0,
		created_at TEXT NOT NULL
	);`,
	`CREATE TABLE IF NOT EXISTS kv_store (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);`,
}

var indexStatements = []string{
	`CREATE INDEX IF NOT EXISTS idx_requirements_project ON requirements(project_id, created_at);`,
	`CREATE INDEX IF NOT EXISTS idx_stories_requirement ON stories(requirement_id, created_at);`,
	`CREATE INDEX IF NOT EXISTS idx_stories_project ON stories(project_id, created_at DESC);`,
	`CREATE INDEX IF NOT EXISTS idx_test_cases_story ON test_cases(story_id);`,
	`CREATE INDEX IF NOT EXISTS idx_test_results_case ON test_results(test_case_id, executed_at);`,
	`CREATE INDEX IF NOT EXISTS idx_change_logs_requirement ON change_logs(requirement_id, id);`,
	`CREATE INDEX IF NOT EXISTS idx_issues_project_status ON issues(project_id, status, sprint_id);`,
	`CREATE INDEX IF NOT EXISTS idx_sprints_project ON sprints(project_id, status, created_at);`,
}

// KVSet upserts a value in kv_store.
func (s *Store) KVSet(ctx context.Context, key, val string) error {
	return retryOnBusy(ctx, 3, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO kv_store (key, value, updated_at)
			VALUES (?, ?, ?)
			ON CONFLICT(key) DO UPDATE SET value=excluded.value, updated_at=excluded.updated_at;
		`, key, val, formatTime(s.now()))
		if err != nil {
			return fmt.Errorf("kv set: %w", err)
		}
		return nil
	})
}

// KVGet returns "" when the key is absent.
func (s *Store) KVGet(ctx context.Context, key string) (string, error) {
	var val string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM kv_store WHERE key = ?`, key).Scan(&val)
	if err != nil {
		if err == sql.ErrNoRows {
			return "", nil
		}
		return "", fmt.Errorf("kv get: %w", err)
	}
	return val, nil
}

// --- column helpers ---

// timeLayout is fixed-width so TEXT ordering matches time ordering.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(timeLayout)
}

// dbTime scans TEXT timestamps written by formatTime. Drivers that already
// convert to time.Time are accepted too.
type dbTime struct{ t *time.Time }

func (d dbTime) Scan(src any) error {
	switch v := src.(type) {
	case nil:
		*d.t = time.Time{}
	case time.Time:
		*d.t = v
	case string:
		return d.parse(v)
	case []byte:
		return d.parse(string(v))
	default:
		return fmt.Errorf("unsupported time column type %T", src)
	}
	return nil
}

func (d dbTime) parse(v string) error {
	if v == "" {
		*d.t = time.Time{}
		return nil
	}
	t, err := time.Parse(time.RFC3339Nano, v)
	if err != nil {
		return fmt.Errorf("parse time %q: %w", v, err)
	}
	*d.t = t
	return nil
}

func encodeList(items []string) string {
	if len(items) == 0 {
		return "[]"
	}
	b, _ := json.Marshal(items)
	return string(b)
}

// jsonList scans a JSON array column into a []string.
type jsonList struct{ out *[]string }

func (j jsonList) Scan(src any) error {
	var raw []byte
	switch v := src.(type) {
	case nil:
		*j.out = nil
		return nil
	case string:
		raw = []byte(v)
	case []byte:
		raw = v
	default:
		return fmt.Errorf("unsupported list column type %T", src)
	}
	if len(raw) == 0 {
		*j.out = nil
		return nil
	}
	var items []string
	if err := json.Unmarshal(raw, &items); err != nil {
		return fmt.Errorf("decode list column: %w", err)
	}
	*j.out = items
	return nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// placeholders returns "?, ?, ?" for n arguments.
func placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}
