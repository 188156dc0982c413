package storage

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

const (
	dbFileName = "naviya.db"

	// changeRetention bounds the change log; watchers only ever read the tail.
	changeRetention = 24 * time.Hour

	// Fixed-width so changed_at sorts lexically.
	timeLayout = "2006-01-02T15:04:05.000000000Z"
)

// Store is a SQLite-backed Durable. Every Store gets its own origin id, so
// two Stores opened on the same data directory behave like two browser tabs.
type Store struct {
	db     *sql.DB
	origin string
	dir    string // empty for in-memory databases
	poll   time.Duration
	logger *slog.Logger
}

var _ Durable = (*Store)(nil)

// Open opens (or creates) a SQLite database in dataDir and runs pending migrations.
// Pass ":memory:" as dataDir for an in-memory database (used by tests).
// pollInterval controls how often Watch checks the change log; <= 0 means 500ms.
func Open(dataDir string, pollInterval time.Duration) (*Store, error) {
	var dsn, dir string
	if dataDir == ":memory:" {
		dsn = ":memory:"
	} else {
		if err := os.MkdirAll(dataDir, 0o700); err != nil {
			return nil, fmt.Errorf("%w: creating data directory: %v", ErrUnavailable, err)
		}
		dir = dataDir
		dsn = filepath.Join(dataDir, dbFileName)
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("%w: opening database: %v", ErrUnavailable, err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("%w: pinging database: %v", ErrUnavailable, err)
	}

	// Limit to single connection to avoid "database is locked" errors.
	db.SetMaxOpenConns(1)

	// Other origins write to the same file; wait for their locks instead of failing.
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("%w: setting busy timeout: %v", ErrUnavailable, err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("%w: setting journal mode: %v", ErrUnavailable, err)
	}

	if pollInterval <= 0 {
		pollInterval = 500 * time.Millisecond
	}
	s := &Store{
		db:     db,
		origin: uuid.New().String(),
		dir:    dir,
		poll:   pollInterval,
		logger: slog.Default(),
	}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("%w: running migrations: %v", ErrUnavailable, err)
	}
	if err := s.prune(time.Now().Add(-changeRetention)); err != nil {
		s.logger.Warn("pruning storage change log failed", "error", err)
	}

	return s, nil
}

// Origin returns the id stamped on every change this Store commits.
func (s *Store) Origin() string {
	return s.origin
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// migrate reads embedded SQL migration files and applies any that haven't been run yet.
func (s *Store) migrate() error {
	if _, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS schema_version (
		version INTEGER PRIMARY KEY,
		applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
	)`); err != nil {
		return fmt.Errorf("creating schema_version table: %w", err)
	}

	entries, err := migrationsFS.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("reading migrations directory: %w", err)
	}

	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Name() < entries[j].Name()
	})

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}

		version, err := parseMigrationVersion(entry.Name())
		if err != nil {
			return err
		}

		var exists int
		if err := s.db.QueryRow("SELECT COUNT(*) FROM schema_version WHERE version = ?", version).Scan(&exists); err != nil {
			return fmt.Errorf("checking migration %d: %w", version, err)
		}
		if exists > 0 {
			continue
		}

		content, err := migrationsFS.ReadFile("migrations/" + entry.Name())
		if err != nil {
			return fmt.Errorf("reading migration %s: %w", entry.Name(), err)
		}

		tx, err := s.db.Begin()
		if err != nil {
			return fmt.Errorf("beginning transaction for migration %d: %w", version, err)
		}
		if _, err := tx.Exec(string(content)); err != nil {
			tx.Rollback()
			return fmt.Errorf("applying migration %d: %w", version, err)
		}
		if _, err := tx.Exec("INSERT INTO schema_version (version) VALUES (?)", version); err != nil {
			tx.Rollback()
			return fmt.Errorf("recording migration %d: %w", version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("committing migration %d: %w", version, err)
		}
	}

	return nil
}

func parseMigrationVersion(filename string) (int, error) {
	var version int
	if _, err := fmt.Sscanf(filename, "%d_", &version); err != nil {
		return 0, fmt.Errorf("parsing migration version from %q: %w", filename, err)
	}
	return version, nil
}

// AppliedMigrations returns the list of applied migration versions in ascending order.
func (s *Store) AppliedMigrations() ([]int, error) {
	rows, err := s.db.Query("SELECT version FROM schema_version ORDER BY version ASC")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var versions []int
	for rows.Next() {
		var v int
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		versions = append(versions, v)
	}
	return versions, rows.Err()
}

// --- Key/value ---

func (s *Store) Get(ctx context.Context, key string) (string, bool, error) {
	var value string
	err := s.db.QueryRowContext(ctx, "SELECT value FROM kv WHERE key = ?", key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("reading %s: %w", key, err)
	}
	return value, true, nil
}

// GetMany reads keys with a single statement, so the result is one
// committed snapshot even while other origins write.
func (s *Store) GetMany(ctx context.Context, keys ...string) (map[string]string, error) {
	out := make(map[string]string, len(keys))
	if len(keys) == 0 {
		return out, nil
	}
	args := make([]any, len(keys))
	for i, k := range keys {
		args[i] = k
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(keys)), ",")
	rows, err := s.db.QueryContext(ctx, "SELECT key, value FROM kv WHERE key IN ("+placeholders+")", args...)
	if err != nil {
		return nil, fmt.Errorf("reading keys: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return nil, fmt.Errorf("reading keys: %w", err)
		}
		out[k] = v
	}
	return out, rows.Err()
}

// Set writes every key in values in one transaction. Keys whose value is
// unchanged produce no change record.
func (s *Store) Set(ctx context.Context, values map[string]string) error {
	keys := make([]string, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	return s.withTx(ctx, func(tx *sql.Tx, now string) error {
		for _, k := range keys {
			old, had, err := getTx(ctx, tx, k)
			if err != nil {
				return err
			}
			if had && old == values[k] {
				continue
			}
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO kv (key, value, updated_at) VALUES (?, ?, ?)
				ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
				k, values[k], now,
			); err != nil {
				return fmt.Errorf("writing %s: %w", k, err)
			}
			if err := s.recordChange(ctx, tx, k, nullable(old, had), sql.NullString{String: values[k], Valid: true}, now); err != nil {
				return err
			}
		}
		return nil
	})
}

// Remove deletes keys in one transaction. Absent keys are ignored.
func (s *Store) Remove(ctx context.Context, keys ...string) error {
	sorted := append([]string(nil), keys...)
	sort.Strings(sorted)

	return s.withTx(ctx, func(tx *sql.Tx, now string) error {
		return s.removeTx(ctx, tx, sorted, now)
	})
}

// RemoveIf compares and removes inside one transaction.
func (s *Store) RemoveIf(ctx context.Context, expected map[string]string, keys ...string) (bool, error) {
	sorted := append([]string(nil), keys...)
	sort.Strings(sorted)

	removed := false
	err := s.withTx(ctx, func(tx *sql.Tx, now string) error {
		current := make(map[string]string, len(sorted))
		for _, k := range sorted {
			v, had, err := getTx(ctx, tx, k)
			if err != nil {
				return err
			}
			if had {
				current[k] = v
			}
		}
		if !matches(current, expected, sorted) {
			return nil
		}
		removed = true
		return s.removeTx(ctx, tx, sorted, now)
	})
	if err != nil {
		return false, err
	}
	return removed, nil
}

func (s *Store) removeTx(ctx context.Context, tx *sql.Tx, keys []string, now string) error {
	for _, k := range keys {
		old, had, err := getTx(ctx, tx, k)
		if err != nil {
			return err
		}
		if !had {
			continue
		}
		if _, err := tx.ExecContext(ctx, "DELETE FROM kv WHERE key = ?", k); err != nil {
			return fmt.Errorf("removing %s: %w", k, err)
		}
		if err := s.recordChange(ctx, tx, k, nullable(old, true), sql.NullString{}, now); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) withTx(ctx context.Context, fn func(tx *sql.Tx, now string) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	if err := fn(tx, time.Now().UTC().Format(timeLayout)); err != nil {
		return err
	}
	return tx.Commit()
}

func getTx(ctx context.Context, tx *sql.Tx, key string) (string, bool, error) {
	var value string
	err := tx.QueryRowContext(ctx, "SELECT value FROM kv WHERE key = ?", key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("reading %s: %w", key, err)
	}
	return value, true, nil
}

func nullable(v string, ok bool) sql.NullString {
	return sql.NullString{String: v, Valid: ok}
}

func (s *Store) recordChange(ctx context.Context, tx *sql.Tx, key string, old, new sql.NullString, now string) error {
	removed := 0
	if !new.Valid {
		removed = 1
	}
	_, err := tx.ExecContext(ctx, `
		INSERT INTO kv_changes (key, old_value, new_value, removed, origin, changed_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		key, old, new, removed, s.origin, now,
	)
	if err != nil {
		return fmt.Errorf("recording change for %s: %w", key, err)
	}
	return nil
}

// --- Change log ---

// LatestSeq returns the highest committed change sequence, or 0.
func (s *Store) LatestSeq(ctx context.Context) (int64, error) {
	var seq sql.NullInt64
	if err := s.db.QueryRowContext(ctx, "SELECT MAX(seq) FROM kv_changes").Scan(&seq); err != nil {
		return 0, fmt.Errorf("reading latest change: %w", err)
	}
	return seq.Int64, nil
}

// ChangesSince returns changes with seq > after that were committed by an
// origin other than excludeOrigin, in commit order.
func (s *Store) ChangesSince(ctx context.Context, after int64, excludeOrigin string) ([]Change, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT seq, key, old_value, new_value, origin, changed_at
		FROM kv_changes WHERE seq > ? AND origin != ? ORDER BY seq ASC`,
		after, excludeOrigin,
	)
	if err != nil {
		return nil, fmt.Errorf("reading changes: %w", err)
	}
	defer rows.Close()

	var changes []Change
	for rows.Next() {
		var c Change
		var old, new sql.NullString
		var at string
		if err := rows.Scan(&c.Seq, &c.Key, &old, &new, &c.Origin, &at); err != nil {
			return nil, err
		}
		if old.Valid {
			c.OldValue = strPtr(old.String)
		}
		if new.Valid {
			c.NewValue = strPtr(new.String)
		}
		t, err := time.Parse(timeLayout, at)
		if err != nil {
			return nil, fmt.Errorf("parsing changed_at: %w", err)
		}
		c.At = t
		changes = append(changes, c)
	}
	return changes, rows.Err()
}

func (s *Store) prune(before time.Time) error {
	_, err := s.db.Exec("DELETE FROM kv_changes WHERE changed_at < ?", before.UTC().Format(timeLayout))
	return err
}

// Watch delivers changes committed by other origins until ctx is done.
// Only changes committed after Watch starts are delivered.
func (s *Store) Watch(ctx context.Context, fn func(Change)) error {
	w := NewWatcher(s, s.origin, s.poll)
	if s.dir != "" {
		w.WakeOnWrite(s.dir)
	}
	return w.Run(ctx, fn)
}
