// Package persist is the durable side channel for the offline queue. A
// background Worker owns a SQLite Store holding mirrored actions and a
// response cache; the foreground talks to it only through messages.
package persist

import (
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Store wraps the SQLite database backing the worker.
type Store struct {
	db *sql.DB
}

const dbFile = "offlineq.db"

// dsnPragmas are applied by the driver to every connection it opens.
var dsnPragmas = []string{"busy_timeout(5000)", "journal_mode(WAL)"}

// Open opens (or creates) offlineq.db in dataDir and migrates it to the
// latest schema. ":memory:" gives a private in-memory database.
func Open(dataDir string) (*Store, error) {
	file := ":memory:"
	if dataDir != ":memory:" {
		if err := os.MkdirAll(dataDir, 0o755); err != nil {
			return nil, fmt.Errorf("creating data directory: %w", err)
		}
		file = filepath.Join(dataDir, dbFile)
	}
	q := url.Values{"_pragma": dsnPragmas}

	db, err := sql.Open("sqlite", file+"?"+q.Encode())
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	// One connection: the worker is the only writer, and an in-memory
	// database is per connection.
	db.SetMaxOpenConns(1)
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("opening %s: %w", file, err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// SchemaVersion returns the schema version recorded in the database header.
func (s *Store) SchemaVersion() (int, error) {
	var v int
	if err := s.db.QueryRow("PRAGMA user_version").Scan(&v); err != nil {
		return 0, fmt.Errorf("reading schema version: %w", err)
	}
	return v, nil
}

type migration struct {
	version int
	name    string
}

// migrations lists the embedded NNN_name.sql files in version order.
func migrations() ([]migration, error) {
	names, err := fs.Glob(migrationsFS, "migrations/*.sql")
	if err != nil {
		return nil, err
	}
	out := make([]migration, 0, len(names))
	for _, name := range names {
		base := path.Base(name)
		num, _, ok := strings.Cut(base, "_")
		v, err := strconv.Atoi(num)
		if !ok || err != nil || v <= 0 {
			return nil, fmt.Errorf("migration %s: name must start with a positive version", base)
		}
		out = append(out, migration{version: v, name: name})
	}
	if len(out) == 0 {
		return nil, errors.New("no embedded migrations")
	}
	slices.SortFunc(out, func(a, b migration) int { return a.version - b.version })
	return out, nil
}

// migrate applies every migration above the recorded user_version, each in
// its own transaction together with the version bump.
func (s *Store) migrate() error {
	all, err := migrations()
	if err != nil {
		return err
	}
	current, err := s.SchemaVersion()
	if err != nil {
		return err
	}
	if latest := all[len(all)-1].version; current > latest {
		return fmt.Errorf("database schema version %d is newer than supported version %d", current, latest)
	}

	for _, m := range all {
		if m.version <= current {
			continue
		}
		script, err := migrationsFS.ReadFile(m.name)
		if err != nil {
			return fmt.Errorf("reading %s: %w", m.name, err)
		}
		tx, err := s.db.Begin()
		if err != nil {
			return fmt.Errorf("migration %d: %w", m.version, err)
		}
		if _, err := tx.Exec(string(script)); err != nil {
			tx.Rollback()
			return fmt.Errorf("applying migration %d: %w", m.version, err)
		}
		// PRAGMA does not take bound parameters.
		if _, err := tx.Exec(fmt.Sprintf("PRAGMA user_version = %d", m.version)); err != nil {
			tx.Rollback()
			return fmt.Errorf("recording migration %d: %w", m.version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("committing migration %d: %w", m.version, err)
		}
	}
	return nil
}

// --- Offline actions ---

// SaveAction inserts or updates a mirrored action. Updating keeps the
// original row position, so ListActions preserves first-seen order.
func (s *Store) SaveAction(m Message) error {
	headers := "{}"
	if len(m.Headers) > 0 {
		b, err := json.Marshal(m.Headers)
		if err != nil {
			return fmt.Errorf("marshaling headers: %w", err)
		}
		headers = string(b)
	}
	now := time.Now().UTC().Format(time.RFC3339Nano)
	_, err := s.db.Exec(`
		INSERT INTO offline_actions (id, url, method, headers, body, description, timestamp, retry_count, max_retries, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			retry_count = excluded.retry_count,
			updated_at = excluded.updated_at`,
		m.ID, m.URL, m.Method, headers, m.Body, m.Description,
		m.Timestamp.UTC().Format(time.RFC3339Nano), m.RetryCount, m.MaxRetries, now,
	)
	return err
}

// DeleteAction removes a mirrored action. Missing IDs return ErrNotFound.
func (s *Store) DeleteAction(id string) error {
	res, err := s.db.Exec(`DELETE FROM offline_actions WHERE id = ?`, id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// ListActions returns every mirrored action in insertion order.
func (s *Store) ListActions() ([]Message, error) {
	rows, err := s.db.Query(`
		SELECT id, url, method, headers, body, description, timestamp, retry_count, max_retries
		FROM offline_actions ORDER BY rowid ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []Message
	for rows.Next() {
		var m Message
		var headers, ts string
		if err := rows.Scan(&m.ID, &m.URL, &m.Method, &headers, &m.Body, &m.Description, &ts, &m.RetryCount, &m.MaxRetries); err != nil {
			return nil, err
		}
		if headers != "" && headers != "{}" {
			if err := json.Unmarshal([]byte(headers), &m.Headers); err != nil {
				return nil, fmt.Errorf("parsing headers for action %s: %w", m.ID, err)
			}
		}
		t, err := time.Parse(time.RFC3339Nano, ts)
		if err != nil {
			return nil, fmt.Errorf("parsing timestamp for action %s: %w", m.ID, err)
		}
		m.Timestamp = t
		results = append(results, m)
	}
	return results, rows.Err()
}

// --- Response cache ---

// PutCache stores (or replaces) a cached response.
func (s *Store) PutCache(e CacheEntry) error {
	storedAt := e.StoredAt
	if storedAt.IsZero() {
		storedAt = time.Now()
	}
	_, err := s.db.Exec(`
		INSERT INTO cache_entries (cache_name, url, status, content_type, body, stored_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(cache_name, url) DO UPDATE SET
			status = excluded.status,
			content_type = excluded.content_type,
			body = excluded.body,
			stored_at = excluded.stored_at`,
		e.CacheName, e.URL, e.Status, e.ContentType, e.Body, storedAt.UTC().Format(time.RFC3339Nano),
	)
	return err
}

// GetCache returns the cached response for url in cacheName.
func (s *Store) GetCache(cacheName, url string) (CacheEntry, error) {
	e := CacheEntry{CacheName: cacheName, URL: url}
	var storedAt string
	err := s.db.QueryRow(`
		SELECT status, content_type, body, stored_at FROM cache_entries
		WHERE cache_name = ? AND url = ?`, cacheName, url,
	).Scan(&e.Status, &e.ContentType, &e.Body, &storedAt)
	if err == sql.ErrNoRows {
		return CacheEntry{}, ErrNotFound
	}
	if err != nil {
		return CacheEntry{}, err
	}
	if e.StoredAt, err = time.Parse(time.RFC3339Nano, storedAt); err != nil {
		return CacheEntry{}, fmt.Errorf("parsing stored_at: %w", err)
	}
	return e, nil
}

// PruneCache deletes cache entries stored before cutoff.
func (s *Store) PruneCache(cutoff time.Time) (int64, error) {
	res, err := s.db.Exec(`DELETE FROM cache_entries WHERE stored_at < ?`, cutoff.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// Counts returns the number of items per named cache. The action mirror is
// always present, even when empty.
func (s *Store) Counts() (map[string]int, error) {
	counts := map[string]int{ActionsCache: 0}

	var n int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM offline_actions`).Scan(&n); err != nil {
		return nil, fmt.Errorf("counting actions: %w", err)
	}
	counts[ActionsCache] = n

	rows, err := s.db.Query(`SELECT cache_name, COUNT(*) FROM cache_entries GROUP BY cache_name`)
	if err != nil {
		return nil, fmt.Errorf("counting cache entries: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var name string
		var c int
		if err := rows.Scan(&name, &c); err != nil {
			return nil, err
		}
		counts[name] = c
	}
	return counts, rows.Err()
}

// Clear wipes all durable state.
func (s *Store) Clear() error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("beginning clear transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`DELETE FROM offline_actions`); err != nil {
		return fmt.Errorf("clearing actions: %w", err)
	}
	if _, err := tx.Exec(`DELETE FROM cache_entries`); err != nil {
		return fmt.Errorf("clearing cache: %w", err)
	}
	return tx.Commit()
}
