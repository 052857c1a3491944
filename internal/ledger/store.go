package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// Kind classifies a completion marker.
type Kind string

const (
	// KindToolchain marks an unpacked toolchain source tree, keyed by release.
	KindToolchain Kind = "toolchain"
	// KindToolchainBuild marks a built toolchain; the fingerprint covers the reduction binary.
	KindToolchainBuild Kind = "toolchain-build"
	// KindArtifact marks a fetched source artifact, keyed by source name.
	KindArtifact Kind = "artifact"
)

// Marker records one completed output.
type Marker struct {
	Kind        Kind      `json:"kind"`
	Key         string    `json:"key"`
	Path        string    `json:"path"`
	Fingerprint string    `json:"fingerprint"`
	RecordedAt  time.Time `json:"recorded_at"`
}

// Store manages completion markers backed by SQLite.
type Store struct {
	db   *sql.DB
	path string
}

// Open initializes or connects to the ledger database and applies migrations.
func Open(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create ledger directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	// Pragmas below are per connection.
	db.SetMaxOpenConns(1)

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout = 5000",
	}
	for _, pragma := range pragmas {
		if _, execErr := db.Exec(pragma); execErr != nil {
			_ = db.Close()
			return nil, fmt.Errorf("apply pragma %q: %w", pragma, execErr)
		}
	}

	store := &Store{db: db, path: path}
	if err := store.applyMigrations(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

// Path returns the database file location.
func (s *Store) Path() string {
	return s.path
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Record stores or replaces the marker for (kind, key).
func (s *Store) Record(ctx context.Context, m Marker) error {
	if m.Kind == "" || m.Key == "" {
		return errors.New("marker kind and key required")
	}
	recorded := m.RecordedAt
	if recorded.IsZero() {
		recorded = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO markers (kind, key, path, fingerprint, recorded_at)
        VALUES (?, ?, ?, ?, ?)
        ON CONFLICT(kind, key) DO UPDATE SET
            path = excluded.path,
            fingerprint = excluded.fingerprint,
            recorded_at = excluded.recorded_at`,
		string(m.Kind),
		m.Key,
		m.Path,
		m.Fingerprint,
		recorded.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("record %s marker %q: %w", m.Kind, m.Key, err)
	}
	return nil
}

// Lookup returns the marker for (kind, key) when present.
func (s *Store) Lookup(ctx context.Context, kind Kind, key string) (Marker, bool, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT kind, key, path, fingerprint, recorded_at FROM markers WHERE kind = ? AND key = ?",
		string(kind), key,
	)
	m, err := scanMarker(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Marker{}, false, nil
	}
	if err != nil {
		return Marker{}, false, fmt.Errorf("lookup %s marker %q: %w", kind, key, err)
	}
	return m, true, nil
}

// Forget removes the marker for (kind, key). Missing markers are not an error.
func (s *Store) Forget(ctx context.Context, kind Kind, key string) error {
	if _, err := s.db.ExecContext(ctx, "DELETE FROM markers WHERE kind = ? AND key = ?", string(kind), key); err != nil {
		return fmt.Errorf("forget %s marker %q: %w", kind, key, err)
	}
	return nil
}

// List returns every marker ordered by kind then key.
func (s *Store) List(ctx context.Context) ([]Marker, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT kind, key, path, fingerprint, recorded_at FROM markers ORDER BY kind, key")
	if err != nil {
		return nil, fmt.Errorf("list markers: %w", err)
	}
	defer rows.Close()

	var markers []Marker
	for rows.Next() {
		m, err := scanMarker(rows)
		if err != nil {
			return nil, fmt.Errorf("scan marker: %w", err)
		}
		markers = append(markers, m)
	}
	return markers, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanMarker(row scanner) (Marker, error) {
	var (
		m        Marker
		kind     string
		recorded string
	)
	if err := row.Scan(&kind, &m.Key, &m.Path, &m.Fingerprint, &recorded); err != nil {
		return Marker{}, err
	}
	m.Kind = Kind(kind)
	if ts, err := time.Parse(time.RFC3339Nano, recorded); err == nil {
		m.RecordedAt = ts
	}
	return m, nil
}
