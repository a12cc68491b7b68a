package deadletter

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/httpfs"
	_ "github.com/mattn/go-sqlite3"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Entry is one journalled dead letter.
type Entry struct {
	// ID is the journal row id, assigned at insert.
	ID int64

	// ReceivedAt is when the journal recorded the message.
	ReceivedAt time.Time

	// Kind is the dynamic type of the recorded message.
	Kind string

	// Payload is the rendered message content.
	Payload string
}

// Store persists dead letters in a SQLite database. The schema is managed
// through embedded migrations so the journal file can be opened by any
// build at or above its version.
type Store struct {
	db *sql.DB
}

// OpenStore opens (creating if necessary) the journal database at the given
// path and brings its schema up to date.
func OpenStore(dbPath string) (*Store, error) {
	// Ensure the directory exists.
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o700); err != nil {
		return nil, fmt.Errorf("create journal directory: %w", err)
	}

	// Open the database with WAL mode and a busy timeout via URI, with a
	// single-writer connection pool as SQLite prefers.
	dsn := fmt.Sprintf(
		"file:%s?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000",
		dbPath,
	)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open journal db: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := applyMigrations(db); err != nil {
		db.Close()
		return nil, err
	}

	log.DebugS(context.Background(), "Dead-letter journal opened",
		"path", dbPath)

	return &Store{db: db}, nil
}

// applyMigrations brings the journal schema to the latest version using the
// embedded migration files.
func applyMigrations(db *sql.DB) error {
	driver, err := sqlite3.WithInstance(db, &sqlite3.Config{})
	if err != nil {
		return fmt.Errorf("create migration driver: %w", err)
	}

	src, err := httpfs.New(http.FS(migrationsFS), "migrations")
	if err != nil {
		return fmt.Errorf("open migration source: %w", err)
	}

	mig, err := migrate.NewWithInstance("httpfs", src, "sqlite3", driver)
	if err != nil {
		return fmt.Errorf("create migrator: %w", err)
	}

	if err := mig.Up(); err != nil &&
		!errors.Is(err, migrate.ErrNoChange) {

		return fmt.Errorf("apply migrations: %w", err)
	}

	return nil
}

// Insert appends an entry to the journal.
func (s *Store) Insert(ctx context.Context, e Entry) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO dead_letters (received_at, kind, payload)
		 VALUES (?, ?, ?)`,
		e.ReceivedAt.Unix(), e.Kind, e.Payload,
	)
	if err != nil {
		return fmt.Errorf("insert dead letter: %w", err)
	}

	return nil
}

// Recent returns up to limit entries, newest first.
func (s *Store) Recent(ctx context.Context, limit int) ([]Entry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, received_at, kind, payload
		 FROM dead_letters
		 ORDER BY id DESC
		 LIMIT ?`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query dead letters: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var (
			e    Entry
			unix int64
		)
		if err := rows.Scan(
			&e.ID, &unix, &e.Kind, &e.Payload,
		); err != nil {
			return nil, fmt.Errorf("scan dead letter: %w", err)
		}

		e.ReceivedAt = time.Unix(unix, 0)
		entries = append(entries, e)
	}

	return entries, rows.Err()
}

// Count returns the number of journalled entries.
func (s *Store) Count(ctx context.Context) (int64, error) {
	var count int64
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM dead_letters`,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count dead letters: %w", err)
	}

	return count, nil
}

// Purge deletes every journalled entry.
func (s *Store) Purge(ctx context.Context) error {
	if _, err := s.db.ExecContext(
		ctx, `DELETE FROM dead_letters`,
	); err != nil {
		return fmt.Errorf("purge dead letters: %w", err)
	}

	return nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}
