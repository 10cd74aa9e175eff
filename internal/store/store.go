package store

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"github.com/juju/clock"
	_ "github.com/mattn/go-sqlite3"

	"github.com/roach88/postpulse/internal/post"
)

//go:embed schema.sql
var schemaSQL string

// Schema version tracking:
// 0 - Initial schema (pre-migration)
// 1 - Added (updated_at, id) index for the change detector scan
// 2 - Added (user_id, updated_at) index for paginated dashboard reads
const currentSchemaVersion = 2

// ErrNotFound is returned when a record does not exist or is not visible
// to the acting user.
var ErrNotFound = errors.New("not found")

// ErrInvalidPost is returned when a post fails validation on write.
var ErrInvalidPost = errors.New("invalid post")

// Store provides durable storage for users and posts.
type Store struct {
	db    *sql.DB
	sink  post.Sink
	clock clock.Clock
}

// Option configures a Store.
type Option func(*Store)

// WithSink sets the sink notified after each committed post write.
func WithSink(sink post.Sink) Option {
	return func(s *Store) {
		s.sink = sink
	}
}

// WithClock sets the clock used to stamp created_at/updated_at.
func WithClock(clk clock.Clock) Option {
	return func(s *Store) {
		s.clock = clk
	}
}

// Open creates or opens a SQLite database at the given path.
// Applies required pragmas and migrations automatically.
//
// This function is idempotent - safe to call multiple times.
func Open(path string, opts ...Option) (*Store, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	// SQLite only supports one writer at a time
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := applyPragmas(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply pragmas: %w", err)
	}

	if err := applySchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}

	s := &Store{
		db:    db,
		sink:  post.Discard,
		clock: clock.WallClock,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.sink == nil {
		s.sink = post.Discard
	}
	return s, nil
}

// SetSink replaces the change sink. Used at startup when the broadcaster is
// constructed after the store.
func (s *Store) SetSink(sink post.Sink) {
	if sink == nil {
		sink = post.Discard
	}
	s.sink = sink
}

// Close closes the database connection.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// DB returns the underlying sql.DB for direct queries.
// Writes made through it do not trigger change hooks.
func (s *Store) DB() *sql.DB {
	return s.db
}

func applyPragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA foreign_keys = ON",
	}

	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return fmt.Errorf("failed to execute %q: %w", pragma, err)
		}
	}

	return nil
}

// applySchema creates tables if they don't exist and runs migrations.
func applySchema(db *sql.DB) error {
	if _, err := db.Exec(schemaSQL); err != nil {
		return fmt.Errorf("failed to execute schema: %w", err)
	}

	if err := runMigrations(db); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	return nil
}

// runMigrations applies incremental schema migrations based on user_version.
func runMigrations(db *sql.DB) error {
	var version int
	if err := db.QueryRow("PRAGMA user_version").Scan(&version); err != nil {
		return fmt.Errorf("get user_version: %w", err)
	}

	migrations := []struct {
		version int
		stmt    string
	}{
		{1, `CREATE INDEX IF NOT EXISTS idx_posts_updated ON posts(updated_at DESC, id DESC)`},
		{2, `CREATE INDEX IF NOT EXISTS idx_posts_user_updated ON posts(user_id, updated_at DESC)`},
	}

	for _, m := range migrations {
		if version >= m.version {
			continue
		}
		if _, err := db.Exec(m.stmt); err != nil {
			return fmt.Errorf("migrate to v%d: %w", m.version, err)
		}
	}

	if _, err := db.Exec(fmt.Sprintf("PRAGMA user_version = %d", currentSchemaVersion)); err != nil {
		return fmt.Errorf("set user_version: %w", err)
	}

	return nil
}

// notify reports a committed change to the sink.
func (s *Store) notify(ctx context.Context, kind post.ChangeKind, p post.Post) {
	s.sink.PostChanged(ctx, post.Change{
		Kind:   kind,
		Post:   p,
		Source: post.SourceHook,
		At:     s.now(),
	})
}

func (s *Store) now() time.Time {
	return s.clock.Now().UTC()
}

// verifyPragma checks that a pragma is set to the expected value.
// Used for testing.
func (s *Store) verifyPragma(name, expected string) error {
	var value string
	query := fmt.Sprintf("PRAGMA %s", name)
	if err := s.db.QueryRow(query).Scan(&value); err != nil {
		return fmt.Errorf("failed to query %s: %w", name, err)
	}
	if value != expected {
		return fmt.Errorf("%s = %q, expected %q", name, value, expected)
	}
	return nil
}
