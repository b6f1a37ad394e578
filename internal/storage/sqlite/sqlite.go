// Package sqlite is the default single-node store: the gorm repositories of
// the postgres package running over a pure-Go SQLite file (glebarez/sqlite,
// modernc underneath, no CGO).
//
// The pool is pinned to one connection, so writers are serialised and the
// booking transaction needs no row locks.
package sqlite

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"

	"github.com/jkaninda/tripgate/internal/storage"
	pgstore "github.com/jkaninda/tripgate/internal/storage/postgres"
)

// Config holds SQLite-specific configuration.
type Config struct {
	Path        string
	JournalMode string        // "wal" when empty.
	BusyTimeout time.Duration // 5s when zero.
}

func (c Config) dsn() string {
	mode := c.JournalMode
	if mode == "" {
		mode = "wal"
	}
	busy := c.BusyTimeout
	if busy <= 0 {
		busy = 5 * time.Second
	}
	q := url.Values{}
	q.Add("_pragma", fmt.Sprintf("journal_mode(%s)", mode))
	q.Add("_pragma", fmt.Sprintf("busy_timeout(%d)", busy.Milliseconds()))
	q.Add("_pragma", "foreign_keys(ON)")
	return c.Path + "?" + q.Encode()
}

// Store is the postgres-package Store over a SQLite handle.
type Store struct {
	*pgstore.Store
	path string
}

// Open creates the parent directory and opens the database file. Call
// Migrate before use.
func Open(cfg Config, slogger *slog.Logger) (*Store, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("sqlite path is required")
	}
	if slogger == nil {
		slogger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o750); err != nil {
		return nil, fmt.Errorf("creating database directory: %w", err)
	}

	db, err := gorm.Open(sqlite.Open(cfg.dsn()), &gorm.Config{
		Logger:  pgstore.NewGormLogger(slogger),
		NowFunc: func() time.Time { return time.Now().UTC() },
	})
	if err != nil {
		return nil, fmt.Errorf("opening sqlite database: %w", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("getting underlying sql.DB: %w", err)
	}
	sqlDB.SetMaxOpenConns(1)

	slogger.Info("sqlite store opened", slog.String("path", cfg.Path))
	return &Store{Store: pgstore.NewStore(pgstore.Wrap(db)), path: cfg.Path}, nil
}

// Migrate creates the schema shared with the postgres backend.
func (s *Store) Migrate(_ context.Context) error {
	return pgstore.Migrate(s.DB().GormDB())
}

// Path is the database file location.
func (s *Store) Path() string { return s.path }

func (s *Store) Driver() string { return storage.DriverSQLite }

var _ storage.Store = (*Store)(nil)
