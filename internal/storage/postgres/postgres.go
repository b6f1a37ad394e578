// Package postgres implements PostgreSQL-backed storage for tripgate using GORM.
// All GORM usage is confined to this package; domain types remain ORM-free.
// The repositories are dialect-neutral and are reused by the sqlite backend.
package postgres

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Config configures the PostgreSQL connection and pool. Zero values take
// the defaults noted on each field.
type Config struct {
	DSN             string
	MaxOpenConns    int           // 25
	MaxIdleConns    int           // 5
	ConnMaxLifetime time.Duration // 30m
	ConnMaxIdleTime time.Duration // 10m
	ConnectTimeout  time.Duration // 30s; how long Open waits for the server to accept connections.
}

func orDefault[T int | time.Duration](v, def T) T {
	if v > 0 {
		return v
	}
	return def
}

// DB is an open gorm handle plus lifecycle helpers.
type DB struct {
	gormDB *gorm.DB
}

// Wrap adopts a gorm handle opened elsewhere (the sqlite backend).
func Wrap(db *gorm.DB) *DB { return &DB{gormDB: db} }

// Open connects, waits until the server answers a ping, sizes the pool and
// migrates the schema. A database still starting up (container boot) is
// retried with backoff until ConnectTimeout.
func Open(ctx context.Context, cfg Config, slogger *slog.Logger) (*DB, error) {
	if slogger == nil {
		slogger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	db, err := gorm.Open(postgres.Open(cfg.DSN), &gorm.Config{
		Logger:      NewGormLogger(slogger),
		NowFunc:     func() time.Time { return time.Now().UTC() },
		PrepareStmt: true,
	})
	if err != nil {
		return nil, fmt.Errorf("connecting to postgres: %w", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("getting underlying sql.DB: %w", err)
	}
	sqlDB.SetMaxOpenConns(orDefault(cfg.MaxOpenConns, 25))
	sqlDB.SetMaxIdleConns(orDefault(cfg.MaxIdleConns, 5))
	sqlDB.SetConnMaxLifetime(orDefault(cfg.ConnMaxLifetime, 30*time.Minute))
	sqlDB.SetConnMaxIdleTime(orDefault(cfg.ConnMaxIdleTime, 10*time.Minute))

	d := Wrap(db)
	if err := d.waitReady(ctx, orDefault(cfg.ConnectTimeout, 30*time.Second), slogger); err != nil {
		_ = d.Close()
		return nil, err
	}
	if err := Migrate(db); err != nil {
		_ = d.Close()
		return nil, fmt.Errorf("auto-migrating: %w", err)
	}

	slogger.Info("postgres connected",
		slog.Int("max_open_conns", orDefault(cfg.MaxOpenConns, 25)),
		slog.Int("max_idle_conns", orDefault(cfg.MaxIdleConns, 5)),
	)
	return d, nil
}

func (d *DB) waitReady(ctx context.Context, timeout time.Duration, slogger *slog.Logger) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	backoff := 250 * time.Millisecond
	for attempt := 1; ; attempt++ {
		err := d.Ping(ctx)
		if err == nil {
			return nil
		}
		slogger.Warn("postgres not ready",
			slog.Int("attempt", attempt),
			slog.String("error", err.Error()),
		)
		select {
		case <-ctx.Done():
			return fmt.Errorf("postgres not reachable after %s: %w", timeout, err)
		case <-time.After(backoff):
		}
		backoff = min(backoff*2, 5*time.Second)
	}
}

// GormDB returns the handle repositories are built on.
func (d *DB) GormDB() *gorm.DB {
	return d.gormDB
}

// Ping backs the "database" readiness check.
func (d *DB) Ping(ctx context.Context) error {
	sqlDB, err := d.gormDB.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

func (d *DB) Close() error {
	sqlDB, err := d.gormDB.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Migrate creates tables in FK-dependency order and adds the indexes
// AutoMigrate cannot express. Shared with the sqlite backend.
func Migrate(db *gorm.DB) error {
	if err := db.AutoMigrate(
		&TripModel{},
		&PolicyModel{},
		&RuleModel{},
		&ViolationModel{},
		&ApprovalModel{},
		&BookingModel{},
		&ToolCallModel{},
	); err != nil {
		return err
	}
	// One active policy per org. Partial index syntax is valid on both PostgreSQL and SQLite.
	return db.Exec(`CREATE UNIQUE INDEX IF NOT EXISTS idx_corporate_policies_active_org
		ON corporate_policies (org_id) WHERE is_active`).Error
}

// NewGormLogger routes gorm's slow-query and error output to slog at warn level.
func NewGormLogger(slogger *slog.Logger) logger.Interface {
	return logger.New(gormWriter{slogger}, logger.Config{
		SlowThreshold:             200 * time.Millisecond,
		LogLevel:                  logger.Warn,
		IgnoreRecordNotFoundError: true,
	})
}

type gormWriter struct {
	logger *slog.Logger
}

func (w gormWriter) Printf(format string, args ...any) {
	w.logger.Warn(fmt.Sprintf(format, args...), slog.String("component", "gorm"))
}
