package storage

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Supported database drivers.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// OpenConfig describes how to reach the database.
type OpenConfig struct {
	Driver string
	DSN    string

	// ConnectTimeout bounds the time spent retrying the initial connection.
	// Zero means a single attempt.
	ConnectTimeout time.Duration

	// Pool is applied to PostgreSQL stores. SQLite always runs on a single
	// connection.
	Pool PoolConfig

	Logger *slog.Logger
}

// Open connects to the configured database, retrying with exponential
// backoff until cfg.ConnectTimeout elapses, and sizes the connection pool.
func Open(ctx context.Context, cfg OpenConfig) (*GormStorage, error) {
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}

	var dialector gorm.Dialector
	switch cfg.Driver {
	case DriverSQLite, "":
		dialector = sqlite.Open(cfg.DSN)
	case DriverPostgres:
		dialector = postgres.Open(cfg.DSN)
	default:
		return nil, fmt.Errorf("unsupported database driver %q", cfg.Driver)
	}

	var db *gorm.DB
	connect := func() error {
		var err error
		db, err = gorm.Open(dialector, &gorm.Config{
			Logger: logger.Default.LogMode(logger.Silent),
		})
		if err != nil {
			return err
		}
		sqlDB, err := db.DB()
		if err != nil {
			return backoff.Permanent(err)
		}
		if err := sqlDB.PingContext(ctx); err != nil {
			_ = sqlDB.Close()
			return err
		}
		return nil
	}

	var policy backoff.BackOff = &backoff.StopBackOff{}
	if cfg.ConnectTimeout > 0 {
		exp := backoff.NewExponentialBackOff()
		exp.MaxElapsedTime = cfg.ConnectTimeout
		policy = exp
	}

	notify := func(err error, wait time.Duration) {
		log.Warn("database not reachable, retrying", "driver", cfg.Driver, "error", err, "retry_in", wait)
	}
	if err := backoff.RetryNotify(connect, backoff.WithContext(policy, ctx), notify); err != nil {
		return nil, wrap("open", err)
	}

	s := NewGormStorage(db)
	pool := cfg.Pool
	if s.IsSQLite() {
		pool = sqlitePool
	}
	if err := pool.apply(db); err != nil {
		return nil, err
	}
	return s, nil
}
