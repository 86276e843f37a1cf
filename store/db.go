// Package store opens the relational database shared by every ledger and
// translates storage errors into the guard's error taxonomy.
package store

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/vitwit/x402guard/types"
	"gorm.io/driver/mysql"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

const (
	maxRetries = 5
	retryDelay = 2 * time.Second
)

// Models lists every table the guard owns, in dependency order.
func Models() []interface{} {
	return []interface{}{
		&types.Payment{},
		&types.Nonce{},
		&types.RateLimitWindow{},
		&types.AuditEvent{},
		&types.ConfigEntry{},
	}
}

// newGormLogger reports SQL errors only. Lookups of absent rows are expected
// and stay quiet.
func newGormLogger(w logger.Writer) logger.Interface {
	return logger.New(w, logger.Config{
		SlowThreshold:             200 * time.Millisecond,
		LogLevel:                  logger.Error,
		IgnoreRecordNotFoundError: true,
	})
}

func gormConfig() *gorm.Config {
	return &gorm.Config{
		Logger:         newGormLogger(log.New(os.Stderr, "\r\n", log.LstdFlags)),
		TranslateError: true,
		NowFunc: func() time.Time {
			return time.Now().UTC()
		},
	}
}

// OpenSQLite opens (creating if needed) a SQLite database at path.
// SQLite serializes writers, so the pool is capped at one connection.
func OpenSQLite(path string) (*gorm.DB, error) {
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create directory: %w", err)
		}
	}

	dsn := fmt.Sprintf("file:%s?_busy_timeout=5000&_foreign_keys=on&_journal_mode=WAL", path)
	db, err := gorm.Open(sqlite.Open(dsn), gormConfig())
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxOpenConns(1)

	return db, nil
}

// OpenMySQL connects to MySQL, retrying while the server comes up.
func OpenMySQL(ctx context.Context, dsn string) (*gorm.DB, error) {
	var (
		db  *gorm.DB
		err error
	)

	for i := 0; i < maxRetries; i++ {
		db, err = gorm.Open(mysql.New(mysql.Config{
			DSN:                       dsn,
			DefaultStringSize:         256,
			SkipInitializeWithVersion: false,
		}), gormConfig())
		if err == nil {
			return db, nil
		}

		if i < maxRetries-1 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(retryDelay):
			}
		}
	}

	return nil, fmt.Errorf("failed to connect to database after %d attempts: %w", maxRetries, err)
}

// Open dispatches on driver name ("sqlite" or "mysql").
func Open(ctx context.Context, driver, dsn string) (*gorm.DB, error) {
	switch driver {
	case "sqlite", "":
		return OpenSQLite(dsn)
	case "mysql":
		return OpenMySQL(ctx, dsn)
	default:
		return nil, fmt.Errorf("unsupported database driver: %s", driver)
	}
}

// Migrate creates or updates every table the guard owns.
func Migrate(db *gorm.DB) error {
	if err := db.AutoMigrate(Models()...); err != nil {
		return fmt.Errorf("failed to migrate database: %w", err)
	}
	return nil
}

// Translate maps a gorm error onto the error taxonomy.
// Already-tagged errors pass through unchanged.
func Translate(err error, message string) error {
	if err == nil {
		return nil
	}

	var xe *types.X402Error
	if errors.As(err, &xe) {
		return err
	}

	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		return &types.X402Error{Kind: types.KindNotFound, Code: types.ErrCodeRecordNotFound, Message: message, Err: err}
	case errors.Is(err, gorm.ErrDuplicatedKey):
		return &types.X402Error{Kind: types.KindConflict, Code: types.ErrCodeDuplicateRecord, Message: message, Err: err}
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return err
	default:
		return &types.X402Error{Kind: types.KindStorageUnavailable, Code: types.ErrCodeStorage, Message: message, Err: err}
	}
}
