package database

import (
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/moodwatch/moodwatch-bot/internal/models"
)

// DB is the shared database handle, set by Init.
var DB *gorm.DB

// ErrDuplicate is returned by inserts that collide with an existing row's
// unique key. Callers treat it as "already present", not as a failure.
var ErrDuplicate = errors.New("database: duplicate key")

const (
	maxRetries = 3
	retryDelay = 100 * time.Millisecond
)

// Init opens the database and migrates the schema. Supported types are
// "sqlite" (pure-Go driver, no cgo) and "postgres".
func Init(dbType, connString string) error {
	var dialector gorm.Dialector
	switch dbType {
	case "postgres":
		dialector = postgres.Open(connString)
	case "sqlite", "":
		dialector = sqlite.Open(connString)
	default:
		return fmt.Errorf("unsupported database type: %s", dbType)
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}

	if dbType != "postgres" {
		// Single writer avoids SQLITE_BUSY under concurrent ingestion.
		sqlDB, err := db.DB()
		if err != nil {
			return err
		}
		sqlDB.SetMaxOpenConns(1)
	}

	if err := db.AutoMigrate(
		&models.BotSettings{},
		&models.MonitoredChannel{},
		&models.ExcludedUser{},
		&models.ChannelRecord{},
		&models.AnalyzedMessage{},
		&models.DashboardUser{},
		&models.APIHealthStat{},
	); err != nil {
		return fmt.Errorf("failed to migrate schema: %w", err)
	}

	DB = db
	return nil
}

// Close closes the underlying connection pool.
func Close() {
	if DB == nil {
		return
	}
	sqlDB, err := DB.DB()
	if err != nil {
		log.Printf("Error getting underlying DB handle: %v", err)
		return
	}
	if err := sqlDB.Close(); err != nil {
		log.Printf("Error closing database: %v", err)
	}
}

// WithRetry runs op, retrying a few times on transient lock contention.
func WithRetry(op func() error) error {
	var err error
	for attempt := 0; attempt < maxRetries; attempt++ {
		err = op()
		if err == nil || !isRetryable(err) {
			return err
		}
		time.Sleep(retryDelay * time.Duration(attempt+1))
	}
	return err
}

func isRetryable(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "database table is locked") ||
		strings.Contains(msg, "SQLITE_BUSY")
}

// isDuplicateErr reports whether err is a unique-constraint violation from
// either supported driver.
func isDuplicateErr(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") ||
		strings.Contains(msg, "constraint failed") ||
		strings.Contains(msg, "duplicate key value")
}
