package db

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/tubalainen/rds-guard/internal/models"
)

type Client struct {
	DB *gorm.DB
}

// New opens the single-file sqlite store, matching the original event
// store's WAL + busy_timeout pragmas for safe concurrent readers while a
// single writer goroutine holds the write path.
func New(path string) (*Client, error) {
	dir := filepath.Dir(path)
	if dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("db: create dir %s: %w", dir, err)
		}
	}

	dsn := path + "?_journal_mode=WAL&_busy_timeout=5000"
	gdb, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return nil, fmt.Errorf("❌ db: open %s: %w", path, err)
	}

	sqlDB, err := gdb.DB()
	if err != nil {
		return nil, fmt.Errorf("db: underlying sql.DB: %w", err)
	}
	sqlDB.SetMaxOpenConns(1) // sqlite + single-writer discipline
	sqlDB.SetConnMaxLifetime(time.Hour)

	log.Printf("✅ Event store connected at %s", path)
	return &Client{DB: gdb}, nil
}

// AutoMigrate creates/updates the events table from the Event model.
func (c *Client) AutoMigrate() error {
	if err := c.DB.AutoMigrate(&models.Event{}); err != nil {
		return fmt.Errorf("db: migrate: %w", err)
	}
	return nil
}

func (c *Client) Close() error {
	sqlDB, err := c.DB.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
