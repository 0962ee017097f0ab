package database

import (
	"fmt"
	"os"
	"path/filepath"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/gluk-w/claworc/fleetd/internal/config"
)

// MemoryPath opens a private in-memory database.
const MemoryPath = ":memory:"

var DB *gorm.DB

// Init opens the audit database named by the config and stores it in DB.
// An empty path keeps the trail in memory.
func Init() error {
	db, err := Open(config.Cfg.AuditDBPath)
	if err != nil {
		return err
	}
	DB = db
	return nil
}

// Open opens and migrates the database at path. File-backed databases run
// in WAL mode; in-memory ones are pinned to a single connection so every
// query sees the same data.
func Open(path string) (*gorm.DB, error) {
	if path == "" {
		path = MemoryPath
	}
	memory := path == MemoryPath

	if !memory {
		if dir := filepath.Dir(path); dir != "" {
			if err := os.MkdirAll(dir, 0755); err != nil {
				return nil, fmt.Errorf("create db directory: %w", err)
			}
		}
	}

	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("get sql.DB: %w", err)
	}
	if memory {
		sqlDB.SetMaxOpenConns(1)
	} else if _, err := sqlDB.Exec("PRAGMA journal_mode=WAL"); err != nil {
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}

	if err := db.AutoMigrate(&AuditLog{}); err != nil {
		return nil, fmt.Errorf("auto-migrate: %w", err)
	}
	return db, nil
}

// Ping checks that the database answers.
func Ping(db *gorm.DB) error {
	if db == nil {
		return fmt.Errorf("database not initialized")
	}
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Ping()
}

func Close() error {
	if DB != nil {
		sqlDB, err := DB.DB()
		if err != nil {
			return err
		}
		return sqlDB.Close()
	}
	return nil
}
