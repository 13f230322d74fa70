package main

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/rs/zerolog/log"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
	_ "modernc.org/sqlite"
)

var db *gorm.DB

// errStoreUnavailable is returned by write paths when no database is attached.
// Read paths degrade to empty results instead.
var errStoreUnavailable = errors.New("store unavailable")

// openDatabase opens a SQLite database through the pure Go driver and migrates the schema
func openDatabase(dsn string) (*gorm.DB, error) {
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// SQLite allows one writer; a single connection also keeps :memory: databases alive
	sqlDB.SetMaxOpenConns(1)
	sqlDB.SetMaxIdleConns(1)

	gdb, err := gorm.Open(sqlite.Dialector{Conn: sqlDB}, &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	if err := gdb.AutoMigrate(
		&Sample{},
		&HourlyAggregate{},
		&DailyAggregate{},
		&ReliabilityStat{},
		&AlertRule{},
		&AlertEvent{},
	); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return gdb, nil
}

// initDB initializes the database connection and runs migrations
func initDB(dbPath string) {
	if dbPath == "" {
		dbPath = "./linewatch.db"
	}

	// Ensure the directory exists (for Docker volumes)
	if dir := filepath.Dir(dbPath); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			log.Warn().Err(err).Str("directory", dir).Msg("Could not create database directory")
		}
	}

	// WAL lets the API read while the scheduler writes rollups
	dsn := "file:" + dbPath + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)"

	gdb, err := openDatabase(dsn)
	if err != nil {
		log.Fatal().Err(err).Str("path", dbPath).Msg("Failed to initialize database")
	}
	db = gdb

	log.Info().Str("path", dbPath).Msg("✅ Database initialized")
}

// closeDB releases the underlying connection pool
func closeDB() {
	if db == nil {
		return
	}
	if sqlDB, err := db.DB(); err == nil {
		if err := sqlDB.Close(); err != nil {
			log.Warn().Err(err).Msg("Failed to close database")
		}
	}
}
