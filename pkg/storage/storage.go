// Copyright 2026 Teradata
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//	http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package storage opens the control plane's SQL database from configuration.
// SQLite is the default and needs no server; Postgres and MySQL are for
// deployments that already run one.
package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	// SQL drivers
	_ "github.com/go-sql-driver/mysql"                       // mysql
	_ "github.com/lib/pq"                                    // postgres
	_ "github.com/teradata-labs/perch/internal/sqlitedriver" // sqlite3
)

// Config selects and tunes the database backend.
type Config struct {
	// Driver is one of sqlite, postgres, mysql (default: sqlite).
	Driver string

	// DSN is the driver-specific connection string. For sqlite this is the
	// database file path (default: perch.db).
	DSN string

	// MaxOpenConns caps the connection pool (default: driver-dependent).
	MaxOpenConns int

	// MaxIdleConns caps idle pooled connections.
	MaxIdleConns int

	// ConnMaxLifetime recycles long-lived connections (default: 1h for
	// server databases, unlimited for sqlite).
	ConnMaxLifetime time.Duration
}

// Open opens the configured database and verifies connectivity.
func Open(ctx context.Context, config Config) (*sql.DB, error) {
	driver := config.Driver
	if driver == "" {
		driver = "sqlite"
	}

	dsn := config.DSN
	switch driver {
	case "sqlite", "sqlite3":
		driver = "sqlite3"
		if dsn == "" {
			dsn = "perch.db"
		}
	case "postgres", "mysql":
		if dsn == "" {
			return nil, fmt.Errorf("database DSN is required for %s", driver)
		}
	default:
		return nil, fmt.Errorf("unsupported database driver: %s (supported: sqlite, postgres, mysql)", driver)
	}

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if config.MaxOpenConns > 0 {
		db.SetMaxOpenConns(config.MaxOpenConns)
	} else if driver == "sqlite3" {
		// SQLite serializes writers; a small pool avoids lock contention.
		db.SetMaxOpenConns(4)
	}
	if config.MaxIdleConns > 0 {
		db.SetMaxIdleConns(config.MaxIdleConns)
	}
	if config.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(config.ConnMaxLifetime)
	} else if driver != "sqlite3" {
		db.SetConnMaxLifetime(time.Hour)
	}

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	if driver == "sqlite3" {
		// Enable WAL mode so readers proceed while the flush loops write.
		if _, err := db.ExecContext(ctx, "PRAGMA journal_mode=WAL"); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
		}
	}

	return db, nil
}
