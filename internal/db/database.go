// Package db owns the GORM connection used for persisted provider keys and
// run history. Postgres is used when DATABASE_URL is set; otherwise a local
// SQLite file keeps single-node deployments dependency-free.
package db

import (
	"fmt"
	"time"

	"github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"forgeflow/internal/logging"
)

// Database wraps the GORM database instance.
type Database struct {
	DB      *gorm.DB
	Dialect string
}

// Open connects to Postgres when databaseURL is non-empty, falling back to
// the SQLite file at sqlitePath.
func Open(databaseURL, sqlitePath string) (*Database, error) {
	gormConfig := &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Warn),
		NowFunc: func() time.Time {
			return time.Now().UTC()
		},
	}

	var (
		db      *gorm.DB
		dialect string
		err     error
	)

	if databaseURL != "" {
		dialect = "postgres"
		db, err = gorm.Open(postgres.Open(databaseURL), gormConfig)
	} else {
		dialect = "sqlite"
		db, err = gorm.Open(sqlite.Open(sqlitePath), gormConfig)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s database: %w", dialect, err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get underlying sql.DB: %w", err)
	}

	if dialect == "postgres" {
		sqlDB.SetMaxIdleConns(10)
		sqlDB.SetMaxOpenConns(100)
		sqlDB.SetConnMaxLifetime(time.Hour)
	} else {
		// SQLite has a single writer; a wider pool just trades errors for lock
		// contention.
		sqlDB.SetMaxOpenConns(1)
	}

	logging.L().Info("database connected", zap.String("dialect", dialect))

	return &Database{DB: db, Dialect: dialect}, nil
}

// Health checks database connectivity.
func (d *Database) Health() error {
	sqlDB, err := d.DB.DB()
	if err != nil {
		return fmt.Errorf("failed to get underlying sql.DB: %w", err)
	}
	if err := sqlDB.Ping(); err != nil {
		return fmt.Errorf("database ping failed: %w", err)
	}
	return nil
}

// Close closes the database connection.
func (d *Database) Close() error {
	sqlDB, err := d.DB.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Stats returns connection pool statistics for the health endpoint.
func (d *Database) Stats() map[string]interface{} {
	sqlDB, err := d.DB.DB()
	if err != nil {
		return map[string]interface{}{"error": err.Error()}
	}

	stats := sqlDB.Stats()
	return map[string]interface{}{
		"dialect":              d.Dialect,
		"max_open_connections": stats.MaxOpenConnections,
		"open_connections":     stats.OpenConnections,
		"in_use":               stats.InUse,
		"idle":                 stats.Idle,
		"wait_count":           stats.WaitCount,
		"wait_duration_ms":     stats.WaitDuration.Milliseconds(),
	}
}
