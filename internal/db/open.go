package db

import (
	"fmt"
	"strings"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

// Open connects to the database described by the DSN. Postgres DSNs use the
// postgres:// or postgresql:// scheme (or key=value form); everything else is
// treated as a SQLite path.
func Open(dsn string) (*gorm.DB, error) {
	trimmed := strings.TrimSpace(dsn)
	if trimmed == "" {
		return nil, fmt.Errorf("db: empty dsn")
	}

	gormConfig := &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	}

	var (
		conn    *gorm.DB
		errOpen error
	)
	if isPostgresDSN(trimmed) {
		conn, errOpen = gorm.Open(postgres.Open(trimmed), gormConfig)
	} else {
		conn, errOpen = gorm.Open(sqlite.Open(trimmed), gormConfig)
	}
	if errOpen != nil {
		return nil, fmt.Errorf("db: open: %w", errOpen)
	}

	sqlDB, errDB := conn.DB()
	if errDB != nil {
		return nil, fmt.Errorf("db: pool: %w", errDB)
	}
	if IsSQLite(conn) {
		// SQLite serializes writers; a single connection avoids
		// SQLITE_BUSY under concurrent transactions.
		sqlDB.SetMaxOpenConns(1)
	} else {
		sqlDB.SetMaxOpenConns(32)
		sqlDB.SetMaxIdleConns(8)
		sqlDB.SetConnMaxLifetime(time.Hour)
	}
	return conn, nil
}

func isPostgresDSN(dsn string) bool {
	lower := strings.ToLower(dsn)
	if strings.HasPrefix(lower, "postgres://") || strings.HasPrefix(lower, "postgresql://") {
		return true
	}
	return strings.Contains(lower, "host=") && strings.Contains(lower, "dbname=")
}
