package database

import (
	"fmt"
	"strings"

	sqlite "github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

const (
	// DriverSQLite selects the embedded glebarez sqlite driver.
	DriverSQLite = "sqlite"
	// DriverPostgres selects the gorm postgres driver.
	DriverPostgres = "postgres"

	sqlitePragmas = "_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
)

// Schema describes the tables and named migrations owned by one storage tier.
type Schema struct {
	Name       string
	Models     []any
	Migrations []Migration
}

// Migration is a named, run-once data repair applied after AutoMigrate.
type Migration struct {
	Name  string
	Apply func(*gorm.DB) error
}

// Open dispatches to the driver-specific opener.
func Open(driver, dsn string, schema Schema, log *zap.Logger) (*gorm.DB, error) {
	switch strings.ToLower(strings.TrimSpace(driver)) {
	case DriverSQLite, "":
		return OpenSQLite(dsn, schema, log)
	case DriverPostgres:
		return OpenPostgres(dsn, schema, log)
	default:
		return nil, fmt.Errorf("unsupported database driver %q", driver)
	}
}

// OpenSQLite establishes a SQLite connection and performs schema migrations.
func OpenSQLite(path string, schema Schema, log *zap.Logger) (*gorm.DB, error) {
	if path == "" {
		return nil, fmt.Errorf("database path is required")
	}

	db, err := gorm.Open(sqlite.Open(withPragmas(path)), &gorm.Config{Logger: logger.Discard})
	if err != nil {
		return nil, err
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxOpenConns(1)

	if err := prepare(db, schema, log); err != nil {
		_ = sqlDB.Close()
		return nil, err
	}

	if log != nil {
		log.Info("database initialized",
			zap.String("schema", schema.Name),
			zap.String("driver", DriverSQLite),
			zap.String("path", path))
	}
	return db, nil
}

// OpenPostgres connects to a postgres DSN and performs schema migrations.
func OpenPostgres(dsn string, schema Schema, log *zap.Logger) (*gorm.DB, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, fmt.Errorf("database dsn is required")
	}

	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{Logger: logger.Discard})
	if err != nil {
		return nil, err
	}

	if err := prepare(db, schema, log); err != nil {
		if sqlDB, dbErr := db.DB(); dbErr == nil {
			_ = sqlDB.Close()
		}
		return nil, err
	}

	if log != nil {
		log.Info("database initialized",
			zap.String("schema", schema.Name),
			zap.String("driver", DriverPostgres))
	}
	return db, nil
}

func prepare(db *gorm.DB, schema Schema, log *zap.Logger) error {
	models := append([]any{}, schema.Models...)
	models = append(models, &migrationRecord{})
	if err := db.AutoMigrate(models...); err != nil {
		return err
	}
	return applyMigrations(db, schema.Migrations, log)
}

func withPragmas(path string) string {
	if strings.Contains(path, "_pragma=") {
		return path
	}
	if strings.Contains(path, "?") {
		return path + "&" + sqlitePragmas
	}
	return path + "?" + sqlitePragmas
}
