package database

import (
	"path/filepath"
	"testing"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

type widget struct {
	ID    uint   `gorm:"primaryKey"`
	State string `gorm:"column:state;not null;default:''"`
}

func (widget) TableName() string {
	return "widgets"
}

func TestOpenSQLiteAppliesMigrationsOnce(testContext *testing.T) {
	databasePath := filepath.Join(testContext.TempDir(), "migration.db")

	applied := 0
	schema := Schema{
		Name:   "test",
		Models: []any{&widget{}},
		Migrations: []Migration{{
			Name: "2026-10-01_fill_blank_state",
			Apply: func(db *gorm.DB) error {
				applied++
				return db.Model(&widget{}).Where("state = ''").Update("state", "ready").Error
			},
		}},
	}

	database, err := OpenSQLite(databasePath, schema, zap.NewNop())
	if err != nil {
		testContext.Fatalf("failed to open sqlite: %v", err)
	}
	if err := database.Create(&widget{State: ""}).Error; err != nil {
		testContext.Fatalf("failed to insert widget: %v", err)
	}
	sqlDB, _ := database.DB()
	_ = sqlDB.Close()

	reopened, err := OpenSQLite(databasePath, schema, zap.NewNop())
	if err != nil {
		testContext.Fatalf("failed to reopen sqlite: %v", err)
	}
	defer func() {
		sqlDB, _ := reopened.DB()
		_ = sqlDB.Close()
	}()

	if applied != 1 {
		testContext.Fatalf("expected migration to run once, ran %d times", applied)
	}

	var record migrationRecord
	if err := reopened.Where("name = ?", "2026-10-01_fill_blank_state").Take(&record).Error; err != nil {
		testContext.Fatalf("expected migration record to be created: %v", err)
	}
	if record.AppliedAtSeconds == 0 {
		testContext.Fatalf("expected migration timestamp to be set")
	}
}

func TestOpenRejectsUnknownDriver(testContext *testing.T) {
	if _, err := Open("oracle", "dsn", Schema{}, nil); err == nil {
		testContext.Fatalf("expected unsupported driver error")
	}
}

func TestWithPragmasAppendsToExistingQuery(testContext *testing.T) {
	got := withPragmas("file:queue.db?mode=rwc")
	if got != "file:queue.db?mode=rwc&"+sqlitePragmas {
		testContext.Fatalf("unexpected dsn %q", got)
	}
}
