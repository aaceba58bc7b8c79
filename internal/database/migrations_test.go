package database

import (
	"path/filepath"
	"testing"

	"go.uber.org/zap"
)

type legacyRow struct {
	Namespace string `gorm:"column:namespace;primaryKey"`
	Sort      string `gorm:"column:sort;primaryKey"`
	Username  string `gorm:"column:username"`
}

func TestApplyMigrationsLowercasesLegacyUsernames(testContext *testing.T) {
	databasePath := filepath.Join(testContext.TempDir(), "migration.db")
	database, err := OpenSQLite(databasePath, zap.NewNop())
	if err != nil {
		testContext.Fatalf("failed to open sqlite: %v", err)
	}

	const table = "visit_legacy"
	if err := database.Table(table).AutoMigrate(&legacyRow{}); err != nil {
		testContext.Fatalf("failed to migrate schema: %v", err)
	}
	rows := []legacyRow{
		{Namespace: "user", Sort: "JDoe", Username: "JDoe"},
		{Namespace: "visit", Sort: "JDoe#2024-01-02T03:04:05.000000000Z", Username: "JDoe"},
		{Namespace: "user", Sort: "amy", Username: "amy"},
		{Namespace: "user", Sort: "AMY", Username: "AMY"},
	}
	for _, row := range rows {
		if err := database.Table(table).Create(&row).Error; err != nil {
			testContext.Fatalf("failed to insert row: %v", err)
		}
	}

	if err := ApplyMigrations(database, Targets{LegacyTable: table}, zap.NewNop()); err != nil {
		testContext.Fatalf("failed to apply migrations: %v", err)
	}

	var user legacyRow
	if err := database.Table(table).Where("namespace = ? AND sort = ?", "user", "jdoe").Take(&user).Error; err != nil {
		testContext.Fatalf("expected lower-cased user row: %v", err)
	}
	if user.Username != "jdoe" {
		testContext.Fatalf("expected lower-cased username, got %q", user.Username)
	}

	var visit legacyRow
	if err := database.Table(table).Where("namespace = ?", "visit").Take(&visit).Error; err != nil {
		testContext.Fatalf("failed to reload visit: %v", err)
	}
	if visit.Sort != "jdoe#2024-01-02T03:04:05.000000000Z" {
		testContext.Fatalf("expected time suffix preserved, got %q", visit.Sort)
	}

	var collided int64
	if err := database.Table(table).Where("namespace = ? AND sort = ?", "user", "AMY").Count(&collided).Error; err != nil {
		testContext.Fatalf("failed to count collided row: %v", err)
	}
	if collided != 1 {
		testContext.Fatalf("expected colliding row left in place, got %d", collided)
	}

	var record migrationRecord
	name := migrationLowercaseLegacyUsernames + ":" + table
	if err := database.Where("name = ?", name).Take(&record).Error; err != nil {
		testContext.Fatalf("expected migration record to be created: %v", err)
	}
	if record.AppliedAtSeconds == 0 {
		testContext.Fatalf("expected migration timestamp to be set")
	}

	if err := ApplyMigrations(database, Targets{LegacyTable: table}, zap.NewNop()); err != nil {
		testContext.Fatalf("expected rerun to be a no-op: %v", err)
	}
}

func TestApplyMigrationsWaitsForLegacyTable(testContext *testing.T) {
	database, err := OpenSQLite(filepath.Join(testContext.TempDir(), "empty.db"), nil)
	if err != nil {
		testContext.Fatalf("failed to open sqlite: %v", err)
	}
	if err := ApplyMigrations(database, Targets{LegacyTable: "visit_legacy"}, nil); err != nil {
		testContext.Fatalf("unexpected error: %v", err)
	}
	var count int64
	if err := database.Model(&migrationRecord{}).Count(&count).Error; err != nil {
		testContext.Fatalf("failed to count migrations: %v", err)
	}
	if count != 0 {
		testContext.Fatalf("expected no migration recorded before the table exists, got %d", count)
	}
}
