package database

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

const migrationLowercaseLegacyUsernames = "2024-09-01_lowercase_legacy_usernames"

type migrationRecord struct {
	Name             string `gorm:"column:name;primaryKey;size:190;not null"`
	AppliedAtSeconds int64  `gorm:"column:applied_at_s;not null"`
}

func (migrationRecord) TableName() string {
	return "db_migrations"
}

type migrationDefinition struct {
	name  string
	table string
	apply func(*gorm.DB, string) error
}

// Targets names the tables that data migrations run against.
type Targets struct {
	LegacyTable string
}

// ApplyMigrations runs each named migration once per target table. Migrations whose
// table does not exist yet are skipped and retried on the next start.
func ApplyMigrations(db *gorm.DB, targets Targets, logger *zap.Logger) error {
	var migrations []migrationDefinition
	if table := strings.TrimSpace(targets.LegacyTable); table != "" {
		migrations = append(migrations, migrationDefinition{
			name:  migrationLowercaseLegacyUsernames,
			table: table,
			apply: lowercaseLegacyUsernames,
		})
	}

	for _, migration := range migrations {
		name := migration.name + ":" + migration.table
		var record migrationRecord
		err := db.Where("name = ?", name).Take(&record).Error
		if err == nil {
			continue
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}
		if !db.Migrator().HasTable(migration.table) {
			continue
		}
		if err := migration.apply(db, migration.table); err != nil {
			return fmt.Errorf("migration %s: %w", name, err)
		}
		appliedAt := time.Now().UTC().Unix()
		if err := db.Create(&migrationRecord{Name: name, AppliedAtSeconds: appliedAt}).Error; err != nil {
			return err
		}
		if logger != nil {
			logger.Info("database migration applied", zap.String("migration", name))
		}
	}
	return nil
}

// lowercaseLegacyUsernames folds legacy user and visit keys to lower case. Rows whose
// folded key already exists are left in place; the lower-case row is authoritative.
func lowercaseLegacyUsernames(db *gorm.DB, table string) error {
	quoted := db.Statement.Quote(table)
	return db.Transaction(func(tx *gorm.DB) error {
		updateUsers := fmt.Sprintf(
			"UPDATE OR IGNORE %s SET sort = lower(sort), username = lower(username) "+
				"WHERE namespace = 'user' AND (sort <> lower(sort) OR username <> lower(username))", quoted)
		if err := tx.Exec(updateUsers).Error; err != nil {
			return err
		}
		updateVisits := fmt.Sprintf(
			"UPDATE OR IGNORE %s SET sort = lower(username) || substr(sort, length(username) + 1), username = lower(username) "+
				"WHERE namespace = 'visit' AND username <> lower(username)", quoted)
		return tx.Exec(updateVisits).Error
	})
}
