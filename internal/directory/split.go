package directory

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const splitBackendName = "new"

// userRow is the user directory row of the two-table layout, keyed by username.
type userRow struct {
	Username          string            `gorm:"column:username;primaryKey;size:64;not null"`
	DisplayName       string            `gorm:"column:display_name;size:320;not null"`
	RegisteredAtNanos int64             `gorm:"column:registered_at_ns;not null"`
	Profile           datatypes.JSONMap `gorm:"column:profile"`
}

// visitRow is the ledger row of the two-table layout, keyed by username and visit time.
type visitRow struct {
	Username       string `gorm:"column:username;primaryKey;size:64;not null"`
	VisitedAtNanos int64  `gorm:"column:visited_at_ns;primaryKey;autoIncrement:false;not null"`
	Source         string `gorm:"column:source;size:16;not null"`
	Location       string `gorm:"column:location;size:64;not null;default:''"`
	RequestID      string `gorm:"column:request_id;size:64;not null;default:''"`
}

// SplitBackendConfig names the two tables of the new layout.
type SplitBackendConfig struct {
	Database   *gorm.DB
	UserTable  string
	VisitTable string
}

// SplitBackend stores users and visits in separate tables.
type SplitBackend struct {
	db         *gorm.DB
	userTable  string
	visitTable string
}

// NewSplitBackend validates the configuration and ensures both tables exist.
func NewSplitBackend(cfg SplitBackendConfig) (*SplitBackend, error) {
	if cfg.Database == nil {
		return nil, errors.New("directory: database connection required")
	}
	userTable := strings.TrimSpace(cfg.UserTable)
	visitTable := strings.TrimSpace(cfg.VisitTable)
	if userTable == "" || visitTable == "" {
		return nil, errors.New("directory: user and visit table names required")
	}
	if userTable == visitTable {
		return nil, fmt.Errorf("directory: user and visit tables must differ (%s)", userTable)
	}
	if err := cfg.Database.Table(userTable).AutoMigrate(&userRow{}); err != nil {
		return nil, fmt.Errorf("directory: migrate %s: %w", userTable, err)
	}
	if err := cfg.Database.Table(visitTable).AutoMigrate(&visitRow{}); err != nil {
		return nil, fmt.Errorf("directory: migrate %s: %w", visitTable, err)
	}
	return &SplitBackend{db: cfg.Database, userTable: userTable, visitTable: visitTable}, nil
}

// Name identifies the new layout.
func (b *SplitBackend) Name() string {
	return splitBackendName
}

// HonorsRequestTokens is always true: the ledger checks request ids before inserting.
func (b *SplitBackend) HonorsRequestTokens() bool {
	return true
}

func (b *SplitBackend) FindUser(ctx context.Context, username Username) (UserRecord, bool, error) {
	var row userRow
	err := b.db.WithContext(ctx).Table(b.userTable).
		Where("username = ?", username.String()).
		Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return UserRecord{}, false, nil
	}
	if err != nil {
		return UserRecord{}, false, err
	}
	return row.record(), true, nil
}

func (b *SplitBackend) PutUser(ctx context.Context, record UserRecord) (PutResult, error) {
	if err := record.validate(); err != nil {
		return 0, err
	}
	var result PutResult
	err := b.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing userRow
		err := tx.Table(b.userTable).Where("username = ?", record.Username.String()).Take(&existing).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			row := newUserRow(record)
			if err := tx.Table(b.userTable).Create(&row).Error; err != nil {
				return err
			}
			result = PutInserted
			return nil
		}
		if err != nil {
			return err
		}
		if !existing.record().SamePayload(record) {
			return ErrConflict
		}
		result = PutUnchanged
		return nil
	})
	if err != nil {
		return 0, err
	}
	return result, nil
}

func (b *SplitBackend) ReplaceUser(ctx context.Context, record UserRecord) error {
	if err := record.validate(); err != nil {
		return err
	}
	row := newUserRow(record)
	return b.db.WithContext(ctx).Table(b.userTable).
		Clauses(clause.OnConflict{UpdateAll: true}).
		Create(&row).Error
}

func (b *SplitBackend) AppendVisit(ctx context.Context, visit VisitRecord) (VisitRecord, AppendResult, error) {
	if err := visit.validate(); err != nil {
		return VisitRecord{}, 0, err
	}
	var stored VisitRecord
	var result AppendResult
	err := b.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var userCount int64
		if err := tx.Table(b.userTable).Where("username = ?", visit.Username.String()).Count(&userCount).Error; err != nil {
			return err
		}
		if userCount == 0 {
			return fmt.Errorf("%w: %s", ErrUnknownUser, visit.Username)
		}

		duplicate, found, err := b.findDuplicate(tx, visit)
		if err != nil {
			return err
		}
		if found {
			stored = duplicate.record()
			result = AppendDuplicate
			return nil
		}

		var latest visitRow
		latestNanos := int64(0)
		err = tx.Table(b.visitTable).
			Where("username = ?", visit.Username.String()).
			Order("visited_at_ns DESC").
			Take(&latest).Error
		if err == nil {
			latestNanos = latest.VisitedAtNanos
		} else if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}

		visit.VisitedAt = nextVisitTime(visit.VisitedAt, latestNanos)
		row := newVisitRow(visit)
		if err := tx.Table(b.visitTable).Create(&row).Error; err != nil {
			return err
		}
		stored = row.record()
		result = AppendWritten
		return nil
	})
	if err != nil {
		return VisitRecord{}, 0, err
	}
	return stored, result, nil
}

func (b *SplitBackend) findDuplicate(tx *gorm.DB, visit VisitRecord) (visitRow, bool, error) {
	secondStart := visit.VisitedAt.UTC().Truncate(time.Second)
	query := tx.Table(b.visitTable).Where("username = ?", visit.Username.String())
	if visit.RequestID != "" {
		query = query.Where(
			tx.Where("request_id = ?", visit.RequestID).
				Or("source = ? AND visited_at_ns >= ? AND visited_at_ns < ?",
					string(visit.Source), toNanos(secondStart), toNanos(secondStart.Add(time.Second))),
		)
	} else {
		query = query.Where("source = ? AND visited_at_ns >= ? AND visited_at_ns < ?",
			string(visit.Source), toNanos(secondStart), toNanos(secondStart.Add(time.Second)))
	}
	var existing visitRow
	err := query.Order("visited_at_ns ASC").Take(&existing).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return visitRow{}, false, nil
	}
	if err != nil {
		return visitRow{}, false, err
	}
	return existing, true, nil
}

func (b *SplitBackend) ListVisits(ctx context.Context, username Username, from, to time.Time) ([]VisitRecord, error) {
	query := b.db.WithContext(ctx).Table(b.visitTable).Where("username = ?", username.String())
	if !from.IsZero() {
		query = query.Where("visited_at_ns >= ?", toNanos(from))
	}
	if !to.IsZero() {
		query = query.Where("visited_at_ns < ?", toNanos(to))
	}
	var rows []visitRow
	if err := query.Order("visited_at_ns ASC").Find(&rows).Error; err != nil {
		return nil, err
	}
	visits := make([]VisitRecord, 0, len(rows))
	for _, row := range rows {
		visits = append(visits, row.record())
	}
	return visits, nil
}

func newUserRow(record UserRecord) userRow {
	return userRow{
		Username:          record.Username.String(),
		DisplayName:       record.DisplayName,
		RegisteredAtNanos: toNanos(record.RegisteredAt),
		Profile:           profileToJSON(record.Profile),
	}
}

func (r userRow) record() UserRecord {
	return UserRecord{
		Username:     Username(r.Username),
		DisplayName:  r.DisplayName,
		RegisteredAt: fromNanos(r.RegisteredAtNanos),
		Profile:      profileFromJSON(r.Profile),
	}
}

func newVisitRow(visit VisitRecord) visitRow {
	return visitRow{
		Username:       visit.Username.String(),
		VisitedAtNanos: toNanos(visit.VisitedAt),
		Source:         string(visit.Source),
		Location:       visit.Location,
		RequestID:      visit.RequestID,
	}
}

func (r visitRow) record() VisitRecord {
	return VisitRecord{
		Username:  Username(r.Username),
		VisitedAt: fromNanos(r.VisitedAtNanos),
		Source:    Source(r.Source),
		Location:  r.Location,
		RequestID: r.RequestID,
	}
}
