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

const (
	legacyBackendName = "legacy"

	// NamespaceUser is the partition holding user records in the legacy layout.
	NamespaceUser = "user"
	// NamespaceVisit is the partition holding visit records in the legacy layout.
	NamespaceVisit = "visit"

	// legacySortTimeLayout is fixed width so that sort keys order by time.
	legacySortTimeLayout = "2006-01-02T15:04:05.000000000Z"
)

// legacyItem is one row of the single-table layout. Users live at (user, username),
// visits at (visit, username#visited_at); the attributes not used by a namespace stay empty.
type legacyItem struct {
	Namespace         string            `gorm:"column:namespace;primaryKey;size:16;not null"`
	Sort              string            `gorm:"column:sort;primaryKey;size:190;not null"`
	Username          string            `gorm:"column:username;size:64;not null;default:''"`
	DisplayName       string            `gorm:"column:display_name;size:320;not null;default:''"`
	RegisteredAtNanos int64             `gorm:"column:registered_at_ns;not null;default:0"`
	Profile           datatypes.JSONMap `gorm:"column:profile"`
	VisitedAtNanos    int64             `gorm:"column:visited_at_ns;not null;default:0"`
	Source            string            `gorm:"column:source;size:16;not null;default:''"`
	Location          string            `gorm:"column:location;size:64;not null;default:''"`
	RequestID         string            `gorm:"column:request_id;size:64;not null;default:''"`
}

// LegacyBackendConfig names the shared legacy table.
type LegacyBackendConfig struct {
	Database *gorm.DB
	Table    string
}

// LegacyBackend stores users and visits interleaved in one table.
type LegacyBackend struct {
	db    *gorm.DB
	table string
}

// NewLegacyBackend validates the configuration and ensures the table exists.
func NewLegacyBackend(cfg LegacyBackendConfig) (*LegacyBackend, error) {
	if cfg.Database == nil {
		return nil, errors.New("directory: database connection required")
	}
	table := strings.TrimSpace(cfg.Table)
	if table == "" {
		return nil, errors.New("directory: legacy table name required")
	}
	if err := cfg.Database.Table(table).AutoMigrate(&legacyItem{}); err != nil {
		return nil, fmt.Errorf("directory: migrate %s: %w", table, err)
	}
	return &LegacyBackend{db: cfg.Database, table: table}, nil
}

// Name identifies the legacy layout.
func (b *LegacyBackend) Name() string {
	return legacyBackendName
}

// Table returns the legacy table name.
func (b *LegacyBackend) Table() string {
	return b.table
}

// HonorsRequestTokens is always true: visit items carry their request id.
func (b *LegacyBackend) HonorsRequestTokens() bool {
	return true
}

func (b *LegacyBackend) FindUser(ctx context.Context, username Username) (UserRecord, bool, error) {
	var item legacyItem
	err := b.db.WithContext(ctx).Table(b.table).
		Where("namespace = ? AND sort = ?", NamespaceUser, username.String()).
		Take(&item).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return UserRecord{}, false, nil
	}
	if err != nil {
		return UserRecord{}, false, err
	}
	return item.userRecord(), true, nil
}

func (b *LegacyBackend) PutUser(ctx context.Context, record UserRecord) (PutResult, error) {
	if err := record.validate(); err != nil {
		return 0, err
	}
	var result PutResult
	err := b.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing legacyItem
		err := tx.Table(b.table).
			Where("namespace = ? AND sort = ?", NamespaceUser, record.Username.String()).
			Take(&existing).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			item := newLegacyUserItem(record)
			if err := tx.Table(b.table).Create(&item).Error; err != nil {
				return err
			}
			result = PutInserted
			return nil
		}
		if err != nil {
			return err
		}
		if !existing.userRecord().SamePayload(record) {
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

func (b *LegacyBackend) ReplaceUser(ctx context.Context, record UserRecord) error {
	if err := record.validate(); err != nil {
		return err
	}
	item := newLegacyUserItem(record)
	return b.db.WithContext(ctx).Table(b.table).
		Clauses(clause.OnConflict{UpdateAll: true}).
		Create(&item).Error
}

func (b *LegacyBackend) AppendVisit(ctx context.Context, visit VisitRecord) (VisitRecord, AppendResult, error) {
	if err := visit.validate(); err != nil {
		return VisitRecord{}, 0, err
	}
	var stored VisitRecord
	var result AppendResult
	err := b.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var userCount int64
		err := tx.Table(b.table).
			Where("namespace = ? AND sort = ?", NamespaceUser, visit.Username.String()).
			Count(&userCount).Error
		if err != nil {
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
			stored = duplicate.visitRecord()
			result = AppendDuplicate
			return nil
		}

		var latest legacyItem
		latestNanos := int64(0)
		err = tx.Table(b.table).
			Where("namespace = ? AND username = ?", NamespaceVisit, visit.Username.String()).
			Order("visited_at_ns DESC").
			Take(&latest).Error
		if err == nil {
			latestNanos = latest.VisitedAtNanos
		} else if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}

		visit.VisitedAt = nextVisitTime(visit.VisitedAt, latestNanos)
		item := newLegacyVisitItem(visit)
		if err := tx.Table(b.table).Create(&item).Error; err != nil {
			return err
		}
		stored = item.visitRecord()
		result = AppendWritten
		return nil
	})
	if err != nil {
		return VisitRecord{}, 0, err
	}
	return stored, result, nil
}

func (b *LegacyBackend) findDuplicate(tx *gorm.DB, visit VisitRecord) (legacyItem, bool, error) {
	secondStart := visit.VisitedAt.UTC().Truncate(time.Second)
	sameSecond := "source = ? AND visited_at_ns >= ? AND visited_at_ns < ?"
	query := tx.Table(b.table).Where("namespace = ? AND username = ?", NamespaceVisit, visit.Username.String())
	if visit.RequestID != "" {
		query = query.Where(
			tx.Where("request_id = ?", visit.RequestID).
				Or(sameSecond, string(visit.Source), toNanos(secondStart), toNanos(secondStart.Add(time.Second))),
		)
	} else {
		query = query.Where(sameSecond, string(visit.Source), toNanos(secondStart), toNanos(secondStart.Add(time.Second)))
	}
	var existing legacyItem
	err := query.Order("visited_at_ns ASC").Take(&existing).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return legacyItem{}, false, nil
	}
	if err != nil {
		return legacyItem{}, false, err
	}
	return existing, true, nil
}

func (b *LegacyBackend) ListVisits(ctx context.Context, username Username, from, to time.Time) ([]VisitRecord, error) {
	query := b.db.WithContext(ctx).Table(b.table).
		Where("namespace = ? AND username = ?", NamespaceVisit, username.String())
	if !from.IsZero() {
		query = query.Where("visited_at_ns >= ?", toNanos(from))
	}
	if !to.IsZero() {
		query = query.Where("visited_at_ns < ?", toNanos(to))
	}
	var items []legacyItem
	if err := query.Order("sort ASC").Find(&items).Error; err != nil {
		return nil, err
	}
	visits := make([]VisitRecord, 0, len(items))
	for _, item := range items {
		visits = append(visits, item.visitRecord())
	}
	return visits, nil
}

// ScanUsers streams every legacy user record to fn in username order.
func (b *LegacyBackend) ScanUsers(ctx context.Context, batchSize int, fn func(UserRecord) error) error {
	return b.scan(ctx, NamespaceUser, batchSize, func(item legacyItem) error {
		return fn(item.userRecord())
	})
}

// ScanVisits streams every legacy visit to fn in (username, visited_at) order.
func (b *LegacyBackend) ScanVisits(ctx context.Context, batchSize int, fn func(VisitRecord) error) error {
	return b.scan(ctx, NamespaceVisit, batchSize, func(item legacyItem) error {
		return fn(item.visitRecord())
	})
}

func (b *LegacyBackend) scan(ctx context.Context, namespace string, batchSize int, fn func(legacyItem) error) error {
	if batchSize <= 0 {
		batchSize = 200
	}
	lastSort := ""
	for {
		var items []legacyItem
		err := b.db.WithContext(ctx).Table(b.table).
			Where("namespace = ? AND sort > ?", namespace, lastSort).
			Order("sort ASC").
			Limit(batchSize).
			Find(&items).Error
		if err != nil {
			return err
		}
		for _, item := range items {
			if err := fn(item); err != nil {
				return err
			}
		}
		if len(items) < batchSize {
			return nil
		}
		lastSort = items[len(items)-1].Sort
	}
}

func legacyVisitSort(username Username, visitedAt time.Time) string {
	return username.String() + "#" + visitedAt.UTC().Format(legacySortTimeLayout)
}

func newLegacyUserItem(record UserRecord) legacyItem {
	return legacyItem{
		Namespace:         NamespaceUser,
		Sort:              record.Username.String(),
		Username:          record.Username.String(),
		DisplayName:       record.DisplayName,
		RegisteredAtNanos: toNanos(record.RegisteredAt),
		Profile:           profileToJSON(record.Profile),
	}
}

func newLegacyVisitItem(visit VisitRecord) legacyItem {
	return legacyItem{
		Namespace:      NamespaceVisit,
		Sort:           legacyVisitSort(visit.Username, visit.VisitedAt),
		Username:       visit.Username.String(),
		VisitedAtNanos: toNanos(visit.VisitedAt),
		Source:         string(visit.Source),
		Location:       visit.Location,
		RequestID:      visit.RequestID,
		Profile:        datatypes.JSONMap{},
	}
}

func (item legacyItem) userRecord() UserRecord {
	username := item.Username
	if username == "" {
		username = item.Sort
	}
	return UserRecord{
		Username:     Username(username),
		DisplayName:  item.DisplayName,
		RegisteredAt: fromNanos(item.RegisteredAtNanos),
		Profile:      profileFromJSON(item.Profile),
	}
}

func (item legacyItem) visitRecord() VisitRecord {
	return VisitRecord{
		Username:  Username(item.Username),
		VisitedAt: fromNanos(item.VisitedAtNanos),
		Source:    Source(item.Source),
		Location:  item.Location,
		RequestID: item.RequestID,
	}
}
