package reconcile

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/clemsonMakerspace/unified-makerspace/backend/internal/directory"
	"github.com/redis/go-redis/v9"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

const defaultDatabaseTable = "pending_mirrors"

// Queue is the pending-mirror side list. Pop removes the oldest entry.
type Queue interface {
	Push(ctx context.Context, entry directory.PendingMirror) error
	Pop(ctx context.Context) (directory.PendingMirror, bool, error)
	Len(ctx context.Context) (int64, error)
}

type pendingRow struct {
	ID       uint64         `gorm:"column:id;primaryKey;autoIncrement"`
	Username string         `gorm:"column:username;size:64;not null"`
	Kind     string         `gorm:"column:kind;size:16;not null"`
	Payload  datatypes.JSON `gorm:"column:payload;not null"`
}

// DatabaseQueue keeps the side list in a table next to the directory.
type DatabaseQueue struct {
	db    *gorm.DB
	table string
}

// NewDatabaseQueue ensures the side-list table exists.
func NewDatabaseQueue(db *gorm.DB, table string) (*DatabaseQueue, error) {
	if db == nil {
		return nil, errors.New("reconcile: database connection required")
	}
	table = strings.TrimSpace(table)
	if table == "" {
		table = defaultDatabaseTable
	}
	if err := db.Table(table).AutoMigrate(&pendingRow{}); err != nil {
		return nil, fmt.Errorf("reconcile: migrate %s: %w", table, err)
	}
	return &DatabaseQueue{db: db, table: table}, nil
}

func (q *DatabaseQueue) Push(ctx context.Context, entry directory.PendingMirror) error {
	payload, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	row := pendingRow{Username: entry.Username.String(), Kind: string(entry.Kind), Payload: datatypes.JSON(payload)}
	return q.db.WithContext(ctx).Table(q.table).Create(&row).Error
}

func (q *DatabaseQueue) Pop(ctx context.Context) (directory.PendingMirror, bool, error) {
	var entry directory.PendingMirror
	found := false
	err := q.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var row pendingRow
		err := tx.Table(q.table).Order("id ASC").Take(&row).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		if err := json.Unmarshal(row.Payload, &entry); err != nil {
			return fmt.Errorf("reconcile: decode entry %d: %w", row.ID, err)
		}
		if err := tx.Table(q.table).Where("id = ?", row.ID).Delete(&pendingRow{}).Error; err != nil {
			return err
		}
		found = true
		return nil
	})
	if err != nil {
		return directory.PendingMirror{}, false, err
	}
	return entry, found, nil
}

func (q *DatabaseQueue) Len(ctx context.Context) (int64, error) {
	var count int64
	err := q.db.WithContext(ctx).Table(q.table).Count(&count).Error
	return count, err
}

// RedisQueue keeps the side list in a Redis list shared by every instance.
type RedisQueue struct {
	client *redis.Client
	key    string
}

// NewRedisQueue uses key as the list name.
func NewRedisQueue(client *redis.Client, key string) (*RedisQueue, error) {
	if client == nil {
		return nil, errors.New("reconcile: redis client required")
	}
	key = strings.TrimSpace(key)
	if key == "" {
		return nil, errors.New("reconcile: redis key required")
	}
	return &RedisQueue{client: client, key: key}, nil
}

func (q *RedisQueue) Push(ctx context.Context, entry directory.PendingMirror) error {
	payload, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	return q.client.RPush(ctx, q.key, payload).Err()
}

func (q *RedisQueue) Pop(ctx context.Context) (directory.PendingMirror, bool, error) {
	payload, err := q.client.LPop(ctx, q.key).Bytes()
	if errors.Is(err, redis.Nil) {
		return directory.PendingMirror{}, false, nil
	}
	if err != nil {
		return directory.PendingMirror{}, false, err
	}
	var entry directory.PendingMirror
	if err := json.Unmarshal(payload, &entry); err != nil {
		return directory.PendingMirror{}, false, fmt.Errorf("reconcile: decode entry: %w", err)
	}
	return entry, true, nil
}

func (q *RedisQueue) Len(ctx context.Context) (int64, error) {
	return q.client.LLen(ctx, q.key).Result()
}

// OpenRedis connects to url and verifies the connection.
func OpenRedis(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis URL: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}
	return client, nil
}
