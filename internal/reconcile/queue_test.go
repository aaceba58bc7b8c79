package reconcile

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/clemsonMakerspace/unified-makerspace/backend/internal/directory"
	sqlite "github.com/glebarez/sqlite"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

func openTestDatabase(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "reconcile.db")), &gorm.Config{})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	return db
}

func newRedisQueue(t *testing.T) *RedisQueue {
	t.Helper()
	server := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: server.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	queue, err := NewRedisQueue(client, "visit:pending-mirror")
	require.NoError(t, err)
	return queue
}

func queuesUnderTest(t *testing.T) map[string]Queue {
	t.Helper()
	databaseQueue, err := NewDatabaseQueue(openTestDatabase(t), "")
	require.NoError(t, err)
	return map[string]Queue{
		"database": databaseQueue,
		"redis":    newRedisQueue(t),
	}
}

func TestQueuesAreFirstInFirstOut(t *testing.T) {
	for name, queue := range queuesUnderTest(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			visit := directory.VisitRecord{
				Username:  "amy",
				VisitedAt: time.Date(2024, time.June, 1, 8, 0, 0, 0, time.UTC),
				Source:    directory.SourceKiosk,
				RequestID: "req-1",
			}
			require.NoError(t, queue.Push(ctx, directory.PendingMirror{Kind: directory.PendingUser, Target: "legacy", Username: "ben"}))
			require.NoError(t, queue.Push(ctx, directory.PendingMirror{Kind: directory.PendingVisit, Target: "legacy", Username: "amy", Visit: &visit, Attempts: 2}))

			length, err := queue.Len(ctx)
			require.NoError(t, err)
			assert.Equal(t, int64(2), length)

			first, found, err := queue.Pop(ctx)
			require.NoError(t, err)
			require.True(t, found)
			assert.Equal(t, directory.PendingUser, first.Kind)
			assert.Equal(t, directory.Username("ben"), first.Username)

			second, found, err := queue.Pop(ctx)
			require.NoError(t, err)
			require.True(t, found)
			require.NotNil(t, second.Visit)
			assert.True(t, second.Visit.VisitedAt.Equal(visit.VisitedAt))
			assert.Equal(t, "req-1", second.Visit.RequestID)
			assert.Equal(t, 2, second.Attempts)

			_, found, err = queue.Pop(ctx)
			require.NoError(t, err)
			assert.False(t, found)
		})
	}
}

func TestNewRedisQueueValidates(t *testing.T) {
	_, err := NewRedisQueue(nil, "key")
	assert.Error(t, err)
	_, err = NewRedisQueue(redis.NewClient(&redis.Options{}), " ")
	assert.Error(t, err)
}

func TestOpenRedisPings(t *testing.T) {
	server := miniredis.RunT(t)
	client, err := OpenRedis(context.Background(), "redis://"+server.Addr())
	require.NoError(t, err)
	require.NoError(t, client.Close())

	_, err = OpenRedis(context.Background(), "not a url")
	assert.Error(t, err)
}
