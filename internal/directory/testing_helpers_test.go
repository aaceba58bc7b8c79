package directory

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

var (
	errInjected = errors.New("injected backend failure")

	testEpoch = time.Date(2024, time.September, 3, 14, 0, 0, 0, time.UTC)
)

func openTestDatabase(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "directory.db")), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("failed to access sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	return db
}

func newTestLegacy(t *testing.T, db *gorm.DB) *LegacyBackend {
	t.Helper()
	backend, err := NewLegacyBackend(LegacyBackendConfig{Database: db, Table: "visit_legacy"})
	if err != nil {
		t.Fatalf("failed to create legacy backend: %v", err)
	}
	return backend
}

func newTestSplit(t *testing.T, db *gorm.DB) *SplitBackend {
	t.Helper()
	backend, err := NewSplitBackend(SplitBackendConfig{Database: db, UserTable: "visit_users", VisitTable: "visit_ledger"})
	if err != nil {
		t.Fatalf("failed to create split backend: %v", err)
	}
	return backend
}

func testUser(username string, displayName string) UserRecord {
	return UserRecord{
		Username:     Username(username),
		DisplayName:  displayName,
		RegisteredAt: testEpoch,
		Profile:      map[string]string{"major": "Mechanical Engineering"},
	}
}

func testVisit(username string, source Source, at time.Time) VisitRecord {
	return VisitRecord{Username: Username(username), VisitedAt: at, Source: source}
}

// flakyBackend decorates a Backend and fails the next n calls of an operation.
type flakyBackend struct {
	Backend

	mu       sync.Mutex
	failures map[string]int
	calls    map[string]int
}

func newFlakyBackend(inner Backend) *flakyBackend {
	return &flakyBackend{Backend: inner, failures: map[string]int{}, calls: map[string]int{}}
}

func (f *flakyBackend) failNext(operation string, count int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failures[operation] = count
}

func (f *flakyBackend) callCount(operation string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[operation]
}

func (f *flakyBackend) take(operation string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[operation]++
	if f.failures[operation] > 0 {
		f.failures[operation]--
		return errInjected
	}
	return nil
}

func (f *flakyBackend) FindUser(ctx context.Context, username Username) (UserRecord, bool, error) {
	if err := f.take("FindUser"); err != nil {
		return UserRecord{}, false, err
	}
	return f.Backend.FindUser(ctx, username)
}

func (f *flakyBackend) PutUser(ctx context.Context, record UserRecord) (PutResult, error) {
	if err := f.take("PutUser"); err != nil {
		return 0, err
	}
	return f.Backend.PutUser(ctx, record)
}

func (f *flakyBackend) ReplaceUser(ctx context.Context, record UserRecord) error {
	if err := f.take("ReplaceUser"); err != nil {
		return err
	}
	return f.Backend.ReplaceUser(ctx, record)
}

func (f *flakyBackend) AppendVisit(ctx context.Context, visit VisitRecord) (VisitRecord, AppendResult, error) {
	if err := f.take("AppendVisit"); err != nil {
		return VisitRecord{}, 0, err
	}
	return f.Backend.AppendVisit(ctx, visit)
}

func (f *flakyBackend) ListVisits(ctx context.Context, username Username, from, to time.Time) ([]VisitRecord, error) {
	if err := f.take("ListVisits"); err != nil {
		return nil, err
	}
	return f.Backend.ListVisits(ctx, username, from, to)
}

type recordingQueue struct {
	mu      sync.Mutex
	entries []PendingMirror
}

func (q *recordingQueue) Push(_ context.Context, entry PendingMirror) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.entries = append(q.entries, entry)
	return nil
}

func (q *recordingQueue) snapshot() []PendingMirror {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]PendingMirror(nil), q.entries...)
}

func fastRetry() RetryPolicy {
	return RetryPolicy{Budget: 3, Initial: time.Millisecond, Ceiling: 4 * time.Millisecond}
}
