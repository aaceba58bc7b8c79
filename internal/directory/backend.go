package directory

import (
	"context"
	"errors"
	"time"

	"gorm.io/datatypes"
)

// PutResult reports how a conditional user write was applied.
type PutResult int

const (
	// PutInserted means the record did not exist and was written.
	PutInserted PutResult = iota + 1
	// PutUnchanged means an equal record already existed and nothing was written.
	PutUnchanged
)

// AppendResult reports how a visit append was applied.
type AppendResult int

const (
	// AppendWritten means a new ledger entry was stored.
	AppendWritten AppendResult = iota + 1
	// AppendDuplicate means the visit matched an existing entry and nothing was written.
	AppendDuplicate
)

var (
	// ErrConflict indicates that a differing user record already exists.
	ErrConflict = errors.New("directory: conflicting user record")
	// ErrUnknownUser indicates that a visit was appended for a username with no user record.
	ErrUnknownUser = errors.New("directory: visit for unregistered user")
	// ErrUnavailable indicates that the backing store failed after the retry budget was spent.
	ErrUnavailable = errors.New("directory: store unavailable")
)

// Backend is one physical layout of the directory and ledger.
type Backend interface {
	// Name identifies the backend in logs and reconciliation entries.
	Name() string
	FindUser(ctx context.Context, username Username) (UserRecord, bool, error)
	// PutUser inserts the record only if absent, succeeds without writing if an equal
	// record exists, and returns ErrConflict otherwise.
	PutUser(ctx context.Context, record UserRecord) (PutResult, error)
	// ReplaceUser overwrites a user record. Only reconciliation calls it.
	ReplaceUser(ctx context.Context, record UserRecord) error
	// AppendVisit stores the visit and returns the record as persisted.
	AppendVisit(ctx context.Context, visit VisitRecord) (VisitRecord, AppendResult, error)
	// ListVisits returns a user's visits with from <= visited_at < to, oldest first.
	ListVisits(ctx context.Context, username Username, from, to time.Time) ([]VisitRecord, error)
	// HonorsRequestTokens reports whether a repeated RequestID is detected, making appends safe to retry.
	HonorsRequestTokens() bool
}

func toNanos(value time.Time) int64 {
	if value.IsZero() {
		return 0
	}
	return value.UTC().UnixNano()
}

func fromNanos(value int64) time.Time {
	if value == 0 {
		return time.Time{}
	}
	return time.Unix(0, value).UTC()
}

func profileToJSON(profile map[string]string) datatypes.JSONMap {
	encoded := datatypes.JSONMap{}
	for key, value := range profile {
		encoded[key] = value
	}
	return encoded
}

func profileFromJSON(encoded datatypes.JSONMap) map[string]string {
	profile := make(map[string]string, len(encoded))
	for key, value := range encoded {
		if text, ok := value.(string); ok {
			profile[key] = text
		}
	}
	return profile
}

// nextVisitTime keeps per-user visit times strictly increasing in storage order.
func nextVisitTime(requested time.Time, latestNanos int64) time.Time {
	requestedNanos := toNanos(requested)
	if latestNanos != 0 && requestedNanos <= latestNanos {
		return fromNanos(latestNanos + 1)
	}
	return fromNanos(requestedNanos)
}
