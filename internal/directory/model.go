package directory

import (
	"errors"
	"fmt"
	"maps"
	"regexp"
	"strings"
	"time"
)

// Source enumerates where a visit was submitted from.
type Source string

const (
	// SourceWalkIn marks a visit typed in at the front desk.
	SourceWalkIn Source = "walk-in"
	// SourceKiosk marks a visit submitted from the sign-in kiosk.
	SourceKiosk Source = "kiosk"
	// SourceAPITest marks a visit produced by API smoke tests. It is stored like any other source.
	SourceAPITest Source = "api-test"
)

const (
	maxUsernameLength = 64
	maxLocationLength = 64
)

var (
	// ErrInvalidUsername indicates that a username is empty, too long, or uses characters outside [A-Za-z0-9._-].
	ErrInvalidUsername = errors.New("directory: invalid username")
	// ErrInvalidSource indicates that a visit source is not one of the known values.
	ErrInvalidSource = errors.New("directory: invalid visit source")
	// ErrInvalidLocation indicates that a visit location exceeds storage bounds.
	ErrInvalidLocation = errors.New("directory: invalid visit location")
	// ErrInvalidRecord indicates that a record handed to the store is incomplete.
	ErrInvalidRecord = errors.New("directory: invalid record")

	usernamePattern = regexp.MustCompile(`^[A-Za-z0-9._-]+$`)
)

// Username is a validated, lower-cased visitor identity.
type Username string

// NewUsername validates raw input and returns the lower-cased Username.
func NewUsername(rawInput string) (Username, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidUsername)
	}
	if len(trimmed) > maxUsernameLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidUsername, maxUsernameLength)
	}
	if !usernamePattern.MatchString(trimmed) {
		return "", fmt.Errorf("%w: unsupported characters", ErrInvalidUsername)
	}
	return Username(strings.ToLower(trimmed)), nil
}

// String returns the underlying username.
func (u Username) String() string {
	return string(u)
}

// ParseSource validates a raw source value.
func ParseSource(rawInput string) (Source, error) {
	switch Source(strings.ToLower(strings.TrimSpace(rawInput))) {
	case SourceWalkIn:
		return SourceWalkIn, nil
	case SourceKiosk:
		return SourceKiosk, nil
	case SourceAPITest:
		return SourceAPITest, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidSource, rawInput)
	}
}

// NormalizeLocation trims a free-text visit location and enforces its length bound.
func NormalizeLocation(rawInput string) (string, error) {
	trimmed := strings.TrimSpace(rawInput)
	if len(trimmed) > maxLocationLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidLocation, maxLocationLength)
	}
	return trimmed, nil
}

// UserRecord is a directory entry. It is created once and never mutated.
type UserRecord struct {
	Username     Username
	DisplayName  string
	RegisteredAt time.Time
	Profile      map[string]string
}

// SamePayload reports whether two records carry the same registration payload.
// RegisteredAt is not part of the payload.
func (r UserRecord) SamePayload(other UserRecord) bool {
	if r.Username != other.Username || r.DisplayName != other.DisplayName {
		return false
	}
	if len(r.Profile) == 0 && len(other.Profile) == 0 {
		return true
	}
	return maps.Equal(r.Profile, other.Profile)
}

// VisitRecord is an immutable ledger entry.
type VisitRecord struct {
	Username  Username  `json:"username"`
	VisitedAt time.Time `json:"visited_at"`
	Source    Source    `json:"source"`
	Location  string    `json:"location,omitempty"`
	// RequestID is the client-supplied token that makes appends safe to retry.
	RequestID string `json:"request_id,omitempty"`
}

func (v VisitRecord) validate() error {
	if _, err := NewUsername(v.Username.String()); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidRecord, err)
	}
	if _, err := ParseSource(string(v.Source)); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidRecord, err)
	}
	if _, err := NormalizeLocation(v.Location); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidRecord, err)
	}
	if v.VisitedAt.IsZero() {
		return fmt.Errorf("%w: visit time required", ErrInvalidRecord)
	}
	return nil
}

func (r UserRecord) validate() error {
	if _, err := NewUsername(r.Username.String()); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidRecord, err)
	}
	if strings.TrimSpace(r.DisplayName) == "" {
		return fmt.Errorf("%w: display name required", ErrInvalidRecord)
	}
	if r.RegisteredAt.IsZero() {
		return fmt.Errorf("%w: registration time required", ErrInvalidRecord)
	}
	return nil
}
