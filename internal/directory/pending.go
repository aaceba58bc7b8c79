package directory

import (
	"context"
	"time"
)

// PendingKind distinguishes reconciliation entries.
type PendingKind string

const (
	// PendingUser asks reconciliation to converge a user record across both layouts.
	PendingUser PendingKind = "user"
	// PendingVisit asks reconciliation to replay a visit into the target layout.
	PendingVisit PendingKind = "visit"
)

// PendingMirror records a secondary write that did not land.
type PendingMirror struct {
	Kind     PendingKind  `json:"kind"`
	Target   string       `json:"target"`
	Username Username     `json:"username"`
	Visit    *VisitRecord `json:"visit,omitempty"`
	Reason   string       `json:"reason"`
	QueuedAt time.Time    `json:"queued_at"`
	Attempts int          `json:"attempts,omitempty"`
}

// PendingQueue is the side list that secondary-write failures are recorded on.
type PendingQueue interface {
	Push(ctx context.Context, entry PendingMirror) error
}
