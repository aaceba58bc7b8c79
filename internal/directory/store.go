package directory

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/clemsonMakerspace/unified-makerspace/backend/internal/metrics"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const tracerName = "github.com/clemsonMakerspace/unified-makerspace/backend/internal/directory"

// Mode selects which layouts serve reads and writes.
type Mode string

const (
	// ModeLegacyOnly reads and writes the single-table layout.
	ModeLegacyOnly Mode = "legacy-only"
	// ModeDualWrite writes both layouts with the new one as primary and reads new first.
	ModeDualWrite Mode = "dual-write"
	// ModeNewOnly reads and writes the two-table layout.
	ModeNewOnly Mode = "new-only"
)

var (
	// ErrInvalidMode indicates an unrecognised mode value.
	ErrInvalidMode = errors.New("directory: invalid mode")

	errMissingLegacyBackend = errors.New("directory: legacy backend required for this mode")
	errMissingSplitBackend  = errors.New("directory: new backend required for this mode")
	errMissingPendingQueue  = errors.New("directory: pending queue required in dual-write mode")
)

// ParseMode validates a raw mode value.
func ParseMode(rawInput string) (Mode, error) {
	switch Mode(strings.ToLower(strings.TrimSpace(rawInput))) {
	case ModeLegacyOnly:
		return ModeLegacyOnly, nil
	case ModeDualWrite:
		return ModeDualWrite, nil
	case ModeNewOnly:
		return ModeNewOnly, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidMode, rawInput)
	}
}

// StoreConfig wires the backends and policies of a Store.
type StoreConfig struct {
	Mode        Mode
	Legacy      Backend
	Split       Backend
	Pending     PendingQueue
	Retry       RetryPolicy
	CallTimeout time.Duration
	Clock       func() time.Time
	IDProvider  func() (string, error)
	Logger      *zap.Logger
	Metrics     *metrics.Metrics
}

// Store is the only component that touches persistence. It routes reads and writes
// to the layouts selected by its mode, which is fixed for the lifetime of the Store.
type Store struct {
	mode        Mode
	legacy      Backend
	split       Backend
	pending     PendingQueue
	retry       RetryPolicy
	callTimeout time.Duration
	clock       func() time.Time
	newID       func() (string, error)
	logger      *zap.Logger
	metrics     *metrics.Metrics
	tracer      trace.Tracer
	background  sync.WaitGroup
}

// NewStore validates that the backends required by the mode are present.
func NewStore(cfg StoreConfig) (*Store, error) {
	mode, err := ParseMode(string(cfg.Mode))
	if err != nil {
		return nil, err
	}
	if mode != ModeNewOnly && cfg.Legacy == nil {
		return nil, errMissingLegacyBackend
	}
	if mode != ModeLegacyOnly && cfg.Split == nil {
		return nil, errMissingSplitBackend
	}
	if mode == ModeDualWrite && cfg.Pending == nil {
		return nil, errMissingPendingQueue
	}

	callTimeout := cfg.CallTimeout
	if callTimeout <= 0 {
		callTimeout = defaultCallTimeout
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	newID := cfg.IDProvider
	if newID == nil {
		newID = newRequestID
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Store{
		mode:        mode,
		legacy:      cfg.Legacy,
		split:       cfg.Split,
		pending:     cfg.Pending,
		retry:       cfg.Retry.normalized(),
		callTimeout: callTimeout,
		clock:       clock,
		newID:       newID,
		logger:      logger,
		metrics:     cfg.Metrics,
		tracer:      otel.Tracer(tracerName),
	}, nil
}

func newRequestID() (string, error) {
	value, err := uuid.NewV7()
	if err != nil {
		return "", err
	}
	return value.String(), nil
}

// Mode returns the policy the store was built with.
func (s *Store) Mode() Mode {
	return s.mode
}

// Wait blocks until background copies started by reads have finished.
func (s *Store) Wait() {
	s.background.Wait()
}

func (s *Store) primary() Backend {
	if s.mode == ModeLegacyOnly {
		return s.legacy
	}
	return s.split
}

func (s *Store) mirror() Backend {
	if s.mode == ModeDualWrite {
		return s.legacy
	}
	return nil
}

// FindUser returns the user record for username, if any.
func (s *Store) FindUser(ctx context.Context, username Username) (record UserRecord, found bool, err error) {
	ctx, span := s.startSpan(ctx, "FindUser", username)
	defer func() { endSpan(span, err) }()

	switch s.mode {
	case ModeLegacyOnly:
		return s.findIn(ctx, s.legacy, username)
	case ModeNewOnly:
		return s.findIn(ctx, s.split, username)
	default:
		return s.findDual(ctx, username)
	}
}

func (s *Store) findIn(ctx context.Context, backend Backend, username Username) (UserRecord, bool, error) {
	var record UserRecord
	var found bool
	err := s.call(ctx, "find_user", backend, true, func(callCtx context.Context) error {
		var err error
		record, found, err = backend.FindUser(callCtx, username)
		return err
	})
	if err != nil {
		return UserRecord{}, false, err
	}
	return record, found, nil
}

// findDual queries both layouts at once. The new layout answers unless legacy holds
// a record it lacks or disagrees with; legacy wins and new is brought in line in the background.
func (s *Store) findDual(ctx context.Context, username Username) (UserRecord, bool, error) {
	var (
		group       errgroup.Group
		newRecord   UserRecord
		newFound    bool
		legacyRec   UserRecord
		legacyFound bool
		legacyErr   error
	)
	group.Go(func() error {
		var err error
		newRecord, newFound, err = s.findIn(ctx, s.split, username)
		return err
	})
	group.Go(func() error {
		legacyRec, legacyFound, legacyErr = s.findIn(ctx, s.legacy, username)
		return nil
	})
	if err := group.Wait(); err != nil {
		return UserRecord{}, false, err
	}

	if legacyErr != nil {
		// A new-layout miss says nothing about legacy, so the answer is unknown.
		if !newFound {
			return UserRecord{}, false, legacyErr
		}
		s.logger.Warn("legacy read failed in dual-write mode",
			zap.String("username", username.String()),
			zap.Error(legacyErr))
		return newRecord, true, nil
	}

	switch {
	case !legacyFound:
		return newRecord, newFound, nil
	case !newFound:
		s.copyToSplit(ctx, legacyRec)
		return legacyRec, true, nil
	case !newRecord.SamePayload(legacyRec):
		s.logger.Warn("user records disagree across layouts, legacy wins",
			zap.String("username", username.String()))
		s.copyToSplit(ctx, legacyRec)
		return legacyRec, true, nil
	default:
		return newRecord, true, nil
	}
}

// copyToSplit brings the new layout in line with a legacy record without blocking the caller.
func (s *Store) copyToSplit(ctx context.Context, record UserRecord) {
	detached := context.WithoutCancel(ctx)
	s.background.Add(1)
	go func() {
		defer s.background.Done()
		if err := s.convergeSplitUser(detached, record); err != nil {
			s.recordPending(detached, PendingMirror{
				Kind:     PendingUser,
				Target:   s.split.Name(),
				Username: record.Username,
				Reason:   err.Error(),
			})
		}
	}()
}

func (s *Store) convergeSplitUser(ctx context.Context, record UserRecord) error {
	err := s.call(ctx, "copy_user", s.split, true, func(callCtx context.Context) error {
		_, err := s.split.PutUser(callCtx, record)
		return err
	})
	if errors.Is(err, ErrConflict) {
		err = s.call(ctx, "replace_user", s.split, true, func(callCtx context.Context) error {
			return s.split.ReplaceUser(callCtx, record)
		})
	}
	return err
}

// PutUser conditionally inserts record into the primary layout and mirrors it in dual-write mode.
// ErrConflict is returned, without retry, when a differing record already exists.
func (s *Store) PutUser(ctx context.Context, record UserRecord) (result PutResult, err error) {
	ctx, span := s.startSpan(ctx, "PutUser", record.Username)
	defer func() { endSpan(span, err) }()

	primary := s.primary()
	err = s.call(ctx, "put_user", primary, true, func(callCtx context.Context) error {
		var err error
		result, err = primary.PutUser(callCtx, record)
		return err
	})
	if err != nil {
		return 0, err
	}

	if mirror := s.mirror(); mirror != nil {
		mirrorErr := s.call(ctx, "mirror_user", mirror, false, func(callCtx context.Context) error {
			_, err := mirror.PutUser(callCtx, record)
			return err
		})
		if mirrorErr != nil {
			s.recordPending(ctx, PendingMirror{
				Kind:     PendingUser,
				Target:   mirror.Name(),
				Username: record.Username,
				Reason:   mirrorErr.Error(),
			})
		}
	}
	return result, nil
}

// AppendVisit adds visit to the ledger and returns it as stored. A missing RequestID is
// generated so that the append can be retried safely.
func (s *Store) AppendVisit(ctx context.Context, visit VisitRecord) (stored VisitRecord, result AppendResult, err error) {
	ctx, span := s.startSpan(ctx, "AppendVisit", visit.Username)
	defer func() { endSpan(span, err) }()

	if visit.RequestID == "" {
		requestID, err := s.newID()
		if err != nil {
			return VisitRecord{}, 0, fmt.Errorf("directory: request id: %w", err)
		}
		visit.RequestID = requestID
	}

	primary := s.primary()
	stored, result, err = s.appendTo(ctx, primary, visit)
	if errors.Is(err, ErrUnknownUser) && s.mode == ModeDualWrite {
		// The user may so far exist only in legacy; copy it before giving up.
		if copyErr := s.copyUserFromLegacy(ctx, visit.Username); copyErr == nil {
			stored, result, err = s.appendTo(ctx, primary, visit)
		}
	}
	if err != nil {
		return VisitRecord{}, 0, err
	}

	if mirror := s.mirror(); mirror != nil {
		if _, _, mirrorErr := s.appendOnce(ctx, mirror, stored); mirrorErr != nil {
			copied := stored
			s.recordPending(ctx, PendingMirror{
				Kind:     PendingVisit,
				Target:   mirror.Name(),
				Username: stored.Username,
				Visit:    &copied,
				Reason:   mirrorErr.Error(),
			})
		}
	}
	return stored, result, nil
}

func (s *Store) appendTo(ctx context.Context, backend Backend, visit VisitRecord) (VisitRecord, AppendResult, error) {
	retryable := backend.HonorsRequestTokens() && visit.RequestID != ""
	var stored VisitRecord
	var result AppendResult
	err := s.call(ctx, "append_visit", backend, retryable, func(callCtx context.Context) error {
		var err error
		stored, result, err = backend.AppendVisit(callCtx, visit)
		return err
	})
	return stored, result, err
}

func (s *Store) appendOnce(ctx context.Context, backend Backend, visit VisitRecord) (VisitRecord, AppendResult, error) {
	var stored VisitRecord
	var result AppendResult
	err := s.call(ctx, "mirror_visit", backend, false, func(callCtx context.Context) error {
		var err error
		stored, result, err = backend.AppendVisit(callCtx, visit)
		return err
	})
	return stored, result, err
}

func (s *Store) copyUserFromLegacy(ctx context.Context, username Username) error {
	record, found, err := s.findIn(ctx, s.legacy, username)
	if err != nil {
		return err
	}
	if !found {
		return ErrUnknownUser
	}
	return s.convergeSplitUser(ctx, record)
}

// ListVisits range-scans a user's visits in visited_at order. In dual-write mode the new
// layout answers unless it holds nothing for the range.
func (s *Store) ListVisits(ctx context.Context, username Username, from, to time.Time) (visits []VisitRecord, err error) {
	ctx, span := s.startSpan(ctx, "ListVisits", username)
	defer func() { endSpan(span, err) }()

	visits, err = s.listIn(ctx, s.primary(), username, from, to)
	if err != nil {
		return nil, err
	}
	if len(visits) == 0 && s.mode == ModeDualWrite {
		return s.listIn(ctx, s.legacy, username, from, to)
	}
	return visits, nil
}

func (s *Store) listIn(ctx context.Context, backend Backend, username Username, from, to time.Time) ([]VisitRecord, error) {
	var visits []VisitRecord
	err := s.call(ctx, "list_visits", backend, true, func(callCtx context.Context) error {
		var err error
		visits, err = backend.ListVisits(callCtx, username, from, to)
		return err
	})
	return visits, err
}

// ReconcileUser converges a user record across both layouts; legacy wins on disagreement.
func (s *Store) ReconcileUser(ctx context.Context, username Username) (err error) {
	ctx, span := s.startSpan(ctx, "ReconcileUser", username)
	defer func() { endSpan(span, err) }()

	if s.legacy == nil || s.split == nil {
		return nil
	}
	legacyRecord, legacyFound, err := s.findIn(ctx, s.legacy, username)
	if err != nil {
		return err
	}
	newRecord, newFound, err := s.findIn(ctx, s.split, username)
	if err != nil {
		return err
	}

	switch {
	case legacyFound && (!newFound || !newRecord.SamePayload(legacyRecord)):
		return s.convergeSplitUser(ctx, legacyRecord)
	case !legacyFound && newFound:
		return s.call(ctx, "mirror_user", s.legacy, true, func(callCtx context.Context) error {
			_, err := s.legacy.PutUser(callCtx, newRecord)
			return err
		})
	default:
		return nil
	}
}

// ReplayVisit appends a previously mirrored visit into the named layout.
func (s *Store) ReplayVisit(ctx context.Context, target string, visit VisitRecord) (err error) {
	ctx, span := s.startSpan(ctx, "ReplayVisit", visit.Username)
	defer func() { endSpan(span, err) }()

	backend := s.backendNamed(target)
	if backend == nil {
		return fmt.Errorf("directory: unknown replay target %q", target)
	}
	_, _, err = s.appendTo(ctx, backend, visit)
	if errors.Is(err, ErrUnknownUser) {
		if reconcileErr := s.ReconcileUser(ctx, visit.Username); reconcileErr != nil {
			return reconcileErr
		}
		_, _, err = s.appendTo(ctx, backend, visit)
	}
	return err
}

func (s *Store) backendNamed(name string) Backend {
	if s.legacy != nil && s.legacy.Name() == name {
		return s.legacy
	}
	if s.split != nil && s.split.Name() == name {
		return s.split
	}
	return nil
}

func (s *Store) recordPending(ctx context.Context, entry PendingMirror) {
	entry.QueuedAt = s.clock().UTC()
	s.metrics.IncPendingMirrorsQueued(string(entry.Kind))
	s.logger.Warn("secondary write failed, queued for reconciliation",
		zap.String("kind", string(entry.Kind)),
		zap.String("target", entry.Target),
		zap.String("username", entry.Username.String()),
		zap.String("reason", entry.Reason))

	if s.pending == nil {
		s.logger.Error("no pending queue configured, reconciliation entry dropped",
			zap.String("username", entry.Username.String()))
		return
	}
	pushCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.callTimeout)
	defer cancel()
	if err := s.pending.Push(pushCtx, entry); err != nil {
		s.logger.Error("failed to record pending mirror",
			zap.String("kind", string(entry.Kind)),
			zap.String("username", entry.Username.String()),
			zap.Error(err))
	}
}

func (s *Store) startSpan(ctx context.Context, operation string, username Username) (context.Context, trace.Span) {
	return s.tracer.Start(ctx, "directory."+operation, trace.WithAttributes(
		attribute.String("directory.mode", string(s.mode)),
		attribute.String("directory.username", username.String()),
	))
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
