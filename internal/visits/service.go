package visits

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/clemsonMakerspace/unified-makerspace/backend/internal/directory"
	"github.com/clemsonMakerspace/unified-makerspace/backend/internal/invite"
	"github.com/clemsonMakerspace/unified-makerspace/backend/internal/mail"
	"github.com/clemsonMakerspace/unified-makerspace/backend/internal/metrics"
	"go.uber.org/zap"
)

const (
	defaultDedupWindow = 60 * time.Second
	defaultMailTimeout = 5 * time.Second
)

var (
	// ErrInvalidInput indicates a malformed username, source or location.
	ErrInvalidInput = errors.New("visits: invalid input")

	errMissingDirectory = errors.New("directory is required")
	errMissingInvites   = errors.New("invite issuer is required")
	errMissingComposer  = errors.New("invite composer is required")
	errMissingMailer    = errors.New("mail sender is required")
)

const (
	opServiceNew = "visits.service.new"
	opLogVisit   = "visits.log_visit"
)

// ServiceError carries an operation.reason code alongside the underlying error.
type ServiceError struct {
	code string
	err  error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() error {
	return e.err
}

func (e *ServiceError) Code() string {
	return e.code
}

func newServiceError(operation, reason string, cause error) error {
	return &ServiceError{code: fmt.Sprintf("%s.%s", operation, reason), err: cause}
}

// Status is the outcome reported to the visitor.
type Status string

const (
	StatusLogged               Status = "logged"
	StatusRegistrationRequired Status = "registration-required"
)

// Directory is the slice of the directory store the visit logger uses.
type Directory interface {
	FindUser(ctx context.Context, username directory.Username) (directory.UserRecord, bool, error)
	AppendVisit(ctx context.Context, visit directory.VisitRecord) (directory.VisitRecord, directory.AppendResult, error)
	ListVisits(ctx context.Context, username directory.Username, from, to time.Time) ([]directory.VisitRecord, error)
}

// InviteIssuer mints registration invites.
type InviteIssuer interface {
	Issue(ctx context.Context, username directory.Username) (invite.Invite, error)
}

// InviteComposer renders the invite email.
type InviteComposer interface {
	Invite(username string, token string, expiresAt time.Time) (mail.Message, error)
}

// Request is one sign-in submission.
type Request struct {
	Username  string
	Source    string
	Location  string
	RequestID string
}

// Result reports what LogVisit did.
type Result struct {
	Status       Status
	MailDegraded bool
	Visit        *directory.VisitRecord
}

type ServiceConfig struct {
	Directory   Directory
	Invites     InviteIssuer
	Composer    InviteComposer
	Mailer      mail.Sender
	Clock       func() time.Time
	DedupWindow time.Duration
	MailTimeout time.Duration
	Logger      *zap.Logger
	Metrics     *metrics.Metrics
}

// Service logs visits for known users and invites unknown ones to register.
type Service struct {
	directory   Directory
	invites     InviteIssuer
	composer    InviteComposer
	mailer      mail.Sender
	clock       func() time.Time
	dedupWindow time.Duration
	mailTimeout time.Duration
	logger      *zap.Logger
	metrics     *metrics.Metrics
}

func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Directory == nil {
		return nil, newServiceError(opServiceNew, "missing_directory", errMissingDirectory)
	}
	if cfg.Invites == nil {
		return nil, newServiceError(opServiceNew, "missing_invites", errMissingInvites)
	}
	if cfg.Composer == nil {
		return nil, newServiceError(opServiceNew, "missing_composer", errMissingComposer)
	}
	if cfg.Mailer == nil {
		return nil, newServiceError(opServiceNew, "missing_mailer", errMissingMailer)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	dedupWindow := cfg.DedupWindow
	if dedupWindow < 0 {
		dedupWindow = 0
	} else if dedupWindow == 0 {
		dedupWindow = defaultDedupWindow
	}
	mailTimeout := cfg.MailTimeout
	if mailTimeout <= 0 {
		mailTimeout = defaultMailTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		directory:   cfg.Directory,
		invites:     cfg.Invites,
		composer:    cfg.Composer,
		mailer:      cfg.Mailer,
		clock:       clock,
		dedupWindow: dedupWindow,
		mailTimeout: mailTimeout,
		logger:      logger,
		metrics:     cfg.Metrics,
	}, nil
}

// LogVisit records a visit for a known user, or mints an invite and mails it
// when the username has no directory entry. No visit is written for unknown users.
func (s *Service) LogVisit(ctx context.Context, request Request) (Result, error) {
	username, err := directory.NewUsername(request.Username)
	if err != nil {
		return Result{}, newServiceError(opLogVisit, "invalid_username", fmt.Errorf("%w: %w", ErrInvalidInput, err))
	}
	source, err := directory.ParseSource(request.Source)
	if err != nil {
		return Result{}, newServiceError(opLogVisit, "invalid_source", fmt.Errorf("%w: %w", ErrInvalidInput, err))
	}
	location, err := directory.NormalizeLocation(request.Location)
	if err != nil {
		return Result{}, newServiceError(opLogVisit, "invalid_location", fmt.Errorf("%w: %w", ErrInvalidInput, err))
	}

	now := s.clock().UTC()
	record, found, err := s.directory.FindUser(ctx, username)
	if err != nil {
		s.logError(opLogVisit, "find_user_failed", err, zap.String("username", username.String()))
		return Result{}, newServiceError(opLogVisit, "find_user_failed", err)
	}
	if !found {
		return s.inviteUnknown(ctx, username)
	}

	visitedAt := now
	if record.RegisteredAt.After(visitedAt) {
		visitedAt = record.RegisteredAt
	}
	stored, appendResult, err := s.directory.AppendVisit(ctx, directory.VisitRecord{
		Username:  username,
		VisitedAt: visitedAt,
		Source:    source,
		Location:  location,
		RequestID: request.RequestID,
	})
	if err != nil {
		s.logError(opLogVisit, "append_visit_failed", err, zap.String("username", username.String()))
		return Result{}, newServiceError(opLogVisit, "append_visit_failed", err)
	}

	if appendResult == directory.AppendWritten {
		s.metrics.IncVisitsLogged(string(source))
		s.noteRepeatVisit(ctx, stored)
	}
	s.logger.Info("visit logged",
		zap.String("username", username.String()),
		zap.String("source", string(source)),
		zap.Time("visited_at", stored.VisitedAt),
		zap.Bool("duplicate", appendResult == directory.AppendDuplicate))
	return Result{Status: StatusLogged, Visit: &stored}, nil
}

func (s *Service) inviteUnknown(ctx context.Context, username directory.Username) (Result, error) {
	minted, err := s.invites.Issue(ctx, username)
	if err != nil {
		s.logError(opLogVisit, "invite_failed", err, zap.String("username", username.String()))
		return Result{}, newServiceError(opLogVisit, "invite_failed", err)
	}
	s.metrics.IncInvitesIssued()

	result := Result{Status: StatusRegistrationRequired}
	if err := s.sendInvite(ctx, minted); err != nil {
		s.metrics.IncMailFailures()
		s.logger.Warn("registration invite not delivered",
			zap.String("username", username.String()),
			zap.Error(err))
		result.MailDegraded = true
	}
	return result, nil
}

func (s *Service) sendInvite(ctx context.Context, minted invite.Invite) error {
	message, err := s.composer.Invite(minted.Username.String(), minted.Token, minted.ExpiresAt)
	if err != nil {
		return err
	}
	mailCtx, cancel := context.WithTimeout(ctx, s.mailTimeout)
	defer cancel()
	return s.mailer.Send(mailCtx, message)
}

// noteRepeatVisit flags visits inside the dedup window. The ledger keeps them regardless.
func (s *Service) noteRepeatVisit(ctx context.Context, stored directory.VisitRecord) {
	if s.dedupWindow <= 0 {
		return
	}
	earlier, err := s.directory.ListVisits(ctx, stored.Username, stored.VisitedAt.Add(-s.dedupWindow), stored.VisitedAt)
	if err != nil {
		s.logger.Debug("dedup window lookup failed", zap.String("username", stored.Username.String()), zap.Error(err))
		return
	}
	if len(earlier) == 0 {
		return
	}
	s.metrics.IncRepeatVisits()
	s.logger.Info("repeat visit inside dedup window",
		zap.String("username", stored.Username.String()),
		zap.Time("previous_visit", earlier[len(earlier)-1].VisitedAt),
		zap.Duration("window", s.dedupWindow))
}

func (s *Service) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	s.logger.Error("visits service error", attrs...)
}
