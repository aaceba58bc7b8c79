package registration

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/clemsonMakerspace/unified-makerspace/backend/internal/directory"
	"github.com/clemsonMakerspace/unified-makerspace/backend/internal/invite"
	"github.com/clemsonMakerspace/unified-makerspace/backend/internal/metrics"
	"go.uber.org/zap"
)

var (
	// ErrInvalidInput indicates a profile outside the allow-list or missing display_name.
	ErrInvalidInput = errors.New("registration: invalid input")

	errMissingDirectory = errors.New("directory is required")
	errMissingVerifier  = errors.New("token verifier is required")
)

const (
	opServiceNew = "registration.service.new"
	opRegister   = "registration.register"
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

type Status string

const (
	StatusRegistered Status = "registered"
	StatusConflict   Status = "conflict"
)

// Directory is the slice of the directory store the registrar uses.
type Directory interface {
	FindUser(ctx context.Context, username directory.Username) (directory.UserRecord, bool, error)
	PutUser(ctx context.Context, record directory.UserRecord) (directory.PutResult, error)
}

// TokenVerifier resolves an invite token to the username it was minted for.
type TokenVerifier interface {
	Verify(token string) (invite.Grant, error)
}

// Result reports what Register did. A conflict is returned together with an error
// matching directory.ErrConflict.
type Result struct {
	Status     Status
	Idempotent bool
	Username   directory.Username
}

type ServiceConfig struct {
	Directory Directory
	Verifier  TokenVerifier
	Clock     func() time.Time
	Logger    *zap.Logger
	Metrics   *metrics.Metrics
}

// Service persists users who follow an invite link.
type Service struct {
	directory Directory
	verifier  TokenVerifier
	clock     func() time.Time
	logger    *zap.Logger
	metrics   *metrics.Metrics
}

func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Directory == nil {
		return nil, newServiceError(opServiceNew, "missing_directory", errMissingDirectory)
	}
	if cfg.Verifier == nil {
		return nil, newServiceError(opServiceNew, "missing_verifier", errMissingVerifier)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		directory: cfg.Directory,
		verifier:  cfg.Verifier,
		clock:     clock,
		logger:    logger,
		metrics:   cfg.Metrics,
	}, nil
}

// Register creates the user named by token with the submitted profile. Repeating a
// registration with the same profile is a no-op; a differing profile is a conflict
// and nothing is overwritten.
func (s *Service) Register(ctx context.Context, token string, rawProfile map[string]string) (Result, error) {
	grant, err := s.verifier.Verify(token)
	if err != nil {
		reason := "invalid_token"
		if errors.Is(err, invite.ErrExpiredToken) {
			reason = "expired_token"
		}
		s.metrics.IncRegistrations(reason)
		return Result{}, newServiceError(opRegister, reason, err)
	}

	displayName, profile, err := normalizeProfile(rawProfile)
	if err != nil {
		s.metrics.IncRegistrations("invalid_input")
		return Result{}, newServiceError(opRegister, "invalid_profile", err)
	}

	candidate := directory.UserRecord{
		Username:     grant.Username,
		DisplayName:  displayName,
		RegisteredAt: s.clock().UTC(),
		Profile:      profile,
	}
	fields := []zap.Field{zap.String("username", grant.Username.String())}

	existing, found, err := s.directory.FindUser(ctx, grant.Username)
	if err != nil {
		s.metrics.IncRegistrations("failed")
		s.logError(opRegister, "find_user_failed", err, fields...)
		return Result{}, newServiceError(opRegister, "find_user_failed", err)
	}
	if found {
		return s.compareExisting(existing, candidate)
	}

	putResult, err := s.directory.PutUser(ctx, candidate)
	switch {
	case errors.Is(err, directory.ErrConflict):
		s.metrics.IncRegistrations(string(StatusConflict))
		s.logger.Info("registration lost a race to a differing record", fields...)
		return Result{Status: StatusConflict, Username: grant.Username}, newServiceError(opRegister, "conflict", err)
	case err != nil:
		s.metrics.IncRegistrations("failed")
		s.logError(opRegister, "put_user_failed", err, fields...)
		return Result{}, newServiceError(opRegister, "put_user_failed", err)
	}

	idempotent := putResult == directory.PutUnchanged
	if idempotent {
		s.metrics.IncRegistrations("idempotent")
	} else {
		s.metrics.IncRegistrations(string(StatusRegistered))
		s.logger.Info("user registered", fields...)
	}
	return Result{Status: StatusRegistered, Idempotent: idempotent, Username: grant.Username}, nil
}

func (s *Service) compareExisting(existing, candidate directory.UserRecord) (Result, error) {
	if existing.SamePayload(candidate) {
		s.metrics.IncRegistrations("idempotent")
		return Result{Status: StatusRegistered, Idempotent: true, Username: candidate.Username}, nil
	}
	s.metrics.IncRegistrations(string(StatusConflict))
	s.logger.Info("registration differs from existing record",
		zap.String("username", candidate.Username.String()))
	return Result{Status: StatusConflict, Username: candidate.Username},
		newServiceError(opRegister, "conflict", directory.ErrConflict)
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
	s.logger.Error("registration service error", attrs...)
}
