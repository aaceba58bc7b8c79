package directory

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"
)

const defaultMigrationBatchSize = 200

// MigrationReport counts what a legacy copy did.
type MigrationReport struct {
	UsersCopied    int
	UsersSkipped   int
	UsersReplaced  int
	VisitsCopied   int
	VisitsSkipped  int
	VisitsOrphaned int
}

// MigrationConfig drives CopyLegacy.
type MigrationConfig struct {
	Legacy    *LegacyBackend
	Split     *SplitBackend
	BatchSize int
	Logger    *zap.Logger
}

// CopyLegacy copies every legacy user and visit into the two-table layout. Users are
// copied first so that visits land against an existing record; a differing record in
// the new layout is replaced by the legacy one. Running it again copies nothing new.
func CopyLegacy(ctx context.Context, cfg MigrationConfig) (MigrationReport, error) {
	if cfg.Legacy == nil || cfg.Split == nil {
		return MigrationReport{}, errors.New("directory: legacy and new backends required for migration")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	batchSize := cfg.BatchSize
	if batchSize <= 0 {
		batchSize = defaultMigrationBatchSize
	}

	var report MigrationReport
	err := cfg.Legacy.ScanUsers(ctx, batchSize, func(record UserRecord) error {
		normalized, err := NewUsername(record.Username.String())
		if err != nil {
			logger.Warn("skipping legacy user with invalid username",
				zap.String("username", record.Username.String()),
				zap.Error(err))
			report.UsersSkipped++
			return nil
		}
		record.Username = normalized

		result, err := cfg.Split.PutUser(ctx, record)
		switch {
		case errors.Is(err, ErrConflict):
			if err := cfg.Split.ReplaceUser(ctx, record); err != nil {
				return fmt.Errorf("replace user %s: %w", record.Username, err)
			}
			report.UsersReplaced++
		case errors.Is(err, ErrInvalidRecord):
			logger.Warn("skipping incomplete legacy user",
				zap.String("username", record.Username.String()),
				zap.Error(err))
			report.UsersSkipped++
		case err != nil:
			return fmt.Errorf("copy user %s: %w", record.Username, err)
		case result == PutInserted:
			report.UsersCopied++
		default:
			report.UsersSkipped++
		}
		return nil
	})
	if err != nil {
		return report, err
	}

	err = cfg.Legacy.ScanVisits(ctx, batchSize, func(visit VisitRecord) error {
		normalized, err := NewUsername(visit.Username.String())
		if err != nil {
			report.VisitsOrphaned++
			return nil
		}
		visit.Username = normalized

		_, result, err := cfg.Split.AppendVisit(ctx, visit)
		switch {
		case errors.Is(err, ErrUnknownUser):
			logger.Warn("legacy visit has no user record",
				zap.String("username", visit.Username.String()),
				zap.Time("visited_at", visit.VisitedAt))
			report.VisitsOrphaned++
		case errors.Is(err, ErrInvalidRecord):
			logger.Warn("skipping malformed legacy visit",
				zap.String("username", visit.Username.String()),
				zap.Error(err))
			report.VisitsSkipped++
		case err != nil:
			return fmt.Errorf("copy visit %s: %w", visit.Username, err)
		case result == AppendWritten:
			report.VisitsCopied++
		default:
			report.VisitsSkipped++
		}
		return nil
	})
	if err != nil {
		return report, err
	}

	logger.Info("legacy copy complete",
		zap.Int("users_copied", report.UsersCopied),
		zap.Int("users_replaced", report.UsersReplaced),
		zap.Int("users_skipped", report.UsersSkipped),
		zap.Int("visits_copied", report.VisitsCopied),
		zap.Int("visits_skipped", report.VisitsSkipped),
		zap.Int("visits_orphaned", report.VisitsOrphaned))
	return report, nil
}
