package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/clemsonMakerspace/unified-makerspace/backend/internal/config"
	"github.com/clemsonMakerspace/unified-makerspace/backend/internal/directory"
	"github.com/gofrs/flock"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

func newMigrateCommand() *cobra.Command {
	var batchSize int
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Copy legacy users and visits into the two-table layout",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMigrate(cmd.Context(), batchSize)
		},
	}
	cmd.Flags().IntVar(&batchSize, "batch-size", 200, "Legacy rows read per page")
	return cmd
}

func runMigrate(ctx context.Context, batchSize int) error {
	appConfig, err := config.Load(viper.GetViper())
	if err != nil {
		return err
	}
	// Opening the application runs data migrations, so the lock is held from before.
	unlock, err := acquireMigrationLock(appConfig.DatabasePath)
	if err != nil {
		return err
	}
	defer unlock()

	app, err := openApplication(ctx, openOptions{bothLayouts: true})
	if err != nil {
		return err
	}
	defer app.close()

	started := time.Now()
	report, err := directory.CopyLegacy(ctx, directory.MigrationConfig{
		Legacy:    app.legacy,
		Split:     app.split,
		BatchSize: batchSize,
		Logger:    app.logger,
	})
	if err != nil {
		return err
	}
	app.logger.Info("legacy copy finished",
		zap.Int("users_copied", report.UsersCopied),
		zap.Int("users_replaced", report.UsersReplaced),
		zap.Int("users_skipped", report.UsersSkipped),
		zap.Int("visits_copied", report.VisitsCopied),
		zap.Int("visits_skipped", report.VisitsSkipped),
		zap.Int("visits_orphaned", report.VisitsOrphaned),
		zap.Duration("elapsed", time.Since(started)))
	return nil
}

func acquireMigrationLock(databasePath string) (func(), error) {
	lock := flock.New(databasePath + ".migrate.lock")
	locked, err := lock.TryLock()
	if err != nil {
		return nil, fmt.Errorf("acquire migration lock: %w", err)
	}
	if !locked {
		return nil, errors.New("another migration holds the lock")
	}
	return func() { _ = lock.Unlock() }, nil
}

func newReconcileCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "reconcile",
		Short: "Drain the pending mirror list once",
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := openApplication(cmd.Context(), openOptions{bothLayouts: true})
			if err != nil {
				return err
			}
			defer app.close()

			if app.store.Mode() != directory.ModeDualWrite {
				app.logger.Warn("reconciling outside dual-write mode", zap.String("mode", string(app.store.Mode())))
			}
			reconciler, err := app.newReconciler()
			if err != nil {
				return err
			}
			report, err := reconciler.Drain(cmd.Context())
			if err != nil {
				return err
			}
			app.logger.Info("reconciliation pass finished",
				zap.Int("resolved", report.Resolved),
				zap.Int("requeued", report.Requeued),
				zap.Int("abandoned", report.Abandoned))
			return nil
		},
	}
}

func newLedgerCommand() *cobra.Command {
	var (
		username string
		since    string
		until    string
	)
	cmd := &cobra.Command{
		Use:   "ledger",
		Short: "Print a user's visits as JSON lines",
		RunE: func(cmd *cobra.Command, args []string) error {
			now := time.Now().UTC()
			from, err := parseBound(since, now)
			if err != nil {
				return fmt.Errorf("--since: %w", err)
			}
			to, err := parseBound(until, now)
			if err != nil {
				return fmt.Errorf("--until: %w", err)
			}
			name, err := directory.NewUsername(username)
			if err != nil {
				return err
			}

			app, err := openApplication(cmd.Context(), openOptions{})
			if err != nil {
				return err
			}
			defer app.close()

			visits, err := app.store.ListVisits(cmd.Context(), name, from, to)
			if err != nil {
				return err
			}
			return writeLedger(cmd.OutOrStdout(), visits)
		},
	}
	cmd.Flags().StringVar(&username, "username", "", "Username whose visits to print")
	cmd.Flags().StringVar(&since, "since", "", "Lower bound as RFC3339 time or a duration before now, e.g. 168h")
	cmd.Flags().StringVar(&until, "until", "", "Upper bound as RFC3339 time or a duration before now")
	_ = cmd.MarkFlagRequired("username")
	return cmd
}

// parseBound reads an absolute RFC3339 time or a duration counted back from now.
// Blank means unbounded.
func parseBound(raw string, now time.Time) (time.Time, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return time.Time{}, nil
	}
	if age, err := time.ParseDuration(trimmed); err == nil {
		if age < 0 {
			return time.Time{}, fmt.Errorf("duration must not be negative: %s", trimmed)
		}
		return now.Add(-age), nil
	}
	parsed, err := time.Parse(time.RFC3339, trimmed)
	if err != nil {
		return time.Time{}, fmt.Errorf("expected RFC3339 time or duration, got %q", raw)
	}
	return parsed.UTC(), nil
}

type ledgerLine struct {
	Username  string    `json:"username"`
	VisitedAt time.Time `json:"visited_at"`
	Source    string    `json:"source"`
	Location  string    `json:"location,omitempty"`
}

func writeLedger(out io.Writer, visits []directory.VisitRecord) error {
	encoder := json.NewEncoder(out)
	for _, visit := range visits {
		line := ledgerLine{
			Username:  visit.Username.String(),
			VisitedAt: visit.VisitedAt.UTC(),
			Source:    string(visit.Source),
			Location:  visit.Location,
		}
		if err := encoder.Encode(line); err != nil {
			return err
		}
	}
	return nil
}
