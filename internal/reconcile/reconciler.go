package reconcile

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/clemsonMakerspace/unified-makerspace/backend/internal/directory"
	"github.com/clemsonMakerspace/unified-makerspace/backend/internal/metrics"
	"go.uber.org/zap"
)

const (
	defaultInterval    = 30 * time.Second
	defaultMaxAttempts = 10
	requeueTimeout     = 5 * time.Second
)

// Directory is what reconciliation needs from the store.
type Directory interface {
	ReconcileUser(ctx context.Context, username directory.Username) error
	ReplayVisit(ctx context.Context, target string, visit directory.VisitRecord) error
}

type Config struct {
	Queue       Queue
	Directory   Directory
	Interval    time.Duration
	MaxAttempts int
	Logger      *zap.Logger
	Metrics     *metrics.Metrics
}

// Reconciler drains the pending-mirror side list into the lagging layout.
type Reconciler struct {
	queue       Queue
	directory   Directory
	interval    time.Duration
	maxAttempts int
	logger      *zap.Logger
	metrics     *metrics.Metrics
}

// Report counts what one drain pass did.
type Report struct {
	Resolved  int
	Requeued  int
	Abandoned int
}

func New(cfg Config) (*Reconciler, error) {
	if cfg.Queue == nil {
		return nil, errors.New("reconcile: queue required")
	}
	if cfg.Directory == nil {
		return nil, errors.New("reconcile: directory required")
	}
	interval := cfg.Interval
	if interval <= 0 {
		interval = defaultInterval
	}
	maxAttempts := cfg.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = defaultMaxAttempts
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Reconciler{
		queue:       cfg.Queue,
		directory:   cfg.Directory,
		interval:    interval,
		maxAttempts: maxAttempts,
		logger:      logger,
		metrics:     cfg.Metrics,
	}, nil
}

// Drain processes the entries present when it starts. Entries that fail again are
// pushed back with their attempt count raised, so one pass always terminates.
func (r *Reconciler) Drain(ctx context.Context) (Report, error) {
	var report Report
	pending, err := r.queue.Len(ctx)
	if err != nil {
		return report, fmt.Errorf("reconcile: queue length: %w", err)
	}
	for index := int64(0); index < pending; index++ {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		entry, found, err := r.queue.Pop(ctx)
		if err != nil {
			return report, fmt.Errorf("reconcile: pop: %w", err)
		}
		if !found {
			break
		}

		applyErr := r.apply(ctx, entry)
		if applyErr == nil {
			report.Resolved++
			r.metrics.IncPendingMirrorsDrained("resolved")
			r.logger.Info("pending mirror resolved",
				zap.String("kind", string(entry.Kind)),
				zap.String("username", entry.Username.String()))
			continue
		}

		if ctx.Err() != nil {
			// Interrupted, not failed: put the entry back as it was.
			if err := r.requeue(ctx, entry); err != nil {
				return report, fmt.Errorf("reconcile: requeue after cancel: %w", err)
			}
			return report, ctx.Err()
		}

		entry.Attempts++
		entry.Reason = applyErr.Error()
		if entry.Attempts >= r.maxAttempts {
			report.Abandoned++
			r.metrics.IncPendingMirrorsDrained("abandoned")
			r.logger.Error("pending mirror abandoned",
				zap.String("kind", string(entry.Kind)),
				zap.String("username", entry.Username.String()),
				zap.Int("attempts", entry.Attempts),
				zap.Error(applyErr))
			continue
		}
		if err := r.requeue(ctx, entry); err != nil {
			return report, fmt.Errorf("reconcile: requeue: %w", err)
		}
		report.Requeued++
		r.metrics.IncPendingMirrorsDrained("requeued")
		r.logger.Warn("pending mirror requeued",
			zap.String("kind", string(entry.Kind)),
			zap.String("username", entry.Username.String()),
			zap.Int("attempts", entry.Attempts),
			zap.Error(applyErr))
	}
	return report, nil
}

// requeue pushes entry back even when ctx is already cancelled, since it has
// been popped and would otherwise be lost.
func (r *Reconciler) requeue(ctx context.Context, entry directory.PendingMirror) error {
	pushCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), requeueTimeout)
	defer cancel()
	return r.queue.Push(pushCtx, entry)
}

func (r *Reconciler) apply(ctx context.Context, entry directory.PendingMirror) error {
	switch entry.Kind {
	case directory.PendingUser:
		return r.directory.ReconcileUser(ctx, entry.Username)
	case directory.PendingVisit:
		if entry.Visit == nil {
			return errors.New("visit entry without visit payload")
		}
		return r.directory.ReplayVisit(ctx, entry.Target, *entry.Visit)
	default:
		return fmt.Errorf("unknown pending kind %q", entry.Kind)
	}
}

// Run drains the side list every interval until ctx is cancelled.
func (r *Reconciler) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := r.Drain(ctx); err != nil && !errors.Is(err, context.Canceled) {
				r.logger.Error("reconciliation pass failed", zap.Error(err))
			}
		}
	}
}
