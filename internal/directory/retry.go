package directory

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
)

const (
	defaultRetryBudget   = 3
	defaultRetryInitial  = 50 * time.Millisecond
	defaultRetryCeiling  = 2 * time.Second
	defaultCallTimeout   = 2 * time.Second
	retryBackoffMultiple = 2.0
)

// RetryPolicy bounds the retries applied to transient backend failures.
type RetryPolicy struct {
	// Budget is the number of retries after the first attempt.
	Budget int
	// Initial is the ceiling of the first back-off delay; later ceilings double up to Ceiling.
	Initial time.Duration
	Ceiling time.Duration
}

func (p RetryPolicy) normalized() RetryPolicy {
	if p.Budget < 0 {
		p.Budget = 0
	}
	if p.Initial <= 0 {
		p.Initial = defaultRetryInitial
	}
	if p.Ceiling <= 0 {
		p.Ceiling = defaultRetryCeiling
	}
	if p.Ceiling < p.Initial {
		p.Ceiling = p.Initial
	}
	return p
}

// DefaultRetryPolicy returns three retries starting at 50ms.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{Budget: defaultRetryBudget, Initial: defaultRetryInitial, Ceiling: defaultRetryCeiling}
}

// fullJitter draws each delay uniformly from [0, exponential ceiling].
type fullJitter struct {
	ceiling *backoff.ExponentialBackOff
}

func newFullJitter(policy RetryPolicy) *fullJitter {
	exponential := backoff.NewExponentialBackOff()
	exponential.InitialInterval = policy.Initial
	exponential.MaxInterval = policy.Ceiling
	exponential.Multiplier = retryBackoffMultiple
	exponential.RandomizationFactor = 0
	exponential.MaxElapsedTime = 0
	exponential.Reset()
	return &fullJitter{ceiling: exponential}
}

func (j *fullJitter) NextBackOff() time.Duration {
	next := j.ceiling.NextBackOff()
	if next == backoff.Stop || next <= 0 {
		return next
	}
	return time.Duration(rand.Int64N(int64(next) + 1))
}

func (j *fullJitter) Reset() {
	j.ceiling.Reset()
}

// permanent reports errors that no retry can fix.
func permanent(err error) bool {
	return errors.Is(err, ErrConflict) ||
		errors.Is(err, ErrUnknownUser) ||
		errors.Is(err, ErrInvalidRecord) ||
		errors.Is(err, context.Canceled)
}

// call runs fn under the per-call timeout, retrying transient failures when retryable is set.
// Exhausted or non-retryable transient failures are reported as ErrUnavailable.
func (s *Store) call(ctx context.Context, operation string, backend Backend, retryable bool, fn func(context.Context) error) error {
	attempts := 0
	attempt := func() error {
		attempts++
		callCtx, cancel := context.WithTimeout(ctx, s.callTimeout)
		defer cancel()
		err := fn(callCtx)
		if err == nil {
			return nil
		}
		if permanent(err) || !retryable {
			return backoff.Permanent(err)
		}
		return err
	}

	policy := backoff.WithContext(backoff.WithMaxRetries(newFullJitter(s.retry), uint64(s.retry.Budget)), ctx)
	notify := func(err error, delay time.Duration) {
		s.metrics.IncStoreRetries(operation)
		s.logger.Warn("directory call failed, retrying",
			zap.String("operation", operation),
			zap.String("backend", backend.Name()),
			zap.Int("attempt", attempts),
			zap.Duration("delay", delay),
			zap.Error(err))
	}

	err := backoff.RetryNotify(attempt, policy, notify)
	if err == nil {
		return nil
	}
	if permanent(err) {
		return err
	}
	return fmt.Errorf("%w: %s on %s after %d attempt(s): %v", ErrUnavailable, operation, backend.Name(), attempts, err)
}
