package evidence

import (
	"context"
	"database/sql"
	stderrors "errors"
	"fmt"
	"time"

	"github.com/tracesweep-io/tracesweep/pkg/shared/errors"
)

// backoff returns the wait before retry attempt n (starting at 1).
func backoff(base, max time.Duration, n int) time.Duration {
	if base <= 0 {
		return 0
	}
	wait := base
	for i := 1; i < n; i++ {
		wait *= 2
		if max > 0 && wait >= max {
			return max
		}
	}
	if max > 0 && wait > max {
		return max
	}
	return wait
}

// withTx runs fn in a transaction and retries the whole transaction on contention.
func (s *SQLStore) withTx(ctx context.Context, op string, fn func(tx *sql.Tx) error) error {
	return s.retry(ctx, op, func() error {
		return s.runTx(ctx, fn)
	})
}

// retry calls fn until it succeeds, fails with something other than contention, or
// RetryCount retries with exponential backoff are spent. Typed errors returned by fn
// are passed through untouched and anything else becomes StorageFailure.
func (s *SQLStore) retry(ctx context.Context, op string, fn func() error) error {
	var last error
	for attempt := 0; ; attempt++ {
		if attempt > 0 {
			wait := backoff(s.cfg.RetryWaitTime, s.cfg.RetryMaxWaitTime, attempt)
			s.logger.Debug("retrying contended write", "op", op, "attempt", attempt, "wait", wait, "error", last)
			if s.onRetry != nil {
				s.onRetry(op)
			}
			timer := time.NewTimer(wait)
			select {
			case <-ctx.Done():
				timer.Stop()
				return errors.New(errors.KindStorageFailure, op, fmt.Errorf("%w (last error: %v)", ctx.Err(), last))
			case <-timer.C:
			}
		}

		err := fn()
		if err == nil {
			return nil
		}
		if errors.KindOf(err) != errors.KindUnknown {
			return err
		}
		if !s.dialect.contention(err) {
			return errors.New(errors.KindStorageFailure, op, err)
		}
		last = errors.New(errors.KindStorageContention, op, err)
		if attempt >= s.cfg.RetryCount {
			s.logger.Warn("giving up on contended write", "op", op, "attempts", attempt+1, "error", err)
			return errors.New(errors.KindStorageFailure, op, last)
		}
	}
}

func (s *SQLStore) runTx(ctx context.Context, fn func(tx *sql.Tx) error) (err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			if rbErr := tx.Rollback(); rbErr != nil && !stderrors.Is(rbErr, sql.ErrTxDone) {
				s.logger.Debug("failed to roll back transaction", "error", rbErr)
			}
		}
	}()
	if err = fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}
