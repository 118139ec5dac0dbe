package engine

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"time"

	"github.com/forecastex/match-engine/internal/metrics"
	"github.com/forecastex/match-engine/internal/store"
)

// Default retry policy: 3 attempts, 100ms base delay doubling per attempt,
// up to 50ms of jitter to desynchronize competing retries.
const (
	defaultMaxAttempts = 3
	defaultBaseDelay   = 100 * time.Millisecond
	defaultMaxJitter   = 50 * time.Millisecond
)

// txRunner wraps each mutating engine operation in a store transaction and
// transparently retries attempts that fail with a serialization conflict or
// deadlock. Every attempt is all-or-nothing: on any error the transaction is
// rolled back before the error is classified.
type txRunner struct {
	store       store.Store
	metrics     *metrics.Collector
	maxAttempts int
	baseDelay   time.Duration
	maxJitter   time.Duration
}

func newTxRunner(st store.Store, m *metrics.Collector) *txRunner {
	return &txRunner{
		store:       st,
		metrics:     m,
		maxAttempts: defaultMaxAttempts,
		baseDelay:   defaultBaseDelay,
		maxJitter:   defaultMaxJitter,
	}
}

// run executes fn inside a transaction. Non-conflict errors propagate
// immediately after rollback; conflicts are retried with exponential
// backoff until the attempt budget is spent, then surface as
// ErrHighContention. Returns the number of retries performed.
func (r *txRunner) run(ctx context.Context, op string, fn func(tx store.Tx) error) (int, error) {
	for attempt := 0; ; attempt++ {
		tx, err := r.store.Begin(ctx)
		if err != nil {
			return attempt, fmt.Errorf("%s: begin: %w", op, err)
		}

		err = fn(tx)
		if err == nil {
			err = tx.Commit(ctx)
			if err == nil {
				return attempt, nil
			}
		}
		tx.Rollback(ctx)

		if !store.IsConflict(err) {
			return attempt, err
		}
		r.metrics.RecordConflict(err)

		if attempt+1 >= r.maxAttempts {
			slog.Error("transaction failed after retries",
				"op", op, "attempts", r.maxAttempts, "err", err)
			return attempt, fmt.Errorf("%s after %d attempts: %w", op, r.maxAttempts, ErrHighContention)
		}

		delay := r.baseDelay<<attempt + time.Duration(rand.Int63n(int64(r.maxJitter)+1))
		slog.Warn("transaction conflict detected, retrying",
			"op", op, "attempt", attempt+1, "max", r.maxAttempts, "delay", delay)

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return attempt, ctx.Err()
		}
	}
}
