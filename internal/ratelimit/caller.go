package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/VictorCuerdo-Velocity/merge-duplicates-vg/internal/domain"
)

// ErrNotAttempted marks a failure that happened before the operation was
// issued at all: the rate-limit wait was interrupted, so the remote side
// cannot have observed the call.
var ErrNotAttempted = errors.New("operation not attempted")

const (
	// DefaultMaxAttempts caps retries for idempotent operations.
	DefaultMaxAttempts = 3
	// DefaultBaseDelay is the first backoff delay; it doubles per attempt.
	DefaultBaseDelay = 2 * time.Second
)

// Operation is a single outbound call. Implementations must classify their
// failures as domain.TransientError or domain.PermanentError.
type Operation func(ctx context.Context) error

// ConfirmFunc independently establishes whether a non-idempotent operation
// took effect. It returns (true, nil) when the operation is confirmed to
// have completed on the remote side.
type ConfirmFunc func(ctx context.Context) (bool, error)

// Caller wraps operations with rate-limit admission and retry with
// exponential backoff on transient failures.
type Caller struct {
	limiter     *Limiter
	maxAttempts int
	baseDelay   time.Duration
	logger      *log.Logger
	sleep       func(ctx context.Context, d time.Duration) error
}

// NewCaller creates a caller sharing the given limiter.
func NewCaller(limiter *Limiter, logger *log.Logger) *Caller {
	return &Caller{
		limiter:     limiter,
		maxAttempts: DefaultMaxAttempts,
		baseDelay:   DefaultBaseDelay,
		logger:      logger,
		sleep:       sleepCtx,
	}
}

// WithRetryPolicy overrides the retry attempt cap and base backoff delay.
// Returns the caller for chaining.
func (c *Caller) WithRetryPolicy(maxAttempts int, baseDelay time.Duration) *Caller {
	c.maxAttempts = maxAttempts
	c.baseDelay = baseDelay
	return c
}

// Execute runs an idempotent operation: acquire a slot, run, and retry with
// exponential backoff on transient failures up to maxAttempts total.
// Permanent failures are returned immediately.
func (c *Caller) Execute(ctx context.Context, name string, op Operation) error {
	delay := c.baseDelay
	var lastErr error

	for attempt := 1; attempt <= c.maxAttempts; attempt++ {
		if err := c.limiter.Acquire(ctx); err != nil {
			if attempt == 1 {
				return fmt.Errorf("%s: rate-limit wait interrupted: %w: %w", name, ErrNotAttempted, err)
			}
			return fmt.Errorf("%s: rate-limit wait interrupted: %w", name, err)
		}

		err := op(ctx)
		if err == nil {
			return nil
		}
		if domain.IsPermanent(err) {
			return err
		}
		if !domain.IsTransient(err) {
			// Unclassified errors are not safe to retry.
			return err
		}

		lastErr = err
		if attempt < c.maxAttempts {
			c.logger.Printf("%s: attempt %d/%d failed (%v), retrying in %s",
				name, attempt, c.maxAttempts, err, delay)
			if sleepErr := c.sleep(ctx, delay); sleepErr != nil {
				return fmt.Errorf("%s: retry wait interrupted: %w", name, sleepErr)
			}
			delay *= 2
		}
	}

	return fmt.Errorf("%s: retries exhausted: %w", name, lastErr)
}

// ExecuteOnce runs a non-idempotent operation with a single attempt. On a
// transient failure whose outcome is unknown, confirm is consulted (itself
// retried as an idempotent read) to establish whether the operation took
// effect; only a confirmed completion is treated as success. Without
// confirmation the original failure is surfaced rather than blindly
// retried, to avoid executing the operation twice.
func (c *Caller) ExecuteOnce(ctx context.Context, name string, op Operation, confirm ConfirmFunc) error {
	if err := c.limiter.Acquire(ctx); err != nil {
		return fmt.Errorf("%s: rate-limit wait interrupted: %w: %w", name, ErrNotAttempted, err)
	}

	err := op(ctx)
	if err == nil {
		return nil
	}
	if domain.IsPermanent(err) || confirm == nil {
		return err
	}
	if !domain.IsTransient(err) {
		return err
	}

	c.logger.Printf("%s: attempt failed with unknown outcome (%v), confirming remote state", name, err)

	var done bool
	confirmErr := c.Execute(ctx, name+".confirm", func(ctx context.Context) error {
		var opErr error
		done, opErr = confirm(ctx)
		return opErr
	})
	if confirmErr != nil {
		return fmt.Errorf("%s: failed and outcome unconfirmed: %w", name, err)
	}
	if done {
		c.logger.Printf("%s: confirmed completed despite transport failure", name)
		return nil
	}

	return err
}
