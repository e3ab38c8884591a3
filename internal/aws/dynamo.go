package aws

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/aws/smithy-go"
)

// ErrWriteConflict is returned by a transactional step when its optimistic
// precondition no longer holds and the step should be re-read and retried.
var ErrWriteConflict = errors.New("write conflict")

// DefaultTxAttempts bounds WithRetry when callers have no better number.
const DefaultTxAttempts = 5

const (
	baseBackoff = 15 * time.Millisecond
	maxBackoff  = 400 * time.Millisecond
)

// IsConditionalCheckFailed reports whether err is a failed ConditionExpression
// on a single-item write.
func IsConditionalCheckFailed(err error) bool {
	var apiErr smithy.APIError
	return errors.As(err, &apiErr) && apiErr.ErrorCode() == "ConditionalCheckFailedException"
}

// CancellationCodes returns the per-action reason codes of a canceled
// transaction, or nil when err is not a TransactionCanceledException.
func CancellationCodes(err error) []string {
	var tce *types.TransactionCanceledException
	if !errors.As(err, &tce) {
		return nil
	}
	codes := make([]string, 0, len(tce.CancellationReasons))
	for _, r := range tce.CancellationReasons {
		if r.Code != nil {
			codes = append(codes, *r.Code)
		} else {
			codes = append(codes, "None")
		}
	}
	return codes
}

// IsTransactionConditionFailed reports whether a transaction was canceled
// because one of its condition expressions failed.
func IsTransactionConditionFailed(err error) bool {
	for _, c := range CancellationCodes(err) {
		if c == "ConditionalCheckFailed" {
			return true
		}
	}
	return false
}

// IsTransactionConflict reports whether err is a contention failure that is
// safe to retry.
func IsTransactionConflict(err error) bool {
	for _, c := range CancellationCodes(err) {
		if c == "TransactionConflict" {
			return true
		}
	}
	var apiErr smithy.APIError
	return errors.As(err, &apiErr) && apiErr.ErrorCode() == "TransactionConflictException"
}

func retryable(err error) bool {
	return errors.Is(err, ErrWriteConflict) || IsTransactionConflict(err)
}

// IsTransient reports whether a single-item write failed for a reason other
// than its own condition or the caller's context, so that running it again
// may succeed.
func IsTransient(err error) bool {
	switch {
	case err == nil:
		return false
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return false
	case IsConditionalCheckFailed(err), IsTransactionConditionFailed(err):
		return false
	}
	return true
}

// WithRetry runs fn until it succeeds, fails with a non-retryable error, or
// attempts are exhausted. fn must re-read whatever state it depends on.
func WithRetry(ctx context.Context, attempts int, fn func(ctx context.Context) error) error {
	return WithRetryIf(ctx, attempts, retryable, fn)
}

// WithRetryIf is WithRetry with the caller deciding which errors are worth
// another attempt.
func WithRetryIf(ctx context.Context, attempts int, retry func(error) bool, fn func(ctx context.Context) error) error {
	if attempts < 1 {
		attempts = 1
	}
	for attempt := 1; ; attempt++ {
		err := fn(ctx)
		if err == nil || !retry(err) {
			return err
		}
		if attempt >= attempts {
			return fmt.Errorf("gave up after %d attempts: %w", attempts, err)
		}

		t := time.NewTimer(backoff(attempt))
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
	}
}

// backoff is full-jitter exponential.
func backoff(attempt int) time.Duration {
	ceiling := baseBackoff << uint(attempt)
	if ceiling > maxBackoff || ceiling <= 0 {
		ceiling = maxBackoff
	}
	return rand.N(ceiling)
}
