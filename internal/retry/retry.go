package retry

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/CedrosPay/accessgate/internal/logger"
)

// Policy is an exponential backoff schedule shared by ledger lookups,
// webhook delivery and the verification worker.
type Policy struct {
	MaxAttempts int           // Total attempts including the first
	Base        time.Duration // Delay after the first failed attempt
	Multiplier  float64       // Growth factor per attempt (values < 1 are treated as 2)
	Cap         time.Duration // Upper bound on a single delay; zero means uncapped
}

// Delay returns the wait that follows failed attempt n (1-based):
// Base × Multiplier^(n−1), bounded by Cap.
func (p Policy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	mult := p.Multiplier
	if mult < 1 {
		mult = 2
	}
	delay := float64(p.Base)
	for i := 1; i < attempt; i++ {
		delay *= mult
		if p.Cap > 0 && delay >= float64(p.Cap) {
			return p.Cap
		}
	}
	d := time.Duration(delay)
	if p.Cap > 0 && d > p.Cap {
		return p.Cap
	}
	return d
}

// Exhausted reports whether attempt n used up the budget.
func (p Policy) Exhausted(attempt int) bool {
	return attempt >= p.MaxAttempts
}

// Sleeper waits for d or until ctx is done.
type Sleeper func(ctx context.Context, d time.Duration) error

// Sleep blocks on a timer, returning early with ctx.Err() on cancellation.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// ErrPermanent marks an error that must not be retried.
var ErrPermanent = errors.New("permanent failure")

type permanentError struct{ err error }

func (p permanentError) Error() string { return p.err.Error() }
func (p permanentError) Unwrap() []error {
	return []error{p.err, ErrPermanent}
}

// Permanent wraps err so Do stops retrying immediately.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return permanentError{err: err}
}

// Do runs op until it succeeds, returns a non-retryable error, or the policy
// is exhausted. A nil retryable treats every non-permanent error as retryable.
func Do[T any](ctx context.Context, p Policy, sleep Sleeper, retryable func(error) bool, op func(ctx context.Context, attempt int) (T, error)) (T, error) {
	if sleep == nil {
		sleep = Sleep
	}
	maxAttempts := p.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	var result T
	var err error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		result, err = op(ctx, attempt)
		if err == nil {
			return result, nil
		}
		if ctx.Err() != nil || errors.Is(err, ErrPermanent) {
			return result, err
		}
		if retryable != nil && !retryable(err) {
			return result, err
		}
		if attempt == maxAttempts {
			break
		}

		delay := p.Delay(attempt)
		log := logger.FromContext(ctx)
		log.Debug().
			Err(err).
			Int("attempt", attempt).
			Int("max_attempts", maxAttempts).
			Dur("retry_delay", delay).
			Msg("retry.operation_retry")

		if sleepErr := sleep(ctx, delay); sleepErr != nil {
			return result, sleepErr
		}
	}
	return result, err
}

// IsTransient determines if an error looks like a network, rate-limit or
// upstream 5xx failure worth retrying.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	msg := strings.ToLower(err.Error())

	// Network errors
	if strings.Contains(msg, "connection refused") ||
		strings.Contains(msg, "connection reset") ||
		strings.Contains(msg, "timeout") ||
		strings.Contains(msg, "temporary failure") ||
		strings.Contains(msg, "eof") ||
		strings.Contains(msg, "network") {
		return true
	}

	// Rate limiting
	if strings.Contains(msg, "rate limit") ||
		strings.Contains(msg, "too many requests") ||
		strings.Contains(msg, "429") ||
		strings.Contains(msg, "throttle") {
		return true
	}

	// Server errors (5xx)
	return strings.Contains(msg, "500") ||
		strings.Contains(msg, "502") ||
		strings.Contains(msg, "503") ||
		strings.Contains(msg, "504") ||
		strings.Contains(msg, "internal server error") ||
		strings.Contains(msg, "bad gateway") ||
		strings.Contains(msg, "service unavailable") ||
		strings.Contains(msg, "gateway timeout")
}
