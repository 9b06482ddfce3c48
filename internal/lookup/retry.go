// Package lookup performs pace-aware gateway lookups: resolving candidate
// contracts to full contract details and fetching earliest-history
// timestamps. Both services share the same retry schedule.
package lookup

import (
	"context"
	"errors"
	"time"

	"github.com/aristath/gatekeeper/internal/domain"
)

const (
	defaultMaxAttempts = 3
	timeoutRetryDelay  = 2 * time.Second
	backoffBase        = 1 * time.Second
	backoffCap         = 30 * time.Second
)

// retryDecision says whether a failed attempt should be retried and after
// how long. Control flow over these values replaces exception matching:
// every failure is classified exactly once and the retry loop stays a
// plain loop.
type retryDecision struct {
	retry  bool
	delay  time.Duration
	reason string
}

// classifyFailure maps a remote-call error to a retry decision for the
// given 1-based attempt number.
//
// Zero matches (ErrNoSecurityDefinition) and an all-empty sweep
// (ErrNoHeadTimestamp) are terminal: the gateway answered, the instrument
// simply is not there, and asking again cannot change that. Timeouts get a
// short fixed delay. Everything else is treated as transient and backed
// off exponentially, base doubling per attempt, capped.
func classifyFailure(err error, attempt int) retryDecision {
	switch {
	case errors.Is(err, domain.ErrNoSecurityDefinition):
		return retryDecision{reason: "no security definition"}
	case errors.Is(err, domain.ErrNoHeadTimestamp):
		return retryDecision{reason: "no head timestamp"}
	case errors.Is(err, context.Canceled):
		return retryDecision{reason: "canceled"}
	case errors.Is(err, domain.ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return retryDecision{retry: true, delay: timeoutRetryDelay, reason: "timeout"}
	default:
		return retryDecision{retry: true, delay: backoffDelay(attempt), reason: "transient error"}
	}
}

// backoffDelay returns base * 2^(attempt-1) capped
func backoffDelay(attempt int) time.Duration {
	d := backoffBase
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= backoffCap {
			return backoffCap
		}
	}
	if d > backoffCap {
		return backoffCap
	}
	return d
}

// sleepFunc is injectable so tests can run the retry loop without real
// delays. The default honours context cancellation mid-sleep.
type sleepFunc func(ctx context.Context, d time.Duration) error

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
