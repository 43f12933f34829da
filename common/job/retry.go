package job

import (
	"context"
	"time"
)

// Attempt describes one retry for progress reporting.
type Attempt struct {
	Number int
	Delay  time.Duration
	Err    error
}

// RetryPolicy retries a fallible operation up to MaxRetries attempts with a
// fixed backoff schedule. The schedule caps at its last entry.
type RetryPolicy struct {
	MaxRetries int
	Schedule   []time.Duration
}

// DefaultRetryPolicy returns 3 attempts with 2s/5s/10s backoff.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries: 3,
		Schedule:   []time.Duration{2 * time.Second, 5 * time.Second, 10 * time.Second},
	}
}

func (p RetryPolicy) delay(attempt int) time.Duration {
	if len(p.Schedule) == 0 {
		return 2 * time.Second
	}
	if attempt > len(p.Schedule) {
		return p.Schedule[len(p.Schedule)-1]
	}
	return p.Schedule[attempt-1]
}

// Execute runs op until it succeeds or MaxRetries attempts are spent. onRetry
// is invoked once per failed-but-retried attempt so observers are not blind
// during backoff. A cancellation observed while waiting short-circuits the
// remaining attempts and returns the cancellation, not a retry-exhausted
// failure. Cancellation errors from op itself are never retried.
func (p RetryPolicy) Execute(ctx context.Context, token *Token, op func() error, onRetry func(Attempt)) error {
	maxAttempts := p.MaxRetries
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if token != nil && token.IsCancelled() {
			return token.Err()
		}

		lastErr = op()
		if lastErr == nil {
			return nil
		}
		if IsCancellation(lastErr) || IsTimeout(lastErr) {
			return lastErr
		}
		if attempt == maxAttempts {
			break
		}

		delay := p.delay(attempt)
		if onRetry != nil {
			onRetry(Attempt{Number: attempt, Delay: delay, Err: lastErr})
		}

		timer := time.NewTimer(delay)
		select {
		case <-timer.C:
		case <-tokenDone(token):
			timer.Stop()
			return token.Err()
		case <-ctx.Done():
			timer.Stop()
			return NewCancellationError(ctx.Err().Error())
		}
	}

	return NewPipelineError("retries exhausted", lastErr)
}

// tokenDone tolerates a nil token for callers outside a job body.
func tokenDone(t *Token) <-chan struct{} {
	if t == nil {
		return nil
	}
	return t.Done()
}
