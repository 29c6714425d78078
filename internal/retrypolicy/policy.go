package retrypolicy

import (
	"context"
	"errors"
	"math/rand/v2"
	"time"
)

const maxBackoff = 60 * time.Second

// Delay computes the wait before the next attempt: for a flood-wait,
// the server's wait plus a small jitter and safety margin; otherwise
// exponential backoff off the task's configured retry_delay, capped at
// 60s.
func Delay(k Kind, attempt int, retryDelay time.Duration, floodSeconds int) time.Duration {
	if k == KindFloodWait {
		jitter := 1 + rand.Float64()*2 // uniform(1,3)
		return time.Duration(floodSeconds)*time.Second + time.Duration(jitter*float64(time.Second)) + 2*time.Second
	}
	d := retryDelay
	for i := 0; i < attempt; i++ {
		d *= 2
	}
	if d > maxBackoff {
		d = maxBackoff
	}
	return d
}

// OnFloodWaitFunc is invoked synchronously with the wait seconds before
// the sleep begins, so callers (the Adaptive Concurrency Controller)
// can react without waiting for the sleep to finish.
type OnFloodWaitFunc func(seconds int)

// Attempt runs fn up to maxRetries times, classifying and retrying
// according to the policy above. The sleep between attempts is an
// awaitable, cancellable select so a context cancellation (pause/
// cancel) interrupts it instantly.
//
// refetch is called once after a FileReferenceExpired classification,
// before the next attempt, to let the caller refresh the stale
// message/file reference.
func Attempt(ctx context.Context, maxRetries int, retryDelay time.Duration, onFloodWait OnFloodWaitFunc, refetch func() error, fn func() error) error {
	var lastErr error
	for attempt := 0; attempt < maxRetries; attempt++ {
		err := fn()
		if err == nil {
			return nil
		}
		if errors.Is(err, context.Canceled) {
			return err
		}
		lastErr = err
		kind := Classify(err)
		if !Retryable(kind) {
			return err
		}

		var fw *FloodWaitError
		seconds := 0
		if errors.As(err, &fw) {
			seconds = fw.Seconds
			if onFloodWait != nil {
				onFloodWait(seconds)
			}
		}

		if kind == KindFileReferenceExpired && refetch != nil {
			if rErr := refetch(); rErr != nil {
				lastErr = rErr
			}
		}

		if attempt == maxRetries-1 {
			break
		}

		delay := Delay(kind, attempt, retryDelay, seconds)
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
	return lastErr
}
