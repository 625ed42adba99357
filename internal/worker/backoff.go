package worker

import (
	"math"
	"math/rand"
	"time"
)

// BackoffPolicy maps an attempt count to a retry delay, or reports that the
// item should be dead-lettered (dead=true). Pure function, pick one shape
// and inject it into the processor.
type BackoffPolicy func(attempts int) (delay time.Duration, dead bool)

// ExponentialBackoff retries with capped exponential delay plus jitter until
// maxAttempts is reached, then dead-letters.
func ExponentialBackoff(base, max time.Duration, maxAttempts int) BackoffPolicy {
	return func(attempts int) (time.Duration, bool) {
		if maxAttempts > 0 && attempts >= maxAttempts {
			return 0, true
		}
		return backoffWithJitter(base, max, attempts), false
	}
}

// FixedSchedule retries on a fixed per-attempt delay table; an attempt past
// the end of the table is dead-lettered.
func FixedSchedule(delays ...time.Duration) BackoffPolicy {
	return func(attempts int) (time.Duration, bool) {
		if attempts <= 0 {
			attempts = 1
		}
		if attempts > len(delays) {
			return 0, true
		}
		return delays[attempts-1], false
	}
}

// ConstantRetry reschedules after the same delay every time. With
// maxAttempts zero it never dead-letters; the normalizer uses that mode.
func ConstantRetry(delay time.Duration, maxAttempts int) BackoffPolicy {
	return func(attempts int) (time.Duration, bool) {
		if maxAttempts > 0 && attempts >= maxAttempts {
			return 0, true
		}
		return delay, false
	}
}

func backoffWithJitter(base, max time.Duration, attempt int) time.Duration {
	if attempt <= 0 {
		return base
	}
	exp := float64(base) * math.Pow(2, float64(attempt-1))
	wait := time.Duration(exp)
	if wait > max || wait < 0 {
		wait = max
	}
	jitter := time.Duration(rand.Int63n(int64(wait / 2)))
	return wait/2 + jitter
}
