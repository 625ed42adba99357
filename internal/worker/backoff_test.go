package worker

import (
	"testing"
	"time"
)

func TestBackoffWithJitter(t *testing.T) {
	base := time.Second
	max := 8 * time.Second

	b1 := backoffWithJitter(base, max, 1)
	if b1 < base/2 || b1 > max {
		t.Fatalf("backoff out of range: %s", b1)
	}

	b3 := backoffWithJitter(base, max, 3)
	if b3 < base || b3 > max {
		t.Fatalf("backoff out of range for attempt 3: %s", b3)
	}

	// Past the cap the delay must stay within [max/2, max].
	b10 := backoffWithJitter(base, max, 10)
	if b10 < max/2 || b10 > max {
		t.Fatalf("capped backoff out of range: %s", b10)
	}
}

func TestExponentialBackoffDeadLetters(t *testing.T) {
	policy := ExponentialBackoff(time.Second, 8*time.Second, 3)

	if _, dead := policy(2); dead {
		t.Fatal("attempt 2 of 3 should retry")
	}
	if _, dead := policy(3); !dead {
		t.Fatal("attempt 3 of 3 should dead-letter")
	}
}

func TestFixedSchedule(t *testing.T) {
	policy := FixedSchedule(time.Second, 5*time.Second, time.Minute)

	delay, dead := policy(2)
	if dead || delay != 5*time.Second {
		t.Fatalf("attempt 2: got delay=%s dead=%v", delay, dead)
	}
	if _, dead := policy(3); dead {
		t.Fatal("attempt 3 is still within the table")
	}
	if _, dead := policy(4); !dead {
		t.Fatal("attempt past the table should dead-letter")
	}
}

func TestConstantRetryUnbounded(t *testing.T) {
	policy := ConstantRetry(time.Minute, 0)

	for _, attempts := range []int{1, 10, 1000} {
		delay, dead := policy(attempts)
		if dead {
			t.Fatalf("unbounded policy dead-lettered at attempt %d", attempts)
		}
		if delay != time.Minute {
			t.Fatalf("attempt %d: got delay %s", attempts, delay)
		}
	}

	bounded := ConstantRetry(time.Minute, 5)
	if _, dead := bounded(5); !dead {
		t.Fatal("bounded policy should dead-letter at max attempts")
	}
}
