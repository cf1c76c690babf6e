package scheduledqueue

import (
	"testing"
	"time"
)

func TestNextDelayMatchesRetryLadder(t *testing.T) {
	p := RetryPolicy{
		RetryInterval:    60 * time.Second,
		MaxRetryInterval: 600 * time.Second,
		MaxAge:           3600 * time.Second,
	}

	want := []time.Duration{
		60 * time.Second,
		120 * time.Second,
		240 * time.Second,
		480 * time.Second,
		600 * time.Second,
		600 * time.Second,
		600 * time.Second,
		600 * time.Second,
	}

	var due time.Duration
	dueInstants := make([]time.Duration, 0, len(want))
	for attempt, wantDelay := range want {
		delay := p.NextDelay(attempt)
		if delay != wantDelay {
			t.Fatalf("attempt %d: got delay %v, want %v", attempt, delay, wantDelay)
		}
		due += delay
		dueInstants = append(dueInstants, due)
	}

	wantDue := []time.Duration{60, 180, 420, 900, 1500, 2100, 2700, 3300}
	for i, w := range wantDue {
		if dueInstants[i] != w*time.Second {
			t.Fatalf("due instant %d: got %v, want %vs", i, dueInstants[i], w)
		}
	}

	epoch := time.Unix(0, 0)
	if !p.ShouldExpire(epoch, epoch.Add(due+p.NextDelay(len(want)))) {
		t.Fatalf("expected the attempt scheduled past max_age to be expired")
	}
}

func TestShouldExpireBoundary(t *testing.T) {
	p := RetryPolicy{RetryInterval: time.Second, MaxRetryInterval: time.Minute, MaxAge: 10 * time.Second}
	epoch := time.Unix(0, 0)

	if p.ShouldExpire(epoch, epoch.Add(9*time.Second)) {
		t.Fatalf("9s should not expire against a 10s max age")
	}
	if !p.ShouldExpire(epoch, epoch.Add(10*time.Second)) {
		t.Fatalf("10s should expire against a 10s max age")
	}
}
