package scheduledqueue

import (
	"testing"
	"time"

	"github.com/kumomta/kumod/internal/message"
)

func newTestMessage(t *testing.T, due, expires time.Time) *message.Message {
	t.Helper()
	msg, err := message.New("sender@example.com", nil, nil, due, expires)
	if err != nil {
		t.Fatalf("failed to build test message: %v", err)
	}
	return msg
}

func TestQueuePromotesAtDueTime(t *testing.T) {
	q := New(RetryPolicy{RetryInterval: time.Millisecond, MaxRetryInterval: 10 * time.Millisecond, MaxAge: time.Second})
	defer q.Close()

	now := time.Now()
	msg := newTestMessage(t, now.Add(20*time.Millisecond), now.Add(time.Hour))
	q.Insert(Key{Domain: "example.com"}, msg)

	select {
	case p := <-q.Promotions():
		if p.Expired {
			t.Fatalf("expected a non-expired promotion")
		}
		if p.Entry.Msg.ID() != msg.ID() {
			t.Fatalf("promoted a different message")
		}
	case <-time.After(time.Second):
		t.Fatalf("timed out waiting for promotion")
	}
}

func TestQueueExpiresPastDeadline(t *testing.T) {
	q := New(RetryPolicy{RetryInterval: time.Millisecond, MaxRetryInterval: 10 * time.Millisecond, MaxAge: time.Second})
	defer q.Close()

	now := time.Now()
	// Due is already past Expires: must be expired immediately rather
	// than scheduled.
	msg := newTestMessage(t, now.Add(10*time.Millisecond), now)
	q.Insert(Key{Domain: "example.com"}, msg)

	select {
	case p := <-q.Promotions():
		if !p.Expired {
			t.Fatalf("expected an expired promotion")
		}
	case <-time.After(time.Second):
		t.Fatalf("timed out waiting for expiry promotion")
	}
}

func TestQueueRescheduleAdvancesAttemptsAndDue(t *testing.T) {
	q := New(RetryPolicy{RetryInterval: 5 * time.Millisecond, MaxRetryInterval: 20 * time.Millisecond, MaxAge: time.Second})
	defer q.Close()

	now := time.Now()
	msg := newTestMessage(t, now.Add(5*time.Millisecond), now.Add(time.Hour))
	key := Key{Domain: "example.com"}
	q.Insert(key, msg)

	var first *Entry
	select {
	case p := <-q.Promotions():
		first = p.Entry
	case <-time.After(time.Second):
		t.Fatalf("timed out waiting for first promotion")
	}

	oldDue := first.Msg.Due()
	if ok := q.Reschedule(key, first); !ok {
		t.Fatalf("expected reschedule to succeed")
	}
	if first.Msg.Attempts() != 1 {
		t.Fatalf("expected attempts to advance to 1, got %d", first.Msg.Attempts())
	}
	if !first.Msg.Due().After(oldDue) {
		t.Fatalf("expected due to advance past the old due time")
	}

	select {
	case p := <-q.Promotions():
		if p.Entry.Msg.ID() != msg.ID() {
			t.Fatalf("expected the rescheduled message to be promoted again")
		}
	case <-time.After(time.Second):
		t.Fatalf("timed out waiting for rescheduled promotion")
	}
}

func TestQueueRescheduleExpiresPastMaxAge(t *testing.T) {
	q := New(RetryPolicy{RetryInterval: time.Hour, MaxRetryInterval: time.Hour, MaxAge: time.Millisecond})
	defer q.Close()

	now := time.Now()
	msg := newTestMessage(t, now, now.Add(time.Hour))
	entry := &Entry{Msg: msg, Key: Key{Domain: "example.com"}, CreatedAt: now.Add(-2 * time.Millisecond)}

	if ok := q.Reschedule(entry.Key, entry); ok {
		t.Fatalf("expected reschedule to report expiry past max age")
	}
}
