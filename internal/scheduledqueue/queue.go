// Package scheduledqueue implements the ScheduledQueue: one
// timer-ordered queue per ScheduledQueueKey, each message due exactly
// once, promoted to the ready tier by QueueManager when its due time
// arrives. The timer itself is timeWheel, in timewheel.go.
package scheduledqueue

import (
	"sync"
	"time"

	"github.com/kumomta/kumod/internal/message"
	"github.com/kumomta/kumod/internal/metrics"
)

// Entry is a scheduled message tracked by the queue: the message
// itself, its key, and the instant it was first received, from which
// promotion/expiry decisions are made.
type Entry struct {
	Msg *message.Message
	Key Key
	CreatedAt time.Time
}

// Queue holds one timeWheel per Key, created lazily on first Insert.
// Promotions are delivered on a single channel shared across all keys,
// since QueueManager drains it from one goroutine regardless of how
// many distinct keys exist.
type Queue struct {
	policy RetryPolicy

	mu sync.Mutex
	wheels map[string]*timeWheel
	entries map[string]*Entry // message id -> Entry
	counts map[string]int // key string -> len(entries) with that key, for metrics

	promotions chan Promotion
}

// Promotion is emitted when a message's due time arrives: either it is
// ready to move to the ready tier, or it has expired.
type Promotion struct {
	Entry *Entry
	Expired bool
}

// New returns an empty Queue using policy for retry/expiry decisions.
func New(policy RetryPolicy) *Queue {
	return &Queue{
		policy: policy,
		wheels: make(map[string]*timeWheel),
		entries: make(map[string]*Entry),
		counts: make(map[string]int),
		promotions: make(chan Promotion, 64),
	}
}

// Promotions returns the channel QueueManager drains for due messages.
func (q *Queue) Promotions() <-chan Promotion { return q.promotions }

// Insert schedules msg under key for its current Due time. If Due is at
// or past Expires, Insert expires the message immediately instead of
// scheduling it.
func (q *Queue) Insert(key Key, msg *message.Message) {
	q.insert(key, msg, time.Now())
}

func (q *Queue) insert(key Key, msg *message.Message, createdAt time.Time) {
	entry := &Entry{Msg: msg, Key: key, CreatedAt: createdAt}

	if msg.ExpiresBefore(msg.Due()) {
		q.promotions <- Promotion{Entry: entry, Expired: true}
		return
	}

	k := key.String()

	q.mu.Lock()
	q.entries[msg.ID()] = entry
	wheel := q.wheelFor(key)
	q.counts[k]++
	depth := q.counts[k]
	q.mu.Unlock()

	metrics.SetScheduledQueueDepth(k, depth)
	wheel.Add(msg.Due(), msg.ID())
}

// wheelFor returns (creating if necessary) the timeWheel for key. Must
// be called with q.mu held.
func (q *Queue) wheelFor(key Key) *timeWheel {
	k := key.String()
	w, ok := q.wheels[k]
	if !ok {
		w = newTimeWheel()
		q.wheels[k] = w
		go q.pump(w)
	}
	return w
}

// pump forwards every dispatched slot from w into q.promotions, deciding
// expiry vs. promotion at dispatch time so a message rescheduled after
// insertion (its due time extended) is evaluated against its latest
// state, not the state at Insert time.
func (q *Queue) pump(w *timeWheel) {
	for slot := range w.Dispatch() {
		q.mu.Lock()
		entry, ok := q.entries[slot.ID]
		var k string
		var depth int
		if ok {
			delete(q.entries, slot.ID)
			k = entry.Key.String()
			q.counts[k]--
			depth = q.counts[k]
		}
		q.mu.Unlock()
		if !ok {
			continue
		}
		metrics.SetScheduledQueueDepth(k, depth)

		expired := entry.Msg.ExpiresBefore(slot.Time)
		q.promotions <- Promotion{Entry: entry, Expired: expired}
	}
}

// Reschedule advances msg's attempt count and due time per the retry
// ladder, and re-inserts it under key. Returns false if the message
// should instead be expired (its next due would exceed max_age or
// Expires).
func (q *Queue) Reschedule(key Key, entry *Entry) bool {
	attempts := entry.Msg.Attempts()
	delay := q.policy.NextDelay(attempts)
	nextDue := time.Now().Add(delay)

	if q.policy.ShouldExpire(entry.CreatedAt, nextDue) {
		return false
	}
	if entry.Msg.ExpiresBefore(nextDue) {
		return false
	}

	entry.Msg.Reschedule(nextDue)
	q.insert(key, entry.Msg, entry.CreatedAt)
	return true
}

// RescheduleMessage is Reschedule's counterpart for callers (the ready
// queue's connection workers, via QueueManager) that only have msg and
// its original createdAt on hand, not the Entry pointer the wheel
// itself tracked. It returns false under the same conditions Reschedule
// does.
func (q *Queue) RescheduleMessage(key Key, createdAt time.Time, msg *message.Message) bool {
	return q.Reschedule(key, &Entry{Msg: msg, Key: key, CreatedAt: createdAt})
}

// Defer re-inserts msg under key at now+delay without counting an
// attempt, for throttle- or ready-queue-capacity-driven backoff.
// createdAt is preserved so a later genuine retry still ages correctly
// against max_age.
func (q *Queue) Defer(key Key, createdAt time.Time, msg *message.Message, delay time.Duration) {
	msg.DeferDue(time.Now().Add(delay))
	q.insert(key, msg, createdAt)
}

// Rebind re-inserts msg under newKey at its current Due, for an
// administrative move between scheduled queues that re-keys a message's
// ScheduledQueueKey without altering its due/expires. Because Due does
// not change, a stale timer still pending under msg's previous key
// fires at the same instant as the new one; whichever fires first
// promotes the message and removes it from q.entries, making the other a
// harmless no-op (see insert/pump).
func (q *Queue) Rebind(newKey Key, createdAt time.Time, msg *message.Message) {
	q.insert(newKey, msg, createdAt)
}

// Close stops every wheel owned by the queue. Pending promotions already
// buffered in the channel are not delivered after Close.
func (q *Queue) Close() {
	q.mu.Lock()
	wheels := make([]*timeWheel, 0, len(q.wheels))
	for _, w := range q.wheels {
		wheels = append(wheels, w)
	}
	q.mu.Unlock()

	for _, w := range wheels {
		w.Close()
	}
}
