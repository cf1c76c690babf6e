// Package readyqueue implements the ReadyQueue:
// a per (egress source, site name) FIFO of messages actively being
// dispatched, with connection workers that honor the shaping-resolved
// connection/rate limits and report outcomes back to the owner of the
// scheduled-queue tier.
//
// The connection worker's attempt/classify/requeue control flow follows
// a disk-queue's tryDelivery/deliver shape, generalized from a single
// partial-failure-per-recipient status to this package's explicit
// Recipient split. "Close after idle_timeout, reopen as a fresh logical
// connection" is not modeled as a literal held socket: the SMTP wire
// protocol (and therefore real connection reuse) is an out-of-scope
// collaborator, so smtpiface.Client.Deliver is call-per-attempt and a
// "connection" here is the span of consecutive deliveries one worker
// goroutine hands to the same acquired slot before it idles out or hits
// max_deliveries_per_connection.
package readyqueue

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/kumomta/kumod/internal/egress"
	"github.com/kumomta/kumod/internal/exterr"
	"github.com/kumomta/kumod/internal/logging"
	"github.com/kumomta/kumod/internal/message"
	"github.com/kumomta/kumod/internal/metrics"
	"github.com/kumomta/kumod/internal/shaping"
	"github.com/kumomta/kumod/internal/smtpiface"
)

// Key is a ReadyQueueKey: (egress_source_name, site_name).
type Key struct {
	Source string
	SiteName string
}

func (k Key) String() string { return k.Source + "\x00" + k.SiteName }

// ErrAtCapacity is returned by Enqueue when the queue's bounded FIFO is
// full; the caller should defer the message back to its scheduled queue
// with a small backoff in this case.
var ErrAtCapacity = errors.New("readyqueue: at capacity")

// ErrSuspended is returned by Enqueue while the queue is suspended,
// administratively or by a TSA Suspend action.
var ErrSuspended = errors.New("readyqueue: suspended")

// ErrDegraded is returned by Enqueue while the queue is in its
// post-consecutive-failure cooldown window.
var ErrDegraded = errors.New("readyqueue: degraded")

// Requeuer is the scheduled-queue-tier boundary a Queue reports outcomes
// through; it is implemented by the QueueManager, which owns
// the mapping from a message back to its ScheduledQueue.
type Requeuer interface {
	// RetryTransient applies the owning scheduled queue's retry policy to
	// msg: advances the attempt counter and Due, or expires msg if the
	// next attempt would exceed its age/Expires bound.
	RetryTransient(msg *message.Message)

	// Defer re-enters msg into its scheduled queue at now+delay without
	// counting an attempt: used for throttle backoff and ready-queue
	// capacity backoff, neither of which is a delivery failure.
	Defer(msg *message.Message, delay time.Duration)
}

// ResultSink receives the terminal outcome of each per-recipient
// delivery attempt, for logging and spool retirement.
type ResultSink interface {
	Delivered(key Key, msg *message.Message, rcpt message.Recipient, res smtpiface.Result)
	Bounced(key Key, msg *message.Message, rcpt message.Recipient, res smtpiface.Result, err error)
}

const defaultMaxQueueDepth = 10000

// Queue is one (source, site_name) ready queue.
type Queue struct {
	Key Key
	cfg shaping.EgressPathConfig
	source egress.Source

	client smtpiface.Client
	sink ResultSink
	requeuer Requeuer
	log logging.Logger

	msgRate *rateLimiter
	connRate *rateLimiter

	mxMu sync.RWMutex
	mxHosts []string

	items chan *message.Message

	activeConns int32

	consecutiveFailures int32

	mu sync.Mutex
	degraded bool
	degradedTil time.Time
	suspended bool
	suspendTil time.Time

	closed chan struct{}
	wg sync.WaitGroup

	dispatchOnce sync.Once
}

// SetMXHosts records the destination's current MX hostnames, in
// preference order, as the candidate target hosts for this queue's
// connection attempts. Called by the promoter on every promotion so a
// mid-flight MX change is picked up without recreating the queue.
func (q *Queue) SetMXHosts(hosts []string) {
	q.mxMu.Lock()
	q.mxHosts = hosts
	q.mxMu.Unlock()
}

// targetHost returns the most-preferred MX hostname recorded for this
// queue, falling back to the site name itself (useful in tests, and for
// a site name that happens to already be a bare hostname).
func (q *Queue) targetHost() string {
	q.mxMu.RLock()
	defer q.mxMu.RUnlock()
	if len(q.mxHosts) > 0 {
		return q.mxHosts[0]
	}
	return q.Key.SiteName
}

// rateLimiter is the minimal surface Queue needs from throttle.Rate,
// expressed as an interface so tests can substitute a deterministic
// fake without pulling in the throttle package's wall-clock behavior.
type rateLimiter interface {
	AcquireWithDelay() time.Duration
}

// New returns a Queue for key, using cfg's resolved limits and source's
// identity for outbound connections. msgRate/connRate may be nil, in
// which case that dimension is unthrottled.
func New(key Key, cfg shaping.EgressPathConfig, source egress.Source, client smtpiface.Client, sink ResultSink, requeuer Requeuer, log logging.Logger, msgRate, connRate rateLimiter) *Queue {
	depth := defaultMaxQueueDepth
	return &Queue{
		Key: key,
		cfg: cfg,
		source: source,
		client: client,
		sink: sink,
		requeuer: requeuer,
		log: log,
		msgRate: msgRate,
		connRate: connRate,
		items: make(chan *message.Message, depth),
		closed: make(chan struct{}),
	}
}

// Start launches the queue's dispatcher goroutine. Safe to call once.
func (q *Queue) Start() {
	q.dispatchOnce.Do(func() {
		q.wg.Add(1)
		go q.dispatchLoop()
	})
}

// Stop closes the queue to further dispatch and waits for in-flight
// connections to conclude their current attempt. A suspension does not
// interrupt a connection already in flight; it only stops new ones.
func (q *Queue) Stop() {
	close(q.closed)
	q.wg.Wait()
}

// Degraded reports whether the queue is currently pushed back due to
// consecutive connection failures.
func (q *Queue) Degraded() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.degraded && time.Now().Before(q.degradedTil)
}

// Suspend marks the queue suspended until until, per a TSA Suspend
// action. Enqueue rejects new work until the suspension lifts;
// in-flight connections are not interrupted.
func (q *Queue) Suspend(until time.Time) {
	q.mu.Lock()
	q.suspended = true
	q.suspendTil = until
	q.mu.Unlock()
}

func (q *Queue) Unsuspend() {
	q.mu.Lock()
	q.suspended = false
	q.mu.Unlock()
}

func (q *Queue) isSuspended() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.suspended {
		return false
	}
	if time.Now().After(q.suspendTil) {
		q.suspended = false
		return false
	}
	return true
}

// Enqueue admits msg to the FIFO. It returns ErrSuspended, ErrDegraded
// or ErrAtCapacity without blocking; the caller (QueueManager) is
// responsible for deferring msg back to its scheduled queue in each
// case.
func (q *Queue) Enqueue(msg *message.Message) error {
	if q.isSuspended() {
		return ErrSuspended
	}
	if q.Degraded() {
		return ErrDegraded
	}
	select {
	case q.items <- msg:
		metrics.SetReadyQueueDepth(q.Key.String(), len(q.items))
		return nil
	default:
		return ErrAtCapacity
	}
}

func (q *Queue) acquireConnSlot() bool {
	limit := int32(q.cfg.ConnectionLimit)
	if limit <= 0 {
		limit = 1
	}
	for {
		cur := atomic.LoadInt32(&q.activeConns)
		if cur >= limit {
			return false
		}
		if atomic.CompareAndSwapInt32(&q.activeConns, cur, cur+1) {
			metrics.SetReadyQueueActiveConnections(q.Key.String(), int(cur+1))
			return true
		}
	}
}

func (q *Queue) releaseConnSlot() {
	atomic.AddInt32(&q.activeConns, -1)
	metrics.SetReadyQueueActiveConnections(q.Key.String(), int(atomic.LoadInt32(&q.activeConns)))
}

// ActiveConnections reports the current connection count, which never
// exceeds the resolved connection limit for this queue.
func (q *Queue) ActiveConnections() int {
	return int(atomic.LoadInt32(&q.activeConns))
}

func (q *Queue) dispatchLoop() {
	defer q.wg.Done()
	for {
		select {
		case <-q.closed:
			return
		case msg, ok := <-q.items:
			if !ok {
				return
			}
			metrics.SetReadyQueueDepth(q.Key.String(), len(q.items))
			for !q.acquireConnSlot() {
				select {
				case <-q.closed:
					return
				case <-time.After(5 * time.Millisecond):
				}
			}
			q.wg.Add(1)
			go q.runConnection(msg)
		}
	}
}

// runConnection owns one acquired connection slot: it dispatches msg and
// then, until it idles out or reaches max_deliveries_per_connection,
// keeps pulling further messages from the FIFO under the same slot.
func (q *Queue) runConnection(first *message.Message) {
	defer q.wg.Done()
	defer q.releaseConnSlot()

	maxDeliveries := q.cfg.MaxDeliveriesPerConnection
	if maxDeliveries <= 0 {
		maxDeliveries = 1
	}
	idleTimeout := time.Duration(q.cfg.IdleTimeoutSeconds) * time.Second
	if idleTimeout <= 0 {
		idleTimeout = 5 * time.Second
	}

	msg := first
	for delivered := 0; delivered < maxDeliveries; delivered++ {
		if q.connRate != nil {
			if d := q.connRate.AcquireWithDelay(); d > 0 {
				time.Sleep(d)
			}
		}

		q.dispatchOne(msg)

		if delivered+1 >= maxDeliveries {
			return
		}

		select {
		case <-q.closed:
			return
		case next, ok := <-q.items:
			if !ok {
				return
			}
			metrics.SetReadyQueueDepth(q.Key.String(), len(q.items))
			msg = next
		case <-time.After(idleTimeout):
			return
		}
	}
}

// dispatchOne attempts delivery of msg to every recipient still on its
// envelope, splitting transient recipients into a fresh retry message
// and retiring delivered/permanently-failed ones individually -- the
// generalization of partialError handling to explicit
// Recipient slices instead of string-keyed maps.
func (q *Queue) dispatchOne(msg *message.Message) {
	if q.msgRate != nil {
		if d := q.msgRate.AcquireWithDelay(); d > 0 {
			q.log.Debugf("readyqueue %s: message rate throttled, deferring %v", q.Key, d)
			msg.DeferDue(time.Now().Add(d))
			q.requeuer.Defer(msg, d)
			return
		}
	}

	recipients := msg.To()
	var transient []message.Recipient
	connFailure := false
	targetHost := q.targetHost()

	for _, rcpt := range recipients {
		res, err := q.client.Deliver(context.Background(), smtpiface.Request{
			Source: q.source.Name,
			BindAddr: q.source.BindAddr,
			EHLOHost: q.source.EHLOHost,
			ProxyURL: q.source.ProxyURL,
			TargetHost: targetHost,
			Msg: msg,
			Recipient: rcpt,
			TLSMode: q.cfg.EnableTLS,
		})

		if err != nil {
			// A connection/protocol-level failure (no SMTP response to
			// classify): treat per exterr's temporary-by-default rule.
			connFailure = true
			if exterr.IsTemporaryOrUnspec(err) {
				transient = append(transient, rcpt)
				q.sink.Bounced(q.Key, msg, rcpt, smtpiface.Result{Outcome: smtpiface.Transient}, err)
			} else {
				q.sink.Bounced(q.Key, msg, rcpt, smtpiface.Result{Outcome: smtpiface.Permanent}, err)
			}
			continue
		}

		switch res.Outcome {
		case smtpiface.Delivered:
			q.recordSuccess()
			q.sink.Delivered(q.Key, msg, rcpt, res)
		case smtpiface.Transient:
			transient = append(transient, rcpt)
			q.sink.Bounced(q.Key, msg, rcpt, res, nil)
		case smtpiface.Permanent:
			q.sink.Bounced(q.Key, msg, rcpt, res, nil)
		}
	}

	if connFailure {
		q.recordFailure()
	}

	if len(transient) > 0 {
		retryMsg := msg
		if len(transient) != len(recipients) {
			retryMsg = msg.WithRecipients(transient)
		}
		q.requeuer.RetryTransient(retryMsg)
	}
}

// recordFailure bumps the consecutive-failure gauge; at threshold, every
// queued message is pushed back to its scheduled queue with a delay and
// the queue is marked degraded for a cooldown window.
func (q *Queue) recordFailure() {
	threshold := int32(q.cfg.ConsecutiveConnectionFailuresBeforeDelay)
	if threshold <= 0 {
		return
	}
	n := atomic.AddInt32(&q.consecutiveFailures, 1)
	if n < threshold {
		return
	}
	atomic.StoreInt32(&q.consecutiveFailures, 0)

	q.mu.Lock()
	q.degraded = true
	q.degradedTil = time.Now().Add(degradeCooldown)
	q.mu.Unlock()

	q.drainToScheduled()
}

func (q *Queue) recordSuccess() {
	atomic.StoreInt32(&q.consecutiveFailures, 0)
}

// degradeCooldown is how long a queue stays degraded after hitting the
// consecutive-failure threshold before Enqueue is allowed to admit work
// again.
const degradeCooldown = 30 * time.Second

// drainToScheduled empties the FIFO, deferring every message back to its
// scheduled queue, per the degraded-state bulk-cancellation rule.
func (q *Queue) drainToScheduled() {
	for {
		select {
		case msg, ok := <-q.items:
			if !ok {
				return
			}
			q.requeuer.Defer(msg, degradeCooldown)
		default:
			return
		}
	}
}
