// Package queuemanager implements the QueueManager: the collaborator
// that owns the handoff between the scheduled and ready queue tiers. On
// reception it assigns queue metadata and inserts into a ScheduledQueue;
// on promotion it resolves an egress source, site name and shaping
// configuration and enqueues into a ReadyQueue; on delivery result it
// drives the message's terminal state transition.
//
// The control flow here is split across three cooperating packages
// (ScheduledQueue, ReadyQueue, QueueManager) instead of one monolithic
// disk-queue type, with the readDiskQueue/tryDelivery/deliver/emitDSN
// phases generalized to a per-recipient message model.
package queuemanager

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/kumomta/kumod/internal/dnsiface"
	"github.com/kumomta/kumod/internal/domainmap"
	"github.com/kumomta/kumod/internal/egress"
	"github.com/kumomta/kumod/internal/logging"
	"github.com/kumomta/kumod/internal/message"
	"github.com/kumomta/kumod/internal/readyqueue"
	"github.com/kumomta/kumod/internal/scheduledqueue"
	"github.com/kumomta/kumod/internal/shaping"
	"github.com/kumomta/kumod/internal/smtpiface"
	"github.com/kumomta/kumod/internal/spool"
	"github.com/kumomta/kumod/internal/throttle"
	"github.com/kumomta/kumod/internal/tsa"
)

// Config parameterizes a Manager. Pools is consulted with RoutingDomain
// first, then Domain, falling back to DefaultPool when neither matches.
type Config struct {
	RetryPolicy scheduledqueue.RetryPolicy
	MaxAge time.Duration

	Pools *domainmap.Map[*egress.Pool]
	DefaultPool *egress.Pool

	Shaping *shaping.Store
	MXCache *dnsiface.MXCache

	// AutogeneratedMsgDomain gates DSN generation on exhaustion or
	// permanent bounce; an empty value disables bounce generation
	// entirely.
	AutogeneratedMsgDomain string
	Hostname string
}

// trackingEntry is the minimum state QueueManager needs to route a
// readyqueue.Requeuer callback back into the right scheduled queue: the
// key it was last inserted under, and the instant it was first received
// (preserved across retries so max_age is judged against the original
// reception, not the latest reschedule).
type trackingEntry struct {
	Key scheduledqueue.Key
	CreatedAt time.Time
	Msg *message.Message
}

// Manager ties the scheduled queue, ready queue manager, spool, shaping
// store and DNS/site-name resolution together.
type Manager struct {
	cfg Config
	spool *spool.Spool
	sched *scheduledqueue.Queue
	ready *readyqueue.Manager
	log logging.Logger

	mu sync.Mutex
	tracking map[string]*trackingEntry

	throttleMu sync.Mutex
	msgRates map[string]*throttle.Rate
	connRates map[string]*throttle.Rate

	tsa tsaState
	tsaEngine *tsa.Engine

	wg sync.WaitGroup
}

// SetTSAEngine attaches a local tsa.Engine so IngestLogRecord can drive
// automation evaluation in-process, as an alternative to (or alongside)
// the separate kumo-tsa-daemon process's HTTP ingestion.
func (m *Manager) SetTSAEngine(e *tsa.Engine) { m.tsaEngine = e }

// New returns a Manager. client is the SMTP delivery collaborator every
// ready queue dispatches through.
func New(cfg Config, sp *spool.Spool, client smtpiface.Client, log logging.Logger) *Manager {
	m := &Manager{
		cfg: cfg,
		spool: sp,
		sched: scheduledqueue.New(cfg.RetryPolicy),
		log: log,
		tracking: make(map[string]*trackingEntry),
		msgRates: make(map[string]*throttle.Rate),
		connRates: make(map[string]*throttle.Rate),
	}
	m.ready = readyqueue.NewManager(client, m, m, log)
	return m
}

// Start launches the promotion-handling goroutine. Restore reconstitutes
// any messages left in the spool from a previous run before the
// goroutine starts draining new promotions.
func (m *Manager) Start(ctx context.Context) error {
	if err := m.restore(ctx); err != nil {
		return err
	}
	m.wg.Add(1)
	go m.promotionLoop()
	return nil
}

// Close drains in-flight ready-queue connections, stops the scheduled
// queue's wheels, and closes the spool last (graceful
// shutdown order).
func (m *Manager) Close() error {
	m.ready.StopAll()
	m.sched.Close()
	m.wg.Wait()
	return m.spool.Close()
}

// restore re-enumerates the spool on startup and reinserts every stored
// message into its scheduled queue. The attempt count is the spooled
// Meta.Attempts when that is non-zero, and is otherwise approximated
// from age and the configured retry interval. Receive stores
// Meta.Attempts as zero and nothing rewrites it after a retry, so the
// approximation is the usual path.
func (m *Manager) restore(ctx context.Context) error {
	return m.spool.Enumerate(ctx, func(id string) error {
		meta, err := m.spool.LoadMeta(ctx, id)
		if err != nil {
			m.log.Error("restore: failed to load spooled message meta", err, "id", id)
			return nil
		}

		to := make([]message.Recipient, 0, len(meta.To))
		for _, addr := range meta.To {
			rcpt, err := message.SplitRecipient(addr)
			if err != nil {
				m.log.Error("restore: cannot parse spooled recipient", err, "id", id, "addr", addr)
				continue
			}
			to = append(to, rcpt)
		}
		if len(to) == 0 {
			return nil
		}

		due := time.Unix(0, meta.DueUnixNano)
		expires := time.Unix(0, meta.ExpiresUnixNano)

		body := &spoolBuffer{spool: m.spool, id: id}
		msg, err := message.New(meta.From, to, body, due, expires)
		if err != nil {
			m.log.Error("restore: cannot rebuild message", err, "id", id)
			return nil
		}
		restoreAttempts(msg, meta.Attempts, m.approximateAttempts(due, expires))
		for k, v := range meta.Metadata {
			msg.SetMeta(k, v)
		}

		key := keyFromMetadata(meta.Metadata, to[0].Domain)
		createdAt := m.approximateCreatedAt(expires)
		m.track(msg.ID(), key, createdAt, msg)
		m.sched.Insert(key, msg)
		return nil
	})
}

// approximateAttempts estimates the attempt counter for a restored
// message from its remaining age budget. The estimate becomes the
// message's attempt counter, from which the scheduled queue's
// Reschedule derives the next retry delay.
func (m *Manager) approximateAttempts(due, expires time.Time) int {
	remaining := expires.Sub(due)
	if remaining <= 0 || m.cfg.RetryPolicy.RetryInterval <= 0 {
		return 0
	}
	age := m.cfg.MaxAge - remaining
	if age <= 0 {
		return 0
	}
	n := 0
	for d := m.cfg.RetryPolicy.RetryInterval; age > 0 && n < 32; n++ {
		age -= d
		d *= 2
		if d > m.cfg.RetryPolicy.MaxRetryInterval {
			d = m.cfg.RetryPolicy.MaxRetryInterval
		}
	}
	return n
}

// approximateCreatedAt estimates a restored message's reception instant
// as expires minus MaxAge, inverting Receive's expires = due + MaxAge.
func (m *Manager) approximateCreatedAt(expires time.Time) time.Time {
	if m.cfg.MaxAge <= 0 {
		return expires
	}
	return expires.Add(-m.cfg.MaxAge)
}

func restoreAttempts(msg *message.Message, persisted, approximated int) {
	n := persisted
	if n == 0 {
		n = approximated
	}
	for i := 0; i < n; i++ {
		msg.Reschedule(msg.Due())
	}
}

func keyFromMetadata(meta map[string]interface{}, domain string) scheduledqueue.Key {
	key := scheduledqueue.Key{Domain: domain}
	if v, ok := meta[message.MetaCampaign].(string); ok {
		key.Campaign = v
	}
	if v, ok := meta[message.MetaTenant].(string); ok {
		key.Tenant = v
	}
	if v, ok := meta[message.MetaRoutingDomain].(string); ok {
		key.RoutingDomain = v
	}
	return key
}

func (m *Manager) track(id string, key scheduledqueue.Key, createdAt time.Time, msg *message.Message) {
	m.mu.Lock()
	m.tracking[id] = &trackingEntry{Key: key, CreatedAt: createdAt, Msg: msg}
	m.mu.Unlock()
}

func (m *Manager) lookup(id string) (*trackingEntry, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.tracking[id]
	return e, ok
}

func (m *Manager) untrack(id string) {
	m.mu.Lock()
	delete(m.tracking, id)
	m.mu.Unlock()
}

// resolvePool selects the egress pool for key, preferring routing_domain
// over domain, falling back to the configured default pool.
func (m *Manager) resolvePool(key scheduledqueue.Key) (*egress.Pool, error) {
	if m.cfg.Pools != nil {
		if key.RoutingDomain != "" {
			if p, ok := m.cfg.Pools.Lookup(key.RoutingDomain); ok {
				return p, nil
			}
		}
		if p, ok := m.cfg.Pools.Lookup(key.Domain); ok {
			return p, nil
		}
	}
	if m.cfg.DefaultPool != nil {
		return m.cfg.DefaultPool, nil
	}
	return nil, fmt.Errorf("queuemanager: no egress pool configured for domain %q", key.Domain)
}

// rateDuration maps a shaping.Rate unit string to the interval throttle.Rate
// expects, defaulting to per-second for an unrecognized unit.
func rateDuration(unit string) time.Duration {
	switch unit {
	case "minute":
		return time.Minute
	case "hour":
		return time.Hour
	case "day":
		return 24 * time.Hour
	default:
		return time.Second
	}
}

// rateLimiterFor returns (creating and caching if necessary) the
// throttle.Rate for name/rate, or nil if rate.N is zero (unthrottled).
func (m *Manager) rateLimiterFor(cache map[string]*throttle.Rate, name string, rate shaping.Rate) *throttle.Rate {
	if rate.N <= 0 {
		return nil
	}
	m.throttleMu.Lock()
	defer m.throttleMu.Unlock()
	if r, ok := cache[name]; ok {
		return r
	}
	r := throttle.NewRate(name, rate.N, rateDuration(rate.Unit))
	cache[name] = r
	return r
}

// spoolBuffer adapts a spooled message's body to buffer.Buffer by opening
// it from the backend on demand, since a restored message does not hold
// the body in memory the way a freshly received one does.
type spoolBuffer struct {
	spool *spool.Spool
	id string
	n int
}

func (b *spoolBuffer) Open() (io.ReadCloser, error) {
	rc, _, err := b.spool.Load(context.Background(), b.id)
	return rc, err
}

func (b *spoolBuffer) Len() int { return b.n }

func (b *spoolBuffer) Remove() error {
	return b.spool.Remove(context.Background(), b.id)
}
