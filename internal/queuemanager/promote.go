package queuemanager

import (
	"context"
	"strings"
	"time"

	"github.com/kumomta/kumod/internal/dnsiface"
	"github.com/kumomta/kumod/internal/logrecord"
	"github.com/kumomta/kumod/internal/message"
	"github.com/kumomta/kumod/internal/readyqueue"
	"github.com/kumomta/kumod/internal/scheduledqueue"
	"github.com/kumomta/kumod/internal/sitename"
)

// capacityBackoff is the small backoff applied when a promoted message
// can't be admitted to its ready queue, or when site name / pool
// resolution hits a transient error.
const capacityBackoff = 5 * time.Second

func (m *Manager) promotionLoop() {
	defer m.wg.Done()
	for promo := range m.sched.Promotions() {
		if promo.Expired {
			m.handleExpired(promo.Entry)
			continue
		}
		m.handlePromotion(promo.Entry)
	}
}

func (m *Manager) handleExpired(entry *scheduledqueue.Entry) {
	msg := entry.Msg
	now := time.Now()

	m.log.Record(logrecord.Record{
		Type: logrecord.Expiration,
		ID: msg.ID(),
		Sender: msg.From(),
		Recipient: recipientSummary(msg),
		Queue: entry.Key.String(),
		Timestamp: now,
		Created: entry.CreatedAt,
	})

	m.bounceOnExhaustion(msg, "message expired: max_age exceeded")
	m.retire(msg.ID())
}

func (m *Manager) handlePromotion(entry *scheduledqueue.Entry) {
	msg := entry.Msg
	key := entry.Key
	ctx := context.Background()

	if m.tsa.shouldBounce(key) {
		m.log.Record(logrecord.Record{
			Type: logrecord.Bounce,
			ID: msg.ID(),
			Sender: msg.From(),
			Recipient: recipientSummary(msg),
			Queue: key.String(),
			Timestamp: time.Now(),
			Created: entry.CreatedAt,
		})
		m.bounceOnExhaustion(msg, "bounced by traffic-shaping automation")
		m.retire(msg.ID())
		return
	}

	if until := m.tsa.suspendedUntil(key, time.Now()); !until.IsZero() {
		m.sched.Defer(key, entry.CreatedAt, msg, time.Until(until))
		return
	}

	pool, err := m.resolvePool(key)
	if err != nil {
		m.log.Error("promotion: no egress pool available", err, "domain", key.Domain)
		m.sched.Defer(key, entry.CreatedAt, msg, capacityBackoff)
		return
	}

	source, err := pool.Next()
	if err != nil {
		m.log.Error("promotion: no available egress source", err, "domain", key.Domain)
		m.sched.Defer(key, entry.CreatedAt, msg, capacityBackoff)
		return
	}

	mx, err := m.cfg.MXCache.LookupMX(ctx, key.Domain)
	if err != nil {
		m.log.Error("promotion: MX lookup failed", err, "domain", key.Domain)
		m.sched.Defer(key, entry.CreatedAt, msg, capacityBackoff)
		return
	}

	siteName, err := sitename.Resolve(dnsiface.ToMiekgMX(mx))
	if err != nil {
		if err == sitename.ErrNullMX {
			m.log.Error("promotion: destination has a null MX, rejecting permanently", err, "domain", key.Domain)
			m.bounceOnExhaustion(msg, "destination declares a null MX (RFC 7505)")
			m.retire(msg.ID())
			return
		}
		m.log.Error("promotion: site name resolution failed", err, "domain", key.Domain)
		m.sched.Defer(key, entry.CreatedAt, msg, capacityBackoff)
		return
	}

	mxHosts := make([]string, 0, len(mx))
	for _, rr := range mx {
		mxHosts = append(mxHosts, strings.ToLower(strings.TrimSuffix(rr.Host, ".")))
	}

	cfg, _, err := m.cfg.Shaping.Resolve(key.Domain, source.Name, siteName, mxHosts)
	if err != nil {
		m.log.Error("promotion: shaping resolution failed", err, "domain", key.Domain)
		m.sched.Defer(key, entry.CreatedAt, msg, capacityBackoff)
		return
	}

	rqKey := readyqueue.Key{Source: source.Name, SiteName: siteName}
	msgRate := m.rateLimiterFor(m.msgRates, "msgrate:"+rqKey.String(), cfg.MaxMessageRate)
	connRate := m.rateLimiterFor(m.connRates, "connrate:"+rqKey.String(), cfg.MaxConnectionRate)

	rq := m.ready.GetOrCreate(rqKey, cfg, source, msgRate, connRate)
	rq.SetMXHosts(mxHosts)

	if err := rq.Enqueue(msg); err != nil {
		m.log.Debugf("promotion: ready queue %s rejected enqueue: %v", rqKey, err)
		m.sched.Defer(key, entry.CreatedAt, msg, capacityBackoff)
		return
	}
}

func recipientSummary(msg *message.Message) string {
	to := msg.To()
	if len(to) == 0 {
		return ""
	}
	return to[0].Original
}
