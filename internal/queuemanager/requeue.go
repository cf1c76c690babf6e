package queuemanager

import (
	"context"
	"time"

	"github.com/kumomta/kumod/internal/logrecord"
	"github.com/kumomta/kumod/internal/message"
	"github.com/kumomta/kumod/internal/readyqueue"
	"github.com/kumomta/kumod/internal/smtpiface"
)

// RetryTransient implements readyqueue.Requeuer: it applies the owning
// scheduled queue's retry ladder to msg, or expires it if the next
// attempt would exceed its age/Expires bound.
func (m *Manager) RetryTransient(msg *message.Message) {
	entry, ok := m.lookup(msg.ID())
	if !ok {
		m.log.Debugf("queuemanager: RetryTransient for untracked message %s, dropping", msg.ID())
		return
	}

	if m.sched.RescheduleMessage(entry.Key, entry.CreatedAt, msg) {
		return
	}

	m.log.Record(logrecord.Record{
		Type:      logrecord.Expiration,
		ID:        msg.ID(),
		Sender:    msg.From(),
		Recipient: recipientSummary(msg),
		Queue:     entry.Key.String(),
		Timestamp: time.Now(),
		Created:   entry.CreatedAt,
	})
	m.bounceOnExhaustion(msg, "message expired after exhausting its retry schedule")
	m.retire(msg.ID())
}

// Defer implements readyqueue.Requeuer: it re-enters msg into its
// scheduled queue at now+delay without counting an attempt.
func (m *Manager) Defer(msg *message.Message, delay time.Duration) {
	entry, ok := m.lookup(msg.ID())
	if !ok {
		m.log.Debugf("queuemanager: Defer for untracked message %s, dropping", msg.ID())
		return
	}
	m.sched.Defer(entry.Key, entry.CreatedAt, msg, delay)
}

// Delivered implements readyqueue.ResultSink: the recipient reached a
// terminal success, so the message is logged and retired from the spool.
func (m *Manager) Delivered(key readyqueue.Key, msg *message.Message, rcpt message.Recipient, res smtpiface.Result) {
	m.log.Record(logrecord.Record{
		Type:         logrecord.Delivery,
		ID:           msg.ID(),
		Sender:       msg.From(),
		Recipient:    rcpt.Original,
		SiteName:     key.SiteName,
		EgressSource: key.Source,
		Code:         res.Code,
		Content:      res.Response,
		Timestamp:    time.Now(),
	})
	m.retire(msg.ID())
}

// Bounced implements readyqueue.ResultSink. A transient outcome is only
// logged here; the ready queue separately calls RetryTransient (possibly
// for a WithRecipients clone grouping every still-transient recipient) to
// actually reschedule. A permanent outcome retires the message and, if
// configured, synthesizes a DSN back to the envelope sender.
func (m *Manager) Bounced(key readyqueue.Key, msg *message.Message, rcpt message.Recipient, res smtpiface.Result, err error) {
	logType := logrecord.TransientFailure
	if res.Outcome == smtpiface.Permanent {
		logType = logrecord.Bounce
	}

	rec := logrecord.Record{
		Type:         logType,
		ID:           msg.ID(),
		Sender:       msg.From(),
		Recipient:    rcpt.Original,
		SiteName:     key.SiteName,
		EgressSource: key.Source,
		Code:         res.Code,
		Content:      res.Response,
		Timestamp:    time.Now(),
	}
	if err != nil {
		rec.Content = err.Error()
	}
	m.log.Record(rec)

	if res.Outcome == smtpiface.Permanent {
		reason := res.Response
		if reason == "" && err != nil {
			reason = err.Error()
		}
		m.bounceOnExhaustion(msg, reason)
		m.retire(msg.ID())
	}
}

// retire removes id from the spool and the tracking map, the final step
// for a message that reached a terminal outcome (delivered, permanently
// bounced, or expired).
func (m *Manager) retire(id string) {
	if err := m.spool.Remove(context.Background(), id); err != nil {
		m.log.Error("queuemanager: failed to remove spooled message on retirement", err, "id", id)
	}
	m.untrack(id)
}
