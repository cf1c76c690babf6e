package queuemanager

import (
	"context"
	"time"

	"github.com/kumomta/kumod/framework/buffer"
	"github.com/kumomta/kumod/internal/exterr"
	"github.com/kumomta/kumod/internal/logrecord"
	"github.com/kumomta/kumod/internal/message"
	"github.com/kumomta/kumod/internal/scheduledqueue"
	"github.com/kumomta/kumod/internal/spool"
)

// ReceptionInput is what the SMTP/HTTP reception collaborators hand to
// QueueManager ("deliver a constructed Message object plus a
// connection-metadata map"). From/To are already split forward-paths;
// Due, if zero, means immediate. Campaign/Tenant/RoutingDomain seed the
// ScheduledQueueKey and are stamped onto the message's metadata.
type ReceptionInput struct {
	From string
	To []message.Recipient
	Body buffer.Buffer

	Campaign string
	Tenant string
	RoutingDomain string

	Due time.Time
	ForceSync bool

	ConnMeta map[string]interface{}
}

// Receive accepts in and fans it out into one Message per recipient
// (recipients of the same reception can resolve to
// different ScheduledQueueKey.Domain values, so independent retry/expiry
// requires an independent Message and spool entry per recipient from the
// start, not a later split). It returns the ids assigned, in the same
// order as in.To.
func (m *Manager) Receive(ctx context.Context, in ReceptionInput) ([]string, error) {
	if len(in.To) == 0 {
		return nil, exterr.Permanent(errNoRecipients)
	}

	due := in.Due
	if due.IsZero() {
		due = time.Now()
	}
	expires := due.Add(m.cfg.MaxAge)

	ids := make([]string, 0, len(in.To))
	now := time.Now()

	for _, rcpt := range in.To {
		msg, err := message.New(in.From, []message.Recipient{rcpt}, in.Body, due, expires)
		if err != nil {
			return ids, exterr.Transient(err)
		}
		msg.SetForceSync(in.ForceSync)

		msg.SetMeta(message.MetaCampaign, in.Campaign)
		msg.SetMeta(message.MetaTenant, in.Tenant)
		msg.SetMeta(message.MetaRoutingDomain, in.RoutingDomain)
		for k, v := range in.ConnMeta {
			msg.SetMeta(k, v)
		}

		meta := spool.Meta{
			ID: msg.ID(),
			From: msg.From(),
			To: []string{rcpt.Original},
			Metadata: msg.MetadataSnapshot(),
			DueUnixNano: due.UnixNano(),
			ExpiresUnixNano: expires.UnixNano(),
		}
		body, err := msg.Body().Open()
		if err != nil {
			return ids, exterr.Transient(err)
		}
		storeErr := m.spool.Store(ctx, msg.ID(), body, meta, msg.ForceSync())
		body.Close()
		if storeErr != nil {
			return ids, exterr.Transient(storeErr)
		}

		key := scheduledqueue.Key{
			Campaign: in.Campaign,
			Tenant: in.Tenant,
			RoutingDomain: in.RoutingDomain,
			Domain: rcpt.Domain,
		}
		m.track(msg.ID(), key, now, msg)
		m.sched.Insert(key, msg)

		m.log.Record(logrecord.Record{
			Type: logrecord.Reception,
			ID: msg.ID(),
			Sender: msg.From(),
			Recipient: rcpt.Original,
			Tenant: in.Tenant,
			Campaign: in.Campaign,
			Timestamp: now,
			Created: now,
		})

		ids = append(ids, msg.ID())
	}

	return ids, nil
}

var errNoRecipients = errNoRecipientsError{}

type errNoRecipientsError struct{}

func (errNoRecipientsError) Error() string { return "queuemanager: reception has no recipients" }
