// Package message defines the Message type that flows through the
// scheduled and ready queues: an immutable identifier, an envelope,
// an opaque body, and freeform metadata, mutated only through the
// documented methods below.
package message

import (
	"time"

	"github.com/google/uuid"

	"github.com/kumomta/kumod/framework/address"
	"github.com/kumomta/kumod/framework/buffer"
)

// Recipient is one forward-path in the envelope, already split into its
// local-part and domain via framework/address.Split.
type Recipient struct {
	Original string
	LocalPart string
	Domain string
}

// SplitRecipient parses addr into a Recipient using the same forward-path
// splitting rules as framework/address.Split (RFC 5321, postmaster special
// case included).
func SplitRecipient(addr string) (Recipient, error) {
	local, domain, err := address.Split(addr)
	if err != nil {
		return Recipient{}, err
	}
	return Recipient{Original: addr, LocalPart: local, Domain: domain}, nil
}

// Well-known metadata keys.
const (
	MetaQueue = "queue"
	MetaTenant = "tenant"
	MetaCampaign = "campaign"
	MetaRoutingDomain = "routing_domain"
	MetaAuthzID = "authz_id"
	MetaAuthnID = "authn_id"
	MetaReceivedFrom = "received_from"
)

// Message is the unit of work scheduled and delivered by the queueing
// core. The ID and envelope are immutable after creation; Due, Expires
// and the attempt counter change only through the mutators below.
type Message struct {
	id string
	from string
	to []Recipient

	body buffer.Buffer

	metadata map[string]interface{}

	attempts int

	due time.Time
	expires time.Time

	forceSync bool
}

// New creates a Message owned by the caller. body is taken by reference,
// not copied; the caller must not call body.Remove until the Message is
// retired.
func New(from string, to []Recipient, body buffer.Buffer, due, expires time.Time) (*Message, error) {
	id, err := newID()
	if err != nil {
		return nil, err
	}
	return &Message{
		id: id,
		from: from,
		to: append([]Recipient(nil), to...),
		body: body,
		metadata: make(map[string]interface{}),
		due: due,
		expires: expires,
	}, nil
}

func newID() (string, error) {
	id, err := uuid.NewV7()
	if err != nil {
		id, err = uuid.NewUUID()
		if err != nil {
			return "", err
		}
	}
	return id.String(), nil
}

func (m *Message) ID() string { return m.id }
func (m *Message) From() string { return m.from }
func (m *Message) To() []Recipient { return append([]Recipient(nil), m.to...) }
func (m *Message) Body() buffer.Buffer { return m.body }
func (m *Message) Due() time.Time { return m.due }
func (m *Message) Expires() time.Time { return m.expires }
func (m *Message) Attempts() int { return m.attempts }
func (m *Message) ForceSync() bool { return m.forceSync }

// SetForceSync marks the next spool write for this message as requiring a
// durable flush before it completes.
func (m *Message) SetForceSync(v bool) { m.forceSync = v }

// Meta returns the value stored under key, and whether it was present.
func (m *Message) Meta(key string) (interface{}, bool) {
	v, ok := m.metadata[key]
	return v, ok
}

// MetaString is a convenience accessor for string-valued metadata; it
// returns "" if the key is absent or not a string.
func (m *Message) MetaString(key string) string {
	v, ok := m.metadata[key]
	if !ok {
		return ""
	}
	s, _ := v.(string)
	return s
}

// SetMeta stores value under key. Used by the reception collaborator to
// stamp tenant/campaign/routing_domain/authz_id/authn_id/received_from,
// and by automation to set operator-visible annotations.
func (m *Message) SetMeta(key string, value interface{}) {
	m.metadata[key] = value
}

// MetadataSnapshot returns a shallow copy of the metadata map, safe for
// the caller to range over without racing future SetMeta calls.
func (m *Message) MetadataSnapshot() map[string]interface{} {
	out := make(map[string]interface{}, len(m.metadata))
	for k, v := range m.metadata {
		out[k] = v
	}
	return out
}

// Reschedule advances the attempt counter and sets a new due time. It is
// the only way Due moves forward once a Message is created, keeping the
// "due is monotonically non-decreasing" invariant in one place: callers
// must pass a newDue >= m.due.
func (m *Message) Reschedule(newDue time.Time) {
	m.attempts++
	if newDue.Before(m.due) {
		newDue = m.due
	}
	m.due = newDue
}

// ExpiresBefore reports whether due is at or past this message's
// expiry, the check the scheduled queue runs at promotion time to
// decide expiry versus dispatch.
func (m *Message) ExpiresBefore(due time.Time) bool {
	return !due.Before(m.expires)
}

// DeferDue advances Due without counting an attempt, for throttle- and
// capacity-driven backoff: a throttle delays a message by updating its
// due time rather than blocking a worker goroutine, and the ready
// queue's capacity backoff uses the same mechanism. newDue before the
// current Due is a no-op.
func (m *Message) DeferDue(newDue time.Time) {
	if newDue.After(m.due) {
		m.due = newDue
	}
}

// WithRecipients returns a shallow copy of m carrying only to as its
// envelope recipients, sharing the same id, body and metadata. Used to
// split a partially-delivered message's still-transient recipients into
// a fresh retry unit without disturbing the recipients that already
// reached a terminal outcome.
func (m *Message) WithRecipients(to []Recipient) *Message {
	clone := *m
	clone.to = append([]Recipient(nil), to...)
	clone.metadata = m.MetadataSnapshot()
	return &clone
}
