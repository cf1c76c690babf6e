package reportingest

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/kumomta/kumod/internal/logrecord"
)

// Outcome is what the caller (the listener accepting the message) should
// do after Handle returns: on successful decode the message is either
// discarded or rerouted based on listener config; on parse failure the
// message is accepted and queued normally.
type Outcome int

const (
	// OutcomeQueueNormally means decode failed (or the listener isn't
	// declared to carry reports); the caller proceeds exactly as it
	// would for any other reception.
	OutcomeQueueNormally Outcome = iota
	// OutcomeDiscard means decode succeeded and the listener is
	// configured to drop the message after logging it.
	OutcomeDiscard
	// OutcomeReroute means decode succeeded and the listener wants the
	// message queued to ListenerConfig.RerouteTo instead of its
	// original envelope recipients.
	OutcomeReroute
)

// ListenerConfig is the per-listener declaration: whether this listener
// is known to carry OOB bounces or feedback-loop reports, and what to
// do with a successfully decoded one.
type ListenerConfig struct {
	// Enabled gates report parsing at all; a listener not declared to
	// carry reports never attempts Decode and always queues normally.
	Enabled bool

	// RerouteTo, if non-empty, sends a successfully decoded report to
	// this address instead of discarding it. Empty means discard.
	RerouteTo string
}

// EnvelopeMeta is the connection-level context Handle needs to build a
// log record, independent of whether decode succeeds.
type EnvelopeMeta struct {
	MessageID string
	Sender string
	Recipient string
	PeerAddress string
}

// Handle decodes body per cfg and returns the Outcome the caller should
// apply, together with the Record to emit (nil if the message should
// just be queued normally without a report-specific record -- the
// caller's ordinary Reception record still applies in that case).
func Handle(cfg ListenerConfig, body io.Reader, env EnvelopeMeta) (Outcome, *logrecord.Record, error) {
	if !cfg.Enabled {
		return OutcomeQueueNormally, nil, nil
	}

	report, err := Decode(body)
	if err != nil {
		return OutcomeQueueNormally, nil, err
	}

	rec := report.toRecord(env)

	if cfg.RerouteTo != "" {
		return OutcomeReroute, rec, nil
	}
	return OutcomeDiscard, rec, nil
}

// toRecord builds the structured log record emitted on successful
// decode.
func (r *Report) toRecord(env EnvelopeMeta) *logrecord.Record {
	now := time.Now()
	switch r.Kind {
	case KindDSN:
		return &logrecord.Record{
			Type: logrecord.OOB,
			ID: env.MessageID,
			Sender: env.Sender,
			Recipient: env.Recipient,
			Content: summarizeDSN(r),
			Timestamp: now,
			Created: now,
			PeerAddress: env.PeerAddress,
		}
	case KindARF:
		return &logrecord.Record{
			Type: logrecord.Feedback,
			ID: env.MessageID,
			Sender: env.Sender,
			Recipient: env.Recipient,
			Content: summarizeARF(r),
			Timestamp: now,
			Created: now,
			PeerAddress: env.PeerAddress,
		}
	default:
		return &logrecord.Record{
			Type: logrecord.OOB,
			ID: env.MessageID,
			Sender: env.Sender,
			Recipient: env.Recipient,
			Timestamp: now,
			Created: now,
			PeerAddress: env.PeerAddress,
		}
	}
}

func summarizeDSN(r *Report) string {
	var b strings.Builder
	fmt.Fprintf(&b, "reporting-mta=%s recipients=%d", r.ReportingMTA, len(r.Recipients))
	for _, rcpt := range r.Recipients {
		fmt.Fprintf(&b, " [%s action=%s status=%s]", rcpt.FinalRecipient, rcpt.Action, rcpt.Status)
	}
	return b.String()
}

func summarizeARF(r *Report) string {
	return fmt.Sprintf("feedback-type=%s source-ip=%s reported-domain=%s", r.FeedbackType, r.SourceIP, r.ReportedDomain)
}
