package queuemanager

import (
	"bytes"
	"errors"
	"time"

	"github.com/emersion/go-message/textproto"
	gosmtp "github.com/emersion/go-smtp"

	"github.com/kumomta/kumod/framework/buffer"
	"github.com/kumomta/kumod/framework/dsn"
	"github.com/kumomta/kumod/internal/message"
	"github.com/kumomta/kumod/internal/scheduledqueue"
)

// bounceOnExhaustion synthesizes an RFC 3464 DSN addressed to msg's
// envelope sender and re-enters it into the scheduled queue for
// delivery, gated by AutogeneratedMsgDomain: a disabled gate or an empty
// envelope sender (a bounce of a bounce) is a no-op.
func (m *Manager) bounceOnExhaustion(msg *message.Message, reason string) {
	if m.cfg.AutogeneratedMsgDomain == "" || msg.From() == "" {
		return
	}

	sender, err := message.SplitRecipient(msg.From())
	if err != nil {
		m.log.Error("dsn: cannot parse envelope sender for bounce", err, "id", msg.ID())
		return
	}

	envelope := dsn.Envelope{
		MsgID: "<" + msg.ID() + "-dsn@" + m.cfg.AutogeneratedMsgDomain + ">",
		From: "MAILER-DAEMON@" + m.cfg.AutogeneratedMsgDomain,
		To: msg.From(),
	}
	mtaInfo := dsn.ReportingMTAInfo{
		ReportingMTA: m.cfg.Hostname,
		XSender: msg.From(),
		XMessageID: msg.ID(),
		ArrivalDate: msg.Due(),
		LastAttemptDate: time.Now(),
	}

	rcptsInfo := make([]dsn.RecipientInfo, 0, len(msg.To()))
	for _, to := range msg.To() {
		rcptsInfo = append(rcptsInfo, dsn.RecipientInfo{
			FinalRecipient: to.Original,
			Action: dsn.ActionFailed,
			Status: gosmtp.EnhancedCode{5, 0, 0},
			DiagnosticCode: errors.New(reason),
		})
	}

	failedHeader := textproto.Header{}
	failedHeader.Add("Message-Id", "<"+msg.ID()+"@"+m.cfg.Hostname+">")

	var body bytes.Buffer
	header, err := dsn.GenerateDSN(false, envelope, mtaInfo, rcptsInfo, failedHeader, &body)
	if err != nil {
		m.log.Error("dsn: failed to generate bounce", err, "id", msg.ID())
		return
	}

	var rendered bytes.Buffer
	if err := textproto.WriteHeader(&rendered, header); err != nil {
		m.log.Error("dsn: failed to render bounce header", err, "id", msg.ID())
		return
	}
	rendered.Write(body.Bytes())

	dsnMsg, err := message.New("", []message.Recipient{sender}, buffer.MemoryBuffer{Slice: rendered.Bytes()}, time.Now(), time.Now().Add(time.Hour))
	if err != nil {
		m.log.Error("dsn: failed to construct bounce message", err, "id", msg.ID())
		return
	}

	key := scheduledqueue.Key{Domain: sender.Domain}
	m.track(dsnMsg.ID(), key, time.Now(), dsnMsg)
	m.sched.Insert(key, dsnMsg)
}
