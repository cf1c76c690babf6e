package reportingest

import (
	"bytes"
	"testing"

	"github.com/emersion/go-message/textproto"
)

func buildDSN(t *testing.T) []byte {
	t.Helper()
	var buf bytes.Buffer
	mw := textproto.NewMultipartWriter(&buf)

	outer := textproto.Header{}
	outer.Add("MIME-Version", "1.0")
	outer.Add("Content-Type", "multipart/report; report-type=delivery-status; boundary="+mw.Boundary())
	if err := textproto.WriteHeader(&buf, outer); err != nil {
		t.Fatalf("write outer header: %v", err)
	}

	human := textproto.Header{}
	human.Add("Content-Type", `text/plain; charset="utf-8"`)
	hw, err := mw.CreatePart(human)
	if err != nil {
		t.Fatalf("create human part: %v", err)
	}
	hw.Write([]byte("Delivery failed.\r\n"))

	machineHdr := textproto.Header{}
	machineHdr.Add("Content-Type", "message/delivery-status")
	mwr, err := mw.CreatePart(machineHdr)
	if err != nil {
		t.Fatalf("create machine part: %v", err)
	}

	perMsg := textproto.Header{}
	perMsg.Add("Reporting-MTA", "dns; mx.example.com")
	perMsg.Add("Arrival-Date", "Mon, 2 Jan 2006 15:04:05 +0000")
	if err := textproto.WriteHeader(mwr, perMsg); err != nil {
		t.Fatalf("write per-message fields: %v", err)
	}

	perRcpt := textproto.Header{}
	perRcpt.Add("Final-Recipient", "rfc822; bounced@example.org")
	perRcpt.Add("Action", "failed")
	perRcpt.Add("Status", "5.1.1")
	perRcpt.Add("Diagnostic-Code", "smtp; 550 5.1.1 user unknown")
	if err := textproto.WriteHeader(mwr, perRcpt); err != nil {
		t.Fatalf("write per-recipient fields: %v", err)
	}

	if err := mw.Close(); err != nil {
		t.Fatalf("close multipart writer: %v", err)
	}
	return buf.Bytes()
}

func buildARF(t *testing.T) []byte {
	t.Helper()
	var buf bytes.Buffer
	mw := textproto.NewMultipartWriter(&buf)

	outer := textproto.Header{}
	outer.Add("MIME-Version", "1.0")
	outer.Add("Content-Type", "multipart/report; report-type=feedback-report; boundary="+mw.Boundary())
	if err := textproto.WriteHeader(&buf, outer); err != nil {
		t.Fatalf("write outer header: %v", err)
	}

	machineHdr := textproto.Header{}
	machineHdr.Add("Content-Type", "message/feedback-report")
	mwr, err := mw.CreatePart(machineHdr)
	if err != nil {
		t.Fatalf("create machine part: %v", err)
	}
	fields := textproto.Header{}
	fields.Add("Feedback-Type", "abuse")
	fields.Add("Source-IP", "203.0.113.9")
	fields.Add("Reported-Domain", "example.net")
	if err := textproto.WriteHeader(mwr, fields); err != nil {
		t.Fatalf("write ARF fields: %v", err)
	}

	if err := mw.Close(); err != nil {
		t.Fatalf("close multipart writer: %v", err)
	}
	return buf.Bytes()
}

func TestDecodeDSN(t *testing.T) {
	rep, err := Decode(bytes.NewReader(buildDSN(t)))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if rep.Kind != KindDSN {
		t.Fatalf("expected KindDSN, got %v", rep.Kind)
	}
	if rep.ReportingMTA != "mx.example.com" {
		t.Fatalf("unexpected ReportingMTA: %q", rep.ReportingMTA)
	}
	if rep.ArrivalDate.IsZero() {
		t.Fatalf("expected ArrivalDate to be parsed")
	}
	if len(rep.Recipients) != 1 {
		t.Fatalf("expected 1 recipient, got %d", len(rep.Recipients))
	}
	r := rep.Recipients[0]
	if r.FinalRecipient != "bounced@example.org" || r.Action != "failed" || r.Status != "5.1.1" {
		t.Fatalf("unexpected recipient status: %+v", r)
	}
	if parseStatusClass(r.Status) != 5 {
		t.Fatalf("expected status class 5, got %d", parseStatusClass(r.Status))
	}
}

func TestDecodeARF(t *testing.T) {
	rep, err := Decode(bytes.NewReader(buildARF(t)))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if rep.Kind != KindARF {
		t.Fatalf("expected KindARF, got %v", rep.Kind)
	}
	if rep.FeedbackType != "abuse" || rep.SourceIP != "203.0.113.9" || rep.ReportedDomain != "example.net" {
		t.Fatalf("unexpected ARF fields: %+v", rep)
	}
}

func TestDecodeRejectsOrdinaryMessage(t *testing.T) {
	body := "Content-Type: text/plain\r\n\r\nHello world\r\n"
	if _, err := Decode(bytes.NewReader([]byte(body))); err == nil {
		t.Fatalf("expected a non-report message to fail to decode")
	}
}

func TestHandleDisabledQueuesNormally(t *testing.T) {
	outcome, rec, err := Handle(ListenerConfig{Enabled: false}, bytes.NewReader(buildDSN(t)), EnvelopeMeta{})
	if err != nil || outcome != OutcomeQueueNormally || rec != nil {
		t.Fatalf("expected disabled listener to queue normally untouched, got outcome=%v rec=%v err=%v", outcome, rec, err)
	}
}

func TestHandleDecodeFailureQueuesNormally(t *testing.T) {
	outcome, rec, err := Handle(ListenerConfig{Enabled: true}, bytes.NewReader([]byte("not a report")), EnvelopeMeta{})
	if err == nil {
		t.Fatalf("expected a decode error for a non-report body")
	}
	if outcome != OutcomeQueueNormally || rec != nil {
		t.Fatalf("expected fallback to queue normally, got outcome=%v rec=%v", outcome, rec)
	}
}

func TestHandleDiscardsByDefault(t *testing.T) {
	outcome, rec, err := Handle(ListenerConfig{Enabled: true}, bytes.NewReader(buildDSN(t)), EnvelopeMeta{
		MessageID: "abc123",
		Sender:    "mailer-daemon@mx.example.com",
		Recipient: "sender@example.com",
	})
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if outcome != OutcomeDiscard {
		t.Fatalf("expected OutcomeDiscard, got %v", outcome)
	}
	if rec == nil || rec.Type != "OOB" {
		t.Fatalf("expected an OOB record, got %+v", rec)
	}
}

func TestHandleReroutesWhenConfigured(t *testing.T) {
	outcome, rec, err := Handle(ListenerConfig{Enabled: true, RerouteTo: "bounces@internal.example.com"},
		bytes.NewReader(buildARF(t)), EnvelopeMeta{MessageID: "def456"})
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if outcome != OutcomeReroute {
		t.Fatalf("expected OutcomeReroute, got %v", outcome)
	}
	if rec == nil || rec.Type != "Feedback" {
		t.Fatalf("expected a Feedback record, got %+v", rec)
	}
}
