// Package reportingest decodes out-of-band bounce (RFC 3464 DSN) and
// feedback-loop (RFC 5965 ARF) reports accepted on a listener declared
// to carry them. On successful decode the caller gets back
// a structured Report plus the logrecord.Record to emit; on failure the
// message is meant to be accepted and queued as an ordinary reception,
// which is why Decode never classifies a parse failure as fatal to the
// reception itself -- it just returns an error for the caller to fall
// back on.
//
// Header tokenization here reuses framework/dsn's existing
// github.com/emersion/go-message/textproto dependency, already used
// elsewhere for header I/O, read instead of written.
package reportingest

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/mail"
	"strconv"
	"strings"
	"time"

	"github.com/emersion/go-message/textproto"
)

// Kind distinguishes the two report formats this package understands.
type Kind string

const (
	KindDSN Kind = "dsn"
	KindARF Kind = "arf"
)

// ErrNotAReport is returned by Decode when the body's Content-Type is
// not a multipart/report the package recognizes (no report-type, or an
// unrecognized one). Callers should treat this the same as any other
// decode error: accept the message and queue it normally.
var ErrNotAReport = errors.New("reportingest: not a recognized multipart/report")

// RecipientStatus is one per-recipient block of a DSN's machine-readable
// part (RFC 3464 ), the decode-side counterpart of
// framework/dsn.RecipientInfo.
type RecipientStatus struct {
	FinalRecipient string
	Action string
	Status string
	DiagnosticCode string
	RemoteMTA string
}

// Report is the decoded result of either an OOB bounce or a feedback
// loop report.
type Report struct {
	Kind Kind

	// DSN fields (RFC 3464 /2.3).
	ReportingMTA string
	ReceivedFromMTA string
	ArrivalDate time.Time
	Recipients []RecipientStatus

	// ARF fields (RFC 5965 ).
	FeedbackType string
	OriginalMailFrom string
	OriginalRcptTo string
	SourceIP string
	ReportedDomain string
	UserAgent string

	// RawFields carries every machine-readable field this package didn't
	// promote to a named field above, keyed case-sensitively as received.
	RawFields map[string]string
}

// Decode reads a MIME message from r and attempts to parse it as a
// multipart/report. It returns ErrNotAReport (or a wrapped parse error)
// for anything that isn't one, including a plain non-multipart message.
func Decode(r io.Reader) (*Report, error) {
	br := bufio.NewReader(r)
	hdr, err := textproto.ReadHeader(br)
	if err != nil {
		return nil, fmt.Errorf("reportingest: reading top-level header: %w", err)
	}

	mediaType, params, err := mime.ParseMediaType(hdr.Get("Content-Type"))
	if err != nil || !strings.HasPrefix(mediaType, "multipart/report") {
		return nil, ErrNotAReport
	}

	reportType := strings.ToLower(params["report-type"])
	boundary := params["boundary"]
	if boundary == "" {
		return nil, fmt.Errorf("%w: missing boundary parameter", ErrNotAReport)
	}

	switch reportType {
	case "delivery-status":
		return decodeDSN(br, boundary)
	case "feedback-report":
		return decodeARF(br, boundary)
	default:
		return nil, fmt.Errorf("%w: report-type %q", ErrNotAReport, reportType)
	}
}

func decodeDSN(r io.Reader, boundary string) (*Report, error) {
	part, err := findMachinePart(r, boundary, "message/delivery-status", "message/global-delivery-status")
	if err != nil {
		return nil, err
	}

	pr := bufio.NewReader(part)
	mtaFields, err := textproto.ReadHeader(pr)
	if err != nil {
		return nil, fmt.Errorf("reportingest: reading DSN per-message fields: %w", err)
	}

	rep := &Report{
		Kind: KindDSN,
		ReportingMTA: stripAddressType(mtaFields.Get("Reporting-MTA")),
		ReceivedFromMTA: stripAddressType(mtaFields.Get("Received-From-MTA")),
		RawFields: make(map[string]string),
	}
	if v := mtaFields.Get("Arrival-Date"); v != "" {
		if t, err := mail.ParseDate(v); err == nil {
			rep.ArrivalDate = t
		}
	}
	copyUnknownFields(rep.RawFields, mtaFields, "Reporting-MTA", "Received-From-MTA", "Arrival-Date")

	for {
		fields, err := textproto.ReadHeader(pr)
		if err != nil {
			if err == io.EOF {
				break
			}
			return nil, fmt.Errorf("reportingest: reading DSN recipient fields: %w", err)
		}
		if fields.Len() == 0 {
			break
		}
		rep.Recipients = append(rep.Recipients, RecipientStatus{
			FinalRecipient: stripAddressType(fields.Get("Final-Recipient")),
			Action: fields.Get("Action"),
			Status: fields.Get("Status"),
			DiagnosticCode: fields.Get("Diagnostic-Code"),
			RemoteMTA: stripAddressType(fields.Get("Remote-MTA")),
		})
	}

	if rep.ReportingMTA == "" && len(rep.Recipients) == 0 {
		return nil, fmt.Errorf("reportingest: DSN machine-readable part had no usable fields")
	}
	return rep, nil
}

func decodeARF(r io.Reader, boundary string) (*Report, error) {
	part, err := findMachinePart(r, boundary, "message/feedback-report")
	if err != nil {
		return nil, err
	}

	pr := bufio.NewReader(part)
	fields, err := textproto.ReadHeader(pr)
	if err != nil {
		return nil, fmt.Errorf("reportingest: reading ARF fields: %w", err)
	}

	rep := &Report{
		Kind: KindARF,
		FeedbackType: fields.Get("Feedback-Type"),
		OriginalMailFrom: fields.Get("Original-Mail-From"),
		OriginalRcptTo: fields.Get("Original-Rcpt-To"),
		SourceIP: fields.Get("Source-IP"),
		ReportedDomain: fields.Get("Reported-Domain"),
		UserAgent: fields.Get("User-Agent"),
		RawFields: make(map[string]string),
	}
	copyUnknownFields(rep.RawFields, fields, "Feedback-Type", "Original-Mail-From", "Original-Rcpt-To",
		"Source-IP", "Reported-Domain", "User-Agent")

	if rep.FeedbackType == "" {
		return nil, fmt.Errorf("reportingest: ARF report missing Feedback-Type")
	}
	return rep, nil
}

// findMachinePart walks the multipart/report body for the first part
// whose Content-Type matches one of wantTypes, returning its body as an
// io.Reader positioned at the start of the part's content.
func findMachinePart(r io.Reader, boundary string, wantTypes ...string) (io.Reader, error) {
	mr := textproto.NewMultipartReader(r, boundary)
	for {
		part, err := mr.NextPart()
		if err != nil {
			if err == io.EOF {
				return nil, fmt.Errorf("reportingest: multipart/report had no machine-readable part")
			}
			return nil, fmt.Errorf("reportingest: reading multipart/report: %w", err)
		}
		ct, _, err := mime.ParseMediaType(part.Header.Get("Content-Type"))
		if err != nil {
			continue
		}
		for _, want := range wantTypes {
			if strings.EqualFold(ct, want) {
				return part, nil
			}
		}
	}
}

// stripAddressType strips a leading "type; " address-type qualifier
// (RFC 3464 's "dns;", "rfc822;", "utf8;" etc.) from a field value,
// the decode-side inverse of dsn.go's "dns; "+host construction.
func stripAddressType(v string) string {
	if i := strings.Index(v, ";"); i >= 0 {
		return strings.TrimSpace(v[i+1:])
	}
	return v
}

func copyUnknownFields(dst map[string]string, h textproto.Header, known ...string) {
	fields := h.Fields()
	for fields.Next() {
		key := fields.Key()
		skip := false
		for _, k := range known {
			if strings.EqualFold(k, key) {
				skip = true
				break
			}
		}
		if !skip {
			dst[key] = fields.Value()
		}
	}
}

// parseStatusClass extracts the first digit of an RFC 3464 enhanced
// status code ("5.1.1" -> 5), used by callers classifying a DSN
// recipient status as permanent vs transient. Returns 0 if status isn't
// well-formed.
func parseStatusClass(status string) int {
	status = strings.TrimSpace(status)
	i := strings.IndexByte(status, '.')
	if i <= 0 {
		return 0
	}
	n, err := strconv.Atoi(status[:i])
	if err != nil {
		return 0
	}
	return n
}
