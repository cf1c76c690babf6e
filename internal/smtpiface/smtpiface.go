// Package smtpiface is the SMTP delivery-collaborator boundary: the
// queueing core invokes an SMTP client collaborator with (source, target
// host, message, TLS mode, timeouts) and receives a result variant
// {delivered|transient|permanent}. The wire protocol itself is out of
// scope for this package; it only defines the call shape and reuses
// emersion/go-smtp's error type for the (code, enhanced code, response)
// triple that outbound delivery is built on.
package smtpiface

import (
	"context"
	"time"

	gosmtp "github.com/emersion/go-smtp"

	"github.com/kumomta/kumod/internal/message"
	"github.com/kumomta/kumod/internal/shaping"
)

// Outcome classifies a single delivery attempt's result.
type Outcome int

const (
	Delivered Outcome = iota
	Transient
	Permanent
)

func (o Outcome) String() string {
	switch o {
	case Delivered:
		return "delivered"
	case Transient:
		return "transient"
	case Permanent:
		return "permanent"
	default:
		return "unknown"
	}
}

// Result is the outcome of one delivery attempt against one recipient.
type Result struct {
	Outcome Outcome
	Code int
	Enhanced gosmtp.EnhancedCode
	Response string
}

// AsError renders a non-delivered Result as a *gosmtp.SMTPError, the
// shape the reporting/bounce path expects.
func (r Result) AsError() *gosmtp.SMTPError {
	if r.Outcome == Delivered {
		return nil
	}
	return &gosmtp.SMTPError{
		Code: r.Code,
		EnhancedCode: r.Enhanced,
		Message: r.Response,
	}
}

// Request is everything a Client needs to attempt one delivery.
type Request struct {
	Source string // egress source name, for logging/identification
	BindAddr string // local address to dial from, empty = let the OS choose
	EHLOHost string
	ProxyURL string // SOCKS or HTTP proxy, empty = direct connection
	TargetHost string
	TargetPort int // 0 = the collaborator's default (25 for SMTP)
	Msg *message.Message
	Recipient message.Recipient
	TLSMode shaping.TLSMode
	DialTimeout time.Duration
	IOTimeout time.Duration
}

// Client is implemented by the SMTP wire-protocol collaborator. kumod's
// core never dials a socket itself; it calls Deliver and interprets the
// Result.
type Client interface {
	Deliver(ctx context.Context, req Request) (Result, error)
}
