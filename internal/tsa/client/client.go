// Package client implements the kumod side of the TSA subscription
// protocol: it reconnects to the TSA daemon's
// WS /subscribe_event_v1 with backoff, always draining the replayed
// active set before applying incremental events, and forwards outbound
// log records to POST /publish_log_v1 as a logrecord.Sink.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/kumomta/kumod/internal/logging"
	"github.com/kumomta/kumod/internal/logrecord"
	"github.com/kumomta/kumod/internal/tsa"
)

// Applier receives decoded events and applies their effect to the local
// ready-queue/scheduled-queue state. internal/queuemanager.Manager
// implements it with its ApplyEvent method, which cmd/kumod passes
// wrapped in ApplierFunc.
type Applier interface {
	ApplyEvent(tsa.Event)
}

// ApplierFunc adapts a plain function to Applier.
type ApplierFunc func(tsa.Event)

func (f ApplierFunc) ApplyEvent(ev tsa.Event) { f(ev) }

// Client maintains one reconnecting WebSocket subscription against a
// TSA daemon's BaseURL, and offers Sink for publishing outbound log
// records to the same daemon over HTTP.
type Client struct {
	BaseURL string // e.g. "http://localhost:8008"
	Apply Applier
	Log logging.Logger

	httpClient *http.Client
	dialer *websocket.Dialer
}

// New returns a Client. A zero-value Log is fine; it just means no
// reconnect diagnostics are printed.
func New(baseURL string, apply Applier, log logging.Logger) *Client {
	return &Client{
		BaseURL: strings.TrimRight(baseURL, "/"),
		Apply: apply,
		Log: log,
		httpClient: &http.Client{Timeout: 10 * time.Second},
		dialer: websocket.DefaultDialer,
	}
}

// Accept implements logrecord.Sink: every record the local Logger emits
// is POSTed to the TSA daemon's /publish_log_v1 endpoint.
func (c *Client) Accept(rec logrecord.Record) {
	body, err := json.Marshal(rec)
	if err != nil {
		return
	}
	resp, err := c.httpClient.Post(c.BaseURL+"/publish_log_v1", "application/json", bytes.NewReader(body))
	if err != nil {
		c.Log.Debugf("tsa client: publish_log_v1 failed: %v", err)
		return
	}
	resp.Body.Close()
}

var _ logrecord.Sink = (*Client)(nil)

// Run maintains the event subscription until ctx is canceled, reconnecting
// with exponential backoff (capped at 30s) on every disconnect. A
// connection that stays up long enough to receive at least one message
// resets the backoff, so a daemon restart followed by a quick recovery
// doesn't leave kumod waiting out a long delay from an earlier outage.
func (c *Client) Run(ctx context.Context) {
	backoff := time.Second
	for {
		if ctx.Err() != nil {
			return
		}
		connected, err := c.runOnce(ctx)
		if err != nil {
			c.Log.Debugf("tsa client: subscription error: %v", err)
		}
		if connected {
			backoff = time.Second
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > 30*time.Second {
			backoff = 30 * time.Second
		}
	}
}

// runOnce dials, drains the replayed active set, and forwards
// incremental events until the connection drops. Its bool result
// reports whether at least one event (replayed or incremental) was
// successfully received, used by Run to decide whether to reset backoff.
func (c *Client) runOnce(ctx context.Context) (bool, error) {
	wsURL := "ws" + strings.TrimPrefix(c.BaseURL, "http") + "/subscribe_event_v1"
	conn, _, err := c.dialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return false, err
	}
	defer conn.Close()

	go func() {
		<-ctx.Done()
		conn.Close()
	}()

	received := false
	for {
		var ev tsa.Event
		if err := conn.ReadJSON(&ev); err != nil {
			return received, err
		}
		received = true
		c.Apply.ApplyEvent(ev)
	}
}
