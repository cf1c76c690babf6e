package server

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/kumomta/kumod/internal/logging"
	"github.com/kumomta/kumod/internal/logrecord"
	"github.com/kumomta/kumod/internal/shaping"
	"github.com/kumomta/kumod/internal/tsa"
)

func newTestServer(t *testing.T) (*httptest.Server, *tsa.Engine) {
	t.Helper()
	engine := tsa.NewEngine()
	if errs := engine.SetRules([]shaping.AutomationRule{{
		Match:  "TS04",
		Action: "suspend",
	}}); len(errs) != 0 {
		t.Fatalf("SetRules: %v", errs)
	}

	s := New(engine, logging.Logger{Out: logging.NopOutput{}})
	return httptest.NewServer(s.Router()), engine
}

func TestPublishLogFeedsEngine(t *testing.T) {
	srv, engine := newTestServer(t)
	defer srv.Close()

	var got []tsa.Event
	engine.Subscribe(tsa.SubscriberFunc(func(ev tsa.Event) { got = append(got, ev) }))

	rec := logrecord.Record{Content: "550 TS04 blocked", EgressSource: "ip-1", SiteName: "site-a"}
	body, _ := json.Marshal(rec)

	resp, err := http.Post(srv.URL+"/publish_log_v1", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", resp.StatusCode)
	}

	if len(got) != 1 || got[0].Kind != tsa.EventReadyQSuspension {
		t.Fatalf("expected a ReadyQSuspension event, got %+v", got)
	}
}

func TestSubscribeEventsReplaysActiveSet(t *testing.T) {
	srv, engine := newTestServer(t)
	defer srv.Close()

	// Fire a suspension before any client connects.
	engine.Ingest(logrecord.Record{Content: "TS04 pre-existing", EgressSource: "ip-2", SiteName: "site-b"})

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/subscribe_event_v1"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var replayed tsa.Event
	if err := conn.ReadJSON(&replayed); err != nil {
		t.Fatalf("expected replayed event, got error: %v", err)
	}
	if replayed.Source != "ip-2" || replayed.SiteName != "site-b" {
		t.Fatalf("unexpected replayed event: %+v", replayed)
	}

	// A fresh suspension fires after the client has connected and should
	// arrive as an incremental event.
	engine.Ingest(logrecord.Record{Content: "TS04 fresh", EgressSource: "ip-3", SiteName: "site-c"})

	var incremental tsa.Event
	if err := conn.ReadJSON(&incremental); err != nil {
		t.Fatalf("expected incremental event, got error: %v", err)
	}
	if incremental.Source != "ip-3" {
		t.Fatalf("unexpected incremental event: %+v", incremental)
	}
}

func TestGetConfigServesOverlay(t *testing.T) {
	srv, engine := newTestServer(t)
	defer srv.Close()

	engine.SetRules([]shaping.AutomationRule{{
		Match:    "slow",
		Action:   "set_config",
		Options:  map[string]interface{}{"connection_limit": 1},
		Duration: "1h",
	}})
	engine.Ingest(logrecord.Record{Content: "slow down", SiteName: "site-a"})

	resp, err := http.Get(srv.URL + "/get_config_v1/shaping.toml")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
}
