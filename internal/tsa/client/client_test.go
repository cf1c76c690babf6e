package client

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/kumomta/kumod/internal/logging"
	"github.com/kumomta/kumod/internal/logrecord"
	"github.com/kumomta/kumod/internal/shaping"
	"github.com/kumomta/kumod/internal/tsa"
	"github.com/kumomta/kumod/internal/tsa/server"

	"net/http/httptest"
)

func TestClientReplaysThenAppliesIncremental(t *testing.T) {
	engine := tsa.NewEngine()
	engine.SetRules([]shaping.AutomationRule{{Match: "TS04", Action: "suspend"}})
	engine.Ingest(logrecord.Record{Content: "TS04 pre-existing", EgressSource: "ip-1", SiteName: "site-a"})

	srv := server.New(engine, logging.Logger{Out: logging.NopOutput{}})
	httpSrv := httptest.NewServer(srv.Router())
	defer httpSrv.Close()

	var mu sync.Mutex
	var applied []tsa.Event

	c := New(httpSrv.URL, ApplierFunc(func(ev tsa.Event) {
		mu.Lock()
		applied = append(applied, ev)
		mu.Unlock()
	}), logging.Logger{Out: logging.NopOutput{}})

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	go c.Run(ctx)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		mu.Lock()
		n := len(applied)
		mu.Unlock()
		if n >= 1 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(applied) == 0 {
		t.Fatalf("expected at least the replayed event to be applied")
	}
	if applied[0].Source != "ip-1" {
		t.Fatalf("unexpected first applied event: %+v", applied[0])
	}
}
