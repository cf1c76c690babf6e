// Package server implements the TSA subscription protocol: the
// HTTP/WebSocket surface kumod instances talk to. Routing uses
// github.com/go-chi/chi/v5, and the event stream uses
// github.com/gorilla/websocket, promoted here to a direct dependency.
package server

import (
	"bytes"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"

	"github.com/kumomta/kumod/internal/logging"
	"github.com/kumomta/kumod/internal/logrecord"
	"github.com/kumomta/kumod/internal/shaping/tomldoc"
	"github.com/kumomta/kumod/internal/tsa"
)

// Server exposes the TSA daemon's three endpoints:
//
//	GET /get_config_v1/shaping.toml
//	POST /publish_log_v1
//	WS /subscribe_event_v1
type Server struct {
	Engine *tsa.Engine
	Log logging.Logger

	upgrader websocket.Upgrader
}

// New returns a Server fronting engine.
func New(engine *tsa.Engine, log logging.Logger) *Server {
	return &Server{
		Engine: engine,
		Log: log,
		upgrader: websocket.Upgrader{
			ReadBufferSize: 4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

// Router builds the chi router serving this Server's endpoints.
func (s *Server) Router() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/get_config_v1/shaping.toml", s.handleGetConfig)
	r.Post("/publish_log_v1", s.handlePublishLog)
	r.Get("/subscribe_event_v1", s.handleSubscribeEvents)
	return r
}

// handleGetConfig serves the TSA-generated shaping overlay document,
// encoded back to TOML so it can be loaded by the same
// internal/shaping/tomldoc.Source a kumod instance uses for its
// user-authored documents ("merged after user-provided
// shaping documents").
func (s *Server) handleGetConfig(w http.ResponseWriter, r *http.Request) {
	doc := s.Engine.Overlay()

	var buf bytes.Buffer
	if err := tomldoc.Encode(&buf, doc); err != nil {
		s.Log.Error("tsa server: failed to encode overlay", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/toml")
	w.Write(buf.Bytes())
}

// handlePublishLog decodes a single JSON-encoded log record from the
// request body and feeds it to the engine.
func (s *Server) handlePublishLog(w http.ResponseWriter, r *http.Request) {
	var rec logrecord.Record
	if err := json.NewDecoder(r.Body).Decode(&rec); err != nil {
		http.Error(w, "bad request: "+err.Error(), http.StatusBadRequest)
		return
	}
	s.Engine.Ingest(rec)
	w.WriteHeader(http.StatusNoContent)
}

// handleSubscribeEvents upgrades to a WebSocket and replays the current
// active set before forwarding every subsequent event: a reconnecting
// client must see the full current set of active suspensions before
// any incremental event, so it never applies a delta against state it
// never received.
func (s *Server) handleSubscribeEvents(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.Log.Error("tsa server: websocket upgrade failed", err)
		return
	}
	defer conn.Close()

	events := make(chan tsa.Event, 256)
	sub := tsa.SubscriberFunc(func(ev tsa.Event) {
		select {
		case events <- ev:
		default:
			// A slow reader drops events rather than blocking the
			// engine; the client's next reconnect gets a fresh replay.
		}
	})
	s.Engine.Subscribe(sub)

	for _, ev := range s.Engine.ActiveSuspensions() {
		if err := conn.WriteJSON(ev); err != nil {
			return
		}
	}

	pingTicker := time.NewTicker(30 * time.Second)
	defer pingTicker.Stop()

	closed := watchForClose(conn)

	for {
		select {
		case ev := <-events:
			if err := conn.WriteJSON(ev); err != nil {
				return
			}
		case <-pingTicker.C:
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-closed:
			return
		}
	}
}

// watchForClose runs a reader goroutine that only exists to detect the
// peer closing the connection (or sending unexpected data, which this
// protocol never expects from the client side), signaling done.
func watchForClose(conn *websocket.Conn) <-chan struct{} {
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
	return done
}
