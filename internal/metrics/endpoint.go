package metrics

import (
	"errors"
	"net"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/kumomta/kumod/internal/logging"
)

// Endpoint serves /metrics over plain HTTP, the same shape the teacher's
// openmetrics endpoint uses: a dedicated net/http.Server behind its own
// listener, independent of the reception/report listeners.
type Endpoint struct {
	log logging.Logger
	srv http.Server
	ln net.Listener
}

// Listen binds addr and prepares the endpoint; the caller starts serving
// with Serve once the rest of startup has succeeded.
func Listen(addr string, log logging.Logger) (*Endpoint, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	return &Endpoint{log: log, srv: http.Server{Handler: mux}, ln: ln}, nil
}

// Serve runs the endpoint's HTTP server until Close is called.
func (e *Endpoint) Serve() {
	e.log.Printf("metrics: listening on %s", e.ln.Addr())
	if err := e.srv.Serve(e.ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		e.log.Error("metrics: serve failed", err)
	}
}

func (e *Endpoint) Close() error {
	return e.srv.Close()
}
