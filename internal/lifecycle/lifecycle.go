// Package lifecycle sequences process startup and shutdown: Spool
// before configuration load, configuration before the ShapingStore, the
// ShapingStore before TSA subscription, and TSA subscription before the
// HTTP/SMTP listeners start accepting. It also owns the config_epoch
// counter and the graceful-drain shutdown order, built directly on the
// framework/hooks registry (EventShutdown/EventReload/EventConfigEpoch).
package lifecycle

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/kumomta/kumod/framework/hooks"
	"github.com/kumomta/kumod/internal/logging"
)

// Stage is one named step of the startup sequence. A Stage's Start runs
// in declared order; if any Stage fails to start, already-started
// stages are stopped in reverse order before the error is returned.
type Stage struct {
	Name string
	Start func(ctx context.Context) error
	// Stop, if non-nil, is invoked during graceful shutdown in the
	// reverse of declared Start order. It must be safe to call even if
	// Start was never reached (no-op in that case).
	Stop func() error
}

// Runner drives a fixed ordered sequence of startup stages and performs
// the reverse-order graceful drain on shutdown.
type Runner struct {
	log logging.Logger
	stages []Stage

	started []Stage
	epoch int64
}

// New returns a Runner over stages, executed in the given order.
func New(log logging.Logger, stages ...Stage) *Runner {
	return &Runner{log: log, stages: stages}
}

// Start runs every stage's Start function in order. On the first error
// it stops everything already started, in reverse order, and returns
// the error.
func (r *Runner) Start(ctx context.Context) error {
	for _, s := range r.stages {
		r.log.Debugf("lifecycle: starting %s", s.Name)
		if err := s.Start(ctx); err != nil {
			r.log.Error("lifecycle: stage failed to start", err, "stage", s.Name)
			r.shutdownStarted()
			return fmt.Errorf("lifecycle: stage %q: %w", s.Name, err)
		}
		r.started = append(r.started, s)
	}
	return nil
}

// Shutdown runs EventShutdown hooks, then stops every started stage in
// reverse order ("stop accepting new connections, drain
// active connection workers, persist all in-memory message state, close
// Spool last" -- achieved by declaring stages in that order so the
// reverse-order stop naturally closes Spool last).
func (r *Runner) Shutdown() {
	hooks.RunHooks(hooks.EventShutdown)
	r.shutdownStarted()
}

func (r *Runner) shutdownStarted() {
	for i := len(r.started) - 1; i >= 0; i-- {
		s := r.started[i]
		if s.Stop == nil {
			continue
		}
		r.log.Debugf("lifecycle: stopping %s", s.Name)
		if err := s.Stop(); err != nil {
			r.log.Error("lifecycle: stage failed to stop cleanly", err, "stage", s.Name)
		}
	}
	r.started = nil
}

// ConfigEpoch returns the current reload generation, starting at 0
// before the first reload.
func (r *Runner) ConfigEpoch() int64 {
	return atomic.LoadInt64(&r.epoch)
}

// Reload increments config_epoch and fires hooks.EventConfigEpoch so
// epoch-invalidating caches purge themselves, then hooks.EventReload for
// any reference-style reload hooks (secondary files: aliases, TLS certs).
// Call this after a configuration reload has already succeeded; a
// reload that fails validation must not call Reload.
func (r *Runner) Reload() int64 {
	epoch := atomic.AddInt64(&r.epoch, 1)
	hooks.RunHooks(hooks.EventConfigEpoch)
	hooks.RunHooks(hooks.EventReload)
	r.log.Debugf("lifecycle: config_epoch now %d", epoch)
	return epoch
}
