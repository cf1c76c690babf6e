package readyqueue

import (
	"sync"
	"time"

	"github.com/kumomta/kumod/internal/egress"
	"github.com/kumomta/kumod/internal/logging"
	"github.com/kumomta/kumod/internal/shaping"
	"github.com/kumomta/kumod/internal/smtpiface"
)

// Manager owns the set of ready queues created on demand, one per
// distinct Key seen ("For each (source, site_name) pair
// seen, a ready queue is created on demand").
type Manager struct {
	client smtpiface.Client
	sink ResultSink
	requeuer Requeuer
	log logging.Logger

	mu sync.Mutex
	queues map[string]*Queue
}

// NewManager returns an empty Manager. client is the SMTP delivery
// collaborator every created Queue shares; sink and requeuer route
// outcomes back to the QueueManager.
func NewManager(client smtpiface.Client, sink ResultSink, requeuer Requeuer, log logging.Logger) *Manager {
	return &Manager{
		client: client,
		sink: sink,
		requeuer: requeuer,
		log: log,
		queues: make(map[string]*Queue),
	}
}

// GetOrCreate returns the Queue for key, creating and starting it with
// cfg/source if this is the first time key has been seen. Subsequent
// calls for the same key ignore cfg/source: the config snapshot in
// force when the queue was created stays with the queue for its
// lifetime, and nothing recreates queues on a config_epoch change.
func (m *Manager) GetOrCreate(key Key, cfg shaping.EgressPathConfig, source egress.Source, msgRate, connRate rateLimiter) *Queue {
	k := key.String()

	m.mu.Lock()
	defer m.mu.Unlock()

	if q, ok := m.queues[k]; ok {
		return q
	}

	q := New(key, cfg, source, m.client, m.sink, m.requeuer, m.log, msgRate, connRate)
	q.Start()
	m.queues[k] = q
	return q
}

// Lookup returns the existing Queue for key, if any.
func (m *Manager) Lookup(key Key) (*Queue, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	q, ok := m.queues[key.String()]
	return q, ok
}

// Suspend marks the existing ready queue for key suspended until until.
// If no queue exists for key yet, Suspend does nothing, and a queue
// created afterwards starts unsuspended. The TSA client drains the
// daemon's replayed active set each time it reconnects, which
// re-asserts still-active suspensions at that point.
func (m *Manager) Suspend(key Key, until time.Time) {
	m.mu.Lock()
	q, ok := m.queues[key.String()]
	m.mu.Unlock()
	if ok {
		q.Suspend(until)
	}
}

// SuspendSource suspends every ready queue currently using the named
// egress source, used by a TSA Suspend action scoped to a source rather
// than a single (source, site_name) pair.
func (m *Manager) SuspendSource(source string, until time.Time) {
	m.mu.Lock()
	var matches []*Queue
	for _, q := range m.queues {
		if q.Key.Source == source {
			matches = append(matches, q)
		}
	}
	m.mu.Unlock()
	for _, q := range matches {
		q.Suspend(until)
	}
}

// StopAll stops every managed queue, for graceful shutdown.
func (m *Manager) StopAll() {
	m.mu.Lock()
	queues := make([]*Queue, 0, len(m.queues))
	for _, q := range m.queues {
		queues = append(queues, q)
	}
	m.mu.Unlock()

	for _, q := range queues {
		q.Stop()
	}
}

// Snapshot returns the set of keys currently tracked, for diagnostics
// and tests.
func (m *Manager) Snapshot() []Key {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Key, 0, len(m.queues))
	for _, q := range m.queues {
		out = append(out, q.Key)
	}
	return out
}
