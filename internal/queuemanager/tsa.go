package queuemanager

import (
	"sync"
	"time"

	"github.com/kumomta/kumod/internal/logrecord"
	"github.com/kumomta/kumod/internal/readyqueue"
	"github.com/kumomta/kumod/internal/scheduledqueue"
	"github.com/kumomta/kumod/internal/tsa"
)

func readyQueueKeyFromEvent(ev tsa.Event) readyqueue.Key {
	return readyqueue.Key{Source: ev.Source, SiteName: ev.SiteName}
}

// schedSuspension is a scheduled-queue-tier effect applied by the TSA
// engine: a SchedQSuspension holds promotion of any
// message whose key matches until Expires; a SchedQBounce is a one-shot
// instruction to bounce (rather than promote) the next matching
// promotion.
type schedSuspension struct {
	campaign, tenant, domain string
	until time.Time
}

func (s schedSuspension) matches(key scheduledqueue.Key) bool {
	if s.campaign != "" && s.campaign != key.Campaign {
		return false
	}
	if s.tenant != "" && s.tenant != key.Tenant {
		return false
	}
	if s.domain != "" && s.domain != key.Domain {
		return false
	}
	return true
}

// tsaState holds every TSA-driven effect a Manager currently has active,
// consulted at promotion time (scheduled-queue effects) and applied
// directly to the ready-queue/egress-pool layer (ready-queue effects).
type tsaState struct {
	mu sync.Mutex
	suspensions []schedSuspension
	bounce []schedSuspension
}

func (s *tsaState) suspend(sus schedSuspension) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.suspensions = append(s.suspensions, sus)
}

func (s *tsaState) addBounce(b schedSuspension) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.bounce = append(s.bounce, b)
}

// suspendedUntil reports the furthest-future active suspension matching
// key, or the zero Time if none apply.
func (s *tsaState) suspendedUntil(key scheduledqueue.Key, now time.Time) time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()

	var latest time.Time
	kept := s.suspensions[:0]
	for _, sus := range s.suspensions {
		if !sus.until.IsZero() && !now.Before(sus.until) {
			continue // expired, drop
		}
		kept = append(kept, sus)
		if sus.matches(key) && sus.until.After(latest) {
			latest = sus.until
		}
	}
	s.suspensions = kept
	return latest
}

// shouldBounce reports and consumes a one-shot bounce instruction
// matching key, if any.
func (s *tsaState) shouldBounce(key scheduledqueue.Key) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, b := range s.bounce {
		if b.matches(key) {
			s.bounce = append(s.bounce[:i], s.bounce[i+1:]...)
			return true
		}
	}
	return false
}

// ApplyEvent implements tsa/client.Applier: it routes a decoded TSA
// Event to the ready-queue layer (ReadyQSuspension) or this Manager's
// scheduled-queue-tier state (SchedQSuspension, SchedQBounce).
func (m *Manager) ApplyEvent(ev tsa.Event) {
	switch ev.Kind {
	case tsa.EventReadyQSuspension:
		if ev.Source != "" && ev.SiteName == "" {
			m.ready.SuspendSource(ev.Source, ev.Expires)
			return
		}
		m.ready.Suspend(readyQueueKeyFromEvent(ev), ev.Expires)
	case tsa.EventSchedQSuspension:
		m.tsa.suspend(schedSuspension{campaign: ev.Campaign, tenant: ev.Tenant, domain: ev.Domain, until: ev.Expires})
	case tsa.EventSchedQBounce:
		m.tsa.addBounce(schedSuspension{campaign: ev.Campaign, tenant: ev.Tenant, domain: ev.Domain})
	}
}

// IngestLogRecord feeds rec to the manager's own embedded automation
// engine, letting TSA run in-process instead of as a separate
// kumo-tsa-daemon, fed from the same log stream the operational Logger
// already emits through.
func (m *Manager) IngestLogRecord(rec logrecord.Record) {
	if m.tsaEngine != nil {
		m.tsaEngine.Ingest(rec)
	}
}
