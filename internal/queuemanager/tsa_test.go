package queuemanager

import (
	"testing"
	"time"

	"github.com/kumomta/kumod/framework/buffer"
	"github.com/kumomta/kumod/internal/egress"
	"github.com/kumomta/kumod/internal/logging"
	"github.com/kumomta/kumod/internal/message"
	"github.com/kumomta/kumod/internal/readyqueue"
	"github.com/kumomta/kumod/internal/scheduledqueue"
	"github.com/kumomta/kumod/internal/shaping"
	"github.com/kumomta/kumod/internal/tsa"
)

func newTestMessage(t *testing.T, from, to string, due, expires time.Time) *message.Message {
	t.Helper()
	rcpt, err := message.SplitRecipient(to)
	if err != nil {
		t.Fatalf("SplitRecipient(%q): %v", to, err)
	}
	msg, err := message.New(from, []message.Recipient{rcpt}, buffer.MemoryBuffer{Slice: []byte("test")}, due, expires)
	if err != nil {
		t.Fatalf("message.New: %v", err)
	}
	return msg
}

func TestTsaStateSuspensionExpiresAndMatches(t *testing.T) {
	var s tsaState
	key := scheduledqueue.Key{Tenant: "acme", Domain: "example.com"}

	if until := s.suspendedUntil(key, time.Now()); !until.IsZero() {
		t.Fatalf("expected no suspension initially, got %v", until)
	}

	future := time.Now().Add(time.Hour)
	s.suspend(schedSuspension{tenant: "acme", until: future})
	s.suspend(schedSuspension{domain: "unrelated.test", until: future})

	got := s.suspendedUntil(key, time.Now())
	if !got.Equal(future) {
		t.Fatalf("expected suspension until %v, got %v", future, got)
	}

	// A key that matches neither suspension sees none.
	other := scheduledqueue.Key{Tenant: "other-tenant", Domain: "example.org"}
	if until := s.suspendedUntil(other, time.Now()); !until.IsZero() {
		t.Fatalf("expected no suspension for unrelated key, got %v", until)
	}

	// Past the expiry, the suspension is pruned and no longer reported.
	if until := s.suspendedUntil(key, future.Add(time.Second)); !until.IsZero() {
		t.Fatalf("expected expired suspension to be pruned, got %v", until)
	}
}

func TestTsaStateBounceIsOneShot(t *testing.T) {
	var s tsaState
	key := scheduledqueue.Key{Campaign: "spring-sale"}

	if s.shouldBounce(key) {
		t.Fatalf("expected no bounce instruction initially")
	}

	s.addBounce(schedSuspension{campaign: "spring-sale"})

	if !s.shouldBounce(key) {
		t.Fatalf("expected bounce instruction to fire")
	}
	if s.shouldBounce(key) {
		t.Fatalf("expected bounce instruction to be consumed after first match")
	}
}

func TestManagerApplyEventRoutesSchedQEffects(t *testing.T) {
	m := &Manager{tracking: make(map[string]*trackingEntry)}

	m.ApplyEvent(tsa.Event{
		Kind:    tsa.EventSchedQSuspension,
		Tenant:  "acme",
		Expires: time.Now().Add(time.Hour),
	})
	key := scheduledqueue.Key{Tenant: "acme"}
	if until := m.tsa.suspendedUntil(key, time.Now()); until.IsZero() {
		t.Fatalf("expected SchedQSuspension event to register a suspension")
	}

	m.ApplyEvent(tsa.Event{Kind: tsa.EventSchedQBounce, Campaign: "spring-sale"})
	if !m.tsa.shouldBounce(scheduledqueue.Key{Campaign: "spring-sale"}) {
		t.Fatalf("expected SchedQBounce event to register a bounce instruction")
	}
}

func TestManagerApplyEventRoutesReadyQSuspensionBySource(t *testing.T) {
	ready := readyqueue.NewManager(nil, nil, nil, logging.Logger{Out: logging.NopOutput{}})
	rqKey := readyqueue.Key{Source: "ip-1", SiteName: "mx.example.com"}
	q := ready.GetOrCreate(rqKey, shaping.EgressPathConfig{}, egress.Source{Name: "ip-1"}, nil, nil)
	q.Start()
	defer q.Stop()

	m := &Manager{tracking: make(map[string]*trackingEntry), ready: ready}

	m.ApplyEvent(tsa.Event{
		Kind:    tsa.EventReadyQSuspension,
		Source:  "ip-1",
		Expires: time.Now().Add(time.Hour),
	})

	if err := q.Enqueue(nil); err != readyqueue.ErrSuspended {
		t.Fatalf("expected ready queue suspended by source-scoped event, got err=%v", err)
	}
}

func TestManagerApplyEventRoutesReadyQSuspensionByKey(t *testing.T) {
	ready := readyqueue.NewManager(nil, nil, nil, logging.Logger{Out: logging.NopOutput{}})
	rqKey := readyqueue.Key{Source: "ip-2", SiteName: "mx.example.net"}
	q := ready.GetOrCreate(rqKey, shaping.EgressPathConfig{}, egress.Source{Name: "ip-2"}, nil, nil)
	q.Start()
	defer q.Stop()

	m := &Manager{tracking: make(map[string]*trackingEntry), ready: ready}

	m.ApplyEvent(tsa.Event{
		Kind:     tsa.EventReadyQSuspension,
		Source:   "ip-2",
		SiteName: "mx.example.net",
		Expires:  time.Now().Add(time.Hour),
	})

	if err := q.Enqueue(nil); err != readyqueue.ErrSuspended {
		t.Fatalf("expected ready queue suspended by (source, site_name) event, got err=%v", err)
	}
}

func TestManagerAdminRebindMovesTrackedMessage(t *testing.T) {
	m := &Manager{
		sched:    scheduledqueue.New(scheduledqueue.RetryPolicy{RetryInterval: time.Minute, MaxRetryInterval: time.Hour, MaxAge: 24 * time.Hour}),
		tracking: make(map[string]*trackingEntry),
		log:      logging.Logger{Out: logging.NopOutput{}},
	}
	defer m.sched.Close()

	msg := newTestMessage(t, "from@example.com", "to@example.com", time.Now().Add(time.Hour), time.Now().Add(48*time.Hour))
	oldKey := scheduledqueue.Key{Domain: "example.com", Tenant: "old-tenant"}
	newKey := scheduledqueue.Key{Domain: "example.com", Tenant: "new-tenant"}
	createdAt := time.Now()

	m.track(msg.ID(), oldKey, createdAt, msg)

	if ok := m.AdminRebind("nonexistent-id", newKey); ok {
		t.Fatalf("expected AdminRebind to report false for an untracked id")
	}

	if ok := m.AdminRebind(msg.ID(), newKey); !ok {
		t.Fatalf("expected AdminRebind to succeed for a tracked id")
	}

	entry, ok := m.lookup(msg.ID())
	if !ok {
		t.Fatalf("expected message to remain tracked after rebind")
	}
	if entry.Key != newKey {
		t.Fatalf("expected tracking entry key to be updated to %v, got %v", newKey, entry.Key)
	}
}
