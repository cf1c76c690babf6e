package readyqueue

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/kumomta/kumod/framework/buffer"
	"github.com/kumomta/kumod/internal/egress"
	"github.com/kumomta/kumod/internal/logging"
	"github.com/kumomta/kumod/internal/message"
	"github.com/kumomta/kumod/internal/shaping"
	"github.com/kumomta/kumod/internal/smtpiface"
)

type fakeClient struct {
	mu          sync.Mutex
	maxObserved int32
	active      int32
	outcome     func(rcpt message.Recipient) smtpiface.Result
}

func (c *fakeClient) Deliver(ctx context.Context, req smtpiface.Request) (smtpiface.Result, error) {
	cur := atomic.AddInt32(&c.active, 1)
	defer atomic.AddInt32(&c.active, -1)

	c.mu.Lock()
	if cur > c.maxObserved {
		c.maxObserved = cur
	}
	c.mu.Unlock()

	time.Sleep(time.Millisecond)
	return c.outcome(req.Recipient), nil
}

type fakeSink struct {
	mu        sync.Mutex
	delivered []message.Recipient
	bounced   []message.Recipient
}

func (s *fakeSink) Delivered(key Key, msg *message.Message, rcpt message.Recipient, res smtpiface.Result) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.delivered = append(s.delivered, rcpt)
}

func (s *fakeSink) Bounced(key Key, msg *message.Message, rcpt message.Recipient, res smtpiface.Result, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.bounced = append(s.bounced, rcpt)
}

type fakeRequeuer struct {
	mu        sync.Mutex
	retried   []*message.Message
	deferred  []*message.Message
}

func (r *fakeRequeuer) RetryTransient(msg *message.Message) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.retried = append(r.retried, msg)
}

func (r *fakeRequeuer) Defer(msg *message.Message, delay time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.deferred = append(r.deferred, msg)
}

func newTestMessage(t *testing.T, addr string) *message.Message {
	t.Helper()
	rcpt, err := message.SplitRecipient(addr)
	if err != nil {
		t.Fatalf("SplitRecipient: %v", err)
	}
	body := buffer.MemoryBuffer{Slice: []byte("test")}
	msg, err := message.New("sender@example.com", []message.Recipient{rcpt}, body, time.Now(), time.Now().Add(time.Hour))
	if err != nil {
		t.Fatalf("message.New: %v", err)
	}
	return msg
}

func TestConnectionLimitNeverExceeded(t *testing.T) {
	client := &fakeClient{outcome: func(message.Recipient) smtpiface.Result {
		return smtpiface.Result{Outcome: smtpiface.Delivered}
	}}
	sink := &fakeSink{}
	requeuer := &fakeRequeuer{}

	cfg := shaping.EgressPathConfig{ConnectionLimit: 2, MaxDeliveriesPerConnection: 1, IdleTimeoutSeconds: 1}
	q := New(Key{Source: "ip-1", SiteName: "site"}, cfg, egress.Source{Name: "ip-1"}, client, sink, requeuer, logging.Logger{Name: "test"}, nil, nil)
	q.Start()
	defer q.Stop()

	const n = 20
	for i := 0; i < n; i++ {
		msg := newTestMessage(t, "a@x.com")
		if err := q.Enqueue(msg); err != nil {
			t.Fatalf("Enqueue: %v", err)
		}
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		sink.mu.Lock()
		got := len(sink.delivered)
		sink.mu.Unlock()
		if got >= n {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for deliveries, got %d/%d", got, n)
		}
		time.Sleep(time.Millisecond)
	}

	if client.maxObserved > 2 {
		t.Fatalf("observed %d concurrent deliveries, want <= connection_limit (2)", client.maxObserved)
	}
}

func TestTransientOutcomeRequeues(t *testing.T) {
	client := &fakeClient{outcome: func(message.Recipient) smtpiface.Result {
		return smtpiface.Result{Outcome: smtpiface.Transient, Code: 450}
	}}
	sink := &fakeSink{}
	requeuer := &fakeRequeuer{}

	cfg := shaping.EgressPathConfig{ConnectionLimit: 1, MaxDeliveriesPerConnection: 1, IdleTimeoutSeconds: 1}
	q := New(Key{Source: "ip-1", SiteName: "site"}, cfg, egress.Source{Name: "ip-1"}, client, sink, requeuer, logging.Logger{Name: "test"}, nil, nil)
	q.Start()
	defer q.Stop()

	msg := newTestMessage(t, "a@x.com")
	if err := q.Enqueue(msg); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	deadline := time.Now().Add(time.Second)
	for {
		requeuer.mu.Lock()
		n := len(requeuer.retried)
		requeuer.mu.Unlock()
		if n == 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("message was not requeued as transient")
		}
		time.Sleep(time.Millisecond)
	}

	if len(sink.bounced) != 1 {
		t.Fatalf("expected one Bounced callback for the transient attempt, got %d", len(sink.bounced))
	}
}

func TestEnqueueRejectsWhenSuspended(t *testing.T) {
	client := &fakeClient{outcome: func(message.Recipient) smtpiface.Result {
		return smtpiface.Result{Outcome: smtpiface.Delivered}
	}}
	cfg := shaping.EgressPathConfig{ConnectionLimit: 1, MaxDeliveriesPerConnection: 1, IdleTimeoutSeconds: 1}
	q := New(Key{Source: "ip-1", SiteName: "site"}, cfg, egress.Source{Name: "ip-1"}, client, &fakeSink{}, &fakeRequeuer{}, logging.Logger{Name: "test"}, nil, nil)
	q.Start()
	defer q.Stop()

	q.Suspend(time.Now().Add(time.Minute))

	msg := newTestMessage(t, "a@x.com")
	if err := q.Enqueue(msg); err != ErrSuspended {
		t.Fatalf("Enqueue during suspension: got %v, want ErrSuspended", err)
	}
}
