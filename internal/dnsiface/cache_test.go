package dnsiface

import (
	"context"
	"net"
	"sync/atomic"
	"testing"
	"time"
)

type countingResolver struct {
	stubResolver
	calls int32
	mx []*net.MX
}

func (c *countingResolver) LookupMX(ctx context.Context, name string) ([]*net.MX, error) {
	atomic.AddInt32(&c.calls, 1)
	return c.mx, nil
}

// stubResolver satisfies the remaining Resolver methods with no-ops so
// the test fixture only needs to override LookupMX.
type stubResolver struct{}

func (stubResolver) LookupAddr(context.Context, string) ([]string, error) { return nil, nil }
func (stubResolver) LookupHost(context.Context, string) ([]string, error) { return nil, nil }
func (stubResolver) LookupTXT(context.Context, string) ([]string, error) { return nil, nil }
func (stubResolver) LookupIPAddr(context.Context, string) ([]net.IPAddr, error) {
	return nil, nil
}

func TestMXCacheServesFromCache(t *testing.T) {
	inner := &countingResolver{mx: []*net.MX{{Host: "mx1.example.com.", Pref: 10}}}
	cache := NewMXCache(inner, time.Minute)

	ctx := context.Background()
	for i := 0; i < 5; i++ {
		if _, err := cache.LookupMX(ctx, "example.com"); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}

	if inner.calls != 1 {
		t.Fatalf("expected 1 underlying lookup, got %d", inner.calls)
	}
}

func TestMXCacheExpires(t *testing.T) {
	inner := &countingResolver{mx: []*net.MX{{Host: "mx1.example.com.", Pref: 10}}}
	cache := NewMXCache(inner, time.Millisecond)

	ctx := context.Background()
	if _, err := cache.LookupMX(ctx, "example.com"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	time.Sleep(5 * time.Millisecond)
	if _, err := cache.LookupMX(ctx, "example.com"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if inner.calls != 2 {
		t.Fatalf("expected 2 underlying lookups after expiry, got %d", inner.calls)
	}
}

func TestMXCacheInvalidate(t *testing.T) {
	inner := &countingResolver{mx: []*net.MX{{Host: "mx1.example.com.", Pref: 10}}}
	cache := NewMXCache(inner, time.Minute)

	ctx := context.Background()
	cache.LookupMX(ctx, "example.com")
	cache.Invalidate("example.com")
	cache.LookupMX(ctx, "example.com")

	if inner.calls != 2 {
		t.Fatalf("expected invalidate to force a fresh lookup, got %d calls", inner.calls)
	}
}
