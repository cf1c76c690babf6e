// Package dnsiface is the DNS external-collaborator boundary:
// it re-exports the framework/dns.Resolver interface untouched
// (net.DefaultResolver-backed implementation is still the
// concrete resolver used at runtime) and adds the process-wide MX result
// cache with request deduplication that SiteNameResolver and the ready
// queue's connection workers both need but that framework/dns never had
// a reason to provide on its own.
package dnsiface

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/miekg/dns"
	"golang.org/x/sync/singleflight"

	fwdns "github.com/kumomta/kumod/framework/dns"
)

// Resolver is the DNS lookup surface the queueing core depends on.
type Resolver = fwdns.Resolver

// DefaultResolver returns the net.DefaultResolver-backed implementation.
func DefaultResolver() Resolver { return fwdns.DefaultResolver() }

type mxCacheEntry struct {
	records []*net.MX
	err error
	expires time.Time
}

// MXCache wraps a Resolver with a TTL'd, singleflight-deduplicated cache
// of MX lookups, so that a burst of messages for the same domain issues
// one query instead of one per message.
type MXCache struct {
	inner Resolver
	ttl time.Duration

	group singleflight.Group

	mu sync.RWMutex
	entries map[string]mxCacheEntry
}

// NewMXCache wraps inner with a cache whose entries live for ttl.
func NewMXCache(inner Resolver, ttl time.Duration) *MXCache {
	return &MXCache{
		inner: inner,
		ttl: ttl,
		entries: make(map[string]mxCacheEntry),
	}
}

// LookupMX returns the MX records for name, serving from cache when a
// fresh entry exists and deduplicating concurrent misses for the same
// name via singleflight.
func (c *MXCache) LookupMX(ctx context.Context, name string) ([]*net.MX, error) {
	c.mu.RLock()
	entry, ok := c.entries[name]
	c.mu.RUnlock()
	if ok && time.Now().Before(entry.expires) {
		return entry.records, entry.err
	}

	v, err, _ := c.group.Do(name, func() (interface{}, error) {
		records, err := c.inner.LookupMX(ctx, name)
		c.mu.Lock()
		c.entries[name] = mxCacheEntry{
			records: records,
			err: err,
			expires: time.Now().Add(c.ttl),
		}
		c.mu.Unlock()
		return records, err
	})
	if err != nil {
		return nil, err
	}
	return v.([]*net.MX), nil
}

// Invalidate drops any cached entry for name, used after a delivery
// failure that suggests stale MX data (e.g. connection refused to every
// cached host).
func (c *MXCache) Invalidate(name string) {
	c.mu.Lock()
	delete(c.entries, name)
	c.mu.Unlock()
}

// Purge drops every cached entry, for hooks.EventConfigEpoch: a config
// reload may have changed which MX/A records matter (new routing_domain
// overrides, new sources), so stale cache entries from before the
// reload must not survive it.
func (c *MXCache) Purge() {
	c.mu.Lock()
	c.entries = make(map[string]mxCacheEntry)
	c.mu.Unlock()
}

// ToMiekgMX adapts the stdlib net.MX records this cache returns into the
// github.com/miekg/dns record type internal/sitename consumes. The two
// packages intentionally depend on different MX representations (this
// one the stdlib resolver boundary, sitename the miekg/dns-based
// canonicalizer); this is the one seam where they meet.
func ToMiekgMX(records []*net.MX) []*dns.MX {
	out := make([]*dns.MX, 0, len(records))
	for _, r := range records {
		out = append(out, &dns.MX{
			Hdr: dns.RR_Header{Name: r.Host, Rrtype: dns.TypeMX, Class: dns.ClassINET},
			Preference: r.Pref,
			Mx: r.Host,
		})
	}
	return out
}
