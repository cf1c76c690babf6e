package cfg

import (
	"fmt"

	"github.com/kumomta/kumod/internal/domainmap"
	"github.com/kumomta/kumod/internal/egress"
	"github.com/kumomta/kumod/internal/scheduledqueue"
	"github.com/kumomta/kumod/internal/shaping"
	"github.com/kumomta/kumod/internal/shaping/tomldoc"
	"github.com/kumomta/kumod/internal/spool"
	"github.com/kumomta/kumod/internal/spool/filebackend"
	"github.com/kumomta/kumod/internal/spool/sqlitebackend"
)

// BuildPools constructs one egress.Pool per PoolConfig and a
// domainmap.Map routing routing_domain/domain patterns to them, plus the
// named default pool if p.DefaultPool is set. Call Validate first; this
// assumes referential integrity already holds.
func (p *Policy) BuildPools() (*domainmap.Map[*egress.Pool], *egress.Pool, error) {
	sources := make(map[string]egress.Source, len(p.Sources))
	for _, s := range p.Sources {
		sources[s.Name] = egress.Source{
			Name:     s.Name,
			BindAddr: s.BindAddr,
			EHLOHost: s.EHLOHost,
			ProxyURL: s.ProxyURL,
			Disabled: s.Disabled,
		}
	}

	pools := make(map[string]*egress.Pool, len(p.Pools))
	for _, pc := range p.Pools {
		pool := egress.NewPool(pc.Name)
		for _, m := range pc.Members {
			weight := m.Weight
			if weight <= 0 {
				weight = 1
			}
			pool.AddSource(sources[m.Source], weight)
		}
		pools[pc.Name] = pool
	}

	routes := domainmap.New[*egress.Pool]()
	for _, r := range p.Routes {
		pool, ok := pools[r.Pool]
		if !ok {
			return nil, nil, fmt.Errorf("cfg: route %q references unknown pool %q", r.Pattern, r.Pool)
		}
		routes.Set(r.Pattern, pool)
	}

	var defaultPool *egress.Pool
	if p.DefaultPool != "" {
		var ok bool
		defaultPool, ok = pools[p.DefaultPool]
		if !ok {
			return nil, nil, fmt.Errorf("cfg: default_pool references unknown pool %q", p.DefaultPool)
		}
	}

	return routes, defaultPool, nil
}

// BuildSpool opens the configured spool backend and wraps it in a
// spool.Spool.
func (p *Policy) BuildSpool() (*spool.Spool, error) {
	switch p.Spool.Backend {
	case "file":
		b, err := filebackend.Open(p.Spool.Path)
		if err != nil {
			return nil, fmt.Errorf("cfg: opening file spool at %s: %w", p.Spool.Path, err)
		}
		return spool.New(b), nil
	case "sqlite":
		interval := p.Spool.CheckpointInterval.Duration()
		b, err := sqlitebackend.Open(p.Spool.Path, interval)
		if err != nil {
			return nil, fmt.Errorf("cfg: opening sqlite spool at %s: %w", p.Spool.Path, err)
		}
		return spool.New(b), nil
	default:
		return nil, fmt.Errorf("cfg: unrecognized spool backend %q", p.Spool.Backend)
	}
}

// BuildShapingStore loads every configured shaping document, in order,
// into a fresh shaping.Store, installing the source catalog derived
// from p.Sources first so per-source sub-blocks validate against it.
func (p *Policy) BuildShapingStore() (*shaping.Store, error) {
	store := shaping.NewStore()

	names := make([]string, 0, len(p.Sources))
	for _, s := range p.Sources {
		names = append(names, s.Name)
	}
	store.SetSourceCatalog(names, p.Shaping.StrictSource)

	for _, path := range p.Shaping.Documents {
		doc, err := (tomldoc.Source{Path: path}).Load()
		if err != nil {
			return nil, fmt.Errorf("cfg: loading shaping document %s: %w", path, err)
		}
		if _, err := store.Load(doc); err != nil {
			return nil, fmt.Errorf("cfg: merging shaping document %s: %w", path, err)
		}
	}

	return store, nil
}

// RetryPolicy converts the decoded RetryConfig into a
// scheduledqueue.RetryPolicy.
func (c RetryConfig) RetryPolicy() scheduledqueue.RetryPolicy {
	return scheduledqueue.RetryPolicy{
		RetryInterval:    c.RetryInterval.Duration(),
		MaxRetryInterval: c.MaxRetryInterval.Duration(),
		MaxAge:           c.MaxAge.Duration(),
	}
}
