package cfg

import (
	"fmt"
	"os"
)

// ValidationError collects every problem Validate found, so an operator
// running kumod --validate sees the whole list in one pass rather than
// fixing one mistake at a time.
type ValidationError struct {
	Problems []string
}

func (e *ValidationError) Error() string {
	msg := fmt.Sprintf("cfg: %d validation problem(s):", len(e.Problems))
	for _, p := range e.Problems {
		msg += "\n - " + p
	}
	return msg
}

// Validate deep-checks p beyond what TOML decoding alone catches.
// bindPolicy rebinds every section through framework/config.Map, the
// same directive binder maddy's modules use, catching missing
// required fields and out-of-range enums; what's left here is what
// Map can't express on its own: duplicate names, pool members naming
// a declared source, routes and default_pool naming a declared pool,
// and shaping documents existing on disk (startup validates
// configuration before the remaining stages run).
func (p *Policy) Validate() error {
	var problems []string

	bindPolicy(p, &problems)

	sourceNames := make(map[string]bool, len(p.Sources))
	for _, s := range p.Sources {
		if s.Name == "" {
			continue
		}
		if sourceNames[s.Name] {
			problems = append(problems, fmt.Sprintf("source %q: declared more than once", s.Name))
		}
		sourceNames[s.Name] = true
	}

	poolNames := make(map[string]bool, len(p.Pools))
	for _, pool := range p.Pools {
		if pool.Name == "" {
			continue
		}
		if poolNames[pool.Name] {
			problems = append(problems, fmt.Sprintf("pool %q: declared more than once", pool.Name))
		}
		poolNames[pool.Name] = true
		if len(pool.Members) == 0 {
			problems = append(problems, fmt.Sprintf("pool %q: has no members", pool.Name))
		}
		for _, m := range pool.Members {
			if !sourceNames[m.Source] {
				problems = append(problems, fmt.Sprintf("pool %q: references undeclared source %q", pool.Name, m.Source))
			}
		}
	}

	for _, r := range p.Routes {
		if r.Pattern == "" {
			problems = append(problems, "route: pattern is required")
		}
		if !poolNames[r.Pool] {
			problems = append(problems, fmt.Sprintf("route %q: references undeclared pool %q", r.Pattern, r.Pool))
		}
	}

	if p.DefaultPool != "" && !poolNames[p.DefaultPool] {
		problems = append(problems, fmt.Sprintf("default_pool references undeclared pool %q", p.DefaultPool))
	}
	if p.DefaultPool == "" && len(p.Routes) == 0 {
		problems = append(problems, "no default_pool and no route entries: every message would fail to resolve an egress pool")
	}

	if p.Retry.MaxRetryInterval.Duration() < p.Retry.RetryInterval.Duration() {
		problems = append(problems, "retry.max_retry_interval must be >= retry.retry_interval")
	}

	for _, doc := range p.Shaping.Documents {
		if _, err := os.Stat(doc); err != nil {
			problems = append(problems, fmt.Sprintf("shaping document %q: %v", doc, err))
		}
	}

	seenListener := make(map[string]bool, len(p.Listeners))
	for _, l := range p.Listeners {
		if l.Name == "" {
			continue
		}
		if seenListener[l.Name] {
			problems = append(problems, fmt.Sprintf("listener %q: declared more than once", l.Name))
		}
		seenListener[l.Name] = true
	}

	if len(problems) > 0 {
		return &ValidationError{Problems: problems}
	}
	return nil
}
