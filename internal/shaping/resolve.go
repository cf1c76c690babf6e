package shaping

// AutomationRule is one entry of a block's automation list.
// The TSA engine owns rule evaluation; shaping only carries the rules
// through to it, concatenated in match order.
type AutomationRule struct {
	Match string // regex matched against the log record's content/code
	Trigger string // "immediate" | "threshold" | other named trigger
	Threshold int
	Window string // e.g. "5m", interpreted by the TSA engine
	Action string // "suspend" | "suspend_tenant" | "set_config"
	Duration string
	Options map[string]interface{}

	// MatchInternal narrows which records this rule considers, beyond
	// the regex match against content, to specific tenants, domains or
	// response codes. Any empty field means unconstrained on that
	// dimension.
	MatchInternal MatchInternal
}

// MatchInternal is the optional scoping predicate of an AutomationRule.
type MatchInternal struct {
	Tenant string
	Domain string
	Codes []int
}

// Matches reports whether rec's tenant/domain/code satisfy every
// constrained dimension of m. An empty MatchInternal matches everything.
func (m MatchInternal) Matches(tenant, domain string, code int) bool {
	if m.Tenant != "" && m.Tenant != tenant {
		return false
	}
	if m.Domain != "" && m.Domain != domain {
		return false
	}
	if len(m.Codes) > 0 {
		found := false
		for _, c := range m.Codes {
			if c == code {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

// Resolve builds the effective EgressPathConfig for (domain, source,
// siteName, mxHosts), applying blocks in the exact order:
//
// 1. default
// 2. each matching provider
// 3. each matching provider + sources[source]
// 4. site(site_name)
// 5. domain(domain) (only if declared with mx_rollup=false)
// 6. site(site_name) + sources[source]
// 7. domain(domain) + sources[source]
func (s *Store) Resolve(domain, source, siteName string, mxHosts []string) (EgressPathConfig, []AutomationRule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	acc := newAccumulator()

	if s.defaultBlock != nil {
		acc.apply(s.defaultBlock)
	}

	matchingProviders := s.matchingProviders(domain, mxHosts)
	for _, b := range matchingProviders {
		acc.apply(b)
	}
	for _, b := range matchingProviders {
		if sub, ok := b.Sources[source]; ok {
			acc.apply(sub)
		}
	}

	siteBlock := s.sites[siteName]
	if siteBlock != nil {
		acc.apply(siteBlock)
	}

	domainBlock := s.domains[domain]
	if domainBlock != nil && domainBlock.MXRollupFalse {
		acc.apply(domainBlock)
	}

	if siteBlock != nil {
		if sub, ok := siteBlock.Sources[source]; ok {
			acc.apply(sub)
		}
	}
	if domainBlock != nil && domainBlock.MXRollupFalse {
		if sub, ok := domainBlock.Sources[source]; ok {
			acc.apply(sub)
		}
	}

	cfg, err := acc.build()
	return cfg, acc.automation, err
}

func (s *Store) matchingProviders(domain string, mxHosts []string) []*Block {
	var out []*Block
	for _, b := range s.providers {
		for _, pred := range b.Match {
			if pred.Matches(domain, mxHosts) {
				out = append(out, b)
				break
			}
		}
	}
	return out
}

// accumulator merges blocks in resolution order into a raw option map
// before the final typed build, so later steps can overwrite earlier
// ones option-by-option exactly as the per-document merge does.
type accumulator struct {
	options map[string]interface{}
	addConnLim map[string]int
	addRate map[string]Rate
	automation []AutomationRule
}

func newAccumulator() *accumulator {
	return &accumulator{
		options: make(map[string]interface{}),
		addConnLim: make(map[string]int),
		addRate: make(map[string]Rate),
	}
}

func (a *accumulator) apply(b *Block) {
	for k, v := range b.Options {
		switch k {
		case "additional_connection_limits":
			if m, ok := v.(map[string]int); ok {
				for name, lim := range m {
					a.addConnLim[name] = lim
				}
				continue
			}
		case "additional_message_rate_throttles":
			if m, ok := v.(map[string]Rate); ok {
				for name, r := range m {
					a.addRate[name] = r
				}
				continue
			}
		}
		a.options[k] = v
	}
	a.automation = append(a.automation, b.Automation...)
}

func (a *accumulator) build() (EgressPathConfig, error) {
	cfg := newEgressPathConfig()

	for k, v := range a.options {
		if err := assign(&cfg, k, v); err != nil {
			return cfg, err
		}
	}
	for name, lim := range a.addConnLim {
		cfg.AdditionalConnectionLimits[name] = lim
	}
	for name, r := range a.addRate {
		cfg.AdditionalMessageRateThrottles[name] = r
	}

	return cfg, nil
}
