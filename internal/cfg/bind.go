package cfg

import (
	"time"

	"github.com/kumomta/kumod/framework/config"
)

// bindPolicy re-validates the shape of the already-TOML-decoded policy
// through framework/config.Map, the same reflection-based directive
// binder maddy's own modules use to bind and type-check a config block.
// TOML decoding already produced typed Go values; this pass
// re-expresses each section as its own synthetic config.Node block and
// rebinds it, so a field BurntSushi/toml let through as its zero value
// (an omitted required directive, an enum value outside the allowed
// set) is caught by Map's own validation instead of a second,
// hand-written presence check. Each section gets its own Map, the same
// way a maddy module only ever binds its own config subtree: one
// section's invalid directive doesn't hide a sibling section's.
//
// Cross-field and referential-integrity rules (pool members naming a
// declared source, routes naming a declared pool, and so on) aren't
// expressible as independent directive matchers, so those stay in
// Validate.
func bindPolicy(p *Policy, problems *[]string) {
	appendErr := func(err error) {
		if err != nil {
			*problems = append(*problems, err.Error())
		}
	}

	appendErr(bindGeneral(p))
	appendErr(bindSpool(p.Spool))
	appendErr(bindRetry(p.Retry))
	appendErr(bindShaping(p))

	for _, s := range p.Sources {
		appendErr(bindSource(s))
	}
	for _, pool := range p.Pools {
		appendErr(bindPool(pool))
	}
	for _, l := range p.Listeners {
		appendErr(bindListener(l))
	}
}

func bindGeneral(p *Policy) error {
	children := []config.Node{
		{Name: "autogenerated_msg_domain", Args: []string{p.AutogeneratedMsgDomain}},
	}
	if p.Hostname != "" {
		children = append(children, config.Node{Name: "hostname", Args: []string{p.Hostname}})
	}

	m := config.NewMap(nil, config.Node{Name: "kumod", Children: children})
	m.AllowUnknown()

	var hostname, autogeneratedDomain string
	m.String("hostname", false, true, "", &hostname)
	m.String("autogenerated_msg_domain", false, false, "", &autogeneratedDomain)

	_, err := m.Process()
	return err
}

func bindSpool(s SpoolConfig) error {
	children := []config.Node{}
	if s.Backend != "" {
		children = append(children, config.Node{Name: "backend", Args: []string{s.Backend}})
	}
	if s.Path != "" {
		children = append(children, config.Node{Name: "path", Args: []string{s.Path}})
	}

	m := config.NewMap(nil, config.Node{Name: "spool", Children: children})
	m.AllowUnknown()

	var backend, path string
	m.Enum("backend", false, true, []string{"file", "sqlite"}, "", &backend)
	m.String("path", false, true, "", &path)

	_, err := m.Process()
	return err
}

func bindRetry(r RetryConfig) error {
	children := []config.Node{}
	if d := r.RetryInterval.Duration(); d > 0 {
		children = append(children, config.Node{Name: "retry_interval", Args: []string{d.String()}})
	}
	if d := r.MaxRetryInterval.Duration(); d > 0 {
		children = append(children, config.Node{Name: "max_retry_interval", Args: []string{d.String()}})
	}
	if d := r.MaxAge.Duration(); d > 0 {
		children = append(children, config.Node{Name: "max_age", Args: []string{d.String()}})
	}

	m := config.NewMap(nil, config.Node{Name: "retry", Children: children})
	m.AllowUnknown()

	var retryInterval, maxRetryInterval, maxAge time.Duration
	m.Duration("retry_interval", false, true, 0, &retryInterval)
	m.Duration("max_retry_interval", false, true, 0, &maxRetryInterval)
	m.Duration("max_age", false, true, 0, &maxAge)

	_, err := m.Process()
	return err
}

func bindShaping(p *Policy) error {
	children := []config.Node{}
	if p.Shaping.StrictSource {
		children = append(children, config.Node{Name: "strict_source_validation", Args: []string{"yes"}})
	}
	if p.TSA.BaseURL != "" {
		children = append(children, config.Node{Name: "tsa_base_url", Args: []string{p.TSA.BaseURL}})
	}
	if p.MetricsAddr != "" {
		children = append(children, config.Node{Name: "metrics_addr", Args: []string{p.MetricsAddr}})
	}

	m := config.NewMap(nil, config.Node{Name: "shaping", Children: children})
	m.AllowUnknown()

	var strictSource bool
	var tsaBaseURL, metricsAddr string
	m.Bool("strict_source_validation", false, false, &strictSource)
	m.String("tsa_base_url", false, false, "", &tsaBaseURL)
	m.String("metrics_addr", false, false, "", &metricsAddr)

	_, err := m.Process()
	return err
}

func bindSource(s SourceConfig) error {
	children := []config.Node{}
	if s.Name != "" {
		children = append(children, config.Node{Name: "name", Args: []string{s.Name}})
	}
	children = append(children,
		config.Node{Name: "bind_addr", Args: []string{s.BindAddr}},
		config.Node{Name: "ehlo_host", Args: []string{s.EHLOHost}},
		config.Node{Name: "proxy_url", Args: []string{s.ProxyURL}},
	)
	if s.Disabled {
		children = append(children, config.Node{Name: "disabled", Args: []string{"yes"}})
	}

	m := config.NewMap(nil, config.Node{Name: "source", Children: children})
	m.AllowUnknown()

	var name, bindAddr, ehloHost, proxyURL string
	var disabled bool
	m.String("name", false, true, "", &name)
	m.String("bind_addr", false, false, "", &bindAddr)
	m.String("ehlo_host", false, false, "", &ehloHost)
	m.String("proxy_url", false, false, "", &proxyURL)
	m.Bool("disabled", false, false, &disabled)

	_, err := m.Process()
	return err
}

func bindPool(p PoolConfig) error {
	children := []config.Node{}
	if p.Name != "" {
		children = append(children, config.Node{Name: "name", Args: []string{p.Name}})
	}
	for _, member := range p.Members {
		children = append(children, config.Node{
			Name: "member",
			Children: []config.Node{
				{Name: "source", Args: []string{member.Source}},
			},
		})
	}

	m := config.NewMap(nil, config.Node{Name: "pool", Children: children})
	m.AllowUnknown()

	var name string
	m.String("name", false, true, "", &name)
	m.Callback("member", func(*config.Map, config.Node) error { return nil })

	_, err := m.Process()
	return err
}

func bindListener(l ListenerConfig) error {
	children := []config.Node{}
	if l.Name != "" {
		children = append(children, config.Node{Name: "name", Args: []string{l.Name}})
	}
	if l.Addr != "" {
		children = append(children, config.Node{Name: "addr", Args: []string{l.Addr}})
	}
	if l.ReportIngest {
		children = append(children, config.Node{Name: "report_ingest", Args: []string{"yes"}})
	}
	children = append(children, config.Node{Name: "reroute_reports_to", Args: []string{l.RerouteReports}})

	m := config.NewMap(nil, config.Node{Name: "listener", Children: children})
	m.AllowUnknown()

	var name, addr, reroute string
	var reportIngest bool
	m.String("name", false, true, "", &name)
	m.String("addr", false, true, "", &addr)
	m.Bool("report_ingest", false, false, &reportIngest)
	m.String("reroute_reports_to", false, false, "", &reroute)

	if _, err := m.Process(); err != nil {
		return err
	}

	_, err := l.Endpoint()
	return err
}
