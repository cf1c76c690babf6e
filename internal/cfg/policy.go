// Package cfg is the policy file loader: a single TOML document
// describing process-level configuration for a kumod instance --
// egress sources and pools, spool backend selection, retry/expiry
// defaults, shaping document locations and the source catalog used to
// validate them, TSA subscription, and per-listener report-ingestion
// declarations ("configuration load" stage of the startup
// sequence).
//
// It decodes with github.com/BurntSushi/toml, the same direct
// dependency internal/shaping/tomldoc already uses for shaping.toml, so
// the policy file and shaping documents share one parsing story instead
// of introducing a second TOML library for process config.
package cfg

import (
	"fmt"
	"os"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/kumomta/kumod/framework/config"
)

// SourceConfig is one egress source entry (EgressSource).
type SourceConfig struct {
	Name string `toml:"name"`
	BindAddr string `toml:"bind_addr"`
	EHLOHost string `toml:"ehlo_host"`
	ProxyURL string `toml:"proxy_url"`
	Disabled bool `toml:"disabled"`
}

// PoolMember is one {source, weight} entry of a pool.
type PoolMember struct {
	Source string `toml:"source"`
	Weight int `toml:"weight"`
}

// PoolConfig is a named, ordered egress pool (EgressPool).
type PoolConfig struct {
	Name string `toml:"name"`
	Members []PoolMember `toml:"member"`
}

// RouteConfig binds a routing_domain or domain pattern (domainmap
// syntax: exact or "*.suffix") to a pool by name.
type RouteConfig struct {
	Pattern string `toml:"pattern"`
	Pool string `toml:"pool"`
}

// SpoolConfig selects and parameterizes the durable message store.
type SpoolConfig struct {
	// Backend is "file" or "sqlite".
	Backend string `toml:"backend"`
	Path string `toml:"path"`
	// CheckpointInterval applies only to the sqlite backend.
	CheckpointInterval Duration `toml:"checkpoint_interval"`
}

// RetryConfig maps directly onto scheduledqueue.RetryPolicy.
type RetryConfig struct {
	RetryInterval Duration `toml:"retry_interval"`
	MaxRetryInterval Duration `toml:"max_retry_interval"`
	MaxAge Duration `toml:"max_age"`
}

// ShapingConfig names the shaping documents to load, in merge order,
// and whether per-source sub-blocks are validated strictly against the
// configured source catalog.
type ShapingConfig struct {
	Documents []string `toml:"documents"`
	StrictSource bool `toml:"strict_source_validation"`
}

// TSAConfig points kumod at a kumo-tsa-daemon instance to subscribe to
// for automation effects.
type TSAConfig struct {
	BaseURL string `toml:"base_url"`
}

// ListenerConfig is one reception endpoint's declaration, including
// whether it carries out-of-band bounce/feedback-loop reports rather
// than ordinary mail.
type ListenerConfig struct {
	Name string `toml:"name"`
	Addr string `toml:"addr"`
	ReportIngest bool `toml:"report_ingest"`
	RerouteReports string `toml:"reroute_reports_to"`
}

// Endpoint parses Addr into the scheme/host/port (or unix path) triple
// the eventual SMTP/HTTP listener collaborator binds to, the same
// address shape framework/config.Endpoint gives every maddy listener
// module ("tcp://host:port", "tls://host:port", "unix://path").
func (l ListenerConfig) Endpoint() (config.Endpoint, error) {
	ep, err := config.ParseEndpoint(l.Addr)
	if err != nil {
		return config.Endpoint{}, fmt.Errorf("cfg: listener %q: %w", l.Name, err)
	}
	return ep, nil
}

// Policy is the top-level decoded policy file.
type Policy struct {
	Hostname string `toml:"hostname"`
	AutogeneratedMsgDomain string `toml:"autogenerated_msg_domain"`

	Sources []SourceConfig `toml:"source"`
	Pools []PoolConfig `toml:"pool"`
	Routes []RouteConfig `toml:"route"`
	DefaultPool string `toml:"default_pool"`

	Spool SpoolConfig `toml:"spool"`
	Retry RetryConfig `toml:"retry"`
	Shaping ShapingConfig `toml:"shaping"`
	TSA TSAConfig `toml:"tsa"`

	Listeners []ListenerConfig `toml:"listener"`

	// MetricsAddr, if set, is the address the Prometheus /metrics
	// endpoint listens on. Empty disables it.
	MetricsAddr string `toml:"metrics_addr"`
}

// Duration wraps time.Duration so the policy file can write durations as
// TOML strings ("30s", "1h") via BurntSushi/toml's encoding.TextUnmarshaler
// support, matching how operators write shaping.toml rates.
type Duration time.Duration

func (d Duration) Duration() time.Duration { return time.Duration(d) }

func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(string(text))
	if err != nil {
		return fmt.Errorf("cfg: invalid duration %q: %w", string(text), err)
	}
	*d = Duration(parsed)
	return nil
}

// Load reads and decodes the policy file at path.
func Load(path string) (*Policy, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("cfg: %w", err)
	}
	defer f.Close()

	var p Policy
	if _, err := toml.NewDecoder(f).Decode(&p); err != nil {
		return nil, fmt.Errorf("cfg: decoding %s: %w", path, err)
	}
	return &p, nil
}
