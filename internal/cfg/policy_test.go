package cfg

import (
	"os"
	"path/filepath"
	"testing"
)

const samplePolicy = `
hostname = "mx1.example.com"
autogenerated_msg_domain = "example.com"
default_pool = "primary"

[[source]]
name = "ip-1"
ehlo_host = "mx1.example.com"

[[source]]
name = "ip-2"
ehlo_host = "mx1.example.com"

[[pool]]
name = "primary"
  [[pool.member]]
  source = "ip-1"
  weight = 2
  [[pool.member]]
  source = "ip-2"
  weight = 1

[[route]]
pattern = "*.example.net"
pool = "primary"

[spool]
backend = "file"
path = "/var/spool/kumod"

[retry]
retry_interval = "1m"
max_retry_interval = "1h"
max_age = "72h"

[shaping]
documents = []

[[listener]]
name = "smtp-in"
addr = "tcp://0.0.0.0:25"

[[listener]]
name = "bounce-in"
addr = "tcp://0.0.0.0:2525"
report_ingest = true
`

func writeTempPolicy(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "policy.toml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("writing temp policy: %v", err)
	}
	return path
}

func TestLoadDecodesPolicy(t *testing.T) {
	p, err := Load(writeTempPolicy(t, samplePolicy))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if p.Hostname != "mx1.example.com" {
		t.Fatalf("unexpected hostname: %q", p.Hostname)
	}
	if len(p.Sources) != 2 || len(p.Pools) != 1 || len(p.Pools[0].Members) != 2 {
		t.Fatalf("unexpected decode shape: %+v", p)
	}
	if p.Retry.RetryInterval.Duration().String() != "1m0s" {
		t.Fatalf("unexpected retry_interval: %v", p.Retry.RetryInterval.Duration())
	}
}

func TestValidateAcceptsWellFormedPolicy(t *testing.T) {
	p, err := Load(writeTempPolicy(t, samplePolicy))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if err := p.Validate(); err != nil {
		t.Fatalf("expected a well-formed policy to validate, got: %v", err)
	}
}

func TestValidateCatchesUndeclaredReferences(t *testing.T) {
	const broken = `
hostname = "mx1.example.com"

[[pool]]
name = "primary"
  [[pool.member]]
  source = "missing-source"

[[route]]
pattern = "*.example.net"
pool = "other-pool"

[spool]
backend = "bogus"

[retry]
retry_interval = "0s"
max_retry_interval = "1h"
max_age = "72h"
`
	p, err := Load(writeTempPolicy(t, broken))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	err = p.Validate()
	if err == nil {
		t.Fatalf("expected validation to fail")
	}
	verr, ok := err.(*ValidationError)
	if !ok {
		t.Fatalf("expected *ValidationError, got %T", err)
	}
	if len(verr.Problems) < 4 {
		t.Fatalf("expected at least 4 problems, got %d: %v", len(verr.Problems), verr.Problems)
	}
}

func TestBuildPoolsWiresWeightedMembers(t *testing.T) {
	p, err := Load(writeTempPolicy(t, samplePolicy))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	routes, defaultPool, err := p.BuildPools()
	if err != nil {
		t.Fatalf("BuildPools: %v", err)
	}
	if defaultPool == nil || defaultPool.Name != "primary" {
		t.Fatalf("expected default pool %q, got %+v", "primary", defaultPool)
	}
	pool, ok := routes.Lookup("mail.example.net")
	if !ok || pool.Name != "primary" {
		t.Fatalf("expected wildcard route to resolve to primary pool, got %+v ok=%v", pool, ok)
	}
}
