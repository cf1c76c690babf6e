package cfg

import (
	"fmt"
	"os"

	"github.com/BurntSushi/toml"

	"github.com/kumomta/kumod/internal/shaping"
)

// TSADaemonPolicy is the kumo-tsa-daemon's own policy file: where to
// listen, and the base automation rule set every ingested log record is
// evaluated against. A kumod instance's own shaping.toml rules are
// evaluated in-process and never reach this file; this is the rule set
// for a standalone daemon serving multiple kumod instances at once.
type TSADaemonPolicy struct {
	ListenAddr string `toml:"listen_addr"`
	Rules []shaping.AutomationRule `toml:"automation"`
}

// LoadTSADaemonPolicy reads and decodes the daemon policy file at path.
func LoadTSADaemonPolicy(path string) (*TSADaemonPolicy, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("cfg: %w", err)
	}
	defer f.Close()

	var p TSADaemonPolicy
	if _, err := toml.NewDecoder(f).Decode(&p); err != nil {
		return nil, fmt.Errorf("cfg: decoding %s: %w", path, err)
	}
	if p.ListenAddr == "" {
		return nil, fmt.Errorf("cfg: %s: listen_addr is required", path)
	}
	return &p, nil
}
