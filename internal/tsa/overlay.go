package tsa

import (
	"sync"
	"time"

	"github.com/kumomta/kumod/internal/shaping"
)

// configOverride is one SetConfig action's effect: an option value
// scoped to a site (or, if SiteName is empty, applied as a default),
// persisted until it expires.
type configOverride struct {
	siteName string
	options map[string]interface{}
	expires time.Time
}

// overlay accumulates SetConfig overrides into the generated shaping
// document served at GET /get_config_v1/shaping.toml ("a
// generated-shaping document served over HTTP and subscribed-to by
// kumod instances, merged after user-provided shaping documents").
type overlay struct {
	mu sync.Mutex
	overrides map[string]configOverride // rule_hash -> override
}

func newOverlay() *overlay {
	return &overlay{overrides: make(map[string]configOverride)}
}

func (o *overlay) set(hash string, ov configOverride) {
	o.mu.Lock()
	o.overrides[hash] = ov
	o.mu.Unlock()
}

// Document builds the shaping.Document the engine's accumulated SetConfig
// overrides currently amount to, dropping any that have expired. A
// siteName-scoped override becomes a site(site_name) block; an unscoped
// one is merged into the default block, mirroring the way a hand-authored
// shaping.toml would express the same intent.
func (o *overlay) Document(now time.Time) *shaping.Document {
	o.mu.Lock()
	defer o.mu.Unlock()

	doc := shaping.NewDocument()
	defaultOptions := make(map[string]interface{})

	for hash, ov := range o.overrides {
		if !ov.expires.IsZero() && !now.Before(ov.expires) {
			delete(o.overrides, hash)
			continue
		}
		if ov.siteName == "" {
			for k, v := range ov.options {
				defaultOptions[k] = v
			}
			continue
		}
		blk, ok := doc.Site[ov.siteName]
		if !ok {
			blk = &shaping.Block{
				Kind: shaping.BlockSite,
				SiteName: ov.siteName,
				Options: make(map[string]interface{}),
				Sources: make(map[string]*shaping.Block),
			}
			doc.Site[ov.siteName] = blk
		}
		for k, v := range ov.options {
			blk.Options[k] = v
		}
	}

	if len(defaultOptions) > 0 {
		doc.Default = &shaping.Block{
			Kind: shaping.BlockDefault,
			Options: defaultOptions,
			Sources: make(map[string]*shaping.Block),
		}
	}

	return doc
}
