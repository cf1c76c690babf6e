// Package tomldoc decodes a shaping document from the on-disk TOML
// format ("shaping.toml"), one of the configuration file formats the
// queueing core treats as an external, pre-parsed input. It implements
// shaping.Source on top of BurntSushi/toml.
package tomldoc

import (
	"fmt"
	"io"
	"os"

	"github.com/BurntSushi/toml"

	"github.com/kumomta/kumod/internal/shaping"
)

// rawDocument is the wire shape of a shaping.toml file.
type rawDocument struct {
	Default rawBlock `toml:"default"`
	Site map[string]rawBlock `toml:"site"`
	Domain map[string]rawBlock `toml:"domain"`

	// Provider blocks are an array of tables, each carrying its name and
	// its ordered match list. Load keys them by name into
	// shaping.Document.Provider, a map, so their file order is not kept;
	// Encode writes them in map iteration order.
	Provider []rawProvider `toml:"provider"`
}

type rawProvider struct {
	Name string `toml:"name"`
	Match []rawMatch `toml:"match"`
	Block rawBlock `toml:"block"`
}

type rawMatch struct {
	MXSuffix string `toml:"mx_suffix"`
	DomainSuffix string `toml:"domain_suffix"`
}

type rawBlock struct {
	MXRollupFalse bool `toml:"mx_rollup_false"`
	ReplaceBase bool `toml:"replace_base"`
	Options map[string]interface{} `toml:"options"`
	Sources map[string]rawBlock `toml:"sources"`
	Automation []shaping.AutomationRule `toml:"automation"`
}

func (b rawBlock) toBlock(kind shaping.BlockKind) *shaping.Block {
	blk := &shaping.Block{
		Kind: kind,
		MXRollupFalse: b.MXRollupFalse,
		ReplaceBase: b.ReplaceBase,
		Options: b.Options,
		Sources: make(map[string]*shaping.Block, len(b.Sources)),
		Automation: b.Automation,
	}
	if blk.Options == nil {
		blk.Options = make(map[string]interface{})
	}
	for name, sub := range b.Sources {
		blk.Sources[name] = sub.toBlock(kind)
	}
	return blk
}

// Source loads a single shaping.toml file from Path.
type Source struct {
	Path string
}

// Load reads and decodes the file at s.Path into a shaping.Document.
func (s Source) Load() (*shaping.Document, error) {
	f, err := os.Open(s.Path)
	if err != nil {
		return nil, fmt.Errorf("tomldoc: %w", err)
	}
	defer f.Close()

	var raw rawDocument
	if _, err := toml.NewDecoder(f).Decode(&raw); err != nil {
		return nil, fmt.Errorf("tomldoc: %s: %w", s.Path, err)
	}

	doc := shaping.NewDocument()
	doc.Default = raw.Default.toBlock(shaping.BlockDefault)

	for name, b := range raw.Site {
		blk := b.toBlock(shaping.BlockSite)
		blk.SiteName = name
		doc.Site[name] = blk
	}
	for name, b := range raw.Domain {
		blk := b.toBlock(shaping.BlockDomain)
		blk.Domain = name
		doc.Domain[name] = blk
	}
	for _, p := range raw.Provider {
		blk := p.Block.toBlock(shaping.BlockProvider)
		blk.ProviderName = p.Name
		for _, m := range p.Match {
			blk.Match = append(blk.Match, shaping.MatchPredicate{
				MXSuffix: m.MXSuffix,
				DomainSuffix: m.DomainSuffix,
			})
		}
		doc.Provider[p.Name] = blk
	}

	return doc, nil
}

// fromBlock is Source.Load's inverse mapping, used by Encode to render a
// shaping.Document back to its wire shape.
func fromBlock(b *shaping.Block) rawBlock {
	raw := rawBlock{
		MXRollupFalse: b.MXRollupFalse,
		ReplaceBase: b.ReplaceBase,
		Options: b.Options,
		Sources: make(map[string]rawBlock, len(b.Sources)),
		Automation: b.Automation,
	}
	for name, sub := range b.Sources {
		raw.Sources[name] = fromBlock(sub)
	}
	return raw
}

// Encode renders doc back to TOML, the inverse of Source.Load. It is
// used by the TSA daemon to serve its generated shaping overlay in the
// same format a hand-authored shaping.toml uses, and by tests that
// round-trip a loaded document through Encode and Load to confirm its
// options survive serialization.
func Encode(w io.Writer, doc *shaping.Document) error {
	raw := rawDocument{
		Site: make(map[string]rawBlock, len(doc.Site)),
		Domain: make(map[string]rawBlock, len(doc.Domain)),
	}
	if doc.Default != nil {
		raw.Default = fromBlock(doc.Default)
	}
	for name, b := range doc.Site {
		raw.Site[name] = fromBlock(b)
	}
	for name, b := range doc.Domain {
		raw.Domain[name] = fromBlock(b)
	}
	for name, b := range doc.Provider {
		p := rawProvider{Name: name, Block: fromBlock(b)}
		for _, m := range b.Match {
			p.Match = append(p.Match, rawMatch{MXSuffix: m.MXSuffix, DomainSuffix: m.DomainSuffix})
		}
		raw.Provider = append(raw.Provider, p)
	}

	return toml.NewEncoder(w).Encode(raw)
}
