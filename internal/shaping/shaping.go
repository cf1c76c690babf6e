// Package shaping implements the ShapingStore: loading one or more
// layered shaping documents, merging their blocks, and resolving an
// effective EgressPathConfig for a (domain, source, site_name) triple.
// The merge follows the same general config-resolution style as
// framework/config.Map -- bind named options into a typed struct with
// validation at load time -- but the block hierarchy and seven-step
// resolution order are specific to this package.
package shaping

import (
	"strings"
)

// TLSMode mirrors enable_tls enumeration.
type TLSMode int

const (
	TLSDisabled TLSMode = iota
	TLSOpportunistic
	TLSOpportunisticInsecure
	TLSRequired
	TLSRequiredInsecure
)

// EgressPathConfig is the resolved, typed configuration for a delivery
// attempt, built by merging matching blocks in resolution order.
// Options is the freeform remainder, matched by name, for anything not
// promoted to a named field.
type EgressPathConfig struct {
	ConnectionLimit int
	MaxConnectionRate Rate
	MaxDeliveriesPerConnection int
	MaxMessageRate Rate
	IdleTimeoutSeconds int
	EnableTLS TLSMode
	ConsecutiveConnectionFailuresBeforeDelay int

	AdditionalConnectionLimits map[string]int
	AdditionalMessageRateThrottles map[string]Rate

	ProviderConnectionLimit int
	ProviderMaxMessageRate Rate

	Options map[string]interface{}
}

// Rate is a "N per unit" pair as it appears in a shaping document, kept
// unparsed-to-duration until the throttle package instantiates it (the
// unit string is validated, not interpreted, by this package).
type Rate struct {
	N int
	Unit string // "second", "minute", "hour", "day"
}

func newEgressPathConfig() EgressPathConfig {
	return EgressPathConfig{
		AdditionalConnectionLimits: make(map[string]int),
		AdditionalMessageRateThrottles: make(map[string]Rate),
		Options: make(map[string]interface{}),
	}
}

// BlockKind distinguishes the four block types.
type BlockKind int

const (
	BlockDefault BlockKind = iota
	BlockProvider
	BlockSite
	BlockDomain
)

// MatchPredicate is one entry of a provider block's match=[...] list.
type MatchPredicate struct {
	MXSuffix string
	DomainSuffix string
}

// Matches reports whether the predicate matches destination domain
// under the given MX hostname set.
func (m MatchPredicate) Matches(domain string, mxHosts []string) bool {
	if m.MXSuffix != "" {
		if len(mxHosts) == 0 {
			return false
		}
		for _, h := range mxHosts {
			if !strings.HasSuffix(h, m.MXSuffix) {
				return false
			}
		}
		return true
	}
	if m.DomainSuffix != "" {
		return strings.HasSuffix(domain, m.DomainSuffix)
	}
	return false
}

// Block is one shaping rule, "typed mapping of option
// name->value" plus its per-source sub-blocks and automation list.
type Block struct {
	Kind BlockKind

	// ProviderName/Match apply when Kind == BlockProvider.
	ProviderName string
	Match []MatchPredicate

	// SiteName applies when Kind == BlockSite.
	SiteName string

	// Domain/MXRollupFalse apply when Kind == BlockDomain; MXRollupFalse
	// must be true for the block to ever match step 5.
	Domain string
	MXRollupFalse bool

	// ReplaceBase discards accumulated options for this block's key
	// before merging, instead of merging option-by-option.
	ReplaceBase bool

	Options map[string]interface{}

	// Sources holds the per-egress-source sub-blocks nested under this
	// block: default, provider, site and domain blocks may all carry a
	// sources[source_name] sub-block.
	Sources map[string]*Block

	Automation []AutomationRule
}

func newBlock(kind BlockKind) *Block {
	return &Block{Kind: kind, Options: make(map[string]interface{}), Sources: make(map[string]*Block)}
}
