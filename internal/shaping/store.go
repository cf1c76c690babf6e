package shaping

import "sync"

// Document is one loaded shaping file's contribution: a default block (if
// any), and named provider/site/domain blocks. Multiple Documents are
// merged in declared order by Store.Load.
type Document struct {
	Default *Block
	Provider map[string]*Block
	Site map[string]*Block
	Domain map[string]*Block
}

// NewDocument returns an empty Document ready to be populated by a
// Source (e.g. the tomldoc adapter).
func NewDocument() *Document {
	return &Document{
		Provider: make(map[string]*Block),
		Site: make(map[string]*Block),
		Domain: make(map[string]*Block),
	}
}

// Source decodes a shaping document from its external representation.
// The concrete decoder (e.g. TOML) is an external collaborator per ; Store depends only on this interface.
type Source interface {
	Load() (*Document, error)
}

// Store accumulates blocks across documents, keyed by the merge key
// (step 1), and resolves an effective EgressPathConfig for a
// given destination.
type Store struct {
	mu sync.RWMutex

	defaultBlock *Block
	providers map[string]*Block
	sites map[string]*Block
	domains map[string]*Block

	// sourceCatalog, when non-nil, enables strict validation of
	// per-source sub-blocks against the known egress source names.
	sourceCatalog map[string]struct{}
	strict bool
}

// NewStore returns an empty Store.
func NewStore() *Store {
	return &Store{
		providers: make(map[string]*Block),
		sites: make(map[string]*Block),
		domains: make(map[string]*Block),
	}
}

// SetSourceCatalog installs the set of known egress source names, used
// to validate per-source sub-blocks. strict turns an unknown reference
// into a load error instead of a warning.
func (s *Store) SetSourceCatalog(names []string, strict bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sourceCatalog = make(map[string]struct{}, len(names))
	for _, n := range names {
		s.sourceCatalog[n] = struct{}{}
	}
	s.strict = strict
}

// Load merges doc into the accumulated state: same-key blocks merge
// option-by-option unless the later block sets ReplaceBase, the two
// "additional_*" maps union (later wins per individual entry), and
// everything else replaces.
func (s *Store) Load(doc *Document) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var warnings []string

	if doc.Default != nil {
		s.defaultBlock = mergeBlock(s.defaultBlock, doc.Default)
	}
	for name, b := range doc.Provider {
		s.providers[name] = mergeBlock(s.providers[name], b)
	}
	for name, b := range doc.Site {
		s.sites[name] = mergeBlock(s.sites[name], b)
	}
	for name, b := range doc.Domain {
		s.domains[name] = mergeBlock(s.domains[name], b)
	}

	for _, group := range []map[string]*Block{s.providers, s.sites, s.domains} {
		for _, b := range group {
			for srcName := range b.Sources {
				if w := s.checkSource(srcName); w != "" {
					warnings = append(warnings, w)
				}
			}
		}
	}

	if s.strict && len(warnings) > 0 {
		return warnings, &StrictValidationError{Warnings: warnings}
	}

	return warnings, nil
}

func (s *Store) checkSource(name string) string {
	if s.sourceCatalog == nil {
		return ""
	}
	if _, ok := s.sourceCatalog[name]; ok {
		return ""
	}
	return "shaping: sources[" + name + "] referenced but not defined in the source catalog"
}

// StrictValidationError is returned by Load when strict mode is enabled
// and at least one per-source sub-block references an unknown source.
type StrictValidationError struct {
	Warnings []string
}

func (e *StrictValidationError) Error() string {
	if len(e.Warnings) == 0 {
		return "shaping: strict validation failed"
	}
	return e.Warnings[0]
}

// mergeBlock merges incoming into base step 1: if
// incoming.ReplaceBase, base's options are discarded before the merge
// resumes; additional_connection_limits/additional_message_rate_throttles
// union per entry; everything else is option-by-option overwrite.
func mergeBlock(base, incoming *Block) *Block {
	if base == nil {
		out := *incoming
		out.Options = cloneOptions(incoming.Options)
		out.Sources = mergeSources(nil, incoming.Sources)
		return &out
	}

	out := *base
	if incoming.ReplaceBase {
		out.Options = cloneOptions(incoming.Options)
	} else {
		acc := newAccumulator()
		acc.apply(&Block{Options: base.Options})
		acc.apply(&Block{Options: incoming.Options})
		out.Options = acc.options
		if len(acc.addConnLim) > 0 {
			out.Options["additional_connection_limits"] = acc.addConnLim
		}
		if len(acc.addRate) > 0 {
			out.Options["additional_message_rate_throttles"] = acc.addRate
		}
	}
	out.Sources = mergeSources(base.Sources, incoming.Sources)
	out.Automation = append(append([]AutomationRule(nil), base.Automation...), incoming.Automation...)

	// Fields that drive matching (ProviderName, Match, SiteName, Domain,
	// MXRollupFalse) take the latest document's declaration.
	out.ProviderName = incoming.ProviderName
	if len(incoming.Match) > 0 {
		out.Match = incoming.Match
	}
	out.SiteName = incoming.SiteName
	out.Domain = incoming.Domain
	if incoming.MXRollupFalse {
		out.MXRollupFalse = true
	}

	return &out
}

func mergeSources(base, incoming map[string]*Block) map[string]*Block {
	out := make(map[string]*Block, len(base)+len(incoming))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range incoming {
		out[k] = mergeBlock(out[k], v)
	}
	return out
}

func cloneOptions(m map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
