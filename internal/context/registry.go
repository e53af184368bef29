// Package context implements the §4.E context registry and matcher: a
// keyword/condition-indexed store of governance guidance that the
// resolver injects into a CARP resolution based on the caller's goal.
package context

import (
	"encoding/json"
	"sort"
	"strings"
)

// Source identifies where a loaded context item came from.
type Source struct {
	Kind string // "atlas", "file", "inline", "runtime"
	ID   string // atlas id, file path, or generator name; empty for inline
}

// AtlasSource builds a Source for context loaded from an atlas's inline
// context_blocks.
func AtlasSource(atlasID string) Source { return Source{Kind: "atlas", ID: atlasID} }

// String renders the source the way the original's ContextSource::as_string does.
func (s Source) String() string {
	switch s.Kind {
	case "atlas":
		return s.ID
	case "file":
		return "file:" + s.ID
	case "runtime":
		return "runtime:" + s.ID
	default:
		return "inline"
	}
}

// Conditions is the small condition DSL evaluated by Query and by
// Matcher: keywords (OR substring match), a slash-separated file
// pattern, an inject_when action-pattern list, and a risk-tier set.
// Query treats a zero-valued Conditions as matching unconditionally;
// Matcher evaluates it as on_match, which still needs a hit.
type Conditions struct {
	Keywords    []string `json:"keywords,omitempty"`
	FilePattern string   `json:"file_pattern,omitempty"`
	InjectWhen  []string `json:"inject_when,omitempty"`
	RiskTiers   []string `json:"risk_tiers,omitempty"`
	InjectMode  string   `json:"inject_mode,omitempty"`
}

// IsZero reports whether c carries no condition at all.
func (c *Conditions) IsZero() bool {
	return c == nil || (len(c.Keywords) == 0 && c.FilePattern == "" && len(c.InjectWhen) == 0 && len(c.RiskTiers) == 0)
}

// LoadedContext is one piece of context content ready for injection,
// with the metadata the registry indexes and scores it by.
type LoadedContext struct {
	PackID     string
	Source     Source
	Content    string
	ContentType string
	Priority   int
	Keywords   []string
	Conditions *Conditions
}

// TokenEstimate is a rough token count (~4 chars/token), matching the
// original's LoadedContext::token_estimate.
func (c *LoadedContext) TokenEstimate() int {
	return len(c.Content) / 4
}

// Block is the resolution-facing projection of a LoadedContext.
type Block struct {
	BlockID     string
	SourceAtlas string
	ContentType string
	Content     string
	Priority    int
}

// ToBlock converts a LoadedContext into the Block shape a CARPResolution carries.
func (c *LoadedContext) ToBlock() Block {
	return Block{
		BlockID:     c.PackID,
		SourceAtlas: c.Source.String(),
		ContentType: c.ContentType,
		Content:     c.Content,
		Priority:    c.Priority,
	}
}

// Registry holds every loaded context item and the indices needed to
// query it by goal text, by pack id, or scoped to one atlas.
type Registry struct {
	contexts []LoadedContext

	byPackID map[string]int
	byAtlas  map[string][]int
	keywords map[string][]int // case-folded keyword -> context indices
}

// NewRegistry creates an empty context registry.
func NewRegistry() *Registry {
	return &Registry{
		byPackID: make(map[string]int),
		byAtlas:  make(map[string][]int),
		keywords: make(map[string][]int),
	}
}

// AddContext indexes and stores context, overwriting any prior entry
// with the same PackID in the by-pack-id index (the underlying slice
// still grows, matching the original's append-only Vec).
func (r *Registry) AddContext(c LoadedContext) {
	idx := len(r.contexts)
	r.byPackID[c.PackID] = idx

	if c.Source.Kind == "atlas" {
		r.byAtlas[c.Source.ID] = append(r.byAtlas[c.Source.ID], idx)
	}

	for _, kw := range c.Keywords {
		folded := strings.ToLower(kw)
		r.keywords[folded] = append(r.keywords[folded], idx)
	}

	r.contexts = append(r.contexts, c)
}

// scored pairs a context index with its computed score for sorting.
type scored struct {
	idx   int
	score int
}

// Query scores every loaded context against goal and returns the
// matches in descending score order. A context is included only if it
// scored strictly higher than its base priority — i.e. at least one
// token matched. If atlasFilter is non-empty, only context sourced from
// that atlas is considered.
func (r *Registry) Query(goal string, atlasFilter string) []LoadedContext {
	words := strings.Fields(strings.ToLower(goal))

	var results []scored
	for idx := range r.contexts {
		c := &r.contexts[idx]

		if atlasFilter != "" {
			if c.Source.Kind != "atlas" || c.Source.ID != atlasFilter {
				continue
			}
		}

		if !c.Conditions.IsZero() && !evaluateConditions(c.Conditions, goal) {
			continue
		}

		score := c.Priority
		contentLower := strings.ToLower(c.Content)
		for _, word := range words {
			if keywordMatches(c.Keywords, word) {
				score += 10
			}
			if strings.Contains(contentLower, word) {
				score += 2
			}
		}

		if score > c.Priority {
			results = append(results, scored{idx: idx, score: score})
		}
	}

	sort.SliceStable(results, func(i, j int) bool { return results[i].score > results[j].score })

	out := make([]LoadedContext, len(results))
	for i, s := range results {
		out[i] = r.contexts[s.idx]
	}
	return out
}

// keywordMatches reports whether any of keywords contains word or is
// contained by it, matching the original's bidirectional substring check.
func keywordMatches(keywords []string, word string) bool {
	for _, kw := range keywords {
		if strings.Contains(kw, word) || strings.Contains(word, kw) {
			return true
		}
	}
	return false
}

// evaluateConditions implements the registry's own (simple) condition
// check used during Query: keywords OR-substring match, else a
// file_pattern whose non-wildcard path segments must appear in the
// goal, else unconditional pass. The richer per-request DSL (risk
// tiers, inject_when, inject_mode) is Matcher's job, run as a second
// pass by the resolver.
func evaluateConditions(c *Conditions, goal string) bool {
	goalLower := strings.ToLower(goal)

	if len(c.Keywords) > 0 {
		for _, kw := range c.Keywords {
			if strings.Contains(goalLower, strings.ToLower(kw)) {
				return true
			}
		}
		return false
	}

	if c.FilePattern != "" {
		for _, part := range strings.Split(c.FilePattern, "/") {
			clean := strings.ToLower(strings.NewReplacer("*", "", ".", "").Replace(part))
			if clean != "" && strings.Contains(goalLower, clean) {
				return true
			}
		}
		return false
	}

	return true
}

// GetByPackID looks up a loaded context by its pack id.
func (r *Registry) GetByPackID(packID string) (LoadedContext, bool) {
	idx, ok := r.byPackID[packID]
	if !ok {
		return LoadedContext{}, false
	}
	return r.contexts[idx], true
}

// GetByAtlas returns every context item sourced from atlasID.
func (r *Registry) GetByAtlas(atlasID string) []LoadedContext {
	indices := r.byAtlas[atlasID]
	out := make([]LoadedContext, len(indices))
	for i, idx := range indices {
		out[i] = r.contexts[idx]
	}
	return out
}

// All returns every loaded context item.
func (r *Registry) All() []LoadedContext {
	out := make([]LoadedContext, len(r.contexts))
	copy(out, r.contexts)
	return out
}

// Len reports how many context items are loaded.
func (r *Registry) Len() int { return len(r.contexts) }

// IsEmpty reports whether the registry has no loaded context.
func (r *Registry) IsEmpty() bool { return len(r.contexts) == 0 }

// ConditionsFromBlock synthesizes a Conditions object from an atlas
// context block's inject_when/keywords/risk_tiers fields, mirroring
// carp/resolver.rs's load_atlas: a nil Conditions when none of the
// three are set, so Query treats the context as unconditional.
func ConditionsFromBlock(injectWhen, keywords, riskTiers []string, injectMode string) *Conditions {
	if len(injectWhen) == 0 && len(keywords) == 0 && len(riskTiers) == 0 {
		return nil
	}
	return &Conditions{
		Keywords:   keywords,
		InjectWhen: injectWhen,
		RiskTiers:  riskTiers,
		InjectMode: injectMode,
	}
}

// MarshalConditionsForPayload renders c as JSON for a TRACE payload,
// returning null for a nil Conditions.
func MarshalConditionsForPayload(c *Conditions) json.RawMessage {
	if c == nil {
		return json.RawMessage("null")
	}
	data, err := json.Marshal(c)
	if err != nil {
		return json.RawMessage("null")
	}
	return data
}
