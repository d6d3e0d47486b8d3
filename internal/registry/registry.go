// Package registry maps capability names and keyword tags to provider
// handles. It supports exact resolution, deterministic free-text matching
// against a fixed set of keyword categories, and load-aware selection when
// several providers serve the same capability.
//
// The registry is read-mostly: Resolve and Match are safe for concurrent
// use from many investigations; Register is a rare serialized write used
// at startup and on provider restart.
package registry

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog/log"

	"github.com/opsleuth/opsleuth/internal/protocol"
)

// CapabilityNotFoundError is returned by Resolve for unknown capabilities.
type CapabilityNotFoundError struct {
	Capability string
}

func (e *CapabilityNotFoundError) Error() string {
	return fmt.Sprintf("capability not found: %s", e.Capability)
}

// categories is the fixed keyword vocabulary used by Match. Each category
// maps to the query words that activate it; providers advertise category
// names in their tags.
var categories = map[string][]string{
	"anomaly":     {"anomaly", "anomalies", "spike", "spikes", "outlier", "outliers", "unusual", "deviation"},
	"logs":        {"log", "logs", "errors", "error", "exception", "stacktrace"},
	"timeline":    {"timeline", "sequence", "chronology", "ordering", "history"},
	"correlation": {"correlate", "correlation", "related", "overlap", "relationship"},
	"policy":      {"policy", "compliance", "rule", "rules", "violation", "audit"},
	"report":      {"report", "summary", "summarize", "brief", "writeup"},
	"metrics":     {"metric", "metrics", "latency", "cpu", "memory", "throughput", "saturation"},
	"identity":    {"user", "users", "account", "login", "identity", "session"},
	"network":     {"network", "traffic", "connection", "connections", "dns", "packet"},
}

// entry is one registered capability.
type entry struct {
	name     string
	provider protocol.Provider
	tags     []string
	order    int // registration order, used for deterministic tie-breaks

	// rrCounter breaks load ties between equivalent providers.
	rrCounter uint64
}

// Registry holds all registered capability providers.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]*entry

	// equivalents groups alternate providers registered under the same
	// capability name via RegisterAlternate.
	equivalents map[string][]*entry

	nextOrder int
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{
		entries:     make(map[string]*entry),
		equivalents: make(map[string][]*entry),
	}
}

// Register adds a capability provider. Registering an existing name
// replaces the handle (used for provider restarts) while keeping the
// original registration order, so Match ranking stays stable.
func (r *Registry) Register(name string, p protocol.Provider, tags []string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.entries[name]; ok {
		existing.provider = p
		existing.tags = append([]string(nil), tags...)
		log.Info().Str("capability", name).Msg("Capability provider replaced")
		return
	}
	r.entries[name] = &entry{
		name:     name,
		provider: p,
		tags:     append([]string(nil), tags...),
		order:    r.nextOrder,
	}
	r.nextOrder++
	log.Info().Str("capability", name).Strs("tags", tags).Msg("Capability registered")
}

// RegisterAlternate adds an additional provider implementing an already
// registered capability. Select prefers the least-loaded of the set.
func (r *Registry) RegisterAlternate(name string, p protocol.Provider) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e := &entry{name: name, provider: p, order: r.nextOrder}
	r.nextOrder++
	r.equivalents[name] = append(r.equivalents[name], e)
}

// Resolve returns the provider handle for a capability name.
func (r *Registry) Resolve(name string) (protocol.Provider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.entries[name]
	if !ok {
		return nil, &CapabilityNotFoundError{Capability: name}
	}
	return e.provider, nil
}

// Select resolves a capability to the best provider instance: when
// alternates exist the least-loaded one wins, with round-robin breaking
// exact load ties.
func (r *Registry) Select(name string) (protocol.Provider, error) {
	r.mu.RLock()
	primary, ok := r.entries[name]
	alts := r.equivalents[name]
	r.mu.RUnlock()

	if !ok {
		return nil, &CapabilityNotFoundError{Capability: name}
	}
	if len(alts) == 0 {
		return primary.provider, nil
	}

	candidates := append([]*entry{primary}, alts...)
	best := candidates[0]
	bestLoad := loadOf(best.provider)
	tied := []*entry{best}
	for _, c := range candidates[1:] {
		l := loadOf(c.provider)
		switch {
		case l < bestLoad:
			best, bestLoad = c, l
			tied = tied[:0]
			tied = append(tied, c)
		case l == bestLoad:
			tied = append(tied, c)
		}
	}
	if len(tied) > 1 {
		idx := atomic.AddUint64(&primary.rrCounter, 1)
		best = tied[int(idx)%len(tied)]
	}
	return best.provider, nil
}

// LoadHint returns the current load signal for a capability's primary
// provider, or 0 when the provider reports none.
func (r *Registry) LoadHint(name string) (float64, error) {
	r.mu.RLock()
	e, ok := r.entries[name]
	r.mu.RUnlock()
	if !ok {
		return 0, &CapabilityNotFoundError{Capability: name}
	}
	return loadOf(e.provider), nil
}

func loadOf(p protocol.Provider) float64 {
	if lr, ok := p.(protocol.LoadReporter); ok {
		return lr.LoadHint()
	}
	return 0
}

// Capabilities returns the registered capability names in registration
// order, with their tags.
func (r *Registry) Capabilities() []CapabilityInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]CapabilityInfo, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, CapabilityInfo{
			Name: e.name,
			Tags: append([]string(nil), e.tags...),
			Load: loadOf(e.provider),
		})
	}
	sort.Slice(out, func(i, j int) bool {
		return r.entries[out[i].Name].order < r.entries[out[j].Name].order
	})
	return out
}

// CapabilityInfo describes one registered capability.
type CapabilityInfo struct {
	Name string   `json:"name"`
	Tags []string `json:"tags"`
	Load float64  `json:"load"`
}

// ── Free-text matching ───────────────────────────────────────

// Match ranks registered capabilities against free text or a tag list.
// Scoring is a weighted keyword-category overlap: a query word that names
// a capability's tag directly scores 3, a word that activates a category
// the capability is tagged with scores 2. Ranking is deterministic; ties
// break by registration order.
func (r *Registry) Match(query string) []string {
	tokens := tokenize(query)
	if len(tokens) == 0 {
		return nil
	}

	// Resolve tokens to activated categories once, not per capability.
	activated := make(map[string]bool)
	for _, tok := range tokens {
		for cat, words := range categories {
			for _, w := range words {
				if tok == w {
					activated[cat] = true
				}
			}
		}
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	type scored struct {
		name  string
		score int
		order int
	}
	var ranked []scored
	for _, e := range r.entries {
		score := 0
		for _, tag := range e.tags {
			for _, tok := range tokens {
				if tok == tag {
					score += 3
				}
			}
			if activated[tag] {
				score += 2
			}
		}
		if score > 0 {
			ranked = append(ranked, scored{name: e.name, score: score, order: e.order})
		}
	}

	sort.Slice(ranked, func(i, j int) bool {
		if ranked[i].score != ranked[j].score {
			return ranked[i].score > ranked[j].score
		}
		return ranked[i].order < ranked[j].order
	})

	names := make([]string, len(ranked))
	for i, s := range ranked {
		names[i] = s.name
	}
	return names
}

func tokenize(query string) []string {
	fields := strings.FieldsFunc(strings.ToLower(query), func(r rune) bool {
		return !('a' <= r && r <= 'z' || '0' <= r && r <= '9' || r == '-')
	})
	seen := make(map[string]bool, len(fields))
	var out []string
	for _, f := range fields {
		if !seen[f] {
			seen[f] = true
			out = append(out, f)
		}
	}
	return out
}
