// Package gate decides whether a loyalty tier may use a capability.
package gate

import (
	"fmt"
	"sort"

	"github.com/sorianoseguros/loyalty-engine/internal/app/domain/tier"
)

// Gate answers tier/capability questions. Capability sets are forward-merged
// once at construction: a capability granted at a tier is granted at every
// tier above it. After New the gate is immutable, so IsAllowed is safe to
// call from any goroutine without synchronization.
type Gate struct {
	table   *tier.Table
	allowed map[string]map[string]bool
}

// New builds a gate from per-tier capability grants. Grant keys must name
// tiers present in the table.
func New(table *tier.Table, grants map[string][]string) (*Gate, error) {
	for name := range grants {
		if _, ok := table.Get(name); !ok {
			return nil, fmt.Errorf("capability grant references unknown tier %q", name)
		}
	}

	allowed := make(map[string]map[string]bool)
	carried := make(map[string]bool)
	for _, t := range table.Tiers() {
		for _, capability := range grants[t.Name] {
			carried[capability] = true
		}
		set := make(map[string]bool, len(carried))
		for capability := range carried {
			set[capability] = true
		}
		allowed[t.Name] = set
	}

	return &Gate{table: table, allowed: allowed}, nil
}

// IsAllowed reports whether the tier may use the capability. Unknown tiers
// and capabilities are denied.
func (g *Gate) IsAllowed(tierName, capability string) bool {
	return g.allowed[tierName][capability]
}

// Capabilities returns the sorted capability list for the tier.
func (g *Gate) Capabilities(tierName string) []string {
	set := g.allowed[tierName]
	out := make([]string, 0, len(set))
	for capability := range set {
		out = append(out, capability)
	}
	sort.Strings(out)
	return out
}

// MeetsMinTier reports whether tierName ranks at or above minTier. An empty
// minTier imposes no requirement.
func (g *Gate) MeetsMinTier(tierName, minTier string) bool {
	if minTier == "" {
		return true
	}
	if _, ok := g.table.Get(minTier); !ok {
		return false
	}
	return g.table.Compare(tierName, minTier) >= 0
}
