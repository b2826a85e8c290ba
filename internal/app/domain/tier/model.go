// Package tier models the ordered loyalty ranks and their point ranges.
package tier

import "fmt"

// Tier is one loyalty rank. MaxPoints is exclusive; the top tier has
// MaxPoints == 0 meaning unbounded.
type Tier struct {
	Name              string  `json:"name"`
	MinPoints         int64   `json:"minPoints"`
	MaxPoints         int64   `json:"maxPoints"`
	BenefitMultiplier float64 `json:"benefitMultiplier"`
}

// Unbounded reports whether the tier has no upper point limit.
func (t Tier) Unbounded() bool { return t.MaxPoints == 0 }

// Table is the canonical ordered set of tiers, lowest first. Ranges are
// contiguous and non-overlapping; the table is the single source of truth
// for tier ordering.
type Table struct {
	tiers []Tier
	rank  map[string]int
}

// NewTable validates and builds a tier table. Tiers must be supplied lowest
// first, the first tier must start at zero, and each MinPoints must equal the
// previous tier's exclusive MaxPoints.
func NewTable(tiers []Tier) (*Table, error) {
	if len(tiers) == 0 {
		return nil, fmt.Errorf("tier table must not be empty")
	}
	rank := make(map[string]int, len(tiers))
	for i, t := range tiers {
		if t.Name == "" {
			return nil, fmt.Errorf("tier %d: name is required", i)
		}
		if _, dup := rank[t.Name]; dup {
			return nil, fmt.Errorf("duplicate tier name %q", t.Name)
		}
		rank[t.Name] = i

		if i == 0 {
			if t.MinPoints != 0 {
				return nil, fmt.Errorf("first tier %q must start at 0, got %d", t.Name, t.MinPoints)
			}
		} else if t.MinPoints != tiers[i-1].MaxPoints {
			return nil, fmt.Errorf("tier %q starts at %d but %q ends at %d", t.Name, t.MinPoints, tiers[i-1].Name, tiers[i-1].MaxPoints)
		}

		last := i == len(tiers)-1
		if last {
			if !t.Unbounded() {
				return nil, fmt.Errorf("top tier %q must be unbounded", t.Name)
			}
		} else {
			if t.Unbounded() {
				return nil, fmt.Errorf("tier %q is unbounded but is not the top tier", t.Name)
			}
			if t.MaxPoints <= t.MinPoints {
				return nil, fmt.Errorf("tier %q has empty range [%d, %d)", t.Name, t.MinPoints, t.MaxPoints)
			}
		}
		if t.BenefitMultiplier <= 0 {
			return nil, fmt.Errorf("tier %q: benefit multiplier must be positive", t.Name)
		}
	}
	return &Table{tiers: append([]Tier(nil), tiers...), rank: rank}, nil
}

// Resolve maps a balance to its tier. Balances above the highest defined
// range resolve to the open-ended top tier.
func (tb *Table) Resolve(balance int64) Tier {
	if balance < 0 {
		balance = 0
	}
	for _, t := range tb.tiers {
		if t.Unbounded() || balance < t.MaxPoints {
			return t
		}
	}
	return tb.tiers[len(tb.tiers)-1]
}

// Get returns the tier with the given name.
func (tb *Table) Get(name string) (Tier, bool) {
	i, ok := tb.rank[name]
	if !ok {
		return Tier{}, false
	}
	return tb.tiers[i], true
}

// Next returns the tier above t, or false when t is the top tier.
func (tb *Table) Next(t Tier) (Tier, bool) {
	i, ok := tb.rank[t.Name]
	if !ok || i == len(tb.tiers)-1 {
		return Tier{}, false
	}
	return tb.tiers[i+1], true
}

// Compare orders two tier names: negative when a ranks below b, zero when
// equal, positive when above.
func (tb *Table) Compare(a, b string) int {
	return tb.rank[a] - tb.rank[b]
}

// Tiers returns the ordered tier list, lowest first.
func (tb *Table) Tiers() []Tier {
	return append([]Tier(nil), tb.tiers...)
}
