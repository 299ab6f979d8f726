// Package reputation maps a user's integer energy score to a named tier.
// The mapping is pure and total: every score falls into exactly one tier.
package reputation

// Tier describes the bracket an energy score falls into, along with the
// display treatment and the permission to create "seek" listings.
type Tier struct {
	Title   string `json:"title"`
	Color   string `json:"color"`
	CanSeek bool   `json:"can_seek"`
}

// Tier breakpoints. A score strictly greater than a breakpoint belongs to
// the next tier up. Only the lowest tier denies seeking.
var tiers = []struct {
	min  int
	tier Tier
}{
	{min: 100, tier: Tier{Title: "Pillar", Color: "#b8860b", CanSeek: true}},
	{min: 30, tier: Tier{Title: "Helper", Color: "#6a5acd", CanSeek: true}},
	{min: 10, tier: Tier{Title: "Neighbour", Color: "#2e8b57", CanSeek: true}},
	{min: 2, tier: Tier{Title: "Sprout", Color: "#4682b4", CanSeek: true}},
	{min: -1 << 31, tier: Tier{Title: "Newcomer", Color: "#808080", CanSeek: false}},
}

// TierFor returns the tier descriptor for the given energy score.
func TierFor(energy int) Tier {
	for _, t := range tiers {
		if energy >= t.min {
			return t.tier
		}
	}
	// Unreachable: the last entry covers all integers.
	return tiers[len(tiers)-1].tier
}
