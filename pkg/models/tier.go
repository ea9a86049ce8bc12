package models

// Tier represents the agent tier for task execution, ordered by
// increasing cost and capability.
type Tier int

const (
	// TierQuick is for trivial, single-shot tasks.
	TierQuick Tier = iota
	// TierScout is for lightweight tasks like exploration and research.
	TierScout
	// TierBuilder is for standard implementation tasks.
	TierBuilder
	// TierArchitect is for complex design and architecture tasks.
	TierArchitect
)

// TierCeiling is the highest tier a task can be escalated to.
const TierCeiling = TierArchitect

// String returns the tier name.
func (t Tier) String() string {
	switch t {
	case TierQuick:
		return "quick"
	case TierScout:
		return "scout"
	case TierBuilder:
		return "builder"
	case TierArchitect:
		return "architect"
	default:
		return "unknown"
	}
}

// Valid returns true if the tier is a known value.
func (t Tier) Valid() bool {
	return t >= TierQuick && t <= TierArchitect
}

// Next returns the next tier up, capped at the ceiling.
func (t Tier) Next() Tier {
	if t >= TierCeiling {
		return TierCeiling
	}
	return t + 1
}

// ParseTier converts a tier name to a Tier. Unknown names return
// TierBuilder, the default tier.
func ParseTier(name string) Tier {
	switch name {
	case "quick":
		return TierQuick
	case "scout":
		return TierScout
	case "builder":
		return TierBuilder
	case "architect":
		return TierArchitect
	default:
		return TierBuilder
	}
}
