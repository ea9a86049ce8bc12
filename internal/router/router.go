// Package router maps a task's estimated complexity and risk to an
// agent tier. Routing is a pure function of the task: it never mutates
// task state, so calling it twice on the same task gives the same tier.
package router

import (
	"fmt"
	"strings"

	"github.com/ShayCichocki/crucible/pkg/models"
)

// riskKeywords are words that indicate high-risk work which should
// start at the architect tier regardless of apparent size.
var riskKeywords = []string{
	"migration",
	"auth",
	"authentication",
	"security",
	"infra",
	"infrastructure",
	"schema",
	"database",
}

// trivialKeywords are words that indicate work cheap enough for the
// quick tier.
var trivialKeywords = []string{
	"typo",
	"rename",
	"formatting",
	"comment",
	"readme",
}

// Config holds the monotonic complexity threshold table and the
// per-tier retry budgets.
type Config struct {
	// QuickMax is the highest complexity score routed to the quick tier.
	QuickMax int
	// ScoutMax is the highest complexity score routed to the scout tier.
	ScoutMax int
	// BuilderMax is the highest complexity score routed to the builder
	// tier; anything above goes to architect.
	BuilderMax int
	// RetryBudgets is the number of attempts allowed at each tier before
	// the task escalates one tier, up to the ceiling.
	RetryBudgets map[models.Tier]int
}

// DefaultConfig returns the default routing table.
func DefaultConfig() Config {
	return Config{
		QuickMax:   3,
		ScoutMax:   8,
		BuilderMax: 20,
		RetryBudgets: map[models.Tier]int{
			models.TierQuick:     1,
			models.TierScout:     2,
			models.TierBuilder:   2,
			models.TierArchitect: 3,
		},
	}
}

// Validate checks that the threshold table is monotonic.
func (c Config) Validate() error {
	if c.QuickMax >= c.ScoutMax || c.ScoutMax >= c.BuilderMax {
		return fmt.Errorf("router thresholds must be strictly increasing: quick=%d scout=%d builder=%d",
			c.QuickMax, c.ScoutMax, c.BuilderMax)
	}
	return nil
}

// Router selects tiers for tasks.
type Router struct {
	cfg Config
}

// New creates a Router with the given config.
func New(cfg Config) *Router {
	return &Router{cfg: cfg}
}

// Route returns the tier for a task. The estimate combines description
// length, declared dependencies, keyword signals, and prior failures;
// the result passes through the threshold table and then through
// retry-budget escalation. Boundary scores break toward the lower,
// cheaper tier: the escalation gate, not the router, catches
// under-qualified output.
func (r *Router) Route(task *models.Task) models.Tier {
	score := r.complexity(task)
	tier := r.mapTier(score)

	if hint := strings.TrimSpace(task.TierHint); hint != "" {
		// The decomposer saw the whole request; its hint acts as a floor.
		if hinted := models.ParseTier(hint); hinted > tier {
			tier = hinted
		}
	}

	return r.escalate(tier, task.AttemptCount)
}

// complexity computes the risk/size estimate for a task.
func (r *Router) complexity(task *models.Task) int {
	desc := strings.ToLower(task.Description)

	score := len(task.Description) / 80
	score += 2 * len(task.DependsOn)
	score += 3 * task.AttemptCount

	for _, kw := range riskKeywords {
		if strings.Contains(desc, kw) {
			score += 15
			break
		}
	}
	for _, kw := range trivialKeywords {
		if strings.Contains(desc, kw) {
			score -= 4
			break
		}
	}
	if score < 0 {
		score = 0
	}
	return score
}

// mapTier maps a complexity score through the threshold table.
func (r *Router) mapTier(score int) models.Tier {
	switch {
	case score <= r.cfg.QuickMax:
		return models.TierQuick
	case score <= r.cfg.ScoutMax:
		return models.TierScout
	case score <= r.cfg.BuilderMax:
		return models.TierBuilder
	default:
		return models.TierArchitect
	}
}

// escalate bumps the tier while the attempt count exceeds the current
// tier's retry budget, up to the ceiling.
func (r *Router) escalate(tier models.Tier, attempts int) models.Tier {
	for tier < models.TierCeiling {
		budget := r.cfg.RetryBudgets[tier]
		if budget <= 0 || attempts <= budget {
			break
		}
		attempts -= budget
		tier = tier.Next()
	}
	return tier
}
