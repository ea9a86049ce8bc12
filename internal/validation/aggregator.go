// Package validation runs pluggable checks against generated artifacts
// and reduces the findings to a single confidence score.
package validation

import (
	"context"
	"time"

	"github.com/ShayCichocki/crucible/pkg/models"
)

// Checker is the pluggable check interface. Implementations must be
// side-effect-free from the aggregator's point of view: identical
// inputs always yield an identical ValidationCheck.
type Checker interface {
	// Name identifies the checker in reports.
	Name() string
	// Category groups the checker for reporting.
	Category() models.CheckCategory
	// Check inspects the artifact and returns one immutable result.
	Check(ctx context.Context, artifact *models.Artifact) models.ValidationCheck
}

// Weights maps severities to score penalties. A failed check subtracts
// its severity's weight from the score.
type Weights map[models.Severity]float64

// DefaultWeights returns the severity weight table. A style nit must
// not collapse confidence: only severity drives the score, and the
// penalties are graduated.
func DefaultWeights() Weights {
	return Weights{
		models.SeverityInfo:     0.0,
		models.SeverityWarning:  0.05,
		models.SeverityError:    0.2,
		models.SeverityCritical: 0.35,
	}
}

// Aggregator runs registered checkers and scores their findings.
// The checker set is fixed at construction; there is no global registry.
type Aggregator struct {
	checkers []Checker
	weights  Weights
}

// New creates an Aggregator over the given checkers. A nil weight
// table uses the defaults.
func New(checkers []Checker, weights Weights) *Aggregator {
	if weights == nil {
		weights = DefaultWeights()
	}
	return &Aggregator{checkers: checkers, weights: weights}
}

// Aggregate runs every checker against the artifact and reduces the
// results to a report with a confidence score. The score is always a
// pure reduction over the checks:
//
//	score = clamp(1.0 - sum(weight(severity) for failed checks), 0, 1)
func (a *Aggregator) Aggregate(ctx context.Context, artifact *models.Artifact, attempt int) *models.ValidationReport {
	checks := make([]models.ValidationCheck, 0, len(a.checkers))
	for _, c := range a.checkers {
		checks = append(checks, c.Check(ctx, artifact))
	}

	return &models.ValidationReport{
		TaskID:    artifact.TaskID,
		Attempt:   attempt,
		Checks:    checks,
		Score:     Score(checks, a.weights),
		CreatedAt: time.Now(),
	}
}

// Score reduces check results to a confidence score in [0,1].
func Score(checks []models.ValidationCheck, weights Weights) float64 {
	if weights == nil {
		weights = DefaultWeights()
	}

	score := 1.0
	for _, c := range checks {
		if c.Failed() {
			score -= weights[c.Severity]
		}
	}
	if score < 0 {
		return 0
	}
	if score > 1 {
		return 1
	}
	return score
}

// DominantFailingCategory returns the category with the most failed
// checks, weighted by severity so one critical security failure
// outranks two style warnings. Returns false if nothing failed.
func DominantFailingCategory(report *models.ValidationReport, weights Weights) (models.CheckCategory, bool) {
	if weights == nil {
		weights = DefaultWeights()
	}

	totals := make(map[models.CheckCategory]float64)
	for _, c := range report.Checks {
		if c.Failed() {
			// Info-severity failures carry no weight but still mark the
			// category as failing.
			totals[c.Category] += weights[c.Severity] + 0.01
		}
	}
	if len(totals) == 0 {
		return "", false
	}

	var best models.CheckCategory
	bestTotal := -1.0
	for _, cat := range []models.CheckCategory{
		models.CategoryCorrectness,
		models.CategorySecurity,
		models.CategoryStyle,
		models.CategoryPerformance,
	} {
		if t, ok := totals[cat]; ok && t > bestTotal {
			best = cat
			bestTotal = t
		}
	}
	return best, true
}
