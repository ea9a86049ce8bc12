// Package refine runs the bounded automated repair loop for artifacts
// that validated below the acceptance threshold.
package refine

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/ShayCichocki/crucible/internal/gateway"
	"github.com/ShayCichocki/crucible/internal/validation"
	"github.com/ShayCichocki/crucible/pkg/models"
)

// Generator is the slice of the provider gateway the refiner needs.
type Generator interface {
	Invoke(ctx context.Context, req gateway.GenerationRequest, tier models.Tier) (*gateway.GenerationResult, string, error)
}

// Validator scores artifacts. Satisfied by *validation.Aggregator.
type Validator interface {
	Aggregate(ctx context.Context, artifact *models.Artifact, attempt int) *models.ValidationReport
}

// Config bounds the refinement loop.
type Config struct {
	// MaxAttempts caps repair passes per task.
	MaxAttempts int
	// AcceptThreshold is the score at which refinement stops early.
	AcceptThreshold float64
	// DecayFactor discounts the carried score when a repair pass fails
	// for reasons unrelated to output quality.
	DecayFactor float64
}

// DefaultConfig returns the standard refinement bounds.
func DefaultConfig() Config {
	return Config{
		MaxAttempts:     3,
		AcceptThreshold: 0.9,
		DecayFactor:     0.8,
	}
}

// Result is the state of a task after the refinement loop finishes.
type Result struct {
	// Artifact is the best artifact seen, which may be the input.
	Artifact *models.Artifact
	// Report is the validation report for Artifact.
	Report *models.ValidationReport
	// Score is the carried confidence score. It can sit below
	// Report.Score when tooling failures decayed it.
	Score float64
	// Accepted is true if the loop crossed the acceptance threshold.
	Accepted bool
	// Attempts records every repair pass in order.
	Attempts []*models.RefinementAttempt
}

// Refiner drives repair passes through the gateway and re-validation.
type Refiner struct {
	gen       Generator
	validator Validator
	cfg       Config
	weights   validation.Weights
}

// New creates a Refiner. A zero MaxAttempts falls back to the default
// config.
func New(gen Generator, validator Validator, cfg Config) *Refiner {
	if cfg.MaxAttempts <= 0 {
		cfg = DefaultConfig()
	}
	return &Refiner{gen: gen, validator: validator, cfg: cfg, weights: validation.DefaultWeights()}
}

// Refine runs up to MaxAttempts repair passes on the artifact, starting
// from the given report. It keeps the best artifact seen and never
// raises the carried score above what validation produced.
func (r *Refiner) Refine(ctx context.Context, task *models.Task, artifact *models.Artifact, report *models.ValidationReport) (*Result, error) {
	result := &Result{
		Artifact: artifact,
		Report:   report,
		Score:    report.Score,
	}

	for pass := 1; pass <= r.cfg.MaxAttempts; pass++ {
		if err := ctx.Err(); err != nil {
			return result, err
		}

		attempt := &models.RefinementAttempt{
			TaskID:     task.ID,
			Attempt:    pass,
			InputScore: result.Score,
			CreatedAt:  time.Now(),
		}

		strategy, prompt := buildPrompt(task, result.Artifact, result.Report, r.weights)
		attempt.Strategy = strategy

		gen, provider, err := r.gen.Invoke(ctx, gateway.GenerationRequest{Prompt: prompt}, task.Tier)
		if err != nil {
			if ctx.Err() != nil {
				return result, ctx.Err()
			}
			// The repair tooling failed, not the artifact. The carried
			// score decays so a task cannot idle at a stale confidence,
			// but it is never zeroed outright.
			result.Score *= r.cfg.DecayFactor
			attempt.Outcome = models.RefinementToolingFailure
			attempt.OutputScore = result.Score
			result.Attempts = append(result.Attempts, attempt)
			log.Printf("[refine] task %s pass %d: tooling failure, score decayed to %.3f: %v", task.ID, pass, result.Score, err)
			continue
		}

		candidate := &models.Artifact{
			TaskID:   task.ID,
			Content:  gen.Output,
			Provider: provider,
			Model:    gen.Model,
		}
		candidateReport := r.validator.Aggregate(ctx, candidate, result.Report.Attempt+pass)
		attempt.OutputScore = candidateReport.Score
		attempt.OutputArtifact = candidate
		attempt.OutputReport = candidateReport

		switch {
		case candidateReport.Score >= r.cfg.AcceptThreshold:
			attempt.Outcome = models.RefinementAccepted
		case candidateReport.Score > result.Score:
			attempt.Outcome = models.RefinementImproved
		default:
			attempt.Outcome = models.RefinementNoProgress
		}
		result.Attempts = append(result.Attempts, attempt)

		// Keep the better of the two artifacts.
		if candidateReport.Score > result.Score {
			result.Artifact = candidate
			result.Report = candidateReport
			result.Score = candidateReport.Score
		}

		if attempt.Outcome == models.RefinementAccepted {
			result.Accepted = true
			return result, nil
		}
	}

	result.Accepted = result.Score >= r.cfg.AcceptThreshold
	return result, nil
}

// buildPrompt selects a repair strategy from the dominant failing
// category and seeds the prompt with the concrete failures.
func buildPrompt(task *models.Task, artifact *models.Artifact, report *models.ValidationReport, weights validation.Weights) (string, string) {
	strategy := "general"
	if cat, ok := validation.DominantFailingCategory(report, weights); ok {
		strategy = string(cat)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Revise the following output for this task: %s\n\n", task.Description)
	fmt.Fprintf(&b, "Focus on %s issues. The output failed these checks:\n", strategy)
	for _, check := range report.FailedChecks() {
		fmt.Fprintf(&b, "- [%s/%s] %s: %s\n", check.Category, check.Severity, check.Name, check.Detail)
	}
	fmt.Fprintf(&b, "\nCurrent output:\n%s\n", artifact.Content)
	b.WriteString("\nReturn only the corrected output.")
	return strategy, b.String()
}
