package validation

import (
	"context"
	"fmt"
	"regexp"

	"github.com/ShayCichocki/crucible/pkg/models"
)

// Built-in checkers. The real checker fleet is external and pluggable;
// these cover the basics every artifact should clear and keep the
// pipeline honest when no external checkers are registered.

// NonEmptyChecker fails artifacts with no content.
type NonEmptyChecker struct{}

func (NonEmptyChecker) Name() string                   { return "non_empty" }
func (NonEmptyChecker) Category() models.CheckCategory { return models.CategoryCorrectness }

func (NonEmptyChecker) Check(_ context.Context, artifact *models.Artifact) models.ValidationCheck {
	check := models.ValidationCheck{
		Name:     "non_empty",
		Category: models.CategoryCorrectness,
		Status:   models.CheckPassed,
	}
	if len(artifact.Content) == 0 {
		check.Status = models.CheckFailed
		check.Severity = models.SeverityCritical
		check.Detail = "artifact has no content"
	}
	return check
}

// LengthChecker warns when an artifact exceeds a size bound.
type LengthChecker struct {
	// MaxBytes is the largest acceptable artifact size.
	MaxBytes int
}

func (LengthChecker) Name() string                   { return "length" }
func (LengthChecker) Category() models.CheckCategory { return models.CategoryStyle }

func (c LengthChecker) Check(_ context.Context, artifact *models.Artifact) models.ValidationCheck {
	check := models.ValidationCheck{
		Name:     "length",
		Category: models.CategoryStyle,
		Status:   models.CheckPassed,
	}
	if c.MaxBytes > 0 && len(artifact.Content) > c.MaxBytes {
		check.Status = models.CheckFailed
		check.Severity = models.SeverityWarning
		check.Detail = fmt.Sprintf("artifact is %d bytes, limit %d", len(artifact.Content), c.MaxBytes)
	}
	return check
}

// secretPatterns match credential material that must never ship in a
// generated artifact.
var secretPatterns = []*regexp.Regexp{
	regexp.MustCompile(`-----BEGIN [A-Z ]*PRIVATE KEY-----`),
	regexp.MustCompile(`AKIA[0-9A-Z]{16}`),
	regexp.MustCompile(`(?i)(api[_-]?key|secret|token)\s*[:=]\s*['"][^'"]{16,}['"]`),
}

// SecretChecker fails artifacts that embed credential-like strings.
type SecretChecker struct{}

func (SecretChecker) Name() string                   { return "secret_scan" }
func (SecretChecker) Category() models.CheckCategory { return models.CategorySecurity }

func (SecretChecker) Check(_ context.Context, artifact *models.Artifact) models.ValidationCheck {
	check := models.ValidationCheck{
		Name:     "secret_scan",
		Category: models.CategorySecurity,
		Status:   models.CheckPassed,
	}
	for _, re := range secretPatterns {
		if re.MatchString(artifact.Content) {
			check.Status = models.CheckFailed
			check.Severity = models.SeverityCritical
			check.Detail = "artifact contains credential-like content"
			break
		}
	}
	return check
}

// DefaultCheckers returns the built-in checker set.
func DefaultCheckers() []Checker {
	return []Checker{
		NonEmptyChecker{},
		SecretChecker{},
		LengthChecker{MaxBytes: 1 << 20},
	}
}
