// Package state provides SQLite-based persistence for crucible.
package state

import (
	"io"
	"time"

	"github.com/ShayCichocki/crucible/pkg/models"
)

// TaskStore handles task and artifact persistence.
type TaskStore interface {
	CreateTask(t *models.Task) error
	GetTask(id string) (*models.Task, error)
	UpdateTask(t *models.Task) error
	ListTasksByRequest(requestID string) ([]*models.Task, error)
	ListUnfinishedTasks(requestID string) ([]*models.Task, error)
	SaveArtifact(a *models.Artifact) error
	GetArtifact(taskID string) (*models.Artifact, error)
}

// ReportStore handles validation and refinement history.
type ReportStore interface {
	SaveValidationReport(r *models.ValidationReport) error
	ListValidationReports(taskID string) ([]*models.ValidationReport, error)
	SaveRefinementAttempt(a *models.RefinementAttempt) error
	ListRefinementAttempts(taskID string) ([]*models.RefinementAttempt, error)
}

// EscalationStore handles escalation persistence.
type EscalationStore interface {
	CreateEscalation(e *models.EscalationRequest) error
	GetEscalation(taskID string) (*models.EscalationRequest, error)
	ListPendingEscalations() ([]*models.EscalationRequest, error)
	ResolveEscalation(taskID string, status models.EscalationStatus, resolution, resolverID string, resolvedAt time.Time) error
	ExpirePendingEscalations(cutoff time.Time, now time.Time) ([]*models.EscalationRequest, error)
}

// VersionStore handles version graph persistence.
type VersionStore interface {
	SaveVersion(v *models.CapsuleVersion) error
	GetVersion(id string) (*models.CapsuleVersion, error)
	ListVersionsByBranch(branch string) ([]*models.CapsuleVersion, error)
	GetBranchHead(branch string) (string, error)
	SwapBranchHead(branch, expected, next string) error
	ListBranchHeads() (map[string]string, error)
}

// UsageStore handles the provider usage ledger.
type UsageStore interface {
	RecordUsage(e *UsageEntry) error
	SummarizeUsage() ([]UsageSummary, error)
}

// HealthStore handles provider circuit breaker snapshots.
type HealthStore interface {
	SaveProviderHealth(r *ProviderHealthRecord) error
	ListProviderHealth() ([]*ProviderHealthRecord, error)
}

// Migrator handles database schema migrations.
// Separating this allows clients to depend only on migration functionality.
type Migrator interface {
	// Migrate applies all pending schema migrations.
	Migrate() error
}

// Store defines the interface for pipeline persistence.
// This interface allows the pipeline to work with any state backend
// without depending on the concrete SQLite implementation.
// It composes focused sub-interfaces for better modularity.
type Store interface {
	io.Closer
	Migrator
	TaskStore
	ReportStore
	EscalationStore
	VersionStore
	UsageStore
	HealthStore
}

// Compile-time verification that DB implements all interfaces.
var (
	_ Store           = (*DB)(nil)
	_ Migrator        = (*DB)(nil)
	_ TaskStore       = (*DB)(nil)
	_ ReportStore     = (*DB)(nil)
	_ EscalationStore = (*DB)(nil)
	_ VersionStore    = (*DB)(nil)
	_ UsageStore      = (*DB)(nil)
	_ HealthStore     = (*DB)(nil)
)
