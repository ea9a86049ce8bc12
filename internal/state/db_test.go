package state

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/ShayCichocki/crucible/pkg/models"
)

// tempDBPath returns a path to a temp database file.
func tempDBPath(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	return filepath.Join(dir, "test.db")
}

// setupTestDB creates a new temporary database for testing.
func setupTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(tempDBPath(t))
	if err != nil {
		t.Fatalf("failed to open test db: %v", err)
	}
	if err := db.Migrate(); err != nil {
		t.Fatalf("failed to migrate test db: %v", err)
	}
	t.Cleanup(func() {
		db.Close()
	})
	return db
}

func TestOpen(t *testing.T) {
	path := tempDBPath(t)
	db, err := Open(path)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer db.Close()

	if db.Path() != path {
		t.Errorf("Path() = %q, want %q", db.Path(), path)
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		t.Errorf("database file does not exist at %s", path)
	}
}

func TestOpen_CreatesParentDirectories(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "a", "b", "c", "test.db")

	db, err := Open(path)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer db.Close()

	if _, err := os.Stat(path); os.IsNotExist(err) {
		t.Errorf("database file does not exist at %s", path)
	}
}

func TestMigrateIdempotent(t *testing.T) {
	db := setupTestDB(t)
	if err := db.Migrate(); err != nil {
		t.Fatalf("second Migrate failed: %v", err)
	}

	var version int
	row := db.QueryRow("SELECT MAX(version) FROM schema_version")
	if err := row.Scan(&version); err != nil {
		t.Fatalf("read schema version: %v", err)
	}
	if version != 6 {
		t.Errorf("schema version = %d, want 6", version)
	}
}

func TestTaskRoundTrip(t *testing.T) {
	db := setupTestDB(t)

	task := &models.Task{
		ID:          "task-1",
		RequestID:   "req-1",
		Description: "implement parser",
		TierHint:    "builder",
		DependsOn:   []string{"task-0"},
		Tier:        models.TierBuilder,
		Status:      models.TaskStatusPending,
		CreatedAt:   time.Now().Truncate(time.Second),
	}
	if err := db.CreateTask(task); err != nil {
		t.Fatalf("CreateTask: %v", err)
	}

	got, err := db.GetTask("task-1")
	if err != nil {
		t.Fatalf("GetTask: %v", err)
	}
	if got == nil {
		t.Fatal("GetTask returned nil")
	}
	if got.Description != task.Description || got.TierHint != task.TierHint {
		t.Errorf("got %+v, want %+v", got, task)
	}
	if len(got.DependsOn) != 1 || got.DependsOn[0] != "task-0" {
		t.Errorf("DependsOn = %v, want [task-0]", got.DependsOn)
	}
	if got.Tier != models.TierBuilder {
		t.Errorf("Tier = %v, want builder", got.Tier)
	}
	if got.CompletedAt != nil {
		t.Errorf("CompletedAt = %v, want nil", got.CompletedAt)
	}

	done := time.Now().Truncate(time.Second)
	got.Status = models.TaskStatusAccepted
	got.AttemptCount = 2
	got.CompletedAt = &done
	if err := db.UpdateTask(got); err != nil {
		t.Fatalf("UpdateTask: %v", err)
	}

	updated, err := db.GetTask("task-1")
	if err != nil {
		t.Fatalf("GetTask after update: %v", err)
	}
	if updated.Status != models.TaskStatusAccepted || updated.AttemptCount != 2 {
		t.Errorf("updated task = %+v", updated)
	}
	if updated.CompletedAt == nil {
		t.Error("CompletedAt not persisted")
	}
}

func TestGetTaskNotFound(t *testing.T) {
	db := setupTestDB(t)
	got, err := db.GetTask("missing")
	if err != nil {
		t.Fatalf("GetTask: %v", err)
	}
	if got != nil {
		t.Errorf("GetTask = %+v, want nil", got)
	}
}

func TestListUnfinishedTasks(t *testing.T) {
	db := setupTestDB(t)

	base := time.Now().Add(-time.Minute).Truncate(time.Second)
	statuses := map[string]models.TaskStatus{
		"t1": models.TaskStatusPending,
		"t2": models.TaskStatusAccepted,
		"t3": models.TaskStatusEscalated,
		"t4": models.TaskStatusFailed,
	}
	for id, status := range statuses {
		err := db.CreateTask(&models.Task{
			ID: id, RequestID: "req-1", Description: id,
			Status: status, CreatedAt: base,
		})
		if err != nil {
			t.Fatalf("CreateTask(%s): %v", id, err)
		}
	}

	unfinished, err := db.ListUnfinishedTasks("req-1")
	if err != nil {
		t.Fatalf("ListUnfinishedTasks: %v", err)
	}
	if len(unfinished) != 2 {
		t.Fatalf("got %d unfinished tasks, want 2", len(unfinished))
	}
	for _, task := range unfinished {
		if task.Status.Terminal() {
			t.Errorf("task %s has terminal status %s", task.ID, task.Status)
		}
	}
}

func TestArtifactUpsert(t *testing.T) {
	db := setupTestDB(t)

	first := &models.Artifact{TaskID: "t1", Content: "v1", Provider: "anthropic", Model: "m"}
	if err := db.SaveArtifact(first); err != nil {
		t.Fatalf("SaveArtifact: %v", err)
	}
	second := &models.Artifact{TaskID: "t1", Content: "v2", Provider: "anthropic", Model: "m"}
	if err := db.SaveArtifact(second); err != nil {
		t.Fatalf("SaveArtifact replace: %v", err)
	}

	got, err := db.GetArtifact("t1")
	if err != nil {
		t.Fatalf("GetArtifact: %v", err)
	}
	if got.Content != "v2" {
		t.Errorf("Content = %q, want v2", got.Content)
	}
}

func TestValidationReportRoundTrip(t *testing.T) {
	db := setupTestDB(t)

	report := &models.ValidationReport{
		TaskID:  "t1",
		Attempt: 0,
		Checks: []models.ValidationCheck{
			{Name: "non_empty", Category: models.CategoryCorrectness, Status: models.CheckPassed},
			{Name: "secret_scan", Category: models.CategorySecurity, Status: models.CheckFailed, Severity: models.SeverityCritical, Detail: "leak"},
		},
		Score:     0.65,
		CreatedAt: time.Now().Truncate(time.Second),
	}
	if err := db.SaveValidationReport(report); err != nil {
		t.Fatalf("SaveValidationReport: %v", err)
	}

	// Reports are immutable per (task, attempt).
	if err := db.SaveValidationReport(report); err == nil {
		t.Error("re-saving same attempt succeeded, want error")
	}

	reports, err := db.ListValidationReports("t1")
	if err != nil {
		t.Fatalf("ListValidationReports: %v", err)
	}
	if len(reports) != 1 {
		t.Fatalf("got %d reports, want 1", len(reports))
	}
	got := reports[0]
	if got.Score != 0.65 {
		t.Errorf("Score = %v, want 0.65", got.Score)
	}
	if len(got.Checks) != 2 {
		t.Fatalf("got %d checks, want 2", len(got.Checks))
	}
	if got.Checks[1].Severity != models.SeverityCritical {
		t.Errorf("check severity = %v, want critical", got.Checks[1].Severity)
	}
}

func TestRefinementAttempts(t *testing.T) {
	db := setupTestDB(t)

	for i, outcome := range []models.RefinementOutcome{models.RefinementImproved, models.RefinementNoProgress} {
		err := db.SaveRefinementAttempt(&models.RefinementAttempt{
			TaskID: "t1", Attempt: i + 1, Strategy: "correctness",
			InputScore: 0.6, OutputScore: 0.7, Outcome: outcome,
			CreatedAt: time.Now(),
		})
		if err != nil {
			t.Fatalf("SaveRefinementAttempt: %v", err)
		}
	}

	attempts, err := db.ListRefinementAttempts("t1")
	if err != nil {
		t.Fatalf("ListRefinementAttempts: %v", err)
	}
	if len(attempts) != 2 {
		t.Fatalf("got %d attempts, want 2", len(attempts))
	}
	if attempts[0].Attempt != 1 || attempts[1].Attempt != 2 {
		t.Errorf("attempts out of order: %v, %v", attempts[0].Attempt, attempts[1].Attempt)
	}
}

func TestEscalationExactlyOnce(t *testing.T) {
	db := setupTestDB(t)

	esc := &models.EscalationRequest{
		ID:          "esc-1",
		TaskID:      "t1",
		Reason:      models.EscalationReasonLowConfidence,
		SubmittedAt: time.Now().Truncate(time.Second),
		Status:      models.EscalationPending,
	}
	if err := db.CreateEscalation(esc); err != nil {
		t.Fatalf("CreateEscalation: %v", err)
	}

	now := time.Now()
	if err := db.ResolveEscalation("t1", models.EscalationApproved, "lgtm", "alice", now); err != nil {
		t.Fatalf("ResolveEscalation: %v", err)
	}

	err := db.ResolveEscalation("t1", models.EscalationRejected, "no", "bob", now)
	if !errors.Is(err, ErrAlreadyResolved) {
		t.Errorf("second resolve err = %v, want ErrAlreadyResolved", err)
	}

	got, err := db.GetEscalation("t1")
	if err != nil {
		t.Fatalf("GetEscalation: %v", err)
	}
	if got.Status != models.EscalationApproved || got.ResolverID != "alice" {
		t.Errorf("escalation = %+v, first resolution should win", got)
	}
}

func TestResolveEscalationRejectsNonTerminal(t *testing.T) {
	db := setupTestDB(t)
	err := db.ResolveEscalation("t1", models.EscalationPending, "", "", time.Now())
	if err == nil {
		t.Error("resolving to pending succeeded, want error")
	}
}

func TestExpirePendingEscalations(t *testing.T) {
	db := setupTestDB(t)

	now := time.Now().Truncate(time.Second)
	old := &models.EscalationRequest{
		ID: "esc-old", TaskID: "t-old",
		Reason:      models.EscalationReasonAttemptsExhausted,
		SubmittedAt: now.Add(-80 * time.Hour),
		Status:      models.EscalationPending,
	}
	fresh := &models.EscalationRequest{
		ID: "esc-new", TaskID: "t-new",
		Reason:      models.EscalationReasonLowConfidence,
		SubmittedAt: now.Add(-time.Hour),
		Status:      models.EscalationPending,
	}
	for _, e := range []*models.EscalationRequest{old, fresh} {
		if err := db.CreateEscalation(e); err != nil {
			t.Fatalf("CreateEscalation: %v", err)
		}
	}

	expired, err := db.ExpirePendingEscalations(now.Add(-72*time.Hour), now)
	if err != nil {
		t.Fatalf("ExpirePendingEscalations: %v", err)
	}
	if len(expired) != 1 || expired[0].TaskID != "t-old" {
		t.Fatalf("expired = %+v, want t-old only", expired)
	}

	got, _ := db.GetEscalation("t-old")
	if got.Status != models.EscalationExpired {
		t.Errorf("t-old status = %v, want expired", got.Status)
	}
	got, _ = db.GetEscalation("t-new")
	if got.Status != models.EscalationPending {
		t.Errorf("t-new status = %v, want pending", got.Status)
	}
}

func TestVersionPersistence(t *testing.T) {
	db := setupTestDB(t)

	v := &models.CapsuleVersion{
		ID:          "v1",
		ParentIDs:   []string{"v0a", "v0b"},
		Branch:      "main",
		Tags:        []string{"release"},
		ArtifactRef: "t1",
		Author:      "system",
		Message:     "merge",
		CreatedAt:   time.Now().Truncate(time.Second),
	}
	if err := db.SaveVersion(v); err != nil {
		t.Fatalf("SaveVersion: %v", err)
	}
	if err := db.SaveVersion(v); err == nil {
		t.Error("re-saving version succeeded, want error")
	}

	got, err := db.GetVersion("v1")
	if err != nil {
		t.Fatalf("GetVersion: %v", err)
	}
	if !got.Merge() {
		t.Errorf("ParentIDs = %v, want two parents", got.ParentIDs)
	}
	if len(got.Tags) != 1 || got.Tags[0] != "release" {
		t.Errorf("Tags = %v, want [release]", got.Tags)
	}
}

func TestSwapBranchHead(t *testing.T) {
	db := setupTestDB(t)

	if err := db.SwapBranchHead("main", "", "v1"); err != nil {
		t.Fatalf("create head: %v", err)
	}
	if err := db.SwapBranchHead("main", "", "v9"); !errors.Is(err, ErrHeadMoved) {
		t.Errorf("create over existing head err = %v, want ErrHeadMoved", err)
	}
	if err := db.SwapBranchHead("main", "v1", "v2"); err != nil {
		t.Fatalf("advance head: %v", err)
	}
	if err := db.SwapBranchHead("main", "v1", "v3"); !errors.Is(err, ErrHeadMoved) {
		t.Errorf("stale swap err = %v, want ErrHeadMoved", err)
	}

	head, err := db.GetBranchHead("main")
	if err != nil {
		t.Fatalf("GetBranchHead: %v", err)
	}
	if head != "v2" {
		t.Errorf("head = %q, want v2", head)
	}
}

func TestUsageLedger(t *testing.T) {
	db := setupTestDB(t)

	// Counts past 32 bits must survive the ledger unchanged; providers
	// report token counts as int64.
	entries := []*UsageEntry{
		{TaskID: "t1", Provider: "anthropic", Model: "m", TokensIn: 100, TokensOut: 50, Cost: 0.01, RecordedAt: time.Now()},
		{TaskID: "t2", Provider: "anthropic", Model: "m", TokensIn: 200, TokensOut: 80, Cost: 0.02, RecordedAt: time.Now()},
		{TaskID: "t3", Provider: "bedrock", Model: "m", TokensIn: 5_000_000_000, TokensOut: 5, Cost: 0.001, RecordedAt: time.Now()},
	}
	for _, e := range entries {
		if err := db.RecordUsage(e); err != nil {
			t.Fatalf("RecordUsage: %v", err)
		}
	}

	summary, err := db.SummarizeUsage()
	if err != nil {
		t.Fatalf("SummarizeUsage: %v", err)
	}
	if len(summary) != 2 {
		t.Fatalf("got %d providers, want 2", len(summary))
	}
	if summary[0].Provider != "anthropic" || summary[0].Calls != 2 || summary[0].TokensIn != 300 {
		t.Errorf("anthropic summary = %+v", summary[0])
	}
	if summary[1].Provider != "bedrock" || summary[1].TokensIn != 5_000_000_000 {
		t.Errorf("bedrock summary = %+v", summary[1])
	}
}

func TestProviderHealthUpsert(t *testing.T) {
	db := setupTestDB(t)

	opened := time.Now().Add(-time.Minute)
	record := &ProviderHealthRecord{
		Provider:            "anthropic",
		State:               "open",
		ConsecutiveFailures: 5,
		OpenedAt:            &opened,
		UpdatedAt:           time.Now(),
	}
	if err := db.SaveProviderHealth(record); err != nil {
		t.Fatalf("SaveProviderHealth() error = %v", err)
	}

	// A later snapshot for the same provider replaces the row.
	record.State = "closed"
	record.ConsecutiveFailures = 0
	record.OpenedAt = nil
	if err := db.SaveProviderHealth(record); err != nil {
		t.Fatalf("SaveProviderHealth() upsert error = %v", err)
	}

	records, err := db.ListProviderHealth()
	if err != nil {
		t.Fatalf("ListProviderHealth() error = %v", err)
	}
	if len(records) != 1 {
		t.Fatalf("got %d records, want 1", len(records))
	}
	got := records[0]
	if got.Provider != "anthropic" || got.State != "closed" || got.ConsecutiveFailures != 0 {
		t.Errorf("record = %+v", got)
	}
	if got.OpenedAt != nil {
		t.Errorf("OpenedAt = %v, want nil", got.OpenedAt)
	}
}
