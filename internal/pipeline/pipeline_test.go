package pipeline

import (
	"context"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ShayCichocki/crucible/internal/escalate"
	"github.com/ShayCichocki/crucible/internal/gateway"
	"github.com/ShayCichocki/crucible/internal/refine"
	"github.com/ShayCichocki/crucible/internal/router"
	"github.com/ShayCichocki/crucible/internal/state"
	"github.com/ShayCichocki/crucible/internal/version"
	"github.com/ShayCichocki/crucible/pkg/models"
)

// fakeInvoker echoes a fixed output per task description and tracks
// concurrency.
type fakeInvoker struct {
	outputs     map[string]string
	errs        map[string]error
	meter       *gateway.UsageMeter
	mu          sync.Mutex
	inFlight    int
	maxInFlight int
	calls       atomic.Int64
}

func newFakeInvoker() *fakeInvoker {
	return &fakeInvoker{
		outputs: make(map[string]string),
		errs:    make(map[string]error),
		meter:   gateway.NewUsageMeter(nil),
	}
}

func (f *fakeInvoker) Invoke(ctx context.Context, req gateway.GenerationRequest, tier models.Tier) (*gateway.GenerationResult, string, error) {
	if err := ctx.Err(); err != nil {
		return nil, "", err
	}
	f.calls.Add(1)

	f.mu.Lock()
	f.inFlight++
	if f.inFlight > f.maxInFlight {
		f.maxInFlight = f.inFlight
	}
	f.mu.Unlock()
	time.Sleep(5 * time.Millisecond)
	f.mu.Lock()
	f.inFlight--
	f.mu.Unlock()

	if err, ok := f.errs[req.Prompt]; ok {
		return nil, "", err
	}
	output, ok := f.outputs[req.Prompt]
	if !ok {
		output = "output for " + req.Prompt
	}
	f.meter.Record("fake", "fake-model", 100, 50)
	return &gateway.GenerationResult{Output: output, Model: "fake-model", TokensIn: 100, TokensOut: 50}, "fake", nil
}

func (f *fakeInvoker) Meter() *gateway.UsageMeter { return f.meter }

// fakeValidator maps artifact content to a fixed score; unknown content
// scores 0.95.
type fakeValidator struct {
	scores map[string]float64
}

func (f *fakeValidator) Aggregate(ctx context.Context, artifact *models.Artifact, attempt int) *models.ValidationReport {
	score, ok := f.scores[artifact.Content]
	if !ok {
		score = 0.95
	}
	return &models.ValidationReport{
		TaskID:    artifact.TaskID,
		Attempt:   attempt,
		Score:     score,
		CreatedAt: time.Now(),
	}
}

// fakeRefiner returns a scripted result and remembers whether it ran.
type fakeRefiner struct {
	result *refine.Result
	called atomic.Bool
}

func (f *fakeRefiner) Refine(ctx context.Context, task *models.Task, artifact *models.Artifact, report *models.ValidationReport) (*refine.Result, error) {
	f.called.Store(true)
	if f.result != nil {
		return f.result, nil
	}
	return &refine.Result{Artifact: artifact, Report: report, Score: report.Score}, nil
}

type fixture struct {
	pipeline *Pipeline
	invoker  *fakeInvoker
	refiner  *fakeRefiner
	gate     *escalate.Gate
	store    *state.DB
	versions *version.Store
}

func setup(t *testing.T, validator refine.Validator, maxWorkers int) *fixture {
	t.Helper()
	db, err := state.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := db.Migrate(); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	invoker := newFakeInvoker()
	refiner := &fakeRefiner{}
	gate := escalate.NewGate(db, 72*time.Hour)
	versions := version.NewStore()

	r := router.New(router.DefaultConfig())
	p := New(r, invoker, validator, refiner, gate, db, versions, nil, Config{
		AcceptThreshold: 0.9,
		RefineThreshold: 0.5,
		MaxWorkers:      maxWorkers,
	})
	return &fixture{pipeline: p, invoker: invoker, refiner: refiner, gate: gate, store: db, versions: versions}
}

func pendingTask(id, requestID, description string, deps ...string) *models.Task {
	return &models.Task{
		ID:          id,
		RequestID:   requestID,
		Description: description,
		DependsOn:   deps,
		Status:      models.TaskStatusPending,
		CreatedAt:   time.Now(),
	}
}

func TestRunAcceptsHighScoringTask(t *testing.T) {
	fx := setup(t, &fakeValidator{}, 2)

	summary, err := fx.pipeline.Run(context.Background(), "req-1",
		[]*models.Task{pendingTask("t1", "req-1", "fix a typo in the readme")})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if summary.Accepted != 1 || summary.Failed != 0 {
		t.Errorf("summary = %+v, want 1 accepted", summary)
	}

	stored, err := fx.store.GetTask("t1")
	if err != nil || stored == nil {
		t.Fatalf("GetTask: %v, %v", stored, err)
	}
	if stored.Status != models.TaskStatusAccepted {
		t.Errorf("Status = %v, want accepted", stored.Status)
	}
	if stored.CompletedAt == nil {
		t.Error("CompletedAt not set")
	}

	artifact, err := fx.store.GetArtifact("t1")
	if err != nil || artifact == nil {
		t.Fatalf("GetArtifact: %v, %v", artifact, err)
	}

	head := fx.versions.Head("req-1")
	if head == "" {
		t.Fatal("no version committed")
	}
	persisted, err := fx.store.GetBranchHead("req-1")
	if err != nil || persisted != head {
		t.Errorf("stored head = %q, %v, want %q", persisted, err, head)
	}

	usage, err := fx.store.SummarizeUsage()
	if err != nil || len(usage) != 1 {
		t.Errorf("usage = %+v, %v, want one provider", usage, err)
	}
	if fx.refiner.called.Load() {
		t.Error("refiner ran for an accepted artifact")
	}
}

func TestRunRefinesMidScoringTask(t *testing.T) {
	validator := &fakeValidator{scores: map[string]float64{"output for draft work": 0.65}}
	fx := setup(t, validator, 2)

	improved := &models.Artifact{TaskID: "t1", Content: "polished", Provider: "fake", Model: "fake-model"}
	fx.refiner.result = &refine.Result{
		Artifact: improved,
		Report:   &models.ValidationReport{TaskID: "t1", Attempt: 1, Score: 0.93, CreatedAt: time.Now()},
		Score:    0.93,
		Accepted: true,
		Attempts: []*models.RefinementAttempt{{
			TaskID: "t1", Attempt: 1, Strategy: "style",
			InputScore: 0.65, OutputScore: 0.93,
			Outcome: models.RefinementAccepted, CreatedAt: time.Now(),
		}},
	}

	summary, err := fx.pipeline.Run(context.Background(), "req-1",
		[]*models.Task{pendingTask("t1", "req-1", "draft work")})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if summary.Accepted != 1 {
		t.Errorf("summary = %+v, want 1 accepted", summary)
	}
	if !fx.refiner.called.Load() {
		t.Fatal("refiner never ran")
	}

	artifact, _ := fx.store.GetArtifact("t1")
	if artifact.Content != "polished" {
		t.Errorf("stored artifact = %q, want refined output", artifact.Content)
	}
	attempts, err := fx.store.ListRefinementAttempts("t1")
	if err != nil || len(attempts) != 1 {
		t.Errorf("attempts = %+v, %v, want 1", attempts, err)
	}
	task, _ := fx.store.GetTask("t1")
	if task.AttemptCount != 2 {
		t.Errorf("AttemptCount = %d, want 2", task.AttemptCount)
	}
}

func TestRunRefinementJudgedAgainstLiveThreshold(t *testing.T) {
	validator := &fakeValidator{scores: map[string]float64{"output for draft work": 0.65}}
	fx := setup(t, validator, 2)

	// The bar was raised after the refiner was built. Its own verdict
	// says accepted, but the refined score sits below the live accept
	// threshold, so the task must escalate instead.
	fx.pipeline.SetThresholds(0.95, 0.5)
	improved := &models.Artifact{TaskID: "t1", Content: "polished", Provider: "fake", Model: "fake-model"}
	fx.refiner.result = &refine.Result{
		Artifact: improved,
		Report:   &models.ValidationReport{TaskID: "t1", Attempt: 1, Score: 0.93, CreatedAt: time.Now()},
		Score:    0.93,
		Accepted: true,
	}

	go func() {
		esc := <-fx.gate.RequestCh()
		if esc.Reason != models.EscalationReasonAttemptsExhausted {
			t.Errorf("Reason = %q, want attempts_exhausted", esc.Reason)
		}
		if _, err := fx.gate.Resolve(esc.TaskID, escalate.Decision{Approve: false, Resolution: "still short", ResolverID: "alice"}); err != nil {
			t.Errorf("Resolve: %v", err)
		}
	}()

	summary, err := fx.pipeline.Run(context.Background(), "req-1",
		[]*models.Task{pendingTask("t1", "req-1", "draft work")})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if summary.Accepted != 0 || summary.Failed != 1 {
		t.Errorf("summary = %+v, want 1 failed", summary)
	}
}

func TestRunEscalatesLowScoreWithoutRefining(t *testing.T) {
	validator := &fakeValidator{scores: map[string]float64{"output for hopeless": 0.3}}
	fx := setup(t, validator, 2)

	go func() {
		esc := <-fx.gate.RequestCh()
		if esc.Reason != models.EscalationReasonLowConfidence {
			t.Errorf("Reason = %q, want low_confidence", esc.Reason)
		}
		if _, err := fx.gate.Resolve(esc.TaskID, escalate.Decision{Approve: false, Resolution: "not usable", ResolverID: "alice"}); err != nil {
			t.Errorf("Resolve: %v", err)
		}
	}()

	summary, err := fx.pipeline.Run(context.Background(), "req-1",
		[]*models.Task{pendingTask("t1", "req-1", "hopeless")})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if summary.Failed != 1 {
		t.Errorf("summary = %+v, want 1 failed", summary)
	}
	if fx.refiner.called.Load() {
		t.Error("refiner ran below the refine threshold")
	}

	task, _ := fx.store.GetTask("t1")
	if task.FailureReason != models.ReasonRejected {
		t.Errorf("FailureReason = %q, want rejected", task.FailureReason)
	}
}

func TestRunEscalationApprovedAcceptsArtifact(t *testing.T) {
	validator := &fakeValidator{scores: map[string]float64{"output for shaky": 0.3}}
	fx := setup(t, validator, 2)

	go func() {
		esc := <-fx.gate.RequestCh()
		if _, err := fx.gate.Resolve(esc.TaskID, escalate.Decision{Approve: true, Resolution: "good enough", ResolverID: "alice"}); err != nil {
			t.Errorf("Resolve: %v", err)
		}
	}()

	summary, err := fx.pipeline.Run(context.Background(), "req-1",
		[]*models.Task{pendingTask("t1", "req-1", "shaky")})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if summary.Accepted != 1 {
		t.Errorf("summary = %+v, want 1 accepted", summary)
	}
	if fx.versions.Head("req-1") == "" {
		t.Error("approved artifact was not committed")
	}
}

func TestRunFailsDependentsOfFailedTask(t *testing.T) {
	fx := setup(t, &fakeValidator{}, 2)
	fx.invoker.errs["doomed"] = gateway.Transient(context.DeadlineExceeded)

	summary, err := fx.pipeline.Run(context.Background(), "req-1", []*models.Task{
		pendingTask("t1", "req-1", "doomed"),
		pendingTask("t2", "req-1", "downstream", "t1"),
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if summary.Failed != 2 {
		t.Errorf("summary = %+v, want 2 failed", summary)
	}

	t1, _ := fx.store.GetTask("t1")
	if t1.FailureReason != models.ReasonCapacity {
		t.Errorf("t1 reason = %q, want capacity", t1.FailureReason)
	}
	t2, _ := fx.store.GetTask("t2")
	if t2.FailureReason != models.ReasonDependency {
		t.Errorf("t2 reason = %q, want dependency_failed", t2.FailureReason)
	}
	if fx.invoker.calls.Load() != 1 {
		t.Errorf("invoker called %d times, want 1", fx.invoker.calls.Load())
	}
}

func TestRunFailsDeepDependencyChain(t *testing.T) {
	fx := setup(t, &fakeValidator{}, 2)
	fx.invoker.errs["doomed"] = gateway.Transient(context.DeadlineExceeded)

	// A linear chain behind the failure. The run must settle every link,
	// not just the immediate dependent.
	tasks := []*models.Task{
		pendingTask("t1", "req-1", "doomed"),
		pendingTask("t2", "req-1", "step two", "t1"),
		pendingTask("t3", "req-1", "step three", "t2"),
		pendingTask("t4", "req-1", "step four", "t3"),
		pendingTask("t5", "req-1", "step five", "t4"),
	}

	done := make(chan *Summary, 1)
	go func() {
		summary, err := fx.pipeline.Run(context.Background(), "req-1", tasks)
		if err != nil {
			t.Errorf("Run: %v", err)
		}
		done <- summary
	}()

	var summary *Summary
	select {
	case summary = <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("Run did not settle the dependency chain")
	}

	if summary.Failed != 5 {
		t.Errorf("summary = %+v, want 5 failed", summary)
	}
	for _, id := range []string{"t2", "t3", "t4", "t5"} {
		stored, _ := fx.store.GetTask(id)
		if stored.FailureReason != models.ReasonDependency {
			t.Errorf("%s reason = %q, want dependency_failed", id, stored.FailureReason)
		}
	}
	if fx.invoker.calls.Load() != 1 {
		t.Errorf("invoker called %d times, want 1", fx.invoker.calls.Load())
	}
}

func TestRunRespectsWorkerBound(t *testing.T) {
	fx := setup(t, &fakeValidator{}, 2)

	var tasks []*models.Task
	for i := 0; i < 8; i++ {
		tasks = append(tasks, pendingTask(
			"t"+string(rune('0'+i)), "req-1", "independent work "+string(rune('0'+i))))
	}

	summary, err := fx.pipeline.Run(context.Background(), "req-1", tasks)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if summary.Accepted != 8 {
		t.Errorf("summary = %+v, want 8 accepted", summary)
	}

	fx.invoker.mu.Lock()
	max := fx.invoker.maxInFlight
	fx.invoker.mu.Unlock()
	if max > 2 {
		t.Errorf("max concurrent invocations = %d, want at most 2", max)
	}
}

func TestRunCancellationFailsPendingKeepsAccepted(t *testing.T) {
	validator := &fakeValidator{scores: map[string]float64{"output for parked": 0.3}}
	fx := setup(t, validator, 2)

	ctx, cancel := context.WithCancel(context.Background())

	// t1 accepts immediately; t2 escalates and waits. Cancel once t2 is
	// parked.
	go func() {
		<-fx.gate.RequestCh()
		cancel()
	}()

	summary, err := fx.pipeline.Run(ctx, "req-1", []*models.Task{
		pendingTask("t1", "req-1", "easy win"),
		pendingTask("t2", "req-1", "parked"),
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if summary.Accepted != 1 || summary.Failed != 1 {
		t.Errorf("summary = %+v, want 1 accepted 1 failed", summary)
	}

	t1, _ := fx.store.GetTask("t1")
	if t1.Status != models.TaskStatusAccepted {
		t.Errorf("accepted task rolled back to %v", t1.Status)
	}
	t2, _ := fx.store.GetTask("t2")
	if t2.FailureReason != models.ReasonCancelled {
		t.Errorf("t2 reason = %q, want cancelled", t2.FailureReason)
	}
}

func TestRunRejectsCyclicTasks(t *testing.T) {
	fx := setup(t, &fakeValidator{}, 2)
	_, err := fx.pipeline.Run(context.Background(), "req-1", []*models.Task{
		pendingTask("t1", "req-1", "a", "t2"),
		pendingTask("t2", "req-1", "b", "t1"),
	})
	if err == nil {
		t.Fatal("cyclic task set accepted")
	}
}

func TestResumeFinishesEscalatedTask(t *testing.T) {
	validator := &fakeValidator{scores: map[string]float64{"output for parked": 0.3}}
	fx := setup(t, validator, 2)

	// First run: the task escalates, then the run is cancelled while
	// the decision is pending.
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-fx.gate.RequestCh()
		cancel()
	}()
	if _, err := fx.pipeline.Run(ctx, "req-1",
		[]*models.Task{pendingTask("t1", "req-1", "parked")}); err != nil {
		t.Fatalf("first Run: %v", err)
	}

	// The escalation survived, so a human can still decide.
	if _, err := fx.gate.Resolve("t1", escalate.Decision{Approve: true, ResolverID: "alice"}); err != nil {
		t.Fatalf("Resolve: %v", err)
	}

	// Reset the task as a resumed run would find it.
	stored, _ := fx.store.GetTask("t1")
	stored.Status = models.TaskStatusEscalated
	stored.FailureReason = ""
	stored.CompletedAt = nil
	if err := fx.store.UpdateTask(stored); err != nil {
		t.Fatalf("UpdateTask: %v", err)
	}

	summary, err := fx.pipeline.Resume(context.Background(), "req-1")
	if err != nil {
		t.Fatalf("Resume: %v", err)
	}
	if summary.Accepted != 1 {
		t.Errorf("summary = %+v, want 1 accepted", summary)
	}
	if fx.invoker.calls.Load() != 1 {
		t.Errorf("invoker called %d times, want 1 (no regeneration on resume)", fx.invoker.calls.Load())
	}
}

func TestResumeContinuesAttemptNumbering(t *testing.T) {
	fx := setup(t, &fakeValidator{}, 2)

	// An earlier run validated once and died before settling the task.
	// The resumed run must number its report past the persisted one
	// instead of colliding with it.
	crashed := pendingTask("t1", "req-1", "fix a typo in the readme")
	crashed.Status = models.TaskStatusValidating
	if err := fx.store.CreateTask(crashed); err != nil {
		t.Fatalf("CreateTask: %v", err)
	}
	if err := fx.store.SaveValidationReport(&models.ValidationReport{
		TaskID: "t1", Attempt: 0, Score: 0.4, CreatedAt: time.Now(),
	}); err != nil {
		t.Fatalf("SaveValidationReport: %v", err)
	}

	summary, err := fx.pipeline.Resume(context.Background(), "req-1")
	if err != nil {
		t.Fatalf("Resume: %v", err)
	}
	if summary.Accepted != 1 {
		t.Errorf("summary = %+v, want 1 accepted", summary)
	}

	reports, err := fx.store.ListValidationReports("t1")
	if err != nil {
		t.Fatalf("ListValidationReports: %v", err)
	}
	if len(reports) != 2 {
		t.Fatalf("got %d reports, want 2", len(reports))
	}
	if reports[1].Attempt != 1 {
		t.Errorf("resumed report attempt = %d, want 1", reports[1].Attempt)
	}
}

func TestResumeSettledRequestDoesNotRedispatch(t *testing.T) {
	fx := setup(t, &fakeValidator{}, 2)

	if _, err := fx.pipeline.Run(context.Background(), "req-1",
		[]*models.Task{pendingTask("t1", "req-1", "fix a typo in the readme")}); err != nil {
		t.Fatalf("Run: %v", err)
	}

	summary, err := fx.pipeline.Resume(context.Background(), "req-1")
	if err != nil {
		t.Fatalf("Resume: %v", err)
	}
	if summary.Accepted != 1 {
		t.Errorf("summary = %+v, want 1 accepted", summary)
	}
	if fx.invoker.calls.Load() != 1 {
		t.Errorf("invoker called %d times, want 1", fx.invoker.calls.Load())
	}
}
