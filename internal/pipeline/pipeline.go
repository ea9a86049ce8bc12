package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/ShayCichocki/crucible/internal/escalate"
	"github.com/ShayCichocki/crucible/internal/gateway"
	"github.com/ShayCichocki/crucible/internal/refine"
	"github.com/ShayCichocki/crucible/internal/router"
	"github.com/ShayCichocki/crucible/internal/state"
	"github.com/ShayCichocki/crucible/internal/version"
	"github.com/ShayCichocki/crucible/pkg/models"
)

// Invoker is the slice of the provider gateway the pipeline needs.
type Invoker interface {
	Invoke(ctx context.Context, req gateway.GenerationRequest, tier models.Tier) (*gateway.GenerationResult, string, error)
	Meter() *gateway.UsageMeter
}

// Refiner runs the bounded repair loop. Satisfied by *refine.Refiner.
type Refiner interface {
	Refine(ctx context.Context, task *models.Task, artifact *models.Artifact, report *models.ValidationReport) (*refine.Result, error)
}

// Gate parks tasks for human review. Satisfied by *escalate.Gate.
type Gate interface {
	Submit(ctx context.Context, task *models.Task, reason string) (*models.EscalationRequest, error)
	Wait(ctx context.Context, taskID string) (*models.EscalationRequest, error)
}

// Config holds pipeline tuning.
type Config struct {
	// AcceptThreshold is the score at or above which output is accepted.
	AcceptThreshold float64
	// RefineThreshold is the score at or above which refinement is
	// attempted; below it the task escalates directly.
	RefineThreshold float64
	// MaxWorkers bounds concurrently executing tasks.
	MaxWorkers int
	// TierModels maps each tier to the model the gateway should request.
	TierModels map[models.Tier]string
	// Author is recorded on version commits.
	Author string
}

// Summary reports how a run settled.
type Summary struct {
	Accepted      int
	Failed        int
	TotalCost     float64
	DroppedEvents uint64
}

// Pipeline owns task status transitions and drives tasks from pending
// to a terminal state.
type Pipeline struct {
	router    *router.Router
	gw        Invoker
	validator refine.Validator
	refiner   Refiner
	gate      Gate
	store     state.Store
	versions  *version.Store
	emitter   *EventEmitter

	cfg Config
	// thresholdMu guards the live-tunable thresholds.
	thresholdMu sync.RWMutex
	accept      float64
	refineFloor float64
	// versionMu serializes version commits with their persistence so
	// the sqlite branch heads track the in-memory graph.
	versionMu sync.Mutex
}

// New creates a Pipeline. The emitter may be nil if nobody subscribes.
func New(r *router.Router, gw Invoker, validator refine.Validator, refiner Refiner, gate Gate, store state.Store, versions *version.Store, emitter *EventEmitter, cfg Config) *Pipeline {
	if cfg.MaxWorkers < 1 {
		cfg.MaxWorkers = 4
	}
	if cfg.Author == "" {
		cfg.Author = "crucible"
	}
	if emitter == nil {
		emitter = NewEventEmitter(100)
	}
	return &Pipeline{
		router:      r,
		gw:          gw,
		validator:   validator,
		refiner:     refiner,
		gate:        gate,
		store:       store,
		versions:    versions,
		emitter:     emitter,
		cfg:         cfg,
		accept:      cfg.AcceptThreshold,
		refineFloor: cfg.RefineThreshold,
	}
}

// Events returns the pipeline's event stream.
func (p *Pipeline) Events() <-chan Event {
	return p.emitter.Events()
}

// SetThresholds swaps the decision boundaries. Tasks already past their
// decision keep their outcome; only future decisions see the change.
func (p *Pipeline) SetThresholds(accept, refineFloor float64) {
	p.thresholdMu.Lock()
	defer p.thresholdMu.Unlock()
	p.accept = accept
	p.refineFloor = refineFloor
}

func (p *Pipeline) thresholds() (accept, refineFloor float64) {
	p.thresholdMu.RLock()
	defer p.thresholdMu.RUnlock()
	return p.accept, p.refineFloor
}

// Run drives all tasks of a request to terminal states. Tasks run
// concurrently up to MaxWorkers, respecting dependency order. On
// cancellation, running and unstarted tasks fail with a cancelled
// reason; tasks already accepted stay accepted.
func (p *Pipeline) Run(ctx context.Context, requestID string, tasks []*models.Task) (*Summary, error) {
	graph := NewGraph()
	if err := graph.Build(tasks); err != nil {
		return nil, err
	}

	for _, task := range tasks {
		existing, err := p.store.GetTask(task.ID)
		if err != nil {
			return nil, err
		}
		if existing == nil {
			if err := p.store.CreateTask(task); err != nil {
				return nil, err
			}
		}
	}

	sem := make(chan struct{}, p.cfg.MaxWorkers)
	settled := make(chan struct{}, len(tasks))
	var wg sync.WaitGroup

	for !graph.Settled() {
		for _, task := range graph.Blocked() {
			p.failTask(task, models.ReasonDependency, fmt.Errorf("a dependency did not complete"))
		}
		if graph.Settled() {
			break
		}

		for _, task := range graph.Ready() {
			wg.Add(1)
			go func(task *models.Task) {
				defer wg.Done()
				select {
				case sem <- struct{}{}:
					defer func() { <-sem }()
				case <-ctx.Done():
					p.failTask(task, models.ReasonCancelled, ctx.Err())
					graph.MarkDone(task.ID, false)
					settled <- struct{}{}
					return
				}

				accepted := p.runTask(ctx, task)
				graph.MarkDone(task.ID, accepted)
				settled <- struct{}{}
			}(task)
		}

		select {
		case <-settled:
		case <-ctx.Done():
			// Stop dispatching. Workers observe the same context and
			// settle their own tasks; undispatched ones fail here.
			wg.Wait()
			for _, task := range graph.Ready() {
				p.failTask(task, models.ReasonCancelled, ctx.Err())
				graph.MarkDone(task.ID, false)
			}
			for _, task := range graph.Blocked() {
				p.failTask(task, models.ReasonDependency, ctx.Err())
			}
		}
	}
	wg.Wait()

	summary := p.summarize(requestID)
	p.emitter.Emit(Event{Type: EventRunDone, Message: requestID})
	return summary, nil
}

// runTask takes one task from routed through to a terminal state.
// Returns true if the task was accepted.
func (p *Pipeline) runTask(ctx context.Context, task *models.Task) bool {
	// A resumed task that was already parked goes straight back to the
	// gate; its escalation is persisted and may even be decided by now.
	if task.Status == models.TaskStatusEscalated {
		artifact, err := p.store.GetArtifact(task.ID)
		if err != nil || artifact == nil {
			return p.failTask(task, models.ReasonCapacity, err)
		}
		return p.awaitDecision(ctx, task, artifact)
	}

	task.Tier = p.router.Route(task)
	task.Status = models.TaskStatusRouted
	p.persist(task)
	p.emitter.Emit(Event{Type: EventTaskRouted, TaskID: task.ID, Tier: task.Tier})

	task.Status = models.TaskStatusExecuting
	p.persist(task)
	p.emitter.Emit(Event{Type: EventTaskExecuting, TaskID: task.ID, Tier: task.Tier})

	result, provider, err := p.gw.Invoke(ctx, gateway.GenerationRequest{
		Prompt: task.Description,
		Model:  p.cfg.TierModels[task.Tier],
	}, task.Tier)
	task.AttemptCount++
	if err != nil {
		if ctx.Err() != nil {
			return p.failTask(task, models.ReasonCancelled, err)
		}
		return p.failTask(task, models.ReasonCapacity, err)
	}
	p.recordUsage(task.ID, provider, result)

	artifact := &models.Artifact{
		TaskID:   task.ID,
		Content:  result.Output,
		Provider: provider,
		Model:    result.Model,
	}

	task.Status = models.TaskStatusValidating
	p.persist(task)
	// Attempt numbers continue from what earlier runs persisted, so a
	// resumed task never collides with its own prior reports.
	attempt := 0
	if prior, err := p.store.ListValidationReports(task.ID); err != nil {
		log.Printf("[pipeline] task %s: list reports: %v", task.ID, err)
	} else {
		attempt = len(prior)
	}
	report := p.validator.Aggregate(ctx, artifact, attempt)
	if err := p.store.SaveValidationReport(report); err != nil {
		log.Printf("[pipeline] task %s: save report: %v", task.ID, err)
	}
	p.emitter.Emit(Event{Type: EventTaskValidated, TaskID: task.ID, Score: report.Score})

	accept, refineFloor := p.thresholds()
	switch {
	case report.Score >= accept:
		return p.acceptTask(task, artifact)

	case report.Score >= refineFloor:
		task.Status = models.TaskStatusRefining
		p.persist(task)
		p.emitter.Emit(Event{Type: EventTaskRefining, TaskID: task.ID, Score: report.Score})

		refined, err := p.refiner.Refine(ctx, task, artifact, report)
		p.recordRefinement(task, refined)
		if err != nil {
			if ctx.Err() != nil {
				return p.failTask(task, models.ReasonCancelled, err)
			}
			return p.failTask(task, models.ReasonCapacity, err)
		}
		// The accept boundary may have moved while refinement ran, so
		// the outcome is judged against the live threshold rather than
		// the one the refiner started with.
		accept, _ = p.thresholds()
		if refined.Score >= accept {
			return p.acceptTask(task, refined.Artifact)
		}
		return p.escalateTask(ctx, task, refined.Artifact, models.EscalationReasonAttemptsExhausted)

	default:
		return p.escalateTask(ctx, task, artifact, models.EscalationReasonLowConfidence)
	}
}

// escalateTask parks the task for human review and applies the decision.
func (p *Pipeline) escalateTask(ctx context.Context, task *models.Task, artifact *models.Artifact, reason string) bool {
	task.Status = models.TaskStatusEscalated
	p.persist(task)
	// The candidate artifact is stored before suspending so a resumed
	// run can still apply the human decision.
	if err := p.store.SaveArtifact(artifact); err != nil {
		log.Printf("[pipeline] task %s: save escalated artifact: %v", task.ID, err)
	}
	p.emitter.Emit(Event{Type: EventTaskEscalated, TaskID: task.ID, Message: reason})

	if _, err := p.gate.Submit(ctx, task, reason); err != nil {
		return p.failTask(task, models.ReasonCapacity, err)
	}
	return p.awaitDecision(ctx, task, artifact)
}

// awaitDecision blocks on the human decision and finishes the task
// accordingly.
func (p *Pipeline) awaitDecision(ctx context.Context, task *models.Task, artifact *models.Artifact) bool {
	resolved, err := p.gate.Wait(ctx, task.ID)
	if err != nil {
		if ctx.Err() != nil {
			return p.failTask(task, models.ReasonCancelled, err)
		}
		return p.failTask(task, models.ReasonCapacity, err)
	}

	switch resolved.Status {
	case models.EscalationApproved:
		return p.acceptTask(task, artifact)
	case models.EscalationExpired:
		return p.failTask(task, models.ReasonExpired, nil)
	default:
		return p.failTask(task, models.ReasonRejected, nil)
	}
}

// acceptTask finishes a task with acceptable output and commits the
// artifact to the version graph. Acceptance is never rolled back.
func (p *Pipeline) acceptTask(task *models.Task, artifact *models.Artifact) bool {
	if err := p.store.SaveArtifact(artifact); err != nil {
		log.Printf("[pipeline] task %s: save artifact: %v", task.ID, err)
	}

	v, err := p.commitVersion(task)
	if err != nil {
		log.Printf("[pipeline] task %s: version commit: %v", task.ID, err)
	} else {
		p.emitter.Emit(Event{Type: EventVersionCommitted, TaskID: task.ID, Message: v.ID})
	}

	now := time.Now()
	task.Status = models.TaskStatusAccepted
	task.CompletedAt = &now
	p.persist(task)
	p.emitter.Emit(Event{Type: EventTaskAccepted, TaskID: task.ID})
	return true
}

func (p *Pipeline) failTask(task *models.Task, reason string, cause error) bool {
	now := time.Now()
	task.Status = models.TaskStatusFailed
	task.FailureReason = reason
	task.CompletedAt = &now
	p.persist(task)
	p.emitter.Emit(Event{Type: EventTaskFailed, TaskID: task.ID, Message: reason, Error: cause})
	return false
}

// commitVersion appends the accepted artifact to the request's branch.
// The in-memory commit and its persistence run under one lock so the
// stored branch heads never diverge from the graph.
func (p *Pipeline) commitVersion(task *models.Task) (*models.CapsuleVersion, error) {
	branch := task.RequestID
	if branch == "" {
		branch = "main"
	}

	p.versionMu.Lock()
	defer p.versionMu.Unlock()

	for {
		head := p.versions.Head(branch)
		v, err := p.versions.Commit(version.CommitInput{
			Branch:       branch,
			ExpectedHead: head,
			ArtifactRef:  task.ID,
			Author:       p.cfg.Author,
			Message:      task.Description,
		})
		if err != nil {
			var conflict *version.HeadConflictError
			if errors.As(err, &conflict) {
				stored, herr := p.store.GetBranchHead(branch)
				if herr != nil {
					stored = "unknown"
				}
				log.Printf("[pipeline] branch %s: head moved (memory %s, stored %s), retrying commit", branch, conflict.Actual, stored)
				continue
			}
			return nil, err
		}

		if err := p.store.SaveVersion(v); err != nil {
			return v, err
		}
		if err := p.store.SwapBranchHead(branch, head, v.ID); err != nil {
			return v, err
		}
		return v, nil
	}
}

func (p *Pipeline) persist(task *models.Task) {
	if err := p.store.UpdateTask(task); err != nil {
		log.Printf("[pipeline] task %s: persist: %v", task.ID, err)
	}
}

func (p *Pipeline) recordUsage(taskID, provider string, result *gateway.GenerationResult) {
	entry := &state.UsageEntry{
		TaskID:     taskID,
		Provider:   provider,
		Model:      result.Model,
		TokensIn:   result.TokensIn,
		TokensOut:  result.TokensOut,
		Cost:       p.gw.Meter().Price(result.Model, result.TokensIn, result.TokensOut),
		RecordedAt: time.Now(),
	}
	if err := p.store.RecordUsage(entry); err != nil {
		log.Printf("[pipeline] task %s: record usage: %v", taskID, err)
	}
}

func (p *Pipeline) recordRefinement(task *models.Task, result *refine.Result) {
	if result == nil {
		return
	}
	for _, attempt := range result.Attempts {
		task.AttemptCount++
		if err := p.store.SaveRefinementAttempt(attempt); err != nil {
			log.Printf("[pipeline] task %s: save refinement attempt: %v", task.ID, err)
		}
		if attempt.OutputReport != nil {
			if err := p.store.SaveValidationReport(attempt.OutputReport); err != nil {
				log.Printf("[pipeline] task %s: save refinement report: %v", task.ID, err)
			}
		}
	}
}

func (p *Pipeline) summarize(requestID string) *Summary {
	s := &Summary{
		TotalCost:     p.gw.Meter().TotalCost(),
		DroppedEvents: p.emitter.DroppedCount(),
	}
	tasks, err := p.store.ListTasksByRequest(requestID)
	if err != nil {
		log.Printf("[pipeline] summarize: %v", err)
		return s
	}
	for _, task := range tasks {
		switch task.Status {
		case models.TaskStatusAccepted:
			s.Accepted++
		case models.TaskStatusFailed:
			s.Failed++
		}
	}
	return s
}

// Resume reloads a request's unfinished tasks from the store and drives
// them to completion.
func (p *Pipeline) Resume(ctx context.Context, requestID string) (*Summary, error) {
	unfinished, err := p.store.ListUnfinishedTasks(requestID)
	if err != nil {
		return nil, err
	}
	if len(unfinished) == 0 {
		all, err := p.store.ListTasksByRequest(requestID)
		if err != nil {
			return nil, err
		}
		if len(all) == 0 {
			return nil, fmt.Errorf("request %q has no tasks", requestID)
		}
		// Everything already settled. Summarize without re-dispatching.
		summary := p.summarize(requestID)
		p.emitter.Emit(Event{Type: EventRunDone, Message: requestID})
		return summary, nil
	}

	all, err := p.store.ListTasksByRequest(requestID)
	if err != nil {
		return nil, err
	}
	for _, task := range all {
		if !task.Status.Terminal() {
			// Escalated tasks go back through the gate; everything else
			// restarts from routing.
			if task.Status != models.TaskStatusEscalated {
				task.Status = models.TaskStatusPending
			}
		}
	}
	return p.Run(ctx, requestID, all)
}

var _ Gate = (*escalate.Gate)(nil)
