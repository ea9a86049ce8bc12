// Package escalate parks tasks that need a human decision and routes
// the decision back to the waiting pipeline.
package escalate

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ShayCichocki/crucible/internal/state"
	"github.com/ShayCichocki/crucible/pkg/models"
)

// ErrNoEscalation is returned when resolving a task that was never
// escalated.
var ErrNoEscalation = errors.New("no escalation for task")

// Decision is a human's resolution of an escalation.
type Decision struct {
	// Approve accepts the escalated output as-is.
	Approve bool
	// Resolution is the human's note on the decision.
	Resolution string
	// ResolverID identifies who decided.
	ResolverID string
}

// Gate suspends tasks awaiting human review. Escalations are persisted
// before any waiting begins, so a crashed pipeline can pick pending
// decisions back up on restart. Resolution is exactly-once: the store's
// status guard rejects every decision after the first.
type Gate struct {
	store state.EscalationStore
	ttl   time.Duration
	now   func() time.Time

	// pending maps task IDs to channels waiting for a resolution.
	pending map[string]chan *models.EscalationRequest
	// requestCh surfaces new escalations to whoever is listening.
	requestCh chan *models.EscalationRequest
	mu        sync.RWMutex
}

// NewGate creates a Gate over the given store. ttl bounds how long an
// escalation may stay pending before it expires.
func NewGate(store state.EscalationStore, ttl time.Duration) *Gate {
	return &Gate{
		store:     store,
		ttl:       ttl,
		now:       time.Now,
		pending:   make(map[string]chan *models.EscalationRequest),
		requestCh: make(chan *models.EscalationRequest, 10),
	}
}

// RequestCh returns a read-only channel carrying new escalations.
func (g *Gate) RequestCh() <-chan *models.EscalationRequest {
	return g.requestCh
}

// Submit persists a new escalation for the task and announces it.
// The write happens before anything can wait on the decision.
func (g *Gate) Submit(ctx context.Context, task *models.Task, reason string) (*models.EscalationRequest, error) {
	esc := &models.EscalationRequest{
		ID:          uuid.New().String(),
		TaskID:      task.ID,
		Reason:      reason,
		SubmittedAt: g.now(),
		Status:      models.EscalationPending,
	}
	if err := g.store.CreateEscalation(esc); err != nil {
		return nil, fmt.Errorf("submit escalation: %w", err)
	}

	select {
	case g.requestCh <- esc:
	default:
		// Nobody listening yet; pending escalations are discoverable
		// through the store.
	}
	log.Printf("[escalate] task %s parked for review: %s", task.ID, reason)
	return esc, nil
}

// Wait blocks until the task's escalation reaches a terminal status or
// the context is cancelled. If the escalation was already resolved, it
// returns immediately, which is what a resumed pipeline needs.
func (g *Gate) Wait(ctx context.Context, taskID string) (*models.EscalationRequest, error) {
	existing, err := g.store.GetEscalation(taskID)
	if err != nil {
		return nil, err
	}
	if existing == nil {
		return nil, fmt.Errorf("task %q: %w", taskID, ErrNoEscalation)
	}
	if existing.Status.Terminal() {
		return existing, nil
	}

	ch := make(chan *models.EscalationRequest, 1)
	g.mu.Lock()
	g.pending[taskID] = ch
	g.mu.Unlock()

	defer func() {
		g.mu.Lock()
		delete(g.pending, taskID)
		g.mu.Unlock()
	}()

	// The resolution may have landed between the store read and the
	// channel registration.
	existing, err = g.store.GetEscalation(taskID)
	if err != nil {
		return nil, err
	}
	if existing.Status.Terminal() {
		return existing, nil
	}

	select {
	case resolved := <-ch:
		return resolved, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Resolve applies a human decision to a pending escalation and wakes
// the waiter. A second decision for the same task fails with
// state.ErrAlreadyResolved.
func (g *Gate) Resolve(taskID string, d Decision) (*models.EscalationRequest, error) {
	status := models.EscalationRejected
	if d.Approve {
		status = models.EscalationApproved
	}

	err := g.store.ResolveEscalation(taskID, status, d.Resolution, d.ResolverID, g.now())
	if err != nil {
		return nil, err
	}

	resolved, err := g.store.GetEscalation(taskID)
	if err != nil {
		return nil, err
	}
	g.notify(resolved)
	log.Printf("[escalate] task %s resolved %s by %s", taskID, status, d.ResolverID)
	return resolved, nil
}

// SweepExpired moves pending escalations past the TTL to expired and
// wakes their waiters.
func (g *Gate) SweepExpired() ([]*models.EscalationRequest, error) {
	now := g.now()
	expired, err := g.store.ExpirePendingEscalations(now.Add(-g.ttl), now)
	if err != nil {
		return nil, err
	}
	for _, esc := range expired {
		g.notify(esc)
		log.Printf("[escalate] task %s expired after %s with no decision", esc.TaskID, g.ttl)
	}
	return expired, nil
}

// RunSweeper periodically expires stale escalations until the context
// is cancelled.
func (g *Gate) RunSweeper(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if _, err := g.SweepExpired(); err != nil {
				log.Printf("[escalate] sweep failed: %v", err)
			}
		case <-ctx.Done():
			return
		}
	}
}

// Pending lists escalations still awaiting a decision.
func (g *Gate) Pending() ([]*models.EscalationRequest, error) {
	return g.store.ListPendingEscalations()
}

func (g *Gate) notify(esc *models.EscalationRequest) {
	g.mu.RLock()
	ch, exists := g.pending[esc.TaskID]
	g.mu.RUnlock()

	if exists {
		select {
		case ch <- esc:
		default:
			// Waiter already notified.
		}
	}
}
