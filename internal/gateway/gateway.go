package gateway

import (
	"context"
	"fmt"
	"log"
	"math/rand"
	"sync"
	"time"

	"github.com/ShayCichocki/crucible/pkg/models"
)

// RetryConfig configures in-gateway retry of transient provider errors.
// These retries happen before a failure counts against the circuit
// breaker, so one flaky call does not trip it.
type RetryConfig struct {
	// MaxAttempts is the attempt count per provider, including the first.
	MaxAttempts int
	// InitialBackoff is the wait before the first retry.
	InitialBackoff time.Duration
	// MaxBackoff caps the wait between retries.
	MaxBackoff time.Duration
	// BackoffFactor multiplies the wait each retry.
	BackoffFactor float64
	// JitterFactor is the maximum jitter as a fraction of the wait.
	JitterFactor float64
}

// DefaultRetryConfig returns the default transient-retry settings.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:    3,
		InitialBackoff: time.Second,
		MaxBackoff:     30 * time.Second,
		BackoffFactor:  2.0,
		JitterFactor:   0.2,
	}
}

// Config configures a Gateway.
type Config struct {
	// TierProviders maps each tier to its provider allow-list in
	// preference order.
	TierProviders map[models.Tier][]string
	// Breaker configures the per-provider circuit breakers.
	Breaker BreakerConfig
	// Retry configures transient-error retry.
	Retry RetryConfig
}

// providerEntry pairs a backend with its breaker.
type providerEntry struct {
	backend GenerationBackend
	breaker *breaker
}

// Gateway routes generation calls to providers with circuit breaking,
// transient retry, failover, and cost metering.
type Gateway struct {
	cfg   Config
	meter *UsageMeter

	mu        sync.RWMutex
	providers map[string]*providerEntry
}

// New creates a Gateway with the given configuration and meter.
// A nil meter disables cost metering.
func New(cfg Config, meter *UsageMeter) *Gateway {
	if cfg.Retry.MaxAttempts < 1 {
		cfg.Retry = DefaultRetryConfig()
	}
	if meter == nil {
		meter = NewUsageMeter(nil)
	}
	return &Gateway{
		cfg:       cfg,
		meter:     meter,
		providers: make(map[string]*providerEntry),
	}
}

// Register adds a backend to the gateway. Each provider gets its own
// circuit breaker starting closed.
func (g *Gateway) Register(backend GenerationBackend) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.providers[backend.Name()] = &providerEntry{
		backend: backend,
		breaker: newBreaker(g.cfg.Breaker),
	}
}

// Invoke performs a generation call for the given tier. Providers in
// the tier's allow-list are tried in preference order, skipping any
// whose circuit is open. The provider that served the call is returned
// alongside the result.
func (g *Gateway) Invoke(ctx context.Context, req GenerationRequest, tier models.Tier) (*GenerationResult, string, error) {
	names := g.cfg.TierProviders[tier]
	if len(names) == 0 {
		return nil, "", &GatewayError{Code: CodeNoProvidersForTier, Tier: tier}
	}

	var lastErr error
	for _, name := range names {
		entry := g.lookup(name)
		if entry == nil {
			log.Printf("[gateway] tier %s lists unregistered provider %q, skipping", tier, name)
			continue
		}
		if !entry.breaker.allow() {
			continue
		}

		result, err := g.callWithRetry(ctx, entry, req)
		if err != nil {
			if ctx.Err() != nil {
				// Cancellation is not a provider judgment; stop failover
				// without counting a circuit failure.
				return nil, "", ctx.Err()
			}
			entry.breaker.recordFailure()
			lastErr = err
			log.Printf("[gateway] provider %s failed, trying next: %v", name, err)
			continue
		}

		entry.breaker.recordSuccess()
		g.meter.Record(name, result.Model, result.TokensIn, result.TokensOut)
		return result, name, nil
	}

	return nil, "", &GatewayError{Code: CodeAllProvidersExhausted, Tier: tier, Err: lastErr}
}

// callWithRetry runs one provider call, retrying transient errors with
// exponential backoff. Permanent errors return immediately.
func (g *Gateway) callWithRetry(ctx context.Context, entry *providerEntry, req GenerationRequest) (*GenerationResult, error) {
	cfg := g.cfg.Retry
	backoff := cfg.InitialBackoff

	var lastErr error
	for attempt := 1; attempt <= cfg.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		result, err := entry.backend.Generate(ctx, req)
		if err == nil {
			return result, nil
		}
		lastErr = err

		if !IsTransient(err) {
			return nil, err
		}
		if attempt == cfg.MaxAttempts {
			break
		}

		wait := backoff
		if cfg.JitterFactor > 0 {
			jitter := time.Duration(rand.Float64() * cfg.JitterFactor * float64(backoff))
			wait += jitter
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(wait):
		}

		backoff = time.Duration(float64(backoff) * cfg.BackoffFactor)
		if cfg.MaxBackoff > 0 && backoff > cfg.MaxBackoff {
			backoff = cfg.MaxBackoff
		}
	}

	return nil, fmt.Errorf("retries exhausted: %w", lastErr)
}

// lookup returns the entry for a provider name, or nil.
func (g *Gateway) lookup(name string) *providerEntry {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.providers[name]
}

// Health returns a snapshot of every registered provider's breaker.
func (g *Gateway) Health() []ProviderHealth {
	g.mu.RLock()
	defer g.mu.RUnlock()

	out := make([]ProviderHealth, 0, len(g.providers))
	for name, entry := range g.providers {
		out = append(out, entry.breaker.snapshot(name))
	}
	return out
}

// Meter returns the gateway's usage meter.
func (g *Gateway) Meter() *UsageMeter {
	return g.meter
}
