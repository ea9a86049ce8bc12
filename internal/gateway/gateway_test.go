package gateway

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/ShayCichocki/crucible/pkg/models"
)

// fakeBackend is a scriptable GenerationBackend for tests.
type fakeBackend struct {
	name string

	mu    sync.Mutex
	calls int
	// fail returns the error for a given 1-indexed call, nil for success.
	fail func(call int) error
}

func (f *fakeBackend) Name() string { return f.name }

func (f *fakeBackend) Generate(ctx context.Context, req GenerationRequest) (*GenerationResult, error) {
	f.mu.Lock()
	f.calls++
	call := f.calls
	f.mu.Unlock()

	if f.fail != nil {
		if err := f.fail(call); err != nil {
			return nil, err
		}
	}
	return &GenerationResult{
		Output:    "output from " + f.name,
		Model:     "test-model",
		TokensIn:  100,
		TokensOut: 50,
	}, nil
}

func (f *fakeBackend) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func testConfig(tier models.Tier, providers ...string) Config {
	return Config{
		TierProviders: map[models.Tier][]string{tier: providers},
		Breaker:       BreakerConfig{FailureThreshold: 5, RecoveryTimeout: time.Minute},
		Retry: RetryConfig{
			MaxAttempts:    3,
			InitialBackoff: time.Millisecond,
			MaxBackoff:     5 * time.Millisecond,
			BackoffFactor:  2.0,
		},
	}
}

func TestInvokeSuccess(t *testing.T) {
	g := New(testConfig(models.TierBuilder, "alpha"), nil)
	g.Register(&fakeBackend{name: "alpha"})

	result, provider, err := g.Invoke(context.Background(), GenerationRequest{Prompt: "p"}, models.TierBuilder)
	if err != nil {
		t.Fatalf("Invoke() error = %v", err)
	}
	if provider != "alpha" {
		t.Errorf("provider = %q, want alpha", provider)
	}
	if result.Output == "" {
		t.Error("expected output")
	}
}

func TestInvokeFailsOverToNextProvider(t *testing.T) {
	g := New(testConfig(models.TierBuilder, "alpha", "beta"), nil)
	alpha := &fakeBackend{name: "alpha", fail: func(int) error { return errors.New("boom") }}
	beta := &fakeBackend{name: "beta"}
	g.Register(alpha)
	g.Register(beta)

	_, provider, err := g.Invoke(context.Background(), GenerationRequest{Prompt: "p"}, models.TierBuilder)
	if err != nil {
		t.Fatalf("Invoke() error = %v", err)
	}
	if provider != "beta" {
		t.Errorf("provider = %q, want beta", provider)
	}
}

func TestInvokeSkipsOpenCircuit(t *testing.T) {
	cfg := testConfig(models.TierBuilder, "alpha", "beta")
	g := New(cfg, nil)
	alpha := &fakeBackend{name: "alpha", fail: func(int) error { return errors.New("down") }}
	beta := &fakeBackend{name: "beta"}
	g.Register(alpha)
	g.Register(beta)

	// Permanent failures are not retried, so each Invoke costs alpha
	// one circuit failure until it trips at 5.
	for i := 0; i < 5; i++ {
		if _, _, err := g.Invoke(context.Background(), GenerationRequest{Prompt: "p"}, models.TierBuilder); err != nil {
			t.Fatalf("Invoke() error = %v", err)
		}
	}
	alphaCalls := alpha.callCount()
	if alphaCalls != 5 {
		t.Fatalf("alpha called %d times, want 5", alphaCalls)
	}

	// The 6th call must go straight to beta without attempting alpha.
	_, provider, err := g.Invoke(context.Background(), GenerationRequest{Prompt: "p"}, models.TierBuilder)
	if err != nil {
		t.Fatalf("Invoke() error = %v", err)
	}
	if provider != "beta" {
		t.Errorf("provider = %q, want beta", provider)
	}
	if alpha.callCount() != alphaCalls {
		t.Errorf("alpha was attempted while its circuit was open")
	}
}

func TestInvokeRetriesTransientErrors(t *testing.T) {
	g := New(testConfig(models.TierBuilder, "alpha"), nil)
	alpha := &fakeBackend{name: "alpha", fail: func(call int) error {
		if call < 3 {
			return Transient(errors.New("timeout"))
		}
		return nil
	}}
	g.Register(alpha)

	_, _, err := g.Invoke(context.Background(), GenerationRequest{Prompt: "p"}, models.TierBuilder)
	if err != nil {
		t.Fatalf("Invoke() error = %v", err)
	}
	if alpha.callCount() != 3 {
		t.Errorf("alpha called %d times, want 3 (two transient retries)", alpha.callCount())
	}

	// Two flaky calls followed by success must not dent the breaker.
	for _, h := range g.Health() {
		if h.Provider == "alpha" && h.ConsecutiveFailures != 0 {
			t.Errorf("transient retries counted as circuit failures: %d", h.ConsecutiveFailures)
		}
	}
}

func TestInvokePermanentErrorNotRetried(t *testing.T) {
	g := New(testConfig(models.TierBuilder, "alpha"), nil)
	alpha := &fakeBackend{name: "alpha", fail: func(int) error { return errors.New("bad request") }}
	g.Register(alpha)

	_, _, err := g.Invoke(context.Background(), GenerationRequest{Prompt: "p"}, models.TierBuilder)
	if err == nil {
		t.Fatal("expected error")
	}
	if alpha.callCount() != 1 {
		t.Errorf("alpha called %d times, want 1 (permanent errors are not retried)", alpha.callCount())
	}
}

func TestInvokeAllProvidersExhausted(t *testing.T) {
	g := New(testConfig(models.TierBuilder, "alpha", "beta"), nil)
	g.Register(&fakeBackend{name: "alpha", fail: func(int) error { return errors.New("down") }})
	g.Register(&fakeBackend{name: "beta", fail: func(int) error { return errors.New("down") }})

	_, _, err := g.Invoke(context.Background(), GenerationRequest{Prompt: "p"}, models.TierBuilder)
	var gerr *GatewayError
	if !errors.As(err, &gerr) {
		t.Fatalf("error = %v, want *GatewayError", err)
	}
	if gerr.Code != CodeAllProvidersExhausted {
		t.Errorf("code = %q, want %q", gerr.Code, CodeAllProvidersExhausted)
	}
}

func TestInvokeEmptyTier(t *testing.T) {
	g := New(testConfig(models.TierBuilder, "alpha"), nil)
	g.Register(&fakeBackend{name: "alpha"})

	_, _, err := g.Invoke(context.Background(), GenerationRequest{Prompt: "p"}, models.TierArchitect)
	var gerr *GatewayError
	if !errors.As(err, &gerr) {
		t.Fatalf("error = %v, want *GatewayError", err)
	}
	if gerr.Code != CodeNoProvidersForTier {
		t.Errorf("code = %q, want %q", gerr.Code, CodeNoProvidersForTier)
	}
}

func TestInvokeContextCancellation(t *testing.T) {
	g := New(testConfig(models.TierBuilder, "alpha"), nil)
	g.Register(&fakeBackend{name: "alpha", fail: func(int) error {
		return Transient(errors.New("slow"))
	}})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, _, err := g.Invoke(ctx, GenerationRequest{Prompt: "p"}, models.TierBuilder)
	if !errors.Is(err, context.Canceled) {
		t.Errorf("error = %v, want context.Canceled", err)
	}
	// Cancellation must not count against the provider's circuit.
	for _, h := range g.Health() {
		if h.ConsecutiveFailures != 0 {
			t.Errorf("cancellation counted as circuit failure")
		}
	}
}

func TestMeterRecordsSuccessfulCalls(t *testing.T) {
	g := New(testConfig(models.TierBuilder, "alpha"), nil)
	g.Register(&fakeBackend{name: "alpha"})

	for i := 0; i < 3; i++ {
		if _, _, err := g.Invoke(context.Background(), GenerationRequest{Prompt: "p"}, models.TierBuilder); err != nil {
			t.Fatalf("Invoke() error = %v", err)
		}
	}

	usage := g.Meter().Usage()
	if len(usage) != 1 {
		t.Fatalf("usage for %d providers, want 1", len(usage))
	}
	u := usage[0]
	if u.Calls != 3 || u.TokensIn != 300 || u.TokensOut != 150 {
		t.Errorf("usage = %+v", u)
	}
	if u.Cost <= 0 {
		t.Error("cost should be positive")
	}
}

func TestIsTransient(t *testing.T) {
	if IsTransient(errors.New("plain")) {
		t.Error("plain errors are not transient")
	}
	if !IsTransient(Transient(errors.New("timeout"))) {
		t.Error("wrapped errors are transient")
	}
	wrapped := errors.Join(errors.New("outer"), Transient(errors.New("inner")))
	if !IsTransient(wrapped) {
		t.Error("transient marker must survive wrapping")
	}
	if Transient(nil) != nil {
		t.Error("Transient(nil) must be nil")
	}
}
