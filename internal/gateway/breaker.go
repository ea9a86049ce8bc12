package gateway

import (
	"sync"
	"time"
)

// CircuitState represents the state of a provider's circuit breaker.
type CircuitState string

const (
	// CircuitClosed allows calls through normally.
	CircuitClosed CircuitState = "closed"
	// CircuitOpen rejects all calls until the recovery timeout elapses.
	CircuitOpen CircuitState = "open"
	// CircuitHalfOpen allows exactly one probe call to test recovery.
	CircuitHalfOpen CircuitState = "half_open"
)

// BreakerConfig configures a provider circuit breaker.
type BreakerConfig struct {
	// FailureThreshold is the consecutive-failure count that opens the
	// circuit. Default 5.
	FailureThreshold int
	// RecoveryTimeout is how long an open circuit waits before allowing
	// a probe. Default 30s.
	RecoveryTimeout time.Duration
}

// DefaultBreakerConfig returns the default breaker settings.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		FailureThreshold: 5,
		RecoveryTimeout:  30 * time.Second,
	}
}

// ProviderHealth is a snapshot of a provider's breaker state.
type ProviderHealth struct {
	// Provider is the provider name.
	Provider string
	// State is the current circuit state.
	State CircuitState
	// ConsecutiveFailures is the current failure streak.
	ConsecutiveFailures int
	// OpenedAt is when the circuit last opened, zero if never.
	OpenedAt time.Time
}

// breaker is a per-provider circuit breaker. State transitions only
// follow closed -> open -> half_open -> {closed | open}. All mutation
// happens under the internal lock.
type breaker struct {
	cfg BreakerConfig

	mu       sync.Mutex
	state    CircuitState
	failures int
	openedAt time.Time
	probing  bool
	now      func() time.Time
}

func newBreaker(cfg BreakerConfig) *breaker {
	if cfg.FailureThreshold < 1 {
		cfg.FailureThreshold = DefaultBreakerConfig().FailureThreshold
	}
	if cfg.RecoveryTimeout <= 0 {
		cfg.RecoveryTimeout = DefaultBreakerConfig().RecoveryTimeout
	}
	return &breaker{
		cfg:   cfg,
		state: CircuitClosed,
		now:   time.Now,
	}
}

// allow reports whether a call may proceed. In the open state it
// transitions to half_open once the recovery timeout has elapsed; the
// half_open state allows exactly one probe at a time.
func (b *breaker) allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case CircuitClosed:
		return true
	case CircuitOpen:
		if b.now().Sub(b.openedAt) >= b.cfg.RecoveryTimeout {
			b.state = CircuitHalfOpen
			b.probing = true
			return true
		}
		return false
	case CircuitHalfOpen:
		// Only the single probe call is admitted.
		if b.probing {
			return false
		}
		b.probing = true
		return true
	default:
		return false
	}
}

// recordSuccess resets the failure streak. A successful probe closes
// the circuit.
func (b *breaker) recordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failures = 0
	if b.state == CircuitHalfOpen {
		b.state = CircuitClosed
	}
	b.probing = false
}

// recordFailure increments the failure streak and opens the circuit at
// the threshold. A failed probe reopens immediately.
func (b *breaker) recordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failures++
	switch b.state {
	case CircuitClosed:
		if b.failures >= b.cfg.FailureThreshold {
			b.state = CircuitOpen
			b.openedAt = b.now()
		}
	case CircuitHalfOpen:
		b.state = CircuitOpen
		b.openedAt = b.now()
	}
	b.probing = false
}

// snapshot returns the current health of the breaker.
func (b *breaker) snapshot(provider string) ProviderHealth {
	b.mu.Lock()
	defer b.mu.Unlock()

	return ProviderHealth{
		Provider:            provider,
		State:               b.state,
		ConsecutiveFailures: b.failures,
		OpenedAt:            b.openedAt,
	}
}
