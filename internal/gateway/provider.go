// Package gateway provides the uniform call interface to external
// generation backends. It owns per-provider circuit breakers, health
// tracking, cost metering, and failover ordering.
package gateway

import (
	"context"
	"errors"
	"fmt"

	"github.com/ShayCichocki/crucible/pkg/models"
)

// GenerationRequest is a single generation call.
type GenerationRequest struct {
	// Prompt is the full prompt for the backend.
	Prompt string
	// Model is the model to use. Empty selects the provider default.
	Model string
}

// GenerationResult is the output of a successful generation call.
type GenerationResult struct {
	// Output is the generated content.
	Output string
	// Model is the model that produced the output.
	Model string
	// TokensIn is the prompt token count reported by the provider.
	TokensIn int64
	// TokensOut is the completion token count reported by the provider.
	TokensOut int64
}

// GenerationBackend is the interface a provider adapter must implement.
// The gateway is the only component allowed to call it.
type GenerationBackend interface {
	// Name returns the provider name used in allow-lists and health records.
	Name() string
	// Generate performs one generation call. Transient failures should be
	// wrapped with Transient so the gateway retries before counting a
	// circuit failure.
	Generate(ctx context.Context, req GenerationRequest) (*GenerationResult, error)
}

// GatewayError reason codes.
const (
	// CodeAllProvidersExhausted means every provider in the tier's
	// allow-list was unavailable or failed.
	CodeAllProvidersExhausted = "all_providers_exhausted"
	// CodeNoProvidersForTier means the tier has an empty allow-list.
	CodeNoProvidersForTier = "no_providers_for_tier"
)

// GatewayError is returned when the gateway cannot complete a call.
type GatewayError struct {
	// Code is one of the gateway reason codes.
	Code string
	// Tier is the tier the call was made for.
	Tier models.Tier
	// Err is the last underlying provider error, if any.
	Err error
}

// Error implements the error interface.
func (e *GatewayError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("gateway: %s (tier %s): %v", e.Code, e.Tier, e.Err)
	}
	return fmt.Sprintf("gateway: %s (tier %s)", e.Code, e.Tier)
}

// Unwrap returns the underlying provider error.
func (e *GatewayError) Unwrap() error {
	return e.Err
}

// transientError marks a provider error as retryable.
type transientError struct {
	err error
}

func (e *transientError) Error() string {
	return "transient: " + e.err.Error()
}

func (e *transientError) Unwrap() error {
	return e.err
}

// Transient wraps an error to mark it retryable within the gateway.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &transientError{err: err}
}

// IsTransient reports whether err is marked transient.
func IsTransient(err error) bool {
	var te *transientError
	return errors.As(err, &te)
}
