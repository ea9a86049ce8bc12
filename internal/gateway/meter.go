package gateway

import (
	"sync"
	"time"
)

// CallRecord captures the cost of one successful generation call.
type CallRecord struct {
	// Provider is the backend that served the call.
	Provider string
	// Model is the model used.
	Model string
	// TokensIn is the prompt token count.
	TokensIn int64
	// TokensOut is the completion token count.
	TokensOut int64
	// Cost is the estimated USD cost of the call.
	Cost float64
	// At is when the call completed.
	At time.Time
}

// ModelPricing is USD per million tokens for one model.
type ModelPricing struct {
	InputPerMTok  float64
	OutputPerMTok float64
}

// defaultPricing is the fallback when a model has no pricing entry.
// Approximates mid-tier pricing and should be updated as pricing changes.
var defaultPricing = ModelPricing{InputPerMTok: 3.0, OutputPerMTok: 15.0}

// UsageMeter accumulates per-provider token usage and cost across
// gateway calls. Metering is a side effect of successful calls, never
// part of routing decisions.
type UsageMeter struct {
	mu      sync.Mutex
	pricing map[string]ModelPricing
	records []CallRecord
	byProv  map[string]*ProviderUsage
}

// ProviderUsage is the aggregated usage for one provider.
type ProviderUsage struct {
	Provider  string
	Calls     int
	TokensIn  int64
	TokensOut int64
	Cost      float64
}

// NewUsageMeter creates a meter with the given per-model pricing table.
// A nil table means every call uses the default pricing.
func NewUsageMeter(pricing map[string]ModelPricing) *UsageMeter {
	return &UsageMeter{
		pricing: pricing,
		byProv:  make(map[string]*ProviderUsage),
	}
}

// Record stores one successful call and returns the record with its
// computed cost.
func (m *UsageMeter) Record(provider, model string, tokensIn, tokensOut int64) CallRecord {
	price, ok := m.lookupPricing(model)
	if !ok {
		price = defaultPricing
	}
	cost := float64(tokensIn)/1_000_000*price.InputPerMTok +
		float64(tokensOut)/1_000_000*price.OutputPerMTok

	rec := CallRecord{
		Provider:  provider,
		Model:     model,
		TokensIn:  tokensIn,
		TokensOut: tokensOut,
		Cost:      cost,
		At:        time.Now(),
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.records = append(m.records, rec)
	usage, exists := m.byProv[provider]
	if !exists {
		usage = &ProviderUsage{Provider: provider}
		m.byProv[provider] = usage
	}
	usage.Calls++
	usage.TokensIn += tokensIn
	usage.TokensOut += tokensOut
	usage.Cost += cost

	return rec
}

// Price estimates the USD cost of a call without recording it.
func (m *UsageMeter) Price(model string, tokensIn, tokensOut int64) float64 {
	price, ok := m.lookupPricing(model)
	if !ok {
		price = defaultPricing
	}
	return float64(tokensIn)/1_000_000*price.InputPerMTok +
		float64(tokensOut)/1_000_000*price.OutputPerMTok
}

func (m *UsageMeter) lookupPricing(model string) (ModelPricing, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	price, ok := m.pricing[model]
	return price, ok
}

// Usage returns a copy of the per-provider aggregates.
func (m *UsageMeter) Usage() []ProviderUsage {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]ProviderUsage, 0, len(m.byProv))
	for _, u := range m.byProv {
		out = append(out, *u)
	}
	return out
}

// TotalCost returns the accumulated cost across all providers.
func (m *UsageMeter) TotalCost() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()

	var total float64
	for _, u := range m.byProv {
		total += u.Cost
	}
	return total
}

// Records returns a copy of all call records in order.
func (m *UsageMeter) Records() []CallRecord {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]CallRecord, len(m.records))
	copy(out, m.records)
	return out
}
