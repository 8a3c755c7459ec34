// Package signals defines the contract for external risk sources (KYC
// status, AML vendor scores, sanctions screening) plus the reference
// providers shipped with the engine. Vendor wire protocols live in
// adapters outside the engine; a provider only has to turn its answer
// into a SignalFinding.
package signals

import (
	"context"

	"github.com/Aidin1998/sentinex/pkg/models"
)

// Provider is one external identity or risk source. Assess must be
// idempotent for identical input; latency bounds and failure isolation are
// the orchestrator's responsibility.
type Provider interface {
	Name() string
	Assess(ctx context.Context, subject models.SubjectProfile, tx models.TransactionContext) (models.SignalFinding, error)
}

// StaticProvider returns a fixed finding on every call. Useful for wiring
// defaults and tests.
type StaticProvider struct {
	name         string
	contribution float64
	confidence   float64
}

// NewStaticProvider creates a provider that always reports the given
// contribution and confidence.
func NewStaticProvider(name string, contribution, confidence float64) *StaticProvider {
	return &StaticProvider{name: name, contribution: contribution, confidence: confidence}
}

// Name returns the provider's source name.
func (p *StaticProvider) Name() string { return p.name }

// Assess returns the fixed finding.
func (p *StaticProvider) Assess(_ context.Context, _ models.SubjectProfile, _ models.TransactionContext) (models.SignalFinding, error) {
	return models.NewSignalFinding(p.name, p.contribution, p.confidence), nil
}
