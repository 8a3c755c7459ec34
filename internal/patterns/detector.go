// Package patterns implements the in-process anomaly detectors: layering,
// circular transfer, velocity/volume anomaly, geographic risk and rapid
// liquidation. Every detector scores the transfer under assessment against
// the subject's recorded behavior and returns a probability in [0,1] with a
// feature-contribution map. Missing history is never an error: it yields
// probability zero with an insufficient-data note.
package patterns

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/Aidin1998/sentinex/internal/history"
	"github.com/Aidin1998/sentinex/pkg/models"
)

// Canonical detector names. These are also the weight and calibration keys
// in PolicySnapshot.
const (
	PatternLayering         = "layering"
	PatternCircularTransfer = "circular_transfer"
	PatternVelocityAnomaly  = "velocity_anomaly"
	PatternGeographicRisk   = "geographic_risk"
	PatternRapidLiquidation = "rapid_liquidation"
)

// Detector scores one behavioral pattern. Detect must be safe for
// concurrent use; calibration comes from the policy snapshot with
// per-detector package defaults.
type Detector interface {
	Name() string
	Detect(ctx context.Context, req *models.AssessmentRequest, policy *models.PolicySnapshot) (models.PatternFinding, error)
}

// Registry holds detectors in registration order. The orchestrator folds
// findings in this order, which keeps aggregation deterministic.
type Registry struct {
	detectors []Detector
	byName    map[string]Detector
}

// NewRegistry registers the given detectors in order.
func NewRegistry(detectors ...Detector) (*Registry, error) {
	r := &Registry{byName: make(map[string]Detector, len(detectors))}
	for _, d := range detectors {
		if err := r.Register(d); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Register appends a detector. Duplicate names are rejected.
func (r *Registry) Register(d Detector) error {
	name := d.Name()
	if _, exists := r.byName[name]; exists {
		return fmt.Errorf("patterns: detector %q already registered", name)
	}
	r.byName[name] = d
	r.detectors = append(r.detectors, d)
	return nil
}

// Detectors returns the registered detectors in registration order.
func (r *Registry) Detectors() []Detector {
	out := make([]Detector, len(r.detectors))
	copy(out, r.detectors)
	return out
}

// Get looks a detector up by name.
func (r *Registry) Get(name string) (Detector, bool) {
	d, ok := r.byName[name]
	return d, ok
}

// DefaultDetectors returns the five detectors in their canonical
// registration order.
func DefaultDetectors(store history.Store, logger *zap.SugaredLogger) []Detector {
	return []Detector{
		NewLayeringDetector(store, logger),
		NewCircularTransferDetector(store, logger),
		NewVelocityAnomalyDetector(store, logger),
		NewGeographicRiskDetector(logger),
		NewRapidLiquidationDetector(store, logger),
	}
}

// severityFor maps a probability to a severity band. The critical cutoff is
// a calibration input; the high/medium cutoffs are fixed.
func severityFor(probability, criticalThreshold float64) models.Severity {
	switch {
	case probability >= criticalThreshold:
		return models.SeverityCritical
	case probability > 0.5:
		return models.SeverityHigh
	case probability > 0.2:
		return models.SeverityMedium
	default:
		return models.SeverityLow
	}
}

// capProbability bounds a probability to [0,1].
func capProbability(p float64) float64 {
	if p < 0 {
		return 0
	}
	if p > 1 {
		return 1
	}
	return p
}

// insufficientData builds the zero-probability finding every detector
// returns when the subject has no usable history.
func insufficientData(pattern, note string) models.PatternFinding {
	return models.PatternFinding{
		Pattern:          pattern,
		Probability:      0,
		Severity:         models.SeverityLow,
		Features:         map[string]float64{"insufficient_data": 1},
		Description:      note,
		InsufficientData: true,
	}
}
