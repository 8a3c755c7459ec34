// Package aggregation folds orchestrated findings into one explainable risk
// score. Aggregate is a pure function: identical findings and policy always
// produce an identical AggregatedRisk, which auditability and the test suite
// both rely on.
package aggregation

import (
	"github.com/Aidin1998/sentinex/pkg/models"
)

// defaultWeight applies to any source the policy weight table does not name.
const defaultWeight = 1.0

// Aggregate computes the normalized weighted sum of all findings under the
// given policy snapshot.
//
// Signals contribute contribution x weight; patterns contribute
// probability x 100 x weight. An unavailable source contributes the policy
// fallback penalty instead and marks the result degraded: losing a source
// biases toward caution, never toward approval. The explainability map
// records the points each source added to the final score.
func Aggregate(signals []models.SignalFinding, patterns []models.PatternFinding, policy *models.PolicySnapshot) models.AggregatedRisk {
	risk := models.AggregatedRisk{
		Signals:       signals,
		Patterns:      patterns,
		Explain:       make(map[string]float64, len(signals)+len(patterns)),
		PolicyVersion: policy.Version,
	}

	totalWeight := 0.0
	weightedSum := 0.0

	type weighted struct {
		name   string
		points float64
		weight float64
	}
	contributions := make([]weighted, 0, len(signals)+len(patterns))

	for _, f := range signals {
		w := policy.Weight(f.Source, defaultWeight)
		points := policy.FallbackPenalty
		if !f.Unavailable && f.Contribution != nil {
			points = *f.Contribution
		} else {
			risk.Degraded = true
		}
		contributions = append(contributions, weighted{f.Source, points, w})
	}

	for _, f := range patterns {
		w := policy.Weight(f.Pattern, defaultWeight)
		points := f.Probability * 100
		if f.Unavailable {
			points = policy.FallbackPenalty
			risk.Degraded = true
		}
		contributions = append(contributions, weighted{f.Pattern, points, w})
	}

	for _, c := range contributions {
		totalWeight += c.weight
		weightedSum += c.points * c.weight
	}

	if totalWeight > 0 {
		risk.Score = models.ClampScore(weightedSum / totalWeight)
		for _, c := range contributions {
			risk.Explain[c.name] = c.points * c.weight / totalWeight
		}
	}

	return risk
}
