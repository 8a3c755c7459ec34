package patterns

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/Aidin1998/sentinex/internal/history"
	"github.com/Aidin1998/sentinex/pkg/models"
)

// LayeringDetector scores rapid succession of outbound transfers to many
// distinct, often novel recipients inside a trailing window. A transfer at
// or above the policy reporting threshold boosts the score, since a large
// movement suggests imminent conversion out of the monitored system.
type LayeringDetector struct {
	store  history.Store
	logger *zap.SugaredLogger
}

// NewLayeringDetector creates the layering detector.
func NewLayeringDetector(store history.Store, logger *zap.SugaredLogger) *LayeringDetector {
	return &LayeringDetector{store: store, logger: logger}
}

// Name returns the canonical detector name.
func (d *LayeringDetector) Name() string { return PatternLayering }

// Detect computes the layering probability for the transfer under
// assessment. Calibration parameters, with defaults:
// window_hours 1, distinct_target 5, novelty_lookback_days 30,
// distinct_weight 0.4, novelty_weight 0.3, large_transfer_weight 0.3,
// critical_threshold 0.85.
func (d *LayeringDetector) Detect(ctx context.Context, req *models.AssessmentRequest, policy *models.PolicySnapshot) (models.PatternFinding, error) {
	window := time.Duration(policy.DetectorParam(PatternLayering, "window_hours", 1) * float64(time.Hour))
	lookback := time.Duration(policy.DetectorParam(PatternLayering, "novelty_lookback_days", 30) * 24 * float64(time.Hour))
	distinctTarget := policy.DetectorParam(PatternLayering, "distinct_target", 5)
	distinctWeight := policy.DetectorParam(PatternLayering, "distinct_weight", 0.4)
	noveltyWeight := policy.DetectorParam(PatternLayering, "novelty_weight", 0.3)
	largeWeight := policy.DetectorParam(PatternLayering, "large_transfer_weight", 0.3)
	critical := policy.DetectorParam(PatternLayering, "critical_threshold", 0.85)

	now := req.Context.Timestamp
	windowStart := now.Add(-window)

	prior, err := d.store.TransfersBySubject(ctx, req.SubjectID, now.Add(-lookback))
	if err != nil {
		return models.PatternFinding{}, fmt.Errorf("layering: load history: %w", err)
	}
	if len(prior) == 0 {
		return insufficientData(PatternLayering, "no transfer history for subject"), nil
	}

	// Split history at the window boundary: transfers before it form the
	// known-recipient set for novelty.
	known := make(map[string]bool)
	windowed := make([]models.Transfer, 0, len(prior)+1)
	for _, t := range prior {
		if t.Timestamp.Before(windowStart) {
			if t.Counterparty != "" {
				known[t.Counterparty] = true
			}
			continue
		}
		if t.Direction == models.DirectionOutbound {
			windowed = append(windowed, t)
		}
	}
	current := req.Transfer()
	if current.Direction == models.DirectionOutbound {
		windowed = append(windowed, current)
	}

	if len(windowed) == 0 {
		return models.PatternFinding{
			Pattern:     PatternLayering,
			Probability: 0,
			Severity:    models.SeverityLow,
			Features:    map[string]float64{"window_transfers": 0},
			Description: "no outbound transfers in window",
		}, nil
	}

	// Count distinct and novel recipients plus reportable-size transfers.
	distinct := make(map[string]bool)
	novel := make(map[string]bool)
	large := 0
	for _, t := range windowed {
		if t.Counterparty == "" {
			continue
		}
		distinct[t.Counterparty] = true
		if !known[t.Counterparty] {
			novel[t.Counterparty] = true
		}
		if t.Amount.GreaterThanOrEqual(policy.ReportingThreshold) {
			large++
		}
	}

	distinctScore := float64(len(distinct)) / distinctTarget
	if distinctScore > 1 {
		distinctScore = 1
	}
	noveltyScore := 0.0
	if len(distinct) > 0 {
		noveltyScore = float64(len(novel)) / float64(len(distinct))
	}
	largeScore := 0.0
	if large > 0 {
		largeScore = 1
	}

	probability := capProbability(
		distinctScore*distinctWeight + noveltyScore*noveltyWeight + largeScore*largeWeight)

	features := map[string]float64{
		"distinct_recipients": float64(len(distinct)),
		"novel_recipients":    float64(len(novel)),
		"large_transfers":     float64(large),
		"distinct_component":  distinctScore * distinctWeight,
		"novelty_component":   noveltyScore * noveltyWeight,
		"large_component":     largeScore * largeWeight,
	}

	finding := models.PatternFinding{
		Pattern:     PatternLayering,
		Probability: probability,
		Severity:    severityFor(probability, critical),
		Features:    features,
		Description: fmt.Sprintf("%d distinct recipients (%d novel) in %s, %d at or above reporting threshold", len(distinct), len(novel), window, large),
	}
	if d.logger != nil && probability > 0.5 {
		d.logger.Infow("layering pattern detected",
			"subject_id", req.SubjectID,
			"probability", probability,
			"distinct", len(distinct),
			"novel", len(novel))
	}
	return finding, nil
}
