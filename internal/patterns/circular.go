package patterns

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/Aidin1998/sentinex/internal/history"
	"github.com/Aidin1998/sentinex/pkg/models"
)

// CircularTransferDetector scores funds returning to the subject from the
// recipients it recently paid. Probability is the ratio of return transfers
// to first-hop recipients, capped at 1.
type CircularTransferDetector struct {
	store  history.Store
	logger *zap.SugaredLogger
}

// NewCircularTransferDetector creates the circular transfer detector.
func NewCircularTransferDetector(store history.Store, logger *zap.SugaredLogger) *CircularTransferDetector {
	return &CircularTransferDetector{store: store, logger: logger}
}

// Name returns the canonical detector name.
func (d *CircularTransferDetector) Name() string { return PatternCircularTransfer }

// Detect computes the circular transfer probability. Calibration: window_hours
// (default 72), critical_threshold (default 0.85).
func (d *CircularTransferDetector) Detect(ctx context.Context, req *models.AssessmentRequest, policy *models.PolicySnapshot) (models.PatternFinding, error) {
	window := time.Duration(policy.DetectorParam(PatternCircularTransfer, "window_hours", 72) * float64(time.Hour))
	critical := policy.DetectorParam(PatternCircularTransfer, "critical_threshold", 0.85)

	now := req.Context.Timestamp
	since := now.Add(-window)

	own, err := d.store.TransfersBySubject(ctx, req.SubjectID, since)
	if err != nil {
		return models.PatternFinding{}, fmt.Errorf("circular_transfer: load history: %w", err)
	}
	if len(own) == 0 {
		return insufficientData(PatternCircularTransfer, "no transfer history for subject"), nil
	}

	// First hops: recipients the subject paid inside the window, the
	// current transfer included.
	firstHops := make(map[string]bool)
	for _, t := range own {
		if t.Direction == models.DirectionOutbound && t.Counterparty != "" {
			firstHops[t.Counterparty] = true
		}
	}
	current := req.Transfer()
	if current.Direction == models.DirectionOutbound && current.Counterparty != "" {
		firstHops[current.Counterparty] = true
	}

	if len(firstHops) == 0 {
		return models.PatternFinding{
			Pattern:     PatternCircularTransfer,
			Probability: 0,
			Severity:    models.SeverityLow,
			Features:    map[string]float64{"first_hop_recipients": 0},
			Description: "no outbound transfers in window",
		}, nil
	}

	// Returns: transfers from a first hop back to the subject, seen either
	// from the hop's perspective or as an inbound recorded by the subject.
	// The same movement can be recorded from both sides, so dedupe.
	seen := make(map[string]bool)
	returns := 0

	toSubject, err := d.store.TransfersByCounterparty(ctx, req.SubjectID, since)
	if err != nil {
		return models.PatternFinding{}, fmt.Errorf("circular_transfer: load returns: %w", err)
	}
	for _, t := range toSubject {
		if t.Direction != models.DirectionOutbound || !firstHops[t.SubjectID] {
			continue
		}
		key := returnKey(t.SubjectID, t)
		if !seen[key] {
			seen[key] = true
			returns++
		}
	}
	for _, t := range own {
		if t.Direction != models.DirectionInbound || !firstHops[t.Counterparty] {
			continue
		}
		key := returnKey(t.Counterparty, t)
		if !seen[key] {
			seen[key] = true
			returns++
		}
	}

	probability := capProbability(float64(returns) / float64(len(firstHops)))
	finding := models.PatternFinding{
		Pattern:     PatternCircularTransfer,
		Probability: probability,
		Severity:    severityFor(probability, critical),
		Features: map[string]float64{
			"first_hop_recipients": float64(len(firstHops)),
			"return_transfers":     float64(returns),
		},
		Description: fmt.Sprintf("%d return transfers across %d first-hop recipients in %s", returns, len(firstHops), window),
	}
	if d.logger != nil && probability > 0.5 {
		d.logger.Infow("circular transfer pattern detected",
			"subject_id", req.SubjectID,
			"probability", probability,
			"returns", returns)
	}
	return finding, nil
}

// returnKey identifies one return movement regardless of which side
// recorded it.
func returnKey(hop string, t models.Transfer) string {
	return fmt.Sprintf("%s|%s|%d", hop, t.Amount.String(), t.Timestamp.UTC().Unix())
}
