package patterns

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/Aidin1998/sentinex/internal/history"
	"github.com/Aidin1998/sentinex/pkg/models"
)

// RapidLiquidationDetector scores funds leaving the subject shortly after
// arriving: inbound receipts inside a short window followed by outbound
// transfers of comparable magnitude. Probability scales with the count of
// comparable outbound transfers after the strongest receipt.
type RapidLiquidationDetector struct {
	store  history.Store
	logger *zap.SugaredLogger
}

// NewRapidLiquidationDetector creates the rapid liquidation detector.
func NewRapidLiquidationDetector(store history.Store, logger *zap.SugaredLogger) *RapidLiquidationDetector {
	return &RapidLiquidationDetector{store: store, logger: logger}
}

// Name returns the canonical detector name.
func (d *RapidLiquidationDetector) Name() string { return PatternRapidLiquidation }

// Detect computes the rapid liquidation probability. Calibration, with
// defaults: window_minutes 30, comparable_ratio 0.8,
// per_transfer_increment 0.35, critical_threshold 0.85.
func (d *RapidLiquidationDetector) Detect(ctx context.Context, req *models.AssessmentRequest, policy *models.PolicySnapshot) (models.PatternFinding, error) {
	window := time.Duration(policy.DetectorParam(PatternRapidLiquidation, "window_minutes", 30) * float64(time.Minute))
	ratio := policy.DetectorParam(PatternRapidLiquidation, "comparable_ratio", 0.8)
	perTransfer := policy.DetectorParam(PatternRapidLiquidation, "per_transfer_increment", 0.35)
	critical := policy.DetectorParam(PatternRapidLiquidation, "critical_threshold", 0.85)

	now := req.Context.Timestamp
	since := now.Add(-window)

	recent, err := d.store.TransfersBySubject(ctx, req.SubjectID, since)
	if err != nil {
		return models.PatternFinding{}, fmt.Errorf("rapid_liquidation: load history: %w", err)
	}
	if len(recent) == 0 && req.Context.Direction != models.DirectionInbound {
		return insufficientData(PatternRapidLiquidation, "no transfer history for subject in window"), nil
	}

	current := req.Transfer()
	all := append(append([]models.Transfer(nil), recent...), current)

	// For each receipt in the window, count the later outbound transfers of
	// comparable size. Score the worst receipt.
	comparableRatio := decimal.NewFromFloat(ratio)
	bestCount := 0
	var worstReceipt decimal.Decimal
	for _, receipt := range all {
		if receipt.Direction != models.DirectionInbound {
			continue
		}
		floor := receipt.Amount.Mul(comparableRatio)
		count := 0
		for _, out := range all {
			if out.Direction != models.DirectionOutbound {
				continue
			}
			if out.Timestamp.Before(receipt.Timestamp) {
				continue
			}
			if out.Timestamp.Sub(receipt.Timestamp) > window {
				continue
			}
			if out.Amount.GreaterThanOrEqual(floor) {
				count++
			}
		}
		if count > bestCount {
			bestCount = count
			worstReceipt = receipt.Amount
		}
	}

	probability := capProbability(float64(bestCount) * perTransfer)
	features := map[string]float64{
		"comparable_outbound_transfers": float64(bestCount),
	}
	description := "no rapid liquidation after recent receipts"
	if bestCount > 0 {
		features["receipt_amount"] = worstReceipt.InexactFloat64()
		description = fmt.Sprintf("%d comparable outbound transfers within %s of a %s receipt", bestCount, window, worstReceipt)
	}

	finding := models.PatternFinding{
		Pattern:     PatternRapidLiquidation,
		Probability: probability,
		Severity:    severityFor(probability, critical),
		Features:    features,
		Description: description,
	}
	if d.logger != nil && probability > 0.5 {
		d.logger.Infow("rapid liquidation detected",
			"subject_id", req.SubjectID,
			"probability", probability,
			"outbound_count", bestCount)
	}
	return finding, nil
}
