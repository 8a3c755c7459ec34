package patterns

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/Aidin1998/sentinex/pkg/models"
)

// GeographicRiskDetector scores the jurisdictions a transfer touches
// against the policy's risk lists. It needs no history: geography risk is a
// property of the transfer itself.
type GeographicRiskDetector struct {
	logger *zap.SugaredLogger
}

// NewGeographicRiskDetector creates the geographic risk detector.
func NewGeographicRiskDetector(logger *zap.SugaredLogger) *GeographicRiskDetector {
	return &GeographicRiskDetector{logger: logger}
}

// Name returns the canonical detector name.
func (d *GeographicRiskDetector) Name() string { return PatternGeographicRisk }

// Detect scores the counterparty jurisdiction: high-risk adds
// high_risk_increment (default 1.0), medium-risk adds medium_risk_increment
// (default 0.5), and any cross-border mismatch with the request jurisdiction
// adds mismatch_increment (default 0.2). Capped at 1.
func (d *GeographicRiskDetector) Detect(_ context.Context, req *models.AssessmentRequest, policy *models.PolicySnapshot) (models.PatternFinding, error) {
	highInc := policy.DetectorParam(PatternGeographicRisk, "high_risk_increment", 1.0)
	mediumInc := policy.DetectorParam(PatternGeographicRisk, "medium_risk_increment", 0.5)
	mismatchInc := policy.DetectorParam(PatternGeographicRisk, "mismatch_increment", 0.2)
	critical := policy.DetectorParam(PatternGeographicRisk, "critical_threshold", 0.85)

	destination := req.Context.CounterpartyJurisdiction
	probability := 0.0
	features := map[string]float64{}
	description := "counterparty jurisdiction unknown"

	if destination != "" {
		switch policy.ClassifyJurisdiction(destination) {
		case models.JurisdictionRiskHigh:
			probability += highInc
			features["high_risk_jurisdiction"] = highInc
			description = fmt.Sprintf("high-risk jurisdiction %s", destination)
		case models.JurisdictionRiskMedium:
			probability += mediumInc
			features["medium_risk_jurisdiction"] = mediumInc
			description = fmt.Sprintf("medium-risk jurisdiction %s", destination)
		default:
			description = fmt.Sprintf("low-risk jurisdiction %s", destination)
		}

		if destination != req.Jurisdiction {
			probability += mismatchInc
			features["cross_border_mismatch"] = mismatchInc
		}
	}

	probability = capProbability(probability)
	finding := models.PatternFinding{
		Pattern:     PatternGeographicRisk,
		Probability: probability,
		Severity:    severityFor(probability, critical),
		Features:    features,
		Description: description,
	}
	if d.logger != nil && probability > 0.5 {
		d.logger.Infow("geographic risk detected",
			"subject_id", req.SubjectID,
			"destination", destination,
			"probability", probability)
	}
	return finding, nil
}
