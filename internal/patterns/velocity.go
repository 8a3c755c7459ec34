package patterns

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/Aidin1998/sentinex/internal/history"
	"github.com/Aidin1998/sentinex/pkg/models"
)

// VelocityAnomalyDetector scores how far the transfer under assessment
// departs from the subject's own baseline: amount z-score, a 24h
// transaction-count spike and a 24h volume-vs-reporting-multiple check each
// add a fixed increment.
type VelocityAnomalyDetector struct {
	store  history.Store
	logger *zap.SugaredLogger
}

// NewVelocityAnomalyDetector creates the velocity/volume anomaly detector.
func NewVelocityAnomalyDetector(store history.Store, logger *zap.SugaredLogger) *VelocityAnomalyDetector {
	return &VelocityAnomalyDetector{store: store, logger: logger}
}

// Name returns the canonical detector name.
func (d *VelocityAnomalyDetector) Name() string { return PatternVelocityAnomaly }

// Detect computes the anomaly probability. Calibration, with defaults:
// baseline_days 30, min_history 5, z3_increment 0.4, z2_increment 0.2,
// count_spike_multiple 5, count_spike_increment 0.3, volume_multiple 10,
// volume_increment 0.2, critical_threshold 0.85.
//
// The baseline window ends 24 hours before the assessed transfer so a burst
// in progress cannot inflate its own baseline.
func (d *VelocityAnomalyDetector) Detect(ctx context.Context, req *models.AssessmentRequest, policy *models.PolicySnapshot) (models.PatternFinding, error) {
	baselineDays := policy.DetectorParam(PatternVelocityAnomaly, "baseline_days", 30)
	minHistory := int(policy.DetectorParam(PatternVelocityAnomaly, "min_history", 5))
	z3Inc := policy.DetectorParam(PatternVelocityAnomaly, "z3_increment", 0.4)
	z2Inc := policy.DetectorParam(PatternVelocityAnomaly, "z2_increment", 0.2)
	spikeMultiple := policy.DetectorParam(PatternVelocityAnomaly, "count_spike_multiple", 5)
	spikeInc := policy.DetectorParam(PatternVelocityAnomaly, "count_spike_increment", 0.3)
	volumeMultiple := policy.DetectorParam(PatternVelocityAnomaly, "volume_multiple", 10)
	volumeInc := policy.DetectorParam(PatternVelocityAnomaly, "volume_increment", 0.2)
	critical := policy.DetectorParam(PatternVelocityAnomaly, "critical_threshold", 0.85)

	now := req.Context.Timestamp
	dayAgo := now.Add(-24 * time.Hour)
	baselineStart := now.Add(-time.Duration(baselineDays) * 24 * time.Hour)

	baseline, err := d.store.Stats(ctx, req.SubjectID, baselineStart, dayAgo)
	if err != nil {
		return models.PatternFinding{}, fmt.Errorf("velocity_anomaly: baseline stats: %w", err)
	}
	if baseline.Samples < minHistory {
		return insufficientData(PatternVelocityAnomaly,
			fmt.Sprintf("%d baseline transfers, need %d", baseline.Samples, minHistory)), nil
	}

	probability := 0.0
	features := map[string]float64{
		"baseline_samples": float64(baseline.Samples),
		"baseline_mean":    baseline.MeanAmount,
		"baseline_stddev":  baseline.StdDevAmount,
	}

	// Amount z-score against the baseline. Only upward deviation is risk.
	amount := req.Context.Amount.InexactFloat64()
	var z float64
	switch {
	case baseline.StdDevAmount > 0:
		z = (amount - baseline.MeanAmount) / baseline.StdDevAmount
	case amount > baseline.MeanAmount:
		// Flat baseline, any larger amount is maximally surprising.
		z = 4
	}
	features["z_score"] = z
	if z > 3 {
		probability += z3Inc
		features["z_component"] = z3Inc
	} else if z > 2 {
		probability += z2Inc
		features["z_component"] = z2Inc
	}

	// 24h transaction-count spike against the baseline daily average.
	recent, err := d.store.TransfersBySubject(ctx, req.SubjectID, dayAgo)
	if err != nil {
		return models.PatternFinding{}, fmt.Errorf("velocity_anomaly: recent transfers: %w", err)
	}
	count24h := len(recent) + 1
	volume24h := amount
	for _, t := range recent {
		volume24h += t.Amount.InexactFloat64()
	}
	features["count_24h"] = float64(count24h)
	features["daily_avg_count"] = baseline.DailyAvgCount
	if baseline.DailyAvgCount > 0 && float64(count24h) >= spikeMultiple*baseline.DailyAvgCount {
		probability += spikeInc
		features["count_spike_component"] = spikeInc
	}

	// 24h volume against the reporting threshold multiple.
	features["volume_24h"] = volume24h
	reportingVolume := policy.ReportingThreshold.InexactFloat64() * volumeMultiple
	if reportingVolume > 0 && volume24h >= reportingVolume {
		probability += volumeInc
		features["volume_component"] = volumeInc
	}

	probability = capProbability(probability)
	finding := models.PatternFinding{
		Pattern:     PatternVelocityAnomaly,
		Probability: probability,
		Severity:    severityFor(probability, critical),
		Features:    features,
		Description: fmt.Sprintf("z=%.2f, %d transfers / %.2f volume in 24h", z, count24h, volume24h),
	}
	if d.logger != nil && probability > 0.5 {
		d.logger.Infow("velocity anomaly detected",
			"subject_id", req.SubjectID,
			"probability", probability,
			"z_score", z,
			"count_24h", count24h)
	}
	return finding, nil
}
