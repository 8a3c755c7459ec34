package patterns

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Aidin1998/sentinex/internal/history"
	"github.com/Aidin1998/sentinex/pkg/models"
)

var testNow = time.Date(2026, 4, 15, 12, 0, 0, 0, time.UTC)

func testPolicy() *models.PolicySnapshot {
	return &models.PolicySnapshot{
		Jurisdiction:            "US",
		Version:                 "test-1",
		Weights:                 map[string]float64{},
		Thresholds:              models.Thresholds{Escalate: 40, Reject: 70, Block: 90},
		FallbackPenalty:         30,
		HighRiskJurisdictions:   []string{"KP", "IR"},
		MediumRiskJurisdictions: []string{"PA"},
		ReportingThreshold:      decimal.NewFromInt(10000),
	}
}

func outboundRequest(subject, counterparty string, amount int64, ts time.Time) *models.AssessmentRequest {
	return &models.AssessmentRequest{
		ID:             uuid.New(),
		SubjectID:      subject,
		Jurisdiction:   "US",
		IdempotencyKey: uuid.NewString(),
		Context: models.TransactionContext{
			Amount:       decimal.NewFromInt(amount),
			Asset:        "USDT",
			Counterparty: counterparty,
			Direction:    models.DirectionOutbound,
			Timestamp:    ts,
		},
		SubmittedAt: ts,
	}
}

func record(t *testing.T, store history.Store, tr models.Transfer) {
	t.Helper()
	require.NoError(t, store.Record(context.Background(), tr))
}

func outbound(subject, counterparty string, amount int64, ts time.Time) models.Transfer {
	return models.Transfer{
		SubjectID: subject, Counterparty: counterparty,
		Direction: models.DirectionOutbound,
		Amount:    decimal.NewFromInt(amount), Asset: "USDT", Timestamp: ts,
	}
}

func inbound(subject, counterparty string, amount int64, ts time.Time) models.Transfer {
	return models.Transfer{
		SubjectID: subject, Counterparty: counterparty,
		Direction: models.DirectionInbound,
		Amount:    decimal.NewFromInt(amount), Asset: "USDT", Timestamp: ts,
	}
}

func TestLayeringBurstOfNovelRecipients(t *testing.T) {
	store := history.NewMemoryStore(0)
	for i, r := range []string{"r1", "r2", "r3", "r4"} {
		record(t, store, outbound("alice", r, 500, testNow.Add(-time.Duration(50-i*10)*time.Minute)))
	}
	d := NewLayeringDetector(store, nil)

	// Fifth novel recipient inside the hour, at the reporting threshold.
	req := outboundRequest("alice", "r5", 12000, testNow)
	finding, err := d.Detect(context.Background(), req, testPolicy())
	require.NoError(t, err)

	assert.Greater(t, finding.Probability, 0.5, "five novel recipients with a reportable transfer must score above 0.5")
	assert.Equal(t, models.SeverityCritical, finding.Severity)
	assert.InDelta(t, 5, finding.Features["distinct_recipients"], 1e-9)
	assert.InDelta(t, 5, finding.Features["novel_recipients"], 1e-9)
	assert.InDelta(t, 1, finding.Features["large_transfers"], 1e-9)
	assert.False(t, finding.InsufficientData)
}

func TestLayeringKnownRecipientScoresLow(t *testing.T) {
	store := history.NewMemoryStore(0)
	for i := 0; i < 10; i++ {
		record(t, store, outbound("alice", "bob", 1000, testNow.Add(-time.Duration(i+2)*24*time.Hour)))
	}
	d := NewLayeringDetector(store, nil)

	req := outboundRequest("alice", "bob", 1000, testNow)
	finding, err := d.Detect(context.Background(), req, testPolicy())
	require.NoError(t, err)

	assert.Less(t, finding.Probability, 0.2)
	assert.Equal(t, models.SeverityLow, finding.Severity)
	assert.Zero(t, finding.Features["novel_recipients"])
}

func TestLayeringNoHistoryIsInsufficientData(t *testing.T) {
	d := NewLayeringDetector(history.NewMemoryStore(0), nil)

	finding, err := d.Detect(context.Background(), outboundRequest("ghost", "r1", 100, testNow), testPolicy())
	require.NoError(t, err, "absence of data is never an error")
	assert.True(t, finding.InsufficientData)
	assert.Zero(t, finding.Probability)
}

func TestCircularTransferReturnRatio(t *testing.T) {
	store := history.NewMemoryStore(0)
	// Subject paid A and B inside the window.
	record(t, store, outbound("alice", "A", 5000, testNow.Add(-10*time.Hour)))
	record(t, store, outbound("alice", "B", 5000, testNow.Add(-8*time.Hour)))
	// A sent funds back, recorded from both perspectives (same movement).
	record(t, store, inbound("alice", "A", 4800, testNow.Add(-2*time.Hour)))
	record(t, store, outbound("A", "alice", 4800, testNow.Add(-2*time.Hour)))

	d := NewCircularTransferDetector(store, nil)
	req := outboundRequest("alice", "C", 1000, testNow)
	finding, err := d.Detect(context.Background(), req, testPolicy())
	require.NoError(t, err)

	// Three first hops (A, B, C), one deduped return.
	assert.InDelta(t, 3, finding.Features["first_hop_recipients"], 1e-9)
	assert.InDelta(t, 1, finding.Features["return_transfers"], 1e-9)
	assert.InDelta(t, 1.0/3.0, finding.Probability, 1e-9)
}

func TestCircularTransferFullLoop(t *testing.T) {
	store := history.NewMemoryStore(0)
	record(t, store, outbound("alice", "A", 5000, testNow.Add(-10*time.Hour)))
	record(t, store, inbound("alice", "A", 4900, testNow.Add(-4*time.Hour)))

	d := NewCircularTransferDetector(store, nil)
	// Current transfer goes back to A, keeping the hop set at one.
	req := outboundRequest("alice", "A", 4800, testNow)
	finding, err := d.Detect(context.Background(), req, testPolicy())
	require.NoError(t, err)

	assert.InDelta(t, 1.0, finding.Probability, 1e-9)
	assert.Equal(t, models.SeverityCritical, finding.Severity)
}

func TestCircularTransferInboundOnlyHistory(t *testing.T) {
	store := history.NewMemoryStore(0)
	record(t, store, inbound("alice", "X", 100, testNow.Add(-time.Hour)))

	d := NewCircularTransferDetector(store, nil)
	req := outboundRequest("alice", "Y", 100, testNow)
	finding, err := d.Detect(context.Background(), req, testPolicy())
	require.NoError(t, err)

	// Y is the only first hop, no returns from it.
	assert.Zero(t, finding.Probability)
	assert.False(t, finding.InsufficientData)
}

func TestVelocityAnomalyZScore(t *testing.T) {
	store := history.NewMemoryStore(0)
	// Flat baseline of 100s, well outside the last 24h.
	for i := 0; i < 10; i++ {
		record(t, store, outbound("alice", "bob", 100, testNow.Add(-time.Duration(i+2)*24*time.Hour)))
	}
	d := NewVelocityAnomalyDetector(store, nil)

	req := outboundRequest("alice", "bob", 1000, testNow)
	finding, err := d.Detect(context.Background(), req, testPolicy())
	require.NoError(t, err)

	assert.InDelta(t, 0.4, finding.Probability, 1e-9, "z>3 adds the z3 increment only")
	assert.Greater(t, finding.Features["z_score"], 3.0)
	assert.Equal(t, models.SeverityMedium, finding.Severity)
}

func TestVelocityAnomalyCountSpike(t *testing.T) {
	store := history.NewMemoryStore(0)
	for i := 0; i < 10; i++ {
		record(t, store, outbound("alice", "bob", 100, testNow.Add(-time.Duration(i+2)*24*time.Hour)))
	}
	// Burst inside the last 24h.
	for i := 0; i < 6; i++ {
		record(t, store, outbound("alice", "bob", 100, testNow.Add(-time.Duration(i+1)*time.Hour)))
	}
	d := NewVelocityAnomalyDetector(store, nil)

	req := outboundRequest("alice", "bob", 1000, testNow)
	finding, err := d.Detect(context.Background(), req, testPolicy())
	require.NoError(t, err)

	// z increment plus count spike increment.
	assert.InDelta(t, 0.7, finding.Probability, 1e-9)
	assert.Equal(t, models.SeverityHigh, finding.Severity)
}

func TestVelocityAnomalyInsufficientHistory(t *testing.T) {
	store := history.NewMemoryStore(0)
	for i := 0; i < 3; i++ {
		record(t, store, outbound("alice", "bob", 100, testNow.Add(-time.Duration(i+2)*24*time.Hour)))
	}
	d := NewVelocityAnomalyDetector(store, nil)

	finding, err := d.Detect(context.Background(), outboundRequest("alice", "bob", 1000, testNow), testPolicy())
	require.NoError(t, err)
	assert.True(t, finding.InsufficientData)
	assert.Zero(t, finding.Probability)
}

func TestGeographicRisk(t *testing.T) {
	d := NewGeographicRiskDetector(nil)

	tests := []struct {
		name        string
		destination string
		probability float64
		severity    models.Severity
	}{
		{"high risk destination", "KP", 1.0, models.SeverityCritical},
		{"medium risk cross border", "PA", 0.7, models.SeverityHigh},
		{"low risk cross border", "DE", 0.2, models.SeverityLow},
		{"domestic", "US", 0.0, models.SeverityLow},
		{"unknown destination", "", 0.0, models.SeverityLow},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := outboundRequest("alice", "bob", 1000, testNow)
			req.Context.CounterpartyJurisdiction = tt.destination

			finding, err := d.Detect(context.Background(), req, testPolicy())
			require.NoError(t, err)
			assert.InDelta(t, tt.probability, finding.Probability, 1e-9)
			assert.Equal(t, tt.severity, finding.Severity)
		})
	}
}

func TestRapidLiquidation(t *testing.T) {
	store := history.NewMemoryStore(0)
	record(t, store, inbound("alice", "funder", 10000, testNow.Add(-10*time.Minute)))
	record(t, store, outbound("alice", "x1", 8500, testNow.Add(-5*time.Minute)))

	d := NewRapidLiquidationDetector(store, nil)

	// Current outbound is the second comparable transfer after the receipt.
	req := outboundRequest("alice", "x2", 9000, testNow)
	finding, err := d.Detect(context.Background(), req, testPolicy())
	require.NoError(t, err)

	assert.InDelta(t, 0.7, finding.Probability, 1e-9)
	assert.InDelta(t, 2, finding.Features["comparable_outbound_transfers"], 1e-9)
	assert.Equal(t, models.SeverityHigh, finding.Severity)
}

func TestRapidLiquidationSmallOutboundsIgnored(t *testing.T) {
	store := history.NewMemoryStore(0)
	record(t, store, inbound("alice", "funder", 10000, testNow.Add(-10*time.Minute)))

	d := NewRapidLiquidationDetector(store, nil)

	// 5000 is below the comparable floor of 8000.
	req := outboundRequest("alice", "x1", 5000, testNow)
	finding, err := d.Detect(context.Background(), req, testPolicy())
	require.NoError(t, err)
	assert.Zero(t, finding.Probability)
}

func TestRapidLiquidationNoWindowHistory(t *testing.T) {
	d := NewRapidLiquidationDetector(history.NewMemoryStore(0), nil)

	finding, err := d.Detect(context.Background(), outboundRequest("ghost", "x", 100, testNow), testPolicy())
	require.NoError(t, err)
	assert.True(t, finding.InsufficientData)
}

func TestRegistryOrderAndDuplicates(t *testing.T) {
	store := history.NewMemoryStore(0)
	reg, err := NewRegistry(DefaultDetectors(store, nil)...)
	require.NoError(t, err)

	names := make([]string, 0, 5)
	for _, d := range reg.Detectors() {
		names = append(names, d.Name())
	}
	assert.Equal(t, []string{
		PatternLayering,
		PatternCircularTransfer,
		PatternVelocityAnomaly,
		PatternGeographicRisk,
		PatternRapidLiquidation,
	}, names, "fold order must match registration order")

	err = reg.Register(NewGeographicRiskDetector(nil))
	assert.Error(t, err, "duplicate registration must be rejected")

	_, ok := reg.Get(PatternVelocityAnomaly)
	assert.True(t, ok)
}

func TestDetectorProbabilitiesBounded(t *testing.T) {
	store := history.NewMemoryStore(0)
	// Saturate: many novel recipients, returns, bursts and receipts.
	for i := 0; i < 30; i++ {
		ts := testNow.Add(-time.Duration(i+1) * time.Minute)
		record(t, store, outbound("alice", string(rune('a'+i%26))+"x", 20000, ts))
		record(t, store, inbound("alice", "funder", 20000, ts))
	}

	policy := testPolicy()
	req := outboundRequest("alice", "fresh", 50000, testNow)
	req.Context.CounterpartyJurisdiction = "KP"

	for _, d := range DefaultDetectors(store, nil) {
		finding, err := d.Detect(context.Background(), req, policy)
		require.NoError(t, err, d.Name())
		assert.GreaterOrEqual(t, finding.Probability, 0.0, d.Name())
		assert.LessOrEqual(t, finding.Probability, 1.0, d.Name())
	}
}
