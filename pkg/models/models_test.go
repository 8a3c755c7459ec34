package models

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

func TestDecisionStatusValid(t *testing.T) {
	for _, s := range []DecisionStatus{DecisionApproved, DecisionEscalated, DecisionRejected, DecisionBlocked} {
		if !s.Valid() {
			t.Errorf("%s should be valid", s)
		}
	}
	if DecisionStatus("PENDING").Valid() {
		t.Error("PENDING should not be a terminal status")
	}
}

func TestClampScore(t *testing.T) {
	cases := []struct{ in, want float64 }{
		{-3, 0},
		{0, 0},
		{42.5, 42.5},
		{100, 100},
		{140, 100},
	}
	for _, tc := range cases {
		if got := ClampScore(tc.in); got != tc.want {
			t.Errorf("ClampScore(%v) = %v, want %v", tc.in, got, tc.want)
		}
	}
}

func TestInputHashCanonical(t *testing.T) {
	ts := time.Date(2025, 6, 3, 10, 30, 0, 0, time.UTC)
	build := func(amount int64) *AssessmentRequest {
		return &AssessmentRequest{
			SubjectID:      "subject-1",
			Jurisdiction:   "US",
			IdempotencyKey: "key-1",
			Checks:         []string{"watchlist"},
			Context: TransactionContext{
				Amount:       decimal.NewFromInt(amount),
				Asset:        "USD",
				Counterparty: "merchant-1",
				Direction:    DirectionOutbound,
				Timestamp:    ts,
			},
		}
	}

	a, b := build(500), build(500)
	if a.InputHash() != b.InputHash() {
		t.Error("identical requests must hash identically")
	}

	c := build(501)
	if a.InputHash() == c.InputHash() {
		t.Error("different amounts must hash differently")
	}

	// Zone only shifts the rendering; the instant is what is hashed.
	d := build(500)
	d.Context.Timestamp = ts.In(time.FixedZone("CET", 3600))
	if a.InputHash() != d.InputHash() {
		t.Error("equal instants in different zones must hash identically")
	}
}

func TestTransferView(t *testing.T) {
	req := &AssessmentRequest{
		SubjectID: "subject-1",
		Context: TransactionContext{
			Amount:       decimal.NewFromInt(900),
			Asset:        "EUR",
			Counterparty: "acct-77",
			Direction:    DirectionInbound,
			Timestamp:    time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC),
		},
	}

	tr := req.Transfer()
	if tr.SubjectID != "subject-1" || tr.Counterparty != "acct-77" {
		t.Errorf("transfer view lost identity fields: %+v", tr)
	}
	if !tr.Amount.Equal(decimal.NewFromInt(900)) || tr.Asset != "EUR" {
		t.Errorf("transfer view lost amount fields: %+v", tr)
	}
	if tr.Direction != DirectionInbound {
		t.Errorf("expected inbound, got %s", tr.Direction)
	}
}

func TestNewAuditRecordCopiesDecision(t *testing.T) {
	d := &Decision{
		Status:         DecisionEscalated,
		Score:          55.5,
		Reasons:        []string{"layering probability 0.90 (critical)"},
		PolicyVersion:  "us-12",
		Degraded:       true,
		IdempotencyKey: "key-9",
		SubjectID:      "subject-9",
		ToolsUsed:      []string{"watchlist", "layering"},
		DecidedAt:      time.Now().UTC(),
	}

	rec := NewAuditRecord(d, "abc123")
	if rec.Status != DecisionEscalated || rec.Score != 55.5 || rec.InputHash != "abc123" {
		t.Fatalf("record lost decision fields: %+v", rec)
	}
	if !rec.Degraded {
		t.Error("degraded flag must carry into the record")
	}

	// The record owns its slices.
	rec.Reasons[0] = "mutated"
	if d.Reasons[0] == "mutated" {
		t.Error("record reasons must be a copy, not an alias")
	}
}

func TestPolicySnapshotLookups(t *testing.T) {
	p := &PolicySnapshot{
		Weights:                 map[string]float64{"watchlist": 12},
		DetectorParams:          map[string]map[string]float64{"layering": {"window_hours": 2}},
		HighRiskJurisdictions:   []string{"KP", "IR"},
		MediumRiskJurisdictions: []string{"PA"},
	}

	if got := p.Weight("watchlist", 1); got != 12 {
		t.Errorf("Weight(watchlist) = %v, want 12", got)
	}
	if got := p.Weight("velocity_anomaly", 1); got != 1 {
		t.Errorf("unset weight should fall back to default, got %v", got)
	}

	if got := p.DetectorParam("layering", "window_hours", 1); got != 2 {
		t.Errorf("DetectorParam override = %v, want 2", got)
	}
	if got := p.DetectorParam("layering", "distinct_target", 5); got != 5 {
		t.Errorf("unset param should fall back to default, got %v", got)
	}
	if got := p.DetectorParam("velocity_anomaly", "min_history", 5); got != 5 {
		t.Errorf("unknown detector should fall back to default, got %v", got)
	}

	if p.ClassifyJurisdiction("KP") != JurisdictionRiskHigh {
		t.Error("KP should classify high")
	}
	if p.ClassifyJurisdiction("PA") != JurisdictionRiskMedium {
		t.Error("PA should classify medium")
	}
	if p.ClassifyJurisdiction("US") != JurisdictionRiskLow {
		t.Error("US should classify low")
	}
}
