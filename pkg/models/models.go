// Package models defines the shared value types exchanged between the
// decision engine components: assessment requests, findings, aggregated
// risk, decisions, audit records and policy snapshots.
package models

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// DecisionStatus is the terminal outcome of a compliance assessment.
type DecisionStatus string

const (
	DecisionApproved  DecisionStatus = "APPROVED"
	DecisionEscalated DecisionStatus = "ESCALATED"
	DecisionRejected  DecisionStatus = "REJECTED"
	DecisionBlocked   DecisionStatus = "BLOCKED"
)

// Valid reports whether the status is one of the four enumerated outcomes.
func (s DecisionStatus) Valid() bool {
	switch s {
	case DecisionApproved, DecisionEscalated, DecisionRejected, DecisionBlocked:
		return true
	}
	return false
}

// Severity classifies the seriousness of a detected pattern.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// TransferDirection indicates whether the subject is the sender or the
// recipient of the funds under assessment.
type TransferDirection string

const (
	DirectionOutbound TransferDirection = "outbound"
	DirectionInbound  TransferDirection = "inbound"
)

// TransactionContext carries the transaction under assessment.
type TransactionContext struct {
	Amount                   decimal.Decimal   `json:"amount" validate:"required"`
	Asset                    string            `json:"asset" validate:"required,max=16"`
	Counterparty             string            `json:"counterparty" validate:"required,max=128"`
	CounterpartyJurisdiction string            `json:"counterparty_jurisdiction" validate:"omitempty,len=2"`
	Direction                TransferDirection `json:"direction" validate:"required,oneof=outbound inbound"`
	Timestamp                time.Time         `json:"timestamp" validate:"required"`
	Reference                string            `json:"reference" validate:"omitempty,max=255"`
}

// SubjectProfile carries the identity attributes screening providers match
// against. Vendor adapters may ignore fields they do not use.
type SubjectProfile struct {
	FullName    string `json:"full_name"`
	DateOfBirth string `json:"date_of_birth"`
	CountryCode string `json:"country_code"`
	CustomerRef string `json:"customer_ref"`
}

// AssessmentRequest is the single input of one compliance evaluation.
// Requests are transient: they are validated, orchestrated once and
// discarded. Re-evaluation requires a new request.
type AssessmentRequest struct {
	ID             uuid.UUID          `json:"id"`
	SubjectID      string             `json:"subject_id" validate:"required,max=128"`
	Jurisdiction   string             `json:"jurisdiction" validate:"required,len=2"`
	IdempotencyKey string             `json:"idempotency_key" validate:"required,max=255"`
	Checks         []string           `json:"checks" validate:"omitempty,dive,max=64"`
	Context        TransactionContext `json:"context" validate:"required"`
	Subject        SubjectProfile     `json:"subject"`
	SubmittedAt    time.Time          `json:"submitted_at"`
}

// Transfer returns the movement of funds this request describes, in the
// form the history store and pattern detectors consume.
func (r *AssessmentRequest) Transfer() Transfer {
	return Transfer{
		SubjectID:    r.SubjectID,
		Counterparty: r.Context.Counterparty,
		Direction:    r.Context.Direction,
		Amount:       r.Context.Amount,
		Asset:        r.Context.Asset,
		Timestamp:    r.Context.Timestamp,
	}
}

// InputHash returns the canonical sha256 of the request fields that determine
// a decision. Audit records store it so a decision can be tied back to the
// exact input that produced it.
func (r *AssessmentRequest) InputHash() string {
	view := map[string]interface{}{
		"subject_id":      r.SubjectID,
		"jurisdiction":    r.Jurisdiction,
		"idempotency_key": r.IdempotencyKey,
		"checks":          append([]string(nil), r.Checks...),
		"amount":          r.Context.Amount.String(),
		"asset":           r.Context.Asset,
		"counterparty":    r.Context.Counterparty,
		"direction":       string(r.Context.Direction),
		"timestamp":       r.Context.Timestamp.UTC().Format(time.RFC3339Nano),
	}
	data, _ := json.Marshal(view)
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// SignalFinding is the scored output of one external signal provider.
// Contribution is nil when the provider failed or was short-circuited;
// the aggregator substitutes the policy fallback penalty in that case.
type SignalFinding struct {
	Source       string                 `json:"source"`
	Contribution *float64               `json:"contribution,omitempty"`
	Confidence   float64                `json:"confidence"`
	Detail       map[string]interface{} `json:"detail,omitempty"`
	Err          string                 `json:"error,omitempty"`
	Unavailable  bool                   `json:"unavailable"`
	Elapsed      time.Duration          `json:"elapsed"`
}

// NewSignalFinding builds a successful finding with the contribution clamped
// to [0,100].
func NewSignalFinding(source string, contribution, confidence float64) SignalFinding {
	c := clamp(contribution, 0, 100)
	return SignalFinding{Source: source, Contribution: &c, Confidence: confidence}
}

// UnavailableFinding builds the synthetic finding substituted when a provider
// times out, errors or is short-circuited by its breaker.
func UnavailableFinding(source string, err error) SignalFinding {
	f := SignalFinding{Source: source, Unavailable: true}
	if err != nil {
		f.Err = err.Error()
	}
	return f
}

// PatternFinding is the scored output of one in-process pattern detector.
type PatternFinding struct {
	Pattern          string             `json:"pattern"`
	Probability      float64            `json:"probability"`
	Severity         Severity           `json:"severity"`
	Features         map[string]float64 `json:"features,omitempty"`
	Description      string             `json:"description,omitempty"`
	InsufficientData bool               `json:"insufficient_data,omitempty"`
	Unavailable      bool               `json:"unavailable,omitempty"`
}

// AggregatedRisk is the combined, explainable result of one orchestration
// pass. Findings are held in fixed source order, not arrival order, so two
// identical requests produce byte-identical aggregates.
type AggregatedRisk struct {
	Score         float64            `json:"score"`
	Signals       []SignalFinding    `json:"signals"`
	Patterns      []PatternFinding   `json:"patterns"`
	Explain       map[string]float64 `json:"explain"`
	Degraded      bool               `json:"degraded"`
	PolicyVersion string             `json:"policy_version"`
}

// ExplainKeys returns the explainability map keys in sorted order so callers
// can render deterministic output.
func (a *AggregatedRisk) ExplainKeys() []string {
	keys := make([]string, 0, len(a.Explain))
	for k := range a.Explain {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Decision is the terminal, immutable outcome of one assessment.
type Decision struct {
	ID             uuid.UUID      `json:"id"`
	Status         DecisionStatus `json:"status"`
	Score          float64        `json:"score"`
	Reasons        []string       `json:"reasons"`
	PolicyVersion  string         `json:"policy_version"`
	Degraded       bool           `json:"degraded"`
	PolicyMissing  bool           `json:"policy_missing"`
	IdempotencyKey string         `json:"idempotency_key"`
	SubjectID      string         `json:"subject_id"`
	ToolsUsed      []string       `json:"tools_used"`
	DecidedAt      time.Time      `json:"decided_at"`
	FromCache      bool           `json:"from_cache,omitempty"`
}

// String renders a compact summary used in logs.
func (d *Decision) String() string {
	return fmt.Sprintf("%s score=%.2f policy=%s degraded=%t", d.Status, d.Score, d.PolicyVersion, d.Degraded)
}

// AuditRecord is the append-only snapshot of a decision plus the hash of the
// input that produced it. Records are never mutated after creation.
type AuditRecord struct {
	ID             uuid.UUID      `json:"id"`
	DecisionID     uuid.UUID      `json:"decision_id"`
	IdempotencyKey string         `json:"idempotency_key"`
	SubjectID      string         `json:"subject_id"`
	Status         DecisionStatus `json:"status"`
	Score          float64        `json:"score"`
	Reasons        []string       `json:"reasons"`
	PolicyVersion  string         `json:"policy_version"`
	Degraded       bool           `json:"degraded"`
	PolicyMissing  bool           `json:"policy_missing"`
	InputHash      string         `json:"input_hash"`
	ToolsUsed      []string       `json:"tools_used"`
	RecordedAt     time.Time      `json:"recorded_at"`
}

// NewAuditRecord snapshots a decision for the audit trail.
func NewAuditRecord(d *Decision, inputHash string) *AuditRecord {
	return &AuditRecord{
		ID:             uuid.New(),
		DecisionID:     d.ID,
		IdempotencyKey: d.IdempotencyKey,
		SubjectID:      d.SubjectID,
		Status:         d.Status,
		Score:          d.Score,
		Reasons:        append([]string(nil), d.Reasons...),
		PolicyVersion:  d.PolicyVersion,
		Degraded:       d.Degraded,
		PolicyMissing:  d.PolicyMissing,
		InputHash:      inputHash,
		ToolsUsed:      append([]string(nil), d.ToolsUsed...),
		RecordedAt:     time.Now().UTC(),
	}
}

// Thresholds holds the policy decision boundaries, applied in strict
// block > reject > escalate order.
type Thresholds struct {
	Escalate float64 `json:"escalate" yaml:"escalate"`
	Reject   float64 `json:"reject" yaml:"reject"`
	Block    float64 `json:"block" yaml:"block"`
}

// PolicySnapshot is the versioned, jurisdiction-specific weight and threshold
// table active for one assessment. Snapshots are immutable once loaded;
// updates replace the whole value.
type PolicySnapshot struct {
	Jurisdiction            string                        `json:"jurisdiction" yaml:"jurisdiction"`
	Version                 string                        `json:"version" yaml:"version"`
	Weights                 map[string]float64            `json:"weights" yaml:"weights"`
	Thresholds              Thresholds                    `json:"thresholds" yaml:"thresholds"`
	FallbackPenalty         float64                       `json:"fallback_penalty" yaml:"fallback_penalty"`
	DetectorParams          map[string]map[string]float64 `json:"detector_params" yaml:"detector_params"`
	HighRiskJurisdictions   []string                      `json:"high_risk_jurisdictions" yaml:"high_risk_jurisdictions"`
	MediumRiskJurisdictions []string                      `json:"medium_risk_jurisdictions" yaml:"medium_risk_jurisdictions"`
	ReportingThreshold      decimal.Decimal               `json:"reporting_threshold" yaml:"reporting_threshold"`
	LoadedAt                time.Time                     `json:"loaded_at" yaml:"-"`
}

// Weight returns the configured weight for a source, or the provided default
// when the policy does not name it.
func (p *PolicySnapshot) Weight(source string, def float64) float64 {
	if w, ok := p.Weights[source]; ok {
		return w
	}
	return def
}

// DetectorParam returns a per-detector calibration parameter, falling back to
// def when the policy does not override it.
func (p *PolicySnapshot) DetectorParam(detector, param string, def float64) float64 {
	if p == nil || p.DetectorParams == nil {
		return def
	}
	if params, ok := p.DetectorParams[detector]; ok {
		if v, ok := params[param]; ok {
			return v
		}
	}
	return def
}

// JurisdictionRisk classifies a jurisdiction against the policy risk lists.
type JurisdictionRisk string

const (
	JurisdictionRiskLow    JurisdictionRisk = "low"
	JurisdictionRiskMedium JurisdictionRisk = "medium"
	JurisdictionRiskHigh   JurisdictionRisk = "high"
)

// ClassifyJurisdiction resolves a jurisdiction code against the snapshot's
// high and medium risk lists.
func (p *PolicySnapshot) ClassifyJurisdiction(code string) JurisdictionRisk {
	for _, j := range p.HighRiskJurisdictions {
		if j == code {
			return JurisdictionRiskHigh
		}
	}
	for _, j := range p.MediumRiskJurisdictions {
		if j == code {
			return JurisdictionRiskMedium
		}
	}
	return JurisdictionRiskLow
}

// ValidationResult is the outcome of a structural rule evaluation.
type ValidationResult struct {
	Valid      bool     `json:"valid"`
	Violations []string `json:"violations,omitempty"`
}

// Transfer is one historical or in-flight movement of funds used by the
// pattern detectors.
type Transfer struct {
	SubjectID    string            `json:"subject_id"`
	Counterparty string            `json:"counterparty"`
	Direction    TransferDirection `json:"direction"`
	Amount       decimal.Decimal   `json:"amount"`
	Asset        string            `json:"asset"`
	Timestamp    time.Time         `json:"timestamp"`
}

// DecisionEvent is the payload emitted to the decision event consumer once a
// decision completes. Delivery and filtering are the consumer's concern.
type DecisionEvent struct {
	DecisionID     uuid.UUID      `json:"decision_id"`
	IdempotencyKey string         `json:"idempotency_key"`
	SubjectID      string         `json:"subject_id"`
	Status         DecisionStatus `json:"status"`
	Score          float64        `json:"score"`
	Degraded       bool           `json:"degraded"`
	PolicyVersion  string         `json:"policy_version"`
	DecidedAt      time.Time      `json:"decided_at"`
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// ClampScore bounds a risk score to the canonical [0,100] range.
func ClampScore(v float64) float64 { return clamp(v, 0, 100) }
