// Package decision turns aggregated risk into terminal compliance
// decisions and runs the evaluation pipeline end to end.
package decision

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/Aidin1998/sentinex/pkg/models"
)

// ErrInvalidTransition is returned when an assessment is driven out of
// order. Decisions are terminal: once decided, nothing moves again.
var ErrInvalidTransition = errors.New("decision: invalid state transition")

// State is the lifecycle position of one assessment.
type State string

const (
	StateCollecting State = "COLLECTING"
	StateAggregated State = "AGGREGATED"
	StateDecided    State = "DECIDED"
)

// Assessment tracks one request through COLLECTING → AGGREGATED → DECIDED.
// It is not safe for concurrent use; each request gets its own.
type Assessment struct {
	state    State
	request  *models.AssessmentRequest
	risk     models.AggregatedRisk
	decision *models.Decision
}

// NewAssessment starts an assessment in COLLECTING.
func NewAssessment(req *models.AssessmentRequest) *Assessment {
	return &Assessment{state: StateCollecting, request: req}
}

// State returns the current lifecycle position.
func (a *Assessment) State() State { return a.state }

// Complete records the orchestrator's aggregate, successful or degraded,
// and moves to AGGREGATED.
func (a *Assessment) Complete(risk models.AggregatedRisk) error {
	if a.state != StateCollecting {
		return fmt.Errorf("%w: complete from %s", ErrInvalidTransition, a.state)
	}
	a.risk = risk
	a.state = StateAggregated
	return nil
}

// Decide applies the policy thresholds and moves to DECIDED. A nil policy
// is the unrecoverable case: the decision is forced to ESCALATED with the
// PolicyMissing flag set, never an error. The returned decision is
// immutable; calling Decide again fails.
func (a *Assessment) Decide(pol *models.PolicySnapshot) (*models.Decision, error) {
	if a.state != StateAggregated {
		return nil, fmt.Errorf("%w: decide from %s", ErrInvalidTransition, a.state)
	}

	d := &models.Decision{
		ID:             uuid.New(),
		Score:          a.risk.Score,
		Degraded:       a.risk.Degraded,
		PolicyVersion:  a.risk.PolicyVersion,
		IdempotencyKey: a.request.IdempotencyKey,
		SubjectID:      a.request.SubjectID,
		ToolsUsed:      toolsFrom(a.risk),
		DecidedAt:      time.Now().UTC(),
	}

	if pol == nil {
		d.Status = models.DecisionEscalated
		d.PolicyMissing = true
		d.Reasons = []string{fmt.Sprintf(
			"no policy snapshot available for jurisdiction %q; escalated as the safe default",
			a.request.Jurisdiction)}
	} else {
		d.PolicyVersion = pol.Version
		d.Status, d.Reasons = applyThresholds(a.risk, pol.Thresholds)
	}
	d.Reasons = append(d.Reasons, detailReasons(a.risk)...)

	a.decision = d
	a.state = StateDecided
	return d, nil
}

// Decision returns the terminal outcome once decided.
func (a *Assessment) Decision() (*models.Decision, bool) {
	return a.decision, a.state == StateDecided
}

// applyThresholds maps a score to a status in strict block > reject >
// escalate order. A degraded run that lands below every threshold is
// escalated anyway: approval requires a complete, successful evaluation.
func applyThresholds(risk models.AggregatedRisk, t models.Thresholds) (models.DecisionStatus, []string) {
	score := risk.Score
	switch {
	case score >= t.Block:
		return models.DecisionBlocked, []string{
			fmt.Sprintf("score %.1f at or above block threshold %.1f", score, t.Block)}
	case score >= t.Reject:
		return models.DecisionRejected, []string{
			fmt.Sprintf("score %.1f at or above reject threshold %.1f", score, t.Reject)}
	case score >= t.Escalate:
		return models.DecisionEscalated, []string{
			fmt.Sprintf("score %.1f at or above escalate threshold %.1f", score, t.Escalate)}
	case risk.Degraded:
		return models.DecisionEscalated, []string{
			"evaluation degraded; approval requires a complete evaluation"}
	default:
		return models.DecisionApproved, []string{
			fmt.Sprintf("score %.1f below escalate threshold %.1f", score, t.Escalate)}
	}
}

// detailReasons appends the noteworthy evidence behind the status: every
// high or critical pattern, and the unavailable sources on a degraded run.
func detailReasons(risk models.AggregatedRisk) []string {
	var reasons []string
	for _, p := range risk.Patterns {
		if p.Severity == models.SeverityHigh || p.Severity == models.SeverityCritical {
			reasons = append(reasons, fmt.Sprintf("%s probability %.2f (%s)", p.Pattern, p.Probability, p.Severity))
		}
	}
	if risk.Degraded {
		var unavailable []string
		for _, s := range risk.Signals {
			if s.Unavailable {
				unavailable = append(unavailable, s.Source)
			}
		}
		for _, p := range risk.Patterns {
			if p.Unavailable {
				unavailable = append(unavailable, p.Pattern)
			}
		}
		reasons = append(reasons, fmt.Sprintf(
			"degraded evaluation: fallback penalty applied for %v", unavailable))
	}
	return reasons
}

func toolsFrom(risk models.AggregatedRisk) []string {
	tools := make([]string, 0, len(risk.Signals)+len(risk.Patterns))
	for _, s := range risk.Signals {
		tools = append(tools, s.Source)
	}
	for _, p := range risk.Patterns {
		tools = append(tools, p.Pattern)
	}
	return tools
}
