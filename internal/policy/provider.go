// Package policy supplies the jurisdiction-specific weight tables and
// thresholds every decision is made under. Snapshots are immutable; an
// update replaces the whole snapshot. The engine tolerates a briefly stale
// snapshot but never a missing one.
package policy

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/Aidin1998/sentinex/pkg/models"
)

// ErrPolicyMissing is returned when no snapshot exists for a jurisdiction
// and no default snapshot is configured. The engine maps it to a forced
// escalation, never to a request failure.
var ErrPolicyMissing = errors.New("policy: no snapshot for jurisdiction")

// Rule set names accepted by ValidateStructuralRule.
const (
	RuleRequiredFields    = "required_fields"
	RuleAmountPositive    = "amount_positive"
	RuleJurisdictionKnown = "jurisdiction_known"
)

// DefaultJurisdiction is the snapshot key used as fallback when a requested
// jurisdiction has no snapshot of its own.
const DefaultJurisdiction = "default"

// Provider is the policy contract the engine depends on.
type Provider interface {
	// GetPolicy returns the active snapshot for a jurisdiction.
	GetPolicy(ctx context.Context, jurisdiction string) (*models.PolicySnapshot, error)
	// ValidateStructuralRule evaluates a named structural rule set against
	// loosely-typed request data.
	ValidateStructuralRule(ruleSet string, data map[string]interface{}) models.ValidationResult
}

// StaticProvider serves a fixed set of snapshots. Used in tests and as the
// embedded default when no policy file is configured.
type StaticProvider struct {
	snapshots map[string]*models.PolicySnapshot
}

// NewStaticProvider indexes the given snapshots by jurisdiction. A snapshot
// with jurisdiction "default" serves any jurisdiction without its own.
func NewStaticProvider(snapshots ...*models.PolicySnapshot) *StaticProvider {
	byJurisdiction := make(map[string]*models.PolicySnapshot, len(snapshots))
	for _, s := range snapshots {
		applySnapshotDefaults(s)
		byJurisdiction[s.Jurisdiction] = s
	}
	return &StaticProvider{snapshots: byJurisdiction}
}

// GetPolicy returns the snapshot for the jurisdiction, falling back to the
// default snapshot when configured.
func (p *StaticProvider) GetPolicy(_ context.Context, jurisdiction string) (*models.PolicySnapshot, error) {
	if s, ok := p.snapshots[jurisdiction]; ok {
		return s, nil
	}
	if s, ok := p.snapshots[DefaultJurisdiction]; ok {
		return s, nil
	}
	return nil, fmt.Errorf("%w: %s", ErrPolicyMissing, jurisdiction)
}

// ValidateStructuralRule evaluates the named rule set against the data.
func (p *StaticProvider) ValidateStructuralRule(ruleSet string, data map[string]interface{}) models.ValidationResult {
	return evaluateRuleSet(ruleSet, data, func(code string) bool {
		_, ok := p.snapshots[code]
		return ok
	})
}

// fallbackProvider retries a missing jurisdiction against a configured
// fallback jurisdiction before giving up.
type fallbackProvider struct {
	next     Provider
	fallback string
}

// WithFallback wraps a provider so that a jurisdiction without a snapshot is
// served the fallback jurisdiction's snapshot instead. It only fires once the
// wrapped provider has exhausted its own lookup, so a snapshot keyed
// DefaultJurisdiction still wins when present.
func WithFallback(next Provider, jurisdiction string) Provider {
	if jurisdiction == "" || jurisdiction == DefaultJurisdiction {
		return next
	}
	return &fallbackProvider{next: next, fallback: jurisdiction}
}

func (p *fallbackProvider) GetPolicy(ctx context.Context, jurisdiction string) (*models.PolicySnapshot, error) {
	s, err := p.next.GetPolicy(ctx, jurisdiction)
	if err == nil || !errors.Is(err, ErrPolicyMissing) {
		return s, err
	}
	if jurisdiction == p.fallback {
		return nil, err
	}
	return p.next.GetPolicy(ctx, p.fallback)
}

func (p *fallbackProvider) ValidateStructuralRule(ruleSet string, data map[string]interface{}) models.ValidationResult {
	return p.next.ValidateStructuralRule(ruleSet, data)
}

var jurisdictionForm = regexp.MustCompile(`^[A-Z]{2}$`)

// evaluateRuleSet is shared by every provider. known reports whether a
// jurisdiction has its own snapshot.
func evaluateRuleSet(ruleSet string, data map[string]interface{}, known func(string) bool) models.ValidationResult {
	var violations []string

	switch ruleSet {
	case RuleRequiredFields:
		for _, field := range []string{"subject_id", "idempotency_key", "jurisdiction"} {
			v, ok := data[field]
			if !ok {
				violations = append(violations, fmt.Sprintf("missing field %q", field))
				continue
			}
			s, isString := v.(string)
			if !isString || strings.TrimSpace(s) == "" {
				violations = append(violations, fmt.Sprintf("field %q must be a non-empty string", field))
			}
		}

	case RuleAmountPositive:
		amount, err := amountFrom(data["amount"])
		if err != nil {
			violations = append(violations, err.Error())
		} else if !amount.IsPositive() {
			violations = append(violations, fmt.Sprintf("amount %s must be positive", amount))
		}

	case RuleJurisdictionKnown:
		code, _ := data["jurisdiction"].(string)
		switch {
		case code == "":
			violations = append(violations, "missing field \"jurisdiction\"")
		case !jurisdictionForm.MatchString(code):
			violations = append(violations, fmt.Sprintf("jurisdiction %q is not a two-letter country code", code))
		case known != nil && !known(code) && !known(DefaultJurisdiction):
			violations = append(violations, fmt.Sprintf("jurisdiction %q has no active policy", code))
		}

	default:
		violations = append(violations, fmt.Sprintf("unknown rule set %q", ruleSet))
	}

	return models.ValidationResult{Valid: len(violations) == 0, Violations: violations}
}

func amountFrom(v interface{}) (decimal.Decimal, error) {
	switch a := v.(type) {
	case decimal.Decimal:
		return a, nil
	case string:
		d, err := decimal.NewFromString(a)
		if err != nil {
			return decimal.Zero, fmt.Errorf("amount %q is not a number", a)
		}
		return d, nil
	case float64:
		return decimal.NewFromFloat(a), nil
	case int:
		return decimal.NewFromInt(int64(a)), nil
	case int64:
		return decimal.NewFromInt(a), nil
	case nil:
		return decimal.Zero, errors.New("missing field \"amount\"")
	default:
		return decimal.Zero, fmt.Errorf("amount has unsupported type %T", v)
	}
}

// applySnapshotDefaults fills the documented defaults on a loaded snapshot.
// A zero fallback penalty is treated as unset: unavailability must bias
// toward caution, never toward approval.
func applySnapshotDefaults(s *models.PolicySnapshot) {
	if s.Weights == nil {
		s.Weights = map[string]float64{}
	}
	if s.FallbackPenalty <= 0 {
		s.FallbackPenalty = 30
	}
	if s.Thresholds.Escalate == 0 && s.Thresholds.Reject == 0 && s.Thresholds.Block == 0 {
		s.Thresholds = models.Thresholds{Escalate: 40, Reject: 70, Block: 90}
	}
	if s.ReportingThreshold.IsZero() {
		s.ReportingThreshold = decimal.NewFromInt(10000)
	}
}
