// Package validation performs structural validation of assessment requests
// before any compliance evaluation runs. Structural failure is a client
// error, never an escalation.
package validation

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/Aidin1998/sentinex/pkg/models"
)

// ValidationError describes a single field violation.
type ValidationError struct {
	Field   string `json:"field"`
	Tag     string `json:"tag"`
	Value   string `json:"value"`
	Message string `json:"message"`
}

// ValidationErrors is the error returned when a request fails structural checks.
type ValidationErrors []ValidationError

func (ve ValidationErrors) Error() string {
	if len(ve) == 0 {
		return "validation failed"
	}
	msgs := make([]string, 0, len(ve))
	for _, e := range ve {
		msgs = append(msgs, e.Message)
	}
	return fmt.Sprintf("validation failed: %s", strings.Join(msgs, "; "))
}

// Violations returns the human-readable message per violation, in field order.
func (ve ValidationErrors) Violations() []string {
	out := make([]string, 0, len(ve))
	for _, e := range ve {
		out = append(out, e.Message)
	}
	return out
}

var jurisdictionRegex = regexp.MustCompile(`^[A-Z]{2}$`)

// Validator checks assessment requests against the engine's structural rules.
type Validator struct {
	validate *validator.Validate
	logger   *zap.Logger

	knownChecks map[string]bool
}

// NewValidator creates a request validator. knownChecks lists the check names
// the engine can serve; an empty slice disables the known-check rule.
func NewValidator(logger *zap.Logger, knownChecks []string) *Validator {
	v := validator.New()

	known := make(map[string]bool, len(knownChecks))
	for _, c := range knownChecks {
		known[strings.ToLower(c)] = true
	}

	rv := &Validator{
		validate:    v,
		logger:      logger,
		knownChecks: known,
	}
	rv.registerCustomValidators()
	return rv
}

func (v *Validator) registerCustomValidators() {
	// jurisdiction: ISO 3166-1 alpha-2 form
	v.validate.RegisterValidation("jurisdiction", func(fl validator.FieldLevel) bool {
		return jurisdictionRegex.MatchString(fl.Field().String())
	})
}

// ValidateRequest applies the structural rule set to a request. It returns
// ValidationErrors carrying every violation found, or nil when the request
// is well formed.
func (v *Validator) ValidateRequest(req *models.AssessmentRequest) error {
	if req == nil {
		return ValidationErrors{{
			Field:   "request",
			Tag:     "required",
			Message: "request must not be nil",
		}}
	}

	var errs ValidationErrors

	if strings.TrimSpace(req.SubjectID) == "" {
		errs = append(errs, ValidationError{
			Field:   "subject_id",
			Tag:     "required",
			Message: "subject_id is required",
		})
	}
	if strings.TrimSpace(req.IdempotencyKey) == "" {
		errs = append(errs, ValidationError{
			Field:   "idempotency_key",
			Tag:     "required",
			Message: "idempotency_key is required",
		})
	}
	if req.Jurisdiction == "" {
		errs = append(errs, ValidationError{
			Field:   "jurisdiction",
			Tag:     "required",
			Message: "jurisdiction is required",
		})
	} else if !jurisdictionRegex.MatchString(req.Jurisdiction) {
		errs = append(errs, ValidationError{
			Field:   "jurisdiction",
			Tag:     "jurisdiction",
			Value:   req.Jurisdiction,
			Message: fmt.Sprintf("jurisdiction %q is not a two-letter country code", req.Jurisdiction),
		})
	}

	if req.Context.Amount.IsNegative() || req.Context.Amount.IsZero() {
		errs = append(errs, ValidationError{
			Field:   "context.amount",
			Tag:     "gt",
			Value:   req.Context.Amount.String(),
			Message: "transaction amount must be positive",
		})
	}
	if strings.TrimSpace(req.Context.Asset) == "" {
		errs = append(errs, ValidationError{
			Field:   "context.asset",
			Tag:     "required",
			Message: "transaction asset is required",
		})
	}

	if len(v.knownChecks) > 0 {
		for _, c := range req.Checks {
			if !v.knownChecks[strings.ToLower(c)] {
				errs = append(errs, ValidationError{
					Field:   "checks",
					Tag:     "known_check",
					Value:   c,
					Message: fmt.Sprintf("unknown check %q", c),
				})
			}
		}
	}

	if len(errs) > 0 {
		if v.logger != nil {
			v.logger.Debug("request failed structural validation",
				zap.String("subject_id", req.SubjectID),
				zap.Int("violations", len(errs)))
		}
		return errs
	}
	return nil
}

// ValidateStruct validates any struct via its validator tags, for callers
// that carry their own tagged option types.
func (v *Validator) ValidateStruct(s interface{}) error {
	err := v.validate.Struct(s)
	if err == nil {
		return nil
	}

	var errs ValidationErrors
	fieldErrs, ok := err.(validator.ValidationErrors)
	if !ok {
		return err
	}
	for _, fe := range fieldErrs {
		errs = append(errs, ValidationError{
			Field:   fe.Field(),
			Tag:     fe.Tag(),
			Value:   fmt.Sprintf("%v", fe.Value()),
			Message: fmt.Sprintf("%s failed %s validation", fe.Field(), fe.Tag()),
		})
	}
	return errs
}
