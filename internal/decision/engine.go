package decision

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/Aidin1998/sentinex/internal/audit"
	"github.com/Aidin1998/sentinex/internal/cache"
	"github.com/Aidin1998/sentinex/internal/events"
	"github.com/Aidin1998/sentinex/internal/history"
	"github.com/Aidin1998/sentinex/internal/orchestrator"
	"github.com/Aidin1998/sentinex/internal/policy"
	"github.com/Aidin1998/sentinex/pkg/metrics"
	"github.com/Aidin1998/sentinex/pkg/models"
	"github.com/Aidin1998/sentinex/pkg/validation"
)

const (
	defaultCacheTTL        = 10 * time.Minute
	defaultOverallDeadline = 5 * time.Second

	// finalizeGrace bounds the audit/publish/cache steps, which run
	// detached from the evaluation deadline.
	finalizeGrace = 10 * time.Second
)

// Config carries the engine's tunables.
type Config struct {
	// CacheTTL is how long a decision stays replayable by idempotency key.
	CacheTTL time.Duration
	// OverallDeadline bounds one full evaluation, orchestration included.
	OverallDeadline time.Duration
}

// Deps bundles the engine's collaborators. Validator, Policies and
// Orchestrator are required; the rest default to in-process no-op or
// memory implementations.
type Deps struct {
	Validator    *validation.Validator
	Policies     policy.Provider
	Orchestrator *orchestrator.Orchestrator
	Cache        cache.Cache
	Audit        audit.Sink
	Events       events.Publisher
	History      history.Store
	Logger       *zap.Logger
	Metrics      *metrics.Metrics
}

// Engine runs the evaluation pipeline: validate, replay from cache,
// orchestrate, decide, then persist the trail. Evaluate is safe for
// concurrent use; concurrent calls sharing an idempotency key are
// collapsed into one orchestration.
type Engine struct {
	validator *validation.Validator
	policies  policy.Provider
	orch      *orchestrator.Orchestrator
	cache     cache.Cache
	audit     audit.Sink
	events    events.Publisher
	history   history.Store
	logger    *zap.Logger
	metrics   *metrics.Metrics

	cacheTTL        time.Duration
	overallDeadline time.Duration
	group           singleflight.Group
}

// NewEngine wires an engine from its dependencies.
func NewEngine(deps Deps, cfg Config) *Engine {
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if deps.Metrics == nil {
		deps.Metrics = metrics.NewNop()
	}
	if deps.Cache == nil {
		deps.Cache = cache.NewMemoryCache(0, deps.Metrics)
	}
	if deps.Audit == nil {
		deps.Audit = audit.NewMemorySink()
	}
	if deps.Events == nil {
		deps.Events = events.NopPublisher{}
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = defaultCacheTTL
	}
	if cfg.OverallDeadline <= 0 {
		cfg.OverallDeadline = defaultOverallDeadline
	}
	return &Engine{
		validator:       deps.Validator,
		policies:        deps.Policies,
		orch:            deps.Orchestrator,
		cache:           deps.Cache,
		audit:           deps.Audit,
		events:          deps.Events,
		history:         deps.History,
		logger:          deps.Logger,
		metrics:         deps.Metrics,
		cacheTTL:        cfg.CacheTTL,
		overallDeadline: cfg.OverallDeadline,
	}
}

// Evaluate runs one compliance assessment to a terminal decision. A
// validation failure is a request error, not a decision. Every other
// failure mode resolves inside the pipeline: unavailable providers degrade
// the aggregate, a missing policy escalates, cache and audit trouble never
// block the outcome.
func (e *Engine) Evaluate(ctx context.Context, req *models.AssessmentRequest) (*models.Decision, error) {
	start := time.Now()

	if err := e.validator.ValidateRequest(req); err != nil {
		return nil, err
	}
	if req.ID == uuid.Nil {
		req.ID = uuid.New()
	}
	if req.SubmittedAt.IsZero() {
		req.SubmittedAt = time.Now().UTC()
	}

	if d, ok := e.cachedDecision(ctx, req.IdempotencyKey); ok {
		e.observe(d, start, true)
		return d, nil
	}

	v, err, _ := e.group.Do(req.IdempotencyKey, func() (interface{}, error) {
		// Re-check after winning the flight: an earlier flight for this
		// key may have finished between our miss and now.
		if d, ok := e.cachedDecision(ctx, req.IdempotencyKey); ok {
			return d, nil
		}
		return e.evaluate(ctx, req)
	})
	if err != nil {
		return nil, err
	}
	d := v.(*models.Decision)
	e.observe(d, start, d.FromCache)
	return d, nil
}

func (e *Engine) evaluate(ctx context.Context, req *models.AssessmentRequest) (*models.Decision, error) {
	if e.overallDeadline > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.overallDeadline)
		defer cancel()
	}

	assessment := NewAssessment(req)

	pol, err := e.policies.GetPolicy(ctx, req.Jurisdiction)
	if err != nil {
		if errors.Is(err, policy.ErrPolicyMissing) {
			e.logger.Warn("policy snapshot missing, escalating as safe default",
				zap.String("jurisdiction", req.Jurisdiction),
				zap.String("subject_id", req.SubjectID))
		} else {
			e.logger.Error("policy provider failed, escalating as safe default",
				zap.String("jurisdiction", req.Jurisdiction),
				zap.Error(err))
		}
		e.metrics.PolicyMissing.Inc()
		if err := assessment.Complete(models.AggregatedRisk{}); err != nil {
			return nil, err
		}
		d, err := assessment.Decide(nil)
		if err != nil {
			return nil, err
		}
		return e.finalize(ctx, req, d)
	}

	risk, err := e.orch.Execute(ctx, req, pol)
	if err != nil {
		return nil, err
	}
	if err := assessment.Complete(risk); err != nil {
		return nil, err
	}
	d, err := assessment.Decide(pol)
	if err != nil {
		return nil, err
	}
	return e.finalize(ctx, req, d)
}

// finalize persists the trail around a decided assessment. It runs on a
// context detached from the evaluation deadline: a request that burned its
// whole budget in orchestration must still leave an audit record.
func (e *Engine) finalize(ctx context.Context, req *models.AssessmentRequest, d *models.Decision) (*models.Decision, error) {
	fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), finalizeGrace)
	defer cancel()

	if e.history != nil {
		if err := e.history.Record(fctx, req.Transfer()); err != nil {
			e.logger.Warn("failed to record transfer history",
				zap.String("subject_id", req.SubjectID), zap.Error(err))
		}
	}

	record := models.NewAuditRecord(d, req.InputHash())
	if err := e.audit.Append(fctx, record); err != nil {
		e.logger.Error("audit append failed, decision returned without durable trail",
			zap.String("decision_id", d.ID.String()),
			zap.String("idempotency_key", d.IdempotencyKey),
			zap.Error(err))
	}

	if err := e.events.PublishDecision(fctx, decisionEvent(d)); err != nil {
		e.logger.Warn("decision event publish failed",
			zap.String("decision_id", d.ID.String()), zap.Error(err))
	}

	if err := e.cache.Put(fctx, d.IdempotencyKey, d, e.cacheTTL); err != nil {
		e.logger.Warn("result cache put failed, replay will recompute",
			zap.String("idempotency_key", d.IdempotencyKey), zap.Error(err))
	}

	e.logger.Info("decision completed",
		zap.String("subject_id", d.SubjectID),
		zap.String("status", string(d.Status)),
		zap.Float64("score", d.Score),
		zap.Bool("degraded", d.Degraded),
		zap.Bool("policy_missing", d.PolicyMissing))
	return d, nil
}

func (e *Engine) cachedDecision(ctx context.Context, key string) (*models.Decision, bool) {
	d, ok, err := e.cache.Get(ctx, key)
	if err != nil {
		e.logger.Warn("result cache unavailable, treating as miss", zap.Error(err))
		return nil, false
	}
	if !ok {
		return nil, false
	}
	d.FromCache = true
	return d, true
}

func (e *Engine) observe(d *models.Decision, start time.Time, cached bool) {
	status := string(d.Status)
	e.metrics.DecisionsTotal.WithLabelValues(status, strconv.FormatBool(cached)).Inc()
	e.metrics.DecisionDuration.WithLabelValues(status).Observe(time.Since(start).Seconds())
	if !cached {
		e.metrics.DecisionScore.Observe(d.Score)
	}
}

func decisionEvent(d *models.Decision) models.DecisionEvent {
	return models.DecisionEvent{
		DecisionID:     d.ID,
		IdempotencyKey: d.IdempotencyKey,
		SubjectID:      d.SubjectID,
		Status:         d.Status,
		Score:          d.Score,
		Degraded:       d.Degraded,
		PolicyVersion:  d.PolicyVersion,
		DecidedAt:      d.DecidedAt,
	}
}
