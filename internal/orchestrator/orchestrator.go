// Package orchestrator fans an assessment out to every configured signal
// provider and pattern detector concurrently, bounds each source with its
// own timeout and circuit breaker, and folds the findings into one
// aggregated risk in registration order. A failed source is substituted
// with an unavailable finding and penalized by the aggregator; it is never
// dropped and never fails the request.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/Aidin1998/sentinex/internal/aggregation"
	"github.com/Aidin1998/sentinex/internal/patterns"
	"github.com/Aidin1998/sentinex/internal/signals"
	"github.com/Aidin1998/sentinex/pkg/metrics"
	"github.com/Aidin1998/sentinex/pkg/models"
)

// Config bounds each source invocation.
type Config struct {
	// SignalTimeout bounds one signal provider call.
	SignalTimeout time.Duration
	// DetectorTimeout bounds one pattern detector call.
	DetectorTimeout time.Duration
	// BreakerThreshold is the consecutive-failure count that opens a
	// provider's breaker.
	BreakerThreshold uint32
	// BreakerWindow is the rolling window after which a closed breaker's
	// counts reset.
	BreakerWindow time.Duration
	// BreakerCooldown is how long an open breaker short-circuits calls
	// before probing again.
	BreakerCooldown time.Duration
}

func (c Config) withDefaults() Config {
	if c.SignalTimeout <= 0 {
		c.SignalTimeout = 2 * time.Second
	}
	if c.DetectorTimeout <= 0 {
		c.DetectorTimeout = 500 * time.Millisecond
	}
	if c.BreakerThreshold == 0 {
		c.BreakerThreshold = 5
	}
	if c.BreakerWindow <= 0 {
		c.BreakerWindow = time.Minute
	}
	if c.BreakerCooldown <= 0 {
		c.BreakerCooldown = 30 * time.Second
	}
	return c
}

// Orchestrator owns the configured sources and their breakers. Breaker
// state is the only cross-request mutable state and is safe under
// concurrent Execute calls.
type Orchestrator struct {
	providers []signals.Provider
	detectors []patterns.Detector
	breakers  map[string]*gobreaker.CircuitBreaker
	cfg       Config
	logger    *zap.Logger
	metrics   *metrics.Metrics
}

// New builds an orchestrator over the given sources. Providers and
// detectors keep their slice order for the deterministic fold.
func New(providers []signals.Provider, detectors []patterns.Detector, cfg Config, logger *zap.Logger, m *metrics.Metrics) *Orchestrator {
	if logger == nil {
		logger = zap.NewNop()
	}
	if m == nil {
		m = metrics.NewNop()
	}
	cfg = cfg.withDefaults()

	o := &Orchestrator{
		providers: providers,
		detectors: detectors,
		breakers:  make(map[string]*gobreaker.CircuitBreaker, len(providers)),
		cfg:       cfg,
		logger:    logger,
		metrics:   m,
	}
	for _, p := range providers {
		o.breakers[p.Name()] = o.newBreaker(p.Name())
	}
	return o
}

func (o *Orchestrator) newBreaker(name string) *gobreaker.CircuitBreaker {
	threshold := o.cfg.BreakerThreshold
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:     name,
		Interval: o.cfg.BreakerWindow,
		Timeout:  o.cfg.BreakerCooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			o.logger.Warn("signal provider breaker state changed",
				zap.String("source", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()))
			o.metrics.BreakerState.WithLabelValues(name).Set(float64(to))
		},
	})
}

type signalResult struct {
	idx     int
	finding models.SignalFinding
}

type patternResult struct {
	idx     int
	finding models.PatternFinding
}

// Execute runs every source concurrently and aggregates the findings under
// the given policy. It blocks until each source returns or expires, so the
// wall time is bounded by the largest per-source timeout plus the
// aggregation overhead. Source failures never surface as an error.
func (o *Orchestrator) Execute(ctx context.Context, req *models.AssessmentRequest, policy *models.PolicySnapshot) (models.AggregatedRisk, error) {
	if req == nil || policy == nil {
		return models.AggregatedRisk{}, errors.New("orchestrator: request and policy are required")
	}

	start := time.Now()
	sigCh := make(chan signalResult, len(o.providers))
	patCh := make(chan patternResult, len(o.detectors))

	for i, p := range o.providers {
		go o.assess(ctx, i, p, req, sigCh)
	}
	for i, d := range o.detectors {
		go o.detect(ctx, i, d, req, policy, patCh)
	}

	// Fan-in: every source reports exactly once, within its own timeout.
	sigFindings := make([]models.SignalFinding, len(o.providers))
	patFindings := make([]models.PatternFinding, len(o.detectors))
	for range o.providers {
		r := <-sigCh
		sigFindings[r.idx] = r.finding
	}
	for range o.detectors {
		r := <-patCh
		patFindings[r.idx] = r.finding
	}

	risk := aggregation.Aggregate(sigFindings, patFindings, policy)
	if risk.Degraded {
		o.metrics.DegradedRuns.Inc()
		o.logger.Warn("orchestration completed degraded",
			zap.String("request_id", req.ID.String()),
			zap.Float64("score", risk.Score),
			zap.Duration("elapsed", time.Since(start)))
	}
	return risk, nil
}

// assess invokes one signal provider behind its breaker. The per-source
// timeout fires inside the breaker execution, so hung calls count as
// breaker failures while their goroutine is abandoned, not awaited.
func (o *Orchestrator) assess(ctx context.Context, idx int, p signals.Provider, req *models.AssessmentRequest, out chan<- signalResult) {
	name := p.Name()
	callCtx, cancel := context.WithTimeout(ctx, o.cfg.SignalTimeout)
	defer cancel()

	start := time.Now()
	res, err := o.breakers[name].Execute(func() (interface{}, error) {
		type answer struct {
			finding models.SignalFinding
			err     error
		}
		ch := make(chan answer, 1)
		go func() {
			defer func() {
				if r := recover(); r != nil {
					ch <- answer{err: fmt.Errorf("provider panic: %v", r)}
				}
			}()
			f, err := p.Assess(callCtx, req.Subject, req.Context)
			ch <- answer{finding: f, err: err}
		}()
		select {
		case a := <-ch:
			return a.finding, a.err
		case <-callCtx.Done():
			return nil, callCtx.Err()
		}
	})
	elapsed := time.Since(start)
	o.metrics.SourceLatency.WithLabelValues(name, "signal").Observe(elapsed.Seconds())

	if err != nil {
		o.metrics.SourceFailures.WithLabelValues(name, failureReason(err)).Inc()
		o.logger.Warn("signal provider unavailable",
			zap.String("source", name),
			zap.String("request_id", req.ID.String()),
			zap.Error(err))
		f := models.UnavailableFinding(name, err)
		f.Elapsed = elapsed
		out <- signalResult{idx: idx, finding: f}
		return
	}

	finding, ok := res.(models.SignalFinding)
	if !ok {
		o.metrics.SourceFailures.WithLabelValues(name, "error").Inc()
		out <- signalResult{idx: idx, finding: models.UnavailableFinding(name, fmt.Errorf("unexpected result type %T", res))}
		return
	}
	finding.Source = name
	finding.Elapsed = elapsed
	out <- signalResult{idx: idx, finding: finding}
}

// detect invokes one in-process detector with its own timeout and panic
// recovery. Detector failures become unavailable pattern findings.
func (o *Orchestrator) detect(ctx context.Context, idx int, d patterns.Detector, req *models.AssessmentRequest, policy *models.PolicySnapshot, out chan<- patternResult) {
	name := d.Name()
	callCtx, cancel := context.WithTimeout(ctx, o.cfg.DetectorTimeout)
	defer cancel()

	type answer struct {
		finding models.PatternFinding
		err     error
	}
	ch := make(chan answer, 1)
	start := time.Now()
	go func() {
		defer func() {
			if r := recover(); r != nil {
				ch <- answer{err: fmt.Errorf("detector panic: %v", r)}
			}
		}()
		f, err := d.Detect(callCtx, req, policy)
		ch <- answer{finding: f, err: err}
	}()

	var finding models.PatternFinding
	var err error
	select {
	case a := <-ch:
		finding, err = a.finding, a.err
	case <-callCtx.Done():
		err = callCtx.Err()
	}
	elapsed := time.Since(start)
	o.metrics.SourceLatency.WithLabelValues(name, "pattern").Observe(elapsed.Seconds())

	if err != nil {
		o.metrics.SourceFailures.WithLabelValues(name, failureReason(err)).Inc()
		o.logger.Warn("pattern detector unavailable",
			zap.String("source", name),
			zap.String("request_id", req.ID.String()),
			zap.Error(err))
		finding = models.PatternFinding{Pattern: name, Unavailable: true, Description: err.Error()}
	}
	finding.Pattern = name
	out <- patternResult{idx: idx, finding: finding}
}

// failureReason classifies a source failure for metrics.
func failureReason(err error) string {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	case errors.Is(err, context.Canceled):
		return "canceled"
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		return "breaker_open"
	default:
		return "error"
	}
}
