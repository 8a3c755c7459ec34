package audit

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/Aidin1998/sentinex/pkg/metrics"
	"github.com/Aidin1998/sentinex/pkg/models"
)

const (
	defaultMaxAttempts = 3
	defaultBaseDelay   = 50 * time.Millisecond
)

// AlertFunc is invoked when a record could not be written after all
// retries. The record must be surfaced to operators out of band.
type AlertFunc func(record *models.AuditRecord, err error)

// RetryingSink wraps another sink with bounded retries and an exhaustion
// alert. Audit writes are retried because losing the trail is worse than a
// slower decision; the decision itself is never blocked on the alert path.
type RetryingSink struct {
	next        Sink
	maxAttempts int
	baseDelay   time.Duration
	alert       AlertFunc
	logger      *zap.Logger
	metrics     *metrics.Metrics
}

// RetryOption adjusts a RetryingSink.
type RetryOption func(*RetryingSink)

// WithMaxAttempts sets the total attempt count, first try included.
func WithMaxAttempts(n int) RetryOption {
	return func(s *RetryingSink) {
		if n > 0 {
			s.maxAttempts = n
		}
	}
}

// WithBaseDelay sets the delay before the first retry; each further retry
// doubles it.
func WithBaseDelay(d time.Duration) RetryOption {
	return func(s *RetryingSink) {
		if d > 0 {
			s.baseDelay = d
		}
	}
}

// WithAlert sets the exhaustion callback.
func WithAlert(fn AlertFunc) RetryOption {
	return func(s *RetryingSink) { s.alert = fn }
}

// NewRetryingSink wraps next with retry-and-alert semantics.
func NewRetryingSink(next Sink, logger *zap.Logger, m *metrics.Metrics, opts ...RetryOption) *RetryingSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	if m == nil {
		m = metrics.NewNop()
	}
	s := &RetryingSink{
		next:        next,
		maxAttempts: defaultMaxAttempts,
		baseDelay:   defaultBaseDelay,
		logger:      logger,
		metrics:     m,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Append writes the record, retrying with doubling backoff. On exhaustion
// it raises the alert and returns the last error; the caller still returns
// its decision.
func (s *RetryingSink) Append(ctx context.Context, record *models.AuditRecord) error {
	var lastErr error
	delay := s.baseDelay

	for attempt := 1; ; attempt++ {
		lastErr = s.next.Append(ctx, record)
		if lastErr == nil {
			s.metrics.AuditAppends.WithLabelValues("success").Inc()
			return nil
		}
		if attempt >= s.maxAttempts {
			break
		}

		s.metrics.AuditRetries.Inc()
		s.logger.Warn("audit append failed, retrying",
			zap.Int("attempt", attempt),
			zap.Duration("backoff", delay),
			zap.Error(lastErr))

		if err := sleepCtx(ctx, delay); err != nil {
			lastErr = fmt.Errorf("audit retry aborted: %w", err)
			break
		}
		delay *= 2
	}

	s.metrics.AuditAppends.WithLabelValues("failure").Inc()
	s.metrics.AuditAlertsRaised.Inc()
	s.logger.Error("audit trail write exhausted retries",
		zap.String("decision_id", record.DecisionID.String()),
		zap.String("idempotency_key", record.IdempotencyKey),
		zap.Error(lastErr))
	if s.alert != nil {
		s.alert(record, lastErr)
	}
	return lastErr
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
