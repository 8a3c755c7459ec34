package policy

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/Aidin1998/sentinex/pkg/metrics"
	"github.com/Aidin1998/sentinex/pkg/models"
)

// reloadDebounce coalesces the event bursts editors emit on save.
const reloadDebounce = 500 * time.Millisecond

// snapshotDoc is the YAML form of one snapshot. Amounts arrive as strings
// and are converted at the boundary.
type snapshotDoc struct {
	Jurisdiction            string                        `yaml:"jurisdiction"`
	Version                 string                        `yaml:"version"`
	Weights                 map[string]float64            `yaml:"weights"`
	Thresholds              models.Thresholds             `yaml:"thresholds"`
	FallbackPenalty         float64                       `yaml:"fallback_penalty"`
	DetectorParams          map[string]map[string]float64 `yaml:"detector_params"`
	HighRiskJurisdictions   []string                      `yaml:"high_risk_jurisdictions"`
	MediumRiskJurisdictions []string                      `yaml:"medium_risk_jurisdictions"`
	ReportingThreshold      string                        `yaml:"reporting_threshold"`
}

type policyFile struct {
	Policies []snapshotDoc `yaml:"policies"`
}

// FileProvider serves snapshots from a YAML policy file and hot-reloads it
// on change. It owns its cache and invalidation lifecycle; readers may see
// a briefly stale snapshot during a reload, never a missing one.
type FileProvider struct {
	path    string
	logger  *zap.Logger
	metrics *metrics.Metrics

	mu        sync.RWMutex
	snapshots map[string]*models.PolicySnapshot

	watcher *fsnotify.Watcher
	done    chan struct{}
}

// NewFileProvider loads the policy file once. Call Watch to enable
// hot-reload. The initial load must succeed; later reload failures keep the
// last good snapshot set.
func NewFileProvider(path string, logger *zap.Logger, m *metrics.Metrics) (*FileProvider, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if m == nil {
		m = metrics.NewNop()
	}
	p := &FileProvider{
		path:    path,
		logger:  logger,
		metrics: m,
	}
	snapshots, err := loadPolicyFile(path)
	if err != nil {
		return nil, fmt.Errorf("policy: initial load of %s: %w", path, err)
	}
	p.snapshots = snapshots
	logger.Info("policy file loaded",
		zap.String("path", path),
		zap.Int("jurisdictions", len(snapshots)))
	return p, nil
}

func loadPolicyFile(path string) (map[string]*models.PolicySnapshot, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var doc policyFile
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("parse yaml: %w", err)
	}
	if len(doc.Policies) == 0 {
		return nil, fmt.Errorf("no policies defined")
	}

	snapshots := make(map[string]*models.PolicySnapshot, len(doc.Policies))
	now := time.Now().UTC()
	for i, d := range doc.Policies {
		if d.Jurisdiction == "" {
			return nil, fmt.Errorf("policy %d: missing jurisdiction", i)
		}
		if d.Version == "" {
			return nil, fmt.Errorf("policy %s: missing version", d.Jurisdiction)
		}
		s := &models.PolicySnapshot{
			Jurisdiction:            d.Jurisdiction,
			Version:                 d.Version,
			Weights:                 d.Weights,
			Thresholds:              d.Thresholds,
			FallbackPenalty:         d.FallbackPenalty,
			DetectorParams:          d.DetectorParams,
			HighRiskJurisdictions:   d.HighRiskJurisdictions,
			MediumRiskJurisdictions: d.MediumRiskJurisdictions,
			LoadedAt:                now,
		}
		if d.ReportingThreshold != "" {
			rt, err := decimal.NewFromString(d.ReportingThreshold)
			if err != nil {
				return nil, fmt.Errorf("policy %s: reporting_threshold %q is not a number", d.Jurisdiction, d.ReportingThreshold)
			}
			s.ReportingThreshold = rt
		}
		applySnapshotDefaults(s)
		t := s.Thresholds
		if t.Escalate > t.Reject || t.Reject > t.Block {
			return nil, fmt.Errorf("policy %s: thresholds must satisfy escalate <= reject <= block", d.Jurisdiction)
		}
		snapshots[s.Jurisdiction] = s
	}
	return snapshots, nil
}

// Watch starts the hot-reload watcher. It runs until ctx is canceled or
// Close is called.
func (p *FileProvider) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("policy: create watcher: %w", err)
	}
	if err := watcher.Add(p.path); err != nil {
		watcher.Close()
		return fmt.Errorf("policy: watch %s: %w", p.path, err)
	}
	p.watcher = watcher
	p.done = make(chan struct{})
	go p.watchForChanges(ctx)
	p.logger.Info("policy hot-reload enabled", zap.String("path", p.path))
	return nil
}

func (p *FileProvider) watchForChanges(ctx context.Context) {
	defer close(p.done)

	debounce := time.NewTimer(0)
	if !debounce.Stop() {
		<-debounce.C
	}

	for {
		select {
		case <-ctx.Done():
			return

		case event, ok := <-p.watcher.Events:
			if !ok {
				return
			}
			if event.Op&fsnotify.Write == fsnotify.Write ||
				event.Op&fsnotify.Create == fsnotify.Create {
				debounce.Reset(reloadDebounce)
			}

		case err, ok := <-p.watcher.Errors:
			if !ok {
				return
			}
			p.logger.Error("policy watcher error", zap.Error(err))

		case <-debounce.C:
			p.reload()
		}
	}
}

// reload swaps in a fresh snapshot set, keeping the old one when the file
// is unreadable or invalid.
func (p *FileProvider) reload() {
	snapshots, err := loadPolicyFile(p.path)
	if err != nil {
		p.metrics.PolicyReloads.WithLabelValues("error").Inc()
		p.logger.Error("policy reload failed, keeping previous snapshots",
			zap.String("path", p.path), zap.Error(err))
		return
	}
	p.mu.Lock()
	p.snapshots = snapshots
	p.mu.Unlock()
	p.metrics.PolicyReloads.WithLabelValues("success").Inc()
	p.logger.Info("policy reloaded",
		zap.String("path", p.path),
		zap.Int("jurisdictions", len(snapshots)))
}

// Close stops the watcher.
func (p *FileProvider) Close() error {
	if p.watcher == nil {
		return nil
	}
	err := p.watcher.Close()
	<-p.done
	return err
}

// GetPolicy returns the active snapshot for the jurisdiction, falling back
// to the default snapshot when configured.
func (p *FileProvider) GetPolicy(_ context.Context, jurisdiction string) (*models.PolicySnapshot, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if s, ok := p.snapshots[jurisdiction]; ok {
		return s, nil
	}
	if s, ok := p.snapshots[DefaultJurisdiction]; ok {
		return s, nil
	}
	return nil, fmt.Errorf("%w: %s", ErrPolicyMissing, jurisdiction)
}

// ValidateStructuralRule evaluates the named rule set against the data.
func (p *FileProvider) ValidateStructuralRule(ruleSet string, data map[string]interface{}) models.ValidationResult {
	return evaluateRuleSet(ruleSet, data, func(code string) bool {
		p.mu.RLock()
		defer p.mu.RUnlock()
		_, ok := p.snapshots[code]
		return ok
	})
}
