package signals

import (
	"context"
	"math"
	"regexp"
	"strings"

	"github.com/agnivade/levenshtein"
	"go.uber.org/zap"

	"github.com/Aidin1998/sentinex/pkg/models"
)

// ListKind distinguishes the screening lists an entry belongs to.
type ListKind string

const (
	ListSanctions ListKind = "sanctions"
	ListPEP       ListKind = "pep"
)

// Contributions per list kind. A sanctions hit alone is enough to clear any
// block threshold; a PEP hit demands enhanced due diligence, not a block.
const (
	sanctionsContribution = 100
	pepContribution       = 75
)

// Entry is one screening list record.
type Entry struct {
	Name           string   `json:"name" yaml:"name"`
	AlternateNames []string `json:"alternate_names,omitempty" yaml:"alternate_names,omitempty"`
	Kind           ListKind `json:"kind" yaml:"kind"`
	CountryCode    string   `json:"country_code,omitempty" yaml:"country_code,omitempty"`
	Reference      string   `json:"reference,omitempty" yaml:"reference,omitempty"`
}

// match is one scored candidate from a screening pass.
type match struct {
	entry      Entry
	similarity float64
	matched    string
	against    string
}

// WatchlistProvider screens the subject's name and the transaction
// counterparty against an in-memory sanctions/PEP list using normalized
// exact matching plus Levenshtein similarity.
type WatchlistProvider struct {
	name           string
	logger         *zap.SugaredLogger
	entries        []Entry
	normalized     [][]string
	fuzzyThreshold float64
}

// DefaultFuzzyThreshold is the minimum Levenshtein similarity treated as a
// screening hit.
const DefaultFuzzyThreshold = 0.85

// NewWatchlistProvider builds a screening provider over the given entries.
// A threshold of 0 selects DefaultFuzzyThreshold.
func NewWatchlistProvider(logger *zap.SugaredLogger, entries []Entry, fuzzyThreshold float64) *WatchlistProvider {
	if fuzzyThreshold <= 0 || fuzzyThreshold > 1 {
		fuzzyThreshold = DefaultFuzzyThreshold
	}
	p := &WatchlistProvider{
		name:           "watchlist",
		logger:         logger,
		entries:        entries,
		fuzzyThreshold: fuzzyThreshold,
	}
	// Pre-normalize every entry name once.
	p.normalized = make([][]string, len(entries))
	for i, e := range entries {
		names := make([]string, 0, 1+len(e.AlternateNames))
		names = append(names, normalizeName(e.Name))
		for _, alt := range e.AlternateNames {
			names = append(names, normalizeName(alt))
		}
		p.normalized[i] = names
	}
	return p
}

// Name returns the provider's source name.
func (p *WatchlistProvider) Name() string { return p.name }

// Assess screens the subject and the counterparty, reporting the strongest
// hit. No hit yields a zero contribution with full confidence.
func (p *WatchlistProvider) Assess(ctx context.Context, subject models.SubjectProfile, tx models.TransactionContext) (models.SignalFinding, error) {
	if err := ctx.Err(); err != nil {
		return models.SignalFinding{}, err
	}

	queries := map[string]string{}
	if subject.FullName != "" {
		queries["subject"] = subject.FullName
	}
	if tx.Counterparty != "" {
		queries["counterparty"] = tx.Counterparty
	}
	if len(queries) == 0 {
		f := models.NewSignalFinding(p.name, 0, 0.5)
		f.Detail = map[string]interface{}{"note": "nothing to screen"}
		return f, nil
	}

	var best *match
	for role, q := range queries {
		if m := p.bestMatch(q); m != nil {
			m.against = role
			if best == nil || m.similarity > best.similarity ||
				(m.similarity == best.similarity && m.entry.Kind == ListSanctions) {
				best = m
			}
		}
	}

	if best == nil {
		f := models.NewSignalFinding(p.name, 0, 1.0)
		f.Detail = map[string]interface{}{"screened": len(p.entries)}
		return f, nil
	}

	contribution := float64(pepContribution)
	if best.entry.Kind == ListSanctions {
		contribution = sanctionsContribution
	}
	if p.logger != nil {
		p.logger.Infow("watchlist hit",
			"list", string(best.entry.Kind),
			"reference", best.entry.Reference,
			"against", best.against,
			"similarity", best.similarity)
	}
	f := models.NewSignalFinding(p.name, contribution, best.similarity)
	f.Detail = map[string]interface{}{
		"list":       string(best.entry.Kind),
		"reference":  best.entry.Reference,
		"matched":    best.matched,
		"against":    best.against,
		"similarity": best.similarity,
	}
	return f, nil
}

// bestMatch returns the strongest entry match at or above the fuzzy
// threshold, or nil.
func (p *WatchlistProvider) bestMatch(query string) *match {
	normalized := normalizeName(query)
	if normalized == "" {
		return nil
	}

	var best *match
	for i, names := range p.normalized {
		for _, candidate := range names {
			sim := levenshteinSimilarity(normalized, candidate)
			if sim < p.fuzzyThreshold {
				continue
			}
			if best == nil || sim > best.similarity {
				best = &match{entry: p.entries[i], similarity: sim, matched: candidate}
			}
			if sim == 1.0 {
				return best
			}
		}
	}
	return best
}

var nonAlphanumeric = regexp.MustCompile(`[^a-z0-9\s]`)

// commonAffixes are honorifics and suffixes stripped before matching.
var commonAffixes = map[string]bool{
	"mr": true, "mrs": true, "ms": true, "dr": true, "prof": true,
	"jr": true, "sr": true, "ii": true, "iii": true, "iv": true,
}

// normalizeName lowercases, strips punctuation and drops honorific tokens.
func normalizeName(name string) string {
	name = strings.ToLower(name)
	name = nonAlphanumeric.ReplaceAllString(name, "")

	tokens := strings.Fields(name)
	kept := make([]string, 0, len(tokens))
	for _, tok := range tokens {
		if !commonAffixes[tok] {
			kept = append(kept, tok)
		}
	}
	return strings.Join(kept, " ")
}

// levenshteinSimilarity maps edit distance into [0,1].
func levenshteinSimilarity(s1, s2 string) float64 {
	if s1 == s2 {
		return 1.0
	}
	distance := levenshtein.ComputeDistance(s1, s2)
	maxLen := math.Max(float64(len(s1)), float64(len(s2)))
	if maxLen == 0 {
		return 1.0
	}
	return 1.0 - float64(distance)/maxLen
}
