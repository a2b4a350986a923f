// Package scoring computes highlight relevance. Score is pure: the same
// input always yields the same result and nothing is read from the clock
// or the database.
package scoring

import (
	"math"
	"strings"
	"time"
)

const (
	keywordWeight   = 0.4
	kindWeight      = 0.3
	authorityWeight = 0.2
	freshnessWeight = 0.1

	keywordSaturation = 5
	quotePrefixRunes  = 500
	freshnessDays     = 60.0
	freshnessFloor    = 0.5

	DefaultAuthority  = 0.7
	DefaultKindWeight = 0.5
)

// DefaultKeywords is the ideal-customer-profile vocabulary highlights are
// matched against.
var DefaultKeywords = []string{
	"api",
	"sdk",
	"breaking change",
	"deprecat",
	"release",
	"migration",
	"performance",
	"latency",
	"benchmark",
	"security",
	"vulnerability",
	"open source",
	"developer",
	"kubernetes",
	"postgres",
	"database",
	"llm",
	"agent",
	"inference",
	"pricing",
}

// DefaultKindWeights ranks highlight kinds. Unknown kinds get
// DefaultKindWeight.
var DefaultKindWeights = map[string]float64{
	"breaking_change": 1.0,
	"api_change":      0.9,
	"code_change":     0.8,
	"code_example":    0.7,
	"metric":          0.6,
	"insight":         0.5,
	"quote":           0.4,
	"question":        0.3,
}

type Input struct {
	Title      string
	Summary    string
	Quote      string
	StoryTitle string
	Kind       string
	// PublishedAt is the story's publish time; nil scores as stale.
	PublishedAt *time.Time
	// Authority is the source's trust weight; nil uses DefaultAuthority.
	Authority *float64
	Now       time.Time
}

type Config struct {
	Keywords    []string
	KindWeights map[string]float64
}

func DefaultConfig() Config {
	return Config{Keywords: DefaultKeywords, KindWeights: DefaultKindWeights}
}

type Breakdown struct {
	Keyword         float64  `json:"keyword"`
	KindWeight      float64  `json:"kind_weight"`
	Authority       float64  `json:"authority"`
	Freshness       float64  `json:"freshness"`
	MatchedKeywords []string `json:"matched_keywords"`
	DaysPublished   *float64 `json:"days_since_published,omitempty"`
	Final           float64  `json:"final"`
}

type Result struct {
	Score     float64   `json:"score"`
	Breakdown Breakdown `json:"breakdown"`
}

// Score rates in with the default keyword list and kind weights.
func Score(in Input) Result {
	return DefaultConfig().Score(in)
}

func (c Config) Score(in Input) Result {
	matched := c.matchKeywords(in)
	keyword := math.Min(1, float64(len(matched))/keywordSaturation)

	kind, ok := c.KindWeights[strings.ToLower(strings.TrimSpace(in.Kind))]
	if !ok || !unit(kind) {
		kind = DefaultKindWeight
	}

	authority := DefaultAuthority
	if in.Authority != nil && unit(*in.Authority) {
		authority = *in.Authority
	}

	freshness, days := freshnessScore(in.PublishedAt, in.Now)

	final := keyword*keywordWeight + kind*kindWeight + authority*authorityWeight + freshness*freshnessWeight
	final = clamp(round2(final), 0, 1)

	return Result{
		Score: final,
		Breakdown: Breakdown{
			Keyword:         keyword,
			KindWeight:      kind,
			Authority:       authority,
			Freshness:       freshness,
			MatchedKeywords: matched,
			DaysPublished:   days,
			Final:           final,
		},
	}
}

func (c Config) matchKeywords(in Input) []string {
	haystack := strings.ToLower(strings.Join([]string{
		in.Title,
		in.Summary,
		prefixRunes(in.Quote, quotePrefixRunes),
		in.StoryTitle,
	}, "\n"))

	matched := make([]string, 0, keywordSaturation)
	seen := make(map[string]struct{}, len(c.Keywords))
	for _, kw := range c.Keywords {
		needle := strings.ToLower(strings.TrimSpace(kw))
		if needle == "" {
			continue
		}
		if _, dup := seen[needle]; dup {
			continue
		}
		seen[needle] = struct{}{}
		if strings.Contains(haystack, needle) {
			matched = append(matched, needle)
		}
	}
	return matched
}

func freshnessScore(published *time.Time, now time.Time) (float64, *float64) {
	if published == nil || published.IsZero() || now.IsZero() {
		return freshnessFloor, nil
	}
	days := now.Sub(*published).Hours() / 24
	if math.IsNaN(days) || math.IsInf(days, 0) {
		return freshnessFloor, nil
	}
	return clamp(1-days/freshnessDays, freshnessFloor, 1), &days
}

func prefixRunes(s string, n int) string {
	if len(s) <= n {
		return s
	}
	count := 0
	for i := range s {
		if count == n {
			return s[:i]
		}
		count++
	}
	return s
}

func unit(v float64) bool {
	return !math.IsNaN(v) && v >= 0 && v <= 1
}

func clamp(v, lo, hi float64) float64 {
	if math.IsNaN(v) {
		return lo
	}
	return math.Max(lo, math.Min(hi, v))
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
