package scoring

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

var now = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func daysAgo(d int) *time.Time {
	t := now.Add(-time.Duration(d) * 24 * time.Hour)
	return &t
}

func TestScoreNinetyDayOldNoKeywords(t *testing.T) {
	t.Parallel()

	for kind, weight := range DefaultKindWeights {
		got := Score(Input{
			Title:       "Quarterly update",
			Summary:     "Nothing relevant here",
			Kind:        kind,
			PublishedAt: daysAgo(90),
			Now:         now,
		})
		want := math.Round((0.3*weight+0.2*0.7+0.1*0.5)*100) / 100
		assert.InDelta(t, want, got.Score, 1e-9, "kind %s", kind)
		assert.Empty(t, got.Breakdown.MatchedKeywords)
		assert.Equal(t, 0.5, got.Breakdown.Freshness)
		assert.Equal(t, DefaultAuthority, got.Breakdown.Authority)
	}
}

func TestScoreComponents(t *testing.T) {
	t.Parallel()

	authority := 0.9
	tests := []struct {
		name      string
		in        Input
		keyword   float64
		freshness float64
		score     float64
	}{
		{
			name: "fresh breaking change saturates keywords",
			in: Input{
				Title:       "Breaking change in the SDK release",
				Summary:     "API migration required; performance improves",
				Kind:        "breaking_change",
				PublishedAt: daysAgo(0),
				Authority:   &authority,
				Now:         now,
			},
			keyword:   1,
			freshness: 1,
			score:     0.98,
		},
		{
			name: "thirty days halves the decay window",
			in: Input{
				Title:       "New database benchmark",
				Kind:        "metric",
				PublishedAt: daysAgo(30),
				Now:         now,
			},
			keyword:   0.4,
			freshness: 0.5,
			score:     0.53,
		},
		{
			name: "missing publish date is stale",
			in: Input{
				Summary: "How do agents call tools?",
				Kind:    "question",
				Now:     now,
			},
			keyword:   0.2,
			freshness: 0.5,
			score:     0.36,
		},
		{
			name: "future date clamps to one",
			in: Input{
				Kind:        "insight",
				PublishedAt: daysAgo(-3),
				Now:         now,
			},
			keyword:   0,
			freshness: 1,
			score:     0.39,
		},
	}

	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			got := Score(tc.in)
			assert.InDelta(t, tc.keyword, got.Breakdown.Keyword, 1e-9)
			assert.InDelta(t, tc.freshness, got.Breakdown.Freshness, 1e-9)
			assert.InDelta(t, tc.score, got.Score, 1e-9)
		})
	}
}

func TestScoreFallsBackOnBadInputs(t *testing.T) {
	t.Parallel()

	nan := math.NaN()
	tooHigh := 4.2
	for _, authority := range []*float64{&nan, &tooHigh, nil} {
		got := Score(Input{Kind: "no_such_kind", Authority: authority, Now: now})
		assert.Equal(t, DefaultAuthority, got.Breakdown.Authority)
		assert.Equal(t, DefaultKindWeight, got.Breakdown.KindWeight)
		assert.GreaterOrEqual(t, got.Score, 0.0)
		assert.LessOrEqual(t, got.Score, 1.0)
	}
}

func TestScoreIsBoundedAndDeterministic(t *testing.T) {
	t.Parallel()

	texts := []string{"", "api sdk release migration performance latency security llm agent", "plain"}
	authorities := []float64{0, 0.3, 0.7, 1}
	kinds := []string{"breaking_change", "question", "", "metric"}
	ages := []int{-10, 0, 15, 59, 60, 61, 365}

	for _, text := range texts {
		for _, a := range authorities {
			for _, kind := range kinds {
				for _, age := range ages {
					a := a
					in := Input{Title: text, Quote: text, Kind: kind, Authority: &a, PublishedAt: daysAgo(age), Now: now}
					first := Score(in)
					assert.GreaterOrEqual(t, first.Score, 0.0)
					assert.LessOrEqual(t, first.Score, 1.0)
					assert.Equal(t, first, Score(in))
				}
			}
		}
	}
}

func TestKeywordMatchUsesQuotePrefix(t *testing.T) {
	t.Parallel()

	padding := make([]rune, 600)
	for i := range padding {
		padding[i] = 'x'
	}
	got := Score(Input{Quote: string(padding) + " kubernetes", Now: now})
	assert.Empty(t, got.Breakdown.MatchedKeywords)

	got = Score(Input{Quote: "kubernetes " + string(padding), Now: now})
	assert.Equal(t, []string{"kubernetes"}, got.Breakdown.MatchedKeywords)
}
