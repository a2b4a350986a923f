// Package nlp holds the analysis and embedding providers used by the
// analysis stage. Providers are black boxes behind Analyzer and Embedder.
package nlp

import (
	"context"
	"math"
	"strings"

	"horse.fit/pulse/internal/store"
)

const (
	MaxChili        = 3
	maxPromptRunes  = 12000
	maxEmbedRunes   = 8000
	maxWhyItMatters = 1200
)

// Document is the story text handed to providers.
type Document struct {
	StoryID int64
	Title   string
	URL     string
	Kind    string
	Text    string
}

// Input joins title and body, trimmed to limit runes.
func (d Document) Input(limit int) string {
	title := strings.TrimSpace(d.Title)
	body := strings.TrimSpace(d.Text)
	var joined string
	switch {
	case title == "":
		joined = body
	case body == "":
		joined = title
	default:
		joined = title + "\n\n" + body
	}
	if limit > 0 {
		if runes := []rune(joined); len(runes) > limit {
			joined = string(runes[:limit])
		}
	}
	return joined
}

type Analysis struct {
	WhyItMatters string           `json:"why_it_matters"`
	Confidence   float64          `json:"confidence"`
	Citations    []store.Citation `json:"citations"`
	Chili        int              `json:"chili"`
}

// Normalize clamps provider output into the stored ranges.
func (a Analysis) Normalize() Analysis {
	a.WhyItMatters = strings.TrimSpace(a.WhyItMatters)
	if runes := []rune(a.WhyItMatters); len(runes) > maxWhyItMatters {
		a.WhyItMatters = string(runes[:maxWhyItMatters])
	}
	if math.IsNaN(a.Confidence) || a.Confidence < 0 {
		a.Confidence = 0
	}
	if a.Confidence > 1 {
		a.Confidence = 1
	}
	if a.Chili < 0 {
		a.Chili = 0
	}
	if a.Chili > MaxChili {
		a.Chili = MaxChili
	}
	citations := make([]store.Citation, 0, len(a.Citations))
	for _, c := range a.Citations {
		c.URL = strings.TrimSpace(c.URL)
		if c.URL == "" {
			continue
		}
		citations = append(citations, c)
	}
	a.Citations = citations
	return a
}

type Analyzer interface {
	Name() string
	Analyze(ctx context.Context, doc Document) (Analysis, error)
}

type Embedder interface {
	Name() string
	Dimensions() int
	Embed(ctx context.Context, text string) ([]float32, error)
}
