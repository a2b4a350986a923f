package nlp

import (
	"context"
	"fmt"
	"hash/fnv"
	"math"
	"strings"
	"unicode"

	"horse.fit/pulse/internal/store"
)

const StubName = "stub"

var chiliTerms = []string{"breaking", "deprecat", "vulnerab", "security", "outage", "release", "launch"}

// Stub produces deterministic output from the text itself. It is the
// fallback when a real provider fails and the default in development.
type Stub struct {
	dims int
}

func NewStub(dimensions int) *Stub {
	if dimensions <= 0 {
		dimensions = 768
	}
	return &Stub{dims: dimensions}
}

func (s *Stub) Name() string    { return StubName }
func (s *Stub) Dimensions() int { return s.dims }

func (s *Stub) Analyze(_ context.Context, doc Document) (Analysis, error) {
	sentence := firstSentence(doc.Text)
	if sentence == "" {
		sentence = strings.TrimSpace(doc.Title)
	}
	why := sentence
	if title := strings.TrimSpace(doc.Title); title != "" && !strings.EqualFold(title, sentence) {
		why = fmt.Sprintf("%s: %s", title, sentence)
	}

	lower := strings.ToLower(doc.Text + " " + doc.Title)
	chili := 0
	for _, term := range chiliTerms {
		if strings.Contains(lower, term) {
			chili++
		}
	}

	var citations []store.Citation
	if url := strings.TrimSpace(doc.URL); url != "" {
		citations = append(citations, store.Citation{URL: url, Title: strings.TrimSpace(doc.Title)})
	}

	return Analysis{
		WhyItMatters: why,
		Confidence:   0.3,
		Citations:    citations,
		Chili:        chili,
	}.Normalize(), nil
}

// Embed hashes word unigrams into a fixed-size vector and L2-normalizes it.
func (s *Stub) Embed(_ context.Context, text string) ([]float32, error) {
	vec := make([]float32, s.dims)
	words := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	for _, w := range words {
		h := fnv.New64a()
		_, _ = h.Write([]byte(w))
		sum := h.Sum64()
		idx := int(sum % uint64(s.dims))
		if sum&(1<<63) != 0 {
			vec[idx]--
		} else {
			vec[idx]++
		}
	}

	var norm float64
	for _, v := range vec {
		norm += float64(v) * float64(v)
	}
	if norm == 0 {
		vec[0] = 1
		return vec, nil
	}
	scale := float32(1 / math.Sqrt(norm))
	for i := range vec {
		vec[i] *= scale
	}
	return vec, nil
}

func firstSentence(text string) string {
	clean := strings.Join(strings.Fields(text), " ")
	if clean == "" {
		return ""
	}
	for i, r := range clean {
		if (r == '.' || r == '!' || r == '?') && i >= 20 {
			return clean[:i+1]
		}
	}
	if runes := []rune(clean); len(runes) > 280 {
		return string(runes[:280])
	}
	return clean
}
