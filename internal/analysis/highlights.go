package analysis

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"horse.fit/pulse/internal/dedup"
	"horse.fit/pulse/internal/reader"
	"horse.fit/pulse/internal/store"
)

const (
	MaxHighlights = 20

	summaryMax   = 280
	quoteMax     = 1000
	minSentence  = 20
	minCodeLines = 1
)

type pattern struct {
	kind       store.HighlightKind
	title      string
	confidence float64
	re         *regexp.Regexp
}

// sentencePatterns are tried in order; the first match classifies the
// sentence.
var sentencePatterns = []pattern{
	{
		kind:       store.HighlightBreakingChange,
		title:      "Breaking change",
		confidence: 0.8,
		re:         regexp.MustCompile(`(?i)\bbreaking[- ]changes?\b|\bdeprecat(e|ed|es|ion)\b|\bno longer supported\b|\bbackwards?[- ]incompatible\b|\b(removed|dropped) support\b`),
	},
	{
		kind:       store.HighlightAPIChange,
		title:      "API change",
		confidence: 0.7,
		re:         regexp.MustCompile(`(?i)\b(new|adds?|added|introduc(e|es|ed)|updated?|changed?|renamed?)\b[^.!?]{0,60}\b(apis?|endpoints?|sdks?|methods?|parameters?|fields?|flags?)\b|\b(GET|POST|PUT|PATCH|DELETE) /[\w/{}:.-]+`),
	},
	{
		kind:       store.HighlightCodeChange,
		title:      "Code change",
		confidence: 0.6,
		re:         regexp.MustCompile(`(?i)\b(refactor(ed|s)?|fix(ed|es)?|patch(ed|es)?|merged?|commits?|pull requests?|bump(ed|s)?|upgraded?)\b|\bPR #\d+`),
	},
	{
		kind:       store.HighlightMetric,
		title:      "Metric",
		confidence: 0.6,
		re:         regexp.MustCompile(`(?i)\b\d+(?:[.,]\d+)?\s?(%|percent\b|ms\b|milliseconds?\b|seconds?\b|x\b|times\b|[kmgt]b\b|rps\b|qps\b|users\b|requests\b)|\$\d[\d,.]*\s?(k|m|b|million|billion)?\b`),
	},
}

var (
	questionPattern = pattern{kind: store.HighlightQuestion, title: "Open question", confidence: 0.5}
	codePattern     = pattern{kind: store.HighlightCodeExample, title: "Code example", confidence: 0.7}

	codeLine = regexp.MustCompile(`^\s*(\$ |>>> |#include\b|package \w+|import [\w"({]|from \w+ import|func \w*\(|def \w+\(|class \w+[:(]|(const|let|var) \w+ ?[=:]|(npm|pnpm|yarn|pip|go|cargo|brew|apt(-get)?) (install|get|add|run)\b|curl -|docker (run|build|compose)\b|[\w.]+\(.*\);?\s*$|[{}]\s*$)`)
)

// Candidate is a detected highlight before dedup.
type Candidate struct {
	Kind       store.HighlightKind
	Title      string
	Confidence float64
	Summary    string
	Quote      string
}

func (p pattern) candidate(summary, quote string) Candidate {
	return Candidate{Kind: p.kind, Title: p.title, Confidence: p.confidence, Summary: summary, Quote: quote}
}

// DetectHighlights finds highlight candidates in extracted text. Runs of
// code-like paragraphs become one code example; other sentences are
// classified by the first matching pattern, and sentences ending in a
// question mark become open questions.
func DetectHighlights(text string) []Candidate {
	var out []Candidate
	var code []string
	flush := func() {
		if len(code) >= minCodeLines {
			block := strings.Join(code, "\n")
			quote, _ := reader.TruncateText(block, quoteMax)
			summary, _ := reader.TruncateText(code[0], summaryMax)
			out = append(out, codePattern.candidate(summary, quote))
		}
		code = code[:0]
	}

	for _, para := range strings.Split(text, "\n") {
		para = strings.TrimSpace(para)
		if para == "" {
			continue
		}
		if isCode(para) {
			code = append(code, para)
			continue
		}
		flush()
		for _, sentence := range splitSentences(para) {
			if c, ok := classify(sentence); ok {
				out = append(out, c)
			}
		}
	}
	flush()
	return out
}

func isCode(para string) bool {
	if strings.HasPrefix(para, "```") {
		return true
	}
	return codeLine.MatchString(para) && !strings.HasSuffix(para, ".")
}

func classify(sentence string) (Candidate, bool) {
	if len([]rune(sentence)) < minSentence {
		return Candidate{}, false
	}
	summary, _ := reader.TruncateText(sentence, summaryMax)
	quote, _ := reader.TruncateText(sentence, quoteMax)
	for _, p := range sentencePatterns {
		if p.re.MatchString(sentence) {
			return p.candidate(summary, quote), true
		}
	}
	if strings.HasSuffix(sentence, "?") {
		return questionPattern.candidate(summary, quote), true
	}
	return Candidate{}, false
}

type HighlightsResult struct {
	StoryID     int64 `json:"story_id"`
	Detected    int   `json:"detected"`
	Inserted    int   `json:"inserted"`
	Duplicates  int   `json:"duplicates"`
	ScoreQueued bool  `json:"score_queued"`
}

// Highlights stores the detected highlights of a story that are not already
// present in the same story and team scope, then queues scoring. Scoring is
// queued even when nothing new was inserted so a re-run rescores.
func (s *Service) Highlights(ctx context.Context, req StoryRequest, score Emit) (HighlightsResult, error) {
	story, content, err := s.loadStoryContent(ctx, req.StoryID)
	if err != nil {
		return HighlightsResult{}, err
	}

	existing, err := s.store.ListHighlights(ctx, story.ID, req.TeamID)
	if err != nil {
		return HighlightsResult{}, fmt.Errorf("list highlights: %w", err)
	}
	seen := make(map[string]struct{}, len(existing))
	for _, h := range existing {
		if h.DedupeKey != "" {
			seen[h.DedupeKey] = struct{}{}
		}
	}

	found := DetectHighlights(content.TextBody)
	res := HighlightsResult{StoryID: story.ID, Detected: len(found)}
	for _, c := range found {
		if res.Inserted >= MaxHighlights {
			break
		}
		key := dedup.HighlightKey(c.Summary, c.Quote)
		if _, dup := seen[key]; dup {
			res.Duplicates++
			continue
		}
		seen[key] = struct{}{}

		id, err := s.store.InsertHighlight(ctx, store.NewHighlight{
			StoryID:     story.ID,
			TeamID:      req.TeamID,
			Kind:        c.Kind,
			Title:       c.Title,
			Summary:     c.Summary,
			Quote:       c.Quote,
			Confidence:  c.Confidence,
			IsGenerated: true,
			Metadata:    map[string]any{"detector": "pattern", "dedupe_key": key},
			DedupeKey:   key,
		})
		if err != nil {
			return res, fmt.Errorf("insert highlight: %w", err)
		}
		if id == nil {
			res.Duplicates++
			continue
		}
		res.Inserted++
	}

	s.logger.Info().
		Int64("story_id", story.ID).
		Int("detected", res.Detected).
		Int("inserted", res.Inserted).
		Int("duplicates", res.Duplicates).
		Msg("highlights extracted")

	if score != nil {
		if err := score(ctx, story.ID, req.TeamID); err != nil {
			return res, fmt.Errorf("trigger scoring: %w", err)
		}
		res.ScoreQueued = true
	}
	return res, nil
}
