package analysis

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"horse.fit/pulse/internal/reader"
	"horse.fit/pulse/internal/store"
)

const (
	OneLinerMax = 140
	TwoLinerMax = 280
	ElevatorMax = 600
)

var sentenceEnd = regexp.MustCompile(`[.!?]["')\]]*\s+`)

type BriefResult struct {
	StoryID int64               `json:"story_id"`
	Source  string              `json:"source"`
	Briefs  store.OverlayBriefs `json:"briefs"`
}

// Brief writes the three brief tiers. The why-it-matters text is used when
// analysis already produced one, otherwise the content text.
func (s *Service) Brief(ctx context.Context, storyID int64) (BriefResult, error) {
	story, content, err := s.loadStoryContent(ctx, storyID)
	if err != nil {
		return BriefResult{}, err
	}

	res := BriefResult{StoryID: storyID, Source: "content"}
	text := content.TextBody
	overlay, err := s.store.GetOverlay(ctx, storyID)
	if err != nil {
		return BriefResult{}, fmt.Errorf("load overlay: %w", err)
	}
	if overlay != nil && strings.TrimSpace(overlay.WhyItMatters) != "" {
		text = overlay.WhyItMatters
		res.Source = "why_it_matters"
	}
	if strings.TrimSpace(text) == "" {
		text = story.Title
		res.Source = "title"
	}

	res.Briefs = BuildBriefs(text)
	if err := s.store.UpsertOverlayBriefs(ctx, storyID, res.Briefs); err != nil {
		return BriefResult{}, fmt.Errorf("upsert briefs: %w", err)
	}
	return res, nil
}

// BuildBriefs derives the tiers from text: the first sentence, the first
// two sentences and the opening paragraph run, each clipped to its limit.
func BuildBriefs(text string) store.OverlayBriefs {
	flat := strings.Join(strings.Fields(text), " ")
	sentences := splitSentences(flat)

	one, two := "", ""
	if len(sentences) > 0 {
		one = sentences[0]
		two = sentences[0]
		if len(sentences) > 1 {
			two += " " + sentences[1]
		}
	}
	oneLiner, _ := reader.TruncateText(one, OneLinerMax)
	twoLiner, _ := reader.TruncateText(two, TwoLinerMax)
	elevator, _ := reader.TruncateText(flat, ElevatorMax)
	return store.OverlayBriefs{OneLiner: oneLiner, TwoLiner: twoLiner, Elevator: elevator}
}

func splitSentences(text string) []string {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}
	var out []string
	start := 0
	for _, loc := range sentenceEnd.FindAllStringIndex(text, -1) {
		if s := strings.TrimSpace(text[start:loc[1]]); s != "" {
			out = append(out, s)
		}
		start = loc[1]
	}
	if s := strings.TrimSpace(text[start:]); s != "" {
		out = append(out, s)
	}
	return out
}
