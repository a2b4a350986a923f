package analysis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"horse.fit/pulse/internal/globaltime"
	"horse.fit/pulse/internal/scoring"
	"horse.fit/pulse/internal/store"
)

type ScoreResult struct {
	StoryID int64     `json:"story_id"`
	Scored  int       `json:"scored"`
	Min     float64   `json:"min"`
	Max     float64   `json:"max"`
	Scores  []float64 `json:"scores"`
}

// Score rates every highlight of the story in the request's team scope and
// overwrites the stored scores.
func (s *Service) Score(ctx context.Context, req StoryRequest) (ScoreResult, error) {
	story, err := s.loadStory(ctx, req.StoryID)
	if err != nil {
		return ScoreResult{}, err
	}

	var authority *float64
	src, err := s.store.StorySource(ctx, story.ID)
	switch {
	case err == nil:
		authority = src.AuthorityScore
	case errors.Is(err, store.ErrNotFound):
	default:
		return ScoreResult{}, fmt.Errorf("load story source: %w", err)
	}

	if authority == nil {
		authority = s.defaultAuthority
	}

	highlights, err := s.store.ListHighlights(ctx, story.ID, req.TeamID)
	if err != nil {
		return ScoreResult{}, fmt.Errorf("list highlights: %w", err)
	}

	now := globaltime.UTC()
	res := ScoreResult{StoryID: story.ID, Scores: make([]float64, 0, len(highlights))}
	for _, h := range highlights {
		scored := s.scoring.Score(scoring.Input{
			Title:       h.Title,
			Summary:     h.Summary,
			Quote:       h.Quote,
			StoryTitle:  story.Title,
			Kind:        string(h.Kind),
			PublishedAt: story.PublishedAt,
			Authority:   authority,
			Now:         now,
		})
		breakdown, err := json.Marshal(scored.Breakdown)
		if err != nil {
			return res, fmt.Errorf("encode score breakdown: %w", err)
		}
		if err := s.store.UpdateHighlightScore(ctx, h.ID, scored.Score, breakdown); err != nil {
			return res, fmt.Errorf("update highlight %d score: %w", h.ID, err)
		}
		if res.Scored == 0 || scored.Score < res.Min {
			res.Min = scored.Score
		}
		if scored.Score > res.Max {
			res.Max = scored.Score
		}
		res.Scored++
		res.Scores = append(res.Scores, scored.Score)
	}
	return res, nil
}
