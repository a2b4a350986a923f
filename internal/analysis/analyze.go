package analysis

import (
	"context"
	"fmt"

	"horse.fit/pulse/internal/nlp"
	"horse.fit/pulse/internal/store"
)

const embedInputRunes = 8000

type AnalyzeResult struct {
	StoryID      int64               `json:"story_id"`
	State        store.AnalysisState `json:"state"`
	Confidence   float64             `json:"confidence"`
	Chili        int                 `json:"chili"`
	Citations    int                 `json:"citations"`
	EmbeddingBy  string              `json:"embedding_provider"`
	EmbeddingDim int                 `json:"embedding_dimensions"`
}

// Analyze writes why-it-matters, confidence, citations and chili, then the
// story embedding. A failing provider degrades to stub output and the state
// records it as fallback.
func (s *Service) Analyze(ctx context.Context, storyID int64) (AnalyzeResult, error) {
	story, content, err := s.loadStoryContent(ctx, storyID)
	if err != nil {
		return AnalyzeResult{}, err
	}

	doc := nlp.Document{
		StoryID: story.ID,
		Title:   story.Title,
		URL:     story.PrimaryURL,
		Kind:    string(story.Kind),
		Text:    content.TextBody,
	}
	analysis, fellBack, err := s.provider.Analyze(ctx, doc)
	if err != nil {
		return AnalyzeResult{}, fmt.Errorf("analyze story %d: %w", storyID, err)
	}
	state := store.AnalysisAnalyzed
	if fellBack {
		state = store.AnalysisFallback
	}
	if err := s.store.UpsertOverlayAnalysis(ctx, storyID, store.OverlayAnalysis{
		WhyItMatters: analysis.WhyItMatters,
		Confidence:   analysis.Confidence,
		Citations:    analysis.Citations,
		Chili:        analysis.Chili,
		State:        state,
	}); err != nil {
		return AnalyzeResult{}, fmt.Errorf("upsert analysis: %w", err)
	}

	vector, provider, err := s.provider.Embed(ctx, doc.Input(embedInputRunes))
	if err != nil {
		return AnalyzeResult{}, fmt.Errorf("embed story %d: %w", storyID, err)
	}
	if err := s.store.UpsertEmbedding(ctx, store.StoryEmbedding{
		StoryID:      storyID,
		Vector:       vector,
		ModelVersion: provider,
	}); err != nil {
		return AnalyzeResult{}, fmt.Errorf("upsert embedding: %w", err)
	}

	s.logger.Info().
		Int64("story_id", storyID).
		Str("state", string(state)).
		Str("embedding_provider", provider).
		Msg("story analysed")

	return AnalyzeResult{
		StoryID:      storyID,
		State:        state,
		Confidence:   analysis.Confidence,
		Chili:        analysis.Chili,
		Citations:    len(analysis.Citations),
		EmbeddingBy:  provider,
		EmbeddingDim: len(vector),
	}, nil
}
