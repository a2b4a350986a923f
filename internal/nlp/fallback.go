package nlp

import (
	"context"

	"github.com/rs/zerolog"
)

// Fallback wraps a primary provider and answers with the stub when the
// primary fails. Used reports which provider produced the last result.
type Fallback struct {
	primaryAnalyzer Analyzer
	primaryEmbedder Embedder
	stub            *Stub
	logger          zerolog.Logger
}

func NewFallback(analyzer Analyzer, embedder Embedder, logger zerolog.Logger) *Fallback {
	dims := 768
	if embedder != nil {
		dims = embedder.Dimensions()
	}
	return &Fallback{
		primaryAnalyzer: analyzer,
		primaryEmbedder: embedder,
		stub:            NewStub(dims),
		logger:          logger,
	}
}

func (f *Fallback) Dimensions() int { return f.stub.Dimensions() }

// Analyze returns the primary analysis, or the stub analysis with
// fellBack=true when the primary is missing or errors.
func (f *Fallback) Analyze(ctx context.Context, doc Document) (Analysis, bool, error) {
	if f.primaryAnalyzer != nil && f.primaryAnalyzer.Name() != StubName {
		analysis, err := f.primaryAnalyzer.Analyze(ctx, doc)
		if err == nil {
			return analysis.Normalize(), false, nil
		}
		if ctx.Err() != nil {
			return Analysis{}, false, ctx.Err()
		}
		f.logger.Warn().
			Err(err).
			Str("provider", f.primaryAnalyzer.Name()).
			Int64("story_id", doc.StoryID).
			Msg("analysis provider failed; using stub output")
	}
	analysis, err := f.stub.Analyze(ctx, doc)
	return analysis, true, err
}

func (f *Fallback) Embed(ctx context.Context, text string) ([]float32, string, error) {
	if f.primaryEmbedder != nil && f.primaryEmbedder.Name() != StubName {
		vec, err := f.primaryEmbedder.Embed(ctx, text)
		if err == nil {
			return vec, f.primaryEmbedder.Name(), nil
		}
		if ctx.Err() != nil {
			return nil, "", ctx.Err()
		}
		f.logger.Warn().
			Err(err).
			Str("provider", f.primaryEmbedder.Name()).
			Msg("embedding provider failed; using stub vector")
	}
	vec, err := f.stub.Embed(ctx, text)
	return vec, StubName, err
}
