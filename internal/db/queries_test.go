package db

import (
	"context"
	"encoding/json"
	"math"
	"os"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"horse.fit/pulse/internal/config"
	"horse.fit/pulse/internal/globaltime"
	"horse.fit/pulse/internal/store"
)

func TestVectorLiteral(t *testing.T) {
	t.Parallel()

	got, err := VectorLiteral([]float32{0.5, -1, 0.25})
	require.NoError(t, err)
	assert.Equal(t, "[0.5,-1,0.25]", got)

	_, err = VectorLiteral(nil)
	assert.Error(t, err)

	_, err = VectorLiteral([]float32{float32(math.NaN())})
	assert.Error(t, err)
}

func TestInt64ArrayLiteral(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "{1,22,333}", int64ArrayLiteral([]int64{1, 22, 333}))
	assert.Equal(t, "{}", int64ArrayLiteral(nil))
}

func openTestPool(t *testing.T) *Pool {
	t.Helper()
	dsn := os.Getenv("PULSE_TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("PULSE_TEST_DATABASE_URL not set")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	pool, err := NewPool(ctx, &config.Config{DatabaseURL: dsn, DBMinConns: 1, DBMaxConns: 4, LogLevel: "error"})
	require.NoError(t, err)
	t.Cleanup(func() { _ = pool.Close() })
	require.NoError(t, Migrate(ctx, pool, "up", zerolog.Nop()))
	_, err = pool.Exec(ctx, "TRUNCATE pulse.sources RESTART IDENTITY CASCADE")
	require.NoError(t, err)
	return pool
}

func TestPostgresRepositoryRoundTrip(t *testing.T) {
	pool := openTestPool(t)
	ctx := context.Background()

	src, created, err := pool.EnsureSource(ctx, store.NewSource{Type: store.SourceManual, URL: "manual://", Name: "Manual", IsActive: true})
	require.NoError(t, err)
	require.True(t, created)
	again, created, err := pool.EnsureSource(ctx, store.NewSource{Type: store.SourceManual, URL: "manual://"})
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, src.ID, again.ID)

	in := store.NewRawItem{SourceID: src.ID, ExternalID: "https://example.com/a", URL: "https://example.com/a", Kind: store.KindArticle}
	first, err := pool.InsertRawItem(ctx, in)
	require.NoError(t, err)
	require.NotNil(t, first)
	dup, err := pool.InsertRawItem(ctx, in)
	require.NoError(t, err)
	assert.Nil(t, dup)

	content, inserted, err := pool.UpsertContentByHash(ctx, store.NewContent{RawItemID: *first, TextBody: "Hello world", ContentHash: "abc"})
	require.NoError(t, err)
	require.True(t, inserted)
	sameContent, inserted, err := pool.UpsertContentByHash(ctx, store.NewContent{RawItemID: *first, TextBody: "Hello world", ContentHash: "abc"})
	require.NoError(t, err)
	assert.False(t, inserted)
	assert.Equal(t, content.ID, sameContent.ID)

	story, created, err := pool.EnsureStory(ctx, store.NewStory{ContentID: content.ID, Title: "A", PrimaryURL: in.URL, Kind: store.KindArticle})
	require.NoError(t, err)
	require.True(t, created)

	require.NoError(t, pool.UpsertOverlayBriefs(ctx, story.ID, store.OverlayBriefs{OneLiner: "one"}))
	require.NoError(t, pool.UpsertOverlayAnalysis(ctx, story.ID, store.OverlayAnalysis{WhyItMatters: "why", Confidence: 0.5, State: store.AnalysisFallback}))
	overlay, err := pool.GetOverlay(ctx, story.ID)
	require.NoError(t, err)
	require.NotNil(t, overlay)
	assert.Equal(t, "one", overlay.BriefOneLiner)
	assert.Equal(t, store.AnalysisFallback, overlay.AnalysisState)

	hid, err := pool.InsertHighlight(ctx, store.NewHighlight{StoryID: story.ID, Kind: store.HighlightMetric, DedupeKey: "k", IsGenerated: true})
	require.NoError(t, err)
	require.NotNil(t, hid)
	dupHighlight, err := pool.InsertHighlight(ctx, store.NewHighlight{StoryID: story.ID, Kind: store.HighlightMetric, DedupeKey: "k", IsGenerated: true})
	require.NoError(t, err)
	assert.Nil(t, dupHighlight)
	require.NoError(t, pool.UpdateHighlightScore(ctx, *hid, 0.61, json.RawMessage(`{"final":0.61}`)))

	require.NoError(t, pool.UpsertHealth(ctx, store.SourceHealth{SourceID: src.ID, Status: store.HealthOK, LastSuccessAt: ptrTime(globaltime.UTC())}))
	require.NoError(t, pool.UpsertHealth(ctx, store.SourceHealth{SourceID: src.ID, Status: store.HealthError, Message: "boom", LastErrorAt: ptrTime(globaltime.UTC())}))
	health, err := pool.GetHealth(ctx, src.ID)
	require.NoError(t, err)
	require.NotNil(t, health)
	assert.Equal(t, store.HealthError, health.Status)
	assert.NotNil(t, health.LastSuccessAt)

	stats, err := pool.Stats(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, stats.Stories)
	assert.EqualValues(t, 1, stats.ScoredHighlights)
	assert.EqualValues(t, 1, stats.UnhealthySources)
}

func ptrTime(t time.Time) *time.Time { return &t }
