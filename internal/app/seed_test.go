package app

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"horse.fit/pulse/internal/config"
	"horse.fit/pulse/internal/store"
)

func TestNewSourceFromSeed(t *testing.T) {
	t.Parallel()

	authority := 0.9
	inactive := false

	in, err := newSourceFromSeed(config.SourceSeed{Type: " Feed ", URL: "https://example.com/rss", AuthorityScore: &authority})
	require.NoError(t, err)
	assert.Equal(t, store.SourceFeed, in.Type)
	assert.Equal(t, "https://example.com/rss", in.Name)
	assert.True(t, in.IsActive)
	assert.Equal(t, &authority, in.AuthorityScore)

	in, err = newSourceFromSeed(config.SourceSeed{Type: "channel", URL: "https://example.com/c", Name: "Club TV", Active: &inactive})
	require.NoError(t, err)
	assert.False(t, in.IsActive)
	assert.Equal(t, "Club TV", in.Name)

	_, err = newSourceFromSeed(config.SourceSeed{Type: "podcast", URL: "https://example.com/p"})
	require.Error(t, err)

	tooHigh := 1.5
	_, err = newSourceFromSeed(config.SourceSeed{Type: "feed", URL: "https://example.com/rss", AuthorityScore: &tooHigh})
	require.Error(t, err)
}

func TestStatsRowsCoverEveryCounter(t *testing.T) {
	t.Parallel()

	rows := statsRows(store.Stats{Sources: 3, Highlights: 7, ScoredHighlights: 7})
	require.Len(t, rows, 12)
	assert.Equal(t, []string{"sources", "3"}, rows[0])
	assert.Equal(t, []string{"scored_highlights", "7"}, rows[11])
}
