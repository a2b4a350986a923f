package nlp

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"math"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"horse.fit/pulse/internal/config"
	"horse.fit/pulse/internal/failure"
)

func TestStubIsDeterministic(t *testing.T) {
	t.Parallel()

	stub := NewStub(64)
	doc := Document{
		StoryID: 7,
		Title:   "Breaking change in the SDK",
		URL:     "https://example.com/a",
		Text:    "The new release removes the legacy client. Teams must migrate before June.",
	}
	a, err := stub.Analyze(context.Background(), doc)
	require.NoError(t, err)
	b, err := stub.Analyze(context.Background(), doc)
	require.NoError(t, err)
	assert.Equal(t, a, b)
	assert.Contains(t, a.WhyItMatters, "removes the legacy client")
	assert.Equal(t, 2, a.Chili)
	require.Len(t, a.Citations, 1)
	assert.Equal(t, "https://example.com/a", a.Citations[0].URL)

	v1, err := stub.Embed(context.Background(), "hello world")
	require.NoError(t, err)
	v2, err := stub.Embed(context.Background(), "hello world")
	require.NoError(t, err)
	assert.Equal(t, v1, v2)
	assert.Len(t, v1, 64)

	var norm float64
	for _, v := range v1 {
		norm += float64(v) * float64(v)
	}
	assert.InDelta(t, 1.0, math.Sqrt(norm), 1e-5)

	empty, err := stub.Embed(context.Background(), "")
	require.NoError(t, err)
	assert.Equal(t, float32(1), empty[0])
}

func TestAnalysisNormalize(t *testing.T) {
	t.Parallel()

	got := Analysis{WhyItMatters: "  x  ", Confidence: math.NaN(), Chili: 9}.Normalize()
	assert.Equal(t, "x", got.WhyItMatters)
	assert.Equal(t, 0.0, got.Confidence)
	assert.Equal(t, MaxChili, got.Chili)

	got = Analysis{Confidence: 3, Chili: -1}.Normalize()
	assert.Equal(t, 1.0, got.Confidence)
	assert.Equal(t, 0, got.Chili)
}

func TestParseAnalysis(t *testing.T) {
	t.Parallel()

	got, err := ParseAnalysis("```json\n{\"why_it_matters\":\"Faster builds\",\"confidence\":0.8,\"chili\":2,\"citations\":[{\"url\":\"https://e.com\"},{\"url\":\" \"}]}\n```")
	require.NoError(t, err)
	assert.Equal(t, "Faster builds", got.WhyItMatters)
	assert.Len(t, got.Citations, 1)

	_, err = ParseAnalysis(`{"why_it_matters":""}`)
	assert.True(t, failure.IsPermanent(err))
	_, err = ParseAnalysis(`nope`)
	assert.ErrorIs(t, err, ErrInvalidResponse)
}

func TestHTTPEmbedder(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		var req embedRequest
		assert.NoError(t, json.Unmarshal(body, &req))
		switch r.URL.Path {
		case "/embed":
			assert.Equal(t, []string{"hello"}, req.Texts)
			_, _ = w.Write([]byte(`{"embeddings":[[0.1,0.2,0.3]]}`))
		case "/v1/embeddings":
			assert.Equal(t, []string{"hello"}, req.Input)
			assert.Equal(t, "m", req.Model)
			_, _ = w.Write([]byte(`{"data":[{"index":0,"embedding":[1,2,3]}]}`))
		case "/short/embed":
			_, _ = w.Write([]byte(`{"embeddings":[[0.1]]}`))
		default:
			w.WriteHeader(http.StatusServiceUnavailable)
		}
	}))
	defer srv.Close()

	e, err := NewHTTPEmbedder(HTTPEmbedderOptions{Endpoint: srv.URL, Dimensions: 3})
	require.NoError(t, err)
	vec, err := e.Embed(context.Background(), "hello")
	require.NoError(t, err)
	assert.Equal(t, []float32{0.1, 0.2, 0.3}, vec)

	e, err = NewHTTPEmbedder(HTTPEmbedderOptions{Endpoint: srv.URL + "/v1/embeddings", Model: "m", Dimensions: 3})
	require.NoError(t, err)
	vec, err = e.Embed(context.Background(), "hello")
	require.NoError(t, err)
	assert.Equal(t, []float32{1, 2, 3}, vec)

	e, err = NewHTTPEmbedder(HTTPEmbedderOptions{Endpoint: srv.URL + "/short/embed", Dimensions: 3})
	require.NoError(t, err)
	_, err = e.Embed(context.Background(), "hello")
	assert.True(t, failure.IsPermanent(err))

	e, err = NewHTTPEmbedder(HTTPEmbedderOptions{Endpoint: srv.URL + "/down", Dimensions: 3})
	require.NoError(t, err)
	_, err = e.Embed(context.Background(), "hello")
	require.Error(t, err)
	assert.False(t, failure.IsPermanent(err))
}

type failingProvider struct{}

func (failingProvider) Name() string    { return "broken" }
func (failingProvider) Dimensions() int { return 16 }
func (failingProvider) Analyze(context.Context, Document) (Analysis, error) {
	return Analysis{}, errors.New("provider down")
}
func (failingProvider) Embed(context.Context, string) ([]float32, error) {
	return nil, errors.New("provider down")
}

func TestFallbackUsesStubOnFailure(t *testing.T) {
	t.Parallel()

	f := NewFallback(failingProvider{}, failingProvider{}, zerolog.Nop())
	analysis, fellBack, err := f.Analyze(context.Background(), Document{Title: "Title", Text: "Body text that is long enough to form a sentence."})
	require.NoError(t, err)
	assert.True(t, fellBack)
	assert.NotEmpty(t, analysis.WhyItMatters)

	vec, provider, err := f.Embed(context.Background(), "text")
	require.NoError(t, err)
	assert.Equal(t, StubName, provider)
	assert.Len(t, vec, 16)
}

func TestRegistryFromConfig(t *testing.T) {
	t.Parallel()

	r, err := NewRegistryFromConfig(context.Background(), &config.Config{
		NLPProvider:         "stub",
		EmbeddingProvider:   "HTTP",
		EmbeddingEndpoint:   "http://127.0.0.1:9/embed",
		EmbeddingDimensions: 8,
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"stub"}, r.AnalyzerNames())
	assert.Equal(t, []string{"http", "stub"}, r.EmbedderNames())

	e, err := r.Embedder("")
	require.NoError(t, err)
	assert.Equal(t, HTTPName, e.Name())

	_, err = r.Analyzer("gemini")
	assert.ErrorContains(t, err, "not registered")
}
