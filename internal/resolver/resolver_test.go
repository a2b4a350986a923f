package resolver

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"horse.fit/pulse/internal/failure"
)

func TestResolveParsesItems(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/resolve", r.URL.Path)
		assert.Equal(t, "https://video.example/c/go", r.URL.Query().Get("url"))
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"items":[
			{"id":"v1","title":"Go 1.24","url":"https://video.example/v1","published_at":"2026-02-01T10:00:00Z","duration":600,"metadata":{"transcript_url":"https://video.example/v1.vtt"}},
			{"id":"","url":""},
			{"id":"v2","title":"Channels","url":"https://video.example/v2"}
		]}`))
	}))
	defer srv.Close()

	items, err := New(Options{BaseURL: srv.URL + "/", APIKey: "secret"}).Resolve(context.Background(), "https://video.example/c/go")
	require.NoError(t, err)
	require.Len(t, items, 2)
	assert.Equal(t, "v1", items[0].ID)
	assert.Equal(t, 600, items[0].Duration)
	require.NotNil(t, items[0].PublishedAt)
	assert.Equal(t, "https://video.example/v1.vtt", items[0].TranscriptURL())
	assert.Empty(t, items[1].TranscriptURL())
}

func TestResolveClassifiesFailures(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Query().Get("url") {
		case "missing":
			w.WriteHeader(http.StatusNotFound)
		case "garbage":
			_, _ = w.Write([]byte(`{not json`))
		default:
			w.WriteHeader(http.StatusBadGateway)
		}
	}))
	defer srv.Close()

	c := New(Options{BaseURL: srv.URL})
	_, err := c.Resolve(context.Background(), "missing")
	assert.True(t, failure.IsPermanent(err))
	_, err = c.Resolve(context.Background(), "garbage")
	assert.True(t, failure.IsPermanent(err))
	_, err = c.Resolve(context.Background(), "flaky")
	require.Error(t, err)
	assert.False(t, failure.IsPermanent(err))

	_, err = New(Options{}).Resolve(context.Background(), "x")
	assert.True(t, failure.IsPermanent(err))
}
