package extract

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	lingua "github.com/pemistahl/lingua-go"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"horse.fit/pulse/internal/failure"
	"horse.fit/pulse/internal/langdetect"
	"horse.fit/pulse/internal/store"
	"horse.fit/pulse/internal/store/memstore"
)

const articlePage = `<!doctype html>
<html><head><title>%[1]s</title></head>
<body>
<nav>Home | Blog</nav>
<article>
<h1>%[1]s</h1>
<p>Go services ship as a single static binary which keeps deployment simple for small teams.</p>
<p>The release also cut p99 latency by forty percent after the connection pool was tuned. %[2]s</p>
</article>
<footer>Copyright</footer>
</body></html>`

const transcript = `WEBVTT

00:00:00.000 --> 00:00:02.000
Welcome to the release walkthrough.

00:00:02.000 --> 00:00:05.000
Today we cover the new scheduler API.
`

type triggerRecorder struct {
	mu    sync.Mutex
	calls []int64
	teams []*string
	err   error
}

func (r *triggerRecorder) trigger(_ context.Context, storyID int64, teamID *string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	r.calls = append(r.calls, storyID)
	r.teams = append(r.teams, teamID)
	return nil
}

func newFixture(t *testing.T) (*Service, *memstore.Store, *httptest.Server) {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/post/", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		_, _ = fmt.Fprintf(w, articlePage, "Shipping Go services", r.URL.Query().Get("v"))
	})
	mux.HandleFunc("/gone", func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "gone", http.StatusGone)
	})
	mux.HandleFunc("/unavailable", func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "try later", http.StatusServiceUnavailable)
	})
	mux.HandleFunc("/captions.vtt", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/vtt")
		_, _ = w.Write([]byte(transcript))
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	st := memstore.New()
	detector := langdetect.NewDetector(lingua.English, lingua.German, lingua.French, lingua.Spanish)
	return NewService(st, zerolog.Nop(), Options{Detector: detector}), st, srv
}

func insertItem(t *testing.T, st *memstore.Store, in store.NewRawItem) int64 {
	t.Helper()
	ctx := context.Background()
	if in.SourceID == 0 {
		src, _, err := st.EnsureSource(ctx, store.NewSource{Type: store.SourceManual, URL: "manual://", Name: "manual", IsActive: true})
		require.NoError(t, err)
		in.SourceID = src.ID
	}
	if in.Kind == "" {
		in.Kind = store.KindArticle
	}
	if in.ExternalID == "" {
		in.ExternalID = in.URL
	}
	id, err := st.InsertRawItem(ctx, in)
	require.NoError(t, err)
	require.NotNil(t, id)
	return *id
}

func TestExtractCreatesContentStoryAndTriggersAnalysis(t *testing.T) {
	t.Parallel()

	svc, st, srv := newFixture(t)
	ctx := context.Background()
	id := insertItem(t, st, store.NewRawItem{URL: srv.URL + "/post/a", Title: "Shipping Go services"})

	rec := &triggerRecorder{}
	res, err := svc.Extract(ctx, Request{RawItemIDs: []int64{id}}, rec.trigger)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Processed)
	require.Len(t, res.Items, 1)
	out := res.Items[0]
	assert.Equal(t, ItemProcessed, out.Status)
	assert.True(t, out.StoryCreated)
	assert.True(t, out.Triggered)
	assert.Equal(t, []int64{out.StoryID}, rec.calls)

	content, err := st.GetContent(ctx, out.ContentID)
	require.NoError(t, err)
	assert.Contains(t, content.TextBody, "static binary")
	assert.NotContains(t, content.TextBody, "Copyright")
	assert.Equal(t, "article", content.ContentType)
	assert.Equal(t, "en", content.Language)

	story, err := st.GetStory(ctx, out.StoryID)
	require.NoError(t, err)
	assert.Equal(t, "Shipping Go services", story.Title)
	require.NotNil(t, story.ClusterID)
	assert.Equal(t, story.ID, *story.ClusterID)

	item, err := st.GetRawItem(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, store.RawItemProcessed, item.Status)
}

func TestExtractReusesContentAcrossItems(t *testing.T) {
	t.Parallel()

	svc, st, srv := newFixture(t)
	ctx := context.Background()
	first := insertItem(t, st, store.NewRawItem{URL: srv.URL + "/post/a", Title: "Shipping Go services"})
	second := insertItem(t, st, store.NewRawItem{URL: srv.URL + "/post/a?ref=mirror", ExternalID: "mirror", Title: "Shipping Go services"})

	rec := &triggerRecorder{}
	_, err := svc.Extract(ctx, Request{RawItemIDs: []int64{first}}, rec.trigger)
	require.NoError(t, err)
	require.NoError(t, st.UpsertOverlayAnalysis(ctx, rec.calls[0], store.OverlayAnalysis{WhyItMatters: "x", State: store.AnalysisAnalyzed}))

	res, err := svc.Extract(ctx, Request{RawItemIDs: []int64{second}}, rec.trigger)
	require.NoError(t, err)
	out := res.Items[0]
	assert.Equal(t, ItemProcessed, out.Status)
	assert.True(t, out.ContentReused)
	assert.False(t, out.StoryCreated)
	assert.False(t, out.Triggered)
	assert.Len(t, rec.calls, 1, "analysed story is not re-analysed")
}

func TestExtractRetriggersStoryStillPending(t *testing.T) {
	t.Parallel()

	svc, st, srv := newFixture(t)
	ctx := context.Background()
	first := insertItem(t, st, store.NewRawItem{URL: srv.URL + "/post/a", Title: "Shipping Go services"})
	second := insertItem(t, st, store.NewRawItem{URL: srv.URL + "/post/a?ref=2", ExternalID: "again", Title: "Shipping Go services"})

	rec := &triggerRecorder{}
	_, err := svc.Extract(ctx, Request{RawItemIDs: []int64{first}}, rec.trigger)
	require.NoError(t, err)
	_, err = svc.Extract(ctx, Request{RawItemIDs: []int64{second}}, rec.trigger)
	require.NoError(t, err)
	require.Len(t, rec.calls, 2)
	assert.Equal(t, rec.calls[0], rec.calls[1])
}

func TestExtractSkipsProcessedItems(t *testing.T) {
	t.Parallel()

	svc, st, srv := newFixture(t)
	ctx := context.Background()
	id := insertItem(t, st, store.NewRawItem{URL: srv.URL + "/post/a", Title: "Shipping Go services"})

	rec := &triggerRecorder{}
	_, err := svc.Extract(ctx, Request{RawItemIDs: []int64{id}}, rec.trigger)
	require.NoError(t, err)
	res, err := svc.Extract(ctx, Request{RawItemIDs: []int64{id}}, rec.trigger)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Skipped)
	assert.Equal(t, ItemSkipped, res.Items[0].Status)
	assert.Len(t, rec.calls, 1)
}

func TestExtractIsolatesItemFailures(t *testing.T) {
	t.Parallel()

	svc, st, srv := newFixture(t)
	ctx := context.Background()
	ids := make([]int64, 0, 5)
	for i := 1; i <= 5; i++ {
		url := fmt.Sprintf("%s/post/%d?v=%d", srv.URL, i, i)
		if i == 3 {
			url = srv.URL + "/gone"
		}
		ids = append(ids, insertItem(t, st, store.NewRawItem{URL: url, ExternalID: fmt.Sprintf("item-%d", i), Title: fmt.Sprintf("Release %d", i)}))
	}

	rec := &triggerRecorder{}
	res, err := svc.Extract(ctx, Request{RawItemIDs: ids}, rec.trigger)
	require.NoError(t, err)
	assert.Equal(t, 4, res.Processed)
	assert.Equal(t, 1, res.Failed)
	assert.Len(t, rec.calls, 4)

	failed, err := st.GetRawItem(ctx, ids[2])
	require.NoError(t, err)
	assert.Equal(t, store.RawItemError, failed.Status)
	assert.Contains(t, failed.ErrorMessage, "410")

	for _, i := range []int{0, 1, 3, 4} {
		item, err := st.GetRawItem(ctx, ids[i])
		require.NoError(t, err)
		assert.Equal(t, store.RawItemProcessed, item.Status)
	}
}

func TestExtractTransientItemFailureStaysPending(t *testing.T) {
	t.Parallel()

	svc, st, srv := newFixture(t)
	ctx := context.Background()
	ok := insertItem(t, st, store.NewRawItem{URL: srv.URL + "/post/a?v=1", ExternalID: "ok", Title: "Release notes"})
	flaky := insertItem(t, st, store.NewRawItem{URL: srv.URL + "/unavailable", ExternalID: "flaky", Title: "Outage"})

	rec := &triggerRecorder{}
	res, err := svc.Extract(ctx, Request{RawItemIDs: []int64{ok, flaky}}, rec.trigger)
	require.Error(t, err)
	assert.False(t, failure.IsPermanent(err))
	assert.Equal(t, 1, res.Processed)
	assert.Equal(t, 1, res.Failed)
	assert.Equal(t, ItemPending, res.Items[1].Status)
	assert.Len(t, rec.calls, 1)

	item, err := st.GetRawItem(ctx, flaky)
	require.NoError(t, err)
	assert.Equal(t, store.RawItemPending, item.Status)

	done, err := st.GetRawItem(ctx, ok)
	require.NoError(t, err)
	assert.Equal(t, store.RawItemProcessed, done.Status)

	res, err = svc.Extract(ctx, Request{RawItemIDs: []int64{ok}}, rec.trigger)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Skipped)
	assert.Len(t, rec.calls, 1)
}

func TestExtractClustersNearDuplicateTitles(t *testing.T) {
	t.Parallel()

	svc, st, srv := newFixture(t)
	ctx := context.Background()
	first := insertItem(t, st, store.NewRawItem{URL: srv.URL + "/post/a?v=one", ExternalID: "one", Title: "Go 1.26 released with faster builds"})
	second := insertItem(t, st, store.NewRawItem{URL: srv.URL + "/post/b?v=two", ExternalID: "two", Title: "Go 1.26 released with faster builds"})

	res, err := svc.Extract(ctx, Request{RawItemIDs: []int64{first, second}}, (&triggerRecorder{}).trigger)
	require.NoError(t, err)
	require.Equal(t, 2, res.Processed)
	a, b := res.Items[0].StoryID, res.Items[1].StoryID
	require.NotEqual(t, a, b)

	storyB, err := st.GetStory(ctx, b)
	require.NoError(t, err)
	require.NotNil(t, storyB.ClusterID)
	assert.Equal(t, a, *storyB.ClusterID)
}

func TestExtractVideoTranscript(t *testing.T) {
	t.Parallel()

	svc, st, srv := newFixture(t)
	ctx := context.Background()
	id := insertItem(t, st, store.NewRawItem{
		URL:   "https://videos.example.com/watch/abc",
		Title: "Scheduler walkthrough",
		Kind:  store.KindVideo,
		Metadata: map[string]any{
			"transcript_url": srv.URL + "/captions.vtt",
			"duration":       float64(300),
		},
	})

	res, err := svc.Extract(ctx, Request{RawItemIDs: []int64{id}}, (&triggerRecorder{}).trigger)
	require.NoError(t, err)
	require.Equal(t, 1, res.Processed)

	content, err := st.GetContent(ctx, res.Items[0].ContentID)
	require.NoError(t, err)
	assert.Equal(t, "transcript", content.ContentType)
	assert.Equal(t, "Welcome to the release walkthrough. Today we cover the new scheduler API.", content.TextBody)
	require.NotNil(t, content.DurationSeconds)
	assert.Equal(t, 300, *content.DurationSeconds)
	require.NotNil(t, content.TranscriptVTT)
}

func TestExtractVideoWithoutTranscriptUsesDescription(t *testing.T) {
	t.Parallel()

	svc, st, _ := newFixture(t)
	ctx := context.Background()
	id := insertItem(t, st, store.NewRawItem{
		URL:      "https://videos.example.com/watch/xyz",
		Title:    "Conference keynote",
		Kind:     store.KindVideo,
		Metadata: map[string]any{"description": "Highlights from the opening keynote."},
	})

	res, err := svc.Extract(ctx, Request{RawItemIDs: []int64{id}}, (&triggerRecorder{}).trigger)
	require.NoError(t, err)
	content, err := st.GetContent(ctx, res.Items[0].ContentID)
	require.NoError(t, err)
	assert.Equal(t, "summary", content.ContentType)
	assert.Contains(t, content.TextBody, "Conference keynote")
	assert.Contains(t, content.TextBody, "opening keynote")
}

func TestExtractTriggerFailureLeavesItemPending(t *testing.T) {
	t.Parallel()

	svc, st, srv := newFixture(t)
	ctx := context.Background()
	id := insertItem(t, st, store.NewRawItem{URL: srv.URL + "/post/a", Title: "Shipping Go services"})

	rec := &triggerRecorder{err: errors.New("queue unavailable")}
	res, err := svc.Extract(ctx, Request{RawItemIDs: []int64{id}}, rec.trigger)
	require.Error(t, err)
	assert.False(t, failure.IsPermanent(err))
	assert.Equal(t, ItemPending, res.Items[0].Status)

	item, err := st.GetRawItem(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, store.RawItemPending, item.Status)

	rec.err = nil
	res, err = svc.Extract(ctx, Request{RawItemIDs: []int64{id}}, rec.trigger)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Processed)
	assert.Len(t, rec.calls, 1)
}

func TestExtractPassesTeamScope(t *testing.T) {
	t.Parallel()

	svc, st, srv := newFixture(t)
	ctx := context.Background()
	fromMeta := insertItem(t, st, store.NewRawItem{URL: srv.URL + "/post/a?v=1", ExternalID: "m", Title: "One", Metadata: map[string]any{"team_id": "team-a"}})
	fromReq := insertItem(t, st, store.NewRawItem{URL: srv.URL + "/post/b?v=2", ExternalID: "r", Title: "Two", Metadata: map[string]any{"team_id": "team-a"}})

	rec := &triggerRecorder{}
	_, err := svc.Extract(ctx, Request{RawItemIDs: []int64{fromMeta}}, rec.trigger)
	require.NoError(t, err)
	team := "team-b"
	_, err = svc.Extract(ctx, Request{RawItemIDs: []int64{fromReq}, TeamID: &team}, rec.trigger)
	require.NoError(t, err)

	require.Len(t, rec.teams, 2)
	require.NotNil(t, rec.teams[0])
	assert.Equal(t, "team-a", *rec.teams[0])
	require.NotNil(t, rec.teams[1])
	assert.Equal(t, "team-b", *rec.teams[1])
}

func TestExtractUnknownItemIsCountedFailed(t *testing.T) {
	t.Parallel()

	svc, _, _ := newFixture(t)
	res, err := svc.Extract(context.Background(), Request{RawItemIDs: []int64{999}}, (&triggerRecorder{}).trigger)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Failed)
	assert.Equal(t, ItemError, res.Items[0].Status)
}
