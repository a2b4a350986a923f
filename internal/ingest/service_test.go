package ingest

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"horse.fit/pulse/internal/failure"
	"horse.fit/pulse/internal/resolver"
	"horse.fit/pulse/internal/store"
	"horse.fit/pulse/internal/store/memstore"
)

type emitRecorder struct {
	mu      sync.Mutex
	batches [][]int64
	err     error
}

func (r *emitRecorder) emit(_ context.Context, ids []int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	r.batches = append(r.batches, append([]int64(nil), ids...))
	return nil
}

func (r *emitRecorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, b := range r.batches {
		n += len(b)
	}
	return n
}

func rssFeed(n int) string {
	var b strings.Builder
	b.WriteString(`<?xml version="1.0"?><rss version="2.0"><channel><title>Go Blog</title><language>en-us</language>`)
	for i := 1; i <= n; i++ {
		fmt.Fprintf(&b, `<item><title>Post %d</title><link>https://blog.example.com/p/%d?utm_source=rss</link><guid>post-%d</guid><pubDate>Mon, 02 Feb 2026 10:00:00 GMT</pubDate><description>About post %d</description></item>`, i, i, i, i)
	}
	b.WriteString(`</channel></rss>`)
	return b.String()
}

func newService(t *testing.T, opts Options) (*Service, *memstore.Store) {
	t.Helper()
	st := memstore.New()
	return NewService(st, zerolog.Nop(), opts), st
}

func addSource(t *testing.T, st *memstore.Store, typ store.SourceType, url string) store.Source {
	t.Helper()
	src, _, err := st.EnsureSource(context.Background(), store.NewSource{Type: typ, URL: url, Name: url, IsActive: true})
	require.NoError(t, err)
	return src
}

func TestIngestFeedIsIdempotent(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/rss+xml")
		_, _ = w.Write([]byte(rssFeed(23)))
	}))
	defer srv.Close()

	svc, st := newService(t, Options{BatchSize: 10})
	src := addSource(t, st, store.SourceFeed, srv.URL+"/feed.xml")
	ctx := context.Background()

	rec := &emitRecorder{}
	res, err := svc.IngestSource(ctx, src.ID, rec.emit)
	require.NoError(t, err)
	assert.Equal(t, 23, res.Discovered)
	assert.Equal(t, 23, res.Inserted)
	assert.Equal(t, 3, res.Batches)
	assert.Equal(t, store.HealthOK, res.Health)
	require.Len(t, rec.batches, 3)
	assert.Len(t, rec.batches[0], 10)
	assert.Len(t, rec.batches[2], 3)

	item, err := st.GetRawItem(ctx, rec.batches[0][0])
	require.NoError(t, err)
	assert.Equal(t, "post-1", item.ExternalID)
	assert.Equal(t, "https://blog.example.com/p/1", item.URL)
	assert.Equal(t, "en-us", item.MetadataString("language"))
	require.NotNil(t, item.PublishedAt)

	again := &emitRecorder{}
	res, err = svc.IngestSource(ctx, src.ID, again.emit)
	require.NoError(t, err)
	assert.Equal(t, 0, res.Inserted)
	assert.Equal(t, 23, res.Duplicates)
	assert.Zero(t, again.count())

	health, err := st.GetHealth(ctx, src.ID)
	require.NoError(t, err)
	require.NotNil(t, health)
	assert.Equal(t, store.HealthOK, health.Status)
	assert.Equal(t, 23, health.ItemsFound)
}

func TestIngestFeedAutodiscovery(t *testing.T) {
	t.Parallel()

	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		_, _ = w.Write([]byte(`<html><head><link rel="alternate" type="application/rss+xml" href="/rss"></head><body>hi</body></html>`))
	})
	mux.HandleFunc("/rss", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/rss+xml")
		_, _ = w.Write([]byte(rssFeed(2)))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	svc, st := newService(t, Options{})
	src := addSource(t, st, store.SourceFeed, srv.URL+"/")

	rec := &emitRecorder{}
	res, err := svc.IngestSource(context.Background(), src.ID, rec.emit)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Inserted)
	assert.Equal(t, 2, rec.count())
}

func TestIngestFeedFailuresRecordHealth(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/broken":
			w.Header().Set("Content-Type", "application/xml")
			_, _ = w.Write([]byte("this is not a feed"))
		case "/nofeed":
			w.Header().Set("Content-Type", "text/html")
			_, _ = w.Write([]byte("<html><body>no feed</body></html>"))
		default:
			w.WriteHeader(http.StatusBadGateway)
		}
	}))
	defer srv.Close()

	svc, st := newService(t, Options{})
	ctx := context.Background()

	cases := []struct {
		path      string
		permanent bool
	}{
		{path: "/broken", permanent: true},
		{path: "/nofeed", permanent: true},
		{path: "/down", permanent: false},
	}
	for _, tc := range cases {
		src := addSource(t, st, store.SourceFeed, srv.URL+tc.path)
		res, err := svc.IngestSource(ctx, src.ID, (&emitRecorder{}).emit)
		require.Error(t, err, tc.path)
		assert.Equal(t, tc.permanent, failure.IsPermanent(err), tc.path)
		assert.Equal(t, store.HealthError, res.Health)

		health, err := st.GetHealth(ctx, src.ID)
		require.NoError(t, err)
		require.NotNil(t, health)
		assert.Equal(t, store.HealthError, health.Status)
		assert.NotEmpty(t, health.Message)
		assert.LessOrEqual(t, len(health.Message), store.MaxErrorMessageLen)
		assert.NotNil(t, health.LastErrorAt)
	}
}

func TestIngestItemFailuresWarn(t *testing.T) {
	t.Parallel()

	svc, st := newService(t, Options{})
	src := addSource(t, st, store.SourceUpload, "upload://inline/x")

	rec := &emitRecorder{}
	res, err := svc.run(context.Background(), src, func(context.Context, store.Source) ([]Candidate, error) {
		return []Candidate{
			{URL: "https://example.com/1"},
			{URL: "ftp://example.com/2"},
			{URL: "https://example.com/3", Kind: "podcast"},
			{URL: "https://example.com/4"},
		}, nil
	}, rec.emit)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Inserted)
	assert.Equal(t, 2, res.Failed)
	assert.Equal(t, store.HealthWarn, res.Health)
	assert.Equal(t, 2, rec.count())
}

func TestIngestEmitFailureIsReturned(t *testing.T) {
	t.Parallel()

	svc, st := newService(t, Options{})
	rec := &emitRecorder{err: errors.New("queue down")}
	_, err := svc.IngestURL(context.Background(), ManualRequest{URL: "https://example.com/a"}, rec.emit)
	require.ErrorContains(t, err, "queue down")

	items, err := st.ListPendingRawItems(context.Background(), time.Now().Add(time.Hour), 10)
	require.NoError(t, err)
	assert.Len(t, items, 1, "item stays pending for the sweep")
}

func TestIngestChannel(t *testing.T) {
	t.Parallel()

	api := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"items":[{"id":"vid-1","title":"Launch","url":"https://video.example/watch?v=1","duration":90,"metadata":{"transcript_url":"https://video.example/1.vtt"}}]}`))
	}))
	defer api.Close()

	svc, st := newService(t, Options{Resolver: resolver.New(resolver.Options{BaseURL: api.URL})})
	src := addSource(t, st, store.SourceChannel, "https://video.example/c/go")

	rec := &emitRecorder{}
	res, err := svc.IngestSource(context.Background(), src.ID, rec.emit)
	require.NoError(t, err)
	require.Equal(t, 1, res.Inserted)

	item, err := st.GetRawItem(context.Background(), res.RawItemIDs[0])
	require.NoError(t, err)
	assert.Equal(t, "vid-1", item.ExternalID)
	assert.Equal(t, store.KindVideo, item.Kind)
	assert.Equal(t, "https://video.example/1.vtt", item.MetadataString("transcript_url"))

	unconfigured, st2 := newService(t, Options{})
	src2 := addSource(t, st2, store.SourceChannel, "https://video.example/c/go")
	_, err = unconfigured.IngestSource(context.Background(), src2.ID, rec.emit)
	assert.True(t, failure.IsPermanent(err))
}

func TestIngestURLManual(t *testing.T) {
	t.Parallel()

	svc, st := newService(t, Options{})
	ctx := context.Background()
	team := "team-a"

	rec := &emitRecorder{}
	res, err := svc.IngestURL(ctx, ManualRequest{URL: "https://example.com/a", Title: "A", TeamID: &team}, rec.emit)
	require.NoError(t, err)
	require.Equal(t, 1, res.Inserted)
	assert.Equal(t, [][]int64{res.RawItemIDs}, rec.batches)

	item, err := st.GetRawItem(ctx, res.RawItemIDs[0])
	require.NoError(t, err)
	assert.Equal(t, "team-a", item.MetadataString("team_id"))

	res, err = svc.IngestURL(ctx, ManualRequest{URL: "https://example.com/a/"}, rec.emit)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Duplicates)
	assert.Len(t, rec.batches, 1)

	_, err = svc.IngestURL(ctx, ManualRequest{URL: "ftp://example.com/file"}, rec.emit)
	assert.True(t, failure.IsPermanent(err))
}

type fakeBlobs map[string]string

func (f fakeBlobs) GetObject(_ context.Context, bucket, key string) ([]byte, error) {
	body, ok := f[bucket+"/"+key]
	if !ok {
		return nil, failure.Permanentf("no object %s/%s", bucket, key)
	}
	return []byte(body), nil
}

func TestIngestUpload(t *testing.T) {
	t.Parallel()

	blobs := fakeBlobs{
		"b/batch.csv": "url,title,kind,published_at\nhttps://example.com/1,One,article,2026-01-01T00:00:00Z\nhttps://example.com/2,Two,video,\nnot a url,Bad,,\n",
	}
	svc, st := newService(t, Options{Blobs: blobs})
	ctx := context.Background()

	rec := &emitRecorder{}
	res, err := svc.IngestUpload(ctx, UploadRequest{Bucket: "b", ObjectKey: "batch.csv"}, rec.emit)
	require.NoError(t, err)
	assert.Equal(t, 3, res.Discovered)
	assert.Equal(t, 2, res.Inserted)
	assert.Equal(t, 1, res.Failed)
	assert.Equal(t, store.HealthWarn, res.Health)

	src, err := st.GetSource(ctx, res.SourceID)
	require.NoError(t, err)
	assert.Equal(t, "upload://b/batch.csv", src.URL)
	assert.False(t, src.IsActive)

	res, err = svc.IngestUpload(ctx, UploadRequest{Items: []UploadItem{{URL: "https://example.com/x", ExternalID: "x-1"}}}, rec.emit)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Inserted)

	_, err = svc.IngestUpload(ctx, UploadRequest{}, rec.emit)
	assert.True(t, failure.IsPermanent(err))

	_, err = svc.IngestUpload(ctx, UploadRequest{Bucket: "b", ObjectKey: "missing.txt"}, rec.emit)
	assert.True(t, failure.IsPermanent(err))
}

func TestParseUploadFormats(t *testing.T) {
	t.Parallel()

	items, err := ParseUpload([]byte("# comment\nhttps://a.example\n\n  https://b.example  \n"), FormatLines)
	require.NoError(t, err)
	assert.Equal(t, []UploadItem{{URL: "https://a.example"}, {URL: "https://b.example"}}, items)

	items, err = ParseUpload([]byte(`[{"url":"https://a.example","title":"A"}]`), FormatJSON)
	require.NoError(t, err)
	assert.Equal(t, "A", items[0].Title)

	items, err = ParseUpload([]byte(`{"items":[{"url":"https://a.example"},{"url":"https://b.example"}]}`), FormatJSON)
	require.NoError(t, err)
	assert.Len(t, items, 2)

	_, err = ParseUpload([]byte("title\nx\n"), FormatCSV)
	assert.ErrorContains(t, err, "url column")

	_, err = ParseUpload(nil, "xml")
	assert.Error(t, err)

	assert.Equal(t, FormatCSV, DetectFormat("", "a/b.CSV"))
	assert.Equal(t, FormatLines, DetectFormat("", "a/b.txt"))
	assert.Equal(t, FormatJSON, DetectFormat("json", "a/b.txt"))
}

func TestPollSourcesContinuesPastFailures(t *testing.T) {
	t.Parallel()

	svc, st := newService(t, Options{})
	a := addSource(t, st, store.SourceFeed, "https://a.example/feed")
	addSource(t, st, store.SourceFeed, "https://b.example/feed")
	addSource(t, st, store.SourceChannel, "https://c.example/channel")

	var triggered []int64
	res, err := svc.PollSources(context.Background(), store.SourceFeed, func(_ context.Context, id int64) error {
		if id == a.ID {
			return errors.New("enqueue failed")
		}
		triggered = append(triggered, id)
		return nil
	})
	require.Error(t, err)
	assert.Equal(t, 2, res.Sources)
	assert.Equal(t, 1, res.Triggered)
	assert.Equal(t, 1, res.Failed)
	assert.Len(t, triggered, 1)
}

func TestSweepPending(t *testing.T) {
	t.Parallel()

	svc, st := newService(t, Options{BatchSize: 2})
	ctx := context.Background()
	src := addSource(t, st, store.SourceManual, ManualSourceURL)
	for i := range 3 {
		_, err := st.InsertRawItem(ctx, store.NewRawItem{SourceID: src.ID, ExternalID: fmt.Sprint(i), URL: fmt.Sprintf("https://example.com/%d", i), Kind: store.KindArticle})
		require.NoError(t, err)
	}
	time.Sleep(5 * time.Millisecond)

	rec := &emitRecorder{}
	res, err := svc.SweepPending(ctx, time.Millisecond, 10, rec.emit)
	require.NoError(t, err)
	assert.Equal(t, 3, res.Pending)
	assert.Equal(t, 2, res.Batches)

	res, err = svc.SweepPending(ctx, time.Hour, 10, rec.emit)
	require.NoError(t, err)
	assert.Zero(t, res.Pending)
}
