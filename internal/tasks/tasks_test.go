package tasks

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sort"
	"testing"
	"time"

	lingua "github.com/pemistahl/lingua-go"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"horse.fit/pulse/internal/analysis"
	"horse.fit/pulse/internal/extract"
	"horse.fit/pulse/internal/ingest"
	"horse.fit/pulse/internal/jobs"
	"horse.fit/pulse/internal/langdetect"
	"horse.fit/pulse/internal/queue"
	"horse.fit/pulse/internal/reader"
	"horse.fit/pulse/internal/store"
	"horse.fit/pulse/internal/store/memstore"
	payloadschema "horse.fit/pulse/schema"
)

const articleHTML = `<!doctype html>
<html><head><title>Client v3 released</title></head>
<body>
<nav>Docs | Blog | Pricing</nav>
<article>
<h1>Client v3 released</h1>
<p>Version 3 of the client ships today with a new batch API for bulk writes.</p>
<p>The v2 endpoints are deprecated and will be removed in June, so plan the migration now.</p>
<p>Median latency dropped by 40% in our benchmarks after the connection pool rewrite.</p>
</article>
<footer>Copyright Example Inc.</footer>
</body></html>`

type fixture struct {
	store    *memstore.Store
	queue    *queue.Memory
	pipeline *Pipeline
	server   *httptest.Server
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		_, _ = w.Write([]byte(articleHTML))
	}))
	t.Cleanup(srv.Close)

	st := memstore.New()
	mem := queue.NewMemory(queue.MemoryOptions{
		Backoff: queue.NewBackoff(time.Millisecond, 5*time.Millisecond),
		Logger:  zerolog.Nop(),
	})
	fetcher := reader.NewFetcher(reader.FetchOptions{Timeout: 5 * time.Second})
	deps := Deps{
		Ingest: ingest.NewService(st, zerolog.Nop(), ingest.Options{Fetcher: fetcher, BatchSize: 10}),
		Extract: extract.NewService(st, zerolog.Nop(), extract.Options{
			Fetcher:  fetcher,
			Detector: langdetect.NewDetector(lingua.English, lingua.German),
		}),
		Analysis:   analysis.NewService(st, zerolog.Nop(), analysis.Options{}),
		Maintainer: mem,
	}
	p := New(mem, deps, zerolog.Nop(), Options{MaxRetries: 2},
		jobs.WithPollInterval(5*time.Millisecond),
		jobs.WithLeaseDuration(time.Second),
	)
	return &fixture{store: st, queue: mem, pipeline: p, server: srv}
}

func (f *fixture) start(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.pipeline.Runtime.Start(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Errorf("runtime did not stop")
		}
	})
}

// settled reports whether every job reached a terminal state.
func (f *fixture) settled() bool {
	jobs := f.queue.Jobs()
	if len(jobs) == 0 {
		return false
	}
	for _, job := range jobs {
		if !job.State.Terminal() {
			return false
		}
	}
	return true
}

func TestGraphNamesEveryDefinedTask(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	require.NoError(t, f.pipeline.Runtime.CheckGraph())

	names := make([]string, 0)
	for _, info := range f.pipeline.Runtime.Tasks() {
		names = append(names, info.Name)
		assert.True(t, payloadschema.Has(info.Schema), "task %s has no payload schema", info.Name)
	}
	sort.Strings(names)
	assert.Equal(t, payloadschema.Names(), names)

	g := Graph()
	assert.True(t, g.Allows(Extract, FanOut))
	assert.True(t, g.Allows(Highlights, Score))
	assert.False(t, g.Allows(FanOut, Score), "scoring waits for highlights")
	assert.False(t, g.Allows(ManualURL, FanOut))
	assert.True(t, g.Allows(Analyze, Brief))
	assert.False(t, g.Allows(FanOut, Brief), "brief waits for analyze")
}

func TestManualURLRunsWholePipeline(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.start(t)
	ctx := context.Background()
	url := f.server.URL + "/a"

	runJob, err := f.pipeline.ManualURL.Trigger(ctx, ingest.ManualRequest{URL: url, Title: "Client v3 released"})
	require.NoError(t, err)

	require.Eventually(t, f.settled, 10*time.Second, 10*time.Millisecond)

	root, err := f.queue.Get(ctx, runJob)
	require.NoError(t, err)
	byTask := make(map[string]int)
	for _, job := range f.queue.Jobs() {
		assert.Equal(t, queue.StateCompleted, job.State, "%s: %s", job.Name, job.LastError)
		assert.Equal(t, root.RunID, job.RunID, "%s belongs to the manual run", job.Name)
		byTask[job.Name]++
	}
	for _, name := range []string{ManualURL, Extract, FanOut, Brief, Analyze, Highlights, Score} {
		assert.Equal(t, 1, byTask[name], name)
	}

	stats, err := f.store.Stats(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, stats.RawItemsDone)
	assert.EqualValues(t, 1, stats.Contents)
	assert.EqualValues(t, 1, stats.Stories)
	assert.EqualValues(t, 1, stats.Analyzed)
	assert.EqualValues(t, 1, stats.Embeddings)
	assert.Positive(t, stats.Highlights)
	assert.Equal(t, stats.Highlights, stats.ScoredHighlights)

	var extracted extract.Result
	for _, job := range f.queue.Jobs() {
		if job.Name == Extract {
			require.NoError(t, json.Unmarshal(job.Output, &extracted))
		}
	}
	require.Len(t, extracted.Items, 1)
	storyID := extracted.Items[0].StoryID
	overlay, err := f.store.GetOverlay(ctx, storyID)
	require.NoError(t, err)
	require.NotNil(t, overlay)
	assert.Equal(t, store.AnalysisFallback, overlay.AnalysisState)
	assert.NotEmpty(t, overlay.WhyItMatters)
	assert.NotEmpty(t, overlay.BriefOneLiner)

	jobsByName := make(map[string]queue.Job)
	for _, job := range f.queue.Jobs() {
		jobsByName[job.Name] = job
	}
	assert.Equal(t, jobsByName[Analyze].ID, jobsByName[Brief].ParentID, "brief is triggered by analyze")
	var briefed analysis.BriefResult
	require.NoError(t, json.Unmarshal(jobsByName[Brief].Output, &briefed))
	assert.Equal(t, "why_it_matters", briefed.Source)
	assert.Equal(t, analysis.BuildBriefs(overlay.WhyItMatters), store.OverlayBriefs{
		OneLiner: overlay.BriefOneLiner,
		TwoLiner: overlay.BriefTwoLiner,
		Elevator: overlay.BriefElevator,
	})

	// Resubmitting the same URL records nothing new.
	again, err := f.pipeline.ManualURL.Trigger(ctx, ingest.ManualRequest{URL: url + "?utm_source=newsletter"})
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		job, err := f.queue.Get(ctx, again)
		return err == nil && job.State.Terminal()
	}, 5*time.Second, 5*time.Millisecond)
	job, err := f.queue.Get(ctx, again)
	require.NoError(t, err)
	require.Equal(t, queue.StateCompleted, job.State)
	var res ingest.Result
	require.NoError(t, json.Unmarshal(job.Output, &res))
	assert.Zero(t, res.Inserted)
	assert.Equal(t, 1, res.Duplicates)

	require.Eventually(t, f.settled, 5*time.Second, 10*time.Millisecond)
	after, err := f.store.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, stats.Stories, after.Stories)
	assert.Equal(t, stats.Highlights, after.Highlights)
}

func TestReanalyzeDoesNotDuplicateHighlights(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.start(t)
	ctx := context.Background()

	_, err := f.pipeline.ManualURL.Trigger(ctx, ingest.ManualRequest{URL: f.server.URL + "/b"})
	require.NoError(t, err)
	require.Eventually(t, f.settled, 10*time.Second, 10*time.Millisecond)
	before, err := f.store.Stats(ctx)
	require.NoError(t, err)
	require.EqualValues(t, 1, before.Stories)

	var storyID int64
	for _, job := range f.queue.Jobs() {
		if job.Name == FanOut {
			var in analysis.StoryRequest
			require.NoError(t, json.Unmarshal(job.Payload, &in))
			storyID = in.StoryID
		}
	}
	require.NotZero(t, storyID)

	id, err := f.pipeline.Reanalyze(ctx, storyID, nil)
	require.NoError(t, err)
	require.Eventually(t, f.settled, 10*time.Second, 10*time.Millisecond)

	job, err := f.queue.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, queue.StateCompleted, job.State)

	after, err := f.store.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, before.Highlights, after.Highlights)
	assert.Equal(t, after.Highlights, after.ScoredHighlights)
}

func TestSchedulesRegisterIdempotently(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()

	first, err := f.pipeline.RegisterSchedules(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, 4, first.Created)

	second, err := f.pipeline.RegisterSchedules(ctx, "")
	require.NoError(t, err)
	assert.Zero(t, second.Created)
	assert.Equal(t, 4, second.Unchanged)

	schedules, err := f.queue.Schedules(ctx)
	require.NoError(t, err)
	assert.Len(t, schedules, 4)
}

func TestTriggerRejectsInvalidPayloads(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()

	_, err := f.pipeline.ManualURL.Trigger(ctx, ingest.ManualRequest{URL: "not a url"})
	assert.True(t, jobs.IsValidation(err), "got %v", err)

	ids := make([]int64, 51)
	for i := range ids {
		ids[i] = int64(i + 1)
	}
	_, err = f.pipeline.Extract.Trigger(ctx, extract.Request{RawItemIDs: ids})
	assert.True(t, jobs.IsValidation(err), "got %v", err)

	_, err = f.pipeline.PollSources.Trigger(ctx, PollSourcesPayload{SourceType: store.SourceManual})
	assert.True(t, jobs.IsValidation(err), "got %v", err)

	assert.Empty(t, f.queue.Jobs())
}

func TestPollSourcesFansOutPerSource(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		_, _, err := f.store.EnsureSource(ctx, store.NewSource{Type: store.SourceFeed, URL: fmt.Sprintf("%s/feed-%d.xml", f.server.URL, i), IsActive: true})
		require.NoError(t, err)
	}

	f.start(t)
	_, err := f.pipeline.PollSources.Trigger(ctx, PollSourcesPayload{SourceType: store.SourceFeed})
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		n := 0
		for _, job := range f.queue.Jobs() {
			if job.Name == IngestSource && job.State.Terminal() {
				n++
			}
		}
		return n == 3
	}, 10*time.Second, 10*time.Millisecond)
}

func TestMaintenanceTaskSweepsQueue(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.start(t)
	ctx := context.Background()

	id, err := f.pipeline.MaintainQueue.Trigger(ctx, MaintenancePayload{})
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		job, err := f.queue.Get(ctx, id)
		return err == nil && job.State == queue.StateCompleted
	}, 5*time.Second, 5*time.Millisecond)
}
