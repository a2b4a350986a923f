// Package tasks defines the pipeline's queue tasks and the graph of which
// task may trigger which. Handlers are thin: they decode, call the stage
// service and emit the next stage through TriggerFrom.
package tasks

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"horse.fit/pulse/internal/analysis"
	"horse.fit/pulse/internal/extract"
	"horse.fit/pulse/internal/failure"
	"horse.fit/pulse/internal/ingest"
	"horse.fit/pulse/internal/jobs"
	"horse.fit/pulse/internal/queue"
	"horse.fit/pulse/internal/store"
)

const (
	PollSources   = "ingest.poll-sources"
	IngestSource  = "ingest.source"
	ManualURL     = "ingest.manual-url"
	Upload        = "ingest.upload"
	Extract       = "content.extract"
	SweepPending  = "content.sweep-pending"
	FanOut        = "analysis.fanout"
	Brief         = "analysis.brief"
	Analyze       = "analysis.analyze"
	Highlights    = "analysis.highlights"
	Score         = "analysis.score"
	MaintainQueue = "maintenance.queue"
)

type PollSourcesPayload struct {
	SourceType store.SourceType `json:"source_type" validate:"required,oneof=feed channel"`
}

type SourcePayload struct {
	SourceID int64 `json:"source_id" validate:"required,gt=0"`
}

type SweepPayload struct {
	OlderThanMinutes int `json:"older_than_minutes,omitempty" validate:"omitempty,min=1,max=10080"`
	Limit            int `json:"limit,omitempty" validate:"omitempty,min=1,max=1000"`
}

// StoryPayload addresses a story without a team scope.
type StoryPayload struct {
	StoryID int64 `json:"story_id" validate:"required,gt=0"`
}

type MaintenancePayload struct{}

// Graph is the pipeline topology handlers trigger along.
func Graph() *jobs.Graph {
	return jobs.NewGraph().
		Connect(PollSources, IngestSource).
		Connect(IngestSource, Extract).
		Connect(ManualURL, Extract).
		Connect(Upload, Extract).
		Connect(SweepPending, Extract).
		Connect(Extract, FanOut).
		Connect(FanOut, Analyze, Highlights).
		Connect(Analyze, Brief).
		Connect(Highlights, Score)
}

type Deps struct {
	Ingest   *ingest.Service
	Extract  *extract.Service
	Analysis *analysis.Service
	// Maintainer sweeps the queue from maintenance.queue. Nil turns the task
	// into a no-op for backends that maintain themselves.
	Maintainer queue.Maintainer
}

type Options struct {
	MaxRetries      int
	PendingSweepAge time.Duration
	// Concurrency overrides the per-task in-flight limit.
	Concurrency map[string]int
}

var defaultConcurrency = map[string]int{
	PollSources:   1,
	IngestSource:  4,
	ManualURL:     4,
	Upload:        2,
	Extract:       4,
	SweepPending:  1,
	FanOut:        8,
	Brief:         4,
	Analyze:       2,
	Highlights:    4,
	Score:         4,
	MaintainQueue: 1,
}

// Pipeline holds every defined task. Trigger on its fields to start work
// from outside a job.
type Pipeline struct {
	Runtime *jobs.Runtime

	PollSources   *jobs.Task[PollSourcesPayload]
	IngestSource  *jobs.Task[SourcePayload]
	ManualURL     *jobs.Task[ingest.ManualRequest]
	Upload        *jobs.Task[ingest.UploadRequest]
	Extract       *jobs.Task[extract.Request]
	SweepPending  *jobs.Task[SweepPayload]
	FanOut        *jobs.Task[analysis.StoryRequest]
	Brief         *jobs.Task[StoryPayload]
	Analyze       *jobs.Task[StoryPayload]
	Highlights    *jobs.Task[analysis.StoryRequest]
	Score         *jobs.Task[analysis.StoryRequest]
	MaintainQueue *jobs.Task[MaintenancePayload]

	deps   Deps
	opts   Options
	logger zerolog.Logger
}

// New defines the pipeline tasks on a runtime over q.
func New(q queue.Queue, deps Deps, logger zerolog.Logger, opts Options, runtimeOpts ...jobs.Option) *Pipeline {
	rt := jobs.NewRuntime(q, logger, append([]jobs.Option{jobs.WithGraph(Graph())}, runtimeOpts...)...)
	p := &Pipeline{Runtime: rt, deps: deps, opts: opts, logger: logger}

	p.PollSources = jobs.Define(rt, PollSources, p.taskOptions(PollSources), p.pollSources)
	p.IngestSource = jobs.Define(rt, IngestSource, p.taskOptions(IngestSource), p.ingestSource)
	p.ManualURL = jobs.Define(rt, ManualURL, p.taskOptions(ManualURL), p.manualURL)
	p.Upload = jobs.Define(rt, Upload, p.taskOptions(Upload), p.upload)
	p.Extract = jobs.Define(rt, Extract, p.taskOptions(Extract), p.extract)
	p.SweepPending = jobs.Define(rt, SweepPending, p.taskOptions(SweepPending), p.sweepPending)
	p.FanOut = jobs.Define(rt, FanOut, p.taskOptions(FanOut), p.fanOut)
	p.Brief = jobs.Define(rt, Brief, p.taskOptions(Brief), p.brief)
	p.Analyze = jobs.Define(rt, Analyze, p.taskOptions(Analyze), p.analyze)
	p.Highlights = jobs.Define(rt, Highlights, p.taskOptions(Highlights), p.highlights)
	p.Score = jobs.Define(rt, Score, p.taskOptions(Score), p.score)
	p.MaintainQueue = jobs.Define(rt, MaintainQueue, jobs.TaskOptions{Concurrency: 1}, p.maintainQueue)
	return p
}

func (p *Pipeline) taskOptions(name string) jobs.TaskOptions {
	concurrency := defaultConcurrency[name]
	if n, ok := p.opts.Concurrency[name]; ok && n > 0 {
		concurrency = n
	}
	return jobs.TaskOptions{Concurrency: concurrency, MaxRetries: p.opts.MaxRetries}
}

// StoryKey is the singleton key of per-story analysis jobs.
func StoryKey(storyID int64, teamID *string) string {
	if teamID == nil {
		return fmt.Sprintf("story:%d", storyID)
	}
	return fmt.Sprintf("story:%d:team:%s", storyID, *teamID)
}

// SourceKey keeps one poll of a source queued or running at a time.
func SourceKey(sourceID int64) string {
	return fmt.Sprintf("source:%d", sourceID)
}

func (p *Pipeline) emitExtract(jc *jobs.JobContext, teamID *string) ingest.Emit {
	return func(ctx context.Context, ids []int64) error {
		_, err := p.Extract.TriggerFrom(ctx, jc, extract.Request{RawItemIDs: ids, TeamID: teamID})
		return err
	}
}

func (p *Pipeline) pollSources(ctx context.Context, jc *jobs.JobContext, in PollSourcesPayload) (any, error) {
	return p.deps.Ingest.PollSources(ctx, in.SourceType, func(ctx context.Context, sourceID int64) error {
		_, err := p.IngestSource.TriggerFrom(ctx, jc, SourcePayload{SourceID: sourceID}, jobs.Singleton(SourceKey(sourceID)))
		return err
	})
}

func (p *Pipeline) ingestSource(ctx context.Context, jc *jobs.JobContext, in SourcePayload) (any, error) {
	return p.deps.Ingest.IngestSource(ctx, in.SourceID, p.emitExtract(jc, nil))
}

func (p *Pipeline) manualURL(ctx context.Context, jc *jobs.JobContext, in ingest.ManualRequest) (any, error) {
	return p.deps.Ingest.IngestURL(ctx, in, p.emitExtract(jc, in.TeamID))
}

func (p *Pipeline) upload(ctx context.Context, jc *jobs.JobContext, in ingest.UploadRequest) (any, error) {
	return p.deps.Ingest.IngestUpload(ctx, in, p.emitExtract(jc, nil))
}

func (p *Pipeline) sweepPending(ctx context.Context, jc *jobs.JobContext, in SweepPayload) (any, error) {
	olderThan := p.opts.PendingSweepAge
	if in.OlderThanMinutes > 0 {
		olderThan = time.Duration(in.OlderThanMinutes) * time.Minute
	}
	return p.deps.Ingest.SweepPending(ctx, olderThan, in.Limit, p.emitExtract(jc, nil))
}

func (p *Pipeline) extract(ctx context.Context, jc *jobs.JobContext, in extract.Request) (any, error) {
	return p.deps.Extract.Extract(ctx, in, func(ctx context.Context, storyID int64, teamID *string) error {
		_, err := p.FanOut.TriggerFrom(ctx, jc, analysis.StoryRequest{StoryID: storyID, TeamID: teamID}, jobs.Singleton(StoryKey(storyID, teamID)))
		return err
	})
}

func (p *Pipeline) fanOut(ctx context.Context, jc *jobs.JobContext, in analysis.StoryRequest) (any, error) {
	return p.deps.Analysis.FanOut(ctx, in, analysis.Steps{
		Analyze: func(ctx context.Context, storyID int64, _ *string) error {
			_, err := p.Analyze.TriggerFrom(ctx, jc, StoryPayload{StoryID: storyID}, jobs.Singleton(StoryKey(storyID, nil)))
			return err
		},
		Highlights: func(ctx context.Context, storyID int64, teamID *string) error {
			_, err := p.Highlights.TriggerFrom(ctx, jc, analysis.StoryRequest{StoryID: storyID, TeamID: teamID}, jobs.Singleton(StoryKey(storyID, teamID)))
			return err
		},
	})
}

func (p *Pipeline) brief(ctx context.Context, _ *jobs.JobContext, in StoryPayload) (any, error) {
	return p.deps.Analysis.Brief(ctx, in.StoryID)
}

// analyze hands off to brief once why_it_matters is written, so the tiers
// are built from the analysis text rather than racing it.
func (p *Pipeline) analyze(ctx context.Context, jc *jobs.JobContext, in StoryPayload) (any, error) {
	res, err := p.deps.Analysis.Analyze(ctx, in.StoryID)
	if err != nil {
		return nil, err
	}
	if _, err := p.Brief.TriggerFrom(ctx, jc, in, jobs.Singleton(StoryKey(in.StoryID, nil))); err != nil {
		return nil, failure.Transient(fmt.Errorf("trigger brief: %w", err))
	}
	return res, nil
}

func (p *Pipeline) highlights(ctx context.Context, jc *jobs.JobContext, in analysis.StoryRequest) (any, error) {
	return p.deps.Analysis.Highlights(ctx, in, func(ctx context.Context, storyID int64, teamID *string) error {
		_, err := p.Score.TriggerFrom(ctx, jc, analysis.StoryRequest{StoryID: storyID, TeamID: teamID}, jobs.Singleton(StoryKey(storyID, teamID)))
		return err
	})
}

func (p *Pipeline) score(ctx context.Context, _ *jobs.JobContext, in analysis.StoryRequest) (any, error) {
	return p.deps.Analysis.Score(ctx, in)
}

func (p *Pipeline) maintainQueue(ctx context.Context, jc *jobs.JobContext, _ MaintenancePayload) (any, error) {
	if p.deps.Maintainer == nil {
		return queue.MaintenanceResult{}, nil
	}
	res, err := p.deps.Maintainer.Maintain(ctx)
	if err != nil {
		return nil, fmt.Errorf("maintain queue: %w", err)
	}
	if res.Expired > 0 || res.Purged > 0 {
		jc.Logger.Info().Int("expired", res.Expired).Int("purged", res.Purged).Int("fired", res.Fired).Msg("queue maintained")
	}
	return res, nil
}

// RunMaintenance sweeps the queue every interval until ctx is done. The
// sweep also fires due cron schedules, so exactly one process per
// deployment should run it.
func (p *Pipeline) RunMaintenance(ctx context.Context, interval time.Duration) error {
	if p.deps.Maintainer == nil {
		return fmt.Errorf("queue backend does not support maintenance")
	}
	if interval <= 0 {
		interval = 15 * time.Second
	}
	logger := p.logger.With().Str("component", "maintenance").Logger()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		res, err := p.deps.Maintainer.Maintain(ctx)
		switch {
		case err != nil && ctx.Err() == nil:
			logger.Error().Err(err).Msg("queue maintenance failed")
		case res.Expired > 0 || res.Purged > 0 || res.Fired > 0:
			logger.Info().Int("expired", res.Expired).Int("purged", res.Purged).Int("fired", res.Fired).Msg("queue maintained")
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// IngestNow queues a poll of one source outside the schedule.
func (p *Pipeline) IngestNow(ctx context.Context, sourceID int64) (string, error) {
	return p.IngestSource.Trigger(ctx, SourcePayload{SourceID: sourceID}, jobs.Singleton(SourceKey(sourceID)))
}

// Reanalyze starts a fresh analysis run for a story outside the pipeline.
func (p *Pipeline) Reanalyze(ctx context.Context, storyID int64, teamID *string) (string, error) {
	return p.FanOut.Trigger(ctx, analysis.StoryRequest{StoryID: storyID, TeamID: teamID}, jobs.Singleton(StoryKey(storyID, teamID)))
}
