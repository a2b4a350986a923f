// Package extract turns raw items into deduplicated content and stories and
// hands new stories to analysis.
package extract

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"horse.fit/pulse/internal/dedup"
	"horse.fit/pulse/internal/failure"
	"horse.fit/pulse/internal/globaltime"
	"horse.fit/pulse/internal/langdetect"
	"horse.fit/pulse/internal/reader"
	"horse.fit/pulse/internal/store"
)

const (
	DefaultClusterWindow = 14 * 24 * time.Hour
	clusterCandidates    = 500

	contentTypeArticle    = "article"
	contentTypeTranscript = "transcript"
	contentTypeSummary    = "summary"
)

type Store interface {
	store.RawItemStore
	store.ContentStore
	store.StoryStore
}

// Request is one extraction batch.
type Request struct {
	RawItemIDs []int64 `json:"raw_item_ids" validate:"required,min=1,max=50,dive,gt=0"`
	TeamID     *string `json:"team_id,omitempty" validate:"omitempty,min=1,max=100"`
}

// TriggerAnalysis starts analysis for a story.
type TriggerAnalysis func(ctx context.Context, storyID int64, teamID *string) error

const (
	ItemProcessed = "processed"
	ItemSkipped   = "skipped"
	ItemError     = "error"
	ItemPending   = "pending"
)

type ItemResult struct {
	RawItemID     int64  `json:"raw_item_id"`
	Status        string `json:"status"`
	ContentID     int64  `json:"content_id,omitempty"`
	StoryID       int64  `json:"story_id,omitempty"`
	ContentReused bool   `json:"content_reused,omitempty"`
	StoryCreated  bool   `json:"story_created,omitempty"`
	Triggered     bool   `json:"triggered,omitempty"`
	Error         string `json:"error,omitempty"`
}

type Result struct {
	Processed int          `json:"processed"`
	Skipped   int          `json:"skipped"`
	Failed    int          `json:"failed"`
	Items     []ItemResult `json:"items"`
}

type Options struct {
	Fetcher       *reader.Fetcher
	Detector      *langdetect.Detector
	ClusterWindow time.Duration
}

type Service struct {
	store         Store
	fetcher       *reader.Fetcher
	detector      *langdetect.Detector
	clusterWindow time.Duration
	logger        zerolog.Logger
}

func NewService(st Store, logger zerolog.Logger, opts Options) *Service {
	if opts.Fetcher == nil {
		opts.Fetcher = reader.NewFetcher(reader.FetchOptions{})
	}
	if opts.Detector == nil {
		opts.Detector = langdetect.NewDetector()
	}
	if opts.ClusterWindow <= 0 {
		opts.ClusterWindow = DefaultClusterWindow
	}
	return &Service{
		store:         st,
		fetcher:       opts.Fetcher,
		detector:      opts.Detector,
		clusterWindow: opts.ClusterWindow,
		logger:        logger,
	}
}

// Extract processes a batch. Permanent item failures mark the item error and
// do not stop the batch. Transient failures, including a failed analysis
// trigger, leave the item pending; the batch still finishes and then
// returns a transient error so the job is retried. Processed items are
// skipped on the retry.
func (s *Service) Extract(ctx context.Context, req Request, trigger TriggerAnalysis) (Result, error) {
	items, err := s.store.GetRawItems(ctx, req.RawItemIDs)
	if err != nil {
		return Result{}, fmt.Errorf("load raw items: %w", err)
	}
	byID := make(map[int64]store.RawItem, len(items))
	for _, item := range items {
		byID[item.ID] = item
	}

	res := Result{Items: make([]ItemResult, 0, len(req.RawItemIDs))}
	var retryErrs []error
	for _, id := range req.RawItemIDs {
		item, ok := byID[id]
		if !ok {
			res.Failed++
			res.Items = append(res.Items, ItemResult{RawItemID: id, Status: ItemError, Error: "raw item not found"})
			s.logger.Warn().Int64("raw_item_id", id).Msg("raw item not found")
			continue
		}
		if item.Status == store.RawItemProcessed {
			res.Skipped++
			res.Items = append(res.Items, ItemResult{RawItemID: id, Status: ItemSkipped})
			continue
		}

		out, err := s.processItem(ctx, item, req.TeamID, trigger)
		var triggerErr *triggerError
		switch {
		case errors.As(err, &triggerErr):
			res.Failed++
			out.Status = ItemPending
			out.Error = err.Error()
			retryErrs = append(retryErrs, err)
			s.logger.Warn().Err(err).Int64("raw_item_id", id).Msg("analysis trigger failed; item left pending")
		case err != nil && ctx.Err() != nil:
			return res, ctx.Err()
		case err != nil && !failure.IsPermanent(err):
			res.Failed++
			out.Status = ItemPending
			out.Error = store.Truncate(err.Error(), store.MaxErrorMessageLen)
			retryErrs = append(retryErrs, fmt.Errorf("raw item %d: %w", id, err))
			s.logger.Warn().Err(err).Int64("raw_item_id", id).Str("url", item.URL).Msg("item failed transiently; item left pending")
		case err != nil:
			res.Failed++
			out.Status = ItemError
			out.Error = store.Truncate(err.Error(), store.MaxErrorMessageLen)
			s.logger.Warn().Err(err).Int64("raw_item_id", id).Str("url", item.URL).Msg("item failed")
			if markErr := s.store.MarkRawItemError(ctx, id, err.Error()); markErr != nil {
				return res, fmt.Errorf("mark raw item %d error: %w", id, markErr)
			}
		default:
			res.Processed++
			out.Status = ItemProcessed
		}
		res.Items = append(res.Items, out)
	}

	if len(retryErrs) > 0 {
		return res, failure.Transient(errors.Join(retryErrs...))
	}
	return res, nil
}

type triggerError struct{ err error }

func (e *triggerError) Error() string { return "trigger analysis: " + e.err.Error() }
func (e *triggerError) Unwrap() error { return e.err }

func (s *Service) processItem(ctx context.Context, item store.RawItem, teamID *string, trigger TriggerAnalysis) (ItemResult, error) {
	out := ItemResult{RawItemID: item.ID}

	body, err := s.readBody(ctx, item)
	if err != nil {
		return out, err
	}

	content, inserted, err := s.store.UpsertContentByHash(ctx, store.NewContent{
		RawItemID:       item.ID,
		TextBody:        body.text,
		ContentHash:     dedup.ContentHash(body.text),
		ContentType:     body.contentType,
		HTMLURL:         body.htmlURL,
		TranscriptURL:   body.transcriptURL,
		TranscriptVTT:   body.transcriptVTT,
		DurationSeconds: body.duration,
		Language:        s.detector.Detect(body.text, item.MetadataString("language")),
	})
	if err != nil {
		return out, fmt.Errorf("upsert content: %w", err)
	}
	out.ContentID = content.ID
	out.ContentReused = !inserted

	title := strings.TrimSpace(item.Title)
	if title == "" {
		title = body.title
	}
	var simhash *int64
	if h, ok := dedup.Simhash64(title); ok {
		v := int64(h)
		simhash = &v
	}
	story, created, err := s.store.EnsureStory(ctx, store.NewStory{
		ContentID:    content.ID,
		Title:        title,
		PrimaryURL:   item.URL,
		Kind:         item.Kind,
		PublishedAt:  item.PublishedAt,
		TitleSimhash: simhash,
	})
	if err != nil {
		return out, fmt.Errorf("ensure story: %w", err)
	}
	out.StoryID = story.ID
	out.StoryCreated = created

	if created && simhash != nil {
		if err := s.assignCluster(ctx, story.ID, uint64(*simhash)); err != nil {
			return out, err
		}
	}

	needsAnalysis := created
	if !needsAnalysis {
		overlay, err := s.store.GetOverlay(ctx, story.ID)
		if err != nil {
			return out, fmt.Errorf("load overlay: %w", err)
		}
		needsAnalysis = overlay == nil || overlay.AnalysisState == store.AnalysisPending || overlay.AnalysisState == ""
	}

	if needsAnalysis {
		team := teamID
		if team == nil {
			if v := item.MetadataString("team_id"); v != "" {
				team = &v
			}
		}
		if err := trigger(ctx, story.ID, team); err != nil {
			return out, &triggerError{err: err}
		}
		out.Triggered = true
	} else {
		s.logger.Info().Int64("raw_item_id", item.ID).Int64("story_id", story.ID).Msg("duplicate noop")
	}

	if err := s.store.MarkRawItemProcessed(ctx, item.ID); err != nil {
		return out, fmt.Errorf("mark raw item processed: %w", err)
	}
	return out, nil
}

// assignCluster joins the nearest recent story whose title simhash is within
// dedup.DefaultClusterDistance, or starts a new cluster.
func (s *Service) assignCluster(ctx context.Context, storyID int64, simhash uint64) error {
	recent, err := s.store.RecentSimhashes(ctx, globaltime.UTC().Add(-s.clusterWindow), clusterCandidates)
	if err != nil {
		return fmt.Errorf("load recent simhashes: %w", err)
	}
	cluster := storyID
	best := dedup.DefaultClusterDistance + 1
	for _, entry := range recent {
		if entry.StoryID == storyID {
			continue
		}
		if d := dedup.HammingDistance(uint64(entry.Simhash), simhash); d < best {
			best = d
			cluster = entry.ClusterID
		}
	}
	if err := s.store.SetStoryCluster(ctx, storyID, cluster); err != nil {
		return fmt.Errorf("set story cluster: %w", err)
	}
	return nil
}

type itemBody struct {
	text          string
	title         string
	contentType   string
	htmlURL       *string
	transcriptURL *string
	transcriptVTT *string
	duration      *int
}

func (s *Service) readBody(ctx context.Context, item store.RawItem) (itemBody, error) {
	if item.Kind == store.KindVideo {
		return s.readVideo(ctx, item)
	}

	doc, err := s.fetcher.FetchText(ctx, item.URL, item.Title)
	if err != nil {
		return itemBody{}, err
	}
	url := item.URL
	return itemBody{
		text:        doc.Text,
		title:       doc.Title,
		contentType: contentTypeArticle,
		htmlURL:     &url,
	}, nil
}

// readVideo prefers the transcript and falls back to title plus
// description when there is none.
func (s *Service) readVideo(ctx context.Context, item store.RawItem) (itemBody, error) {
	body := itemBody{title: item.Title, duration: metadataInt(item.Metadata, "duration")}
	url := item.URL
	body.htmlURL = &url

	if transcriptURL := item.MetadataString("transcript_url"); transcriptURL != "" {
		raw, text, err := s.fetcher.FetchTranscript(ctx, transcriptURL)
		if err != nil {
			return itemBody{}, err
		}
		body.text = text
		body.contentType = contentTypeTranscript
		body.transcriptURL = &transcriptURL
		body.transcriptVTT = &raw
		return body, nil
	}

	parts := make([]string, 0, 2)
	if title := strings.TrimSpace(item.Title); title != "" {
		parts = append(parts, title)
	}
	if desc := strings.TrimSpace(item.MetadataString("description")); desc != "" {
		parts = append(parts, desc)
	}
	if len(parts) == 0 {
		return itemBody{}, failure.Permanentf("video %s has no transcript, title or description", item.URL)
	}
	body.text = reader.CleanText(strings.Join(parts, "\n\n"))
	body.contentType = contentTypeSummary
	return body, nil
}

func metadataInt(metadata map[string]any, key string) *int {
	var v int
	switch raw := metadata[key].(type) {
	case int:
		v = raw
	case int64:
		v = int(raw)
	case float64:
		v = int(raw)
	case string:
		parsed, err := strconv.Atoi(strings.TrimSpace(raw))
		if err != nil {
			return nil
		}
		v = parsed
	default:
		return nil
	}
	if v <= 0 {
		return nil
	}
	return &v
}
