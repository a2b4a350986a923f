// Package ingest discovers items from sources and records them as raw
// items. Every run is idempotent on (source, external id): rediscovering an
// item is a logged no-op, and only newly inserted ids are handed to content
// extraction.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"horse.fit/pulse/internal/blob"
	"horse.fit/pulse/internal/dedup"
	"horse.fit/pulse/internal/failure"
	"horse.fit/pulse/internal/globaltime"
	"horse.fit/pulse/internal/reader"
	"horse.fit/pulse/internal/resolver"
	"horse.fit/pulse/internal/store"
)

const (
	DefaultBatchSize = 10

	ManualSourceURL = "manual://"
)

// Store is the slice of the repository ingestion writes to.
type Store interface {
	store.SourceStore
	store.RawItemStore
}

// Emit hands one batch of newly inserted raw item ids to the next stage.
type Emit func(ctx context.Context, rawItemIDs []int64) error

// Candidate is an item found at a source before it is recorded.
type Candidate struct {
	ExternalID  string
	URL         string
	Title       string
	Kind        store.ItemKind
	PublishedAt *time.Time
	Metadata    map[string]any
}

type Result struct {
	SourceID   int64              `json:"source_id"`
	SourceType store.SourceType   `json:"source_type"`
	Discovered int                `json:"discovered"`
	Inserted   int                `json:"inserted"`
	Duplicates int                `json:"duplicates"`
	Failed     int                `json:"failed"`
	Batches    int                `json:"batches"`
	RawItemIDs []int64            `json:"raw_item_ids"`
	Health     store.HealthStatus `json:"health"`
}

type Options struct {
	Fetcher   *reader.Fetcher
	Resolver  *resolver.Client
	Blobs     blob.Getter
	BatchSize int
}

type Service struct {
	store     Store
	fetcher   *reader.Fetcher
	resolver  *resolver.Client
	blobs     blob.Getter
	batchSize int
	logger    zerolog.Logger
}

type discoverFunc func(ctx context.Context, src store.Source) ([]Candidate, error)

func NewService(st Store, logger zerolog.Logger, opts Options) *Service {
	batchSize := opts.BatchSize
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	fetcher := opts.Fetcher
	if fetcher == nil {
		fetcher = reader.NewFetcher(reader.FetchOptions{})
	}
	return &Service{
		store:     st,
		fetcher:   fetcher,
		resolver:  opts.Resolver,
		blobs:     opts.Blobs,
		batchSize: batchSize,
		logger:    logger,
	}
}

// IngestSource polls one feed or channel source.
func (s *Service) IngestSource(ctx context.Context, sourceID int64, emit Emit) (Result, error) {
	src, err := s.store.GetSource(ctx, sourceID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return Result{}, failure.Permanent(fmt.Errorf("load source %d: %w", sourceID, err))
		}
		return Result{}, fmt.Errorf("load source %d: %w", sourceID, err)
	}
	if !src.IsActive {
		s.logger.Info().Int64("source_id", src.ID).Msg("source is inactive; ingesting on explicit request")
	}

	switch src.Type {
	case store.SourceFeed:
		return s.run(ctx, src, s.discoverFeed, emit)
	case store.SourceChannel:
		return s.run(ctx, src, s.discoverChannel, emit)
	default:
		return Result{}, failure.Permanentf("source %d has type %s which cannot be polled", src.ID, src.Type)
	}
}

// run records every candidate, emits new ids in batches and upserts the
// source health exactly once, whatever the outcome.
func (s *Service) run(ctx context.Context, src store.Source, discover discoverFunc, emit Emit) (res Result, err error) {
	res = Result{SourceID: src.ID, SourceType: src.Type, RawItemIDs: []int64{}}
	logger := s.logger.With().
		Int64("source_id", src.ID).
		Str("source_type", string(src.Type)).
		Logger()

	defer func() {
		res.Health = s.recordHealth(context.WithoutCancel(ctx), src.ID, res, err, logger)
	}()

	candidates, err := discover(ctx, src)
	if err != nil {
		return res, fmt.Errorf("discover %s source %d: %w", src.Type, src.ID, err)
	}
	res.Discovered = len(candidates)

	for _, c := range candidates {
		id, insertErr := s.insert(ctx, src.ID, c)
		switch {
		case insertErr != nil:
			res.Failed++
			logger.Warn().Err(insertErr).Str("url", c.URL).Msg("item failed")
		case id == nil:
			res.Duplicates++
			logger.Info().Str("url", c.URL).Str("external_id", c.ExternalID).Msg("duplicate noop")
		default:
			res.Inserted++
			res.RawItemIDs = append(res.RawItemIDs, *id)
		}
	}

	for _, batch := range dedup.Chunk(res.RawItemIDs, s.batchSize) {
		if err := emit(ctx, batch); err != nil {
			return res, fmt.Errorf("trigger extraction for %d raw items: %w", len(batch), err)
		}
		res.Batches++
	}

	logger.Info().
		Int("discovered", res.Discovered).
		Int("inserted", res.Inserted).
		Int("duplicates", res.Duplicates).
		Int("failed", res.Failed).
		Int("batches", res.Batches).
		Msg("ingest completed")
	return res, nil
}

func (s *Service) insert(ctx context.Context, sourceID int64, c Candidate) (*int64, error) {
	canonical, err := dedup.CanonicalURL(c.URL)
	if err != nil {
		return nil, failure.Permanent(err)
	}
	externalID, err := dedup.ExternalID(c.ExternalID, canonical)
	if err != nil {
		return nil, failure.Permanent(err)
	}
	kind := c.Kind
	if kind == "" {
		kind = store.KindArticle
	}
	if !kind.Valid() {
		return nil, failure.Permanentf("unknown item kind %q", kind)
	}

	id, err := s.store.InsertRawItem(ctx, store.NewRawItem{
		SourceID:    sourceID,
		ExternalID:  externalID,
		URL:         canonical,
		Title:       strings.TrimSpace(c.Title),
		Kind:        kind,
		PublishedAt: c.PublishedAt,
		Metadata:    c.Metadata,
	})
	if err != nil {
		return nil, fmt.Errorf("insert raw item %s: %w", externalID, err)
	}
	return id, nil
}

func (s *Service) recordHealth(ctx context.Context, sourceID int64, res Result, runErr error, logger zerolog.Logger) store.HealthStatus {
	now := globaltime.UTC()
	health := store.SourceHealth{
		SourceID:      sourceID,
		ItemsFound:    res.Discovered,
		ItemsInserted: res.Inserted,
		ItemsFailed:   res.Failed,
	}
	switch {
	case runErr != nil:
		health.Status = store.HealthError
		health.Message = store.Truncate(runErr.Error(), store.MaxErrorMessageLen)
		health.LastErrorAt = &now
	case res.Failed > 0:
		health.Status = store.HealthWarn
		health.Message = fmt.Sprintf("%d of %d items failed", res.Failed, res.Discovered)
		health.LastSuccessAt = &now
	default:
		health.Status = store.HealthOK
		health.LastSuccessAt = &now
	}

	if err := s.store.UpsertHealth(ctx, health); err != nil {
		logger.Error().Err(err).Msg("failed to record source health")
	}
	return health.Status
}
