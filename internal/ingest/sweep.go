package ingest

import (
	"context"
	"errors"
	"fmt"
	"time"

	"horse.fit/pulse/internal/dedup"
	"horse.fit/pulse/internal/globaltime"
	"horse.fit/pulse/internal/store"
)

const (
	DefaultSweepAge   = 30 * time.Minute
	DefaultSweepLimit = 200
)

type PollResult struct {
	SourceType store.SourceType `json:"source_type"`
	Sources    int              `json:"sources"`
	Triggered  int              `json:"triggered"`
	Failed     int              `json:"failed"`
}

// PollSources calls trigger once per active source of typ. A failed
// trigger does not stop the others; the joined error is returned.
func (s *Service) PollSources(ctx context.Context, typ store.SourceType, trigger func(ctx context.Context, sourceID int64) error) (PollResult, error) {
	sources, err := s.store.ListActiveSources(ctx, typ)
	if err != nil {
		return PollResult{}, fmt.Errorf("list active %s sources: %w", typ, err)
	}

	res := PollResult{SourceType: typ, Sources: len(sources)}
	var errs []error
	for _, src := range sources {
		if err := trigger(ctx, src.ID); err != nil {
			res.Failed++
			errs = append(errs, fmt.Errorf("source %d: %w", src.ID, err))
			s.logger.Warn().Err(err).Int64("source_id", src.ID).Msg("failed to trigger source ingestion")
			continue
		}
		res.Triggered++
	}
	return res, errors.Join(errs...)
}

type SweepResult struct {
	Pending int `json:"pending"`
	Batches int `json:"batches"`
}

// SweepPending re-emits raw items still pending after olderThan. It
// recovers items whose extraction trigger was lost without touching the
// insert path.
func (s *Service) SweepPending(ctx context.Context, olderThan time.Duration, limit int, emit Emit) (SweepResult, error) {
	if olderThan <= 0 {
		olderThan = DefaultSweepAge
	}
	if limit <= 0 {
		limit = DefaultSweepLimit
	}

	items, err := s.store.ListPendingRawItems(ctx, globaltime.UTC().Add(-olderThan), limit)
	if err != nil {
		return SweepResult{}, fmt.Errorf("list pending raw items: %w", err)
	}
	ids := make([]int64, 0, len(items))
	for _, item := range items {
		ids = append(ids, item.ID)
	}

	res := SweepResult{Pending: len(ids)}
	for _, batch := range dedup.Chunk(ids, s.batchSize) {
		if err := emit(ctx, batch); err != nil {
			return res, fmt.Errorf("re-trigger extraction: %w", err)
		}
		res.Batches++
	}
	if res.Pending > 0 {
		s.logger.Info().Int("pending", res.Pending).Int("batches", res.Batches).Msg("re-triggered stale pending raw items")
	}
	return res, nil
}
