package ingest

import (
	"context"
	"fmt"
	"maps"

	"horse.fit/pulse/internal/failure"
	"horse.fit/pulse/internal/store"
)

// discoverChannel lists a channel's videos through the resolver. The video
// id is the external id.
func (s *Service) discoverChannel(ctx context.Context, src store.Source) ([]Candidate, error) {
	if s.resolver == nil || !s.resolver.Configured() {
		return nil, failure.Permanentf("channel source %d: resolver is not configured", src.ID)
	}
	items, err := s.resolver.Resolve(ctx, src.URL)
	if err != nil {
		return nil, fmt.Errorf("resolve channel %s: %w", src.URL, err)
	}

	out := make([]Candidate, 0, len(items))
	for _, item := range items {
		metadata := make(map[string]any, len(item.Metadata)+2)
		maps.Copy(metadata, item.Metadata)
		if item.Duration > 0 {
			metadata["duration"] = item.Duration
		}
		metadata["video_id"] = item.ID

		out = append(out, Candidate{
			ExternalID:  item.ID,
			URL:         item.URL,
			Title:       item.Title,
			Kind:        store.KindVideo,
			PublishedAt: item.PublishedAt,
			Metadata:    metadata,
		})
	}
	return out, nil
}
