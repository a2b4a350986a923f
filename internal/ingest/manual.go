package ingest

import (
	"context"
	"fmt"
	"strings"
	"time"

	"horse.fit/pulse/internal/failure"
	"horse.fit/pulse/internal/store"
)

// ManualRequest submits one URL by hand.
type ManualRequest struct {
	URL         string         `json:"url" validate:"required,url,max=2048"`
	Title       string         `json:"title,omitempty" validate:"max=500"`
	Kind        store.ItemKind `json:"kind,omitempty" validate:"omitempty,oneof=article video post"`
	PublishedAt *time.Time     `json:"published_at,omitempty"`
	TeamID      *string        `json:"team_id,omitempty" validate:"omitempty,min=1,max=100"`
}

// IngestURL records a manually submitted URL under the shared manual
// source. Resubmitting a URL is a no-op.
func (s *Service) IngestURL(ctx context.Context, req ManualRequest, emit Emit) (Result, error) {
	src, _, err := s.store.EnsureSource(ctx, store.NewSource{
		Type:     store.SourceManual,
		URL:      ManualSourceURL,
		Name:     "Manual submissions",
		IsActive: true,
	})
	if err != nil {
		return Result{}, fmt.Errorf("ensure manual source: %w", err)
	}

	metadata := map[string]any{"submitted": true}
	if req.TeamID != nil && strings.TrimSpace(*req.TeamID) != "" {
		metadata["team_id"] = strings.TrimSpace(*req.TeamID)
	}
	candidate := Candidate{
		URL:         req.URL,
		Title:       req.Title,
		Kind:        req.Kind,
		PublishedAt: req.PublishedAt,
		Metadata:    metadata,
	}

	res, err := s.run(ctx, src, func(context.Context, store.Source) ([]Candidate, error) {
		return []Candidate{candidate}, nil
	}, emit)
	if err != nil {
		return res, err
	}
	if res.Failed > 0 {
		return res, failure.Permanentf("manual url %q could not be recorded", req.URL)
	}
	return res, nil
}
