// Package analysis runs the per-story analysis stage: briefs, the
// why-it-matters analysis with its embedding, highlight extraction and
// relevance scoring. Each step writes its own overlay fields so the steps
// can complete in any order.
package analysis

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"horse.fit/pulse/internal/failure"
	"horse.fit/pulse/internal/nlp"
	"horse.fit/pulse/internal/scoring"
	"horse.fit/pulse/internal/store"
)

type Store interface {
	store.ContentStore
	store.StoryStore
	store.HighlightStore
}

// StoryRequest addresses one story, optionally in a team scope.
type StoryRequest struct {
	StoryID int64   `json:"story_id" validate:"required,gt=0"`
	TeamID  *string `json:"team_id,omitempty" validate:"omitempty,min=1,max=100"`
}

// Emit enqueues a follow-up job for a story.
type Emit func(ctx context.Context, storyID int64, teamID *string) error

// Steps are the jobs a fan-out starts. Brief is not among them; it follows
// analyze so it can read why_it_matters.
type Steps struct {
	Analyze    Emit
	Highlights Emit
}

type Options struct {
	Provider *nlp.Fallback
	Scoring  *scoring.Config
	// DefaultAuthority replaces a missing source authority when scoring.
	DefaultAuthority *float64
}

type Service struct {
	store            Store
	provider         *nlp.Fallback
	scoring          scoring.Config
	defaultAuthority *float64
	logger           zerolog.Logger
}

func NewService(st Store, logger zerolog.Logger, opts Options) *Service {
	if opts.Provider == nil {
		opts.Provider = nlp.NewFallback(nil, nil, logger)
	}
	cfg := scoring.DefaultConfig()
	if opts.Scoring != nil {
		cfg = *opts.Scoring
	}
	return &Service{
		store:            st,
		provider:         opts.Provider,
		scoring:          cfg,
		defaultAuthority: opts.DefaultAuthority,
		logger:           logger,
	}
}

type FanOutResult struct {
	StoryID   int64    `json:"story_id"`
	Triggered []string `json:"triggered"`
	Failed    []string `json:"failed,omitempty"`
}

// FanOut starts analyze and highlights for a story. The steps are
// independent; one failing trigger does not stop the others and the job is
// retried with a transient error.
func (s *Service) FanOut(ctx context.Context, req StoryRequest, steps Steps) (FanOutResult, error) {
	if _, err := s.loadStory(ctx, req.StoryID); err != nil {
		return FanOutResult{}, err
	}

	res := FanOutResult{StoryID: req.StoryID}
	var errs []error
	for _, step := range []struct {
		name string
		emit Emit
	}{
		{"analyze", steps.Analyze},
		{"highlights", steps.Highlights},
	} {
		if step.emit == nil {
			continue
		}
		if err := step.emit(ctx, req.StoryID, req.TeamID); err != nil {
			res.Failed = append(res.Failed, step.name)
			errs = append(errs, fmt.Errorf("trigger %s: %w", step.name, err))
			continue
		}
		res.Triggered = append(res.Triggered, step.name)
	}
	if len(errs) > 0 {
		return res, failure.Transient(errors.Join(errs...))
	}
	return res, nil
}

func (s *Service) loadStory(ctx context.Context, id int64) (store.Story, error) {
	story, err := s.store.GetStory(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return store.Story{}, failure.Permanent(err)
	}
	if err != nil {
		return store.Story{}, fmt.Errorf("load story %d: %w", id, err)
	}
	return story, nil
}

func (s *Service) loadStoryContent(ctx context.Context, id int64) (store.Story, store.Content, error) {
	story, err := s.loadStory(ctx, id)
	if err != nil {
		return store.Story{}, store.Content{}, err
	}
	content, err := s.store.GetContent(ctx, story.ContentID)
	if errors.Is(err, store.ErrNotFound) {
		return store.Story{}, store.Content{}, failure.Permanent(err)
	}
	if err != nil {
		return store.Story{}, store.Content{}, fmt.Errorf("load content %d: %w", story.ContentID, err)
	}
	return story, content, nil
}
