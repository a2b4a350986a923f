// Package memstore is an in-memory store.Repository for tests and
// QUEUE_BACKEND=memory development runs.
package memstore

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"horse.fit/pulse/internal/globaltime"
	"horse.fit/pulse/internal/store"
)

type Store struct {
	mu sync.Mutex

	nextID int64

	sources        map[int64]store.Source
	sourceByKey    map[string]int64
	health         map[int64]store.SourceHealth
	rawItems       map[int64]store.RawItem
	rawItemByKey   map[string]int64
	contents       map[int64]store.Content
	contentByHash  map[string]int64
	stories        map[int64]store.Story
	storyByContent map[int64]int64
	overlays       map[int64]store.StoryOverlay
	embeddings     map[int64]store.StoryEmbedding
	highlights     map[int64]store.Highlight
}

var _ store.Repository = (*Store)(nil)

func New() *Store {
	return &Store{
		sources:        make(map[int64]store.Source),
		sourceByKey:    make(map[string]int64),
		health:         make(map[int64]store.SourceHealth),
		rawItems:       make(map[int64]store.RawItem),
		rawItemByKey:   make(map[string]int64),
		contents:       make(map[int64]store.Content),
		contentByHash:  make(map[string]int64),
		stories:        make(map[int64]store.Story),
		storyByContent: make(map[int64]int64),
		overlays:       make(map[int64]store.StoryOverlay),
		embeddings:     make(map[int64]store.StoryEmbedding),
		highlights:     make(map[int64]store.Highlight),
	}
}

func (s *Store) id() int64 {
	s.nextID++
	return s.nextID
}

func sourceKey(typ store.SourceType, url string) string {
	return string(typ) + "|" + url
}

func (s *Store) EnsureSource(_ context.Context, in store.NewSource) (store.Source, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if id, ok := s.sourceByKey[sourceKey(in.Type, in.URL)]; ok {
		return s.sources[id], false, nil
	}
	return s.insertSourceLocked(in), true, nil
}

func (s *Store) UpsertSource(_ context.Context, in store.NewSource) (store.Source, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.sourceByKey[sourceKey(in.Type, in.URL)]
	if !ok {
		return s.insertSourceLocked(in), nil
	}
	src := s.sources[id]
	src.Name = in.Name
	src.AuthorityScore = in.AuthorityScore
	src.IsActive = in.IsActive
	src.Metadata = copyMap(in.Metadata)
	src.UpdatedAt = globaltime.UTC()
	s.sources[id] = src
	return src, nil
}

func (s *Store) insertSourceLocked(in store.NewSource) store.Source {
	now := globaltime.UTC()
	src := store.Source{
		ID:             s.id(),
		Type:           in.Type,
		URL:            in.URL,
		Name:           in.Name,
		AuthorityScore: in.AuthorityScore,
		IsActive:       in.IsActive,
		Metadata:       copyMap(in.Metadata),
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	s.sources[src.ID] = src
	s.sourceByKey[sourceKey(in.Type, in.URL)] = src.ID
	return src
}

func (s *Store) GetSource(_ context.Context, id int64) (store.Source, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	src, ok := s.sources[id]
	if !ok {
		return store.Source{}, fmt.Errorf("source %d: %w", id, store.ErrNotFound)
	}
	return src, nil
}

func (s *Store) ListActiveSources(_ context.Context, typ store.SourceType) ([]store.Source, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]store.Source, 0)
	for _, src := range s.sources {
		if src.IsActive && (typ == "" || src.Type == typ) {
			out = append(out, src)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *Store) UpsertHealth(_ context.Context, h store.SourceHealth) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sources[h.SourceID]; !ok {
		return fmt.Errorf("source %d: %w", h.SourceID, store.ErrNotFound)
	}
	prev, ok := s.health[h.SourceID]
	if ok {
		if h.LastSuccessAt == nil {
			h.LastSuccessAt = prev.LastSuccessAt
		}
		if h.LastErrorAt == nil {
			h.LastErrorAt = prev.LastErrorAt
		}
	}
	h.UpdatedAt = globaltime.UTC()
	s.health[h.SourceID] = h
	return nil
}

func (s *Store) GetHealth(_ context.Context, sourceID int64) (*store.SourceHealth, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	h, ok := s.health[sourceID]
	if !ok {
		return nil, nil
	}
	return &h, nil
}

func (s *Store) InsertRawItem(_ context.Context, in store.NewRawItem) (*int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sources[in.SourceID]; !ok {
		return nil, fmt.Errorf("source %d: %w", in.SourceID, store.ErrNotFound)
	}
	key := fmt.Sprintf("%d|%s", in.SourceID, in.ExternalID)
	if _, exists := s.rawItemByKey[key]; exists {
		return nil, nil
	}
	now := globaltime.UTC()
	item := store.RawItem{
		ID:          s.id(),
		SourceID:    in.SourceID,
		ExternalID:  in.ExternalID,
		URL:         in.URL,
		Title:       in.Title,
		Kind:        in.Kind,
		Status:      store.RawItemPending,
		PublishedAt: in.PublishedAt,
		Metadata:    copyMap(in.Metadata),
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	s.rawItems[item.ID] = item
	s.rawItemByKey[key] = item.ID
	id := item.ID
	return &id, nil
}

func (s *Store) GetRawItem(_ context.Context, id int64) (store.RawItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	item, ok := s.rawItems[id]
	if !ok {
		return store.RawItem{}, fmt.Errorf("raw item %d: %w", id, store.ErrNotFound)
	}
	return item, nil
}

func (s *Store) GetRawItems(_ context.Context, ids []int64) ([]store.RawItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]store.RawItem, 0, len(ids))
	for _, id := range ids {
		if item, ok := s.rawItems[id]; ok {
			out = append(out, item)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *Store) MarkRawItemProcessed(_ context.Context, id int64) error {
	return s.setRawItemStatus(id, store.RawItemProcessed, "")
}

func (s *Store) MarkRawItemError(_ context.Context, id int64, message string) error {
	return s.setRawItemStatus(id, store.RawItemError, store.Truncate(message, store.MaxErrorMessageLen))
}

func (s *Store) setRawItemStatus(id int64, status store.RawItemStatus, message string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	item, ok := s.rawItems[id]
	if !ok {
		return fmt.Errorf("raw item %d: %w", id, store.ErrNotFound)
	}
	item.Status = status
	item.ErrorMessage = message
	item.UpdatedAt = globaltime.UTC()
	s.rawItems[id] = item
	return nil
}

func (s *Store) ListPendingRawItems(_ context.Context, createdBefore time.Time, limit int) ([]store.RawItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]store.RawItem, 0)
	for _, item := range s.rawItems {
		if item.Status == store.RawItemPending && item.CreatedAt.Before(createdBefore) {
			out = append(out, item)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) UpsertContentByHash(_ context.Context, in store.NewContent) (store.Content, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if id, ok := s.contentByHash[in.ContentHash]; ok {
		return s.contents[id], false, nil
	}
	content := store.Content{
		ID:              s.id(),
		RawItemID:       in.RawItemID,
		TextBody:        in.TextBody,
		ContentHash:     in.ContentHash,
		ContentType:     in.ContentType,
		HTMLURL:         in.HTMLURL,
		TranscriptURL:   in.TranscriptURL,
		TranscriptVTT:   in.TranscriptVTT,
		DurationSeconds: in.DurationSeconds,
		Language:        in.Language,
		CreatedAt:       globaltime.UTC(),
	}
	s.contents[content.ID] = content
	s.contentByHash[in.ContentHash] = content.ID
	return content, true, nil
}

func (s *Store) GetContent(_ context.Context, id int64) (store.Content, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	content, ok := s.contents[id]
	if !ok {
		return store.Content{}, fmt.Errorf("content %d: %w", id, store.ErrNotFound)
	}
	return content, nil
}

func (s *Store) EnsureStory(_ context.Context, in store.NewStory) (store.Story, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.contents[in.ContentID]; !ok {
		return store.Story{}, false, fmt.Errorf("content %d: %w", in.ContentID, store.ErrNotFound)
	}
	if id, ok := s.storyByContent[in.ContentID]; ok {
		return s.stories[id], false, nil
	}
	story := store.Story{
		ID:           s.id(),
		ContentID:    in.ContentID,
		Title:        in.Title,
		PrimaryURL:   in.PrimaryURL,
		Kind:         in.Kind,
		PublishedAt:  in.PublishedAt,
		TitleSimhash: in.TitleSimhash,
		CreatedAt:    globaltime.UTC(),
	}
	s.stories[story.ID] = story
	s.storyByContent[in.ContentID] = story.ID
	return story, true, nil
}

func (s *Store) GetStory(_ context.Context, id int64) (store.Story, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	story, ok := s.stories[id]
	if !ok {
		return store.Story{}, fmt.Errorf("story %d: %w", id, store.ErrNotFound)
	}
	return story, nil
}

func (s *Store) SetStoryCluster(_ context.Context, storyID, clusterID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	story, ok := s.stories[storyID]
	if !ok {
		return fmt.Errorf("story %d: %w", storyID, store.ErrNotFound)
	}
	story.ClusterID = &clusterID
	s.stories[storyID] = story
	return nil
}

func (s *Store) RecentSimhashes(_ context.Context, since time.Time, limit int) ([]store.SimhashEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	stories := make([]store.Story, 0)
	for _, story := range s.stories {
		if story.TitleSimhash != nil && !story.CreatedAt.Before(since) {
			stories = append(stories, story)
		}
	}
	sort.Slice(stories, func(i, j int) bool { return stories[i].ID > stories[j].ID })
	if limit > 0 && len(stories) > limit {
		stories = stories[:limit]
	}
	out := make([]store.SimhashEntry, 0, len(stories))
	for _, story := range stories {
		cluster := story.ID
		if story.ClusterID != nil {
			cluster = *story.ClusterID
		}
		out = append(out, store.SimhashEntry{StoryID: story.ID, ClusterID: cluster, Simhash: *story.TitleSimhash})
	}
	return out, nil
}

func (s *Store) StorySource(_ context.Context, storyID int64) (store.Source, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	story, ok := s.stories[storyID]
	if !ok {
		return store.Source{}, fmt.Errorf("story %d: %w", storyID, store.ErrNotFound)
	}
	content := s.contents[story.ContentID]
	item, ok := s.rawItems[content.RawItemID]
	if !ok {
		return store.Source{}, fmt.Errorf("raw item %d: %w", content.RawItemID, store.ErrNotFound)
	}
	src, ok := s.sources[item.SourceID]
	if !ok {
		return store.Source{}, fmt.Errorf("source %d: %w", item.SourceID, store.ErrNotFound)
	}
	return src, nil
}

func (s *Store) GetOverlay(_ context.Context, storyID int64) (*store.StoryOverlay, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	overlay, ok := s.overlays[storyID]
	if !ok {
		return nil, nil
	}
	overlay.Citations = append([]store.Citation(nil), overlay.Citations...)
	return &overlay, nil
}

func (s *Store) overlayLocked(storyID int64) (store.StoryOverlay, error) {
	if _, ok := s.stories[storyID]; !ok {
		return store.StoryOverlay{}, fmt.Errorf("story %d: %w", storyID, store.ErrNotFound)
	}
	overlay, ok := s.overlays[storyID]
	if !ok {
		overlay = store.StoryOverlay{StoryID: storyID, AnalysisState: store.AnalysisPending, Citations: []store.Citation{}}
	}
	return overlay, nil
}

func (s *Store) UpsertOverlayAnalysis(_ context.Context, storyID int64, in store.OverlayAnalysis) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	overlay, err := s.overlayLocked(storyID)
	if err != nil {
		return err
	}
	confidence := in.Confidence
	chili := in.Chili
	overlay.WhyItMatters = in.WhyItMatters
	overlay.Confidence = &confidence
	overlay.Citations = append([]store.Citation{}, in.Citations...)
	overlay.Chili = &chili
	overlay.AnalysisState = in.State
	overlay.UpdatedAt = globaltime.UTC()
	s.overlays[storyID] = overlay
	return nil
}

func (s *Store) UpsertOverlayBriefs(_ context.Context, storyID int64, in store.OverlayBriefs) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	overlay, err := s.overlayLocked(storyID)
	if err != nil {
		return err
	}
	overlay.BriefOneLiner = in.OneLiner
	overlay.BriefTwoLiner = in.TwoLiner
	overlay.BriefElevator = in.Elevator
	overlay.UpdatedAt = globaltime.UTC()
	s.overlays[storyID] = overlay
	return nil
}

func (s *Store) UpsertEmbedding(_ context.Context, e store.StoryEmbedding) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.stories[e.StoryID]; !ok {
		return fmt.Errorf("story %d: %w", e.StoryID, store.ErrNotFound)
	}
	e.Vector = append([]float32(nil), e.Vector...)
	e.UpdatedAt = globaltime.UTC()
	s.embeddings[e.StoryID] = e
	return nil
}

// Embedding returns the stored embedding of a story, if any.
func (s *Store) Embedding(storyID int64) (store.StoryEmbedding, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.embeddings[storyID]
	return e, ok
}

func (s *Store) ListHighlights(_ context.Context, storyID int64, teamID *string) ([]store.Highlight, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]store.Highlight, 0)
	for _, h := range s.highlights {
		if h.StoryID == storyID && store.SameTeam(h.TeamID, teamID) {
			out = append(out, h)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *Store) InsertHighlight(_ context.Context, in store.NewHighlight) (*int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.stories[in.StoryID]; !ok {
		return nil, fmt.Errorf("story %d: %w", in.StoryID, store.ErrNotFound)
	}
	if in.DedupeKey != "" {
		for _, h := range s.highlights {
			if h.StoryID == in.StoryID && h.DedupeKey == in.DedupeKey && store.SameTeam(h.TeamID, in.TeamID) {
				return nil, nil
			}
		}
	}
	now := globaltime.UTC()
	h := store.Highlight{
		ID:          s.id(),
		StoryID:     in.StoryID,
		TeamID:      in.TeamID,
		Kind:        in.Kind,
		Title:       in.Title,
		Summary:     in.Summary,
		Quote:       in.Quote,
		Confidence:  in.Confidence,
		IsGenerated: in.IsGenerated,
		Metadata:    copyMap(in.Metadata),
		DedupeKey:   in.DedupeKey,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	s.highlights[h.ID] = h
	id := h.ID
	return &id, nil
}

func (s *Store) UpdateHighlightScore(_ context.Context, id int64, score float64, breakdown json.RawMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	h, ok := s.highlights[id]
	if !ok {
		return fmt.Errorf("highlight %d: %w", id, store.ErrNotFound)
	}
	h.RelevanceScore = &score
	h.ScoreBreakdown = append(json.RawMessage(nil), breakdown...)
	h.UpdatedAt = globaltime.UTC()
	s.highlights[id] = h
	return nil
}

func (s *Store) Stats(_ context.Context) (store.Stats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var st store.Stats
	st.Sources = int64(len(s.sources))
	for _, src := range s.sources {
		if src.IsActive {
			st.ActiveSources++
		}
	}
	for _, h := range s.health {
		if h.Status != store.HealthOK {
			st.UnhealthySources++
		}
	}
	for _, item := range s.rawItems {
		switch item.Status {
		case store.RawItemPending:
			st.RawItemsPending++
		case store.RawItemProcessed:
			st.RawItemsDone++
		case store.RawItemError:
			st.RawItemsError++
		}
	}
	st.Contents = int64(len(s.contents))
	st.Stories = int64(len(s.stories))
	for _, o := range s.overlays {
		if o.AnalysisState != store.AnalysisPending {
			st.Analyzed++
		}
	}
	st.Embeddings = int64(len(s.embeddings))
	st.Highlights = int64(len(s.highlights))
	for _, h := range s.highlights {
		if h.RelevanceScore != nil {
			st.ScoredHighlights++
		}
	}
	return st, nil
}

func copyMap(in map[string]any) map[string]any {
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
