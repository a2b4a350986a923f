// Package store holds the pipeline's domain records and the typed
// repository contracts each stage depends on. internal/db implements them
// on Postgres; store/memstore implements them in memory.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"
	"unicode/utf8"
)

var ErrNotFound = errors.New("record not found")

type SourceType string

const (
	SourceFeed    SourceType = "feed"
	SourceChannel SourceType = "channel"
	SourceManual  SourceType = "manual"
	SourceUpload  SourceType = "upload"
)

func (t SourceType) Valid() bool {
	switch t {
	case SourceFeed, SourceChannel, SourceManual, SourceUpload:
		return true
	default:
		return false
	}
}

type ItemKind string

const (
	KindArticle ItemKind = "article"
	KindVideo   ItemKind = "video"
	KindPost    ItemKind = "post"
)

func (k ItemKind) Valid() bool {
	return k == KindArticle || k == KindVideo || k == KindPost
}

type RawItemStatus string

const (
	RawItemPending   RawItemStatus = "pending"
	RawItemProcessed RawItemStatus = "processed"
	RawItemError     RawItemStatus = "error"
)

type HealthStatus string

const (
	HealthOK    HealthStatus = "ok"
	HealthWarn  HealthStatus = "warn"
	HealthError HealthStatus = "error"
)

type AnalysisState string

const (
	AnalysisPending  AnalysisState = "pending"
	AnalysisAnalyzed AnalysisState = "analyzed"
	AnalysisFallback AnalysisState = "fallback"
)

type HighlightKind string

const (
	HighlightBreakingChange HighlightKind = "breaking_change"
	HighlightAPIChange      HighlightKind = "api_change"
	HighlightCodeChange     HighlightKind = "code_change"
	HighlightCodeExample    HighlightKind = "code_example"
	HighlightMetric         HighlightKind = "metric"
	HighlightInsight        HighlightKind = "insight"
	HighlightQuote          HighlightKind = "quote"
	HighlightQuestion       HighlightKind = "question"
)

const (
	MaxErrorMessageLen = 500
	MaxRawItemBatch    = 500
)

type NewSource struct {
	Type           SourceType
	URL            string
	Name           string
	AuthorityScore *float64
	IsActive       bool
	Metadata       map[string]any
}

type Source struct {
	ID             int64          `json:"id"`
	Type           SourceType     `json:"type"`
	URL            string         `json:"url"`
	Name           string         `json:"name"`
	AuthorityScore *float64       `json:"authority_score,omitempty"`
	IsActive       bool           `json:"is_active"`
	Metadata       map[string]any `json:"metadata"`
	CreatedAt      time.Time      `json:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at"`
}

type SourceHealth struct {
	SourceID      int64        `json:"source_id"`
	Status        HealthStatus `json:"status"`
	LastSuccessAt *time.Time   `json:"last_success_at,omitempty"`
	LastErrorAt   *time.Time   `json:"last_error_at,omitempty"`
	Message       string       `json:"message"`
	ItemsFound    int          `json:"items_found"`
	ItemsInserted int          `json:"items_inserted"`
	ItemsFailed   int          `json:"items_failed"`
	UpdatedAt     time.Time    `json:"updated_at"`
}

type NewRawItem struct {
	SourceID    int64
	ExternalID  string
	URL         string
	Title       string
	Kind        ItemKind
	PublishedAt *time.Time
	Metadata    map[string]any
}

type RawItem struct {
	ID           int64          `json:"id"`
	SourceID     int64          `json:"source_id"`
	ExternalID   string         `json:"external_id"`
	URL          string         `json:"url"`
	Title        string         `json:"title"`
	Kind         ItemKind       `json:"kind"`
	Status       RawItemStatus  `json:"status"`
	PublishedAt  *time.Time     `json:"published_at,omitempty"`
	Metadata     map[string]any `json:"metadata"`
	ErrorMessage string         `json:"error_message,omitempty"`
	CreatedAt    time.Time      `json:"created_at"`
	UpdatedAt    time.Time      `json:"updated_at"`
}

// MetadataString returns a string metadata value or "".
func (r RawItem) MetadataString(key string) string {
	if r.Metadata == nil {
		return ""
	}
	s, _ := r.Metadata[key].(string)
	return s
}

type NewContent struct {
	RawItemID       int64
	TextBody        string
	ContentHash     string
	ContentType     string
	HTMLURL         *string
	TranscriptURL   *string
	TranscriptVTT   *string
	DurationSeconds *int
	Language        string
}

type Content struct {
	ID              int64     `json:"id"`
	RawItemID       int64     `json:"raw_item_id"`
	TextBody        string    `json:"text_body"`
	ContentHash     string    `json:"content_hash"`
	ContentType     string    `json:"content_type"`
	HTMLURL         *string   `json:"html_url,omitempty"`
	TranscriptURL   *string   `json:"transcript_url,omitempty"`
	TranscriptVTT   *string   `json:"transcript_vtt,omitempty"`
	DurationSeconds *int      `json:"duration_seconds,omitempty"`
	Language        string    `json:"language"`
	CreatedAt       time.Time `json:"created_at"`
}

type NewStory struct {
	ContentID    int64
	Title        string
	PrimaryURL   string
	Kind         ItemKind
	PublishedAt  *time.Time
	TitleSimhash *int64
}

type Story struct {
	ID           int64      `json:"id"`
	ContentID    int64      `json:"content_id"`
	Title        string     `json:"title"`
	PrimaryURL   string     `json:"primary_url"`
	Kind         ItemKind   `json:"kind"`
	PublishedAt  *time.Time `json:"published_at,omitempty"`
	ClusterID    *int64     `json:"cluster_id,omitempty"`
	TitleSimhash *int64     `json:"title_simhash,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
}

// SimhashEntry is a recent story considered for near-duplicate clustering.
type SimhashEntry struct {
	StoryID   int64
	ClusterID int64
	Simhash   int64
}

type Citation struct {
	URL   string `json:"url"`
	Title string `json:"title,omitempty"`
	Quote string `json:"quote,omitempty"`
}

type StoryOverlay struct {
	StoryID       int64         `json:"story_id"`
	WhyItMatters  string        `json:"why_it_matters"`
	Confidence    *float64      `json:"confidence,omitempty"`
	Citations     []Citation    `json:"citations"`
	Chili         *int          `json:"chili,omitempty"`
	BriefOneLiner string        `json:"brief_one_liner"`
	BriefTwoLiner string        `json:"brief_two_liner"`
	BriefElevator string        `json:"brief_elevator"`
	AnalysisState AnalysisState `json:"analysis_state"`
	UpdatedAt     time.Time     `json:"updated_at"`
}

// OverlayAnalysis is the slice of the overlay written by analysis.analyze.
type OverlayAnalysis struct {
	WhyItMatters string
	Confidence   float64
	Citations    []Citation
	Chili        int
	State        AnalysisState
}

// OverlayBriefs is the slice of the overlay written by analysis.brief.
type OverlayBriefs struct {
	OneLiner string
	TwoLiner string
	Elevator string
}

type StoryEmbedding struct {
	StoryID      int64     `json:"story_id"`
	Vector       []float32 `json:"vector"`
	ModelVersion string    `json:"model_version"`
	UpdatedAt    time.Time `json:"updated_at"`
}

type NewHighlight struct {
	StoryID     int64
	TeamID      *string
	Kind        HighlightKind
	Title       string
	Summary     string
	Quote       string
	Confidence  float64
	IsGenerated bool
	Metadata    map[string]any
	DedupeKey   string
}

type Highlight struct {
	ID             int64           `json:"id"`
	StoryID        int64           `json:"story_id"`
	TeamID         *string         `json:"team_id,omitempty"`
	Kind           HighlightKind   `json:"kind"`
	Title          string          `json:"title"`
	Summary        string          `json:"summary"`
	Quote          string          `json:"quote"`
	Confidence     float64         `json:"confidence"`
	IsGenerated    bool            `json:"is_generated"`
	Metadata       map[string]any  `json:"metadata"`
	DedupeKey      string          `json:"dedupe_key,omitempty"`
	RelevanceScore *float64        `json:"relevance_score,omitempty"`
	ScoreBreakdown json.RawMessage `json:"score_breakdown,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

// Stats are the row counts reported by the stats command.
type Stats struct {
	Sources          int64 `json:"sources"`
	ActiveSources    int64 `json:"active_sources"`
	UnhealthySources int64 `json:"unhealthy_sources"`
	RawItemsPending  int64 `json:"raw_items_pending"`
	RawItemsDone     int64 `json:"raw_items_processed"`
	RawItemsError    int64 `json:"raw_items_error"`
	Contents         int64 `json:"contents"`
	Stories          int64 `json:"stories"`
	Analyzed         int64 `json:"stories_analyzed"`
	Embeddings       int64 `json:"embeddings"`
	Highlights       int64 `json:"highlights"`
	ScoredHighlights int64 `json:"scored_highlights"`
}

type SourceStore interface {
	// EnsureSource returns the source with (type, url), inserting it first
	// when missing.
	EnsureSource(ctx context.Context, in NewSource) (Source, bool, error)
	// UpsertSource inserts or overwrites name, authority, activity and
	// metadata of the source with (type, url).
	UpsertSource(ctx context.Context, in NewSource) (Source, error)
	GetSource(ctx context.Context, id int64) (Source, error)
	ListActiveSources(ctx context.Context, typ SourceType) ([]Source, error)
	UpsertHealth(ctx context.Context, h SourceHealth) error
	GetHealth(ctx context.Context, sourceID int64) (*SourceHealth, error)
}

type RawItemStore interface {
	// InsertRawItem returns nil when (source, external id) already exists.
	InsertRawItem(ctx context.Context, in NewRawItem) (*int64, error)
	GetRawItem(ctx context.Context, id int64) (RawItem, error)
	GetRawItems(ctx context.Context, ids []int64) ([]RawItem, error)
	MarkRawItemProcessed(ctx context.Context, id int64) error
	MarkRawItemError(ctx context.Context, id int64, message string) error
	ListPendingRawItems(ctx context.Context, createdBefore time.Time, limit int) ([]RawItem, error)
}

type ContentStore interface {
	// UpsertContentByHash returns the content with in.ContentHash, inserting
	// it when missing. inserted reports which happened.
	UpsertContentByHash(ctx context.Context, in NewContent) (Content, bool, error)
	GetContent(ctx context.Context, id int64) (Content, error)
}

type StoryStore interface {
	// EnsureStory returns the story for in.ContentID, inserting it when
	// missing.
	EnsureStory(ctx context.Context, in NewStory) (Story, bool, error)
	GetStory(ctx context.Context, id int64) (Story, error)
	SetStoryCluster(ctx context.Context, storyID, clusterID int64) error
	RecentSimhashes(ctx context.Context, since time.Time, limit int) ([]SimhashEntry, error)
	// StorySource returns the source the story's content was ingested from.
	StorySource(ctx context.Context, storyID int64) (Source, error)
	GetOverlay(ctx context.Context, storyID int64) (*StoryOverlay, error)
	UpsertOverlayAnalysis(ctx context.Context, storyID int64, in OverlayAnalysis) error
	UpsertOverlayBriefs(ctx context.Context, storyID int64, in OverlayBriefs) error
	UpsertEmbedding(ctx context.Context, e StoryEmbedding) error
}

type HighlightStore interface {
	// ListHighlights returns highlights of a story in one team scope. A nil
	// team selects the shared scope.
	ListHighlights(ctx context.Context, storyID int64, teamID *string) ([]Highlight, error)
	// InsertHighlight returns nil when the dedupe key already exists in the
	// story and team scope.
	InsertHighlight(ctx context.Context, in NewHighlight) (*int64, error)
	UpdateHighlightScore(ctx context.Context, id int64, score float64, breakdown json.RawMessage) error
}

type StatsReader interface {
	Stats(ctx context.Context) (Stats, error)
}

// Repository is everything the pipeline stages need.
type Repository interface {
	SourceStore
	RawItemStore
	ContentStore
	StoryStore
	HighlightStore
	StatsReader
}

// Truncate cuts s to at most n bytes on a rune boundary.
func Truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	cut := n
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}

func SameTeam(a, b *string) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}
