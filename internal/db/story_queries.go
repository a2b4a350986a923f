package db

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm/clause"

	"horse.fit/pulse/internal/globaltime"
	"horse.fit/pulse/internal/store"
)

const storyColumns = `
	story_id,
	content_id,
	title,
	primary_url,
	kind,
	published_at,
	cluster_id,
	title_simhash,
	created_at`

// EnsureStory inserts the story for in.ContentID unless one exists, and
// returns the stored row. created reports whether this call inserted it.
func (p *Pool) EnsureStory(ctx context.Context, in store.NewStory) (store.Story, bool, error) {
	const insertQ = `
INSERT INTO pulse.stories (content_id, title, primary_url, kind, published_at, title_simhash)
VALUES ($1, $2, $3, $4, $5, $6)
ON CONFLICT (content_id) DO NOTHING
RETURNING` + storyColumns

	story, err := scanStory(p.QueryRow(ctx, insertQ, in.ContentID, in.Title, in.PrimaryURL, string(in.Kind), in.PublishedAt, in.TitleSimhash))
	if err == nil {
		return story, true, nil
	}
	if !IsNoRows(err) {
		if IsForeignKeyViolation(err) {
			return store.Story{}, false, fmt.Errorf("content %d: %w", in.ContentID, store.ErrNotFound)
		}
		return store.Story{}, false, fmt.Errorf("insert story: %w", err)
	}

	const selectQ = `SELECT` + storyColumns + ` FROM pulse.stories WHERE content_id = $1`
	story, err = scanStory(p.QueryRow(ctx, selectQ, in.ContentID))
	if err != nil {
		return store.Story{}, false, fmt.Errorf("load story for content %d: %w", in.ContentID, err)
	}
	return story, false, nil
}

func (p *Pool) GetStory(ctx context.Context, id int64) (store.Story, error) {
	const q = `SELECT` + storyColumns + ` FROM pulse.stories WHERE story_id = $1`
	story, err := scanStory(p.QueryRow(ctx, q, id))
	if err != nil {
		if IsNoRows(err) {
			return store.Story{}, fmt.Errorf("story %d: %w", id, store.ErrNotFound)
		}
		return store.Story{}, fmt.Errorf("query story %d: %w", id, err)
	}
	return story, nil
}

func (p *Pool) SetStoryCluster(ctx context.Context, storyID, clusterID int64) error {
	tag, err := p.Exec(ctx, `UPDATE pulse.stories SET cluster_id = $2 WHERE story_id = $1`, storyID, clusterID)
	if err != nil {
		return fmt.Errorf("set story %d cluster: %w", storyID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("story %d: %w", storyID, store.ErrNotFound)
	}
	return nil
}

// RecentSimhashes lists title fingerprints of stories created since the
// given time, newest first.
func (p *Pool) RecentSimhashes(ctx context.Context, since time.Time, limit int) ([]store.SimhashEntry, error) {
	if limit <= 0 {
		return nil, fmt.Errorf("limit must be > 0")
	}

	const q = `
SELECT story_id, COALESCE(cluster_id, story_id), title_simhash
FROM pulse.stories
WHERE title_simhash IS NOT NULL
  AND created_at >= $1
ORDER BY created_at DESC, story_id DESC
LIMIT $2
`
	rows, err := p.Query(ctx, q, since.UTC(), limit)
	if err != nil {
		return nil, fmt.Errorf("query recent simhashes: %w", err)
	}
	defer rows.Close()

	out := make([]store.SimhashEntry, 0, limit)
	for rows.Next() {
		var e store.SimhashEntry
		if err := rows.Scan(&e.StoryID, &e.ClusterID, &e.Simhash); err != nil {
			return nil, fmt.Errorf("scan simhash row: %w", err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate simhash rows: %w", err)
	}
	return out, nil
}

func (p *Pool) StorySource(ctx context.Context, storyID int64) (store.Source, error) {
	const q = `
SELECT
	src.source_id,
	src.source_type,
	src.url,
	src.name,
	src.authority_score,
	src.is_active,
	src.metadata,
	src.created_at,
	src.updated_at
FROM pulse.stories s
JOIN pulse.contents c ON c.content_id = s.content_id
JOIN pulse.raw_items ri ON ri.raw_item_id = c.raw_item_id
JOIN pulse.sources src ON src.source_id = ri.source_id
WHERE s.story_id = $1
`
	src, err := scanSource(p.QueryRow(ctx, q, storyID))
	if err != nil {
		if IsNoRows(err) {
			return store.Source{}, fmt.Errorf("source of story %d: %w", storyID, store.ErrNotFound)
		}
		return store.Source{}, fmt.Errorf("query source of story %d: %w", storyID, err)
	}
	return src, nil
}

func (p *Pool) GetOverlay(ctx context.Context, storyID int64) (*store.StoryOverlay, error) {
	var row StoryOverlay
	res := p.GORM().WithContext(ctx).Where("story_id = ?", storyID).Limit(1).Find(&row)
	if res.Error != nil {
		return nil, fmt.Errorf("query overlay %d: %w", storyID, res.Error)
	}
	if res.RowsAffected == 0 {
		return nil, nil
	}

	overlay := &store.StoryOverlay{
		StoryID:       row.StoryID,
		WhyItMatters:  row.WhyItMatters,
		Confidence:    row.Confidence,
		BriefOneLiner: row.BriefOneLiner,
		BriefTwoLiner: row.BriefTwoLiner,
		BriefElevator: row.BriefElevator,
		AnalysisState: store.AnalysisState(row.AnalysisState),
		UpdatedAt:     row.UpdatedAt,
		Citations:     []store.Citation{},
	}
	if row.Chili != nil {
		chili := int(*row.Chili)
		overlay.Chili = &chili
	}
	if len(row.Citations) > 0 {
		if err := json.Unmarshal(row.Citations, &overlay.Citations); err != nil {
			return nil, fmt.Errorf("decode overlay %d citations: %w", storyID, err)
		}
	}
	return overlay, nil
}

// UpsertOverlayAnalysis writes the analysis columns only, leaving brief
// columns untouched.
func (p *Pool) UpsertOverlayAnalysis(ctx context.Context, storyID int64, in store.OverlayAnalysis) error {
	citations := in.Citations
	if citations == nil {
		citations = []store.Citation{}
	}
	encoded, err := json.Marshal(citations)
	if err != nil {
		return fmt.Errorf("marshal citations: %w", err)
	}
	confidence := in.Confidence
	chili := int16(in.Chili)

	row := StoryOverlay{
		StoryID:       storyID,
		WhyItMatters:  in.WhyItMatters,
		Confidence:    &confidence,
		Citations:     datatypes.JSON(encoded),
		Chili:         &chili,
		AnalysisState: string(in.State),
		UpdatedAt:     globaltime.UTC(),
	}
	return p.upsertOverlay(ctx, &row, []string{"why_it_matters", "confidence", "citations", "chili", "analysis_state", "updated_at"})
}

// UpsertOverlayBriefs writes the three brief tiers only.
func (p *Pool) UpsertOverlayBriefs(ctx context.Context, storyID int64, in store.OverlayBriefs) error {
	row := StoryOverlay{
		StoryID:       storyID,
		Citations:     datatypes.JSON(`[]`),
		BriefOneLiner: in.OneLiner,
		BriefTwoLiner: in.TwoLiner,
		BriefElevator: in.Elevator,
		AnalysisState: string(store.AnalysisPending),
		UpdatedAt:     globaltime.UTC(),
	}
	return p.upsertOverlay(ctx, &row, []string{"brief_one_liner", "brief_two_liner", "brief_elevator", "updated_at"})
}

func (p *Pool) upsertOverlay(ctx context.Context, row *StoryOverlay, columns []string) error {
	res := p.GORM().WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "story_id"}},
		DoUpdates: clause.AssignmentColumns(columns),
	}).Create(row)
	if res.Error != nil {
		if IsForeignKeyViolation(res.Error) {
			return fmt.Errorf("story %d: %w", row.StoryID, store.ErrNotFound)
		}
		return fmt.Errorf("upsert overlay %d: %w", row.StoryID, res.Error)
	}
	return nil
}

func (p *Pool) UpsertEmbedding(ctx context.Context, e store.StoryEmbedding) error {
	literal, err := VectorLiteral(e.Vector)
	if err != nil {
		return fmt.Errorf("story %d embedding: %w", e.StoryID, err)
	}

	row := StoryEmbedding{
		StoryID:      e.StoryID,
		Embedding:    literal,
		ModelVersion: e.ModelVersion,
		UpdatedAt:    globaltime.UTC(),
	}
	res := p.GORM().WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "story_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"embedding", "model_version", "updated_at"}),
	}).Create(&row)
	if res.Error != nil {
		if IsForeignKeyViolation(res.Error) {
			return fmt.Errorf("story %d: %w", e.StoryID, store.ErrNotFound)
		}
		return fmt.Errorf("upsert embedding %d: %w", e.StoryID, res.Error)
	}
	return nil
}

func scanStory(row scanner) (store.Story, error) {
	var (
		s    store.Story
		kind string
	)
	if err := row.Scan(
		&s.ID,
		&s.ContentID,
		&s.Title,
		&s.PrimaryURL,
		&kind,
		&s.PublishedAt,
		&s.ClusterID,
		&s.TitleSimhash,
		&s.CreatedAt,
	); err != nil {
		return store.Story{}, err
	}
	s.Kind = store.ItemKind(kind)
	return s, nil
}

// VectorLiteral renders values as a pgvector literal such as "[0.1,0.2]".
func VectorLiteral(values []float32) (string, error) {
	if len(values) == 0 {
		return "", fmt.Errorf("vector is empty")
	}

	var builder strings.Builder
	builder.Grow(len(values) * 8)
	builder.WriteByte('[')
	for i, value := range values {
		f := float64(value)
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return "", fmt.Errorf("vector has non-finite value at index %d", i)
		}
		if i > 0 {
			builder.WriteByte(',')
		}
		builder.WriteString(strconv.FormatFloat(f, 'f', -1, 32))
	}
	builder.WriteByte(']')
	return builder.String(), nil
}
