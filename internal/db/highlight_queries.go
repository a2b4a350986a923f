package db

import (
	"context"
	"encoding/json"
	"fmt"

	"horse.fit/pulse/internal/store"
)

const highlightColumns = `
	highlight_id,
	story_id,
	team_id,
	kind,
	title,
	summary,
	quote,
	confidence,
	is_generated,
	metadata,
	COALESCE(dedupe_key, ''),
	relevance_score,
	score_breakdown,
	created_at,
	updated_at`

// ListHighlights returns the highlights of a story in one team scope; a nil
// team selects the shared (team-less) scope.
func (p *Pool) ListHighlights(ctx context.Context, storyID int64, teamID *string) ([]store.Highlight, error) {
	const q = `SELECT` + highlightColumns + `
FROM pulse.highlights
WHERE story_id = $1
  AND team_id IS NOT DISTINCT FROM $2
ORDER BY highlight_id`

	rows, err := p.Query(ctx, q, storyID, teamID)
	if err != nil {
		return nil, fmt.Errorf("query highlights of story %d: %w", storyID, err)
	}
	defer rows.Close()

	out := make([]store.Highlight, 0, 8)
	for rows.Next() {
		h, err := scanHighlight(rows)
		if err != nil {
			return nil, fmt.Errorf("scan highlight row: %w", err)
		}
		out = append(out, h)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate highlight rows: %w", err)
	}
	return out, nil
}

// InsertHighlight inserts a highlight. When the dedupe key already exists in
// the same story and team scope nothing is written and the id is nil.
func (p *Pool) InsertHighlight(ctx context.Context, in store.NewHighlight) (*int64, error) {
	metadata, err := marshalMetadata(in.Metadata)
	if err != nil {
		return nil, err
	}
	var dedupeKey *string
	if in.DedupeKey != "" {
		dedupeKey = &in.DedupeKey
	}

	const q = `
INSERT INTO pulse.highlights (
	story_id, team_id, kind, title, summary, quote, confidence, is_generated, metadata, dedupe_key
)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9::jsonb, $10)
ON CONFLICT (story_id, (coalesce(team_id, '')), dedupe_key) WHERE dedupe_key IS NOT NULL DO NOTHING
RETURNING highlight_id
`
	var id int64
	err = p.QueryRow(ctx, q,
		in.StoryID,
		in.TeamID,
		string(in.Kind),
		in.Title,
		in.Summary,
		in.Quote,
		in.Confidence,
		in.IsGenerated,
		metadata,
		dedupeKey,
	).Scan(&id)
	if err != nil {
		if IsNoRows(err) {
			return nil, nil
		}
		if IsForeignKeyViolation(err) {
			return nil, fmt.Errorf("story %d: %w", in.StoryID, store.ErrNotFound)
		}
		return nil, fmt.Errorf("insert highlight: %w", err)
	}
	return &id, nil
}

func (p *Pool) UpdateHighlightScore(ctx context.Context, id int64, score float64, breakdown json.RawMessage) error {
	const q = `
UPDATE pulse.highlights
SET relevance_score = $2, score_breakdown = $3::jsonb, updated_at = now()
WHERE highlight_id = $1
`
	tag, err := p.Exec(ctx, q, id, score, []byte(breakdown))
	if err != nil {
		return fmt.Errorf("update highlight %d score: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("highlight %d: %w", id, store.ErrNotFound)
	}
	return nil
}

func scanHighlight(row scanner) (store.Highlight, error) {
	var (
		h         store.Highlight
		kind      string
		metadata  []byte
		breakdown []byte
	)
	if err := row.Scan(
		&h.ID,
		&h.StoryID,
		&h.TeamID,
		&kind,
		&h.Title,
		&h.Summary,
		&h.Quote,
		&h.Confidence,
		&h.IsGenerated,
		&metadata,
		&h.DedupeKey,
		&h.RelevanceScore,
		&breakdown,
		&h.CreatedAt,
		&h.UpdatedAt,
	); err != nil {
		return store.Highlight{}, err
	}
	h.Kind = store.HighlightKind(kind)
	meta, err := unmarshalMetadata(metadata)
	if err != nil {
		return store.Highlight{}, err
	}
	h.Metadata = meta
	if len(breakdown) > 0 {
		h.ScoreBreakdown = json.RawMessage(breakdown)
	}
	return h, nil
}
