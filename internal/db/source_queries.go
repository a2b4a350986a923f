package db

import (
	"context"
	"encoding/json"
	"fmt"

	"gorm.io/datatypes"
	"gorm.io/gorm/clause"

	"horse.fit/pulse/internal/globaltime"
	"horse.fit/pulse/internal/store"
)

var _ store.Repository = (*Pool)(nil)

const sourceColumns = `
	source_id,
	source_type,
	url,
	name,
	authority_score,
	is_active,
	metadata,
	created_at,
	updated_at`

// EnsureSource inserts the source unless (type, url) already exists and
// returns the stored row.
func (p *Pool) EnsureSource(ctx context.Context, in store.NewSource) (store.Source, bool, error) {
	metadata, err := marshalMetadata(in.Metadata)
	if err != nil {
		return store.Source{}, false, err
	}

	const insertQ = `
INSERT INTO pulse.sources (source_type, url, name, authority_score, is_active, metadata)
VALUES ($1, $2, $3, $4, $5, $6::jsonb)
ON CONFLICT (source_type, url) DO NOTHING
RETURNING` + sourceColumns

	src, err := scanSource(p.QueryRow(ctx, insertQ, string(in.Type), in.URL, in.Name, in.AuthorityScore, in.IsActive, metadata))
	if err == nil {
		return src, true, nil
	}
	if !IsNoRows(err) {
		return store.Source{}, false, fmt.Errorf("insert source: %w", err)
	}

	const selectQ = `SELECT` + sourceColumns + ` FROM pulse.sources WHERE source_type = $1 AND url = $2`
	src, err = scanSource(p.QueryRow(ctx, selectQ, string(in.Type), in.URL))
	if err != nil {
		return store.Source{}, false, fmt.Errorf("load source %s %s: %w", in.Type, in.URL, err)
	}
	return src, false, nil
}

// UpsertSource writes name, authority, activity and metadata for (type, url).
func (p *Pool) UpsertSource(ctx context.Context, in store.NewSource) (store.Source, error) {
	metadata, err := marshalMetadata(in.Metadata)
	if err != nil {
		return store.Source{}, err
	}

	row := Source{
		SourceType:     string(in.Type),
		URL:            in.URL,
		Name:           in.Name,
		AuthorityScore: in.AuthorityScore,
		IsActive:       in.IsActive,
		Metadata:       datatypes.JSON(metadata),
		UpdatedAt:      globaltime.UTC(),
	}
	res := p.GORM().WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "source_type"}, {Name: "url"}},
		DoUpdates: clause.AssignmentColumns([]string{"name", "authority_score", "is_active", "metadata", "updated_at"}),
	}).Omit("CreatedAt").Create(&row)
	if res.Error != nil {
		return store.Source{}, fmt.Errorf("upsert source %s %s: %w", in.Type, in.URL, res.Error)
	}

	const selectQ = `SELECT` + sourceColumns + ` FROM pulse.sources WHERE source_type = $1 AND url = $2`
	src, err := scanSource(p.QueryRow(ctx, selectQ, string(in.Type), in.URL))
	if err != nil {
		return store.Source{}, fmt.Errorf("load source %s %s: %w", in.Type, in.URL, err)
	}
	return src, nil
}

func (p *Pool) GetSource(ctx context.Context, id int64) (store.Source, error) {
	const q = `SELECT` + sourceColumns + ` FROM pulse.sources WHERE source_id = $1`
	src, err := scanSource(p.QueryRow(ctx, q, id))
	if err != nil {
		if IsNoRows(err) {
			return store.Source{}, fmt.Errorf("source %d: %w", id, store.ErrNotFound)
		}
		return store.Source{}, fmt.Errorf("query source %d: %w", id, err)
	}
	return src, nil
}

// ListActiveSources lists active sources of one type, or of every type when
// typ is empty.
func (p *Pool) ListActiveSources(ctx context.Context, typ store.SourceType) ([]store.Source, error) {
	const q = `SELECT` + sourceColumns + `
FROM pulse.sources
WHERE is_active
  AND ($1 = '' OR source_type = $1)
ORDER BY source_id`

	rows, err := p.Query(ctx, q, string(typ))
	if err != nil {
		return nil, fmt.Errorf("query active sources: %w", err)
	}
	defer rows.Close()

	out := make([]store.Source, 0, 16)
	for rows.Next() {
		src, err := scanSource(rows)
		if err != nil {
			return nil, fmt.Errorf("scan source row: %w", err)
		}
		out = append(out, src)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate source rows: %w", err)
	}
	return out, nil
}

// UpsertHealth records the outcome of one ingestion attempt. Timestamps
// that are nil keep their previous value.
func (p *Pool) UpsertHealth(ctx context.Context, h store.SourceHealth) error {
	row := SourceHealth{
		SourceID:      h.SourceID,
		Status:        string(h.Status),
		LastSuccessAt: h.LastSuccessAt,
		LastErrorAt:   h.LastErrorAt,
		Message:       store.Truncate(h.Message, store.MaxErrorMessageLen),
		ItemsFound:    h.ItemsFound,
		ItemsInserted: h.ItemsInserted,
		ItemsFailed:   h.ItemsFailed,
		UpdatedAt:     globaltime.UTC(),
	}
	res := p.GORM().WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "source_id"}},
		DoUpdates: clause.Assignments(map[string]any{
			"status":          clause.Column{Table: "excluded", Name: "status"},
			"message":         clause.Column{Table: "excluded", Name: "message"},
			"items_found":     clause.Column{Table: "excluded", Name: "items_found"},
			"items_inserted":  clause.Column{Table: "excluded", Name: "items_inserted"},
			"items_failed":    clause.Column{Table: "excluded", Name: "items_failed"},
			"updated_at":      clause.Column{Table: "excluded", Name: "updated_at"},
			"last_success_at": clause.Expr{SQL: "COALESCE(excluded.last_success_at, pulse.source_health.last_success_at)"},
			"last_error_at":   clause.Expr{SQL: "COALESCE(excluded.last_error_at, pulse.source_health.last_error_at)"},
		}),
	}).Create(&row)
	if res.Error != nil {
		return fmt.Errorf("upsert source health %d: %w", h.SourceID, res.Error)
	}
	return nil
}

func (p *Pool) GetHealth(ctx context.Context, sourceID int64) (*store.SourceHealth, error) {
	const q = `
SELECT source_id, status, last_success_at, last_error_at, message, items_found, items_inserted, items_failed, updated_at
FROM pulse.source_health
WHERE source_id = $1`

	var (
		h      store.SourceHealth
		status string
	)
	err := p.QueryRow(ctx, q, sourceID).Scan(
		&h.SourceID,
		&status,
		&h.LastSuccessAt,
		&h.LastErrorAt,
		&h.Message,
		&h.ItemsFound,
		&h.ItemsInserted,
		&h.ItemsFailed,
		&h.UpdatedAt,
	)
	if err != nil {
		if IsNoRows(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("query source health %d: %w", sourceID, err)
	}
	h.Status = store.HealthStatus(status)
	return &h, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanSource(row scanner) (store.Source, error) {
	var (
		src      store.Source
		typ      string
		metadata []byte
	)
	if err := row.Scan(
		&src.ID,
		&typ,
		&src.URL,
		&src.Name,
		&src.AuthorityScore,
		&src.IsActive,
		&metadata,
		&src.CreatedAt,
		&src.UpdatedAt,
	); err != nil {
		return store.Source{}, err
	}
	src.Type = store.SourceType(typ)
	meta, err := unmarshalMetadata(metadata)
	if err != nil {
		return store.Source{}, err
	}
	src.Metadata = meta
	return src, nil
}

func marshalMetadata(m map[string]any) ([]byte, error) {
	if len(m) == 0 {
		return []byte(`{}`), nil
	}
	out, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("marshal metadata: %w", err)
	}
	return out, nil
}

func unmarshalMetadata(raw []byte) (map[string]any, error) {
	out := map[string]any{}
	if len(raw) == 0 {
		return out, nil
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("decode metadata: %w", err)
	}
	return out, nil
}
