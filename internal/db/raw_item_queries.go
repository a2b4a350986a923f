package db

import (
	"context"
	"fmt"
	"time"

	"horse.fit/pulse/internal/store"
)

const rawItemColumns = `
	raw_item_id,
	source_id,
	external_id,
	url,
	title,
	kind,
	status,
	published_at,
	metadata,
	COALESCE(error_message, ''),
	created_at,
	updated_at`

// InsertRawItem inserts a discovered item. A conflict on
// (source_id, external_id) is a no-op and returns a nil id.
func (p *Pool) InsertRawItem(ctx context.Context, in store.NewRawItem) (*int64, error) {
	metadata, err := marshalMetadata(in.Metadata)
	if err != nil {
		return nil, err
	}

	const q = `
INSERT INTO pulse.raw_items (source_id, external_id, url, title, kind, published_at, metadata)
VALUES ($1, $2, $3, $4, $5, $6, $7::jsonb)
ON CONFLICT (source_id, external_id) DO NOTHING
RETURNING raw_item_id
`
	var id int64
	err = p.QueryRow(ctx, q, in.SourceID, in.ExternalID, in.URL, in.Title, string(in.Kind), in.PublishedAt, metadata).Scan(&id)
	if err != nil {
		if IsNoRows(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("insert raw item %s: %w", in.ExternalID, err)
	}
	return &id, nil
}

func (p *Pool) GetRawItem(ctx context.Context, id int64) (store.RawItem, error) {
	const q = `SELECT` + rawItemColumns + ` FROM pulse.raw_items WHERE raw_item_id = $1`
	item, err := scanRawItem(p.QueryRow(ctx, q, id))
	if err != nil {
		if IsNoRows(err) {
			return store.RawItem{}, fmt.Errorf("raw item %d: %w", id, store.ErrNotFound)
		}
		return store.RawItem{}, fmt.Errorf("query raw item %d: %w", id, err)
	}
	return item, nil
}

// GetRawItems returns the existing items among ids, ordered by id.
func (p *Pool) GetRawItems(ctx context.Context, ids []int64) ([]store.RawItem, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	if len(ids) > store.MaxRawItemBatch {
		return nil, fmt.Errorf("too many raw item ids: %d", len(ids))
	}

	const q = `SELECT` + rawItemColumns + `
FROM pulse.raw_items
WHERE raw_item_id = ANY($1::bigint[])
ORDER BY raw_item_id`

	return p.queryRawItems(ctx, q, int64ArrayLiteral(ids))
}

func (p *Pool) MarkRawItemProcessed(ctx context.Context, id int64) error {
	const q = `
UPDATE pulse.raw_items
SET status = 'processed', error_message = NULL, updated_at = now()
WHERE raw_item_id = $1
`
	tag, err := p.Exec(ctx, q, id)
	if err != nil {
		return fmt.Errorf("mark raw item %d processed: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("raw item %d: %w", id, store.ErrNotFound)
	}
	return nil
}

func (p *Pool) MarkRawItemError(ctx context.Context, id int64, message string) error {
	const q = `
UPDATE pulse.raw_items
SET status = 'error', error_message = $2, updated_at = now()
WHERE raw_item_id = $1
`
	tag, err := p.Exec(ctx, q, id, store.Truncate(message, store.MaxErrorMessageLen))
	if err != nil {
		return fmt.Errorf("mark raw item %d error: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("raw item %d: %w", id, store.ErrNotFound)
	}
	return nil
}

// ListPendingRawItems returns items still pending that were created before
// createdBefore, oldest first.
func (p *Pool) ListPendingRawItems(ctx context.Context, createdBefore time.Time, limit int) ([]store.RawItem, error) {
	if limit <= 0 {
		return nil, fmt.Errorf("limit must be > 0")
	}

	const q = `SELECT` + rawItemColumns + `
FROM pulse.raw_items
WHERE status = 'pending'
  AND created_at < $1
ORDER BY created_at, raw_item_id
LIMIT $2`

	return p.queryRawItems(ctx, q, createdBefore.UTC(), limit)
}

func (p *Pool) queryRawItems(ctx context.Context, q string, args ...any) ([]store.RawItem, error) {
	rows, err := p.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query raw items: %w", err)
	}
	defer rows.Close()

	out := make([]store.RawItem, 0, 16)
	for rows.Next() {
		item, err := scanRawItem(rows)
		if err != nil {
			return nil, fmt.Errorf("scan raw item row: %w", err)
		}
		out = append(out, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate raw item rows: %w", err)
	}
	return out, nil
}

func scanRawItem(row scanner) (store.RawItem, error) {
	var (
		item     store.RawItem
		kind     string
		status   string
		metadata []byte
	)
	if err := row.Scan(
		&item.ID,
		&item.SourceID,
		&item.ExternalID,
		&item.URL,
		&item.Title,
		&kind,
		&status,
		&item.PublishedAt,
		&metadata,
		&item.ErrorMessage,
		&item.CreatedAt,
		&item.UpdatedAt,
	); err != nil {
		return store.RawItem{}, err
	}
	item.Kind = store.ItemKind(kind)
	item.Status = store.RawItemStatus(status)
	meta, err := unmarshalMetadata(metadata)
	if err != nil {
		return store.RawItem{}, err
	}
	item.Metadata = meta
	return item, nil
}

// int64ArrayLiteral renders ids as a Postgres array literal, which the
// database/sql path accepts for a bigint[] parameter.
func int64ArrayLiteral(ids []int64) string {
	buf := make([]byte, 0, len(ids)*8+2)
	buf = append(buf, '{')
	for i, id := range ids {
		if i > 0 {
			buf = append(buf, ',')
		}
		buf = fmt.Appendf(buf, "%d", id)
	}
	buf = append(buf, '}')
	return string(buf)
}
