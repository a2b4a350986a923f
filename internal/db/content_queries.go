package db

import (
	"context"
	"fmt"

	"horse.fit/pulse/internal/store"
)

const contentColumns = `
	content_id,
	raw_item_id,
	text_body,
	content_hash,
	content_type,
	html_url,
	transcript_url,
	transcript_vtt,
	duration_seconds,
	language,
	created_at`

// UpsertContentByHash inserts content unless its hash already exists, and
// returns the stored row either way.
func (p *Pool) UpsertContentByHash(ctx context.Context, in store.NewContent) (store.Content, bool, error) {
	language := in.Language
	if language == "" {
		language = "und"
	}
	contentType := in.ContentType
	if contentType == "" {
		contentType = string(store.KindArticle)
	}

	const insertQ = `
INSERT INTO pulse.contents (
	raw_item_id, text_body, content_hash, content_type, html_url,
	transcript_url, transcript_vtt, duration_seconds, language
)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
ON CONFLICT (content_hash) DO NOTHING
RETURNING` + contentColumns

	content, err := scanContent(p.QueryRow(ctx, insertQ,
		in.RawItemID,
		in.TextBody,
		in.ContentHash,
		contentType,
		in.HTMLURL,
		in.TranscriptURL,
		in.TranscriptVTT,
		in.DurationSeconds,
		language,
	))
	if err == nil {
		return content, true, nil
	}
	if !IsNoRows(err) {
		return store.Content{}, false, fmt.Errorf("insert content: %w", err)
	}

	const selectQ = `SELECT` + contentColumns + ` FROM pulse.contents WHERE content_hash = $1`
	content, err = scanContent(p.QueryRow(ctx, selectQ, in.ContentHash))
	if err != nil {
		return store.Content{}, false, fmt.Errorf("load content by hash: %w", err)
	}
	return content, false, nil
}

func (p *Pool) GetContent(ctx context.Context, id int64) (store.Content, error) {
	const q = `SELECT` + contentColumns + ` FROM pulse.contents WHERE content_id = $1`
	content, err := scanContent(p.QueryRow(ctx, q, id))
	if err != nil {
		if IsNoRows(err) {
			return store.Content{}, fmt.Errorf("content %d: %w", id, store.ErrNotFound)
		}
		return store.Content{}, fmt.Errorf("query content %d: %w", id, err)
	}
	return content, nil
}

func scanContent(row scanner) (store.Content, error) {
	var (
		c        store.Content
		duration *int64
	)
	if err := row.Scan(
		&c.ID,
		&c.RawItemID,
		&c.TextBody,
		&c.ContentHash,
		&c.ContentType,
		&c.HTMLURL,
		&c.TranscriptURL,
		&c.TranscriptVTT,
		&duration,
		&c.Language,
		&c.CreatedAt,
	); err != nil {
		return store.Content{}, err
	}
	if duration != nil {
		d := int(*duration)
		c.DurationSeconds = &d
	}
	return c, nil
}
