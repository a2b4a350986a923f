package db

import (
	"context"
	"fmt"

	sq "github.com/Masterminds/squirrel"

	"horse.fit/pulse/internal/store"
)

type statsCounter struct {
	table string
	where sq.Sqlizer
}

// Stats returns the pipeline row counts in a single round trip.
func (p *Pool) Stats(ctx context.Context) (store.Stats, error) {
	counters := []statsCounter{
		{table: "pulse.sources"},
		{table: "pulse.sources", where: sq.Eq{"is_active": true}},
		{table: "pulse.source_health", where: sq.NotEq{"status": string(store.HealthOK)}},
		{table: "pulse.raw_items", where: sq.Eq{"status": string(store.RawItemPending)}},
		{table: "pulse.raw_items", where: sq.Eq{"status": string(store.RawItemProcessed)}},
		{table: "pulse.raw_items", where: sq.Eq{"status": string(store.RawItemError)}},
		{table: "pulse.contents"},
		{table: "pulse.stories"},
		{table: "pulse.story_overlays", where: sq.NotEq{"analysis_state": string(store.AnalysisPending)}},
		{table: "pulse.story_embeddings"},
		{table: "pulse.highlights"},
		{table: "pulse.highlights", where: sq.NotEq{"relevance_score": nil}},
	}

	builder := sq.Select().PlaceholderFormat(sq.Dollar)
	for _, c := range counters {
		sub := sq.Select("COUNT(*)::BIGINT").From(c.table)
		if c.where != nil {
			sub = sub.Where(c.where)
		}
		subSQL, subArgs, err := sub.ToSql()
		if err != nil {
			return store.Stats{}, fmt.Errorf("build stats subquery: %w", err)
		}
		builder = builder.Column(sq.Expr("("+subSQL+")", subArgs...))
	}

	q, args, err := builder.ToSql()
	if err != nil {
		return store.Stats{}, fmt.Errorf("build stats query: %w", err)
	}

	var st store.Stats
	if err := p.QueryRow(ctx, q, args...).Scan(
		&st.Sources,
		&st.ActiveSources,
		&st.UnhealthySources,
		&st.RawItemsPending,
		&st.RawItemsDone,
		&st.RawItemsError,
		&st.Contents,
		&st.Stories,
		&st.Analyzed,
		&st.Embeddings,
		&st.Highlights,
		&st.ScoredHighlights,
	); err != nil {
		return store.Stats{}, fmt.Errorf("query pipeline stats: %w", err)
	}
	return st, nil
}
