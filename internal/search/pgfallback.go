package search

import (
	"context"
	"database/sql"
	"fmt"
)

// PgFallback serves search straight from Postgres when Meilisearch is not
// configured or unhealthy.
type PgFallback struct {
	db *sql.DB
}

func NewPgFallback(db *sql.DB) *PgFallback {
	return &PgFallback{db: db}
}

func (p *PgFallback) Search(ctx context.Context, q Query) ([]Result, error) {
	limit := q.Limit
	if limit == 0 {
		limit = 20
	}

	rows, err := p.db.QueryContext(ctx, `
		SELECT id, title, message, status
		FROM tracked_items
		WHERE deleted_at IS NULL
		  AND (title ILIKE '%' || $1 || '%' OR message ILIKE '%' || $1 || '%' OR event_type ILIKE '%' || $1 || '%')
		ORDER BY created_at DESC
		LIMIT $2
	`, q.Text, limit)
	if err != nil {
		return nil, fmt.Errorf("search items: %w", err)
	}
	defer rows.Close()

	results := make([]Result, 0)
	for rows.Next() {
		var r Result
		r.Type = ResultItem
		if err := rows.Scan(&r.ID, &r.Title, &r.Snippet, &r.Status); err != nil {
			return nil, fmt.Errorf("scan search result: %w", err)
		}
		results = append(results, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate search results: %w", err)
	}

	replies, err := p.db.QueryContext(ctx, `
		SELECT COALESCE(source_message_ts, ''), entity_id, author, body
		FROM item_updates
		WHERE provenance='chat' AND body ILIKE '%' || $1 || '%'
		ORDER BY created_at DESC
		LIMIT $2
	`, q.Text, limit)
	if err != nil {
		return nil, fmt.Errorf("search replies: %w", err)
	}
	defer replies.Close()

	for replies.Next() {
		var r Result
		r.Type = ResultReply
		if err := replies.Scan(&r.ID, &r.EntityID, &r.Title, &r.Snippet); err != nil {
			return nil, fmt.Errorf("scan reply result: %w", err)
		}
		results = append(results, r)
	}
	if err := replies.Err(); err != nil {
		return nil, fmt.Errorf("iterate reply results: %w", err)
	}

	return results, nil
}
