package search

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
)

const artifactDocument = `to_tsvector('english', title || ' ' || plain_text)`

// PgFTS implements Searcher using PostgreSQL full-text search as a fallback.
type PgFTS struct {
	db *sql.DB
}

func NewPgFTS(db *sql.DB) *PgFTS {
	return &PgFTS{db: db}
}

// Healthy always returns true; if Postgres is down the whole service is down.
func (p *PgFTS) Healthy() bool {
	return true
}

// Search matches artifacts with plainto_tsquery, ranked by ts_rank, with
// ts_headline snippets.
func (p *PgFTS) Search(ctx context.Context, q Query) ([]Result, int, error) {
	if strings.TrimSpace(q.Text) == "" {
		return nil, 0, nil
	}

	where := artifactDocument + ` @@ plainto_tsquery('english', $1)`
	args := []any{q.Text}
	if q.FilterType != "" {
		where += ` AND type = $2`
		args = append(args, q.FilterType)
	}

	var total int
	if err := p.db.QueryRowContext(ctx, `SELECT count(*) FROM artifacts WHERE `+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("pgfts count: %w", err)
	}

	rows, err := p.db.QueryContext(ctx, fmt.Sprintf(`
		SELECT id, title,
			ts_headline('english', plain_text, plainto_tsquery('english', $1), 'MaxFragments=1,MaxWords=30') AS snippet,
			type, owner_id
		FROM artifacts
		WHERE %s
		ORDER BY ts_rank(%s, plainto_tsquery('english', $1)) DESC, updated_at DESC
		LIMIT %d OFFSET %d`, where, artifactDocument, q.limit(), q.offset()), args...)
	if err != nil {
		return nil, 0, fmt.Errorf("pgfts query: %w", err)
	}
	defer rows.Close()

	var results []Result
	for rows.Next() {
		var r Result
		if err := rows.Scan(&r.ID, &r.Title, &r.Snippet, &r.Type, &r.OwnerID); err != nil {
			return nil, 0, fmt.Errorf("pgfts scan: %w", err)
		}
		results = append(results, r)
	}
	return results, total, rows.Err()
}

// LoadAllRecords returns every artifact for full reindexing.
func (p *PgFTS) LoadAllRecords(ctx context.Context) ([]ArtifactRecord, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, title, plain_text, type, owner_id, (extract(epoch FROM updated_at) * 1000)::bigint
		FROM artifacts
	`)
	if err != nil {
		return nil, fmt.Errorf("load artifacts: %w", err)
	}
	defer rows.Close()

	records := make([]ArtifactRecord, 0)
	for rows.Next() {
		var r ArtifactRecord
		if err := rows.Scan(&r.ID, &r.Title, &r.PlainText, &r.Type, &r.OwnerID, &r.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan artifact: %w", err)
		}
		records = append(records, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate artifacts: %w", err)
	}
	return records, nil
}
