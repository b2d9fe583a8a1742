package databases

import (
	"context"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"
)

type pgSearch struct{ pool *pgxpool.Pool }

func NewPostgresSearch(pool *pgxpool.Pool) FullTextSearch {
	// best-effort bootstrap
	ctx := context.Background()
	// Create extension if available (no error if not superuser; ignore)
	_, _ = pool.Exec(ctx, `CREATE EXTENSION IF NOT EXISTS pg_trgm`)
	// documents table with generated tsvector column (simple config)
	_, _ = pool.Exec(ctx, `
CREATE TABLE IF NOT EXISTS documents (
  id TEXT PRIMARY KEY,
  text TEXT NOT NULL,
  metadata JSONB NOT NULL DEFAULT '{}'::jsonb,
  ts tsvector GENERATED ALWAYS AS (to_tsvector('simple', coalesce(text,''))) STORED
);
`)
	_, _ = pool.Exec(ctx, `CREATE INDEX IF NOT EXISTS documents_ts_idx ON documents USING GIN (ts)`)
	return &pgSearch{pool: pool}
}

func (p *pgSearch) Index(ctx context.Context, id, text string, metadata map[string]string) error {
	// Ensure metadata is non-nil so the JSONB NOT NULL constraint is not violated.
	md := mapToJSON(metadata)
	_, err := p.pool.Exec(ctx, `
INSERT INTO documents(id, text, metadata) VALUES($1,$2,$3)
ON CONFLICT (id) DO UPDATE SET text=EXCLUDED.text, metadata=EXCLUDED.metadata
`, id, text, md)
	return err
}

func (p *pgSearch) Remove(ctx context.Context, id string) error {
	_, err := p.pool.Exec(ctx, `DELETE FROM documents WHERE id=$1`, id)
	return err
}

func (p *pgSearch) Search(ctx context.Context, query string, limit int) ([]SearchResult, error) {
	if limit <= 0 {
		limit = 10
	}
	// Use plainto_tsquery over 'simple' dict; sanitize empty query
	q := strings.TrimSpace(query)
	if q == "" {
		return nil, nil
	}
	rows, err := p.pool.Query(ctx, `
SELECT id, ts_rank(ts, plainto_tsquery('simple',$1)) AS score,
       left(text, 120) AS snippet,
       text,
       metadata
FROM documents
WHERE ts @@ plainto_tsquery('simple',$1)
ORDER BY score DESC
LIMIT $2
`, q, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]SearchResult, 0, limit)
	for rows.Next() {
		var r SearchResult
		var md map[string]string
		if err := rows.Scan(&r.ID, &r.Score, &r.Snippet, &r.Text, &md); err != nil {
			return nil, err
		}
		r.Metadata = md
		out = append(out, r)
	}
	return out, rows.Err()
}

// SearchChunks runs language-aware full text search against the documents
// table (the rows written through Index), filtered by an exact-match
// metadata predicate. It prefers
// websearch_to_tsquery and falls back to plainto_tsquery for short/odd
// queries that websearch_to_tsquery rejects.
func (p *pgSearch) SearchChunks(ctx context.Context, query string, lang string, limit int, filter map[string]string) ([]SearchResult, error) {
	if limit <= 0 {
		limit = 10
	}
	q := strings.TrimSpace(query)
	if q == "" {
		return nil, nil
	}
	f := mapToJSON(filter)
	run := func(stmt string, args ...any) ([]SearchResult, error) {
		rows, err := p.pool.Query(ctx, stmt, args...)
		if err != nil {
			return nil, err
		}
		defer rows.Close()
		out := make([]SearchResult, 0, limit)
		for rows.Next() {
			var r SearchResult
			var md map[string]string
			if err := rows.Scan(&r.ID, &r.Score, &r.Snippet, &r.Text, &md); err != nil {
				return nil, err
			}
			r.Metadata = md
			out = append(out, r)
		}
		return out, rows.Err()
	}
	stmt := `SELECT id, ts_rank(ts, websearch_to_tsquery(to_regconfig($2), $1)) AS score,
                     left(text, 120) AS snippet, text, metadata
              FROM documents
              WHERE ts @@ websearch_to_tsquery(to_regconfig($2), $1)
                AND metadata @> $3
              ORDER BY score DESC
              LIMIT $4`
	res, err := run(stmt, q, lang, f, limit)
	if err == nil {
		return res, nil
	}
	stmt = `SELECT id, ts_rank(ts, plainto_tsquery(to_regconfig($2), $1)) AS score,
                     left(text, 120) AS snippet, text, metadata
            FROM documents
            WHERE ts @@ plainto_tsquery(to_regconfig($2), $1)
              AND metadata @> $3
            ORDER BY score DESC
            LIMIT $4`
	return run(stmt, q, lang, f, limit)
}

func (p *pgSearch) GetByID(ctx context.Context, id string) (SearchResult, bool, error) {
    row := p.pool.QueryRow(ctx, `SELECT id, text, metadata FROM documents WHERE id=$1`, id)
    var r SearchResult
    var md map[string]string
    if err := row.Scan(&r.ID, &r.Text, &md); err != nil {
        if strings.Contains(err.Error(), "no rows") {
            return SearchResult{}, false, nil
        }
        return SearchResult{}, false, err
    }
    r.Metadata = md
    return r, true, nil
}

// SnippetForID returns a highlighted snippet using Postgres ts_headline.
func (p *pgSearch) SnippetForID(ctx context.Context, id, lang, query string) (string, bool, error) {
	stmt := `SELECT ts_headline(to_regconfig($2), text, websearch_to_tsquery(to_regconfig($2), $3)) FROM documents WHERE id=$1`
	var snip string
	if err := p.pool.QueryRow(ctx, stmt, id, lang, query).Scan(&snip); err != nil {
		if strings.Contains(err.Error(), "no rows") {
			return "", false, nil
		}
		return "", false, err
	}
	return snip, true, nil
}

// mapToJSON ensures we never return nil to the database layer; return an empty
// map when callers provide nil so INSERT/UPDATE won't try to write a SQL NULL
// into a NOT NULL JSONB column.
func mapToJSON(m map[string]string) map[string]string {
	if m == nil {
		return map[string]string{}
	}
	return m
}
