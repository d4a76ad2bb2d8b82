package search

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
)

// PgFTS implements Searcher using PostgreSQL full-text search as a fallback.
type PgFTS struct {
	db *sql.DB
}

// NewPgFTS creates a PostgreSQL FTS searcher.
func NewPgFTS(db *sql.DB) *PgFTS {
	return &PgFTS{db: db}
}

// Healthy always returns true; if Postgres is down, the whole app is down.
func (p *PgFTS) Healthy() bool {
	return true
}

// Search executes a UNION ALL query across document_changes and
// document_comments using plainto_tsquery and ts_rank, with ts_headline for
// snippets.
func (p *PgFTS) Search(q Query) ([]Result, int, error) {
	if strings.TrimSpace(q.Text) == "" {
		return nil, 0, nil
	}

	limit := q.Limit
	if limit <= 0 {
		limit = 20
	}
	offset := q.Offset
	if offset < 0 {
		offset = 0
	}

	tsQuery := "plainto_tsquery('english', $1)"
	args := []any{q.Text}
	argN := 2

	var subQueries []string

	if q.FilterType == "" || q.FilterType == ResultChange {
		where := "c.fts @@ " + tsQuery
		if q.FilterContractID != "" {
			where += fmt.Sprintf(" AND v.contract_id = $%d", argN)
			args = append(args, q.FilterContractID)
			argN++
		}
		subQueries = append(subQueries, fmt.Sprintf(`
			SELECT 'change'::text AS type, c.id, c.change_type AS title,
				ts_headline('english', coalesce(nullif(c.after_text, ''), c.before_text), %s, 'MaxFragments=1,MaxWords=30') AS snippet,
				v.contract_id, c.category, c.status,
				ts_rank(c.fts, %s) AS rank
			FROM document_changes c
			JOIN document_comparisons cp ON cp.id = c.comparison_id
			JOIN document_versions v ON v.id = cp.target_version_id
			WHERE %s`, tsQuery, tsQuery, where))
	}

	if q.FilterType == "" || q.FilterType == ResultComment {
		where := "m.fts @@ " + tsQuery + " AND m.status <> 'deleted'"
		if q.FilterContractID != "" {
			where += fmt.Sprintf(" AND v.contract_id = $%d", argN)
			args = append(args, q.FilterContractID)
			argN++
		}
		subQueries = append(subQueries, fmt.Sprintf(`
			SELECT 'comment'::text AS type, m.id, m.author AS title,
				ts_headline('english', coalesce(m.body, ''), %s, 'MaxFragments=1,MaxWords=30') AS snippet,
				v.contract_id, ''::text AS category, m.status,
				ts_rank(m.fts, %s) AS rank
			FROM document_comments m
			JOIN document_versions v ON v.id = m.version_id
			WHERE %s`, tsQuery, tsQuery, where))
	}

	if len(subQueries) == 0 {
		return nil, 0, nil
	}

	countSQL := fmt.Sprintf("SELECT count(*) FROM (%s) sub",
		strings.Join(subQueries, " UNION ALL "))

	dataSQL := fmt.Sprintf(`SELECT type, id, title, snippet, contract_id, category, status
		FROM (%s) sub
		ORDER BY rank DESC
		LIMIT %d OFFSET %d`,
		strings.Join(subQueries, " UNION ALL "),
		limit, offset)

	ctx := context.Background()

	var total int
	if err := p.db.QueryRowContext(ctx, countSQL, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("pgfts count: %w", err)
	}

	rows, err := p.db.QueryContext(ctx, dataSQL, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("pgfts query: %w", err)
	}
	defer rows.Close()

	var results []Result
	for rows.Next() {
		var r Result
		var typ string
		if err := rows.Scan(&typ, &r.ID, &r.Title, &r.Snippet, &r.ContractID, &r.Category, &r.Status); err != nil {
			return nil, 0, fmt.Errorf("pgfts scan: %w", err)
		}
		r.Type = ResultType(typ)
		results = append(results, r)
	}

	return results, total, rows.Err()
}

// LoadAllRecords returns all searchable records for full reindexing.
func (p *PgFTS) LoadAllRecords(ctx context.Context) ([]ChangeRecord, []CommentRecord, error) {
	changeRows, err := p.db.QueryContext(ctx, `
		SELECT c.id, c.change_type, c.category, c.status, c.before_text, c.after_text, v.contract_id
		FROM document_changes c
		JOIN document_comparisons cp ON cp.id = c.comparison_id
		JOIN document_versions v ON v.id = cp.target_version_id
	`)
	if err != nil {
		return nil, nil, fmt.Errorf("load changes: %w", err)
	}
	defer changeRows.Close()

	changes := make([]ChangeRecord, 0)
	for changeRows.Next() {
		var c ChangeRecord
		if err := changeRows.Scan(&c.ID, &c.ChangeType, &c.Category, &c.Status, &c.BeforeText, &c.AfterText, &c.ContractID); err != nil {
			return nil, nil, fmt.Errorf("scan change: %w", err)
		}
		changes = append(changes, c)
	}
	if err := changeRows.Err(); err != nil {
		return nil, nil, fmt.Errorf("iterate changes: %w", err)
	}

	commentRows, err := p.db.QueryContext(ctx, `
		SELECT m.id, m.author, m.body, m.status, v.contract_id
		FROM document_comments m
		JOIN document_versions v ON v.id = m.version_id
		WHERE m.status <> 'deleted'
	`)
	if err != nil {
		return nil, nil, fmt.Errorf("load comments: %w", err)
	}
	defer commentRows.Close()

	comments := make([]CommentRecord, 0)
	for commentRows.Next() {
		var c CommentRecord
		if err := commentRows.Scan(&c.ID, &c.Author, &c.Body, &c.Status, &c.ContractID); err != nil {
			return nil, nil, fmt.Errorf("scan comment: %w", err)
		}
		comments = append(comments, c)
	}
	if err := commentRows.Err(); err != nil {
		return nil, nil, fmt.Errorf("iterate comments: %w", err)
	}

	return changes, comments, nil
}
