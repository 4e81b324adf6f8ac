package store

import (
	"strings"
	"time"
)

// SearchResult is one full-text hit. Snippet wraps matched terms in the
// «hit»…«/hit» markers; rendering is up to the caller.
type SearchResult struct {
	ID        string    `json:"id"`
	To        string    `json:"to"`
	From      string    `json:"from"`
	Subject   string    `json:"subject"`
	Snippet   string    `json:"snippet"`
	Timestamp time.Time `json:"timestamp"`
	Rank      float64   `json:"rank"`
}

// SearchOptions narrows a full-text query.
type SearchOptions struct {
	// Address restricts hits to one mailbox when non-empty.
	Address string
	// Limit caps the result count; 0 means the default of 50.
	Limit int
}

// SearchFullText runs the query against the FTS index. The grammar
// supports AND/OR/NOT (any case), quoted phrases, prefix terms (word*)
// and field prefixes to:, from:, subject:, body:. On non-sqlite drivers
// the search degrades to a LIKE scan with rank 0.
func (s *Store) SearchFullText(query string, opts SearchOptions) ([]SearchResult, error) {
	limit := opts.Limit
	if limit <= 0 {
		limit = 50
	}
	if strings.TrimSpace(query) == "" {
		return nil, nil
	}

	if s.db.Dialector.Name() != "sqlite" {
		return s.searchLike(query, opts.Address, limit)
	}

	match := rewriteQuery(query)
	sql := `
		SELECT e.id, e.to_address, e.from_address, e.subject,
		       snippet(emails_fts, -1, '«hit»', '«/hit»', '…', 12) AS snippet,
		       e.timestamp, bm25(emails_fts) AS rank
		FROM emails_fts
		JOIN emails e ON e.rowid = emails_fts.rowid
		WHERE emails_fts MATCH ?`
	args := []interface{}{match}
	if opts.Address != "" {
		sql += ` AND e.to_address = ?`
		args = append(args, opts.Address)
	}
	sql += ` ORDER BY rank LIMIT ?`
	args = append(args, limit)

	var results []SearchResult
	rows, err := s.db.Raw(sql, args...).Rows()
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var r SearchResult
		if err := rows.Scan(&r.ID, &r.To, &r.From, &r.Subject, &r.Snippet, &r.Timestamp, &r.Rank); err != nil {
			return nil, err
		}
		results = append(results, r)
	}
	return results, rows.Err()
}

// searchLike is the degraded path for postgres/mysql connections.
func (s *Store) searchLike(query, addr string, limit int) ([]SearchResult, error) {
	pattern := "%" + strings.Trim(query, `"* `) + "%"
	q := s.db.Table("emails").
		Select("id, to_address, from_address, subject, subject AS snippet, timestamp, 0 AS rank").
		Where("subject LIKE ? OR body LIKE ? OR from_address LIKE ? OR to_address LIKE ?",
			pattern, pattern, pattern, pattern).
		Order("timestamp DESC").
		Limit(limit)
	if addr != "" {
		q = q.Where("to_address = ?", addr)
	}
	var results []SearchResult
	rows, err := q.Rows()
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var r SearchResult
		if err := rows.Scan(&r.ID, &r.To, &r.From, &r.Subject, &r.Snippet, &r.Timestamp, &r.Rank); err != nil {
			return nil, err
		}
		results = append(results, r)
	}
	return results, rows.Err()
}

// fieldColumns maps user-facing field prefixes to FTS column names.
var fieldColumns = map[string]string{
	"to":      "to_address",
	"from":    "from_address",
	"subject": "subject",
	"body":    "body",
}

// rewriteQuery turns the user-facing grammar into a valid FTS5 MATCH
// expression: field prefixes become column filters, lowercase boolean
// operators are uppercased and bare terms are quoted so punctuation in
// the query cannot become FTS5 syntax. A trailing * survives quoting as
// a prefix token ("term"*).
func rewriteQuery(query string) string {
	var out []string
	for _, tok := range tokenize(query) {
		switch strings.ToUpper(tok) {
		case "AND", "OR", "NOT":
			out = append(out, strings.ToUpper(tok))
			continue
		}

		var prefix string
		term := tok
		if field, rest, ok := strings.Cut(tok, ":"); ok {
			if col, known := fieldColumns[strings.ToLower(field)]; known && rest != "" {
				prefix = col + ":"
				term = rest
			}
		}

		if strings.HasPrefix(term, `"`) {
			// Already a phrase; keep as-is (tokenize balanced the quotes).
			out = append(out, prefix+term)
			continue
		}
		if stem, ok := strings.CutSuffix(term, "*"); ok && stem != "" {
			out = append(out, prefix+quoteTerm(stem)+"*")
			continue
		}
		out = append(out, prefix+quoteTerm(term))
	}
	return strings.Join(out, " ")
}

func quoteTerm(term string) string {
	return `"` + strings.ReplaceAll(term, `"`, `""`) + `"`
}

// tokenize splits on whitespace while keeping double-quoted phrases (and
// field:"quoted phrase" forms) together. Unbalanced quotes are closed at
// the end of input.
func tokenize(query string) []string {
	var (
		tokens  []string
		current strings.Builder
		inQuote bool
	)
	for _, r := range query {
		switch {
		case r == '"':
			inQuote = !inQuote
			current.WriteRune(r)
		case !inQuote && (r == ' ' || r == '\t' || r == '\n' || r == '\r'):
			if current.Len() > 0 {
				tokens = append(tokens, current.String())
				current.Reset()
			}
		default:
			current.WriteRune(r)
		}
	}
	if inQuote {
		current.WriteRune('"')
	}
	if current.Len() > 0 {
		tokens = append(tokens, current.String())
	}
	return tokens
}
