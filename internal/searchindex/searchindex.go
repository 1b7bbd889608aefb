// Package searchindex is the FTS5-backed inverted index over messages. It
// is a derived view: every row can be reconstructed from the metadata
// store, so Rebuild is always a safe recovery path.
package searchindex

import (
	"database/sql"
	"fmt"
	"html"
	"regexp"
	"strings"

	"github.com/aerostudio/mailcore/internal/database"
	"github.com/aerostudio/mailcore/internal/queryparser"
	"github.com/aerostudio/mailcore/internal/store"
)

// overfetchFactor compensates for thread-level dedup of message-level FTS
// hits: fetch this many times the requested limit before deduping.
const overfetchFactor = 3

// Document is the set of fields indexed for one message.
type Document struct {
	MessageID     string
	ThreadID      string
	AccountID     int64
	Subject       string
	BodyText      string
	Snippet       string
	FromName      string
	FromEmail     string
	To            string
	Cc            string
	Labels        []string
	ReceivedAtMs  int64
	IsUnread      bool
	IsStarred     bool
	HasAttachment bool
}

// HighlightSpan is a byte-offset range into a field's raw text marking a
// query-term match: 0 <= Start < End <= len(text).
type HighlightSpan struct {
	Start int
	End   int
}

// FieldHighlight is the set of match spans found within one named field of
// a result.
type FieldHighlight struct {
	Field string
	Spans []HighlightSpan
}

// Result is one search hit: the underlying thread, the raw match spans, and
// <mark>-wrapped convenience strings built from those spans.
type Result struct {
	Thread     store.Thread
	Highlights []FieldHighlight

	HighlightedSubject  string
	HighlightedSnippet  string
	HighlightedFromName string
}

// Index is the search index, backed by the same SQLite file as the
// metadata store (see fts_messages/fts_meta in the database migrations).
type Index struct {
	db *database.DB
}

// New wraps db for search index operations.
func New(db *database.DB) *Index {
	return &Index{db: db}
}

// Upsert indexes doc, replacing any existing document for the same
// message id.
func (idx *Index) Upsert(doc Document) error {
	tx, err := idx.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin index transaction: %w", err)
	}
	defer tx.Rollback()

	if err := deleteDocTx(tx, doc.MessageID); err != nil {
		return err
	}

	res, err := tx.Exec(`
		INSERT INTO fts_messages (message_id, subject, body_text, snippet, from_name, from_email, to_text, cc_text)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, doc.MessageID, doc.Subject, doc.BodyText, doc.Snippet, doc.FromName, doc.FromEmail, doc.To, doc.Cc)
	if err != nil {
		return fmt.Errorf("failed to insert fts row: %w", err)
	}
	rowid, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to read fts rowid: %w", err)
	}

	_, err = tx.Exec(`
		INSERT INTO fts_meta (message_id, thread_id, account_id, labels, received_at_ms, is_unread, is_starred, has_attachment, fts_rowid)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, doc.MessageID, doc.ThreadID, doc.AccountID, strings.Join(doc.Labels, ","), doc.ReceivedAtMs, doc.IsUnread, doc.IsStarred, doc.HasAttachment, rowid)
	if err != nil {
		return fmt.Errorf("failed to insert fts meta row: %w", err)
	}

	return tx.Commit()
}

func deleteDocTx(tx *sql.Tx, messageID string) error {
	var rowid sql.NullInt64
	err := tx.QueryRow(`SELECT fts_rowid FROM fts_meta WHERE message_id = ?`, messageID).Scan(&rowid)
	if err != nil && err != sql.ErrNoRows {
		return fmt.Errorf("failed to look up existing fts row: %w", err)
	}
	if rowid.Valid {
		if _, err := tx.Exec(`DELETE FROM fts_messages WHERE rowid = ?`, rowid.Int64); err != nil {
			return fmt.Errorf("failed to delete fts row: %w", err)
		}
	}
	if _, err := tx.Exec(`DELETE FROM fts_meta WHERE message_id = ?`, messageID); err != nil {
		return fmt.Errorf("failed to delete fts meta row: %w", err)
	}
	return nil
}

// DeleteThread removes every indexed message belonging to threadID.
func (idx *Index) DeleteThread(threadID string) error {
	tx, err := idx.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin index transaction: %w", err)
	}
	defer tx.Rollback()

	rows, err := tx.Query(`SELECT message_id FROM fts_meta WHERE thread_id = ?`, threadID)
	if err != nil {
		return fmt.Errorf("failed to list thread documents: %w", err)
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return fmt.Errorf("failed to scan document id: %w", err)
		}
		ids = append(ids, id)
	}
	rows.Close()

	for _, id := range ids {
		if err := deleteDocTx(tx, id); err != nil {
			return err
		}
	}

	return tx.Commit()
}

// Commit is a no-op placeholder for backends whose reader needs an
// explicit refresh; SQLite FTS5 reads are always consistent with the last
// write on the same connection, so there's nothing to flush here. Kept so
// callers that checkpoint after a batch of Upserts have one call to make
// regardless of backend.
func (idx *Index) Commit() error {
	return nil
}

// Search runs a parsed query and returns at most limit thread-deduplicated
// results, ordered by FTS5 relevance (bm25) when the query has free terms
// and by newest received_at_ms first otherwise.
func (idx *Index) Search(q queryparser.ParsedQuery, accountID *int64, limit int, metaStore *store.Store) ([]Result, error) {
	matchExpr := buildMatchExpr(q)

	conds := []string{}
	args := []interface{}{}

	if matchExpr != "" {
		conds = append(conds, "fts_messages MATCH ?")
		args = append(args, matchExpr)
	}
	for _, from := range q.From {
		conds = append(conds, "fts_messages.from_email LIKE ?")
		args = append(args, "%"+from+"%")
	}
	for _, to := range q.To {
		conds = append(conds, "fts_messages.to_text LIKE ?")
		args = append(args, "%"+to+"%")
	}
	for _, subject := range q.Subject {
		conds = append(conds, "fts_messages.subject LIKE ?")
		args = append(args, "%"+subject+"%")
	}
	if q.InLabel != "" {
		conds = append(conds, "(',' || fts_meta.labels || ',') LIKE ?")
		args = append(args, "%,"+q.InLabel+",%")
	}
	if q.IsUnread != nil {
		if *q.IsUnread {
			conds = append(conds, "fts_meta.is_unread = 1")
		} else {
			conds = append(conds, "fts_meta.is_unread = 0")
		}
	}
	if q.IsStarred {
		conds = append(conds, "fts_meta.is_starred = 1")
	}
	if q.HasAttachment {
		conds = append(conds, "fts_meta.has_attachment = 1")
	}
	if q.Before != nil {
		conds = append(conds, "fts_meta.received_at_ms < ?")
		args = append(args, q.Before.UnixMilli())
	}
	if q.After != nil {
		conds = append(conds, "fts_meta.received_at_ms > ?")
		args = append(args, q.After.UnixMilli())
	}
	if accountID != nil {
		conds = append(conds, "fts_meta.account_id = ?")
		args = append(args, *accountID)
	}

	sqlQuery := `
		SELECT fts_meta.thread_id, fts_messages.subject, fts_messages.snippet, fts_messages.from_name
		FROM fts_messages
		JOIN fts_meta ON fts_meta.fts_rowid = fts_messages.rowid
	`
	if len(conds) > 0 {
		sqlQuery += " WHERE " + strings.Join(conds, " AND ")
	}
	if matchExpr != "" {
		sqlQuery += " ORDER BY bm25(fts_messages)"
	} else {
		sqlQuery += " ORDER BY fts_meta.received_at_ms DESC"
	}
	sqlQuery += " LIMIT ?"
	args = append(args, limit*overfetchFactor)

	rows, err := idx.db.Query(sqlQuery, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to execute search: %w", err)
	}
	defer rows.Close()

	seen := map[string]bool{}
	highlightTerms := highlightableTerms(q)
	var results []Result
	for rows.Next() {
		var threadID, subject, snippet, fromName string
		if err := rows.Scan(&threadID, &subject, &snippet, &fromName); err != nil {
			return nil, fmt.Errorf("failed to scan search row: %w", err)
		}
		if seen[threadID] {
			continue
		}
		seen[threadID] = true

		thread, err := metaStore.GetThread(threadID)
		if err != nil {
			return nil, err
		}
		if thread == nil {
			continue
		}

		var highlights []FieldHighlight
		if spans := findSpans(subject, highlightTerms); len(spans) > 0 {
			highlights = append(highlights, FieldHighlight{Field: "subject", Spans: spans})
		}
		if spans := findSpans(snippet, highlightTerms); len(spans) > 0 {
			highlights = append(highlights, FieldHighlight{Field: "snippet", Spans: spans})
		}
		if spans := findSpans(fromName, highlightTerms); len(spans) > 0 {
			highlights = append(highlights, FieldHighlight{Field: "from_name", Spans: spans})
		}

		results = append(results, Result{
			Thread:              *thread,
			Highlights:          highlights,
			HighlightedSubject:  highlightMatches(subject, highlightTerms),
			HighlightedSnippet:  highlightMatches(snippet, highlightTerms),
			HighlightedFromName: highlightMatches(fromName, highlightTerms),
		})
		if len(results) >= limit {
			break
		}
	}

	return results, rows.Err()
}

// Rebuild clears the index entirely; reindexing is the caller's
// responsibility (it needs access to bodies in the blob store).
func (idx *Index) Rebuild() error {
	tx, err := idx.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin rebuild transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`DELETE FROM fts_messages`); err != nil {
		return fmt.Errorf("failed to clear fts_messages: %w", err)
	}
	if _, err := tx.Exec(`DELETE FROM fts_meta`); err != nil {
		return fmt.Errorf("failed to clear fts_meta: %w", err)
	}
	return tx.Commit()
}

// buildMatchExpr turns free terms into an FTS5 MATCH expression,
// quoting each term and appending a prefix wildcard for partial matches,
// the same escaping the teacher's prepareFTSQuery does.
func buildMatchExpr(q queryparser.ParsedQuery) string {
	if len(q.Terms) == 0 {
		return ""
	}
	var parts []string
	for _, term := range q.Terms {
		escaped := strings.ReplaceAll(term, `"`, `""`)
		parts = append(parts, `"`+escaped+`"*`)
	}
	return strings.Join(parts, " ")
}

func highlightableTerms(q queryparser.ParsedQuery) []string {
	terms := append([]string{}, q.Terms...)
	terms = append(terms, q.From...)
	terms = append(terms, q.Subject...)
	return terms
}

// highlightRegexp compiles a case-insensitive alternation matching any of
// terms, or nil if terms yields no usable pattern.
func highlightRegexp(terms []string) *regexp.Regexp {
	var patterns []string
	for _, term := range terms {
		if term == "" {
			continue
		}
		patterns = append(patterns, regexp.QuoteMeta(term))
	}
	if len(patterns) == 0 {
		return nil
	}
	re, err := regexp.Compile("(?i)(" + strings.Join(patterns, "|") + ")")
	if err != nil {
		return nil
	}
	return re
}

// findSpans locates every match of terms within the raw (unescaped) text and
// returns their byte offsets, satisfying 0 <= Start < End <= len(text).
func findSpans(text string, terms []string) []HighlightSpan {
	re := highlightRegexp(terms)
	if re == nil {
		return nil
	}
	var spans []HighlightSpan
	for _, loc := range re.FindAllStringIndex(text, -1) {
		spans = append(spans, HighlightSpan{Start: loc[0], End: loc[1]})
	}
	return spans
}

// highlightMatches wraps matching terms in <mark> tags, HTML-escaping the
// source text first so the markup can't be used to inject HTML.
func highlightMatches(text string, terms []string) string {
	escaped := html.EscapeString(text)
	re := highlightRegexp(terms)
	if re == nil {
		return escaped
	}
	return re.ReplaceAllStringFunc(escaped, func(match string) string {
		return "<mark>" + match + "</mark>"
	})
}

