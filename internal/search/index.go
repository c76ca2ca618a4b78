package search

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	_ "modernc.org/sqlite"
)

// Result is one full-text search hit. Snippet contains the matched body
// fragment with <mark> tags around the query terms.
type Result struct {
	DocID   string  `json:"docId"`
	Title   string  `json:"title"`
	Folder  string  `json:"folder"`
	Snippet string  `json:"snippet"`
	Score   float64 `json:"score"`
}

// Index is a full-text index over document titles and bodies, backed by a
// SQLite FTS5 table. All methods are safe for concurrent use.
type Index struct {
	mu sync.Mutex
	db *sql.DB
}

// Open opens (or creates) a file-backed index at path.
func Open(path string) (*Index, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("search: creating index dir: %w", err)
	}
	return open(fmt.Sprintf("file:%s", path))
}

// OpenInMemory opens a throwaway index, used by tests and by deployments
// that accept re-seeding the index on every start.
func OpenInMemory() (*Index, error) {
	return open(":memory:")
}

func open(dsn string) (*Index, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("search: opening index: %w", err)
	}
	// A single connection keeps the in-memory variant coherent; the index
	// serializes access through its own mutex anyway.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(
		`CREATE VIRTUAL TABLE IF NOT EXISTS docs USING fts5(
			doc_id UNINDEXED,
			title,
			folder UNINDEXED,
			body
		)`,
	); err != nil {
		db.Close()
		return nil, fmt.Errorf("search: creating fts table: %w", err)
	}
	return &Index{db: db}, nil
}

// Add indexes a document, replacing any previous entry with the same ID.
func (ix *Index) Add(docID, title, folder, body string) error {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	if _, err := ix.db.Exec(`DELETE FROM docs WHERE doc_id = ?`, docID); err != nil {
		return fmt.Errorf("search: clearing %s: %w", docID, err)
	}
	if _, err := ix.db.Exec(
		`INSERT INTO docs (doc_id, title, folder, body) VALUES (?, ?, ?, ?)`,
		docID, title, folder, body,
	); err != nil {
		return fmt.Errorf("search: indexing %s: %w", docID, err)
	}
	return nil
}

// Remove deletes a document from the index. Removing an unindexed
// document is not an error.
func (ix *Index) Remove(docID string) error {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	if _, err := ix.db.Exec(`DELETE FROM docs WHERE doc_id = ?`, docID); err != nil {
		return fmt.Errorf("search: removing %s: %w", docID, err)
	}
	return nil
}

// Count returns the number of indexed documents.
func (ix *Index) Count() (int, error) {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	var n int
	if err := ix.db.QueryRow(`SELECT count(*) FROM docs`).Scan(&n); err != nil {
		return 0, fmt.Errorf("search: counting docs: %w", err)
	}
	return n, nil
}

// Search runs a full-text query over titles and bodies, best matches
// first. An empty or whitespace-only query returns no results.
func (ix *Index) Search(query string, limit int) ([]Result, error) {
	match := ftsQuery(query)
	if match == "" {
		return nil, nil
	}
	if limit <= 0 {
		limit = 20
	}
	ix.mu.Lock()
	defer ix.mu.Unlock()
	rows, err := ix.db.Query(
		`SELECT doc_id, title, folder,
		        snippet(docs, 3, '<mark>', '</mark>', '…', 16),
		        bm25(docs)
		 FROM docs WHERE docs MATCH ?
		 ORDER BY bm25(docs) LIMIT ?`,
		match, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("search: query %q: %w", query, err)
	}
	defer rows.Close()
	var results []Result
	for rows.Next() {
		var r Result
		if err := rows.Scan(&r.DocID, &r.Title, &r.Folder, &r.Snippet, &r.Score); err != nil {
			return nil, fmt.Errorf("search: scanning result: %w", err)
		}
		results = append(results, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("search: reading results: %w", err)
	}
	return results, nil
}

func (ix *Index) Close() error {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	return ix.db.Close()
}

// ftsQuery turns free-form user input into an FTS5 match expression by
// quoting each whitespace-separated term, so punctuation in the input
// cannot be parsed as query syntax.
func ftsQuery(query string) string {
	terms := strings.Fields(query)
	quoted := make([]string, 0, len(terms))
	for _, term := range terms {
		quoted = append(quoted, `"`+strings.ReplaceAll(term, `"`, `""`)+`"`)
	}
	return strings.Join(quoted, " ")
}
