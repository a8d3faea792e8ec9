package memory

import (
	"context"
	"database/sql"
	"encoding/binary"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"

	_ "modernc.org/sqlite"
)

// Store persists the document index and embeddings in one SQLite
// database. The documents table's content_hash column is the source of
// truth for change detection.
type Store struct {
	db   *sql.DB
	dims int
}

// Open creates or opens the memory database. dims fixes the embedding
// width; stored vectors of a different width are treated as corrupt.
func Open(path string, dims int) (*Store, error) {
	if dir := filepath.Dir(path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create db directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open memory database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	for _, pragma := range []string{
		"PRAGMA busy_timeout = 5000",
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("apply %q: %w", pragma, err)
		}
	}

	schema := `
CREATE TABLE IF NOT EXISTS documents (
	id TEXT PRIMARY KEY,
	path TEXT NOT NULL,
	content TEXT NOT NULL,
	content_hash TEXT NOT NULL,
	updated_at TEXT NOT NULL DEFAULT (datetime('now'))
);

CREATE VIRTUAL TABLE IF NOT EXISTS documents_fts USING fts5(
	content, path,
	content='documents', content_rowid='rowid'
);

CREATE TRIGGER IF NOT EXISTS documents_ai AFTER INSERT ON documents BEGIN
	INSERT INTO documents_fts(rowid, content, path)
	VALUES (new.rowid, new.content, new.path);
END;

CREATE TRIGGER IF NOT EXISTS documents_ad AFTER DELETE ON documents BEGIN
	INSERT INTO documents_fts(documents_fts, rowid, content, path)
	VALUES ('delete', old.rowid, old.content, old.path);
END;

CREATE TRIGGER IF NOT EXISTS documents_au AFTER UPDATE ON documents BEGIN
	INSERT INTO documents_fts(documents_fts, rowid, content, path)
	VALUES ('delete', old.rowid, old.content, old.path);
	INSERT INTO documents_fts(rowid, content, path)
	VALUES (new.rowid, new.content, new.path);
END;

CREATE TABLE IF NOT EXISTS vectors (
	id TEXT PRIMARY KEY,
	embedding BLOB NOT NULL
);`
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("initialize schema: %w", err)
	}

	return &Store{db: db, dims: dims}, nil
}

// Close releases the database handle.
func (s *Store) Close() error { return s.db.Close() }

// Document is one indexed file.
type Document struct {
	ID          string
	Path        string
	Content     string
	ContentHash string
}

// IndexDocument upserts a document; the FTS triggers keep the search
// table in sync.
func (s *Store) IndexDocument(ctx context.Context, doc *Document) error {
	_, err := s.db.ExecContext(ctx, `
INSERT INTO documents (id, path, content, content_hash)
VALUES (?, ?, ?, ?)
ON CONFLICT(id) DO UPDATE SET
	path = excluded.path,
	content = excluded.content,
	content_hash = excluded.content_hash,
	updated_at = datetime('now')`,
		doc.ID, doc.Path, doc.Content, doc.ContentHash)
	if err != nil {
		return fmt.Errorf("index document %s: %w", doc.ID, err)
	}
	return nil
}

// RemoveDocument deletes a document and its embedding.
func (s *Store) RemoveDocument(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, "DELETE FROM documents WHERE id = ?", id); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, "DELETE FROM vectors WHERE id = ?", id)
	return err
}

// ContentHash returns the stored hash for a document, or "" when the
// document is not indexed.
func (s *Store) ContentHash(ctx context.Context, id string) (string, error) {
	var hash string
	err := s.db.QueryRowContext(ctx,
		"SELECT content_hash FROM documents WHERE id = ?", id).Scan(&hash)
	if err == sql.ErrNoRows {
		return "", nil
	}
	return hash, err
}

// GetDocument returns a stored document, or false when the id is not
// indexed.
func (s *Store) GetDocument(ctx context.Context, id string) (*Document, bool, error) {
	doc := &Document{ID: id}
	err := s.db.QueryRowContext(ctx,
		"SELECT path, content, content_hash FROM documents WHERE id = ?", id).
		Scan(&doc.Path, &doc.Content, &doc.ContentHash)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return doc, true, nil
}

// DocumentIDs lists every indexed document.
func (s *Store) DocumentIDs(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT id FROM documents ORDER BY id")
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// Ranked is one scored search hit.
type Ranked struct {
	ID    string
	Score float64
}

// SearchText runs a BM25-ranked FTS query. SQLite's bm25() returns
// lower-is-better scores, so ascending order is best-first.
func (s *Store) SearchText(ctx context.Context, query string, limit int) ([]Ranked, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT d.id, bm25(documents_fts) AS score
FROM documents_fts f
JOIN documents d ON d.rowid = f.rowid
WHERE documents_fts MATCH ?
ORDER BY score
LIMIT ?`, query, limit)
	if err != nil {
		return nil, fmt.Errorf("fts search: %w", err)
	}
	defer rows.Close()

	var out []Ranked
	for rows.Next() {
		var r Ranked
		if err := rows.Scan(&r.ID, &r.Score); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// UpsertVector stores a document embedding as a little-endian float32
// blob.
func (s *Store) UpsertVector(ctx context.Context, id string, embedding []float32) error {
	if len(embedding) != s.dims {
		return fmt.Errorf("dimension mismatch: expected %d, got %d", s.dims, len(embedding))
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO vectors (id, embedding) VALUES (?, ?)
ON CONFLICT(id) DO UPDATE SET embedding = excluded.embedding`,
		id, encodeVector(embedding))
	return err
}

// SearchVector brute-force scans every stored embedding and returns
// the top matches by cosine similarity, descending. Blobs of the wrong
// width are skipped.
func (s *Store) SearchVector(ctx context.Context, query []float32, limit int) ([]Ranked, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT id, embedding FROM vectors")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var scored []Ranked
	for rows.Next() {
		var id string
		var blob []byte
		if err := rows.Scan(&id, &blob); err != nil {
			return nil, err
		}
		emb, err := decodeVector(blob, s.dims)
		if err != nil {
			continue
		}
		scored = append(scored, Ranked{ID: id, Score: float64(CosineSimilarity(query, emb))})
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	sort.Slice(scored, func(i, j int) bool {
		if scored[i].Score != scored[j].Score {
			return scored[i].Score > scored[j].Score
		}
		return scored[i].ID < scored[j].ID
	})
	if len(scored) > limit {
		scored = scored[:limit]
	}
	return scored, nil
}

func encodeVector(embedding []float32) []byte {
	buf := make([]byte, len(embedding)*4)
	for i, f := range embedding {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(f))
	}
	return buf
}

func decodeVector(blob []byte, dims int) ([]float32, error) {
	if len(blob) != dims*4 {
		return nil, fmt.Errorf("dimension mismatch: expected %d bytes, got %d", dims*4, len(blob))
	}
	out := make([]float32, dims)
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(blob[i*4:]))
	}
	return out, nil
}
