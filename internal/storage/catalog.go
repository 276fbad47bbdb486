package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/pgvector/pgvector-go"
)

// --- Ingestion ---

// InsertRecords inserts source records, computing missing ids. Records that
// already exist are left untouched, so re-ingesting a dump is a no-op.
// Derived columns are never written here.
func (s *Store) InsertRecords(ctx context.Context, records []Record) (int, error) {
	if len(records) == 0 {
		return 0, nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("beginning insert transaction: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx, s.dialect.rebind(`
		INSERT INTO catalog (id, title, author, description, publisher, format, published_at,
			collection, ean, isbn, pages, weight, presentation, width, height, depth, labels, image_url)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO NOTHING`))
	if err != nil {
		tx.Rollback()
		return 0, fmt.Errorf("preparing insert statement: %w", err)
	}
	defer stmt.Close()

	inserted := 0
	for _, r := range records {
		if r.ID == "" {
			r.ID = RecordID(r)
		}
		labels := r.Labels
		if labels == nil {
			labels = []string{}
		}
		labelsJSON, err := json.Marshal(labels)
		if err != nil {
			tx.Rollback()
			return 0, fmt.Errorf("encoding labels for %s: %w", r.ID, err)
		}
		var publishedAt any
		if !r.PublishedAt.IsZero() {
			publishedAt = r.PublishedAt.UnixMilli()
		}
		res, err := stmt.ExecContext(ctx,
			r.ID, r.Title, r.Author, r.Description, r.Publisher, nullString(r.Format), publishedAt,
			nullString(r.Collection), nullString(r.EAN), nullString(r.ISBN), nullInt(r.Pages),
			nullFloat(r.Weight), nullString(r.Presentation), nullFloat(r.Width), nullFloat(r.Height),
			nullFloat(r.Depth), string(labelsJSON), nullString(r.ImageURL),
		)
		if err != nil {
			tx.Rollback()
			return 0, fmt.Errorf("inserting record %s: %w", r.ID, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			tx.Rollback()
			return 0, fmt.Errorf("checking inserted rows: %w", err)
		}
		inserted += int(n)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("committing inserts: %w", err)
	}
	return inserted, nil
}

// --- Row selection ---

const rowColumns = `id, title, author, description, COALESCE(image_url, ''), embedding, tfidf, utils`

// SelectDue returns the rows that need recomputation for sel, ordered by id.
// An empty result is not an error.
func (s *Store) SelectDue(ctx context.Context, sel Selection) ([]Row, error) {
	query, err := s.selectQuery(sel)
	if err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("selecting due rows: %w", err)
	}
	defer rows.Close()

	var results []Row
	for rows.Next() {
		r, err := scanRow(rows)
		if err != nil {
			return nil, err
		}
		results = append(results, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating due rows: %w", err)
	}
	return results, nil
}

func (s *Store) selectQuery(sel Selection) (string, error) {
	if len(sel.Kinds) == 0 {
		return "", fmt.Errorf("selection names no artifact kind")
	}
	preds := make([]string, 0, len(sel.Kinds))
	for _, k := range sel.Kinds {
		p, err := s.dialect.duePredicate(k, sel.Full)
		if err != nil {
			return "", err
		}
		preds = append(preds, p)
	}
	return "SELECT " + rowColumns + " FROM catalog WHERE " + strings.Join(preds, " OR ") + " ORDER BY id", nil
}

// GetRow returns one row by id.
func (s *Store) GetRow(ctx context.Context, id string) (Row, error) {
	rows, err := s.db.QueryContext(ctx, s.dialect.rebind("SELECT "+rowColumns+" FROM catalog WHERE id = ?"), id)
	if err != nil {
		return Row{}, err
	}
	defer rows.Close()
	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return Row{}, err
		}
		return Row{}, ErrNotFound
	}
	return scanRow(rows)
}

func scanRow(rows *sql.Rows) (Row, error) {
	var r Row
	var embedding, tfidf, utils sql.NullString
	if err := rows.Scan(&r.ID, &r.Title, &r.Author, &r.Description, &r.ImageURL, &embedding, &tfidf, &utils); err != nil {
		return Row{}, fmt.Errorf("scanning row: %w", err)
	}
	var err error
	if r.Derived.Embedding, err = decodeVector(embedding); err != nil {
		return Row{}, fmt.Errorf("decoding embedding for %s: %w", r.ID, err)
	}
	if r.Derived.TFIDF, err = decodeVector(tfidf); err != nil {
		return Row{}, fmt.Errorf("decoding tfidf for %s: %w", r.ID, err)
	}
	if utils.Valid && utils.String != "" {
		if err := json.Unmarshal([]byte(utils.String), &r.Derived.Flags); err != nil {
			return Row{}, fmt.Errorf("decoding utils for %s: %w", r.ID, err)
		}
	}
	return r, nil
}

// --- Training corpora ---

// Corpus returns the combined text of every record, ordered by id.
func (s *Store) Corpus(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT description, title FROM catalog ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("querying corpus: %w", err)
	}
	defer rows.Close()

	var texts []string
	for rows.Next() {
		var r Row
		if err := rows.Scan(&r.Description, &r.Title); err != nil {
			return nil, fmt.Errorf("scanning corpus row: %w", err)
		}
		texts = append(texts, r.Text())
	}
	return texts, rows.Err()
}

// TFIDFVectors returns every computed tfidf vector, ordered by id.
func (s *Store) TFIDFVectors(ctx context.Context) ([][]float32, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, tfidf FROM catalog WHERE tfidf IS NOT NULL ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("querying tfidf vectors: %w", err)
	}
	defer rows.Close()

	var vectors [][]float32
	for rows.Next() {
		var id string
		var raw sql.NullString
		if err := rows.Scan(&id, &raw); err != nil {
			return nil, fmt.Errorf("scanning tfidf row: %w", err)
		}
		v, err := decodeVector(raw)
		if err != nil {
			return nil, fmt.Errorf("decoding tfidf for %s: %w", id, err)
		}
		vectors = append(vectors, v)
	}
	return vectors, rows.Err()
}

// Stats counts rows per derivation state.
func (s *Store) Stats(ctx context.Context) (Stats, error) {
	var st Stats
	query := `SELECT COUNT(*),
		COUNT(embedding),
		COUNT(tfidf),
		SUM(CASE WHEN ` + s.dialect.clusterCount + ` THEN 1 ELSE 0 END),
		SUM(CASE WHEN ` + s.dialect.imageCount + ` THEN 1 ELSE 0 END)
		FROM catalog`
	var clustered, images sql.NullInt64
	if err := s.db.QueryRowContext(ctx, query).Scan(&st.Total, &st.Embedded, &st.Vectorized, &clustered, &images); err != nil {
		return Stats{}, fmt.Errorf("counting rows: %w", err)
	}
	st.Clustered = int(clustered.Int64)
	st.Images = int(images.Int64)
	return st, nil
}

// --- Vector encoding ---

// encodeVector renders v in the bracketed text form "[v1,v2,...]" that both
// backends store.
func encodeVector(v []float32) any {
	if v == nil {
		return nil
	}
	return pgvector.NewVector(v)
}

func decodeVector(s sql.NullString) ([]float32, error) {
	if !s.Valid || s.String == "" {
		return nil, nil
	}
	var v pgvector.Vector
	if err := v.Parse(s.String); err != nil {
		return nil, err
	}
	return v.Slice(), nil
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullInt(i int) any {
	if i == 0 {
		return nil
	}
	return i
}

func nullFloat(f float64) any {
	if f == 0 {
		return nil
	}
	return f
}
