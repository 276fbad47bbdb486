package storage

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"strings"
	"time"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// Kind names a family of derived data kept in sync by the pipeline.
type Kind string

const (
	KindEmbedding Kind = "embedding"
	KindTFIDF     Kind = "tfidf"
	KindCluster   Kind = "cluster"
	KindImage     Kind = "image"
)

// Kinds lists every artifact kind in column order.
var Kinds = []Kind{KindEmbedding, KindTFIDF, KindCluster, KindImage}

// Record holds the source fields of one catalog entry. Source fields are
// written once by ingestion and never touched by the pipeline.
type Record struct {
	ID           string    `json:"id,omitempty"`
	Title        string    `json:"title"`
	Author       string    `json:"author"`
	Description  string    `json:"description"`
	Publisher    string    `json:"publisher"`
	Format       string    `json:"format"`
	PublishedAt  time.Time `json:"published_at"`
	Collection   string    `json:"collection,omitempty"`
	EAN          string    `json:"ean,omitempty"`
	ISBN         string    `json:"isbn,omitempty"`
	Pages        int       `json:"pages,omitempty"`
	Weight       float64   `json:"weight,omitempty"`
	Presentation string    `json:"presentation,omitempty"`
	Width        float64   `json:"width,omitempty"`
	Height       float64   `json:"height,omitempty"`
	Depth        float64   `json:"depth,omitempty"`
	Labels       []string  `json:"labels,omitempty"`
	ImageURL     string    `json:"image_url,omitempty"`
}

// RecordID derives the content identifier of a record: the hex SHA-256 of
// the canonical JSON encoding of title, author, publisher, format and
// publication date. The same source entry maps to the same id on every
// re-ingestion.
func RecordID(r Record) string {
	date := ""
	if !r.PublishedAt.IsZero() {
		date = r.PublishedAt.UTC().Format(time.RFC3339)
	}
	// encoding/json sorts map keys, which gives the canonical form.
	b, _ := json.Marshal(map[string]string{
		"product_title": r.Title,
		"author":        r.Author,
		"publisher":     r.Publisher,
		"format":        r.Format,
		"date":          date,
	})
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// DerivedFlags is the typed view of the utils column.
type DerivedFlags struct {
	ClusterLabel    *int `json:"dynamic_cluster_number,omitempty"`
	ImageDownloaded bool `json:"image_downloaded,omitempty"`
}

// Derived holds the values the pipeline computes for a record. Nil vectors
// mean "not computed yet".
type Derived struct {
	Embedding []float32
	TFIDF     []float32
	Flags     DerivedFlags
}

// Row is what the selector hands to artifact computers: the source fields
// computers read plus the current derived values.
type Row struct {
	ID          string
	Title       string
	Author      string
	Description string
	ImageURL    string
	Derived     Derived
}

// Text is the combined free text used for embeddings and TF-IDF.
func (r Row) Text() string {
	return strings.TrimSpace(r.Description + " " + r.Title)
}

// Selection describes which rows a pass should recompute.
type Selection struct {
	Kinds []Kind
	// Full selects every row that satisfies the kinds' prerequisites instead
	// of only the rows missing a value.
	Full bool
}

// Stats summarizes how far derivation has progressed.
type Stats struct {
	Total      int `json:"total"`
	Embedded   int `json:"embedded"`
	Vectorized int `json:"vectorized"`
	Clustered  int `json:"clustered"`
	Images     int `json:"images_downloaded"`
}
