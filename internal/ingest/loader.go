// Package ingest loads scraped catalog records into the store. Only source
// columns are written; derived artifacts are left for the recompute tasks.
package ingest

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/kalambet/catalogd/internal/storage"
)

// DefaultBatchSize is the number of records inserted per transaction.
const DefaultBatchSize = 500

const maxLineSize = 4 << 20

// ErrInvalidRecord is wrapped by validation failures.
var ErrInvalidRecord = errors.New("invalid record")

// Inserter is the storage surface the loader writes to.
type Inserter interface {
	InsertRecords(ctx context.Context, records []storage.Record) (int, error)
}

// Report counts what a load did.
type Report struct {
	Read       int `json:"read"`
	Inserted   int `json:"inserted"`
	Duplicates int `json:"duplicates"`
	Invalid    int `json:"invalid"`
}

func (r *Report) add(o Report) {
	r.Read += o.Read
	r.Inserted += o.Inserted
	r.Duplicates += o.Duplicates
	r.Invalid += o.Invalid
}

// Loader inserts records in batches.
type Loader struct {
	store     Inserter
	batchSize int
	logger    *slog.Logger
}

// NewLoader creates a Loader. If batchSize is <= 0, it defaults to
// DefaultBatchSize.
func NewLoader(store Inserter, batchSize int) *Loader {
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	return &Loader{store: store, batchSize: batchSize, logger: slog.Default()}
}

// Load reads one JSON record per line from r. Blank lines are ignored;
// malformed or invalid lines are counted and logged but do not stop the
// load.
func (l *Loader) Load(ctx context.Context, r io.Reader) (Report, error) {
	var (
		report  Report
		pending []storage.Record
	)
	flush := func() error {
		if len(pending) == 0 {
			return nil
		}
		n, err := l.store.InsertRecords(ctx, pending)
		if err != nil {
			return fmt.Errorf("inserting batch: %w", err)
		}
		report.Inserted += n
		report.Duplicates += len(pending) - n
		pending = pending[:0]
		return nil
	}

	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64<<10), maxLineSize)
	line := 0
	for sc.Scan() {
		line++
		raw := bytes.TrimSpace(sc.Bytes())
		if len(raw) == 0 {
			continue
		}
		report.Read++
		rec, err := DecodeRecord(raw)
		if err == nil {
			err = Validate(rec)
		}
		if err != nil {
			report.Invalid++
			l.logger.Warn("skipping record", "line", line, "error", err)
			continue
		}
		pending = append(pending, rec)
		if len(pending) >= l.batchSize {
			if err := flush(); err != nil {
				return report, err
			}
		}
	}
	if err := sc.Err(); err != nil {
		return report, fmt.Errorf("reading line %d: %w", line+1, err)
	}
	if err := flush(); err != nil {
		return report, err
	}
	l.logger.Info("records loaded", "read", report.Read, "inserted", report.Inserted,
		"duplicates", report.Duplicates, "invalid", report.Invalid)
	return report, nil
}

// Insert validates and inserts records. Invalid records are counted and
// dropped.
func (l *Loader) Insert(ctx context.Context, records []storage.Record) (Report, error) {
	var report Report
	for start := 0; start < len(records); start += l.batchSize {
		end := min(start+l.batchSize, len(records))
		batch := make([]storage.Record, 0, end-start)
		part := Report{Read: end - start}
		for _, rec := range records[start:end] {
			if err := Validate(rec); err != nil {
				part.Invalid++
				continue
			}
			batch = append(batch, rec)
		}
		if len(batch) > 0 {
			n, err := l.store.InsertRecords(ctx, batch)
			if err != nil {
				return report, fmt.Errorf("inserting batch: %w", err)
			}
			part.Inserted = n
			part.Duplicates = len(batch) - n
		}
		report.add(part)
	}
	return report, nil
}

// Validate checks the fields a record needs to be identified and searched.
func Validate(r storage.Record) error {
	if strings.TrimSpace(r.Title) == "" {
		return fmt.Errorf("%w: title is required", ErrInvalidRecord)
	}
	if r.ID != "" && r.ID != storage.RecordID(r) {
		return fmt.Errorf("%w: id %s does not match the record content", ErrInvalidRecord, r.ID)
	}
	return nil
}

// scrapedRecord is the field layout of the scraper's export.
type scrapedRecord struct {
	ProductTitle string          `json:"product_title"`
	Author       string          `json:"author"`
	Resume       string          `json:"resume"`
	Labels       []string        `json:"labels"`
	ImageURL     string          `json:"image_url"`
	Collection   string          `json:"collection"`
	Date         json.RawMessage `json:"date_de_parution"`
	EAN          string          `json:"ean"`
	Editeur      string          `json:"editeur"`
	Format       string          `json:"format"`
	ISBN         string          `json:"isbn"`
	Pages        int             `json:"nb_de_pages"`
	Weight       float64         `json:"poids"`
	Presentation string          `json:"presentation"`
	Width        float64         `json:"width"`
	Height       float64         `json:"height"`
	Depth        float64         `json:"depth"`
}

// DecodeRecord parses one record in either the catalogd layout or the
// scraper's export layout, told apart by the product_title key.
func DecodeRecord(raw []byte) (storage.Record, error) {
	var layout struct {
		ProductTitle *string `json:"product_title"`
	}
	if err := json.Unmarshal(raw, &layout); err != nil {
		return storage.Record{}, fmt.Errorf("%w: %v", ErrInvalidRecord, err)
	}
	if layout.ProductTitle == nil {
		var rec storage.Record
		if err := json.Unmarshal(raw, &rec); err != nil {
			return storage.Record{}, fmt.Errorf("%w: %v", ErrInvalidRecord, err)
		}
		return rec, nil
	}

	var s scrapedRecord
	if err := json.Unmarshal(raw, &s); err != nil {
		return storage.Record{}, fmt.Errorf("%w: %v", ErrInvalidRecord, err)
	}
	published, err := parseDate(s.Date)
	if err != nil {
		return storage.Record{}, fmt.Errorf("%w: date_de_parution: %v", ErrInvalidRecord, err)
	}
	return storage.Record{
		Title:        s.ProductTitle,
		Author:       s.Author,
		Description:  s.Resume,
		Publisher:    s.Editeur,
		Format:       s.Format,
		PublishedAt:  published,
		Collection:   s.Collection,
		EAN:          s.EAN,
		ISBN:         s.ISBN,
		Pages:        s.Pages,
		Weight:       s.Weight,
		Presentation: s.Presentation,
		Width:        s.Width,
		Height:       s.Height,
		Depth:        s.Depth,
		Labels:       s.Labels,
		ImageURL:     s.ImageURL,
	}, nil
}

// parseDate accepts unix milliseconds, RFC 3339 or a bare YYYY-MM-DD date.
func parseDate(raw json.RawMessage) (time.Time, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return time.Time{}, nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		ms, err := strconv.ParseInt(string(raw), 10, 64)
		if err != nil {
			return time.Time{}, fmt.Errorf("unsupported value %s", raw)
		}
		return time.UnixMilli(ms).UTC(), nil
	}
	for _, layout := range []string{time.RFC3339, time.DateTime, time.DateOnly} {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unsupported date %q", s)
}
