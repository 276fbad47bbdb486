// Package snapshot persists model state as zstd-compressed JSON blobs.
package snapshot

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/klauspost/compress/zstd"

	"github.com/kalambet/catalogd/internal/blob"
)

// Blob names of the persisted models.
const (
	TFIDFName  = "models/tfidf.json.zst"
	KMeansName = "models/kmeans.json.zst"
)

// ErrNotFound is returned by Load when no snapshot exists.
var ErrNotFound = errors.New("snapshot not found")

var (
	encOnce  sync.Once
	encoder  *zstd.Encoder
	decoder  *zstd.Decoder
	codecErr error
)

// codecs returns the process-wide coders. EncodeAll and DecodeAll may be
// called on them concurrently.
func codecs() (*zstd.Encoder, *zstd.Decoder, error) {
	encOnce.Do(func() {
		encoder, codecErr = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
		if codecErr != nil {
			return
		}
		decoder, codecErr = zstd.NewReader(nil)
	})
	return encoder, decoder, codecErr
}

// Save encodes v as JSON, compresses it and stores it under name.
func Save(ctx context.Context, store blob.Store, name string, v any) error {
	enc, _, err := codecs()
	if err != nil {
		return fmt.Errorf("creating zstd encoder: %w", err)
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encoding snapshot %s: %w", name, err)
	}
	if err := store.Put(ctx, name, enc.EncodeAll(raw, nil)); err != nil {
		return fmt.Errorf("storing snapshot %s: %w", name, err)
	}
	return nil
}

// Load reads the snapshot under name into v.
func Load(ctx context.Context, store blob.Store, name string, v any) error {
	_, dec, err := codecs()
	if err != nil {
		return fmt.Errorf("creating zstd decoder: %w", err)
	}
	data, err := store.Get(ctx, name)
	if errors.Is(err, blob.ErrNotFound) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("reading snapshot %s: %w", name, err)
	}
	raw, err := dec.DecodeAll(data, nil)
	if err != nil {
		return fmt.Errorf("decompressing snapshot %s: %w", name, err)
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("decoding snapshot %s: %w", name, err)
	}
	return nil
}
