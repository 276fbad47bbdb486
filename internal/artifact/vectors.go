package artifact

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"github.com/kalambet/catalogd/internal/blob"
	"github.com/kalambet/catalogd/internal/engine"
	"github.com/kalambet/catalogd/internal/recompute"
	"github.com/kalambet/catalogd/internal/snapshot"
	"github.com/kalambet/catalogd/internal/storage"
	"github.com/kalambet/catalogd/internal/tfidf"
)

// VectorsOptions configures a Vectors computer.
type VectorsOptions struct {
	Engine     engine.Engine
	EmbedModel string
	Blobs      blob.Store
	TFIDF      tfidf.Options
	Logger     *slog.Logger
}

// Vectors computes the embedding and TF-IDF vector of a row. The embedding
// comes from the engine; the TF-IDF vector from a vectorizer fitted on the
// catalog corpus and persisted in the blob store.
type Vectors struct {
	engine     engine.Engine
	embedModel string
	blobs      blob.Store
	opts       tfidf.Options
	logger     *slog.Logger

	vectorizer atomic.Pointer[tfidf.Vectorizer]
}

// NewVectors creates a Vectors computer. No model is loaded until Init.
func NewVectors(opts VectorsOptions) *Vectors {
	return &Vectors{
		engine:     opts.Engine,
		embedModel: opts.EmbedModel,
		blobs:      opts.Blobs,
		opts:       opts.TFIDF,
		logger:     loggerOr(opts.Logger, recompute.FamilyVectors),
	}
}

func (v *Vectors) Family() recompute.Family { return recompute.FamilyVectors }

// Vectorizer returns the current model state, or nil.
func (v *Vectors) Vectorizer() *tfidf.Vectorizer { return v.vectorizer.Load() }

// Init loads the persisted vectorizer, fitting a new one when none exists.
func (v *Vectors) Init(ctx context.Context, src recompute.Source) error {
	if v.vectorizer.Load() != nil {
		return nil
	}
	var loaded tfidf.Vectorizer
	err := snapshot.Load(ctx, v.blobs, snapshot.TFIDFName, &loaded)
	switch {
	case err == nil:
		v.vectorizer.Store(&loaded)
		v.logger.Info("tfidf model loaded", "features", loaded.Features())
		return nil
	case errors.Is(err, snapshot.ErrNotFound):
		return v.Retrain(ctx, src)
	default:
		return err
	}
}

// Retrain fits the vectorizer on the whole corpus, persists it and swaps it
// in.
func (v *Vectors) Retrain(ctx context.Context, src recompute.Source) error {
	docs, err := src.Corpus(ctx)
	if err != nil {
		return fmt.Errorf("reading corpus: %w", err)
	}
	if len(docs) == 0 {
		v.logger.Info("catalog is empty, tfidf fit deferred")
		return nil
	}
	fitted, err := tfidf.Fit(docs, v.opts)
	if err != nil {
		return fmt.Errorf("fitting tfidf on %d documents: %w", len(docs), err)
	}
	if err := snapshot.Save(ctx, v.blobs, snapshot.TFIDFName, fitted); err != nil {
		return err
	}
	v.vectorizer.Store(fitted)
	v.logger.Info("tfidf model trained", "documents", len(docs), "features", fitted.Features())
	return nil
}

// Derive embeds the row text and transforms it with the current vectorizer.
func (v *Vectors) Derive(ctx context.Context, row storage.Row) (storage.Derived, error) {
	vec := v.vectorizer.Load()
	if vec == nil {
		return storage.Derived{}, ErrModelNotInitialized
	}
	text := row.Text()

	var out storage.Derived
	g, gCtx := errgroup.WithContext(ctx)
	g.Go(func() error {
		emb, err := v.engine.Embed(gCtx, v.embedModel, text)
		if err != nil {
			return fmt.Errorf("embedding row %s: %w", row.ID, err)
		}
		out.Embedding = emb
		return nil
	})
	g.Go(func() error {
		out.TFIDF = vec.Transform(text)
		return nil
	})
	if err := g.Wait(); err != nil {
		return storage.Derived{}, err
	}
	return out, nil
}
