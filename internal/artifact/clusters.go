package artifact

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/kalambet/catalogd/internal/blob"
	"github.com/kalambet/catalogd/internal/kmeans"
	"github.com/kalambet/catalogd/internal/recompute"
	"github.com/kalambet/catalogd/internal/snapshot"
	"github.com/kalambet/catalogd/internal/storage"
)

const (
	// ValidationFraction of the TF-IDF vectors is held out to score a
	// trained model.
	ValidationFraction = 0.2
	// DefaultSilhouetteSample bounds the silhouette computation.
	DefaultSilhouetteSample = 1000
)

// ClustersOptions configures a Clusters computer.
type ClustersOptions struct {
	Blobs blob.Store
	K     int
	Seed  uint64
	// Balance evens out validation labels before scoring.
	Balance          bool
	SilhouetteSample int
	Logger           *slog.Logger
}

// Clusters labels rows with the nearest k-means centroid of their TF-IDF
// vector.
type Clusters struct {
	blobs   blob.Store
	opts    kmeans.Options
	balance bool
	sample  int
	logger  *slog.Logger

	model atomic.Pointer[kmeans.Model]
	// stale is set when a row's TF-IDF width no longer matches the model,
	// which happens after the vectorizer was refitted.
	stale atomic.Bool
}

// NewClusters creates a Clusters computer. No model is loaded until Init.
func NewClusters(opts ClustersOptions) *Clusters {
	if opts.K <= 0 {
		opts.K = kmeans.DefaultClusters
	}
	if opts.Seed == 0 {
		opts.Seed = kmeans.DefaultSeed
	}
	if opts.SilhouetteSample <= 0 {
		opts.SilhouetteSample = DefaultSilhouetteSample
	}
	return &Clusters{
		blobs:   opts.Blobs,
		opts:    kmeans.Options{K: opts.K, Seed: opts.Seed},
		balance: opts.Balance,
		sample:  opts.SilhouetteSample,
		logger:  loggerOr(opts.Logger, recompute.FamilyCluster),
	}
}

func (c *Clusters) Family() recompute.Family { return recompute.FamilyCluster }

// Model returns the current model state, or nil.
func (c *Clusters) Model() *kmeans.Model { return c.model.Load() }

// Init loads the persisted model, training one when none exists, when the
// persisted one has a different cluster count, or when Derive found the
// current one stale.
func (c *Clusters) Init(ctx context.Context, src recompute.Source) error {
	if c.stale.Load() {
		c.logger.Info("kmeans model does not match the tfidf width, retraining")
		return c.Retrain(ctx, src)
	}
	if c.model.Load() != nil {
		return nil
	}
	var loaded kmeans.Model
	err := snapshot.Load(ctx, c.blobs, snapshot.KMeansName, &loaded)
	switch {
	case err == nil && loaded.K() == c.opts.K:
		c.model.Store(&loaded)
		c.logger.Info("kmeans model loaded", "clusters", loaded.K())
		return nil
	case err == nil:
		c.logger.Info("kmeans snapshot has a different cluster count, retraining",
			"snapshot_clusters", loaded.K(), "clusters", c.opts.K)
		return c.Retrain(ctx, src)
	case errors.Is(err, snapshot.ErrNotFound):
		return c.Retrain(ctx, src)
	default:
		return err
	}
}

// Retrain fits a model on the stored TF-IDF vectors, scores it on a held-out
// split, persists it and swaps it in.
func (c *Clusters) Retrain(ctx context.Context, src recompute.Source) error {
	vectors, err := src.TFIDFVectors(ctx)
	if err != nil {
		return fmt.Errorf("reading tfidf vectors: %w", err)
	}
	if len(vectors) == 0 {
		c.logger.Info("no tfidf vectors yet, kmeans training deferred")
		return nil
	}
	train, validation := kmeans.Split(vectors, ValidationFraction, c.opts.Seed)
	model, err := kmeans.Train(train, c.opts)
	if err != nil {
		return fmt.Errorf("training kmeans: %w", err)
	}

	attrs := []any{"vectors", len(vectors), "clusters", model.K(),
		"iterations", model.Iterations, "inertia", model.Inertia}
	labels := model.Labels(validation)
	if c.balance {
		labels = kmeans.Balance(labels, model.K())
	}
	if score, ok := kmeans.Silhouette(validation, labels, c.sample); ok {
		attrs = append(attrs, "silhouette", score)
	}

	if err := snapshot.Save(ctx, c.blobs, snapshot.KMeansName, model); err != nil {
		return err
	}
	c.model.Store(model)
	c.stale.Store(false)
	c.logger.Info("kmeans model trained", attrs...)
	return nil
}

// Derive predicts the cluster of the row's TF-IDF vector.
func (c *Clusters) Derive(_ context.Context, row storage.Row) (storage.Derived, error) {
	model := c.model.Load()
	if model == nil {
		return storage.Derived{}, ErrModelNotInitialized
	}
	if row.Derived.TFIDF == nil {
		return storage.Derived{}, ErrSkipRow
	}
	if dim := model.Dim(); len(row.Derived.TFIDF) != dim {
		c.stale.Store(true)
		return storage.Derived{}, fmt.Errorf("%w: row %s has %d tfidf features, model expects %d",
			ErrModelNotInitialized, row.ID, len(row.Derived.TFIDF), dim)
	}
	label, err := model.Predict(row.Derived.TFIDF)
	if err != nil {
		return storage.Derived{}, fmt.Errorf("predicting cluster of row %s: %w", row.ID, err)
	}
	return storage.Derived{Flags: storage.DerivedFlags{ClusterLabel: &label}}, nil
}
