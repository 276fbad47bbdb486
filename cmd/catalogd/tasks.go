package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/kalambet/catalogd/internal/api"
	"github.com/kalambet/catalogd/internal/artifact"
	"github.com/kalambet/catalogd/internal/blob"
	"github.com/kalambet/catalogd/internal/config"
	"github.com/kalambet/catalogd/internal/engine"
	"github.com/kalambet/catalogd/internal/recompute"
	"github.com/kalambet/catalogd/internal/storage"
	"github.com/kalambet/catalogd/internal/tfidf"
)

// Task names, as accepted by `catalogd pass` and POST /passes/{task}.
const (
	taskVectorsWatch = "vectors-watch"
	taskVectorsFull  = "vectors-full"
	taskClusterWatch = "cluster-watch"
	taskClusterFull  = "cluster-full"
	taskImageWatch   = "image-watch"
)

// taskSet holds what outlives a supervisor generation: the artifact
// computers with their loaded models, the family locks and the pass
// history. Tasks are rebuilt against each new store.
type taskSet struct {
	cfg      config.Config
	vectors  *artifact.Vectors
	clusters *artifact.Clusters
	images   *artifact.Images
	coord    *recompute.Coordinator
	registry *recompute.Registry
	logger   *slog.Logger
	// reconnector refreshes the connection of the running generation when a
	// batch loses it. Nil leaves it to each store.
	reconnector recompute.Reconnector
}

func newTaskSet(cfg config.Config, eng engine.Engine, blobs blob.Store, logger *slog.Logger) (*taskSet, error) {
	stopWords := tfidf.DefaultStopWords()
	if cfg.TFIDF.StopWords != "" {
		words, err := tfidf.LoadStopWords(cfg.TFIDF.StopWords)
		if err != nil {
			return nil, fmt.Errorf("loading stop words: %w", err)
		}
		stopWords = words
	}

	return &taskSet{
		cfg: cfg,
		vectors: artifact.NewVectors(artifact.VectorsOptions{
			Engine:     eng,
			EmbedModel: cfg.Ollama.EmbedModel,
			Blobs:      blobs,
			TFIDF:      tfidf.Options{MaxFeatures: cfg.TFIDF.MaxFeatures, StopWords: stopWords},
			Logger:     logger,
		}),
		clusters: artifact.NewClusters(artifact.ClustersOptions{
			Blobs:   blobs,
			K:       cfg.Cluster.Count,
			Balance: cfg.Cluster.Balance,
			Logger:  logger,
		}),
		images: artifact.NewImages(artifact.ImagesOptions{
			Blobs:  blobs,
			RPS:    cfg.Image.RPS,
			Logger: logger,
		}),
		coord:    recompute.NewCoordinator(),
		registry: recompute.NewRegistry(),
		logger:   logger,
	}, nil
}

// build creates the tasks of one generation. Watchers start with a pass,
// which loads or trains their model before the first interval. Registering them replaces the
// previous generation's tasks in the registry.
func (ts *taskSet) build(store recompute.Store) ([]*recompute.Task, error) {
	hour, minute, err := recompute.ParseClock(ts.cfg.Vectors.RetrainAt)
	if err != nil {
		return nil, err
	}

	opts := func(full, immediate bool, s recompute.Schedule) recompute.TaskOptions {
		return recompute.TaskOptions{
			Full:      full,
			Schedule:  s,
			Immediate: immediate,
			Writer: recompute.WriterOptions{
				BatchSize: ts.cfg.Writer.BatchSize,
				Policy: recompute.RetryPolicy{
					MaxAttempts: ts.cfg.Writer.MaxAttempts,
					Delay:       ts.cfg.Writer.RetryDelay,
				},
			},
			Reconnector: ts.reconnector,
			Registry:    ts.registry,
			Logger:      ts.logger,
		}
	}

	return []*recompute.Task{
		recompute.NewTask(taskVectorsWatch, ts.vectors, store, ts.coord,
			opts(false, true, recompute.Every(ts.cfg.Vectors.WatchInterval))),
		recompute.NewTask(taskVectorsFull, ts.vectors, store, ts.coord,
			opts(true, false, recompute.DailyAt(hour, minute))),
		recompute.NewTask(taskClusterWatch, ts.clusters, store, ts.coord,
			opts(false, true, recompute.Every(ts.cfg.Cluster.WatchInterval))),
		recompute.NewTask(taskClusterFull, ts.clusters, store, ts.coord,
			opts(true, false, recompute.EveryDaysFromMidnight(ts.cfg.Cluster.RetrainEveryDays))),
		recompute.NewTask(taskImageWatch, ts.images, store, ts.coord,
			opts(false, true, recompute.Every(ts.cfg.Image.WatchInterval))),
	}, nil
}

// run starts one generation.
func (ts *taskSet) run(ctx context.Context, store *storage.Store) error {
	tasks, err := ts.build(store)
	if err != nil {
		return err
	}
	return recompute.RunAll(ctx, tasks...)
}

// liveCatalog serves API reads from whichever store the supervisor has
// open, and reports the gap between generations as unavailable.
type liveCatalog struct {
	sup *recompute.Supervisor[*storage.Store]
}

func (c liveCatalog) store() (*storage.Store, error) {
	s, err := c.sup.Current()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", api.ErrUnavailable, err)
	}
	return s, nil
}

func (c liveCatalog) Ping(ctx context.Context) error {
	s, err := c.store()
	if err != nil {
		return err
	}
	return s.Ping(ctx)
}

func (c liveCatalog) Stats(ctx context.Context) (storage.Stats, error) {
	s, err := c.store()
	if err != nil {
		return storage.Stats{}, err
	}
	return s.Stats(ctx)
}

func (c liveCatalog) InsertRecords(ctx context.Context, records []storage.Record) (int, error) {
	s, err := c.store()
	if err != nil {
		return 0, err
	}
	return s.InsertRecords(ctx, records)
}

func storageOptions(cfg config.Config) storage.Options {
	return storage.Options{
		Driver:   cfg.Database.Driver,
		DSN:      cfg.Database.DSN,
		DataDir:  cfg.Storage.DataDir,
		MaxConns: cfg.Database.MaxConns,
	}
}

func blobOptions(cfg config.Config) blob.Options {
	return blob.Options{
		Backend: cfg.Blob.Backend,
		Dir:     cfg.BlobDir(),
		MinIO: blob.MinIOOptions{
			Endpoint:  cfg.Blob.Endpoint,
			Bucket:    cfg.Blob.Bucket,
			AccessKey: cfg.Blob.AccessKey,
			SecretKey: cfg.Blob.SecretKey,
			UseSSL:    cfg.Blob.UseSSL,
		},
	}
}
