package artifact

import (
	"context"
	"fmt"
	"testing"

	"github.com/kalambet/catalogd/internal/recompute"
	"github.com/kalambet/catalogd/internal/storage"
)

func TestVectorsThenClusters(t *testing.T) {
	ctx := context.Background()
	store, err := storage.Open(storage.Options{DataDir: ":memory:"})
	if err != nil {
		t.Fatalf("storage.Open: %v", err)
	}
	defer store.Close()

	var records []storage.Record
	for i := range 12 {
		r := storage.Record{Author: "Auteur", Publisher: "Éditeur", Format: "broché"}
		if i%2 == 0 {
			r.Title = fmt.Sprintf("Meurtre à Paris %d", i)
			r.Description = "enquête policier commissaire meurtre"
		} else {
			r.Title = fmt.Sprintf("Recettes du marché %d", i)
			r.Description = "cuisine recette gâteau chocolat"
		}
		records = append(records, r)
	}
	if _, err := store.InsertRecords(ctx, records); err != nil {
		t.Fatalf("InsertRecords: %v", err)
	}

	blobs := newBlobs(t)
	coord := recompute.NewCoordinator()
	reg := recompute.NewRegistry()

	vectors := recompute.NewTask("vectors-watch",
		NewVectors(VectorsOptions{Engine: &fakeEngine{}, Blobs: blobs}),
		store, coord, recompute.TaskOptions{Registry: reg})
	clusters := recompute.NewTask("cluster-watch",
		NewClusters(ClustersOptions{Blobs: blobs, K: 2}),
		store, coord, recompute.TaskOptions{Registry: reg})

	// Nothing to cluster before the vectors exist.
	rep, err := clusters.RunOnce(ctx)
	if err != nil || rep.Selected != 0 {
		t.Fatalf("early cluster pass = %+v, %v", rep, err)
	}

	rep, err = vectors.RunOnce(ctx)
	if err != nil {
		t.Fatalf("vectors pass: %v", err)
	}
	if rep.Written != 12 {
		t.Errorf("vectors wrote %d rows, want 12", rep.Written)
	}
	rep, err = clusters.RunOnce(ctx)
	if err != nil {
		t.Fatalf("cluster pass: %v", err)
	}
	if rep.Written != 12 {
		t.Errorf("cluster wrote %d rows, want 12", rep.Written)
	}

	stats, err := store.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	want := storage.Stats{Total: 12, Embedded: 12, Vectorized: 12, Clustered: 12}
	if stats != want {
		t.Errorf("stats = %+v, want %+v", stats, want)
	}

	// Rows of one theme share a label.
	labels := map[string]int{}
	for i, r := range records {
		row, err := store.GetRow(ctx, storage.RecordID(r))
		if err != nil {
			t.Fatalf("GetRow: %v", err)
		}
		theme := "food"
		if i%2 == 0 {
			theme = "crime"
		}
		l := *row.Derived.Flags.ClusterLabel
		if prev, ok := labels[theme]; ok && prev != l {
			t.Errorf("%s rows split across labels %d and %d", theme, prev, l)
		}
		labels[theme] = l
	}
	if labels["food"] == labels["crime"] {
		t.Error("themes share a label")
	}
}

func TestClusterWatchAfterVocabularyGrows(t *testing.T) {
	ctx := context.Background()
	store, err := storage.Open(storage.Options{DataDir: ":memory:"})
	if err != nil {
		t.Fatalf("storage.Open: %v", err)
	}
	defer store.Close()

	insert := func(rs ...storage.Record) {
		t.Helper()
		if _, err := store.InsertRecords(ctx, rs); err != nil {
			t.Fatalf("InsertRecords: %v", err)
		}
	}
	for i := range 8 {
		desc := "enquête policier meurtre"
		if i%2 == 1 {
			desc = "cuisine recette chocolat"
		}
		insert(storage.Record{Title: fmt.Sprintf("Livre %d", i), Author: "Auteur", Description: desc})
	}

	blobs := newBlobs(t)
	coord := recompute.NewCoordinator()
	vec := NewVectors(VectorsOptions{Engine: &fakeEngine{}, Blobs: blobs})
	vectorsWatch := recompute.NewTask("vectors-watch", vec, store, coord, recompute.TaskOptions{})
	vectorsFull := recompute.NewTask("vectors-full", vec, store, coord, recompute.TaskOptions{Full: true})
	clusters := NewClusters(ClustersOptions{Blobs: blobs, K: 2})
	clusterWatch := recompute.NewTask("cluster-watch", clusters, store, coord, recompute.TaskOptions{})

	for _, task := range []*recompute.Task{vectorsWatch, clusterWatch} {
		if _, err := task.RunOnce(ctx); err != nil {
			t.Fatalf("%s: %v", task.Name(), err)
		}
	}
	before := vec.Vectorizer().Features()

	insert(storage.Record{Title: "Voyage au Japon", Author: "Auteur", Description: "randonnée montagne temple"})
	if _, err := vectorsFull.RunOnce(ctx); err != nil {
		t.Fatalf("vectors-full: %v", err)
	}
	if vec.Vectorizer().Features() <= before {
		t.Fatalf("vocabulary did not grow: %d -> %d", before, vec.Vectorizer().Features())
	}
	insert(storage.Record{Title: "Carnet de Kyoto", Author: "Auteur", Description: "voyage temple jardin"})
	if _, err := vectorsWatch.RunOnce(ctx); err != nil {
		t.Fatalf("vectors-watch: %v", err)
	}

	rep, err := clusterWatch.RunOnce(ctx)
	if err != nil {
		t.Fatalf("cluster-watch after refit: %v", err)
	}
	if rep.Written != 2 {
		t.Errorf("cluster-watch wrote %d rows, want the 2 new ones", rep.Written)
	}
	if clusters.Model().Dim() != vec.Vectorizer().Features() {
		t.Errorf("kmeans dim %d, tfidf features %d", clusters.Model().Dim(), vec.Vectorizer().Features())
	}
	stats, err := store.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if stats.Clustered != 10 {
		t.Errorf("clustered = %d, want 10", stats.Clustered)
	}
}
