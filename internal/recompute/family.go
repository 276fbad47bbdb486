// Package recompute keeps derived catalog columns in sync with the source
// rows. Tasks select due rows, hand them to a Deriver, and write the results
// back in retried batches, one family at a time.
package recompute

import (
	"context"
	"errors"

	"github.com/kalambet/catalogd/internal/storage"
)

// Family groups the kinds that share model state, a coordinator lock and a
// writer.
type Family string

const (
	FamilyVectors Family = "vectors"
	FamilyCluster Family = "cluster"
	FamilyImage   Family = "image"
)

// Families lists every family.
var Families = []Family{FamilyVectors, FamilyCluster, FamilyImage}

// Kinds returns the kinds a family writes, in column order.
func (f Family) Kinds() []storage.Kind {
	switch f {
	case FamilyVectors:
		return []storage.Kind{storage.KindEmbedding, storage.KindTFIDF}
	case FamilyCluster:
		return []storage.Kind{storage.KindCluster}
	case FamilyImage:
		return []storage.Kind{storage.KindImage}
	default:
		return nil
	}
}

var (
	// ErrModelNotInitialized is returned by a Deriver asked to infer before
	// its model state exists. The task initializes the model and retries.
	ErrModelNotInitialized = errors.New("model not initialized")

	// ErrSkipRow marks a row the deriver cannot compute right now. The row
	// stays pending and is selected again by a later pass.
	ErrSkipRow = errors.New("row skipped")

	// ErrConnectionLost is returned by a task whose store stopped answering.
	// The supervisor reopens the store and restarts every task.
	ErrConnectionLost = errors.New("database connection lost")
)

// Source is the read side a Deriver trains from.
type Source interface {
	Corpus(ctx context.Context) ([]string, error)
	TFIDFVectors(ctx context.Context) ([][]float32, error)
}

// Deriver computes the values of one family for a row.
type Deriver interface {
	Family() Family
	// Init loads persisted model state, or trains it from src when none
	// exists. Derivers without model state return nil.
	Init(ctx context.Context, src Source) error
	// Retrain rebuilds model state from src and persists it.
	Retrain(ctx context.Context, src Source) error
	// Derive computes the family's values for row. Only the fields of the
	// family's kinds are read from the result.
	Derive(ctx context.Context, row storage.Row) (storage.Derived, error)
}
