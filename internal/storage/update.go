package storage

import (
	"context"
	"fmt"
	"strings"
)

// UpdateStatement is the parameterized update a writer uses for its kinds.
// It sets exactly those kinds' columns and nothing else, then matches on id.
type UpdateStatement struct {
	kinds   []Kind
	query   string
	dialect dialect
}

// UpdateStatement builds the statement for kinds. The order of kinds fixes
// the order of bound values.
func (s *Store) UpdateStatement(kinds []Kind) (*UpdateStatement, error) {
	if len(kinds) == 0 {
		return nil, fmt.Errorf("update statement needs at least one kind")
	}
	sets := make([]string, 0, len(kinds))
	seen := make(map[Kind]bool, len(kinds))
	for _, k := range kinds {
		if seen[k] {
			return nil, fmt.Errorf("duplicate kind %q in update statement", k)
		}
		seen[k] = true
		a, err := s.dialect.assignment(k)
		if err != nil {
			return nil, err
		}
		sets = append(sets, a)
	}
	query := "UPDATE catalog SET " + strings.Join(sets, ", ") + " WHERE id = ?"
	return &UpdateStatement{
		kinds:   append([]Kind(nil), kinds...),
		query:   s.dialect.rebind(query),
		dialect: s.dialect,
	}, nil
}

// Kinds returns the kinds the statement writes.
func (u *UpdateStatement) Kinds() []Kind {
	return append([]Kind(nil), u.kinds...)
}

// SQL returns the rendered statement.
func (u *UpdateStatement) SQL() string {
	return u.query
}

// Bind turns one computed row into an argument tuple: one value per kind,
// then the id.
func (u *UpdateStatement) Bind(id string, d Derived) ([]any, error) {
	args := make([]any, 0, len(u.kinds)+1)
	for _, k := range u.kinds {
		switch k {
		case KindEmbedding:
			if d.Embedding == nil {
				return nil, fmt.Errorf("row %s: embedding not computed", id)
			}
			args = append(args, encodeVector(d.Embedding))
		case KindTFIDF:
			if d.TFIDF == nil {
				return nil, fmt.Errorf("row %s: tfidf not computed", id)
			}
			args = append(args, encodeVector(d.TFIDF))
		case KindCluster:
			if d.Flags.ClusterLabel == nil {
				return nil, fmt.Errorf("row %s: cluster label not computed", id)
			}
			args = append(args, *d.Flags.ClusterLabel)
		case KindImage:
			args = append(args, u.dialect.imageArg(d.Flags.ImageDownloaded))
		}
	}
	return append(args, id), nil
}

// ExecBatch applies every argument tuple with stmt inside one transaction.
// Either all rows of the batch are written or none are.
func (s *Store) ExecBatch(ctx context.Context, stmt *UpdateStatement, batch [][]any) error {
	if len(batch) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning batch transaction: %w", err)
	}

	prepared, err := tx.PrepareContext(ctx, stmt.query)
	if err != nil {
		tx.Rollback()
		return fmt.Errorf("preparing update statement: %w", err)
	}
	defer prepared.Close()

	for _, args := range batch {
		if _, err := prepared.ExecContext(ctx, args...); err != nil {
			tx.Rollback()
			return fmt.Errorf("updating row %v: %w", args[len(args)-1], err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing batch: %w", err)
	}
	return nil
}
