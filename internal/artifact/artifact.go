// Package artifact holds the computers that derive catalog artifacts from
// source rows: text vectors, cluster labels and downloaded images.
package artifact

import (
	"log/slog"

	"github.com/kalambet/catalogd/internal/recompute"
)

// Re-exported so computers and their callers need not import recompute for
// the row-level sentinels.
var (
	ErrModelNotInitialized = recompute.ErrModelNotInitialized
	ErrSkipRow             = recompute.ErrSkipRow
)

var (
	_ recompute.Deriver = (*Vectors)(nil)
	_ recompute.Deriver = (*Clusters)(nil)
	_ recompute.Deriver = (*Images)(nil)
)

func loggerOr(l *slog.Logger, family recompute.Family) *slog.Logger {
	if l == nil {
		l = slog.Default()
	}
	return l.With("computer", string(family))
}
