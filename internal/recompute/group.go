package recompute

import (
	"context"

	"golang.org/x/sync/errgroup"
)

// RunAll runs every task concurrently until ctx is cancelled or one of them
// fails. The first failure, typically ErrConnectionLost, stops the others
// and is returned.
func RunAll(ctx context.Context, tasks ...*Task) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, t := range tasks {
		g.Go(func() error {
			return t.Run(ctx)
		})
	}
	return g.Wait()
}
