package blob

import (
	"context"
	"fmt"
)

const (
	BackendLocal = "local"
	BackendMinIO = "minio"
)

// Options selects a backend.
type Options struct {
	Backend string
	Dir     string
	MinIO   MinIOOptions
}

// Open returns the configured backend.
func Open(ctx context.Context, opts Options) (Store, error) {
	switch opts.Backend {
	case "", BackendLocal:
		return NewLocalStore(opts.Dir)
	case BackendMinIO, "s3":
		return NewMinIOStore(ctx, opts.MinIO)
	default:
		return nil, fmt.Errorf("unknown blob backend %q", opts.Backend)
	}
}
