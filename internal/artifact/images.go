package artifact

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"golang.org/x/time/rate"

	"github.com/kalambet/catalogd/internal/blob"
	"github.com/kalambet/catalogd/internal/recompute"
	"github.com/kalambet/catalogd/internal/storage"
)

const (
	DefaultImageRPS      = 5
	DefaultMaxImageBytes = 10 << 20
	defaultFetchTimeout  = 30 * time.Second
)

// ImagesOptions configures an Images computer.
type ImagesOptions struct {
	Blobs  blob.Store
	Client *http.Client
	// RPS caps download requests per second.
	RPS      float64
	MaxBytes int64
	Logger   *slog.Logger
}

// Images downloads each row's image into the blob store and marks the row
// once the file is present.
type Images struct {
	blobs    blob.Store
	client   *http.Client
	limiter  *rate.Limiter
	maxBytes int64
	logger   *slog.Logger
}

// NewImages creates an Images computer.
func NewImages(opts ImagesOptions) *Images {
	if opts.Client == nil {
		opts.Client = &http.Client{Timeout: defaultFetchTimeout}
	}
	if opts.RPS <= 0 {
		opts.RPS = DefaultImageRPS
	}
	if opts.MaxBytes <= 0 {
		opts.MaxBytes = DefaultMaxImageBytes
	}
	return &Images{
		blobs:    opts.Blobs,
		client:   opts.Client,
		limiter:  rate.NewLimiter(rate.Limit(opts.RPS), 1),
		maxBytes: opts.MaxBytes,
		logger:   loggerOr(opts.Logger, recompute.FamilyImage),
	}
}

func (im *Images) Family() recompute.Family { return recompute.FamilyImage }

func (im *Images) Init(context.Context, recompute.Source) error    { return nil }
func (im *Images) Retrain(context.Context, recompute.Source) error { return nil }

// ImageName is the blob name of the image at url: the hex SHA-256 of the
// reversed URL under images/.
func ImageName(url string) string {
	r := []rune(url)
	for i, j := 0, len(r)-1; i < j; i, j = i+1, j-1 {
		r[i], r[j] = r[j], r[i]
	}
	sum := sha256.Sum256([]byte(string(r)))
	return "images/" + hex.EncodeToString(sum[:])
}

// Derive makes sure the row's image is stored. Rows whose image cannot be
// fetched right now are skipped and stay pending.
func (im *Images) Derive(ctx context.Context, row storage.Row) (storage.Derived, error) {
	done := storage.Derived{Flags: storage.DerivedFlags{ImageDownloaded: true}}
	if row.ImageURL == "" {
		return storage.Derived{}, ErrSkipRow
	}
	name := ImageName(row.ImageURL)

	ok, err := im.blobs.Exists(ctx, name)
	if err != nil {
		return storage.Derived{}, fmt.Errorf("checking image %s: %w", name, err)
	}
	if ok {
		return done, nil
	}

	body, err := im.fetch(ctx, row.ImageURL)
	if err != nil {
		im.logger.Warn("image not downloaded", "row", row.ID, "url", row.ImageURL, "error", err)
		return storage.Derived{}, ErrSkipRow
	}
	defer body.Close()

	n, err := blob.Copy(ctx, im.blobs, name, body, im.maxBytes)
	if errors.Is(err, io.ErrShortBuffer) {
		im.logger.Warn("image too large", "row", row.ID, "url", row.ImageURL, "limit", im.maxBytes)
		return storage.Derived{}, ErrSkipRow
	}
	if err != nil {
		return storage.Derived{}, fmt.Errorf("storing image %s: %w", name, err)
	}
	im.logger.Debug("image stored", "row", row.ID, "name", name, "bytes", n)
	return done, nil
}

var errImageStatus = errors.New("unexpected image status")

// fetch returns the body of a 200 response to GET url.
func (im *Images) fetch(ctx context.Context, url string) (io.ReadCloser, error) {
	if err := im.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := im.client.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4<<10))
		resp.Body.Close()
		return nil, fmt.Errorf("%w %d", errImageStatus, resp.StatusCode)
	}
	return resp.Body, nil
}
