package recompute

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/kalambet/catalogd/internal/storage"
)

// Defaults for BatchWriter and RetryPolicy.
const (
	DefaultBatchSize   = 100
	DefaultMaxAttempts = 3
	DefaultRetryDelay  = 30 * time.Second
)

// ErrMaxRetries matches every RetryExhaustedError.
var ErrMaxRetries = errors.New("max retries reached")

// FatalWriteError wraps a write failure that retrying cannot fix.
type FatalWriteError struct {
	Err error
}

func (e *FatalWriteError) Error() string {
	return "fatal write error: " + e.Err.Error()
}

func (e *FatalWriteError) Unwrap() error {
	return e.Err
}

// RetryExhaustedError is returned when every attempt of a batch failed
// transiently.
type RetryExhaustedError struct {
	Attempts int
	Last     error
}

func (e *RetryExhaustedError) Error() string {
	return fmt.Sprintf("batch failed after %d attempts: %v", e.Attempts, e.Last)
}

func (e *RetryExhaustedError) Unwrap() []error {
	return []error{ErrMaxRetries, e.Last}
}

// OutcomeKind is the result class of one commit attempt.
type OutcomeKind int

const (
	OutcomeSuccess OutcomeKind = iota
	OutcomeTransient
	OutcomeFatal
)

func (k OutcomeKind) String() string {
	switch k {
	case OutcomeSuccess:
		return "success"
	case OutcomeTransient:
		return "transient"
	default:
		return "fatal"
	}
}

// Outcome describes one commit attempt. Reconnect is set on transient
// outcomes whose connection must be replaced before the next attempt.
type Outcome struct {
	Kind      OutcomeKind
	Err       error
	Reconnect bool
}

// outcomeOf classifies the error returned by an attempt.
func outcomeOf(err error) Outcome {
	if err == nil {
		return Outcome{Kind: OutcomeSuccess}
	}
	class := storage.Classify(err)
	if !class.Retryable() {
		return Outcome{Kind: OutcomeFatal, Err: err}
	}
	return Outcome{Kind: OutcomeTransient, Err: err, Reconnect: class == storage.ClassReconnect}
}

// RetryPolicy bounds how a batch is retried. MaxAttempts counts the first
// attempt. Delay is waited between attempts, never after the last one.
type RetryPolicy struct {
	MaxAttempts int
	Delay       time.Duration
	// Wait sleeps for d or until ctx is done. Nil uses a timer.
	Wait func(ctx context.Context, d time.Duration) error
}

// DefaultRetryPolicy returns 3 attempts, 30 seconds apart.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxAttempts: DefaultMaxAttempts, Delay: DefaultRetryDelay}
}

func (p RetryPolicy) wait(ctx context.Context, d time.Duration) error {
	if p.Wait != nil {
		return p.Wait(ctx, d)
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Executor applies a batch of update tuples in one transaction.
type Executor interface {
	ExecBatch(ctx context.Context, stmt *storage.UpdateStatement, batch [][]any) error
}

// Reconnector replaces a broken database connection.
type Reconnector interface {
	Reconnect(ctx context.Context) error
}

// WriterOptions configures a BatchWriter. Zero values take the defaults.
type WriterOptions struct {
	BatchSize int
	Policy    RetryPolicy
	Logger    *slog.Logger
}

// BatchWriter accumulates computed rows and commits them in fixed-size
// batches, retrying transient failures. A BatchWriter is used by one pass
// at a time.
type BatchWriter struct {
	exec    Executor
	reconn  Reconnector
	stmt    *storage.UpdateStatement
	size    int
	policy  RetryPolicy
	logger  *slog.Logger
	pending [][]any

	written int
	batches int
}

// NewBatchWriter creates a writer that commits through exec using stmt.
// reconn may be nil when the executor cannot reconnect.
func NewBatchWriter(exec Executor, reconn Reconnector, stmt *storage.UpdateStatement, opts WriterOptions) *BatchWriter {
	if opts.BatchSize <= 0 {
		opts.BatchSize = DefaultBatchSize
	}
	if opts.Policy.MaxAttempts <= 0 {
		opts.Policy.MaxAttempts = DefaultMaxAttempts
	}
	if opts.Policy.Delay < 0 {
		opts.Policy.Delay = 0
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &BatchWriter{
		exec:   exec,
		reconn: reconn,
		stmt:   stmt,
		size:   opts.BatchSize,
		policy: opts.Policy,
		logger: opts.Logger,
	}
}

// Add binds one computed row and commits the pending batch once it is full.
func (w *BatchWriter) Add(ctx context.Context, id string, d storage.Derived) error {
	args, err := w.stmt.Bind(id, d)
	if err != nil {
		return &FatalWriteError{Err: err}
	}
	w.pending = append(w.pending, args)
	if len(w.pending) >= w.size {
		return w.Flush(ctx)
	}
	return nil
}

// Flush commits whatever is pending. Rows of a failed batch are dropped
// from the writer; they remain due in the store.
func (w *BatchWriter) Flush(ctx context.Context) error {
	if len(w.pending) == 0 {
		return nil
	}
	batch := w.pending
	w.pending = nil
	if err := w.Commit(ctx, batch); err != nil {
		return err
	}
	w.written += len(batch)
	w.batches++
	return nil
}

// Pending returns the number of rows waiting for the next commit.
func (w *BatchWriter) Pending() int {
	return len(w.pending)
}

// Written returns the number of rows committed so far.
func (w *BatchWriter) Written() int {
	return w.written
}

// Batches returns the number of committed batches.
func (w *BatchWriter) Batches() int {
	return w.batches
}

// Commit writes batch with the retry policy. The attempts themselves run
// detached from ctx cancellation so a batch already sent is allowed to
// finish; cancellation is honoured between attempts.
func (w *BatchWriter) Commit(ctx context.Context, batch [][]any) error {
	execCtx := context.WithoutCancel(ctx)

	var last error
	for attempt := 1; attempt <= w.policy.MaxAttempts; attempt++ {
		out := outcomeOf(w.exec.ExecBatch(execCtx, w.stmt, batch))
		switch out.Kind {
		case OutcomeSuccess:
			if attempt > 1 {
				w.logger.Info("batch committed after retry", "attempt", attempt, "rows", len(batch))
			}
			return nil
		case OutcomeFatal:
			return &FatalWriteError{Err: out.Err}
		}

		last = out.Err
		if attempt == w.policy.MaxAttempts {
			break
		}
		w.logger.Warn("batch write failed, retrying",
			"attempt", attempt,
			"max_attempts", w.policy.MaxAttempts,
			"delay", w.policy.Delay,
			"reconnect", out.Reconnect,
			"error", out.Err,
		)
		if err := w.policy.wait(ctx, w.policy.Delay); err != nil {
			return fmt.Errorf("waiting to retry batch: %w", err)
		}
		if out.Reconnect && w.reconn != nil {
			if err := w.reconn.Reconnect(execCtx); err != nil {
				w.logger.Warn("reconnect failed", "error", err)
			}
		}
	}
	return &RetryExhaustedError{Attempts: w.policy.MaxAttempts, Last: last}
}
