package recompute

import (
	"context"
	"database/sql/driver"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/kalambet/catalogd/internal/storage"
)

type scriptedExec struct {
	mu      sync.Mutex
	errs    []error
	calls   int
	batches [][][]any
}

func (e *scriptedExec) ExecBatch(ctx context.Context, stmt *storage.UpdateStatement, batch [][]any) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.calls++
	if len(e.errs) > 0 {
		err := e.errs[0]
		e.errs = e.errs[1:]
		if err != nil {
			return err
		}
	}
	e.batches = append(e.batches, batch)
	return nil
}

type countingReconnector struct {
	calls int
}

func (r *countingReconnector) Reconnect(ctx context.Context) error {
	r.calls++
	return nil
}

type recordedWaits struct {
	waits []time.Duration
}

func (r *recordedWaits) wait(ctx context.Context, d time.Duration) error {
	r.waits = append(r.waits, d)
	return ctx.Err()
}

func embeddingStatement(t *testing.T) *storage.UpdateStatement {
	t.Helper()
	s, err := storage.Open(storage.Options{DataDir: ":memory:"})
	if err != nil {
		t.Fatalf("storage.Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	stmt, err := s.UpdateStatement([]storage.Kind{storage.KindEmbedding})
	if err != nil {
		t.Fatalf("UpdateStatement: %v", err)
	}
	return stmt
}

func newTestWriter(t *testing.T, exec Executor, reconn Reconnector, waits *recordedWaits) *BatchWriter {
	t.Helper()
	return NewBatchWriter(exec, reconn, embeddingStatement(t), WriterOptions{
		Policy: RetryPolicy{MaxAttempts: 3, Delay: 30 * time.Second, Wait: waits.wait},
	})
}

var serializationFailure = &pgconn.PgError{Code: "40001", Message: "could not serialize access"}

func TestCommitSucceedsOnThirdAttempt(t *testing.T) {
	exec := &scriptedExec{errs: []error{serializationFailure, serializationFailure, nil}}
	waits := &recordedWaits{}
	w := newTestWriter(t, exec, nil, waits)

	if err := w.Commit(context.Background(), [][]any{{"[1]", "a"}}); err != nil {
		t.Fatalf("Commit: %v", err)
	}
	if exec.calls != 3 {
		t.Errorf("attempts = %d, want 3", exec.calls)
	}
	if len(exec.batches) != 1 {
		t.Errorf("committed %d batches, want 1", len(exec.batches))
	}
	if len(waits.waits) != 2 || waits.waits[0] != 30*time.Second || waits.waits[1] != 30*time.Second {
		t.Errorf("waits = %v, want two 30s waits", waits.waits)
	}
}

func TestCommitExhaustsAfterThreeAttempts(t *testing.T) {
	exec := &scriptedExec{errs: []error{serializationFailure, serializationFailure, serializationFailure, nil}}
	waits := &recordedWaits{}
	w := newTestWriter(t, exec, nil, waits)

	err := w.Commit(context.Background(), [][]any{{"[1]", "a"}})
	if !errors.Is(err, ErrMaxRetries) {
		t.Fatalf("err = %v, want ErrMaxRetries", err)
	}
	var exhausted *RetryExhaustedError
	if !errors.As(err, &exhausted) || exhausted.Attempts != 3 {
		t.Errorf("err = %#v, want RetryExhaustedError after 3 attempts", err)
	}
	if !errors.Is(err, serializationFailure) {
		t.Error("exhaustion error does not wrap the last failure")
	}
	if exec.calls != 3 {
		t.Errorf("attempts = %d, want exactly 3", exec.calls)
	}
	if len(waits.waits) != 2 {
		t.Errorf("waited %d times, want 2 (no wait after the last attempt)", len(waits.waits))
	}
}

func TestCommitFatalIsNotRetried(t *testing.T) {
	unique := &pgconn.PgError{Code: "23505", Message: "duplicate key"}
	exec := &scriptedExec{errs: []error{unique}}
	waits := &recordedWaits{}
	w := newTestWriter(t, exec, nil, waits)

	err := w.Commit(context.Background(), [][]any{{"[1]", "a"}})
	var fatal *FatalWriteError
	if !errors.As(err, &fatal) {
		t.Fatalf("err = %v, want FatalWriteError", err)
	}
	if !errors.Is(err, unique) {
		t.Error("fatal error does not wrap the cause")
	}
	if exec.calls != 1 || len(waits.waits) != 0 {
		t.Errorf("calls = %d, waits = %d; want 1 and 0", exec.calls, len(waits.waits))
	}
}

func TestCommitReconnectsOnLostConnection(t *testing.T) {
	exec := &scriptedExec{errs: []error{driver.ErrBadConn, nil}}
	reconn := &countingReconnector{}
	waits := &recordedWaits{}
	w := newTestWriter(t, exec, reconn, waits)

	if err := w.Commit(context.Background(), [][]any{{"[1]", "a"}}); err != nil {
		t.Fatalf("Commit: %v", err)
	}
	if reconn.calls != 1 {
		t.Errorf("reconnects = %d, want 1", reconn.calls)
	}
}

func TestCommitTransientDoesNotReconnect(t *testing.T) {
	exec := &scriptedExec{errs: []error{serializationFailure, nil}}
	reconn := &countingReconnector{}
	w := newTestWriter(t, exec, reconn, &recordedWaits{})

	if err := w.Commit(context.Background(), [][]any{{"[1]", "a"}}); err != nil {
		t.Fatalf("Commit: %v", err)
	}
	if reconn.calls != 0 {
		t.Errorf("reconnects = %d, want 0 for a same-connection retry", reconn.calls)
	}
}

func TestCommitStopsWaitingOnCancel(t *testing.T) {
	exec := &scriptedExec{errs: []error{serializationFailure, nil}}
	w := newTestWriter(t, exec, nil, &recordedWaits{})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := w.Commit(ctx, [][]any{{"[1]", "a"}})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	if exec.calls != 1 {
		t.Errorf("attempts = %d, want 1", exec.calls)
	}
}

func TestCommitAttemptIgnoresCancellation(t *testing.T) {
	var sawCancelled bool
	exec := execFunc(func(ctx context.Context, stmt *storage.UpdateStatement, batch [][]any) error {
		sawCancelled = ctx.Err() != nil
		return nil
	})
	w := newTestWriter(t, exec, nil, &recordedWaits{})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := w.Commit(ctx, [][]any{{"[1]", "a"}}); err != nil {
		t.Fatalf("Commit: %v", err)
	}
	if sawCancelled {
		t.Error("in-flight batch saw the cancelled context")
	}
}

type execFunc func(ctx context.Context, stmt *storage.UpdateStatement, batch [][]any) error

func (f execFunc) ExecBatch(ctx context.Context, stmt *storage.UpdateStatement, batch [][]any) error {
	return f(ctx, stmt, batch)
}

func TestWriterBatchesInOrder(t *testing.T) {
	exec := &scriptedExec{}
	w := NewBatchWriter(exec, nil, embeddingStatement(t), WriterOptions{BatchSize: 100})
	ctx := context.Background()

	for i := 0; i < 120; i++ {
		id := string(rune('a'+i%26)) + string(rune('0'+i/26))
		if err := w.Add(ctx, id, storage.Derived{Embedding: []float32{float32(i)}}); err != nil {
			t.Fatalf("Add: %v", err)
		}
	}
	if len(exec.batches) != 1 || w.Pending() != 20 {
		t.Fatalf("after 120 adds: %d commits, %d pending; want 1 and 20", len(exec.batches), w.Pending())
	}
	if err := w.Flush(ctx); err != nil {
		t.Fatalf("Flush: %v", err)
	}

	if len(exec.batches) != 2 || len(exec.batches[0]) != 100 || len(exec.batches[1]) != 20 {
		t.Fatalf("batch sizes wrong: %d batches", len(exec.batches))
	}
	if w.Written() != 120 || w.Batches() != 2 {
		t.Errorf("Written = %d, Batches = %d; want 120 and 2", w.Written(), w.Batches())
	}
	if got := exec.batches[1][0][1]; got != "w3" {
		t.Errorf("second batch starts with %v, want the 101st row", got)
	}
}

func TestWriterAddRejectsIncompleteRow(t *testing.T) {
	w := NewBatchWriter(&scriptedExec{}, nil, embeddingStatement(t), WriterOptions{})
	err := w.Add(context.Background(), "a", storage.Derived{})
	var fatal *FatalWriteError
	if !errors.As(err, &fatal) {
		t.Fatalf("err = %v, want FatalWriteError", err)
	}
}

func TestFlushEmptyIsNoop(t *testing.T) {
	exec := &scriptedExec{}
	w := NewBatchWriter(exec, nil, embeddingStatement(t), WriterOptions{})
	if err := w.Flush(context.Background()); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	if exec.calls != 0 {
		t.Errorf("empty flush executed %d batches", exec.calls)
	}
}
