package recompute

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/kalambet/catalogd/internal/storage"
)

// Store is the database surface a task needs.
type Store interface {
	Source
	Executor
	Reconnector
	SelectDue(ctx context.Context, sel storage.Selection) ([]storage.Row, error)
	UpdateStatement(kinds []storage.Kind) (*storage.UpdateStatement, error)
	Ping(ctx context.Context) error
}

// PassReport summarizes one pass of a task.
type PassReport struct {
	ID       string    `json:"id"`
	Task     string    `json:"task"`
	Family   Family    `json:"family"`
	Full     bool      `json:"full"`
	Selected int       `json:"selected"`
	Written  int       `json:"written"`
	Skipped  int       `json:"skipped"`
	Batches  int       `json:"batches"`
	Started  time.Time `json:"started"`
	Finished time.Time `json:"finished"`
	Err      string    `json:"error,omitempty"`
}

// TaskOptions configures a Task.
type TaskOptions struct {
	// Full makes every pass retrain the model and recompute all eligible
	// rows instead of only the missing ones.
	Full bool
	// Schedule decides when passes run. Nil means passes run only when
	// triggered.
	Schedule Schedule
	// Immediate runs the first pass as soon as the task starts.
	Immediate bool
	Writer    WriterOptions
	// Reconnector replaces the connection when a batch loses it. Nil uses
	// the store.
	Reconnector Reconnector
	Registry    *Registry
	Logger      *slog.Logger
}

// Task runs passes of one deriver on a schedule. Watchers are incremental
// tasks with an interval schedule; scheduled full passes retrain first.
type Task struct {
	name      string
	deriver   Deriver
	store     Store
	reconn    Reconnector
	coord     *Coordinator
	full      bool
	schedule  Schedule
	immediate bool
	writer    WriterOptions
	registry  *Registry
	logger    *slog.Logger
	trigger   chan struct{}

	// initialized is set once the first incremental pass has loaded the
	// model. Guarded by the family lock.
	initialized bool
}

// NewTask creates a task. The task is registered with opts.Registry when one
// is given.
func NewTask(name string, d Deriver, store Store, coord *Coordinator, opts TaskOptions) *Task {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Writer.Logger == nil {
		opts.Writer.Logger = opts.Logger
	}
	if opts.Reconnector == nil {
		opts.Reconnector = store
	}
	t := &Task{
		name:      name,
		deriver:   d,
		store:     store,
		reconn:    opts.Reconnector,
		coord:     coord,
		full:      opts.Full,
		schedule:  opts.Schedule,
		immediate: opts.Immediate,
		writer:    opts.Writer,
		registry:  opts.Registry,
		logger:    opts.Logger.With("task", name, "family", string(d.Family())),
		trigger:   make(chan struct{}, 1),
	}
	if t.registry != nil {
		t.registry.Register(t)
	}
	return t
}

// Name returns the task name.
func (t *Task) Name() string { return t.name }

// Family returns the family the task writes.
func (t *Task) Family() Family { return t.deriver.Family() }

// Full reports whether the task runs full passes.
func (t *Task) Full() bool { return t.full }

// Schedule returns the task schedule, or nil for trigger-only tasks.
func (t *Task) Schedule() Schedule { return t.schedule }

// Trigger asks the task to run a pass now. Triggers that arrive while one is
// already pending are merged.
func (t *Task) Trigger() {
	select {
	case t.trigger <- struct{}{}:
	default:
	}
}

// Run executes passes until ctx is cancelled. It returns nil on
// cancellation and ErrConnectionLost when the store stopped answering.
// Other pass failures are logged and the task waits for its next run.
func (t *Task) Run(ctx context.Context) error {
	var next time.Time
	if t.immediate {
		next = time.Now()
	} else if t.schedule != nil {
		next = t.schedule.Next(time.Now())
	}

	for {
		if !t.wait(ctx, next) {
			return nil
		}

		if _, err := t.RunOnce(ctx); err != nil {
			if errors.Is(err, ErrConnectionLost) {
				return err
			}
			if ctx.Err() != nil {
				return nil
			}
		}

		next = time.Time{}
		if t.schedule != nil {
			next = t.schedule.Next(time.Now())
		}
	}
}

// wait blocks until next, a trigger, or cancellation. A zero next waits for
// a trigger only. It returns false when ctx is done.
func (t *Task) wait(ctx context.Context, next time.Time) bool {
	var timerC <-chan time.Time
	if !next.IsZero() {
		wait := time.Until(next)
		if wait > time.Second {
			t.logger.Info("next pass scheduled", "at", next.Format(time.RFC3339), "in", wait.Round(time.Second))
		}
		timer := time.NewTimer(wait)
		defer timer.Stop()
		timerC = timer.C
	}

	select {
	case <-ctx.Done():
		return false
	case <-timerC:
	case <-t.trigger:
		t.logger.Info("pass triggered")
	}
	return true
}

// RunOnce runs a single pass and records its report. A failed pass whose
// store no longer answers a ping returns ErrConnectionLost.
func (t *Task) RunOnce(ctx context.Context) (PassReport, error) {
	report := PassReport{
		ID:      uuid.NewString(),
		Task:    t.name,
		Family:  t.deriver.Family(),
		Full:    t.full,
		Started: time.Now(),
	}
	logger := t.logger.With("pass_id", report.ID)
	if t.registry != nil {
		t.registry.begin(t.name, report.ID)
	}

	err := t.pass(ctx, logger, &report)

	report.Finished = time.Now()
	if err != nil {
		report.Err = err.Error()
	}
	if t.registry != nil {
		t.registry.Record(report)
	}

	if err == nil {
		logger.Info("pass complete",
			"full", report.Full,
			"selected", report.Selected,
			"written", report.Written,
			"skipped", report.Skipped,
			"batches", report.Batches,
			"duration", report.Finished.Sub(report.Started).Round(time.Millisecond),
		)
		return report, nil
	}
	if ctx.Err() != nil {
		logger.Info("pass interrupted", "written", report.Written, "error", err)
		return report, err
	}

	logger.Error("pass failed", "written", report.Written, "error", err)
	if pingErr := t.store.Ping(ctx); pingErr != nil {
		return report, fmt.Errorf("%w: %v", ErrConnectionLost, pingErr)
	}
	return report, err
}

func (t *Task) pass(ctx context.Context, logger *slog.Logger, report *PassReport) error {
	release, err := t.coord.Acquire(ctx, t.deriver.Family())
	if err != nil {
		return fmt.Errorf("acquiring %s lock: %w", t.deriver.Family(), err)
	}
	defer release()

	if t.full {
		logger.Info("retraining model")
		if err := t.deriver.Retrain(ctx, t.store); err != nil {
			return fmt.Errorf("retraining: %w", err)
		}
	} else if !t.initialized {
		if err := t.deriver.Init(ctx, t.store); err != nil {
			return fmt.Errorf("initializing model: %w", err)
		}
		t.initialized = true
	}

	err = t.recompute(ctx, logger, report)
	if errors.Is(err, ErrModelNotInitialized) {
		logger.Info("model not initialized, initializing")
		if err := t.deriver.Init(ctx, t.store); err != nil {
			return fmt.Errorf("initializing model: %w", err)
		}
		err = t.recompute(ctx, logger, report)
	}
	return err
}

func (t *Task) recompute(ctx context.Context, logger *slog.Logger, report *PassReport) error {
	kinds := t.deriver.Family().Kinds()
	rows, err := t.store.SelectDue(ctx, storage.Selection{Kinds: kinds, Full: t.full})
	if err != nil {
		return fmt.Errorf("selecting rows: %w", err)
	}
	report.Selected = len(rows)
	report.Skipped = 0
	if len(rows) == 0 {
		return nil
	}
	logger.Debug("rows selected", "count", len(rows))

	stmt, err := t.store.UpdateStatement(kinds)
	if err != nil {
		return fmt.Errorf("building update statement: %w", err)
	}
	w := NewBatchWriter(t.store, t.reconn, stmt, t.writer)
	defer func() {
		report.Written += w.Written()
		report.Batches += w.Batches()
	}()

	for _, row := range rows {
		if ctx.Err() != nil {
			// Keep what was computed before stopping.
			if err := w.Flush(context.WithoutCancel(ctx)); err != nil {
				return err
			}
			return ctx.Err()
		}

		d, err := t.deriver.Derive(ctx, row)
		if errors.Is(err, ErrSkipRow) {
			report.Skipped++
			logger.Debug("row skipped", "id", row.ID, "error", err)
			continue
		}
		if err != nil {
			if flushErr := w.Flush(ctx); flushErr != nil {
				logger.Warn("flushing computed rows failed", "error", flushErr)
			}
			if errors.Is(err, ErrModelNotInitialized) {
				return err
			}
			return fmt.Errorf("deriving row %s: %w", row.ID, err)
		}

		if err := w.Add(ctx, row.ID, d); err != nil {
			return err
		}
	}
	return w.Flush(ctx)
}
