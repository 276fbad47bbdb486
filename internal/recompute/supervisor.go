package recompute

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// DefaultBackoff is the pause before the supervisor opens the store again.
const DefaultBackoff = 30 * time.Second

// Conn is a database handle the supervisor can refresh and discard.
type Conn interface {
	Reconnect(ctx context.Context) error
	Close() error
}

// Supervisor keeps the tasks of one process running across connection
// loss. Each generation opens a connection and runs Start with it; when
// Start reports ErrConnectionLost, or opening fails, the connection is
// closed and a new generation starts after Backoff.
type Supervisor[C Conn] struct {
	Open  func(ctx context.Context) (C, error)
	Start func(ctx context.Context, conn C) error

	Backoff time.Duration
	// Wait sleeps for d or until ctx is done. Nil uses a timer.
	Wait   func(ctx context.Context, d time.Duration) error
	Logger *slog.Logger

	mu      sync.Mutex
	current *C
}

// Run supervises generations until ctx is cancelled, which returns nil, or
// Start fails with an error other than ErrConnectionLost, which is
// returned.
func (s *Supervisor[C]) Run(ctx context.Context) error {
	logger := s.Logger
	if logger == nil {
		logger = slog.Default()
	}
	backoff := s.Backoff
	if backoff <= 0 {
		backoff = DefaultBackoff
	}

	for generation := 1; ; generation++ {
		conn, err := s.Open(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			logger.Error("opening database failed", "generation", generation, "retry_in", backoff, "error", err)
			if s.wait(ctx, backoff) != nil {
				return nil
			}
			continue
		}

		s.setCurrent(&conn)
		err = s.Start(ctx, conn)
		s.setCurrent(nil)
		if closeErr := conn.Close(); closeErr != nil {
			logger.Warn("closing database failed", "error", closeErr)
		}

		if ctx.Err() != nil {
			return nil
		}
		if err == nil {
			return nil
		}
		if !errors.Is(err, ErrConnectionLost) {
			return err
		}

		logger.Error("database connection lost, restarting tasks", "generation", generation, "retry_in", backoff, "error", err)
		if s.wait(ctx, backoff) != nil {
			return nil
		}
	}
}

// ErrNoConnection is returned while no generation is running.
var ErrNoConnection = errors.New("no open connection")

// Current returns the connection of the running generation.
func (s *Supervisor[C]) Current() (C, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current == nil {
		var zero C
		return zero, ErrNoConnection
	}
	return *s.current, nil
}

// Reconnect refreshes the connection of the running generation.
func (s *Supervisor[C]) Reconnect(ctx context.Context) error {
	cur, err := s.Current()
	if err != nil {
		return err
	}
	return cur.Reconnect(ctx)
}

func (s *Supervisor[C]) setCurrent(c *C) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.current = c
}

func (s *Supervisor[C]) wait(ctx context.Context, d time.Duration) error {
	if s.Wait != nil {
		return s.Wait(ctx, d)
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
