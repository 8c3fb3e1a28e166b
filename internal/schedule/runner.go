// Package schedule owns every periodic background task of the process
package schedule

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Task is one run of a periodic job
type Task func(ctx context.Context) error

type entry struct {
	name     string
	interval time.Duration
	fn       Task
}

// Runner starts registered tasks on their own tickers and stops them together
type Runner struct {
	log *slog.Logger

	mu      sync.Mutex
	entries []entry
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

func New(log *slog.Logger) *Runner {
	return &Runner{log: log}
}

// Every registers fn to run every interval after Start. A non-positive
// interval disables the task.
func (r *Runner) Every(name string, interval time.Duration, fn Task) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if interval <= 0 {
		r.log.Info("scheduled task disabled", "task", name)
		return
	}
	r.entries = append(r.entries, entry{name: name, interval: interval, fn: fn})
}

// Start launches all registered tasks. Calling Start twice is an error.
func (r *Runner) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.cancel != nil {
		return fmt.Errorf("schedule: already started")
	}

	ctx, cancel := context.WithCancel(ctx)
	r.cancel = cancel

	for _, e := range r.entries {
		r.wg.Add(1)
		go r.loop(ctx, e)
	}
	return nil
}

// Stop cancels running tasks and waits for them to return
func (r *Runner) Stop() {
	r.mu.Lock()
	cancel := r.cancel
	r.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	r.wg.Wait()
}

func (r *Runner) loop(ctx context.Context, e entry) {
	defer r.wg.Done()

	r.log.Info("scheduled task started", "task", e.name, "interval", e.interval)

	ticker := time.NewTicker(e.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.run(ctx, e)
		}
	}
}

func (r *Runner) run(ctx context.Context, e entry) {
	defer func() {
		if p := recover(); p != nil {
			r.log.Error("scheduled task panicked", "task", e.name, "panic", p)
		}
	}()

	start := time.Now()
	if err := e.fn(ctx); err != nil && ctx.Err() == nil {
		r.log.Error("scheduled task failed", "task", e.name, "error", err)
		return
	}
	r.log.Debug("scheduled task done", "task", e.name, "took", time.Since(start))
}
