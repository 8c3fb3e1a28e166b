package sweep

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/suspectuso/ton-paywall/internal/storage"
)

// ErrSweepQueued is returned to a manual trigger that arrived while a batch
// was running; it will run once the current batch finishes
var ErrSweepQueued = errors.New("sweep: batch in progress, run queued")

// State of the batch scheduler
type State string

const (
	StateIdle    State = "idle"
	StateRunning State = "running"
)

// Reporter receives batch and single-session outcomes
type Reporter interface {
	BatchCompleted(ctx context.Context, r Result, err error)
	SessionSwept(ctx context.Context, a Attempt)
}

// Scheduler serializes full-batch runs. Interval triggers are dropped while
// a batch runs, manual triggers collapse into one follow-up run, and
// single-session triggers run on their own, guarded by the sweeper's
// per-session marker.
type Scheduler struct {
	sweeper *Sweeper
	store   storage.Store
	log     *slog.Logger

	reporter Reporter

	mu      sync.Mutex
	running bool
	pending bool
	lastRun time.Time
	last    *Result

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewScheduler(sweeper *Sweeper, store storage.Store, log *slog.Logger) *Scheduler {
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		sweeper: sweeper,
		store:   store,
		log:     log,
		ctx:     ctx,
		cancel:  cancel,
	}
}

// SetReporter wires outcome notifications
func (s *Scheduler) SetReporter(r Reporter) { s.reporter = r }

// State returns the current batch state
func (s *Scheduler) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return StateRunning
	}
	return StateIdle
}

// LastResult returns the most recent batch result, if any
func (s *Scheduler) LastResult() (*Result, time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.last == nil {
		return nil, time.Time{}
	}
	r := *s.last
	return &r, s.lastRun
}

// RunInterval is the periodic trigger. It does nothing while a batch is
// already running.
func (s *Scheduler) RunInterval(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		s.log.Debug("interval sweep skipped: batch in progress")
		return nil
	}
	s.running = true
	s.mu.Unlock()

	_, err := s.wait(ctx, s.start())
	return err
}

// RunManual is the administrative trigger. When idle it runs a batch and
// returns its result; while running it queues one follow-up batch and
// returns ErrSweepQueued.
//
// Batches run on the scheduler's own context. A caller that gives up
// waiting gets ctx.Err() but the batch and any queued follow-up still run.
func (s *Scheduler) RunManual(ctx context.Context) (Result, error) {
	s.mu.Lock()
	if s.running {
		s.pending = true
		s.mu.Unlock()
		s.log.Info("manual sweep queued")
		return Result{}, ErrSweepQueued
	}
	s.running = true
	s.mu.Unlock()

	return s.wait(ctx, s.start())
}

type batchOutcome struct {
	result Result
	err    error
}

// start runs drain in the background. The caller must have set running.
func (s *Scheduler) start() <-chan batchOutcome {
	first := make(chan batchOutcome, 1)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.drain(first)
	}()
	return first
}

func (s *Scheduler) wait(ctx context.Context, first <-chan batchOutcome) (Result, error) {
	select {
	case o := <-first:
		return o.result, o.err
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}

// drain runs batches until no follow-up is pending and reports the first
// one on first. running is always released on exit, including on panic.
func (s *Scheduler) drain(first chan<- batchOutcome) {
	released := false
	defer func() {
		if p := recover(); p != nil {
			s.log.Error("sweep batch panicked", "panic", p)
			if first != nil {
				first <- batchOutcome{err: fmt.Errorf("sweep: batch panicked: %v", p)}
			}
		}
		if !released {
			s.mu.Lock()
			s.pending = false
			s.running = false
			s.mu.Unlock()
		}
	}()

	for {
		r, err := s.runBatch(s.ctx)
		if first != nil {
			first <- batchOutcome{result: r, err: err}
			first = nil
		}

		s.mu.Lock()
		again := s.pending && s.ctx.Err() == nil
		s.pending = false
		if !again {
			s.running = false
			released = true
		}
		s.mu.Unlock()

		if !again {
			return
		}
	}
}

func (s *Scheduler) runBatch(ctx context.Context) (Result, error) {
	sessions, err := s.store.List(ctx)
	if err != nil {
		s.log.Error("list sessions for sweep", "error", err)
		return Result{}, err
	}

	r, err := s.sweeper.SweepAll(ctx, sessions)
	if err != nil {
		s.log.Error("sweep run aborted", "error", err)
	}

	s.mu.Lock()
	s.last = &r
	s.lastRun = time.Now()
	s.mu.Unlock()

	if s.reporter != nil {
		s.reporter.BatchCompleted(ctx, r, err)
	}
	return r, err
}

// TriggerSession sweeps one session in the background
func (s *Scheduler) TriggerSession(sessionID string) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()

		a, err := s.sweeper.SweepSession(s.ctx, sessionID)
		if err != nil {
			s.log.Error("single-session sweep", "session_id", sessionID, "error", err)
			return
		}
		if s.reporter != nil {
			s.reporter.SessionSwept(s.ctx, a)
		}
	}()
}

// SweepSession sweeps one session synchronously
func (s *Scheduler) SweepSession(ctx context.Context, sessionID string) (Attempt, error) {
	a, err := s.sweeper.SweepSession(ctx, sessionID)
	if err == nil && s.reporter != nil {
		s.reporter.SessionSwept(ctx, a)
	}
	return a, err
}

// Close stops background sweeps and waits for them
func (s *Scheduler) Close() {
	s.cancel()
	s.wg.Wait()
}
