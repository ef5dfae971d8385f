// Package decay runs the decoherence scheduler: a supervised background loop
// that advances simulated time and degrades every live handle's coherence.
//
// The loop is the only unbounded process in the core. It is cancellable
// (cancellation takes effect before the next tick; an in-flight tick
// finishes first), transitions are monotonic, and a panic in the loop is
// fatal to the subsystem: the scheduler enters a terminal failed state that
// diagnostics surface as a health failure, because silently stale coherence
// would invalidate every safety invariant built on top of it.
package decay

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/entanglab/qcore/config"
	"github.com/entanglab/qcore/errors"
	"github.com/entanglab/qcore/qstate"
)

// State is the scheduler lifecycle state.
type State string

const (
	StateIdle    State = "idle"
	StateRunning State = "running"
	StateStopped State = "stopped"
	StateFailed  State = "failed" // terminal; decay tracking is no longer trustworthy
)

// Scheduler periodically applies decay to the handle registry.
type Scheduler struct {
	registry *qstate.Registry
	cfg      config.DecayConfig
	interval time.Duration
	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	timeNow  func() time.Time
	log      *zap.SugaredLogger

	mu              sync.Mutex
	state           State
	lastTickAt      time.Time
	ticksSinceStart int64
	transitions     int64
	failure         error
}

// NewScheduler creates a decay scheduler over the registry.
func NewScheduler(registry *qstate.Registry, cfg config.DecayConfig, log *zap.SugaredLogger) *Scheduler {
	return NewSchedulerWithClock(context.Background(), registry, cfg, log, time.Now)
}

// NewSchedulerWithClock creates a scheduler with a parent context and an
// injectable clock (for testing without real wall-clock time).
func NewSchedulerWithClock(ctx context.Context, registry *qstate.Registry, cfg config.DecayConfig, log *zap.SugaredLogger, timeNow func() time.Time) *Scheduler {
	schedCtx, cancel := context.WithCancel(ctx)
	interval := time.Duration(cfg.TickIntervalMs) * time.Millisecond
	if interval <= 0 {
		interval = 100 * time.Millisecond
	}
	return &Scheduler{
		registry: registry,
		cfg:      cfg,
		interval: interval,
		ctx:      schedCtx,
		cancel:   cancel,
		timeNow:  timeNow,
		state:    StateIdle,
		log:      log.Named("decay"),
	}
}

// Start begins the tick loop. Only an idle scheduler starts: once stopped
// the context is cancelled, so a relaunched loop would exit immediately
// while reporting itself running.
func (s *Scheduler) Start() {
	s.mu.Lock()
	if s.state != StateIdle {
		s.mu.Unlock()
		return
	}
	s.state = StateRunning
	s.mu.Unlock()

	s.wg.Add(1)
	go s.run()
	s.log.Infow("Decay scheduler started", "interval", s.interval)
}

// Stop cancels the loop and waits for any in-flight tick to finish.
func (s *Scheduler) Stop() {
	s.cancel()
	s.wg.Wait()

	s.mu.Lock()
	if s.state == StateRunning {
		s.state = StateStopped
	}
	s.mu.Unlock()
	s.log.Infow("Decay scheduler stopped")
}

// run is the main ticker loop.
func (s *Scheduler) run() {
	defer s.wg.Done()
	defer s.recoverPanic()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			// Parent cancellation must not leave a dead loop reporting
			// itself running.
			s.mu.Lock()
			if s.state == StateRunning {
				s.state = StateStopped
			}
			s.mu.Unlock()
			return
		case <-ticker.C:
			s.Tick()
		}
	}
}

// recoverPanic converts a panicking tick into the terminal failed state.
func (s *Scheduler) recoverPanic() {
	r := recover()
	if r == nil {
		return
	}
	err := errors.Wrapf(errors.ErrSchedulerUnavailable, "decay loop panicked: %v", r)

	s.mu.Lock()
	s.state = StateFailed
	s.failure = err
	s.mu.Unlock()

	s.log.Errorw("Decay scheduler FAILED - coherence values are stale from here on",
		"panic", fmt.Sprint(r))
}

// Tick advances decay once using the scheduler's clock. Exposed so tests
// (and recovery tooling) can drive simulated time without the loop.
func (s *Scheduler) Tick() {
	now := s.timeNow()
	transitions := s.registry.AdvanceDecay(now, s.cfg)

	s.mu.Lock()
	s.lastTickAt = now
	s.ticksSinceStart++
	s.transitions += int64(len(transitions))
	s.mu.Unlock()

	for _, tr := range transitions {
		if tr.Released {
			s.log.Infow("Handle decohered and released",
				"handle_id", tr.ID,
				"coherence", tr.Coherence)
			continue
		}
		s.log.Debugw("Handle crossed decoherence threshold",
			"handle_id", tr.ID,
			"from", tr.From,
			"to", tr.To,
			"coherence", tr.Coherence)
	}
}

// Healthy returns nil while decay tracking is trustworthy, and
// ErrSchedulerUnavailable once the loop has failed. Wired into the registry
// as the freshness check for coherence-dependent operations.
func (s *Scheduler) Healthy() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == StateFailed {
		return s.failure
	}
	return nil
}

// State returns the current lifecycle state.
func (s *Scheduler) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Stats reports tick counters for diagnostics.
type Stats struct {
	State           State     `json:"state"`
	LastTickAt      time.Time `json:"last_tick_at"`
	TicksSinceStart int64     `json:"ticks_since_start"`
	Transitions     int64     `json:"transitions"`
	Interval        string    `json:"interval"`
}

// GetStats returns scheduler statistics.
func (s *Scheduler) GetStats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Stats{
		State:           s.state,
		LastTickAt:      s.lastTickAt,
		TicksSinceStart: s.ticksSinceStart,
		Transitions:     s.transitions,
		Interval:        s.interval.String(),
	}
}
