// Package diag is the read-only facade combining the core's tables into
// health and error snapshots for external consumers (compiler diagnostics,
// monitoring). Snapshots are derived views: they own nothing and consumers
// must never mutate core state through them.
package diag

import (
	"sync"
	"time"

	"github.com/entanglab/qcore/config"
	"github.com/entanglab/qcore/decay"
	"github.com/entanglab/qcore/entangle"
	"github.com/entanglab/qcore/errors"
	"github.com/entanglab/qcore/event"
	"github.com/entanglab/qcore/internal/util"
	"github.com/entanglab/qcore/ledger"
	"github.com/entanglab/qcore/qstate"
)

// Snapshot is an immutable, on-demand view of core health.
type Snapshot struct {
	GeneratedAt     time.Time      `json:"generated_at"`
	HealthScore     float64        `json:"health_score"` // 0-1
	Handles         qstate.Stats   `json:"handles"`
	Systems         entangle.Stats `json:"systems"`
	Ledger          ledger.Stats   `json:"ledger"`
	Scheduler       decay.Stats    `json:"scheduler"`
	ErrorCounts     map[string]int `json:"error_counts"`
	DroppedEvents   uint64         `json:"dropped_events"`
	Recommendations []string       `json:"recommendations"`
}

// Aggregator collects error observations and assembles snapshots.
type Aggregator struct {
	registry  *qstate.Registry
	manager   *entangle.Manager
	ledger    *ledger.Ledger
	scheduler *decay.Scheduler
	bus       *event.Bus
	decayCfg  config.DecayConfig
	timeNow   func() time.Time

	mu          sync.Mutex
	errorCounts map[string]int
}

// NewAggregator creates a diagnostics aggregator over the core's components.
func NewAggregator(registry *qstate.Registry, manager *entangle.Manager, ldg *ledger.Ledger, scheduler *decay.Scheduler, bus *event.Bus, decayCfg config.DecayConfig) *Aggregator {
	return &Aggregator{
		registry:    registry,
		manager:     manager,
		ledger:      ldg,
		scheduler:   scheduler,
		bus:         bus,
		decayCfg:    decayCfg,
		timeNow:     time.Now,
		errorCounts: make(map[string]int),
	}
}

// Observe records an operation error in the error-kind histogram. Nil errors
// are ignored so callers can pass every result through unconditionally.
func (a *Aggregator) Observe(err error) {
	if err == nil {
		return
	}
	kind := errors.Kind(err)

	a.mu.Lock()
	a.errorCounts[kind]++
	a.mu.Unlock()
}

// Snapshot assembles a consistent read-only view. Each table is read under
// its own lock for the minimum necessary window; writers are never delayed
// beyond that.
func (a *Aggregator) Snapshot() Snapshot {
	handles := a.registry.GetStats()
	systems := a.manager.GetStats()
	budget := a.ledger.GetStats()
	sched := a.scheduler.GetStats()

	a.mu.Lock()
	counts := make(map[string]int, len(a.errorCounts))
	for k, v := range a.errorCounts {
		counts[k] = v
	}
	a.mu.Unlock()

	snap := Snapshot{
		GeneratedAt:   a.timeNow(),
		Handles:       handles,
		Systems:       systems,
		Ledger:        budget,
		Scheduler:     sched,
		ErrorCounts:   counts,
		DroppedEvents: a.bus.Dropped(),
	}
	snap.HealthScore = a.score(snap)
	snap.Recommendations = a.recommend(snap)
	return snap
}

// score computes the 0-1 system health score. A failed scheduler is an
// immediate health failure: its stale coherence invalidates everything else.
func (a *Aggregator) score(s Snapshot) float64 {
	if s.Scheduler.State == decay.StateFailed {
		return 0
	}

	coherentRatio := 1.0
	if s.Handles.Active > 0 {
		coherentRatio = float64(s.Handles.Coherent) / float64(s.Handles.Active)
	}
	budgetRatio := 1.0
	if s.Ledger.TotalGranted > 0 {
		budgetRatio = s.Ledger.TotalAvailable / s.Ledger.TotalGranted
	}
	meanCoherence := 1.0
	if s.Handles.Active > 0 {
		meanCoherence = s.Handles.MeanCoherence
	}

	return util.Clamp01(0.5*meanCoherence + 0.3*coherentRatio + 0.2*budgetRatio)
}

// recommend derives an action list purely from current thresholds; no
// external state is consulted.
func (a *Aggregator) recommend(s Snapshot) []string {
	var recs []string

	if s.Scheduler.State == decay.StateFailed {
		recs = append(recs, "decay scheduler failed: restart the core, coherence tracking is stale")
	}
	if s.Handles.Active > 0 && s.Handles.MeanCoherence < a.decayCfg.DecoheringThreshold {
		recs = append(recs, "mean coherence below decohering threshold: reduce environmental noise or request fresh handles")
	}
	if s.Handles.Decohering > s.Handles.Coherent {
		recs = append(recs, "majority of handles decohering: release stale handles and re-create")
	}
	if s.Ledger.TotalGranted > 0 && s.Ledger.TotalAvailable == 0 {
		recs = append(recs, "coherence budget exhausted: expire stale sessions or open sessions with a larger grant")
	}
	if s.DroppedEvents > 0 {
		recs = append(recs, "event subscribers dropping notifications: increase events.buffer or drain subscriptions faster")
	}
	return recs
}
