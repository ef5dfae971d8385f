// Package core is the composition root of the coherence management core.
//
// It constructs and wires the handle registry, entanglement manager, decay
// scheduler, coherence ledger, event bus, and diagnostics aggregator as
// explicit instances (no process-wide singletons), and exposes the
// synchronous command/query surface external collaborators consume. Every
// operation result flows through the diagnostics error histogram.
package core

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/entanglab/qcore/config"
	"github.com/entanglab/qcore/decay"
	"github.com/entanglab/qcore/diag"
	"github.com/entanglab/qcore/entangle"
	"github.com/entanglab/qcore/event"
	"github.com/entanglab/qcore/ledger"
	"github.com/entanglab/qcore/qstate"
	"github.com/entanglab/qcore/store"
)

// Core owns one fully wired instance of the coherence core. Multiple
// isolated instances may coexist in a process (one per test, for example).
type Core struct {
	cfg       *config.Config
	bus       *event.Bus
	registry  *qstate.Registry
	manager   *entangle.Manager
	ledger    *ledger.Ledger
	scheduler *decay.Scheduler
	diag      *diag.Aggregator
	snapshots *store.Store // optional
	log       *zap.SugaredLogger
}

// New creates a core with the real clock.
func New(cfg *config.Config, log *zap.SugaredLogger) *Core {
	return NewWithClock(context.Background(), cfg, log, time.Now)
}

// NewWithClock creates a core with a parent context and an injectable clock,
// so tests can drive simulated time through every component at once.
func NewWithClock(ctx context.Context, cfg *config.Config, log *zap.SugaredLogger, timeNow func() time.Time) *Core {
	bus := event.NewBus(cfg.Events.Buffer)
	registry := qstate.NewRegistryWithClock(cfg.Registry, bus, log, timeNow)
	manager := entangle.NewManagerWithClock(cfg.Entangle, registry, bus, log, timeNow)
	ldg := ledger.NewLedgerWithClock(cfg.Ledger, bus, log, timeNow)
	scheduler := decay.NewSchedulerWithClock(ctx, registry, cfg.Decay, log, timeNow)

	registry.SetEntangler(manager)
	registry.SetFreshnessCheck(scheduler.Healthy)

	return &Core{
		cfg:       cfg,
		bus:       bus,
		registry:  registry,
		manager:   manager,
		ledger:    ldg,
		scheduler: scheduler,
		diag:      diag.NewAggregator(registry, manager, ldg, scheduler, bus, cfg.Decay),
		log:       log,
	}
}

// AttachStore enables snapshot persistence. Call before Start.
func (c *Core) AttachStore(s *store.Store) {
	c.snapshots = s
}

// Start launches the decay scheduler.
func (c *Core) Start() {
	c.scheduler.Start()
}

// Stop shuts the core down: the scheduler finishes its in-flight tick, a
// final snapshot is persisted when a store is attached, and the bus closes
// every subscriber channel.
func (c *Core) Stop() {
	c.scheduler.Stop()
	if c.snapshots != nil {
		if err := c.SaveSnapshot(); err != nil {
			c.log.Errorw("Failed to persist final snapshot", "error", err)
		}
	}
	c.bus.Close()
}

// --- Handle operations ---

// CreateHandle allocates a new coherent handle.
func (c *Core) CreateHandle(dimension int, amplitudes []complex128, owner string) (qstate.Handle, error) {
	h, err := c.registry.Create(dimension, amplitudes, owner)
	c.diag.Observe(err)
	return h, err
}

// GetHandle returns a read-only snapshot of a handle.
func (c *Core) GetHandle(id qstate.HandleID) (qstate.Handle, error) {
	h, err := c.registry.Get(id)
	c.diag.Observe(err)
	return h, err
}

// Transfer moves a handle to a new identity (teleport semantics).
func (c *Core) Transfer(id qstate.HandleID, newOwner string) (qstate.Handle, error) {
	h, err := c.registry.Transfer(id, newOwner)
	c.diag.Observe(err)
	return h, err
}

// Release removes a handle and all its entanglement memberships.
func (c *Core) Release(id qstate.HandleID) error {
	err := c.registry.Release(id)
	c.diag.Observe(err)
	return err
}

// Clone always fails with a no-cloning violation.
func (c *Core) Clone(id qstate.HandleID) error {
	err := c.registry.Clone(id)
	c.diag.Observe(err)
	return err
}

// Measure collapses a handle and atomically propagates to its partners.
func (c *Core) Measure(id qstate.HandleID) (int, error) {
	outcome, err := c.registry.Measure(id)
	c.diag.Observe(err)
	return outcome, err
}

// --- Entanglement operations ---

// Entangle creates one symmetric system over the participants.
func (c *Core) Entangle(ids ...qstate.HandleID) (entangle.SystemID, error) {
	sid, err := c.manager.Entangle(ids...)
	c.diag.Observe(err)
	return sid, err
}

// BreakSystem dissolves an entangled system.
func (c *Core) BreakSystem(id entangle.SystemID, reason string) error {
	err := c.manager.Break(id, reason)
	c.diag.Observe(err)
	return err
}

// PartnersOf lists the other members of the system a handle belongs to.
func (c *Core) PartnersOf(id qstate.HandleID) []qstate.HandleID {
	return c.manager.PartnersOf(id)
}

// FidelityOf returns a system's fidelity.
func (c *Core) FidelityOf(id entangle.SystemID) (float64, error) {
	f, err := c.manager.FidelityOf(id)
	c.diag.Observe(err)
	return f, err
}

// --- Ledger operations ---

// OpenSession opens a coherence-budget session.
func (c *Core) OpenSession(node, channel, session string, grant float64) (ledger.Session, error) {
	s, err := c.ledger.Open(node, channel, session, grant)
	c.diag.Observe(err)
	return s, err
}

// Reserve consumes budget for a distributed operation.
func (c *Core) Reserve(node, channel, session string, amount float64) error {
	err := c.ledger.Reserve(node, channel, session, amount)
	c.diag.Observe(err)
	return err
}

// ReleaseBudget returns unused budget, capped at the original grant.
func (c *Core) ReleaseBudget(node, channel, session string, amount float64) error {
	err := c.ledger.Release(node, channel, session, amount)
	c.diag.Observe(err)
	return err
}

// DrainSession stops new reservations while allowing pending releases.
func (c *Core) DrainSession(node, channel, session string) error {
	err := c.ledger.Drain(node, channel, session)
	c.diag.Observe(err)
	return err
}

// ExpireSession zeroes and removes a session's ledger entry.
func (c *Core) ExpireSession(node, channel, session string) error {
	err := c.ledger.ExpireSession(node, channel, session)
	c.diag.Observe(err)
	return err
}

// TeleportCost estimates budget consumption for an operation spanning hops.
func (c *Core) TeleportCost(hops int) float64 {
	return c.ledger.Cost(hops)
}

// --- Observation surfaces ---

// Subscribe registers a consumer for the ordered event feed, optionally
// narrowed to specific event classes.
func (c *Core) Subscribe(classes ...event.Class) *event.Subscription {
	return c.bus.Subscribe(classes...)
}

// Snapshot returns an on-demand diagnostic view.
func (c *Core) Snapshot() diag.Snapshot {
	return c.diag.Snapshot()
}

// Scheduler exposes the decay scheduler for supervision.
func (c *Core) Scheduler() *decay.Scheduler {
	return c.scheduler
}

// --- Persistence ---

// SaveSnapshot persists the current handle/system/session tables.
func (c *Core) SaveSnapshot() error {
	if c.snapshots == nil {
		return nil
	}
	return c.snapshots.Save(c.registry.Export(), c.manager.Export(), c.ledger.Export())
}

// Recover loads a persisted snapshot into an empty core. Handles whose
// persisted coherence was below the decoherent threshold are treated as
// already decoherent (lossy-but-safe), and systems whose members did not
// survive are dissolved rather than resurrected.
func (c *Core) Recover() error {
	if c.snapshots == nil {
		return nil
	}

	handles, err := c.snapshots.LoadHandles()
	if err != nil {
		return err
	}
	restoredHandles := c.registry.Restore(handles, c.cfg.Decay.DecoherentThreshold)

	alive := make(map[qstate.HandleID]bool, restoredHandles)
	for _, h := range c.registry.Export() {
		alive[h.ID] = true
	}

	systems, err := c.snapshots.LoadSystems()
	if err != nil {
		return err
	}
	restoredSystems := c.manager.Restore(systems, func(id qstate.HandleID) bool { return alive[id] })

	// Clear entangled flags on handles whose systems did not survive.
	entangledNow := make(map[qstate.HandleID]bool)
	for _, sys := range c.manager.Export() {
		for _, member := range sys.Members {
			entangledNow[member] = true
		}
	}
	err = c.registry.Exclusive(func(ops qstate.HandleOps) error {
		for id := range alive {
			if h, ok := ops.Handle(id); ok && h.Entangled && !entangledNow[id] {
				ops.SetEntangled(id, false)
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	sessions, err := c.snapshots.LoadSessions()
	if err != nil {
		return err
	}
	restoredSessions := c.ledger.Restore(sessions)

	c.log.Infow("Recovered from snapshot",
		"handles", restoredHandles,
		"systems", restoredSystems,
		"sessions", restoredSessions)
	return nil
}
