package qstate

import (
	"math"
	"math/rand"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/entanglab/qcore/config"
	"github.com/entanglab/qcore/errors"
	"github.com/entanglab/qcore/event"
	"github.com/entanglab/qcore/internal/util"
)

// Entangler is the registry's view of the entanglement manager. Every method
// is invoked while the registry holds the handle-table lock, so
// implementations must take only their own table lock and never call back
// into the registry (lock order is always handle table, then system table).
type Entangler interface {
	// Collapse marks every system containing id as measured and returns the
	// co-members that must collapse with it.
	Collapse(id HandleID) []HandleID

	// Detach removes id from every system it belongs to, dissolving systems
	// left with fewer than two members. Returns the remaining members of
	// dissolved systems so the registry can clear their entangled flag.
	Detach(id HandleID, reason string) []HandleID

	// Rebind renames id across all memberships (transfer mints a new identity
	// for the same underlying state, entanglement follows the state).
	Rebind(old, new HandleID)
}

// HandleOps is the write surface handed to the entanglement manager inside
// Registry.Exclusive, letting it validate and flag handles in the same
// atomic step that updates its own system table.
type HandleOps interface {
	Handle(id HandleID) (Handle, bool)
	SetEntangled(id HandleID, entangled bool)
}

// Registry owns the handle table. All operations are linearizable per
// handle: the table lock is held for the minimum scope of each mutation and
// never across I/O.
type Registry struct {
	mu        sync.RWMutex
	handles   map[HandleID]*record
	bus       *event.Bus
	cfg       config.RegistryConfig
	entangler Entangler
	fresh     func() error // nil, or returns ErrSchedulerUnavailable when decay tracking has failed
	timeNow   func() time.Time
	rng       *rand.Rand
	log       *zap.SugaredLogger
}

// NewRegistry creates a handle registry publishing to bus.
func NewRegistry(cfg config.RegistryConfig, bus *event.Bus, log *zap.SugaredLogger) *Registry {
	return NewRegistryWithClock(cfg, bus, log, time.Now)
}

// NewRegistryWithClock creates a registry with an injectable clock (for testing).
func NewRegistryWithClock(cfg config.RegistryConfig, bus *event.Bus, log *zap.SugaredLogger, timeNow func() time.Time) *Registry {
	return &Registry{
		handles: make(map[HandleID]*record),
		bus:     bus,
		cfg:     cfg,
		timeNow: timeNow,
		rng:     rand.New(rand.NewSource(timeNow().UnixNano())),
		log:     log,
	}
}

// SetEntangler wires the entanglement manager. Must be called before any
// entangled handle is measured, released, or transferred.
func (r *Registry) SetEntangler(e Entangler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entangler = e
}

// SetFreshnessCheck wires a guard that fails coherence-dependent operations
// when the decay scheduler is no longer tracking coherence.
func (r *Registry) SetFreshnessCheck(fn func() error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fresh = fn
}

// Create allocates a new handle with full coherence. Fails with
// ErrInvalidDimension when dimension < 2 or the amplitude vector does not
// match the dimension.
func (r *Registry) Create(dimension int, amplitudes []complex128, owner string) (Handle, error) {
	if dimension < 2 {
		return Handle{}, errors.Wrapf(errors.ErrInvalidDimension, "dimension %d (qubits need 2, qudits more)", dimension)
	}
	if amplitudes != nil && len(amplitudes) != dimension {
		return Handle{}, errors.Wrapf(errors.ErrInvalidDimension, "%d amplitudes for dimension %d", len(amplitudes), dimension)
	}
	if owner == "" {
		owner = "local"
	}

	now := r.timeNow()
	rec := &record{
		id:          NewHandleID(),
		dimension:   dimension,
		amplitudes:  amplitudes,
		coherence:   1.0,
		status:      StatusCoherent,
		measurement: Unmeasured,
		purity:      PurityPure,
		owner:       owner,
		createdAt:   now,
		lastDecayAt: now,
	}

	r.mu.Lock()
	r.handles[rec.id] = rec
	r.publishLocked(rec.id, "created", map[string]interface{}{
		"dimension": dimension,
		"owner":     owner,
	})
	// Snapshot under the lock: the record is already visible to a
	// concurrent decay tick.
	snap := rec.snapshot()
	r.mu.Unlock()

	r.log.Debugw("Handle created", "handle_id", rec.id, "dimension", dimension, "owner", owner)
	return snap, nil
}

// Get returns a read-only snapshot of the handle.
func (r *Registry) Get(id HandleID) (Handle, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rec, ok := r.handles[id]
	if !ok {
		return Handle{}, errors.Wrapf(errors.ErrUseAfterRelease, "handle %s", id)
	}
	return rec.snapshot(), nil
}

// Transfer invalidates id and returns a new identity bound to the same
// underlying state (teleport/move semantics). Entanglement memberships
// follow the state to the new identity. Fails with ErrUseAfterRelease when
// the source is gone, ErrInsufficientCoherence below the transfer threshold,
// and ErrSchedulerUnavailable when coherence values are stale.
func (r *Registry) Transfer(id HandleID, newOwner string) (Handle, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.fresh != nil {
		if err := r.fresh(); err != nil {
			return Handle{}, err
		}
	}

	rec, ok := r.handles[id]
	if !ok {
		return Handle{}, errors.Wrapf(errors.ErrUseAfterRelease, "transfer of handle %s", id)
	}
	if rec.measurement == Measured {
		return Handle{}, errors.Wrapf(errors.ErrAlreadyMeasured, "transfer of handle %s", id)
	}
	if rec.coherence < r.cfg.TransferThreshold {
		return Handle{}, errors.Wrapf(errors.ErrInsufficientCoherence,
			"transfer of handle %s at coherence %.3f (threshold %.3f)", id, rec.coherence, r.cfg.TransferThreshold)
	}

	newID := NewHandleID()
	moved := *rec
	moved.id = newID
	if newOwner != "" {
		moved.owner = newOwner
	}

	delete(r.handles, id)
	r.handles[newID] = &moved
	if r.entangler != nil {
		r.entangler.Rebind(id, newID)
	}

	r.publishLocked(id, "transferred", map[string]interface{}{
		"to":    string(newID),
		"owner": moved.owner,
	})

	r.log.Debugw("Handle transferred", "from", id, "to", newID, "owner", moved.owner)
	return moved.snapshot(), nil
}

// Release removes the handle and all its entanglement memberships. A second
// release of the same id fails with ErrUseAfterRelease, never silently
// succeeds.
func (r *Registry) Release(id HandleID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.releaseLocked(id, "released")
}

func (r *Registry) releaseLocked(id HandleID, kind string) error {
	if _, ok := r.handles[id]; !ok {
		return errors.Wrapf(errors.ErrUseAfterRelease, "release of handle %s", id)
	}
	delete(r.handles, id)

	if r.entangler != nil {
		for _, partner := range r.entangler.Detach(id, kind) {
			if rec, ok := r.handles[partner]; ok {
				rec.entangled = false
			}
		}
	}

	r.publishLocked(id, kind, nil)
	return nil
}

// Clone always fails with ErrNoCloningViolation. The operation exists so
// ill-formed programs produce a diagnosable error; it never mutates the
// table.
func (r *Registry) Clone(id HandleID) error {
	err := errors.Wrapf(errors.ErrNoCloningViolation, "clone of handle %s", id)
	return errors.WithHint(err, "use transfer to move quantum state between handles")
}

// Measure collapses the handle, returning a basis outcome in [0, dimension).
// Collapse propagates atomically to every entangled partner: no query can
// observe a system with mixed measurement state. Fails with
// ErrAlreadyMeasured on a second measurement and ErrUseAfterRelease on a
// released handle (e.g. after decay won a race with the caller).
func (r *Registry) Measure(id HandleID) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.handles[id]
	if !ok {
		return 0, errors.Wrapf(errors.ErrUseAfterRelease, "measure of handle %s", id)
	}
	if rec.measurement == Measured {
		return 0, errors.Wrapf(errors.ErrAlreadyMeasured, "measure of handle %s", id)
	}

	outcome := r.sampleOutcome(rec)
	r.collapseLocked(rec, map[string]interface{}{"outcome": outcome})

	// Propagate to every entangled partner in the same logical step, still
	// under the table lock.
	if rec.entangled && r.entangler != nil {
		for _, partner := range r.entangler.Collapse(id) {
			p, ok := r.handles[partner]
			if !ok || p.measurement == Measured {
				continue
			}
			r.collapseLocked(p, map[string]interface{}{"collapsed_by": string(id)})
		}
	}

	r.log.Debugw("Handle measured", "handle_id", id, "outcome", outcome)
	return outcome, nil
}

// collapseLocked marks one record measured with terminal coherence.
func (r *Registry) collapseLocked(rec *record, detail map[string]interface{}) {
	rec.measurement = Measured
	if rec.coherence > r.cfg.MeasuredCoherence {
		rec.coherence = r.cfg.MeasuredCoherence
	}
	r.publishLocked(rec.id, "measured", detail)
}

// sampleOutcome draws a measurement outcome, weighted by |amplitude|^2 when
// amplitudes were supplied, uniform otherwise.
func (r *Registry) sampleOutcome(rec *record) int {
	if len(rec.amplitudes) == 0 {
		return r.rng.Intn(rec.dimension)
	}

	total := 0.0
	weights := make([]float64, len(rec.amplitudes))
	for i, a := range rec.amplitudes {
		w := real(a)*real(a) + imag(a)*imag(a)
		weights[i] = w
		total += w
	}
	if total <= 0 {
		return r.rng.Intn(rec.dimension)
	}

	x := r.rng.Float64() * total
	for i, w := range weights {
		x -= w
		if x <= 0 {
			return i
		}
	}
	return len(weights) - 1
}

// Exclusive runs fn with exclusive access to the handle table. The
// entanglement manager uses it to compose atomic cross-table operations
// while preserving lock order (handle table before system table).
func (r *Registry) Exclusive(fn func(ops HandleOps) error) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return fn(lockedOps{r})
}

type lockedOps struct{ r *Registry }

func (o lockedOps) Handle(id HandleID) (Handle, bool) {
	rec, ok := o.r.handles[id]
	if !ok {
		return Handle{}, false
	}
	return rec.snapshot(), true
}

func (o lockedOps) SetEntangled(id HandleID, entangled bool) {
	rec, ok := o.r.handles[id]
	if !ok {
		return
	}
	rec.entangled = entangled
	if entangled {
		// The reduced state of an entangled handle is mixed, and breaking the
		// system later does not restore purity.
		rec.purity = PurityMixed
		o.r.publishLocked(id, "entangled", nil)
	} else {
		o.r.publishLocked(id, "disentangled", nil)
	}
}

// AdvanceDecay applies exponential decay to every live unmeasured handle up
// to now, transitions handles across lifecycle states, and releases handles
// whose coherence fell below the decoherent threshold (cascading entanglement
// breaks included). Handles crossing a threshold in the same pass are
// processed in ascending coherence order so the most decohered handle's
// cascade resolves first. Transitions are never reversed.
func (r *Registry) AdvanceDecay(now time.Time, cfg config.DecayConfig) []Transition {
	r.mu.Lock()
	defer r.mu.Unlock()

	var crossed []*record
	for _, rec := range r.handles {
		if rec.measurement == Measured || rec.status == StatusDecoherent {
			continue
		}
		elapsed := now.Sub(rec.lastDecayAt)
		if elapsed <= 0 {
			continue
		}
		rec.lastDecayAt = now
		factor := math.Exp(-cfg.Rate * (1 + cfg.Noise) * elapsed.Seconds())
		rec.coherence *= factor

		if (rec.status == StatusCoherent && rec.coherence < cfg.DecoheringThreshold) ||
			rec.coherence < cfg.DecoherentThreshold {
			crossed = append(crossed, rec)
		}
	}

	// Deterministic event ordering for a given tick: most decohered first,
	// id as tie-break.
	sort.Slice(crossed, func(i, j int) bool {
		if crossed[i].coherence != crossed[j].coherence {
			return crossed[i].coherence < crossed[j].coherence
		}
		return crossed[i].id < crossed[j].id
	})

	var transitions []Transition
	for _, rec := range crossed {
		from := rec.status
		switch {
		case rec.coherence < cfg.DecoherentThreshold:
			rec.status = StatusDecoherent
			transitions = append(transitions, Transition{
				ID: rec.id, From: from, To: StatusDecoherent, Coherence: rec.coherence, Released: true,
			})
			r.publishDecayLocked(rec.id, from, StatusDecoherent, rec.coherence)
			// Decoherent handles are unusable: automatic release, including
			// breaking every system the handle belonged to.
			_ = r.releaseLocked(rec.id, "decohered")
		case rec.status == StatusCoherent && rec.coherence < cfg.DecoheringThreshold:
			rec.status = StatusDecohering
			transitions = append(transitions, Transition{
				ID: rec.id, From: from, To: StatusDecohering, Coherence: rec.coherence,
			})
			r.publishDecayLocked(rec.id, from, StatusDecohering, rec.coherence)
		}
	}

	return transitions
}

func (r *Registry) publishDecayLocked(id HandleID, from, to CoherenceStatus, coherence float64) {
	if r.bus == nil {
		return
	}
	r.bus.Publish(event.Event{
		Class:    event.ClassDecoherence,
		Kind:     "crossed",
		At:       r.timeNow(),
		HandleID: string(id),
		Detail: map[string]interface{}{
			"from":      string(from),
			"to":        string(to),
			"coherence": coherence,
		},
	})
}

func (r *Registry) publishLocked(id HandleID, kind string, detail map[string]interface{}) {
	if r.bus == nil {
		return
	}
	r.bus.Publish(event.Event{
		Class:    event.ClassHandleState,
		Kind:     kind,
		At:       r.timeNow(),
		HandleID: string(id),
		Detail:   detail,
	})
}

// Stats summarizes the handle table for diagnostics.
type Stats struct {
	Active        int     `json:"active"`
	Coherent      int     `json:"coherent"`
	Decohering    int     `json:"decohering"`
	Measured      int     `json:"measured"`
	Entangled     int     `json:"entangled"`
	MeanCoherence float64 `json:"mean_coherence"`
}

// GetStats takes a consistent read-only view of the table.
func (r *Registry) GetStats() Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var s Stats
	var sum float64
	for _, rec := range r.handles {
		s.Active++
		sum += rec.coherence
		switch rec.status {
		case StatusCoherent:
			s.Coherent++
		case StatusDecohering:
			s.Decohering++
		}
		if rec.measurement == Measured {
			s.Measured++
		}
		if rec.entangled {
			s.Entangled++
		}
	}
	if s.Active > 0 {
		s.MeanCoherence = sum / float64(s.Active)
	}
	return s
}

// Export returns a snapshot of every live handle, for persistence.
func (r *Registry) Export() []Handle {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Handle, 0, len(r.handles))
	for _, rec := range r.handles {
		out = append(out, rec.snapshot())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Restore inserts recovered handles into an empty registry. Recovery is
// lossy-but-safe: a handle whose persisted coherence is below the decoherent
// threshold is dropped (treated as already decoherent), never resurrected.
func (r *Registry) Restore(handles []Handle, decoherentThreshold float64) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	restored := 0
	now := r.timeNow()
	for _, h := range handles {
		if h.Coherence < decoherentThreshold || h.Status == StatusDecoherent {
			continue
		}
		r.handles[h.ID] = &record{
			id:          h.ID,
			dimension:   h.Dimension,
			coherence:   util.Clamp01(h.Coherence),
			status:      h.Status,
			measurement: h.Measurement,
			purity:      h.Purity,
			entangled:   h.Entangled,
			owner:       h.Owner,
			createdAt:   h.CreatedAt,
			lastDecayAt: now,
		}
		restored++
	}
	return restored
}
