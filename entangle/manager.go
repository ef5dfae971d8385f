// Package entangle maintains the undirected relation between handles that
// are entangled.
//
// Membership is symmetric and each handle belongs to at most one system at a
// time (the conflict policy decides whether a second entangle request merges
// systems or is rejected). Measuring or releasing any member is reflected on
// all partners in the same atomic step; the manager holds only handle ids,
// never copies of handle state.
//
// Lock order: compound operations always take the handle table lock (via
// Registry.Exclusive or by being called from inside the registry) before the
// system table lock.
package entangle

import (
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/entanglab/qcore/config"
	"github.com/entanglab/qcore/errors"
	"github.com/entanglab/qcore/event"
	"github.com/entanglab/qcore/qstate"
)

// SystemID identifies one entangled system.
type SystemID string

// NewSystemID mints a fresh system identity.
func NewSystemID() SystemID {
	return SystemID("qs-" + uuid.NewString())
}

// System is a read-only snapshot of one entangled system.
type System struct {
	ID          SystemID          `json:"id"`
	Members     []qstate.HandleID `json:"members"`
	Fidelity    float64           `json:"fidelity"`
	Strength    float64           `json:"strength"`
	Measured    bool              `json:"measured"`
	CollapsedBy qstate.HandleID   `json:"collapsed_by,omitempty"`
	CreatedAt   time.Time         `json:"created_at"`
}

type system struct {
	id          SystemID
	members     map[qstate.HandleID]struct{}
	fidelity    float64
	strength    float64
	measured    bool
	collapsedBy qstate.HandleID
	createdAt   time.Time
}

func (s *system) snapshot() System {
	members := make([]qstate.HandleID, 0, len(s.members))
	for m := range s.members {
		members = append(members, m)
	}
	sort.Slice(members, func(i, j int) bool { return members[i] < members[j] })
	return System{
		ID:          s.id,
		Members:     members,
		Fidelity:    s.fidelity,
		Strength:    s.strength,
		Measured:    s.measured,
		CollapsedBy: s.collapsedBy,
		CreatedAt:   s.createdAt,
	}
}

// Manager owns the entanglement-system table.
type Manager struct {
	mu         sync.RWMutex
	systems    map[SystemID]*system
	membership map[qstate.HandleID]SystemID
	registry   *qstate.Registry
	bus        *event.Bus
	cfg        config.EntangleConfig
	timeNow    func() time.Time
	log        *zap.SugaredLogger
}

// NewManager creates an entanglement manager backed by the given registry.
func NewManager(cfg config.EntangleConfig, registry *qstate.Registry, bus *event.Bus, log *zap.SugaredLogger) *Manager {
	return NewManagerWithClock(cfg, registry, bus, log, time.Now)
}

// NewManagerWithClock creates a manager with an injectable clock (for testing).
func NewManagerWithClock(cfg config.EntangleConfig, registry *qstate.Registry, bus *event.Bus, log *zap.SugaredLogger, timeNow func() time.Time) *Manager {
	return &Manager{
		systems:    make(map[SystemID]*system),
		membership: make(map[qstate.HandleID]SystemID),
		registry:   registry,
		bus:        bus,
		cfg:        cfg,
		timeNow:    timeNow,
		log:        log,
	}
}

// Entangle creates one symmetric system over the participants. Every
// participant must be known, unmeasured, and coherent. A participant already
// committed to another system triggers the configured conflict policy:
// reject fails with ErrAlreadyEntangled, merge unions the systems under the
// existing system's id with fidelity taken as the minimum.
func (m *Manager) Entangle(ids ...qstate.HandleID) (SystemID, error) {
	if len(ids) < 2 {
		return "", errors.Newf("entangle needs at least 2 handles, got %d", len(ids))
	}
	seen := make(map[qstate.HandleID]struct{}, len(ids))
	for _, id := range ids {
		if _, dup := seen[id]; dup {
			return "", errors.Newf("handle %s listed twice", id)
		}
		seen[id] = struct{}{}
	}

	var systemID SystemID
	err := m.registry.Exclusive(func(ops qstate.HandleOps) error {
		m.mu.Lock()
		defer m.mu.Unlock()

		for _, id := range ids {
			h, ok := ops.Handle(id)
			if !ok {
				return errors.Wrapf(errors.ErrUndefinedHandle, "entangle participant %s", id)
			}
			if h.Measurement == qstate.Measured {
				return errors.Wrapf(errors.ErrAlreadyMeasured, "entangle participant %s", id)
			}
			if h.Status != qstate.StatusCoherent {
				return errors.Wrapf(errors.ErrInsufficientCoherence,
					"entangle participant %s is %s at coherence %.3f", id, h.Status, h.Coherence)
			}
		}

		var conflicts []SystemID
		for _, id := range ids {
			if sid, ok := m.membership[id]; ok {
				conflicts = append(conflicts, sid)
			}
		}

		switch {
		case len(conflicts) == 0:
			sys := &system{
				id:        NewSystemID(),
				members:   make(map[qstate.HandleID]struct{}, len(ids)),
				fidelity:  m.cfg.DefaultFidelity,
				strength:  m.cfg.DefaultStrength,
				createdAt: m.timeNow(),
			}
			for _, id := range ids {
				sys.members[id] = struct{}{}
				m.membership[id] = sys.id
				ops.SetEntangled(id, true)
			}
			m.systems[sys.id] = sys
			systemID = sys.id
			m.publishLocked(sys.id, "entangled", map[string]interface{}{
				"members":  memberStrings(sys),
				"fidelity": sys.fidelity,
			})

		case m.cfg.ConflictPolicy == config.ConflictMerge:
			systemID = m.mergeLocked(ops, conflicts, ids)

		default:
			return errors.Wrapf(errors.ErrAlreadyEntangled,
				"participant already in system %s (policy: reject)", conflicts[0])
		}
		return nil
	})
	if err != nil {
		return "", err
	}

	m.log.Debugw("Entangled", "system_id", systemID, "members", len(ids))
	return systemID, nil
}

// mergeLocked unions every conflicting system plus the new participants into
// the first conflicting system. Called with both table locks held.
func (m *Manager) mergeLocked(ops qstate.HandleOps, conflicts []SystemID, ids []qstate.HandleID) SystemID {
	target := m.systems[conflicts[0]]
	for _, sid := range conflicts[1:] {
		if sid == target.id {
			continue
		}
		src, ok := m.systems[sid]
		if !ok {
			continue
		}
		for member := range src.members {
			target.members[member] = struct{}{}
			m.membership[member] = target.id
		}
		if src.fidelity < target.fidelity {
			target.fidelity = src.fidelity
		}
		delete(m.systems, sid)
	}
	for _, id := range ids {
		if _, already := target.members[id]; already {
			continue
		}
		target.members[id] = struct{}{}
		m.membership[id] = target.id
		ops.SetEntangled(id, true)
	}
	if m.cfg.DefaultFidelity < target.fidelity {
		target.fidelity = m.cfg.DefaultFidelity
	}
	m.publishLocked(target.id, "merged", map[string]interface{}{
		"members":  memberStrings(target),
		"fidelity": target.fidelity,
	})
	return target.id
}

// Break dissolves the system: all participants lose entangled status, with
// one event per affected handle plus one system-level event, in a single
// atomic step.
func (m *Manager) Break(id SystemID, reason string) error {
	return m.registry.Exclusive(func(ops qstate.HandleOps) error {
		m.mu.Lock()
		defer m.mu.Unlock()

		sys, ok := m.systems[id]
		if !ok {
			return errors.Wrapf(errors.ErrUndefinedHandle, "break of system %s", id)
		}
		m.dissolveLocked(sys, reason, func(member qstate.HandleID) {
			ops.SetEntangled(member, false)
		})
		return nil
	})
}

// dissolveLocked removes a system and its memberships, invoking onMember for
// each participant and publishing the system-level event. Called with the
// system table lock held.
func (m *Manager) dissolveLocked(sys *system, reason string, onMember func(qstate.HandleID)) {
	for member := range sys.members {
		delete(m.membership, member)
		if onMember != nil {
			onMember(member)
		}
	}
	delete(m.systems, sys.id)
	m.publishLocked(sys.id, "broken", map[string]interface{}{
		"members": memberStrings(sys),
		"reason":  reason,
	})
}

// Collapse marks every system containing id as measured and returns the
// co-members. Invoked by the registry's Measure with the handle table lock
// held; the causal link is recorded on the system for auditability.
func (m *Manager) Collapse(id qstate.HandleID) []qstate.HandleID {
	m.mu.Lock()
	defer m.mu.Unlock()

	sid, ok := m.membership[id]
	if !ok {
		return nil
	}
	sys := m.systems[sid]
	sys.measured = true
	sys.collapsedBy = id

	partners := make([]qstate.HandleID, 0, len(sys.members)-1)
	for member := range sys.members {
		if member != id {
			partners = append(partners, member)
		}
	}
	sort.Slice(partners, func(i, j int) bool { return partners[i] < partners[j] })

	m.publishLocked(sid, "collapsed", map[string]interface{}{
		"collapsed_by": string(id),
		"members":      memberStrings(sys),
	})
	return partners
}

// Detach removes id from its system, dissolving the system when fewer than
// two members remain. Invoked by the registry with the handle table lock
// held. Returns the remaining members of a dissolved system.
func (m *Manager) Detach(id qstate.HandleID, reason string) []qstate.HandleID {
	m.mu.Lock()
	defer m.mu.Unlock()

	sid, ok := m.membership[id]
	if !ok {
		return nil
	}
	sys := m.systems[sid]
	delete(sys.members, id)
	delete(m.membership, id)

	if len(sys.members) >= 2 {
		m.publishLocked(sid, "member_removed", map[string]interface{}{
			"handle_id": string(id),
			"reason":    reason,
		})
		return nil
	}

	remaining := make([]qstate.HandleID, 0, len(sys.members))
	for member := range sys.members {
		remaining = append(remaining, member)
	}
	m.dissolveLocked(sys, reason, nil)
	return remaining
}

// Rebind renames a handle across its membership (transfer mints a new
// identity for the same state). Invoked by the registry with the handle
// table lock held.
func (m *Manager) Rebind(old, new qstate.HandleID) {
	m.mu.Lock()
	defer m.mu.Unlock()

	sid, ok := m.membership[old]
	if !ok {
		return
	}
	sys := m.systems[sid]
	delete(sys.members, old)
	sys.members[new] = struct{}{}
	delete(m.membership, old)
	m.membership[new] = sid
}

// PartnersOf returns the other members of the system id belongs to. Pure
// read: it never mutates state or triggers decay. A handle in no system has
// no partners.
func (m *Manager) PartnersOf(id qstate.HandleID) []qstate.HandleID {
	m.mu.RLock()
	defer m.mu.RUnlock()

	sid, ok := m.membership[id]
	if !ok {
		return nil
	}
	sys := m.systems[sid]
	partners := make([]qstate.HandleID, 0, len(sys.members)-1)
	for member := range sys.members {
		if member != id {
			partners = append(partners, member)
		}
	}
	sort.Slice(partners, func(i, j int) bool { return partners[i] < partners[j] })
	return partners
}

// FidelityOf returns the fidelity of a system. Pure read.
func (m *Manager) FidelityOf(id SystemID) (float64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	sys, ok := m.systems[id]
	if !ok {
		return 0, errors.Wrapf(errors.ErrUndefinedHandle, "fidelity of system %s", id)
	}
	return sys.fidelity, nil
}

// SystemOf returns the system id belongs to, if any. Pure read.
func (m *Manager) SystemOf(id qstate.HandleID) (System, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	sid, ok := m.membership[id]
	if !ok {
		return System{}, false
	}
	return m.systems[sid].snapshot(), true
}

// Get returns a snapshot of the system.
func (m *Manager) Get(id SystemID) (System, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	sys, ok := m.systems[id]
	if !ok {
		return System{}, errors.Wrapf(errors.ErrUndefinedHandle, "system %s", id)
	}
	return sys.snapshot(), nil
}

// Stats summarizes the system table for diagnostics.
type Stats struct {
	Systems      int     `json:"systems"`
	Collapsed    int     `json:"collapsed"`
	MeanFidelity float64 `json:"mean_fidelity"`
}

// GetStats takes a consistent read-only view of the table.
func (m *Manager) GetStats() Stats {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var s Stats
	var sum float64
	for _, sys := range m.systems {
		s.Systems++
		sum += sys.fidelity
		if sys.measured {
			s.Collapsed++
		}
	}
	if s.Systems > 0 {
		s.MeanFidelity = sum / float64(s.Systems)
	}
	return s
}

// Export returns a snapshot of every system, for persistence.
func (m *Manager) Export() []System {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]System, 0, len(m.systems))
	for _, sys := range m.systems {
		out = append(out, sys.snapshot())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Restore inserts recovered systems into an empty manager, skipping systems
// whose members did not survive handle recovery.
func (m *Manager) Restore(systems []System, handleAlive func(qstate.HandleID) bool) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	restored := 0
	for _, s := range systems {
		alive := make(map[qstate.HandleID]struct{}, len(s.Members))
		for _, member := range s.Members {
			if handleAlive(member) {
				alive[member] = struct{}{}
			}
		}
		if len(alive) < 2 {
			continue
		}
		sys := &system{
			id:          s.ID,
			members:     alive,
			fidelity:    s.Fidelity,
			strength:    s.Strength,
			measured:    s.Measured,
			collapsedBy: s.CollapsedBy,
			createdAt:   s.CreatedAt,
		}
		m.systems[sys.id] = sys
		for member := range alive {
			m.membership[member] = sys.id
		}
		restored++
	}
	return restored
}

func (m *Manager) publishLocked(id SystemID, kind string, detail map[string]interface{}) {
	if m.bus == nil {
		return
	}
	m.bus.Publish(event.Event{
		Class:    event.ClassEntanglement,
		Kind:     kind,
		At:       m.timeNow(),
		SystemID: string(id),
		Detail:   detail,
	})
}

func memberStrings(sys *system) []string {
	out := make([]string, 0, len(sys.members))
	for member := range sys.members {
		out = append(out, string(member))
	}
	sort.Strings(out)
	return out
}
