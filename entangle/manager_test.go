package entangle

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/entanglab/qcore/config"
	"github.com/entanglab/qcore/errors"
	"github.com/entanglab/qcore/event"
	"github.com/entanglab/qcore/logger"
	"github.com/entanglab/qcore/qstate"
)

func testEntangleConfig(policy config.ConflictPolicy) config.EntangleConfig {
	return config.EntangleConfig{
		ConflictPolicy:  policy,
		DefaultFidelity: 0.95,
		DefaultStrength: 1.0,
	}
}

// newTestPair wires a registry and manager the way the composition root does,
// so collapse and cascade paths run end to end.
func newTestPair(t *testing.T, policy config.ConflictPolicy) (*qstate.Registry, *Manager) {
	t.Helper()
	bus := event.NewBus(64)
	registryCfg := config.RegistryConfig{TransferThreshold: 0.5, MeasuredCoherence: 0.0}
	registry := qstate.NewRegistry(registryCfg, bus, logger.Logger)
	manager := NewManager(testEntangleConfig(policy), registry, bus, logger.Logger)
	registry.SetEntangler(manager)
	return registry, manager
}

func createHandles(t *testing.T, r *qstate.Registry, n int) []qstate.HandleID {
	t.Helper()
	ids := make([]qstate.HandleID, n)
	for i := range ids {
		h, err := r.Create(2, nil, "test")
		require.NoError(t, err)
		ids[i] = h.ID
	}
	return ids
}

func TestEntangleIsSymmetric(t *testing.T) {
	r, m := newTestPair(t, config.ConflictReject)
	ids := createHandles(t, r, 3)

	sid, err := m.Entangle(ids...)
	require.NoError(t, err)
	require.NotEmpty(t, sid)

	assert.ElementsMatch(t, []qstate.HandleID{ids[1], ids[2]}, m.PartnersOf(ids[0]))
	assert.ElementsMatch(t, []qstate.HandleID{ids[0], ids[2]}, m.PartnersOf(ids[1]))
	assert.ElementsMatch(t, []qstate.HandleID{ids[0], ids[1]}, m.PartnersOf(ids[2]))

	for _, id := range ids {
		h, err := r.Get(id)
		require.NoError(t, err)
		assert.True(t, h.Entangled)
		assert.Equal(t, qstate.PurityMixed, h.Purity)
	}

	f, err := m.FidelityOf(sid)
	require.NoError(t, err)
	assert.Equal(t, 0.95, f)
}

func TestEntangleValidatesParticipants(t *testing.T) {
	r, m := newTestPair(t, config.ConflictReject)
	ids := createHandles(t, r, 2)

	// Malformed argument lists are plain errors, not lookup or conflict
	// outcomes, so they stay out of those histogram kinds.
	_, err := m.Entangle(ids[0])
	require.Error(t, err)
	assert.Equal(t, "unknown", errors.Kind(err))

	_, err = m.Entangle(ids[0], ids[0])
	require.Error(t, err)
	assert.Equal(t, "unknown", errors.Kind(err))

	_, err = m.Entangle(ids[0], qstate.HandleID("qh-nonexistent"))
	assert.True(t, errors.Is(err, errors.ErrUndefinedHandle))

	// A failed entangle leaves no partial membership behind.
	assert.Empty(t, m.PartnersOf(ids[0]))
	h, err := r.Get(ids[0])
	require.NoError(t, err)
	assert.False(t, h.Entangled)
}

func TestEntangleRejectsMeasuredParticipant(t *testing.T) {
	r, m := newTestPair(t, config.ConflictReject)
	ids := createHandles(t, r, 2)

	_, err := r.Measure(ids[0])
	require.NoError(t, err)

	_, err = m.Entangle(ids[0], ids[1])
	assert.True(t, errors.Is(err, errors.ErrAlreadyMeasured))
}

func TestConflictPolicyReject(t *testing.T) {
	r, m := newTestPair(t, config.ConflictReject)
	ids := createHandles(t, r, 3)

	_, err := m.Entangle(ids[0], ids[1])
	require.NoError(t, err)

	_, err = m.Entangle(ids[1], ids[2])
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrAlreadyEntangled))

	// The third handle stays untouched.
	assert.Empty(t, m.PartnersOf(ids[2]))
}

func TestConflictPolicyMerge(t *testing.T) {
	r, m := newTestPair(t, config.ConflictMerge)
	ids := createHandles(t, r, 4)

	first, err := m.Entangle(ids[0], ids[1])
	require.NoError(t, err)
	second, err := m.Entangle(ids[2], ids[3])
	require.NoError(t, err)
	require.NotEqual(t, first, second)

	// Bridging both systems unions them under the first conflicting system.
	merged, err := m.Entangle(ids[1], ids[2])
	require.NoError(t, err)
	assert.Equal(t, first, merged)

	sys, err := m.Get(merged)
	require.NoError(t, err)
	assert.Len(t, sys.Members, 4)

	_, err = m.Get(second)
	assert.True(t, errors.Is(err, errors.ErrUndefinedHandle))

	assert.ElementsMatch(t, []qstate.HandleID{ids[1], ids[2], ids[3]}, m.PartnersOf(ids[0]))
}

func TestMeasureCollapsesWholeSystem(t *testing.T) {
	r, m := newTestPair(t, config.ConflictReject)
	ids := createHandles(t, r, 3)

	sid, err := m.Entangle(ids...)
	require.NoError(t, err)

	_, err = r.Measure(ids[1])
	require.NoError(t, err)

	// Every member observed as measured; no partial collapse is visible.
	for _, id := range ids {
		h, err := r.Get(id)
		require.NoError(t, err)
		assert.Equal(t, qstate.Measured, h.Measurement)
	}

	sys, err := m.Get(sid)
	require.NoError(t, err)
	assert.True(t, sys.Measured)
	assert.Equal(t, ids[1], sys.CollapsedBy)
}

func TestBreakClearsAllMembers(t *testing.T) {
	r, m := newTestPair(t, config.ConflictReject)
	ids := createHandles(t, r, 2)

	sid, err := m.Entangle(ids...)
	require.NoError(t, err)

	require.NoError(t, m.Break(sid, "user request"))

	_, err = m.Get(sid)
	assert.True(t, errors.Is(err, errors.ErrUndefinedHandle))

	for _, id := range ids {
		h, err := r.Get(id)
		require.NoError(t, err)
		assert.False(t, h.Entangled)
		// Purity stays mixed after the break.
		assert.Equal(t, qstate.PurityMixed, h.Purity)
		assert.Empty(t, m.PartnersOf(id))
	}

	err = m.Break(sid, "again")
	assert.True(t, errors.Is(err, errors.ErrUndefinedHandle))
}

func TestReleaseDissolvesPairSystem(t *testing.T) {
	r, m := newTestPair(t, config.ConflictReject)
	ids := createHandles(t, r, 2)

	sid, err := m.Entangle(ids...)
	require.NoError(t, err)

	require.NoError(t, r.Release(ids[0]))

	// One survivor is not a system.
	_, err = m.Get(sid)
	assert.True(t, errors.Is(err, errors.ErrUndefinedHandle))

	h, err := r.Get(ids[1])
	require.NoError(t, err)
	assert.False(t, h.Entangled)
}

func TestReleaseKeepsLargerSystemAlive(t *testing.T) {
	r, m := newTestPair(t, config.ConflictReject)
	ids := createHandles(t, r, 3)

	sid, err := m.Entangle(ids...)
	require.NoError(t, err)

	require.NoError(t, r.Release(ids[0]))

	sys, err := m.Get(sid)
	require.NoError(t, err)
	assert.ElementsMatch(t, []qstate.HandleID{ids[1], ids[2]}, sys.Members)

	h, err := r.Get(ids[1])
	require.NoError(t, err)
	assert.True(t, h.Entangled)
}

func TestTransferRebindsMembership(t *testing.T) {
	r, m := newTestPair(t, config.ConflictReject)
	ids := createHandles(t, r, 2)

	sid, err := m.Entangle(ids...)
	require.NoError(t, err)

	moved, err := r.Transfer(ids[0], "bob")
	require.NoError(t, err)

	sys, err := m.Get(sid)
	require.NoError(t, err)
	assert.ElementsMatch(t, []qstate.HandleID{moved.ID, ids[1]}, sys.Members)
	assert.Equal(t, []qstate.HandleID{moved.ID}, m.PartnersOf(ids[1]))
	assert.Empty(t, m.PartnersOf(ids[0]))
}

func TestEntangleAfterMeasureScenario(t *testing.T) {
	r, m := newTestPair(t, config.ConflictReject)
	ids := createHandles(t, r, 2)

	sid, err := m.Entangle(ids...)
	require.NoError(t, err)

	_, err = r.Measure(ids[0])
	require.NoError(t, err)

	// Both members are measured, so re-entangling either fails with
	// already-measured, not use-after-release: the handles still exist.
	fresh := createHandles(t, r, 1)
	_, err = m.Entangle(ids[1], fresh[0])
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrAlreadyMeasured))
	assert.False(t, errors.Is(err, errors.ErrUseAfterRelease))

	sys, err := m.Get(sid)
	require.NoError(t, err)
	assert.True(t, sys.Measured)
}

func TestGetStats(t *testing.T) {
	r, m := newTestPair(t, config.ConflictReject)
	ids := createHandles(t, r, 4)

	_, err := m.Entangle(ids[0], ids[1])
	require.NoError(t, err)
	_, err = m.Entangle(ids[2], ids[3])
	require.NoError(t, err)

	_, err = r.Measure(ids[0])
	require.NoError(t, err)

	stats := m.GetStats()
	assert.Equal(t, 2, stats.Systems)
	assert.Equal(t, 1, stats.Collapsed)
	assert.InDelta(t, 0.95, stats.MeanFidelity, 1e-9)
}

func TestRestoreSkipsDeadSystems(t *testing.T) {
	_, m := newTestPair(t, config.ConflictReject)

	systems := []System{
		{ID: "qs-alive", Members: []qstate.HandleID{"qh-a", "qh-b"}, Fidelity: 0.9, CreatedAt: time.Now()},
		{ID: "qs-dead", Members: []qstate.HandleID{"qh-a", "qh-gone"}, Fidelity: 0.9, CreatedAt: time.Now()},
	}
	alive := map[qstate.HandleID]bool{"qh-a": true, "qh-b": true}

	restored := m.Restore(systems, func(id qstate.HandleID) bool { return alive[id] })
	assert.Equal(t, 1, restored)

	_, err := m.Get(SystemID("qs-alive"))
	assert.NoError(t, err)
	_, err = m.Get(SystemID("qs-dead"))
	assert.True(t, errors.Is(err, errors.ErrUndefinedHandle))
}

func TestEntanglementEvents(t *testing.T) {
	bus := event.NewBus(64)
	registry := qstate.NewRegistry(config.RegistryConfig{TransferThreshold: 0.5}, bus, logger.Logger)
	m := NewManager(testEntangleConfig(config.ConflictReject), registry, bus, logger.Logger)
	registry.SetEntangler(m)

	ids := createHandles(t, registry, 2)

	sub := bus.Subscribe()
	defer sub.Close()

	sid, err := m.Entangle(ids...)
	require.NoError(t, err)
	require.NoError(t, m.Break(sid, "test"))

	var kinds []string
	for i := 0; i < 6; i++ {
		ev := <-sub.C()
		kinds = append(kinds, string(ev.Class)+"/"+ev.Kind)
	}
	assert.Equal(t, []string{
		"handle.state/entangled",
		"handle.state/entangled",
		"entanglement.changed/entangled",
		"handle.state/disentangled",
		"handle.state/disentangled",
		"entanglement.changed/broken",
	}, kinds)
}
