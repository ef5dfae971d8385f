package store

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/entanglab/qcore/entangle"
	"github.com/entanglab/qcore/ledger"
	"github.com/entanglab/qcore/logger"
	"github.com/entanglab/qcore/qstate"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := OpenStore(filepath.Join(t.TempDir(), "snapshot.db"), logger.Logger)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	require.NoError(t, s.Migrate())
	return s
}

func TestSaveLoadRoundtrip(t *testing.T) {
	s := newTestStore(t)

	createdAt := time.Date(2025, 6, 1, 12, 0, 0, 123456789, time.UTC)
	handles := []qstate.Handle{
		{ID: "qh-a", Dimension: 2, Coherence: 0.83, Status: qstate.StatusCoherent,
			Measurement: qstate.Unmeasured, Purity: qstate.PurityMixed, Entangled: true,
			Owner: "alice", CreatedAt: createdAt},
		{ID: "qh-b", Dimension: 4, Coherence: 0.0, Status: qstate.StatusCoherent,
			Measurement: qstate.Measured, Purity: qstate.PurityPure,
			Owner: "bob", CreatedAt: createdAt},
	}
	systems := []entangle.System{
		{ID: "qs-1", Members: []qstate.HandleID{"qh-a", "qh-b"}, Fidelity: 0.9,
			Strength: 1.0, Measured: true, CollapsedBy: "qh-b", CreatedAt: createdAt},
	}
	sessions := []ledger.Session{
		{Node: "node-a", Channel: "chan-1", ID: "sess-1", State: ledger.SessionActive,
			Grant: 10, Available: 3, CreatedAt: createdAt},
	}

	require.NoError(t, s.Save(handles, systems, sessions))

	gotHandles, err := s.LoadHandles()
	require.NoError(t, err)
	require.Len(t, gotHandles, 2)
	assert.Equal(t, handles[0].ID, gotHandles[0].ID)
	assert.Equal(t, handles[0].Coherence, gotHandles[0].Coherence)
	assert.True(t, gotHandles[0].Entangled)
	assert.True(t, gotHandles[0].CreatedAt.Equal(createdAt))
	assert.Equal(t, qstate.Measured, gotHandles[1].Measurement)

	gotSystems, err := s.LoadSystems()
	require.NoError(t, err)
	require.Len(t, gotSystems, 1)
	assert.Equal(t, systems[0].Members, gotSystems[0].Members)
	assert.Equal(t, qstate.HandleID("qh-b"), gotSystems[0].CollapsedBy)
	assert.True(t, gotSystems[0].Measured)

	gotSessions, err := s.LoadSessions()
	require.NoError(t, err)
	require.Len(t, gotSessions, 1)
	assert.Equal(t, 10.0, gotSessions[0].Grant)
	assert.Equal(t, 3.0, gotSessions[0].Available)
	assert.Equal(t, ledger.SessionActive, gotSessions[0].State)
}

func TestSaveReplacesPreviousSnapshot(t *testing.T) {
	s := newTestStore(t)

	first := []qstate.Handle{{ID: "qh-old", Dimension: 2, Coherence: 1,
		Status: qstate.StatusCoherent, Measurement: qstate.Unmeasured,
		Purity: qstate.PurityPure, Owner: "alice", CreatedAt: time.Now()}}
	require.NoError(t, s.Save(first, nil, nil))

	second := []qstate.Handle{{ID: "qh-new", Dimension: 2, Coherence: 1,
		Status: qstate.StatusCoherent, Measurement: qstate.Unmeasured,
		Purity: qstate.PurityPure, Owner: "bob", CreatedAt: time.Now()}}
	require.NoError(t, s.Save(second, nil, nil))

	got, err := s.LoadHandles()
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, qstate.HandleID("qh-new"), got[0].ID)
}

func TestEmptySnapshotLoads(t *testing.T) {
	s := newTestStore(t)

	handles, err := s.LoadHandles()
	require.NoError(t, err)
	assert.Empty(t, handles)

	systems, err := s.LoadSystems()
	require.NoError(t, err)
	assert.Empty(t, systems)

	sessions, err := s.LoadSessions()
	require.NoError(t, err)
	assert.Empty(t, sessions)
}

func TestMigrateIsIdempotent(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Migrate())
	require.NoError(t, s.Migrate())
}
