package core

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/entanglab/qcore/config"
	"github.com/entanglab/qcore/errors"
	"github.com/entanglab/qcore/logger"
	"github.com/entanglab/qcore/qstate"
	"github.com/entanglab/qcore/store"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func testConfig() *config.Config {
	cfg := config.Default()
	return cfg
}

func newTestCore(t *testing.T) (*Core, *fakeClock) {
	t.Helper()
	clock := newFakeClock()
	c := NewWithClock(context.Background(), testConfig(), logger.Logger, clock.Now)
	return c, clock
}

func TestMeasureAfterDecayRace(t *testing.T) {
	c, clock := newTestCore(t)

	h, err := c.CreateHandle(2, nil, "alice")
	require.NoError(t, err)

	// Decay wins the race: by the time the caller measures, the handle has
	// decohered past the terminal threshold and was auto-released.
	clock.Advance(60 * time.Second)
	c.Scheduler().Tick()

	_, err = c.Measure(h.ID)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrUseAfterRelease))

	snap := c.Snapshot()
	assert.Equal(t, 1, snap.ErrorCounts["use_after_release"])
}

func TestEntangleAfterPartnerMeasured(t *testing.T) {
	c, _ := newTestCore(t)

	a, err := c.CreateHandle(2, nil, "alice")
	require.NoError(t, err)
	b, err := c.CreateHandle(2, nil, "bob")
	require.NoError(t, err)

	_, err = c.Entangle(a.ID, b.ID)
	require.NoError(t, err)

	_, err = c.Measure(a.ID)
	require.NoError(t, err)

	// b collapsed with a; entangling it again fails as already-measured,
	// not use-after-release.
	fresh, err := c.CreateHandle(2, nil, "carol")
	require.NoError(t, err)
	_, err = c.Entangle(b.ID, fresh.ID)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrAlreadyMeasured))
}

func TestOverdraftScenario(t *testing.T) {
	c, _ := newTestCore(t)

	_, err := c.OpenSession("node-a", "chan-1", "sess-1", 10)
	require.NoError(t, err)

	require.NoError(t, c.Reserve("node-a", "chan-1", "sess-1", 7))
	err = c.Reserve("node-a", "chan-1", "sess-1", 5)
	assert.True(t, errors.Is(err, errors.ErrLedgerOverdraft))
	require.NoError(t, c.ReleaseBudget("node-a", "chan-1", "sess-1", 7))
	require.NoError(t, c.Reserve("node-a", "chan-1", "sess-1", 5))

	snap := c.Snapshot()
	assert.Equal(t, int64(1), snap.Ledger.Depletions)
	assert.Equal(t, 1, snap.ErrorCounts["ledger_overdraft"])
}

func TestCloneObservedInDiagnostics(t *testing.T) {
	c, _ := newTestCore(t)

	h, err := c.CreateHandle(2, nil, "alice")
	require.NoError(t, err)

	err = c.Clone(h.ID)
	assert.True(t, errors.Is(err, errors.ErrNoCloningViolation))

	snap := c.Snapshot()
	assert.Equal(t, 1, snap.ErrorCounts["no_cloning_violation"])
}

func TestEventFeedObservesLifecycle(t *testing.T) {
	c, _ := newTestCore(t)

	sub := c.Subscribe()
	defer sub.Close()

	h, err := c.CreateHandle(2, nil, "alice")
	require.NoError(t, err)
	require.NoError(t, c.Release(h.ID))

	created := <-sub.C()
	released := <-sub.C()
	assert.Equal(t, "created", created.Kind)
	assert.Equal(t, "released", released.Kind)
	assert.Equal(t, string(h.ID), created.HandleID)
	assert.Less(t, created.Seq, released.Seq)
}

func TestTeleportCost(t *testing.T) {
	c, _ := newTestCore(t)
	cfg := testConfig()
	assert.Equal(t, cfg.Ledger.CostPerHop*3, c.TeleportCost(3))
}

func TestSnapshotRecoveryRoundtrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "qcore.db")
	clock := newFakeClock()
	cfg := testConfig()

	st, err := store.OpenStore(path, logger.Logger)
	require.NoError(t, err)
	require.NoError(t, st.Migrate())

	c := NewWithClock(context.Background(), cfg, logger.Logger, clock.Now)
	c.AttachStore(st)

	a, err := c.CreateHandle(2, nil, "alice")
	require.NoError(t, err)
	b, err := c.CreateHandle(2, nil, "bob")
	require.NoError(t, err)
	sid, err := c.Entangle(a.ID, b.ID)
	require.NoError(t, err)
	_, err = c.OpenSession("node-a", "chan-1", "sess-1", 10)
	require.NoError(t, err)
	require.NoError(t, c.Reserve("node-a", "chan-1", "sess-1", 4))

	require.NoError(t, c.SaveSnapshot())
	require.NoError(t, st.Close())

	// A fresh core over the same file sees the same world.
	st2, err := store.OpenStore(path, logger.Logger)
	require.NoError(t, err)
	defer st2.Close()
	require.NoError(t, st2.Migrate())

	recovered := NewWithClock(context.Background(), cfg, logger.Logger, clock.Now)
	recovered.AttachStore(st2)
	require.NoError(t, recovered.Recover())

	got, err := recovered.GetHandle(a.ID)
	require.NoError(t, err)
	assert.True(t, got.Entangled)

	assert.Equal(t, []qstate.HandleID{b.ID}, recovered.PartnersOf(a.ID))
	f, err := recovered.FidelityOf(sid)
	require.NoError(t, err)
	assert.Equal(t, cfg.Entangle.DefaultFidelity, f)

	snap := recovered.Snapshot()
	assert.Equal(t, 2, snap.Handles.Active)
	assert.Equal(t, 1, snap.Systems.Systems)
	assert.Equal(t, 6.0, snap.Ledger.TotalAvailable)
}

func TestRecoveryDropsDecoherentAndReconcilesFlags(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "qcore.db")
	clock := newFakeClock()
	cfg := testConfig()

	st, err := store.OpenStore(path, logger.Logger)
	require.NoError(t, err)
	defer st.Close()
	require.NoError(t, st.Migrate())

	c := NewWithClock(context.Background(), cfg, logger.Logger, clock.Now)
	c.AttachStore(st)

	a, err := c.CreateHandle(2, nil, "alice")
	require.NoError(t, err)
	b, err := c.CreateHandle(2, nil, "bob")
	require.NoError(t, err)
	_, err = c.Entangle(a.ID, b.ID)
	require.NoError(t, err)

	// Persist a snapshot in which one member of the pair already decayed
	// past the decoherent threshold.
	handles := c.registry.Export()
	for i := range handles {
		if handles[i].ID == b.ID {
			handles[i].Coherence = cfg.Decay.DecoherentThreshold / 2
		}
	}
	require.NoError(t, st.Save(handles, c.manager.Export(), c.ledger.Export()))

	recovered := NewWithClock(context.Background(), cfg, logger.Logger, clock.Now)
	recovered.AttachStore(st)
	require.NoError(t, recovered.Recover())

	// The decoherent member is never resurrected.
	_, err = recovered.GetHandle(b.ID)
	assert.True(t, errors.Is(err, errors.ErrUseAfterRelease))

	// The dead pair's system did not survive, and the survivor's entangled
	// flag was reconciled away.
	got, err := recovered.GetHandle(a.ID)
	require.NoError(t, err)
	assert.False(t, got.Entangled)
	assert.Empty(t, recovered.PartnersOf(a.ID))

	snap := recovered.Snapshot()
	assert.Equal(t, 0, snap.Systems.Systems)
}

// Drives handle operations, scheduler ticks, and diagnostic snapshots
// concurrently against one core so the race detector covers the full wiring.
func TestConcurrentCoreOperations(t *testing.T) {
	c, clock := newTestCore(t)

	stop := make(chan struct{})
	var bg sync.WaitGroup
	bg.Add(2)
	go func() {
		defer bg.Done()
		for {
			select {
			case <-stop:
				return
			default:
				clock.Advance(500 * time.Millisecond)
				c.Scheduler().Tick()
			}
		}
	}()
	go func() {
		defer bg.Done()
		for {
			select {
			case <-stop:
				return
			default:
				snap := c.Snapshot()
				if snap.HealthScore < 0 || snap.HealthScore > 1 {
					t.Errorf("health score out of range: %v", snap.HealthScore)
					return
				}
			}
		}
	}()

	var wg sync.WaitGroup
	const workers = 6
	const perWorker = 40
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < perWorker; j++ {
				h, err := c.CreateHandle(2, nil, "hammer")
				if err != nil {
					t.Errorf("create failed: %v", err)
					return
				}
				if _, err := c.Measure(h.ID); err != nil && !errors.Is(err, errors.ErrUseAfterRelease) {
					t.Errorf("measure: unexpected error kind: %v", err)
					return
				}
				if err := c.Release(h.ID); err != nil && !errors.Is(err, errors.ErrUseAfterRelease) {
					t.Errorf("release: unexpected error kind: %v", err)
					return
				}
			}
		}()
	}
	wg.Wait()
	close(stop)
	bg.Wait()

	snap := c.Snapshot()
	assert.Zero(t, snap.Handles.Active)
}

func TestStopIsSafeWithoutStore(t *testing.T) {
	c, _ := newTestCore(t)
	c.Start()
	c.Stop()

	// The bus closed with the core; the feed ends rather than blocking.
	sub := c.Subscribe()
	_, ok := <-sub.C()
	assert.False(t, ok)
}
