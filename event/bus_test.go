package event

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBusOrderedDelivery(t *testing.T) {
	bus := NewBus(16)
	defer bus.Close()

	sub := bus.Subscribe()

	bus.Publish(Event{Class: ClassHandleState, Kind: "created", HandleID: "h1"})
	bus.Publish(Event{Class: ClassHandleState, Kind: "measured", HandleID: "h1"})
	bus.Publish(Event{Class: ClassHandleState, Kind: "released", HandleID: "h1"})

	first := <-sub.C()
	second := <-sub.C()
	third := <-sub.C()

	assert.Equal(t, "created", first.Kind)
	assert.Equal(t, "measured", second.Kind)
	assert.Equal(t, "released", third.Kind)
	assert.Less(t, first.Seq, second.Seq)
	assert.Less(t, second.Seq, third.Seq)
}

func TestBusSlowSubscriberDoesNotBlockOthers(t *testing.T) {
	bus := NewBus(2)
	defer bus.Close()

	slow := bus.Subscribe() // never drained
	fast := bus.Subscribe()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 10; i++ {
			bus.Publish(Event{Class: ClassLedger, Kind: "depleted"})
		}
	}()
	<-done // Publish never blocked

	// Fast subscriber gets the first 2 plus whatever fit; at minimum its
	// buffer is full with ordered events.
	ev := <-fast.C()
	assert.Equal(t, ClassLedger, ev.Class)

	assert.Equal(t, uint64(8), slow.Dropped())
	assert.GreaterOrEqual(t, bus.Dropped(), uint64(8))
}

func TestBusClassFilteredSubscription(t *testing.T) {
	bus := NewBus(16)
	defer bus.Close()

	ledgerOnly := bus.Subscribe(ClassLedger)
	all := bus.Subscribe()

	bus.Publish(Event{Class: ClassHandleState, Kind: "created", HandleID: "h1"})
	bus.Publish(Event{Class: ClassLedger, Kind: "depleted", Session: "s1"})
	bus.Publish(Event{Class: ClassEntanglement, Kind: "entangled"})

	ev := <-ledgerOnly.C()
	assert.Equal(t, ClassLedger, ev.Class)
	select {
	case extra := <-ledgerOnly.C():
		t.Fatalf("unexpected event %s/%s on filtered subscription", extra.Class, extra.Kind)
	default:
	}

	// Filtered-out events are skipped, not counted as drops.
	assert.Equal(t, uint64(0), ledgerOnly.Dropped())

	for i := 0; i < 3; i++ {
		<-all.C()
	}
}

func TestBusUnsubscribeClosesChannel(t *testing.T) {
	bus := NewBus(4)
	defer bus.Close()

	sub := bus.Subscribe()
	sub.Close()

	_, open := <-sub.C()
	assert.False(t, open)

	// Publishing after unsubscribe must not panic
	bus.Publish(Event{Class: ClassDecoherence, Kind: "crossed"})
}

func TestBusConcurrentPublish(t *testing.T) {
	bus := NewBus(1024)
	defer bus.Close()

	sub := bus.Subscribe()

	var wg sync.WaitGroup
	const publishers = 8
	const perPublisher = 50
	for i := 0; i < publishers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < perPublisher; j++ {
				bus.Publish(Event{Class: ClassEntanglement, Kind: "entangled"})
			}
		}()
	}
	wg.Wait()

	// Sequence numbers are strictly increasing in delivery order.
	var last uint64
	for i := 0; i < publishers*perPublisher; i++ {
		ev := <-sub.C()
		require.Greater(t, ev.Seq, last)
		last = ev.Seq
	}
	assert.Equal(t, uint64(0), sub.Dropped())
}
