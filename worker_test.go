package steerd

import (
	"sync"
	"testing"
	"time"

	"github.com/steerd/steerd/packet"
	"github.com/steerd/steerd/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func waitStopped(t *testing.T, e *Entry) {
	t.Helper()
	select {
	case <-e.WaitStopped():
	case <-time.After(10 * time.Second):
		t.Fatal("entry never stopped")
	}
}

func TestWorkerDeliversInOrder(t *testing.T) {
	l := test.NewLogger()
	pool := packet.NewPool(0, 128)
	m, err := NewMap([]EntryConfig{{Core: -1, Capacity: 8}})
	require.NoError(t, err)
	entry := m.Entries()[0]

	sink := NewChannelDelivery(16)
	w := newWorker(entry, m, sink, nil, 8, 0, time.Second, l)

	in := make([]*packet.Packet, 3)
	for i := range in {
		in[i] = newTestPacket(t, pool, []byte{byte(i)})
	}
	require.Equal(t, 3, entry.enqueueBatch(in))

	go w.run()
	entry.requestShutdown()
	waitStopped(t, entry)

	for i := 0; i < 3; i++ {
		p := <-sink.C
		assert.Equal(t, []byte{byte(i)}, p.Payload)
		p.Release()
	}

	st := entry.Stats()
	assert.Equal(t, uint64(3), st.Delivered)
	assert.Equal(t, uint64(0), st.DroppedOnShutdown)
	assert.Equal(t, st.Enqueued, st.Terminal())
	assert.Equal(t, StateStopped, entry.State())
}

func TestWorkerHookVerdicts(t *testing.T) {
	l := test.NewLogger()
	pool := packet.NewPool(0, 128)

	hook := ClassifierFunc(func(p *packet.Packet) Verdict {
		switch p.Payload[0] {
		case 'd':
			return Drop()
		case 't':
			return Transmit()
		default:
			return Pass()
		}
	})

	m, err := NewMap([]EntryConfig{{Core: -1, Capacity: 8, Hook: hook}})
	require.NoError(t, err)
	entry := m.Entries()[0]

	sink := NewChannelDelivery(16)
	w := newWorker(entry, m, sink, DiscardDelivery{}, 8, 0, time.Second, l)

	in := []*packet.Packet{
		newTestPacket(t, pool, []byte("d")),
		newTestPacket(t, pool, []byte("t")),
		newTestPacket(t, pool, []byte("p")),
	}
	require.Equal(t, 3, entry.enqueueBatch(in))

	go w.run()
	entry.requestShutdown()
	waitStopped(t, entry)

	st := entry.Stats()
	assert.Equal(t, uint64(1), st.HookDrops)
	assert.Equal(t, uint64(1), st.Transmitted)
	assert.Equal(t, uint64(1), st.Delivered)
	assert.Equal(t, st.Enqueued, st.Terminal())

	p := <-sink.C
	assert.Equal(t, []byte("p"), p.Payload)
	p.Release()
}

func TestWorkerRedirectChain(t *testing.T) {
	l := test.NewLogger()
	pool := packet.NewPool(0, 128)

	redirect := ClassifierFunc(func(*packet.Packet) Verdict { return RedirectTo(1) })
	m, err := NewMap([]EntryConfig{
		{Core: -1, Capacity: 8, Hook: redirect},
		{Core: -2, Capacity: 8},
	})
	require.NoError(t, err)
	e0, e1 := m.Entries()[0], m.Entries()[1]

	sink := NewChannelDelivery(16)
	w0 := newWorker(e0, m, sink, nil, 8, 4, time.Second, l)
	w1 := newWorker(e1, m, sink, nil, 8, 4, time.Second, l)

	require.Equal(t, 1, e0.enqueueBatch([]*packet.Packet{newTestPacket(t, pool, []byte("x"))}))

	go w0.run()
	go w1.run()

	p := <-sink.C
	assert.Equal(t, []byte("x"), p.Payload)
	assert.Equal(t, 1, p.Hops)
	p.Release()

	e0.requestShutdown()
	e1.requestShutdown()
	waitStopped(t, e0)
	waitStopped(t, e1)

	// The frame terminates at the target entry; the origin only counts the
	// redirect itself.
	s0, s1 := e0.Stats(), e1.Stats()
	assert.Equal(t, uint64(1), s0.Redirected)
	assert.Equal(t, uint64(0), s0.Delivered)
	assert.Equal(t, uint64(1), s1.Delivered)
	assert.Equal(t, s1.Enqueued, s1.Terminal())
}

func TestWorkerRedirectCycleBounded(t *testing.T) {
	l := test.NewLogger()
	pool := packet.NewPool(0, 128)

	// A hook that always points back at its own entry would loop a frame
	// forever without the hop budget.
	self := ClassifierFunc(func(*packet.Packet) Verdict { return RedirectTo(0) })
	m, err := NewMap([]EntryConfig{{Core: -1, Capacity: 8, Hook: self}})
	require.NoError(t, err)
	entry := m.Entries()[0]

	w := newWorker(entry, m, DiscardDelivery{}, nil, 8, 2, time.Second, l)
	require.Equal(t, 1, entry.enqueueBatch([]*packet.Packet{newTestPacket(t, pool, []byte("x"))}))

	go w.run()
	assert.Eventually(t, func() bool {
		return entry.Stats().HookDrops == 1
	}, 5*time.Second, time.Millisecond)

	entry.requestShutdown()
	waitStopped(t, entry)

	st := entry.Stats()
	assert.Equal(t, uint64(2), st.Redirected, "two hops within budget before the drop")
	assert.Equal(t, uint64(3), st.Enqueued, "initial enqueue plus two re-enqueues")
	assert.Equal(t, uint64(0), st.Delivered)
}

func TestWorkerInvalidHookRedirect(t *testing.T) {
	l := test.NewLogger()
	pool := packet.NewPool(0, 128)

	bad := ClassifierFunc(func(*packet.Packet) Verdict { return RedirectTo(99) })
	m, err := NewMap([]EntryConfig{{Core: -1, Capacity: 8, Hook: bad}})
	require.NoError(t, err)
	entry := m.Entries()[0]

	w := newWorker(entry, m, DiscardDelivery{}, nil, 8, 4, time.Second, l)
	require.Equal(t, 1, entry.enqueueBatch([]*packet.Packet{newTestPacket(t, pool, []byte("x"))}))

	go w.run()
	entry.requestShutdown()
	waitStopped(t, entry)

	st := entry.Stats()
	assert.Equal(t, uint64(1), st.InvalidRedirect)
	assert.Equal(t, uint64(0), st.Redirected)
	assert.Equal(t, st.Enqueued, st.Terminal())
}

func TestWorkerPanicConfinedToFrame(t *testing.T) {
	l := test.NewLogger()
	pool := packet.NewPool(0, 128)
	m, err := NewMap([]EntryConfig{{Core: -1, Capacity: 8}})
	require.NoError(t, err)
	entry := m.Entries()[0]

	// The first frame blows up in delivery; the worker must keep going and
	// deliver the second.
	sink := DeliveryFunc(func(p *packet.Packet) error {
		if p.Payload[0] == 'x' {
			panic("boom")
		}
		p.Release()
		return nil
	})

	w := newWorker(entry, m, sink, nil, 8, 4, time.Second, l)
	in := []*packet.Packet{
		newTestPacket(t, pool, []byte("x")),
		newTestPacket(t, pool, []byte("y")),
	}
	require.Equal(t, 2, entry.enqueueBatch(in))

	go w.run()
	entry.requestShutdown()
	waitStopped(t, entry)

	st := entry.Stats()
	assert.Equal(t, uint64(1), st.DeliveryFailed)
	assert.Equal(t, uint64(1), st.Delivered)
	assert.Equal(t, st.Enqueued, st.Terminal())
}

func TestWorkerDrainTimeout(t *testing.T) {
	l := test.NewLogger()
	pool := packet.NewPool(0, 128)
	m, err := NewMap([]EntryConfig{{Core: -1, Capacity: 8}})
	require.NoError(t, err)
	entry := m.Entries()[0]

	// Delivery slow enough that the drain deadline passes with frames still
	// queued; bulk size 1 so the deadline check runs between frames.
	slow := DeliveryFunc(func(p *packet.Packet) error {
		time.Sleep(20 * time.Millisecond)
		p.Release()
		return nil
	})

	w := newWorker(entry, m, slow, nil, 1, 4, time.Millisecond, l)
	in := make([]*packet.Packet, 5)
	for i := range in {
		in[i] = newTestPacket(t, pool, []byte{byte(i)})
	}
	require.Equal(t, 5, entry.enqueueBatch(in))

	entry.requestShutdown()
	go w.run()
	waitStopped(t, entry)

	st := entry.Stats()
	assert.GreaterOrEqual(t, st.Delivered, uint64(1))
	assert.GreaterOrEqual(t, st.DroppedOnShutdown, uint64(1), "leftover frames are counted, not lost")
	assert.Equal(t, uint64(5), st.Delivered+st.DroppedOnShutdown)
	assert.Equal(t, st.Enqueued, st.Terminal())
}

// TestWorkerDrainWithRacingProducers shuts an entry down while producers are
// still hammering it and checks that every accepted frame lands in a
// terminal bucket: a frame counted enqueued must end up delivered or
// dropped_on_shutdown, never stranded in a stopped entry's queue.
func TestWorkerDrainWithRacingProducers(t *testing.T) {
	const producers = 4
	const perProducer = 1000

	l := test.NewLogger()
	pool := packet.NewPool(0, 16)
	m, err := NewMap([]EntryConfig{{Core: -1, Capacity: 64}})
	require.NoError(t, err)
	entry := m.Entries()[0]

	w := newWorker(entry, m, DiscardDelivery{}, nil, 8, 4, 2*time.Second, l)
	go w.run()

	var wg sync.WaitGroup
	for pid := 0; pid < producers; pid++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			buf := make([]*packet.Packet, 1)
			for i := 0; i < perProducer; i++ {
				buf[0] = pool.Get()
				entry.enqueueBatch(buf)
			}
		}()
	}

	// Shut down mid-burst so producers race the queue close.
	time.Sleep(time.Millisecond)
	entry.requestShutdown()
	wg.Wait()
	waitStopped(t, entry)

	st := entry.Stats()
	assert.Equal(t, uint64(producers*perProducer), st.Enqueued+st.DroppedFull)
	assert.Equal(t, st.Enqueued, st.Delivered+st.DroppedOnShutdown,
		"accepted frames must all reach a terminal bucket")
	assert.Equal(t, 0, entry.QueueLen())
}

func TestEntryRejectsAfterShutdown(t *testing.T) {
	pool := packet.NewPool(0, 128)
	m, err := NewMap([]EntryConfig{{Core: -1, Capacity: 8}})
	require.NoError(t, err)
	entry := m.Entries()[0]

	entry.requestShutdown()
	assert.Equal(t, StateDraining, entry.State())

	n := entry.enqueueBatch([]*packet.Packet{newTestPacket(t, pool, []byte("x"))})
	assert.Equal(t, 0, n)

	st := entry.Stats()
	assert.Equal(t, uint64(0), st.Enqueued)
	assert.Equal(t, uint64(1), st.DroppedFull)
}
