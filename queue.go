package steerd

import (
	"sync/atomic"

	"github.com/steerd/steerd/packet"
)

// BoundedQueue is the transport between producer cores and a destination
// entry's consumer. Implementations must support many concurrent producers
// and exactly one consumer, and must never block in either direction.
type BoundedQueue interface {
	// TryEnqueueBatch appends as many packets from pkts as fit, preserving
	// their order, and returns how many were accepted. It never blocks; the
	// caller owns (and must account for) the rejected tail.
	TryEnqueueBatch(pkts []*packet.Packet) int

	// DequeueBatch fills out with up to len(out) packets and returns how
	// many were written. Consumer-only; returns 0 when the queue is empty.
	DequeueBatch(out []*packet.Packet) int

	// Close rejects all future enqueues. Packets already queued remain
	// dequeueable so the consumer can drain. After Close returns, the set
	// of accepted enqueues is final: a producer racing Close either
	// completed its reservation first or is refused.
	Close()

	// Len is an approximate count of queued packets. From the consumer's
	// side after Close it is exact, counting every accepted frame not yet
	// dequeued, including ones a racing producer has not finished
	// publishing.
	Len() int

	// Cap is the fixed capacity.
	Cap() int
}

// mpscRing is a bounded lock-free multi-producer/single-consumer ring.
//
// Producers reserve a contiguous run of tickets with one CAS on tail, then
// publish each slot by storing its sequence stamp. The consumer owns head
// outright and walks it across published slots, republishing the recycled
// head position for producers' free-space check. Per-producer FIFO holds
// because one TryEnqueueBatch reserves one contiguous run; cross-producer
// order is whatever the CAS race yields.
//
// The slot array is sized to the next power of two for mask indexing, but
// occupancy is limited to the requested capacity, so a reserved ticket's
// slot is always already recycled and producers never wait on the consumer.
type mpscRing struct {
	mask     uint64
	capacity uint64
	slots    []ringSlot

	_     [64]byte // keep producer and consumer cursors on separate cache lines
	tail  atomic.Uint64
	_     [64]byte
	head  uint64 // consumer-owned
	hdPub atomic.Uint64
	_     [64]byte
}

// ringClosed lives in the tail cursor's top bit so closing and reserving
// share one atomic word. Once the bit is set no reservation CAS can succeed,
// including one from a producer that checked for close before the bit landed.
const ringClosed = uint64(1) << 63

type ringSlot struct {
	seq atomic.Uint64
	pkt *packet.Packet
}

// newMPSCRing creates a ring holding up to capacity packets. Capacity must
// be positive; the map constructor validates this before calling.
func newMPSCRing(capacity int) *mpscRing {
	size := 1
	for size < capacity {
		size <<= 1
	}

	r := &mpscRing{
		mask:     uint64(size - 1),
		capacity: uint64(capacity),
		slots:    make([]ringSlot, size),
	}
	for i := range r.slots {
		r.slots[i].seq.Store(uint64(i))
	}
	return r
}

func (r *mpscRing) TryEnqueueBatch(pkts []*packet.Packet) int {
	if len(pkts) == 0 {
		return 0
	}

	var t, n uint64
	for {
		t = r.tail.Load()
		if t&ringClosed != 0 {
			return 0
		}
		// hdPub may lag the consumer slightly; that only under-counts
		// free space, never over-counts. n is recomputed each attempt
		// because the clamp from a lost race may be stale.
		free := r.capacity - (t - r.hdPub.Load())
		if free == 0 {
			return 0
		}
		n = uint64(len(pkts))
		if n > free {
			n = free
		}
		if r.tail.CompareAndSwap(t, t+n) {
			break
		}
	}

	for i := uint64(0); i < n; i++ {
		s := &r.slots[(t+i)&r.mask]
		s.pkt = pkts[i]
		// Publishes the slot to the consumer. Tickets are consumed in
		// order, so a still-unstamped ticket from a racing producer
		// simply ends this consumer pass early.
		s.seq.Store(t + i + 1)
	}
	return int(n)
}

func (r *mpscRing) DequeueBatch(out []*packet.Packet) int {
	n := 0
	for n < len(out) {
		s := &r.slots[r.head&r.mask]
		if s.seq.Load() != r.head+1 {
			break
		}
		out[n] = s.pkt
		s.pkt = nil
		// Recycle the slot for the lap len(slots) tickets from now.
		s.seq.Store(r.head + uint64(len(r.slots)))
		r.head++
		n++
	}
	if n > 0 {
		r.hdPub.Store(r.head)
	}
	return n
}

func (r *mpscRing) Close() {
	for {
		t := r.tail.Load()
		if t&ringClosed != 0 {
			return
		}
		if r.tail.CompareAndSwap(t, t|ringClosed) {
			return
		}
	}
}

func (r *mpscRing) Len() int {
	return int((r.tail.Load() &^ ringClosed) - r.hdPub.Load())
}

func (r *mpscRing) Cap() int {
	return int(r.capacity)
}
