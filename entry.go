package steerd

import (
	"sync/atomic"

	"github.com/steerd/steerd/packet"
)

// EntryState tracks the lifecycle of a destination entry's consumer.
type EntryState int32

const (
	// StateActive means the worker is running and the queue accepts enqueues.
	StateActive EntryState = iota
	// StateDraining means shutdown was requested: no new enqueues, the
	// worker keeps dequeuing until empty or the drain timeout elapses.
	StateDraining
	// StateStopped means the worker has exited and the entry is inert.
	StateStopped
)

func (s EntryState) String() string {
	switch s {
	case StateActive:
		return "active"
	case StateDraining:
		return "draining"
	case StateStopped:
		return "stopped"
	default:
		return "invalid"
	}
}

// EntryStats are the terminal accounting counters for one destination entry.
// Every frame enqueued toward the entry lands in exactly one of delivered,
// dropped_full, hook_drops, delivery_failed, or dropped_on_shutdown;
// re-redirected frames leave through the target entry's counters instead.
type EntryStats struct {
	Enqueued          atomic.Uint64
	Delivered         atomic.Uint64
	DroppedFull       atomic.Uint64
	HookDrops         atomic.Uint64
	InvalidRedirect   atomic.Uint64
	Transmitted       atomic.Uint64
	DeliveryFailed    atomic.Uint64
	DroppedOnShutdown atomic.Uint64
	Redirected        atomic.Uint64
}

// StatsSnapshot is a point-in-time copy of EntryStats, safe to hand across
// the control plane.
type StatsSnapshot struct {
	Enqueued          uint64 `json:"enqueued"`
	Delivered         uint64 `json:"delivered"`
	DroppedFull       uint64 `json:"dropped_full"`
	HookDrops         uint64 `json:"hook_drops"`
	InvalidRedirect   uint64 `json:"invalid_redirect"`
	Transmitted       uint64 `json:"transmitted"`
	DeliveryFailed    uint64 `json:"delivery_failed"`
	DroppedOnShutdown uint64 `json:"dropped_on_shutdown"`
	Redirected        uint64 `json:"redirected"`
}

func (s *EntryStats) Snapshot() StatsSnapshot {
	return StatsSnapshot{
		Enqueued:          s.Enqueued.Load(),
		Delivered:         s.Delivered.Load(),
		DroppedFull:       s.DroppedFull.Load(),
		HookDrops:         s.HookDrops.Load(),
		InvalidRedirect:   s.InvalidRedirect.Load(),
		Transmitted:       s.Transmitted.Load(),
		DeliveryFailed:    s.DeliveryFailed.Load(),
		DroppedOnShutdown: s.DroppedOnShutdown.Load(),
		Redirected:        s.Redirected.Load(),
	}
}

// Terminal sums the buckets a frame can end in at this entry. Redirected is
// excluded: a re-redirected frame terminates at the entry it moved to.
func (s StatsSnapshot) Terminal() uint64 {
	return s.Delivered + s.DroppedFull + s.HookDrops + s.InvalidRedirect +
		s.DeliveryFailed + s.DroppedOnShutdown + s.Transmitted
}

// Entry is one landing slot in the redirect map: a bounded MPSC queue bound
// to a single consumer core, an optional secondary classification hook, and
// accounting counters. Its identity (id, capacity, core binding) is fixed
// for its lifetime; only the queue and stats are mutated concurrently.
type Entry struct {
	ID       int
	Core     int
	Capacity int

	queue BoundedQueue
	hook  Classifier
	stats EntryStats

	state   atomic.Int32
	stopped chan struct{} // closed when the worker exits
}

func newEntry(id int, cfg EntryConfig) *Entry {
	return &Entry{
		ID:       id,
		Core:     cfg.Core,
		Capacity: cfg.Capacity,
		queue:    newMPSCRing(cfg.Capacity),
		hook:     cfg.Hook,
		stopped:  make(chan struct{}),
	}
}

// State returns the entry's current lifecycle state.
func (e *Entry) State() EntryState {
	return EntryState(e.state.Load())
}

// Stats returns a snapshot of the entry's counters.
func (e *Entry) Stats() StatsSnapshot {
	return e.stats.Snapshot()
}

// QueueLen is the approximate number of frames waiting, for metrics.
func (e *Entry) QueueLen() int {
	return e.queue.Len()
}

// enqueueBatch moves pkts into the entry's queue, counting and releasing
// any rejected tail. Safe from any producer context.
func (e *Entry) enqueueBatch(pkts []*packet.Packet) int {
	accepted := e.queue.TryEnqueueBatch(pkts)
	e.stats.Enqueued.Add(uint64(accepted))

	if rejected := len(pkts) - accepted; rejected > 0 {
		e.stats.DroppedFull.Add(uint64(rejected))
		for _, p := range pkts[accepted:] {
			p.Release()
		}
	}
	return accepted
}

// requestShutdown flips the entry from Active to Draining. The transition
// happens once; later calls are no-ops.
func (e *Entry) requestShutdown() {
	if e.state.CompareAndSwap(int32(StateActive), int32(StateDraining)) {
		e.queue.Close()
	}
}

// markStopped finalizes the Draining to Stopped transition. Worker-only.
func (e *Entry) markStopped() {
	if e.state.Swap(int32(StateStopped)) != int32(StateStopped) {
		close(e.stopped)
	}
}

// WaitStopped returns a channel closed once the entry's worker has exited.
func (e *Entry) WaitStopped() <-chan struct{} {
	return e.stopped
}
