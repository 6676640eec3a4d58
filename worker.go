package steerd

import (
	"fmt"
	"runtime"
	"time"

	"github.com/rcrowley/go-metrics"
	"github.com/sirupsen/logrus"
	"github.com/steerd/steerd/packet"
)

const (
	// Idle policy thresholds. Below spinLimit the worker busy-polls, below
	// yieldLimit it cooperatively yields, beyond that it naps. None of
	// this is part of the transfer protocol's correctness contract.
	workerSpinLimit  = 256
	workerYieldLimit = 4096
	workerNap        = 50 * time.Microsecond

	defaultMaxHops      = 4
	defaultDrainTimeout = 5 * time.Second
)

// worker is the persistent consumer context for one destination entry,
// pinned to the entry's core. It is the queue's single consumer.
type worker struct {
	entry        *Entry
	m            *Map
	delivery     Delivery
	transmitter  Transmitter
	bulkSize     int
	maxHops      int
	drainTimeout time.Duration

	batchSizes metrics.Histogram
	l          *logrus.Logger

	// redirectBuf is the single-frame batch reused for hook re-redirects,
	// so a redirect does not allocate.
	redirectBuf [1]*packet.Packet
}

func newWorker(e *Entry, m *Map, delivery Delivery, transmitter Transmitter, bulkSize, maxHops int, drainTimeout time.Duration, l *logrus.Logger) *worker {
	if bulkSize <= 0 {
		bulkSize = defaultStageBatch
	}
	if maxHops <= 0 {
		maxHops = defaultMaxHops
	}
	if drainTimeout <= 0 {
		drainTimeout = defaultDrainTimeout
	}
	if transmitter == nil {
		transmitter = DiscardDelivery{}
	}

	return &worker{
		entry:        e,
		m:            m,
		delivery:     delivery,
		transmitter:  transmitter,
		bulkSize:     bulkSize,
		maxHops:      maxHops,
		drainTimeout: drainTimeout,
		batchSizes:   metrics.GetOrRegisterHistogram(fmt.Sprintf("entry.%d.dequeue_batch", e.ID), nil, metrics.NewExpDecaySample(1028, 0.015)),
		l:            l,
	}
}

// run is the worker loop. It exits only when the entry has drained (or the
// drain timeout forced it) and leaves the entry in StateStopped.
func (w *worker) run() {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()
	defer w.entry.markStopped()

	if err := pinThread(w.entry.Core); err != nil {
		w.l.WithError(err).WithField("entry", w.entry.ID).WithField("core", w.entry.Core).
			Warn("Failed to pin worker thread, running unpinned")
	}

	// bulkSize matches the stage buffer capacity so one dequeue typically
	// drains exactly one producer's batch.
	batch := make([]*packet.Packet, w.bulkSize)
	idle := 0
	var drainDeadline time.Time

	for {
		n := w.entry.queue.DequeueBatch(batch)
		if n > 0 {
			idle = 0
			w.batchSizes.Update(int64(n))
			for i := 0; i < n; i++ {
				w.process(batch[i])
				batch[i] = nil
			}
		}

		if w.entry.State() == StateDraining {
			if drainDeadline.IsZero() {
				drainDeadline = time.Now().Add(w.drainTimeout)
			}
			if n == 0 && w.entry.queue.Len() == 0 {
				// The close froze the reservation cursor, so an empty
				// queue with no outstanding reservations is final.
				return
			}
			if time.Now().After(drainDeadline) {
				w.discardRemaining(batch)
				return
			}
			if n == 0 {
				// A producer that won its reservation just before the
				// close has not finished publishing yet.
				runtime.Gosched()
			}
			continue
		}

		if n == 0 {
			idle++
			switch {
			case idle < workerSpinLimit:
				// busy-poll
			case idle < workerYieldLimit:
				runtime.Gosched()
			default:
				time.Sleep(workerNap)
			}
		}
	}
}

// discardRemaining empties the queue after a drain timeout, counting every
// leftover frame instead of silently losing it. A reservation still
// unpublished at this point is counted too; its buffer is lost to the pool
// the same way a mid-panic frame is.
func (w *worker) discardRemaining(batch []*packet.Packet) {
	for {
		n := w.entry.queue.DequeueBatch(batch)
		if n == 0 {
			break
		}
		w.entry.stats.DroppedOnShutdown.Add(uint64(n))
		for i := 0; i < n; i++ {
			batch[i].Release()
			batch[i] = nil
		}
	}

	if left := w.entry.queue.Len(); left > 0 {
		w.entry.stats.DroppedOnShutdown.Add(uint64(left))
	}
}

// process decides one frame's disposition. A panic out of collaborator code
// (hook or delivery) is confined to this frame: it is counted and the
// worker keeps running, so one entry's fault cannot stall the others.
func (w *worker) process(p *packet.Packet) {
	defer func() {
		if r := recover(); r != nil {
			// Ownership of the frame is indeterminate mid-panic, so it
			// is counted but not recycled.
			w.entry.stats.DeliveryFailed.Add(1)
			w.l.WithField("entry", w.entry.ID).WithField("panic", r).
				Error("Recovered panic while processing frame")
		}
	}()

	if w.entry.hook == nil {
		w.deliver(p)
		return
	}

	switch v := w.entry.hook.Classify(p); v.Kind {
	case VerdictDrop:
		w.entry.stats.HookDrops.Add(1)
		p.Release()
	case VerdictTransmit:
		if err := w.transmitter.Transmit(p); err != nil {
			w.entry.stats.DeliveryFailed.Add(1)
			p.Release()
		} else {
			w.entry.stats.Transmitted.Add(1)
		}
	case VerdictRedirect:
		w.redirect(p, v.Dest)
	default:
		w.deliver(p)
	}
}

func (w *worker) deliver(p *packet.Packet) {
	if err := w.delivery.Deliver(p); err != nil {
		w.entry.stats.DeliveryFailed.Add(1)
		p.Release()
		return
	}
	w.entry.stats.Delivered.Add(1)
}

// redirect re-routes a frame at its hook's request. The hop counter bounds
// chains so a hook that points back into a visited entry cannot loop a
// frame forever.
func (w *worker) redirect(p *packet.Packet, dest int) {
	p.Hops++
	if p.Hops > w.maxHops {
		w.entry.stats.HookDrops.Add(1)
		p.Release()
		return
	}

	target, err := w.m.Lookup(dest)
	if err != nil {
		w.entry.stats.InvalidRedirect.Add(1)
		p.Release()
		return
	}

	w.redirectBuf[0] = p
	// Rejection is counted as dropped_full on the target, same as any
	// producer-side overflow.
	target.enqueueBatch(w.redirectBuf[:1])
	w.redirectBuf[0] = nil
	w.entry.stats.Redirected.Add(1)
}
