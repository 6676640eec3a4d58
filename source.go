package steerd

import (
	"context"
	"errors"
	"io"
	"runtime"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/steerd/steerd/packet"
)

const defaultCycleBatch = 64

// FrameSource is where a producer context gets its raw frames: a driver
// receive ring, a capture file, an in-process channel. ReadBatch fills out
// with up to len(out) packets, blocking until at least one frame is
// available, ctx is done, or the source is exhausted (io.EOF). Each return
// is one receive cycle; the caller flushes its stage buffers after it.
type FrameSource interface {
	ReadBatch(ctx context.Context, out []*packet.Packet) (int, error)
}

// SourceStats counts frame dispositions decided on the ingress path. These
// are the externally-tracked pass/transmit/drop buckets of the system-wide
// accounting identity.
type SourceStats struct {
	Admitted    atomic.Uint64
	Passed      atomic.Uint64
	Transmitted atomic.Uint64
	Dropped     atomic.Uint64
	Redirected  atomic.Uint64
	Cycles      atomic.Uint64
}

// SourceSnapshot is a point-in-time copy of SourceStats.
type SourceSnapshot struct {
	Admitted    uint64 `json:"admitted"`
	Passed      uint64 `json:"passed"`
	Transmitted uint64 `json:"transmitted"`
	Dropped     uint64 `json:"dropped"`
	Redirected  uint64 `json:"redirected"`
	Cycles      uint64 `json:"cycles"`
}

// Source is one producer execution context: it runs the ingress classifier
// over every frame its FrameSource yields, stages redirects, and flushes
// all stage buffers at each cycle boundary.
type Source struct {
	id          int
	core        int
	classifier  Classifier
	stager      *Stager
	delivery    Delivery
	transmitter Transmitter
	src         FrameSource
	cycleBatch  int

	stats SourceStats
	seq   uint64
	l     *logrus.Logger
}

// SourceConfig describes one producer context.
type SourceConfig struct {
	// ID is the source core id stamped onto admitted frames.
	ID int

	// Core pins the producer thread; negative leaves it unpinned.
	Core int

	// Classifier is the ingress classifier contract. Required.
	Classifier Classifier

	// CycleBatch caps how many frames one receive cycle handles.
	CycleBatch int
}

func newSource(cfg SourceConfig, src FrameSource, m *Map, stageBatch int, delivery Delivery, transmitter Transmitter, l *logrus.Logger) *Source {
	cycle := cfg.CycleBatch
	if cycle <= 0 {
		cycle = defaultCycleBatch
	}
	if transmitter == nil {
		transmitter = DiscardDelivery{}
	}

	return &Source{
		id:          cfg.ID,
		core:        cfg.Core,
		classifier:  cfg.Classifier,
		stager:      NewStager(m, stageBatch),
		delivery:    delivery,
		transmitter: transmitter,
		src:         src,
		cycleBatch:  cycle,
		l:           l,
	}
}

// Stats returns a snapshot of the source's counters.
func (s *Source) Stats() SourceSnapshot {
	return SourceSnapshot{
		Admitted:    s.stats.Admitted.Load(),
		Passed:      s.stats.Passed.Load(),
		Transmitted: s.stats.Transmitted.Load(),
		Dropped:     s.stats.Dropped.Load(),
		Redirected:  s.stats.Redirected.Load(),
		Cycles:      s.stats.Cycles.Load(),
	}
}

// run drives receive cycles until ctx is done or the source is exhausted.
// The final flush always happens, so no staged frame is stranded.
func (s *Source) run(ctx context.Context) error {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	if err := pinThread(s.core); err != nil {
		s.l.WithError(err).WithField("source", s.id).WithField("core", s.core).
			Warn("Failed to pin source thread, running unpinned")
	}

	batch := make([]*packet.Packet, s.cycleBatch)
	for {
		n, err := s.src.ReadBatch(ctx, batch)
		for i := 0; i < n; i++ {
			s.admit(batch[i])
			batch[i] = nil
		}
		if n > 0 || err == nil {
			s.stats.Cycles.Add(1)
		}
		s.stager.FlushAll()

		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		}
	}
}

// admit runs the ingress classifier over one frame and acts on the verdict.
// Runs on the frame's originating core, once per frame.
func (s *Source) admit(p *packet.Packet) {
	p.SourceCore = s.id
	p.Seq = s.seq
	s.seq++
	if p.ReceivedAt.IsZero() {
		p.ReceivedAt = time.Now()
	}
	s.stats.Admitted.Add(1)

	switch v := s.classifier.Classify(p); v.Kind {
	case VerdictRedirect:
		s.stats.Redirected.Add(1)
		s.stager.Stage(v.Dest, p)
	case VerdictPass:
		if err := s.delivery.Deliver(p); err != nil {
			s.stats.Dropped.Add(1)
			p.Release()
			return
		}
		s.stats.Passed.Add(1)
	case VerdictTransmit:
		if err := s.transmitter.Transmit(p); err != nil {
			s.stats.Dropped.Add(1)
			p.Release()
			return
		}
		s.stats.Transmitted.Add(1)
	default:
		s.stats.Dropped.Add(1)
		p.Release()
	}
}

// ChannelSource feeds frames pushed by an in-process producer, typically
// the embedding application or a test. Close the channel to end the source.
type ChannelSource struct {
	C chan *packet.Packet
}

func NewChannelSource(depth int) *ChannelSource {
	return &ChannelSource{C: make(chan *packet.Packet, depth)}
}

// ReadBatch blocks for the first frame, then drains whatever else is
// immediately available up to len(out). The non-blocking drain keeps one
// cycle from spanning a quiet gap, which would hold staged frames past the
// flush boundary.
func (cs *ChannelSource) ReadBatch(ctx context.Context, out []*packet.Packet) (int, error) {
	select {
	case p, ok := <-cs.C:
		if !ok {
			return 0, io.EOF
		}
		out[0] = p
	case <-ctx.Done():
		return 0, context.Canceled
	}

	n := 1
	for n < len(out) {
		select {
		case p, ok := <-cs.C:
			if !ok {
				return n, io.EOF
			}
			out[n] = p
			n++
		default:
			return n, nil
		}
	}
	return n, nil
}
