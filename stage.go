package steerd

import "github.com/steerd/steerd/packet"

// defaultStageBatch is the stage buffer depth: eight frame pointers fill one
// cache line, which is the transfer unit the batching exists to amortize.
const defaultStageBatch = 8

// StageBuffer coalesces a single producer's enqueues toward one destination
// entry into bulk transfers. It is owned by exactly one producer context and
// needs no synchronization of its own; the cross-core hand-off happens in
// the entry queue's TryEnqueueBatch.
type StageBuffer struct {
	entry *Entry
	pkts  []*packet.Packet
	n     int
}

func newStageBuffer(entry *Entry, batch int) *StageBuffer {
	return &StageBuffer{
		entry: entry,
		pkts:  make([]*packet.Packet, batch),
	}
}

// Stage buffers p locally and performs a bulk transfer the moment the buffer
// fills. Ownership of p passes to the stage buffer.
func (sb *StageBuffer) Stage(p *packet.Packet) {
	sb.pkts[sb.n] = p
	sb.n++
	if sb.n == len(sb.pkts) {
		sb.transfer()
	}
}

// Flush transfers any partial batch. Called by the flush coordinator at the
// end of every receive cycle so no frame waits longer than one cycle.
func (sb *StageBuffer) Flush() {
	if sb.n > 0 {
		sb.transfer()
	}
}

// Pending is the number of frames currently staged.
func (sb *StageBuffer) Pending() int {
	return sb.n
}

// transfer moves the staged frames into the entry queue in one call. The
// entry counts and releases whatever the queue rejects; retrying would stall
// the receive path, so we never do.
func (sb *StageBuffer) transfer() {
	sb.entry.enqueueBatch(sb.pkts[:sb.n])
	for i := 0; i < sb.n; i++ {
		sb.pkts[i] = nil
	}
	sb.n = 0
}

// Stager is the per-producer staging layer: one stage buffer per destination
// the producer has actually redirected to, created lazily, plus the flush
// coordinator invoked at every cycle boundary.
type Stager struct {
	m     *Map
	batch int
	bufs  []*StageBuffer // indexed by destination id, nil until first use
}

// NewStager creates the staging layer for one producer context. batch <= 0
// selects the default.
func NewStager(m *Map, batch int) *Stager {
	if batch <= 0 {
		batch = defaultStageBatch
	}
	return &Stager{
		m:     m,
		batch: batch,
		bufs:  make([]*StageBuffer, m.Size()),
	}
}

// Batch is the stage buffer capacity, which consumers mirror as their bulk
// dequeue size.
func (s *Stager) Batch() int {
	return s.batch
}

// Stage routes p toward destination id. An id outside the map drops the
// frame and counts it against the map's invalid-redirect counter.
func (s *Stager) Stage(id int, p *packet.Packet) {
	if id < 0 || id >= len(s.bufs) {
		s.m.invalidRedirects.Add(1)
		p.Release()
		return
	}

	sb := s.bufs[id]
	if sb == nil {
		sb = newStageBuffer(s.m.entries[id], s.batch)
		s.bufs[id] = sb
	}
	sb.Stage(p)
}

// FlushAll forces every non-empty stage buffer owned by this producer to
// transfer. Invoked once per receive cycle; this is the mechanism that
// bounds worst-case staging latency to one cycle.
func (s *Stager) FlushAll() {
	for _, sb := range s.bufs {
		if sb != nil {
			sb.Flush()
		}
	}
}
