// Package packet holds the frame representation handed between the ingress
// path, the redirect map, and the consumer workers. A Packet is owned by
// exactly one place at a time: the classifier inspecting it, a stage buffer
// slot, a destination queue slot, or the worker processing it. Moving it is
// always an ownership transfer, never a copy.
package packet

import "time"

// Packet is a reference to frame bytes plus the metadata the steering path
// needs. The payload slice aliases pooled backing storage; callers must not
// retain it after Release.
type Packet struct {
	// Payload is the frame bytes, length included. Headroom below
	// Payload[0] is available in the backing buffer for encapsulation.
	Payload []byte

	// ReceivedAt is the ingress timestamp stamped by the source.
	ReceivedAt time.Time

	// SourceCore identifies the producer context that admitted the frame.
	SourceCore int

	// Seq is a per-source monotonic sequence number, assigned at admission.
	Seq uint64

	// Hops counts secondary-hook re-redirects this frame has taken. The
	// worker drops the frame once Hops exceeds the configured maximum.
	Hops int

	buf  []byte
	pool *Pool
}

// Len returns the frame length in bytes.
func (p *Packet) Len() int {
	return len(p.Payload)
}

// Set copies b into the packet's backing buffer and points Payload at it.
// This is the one copy in the system, at the driver boundary where the frame
// enters; everything downstream moves the Packet itself.
func (p *Packet) Set(b []byte) bool {
	if len(b) > cap(p.buf)-p.pool.headroom {
		return false
	}
	p.Payload = p.buf[p.pool.headroom : p.pool.headroom+len(b)]
	copy(p.Payload, b)
	return true
}

// Release returns the packet to its pool. The caller must not touch the
// packet afterwards.
func (p *Packet) Release() {
	if p.pool != nil {
		p.pool.put(p)
	}
}

func (p *Packet) reset() {
	p.Payload = nil
	p.ReceivedAt = time.Time{}
	p.SourceCore = 0
	p.Seq = 0
	p.Hops = 0
}
