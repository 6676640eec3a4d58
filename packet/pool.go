package packet

import "sync"

const (
	defaultHeadroom = 64
	defaultPayload  = 0xffff
)

// Pool hands out packets backed by fixed-size buffers so the steady-state
// receive path does not allocate per frame.
type Pool struct {
	headroom int
	payload  int
	pool     sync.Pool
}

// NewPool creates a pool whose packets carry headroom bytes of slack before
// the payload and can hold frames up to payload bytes. Non-positive values
// fall back to defaults.
func NewPool(headroom, payload int) *Pool {
	if headroom < 0 {
		headroom = defaultHeadroom
	}
	if payload <= 0 {
		payload = defaultPayload
	}
	p := &Pool{headroom: headroom, payload: payload}
	p.pool.New = func() any {
		return &Packet{
			buf:  make([]byte, headroom+payload),
			pool: p,
		}
	}
	return p
}

// Get returns a reset packet owned by the caller.
func (p *Pool) Get() *Packet {
	pkt := p.pool.Get().(*Packet)
	pkt.reset()
	return pkt
}

func (p *Pool) put(pkt *Packet) {
	p.pool.Put(pkt)
}
