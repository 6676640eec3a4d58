package steerd

import (
	"errors"
	"sync/atomic"

	"github.com/steerd/steerd/packet"
)

// Delivery is the downstream interface a consumer worker forwards frames
// to. Deliver takes ownership of the packet on success; on error the worker
// counts the frame against delivery_failed and releases it. Workers never
// retry a failed delivery.
type Delivery interface {
	Deliver(p *packet.Packet) error
}

// Transmitter receives frames whose verdict was Transmit. Interface
// transmission itself is outside this engine; the default sink discards.
type Transmitter interface {
	Transmit(p *packet.Packet) error
}

// DeliveryFunc adapts a function to the Delivery interface.
type DeliveryFunc func(p *packet.Packet) error

func (f DeliveryFunc) Deliver(p *packet.Packet) error { return f(p) }

// DiscardDelivery accepts and releases every frame. Useful as a default and
// in load tests.
type DiscardDelivery struct{}

func (DiscardDelivery) Deliver(p *packet.Packet) error {
	p.Release()
	return nil
}

func (DiscardDelivery) Transmit(p *packet.Packet) error {
	p.Release()
	return nil
}

// CountingDelivery wraps another Delivery and counts outcomes, for load
// tests and accounting checks that do not care about the frames themselves.
type CountingDelivery struct {
	Next Delivery

	Accepted atomic.Uint64
	Failed   atomic.Uint64
}

func (d *CountingDelivery) Deliver(p *packet.Packet) error {
	if err := d.Next.Deliver(p); err != nil {
		d.Failed.Add(1)
		return err
	}
	d.Accepted.Add(1)
	return nil
}

// ErrDeliveryBackpressure is returned by ChannelDelivery when its receiver
// is not keeping up.
var ErrDeliveryBackpressure = errors.New("delivery channel full")

// ChannelDelivery hands frames to an application over a buffered channel,
// refusing rather than blocking when the receiver falls behind. The
// receiver owns delivered packets and must Release them.
type ChannelDelivery struct {
	C chan *packet.Packet
}

func NewChannelDelivery(depth int) *ChannelDelivery {
	return &ChannelDelivery{C: make(chan *packet.Packet, depth)}
}

func (d *ChannelDelivery) Deliver(p *packet.Packet) error {
	select {
	case d.C <- p:
		return nil
	default:
		return ErrDeliveryBackpressure
	}
}
