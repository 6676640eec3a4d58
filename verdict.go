package steerd

import (
	"fmt"

	"github.com/steerd/steerd/packet"
)

// VerdictKind enumerates the dispositions a classifier can assign a frame.
type VerdictKind uint8

const (
	// VerdictDrop discards the frame.
	VerdictDrop VerdictKind = iota
	// VerdictPass delivers the frame locally without redirecting it.
	VerdictPass
	// VerdictTransmit hands the frame to the transmit sink.
	VerdictTransmit
	// VerdictRedirect moves the frame to the destination entry it names.
	VerdictRedirect
)

func (k VerdictKind) String() string {
	switch k {
	case VerdictDrop:
		return "drop"
	case VerdictPass:
		return "pass"
	case VerdictTransmit:
		return "transmit"
	case VerdictRedirect:
		return "redirect"
	default:
		return fmt.Sprintf("invalid(%d)", k)
	}
}

// Verdict is the classification outcome for a single frame. It is a small
// value type; returning one never allocates.
type Verdict struct {
	Kind VerdictKind

	// Dest is the destination entry id, meaningful only for VerdictRedirect.
	Dest int
}

func Drop() Verdict     { return Verdict{Kind: VerdictDrop} }
func Pass() Verdict     { return Verdict{Kind: VerdictPass} }
func Transmit() Verdict { return Verdict{Kind: VerdictTransmit} }

func RedirectTo(id int) Verdict { return Verdict{Kind: VerdictRedirect, Dest: id} }

// Classifier decides the disposition of a frame. Implementations run once
// per frame on the critical path and must execute in bounded, small time.
// A classifier may annotate the packet's metadata but must not take
// ownership of it or mutate system state.
type Classifier interface {
	Classify(p *packet.Packet) Verdict
}

// ClassifierFunc adapts a plain function to the Classifier interface.
type ClassifierFunc func(p *packet.Packet) Verdict

func (f ClassifierFunc) Classify(p *packet.Packet) Verdict { return f(p) }
