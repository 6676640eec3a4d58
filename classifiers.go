package steerd

import (
	"hash/fnv"
	"net/netip"

	"github.com/gaissmai/bart"
	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/steerd/steerd/packet"
)

// The classifiers below are injected implementations of the Classifier
// contract, selected per source and per entry at configuration time. They
// carry per-instance parser state, so one instance must not be shared
// between execution contexts; the engine builds one per use site.

// StaticClassifier returns the same verdict for every frame.
func StaticClassifier(v Verdict) Classifier {
	return ClassifierFunc(func(*packet.Packet) Verdict { return v })
}

// hashSeedLen bounds how much of the frame feeds the spreader hash; the
// L2/L3/L4 headers fit well within it.
const hashSeedLen = 64

// HashSpreader spreads frames across all destinations by payload hash,
// RSS-style. Frames with identical leading bytes (same flow) land on the
// same destination.
type HashSpreader struct {
	destinations int
}

func NewHashSpreader(destinations int) *HashSpreader {
	return &HashSpreader{destinations: destinations}
}

func (h *HashSpreader) Classify(p *packet.Packet) Verdict {
	if h.destinations <= 0 || p.Len() == 0 {
		return Drop()
	}

	n := p.Len()
	if n > hashSeedLen {
		n = hashSeedLen
	}
	d := fnv.New32a()
	d.Write(p.Payload[:n])
	// Reduce in uint32 space; a plain int conversion goes negative on
	// 32-bit platforms for hashes above 1<<31.
	return RedirectTo(int(d.Sum32() % uint32(h.destinations)))
}

// decoder is the shared gopacket layer-decode state for the header-aware
// classifiers. Zero-allocation after construction.
type decoder struct {
	parser  *gopacket.DecodingLayerParser
	eth     layers.Ethernet
	ip4     layers.IPv4
	ip6     layers.IPv6
	tcp     layers.TCP
	udp     layers.UDP
	decoded []gopacket.LayerType
}

func newDecoder() *decoder {
	d := &decoder{decoded: make([]gopacket.LayerType, 0, 8)}
	d.parser = gopacket.NewDecodingLayerParser(
		layers.LayerTypeEthernet, &d.eth, &d.ip4, &d.ip6, &d.tcp, &d.udp)
	d.parser.IgnoreUnsupported = true
	return d
}

// decode parses as many known layers as the frame carries. The prefix
// decoded before any unknown layer is still usable.
func (d *decoder) decode(payload []byte) []gopacket.LayerType {
	d.decoded = d.decoded[:0]
	_ = d.parser.DecodeLayers(payload, &d.decoded)
	return d.decoded
}

// ProtoPortClassifier redirects by transport protocol and destination port,
// e.g. steering TCP/443 to one core and everything UDP to another.
type ProtoPortClassifier struct {
	dec *decoder

	// TCPPorts and UDPPorts map destination port to destination entry id.
	TCPPorts map[uint16]int
	UDPPorts map[uint16]int

	// Default is the verdict for frames matching no port rule.
	Default Verdict
}

func NewProtoPortClassifier(tcpPorts, udpPorts map[uint16]int, def Verdict) *ProtoPortClassifier {
	return &ProtoPortClassifier{
		dec:      newDecoder(),
		TCPPorts: tcpPorts,
		UDPPorts: udpPorts,
		Default:  def,
	}
}

func (c *ProtoPortClassifier) Classify(p *packet.Packet) Verdict {
	for _, lt := range c.dec.decode(p.Payload) {
		switch lt {
		case layers.LayerTypeTCP:
			if id, ok := c.TCPPorts[uint16(c.dec.tcp.DstPort)]; ok {
				return RedirectTo(id)
			}
			return c.Default
		case layers.LayerTypeUDP:
			if id, ok := c.UDPPorts[uint16(c.dec.udp.DstPort)]; ok {
				return RedirectTo(id)
			}
			return c.Default
		}
	}
	return c.Default
}

// PrefixClassifier redirects by longest-prefix match on the destination IP.
type PrefixClassifier struct {
	dec   *decoder
	table *bart.Table[int]

	// Default is the verdict for frames matching no prefix.
	Default Verdict
}

func NewPrefixClassifier(def Verdict) *PrefixClassifier {
	return &PrefixClassifier{
		dec:     newDecoder(),
		table:   &bart.Table[int]{},
		Default: def,
	}
}

// Add routes dst-addressed frames within pfx to destination id. Not safe
// concurrently with Classify; populate before starting the engine.
func (c *PrefixClassifier) Add(pfx netip.Prefix, id int) {
	c.table.Insert(pfx, id)
}

func (c *PrefixClassifier) Classify(p *packet.Packet) Verdict {
	for _, lt := range c.dec.decode(p.Payload) {
		var dst netip.Addr
		var ok bool
		switch lt {
		case layers.LayerTypeIPv4:
			dst, ok = netip.AddrFromSlice(c.dec.ip4.DstIP)
		case layers.LayerTypeIPv6:
			dst, ok = netip.AddrFromSlice(c.dec.ip6.DstIP)
		default:
			continue
		}
		if !ok {
			return c.Default
		}
		if id, found := c.table.Lookup(dst); found {
			return RedirectTo(id)
		}
		return c.Default
	}
	return c.Default
}
