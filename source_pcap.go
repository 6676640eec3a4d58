package steerd

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/google/gopacket/pcapgo"
	"github.com/steerd/steerd/packet"
)

// PcapSource replays frames from a pcap capture file, mainly for soak
// testing the fan-out path with recorded traffic. It returns io.EOF when
// the capture is exhausted.
type PcapSource struct {
	f    *os.File
	r    *pcapgo.Reader
	pool *packet.Pool
}

func NewPcapSource(path string, pool *packet.Pool) (*PcapSource, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}

	r, err := pcapgo.NewReader(f)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("reading pcap header from %s: %w", path, err)
	}

	return &PcapSource{f: f, r: r, pool: pool}, nil
}

func (ps *PcapSource) ReadBatch(ctx context.Context, out []*packet.Packet) (int, error) {
	for n := 0; n < len(out); n++ {
		if err := ctx.Err(); err != nil {
			return n, context.Canceled
		}

		data, ci, err := ps.r.ReadPacketData()
		if err != nil {
			if err == io.EOF {
				return n, io.EOF
			}
			return n, err
		}

		p := ps.pool.Get()
		if !p.Set(data) {
			// Oversized capture record; skip rather than truncate.
			p.Release()
			n--
			continue
		}
		p.ReceivedAt = ci.Timestamp
		out[n] = p
	}
	return len(out), nil
}

func (ps *PcapSource) Close() error {
	return ps.f.Close()
}
