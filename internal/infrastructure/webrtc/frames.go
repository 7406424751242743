package webrtc

import (
	"math/rand"

	"github.com/pion/rtp"
)

const defaultMTU = 1200

// Every packet payload starts with a descriptor byte; packetStart marks the
// first packet of a frame so a receiver joining mid-frame can resync.
const packetStart byte = 0x01

// packetizer splits whole frames into RTP packets. The last packet of a
// frame carries the marker bit; all packets of a frame share a timestamp.
type packetizer struct {
	mtu       int
	seq       uint16
	timestamp uint32
}

func newPacketizer(mtu int) *packetizer {
	return &packetizer{
		mtu:       mtu,
		seq:       uint16(rand.Uint32()),
		timestamp: rand.Uint32(),
	}
}

func (p *packetizer) packetize(frame []byte, ticks uint32) []*rtp.Packet {
	p.timestamp += ticks
	if len(frame) == 0 {
		return nil
	}

	chunk := p.mtu - 1
	packets := make([]*rtp.Packet, 0, (len(frame)+chunk-1)/chunk)
	for off := 0; off < len(frame); off += chunk {
		end := off + chunk
		if end > len(frame) {
			end = len(frame)
		}
		payload := make([]byte, 1+end-off)
		if off == 0 {
			payload[0] = packetStart
		}
		copy(payload[1:], frame[off:end])

		packets = append(packets, &rtp.Packet{
			Header: rtp.Header{
				Version:        2,
				SequenceNumber: p.seq,
				Timestamp:      p.timestamp,
				Marker:         end == len(frame),
			},
			Payload: payload,
		})
		p.seq++
	}
	return packets
}

// assembler rebuilds frames from packets in arrival order. A sequence gap
// or a missing marker drops the partial frame; packets are then ignored
// until the next frame start.
type assembler struct {
	buf     []byte
	ts      uint32
	nextSeq uint16
	started bool
	inFrame bool
	dropped uint64
}

// push returns a complete frame, or nil while one is still being assembled.
func (a *assembler) push(pkt *rtp.Packet) []byte {
	if a.started && pkt.SequenceNumber != a.nextSeq {
		a.discard()
		a.dropped++
	}
	a.started = true
	a.nextSeq = pkt.SequenceNumber + 1

	if len(pkt.Payload) == 0 {
		return nil
	}
	if a.inFrame && pkt.Timestamp != a.ts {
		a.discard()
		a.dropped++
	}

	if pkt.Payload[0]&packetStart != 0 {
		a.inFrame = true
		a.ts = pkt.Timestamp
		a.buf = a.buf[:0]
	} else if !a.inFrame {
		return nil
	}
	a.buf = append(a.buf, pkt.Payload[1:]...)

	if !pkt.Marker {
		return nil
	}
	a.inFrame = false
	frame := make([]byte, len(a.buf))
	copy(frame, a.buf)
	return frame
}

func (a *assembler) discard() {
	a.inFrame = false
	a.buf = a.buf[:0]
}
