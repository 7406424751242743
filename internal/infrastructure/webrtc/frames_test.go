package webrtc

import (
	"bytes"
	"testing"

	"github.com/pion/rtp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func frameOf(size int, fill byte) []byte {
	return bytes.Repeat([]byte{fill}, size)
}

func TestPacketizer_SplitsOnMTU(t *testing.T) {
	p := newPacketizer(101)

	packets := p.packetize(frameOf(250, 7), 3000)
	require.Len(t, packets, 3)
	for i, pkt := range packets {
		assert.Equal(t, packets[0].Timestamp, pkt.Timestamp)
		assert.Equal(t, packets[0].SequenceNumber+uint16(i), pkt.SequenceNumber)
		assert.Equal(t, i == 2, pkt.Marker)
		assert.Equal(t, i == 0, pkt.Payload[0] == packetStart)
		assert.LessOrEqual(t, len(pkt.Payload), 101)
	}
	assert.Len(t, packets[2].Payload, 51)

	next := p.packetize(frameOf(10, 1), 3000)
	require.Len(t, next, 1)
	assert.Equal(t, packets[0].Timestamp+3000, next[0].Timestamp)
	assert.Equal(t, packets[2].SequenceNumber+1, next[0].SequenceNumber)
}

func TestPacketizer_EmptyFrameAdvancesClock(t *testing.T) {
	p := newPacketizer(100)
	first := p.packetize(frameOf(1, 1), 10)
	assert.Nil(t, p.packetize(nil, 10))
	second := p.packetize(frameOf(1, 1), 10)
	assert.Equal(t, first[0].Timestamp+20, second[0].Timestamp)
}

func TestAssembler_RoundTrip(t *testing.T) {
	p := newPacketizer(65)
	var a assembler

	for _, size := range []int{1, 64, 65, 500} {
		frame := frameOf(size, byte(size))
		var got []byte
		for _, pkt := range p.packetize(frame, 90) {
			got = a.push(pkt)
		}
		assert.Equal(t, frame, got, "frame of %d bytes", size)
	}
	assert.Zero(t, a.dropped)
}

func collect(a *assembler, pkts ...*rtp.Packet) [][]byte {
	var out [][]byte
	for _, pkt := range pkts {
		if f := a.push(pkt); f != nil {
			out = append(out, f)
		}
	}
	return out
}

func TestAssembler_GapDropsPartialFrame(t *testing.T) {
	p := newPacketizer(11)
	var a assembler

	first := p.packetize(frameOf(30, 1), 90)
	second := p.packetize(frameOf(30, 2), 90)
	third := p.packetize(frameOf(30, 3), 90)

	var out [][]byte
	out = append(out, collect(&a, first...)...)
	// lose the middle packet of the second frame
	out = append(out, collect(&a, second[0], second[2])...)
	out = append(out, collect(&a, third...)...)

	require.Len(t, out, 2)
	assert.Equal(t, frameOf(30, 1), out[0])
	assert.Equal(t, frameOf(30, 3), out[1])
	assert.Equal(t, uint64(1), a.dropped)
}

func TestAssembler_JoinsMidFrame(t *testing.T) {
	p := newPacketizer(11)
	var a assembler

	first := p.packetize(frameOf(20, 1), 90)
	second := p.packetize(frameOf(20, 2), 90)

	out := collect(&a, first[1])
	out = append(out, collect(&a, second...)...)

	require.Len(t, out, 1)
	assert.Equal(t, frameOf(20, 2), out[0])
	assert.Zero(t, a.dropped)
}

func TestAssembler_LostMarker(t *testing.T) {
	p := newPacketizer(11)
	var a assembler

	first := p.packetize(frameOf(20, 1), 90)
	second := p.packetize(frameOf(20, 2), 90)

	// first[1] carries the marker and is lost
	out := collect(&a, first[0])
	out = append(out, collect(&a, second...)...)

	require.Len(t, out, 1)
	assert.Equal(t, frameOf(20, 2), out[0])
	assert.Equal(t, uint64(1), a.dropped)
}
