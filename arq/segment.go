package arq

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// Segment commands. Push carries application payload, Ack acknowledges,
// WindowProbe asks a zero-window peer for its current window, WindowSize
// answers a probe, and Bye is the reliable termination marker (it consumes
// a sequence number and is retransmitted like a Push).
const (
	CmdPush uint8 = 81 + iota
	CmdAck
	CmdWindowProbe
	CmdWindowSize
	CmdBye
)

// headerSize is the fixed segment header length: connection id (4), command
// (1), fragment index (1), advertised window (2), timestamp (4), sequence
// number (4), cumulative-ack base (4), payload length (4). Network byte
// order throughout.
const headerSize = 24

// ErrMalformedSegment indicates a datagram that cannot be parsed as a
// segment stream.
var ErrMalformedSegment = errors.New("malformed segment")

// segment is the ARQ wire unit plus the per-segment retransmission state
// tracked while it sits in the send buffer.
type segment struct {
	conv    uint32
	cmd     uint8
	frg     uint8
	wnd     uint16
	ts      uint32
	sn      uint32
	una     uint32
	payload []byte

	// send-buffer bookkeeping, never serialized
	rto      uint32
	resendTs uint32
	fastAck  uint32
	xmit     uint32
}

// encodedLen returns the wire size of the segment.
func (s *segment) encodedLen() int { return headerSize + len(s.payload) }

// encode appends the segment's wire form to buf.
func (s *segment) encode(buf []byte) []byte {
	var hdr [headerSize]byte
	binary.BigEndian.PutUint32(hdr[0:4], s.conv)
	hdr[4] = s.cmd
	hdr[5] = s.frg
	binary.BigEndian.PutUint16(hdr[6:8], s.wnd)
	binary.BigEndian.PutUint32(hdr[8:12], s.ts)
	binary.BigEndian.PutUint32(hdr[12:16], s.sn)
	binary.BigEndian.PutUint32(hdr[16:20], s.una)
	binary.BigEndian.PutUint32(hdr[20:24], uint32(len(s.payload)))

	buf = append(buf, hdr[:]...)
	return append(buf, s.payload...)
}

// decodeSegment parses one segment from data, returning it and the
// remaining bytes. Datagrams may batch several segments back to back.
func decodeSegment(data []byte) (segment, []byte, error) {
	if len(data) < headerSize {
		return segment{}, nil, fmt.Errorf("%w: %d bytes, need %d header bytes", ErrMalformedSegment, len(data), headerSize)
	}

	seg := segment{
		conv: binary.BigEndian.Uint32(data[0:4]),
		cmd:  data[4],
		frg:  data[5],
		wnd:  binary.BigEndian.Uint16(data[6:8]),
		ts:   binary.BigEndian.Uint32(data[8:12]),
		sn:   binary.BigEndian.Uint32(data[12:16]),
		una:  binary.BigEndian.Uint32(data[16:20]),
	}

	if seg.cmd < CmdPush || seg.cmd > CmdBye {
		return segment{}, nil, fmt.Errorf("%w: unknown command %d", ErrMalformedSegment, seg.cmd)
	}

	plen := binary.BigEndian.Uint32(data[20:24])
	rest := data[headerSize:]
	if uint32(len(rest)) < plen {
		return segment{}, nil, fmt.Errorf("%w: payload length %d exceeds datagram", ErrMalformedSegment, plen)
	}

	if plen > 0 {
		seg.payload = make([]byte, plen)
		copy(seg.payload, rest[:plen])
	}
	return seg, rest[plen:], nil
}

// timeDiff compares two wrapping 32-bit timestamps or sequence numbers,
// returning a signed distance. Correct across wraparound as long as the
// true distance is under 2^31.
func timeDiff(later, earlier uint32) int32 {
	return int32(later - earlier)
}
