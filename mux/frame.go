package mux

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// Frame types.
const (
	cmdOpen uint8 = iota + 1
	cmdData
	cmdWindowUpdate
	cmdClose
	cmdReset
)

// frameHeaderSize is the fixed frame header: stream id (4), type (1),
// payload length (2). Network byte order.
const frameHeaderSize = 7

// maxFramePayload is the hard wire limit imposed by the 16-bit length
// field. Config.MaxFrameSize may lower it further.
const maxFramePayload = 1<<16 - 1

// ErrMalformedFrame indicates an inbound frame that cannot be parsed.
// Frame parse failures are connection-fatal: the channel below is
// reliable, so a bad frame means a broken peer.
var ErrMalformedFrame = errors.New("malformed frame")

type frame struct {
	id      uint32
	cmd     uint8
	payload []byte
}

// marshalFrame builds the wire form of a frame.
func marshalFrame(id uint32, cmd uint8, payload []byte) []byte {
	buf := make([]byte, frameHeaderSize+len(payload))
	binary.BigEndian.PutUint32(buf[0:4], id)
	buf[4] = cmd
	binary.BigEndian.PutUint16(buf[5:7], uint16(len(payload)))
	copy(buf[frameHeaderSize:], payload)
	return buf
}

// unmarshalFrame parses a complete frame. The underlying channel preserves
// message boundaries, so exactly one frame per message is expected.
func unmarshalFrame(data []byte) (frame, error) {
	if len(data) < frameHeaderSize {
		return frame{}, fmt.Errorf("%w: %d bytes, need %d header bytes", ErrMalformedFrame, len(data), frameHeaderSize)
	}
	f := frame{
		id:  binary.BigEndian.Uint32(data[0:4]),
		cmd: data[4],
	}
	if f.cmd < cmdOpen || f.cmd > cmdReset {
		return frame{}, fmt.Errorf("%w: unknown type %d", ErrMalformedFrame, f.cmd)
	}
	plen := int(binary.BigEndian.Uint16(data[5:7]))
	if len(data) != frameHeaderSize+plen {
		return frame{}, fmt.Errorf("%w: length field %d does not match %d payload bytes", ErrMalformedFrame, plen, len(data)-frameHeaderSize)
	}
	if plen > 0 {
		f.payload = data[frameHeaderSize:]
	}
	return f, nil
}
