package arq

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSegmentEncodeDecode(t *testing.T) {
	in := segment{
		conv:    0xdeadbeef,
		cmd:     CmdPush,
		frg:     3,
		wnd:     77,
		ts:      123456,
		sn:      42,
		una:     40,
		payload: []byte("segment payload"),
	}

	wire := in.encode(nil)
	require.Len(t, wire, headerSize+len(in.payload))

	out, rest, err := decodeSegment(wire)
	require.NoError(t, err)
	assert.Empty(t, rest)
	assert.Equal(t, in.conv, out.conv)
	assert.Equal(t, in.cmd, out.cmd)
	assert.Equal(t, in.frg, out.frg)
	assert.Equal(t, in.wnd, out.wnd)
	assert.Equal(t, in.ts, out.ts)
	assert.Equal(t, in.sn, out.sn)
	assert.Equal(t, in.una, out.una)
	assert.Equal(t, in.payload, out.payload)
}

func TestSegmentBatchDecode(t *testing.T) {
	a := segment{conv: 1, cmd: CmdAck, sn: 5}
	b := segment{conv: 1, cmd: CmdPush, sn: 6, payload: []byte("data")}

	wire := b.encode(a.encode(nil))

	first, rest, err := decodeSegment(wire)
	require.NoError(t, err)
	assert.Equal(t, CmdAck, first.cmd)
	assert.NotEmpty(t, rest)

	second, rest, err := decodeSegment(rest)
	require.NoError(t, err)
	assert.Equal(t, CmdPush, second.cmd)
	assert.Equal(t, []byte("data"), second.payload)
	assert.Empty(t, rest)
}

func TestSegmentDecodeMalformed(t *testing.T) {
	tests := []struct {
		name string
		data []byte
	}{
		{"short header", make([]byte, headerSize-1)},
		{"unknown command", func() []byte {
			s := segment{conv: 1, cmd: 0xff}
			w := s.encode(nil)
			w[4] = 0xff
			return w
		}()},
		{"truncated payload", func() []byte {
			s := segment{conv: 1, cmd: CmdPush, payload: []byte("abcdef")}
			return s.encode(nil)[:headerSize+2]
		}()},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := decodeSegment(tt.data)
			assert.ErrorIs(t, err, ErrMalformedSegment)
		})
	}
}

func TestTimeDiffWraparound(t *testing.T) {
	assert.Equal(t, int32(1), timeDiff(0, 0xffffffff))
	assert.Equal(t, int32(-1), timeDiff(0xffffffff, 0))
	assert.Equal(t, int32(0), timeDiff(7, 7))
	assert.Equal(t, int32(100), timeDiff(50, 0xffffffff-49))
}
