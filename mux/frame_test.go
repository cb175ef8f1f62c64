package mux

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFrameMarshalUnmarshal(t *testing.T) {
	wire := marshalFrame(7, cmdData, []byte("stream bytes"))
	require.Len(t, wire, frameHeaderSize+12)

	f, err := unmarshalFrame(wire)
	require.NoError(t, err)
	assert.Equal(t, uint32(7), f.id)
	assert.Equal(t, cmdData, f.cmd)
	assert.Equal(t, []byte("stream bytes"), f.payload)
}

func TestFrameEmptyPayload(t *testing.T) {
	f, err := unmarshalFrame(marshalFrame(3, cmdOpen, nil))
	require.NoError(t, err)
	assert.Equal(t, uint32(3), f.id)
	assert.Equal(t, cmdOpen, f.cmd)
	assert.Empty(t, f.payload)
}

func TestFrameUnmarshalMalformed(t *testing.T) {
	tests := []struct {
		name string
		data []byte
	}{
		{"short", []byte{0, 0, 0, 1, cmdData}},
		{"unknown type", func() []byte {
			w := marshalFrame(1, cmdData, nil)
			w[4] = 0x7f
			return w
		}()},
		{"length mismatch", func() []byte {
			return marshalFrame(1, cmdData, []byte("abcdef"))[:frameHeaderSize+3]
		}()},
		{"trailing bytes", append(marshalFrame(1, cmdClose, nil), 0xff)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := unmarshalFrame(tt.data)
			assert.ErrorIs(t, err, ErrMalformedFrame)
		})
	}
}
