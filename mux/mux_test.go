package mux

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// muxPair wires two multiplexers back to back: every frame one side sends
// is handled synchronously by the other.
func muxPair(t *testing.T, cfg *Config) (*Mux, *Mux) {
	t.Helper()

	var a, b *Mux
	var err error
	a, err = New(RoleInitiator, cfg, func(f []byte) error {
		return b.HandleFrame(append([]byte(nil), f...))
	})
	require.NoError(t, err)
	b, err = New(RoleResponder, cfg, func(f []byte) error {
		return a.HandleFrame(append([]byte(nil), f...))
	})
	require.NoError(t, err)
	return a, b
}

func readFull(t *testing.T, s *Stream, n int) []byte {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	out := make([]byte, 0, n)
	buf := make([]byte, 4096)
	for len(out) < n {
		got, err := s.Read(ctx, buf)
		require.NoError(t, err)
		out = append(out, buf[:got]...)
	}
	require.Len(t, out, n)
	return out
}

func TestOpenAcceptAndEcho(t *testing.T) {
	a, b := muxPair(t, nil)
	ctx := context.Background()

	sa, err := a.OpenStream()
	require.NoError(t, err)
	assert.Equal(t, uint32(1), sa.ID())

	sb, err := b.AcceptStream(ctx)
	require.NoError(t, err)
	assert.Equal(t, sa.ID(), sb.ID())

	_, err = sa.Write(ctx, []byte("ping"))
	require.NoError(t, err)
	assert.Equal(t, []byte("ping"), readFull(t, sb, 4))

	_, err = sb.Write(ctx, []byte("pong"))
	require.NoError(t, err)
	assert.Equal(t, []byte("pong"), readFull(t, sa, 4))
}

func TestStreamIDPartition(t *testing.T) {
	a, b := muxPair(t, nil)

	for _, want := range []uint32{1, 3, 5} {
		s, err := a.OpenStream()
		require.NoError(t, err)
		assert.Equal(t, want, s.ID())
	}
	for _, want := range []uint32{2, 4} {
		s, err := b.OpenStream()
		require.NoError(t, err)
		assert.Equal(t, want, s.ID())
	}
}

func TestStreamIDReuseIsFatal(t *testing.T) {
	_, b := muxPair(t, nil)

	require.NoError(t, b.HandleFrame(marshalFrame(5, cmdOpen, nil)))
	err := b.HandleFrame(marshalFrame(5, cmdOpen, nil))
	assert.ErrorIs(t, err, ErrStreamIDReused)

	// Going backwards is reuse too.
	_, c := muxPair(t, nil)
	require.NoError(t, c.HandleFrame(marshalFrame(5, cmdOpen, nil)))
	assert.ErrorIs(t, c.HandleFrame(marshalFrame(3, cmdOpen, nil)), ErrStreamIDReused)

	// The mux is poisoned afterwards.
	_, openErr := b.OpenStream()
	assert.ErrorIs(t, openErr, ErrStreamIDReused)
}

func TestStreamIDWrongParityIsFatal(t *testing.T) {
	_, b := muxPair(t, nil)

	// b is the responder; inbound opens must be odd.
	err := b.HandleFrame(marshalFrame(4, cmdOpen, nil))
	assert.ErrorIs(t, err, ErrStreamIDReused)
}

func TestConcurrentStreamsStayIndependent(t *testing.T) {
	a, b := muxPair(t, nil)
	ctx := context.Background()

	const streams = 8
	const chunks = 20
	const chunkSize = 1024

	var wg sync.WaitGroup
	for i := 0; i < streams; i++ {
		s, err := a.OpenStream()
		require.NoError(t, err)

		wg.Add(1)
		go func(s *Stream, marker byte) {
			defer wg.Done()
			chunk := bytes.Repeat([]byte{marker}, chunkSize)
			for j := 0; j < chunks; j++ {
				if _, err := s.Write(ctx, chunk); err != nil {
					t.Errorf("stream %d write: %v", s.ID(), err)
					return
				}
			}
		}(s, byte(i))
	}

	for i := 0; i < streams; i++ {
		sb, err := b.AcceptStream(ctx)
		require.NoError(t, err)

		wg.Add(1)
		go func(s *Stream) {
			defer wg.Done()
			readCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			defer cancel()

			marker := byte((s.ID() - 1) / 2) // id 1 wrote 0x00, id 3 wrote 0x01, ...
			buf := make([]byte, 4096)
			got := 0
			for got < chunks*chunkSize {
				n, err := s.Read(readCtx, buf)
				if err != nil {
					t.Errorf("stream %d read: %v", s.ID(), err)
					return
				}
				for _, c := range buf[:n] {
					if c != marker {
						t.Errorf("stream %d: byte %#x leaked in, want %#x", s.ID(), c, marker)
						return
					}
				}
				got += n
			}
		}(sb)
	}

	wg.Wait()
}

func TestFlowControlBlocksAndReplenishes(t *testing.T) {
	cfg := &Config{InitialWindow: 1024, MaxFrameSize: 512, AcceptBacklog: 4}
	a, b := muxPair(t, cfg)
	ctx := context.Background()

	sa, err := a.OpenStream()
	require.NoError(t, err)
	sb, err := b.AcceptStream(ctx)
	require.NoError(t, err)

	// The writer can only place InitialWindow bytes before stalling.
	short, cancel := context.WithTimeout(ctx, 100*time.Millisecond)
	defer cancel()
	n, err := sa.Write(short, make([]byte, 4096))
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, 1024, n)

	// Consuming at least half the window sends a WINDOW_UPDATE and the
	// writer can continue.
	readFull(t, sb, 1024)
	n, err = sa.Write(ctx, make([]byte, 1024))
	require.NoError(t, err)
	assert.Equal(t, 1024, n)
}

func TestWriteCancellationLeavesFullFrames(t *testing.T) {
	cfg := &Config{InitialWindow: 512, MaxFrameSize: 256, AcceptBacklog: 4}
	a, b := muxPair(t, cfg)
	ctx := context.Background()

	sa, err := a.OpenStream()
	require.NoError(t, err)
	sb, err := b.AcceptStream(ctx)
	require.NoError(t, err)

	short, cancel := context.WithTimeout(ctx, 100*time.Millisecond)
	defer cancel()
	n, err := sa.Write(short, make([]byte, 10_000))
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	// Whatever was reported written is exactly what arrives; no partial
	// frame, no missing tail.
	got := readFull(t, sb, n)
	assert.Len(t, got, n)
	sb.mu.Lock()
	leftover := sb.readBuf.Len()
	sb.mu.Unlock()
	assert.Zero(t, leftover)
}

func TestHalfClose(t *testing.T) {
	a, b := muxPair(t, nil)
	ctx := context.Background()

	sa, err := a.OpenStream()
	require.NoError(t, err)
	sb, err := b.AcceptStream(ctx)
	require.NoError(t, err)

	_, err = sa.Write(ctx, []byte("final words"))
	require.NoError(t, err)
	require.NoError(t, sa.Close())
	require.NoError(t, sa.Close(), "close is idempotent")

	// Reader drains buffered data, then sees EOF.
	assert.Equal(t, []byte("final words"), readFull(t, sb, 11))
	_, err = sb.Read(ctx, make([]byte, 16))
	assert.ErrorIs(t, err, io.EOF)

	// The other direction still works after the half-close.
	_, err = sb.Write(ctx, []byte("reply"))
	require.NoError(t, err)
	assert.Equal(t, []byte("reply"), readFull(t, sa, 5))

	// Writing on the closed half fails.
	_, err = sa.Write(ctx, []byte("nope"))
	assert.ErrorIs(t, err, ErrStreamClosed)

	// Closing the second half retires the stream on both sides.
	require.NoError(t, sb.Close())
	assert.Zero(t, a.NumStreams())
	assert.Zero(t, b.NumStreams())
}

func TestResetIsolatesStreams(t *testing.T) {
	a, b := muxPair(t, nil)
	ctx := context.Background()

	s1, err := a.OpenStream()
	require.NoError(t, err)
	s2, err := a.OpenStream()
	require.NoError(t, err)
	r1, err := b.AcceptStream(ctx)
	require.NoError(t, err)
	r2, err := b.AcceptStream(ctx)
	require.NoError(t, err)

	require.NoError(t, s1.Reset())

	_, err = s1.Write(ctx, []byte("dead"))
	assert.ErrorIs(t, err, ErrStreamReset)
	_, err = r1.Read(ctx, make([]byte, 4))
	assert.ErrorIs(t, err, ErrStreamReset)

	// The sibling stream is untouched.
	_, err = s2.Write(ctx, []byte("alive"))
	require.NoError(t, err)
	assert.Equal(t, []byte("alive"), readFull(t, r2, 5))
}

func TestFlowControlViolationResetsStream(t *testing.T) {
	cfg := &Config{InitialWindow: 100, MaxFrameSize: 1024, AcceptBacklog: 4}
	a, b := muxPair(t, cfg)
	ctx := context.Background()

	sa, err := a.OpenStream()
	require.NoError(t, err)
	_, err = b.AcceptStream(ctx)
	require.NoError(t, err)

	// Bypass the local credit check and overrun the receiver's window.
	require.NoError(t, b.HandleFrame(marshalFrame(sa.ID(), cmdData, make([]byte, 101))))

	_, err = sa.Write(ctx, []byte("x"))
	assert.ErrorIs(t, err, ErrStreamReset)
	assert.Zero(t, b.NumStreams())
}

func TestMuxFailResetsEverything(t *testing.T) {
	a, _ := muxPair(t, nil)
	ctx := context.Background()

	s1, err := a.OpenStream()
	require.NoError(t, err)
	s2, err := a.OpenStream()
	require.NoError(t, err)

	cause := errors.New("link went away")
	a.Fail(cause)

	_, err = s1.Write(ctx, []byte("x"))
	assert.ErrorIs(t, err, ErrStreamReset)
	_, err = s2.Read(ctx, make([]byte, 4))
	assert.ErrorIs(t, err, ErrStreamReset)

	_, err = a.OpenStream()
	assert.ErrorIs(t, err, cause)
	_, err = a.AcceptStream(ctx)
	assert.ErrorIs(t, err, cause)
	assert.Zero(t, a.NumStreams())
}

func TestMuxCloseReportsMuxClosed(t *testing.T) {
	a, _ := muxPair(t, nil)
	require.NoError(t, a.Close())

	_, err := a.OpenStream()
	assert.ErrorIs(t, err, ErrMuxClosed)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_, err = a.AcceptStream(ctx)
	assert.ErrorIs(t, err, ErrMuxClosed)
}

func TestAcceptBacklogOverflowResets(t *testing.T) {
	cfg := &Config{InitialWindow: 1024, MaxFrameSize: 512, AcceptBacklog: 1}
	a, b := muxPair(t, cfg)
	ctx := context.Background()

	first, err := a.OpenStream()
	require.NoError(t, err)
	second, err := a.OpenStream()
	require.NoError(t, err)

	// The second open overflowed the backlog and was reset by the peer.
	_, err = second.Write(ctx, []byte("x"))
	assert.ErrorIs(t, err, ErrStreamReset)

	// The first is accepted and usable.
	sb, err := b.AcceptStream(ctx)
	require.NoError(t, err)
	_, err = first.Write(ctx, []byte("ok"))
	require.NoError(t, err)
	assert.Equal(t, []byte("ok"), readFull(t, sb, 2))
}

func TestBacklogOverflowSendFailureIsFatal(t *testing.T) {
	sendErr := errors.New("channel gone")
	var failSend atomic.Bool
	m, err := New(RoleResponder, &Config{AcceptBacklog: 1}, func([]byte) error {
		if failSend.Load() {
			return sendErr
		}
		return nil
	})
	require.NoError(t, err)

	// Fill the backlog with one unaccepted inbound stream.
	require.NoError(t, m.HandleFrame(marshalFrame(1, cmdOpen, nil)))

	// The overflow reset cannot reach the peer, so the error is fatal and
	// the mux must already be failed when HandleFrame returns.
	failSend.Store(true)
	err = m.HandleFrame(marshalFrame(3, cmdOpen, nil))
	require.ErrorIs(t, err, sendErr)

	_, err = m.OpenStream()
	assert.ErrorIs(t, err, sendErr)
}

func TestMalformedFrameIsFatal(t *testing.T) {
	a, _ := muxPair(t, nil)

	assert.ErrorIs(t, a.HandleFrame([]byte{1, 2, 3}), ErrMalformedFrame)
	_, err := a.OpenStream()
	assert.ErrorIs(t, err, ErrMalformedFrame)
}

func TestWindowUpdateBadLengthIsFatal(t *testing.T) {
	a, b := muxPair(t, nil)

	sa, err := a.OpenStream()
	require.NoError(t, err)

	err = b.HandleFrame(marshalFrame(sa.ID(), cmdWindowUpdate, []byte{1, 2}))
	assert.ErrorIs(t, err, ErrMalformedFrame)
}

func TestReadCancellation(t *testing.T) {
	a, b := muxPair(t, nil)

	sa, err := a.OpenStream()
	require.NoError(t, err)
	_ = sa

	sb, err := b.AcceptStream(context.Background())
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = sb.Read(ctx, make([]byte, 16))
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestLargeTransferAcrossManyFrames(t *testing.T) {
	a, b := muxPair(t, &Config{InitialWindow: 8 * 1024, MaxFrameSize: 1024, AcceptBacklog: 4})
	ctx := context.Background()

	sa, err := a.OpenStream()
	require.NoError(t, err)
	sb, err := b.AcceptStream(ctx)
	require.NoError(t, err)

	payload := make([]byte, 256*1024)
	for i := range payload {
		payload[i] = byte(i * 31)
	}

	done := make(chan error, 1)
	go func() {
		_, err := sa.Write(ctx, payload)
		done <- err
	}()

	got := readFull(t, sb, len(payload))
	require.NoError(t, <-done)
	assert.True(t, bytes.Equal(payload, got), "payload corrupted in transfer")
}

// TestCreditNeverExceedsGrant checks the flow-control invariant under a
// randomly pacing reader: the total DATA bytes on the wire never exceed
// the initial window plus the credit granted by WINDOW_UPDATE frames.
func TestCreditNeverExceedsGrant(t *testing.T) {
	cfg := &Config{InitialWindow: 2048, MaxFrameSize: 256, AcceptBacklog: 4}

	var granted atomic.Int64
	var sent atomic.Int64
	granted.Store(int64(cfg.InitialWindow))

	var a, b *Mux
	var err error
	a, err = New(RoleInitiator, cfg, func(f []byte) error {
		fr, perr := unmarshalFrame(f)
		if perr == nil && fr.cmd == cmdData {
			if sent.Add(int64(len(fr.payload))) > granted.Load() {
				t.Errorf("writer sent %d bytes with only %d granted", sent.Load(), granted.Load())
			}
		}
		return b.HandleFrame(append([]byte(nil), f...))
	})
	require.NoError(t, err)
	b, err = New(RoleResponder, cfg, func(f []byte) error {
		fr, perr := unmarshalFrame(f)
		if perr == nil && fr.cmd == cmdWindowUpdate && len(fr.payload) == 4 {
			granted.Add(int64(binary.BigEndian.Uint32(fr.payload)))
		}
		return a.HandleFrame(append([]byte(nil), f...))
	})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	sa, err := a.OpenStream()
	require.NoError(t, err)
	sb, err := b.AcceptStream(ctx)
	require.NoError(t, err)

	const total = 64 * 1024
	writeDone := make(chan error, 1)
	go func() {
		_, err := sa.Write(ctx, make([]byte, total))
		writeDone <- err
	}()

	rng := rand.New(rand.NewSource(1))
	read := 0
	for read < total {
		buf := make([]byte, 1+rng.Intn(1500))
		n, err := sb.Read(ctx, buf)
		require.NoError(t, err)
		read += n
	}
	require.NoError(t, <-writeDone)
	assert.Equal(t, total, read)
}

func TestConfigValidation(t *testing.T) {
	_, err := New(RoleInitiator, nil, nil)
	assert.Error(t, err, "nil send must be rejected")

	send := func([]byte) error { return nil }
	_, err = New(RoleInitiator, &Config{MaxFrameSize: maxFramePayload + 1}, send)
	assert.Error(t, err)
	_, err = New(RoleInitiator, &Config{InitialWindow: maxWindow + 1}, send)
	assert.Error(t, err)

	m, err := New(RoleInitiator, &Config{}, send)
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig().InitialWindow, m.cfg.InitialWindow)
}

func TestRoleString(t *testing.T) {
	assert.Equal(t, "initiator", RoleInitiator.String())
	assert.Equal(t, "responder", RoleResponder.String())
	assert.Equal(t, fmt.Sprintf("%s/%s", "initiator", "responder"),
		fmt.Sprintf("%s/%s", RoleInitiator, RoleResponder))
}
