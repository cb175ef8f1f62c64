package mux

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/sirupsen/logrus"
)

// Stream is one multiplexed byte stream. Reads and writes are safe for
// concurrent use, ordered within each direction, and flow controlled
// independently of every other stream.
type Stream struct {
	id  uint32
	mux *Mux

	mu         sync.Mutex
	readBuf    bytes.Buffer
	recvBudget uint32 // bytes the peer may still send before an update
	consumed   uint32 // bytes read since the last WINDOW_UPDATE
	sendCredit uint32 // bytes we may still send

	localClosed  bool // we sent CLOSE
	remoteClosed bool // peer sent CLOSE
	failErr      error

	readEv  chan struct{}
	writeEv chan struct{}
}

func newStream(m *Mux, id uint32) *Stream {
	return &Stream{
		id:         id,
		mux:        m,
		recvBudget: m.cfg.InitialWindow,
		sendCredit: m.cfg.InitialWindow,
		readEv:     make(chan struct{}, 1),
		writeEv:    make(chan struct{}, 1),
	}
}

// ID returns the stream id.
func (s *Stream) ID() uint32 { return s.id }

func notify(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}

// Read fills p with the next in-order bytes. It blocks until data arrives,
// the peer half-closes (io.EOF after the buffer drains), the stream is
// reset, or the context is cancelled.
func (s *Stream) Read(ctx context.Context, p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	for {
		s.mu.Lock()
		if s.failErr != nil {
			err := s.failErr
			s.mu.Unlock()
			return 0, err
		}
		if s.readBuf.Len() > 0 {
			n, _ := s.readBuf.Read(p)
			s.consumed += uint32(n)
			var replenish uint32
			if s.consumed >= s.mux.cfg.InitialWindow/2 {
				replenish = s.consumed
				s.consumed = 0
				s.recvBudget += replenish
			}
			s.mu.Unlock()

			if replenish > 0 {
				if err := s.sendWindowUpdate(replenish); err != nil {
					return n, err
				}
			}
			return n, nil
		}
		if s.remoteClosed {
			s.mu.Unlock()
			return 0, io.EOF
		}
		s.mu.Unlock()

		select {
		case <-s.readEv:
		case <-ctx.Done():
			return 0, ctx.Err()
		case <-s.mux.die:
			return 0, s.dieError()
		}
	}
}

// dieError resolves the failure to report once the mux die channel closes.
// The per-stream error may not have been applied yet, so fall back to the
// mux-level failure.
func (s *Stream) dieError() error {
	s.mu.Lock()
	err := s.failErr
	s.mu.Unlock()
	if err != nil {
		return err
	}
	s.mux.mu.Lock()
	defer s.mux.mu.Unlock()
	return fmt.Errorf("%w: %v", ErrStreamReset, s.mux.failErr)
}

func (s *Stream) sendWindowUpdate(delta uint32) error {
	var buf [4]byte
	buf[0] = byte(delta >> 24)
	buf[1] = byte(delta >> 16)
	buf[2] = byte(delta >> 8)
	buf[3] = byte(delta)
	return s.mux.sendFrame(s.id, cmdWindowUpdate, buf[:])
}

// Write transmits p, blocking while the peer's granted credit is
// exhausted. Credit is reserved per frame before anything is sent, so a
// cancelled Write never leaves a partial frame on the wire; it reports how
// many bytes were fully transmitted.
func (s *Stream) Write(ctx context.Context, p []byte) (int, error) {
	total := 0
	for len(p) > 0 {
		s.mu.Lock()
		if s.failErr != nil {
			err := s.failErr
			s.mu.Unlock()
			return total, err
		}
		if s.localClosed {
			s.mu.Unlock()
			return total, ErrStreamClosed
		}

		n := len(p)
		if n > s.mux.cfg.MaxFrameSize {
			n = s.mux.cfg.MaxFrameSize
		}
		if uint32(n) > s.sendCredit {
			n = int(s.sendCredit)
		}
		if n > 0 {
			s.sendCredit -= uint32(n)
			s.mu.Unlock()

			if err := s.mux.sendFrame(s.id, cmdData, p[:n]); err != nil {
				return total, fmt.Errorf("stream %d write: %w", s.id, err)
			}
			total += n
			p = p[n:]
			continue
		}
		s.mu.Unlock()

		select {
		case <-s.writeEv:
		case <-ctx.Done():
			return total, ctx.Err()
		case <-s.mux.die:
			return total, s.dieError()
		}
	}
	return total, nil
}

// pushData appends inbound payload, enforcing the credit the peer was
// granted. A peer overrunning its window gets the stream reset.
func (s *Stream) pushData(payload []byte) {
	s.mu.Lock()
	if s.failErr != nil || s.remoteClosed {
		s.mu.Unlock()
		return
	}
	if uint32(len(payload)) > s.recvBudget {
		s.mu.Unlock()
		logrus.WithFields(logrus.Fields{
			"function": "pushData",
			"stream":   s.id,
			"bytes":    len(payload),
		}).Warn("peer exceeded flow control window, resetting stream")
		s.reset(fmt.Errorf("%w: flow control window exceeded", ErrStreamReset))
		return
	}
	s.recvBudget -= uint32(len(payload))
	s.readBuf.Write(payload)
	s.mu.Unlock()
	notify(s.readEv)
}

// addCredit applies a WINDOW_UPDATE. Absurd accumulated credit means a
// broken peer and resets the stream.
func (s *Stream) addCredit(delta uint32) {
	s.mu.Lock()
	if s.failErr != nil {
		s.mu.Unlock()
		return
	}
	if uint64(s.sendCredit)+uint64(delta) > maxWindow {
		s.mu.Unlock()
		s.reset(fmt.Errorf("%w: send credit overflow", ErrStreamReset))
		return
	}
	s.sendCredit += delta
	s.mu.Unlock()
	notify(s.writeEv)
}

// remoteClose records the peer's half-close and reports whether the stream
// is now fully closed on both sides.
func (s *Stream) remoteClose() bool {
	s.mu.Lock()
	s.remoteClosed = true
	done := s.localClosed
	s.mu.Unlock()
	notify(s.readEv)
	return done
}

// fail marks the stream broken and wakes all waiters. Buffered data is
// discarded; a reset stream delivers nothing further.
func (s *Stream) fail(err error) {
	s.mu.Lock()
	if s.failErr == nil {
		s.failErr = err
		s.readBuf.Reset()
	}
	s.mu.Unlock()
	notify(s.readEv)
	notify(s.writeEv)
}

// reset tears the stream down locally and tells the peer.
func (s *Stream) reset(err error) {
	s.fail(err)
	s.mux.removeStream(s.id)
	if sendErr := s.mux.sendFrame(s.id, cmdReset, nil); sendErr != nil {
		logrus.WithFields(logrus.Fields{
			"function": "reset",
			"stream":   s.id,
			"error":    sendErr,
		}).Debug("reset frame not sent")
	}
}

// Close half-closes the write side. The peer observes io.EOF once it
// drains buffered data; reads on this side continue until the peer closes
// its half. Idempotent.
func (s *Stream) Close() error {
	s.mu.Lock()
	if s.failErr != nil || s.localClosed {
		s.mu.Unlock()
		return nil
	}
	s.localClosed = true
	done := s.remoteClosed
	s.mu.Unlock()

	if done {
		s.mux.removeStream(s.id)
	}
	return s.mux.sendFrame(s.id, cmdClose, nil)
}

// Reset aborts the stream in both directions immediately.
func (s *Stream) Reset() error {
	s.mu.Lock()
	if s.failErr != nil {
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()
	s.reset(ErrStreamReset)
	return nil
}
