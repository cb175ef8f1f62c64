package mux

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"
)

var (
	// ErrStreamIDReused indicates the peer opened a stream with an id that
	// violates the allocation rules. This is connection-fatal.
	ErrStreamIDReused = errors.New("stream id reused")

	// ErrStreamReset indicates the stream was torn down abruptly, either
	// by a RESET frame or because the underlying connection failed.
	ErrStreamReset = errors.New("stream reset")

	// ErrStreamClosed indicates a write to a stream whose write side was
	// already closed locally.
	ErrStreamClosed = errors.New("stream closed")

	// ErrMuxClosed indicates the multiplexer was shut down.
	ErrMuxClosed = errors.New("mux closed")
)

// Role determines which half of the stream id space this endpoint
// allocates from.
type Role uint8

const (
	// RoleInitiator allocates odd stream ids.
	RoleInitiator Role = iota
	// RoleResponder allocates even stream ids.
	RoleResponder
)

func (r Role) String() string {
	if r == RoleInitiator {
		return "initiator"
	}
	return "responder"
}

// maxWindow bounds accumulated send credit; a peer granting more is
// broken.
const maxWindow = 1 << 30

// Config carries the multiplexer tuning knobs. Zero values take the
// defaults from DefaultConfig.
type Config struct {
	// InitialWindow is the credit, in bytes, each side of a new stream
	// starts with.
	InitialWindow uint32

	// MaxFrameSize caps the payload of a single DATA frame.
	MaxFrameSize int

	// AcceptBacklog bounds streams opened by the peer but not yet
	// accepted. Streams beyond it are reset.
	AcceptBacklog int
}

// DefaultConfig returns the standard multiplexer tuning.
func DefaultConfig() *Config {
	return &Config{
		InitialWindow: 256 * 1024,
		MaxFrameSize:  16 * 1024,
		AcceptBacklog: 64,
	}
}

func (c *Config) validate() error {
	def := DefaultConfig()
	if c.InitialWindow == 0 {
		c.InitialWindow = def.InitialWindow
	}
	if c.MaxFrameSize == 0 {
		c.MaxFrameSize = def.MaxFrameSize
	}
	if c.AcceptBacklog == 0 {
		c.AcceptBacklog = def.AcceptBacklog
	}
	if c.MaxFrameSize > maxFramePayload {
		return fmt.Errorf("invalid mux config: MaxFrameSize %d exceeds wire limit %d", c.MaxFrameSize, maxFramePayload)
	}
	if c.InitialWindow > maxWindow {
		return fmt.Errorf("invalid mux config: InitialWindow %d exceeds %d", c.InitialWindow, maxWindow)
	}
	return nil
}

// SendFunc transmits one complete frame over the reliable channel below.
type SendFunc func(frame []byte) error

// Mux multiplexes streams over a single reliable, ordered message channel.
// Frames are emitted through the send function and fed back in through
// HandleFrame; the Mux owns no goroutines and no sockets.
type Mux struct {
	role Role
	cfg  Config
	send SendFunc

	sendMu sync.Mutex // serializes frames onto the channel

	mu         sync.Mutex
	streams    map[uint32]*Stream
	nextID     uint32
	lastPeerID uint32
	acceptCh   chan *Stream
	die        chan struct{}
	failErr    error
}

// New creates a multiplexer for one side of a connection. Both sides must
// use the same Config and opposite roles.
func New(role Role, cfg *Config, send SendFunc) (*Mux, error) {
	if send == nil {
		return nil, errors.New("invalid mux config: nil send function")
	}
	if cfg == nil {
		cfg = DefaultConfig()
	}
	conf := *cfg
	if err := conf.validate(); err != nil {
		return nil, err
	}

	nextID := uint32(1)
	if role == RoleResponder {
		nextID = 2
	}
	return &Mux{
		role:     role,
		cfg:      conf,
		send:     send,
		streams:  make(map[uint32]*Stream),
		nextID:   nextID,
		acceptCh: make(chan *Stream, conf.AcceptBacklog),
		die:      make(chan struct{}),
	}, nil
}

// sendFrame marshals and transmits one frame atomically.
func (m *Mux) sendFrame(id uint32, cmd uint8, payload []byte) error {
	m.sendMu.Lock()
	defer m.sendMu.Unlock()
	return m.send(marshalFrame(id, cmd, payload))
}

// OpenStream opens a new outbound stream and announces it to the peer.
func (m *Mux) OpenStream() (*Stream, error) {
	m.mu.Lock()
	if m.failErr != nil {
		err := m.failErr
		m.mu.Unlock()
		return nil, err
	}
	id := m.nextID
	m.nextID += 2
	s := newStream(m, id)
	m.streams[id] = s
	m.mu.Unlock()

	if err := m.sendFrame(id, cmdOpen, nil); err != nil {
		m.mu.Lock()
		delete(m.streams, id)
		m.mu.Unlock()
		return nil, fmt.Errorf("open stream %d: %w", id, err)
	}
	return s, nil
}

// AcceptStream blocks until the peer opens a stream, the context is
// cancelled, or the mux shuts down.
func (m *Mux) AcceptStream(ctx context.Context) (*Stream, error) {
	select {
	case s := <-m.acceptCh:
		return s, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-m.die:
		m.mu.Lock()
		err := m.failErr
		m.mu.Unlock()
		return nil, err
	}
}

// HandleFrame processes one inbound frame from the reliable channel. A
// returned error is connection-fatal and the mux is already failed when it
// is returned; the caller should tear down the connection.
func (m *Mux) HandleFrame(data []byte) error {
	f, err := unmarshalFrame(data)
	if err != nil {
		m.Fail(err)
		return err
	}

	switch f.cmd {
	case cmdOpen:
		return m.handleOpen(f.id)
	case cmdData:
		m.handleData(f.id, f.payload)
	case cmdWindowUpdate:
		return m.handleWindowUpdate(f.id, f.payload)
	case cmdClose:
		m.handleClose(f.id)
	case cmdReset:
		m.handleReset(f.id)
	}
	return nil
}

// handleOpen validates the peer's id allocation and queues the stream for
// AcceptStream. Ids must come from the peer's half of the space and grow
// monotonically; anything else is fatal.
func (m *Mux) handleOpen(id uint32) error {
	peerParity := uint32(1)
	if m.role == RoleInitiator {
		peerParity = 0 // peer is the responder, even ids
	}

	m.mu.Lock()
	if m.failErr != nil {
		err := m.failErr
		m.mu.Unlock()
		return err
	}
	if id%2 != peerParity {
		m.mu.Unlock()
		err := fmt.Errorf("%w: id %d not in peer's id space", ErrStreamIDReused, id)
		m.Fail(err)
		return err
	}
	if id <= m.lastPeerID {
		m.mu.Unlock()
		err := fmt.Errorf("%w: id %d already used (last %d)", ErrStreamIDReused, id, m.lastPeerID)
		m.Fail(err)
		return err
	}
	m.lastPeerID = id
	s := newStream(m, id)
	m.streams[id] = s

	select {
	case m.acceptCh <- s:
		m.mu.Unlock()
		return nil
	default:
		// Backlog exhausted: refuse the stream rather than buffer without
		// bound.
		delete(m.streams, id)
		m.mu.Unlock()
		logrus.WithFields(logrus.Fields{
			"function": "handleOpen",
			"stream":   id,
		}).Warn("accept backlog full, resetting stream")
		if err := m.sendFrame(id, cmdReset, nil); err != nil {
			// The channel below is gone; honor the HandleFrame contract.
			m.Fail(err)
			return err
		}
		return nil
	}
}

func (m *Mux) handleData(id uint32, payload []byte) {
	m.mu.Lock()
	s := m.streams[id]
	m.mu.Unlock()
	if s == nil {
		// Data for a stream torn down locally; the reset is already on the
		// wire or the peer is confused. Either way, drop it.
		return
	}
	s.pushData(payload)
}

func (m *Mux) handleWindowUpdate(id uint32, payload []byte) error {
	if len(payload) != 4 {
		err := fmt.Errorf("%w: window update with %d payload bytes", ErrMalformedFrame, len(payload))
		m.Fail(err)
		return err
	}
	m.mu.Lock()
	s := m.streams[id]
	m.mu.Unlock()
	if s == nil {
		return nil
	}
	s.addCredit(binary.BigEndian.Uint32(payload))
	return nil
}

func (m *Mux) handleClose(id uint32) {
	m.mu.Lock()
	s := m.streams[id]
	m.mu.Unlock()
	if s == nil {
		return
	}
	if s.remoteClose() {
		m.removeStream(id)
	}
}

func (m *Mux) handleReset(id uint32) {
	m.mu.Lock()
	s := m.streams[id]
	m.mu.Unlock()
	if s == nil {
		return
	}
	s.fail(ErrStreamReset)
	m.removeStream(id)
}

func (m *Mux) removeStream(id uint32) {
	m.mu.Lock()
	delete(m.streams, id)
	m.mu.Unlock()
}

// NumStreams reports the number of live streams.
func (m *Mux) NumStreams() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.streams)
}

// Fail poisons the mux and every stream with err. Used when the channel
// below reports an unrecoverable failure, and internally on fatal protocol
// violations. Idempotent; the first error wins.
func (m *Mux) Fail(err error) {
	m.mu.Lock()
	if m.failErr != nil {
		m.mu.Unlock()
		return
	}
	m.failErr = err
	streams := make([]*Stream, 0, len(m.streams))
	for _, s := range m.streams {
		streams = append(streams, s)
	}
	m.streams = make(map[uint32]*Stream)
	close(m.die)
	m.mu.Unlock()

	reason := fmt.Errorf("%w: %v", ErrStreamReset, err)
	for _, s := range streams {
		s.fail(reason)
	}
	logrus.WithFields(logrus.Fields{
		"function": "Fail",
		"role":     m.role.String(),
		"error":    err,
	}).Warn("mux failed, all streams reset")
}

// Close shuts the mux down, resetting every stream. It does not close the
// channel below.
func (m *Mux) Close() error {
	m.Fail(ErrMuxClosed)
	return nil
}
