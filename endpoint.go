package noisemux

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/noisemux/arq"
	"github.com/opd-ai/noisemux/crypto"
	"github.com/opd-ai/noisemux/mux"
	"github.com/opd-ai/noisemux/noise"
	"github.com/opd-ai/noisemux/transport"
)

// Config assembles one endpoint of a secure multiplexed connection.
type Config struct {
	// Pattern selects the handshake. Defaults to noise.PatternXX.
	Pattern noise.HandshakePattern

	// Role decides who speaks first and which stream ids this side
	// allocates.
	Role noise.HandshakeRole

	// Provider selects the cryptographic suite. Defaults to
	// crypto.SuiteChaChaPolySHA256.
	Provider crypto.Provider

	// StaticKeypair, PeerStatic, PresharedKey and Prologue feed the
	// handshake; which ones are required depends on the pattern.
	StaticKeypair *crypto.KeyPair
	PeerStatic    []byte
	PresharedKey  []byte
	Prologue      []byte

	// ARQ and Mux tune the reliability and multiplexing layers. Nil means
	// defaults.
	ARQ *arq.Config
	Mux *mux.Config

	// TickInterval is the reliability-layer clock period. Defaults to
	// 10ms.
	TickInterval time.Duration

	// Clock supplies the timestamps fed to the reliability layer and the
	// shutdown drain deadline. Defaults to crypto.DefaultTimeProvider.
	Clock crypto.TimeProvider

	// HandshakeTimeout bounds the handshake exchange. Defaults to 15s.
	HandshakeTimeout time.Duration
}

// Endpoint is one side of an established connection: authenticated
// encryption below, retransmission in the middle, streams on top. Create
// one with Connect and talk through OpenStream/AcceptStream.
type Endpoint struct {
	channel *transport.SecureChannel
	session *noise.Session
	conn    *arq.Conn
	mux     *mux.Mux

	binding    []byte
	peerStatic []byte
	tick       time.Duration
	clock      crypto.TimeProvider

	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	failOnce sync.Once
	closed   sync.Once
}

// Connect performs the handshake over ch and brings up the full stack.
// Both sides call it, one as noise.Initiator and one as noise.Responder,
// with matching patterns and key material. On handshake failure the
// channel is left open so the caller can retry with a fresh Connect.
func Connect(ctx context.Context, ch transport.DatagramChannel, cfg Config) (*Endpoint, error) {
	if ch == nil {
		return nil, errors.New("connect: nil channel")
	}
	if len(cfg.Pattern.Messages) == 0 {
		cfg.Pattern = noise.PatternXX
	}
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = 10 * time.Millisecond
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = 15 * time.Second
	}
	if cfg.Clock == nil {
		cfg.Clock = crypto.DefaultTimeProvider{}
	}

	hsCtx, hsCancel := context.WithTimeout(ctx, cfg.HandshakeTimeout)
	defer hsCancel()

	session, binding, peerStatic, err := runHandshake(hsCtx, ch, cfg)
	if err != nil {
		return nil, err
	}

	secure, err := transport.NewSecureChannel(ch, session)
	if err != nil {
		session.Close()
		return nil, err
	}

	// Both sides derive the same conversation id from the transcript hash,
	// so no id negotiation is needed.
	conv := binary.BigEndian.Uint32(binding[:4])

	arqCfg := arq.DefaultConfig()
	if cfg.ARQ != nil {
		copied := *cfg.ARQ
		arqCfg = &copied
	}
	if arqCfg.MTU == 0 || arqCfg.MTU > secure.MTU() {
		arqCfg.MTU = secure.MTU()
	}

	e := &Endpoint{
		channel:    secure,
		session:    session,
		binding:    binding,
		peerStatic: peerStatic,
		tick:       cfg.TickInterval,
		clock:      cfg.Clock,
	}
	e.ctx, e.cancel = context.WithCancel(context.Background())

	e.conn, err = arq.New(conv, arqCfg, secure.Send)
	if err != nil {
		secure.Close()
		return nil, err
	}

	muxRole := mux.RoleInitiator
	if cfg.Role == noise.Responder {
		muxRole = mux.RoleResponder
	}
	e.mux, err = mux.New(muxRole, cfg.Mux, e.sendReliable)
	if err != nil {
		secure.Close()
		return nil, err
	}

	e.wg.Add(2)
	go e.recvLoop()
	go e.tickLoop()

	logrus.WithFields(logrus.Fields{
		"function": "Connect",
		"role":     cfg.Role.String(),
		"conv":     conv,
	}).Info("endpoint established")
	return e, nil
}

// runHandshake drives the pattern messages over the raw channel and
// returns the finalized session, channel binding and peer static key.
func runHandshake(ctx context.Context, ch transport.DatagramChannel, cfg Config) (*noise.Session, []byte, []byte, error) {
	hs, err := noise.NewHandshakeState(noise.Config{
		Pattern:       cfg.Pattern,
		Role:          cfg.Role,
		Provider:      cfg.Provider,
		StaticKeypair: cfg.StaticKeypair,
		PeerStatic:    cfg.PeerStatic,
		PresharedKey:  cfg.PresharedKey,
		Prologue:      cfg.Prologue,
	})
	if err != nil {
		return nil, nil, nil, fmt.Errorf("handshake setup: %w", err)
	}

	ourFirst := cfg.Role == noise.Initiator
	for i := 0; i < len(cfg.Pattern.Messages); i++ {
		ourTurn := (i%2 == 0) == ourFirst
		if ourTurn {
			msg, err := hs.WriteMessage(nil)
			if err != nil {
				return nil, nil, nil, fmt.Errorf("handshake message %d: %w", i, err)
			}
			if err := ch.Send(msg); err != nil {
				return nil, nil, nil, fmt.Errorf("handshake message %d send: %w", i, err)
			}
			continue
		}
		pkt, err := ch.Recv(ctx)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("handshake message %d recv: %w", i, err)
		}
		if _, err := hs.ReadMessage(pkt); err != nil {
			return nil, nil, nil, fmt.Errorf("handshake message %d: %w", i, err)
		}
	}

	peerStatic, _ := hs.PeerStatic()
	session, binding, err := hs.Finalize()
	if err != nil {
		return nil, nil, nil, err
	}
	return session, binding, peerStatic, nil
}

// sendReliable queues one mux frame on the reliability layer, waiting out
// transient backpressure.
func (e *Endpoint) sendReliable(frame []byte) error {
	for {
		err := e.conn.Send(frame)
		if err == nil {
			return nil
		}
		if !errors.Is(err, arq.ErrBufferFull) {
			return err
		}
		select {
		case <-e.ctx.Done():
			return e.ctx.Err()
		case <-time.After(e.tick):
		}
	}
}

// recvLoop pumps authenticated datagrams into the reliability layer and
// dispatches completed messages to the mux.
func (e *Endpoint) recvLoop() {
	defer e.wg.Done()

	for {
		pkt, err := e.channel.Recv(e.ctx)
		if err != nil {
			if e.ctx.Err() == nil {
				e.fail(err)
			}
			return
		}
		if err := e.conn.Input(pkt); err != nil {
			if errors.Is(err, arq.ErrConnectionLost) {
				e.fail(err)
				return
			}
			// Authenticated but unparsable: a peer bug, not an attacker.
			// Drop the datagram and keep the connection.
			logrus.WithFields(logrus.Fields{
				"function": "recvLoop",
				"error":    err,
			}).Warn("discarding undecodable datagram")
			continue
		}
		if !e.drain() {
			return
		}
	}
}

// drain hands every completed inbound message to the mux. It reports false
// when the connection is finished.
func (e *Endpoint) drain() bool {
	for {
		msg, err := e.conn.Recv()
		switch {
		case err == nil:
			if err := e.mux.HandleFrame(msg); err != nil {
				e.fail(err)
				return false
			}
		case errors.Is(err, arq.ErrNoData):
			return true
		default:
			// ErrConnClosed after a peer close, or ErrConnectionLost.
			e.fail(err)
			return false
		}
	}
}

// tickLoop drives retransmission timers and watches for terminal states.
func (e *Endpoint) tickLoop() {
	defer e.wg.Done()

	ticker := time.NewTicker(e.tick)
	defer ticker.Stop()

	for {
		select {
		case <-e.ctx.Done():
			return
		case <-ticker.C:
			e.conn.Update(e.clock.Now())
			switch e.conn.State() {
			case arq.StateDead:
				e.fail(arq.ErrConnectionLost)
				return
			case arq.StateClosed:
				e.fail(arq.ErrConnClosed)
				return
			}
		}
	}
}

// fail tears down the stack once, resetting every stream with err.
func (e *Endpoint) fail(err error) {
	e.failOnce.Do(func() {
		logrus.WithFields(logrus.Fields{
			"function": "fail",
			"error":    err,
		}).Warn("endpoint terminated")
		e.mux.Fail(err)
		e.cancel()
	})
}

// OpenStream opens a new outbound stream.
func (e *Endpoint) OpenStream() (*mux.Stream, error) {
	return e.mux.OpenStream()
}

// AcceptStream waits for the peer to open a stream.
func (e *Endpoint) AcceptStream(ctx context.Context) (*mux.Stream, error) {
	return e.mux.AcceptStream(ctx)
}

// ChannelBinding returns the handshake transcript hash; both peers hold
// the same value and can compare it out of band.
func (e *Endpoint) ChannelBinding() []byte {
	return append([]byte(nil), e.binding...)
}

// PeerStatic returns the peer's long-term public key, when the pattern
// exchanged one.
func (e *Endpoint) PeerStatic() []byte {
	return append([]byte(nil), e.peerStatic...)
}

// Session exposes the transport session, e.g. for coordinated rekeying or
// snapshotting.
func (e *Endpoint) Session() *noise.Session { return e.session }

// Close shuts the endpoint down: streams are reset, queued data is given a
// grace period to drain, and the session is zeroized.
func (e *Endpoint) Close() error {
	e.closed.Do(func() {
		e.mux.Close()
		_ = e.conn.Close()

		start := e.clock.Now()
		for e.conn.State() == arq.StateClosing && e.clock.Since(start) < time.Second {
			time.Sleep(e.tick)
		}

		e.fail(mux.ErrMuxClosed)
		e.wg.Wait()
		e.channel.Close()
	})
	return nil
}
