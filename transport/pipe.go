package transport

import (
	"context"
	"fmt"
	"sync"
)

// PipeEnd is one side of an in-memory datagram channel pair. It exists for
// tests and local wiring: delivery is immediate, but the hooks can drop or
// duplicate traffic to simulate a hostile network.
type PipeEnd struct {
	mtu  int
	peer *PipeEnd

	mu     sync.Mutex
	closed bool
	drop   func(pkt []byte) bool
	dup    func(pkt []byte) bool

	recvCh chan []byte
	done   chan struct{}
}

// Pipe creates a connected pair of in-memory datagram channels.
func Pipe(mtu int) (*PipeEnd, *PipeEnd) {
	if mtu == 0 {
		mtu = DefaultMTU
	}
	a := &PipeEnd{mtu: mtu, recvCh: make(chan []byte, 1024), done: make(chan struct{})}
	b := &PipeEnd{mtu: mtu, recvCh: make(chan []byte, 1024), done: make(chan struct{})}
	a.peer, b.peer = b, a
	return a, b
}

// SetDropFunc installs a hook deciding per outgoing datagram whether it is
// silently lost.
func (p *PipeEnd) SetDropFunc(f func(pkt []byte) bool) {
	p.mu.Lock()
	p.drop = f
	p.mu.Unlock()
}

// SetDuplicateFunc installs a hook deciding per outgoing datagram whether
// it is delivered twice.
func (p *PipeEnd) SetDuplicateFunc(f func(pkt []byte) bool) {
	p.mu.Lock()
	p.dup = f
	p.mu.Unlock()
}

// Send delivers one datagram to the peer end, subject to the hooks.
func (p *PipeEnd) Send(pkt []byte) error {
	if len(pkt) > p.mtu {
		return fmt.Errorf("%w: %d bytes, MTU %d", ErrPayloadTooLarge, len(pkt), p.mtu)
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrChannelClosed
	}
	drop, dup := p.drop, p.dup
	p.mu.Unlock()

	if drop != nil && drop(pkt) {
		return nil
	}

	copies := 1
	if dup != nil && dup(pkt) {
		copies = 2
	}
	select {
	case <-p.peer.done:
		return ErrChannelClosed
	default:
	}

	for i := 0; i < copies; i++ {
		clone := make([]byte, len(pkt))
		copy(clone, pkt)
		select {
		case p.peer.recvCh <- clone:
		default:
			return ErrWouldBlock
		}
	}
	return nil
}

// Recv blocks until a datagram arrives or the end closes.
func (p *PipeEnd) Recv(ctx context.Context) ([]byte, error) {
	select {
	case pkt := <-p.recvCh:
		return pkt, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-p.done:
		return nil, ErrChannelClosed
	}
}

// MTU returns the pipe MTU.
func (p *PipeEnd) MTU() int { return p.mtu }

// Close shuts this end down. The peer end keeps draining already-delivered
// datagrams but cannot send to us anymore.
func (p *PipeEnd) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true
	close(p.done)
	return nil
}
