package transport

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// DefaultMTU is a conservative datagram size that avoids IP fragmentation
// on common paths.
const DefaultMTU = 1400

// UDPChannel is a DatagramChannel over a UDP socket bound to one remote
// peer. An unconnected channel latches onto the first sender it hears
// from, which lets a responder accept whoever initiates.
type UDPChannel struct {
	conn net.PacketConn
	mtu  int

	mu     sync.Mutex
	remote net.Addr

	recvCh chan []byte
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewUDPChannel binds a UDP socket on listenAddr. Pass a zero mtu for
// DefaultMTU and an empty remoteAddr to accept the first peer that sends.
func NewUDPChannel(listenAddr, remoteAddr string, mtu int) (*UDPChannel, error) {
	if mtu == 0 {
		mtu = DefaultMTU
	}
	conn, err := net.ListenPacket("udp", listenAddr)
	if err != nil {
		return nil, fmt.Errorf("udp listen on %s: %w", listenAddr, err)
	}

	var remote net.Addr
	if remoteAddr != "" {
		remote, err = net.ResolveUDPAddr("udp", remoteAddr)
		if err != nil {
			conn.Close()
			return nil, fmt.Errorf("resolve %s: %w", remoteAddr, err)
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &UDPChannel{
		conn:   conn,
		mtu:    mtu,
		remote: remote,
		recvCh: make(chan []byte, 256),
		ctx:    ctx,
		cancel: cancel,
	}

	c.wg.Add(1)
	go c.readLoop()
	return c, nil
}

// readLoop pulls datagrams off the socket into the receive queue. A full
// queue drops the datagram; the layers above retransmit.
func (c *UDPChannel) readLoop() {
	defer c.wg.Done()
	buf := make([]byte, c.mtu)

	for {
		select {
		case <-c.ctx.Done():
			return
		default:
		}

		_ = c.conn.SetReadDeadline(time.Now().Add(100 * time.Millisecond))
		n, addr, err := c.conn.ReadFrom(buf)
		if err != nil {
			if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
				continue
			}
			logrus.WithFields(logrus.Fields{
				"function": "readLoop",
				"error":    err,
			}).Debug("udp read failed")
			continue
		}

		if !c.acceptFrom(addr) {
			continue
		}

		pkt := make([]byte, n)
		copy(pkt, buf[:n])
		select {
		case c.recvCh <- pkt:
		default:
			// Receive queue full; drop like the network would.
		}
	}
}

// acceptFrom reports whether datagrams from addr belong to this channel,
// latching the first peer when none was configured.
func (c *UDPChannel) acceptFrom(addr net.Addr) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.remote == nil {
		c.remote = addr
		logrus.WithFields(logrus.Fields{
			"function": "acceptFrom",
			"remote":   addr.String(),
		}).Debug("udp channel latched onto peer")
		return true
	}
	return c.remote.String() == addr.String()
}

// Send transmits one datagram to the peer.
func (c *UDPChannel) Send(pkt []byte) error {
	if len(pkt) > c.mtu {
		return fmt.Errorf("%w: %d bytes, MTU %d", ErrPayloadTooLarge, len(pkt), c.mtu)
	}

	c.mu.Lock()
	remote := c.remote
	c.mu.Unlock()
	if remote == nil {
		return ErrWouldBlock
	}

	if _, err := c.conn.WriteTo(pkt, remote); err != nil {
		return fmt.Errorf("udp send: %w", err)
	}
	return nil
}

// Recv blocks until a datagram arrives from the peer.
func (c *UDPChannel) Recv(ctx context.Context) ([]byte, error) {
	select {
	case pkt := <-c.recvCh:
		return pkt, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.ctx.Done():
		return nil, ErrChannelClosed
	}
}

// MTU returns the channel MTU.
func (c *UDPChannel) MTU() int { return c.mtu }

// LocalAddr returns the bound socket address.
func (c *UDPChannel) LocalAddr() net.Addr { return c.conn.LocalAddr() }

// Close shuts the channel down and releases the socket.
func (c *UDPChannel) Close() error {
	c.cancel()
	err := c.conn.Close()
	c.wg.Wait()
	return err
}
