package transport

import (
	"context"
	"errors"
)

var (
	// ErrPayloadTooLarge indicates a datagram exceeding the channel MTU.
	ErrPayloadTooLarge = errors.New("payload exceeds channel MTU")

	// ErrWouldBlock indicates the channel cannot queue the datagram right
	// now. Callers treat it as loss; the layers above retransmit.
	ErrWouldBlock = errors.New("channel would block")

	// ErrChannelClosed indicates the channel was closed.
	ErrChannelClosed = errors.New("channel closed")
)

// DatagramChannel is an unreliable, unordered, message-boundary-preserving
// packet channel. Implementations must allow concurrent Send and Recv.
type DatagramChannel interface {
	// Send transmits one datagram. Delivery is best effort.
	Send(pkt []byte) error

	// Recv blocks until a datagram arrives, the context is cancelled, or
	// the channel closes.
	Recv(ctx context.Context) ([]byte, error)

	// MTU is the largest datagram Send accepts.
	MTU() int

	// Close releases the channel. Pending and future Recv calls fail with
	// ErrChannelClosed.
	Close() error
}
