package transport

import (
	"context"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/noisemux/noise"
)

// SecureChannel authenticates and encrypts every datagram crossing an
// inner channel using an established transport session. Forged, corrupted
// and replayed datagrams are dropped silently, exactly as the network
// dropping them would look; the layers above already tolerate loss.
type SecureChannel struct {
	inner   DatagramChannel
	session *noise.Session
}

// NewSecureChannel wraps inner with the given session. The caller keeps
// ownership of neither: closing the secure channel closes both.
func NewSecureChannel(inner DatagramChannel, session *noise.Session) (*SecureChannel, error) {
	if inner == nil || session == nil {
		return nil, errors.New("secure channel requires an inner channel and a session")
	}
	if inner.MTU() <= noise.Overhead {
		return nil, fmt.Errorf("inner MTU %d cannot carry the %d-byte session overhead", inner.MTU(), noise.Overhead)
	}
	return &SecureChannel{inner: inner, session: session}, nil
}

// Send encrypts and transmits one datagram.
func (c *SecureChannel) Send(pkt []byte) error {
	if len(pkt) > c.MTU() {
		return fmt.Errorf("%w: %d bytes, MTU %d", ErrPayloadTooLarge, len(pkt), c.MTU())
	}
	ct, err := c.session.Encrypt(pkt)
	if err != nil {
		return fmt.Errorf("secure send: %w", err)
	}
	return c.inner.Send(ct)
}

// Recv blocks until an authentic datagram arrives. Datagrams that fail
// authentication or replay checks are discarded and the wait continues.
func (c *SecureChannel) Recv(ctx context.Context) ([]byte, error) {
	for {
		ct, err := c.inner.Recv(ctx)
		if err != nil {
			return nil, err
		}
		pt, err := c.session.Decrypt(ct)
		if err != nil {
			if errors.Is(err, noise.ErrDecryptFailed) || errors.Is(err, noise.ErrReplayOrTooOld) {
				logrus.WithFields(logrus.Fields{
					"function": "Recv",
					"error":    err,
				}).Debug("dropping unauthenticated datagram")
				continue
			}
			return nil, err
		}
		return pt, nil
	}
}

// MTU is the inner MTU minus the session's nonce and tag overhead.
func (c *SecureChannel) MTU() int { return c.inner.MTU() - noise.Overhead }

// Session exposes the underlying session, e.g. for coordinated rekeying.
func (c *SecureChannel) Session() *noise.Session { return c.session }

// Close zeroizes the session and closes the inner channel.
func (c *SecureChannel) Close() error {
	c.session.Close()
	return c.inner.Close()
}
