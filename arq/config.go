package arq

import (
	"errors"
	"fmt"
)

// Config carries the tuning knobs for a Conn. Zero values are replaced by
// the corresponding DefaultConfig values during New, except FastResend,
// where zero is meaningful.
type Config struct {
	// MTU is the largest datagram handed to the output callback. Segments
	// are batched into datagrams up to this size.
	MTU int

	// SendWindow and RecvWindow are the window sizes in segments. The
	// receive window is advertised to the peer in every outgoing segment.
	SendWindow uint16
	RecvWindow uint16

	// SendQueueCap bounds the number of segments waiting to enter the send
	// window. Send returns ErrBufferFull beyond it.
	SendQueueCap int

	// Interval is the expected flush cadence in milliseconds. It floors the
	// retransmission timeout variance term.
	Interval uint32

	// RTOInit, RTOMin and RTOMax bound the retransmission timeout in
	// milliseconds.
	RTOInit uint32
	RTOMin  uint32
	RTOMax  uint32

	// FastResend is the number of skip-acknowledgements that trigger an
	// early retransmission. Zero disables fast retransmit.
	FastResend uint32

	// DeadLink is the transmission count for a single segment after which
	// the connection is declared lost.
	DeadLink uint32
}

// DefaultConfig returns the standard tuning used by the transport stack.
func DefaultConfig() *Config {
	return &Config{
		MTU:          1400,
		SendWindow:   32,
		RecvWindow:   128,
		SendQueueCap: 1024,
		Interval:     10,
		RTOInit:      200,
		RTOMin:       100,
		RTOMax:       8000,
		FastResend:   3,
		DeadLink:     12,
	}
}

// validate normalizes zero fields and rejects unusable combinations.
func (c *Config) validate() error {
	def := DefaultConfig()
	if c.MTU == 0 {
		c.MTU = def.MTU
	}
	if c.SendWindow == 0 {
		c.SendWindow = def.SendWindow
	}
	if c.RecvWindow == 0 {
		c.RecvWindow = def.RecvWindow
	}
	if c.SendQueueCap == 0 {
		c.SendQueueCap = def.SendQueueCap
	}
	if c.Interval == 0 {
		c.Interval = def.Interval
	}
	if c.RTOInit == 0 {
		c.RTOInit = def.RTOInit
	}
	if c.RTOMin == 0 {
		c.RTOMin = def.RTOMin
	}
	if c.RTOMax == 0 {
		c.RTOMax = def.RTOMax
	}
	if c.DeadLink == 0 {
		c.DeadLink = def.DeadLink
	}

	if c.MTU <= headerSize {
		return fmt.Errorf("%w: MTU %d leaves no payload room", errInvalidConfig, c.MTU)
	}
	if c.RTOMin > c.RTOMax {
		return fmt.Errorf("%w: RTOMin %d exceeds RTOMax %d", errInvalidConfig, c.RTOMin, c.RTOMax)
	}
	return nil
}

var errInvalidConfig = errors.New("invalid arq config")
