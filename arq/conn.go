package arq

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

var (
	// ErrBufferFull indicates the send queue is at capacity; the caller
	// should retry after the window drains.
	ErrBufferFull = errors.New("send buffer full")

	// ErrConnectionLost indicates the peer stopped acknowledging and the
	// connection was declared dead.
	ErrConnectionLost = errors.New("connection lost")

	// ErrNoData indicates no complete message is ready to receive.
	ErrNoData = errors.New("no data available")

	// ErrConnClosed indicates the connection was closed locally or the
	// peer's termination marker has been delivered.
	ErrConnClosed = errors.New("connection closed")

	// ErrMessageTooLarge indicates a message that cannot be expressed in
	// the 255-fragment limit of a single send.
	ErrMessageTooLarge = errors.New("message too large")

	// ErrConvMismatch indicates an inbound segment carrying a foreign
	// connection identifier.
	ErrConvMismatch = errors.New("conversation id mismatch")
)

// State is the connection lifecycle phase.
type State uint8

const (
	// StateOpen accepts sends and receives.
	StateOpen State = iota
	// StateClosing drains the send buffer before the termination marker
	// is acknowledged.
	StateClosing
	// StateClosed is the terminal graceful state.
	StateClosed
	// StateDead is the terminal failure state after dead-link detection.
	StateDead
)

func (s State) String() string {
	switch s {
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	case StateDead:
		return "dead"
	default:
		return "unknown"
	}
}

// OutputFunc delivers an encoded datagram to the underlying channel. A
// returned error is treated as datagram loss and logged, not propagated.
type OutputFunc func(pkt []byte) error

// ackItem records an inbound sequence number awaiting acknowledgement,
// along with the sender timestamp echoed back for RTT sampling.
type ackItem struct {
	sn uint32
	ts uint32
}

// Conn is a single reliable conversation over an unreliable datagram
// channel. All methods are safe for concurrent use. Output callbacks are
// invoked without the connection lock held.
type Conn struct {
	mu     sync.Mutex
	conv   uint32
	cfg    Config
	output OutputFunc
	mss    int
	state  State

	current uint32 // last Update time, milliseconds

	sndUna uint32
	sndNxt uint32
	rcvNxt uint32

	sndQueue []segment // awaiting window space
	sndBuf   []segment // in flight, ordered by sn
	rcvBuf   []segment // out of order, ordered by sn
	rcvQueue []segment // contiguous, ready for Recv
	ackList  []ackItem

	srtt   uint32
	rttVar uint32
	rto    uint32

	cwnd     uint32
	ssthresh uint32
	incr     uint32 // congestion window in bytes, drives cwnd growth
	rmtWnd   uint32

	probeAsk  bool
	probeTell bool
	probeWait uint32
	probeTs   uint32

	remoteBye bool
	byeQueued bool
}

const (
	probeInitMs  = 7000
	probeLimitMs = 120000
)

// New creates a connection for the given conversation id. Both peers must
// use the same id. The output callback receives every encoded datagram the
// connection emits.
func New(conv uint32, cfg *Config, output OutputFunc) (*Conn, error) {
	if output == nil {
		return nil, fmt.Errorf("%w: nil output", errInvalidConfig)
	}
	if cfg == nil {
		cfg = DefaultConfig()
	}
	conf := *cfg
	if err := conf.validate(); err != nil {
		return nil, err
	}

	return &Conn{
		conv:     conv,
		cfg:      conf,
		output:   output,
		mss:      conf.MTU - headerSize,
		state:    StateOpen,
		rto:      conf.RTOInit,
		cwnd:     1,
		ssthresh: uint32(conf.SendWindow),
		incr:     uint32(conf.MTU - headerSize),
		rmtWnd:   uint32(conf.RecvWindow),
	}, nil
}

// Conv returns the conversation id.
func (c *Conn) Conv() uint32 { return c.conv }

// State returns the current lifecycle phase.
func (c *Conn) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// PendingSend reports the number of segments queued or in flight. Useful
// for backpressure decisions above this layer.
func (c *Conn) PendingSend() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.sndQueue) + len(c.sndBuf)
}

// RTO returns the current retransmission timeout in milliseconds.
func (c *Conn) RTO() uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.rto
}

// Send queues one message for reliable, ordered delivery. The message is
// fragmented to the connection MSS; the receiver reassembles it before
// delivery. Segments enter the network on the next Update.
func (c *Conn) Send(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch c.state {
	case StateDead:
		return ErrConnectionLost
	case StateClosing, StateClosed:
		return ErrConnClosed
	}

	count := 1
	if len(data) > c.mss {
		count = (len(data) + c.mss - 1) / c.mss
	}
	if count > 255 {
		return fmt.Errorf("%w: %d bytes needs %d fragments", ErrMessageTooLarge, len(data), count)
	}
	if len(c.sndQueue)+count > c.cfg.SendQueueCap {
		return ErrBufferFull
	}

	for i := 0; i < count; i++ {
		chunk := data[i*c.mss:]
		if len(chunk) > c.mss {
			chunk = chunk[:c.mss]
		}
		seg := segment{
			conv:    c.conv,
			cmd:     CmdPush,
			frg:     uint8(count - 1 - i),
			payload: append([]byte(nil), chunk...),
		}
		c.sndQueue = append(c.sndQueue, seg)
	}
	return nil
}

// Recv returns the next complete message in order. It returns ErrNoData
// when nothing is ready, ErrConnClosed once the peer's termination marker
// has been reached with all prior data drained, and ErrConnectionLost on a
// dead link.
func (c *Conn) Recv() ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state == StateDead {
		return nil, ErrConnectionLost
	}

	size, segs := c.peekMessage()
	if segs == 0 {
		if c.remoteBye {
			return nil, ErrConnClosed
		}
		if c.state == StateClosed {
			return nil, ErrConnClosed
		}
		return nil, ErrNoData
	}

	fullBefore := len(c.rcvQueue) >= int(c.cfg.RecvWindow)

	msg := make([]byte, 0, size)
	for i := 0; i < segs; i++ {
		msg = append(msg, c.rcvQueue[i].payload...)
	}
	c.rcvQueue = c.rcvQueue[segs:]
	c.moveToQueue()

	// If the advertised window was exhausted, tell the peer it reopened
	// rather than waiting for a probe.
	if fullBefore && len(c.rcvQueue) < int(c.cfg.RecvWindow) {
		c.probeTell = true
	}
	return msg, nil
}

// peekMessage reports the byte size and segment count of the next complete
// message in rcvQueue, or (0, 0) when none is complete.
func (c *Conn) peekMessage() (int, int) {
	size := 0
	for i, seg := range c.rcvQueue {
		size += len(seg.payload)
		if seg.frg == 0 {
			return size, i + 1
		}
	}
	return 0, 0
}

// Input feeds a raw inbound datagram to the connection. A datagram may
// batch several segments. Acknowledgements are scheduled for the next
// Update rather than sent inline.
func (c *Conn) Input(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state == StateDead {
		return ErrConnectionLost
	}

	unaBefore := c.sndUna
	var maxAck uint32
	haveMaxAck := false

	for len(data) > 0 {
		seg, rest, err := decodeSegment(data)
		if err != nil {
			return err
		}
		if seg.conv != c.conv {
			return fmt.Errorf("%w: got %d, want %d", ErrConvMismatch, seg.conv, c.conv)
		}
		data = rest

		c.rmtWnd = uint32(seg.wnd)
		c.parseUna(seg.una)

		switch seg.cmd {
		case CmdAck:
			if rtt := timeDiff(c.current, seg.ts); rtt >= 0 {
				c.updateRTO(uint32(rtt))
			}
			c.parseAck(seg.sn)
			if !haveMaxAck || timeDiff(seg.sn, maxAck) > 0 {
				maxAck = seg.sn
				haveMaxAck = true
			}
		case CmdPush, CmdBye:
			if timeDiff(seg.sn, c.rcvNxt+uint32(c.cfg.RecvWindow)) < 0 {
				c.ackList = append(c.ackList, ackItem{sn: seg.sn, ts: seg.ts})
				if timeDiff(seg.sn, c.rcvNxt) >= 0 {
					c.storeData(seg)
				}
			}
		case CmdWindowProbe:
			c.probeTell = true
		case CmdWindowSize:
			// Window already captured from the header.
		}
	}

	if haveMaxAck {
		c.markSkipAcks(maxAck)
	}
	c.growCongestionWindow(unaBefore)
	c.maybeFinishClose()
	return nil
}

// parseUna drops every in-flight segment the cumulative acknowledgement
// covers, then advances sndUna.
func (c *Conn) parseUna(una uint32) {
	idx := 0
	for idx < len(c.sndBuf) && timeDiff(una, c.sndBuf[idx].sn) > 0 {
		idx++
	}
	if idx > 0 {
		c.sndBuf = append(c.sndBuf[:0], c.sndBuf[idx:]...)
	}
	c.shrinkUna()
}

// parseAck removes the selectively acknowledged segment from flight.
func (c *Conn) parseAck(sn uint32) {
	if timeDiff(sn, c.sndUna) < 0 || timeDiff(sn, c.sndNxt) >= 0 {
		return
	}
	for i := range c.sndBuf {
		d := timeDiff(sn, c.sndBuf[i].sn)
		if d == 0 {
			c.sndBuf = append(c.sndBuf[:i], c.sndBuf[i+1:]...)
			break
		}
		if d < 0 {
			break
		}
	}
	c.shrinkUna()
}

func (c *Conn) shrinkUna() {
	if len(c.sndBuf) > 0 {
		c.sndUna = c.sndBuf[0].sn
	} else {
		c.sndUna = c.sndNxt
	}
}

// markSkipAcks bumps the skip-ack counter of every in-flight segment older
// than the highest acknowledgement seen in this datagram.
func (c *Conn) markSkipAcks(maxAck uint32) {
	for i := range c.sndBuf {
		if timeDiff(maxAck, c.sndBuf[i].sn) > 0 {
			c.sndBuf[i].fastAck++
		} else {
			break
		}
	}
}

// storeData inserts an in-window data segment into the out-of-order buffer
// and promotes any now-contiguous run to the receive queue.
func (c *Conn) storeData(seg segment) {
	// Insert position, scanning from the tail; duplicates are dropped.
	idx := len(c.rcvBuf)
	for idx > 0 {
		d := timeDiff(seg.sn, c.rcvBuf[idx-1].sn)
		if d == 0 {
			return
		}
		if d > 0 {
			break
		}
		idx--
	}
	c.rcvBuf = append(c.rcvBuf, segment{})
	copy(c.rcvBuf[idx+1:], c.rcvBuf[idx:])
	c.rcvBuf[idx] = seg

	c.moveToQueue()
}

// moveToQueue promotes contiguous segments from rcvBuf into rcvQueue while
// receive-window space remains. A termination marker is consumed in place
// of being queued as data.
func (c *Conn) moveToQueue() {
	moved := 0
	for _, seg := range c.rcvBuf {
		if seg.sn != c.rcvNxt || len(c.rcvQueue) >= int(c.cfg.RecvWindow) {
			break
		}
		moved++
		c.rcvNxt++
		if seg.cmd == CmdBye {
			c.remoteBye = true
			logrus.WithFields(logrus.Fields{
				"function": "moveToQueue",
				"conv":     c.conv,
			}).Debug("received termination marker")
			continue
		}
		c.rcvQueue = append(c.rcvQueue, seg)
	}
	if moved > 0 {
		c.rcvBuf = append(c.rcvBuf[:0], c.rcvBuf[moved:]...)
	}
}

// updateRTO folds one round-trip sample into the smoothed estimator
// (RFC 6298) and recomputes the retransmission timeout.
func (c *Conn) updateRTO(rtt uint32) {
	if c.srtt == 0 {
		c.srtt = rtt
		c.rttVar = rtt / 2
	} else {
		var delta uint32
		if rtt > c.srtt {
			delta = rtt - c.srtt
		} else {
			delta = c.srtt - rtt
		}
		c.rttVar = (3*c.rttVar + delta) / 4
		c.srtt = (7*c.srtt + rtt) / 8
		if c.srtt == 0 {
			c.srtt = 1
		}
	}

	variance := 4 * c.rttVar
	if variance < c.cfg.Interval {
		variance = c.cfg.Interval
	}
	rto := c.srtt + variance
	if rto < c.cfg.RTOMin {
		rto = c.cfg.RTOMin
	}
	if rto > c.cfg.RTOMax {
		rto = c.cfg.RTOMax
	}
	c.rto = rto
}

// growCongestionWindow opens the window after a cumulative-ack advance:
// exponentially below ssthresh, linearly above it.
func (c *Conn) growCongestionWindow(unaBefore uint32) {
	if timeDiff(c.sndUna, unaBefore) <= 0 || c.cwnd >= c.rmtWnd {
		return
	}
	mss := uint32(c.mss)
	if c.cwnd < c.ssthresh {
		c.cwnd++
		c.incr += mss
	} else {
		if c.incr < mss {
			c.incr = mss
		}
		c.incr += (mss*mss)/c.incr + mss/16
		if (c.cwnd+1)*mss <= c.incr {
			c.cwnd++
		}
	}
	if c.cwnd > c.rmtWnd {
		c.cwnd = c.rmtWnd
		c.incr = c.rmtWnd * mss
	}
}

// Update advances the connection clock, emits due segments through the
// output callback, and performs retransmission and congestion accounting.
// Call it on a steady interval (Config.Interval) and after Send or Input.
func (c *Conn) Update(now time.Time) {
	c.mu.Lock()
	if c.state == StateClosed || c.state == StateDead {
		c.mu.Unlock()
		return
	}
	c.current = uint32(now.UnixMilli())
	pkts := c.flushLocked()
	out := c.output
	conv := c.conv
	c.mu.Unlock()

	for _, pkt := range pkts {
		if err := out(pkt); err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "Update",
				"conv":     conv,
				"error":    err,
			}).Debug("output dropped datagram")
		}
	}
}

// flushLocked builds the datagrams due at c.current. Caller holds c.mu.
func (c *Conn) flushLocked() [][]byte {
	var pkts [][]byte
	buf := make([]byte, 0, c.cfg.MTU)
	wnd := c.unusedRecvWindow()

	emit := func(seg *segment) {
		if len(buf)+seg.encodedLen() > c.cfg.MTU {
			pkts = append(pkts, buf)
			buf = make([]byte, 0, c.cfg.MTU)
		}
		buf = seg.encode(buf)
	}

	// Pending acknowledgements first.
	for _, a := range c.ackList {
		seg := segment{conv: c.conv, cmd: CmdAck, wnd: wnd, ts: a.ts, sn: a.sn, una: c.rcvNxt}
		emit(&seg)
	}
	c.ackList = c.ackList[:0]

	// Zero remote window: probe with exponential backoff until it reopens.
	if c.rmtWnd == 0 {
		if c.probeWait == 0 {
			c.probeWait = probeInitMs
			c.probeTs = c.current + c.probeWait
		} else if timeDiff(c.current, c.probeTs) >= 0 {
			c.probeAsk = true
			c.probeWait += c.probeWait / 2
			if c.probeWait > probeLimitMs {
				c.probeWait = probeLimitMs
			}
			c.probeTs = c.current + c.probeWait
		}
	} else {
		c.probeWait = 0
		c.probeTs = 0
	}
	if c.probeAsk {
		seg := segment{conv: c.conv, cmd: CmdWindowProbe, wnd: wnd, ts: c.current, una: c.rcvNxt}
		emit(&seg)
		c.probeAsk = false
	}
	if c.probeTell {
		seg := segment{conv: c.conv, cmd: CmdWindowSize, wnd: wnd, ts: c.current, una: c.rcvNxt}
		emit(&seg)
		c.probeTell = false
	}

	// Admit queued segments while the effective window allows.
	cwnd := minU32(uint32(c.cfg.SendWindow), c.rmtWnd)
	cwnd = minU32(cwnd, c.cwnd)
	for len(c.sndQueue) > 0 && timeDiff(c.sndNxt, c.sndUna+cwnd) < 0 {
		seg := c.sndQueue[0]
		c.sndQueue = append(c.sndQueue[:0], c.sndQueue[1:]...)
		seg.sn = c.sndNxt
		c.sndNxt++
		c.sndBuf = append(c.sndBuf, seg)
	}

	// Transmission and retransmission scan.
	fastResend := c.cfg.FastResend
	lost, change := false, false
	for i := range c.sndBuf {
		seg := &c.sndBuf[i]
		send := false
		switch {
		case seg.xmit == 0:
			send = true
			seg.rto = c.rto
			seg.resendTs = c.current + seg.rto
		case timeDiff(c.current, seg.resendTs) >= 0:
			send = true
			lost = true
			seg.rto = minU32(seg.rto*2, c.cfg.RTOMax)
			seg.resendTs = c.current + seg.rto
		case fastResend > 0 && seg.fastAck >= fastResend:
			send = true
			change = true
			seg.fastAck = 0
			seg.resendTs = c.current + seg.rto
		}
		if !send {
			continue
		}
		seg.xmit++
		seg.ts = c.current
		seg.wnd = wnd
		seg.una = c.rcvNxt
		emit(seg)

		if seg.xmit >= c.cfg.DeadLink {
			c.state = StateDead
			logrus.WithFields(logrus.Fields{
				"function": "flushLocked",
				"conv":     c.conv,
				"sn":       seg.sn,
				"xmit":     seg.xmit,
			}).Warn("dead link detected")
		}
	}

	// Congestion reaction: halve on fast retransmit, collapse on timeout.
	mss := uint32(c.mss)
	if change {
		inflight := c.sndNxt - c.sndUna
		c.ssthresh = maxU32(inflight/2, 2)
		c.cwnd = c.ssthresh + fastResend
		c.incr = c.cwnd * mss
	}
	if lost {
		c.ssthresh = maxU32(cwnd/2, 2)
		c.cwnd = 1
		c.incr = mss
	}
	if c.cwnd < 1 {
		c.cwnd = 1
		c.incr = mss
	}

	c.maybeFinishClose()

	if len(buf) > 0 {
		pkts = append(pkts, buf)
	}
	return pkts
}

// unusedRecvWindow is the receive window space advertised to the peer.
func (c *Conn) unusedRecvWindow() uint16 {
	if used := len(c.rcvQueue); used < int(c.cfg.RecvWindow) {
		return c.cfg.RecvWindow - uint16(used)
	}
	return 0
}

// maybeFinishClose completes a graceful close once the termination marker
// and all preceding data have been acknowledged.
func (c *Conn) maybeFinishClose() {
	if c.state == StateClosing && len(c.sndQueue) == 0 && len(c.sndBuf) == 0 {
		c.state = StateClosed
		logrus.WithFields(logrus.Fields{
			"function": "maybeFinishClose",
			"conv":     c.conv,
		}).Debug("close handshake complete")
	}
}

// Close drains queued data, then sends a reliable termination marker. The
// connection reaches StateClosed once the marker is acknowledged; keep
// calling Update until then. Close is idempotent.
func (c *Conn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch c.state {
	case StateDead:
		return ErrConnectionLost
	case StateClosed, StateClosing:
		return nil
	}

	c.sndQueue = append(c.sndQueue, segment{conv: c.conv, cmd: CmdBye})
	c.byeQueued = true
	c.state = StateClosing
	return nil
}

// Abort tears the connection down immediately, discarding queued and
// in-flight data. The peer learns of it only through dead-link detection.
func (c *Conn) Abort() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.state = StateClosed
	c.sndQueue = nil
	c.sndBuf = nil
	c.rcvBuf = nil
	c.rcvQueue = nil
	c.ackList = nil
}

func minU32(a, b uint32) uint32 {
	if a < b {
		return a
	}
	return b
}

func maxU32(a, b uint32) uint32 {
	if a > b {
		return a
	}
	return b
}
