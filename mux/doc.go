// Package mux multiplexes independent byte streams over a single reliable,
// ordered message channel.
//
// Each frame carries a stream id, a frame type and a length-prefixed
// payload. Stream ids are partitioned by role so both sides can open
// streams without coordination: the initiator allocates odd ids, the
// responder even ids. Per-stream flow control is credit based: a sender
// may only transmit as many DATA bytes as the receiver has granted, and
// the receiver replenishes credit with WINDOW_UPDATE frames as the
// application consumes data. A well-behaved peer can therefore never force
// unbounded buffering, and one stalled stream never blocks its siblings.
package mux
