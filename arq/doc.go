// Package arq implements a reliable, ordered, congestion-controlled
// transport over an unreliable datagram channel.
//
// The layer is an automatic-repeat-request design in the KCP tradition:
// application messages are fragmented into sequence-numbered segments,
// acknowledged cumulatively and selectively, retransmitted on timeout
// (smoothed-RTT-driven) or after repeated skip-acknowledgements, and paced
// by the lesser of a congestion window and the peer's advertised receive
// window.
//
// A Conn is transport-agnostic: it emits encoded segments through an output
// callback and consumes raw datagrams through Input. Timing is explicit:
// the owner calls Update with the current time, so connections are fully
// deterministic under test.
package arq
