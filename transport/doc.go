// Package transport provides the datagram channels the protocol stack
// runs over.
//
// DatagramChannel is the minimal contract: unreliable, unordered,
// boundary-preserving datagram exchange with a known MTU. UDPChannel is
// the production implementation; Pipe builds an in-memory channel pair
// with loss and duplication hooks for deterministic tests.
// SecureChannel layers authenticated encryption from an established
// session over any inner channel.
package transport
