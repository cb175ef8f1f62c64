// Package noisemux implements a secure, reliable, multiplexed transport
// over unreliable datagram channels.
//
// The stack has four layers, each usable on its own:
//
//   - noise: a Noise-protocol handshake engine with pluggable crypto
//     suites, producing authenticated transport sessions with replay
//     protection and rekeying.
//   - transport: datagram channels (UDP, in-memory pipes) and the
//     session-encrypted channel wrapper.
//   - arq: reliable, ordered, congestion-controlled message delivery over
//     lossy datagrams.
//   - mux: independent flow-controlled byte streams over one reliable
//     channel.
//
// An Endpoint ties them together: Connect runs the handshake over a
// DatagramChannel and returns a connection on which both peers open and
// accept streams.
//
//	ch, _ := transport.NewUDPChannel(":0", "198.51.100.7:7000", 0)
//	ep, err := noisemux.Connect(ctx, ch, noisemux.Config{
//		Role:          noise.Initiator,
//		StaticKeypair: identity,
//	})
//	if err != nil {
//		return err
//	}
//	stream, _ := ep.OpenStream()
//	stream.Write(ctx, []byte("hello"))
package noisemux
