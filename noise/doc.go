// Package noise implements a Noise-Protocol-style handshake engine and the
// authenticated transport sessions it produces.
//
// The handshake is executed as an explicit runtime state machine: each
// handshake pattern is an ordered sequence of tokens consumed by a loop
// alternating writer and reader roles. The engine is generic over the
// cryptographic suite through crypto.Provider, so the same state machine
// drives every supported pattern and cipher configuration.
//
// A completed handshake is finalized into a Session, which encrypts and
// decrypts application datagrams with strictly monotonic nonces and a
// sliding-bitmap replay window, and can be rekeyed in place before nonce
// exhaustion.
//
// Example:
//
//	hs, err := noise.NewHandshakeState(noise.Config{
//	    Pattern:       noise.PatternXX,
//	    Role:          noise.Initiator,
//	    StaticKeypair: keys,
//	})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	msg1, err := hs.WriteMessage(nil)
package noise
