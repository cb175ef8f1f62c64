package noise

import "fmt"

// Token is a single step of a handshake message pattern: transmit a key,
// mix a Diffie-Hellman result, or mix a pre-shared key.
type Token uint8

const (
	// TokenE transmits (or reads) an ephemeral public key.
	TokenE Token = iota
	// TokenS transmits (or reads) a static public key, encrypted once a
	// handshake key is available.
	TokenS
	// TokenEE mixes DH(ephemeral, ephemeral).
	TokenEE
	// TokenES mixes DH(initiator ephemeral, responder static).
	TokenES
	// TokenSE mixes DH(initiator static, responder ephemeral).
	TokenSE
	// TokenSS mixes DH(static, static).
	TokenSS
	// TokenPSK mixes a pre-shared symmetric key into the chaining key and
	// handshake hash.
	TokenPSK
)

// String returns the lowercase token name used in pattern notation.
func (t Token) String() string {
	switch t {
	case TokenE:
		return "e"
	case TokenS:
		return "s"
	case TokenEE:
		return "ee"
	case TokenES:
		return "es"
	case TokenSE:
		return "se"
	case TokenSS:
		return "ss"
	case TokenPSK:
		return "psk"
	default:
		return fmt.Sprintf("token(%d)", uint8(t))
	}
}

// MessagePattern is the ordered token sequence of one handshake message.
type MessagePattern []Token

// HandshakePattern defines a complete authenticated-key-agreement protocol:
// optional pre-message keys known out of band, followed by the alternating
// message patterns. Messages at even indexes are written by the initiator,
// odd indexes by the responder.
type HandshakePattern struct {
	Name         string
	InitiatorPre MessagePattern
	ResponderPre MessagePattern
	Messages     []MessagePattern
}

var (
	// PatternXX provides mutual authentication without prior key knowledge.
	PatternXX = HandshakePattern{
		Name: "XX",
		Messages: []MessagePattern{
			{TokenE},
			{TokenE, TokenEE, TokenS, TokenES},
			{TokenS, TokenSE},
		},
	}

	// PatternIK authenticates both sides in one round trip when the
	// initiator already knows the responder's static key.
	PatternIK = HandshakePattern{
		Name:         "IK",
		ResponderPre: MessagePattern{TokenS},
		Messages: []MessagePattern{
			{TokenE, TokenES, TokenS, TokenSS},
			{TokenE, TokenEE, TokenSE},
		},
	}

	// PatternNK authenticates only the responder, whose static key is
	// known in advance. Suitable for anonymous clients.
	PatternNK = HandshakePattern{
		Name:         "NK",
		ResponderPre: MessagePattern{TokenS},
		Messages: []MessagePattern{
			{TokenE, TokenES},
			{TokenE, TokenEE},
		},
	}

	// PatternKK assumes both static keys are known out of band.
	PatternKK = HandshakePattern{
		Name:         "KK",
		InitiatorPre: MessagePattern{TokenS},
		ResponderPre: MessagePattern{TokenS},
		Messages: []MessagePattern{
			{TokenE, TokenES, TokenSS},
			{TokenE, TokenEE, TokenSE},
		},
	}
)

// WithPSK returns a copy of pattern with the pskN modifier applied:
// placement 0 prepends the psk token to the first message, placement n
// appends it to message n. The pattern name gains the "pskN" suffix so the
// derived protocol name stays distinct.
func WithPSK(pattern HandshakePattern, placement int) (HandshakePattern, error) {
	if placement < 0 || placement > len(pattern.Messages) {
		return HandshakePattern{}, fmt.Errorf("psk placement %d out of range for %s", placement, pattern.Name)
	}

	modified := pattern
	modified.Name = fmt.Sprintf("%spsk%d", pattern.Name, placement)
	modified.Messages = make([]MessagePattern, len(pattern.Messages))
	for i, msg := range pattern.Messages {
		modified.Messages[i] = append(MessagePattern(nil), msg...)
	}

	if placement == 0 {
		modified.Messages[0] = append(MessagePattern{TokenPSK}, modified.Messages[0]...)
	} else {
		idx := placement - 1
		modified.Messages[idx] = append(modified.Messages[idx], TokenPSK)
	}
	return modified, nil
}

// usesPSK reports whether any message of the pattern carries a psk token.
func (p HandshakePattern) usesPSK() bool {
	for _, msg := range p.Messages {
		for _, tok := range msg {
			if tok == TokenPSK {
				return true
			}
		}
	}
	return false
}

// writerRole returns the role that writes the message at index idx.
func writerRole(idx int) HandshakeRole {
	if idx%2 == 0 {
		return Initiator
	}
	return Responder
}
