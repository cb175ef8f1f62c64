package noise

import (
	"crypto/rand"
	"errors"
	"fmt"
	"io"

	"github.com/opd-ai/noisemux/crypto"
	"github.com/sirupsen/logrus"
)

var (
	// ErrMissingKey indicates a token required key material that was not
	// configured (static key, peer static key, or pre-shared key).
	ErrMissingKey = errors.New("handshake token requires a key that is not present")
	// ErrMalformedMessage indicates a handshake message of invalid length.
	ErrMalformedMessage = errors.New("malformed handshake message")
	// ErrDecryptFailed indicates an AEAD authentication failure while
	// reading a handshake message. Fatal: restart with fresh ephemerals.
	ErrDecryptFailed = errors.New("handshake decryption failed")
	// ErrHandshakeComplete indicates all pattern messages were already
	// consumed; no further WriteMessage/ReadMessage calls are valid.
	ErrHandshakeComplete = errors.New("handshake already complete")
	// ErrHandshakeNotComplete indicates Finalize was called with pattern
	// messages still outstanding.
	ErrHandshakeNotComplete = errors.New("handshake not complete")
	// ErrOutOfTurn indicates WriteMessage was called when it is the peer's
	// turn to speak, or ReadMessage on our own turn.
	ErrOutOfTurn = errors.New("handshake message out of turn")
)

// HandshakeRole defines whether we're initiating or responding to handshake.
type HandshakeRole uint8

const (
	// Initiator starts the handshake.
	Initiator HandshakeRole = iota
	// Responder responds to handshake initiation.
	Responder
)

// String returns the role name.
func (r HandshakeRole) String() string {
	if r == Initiator {
		return "initiator"
	}
	return "responder"
}

// Config collects the inputs of a handshake attempt. Pattern and Role are
// required; the rest depends on the pattern's key requirements.
type Config struct {
	// Pattern is the handshake pattern to execute.
	Pattern HandshakePattern

	// Role determines whether this side writes even- or odd-indexed
	// messages.
	Role HandshakeRole

	// Provider supplies the cryptographic suite. Defaults to
	// crypto.SuiteChaChaPolySHA256.
	Provider crypto.Provider

	// StaticKeypair is our long-term key pair, required by patterns whose
	// tokens reference our static key.
	StaticKeypair *crypto.KeyPair

	// EphemeralKeypair overrides ephemeral generation, for deterministic
	// tests only.
	EphemeralKeypair *crypto.KeyPair

	// PeerStatic is the peer's long-term public key (32 bytes), required
	// when the pattern places the peer's static key in a pre-message.
	PeerStatic []byte

	// PresharedKey is the optional 32-byte psk consumed by psk-modified
	// patterns.
	PresharedKey []byte

	// Prologue is mixed into the handshake hash before any message; both
	// sides must supply identical prologues.
	Prologue []byte

	// Random is the entropy source for ephemeral keys. Defaults to
	// crypto/rand.Reader.
	Random io.Reader
}

// HandshakeState executes one handshake attempt token by token. It is not
// safe for concurrent use; a handshake is inherently sequential. On any
// fatal error the state poisons itself: every later call returns the
// original error, forcing the caller to start a fresh attempt with new
// ephemeral keys.
type HandshakeState struct {
	role     HandshakeRole
	provider crypto.Provider
	ss       symmetricState

	s  *crypto.KeyPair // our static keypair
	e  *crypto.KeyPair // our ephemeral keypair
	rs [32]byte        // peer static public key
	re [32]byte        // peer ephemeral public key

	hasRS bool
	hasRE bool

	psk     []byte
	pskMode bool

	messages []MessagePattern
	msgIdx   int
	name     string
	rng      io.Reader
	err      error // poison; set on first fatal failure
}

// NewHandshakeState creates a handshake state for one attempt. It validates
// that all keys referenced by the pattern's pre-messages are present and
// mixes prologue and pre-message keys into the transcript.
func NewHandshakeState(config Config) (*HandshakeState, error) {
	if len(config.Pattern.Messages) == 0 {
		return nil, errors.New("handshake pattern has no messages")
	}

	provider := config.Provider
	if provider == nil {
		provider = crypto.SuiteChaChaPolySHA256
	}
	rng := config.Random
	if rng == nil {
		rng = rand.Reader
	}

	hs := &HandshakeState{
		role:     config.Role,
		provider: provider,
		s:        config.StaticKeypair,
		e:        config.EphemeralKeypair,
		messages: config.Pattern.Messages,
		name:     fmt.Sprintf("Noise_%s_%s", config.Pattern.Name, provider.Name()),
		rng:      rng,
		pskMode:  config.Pattern.usesPSK(),
	}

	if config.PeerStatic != nil {
		if len(config.PeerStatic) != 32 {
			return nil, fmt.Errorf("peer static key must be 32 bytes, got %d", len(config.PeerStatic))
		}
		copy(hs.rs[:], config.PeerStatic)
		hs.hasRS = true
	}

	if config.PresharedKey != nil {
		if len(config.PresharedKey) != 32 {
			return nil, fmt.Errorf("pre-shared key must be 32 bytes, got %d", len(config.PresharedKey))
		}
		hs.psk = append([]byte(nil), config.PresharedKey...)
	}
	if hs.pskMode && hs.psk == nil {
		return nil, fmt.Errorf("%w: pattern %s requires a pre-shared key", ErrMissingKey, config.Pattern.Name)
	}

	hs.ss = symmetricState{provider: provider}
	hs.ss.initializeSymmetric([]byte(hs.name))
	hs.ss.mixHash(config.Prologue)

	if err := hs.mixPreMessages(config.Pattern); err != nil {
		return nil, err
	}

	logrus.WithFields(logrus.Fields{
		"function": "NewHandshakeState",
		"protocol": hs.name,
		"role":     hs.role.String(),
		"messages": len(hs.messages),
	}).Debug("Handshake state created")

	return hs, nil
}

// mixPreMessages absorbs the pattern's pre-message public keys into the
// transcript, initiator side first.
func (hs *HandshakeState) mixPreMessages(pattern HandshakePattern) error {
	for _, tok := range pattern.InitiatorPre {
		if tok != TokenS {
			return fmt.Errorf("unsupported pre-message token %s", tok)
		}
		pub, err := hs.staticFor(Initiator)
		if err != nil {
			return err
		}
		hs.ss.mixHash(pub)
	}
	for _, tok := range pattern.ResponderPre {
		if tok != TokenS {
			return fmt.Errorf("unsupported pre-message token %s", tok)
		}
		pub, err := hs.staticFor(Responder)
		if err != nil {
			return err
		}
		hs.ss.mixHash(pub)
	}
	return nil
}

// staticFor returns the static public key belonging to the given role, from
// our keypair or the configured peer key.
func (hs *HandshakeState) staticFor(role HandshakeRole) ([]byte, error) {
	if role == hs.role {
		if hs.s == nil {
			return nil, fmt.Errorf("%w: local static key", ErrMissingKey)
		}
		return hs.s.Public[:], nil
	}
	if !hs.hasRS {
		return nil, fmt.Errorf("%w: peer static key", ErrMissingKey)
	}
	return hs.rs[:], nil
}

// WriteMessage produces the next handshake message, consuming this side's
// tokens and appending the encrypted payload. Failures are fatal to the
// attempt and are never retried transparently.
func (hs *HandshakeState) WriteMessage(payload []byte) ([]byte, error) {
	if err := hs.checkTurn(true); err != nil {
		return nil, err
	}

	var out []byte
	for _, tok := range hs.messages[hs.msgIdx] {
		var err error
		out, err = hs.writeToken(tok, out)
		if err != nil {
			return nil, hs.fail(err)
		}
	}

	encrypted, err := hs.ss.encryptAndHash(payload)
	if err != nil {
		return nil, hs.fail(err)
	}
	out = append(out, encrypted...)

	hs.msgIdx++
	return out, nil
}

// ReadMessage consumes the peer's next handshake message and returns the
// decrypted payload. A length or authentication failure poisons the state;
// the caller must begin a fresh handshake with new ephemeral keys.
func (hs *HandshakeState) ReadMessage(message []byte) ([]byte, error) {
	if err := hs.checkTurn(false); err != nil {
		return nil, err
	}

	rest := message
	for _, tok := range hs.messages[hs.msgIdx] {
		var err error
		rest, err = hs.readToken(tok, rest)
		if err != nil {
			return nil, hs.fail(err)
		}
	}

	payload, err := hs.ss.decryptAndHash(rest)
	if err != nil {
		if errors.Is(err, crypto.ErrDecryptionFailed) {
			err = ErrDecryptFailed
		}
		return nil, hs.fail(err)
	}

	hs.msgIdx++
	return payload, nil
}

// checkTurn validates that the state is live, incomplete, and that it is
// this side's turn to write (or read).
func (hs *HandshakeState) checkTurn(writing bool) error {
	if hs.err != nil {
		return hs.err
	}
	if hs.msgIdx >= len(hs.messages) {
		return ErrHandshakeComplete
	}

	writer := writerRole(hs.msgIdx)
	if writing && writer != hs.role {
		return ErrOutOfTurn
	}
	if !writing && writer == hs.role {
		return ErrOutOfTurn
	}
	return nil
}

// writeToken appends one token's wire bytes to out and mixes its state.
func (hs *HandshakeState) writeToken(tok Token, out []byte) ([]byte, error) {
	switch tok {
	case TokenE:
		if hs.e == nil {
			e, err := hs.provider.GenerateKeypair(hs.rng)
			if err != nil {
				return nil, fmt.Errorf("ephemeral key generation failed: %w", err)
			}
			hs.e = e
		}
		out = append(out, hs.e.Public[:]...)
		hs.ss.mixHash(hs.e.Public[:])
		if hs.pskMode {
			hs.ss.mixKey(hs.e.Public[:])
		}
		return out, nil

	case TokenS:
		if hs.s == nil {
			return nil, fmt.Errorf("%w: local static key", ErrMissingKey)
		}
		encrypted, err := hs.ss.encryptAndHash(hs.s.Public[:])
		if err != nil {
			return nil, err
		}
		return append(out, encrypted...), nil

	case TokenPSK:
		hs.ss.mixKeyAndHash(hs.psk)
		return out, nil

	default:
		if err := hs.mixDH(tok); err != nil {
			return nil, err
		}
		return out, nil
	}
}

// readToken consumes one token's wire bytes from rest and mixes its state.
func (hs *HandshakeState) readToken(tok Token, rest []byte) ([]byte, error) {
	switch tok {
	case TokenE:
		if len(rest) < 32 {
			return nil, ErrMalformedMessage
		}
		copy(hs.re[:], rest[:32])
		hs.hasRE = true
		hs.ss.mixHash(hs.re[:])
		if hs.pskMode {
			hs.ss.mixKey(hs.re[:])
		}
		return rest[32:], nil

	case TokenS:
		want := 32
		if hs.ss.cs.hasCipherKey() {
			want += crypto.TagSize
		}
		if len(rest) < want {
			return nil, ErrMalformedMessage
		}
		pub, err := hs.ss.decryptAndHash(rest[:want])
		if err != nil {
			if errors.Is(err, crypto.ErrDecryptionFailed) {
				return nil, ErrDecryptFailed
			}
			return nil, err
		}
		copy(hs.rs[:], pub)
		hs.hasRS = true
		return rest[want:], nil

	case TokenPSK:
		hs.ss.mixKeyAndHash(hs.psk)
		return rest, nil

	default:
		if err := hs.mixDH(tok); err != nil {
			return nil, err
		}
		return rest, nil
	}
}

// mixDH performs the Diffie-Hellman operation named by tok and mixes the
// shared secret into the chaining key.
func (hs *HandshakeState) mixDH(tok Token) error {
	var local *crypto.KeyPair
	var remote [32]byte
	var haveRemote bool

	switch tok {
	case TokenEE:
		local, remote, haveRemote = hs.e, hs.re, hs.hasRE
	case TokenSS:
		local, remote, haveRemote = hs.s, hs.rs, hs.hasRS
	case TokenES:
		if hs.role == Initiator {
			local, remote, haveRemote = hs.e, hs.rs, hs.hasRS
		} else {
			local, remote, haveRemote = hs.s, hs.re, hs.hasRE
		}
	case TokenSE:
		if hs.role == Initiator {
			local, remote, haveRemote = hs.s, hs.re, hs.hasRE
		} else {
			local, remote, haveRemote = hs.e, hs.rs, hs.hasRS
		}
	default:
		return fmt.Errorf("unknown handshake token %s", tok)
	}

	if local == nil || !haveRemote {
		return fmt.Errorf("%w: %s", ErrMissingKey, tok)
	}

	shared, err := hs.provider.DH(local.Private, remote)
	if err != nil {
		return fmt.Errorf("dh %s failed: %w", tok, err)
	}
	hs.ss.mixKey(shared[:])
	crypto.ZeroBytes(shared[:])
	return nil
}

// Finalize splits the completed handshake into a transport Session and the
// channel-binding hash for out-of-band verification. The handshake state is
// zeroized; any further WriteMessage/ReadMessage fails ErrHandshakeComplete.
func (hs *HandshakeState) Finalize() (*Session, []byte, error) {
	if hs.err != nil {
		return nil, nil, hs.err
	}
	if hs.msgIdx < len(hs.messages) {
		return nil, nil, ErrHandshakeNotComplete
	}

	c1, c2 := hs.ss.split()
	var send, recv CipherState
	if hs.role == Initiator {
		send, recv = c1, c2
	} else {
		send, recv = c2, c1
	}

	binding := append([]byte(nil), hs.ss.h...)
	session := newSession(hs.provider, send, recv)
	hs.destroy(ErrHandshakeComplete)

	logrus.WithFields(logrus.Fields{
		"function":   "Finalize",
		"protocol":   hs.name,
		"role":       hs.role.String(),
		"session_id": session.ID().String(),
	}).Debug("Handshake finalized into transport session")

	return session, binding, nil
}

// PeerStatic returns the peer's static public key once it has been
// received or configured.
func (hs *HandshakeState) PeerStatic() ([]byte, error) {
	if !hs.hasRS {
		return nil, fmt.Errorf("%w: peer static key", ErrMissingKey)
	}
	key := make([]byte, 32)
	copy(key, hs.rs[:])
	return key, nil
}

// LocalEphemeral returns our ephemeral public key if one was generated.
func (hs *HandshakeState) LocalEphemeral() []byte {
	if hs.e == nil {
		return nil
	}
	key := make([]byte, 32)
	copy(key, hs.e.Public[:])
	return key
}

// ChannelBinding returns the running handshake hash. After Finalize it is
// the final transcript hash shared by both peers.
func (hs *HandshakeState) ChannelBinding() []byte {
	return append([]byte(nil), hs.ss.h...)
}

// fail poisons the state with err and zeroizes key material. Handshake
// failures indicate a possible attack and must never be retried with the
// same ephemeral keys.
func (hs *HandshakeState) fail(err error) error {
	logrus.WithFields(logrus.Fields{
		"function": "fail",
		"protocol": hs.name,
		"role":     hs.role.String(),
		"message":  hs.msgIdx,
		"error":    err.Error(),
	}).Warn("Handshake attempt failed")

	hs.destroy(err)
	return err
}

// destroy zeroizes secrets and poisons the state with err.
func (hs *HandshakeState) destroy(err error) {
	hs.err = err
	if hs.e != nil {
		crypto.ZeroBytes(hs.e.Private[:])
		hs.e = nil
	}
	if hs.psk != nil {
		crypto.ZeroBytes(hs.psk)
		hs.psk = nil
	}
	hs.ss.zeroize()
}
