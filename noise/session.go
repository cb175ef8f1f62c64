package noise

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync"

	"github.com/fxamacker/cbor/v2"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/opd-ai/noisemux/crypto"
)

var (
	// ErrReplayOrTooOld indicates a datagram whose nonce was already seen
	// or has fallen behind the replay window. Non-fatal: the datagram is
	// discarded and the session stays live.
	ErrReplayOrTooOld = errors.New("datagram nonce replayed or too old")
	// ErrSessionNotEstablished indicates an operation on a session that
	// has no transport keys.
	ErrSessionNotEstablished = errors.New("session not established")
)

const (
	// nonceHeaderSize is the explicit wire nonce prefix on every datagram.
	nonceHeaderSize = 8

	// rekeyThreshold is the send-nonce value at which Encrypt starts
	// failing ErrNonceExhausted. The margin below 2^64-1 keeps the
	// REKEY-reserved nonce and in-flight datagrams clear of reuse.
	rekeyThreshold = maxNonce - 8192

	// replayWindowSize is the span of the receive replay bitmap.
	replayWindowSize = 64
)

// replayWindow is a sliding bitmap over the most recent receive nonces,
// tracking the highest nonce accepted and a bit per nonce in the window
// behind it.
type replayWindow struct {
	latest uint64
	bitmap uint64
	seeded bool
}

// check reports whether nonce would be accepted, without mutating state.
func (w *replayWindow) check(nonce uint64) bool {
	if !w.seeded || nonce > w.latest {
		return true
	}
	diff := w.latest - nonce
	if diff >= replayWindowSize {
		return false // too old to track
	}
	return w.bitmap&(1<<diff) == 0
}

// commit records nonce as seen. Returns false if it was a replay after all;
// callers must re-check under the same lock as commit.
func (w *replayWindow) commit(nonce uint64) bool {
	if !w.check(nonce) {
		return false
	}
	if !w.seeded || nonce > w.latest {
		shift := nonce - w.latest
		if !w.seeded {
			shift = 0
		}
		if shift >= replayWindowSize {
			w.bitmap = 0
		} else {
			w.bitmap <<= shift
		}
		w.latest = nonce
		w.seeded = true
		w.bitmap |= 1
		return true
	}
	w.bitmap |= 1 << (w.latest - nonce)
	return true
}

// reset clears the window, used after a rekey begins a fresh nonce space.
func (w *replayWindow) reset() {
	w.latest = 0
	w.bitmap = 0
	w.seeded = false
}

// Session is an established authenticated-encryption transport session:
// one send and one receive cipher state plus the receive replay window.
// It lives for the connection and may be rekeyed in place before nonce
// exhaustion. All methods are safe for concurrent use; nonce allocation is
// serialized so the same nonce is never issued twice.
type Session struct {
	mu       sync.Mutex
	id       uuid.UUID
	provider crypto.Provider
	send     CipherState
	recv     CipherState
	replay   replayWindow
	sendN    uint64
}

// newSession wraps the split cipher states into a transport session.
func newSession(provider crypto.Provider, send, recv CipherState) *Session {
	return &Session{
		id:       uuid.New(),
		provider: provider,
		send:     send,
		recv:     recv,
	}
}

// ID returns the session identifier.
func (s *Session) ID() uuid.UUID { return s.id }

// Overhead is the per-datagram expansion added by Encrypt: the explicit
// nonce prefix plus the authentication tag.
const Overhead = nonceHeaderSize + crypto.TagSize

// Encrypt seals plaintext under the next send nonce and returns the wire
// datagram: an 8-byte big-endian nonce followed by ciphertext and tag.
// Fails ErrNonceExhausted once the counter reaches the rekey threshold.
func (s *Session) Encrypt(plaintext []byte) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.send.hasCipherKey() {
		return nil, ErrSessionNotEstablished
	}
	if s.sendN >= rekeyThreshold {
		return nil, ErrNonceExhausted
	}

	nonce := s.sendN
	s.sendN++

	ciphertext, err := s.send.sealAt(nonce, nil, plaintext)
	if err != nil {
		return nil, fmt.Errorf("session encrypt failed: %w", err)
	}

	out := make([]byte, nonceHeaderSize+len(ciphertext))
	binary.BigEndian.PutUint64(out[:nonceHeaderSize], nonce)
	copy(out[nonceHeaderSize:], ciphertext)
	return out, nil
}

// Decrypt authenticates and opens a wire datagram produced by the peer's
// Encrypt. The nonce must fall inside the replay window and be unseen;
// otherwise ErrReplayOrTooOld is returned and the datagram is discarded
// without affecting the session. The window is only advanced after the tag
// verifies, so forgeries cannot poison it.
func (s *Session) Decrypt(datagram []byte) ([]byte, error) {
	if len(datagram) < nonceHeaderSize+crypto.TagSize {
		return nil, ErrDecryptFailed
	}
	nonce := binary.BigEndian.Uint64(datagram[:nonceHeaderSize])

	s.mu.Lock()
	if !s.recv.hasCipherKey() {
		s.mu.Unlock()
		return nil, ErrSessionNotEstablished
	}
	if !s.replay.check(nonce) {
		s.mu.Unlock()
		logrus.WithFields(logrus.Fields{
			"function":   "Decrypt",
			"session_id": s.id.String(),
			"nonce":      nonce,
		}).Warn("Replayed or stale datagram discarded")
		return nil, ErrReplayOrTooOld
	}
	// Work on a copy of the receive state so a concurrent Rekey or Close
	// can rewrite the key without racing the AEAD call below.
	recv := s.recv
	s.mu.Unlock()

	plaintext, err := recv.openAt(nonce, nil, datagram[nonceHeaderSize:])
	crypto.ZeroBytes(recv.key[:])
	if err != nil {
		return nil, ErrDecryptFailed
	}

	s.mu.Lock()
	ok := s.replay.commit(nonce)
	s.mu.Unlock()
	if !ok {
		// A concurrent delivery of the same nonce won the race.
		return nil, ErrReplayOrTooOld
	}
	return plaintext, nil
}

// Rekey derives fresh cipher keys for both directions from the existing
// keys via the Noise REKEY function, without repeating authentication.
// Both peers must rekey at the same point in the datagram stream. Nonce
// counters and the replay window restart from zero.
func (s *Session) Rekey() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.send.hasCipherKey() || !s.recv.hasCipherKey() {
		return ErrSessionNotEstablished
	}

	if err := s.send.rekey(); err != nil {
		return fmt.Errorf("send rekey failed: %w", err)
	}
	if err := s.recv.rekey(); err != nil {
		return fmt.Errorf("recv rekey failed: %w", err)
	}

	s.sendN = 0
	s.replay.reset()

	logrus.WithFields(logrus.Fields{
		"function":   "Rekey",
		"session_id": s.id.String(),
	}).Info("Session rekeyed")
	return nil
}

// SendNonce returns the next nonce Encrypt would consume, for rekey
// scheduling.
func (s *Session) SendNonce() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sendN
}

// Close zeroizes the session's key material. The session is unusable
// afterwards.
func (s *Session) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.send.zeroize()
	s.recv.zeroize()
	s.replay.reset()
	s.sendN = 0
}

// sessionSnapshot is the CBOR persistence form of a session, mirroring the
// on-disk anti-replay state the transport keeps across restarts.
type sessionSnapshot struct {
	ID           []byte `cbor:"1,keyasint"`
	Suite        string `cbor:"2,keyasint"`
	SendKey      []byte `cbor:"3,keyasint"`
	RecvKey      []byte `cbor:"4,keyasint"`
	SendNonce    uint64 `cbor:"5,keyasint"`
	ReplayLatest uint64 `cbor:"6,keyasint"`
	ReplayBitmap uint64 `cbor:"7,keyasint"`
	ReplaySeeded bool   `cbor:"8,keyasint"`
}

// Snapshot serializes the session state, including replay protection, so a
// connection can survive a restart without reusing nonces or accepting
// replays. The output contains key material and must be stored encrypted
// at rest by the caller.
func (s *Session) Snapshot() ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.send.hasCipherKey() || !s.recv.hasCipherKey() {
		return nil, ErrSessionNotEstablished
	}

	snap := sessionSnapshot{
		ID:           s.id[:],
		Suite:        s.provider.Name(),
		SendKey:      append([]byte(nil), s.send.key[:]...),
		RecvKey:      append([]byte(nil), s.recv.key[:]...),
		SendNonce:    s.sendN,
		ReplayLatest: s.replay.latest,
		ReplayBitmap: s.replay.bitmap,
		ReplaySeeded: s.replay.seeded,
	}

	data, err := cbor.Marshal(snap)
	crypto.ZeroBytes(snap.SendKey)
	crypto.ZeroBytes(snap.RecvKey)
	if err != nil {
		return nil, fmt.Errorf("failed to encode session snapshot: %w", err)
	}
	return data, nil
}

// ResumeSession reconstructs a session from a Snapshot. The provider must
// match the suite the session was created with.
func ResumeSession(data []byte, provider crypto.Provider) (*Session, error) {
	if provider == nil {
		provider = crypto.SuiteChaChaPolySHA256
	}

	var snap sessionSnapshot
	if err := cbor.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("failed to decode session snapshot: %w", err)
	}
	if snap.Suite != provider.Name() {
		return nil, fmt.Errorf("snapshot suite %q does not match provider %q", snap.Suite, provider.Name())
	}
	if len(snap.SendKey) != 32 || len(snap.RecvKey) != 32 || len(snap.ID) != 16 {
		return nil, errors.New("session snapshot has invalid key material")
	}

	var sendKey, recvKey [32]byte
	copy(sendKey[:], snap.SendKey)
	copy(recvKey[:], snap.RecvKey)
	crypto.ZeroBytes(snap.SendKey)
	crypto.ZeroBytes(snap.RecvKey)

	send := CipherState{provider: provider}
	send.initializeKey(sendKey)
	recv := CipherState{provider: provider}
	recv.initializeKey(recvKey)
	crypto.ZeroBytes(sendKey[:])
	crypto.ZeroBytes(recvKey[:])

	s := &Session{
		provider: provider,
		send:     send,
		recv:     recv,
		sendN:    snap.SendNonce,
		replay: replayWindow{
			latest: snap.ReplayLatest,
			bitmap: snap.ReplayBitmap,
			seeded: snap.ReplaySeeded,
		},
	}
	copy(s.id[:], snap.ID)
	return s, nil
}
