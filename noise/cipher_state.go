package noise

import (
	"errors"
	"math"

	"github.com/opd-ai/noisemux/crypto"
)

// maxNonce is reserved for the rekey operation and never used to encrypt
// application data.
const maxNonce = math.MaxUint64

// ErrNonceExhausted indicates a cipher state's nonce counter has reached the
// rekey threshold; the session must be rekeyed before further encryption.
var ErrNonceExhausted = errors.New("nonce counter exhausted, rekey required")

// CipherState holds one direction's symmetric key and its strictly
// monotonic nonce counter. A CipherState never encrypts two messages under
// the same nonce: the counter is consumed before the AEAD call and is never
// rewound.
type CipherState struct {
	provider crypto.Provider
	key      [32]byte
	nonce    uint64
	hasKey   bool
}

// hasCipherKey reports whether a key has been mixed in yet; before that,
// handshake "encryption" is the identity function per the Noise rules.
func (cs *CipherState) hasCipherKey() bool { return cs.hasKey }

// initializeKey installs a fresh key and resets the nonce counter.
func (cs *CipherState) initializeKey(key [32]byte) {
	cs.key = key
	cs.nonce = 0
	cs.hasKey = true
}

// encrypt seals plaintext under the next nonce. The nonce is consumed even
// if the caller discards the result.
func (cs *CipherState) encrypt(ad, plaintext []byte) ([]byte, error) {
	if !cs.hasKey {
		return plaintext, nil
	}
	if cs.nonce == maxNonce {
		return nil, ErrNonceExhausted
	}

	n := cs.nonce
	cs.nonce++
	return cs.provider.Seal(cs.key, n, ad, plaintext)
}

// decrypt opens ciphertext under the next expected nonce. The counter only
// advances on successful authentication, so a forged message cannot
// desynchronize the state.
func (cs *CipherState) decrypt(ad, ciphertext []byte) ([]byte, error) {
	if !cs.hasKey {
		return ciphertext, nil
	}
	if cs.nonce == maxNonce {
		return nil, ErrNonceExhausted
	}

	plaintext, err := cs.provider.Open(cs.key, cs.nonce, ad, ciphertext)
	if err != nil {
		return nil, err
	}
	cs.nonce++
	return plaintext, nil
}

// sealAt seals plaintext at an explicit nonce without touching the counter.
// Used by Session, which allocates nonces itself and transmits them on the
// wire.
func (cs *CipherState) sealAt(nonce uint64, ad, plaintext []byte) ([]byte, error) {
	return cs.provider.Seal(cs.key, nonce, ad, plaintext)
}

// openAt opens ciphertext at an explicit nonce without touching the counter.
func (cs *CipherState) openAt(nonce uint64, ad, ciphertext []byte) ([]byte, error) {
	return cs.provider.Open(cs.key, nonce, ad, ciphertext)
}

// rekey replaces the key with ENCRYPT(k, 2^64-1, empty, zeros[32]) per the
// Noise specification's REKEY function and resets the nonce counter.
func (cs *CipherState) rekey() error {
	if !cs.hasKey {
		return ErrSessionNotEstablished
	}

	var zeros [32]byte
	ct, err := cs.provider.Seal(cs.key, maxNonce, nil, zeros[:])
	if err != nil {
		return err
	}

	crypto.ZeroBytes(cs.key[:])
	copy(cs.key[:], ct[:32])
	crypto.ZeroBytes(ct)
	cs.nonce = 0
	return nil
}

// zeroize wipes the key material.
func (cs *CipherState) zeroize() {
	crypto.ZeroBytes(cs.key[:])
	cs.hasKey = false
	cs.nonce = 0
}

// symmetricState maintains the chaining key and running handshake hash that
// bind every handshake message to everything sent before it.
type symmetricState struct {
	provider crypto.Provider
	ck       []byte
	h        []byte
	cs       CipherState
}

// initializeSymmetric seeds ck and h from the protocol name.
func (ss *symmetricState) initializeSymmetric(protocolName []byte) {
	hashLen := ss.provider.HashLen()
	if len(protocolName) <= hashLen {
		ss.h = make([]byte, hashLen)
		copy(ss.h, protocolName)
	} else {
		ss.h = ss.provider.Hash(protocolName)
	}
	ss.ck = append([]byte(nil), ss.h...)
	ss.cs = CipherState{provider: ss.provider}
}

// mixKey ratchets the chaining key with new input key material and installs
// the derived handshake encryption key.
func (ss *symmetricState) mixKey(ikm []byte) {
	out := ss.provider.HKDF(ss.ck, ikm, 2)
	crypto.ZeroBytes(ss.ck)
	ss.ck = out[0]

	var key [32]byte
	copy(key[:], out[1])
	crypto.ZeroBytes(out[1])
	ss.cs.initializeKey(key)
	crypto.ZeroBytes(key[:])
}

// mixHash absorbs data into the running handshake hash.
func (ss *symmetricState) mixHash(data []byte) {
	ss.h = ss.provider.Hash(ss.h, data)
}

// mixKeyAndHash absorbs a pre-shared key into both the chaining key and the
// handshake hash.
func (ss *symmetricState) mixKeyAndHash(ikm []byte) {
	out := ss.provider.HKDF(ss.ck, ikm, 3)
	crypto.ZeroBytes(ss.ck)
	ss.ck = out[0]
	ss.mixHash(out[1])
	crypto.ZeroBytes(out[1])

	var key [32]byte
	copy(key[:], out[2])
	crypto.ZeroBytes(out[2])
	ss.cs.initializeKey(key)
	crypto.ZeroBytes(key[:])
}

// encryptAndHash encrypts plaintext bound to the current handshake hash and
// absorbs the ciphertext.
func (ss *symmetricState) encryptAndHash(plaintext []byte) ([]byte, error) {
	ciphertext, err := ss.cs.encrypt(ss.h, plaintext)
	if err != nil {
		return nil, err
	}
	ss.mixHash(ciphertext)
	return ciphertext, nil
}

// decryptAndHash decrypts ciphertext bound to the current handshake hash
// and absorbs the ciphertext. The hash is only advanced on success.
func (ss *symmetricState) decryptAndHash(ciphertext []byte) ([]byte, error) {
	plaintext, err := ss.cs.decrypt(ss.h, ciphertext)
	if err != nil {
		return nil, err
	}
	ss.mixHash(ciphertext)
	return plaintext, nil
}

// split derives the two transport keys. The first cipher state encrypts
// initiator-to-responder traffic, the second the reverse direction.
func (ss *symmetricState) split() (CipherState, CipherState) {
	out := ss.provider.HKDF(ss.ck, nil, 2)

	var k1, k2 [32]byte
	copy(k1[:], out[0])
	copy(k2[:], out[1])
	crypto.ZeroBytes(out[0])
	crypto.ZeroBytes(out[1])

	c1 := CipherState{provider: ss.provider}
	c1.initializeKey(k1)
	c2 := CipherState{provider: ss.provider}
	c2.initializeKey(k2)
	crypto.ZeroBytes(k1[:])
	crypto.ZeroBytes(k2[:])
	return c1, c2
}

// zeroize wipes the chaining key and handshake cipher state. The handshake
// hash survives as the channel-binding value.
func (ss *symmetricState) zeroize() {
	crypto.ZeroBytes(ss.ck)
	ss.cs.zeroize()
}
