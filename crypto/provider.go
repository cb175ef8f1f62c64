// Package crypto implements the cryptographic primitives consumed by the
// handshake engine and transport sessions.
//
// All primitives are reachable through the Provider interface so that the
// handshake state machine stays generic over the underlying suite. The
// default suite (Curve25519, ChaCha20-Poly1305, SHA-256) is wire-compatible
// with the Noise Protocol Framework's 25519_ChaChaPoly_SHA256 configuration.
//
// Example:
//
//	keys, err := crypto.GenerateKeyPair()
//	if err != nil {
//	    log.Fatal(err)
//	}
//	ct, err := crypto.SuiteChaChaPolySHA256.Seal(key, 0, nil, []byte("hello"))
package crypto

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"hash"
	"io"

	"golang.org/x/crypto/blake2s"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/curve25519"
)

// TagSize is the length of the authentication tag appended by Seal.
const TagSize = 16

// ErrDecryptionFailed indicates an AEAD authentication tag mismatch.
var ErrDecryptionFailed = errors.New("decryption failed: authentication tag mismatch")

// Provider supplies hashing, HKDF key derivation, authenticated encryption,
// and Diffie-Hellman key agreement to the handshake and session layers.
// Implementations must be safe for concurrent use.
type Provider interface {
	// Name returns the suite identifier in Noise protocol-name form,
	// e.g. "25519_ChaChaPoly_SHA256".
	Name() string

	// HashLen returns the output length of Hash in bytes.
	HashLen() int

	// Hash computes the suite hash over the concatenation of parts.
	Hash(parts ...[]byte) []byte

	// HKDF performs the Noise HKDF construction keyed by chainingKey over
	// input, producing the requested number of HashLen-byte outputs
	// (at most three).
	HKDF(chainingKey, input []byte, outputs int) [][]byte

	// GenerateKeypair creates a fresh Curve25519 key pair from rng.
	GenerateKeypair(rng io.Reader) (*KeyPair, error)

	// DH computes the Curve25519 shared secret between a private and a
	// public key.
	DH(private, public [32]byte) ([32]byte, error)

	// Seal encrypts plaintext under key with the given counter nonce and
	// associated data, returning ciphertext with the tag appended.
	Seal(key [32]byte, nonce uint64, ad, plaintext []byte) ([]byte, error)

	// Open authenticates and decrypts ciphertext produced by Seal.
	// Returns ErrDecryptionFailed on tag mismatch.
	Open(key [32]byte, nonce uint64, ad, ciphertext []byte) ([]byte, error)
}

// Suite is a concrete Provider combining Curve25519 and ChaCha20-Poly1305
// with a configurable hash function.
type Suite struct {
	name    string
	newHash func() hash.Hash
}

var (
	// SuiteChaChaPolySHA256 is the default suite, byte-compatible with
	// Noise 25519_ChaChaPoly_SHA256.
	SuiteChaChaPolySHA256 = &Suite{name: "25519_ChaChaPoly_SHA256", newHash: sha256.New}

	// SuiteChaChaPolyBLAKE2s swaps the hash for BLAKE2s.
	SuiteChaChaPolyBLAKE2s = &Suite{
		name: "25519_ChaChaPoly_BLAKE2s",
		newHash: func() hash.Hash {
			h, err := blake2s.New256(nil)
			if err != nil {
				panic(err) // unkeyed BLAKE2s cannot fail
			}
			return h
		},
	}
)

// Name returns the suite identifier.
func (s *Suite) Name() string { return s.name }

// HashLen returns the hash output length in bytes.
func (s *Suite) HashLen() int { return s.newHash().Size() }

// Hash computes the suite hash over the concatenation of parts.
func (s *Suite) Hash(parts ...[]byte) []byte {
	h := s.newHash()
	for _, p := range parts {
		h.Write(p)
	}
	return h.Sum(nil)
}

// HKDF performs the Noise HKDF construction: a temporary key is derived from
// chainingKey and input via HMAC, then expanded into up to three outputs.
func (s *Suite) HKDF(chainingKey, input []byte, outputs int) [][]byte {
	if outputs < 1 || outputs > 3 {
		panic(fmt.Sprintf("hkdf: unsupported output count %d", outputs))
	}

	tempKey := s.hmacHash(chainingKey, input)

	out := make([][]byte, outputs)
	prev := []byte{}
	for i := 0; i < outputs; i++ {
		prev = s.hmacHash(tempKey, append(prev, byte(i+1)))
		out[i] = prev
	}
	return out
}

func (s *Suite) hmacHash(key, data []byte) []byte {
	mac := hmac.New(s.newHash, key)
	mac.Write(data)
	return mac.Sum(nil)
}

// GenerateKeypair creates a fresh Curve25519 key pair from rng.
func (s *Suite) GenerateKeypair(rng io.Reader) (*KeyPair, error) {
	return GenerateKeyPairFrom(rng)
}

// DH computes the Curve25519 shared secret between private and public.
func (s *Suite) DH(private, public [32]byte) ([32]byte, error) {
	var shared [32]byte
	secret, err := curve25519.X25519(private[:], public[:])
	if err != nil {
		return shared, fmt.Errorf("curve25519 exchange failed: %w", err)
	}
	copy(shared[:], secret)
	return shared, nil
}

// Seal encrypts plaintext with ChaCha20-Poly1305. The 64-bit counter nonce
// is encoded little-endian into the final eight bytes of the 96-bit AEAD
// nonce, matching the Noise ChaChaPoly construction.
func (s *Suite) Seal(key [32]byte, nonce uint64, ad, plaintext []byte) ([]byte, error) {
	aead, err := chacha20poly1305.New(key[:])
	if err != nil {
		return nil, fmt.Errorf("aead init failed: %w", err)
	}

	var nonceBuf [chacha20poly1305.NonceSize]byte
	binary.LittleEndian.PutUint64(nonceBuf[4:], nonce)

	return aead.Seal(nil, nonceBuf[:], plaintext, ad), nil
}

// Open authenticates and decrypts ciphertext produced by Seal.
func (s *Suite) Open(key [32]byte, nonce uint64, ad, ciphertext []byte) ([]byte, error) {
	if len(ciphertext) < TagSize {
		return nil, ErrDecryptionFailed
	}

	aead, err := chacha20poly1305.New(key[:])
	if err != nil {
		return nil, fmt.Errorf("aead init failed: %w", err)
	}

	var nonceBuf [chacha20poly1305.NonceSize]byte
	binary.LittleEndian.PutUint64(nonceBuf[4:], nonce)

	plaintext, err := aead.Open(nil, nonceBuf[:], ciphertext, ad)
	if err != nil {
		return nil, ErrDecryptionFailed
	}
	return plaintext, nil
}
