package crypto

import (
	"crypto/rand"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/curve25519"
)

// KeyPair represents a Curve25519 key pair used for handshake key agreement.
type KeyPair struct {
	Public  [32]byte
	Private [32]byte
}

// GenerateKeyPair creates a new random Curve25519 key pair using the
// system's cryptographically secure random source.
func GenerateKeyPair() (*KeyPair, error) {
	return GenerateKeyPairFrom(rand.Reader)
}

// GenerateKeyPairFrom creates a new Curve25519 key pair reading entropy
// from rng. It exists so that callers can inject a deterministic source
// in tests; production code should pass crypto/rand.Reader.
func GenerateKeyPairFrom(rng io.Reader) (*KeyPair, error) {
	if rng == nil {
		rng = rand.Reader
	}

	var private [32]byte
	if _, err := io.ReadFull(rng, private[:]); err != nil {
		return nil, fmt.Errorf("failed to read key entropy: %w", err)
	}

	return FromSecretKey(private)
}

// FromSecretKey creates a key pair from an existing private key by deriving
// the corresponding Curve25519 public key.
func FromSecretKey(secretKey [32]byte) (*KeyPair, error) {
	if isZeroKey(secretKey) {
		return nil, errors.New("invalid secret key: all zeros")
	}

	public, err := curve25519.X25519(secretKey[:], curve25519.Basepoint)
	if err != nil {
		return nil, fmt.Errorf("failed to derive public key: %w", err)
	}

	kp := &KeyPair{Private: secretKey}
	copy(kp.Public[:], public)
	return kp, nil
}

// isZeroKey checks if a key consists of all zeros.
func isZeroKey(key [32]byte) bool {
	for _, b := range key {
		if b != 0 {
			return false
		}
	}
	return true
}
