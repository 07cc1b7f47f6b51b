// Package messaging implements authenticated encryption on top of a key
// negotiated by the bb84 package.
//
// Negotiated keys are close to uniform but of protocol-determined length, so
// they are first stretched into a fixed-size cipher key with HKDF. Both
// parties must derive with the same info string to arrive at the same cipher
// key.
package messaging

import (
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"

	"github.com/qkdlab/bb84/bb84/bitarray"
)

// ErrAuthentication is returned by Open when a ciphertext fails
// authentication. It indicates tampering or a key mismatch, and the payload
// must be discarded.
var ErrAuthentication = errors.New("message authentication failed")

// MinKeyBits is the smallest negotiated key Derive accepts. Shorter keys do
// not carry enough entropy to back a 256-bit cipher key.
const MinKeyBits = 128

// A Sealer encrypts and decrypts messages under a key derived from a BB84
// negotiation.
type Sealer struct {
	aead cipherAEAD
	rand io.Reader
}

type cipherAEAD interface {
	Seal(dst, nonce, plaintext, additionalData []byte) []byte
	Open(dst, nonce, ciphertext, additionalData []byte) ([]byte, error)
	NonceSize() int
	Overhead() int
}

// Derive stretches a negotiated key into a Sealer. The info string binds the
// derived key to a context: both parties must pass the same one.
func Derive(negotiated bitarray.Dense, info string) (*Sealer, error) {
	if negotiated.Size() < MinKeyBits {
		return nil, fmt.Errorf("negotiated key too short: %d bits < %d", negotiated.Size(), MinKeyBits)
	}
	key := make([]byte, chacha20poly1305.KeySize)
	kdf := hkdf.New(sha256.New, negotiated.Data(), nil, []byte(info))
	if _, err := io.ReadFull(kdf, key); err != nil {
		return nil, fmt.Errorf("deriving cipher key: %w", err)
	}
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, fmt.Errorf("building cipher: %w", err)
	}
	return &Sealer{aead: aead, rand: rand.Reader}, nil
}

// Seal encrypts and authenticates plaintext, returning a self-contained
// ciphertext with the nonce prepended.
func (s *Sealer) Seal(plaintext []byte) ([]byte, error) {
	out := make([]byte, s.aead.NonceSize(), s.aead.NonceSize()+len(plaintext)+s.aead.Overhead())
	if _, err := io.ReadFull(s.rand, out); err != nil {
		return nil, fmt.Errorf("generating nonce: %w", err)
	}
	return s.aead.Seal(out, out[:s.aead.NonceSize()], plaintext, nil), nil
}

// Open authenticates and decrypts a ciphertext produced by Seal. It returns
// ErrAuthentication if the ciphertext was not produced under the same derived
// key or has been modified.
func (s *Sealer) Open(ciphertext []byte) ([]byte, error) {
	if len(ciphertext) < s.aead.NonceSize()+s.aead.Overhead() {
		return nil, ErrAuthentication
	}
	nonce, box := ciphertext[:s.aead.NonceSize()], ciphertext[s.aead.NonceSize():]
	plaintext, err := s.aead.Open(nil, nonce, box, nil)
	if err != nil {
		return nil, ErrAuthentication
	}
	return plaintext, nil
}
