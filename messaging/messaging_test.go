package messaging

import (
	"bytes"
	"errors"
	"math/rand"
	"testing"

	"github.com/qkdlab/bb84/bb84/bitarray"
)

func testKey(seed int64, bits int) bitarray.Dense {
	r := rand.New(rand.NewSource(seed))
	b := make([]byte, bitarray.BytesFor(bits))
	r.Read(b)
	return bitarray.NewDense(b, bits)
}

func TestSealOpenRoundTrip(t *testing.T) {
	key := testKey(1, 167)
	a, err := Derive(key, "test session")
	if err != nil {
		t.Fatalf("Derive: %v", err)
	}
	b, err := Derive(key, "test session")
	if err != nil {
		t.Fatalf("Derive: %v", err)
	}
	msg := []byte("attack at dawn")
	ct, err := a.Seal(msg)
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}
	if bytes.Contains(ct, msg) {
		t.Errorf("ciphertext contains the plaintext")
	}
	pt, err := b.Open(ct)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if !bytes.Equal(pt, msg) {
		t.Errorf("Open returned %q, want %q", pt, msg)
	}
}

func TestSealIsNondeterministic(t *testing.T) {
	s, err := Derive(testKey(1, 256), "test session")
	if err != nil {
		t.Fatalf("Derive: %v", err)
	}
	c1, err := s.Seal([]byte("hello"))
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}
	c2, err := s.Seal([]byte("hello"))
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}
	if bytes.Equal(c1, c2) {
		t.Errorf("two seals of the same plaintext produced identical ciphertexts")
	}
}

func TestOpenRejectsTampering(t *testing.T) {
	s, err := Derive(testKey(1, 256), "test session")
	if err != nil {
		t.Fatalf("Derive: %v", err)
	}
	ct, err := s.Seal([]byte("attack at dawn"))
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}
	for _, i := range []int{0, len(ct) / 2, len(ct) - 1} {
		flipped := append([]byte(nil), ct...)
		flipped[i] ^= 0x40
		if _, err := s.Open(flipped); !errors.Is(err, ErrAuthentication) {
			t.Errorf("Open of ciphertext with byte %d flipped: %v, want ErrAuthentication", i, err)
		}
	}
	if _, err := s.Open(ct[:4]); !errors.Is(err, ErrAuthentication) {
		t.Errorf("Open of a truncated ciphertext: %v, want ErrAuthentication", err)
	}
}

func TestOpenRejectsWrongContext(t *testing.T) {
	key := testKey(1, 256)
	a, err := Derive(key, "session one")
	if err != nil {
		t.Fatalf("Derive: %v", err)
	}
	b, err := Derive(key, "session two")
	if err != nil {
		t.Fatalf("Derive: %v", err)
	}
	ct, err := a.Seal([]byte("attack at dawn"))
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}
	if _, err := b.Open(ct); !errors.Is(err, ErrAuthentication) {
		t.Errorf("Open under a different context: %v, want ErrAuthentication", err)
	}
}

func TestDeriveRejectsShortKeys(t *testing.T) {
	if _, err := Derive(testKey(1, MinKeyBits-1), "test session"); err == nil {
		t.Errorf("Derive accepted a %d-bit key", MinKeyBits-1)
	}
}
