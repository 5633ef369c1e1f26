// Package sealbox wraps AES-256-GCM authenticated encryption for the sealed
// files this server keeps on disk. A Box is constructed once per process
// from the derived data key; Seal draws a fresh random nonce per call and
// Open fails closed on any authentication mismatch.
package sealbox

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"io"

	"golang.org/x/crypto/hkdf"

	"github.com/Melampe001/Tokyo-Predictor-Roulette.--sub000/pkg/fault"
)

const (
	// KeySize is the only accepted key length (AES-256).
	KeySize = 32
	// NonceSize is the GCM nonce length in bytes.
	NonceSize = 12
	// TagSize is the GCM authentication tag length in bytes.
	TagSize = 16
)

// ErrKeySize is returned by New for any key that is not 32 bytes.
// A wrong-length key is a wiring bug, not a runtime condition.
var ErrKeySize = errors.New("sealbox: key must be exactly 32 bytes")

// Sealed is the on-disk framing of one sealed payload.
type Sealed struct {
	Nonce      []byte `json:"nonce"`
	Tag        []byte `json:"tag"`
	Ciphertext []byte `json:"ciphertext"`
}

// Box seals and opens byte payloads under one AES-256 key.
type Box struct {
	aead cipher.AEAD
}

// New creates a Box over a 32-byte key.
func New(key []byte) (*Box, error) {
	if len(key) != KeySize {
		return nil, ErrKeySize
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	return &Box{aead: aead}, nil
}

// Seal encrypts plaintext under a fresh random nonce.
// An RNG failure is unrecoverable for the process; the caller treats the
// returned error as fatal.
func (b *Box) Seal(plaintext []byte) (*Sealed, error) {
	nonce := make([]byte, NonceSize)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fault.Wrap(fault.Internal, "nonce generation failed", err)
	}
	out := b.aead.Seal(nil, nonce, plaintext, nil)
	// GCM appends the tag to the ciphertext; the file header keeps it apart.
	ct, tag := out[:len(out)-TagSize], out[len(out)-TagSize:]
	return &Sealed{Nonce: nonce, Tag: tag, Ciphertext: ct}, nil
}

// Open authenticates and decrypts a sealed payload. Any mismatch in nonce,
// ciphertext, or tag yields an integrity fault and no plaintext.
func (b *Box) Open(s *Sealed) ([]byte, error) {
	if s == nil || len(s.Nonce) != NonceSize || len(s.Tag) != TagSize {
		return nil, fault.New(fault.Integrity, "sealed payload is malformed")
	}
	joined := make([]byte, 0, len(s.Ciphertext)+TagSize)
	joined = append(joined, s.Ciphertext...)
	joined = append(joined, s.Tag...)
	plaintext, err := b.aead.Open(nil, s.Nonce, joined, nil)
	if err != nil {
		return nil, fault.Wrap(fault.Integrity, "authentication failed", err)
	}
	return plaintext, nil
}

// DeriveKey derives a 32-byte subkey from the process secret via
// HKDF-SHA256. The info string separates key uses (data vs. credentials).
func DeriveKey(secret []byte, info string) []byte {
	key := make([]byte, KeySize)
	r := hkdf.New(sha256.New, secret, nil, []byte(info))
	if _, err := io.ReadFull(r, key); err != nil {
		// HKDF over SHA-256 cannot fail for a 32-byte read.
		panic(err)
	}
	return key
}
