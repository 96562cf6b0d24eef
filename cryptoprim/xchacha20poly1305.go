// Package cryptoprim implements the session cryptor's AEAD: XChaCha20-
// Poly1305 assembled from the HChaCha20 kernel and the IETF ChaCha20-
// Poly1305 construction, plus the X25519 key agreement used to derive the
// shared key.
package cryptoprim

import (
	"crypto/rand"
	"fmt"

	"golang.org/x/crypto/chacha20"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/curve25519"
)

// KeySize is the shared-key length in bytes.
const KeySize = 32

// NonceSize is the XChaCha20-Poly1305 nonce length in bytes.
const NonceSize = 24

// TagSize is the Poly1305 authentication tag length in bytes.
const TagSize = chacha20poly1305.Overhead

// HChaCha20 runs the ChaCha20 core for 20 rounds over (key, nonce) and
// returns the resulting 32-byte subkey, per RFC 8439 Appendix A.2 / the
// XChaCha construction's blinding step.
func HChaCha20(key, nonce []byte) ([]byte, error) {
	if len(key) != 32 {
		return nil, fmt.Errorf("cryptoprim: HChaCha20 key must be 32 bytes, got %d", len(key))
	}
	if len(nonce) != 16 {
		return nil, fmt.Errorf("cryptoprim: HChaCha20 nonce must be 16 bytes, got %d", len(nonce))
	}
	return chacha20.HChaCha20(key, nonce)
}

// RandomNonce returns a fresh cryptographically secure 24-byte nonce.
func RandomNonce() ([]byte, error) {
	nonce := make([]byte, NonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}
	return nonce, nil
}

// Seal encrypts plaintext under key with the given 24-byte nonce and empty
// (or caller-supplied) additional data, returning ciphertext||tag.
func Seal(key, nonce, plaintext, aad []byte) ([]byte, error) {
	subkey, subnonce, err := split(key, nonce)
	if err != nil {
		return nil, err
	}

	aead, err := chacha20poly1305.New(subkey)
	if err != nil {
		return nil, err
	}

	return aead.Seal(nil, subnonce, plaintext, aad), nil
}

// Open authenticates and decrypts ciphertext (which must include the
// trailing Poly1305 tag) under key and the given 24-byte nonce.
func Open(key, nonce, ciphertext, aad []byte) ([]byte, error) {
	subkey, subnonce, err := split(key, nonce)
	if err != nil {
		return nil, err
	}

	aead, err := chacha20poly1305.New(subkey)
	if err != nil {
		return nil, err
	}

	return aead.Open(nil, subnonce, ciphertext, aad)
}

// split derives the inner ChaCha20-Poly1305 subkey (via HChaCha20 over the
// first 16 nonce bytes) and the 12-byte subnonce (four zero bytes followed
// by the last 8 nonce bytes), per the XChaCha20-Poly1305 construction.
func split(key, nonce []byte) (subkey, subnonce []byte, err error) {
	if len(key) != KeySize {
		return nil, nil, fmt.Errorf("cryptoprim: key must be %d bytes, got %d", KeySize, len(key))
	}
	if len(nonce) != NonceSize {
		return nil, nil, fmt.Errorf("cryptoprim: nonce must be %d bytes, got %d", NonceSize, len(nonce))
	}

	subkey, err = HChaCha20(key, nonce[:16])
	if err != nil {
		return nil, nil, err
	}

	subnonce = make([]byte, 12)
	copy(subnonce[4:], nonce[16:])

	return subkey, subnonce, nil
}

// X25519 performs the Montgomery-ladder scalar multiplication producing the
// raw 32-byte shared secret from a private scalar and a peer's raw public
// key (no DER framing at this boundary).
func X25519(private, peerPublic []byte) ([]byte, error) {
	return curve25519.X25519(private, peerPublic)
}

// DeriveSharedKey computes the session's symmetric key from our X25519
// private scalar and the pump's raw 32-byte public key: the X25519 shared
// secret is run back through HChaCha20 with an all-zero 16-byte nonce to
// produce the final 32-byte key.
func DeriveSharedKey(private, peerPublic []byte) ([]byte, error) {
	ss, err := X25519(private, peerPublic)
	if err != nil {
		return nil, err
	}

	return HChaCha20(ss, make([]byte, 16))
}
