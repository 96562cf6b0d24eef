package cryptoprim

import "crypto/rand"

// KeyPair is an X25519 key pair: a 32-byte random private scalar (stored
// unclamped; X25519 clamps it on use) and its corresponding 32-byte raw
// public key.
type KeyPair struct {
	Private [32]byte
	Public  [32]byte
}

// GenerateKeyPair draws a fresh random X25519 key pair.
func GenerateKeyPair() (*KeyPair, error) {
	var kp KeyPair
	if _, err := rand.Read(kp.Private[:]); err != nil {
		return nil, err
	}

	pub, err := X25519(kp.Private[:], basePoint[:])
	if err != nil {
		return nil, err
	}
	copy(kp.Public[:], pub)

	return &kp, nil
}

// basePoint is the standard Curve25519 base point, u=9.
var basePoint = [32]byte{9}
