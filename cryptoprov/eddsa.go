package cryptoprov

import (
	"crypto/ed25519"
	"crypto/rand"
	"errors"
)

// EdDSASign25519 is eddsa_sign_25519: Ed25519 signs the message directly
// (no pre-hashing by the card), over up to 256 bytes of input.
func EdDSASign25519(priv ed25519.PrivateKey, message []byte) ([]byte, error) {
	if len(message) > 256 {
		return nil, errors.New("cryptoprov: Ed25519 PSO:CDS input exceeds 256 bytes")
	}
	return ed25519.Sign(priv, message), nil
}

// GenerateEdDSA25519 is eddsa_genkey25519.
func GenerateEdDSA25519() (ed25519.PublicKey, ed25519.PrivateKey, error) {
	return ed25519.GenerateKey(rand.Reader)
}
