package cryptoprov

import (
	stdecdh "crypto/ecdh"
	"crypto/rand"
	"errors"

	"golang.org/x/crypto/curve25519"
)

// ECDHP256Decrypt is ecdh_decrypt_p256r1: recovers the shared secret from
// a host-supplied uncompressed point (04 || X || Y, 65 bytes) under a
// stored P-256 private scalar.
func ECDHP256Decrypt(privScalar []byte, uncompressedPoint []byte) ([]byte, error) {
	curve := stdecdh.P256()

	priv, err := curve.NewPrivateKey(privScalar)
	if err != nil {
		return nil, err
	}
	pub, err := curve.NewPublicKey(uncompressedPoint)
	if err != nil {
		return nil, err
	}

	return priv.ECDH(pub)
}

// GenerateECDHP256 is ecdh's P-256 key-generation counterpart.
func GenerateECDHP256() (*stdecdh.PrivateKey, error) {
	return stdecdh.P256().GenerateKey(rand.Reader)
}

// ECDH25519Size is the fixed scalar/point width of Curve25519.
const ECDH25519Size = 32

// ECDH25519Decrypt is compute_kG_25519 / ecdh_decrypt_x25519: X25519
// scalar multiplication of the card's stored private scalar against the
// host-supplied 32-byte public point. Unlike the NIST curve, Curve25519
// points are never encoded in uncompressed-point (04||X||Y) form — the
// 65-byte ECDH input format applies to the P-256r1 role only.
func ECDH25519Decrypt(privScalar, peerPoint []byte) ([]byte, error) {
	if len(privScalar) != ECDH25519Size || len(peerPoint) != ECDH25519Size {
		return nil, errors.New("cryptoprov: Curve25519 scalar/point must be 32 bytes")
	}
	return curve25519.X25519(privScalar, peerPoint)
}

// GenerateECDH25519 returns a fresh Curve25519 scalar and its public
// point, clamped per RFC 7748.
func GenerateECDH25519() (priv, pub []byte, err error) {
	priv = make([]byte, ECDH25519Size)
	if _, err := rand.Read(priv); err != nil {
		return nil, nil, err
	}

	pub, err = curve25519.X25519(priv, curve25519.Basepoint)
	if err != nil {
		return nil, nil, err
	}

	return priv, pub, nil
}
