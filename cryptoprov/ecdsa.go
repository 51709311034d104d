package cryptoprov

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"encoding/asn1"
	"errors"
	"math/big"

	btcec "github.com/btcsuite/btcd/btcec/v2"
	btcecdsa "github.com/btcsuite/btcd/btcec/v2/ecdsa"
)

// curveSize is the P-256 family's coordinate/scalar size in bytes, shared
// by both r1 (NIST) and k1 (secp256k1) curves this card supports, per
// ecdsa_sign_{p256r1,p256k1}.
const curveSize = 32

// rawSignature lays out an ECDSA (r, s) pair as the fixed-width
// concatenation OpenPGP card implementations return, rather than ASN.1
// DER — the host already knows the curve and therefore the field width.
func rawSignature(r, s *big.Int) []byte {
	out := make([]byte, 2*curveSize)
	r.FillBytes(out[:curveSize])
	s.FillBytes(out[curveSize:])
	return out
}

// ECDSASignP256 is ecdsa_sign_p256r1: a signature over a raw 32-byte
// hash, using the stdlib NIST P-256 implementation.
func ECDSASignP256(priv *ecdsa.PrivateKey, hash []byte) ([]byte, error) {
	if len(hash) != curveSize {
		return nil, errors.New("cryptoprov: ECDSA P-256 hash must be 32 bytes")
	}
	r, s, err := ecdsa.Sign(rand.Reader, priv, hash)
	if err != nil {
		return nil, err
	}
	return rawSignature(r, s), nil
}

// GenerateECDSAP256 is ecdsa_genkey for the r1 curve.
func GenerateECDSAP256() (*ecdsa.PrivateKey, error) {
	return ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
}

// ECDSASignK1 is ecdsa_sign_p256k1: secp256k1 ECDSA signing, an
// alternate SIG/AUT algorithm attribute available alongside P-256, using
// github.com/btcsuite/btcd/btcec/v2.
func ECDSASignK1(priv *btcec.PrivateKey, hash []byte) ([]byte, error) {
	if len(hash) != curveSize {
		return nil, errors.New("cryptoprov: ECDSA secp256k1 hash must be 32 bytes")
	}

	sig := btcecdsa.Sign(priv, hash)

	// btcec/v2's ecdsa.Signature only exposes DER via Serialize(); unpack
	// it back into (r, s) to produce the fixed-width raw encoding every
	// other curve in this file uses.
	var der struct{ R, S *big.Int }
	if _, err := asn1.Unmarshal(sig.Serialize(), &der); err != nil {
		return nil, err
	}

	return rawSignature(der.R, der.S), nil
}

// GenerateECDSAK1 is ecdsa_genkey for the k1 curve.
func GenerateECDSAK1() (*btcec.PrivateKey, error) {
	return btcec.NewPrivateKey()
}
