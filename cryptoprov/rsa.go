package cryptoprov

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"errors"
	"math/big"
)

// RSAKeySize is the fixed RSA modulus size this card supports: RSA-2048.
const RSAKeySize = 2048

// RSASign is rsa_sign: a raw PKCS#1 v1.5 signature over digestInfo, which
// the caller (openpgpapp) has already validated as one of the known
// DigestInfo prefixes (or a hash the host built itself) — hashed with
// crypto.Hash(0) tells crypto/rsa not to prepend another ASN.1 DigestInfo
// prefix, matching the smartcard convention of the host supplying the
// complete padded value.
func RSASign(priv *rsa.PrivateKey, digestInfo []byte) ([]byte, error) {
	return rsa.SignPKCS1v15(rand.Reader, priv, crypto.Hash(0), digestInfo)
}

// RSADecrypt is rsa_decrypt: PKCS#1 v1.5 decryption of a DECIPHER
// ciphertext, after the caller has stripped the leading 0x00 padding
// indicator byte the command's data field carries.
func RSADecrypt(priv *rsa.PrivateKey, ciphertext []byte) ([]byte, error) {
	return rsa.DecryptPKCS1v15(rand.Reader, priv, ciphertext)
}

// RSAVerify is rsa_verify, used by GET CHALLENGE / EXTERNAL AUTHENTICATE
// to check a host-signed firmware-update challenge against one of the
// registered update public keys.
func RSAVerify(pub *rsa.PublicKey, digestInfo, sig []byte) error {
	return rsa.VerifyPKCS1v15(pub, crypto.Hash(0), digestInfo, sig)
}

// GenerateRSA is rsa_genkey's key-generation counterpart, implemented
// directly against crypto/rsa since the big-integer arithmetic itself is
// not worth hand-rolling.
func GenerateRSA() (*rsa.PrivateKey, error) {
	return rsa.GenerateKey(rand.Reader, RSAKeySize)
}

// RSAFromComponents rebuilds a usable *rsa.PrivateKey from the
// E(4)||P(n/2)||Q(n/2) import format used for key import (PUT DATA
// 3FFF), deriving the private exponent D from P, Q and E rather than
// accepting it from the host — exactly what a card that receives only
// the prime factors during GENERATE ASYMMETRIC KEY PAIR import must do.
func RSAFromComponents(e uint32, p, q []byte) (*rsa.PrivateKey, error) {
	if e == 0 {
		return nil, errors.New("cryptoprov: RSA public exponent is zero")
	}

	pBig := new(big.Int).SetBytes(p)
	qBig := new(big.Int).SetBytes(q)

	pMinus1 := new(big.Int).Sub(pBig, big.NewInt(1))
	qMinus1 := new(big.Int).Sub(qBig, big.NewInt(1))
	phi := new(big.Int).Mul(pMinus1, qMinus1)

	eBig := big.NewInt(int64(e))
	d := new(big.Int).ModInverse(eBig, phi)
	if d == nil {
		return nil, errors.New("cryptoprov: RSA exponent has no inverse mod phi(n)")
	}

	priv := &rsa.PrivateKey{
		PublicKey: rsa.PublicKey{N: new(big.Int).Mul(pBig, qBig), E: int(e)},
		D:         d,
		Primes:    []*big.Int{pBig, qBig},
	}
	priv.Precompute()

	if err := priv.Validate(); err != nil {
		return nil, err
	}
	return priv, nil
}
