// Package cryptoprov implements the card's cryptographic operations:
// RSA/ECDSA/EdDSA/ECDH for PSO and INTERNAL AUTHENTICATE, and the
// data-encryption-key (DEK) wrapping scheme that protects private key
// material at rest in flash.
//
// Grounded on openpgp-do.c's encrypt_dek /
// decrypt_dek / encrypt / decrypt / compute_key_data_checksum. AES-ECB
// and AES-CFB have no practical third-party replacement worth pulling in
// over the standard library, so crypto/aes and crypto/cipher are used
// directly here.
package cryptoprov

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/subtle"
	"encoding/binary"
	"errors"
)

// DEKSize and IVSize match DATA_ENCRYPTION_KEY_SIZE / INITIAL_VECTOR_SIZE:
// a 128-bit AES key and a 128-bit CFB IV.
const (
	DEKSize = 16
	IVSize  = 16
)

var (
	// ErrChecksum is returned when a decrypted key body's fold checksum
	// does not match, indicating the wrong PIN (wrong DEK unwrap) or
	// corrupt flash content.
	ErrChecksum = errors.New("cryptoprov: key data checksum mismatch")
)

// foldChecksum is compute_key_data_checksum's "store" direction: XOR every
// 4-byte word of data into one of four uint32 accumulators, then lay them
// out little-endian. data's length must be a multiple of 4.
func foldChecksum(data []byte) [DEKSize]byte {
	var d [4]uint32
	for i := 0; i+4 <= len(data); i += 4 {
		d[(i/4)&3] ^= binary.LittleEndian.Uint32(data[i : i+4])
	}

	var out [DEKSize]byte
	for i, v := range d {
		binary.LittleEndian.PutUint32(out[i*4:i*4+4], v)
	}
	return out
}

// WrapDEK is encrypt_dek: an AES-128 ECB encryption of one 16-byte DEK
// block under a PIN-derived keystring. keystring must be at least 16
// bytes (the first 16 bytes of a SHA-1/S2K digest); only the first 16 are
// used as the AES key.
func WrapDEK(keystring []byte, dek [DEKSize]byte) ([DEKSize]byte, error) {
	if len(keystring) < DEKSize {
		return [DEKSize]byte{}, errors.New("cryptoprov: keystring too short")
	}

	block, err := aes.NewCipher(keystring[:DEKSize])
	if err != nil {
		return [DEKSize]byte{}, err
	}

	var out [DEKSize]byte
	block.Encrypt(out[:], dek[:])
	return out, nil
}

// UnwrapDEK is decrypt_dek, the inverse of WrapDEK.
func UnwrapDEK(keystring []byte, wrapped [DEKSize]byte) ([DEKSize]byte, error) {
	if len(keystring) < DEKSize {
		return [DEKSize]byte{}, errors.New("cryptoprov: keystring too short")
	}

	block, err := aes.NewCipher(keystring[:DEKSize])
	if err != nil {
		return [DEKSize]byte{}, err
	}

	var out [DEKSize]byte
	block.Decrypt(out[:], wrapped[:])
	return out, nil
}

// SealKeyBody is gpg_do_write_prvkey's payload construction: it zero-pads
// body to a multiple of 4 bytes, appends a fold checksum, then AES-128-CFB
// encrypts padded||checksum under dek/iv. The returned slice has length
// len(body) rounded up to a multiple of 4, plus DEKSize.
func SealKeyBody(dek [DEKSize]byte, iv [IVSize]byte, body []byte) ([]byte, error) {
	padded := body
	if rem := len(body) % 4; rem != 0 {
		padded = append(append([]byte{}, body...), make([]byte, 4-rem)...)
	}

	plain := make([]byte, len(padded)+DEKSize)
	copy(plain, padded)
	sum := foldChecksum(padded)
	copy(plain[len(padded):], sum[:])

	block, err := aes.NewCipher(dek[:])
	if err != nil {
		return nil, err
	}

	ivCopy := iv
	stream := cipher.NewCFBEncrypter(block, ivCopy[:])
	out := make([]byte, len(plain))
	stream.XORKeyStream(out, plain)
	return out, nil
}

// OpenKeyBody is gpg_do_load_prvkey's payload recovery: AES-128-CFB
// decrypts ciphertext under dek/iv, then verifies the trailing fold
// checksum, returning the key body (without padding or checksum trailer).
// bodyLen is the caller-known unpadded body length.
func OpenKeyBody(dek [DEKSize]byte, iv [IVSize]byte, ciphertext []byte, bodyLen int) ([]byte, error) {
	if len(ciphertext) < DEKSize {
		return nil, errors.New("cryptoprov: ciphertext shorter than checksum trailer")
	}

	block, err := aes.NewCipher(dek[:])
	if err != nil {
		return nil, err
	}

	ivCopy := iv
	stream := cipher.NewCFBDecrypter(block, ivCopy[:])
	plain := make([]byte, len(ciphertext))
	stream.XORKeyStream(plain, ciphertext)

	padded := plain[:len(plain)-DEKSize]
	trailer := plain[len(plain)-DEKSize:]

	want := foldChecksum(padded)
	if subtle.ConstantTimeCompare(want[:], trailer) != 1 {
		return nil, ErrChecksum
	}

	if bodyLen > len(padded) {
		bodyLen = len(padded)
	}
	return padded[:bodyLen], nil
}
