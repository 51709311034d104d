package ac

import "crypto/sha256"

// s2kCount is S2KCOUNT from openpgp.c: the
// fixed iteration byte count. The comment there explains the rationale
// directly — flash is harder to brute-force offline than disk, so a
// value far below GnuPG's usual 65536 is an acceptable trade.
const s2kCount = 192

// SaltSize and DigestSize match the openpgp.c s2k() function: an 8-byte
// salt and a 32-byte SHA-256 digest (only the first 16 bytes of which
// cryptoprov.WrapDEK actually consumes as an AES-128 key).
const (
	SaltSize   = 8
	DigestSize = sha256.Size
)

// s2k is openpgp.c's s2k(): salt and input are concatenated and repeated
// (salt first each round) until exactly s2kCount bytes have been hashed,
// then SHA-256 finalized. Unlike RFC 4880's salted-iterated S2K this
// fixes the byte count rather than deriving it from a coded "count"
// octet, a deliberate on-card simplification.
func s2k(salt []byte, input []byte) [DigestSize]byte {
	h := sha256.New()

	remaining := s2kCount
	for remaining > len(salt)+len(input) {
		if len(salt) > 0 {
			h.Write(salt)
		}
		h.Write(input)
		remaining -= len(salt) + len(input)
	}

	if remaining <= len(salt) {
		h.Write(salt[:remaining])
	} else {
		h.Write(salt)
		h.Write(input[:remaining-len(salt)])
	}

	var out [DigestSize]byte
	copy(out[:], h.Sum(nil))
	return out
}
