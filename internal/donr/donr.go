// Package donr assigns the flash pool's internal one-byte record-kind
// space: 1..0x1b for DO tags, plus reserved kinds for counters and
// booleans. Every package that reads or writes the shared flash.Pool —
// ac, dostore, openpgpapp — imports this table instead of hard-coding nr
// bytes, so the namespace stays collision-free across packages.
//
// Grounded on the do_ptr / NR_DO_* enumeration in
// gnuk.h; values 0x80 and above are left to
// flash.Pool's own structural markers (NRCounterDS, NRBoolBase,
// NRCounter123, NREmpty).
package donr

const (
	_ uint8 = iota // 0 reserved: flash.NRNone

	LoginData
	URL
	Name
	Sex
	Lang
	CardholderCert
	PWStatus

	KeystringPW1
	KeystringRC
	KeystringPW3

	PrvkeySig
	PrvkeyDec
	PrvkeyAut

	FingerprintSig
	FingerprintDec
	FingerprintAut

	CAFingerprint1
	CAFingerprint2
	CAFingerprint3

	KeygenSig
	KeygenDec
	KeygenAut

	AlgAttrSig
	AlgAttrDec
	AlgAttrAut

	DSCounter
	PW1Lifetime

	Last // one past the highest assigned nr; must stay below 0x80.
)
