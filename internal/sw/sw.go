// Package sw names the ISO 7816-4 status words this card returns, so
// dostore, apdu, and openpgpapp share one vocabulary instead of scattering
// magic uint16s.
package sw

type Word uint16

const (
	Success                 Word = 0x9000
	WrongLength             Word = 0x6700
	SecurityFailure         Word = 0x6982
	AuthenticationBlocked   Word = 0x6983
	ConditionNotSatisfied   Word = 0x6985
	IncorrectParameters     Word = 0x6a80
	FileNotFound            Word = 0x6a82
	RecordNotFound          Word = 0x6a88
	WrongParametersP1P2     Word = 0x6b00
	InstructionNotSupported Word = 0x6d00
	ClassNotSupported       Word = 0x6e00
	FunctionNotSupported    Word = 0x6a81
	MemoryFailure           Word = 0x6581
)

// GetResponseRemaining encodes "61 xx": xx bytes of response remain
// retrievable via GET RESPONSE (0 meaning 256 or more).
func GetResponseRemaining(n int) Word {
	if n > 0xff {
		n = 0
	}
	return Word(0x6100 | n)
}

// PINFailed encodes "63 cX": a failed PIN verification with X retries
// remaining (0 meaning the PIN is now locked).
func PINFailed(retriesLeft int) Word {
	if retriesLeft < 0 {
		retriesLeft = 0
	}
	if retriesLeft > 0xf {
		retriesLeft = 0xf
	}
	return Word(0x63c0 | retriesLeft)
}

// Bytes returns the big-endian SW1SW2 encoding appended to a response APDU.
func (w Word) Bytes() [2]byte {
	return [2]byte{byte(w >> 8), byte(w)}
}
