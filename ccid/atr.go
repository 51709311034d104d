package ccid

// atrPrefix is the fixed 10-byte TS/T0/interface-byte prefix this card
// always answers reset with: "3B DA 11 FF 81 B1 FE 55 1F 03".
var atrPrefix = [10]byte{0x3b, 0xda, 0x11, 0xff, 0x81, 0xb1, 0xfe, 0x55, 0x1f, 0x03}

// atrHistorical is the 10 historical bytes: category indicator 0x00, DF
// full-name tag 3180, card capabilities 73800180, status info 009000.
// The trailing 0x00 is overwritten with the TCK checksum byte by ATR() —
// this keeps the emitted ATR at a fixed 20 bytes, rather than appending a
// 21st TCK byte as plain ISO 7816-3 would.
var atrHistorical = [10]byte{
	0x00,
	0x31, 0x80,
	0x73, 0x80, 0x01, 0x80,
	0x00, 0x90, 0x00,
}

// ATR returns the 20-byte Answer To Reset emitted on IccPowerOn.
func ATR() []byte {
	out := make([]byte, 0, 20)
	out = append(out, atrPrefix[:]...)
	out = append(out, atrHistorical[:]...)

	var tck byte
	for _, b := range out[1 : len(out)-1] {
		tck ^= b
	}
	out[len(out)-1] = tck

	return out
}
