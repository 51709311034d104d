package dostore

// appendTag writes tag in BER-TLV form: one byte if tag < 0x0100, else
// two bytes big-endian (the OpenPGP card tag space never needs a 3+ byte
// BER tag).
func appendTag(buf []byte, tag uint16) []byte {
	if tag < 0x0100 {
		return append(buf, byte(tag))
	}
	return append(buf, byte(tag>>8), byte(tag))
}

// appendLength writes a BER-TLV length: short form under 128, 0x81 LL for
// 128..255, 0x82 LL LL (big-endian) beyond that.
func appendLength(buf []byte, n int) []byte {
	switch {
	case n < 0x80:
		return append(buf, byte(n))
	case n <= 0xff:
		return append(buf, 0x81, byte(n))
	default:
		return append(buf, 0x82, byte(n>>8), byte(n))
	}
}

// wrap prefixes value with its tag/length header.
func wrap(tag uint16, value []byte) []byte {
	buf := appendTag(nil, tag)
	buf = appendLength(buf, len(value))
	return append(buf, value...)
}
