package openpgpapp

import "errors"

// BER-TLV tag numbers used by the GENERATE ASYMMETRIC KEY PAIR / PUT
// DATA(3FFF) extended header list: outer 4D, body tag B6/B8/A4 selecting
// role, then 7F48 specifying component lengths and 5F48 carrying the
// components.
const (
	tagExtendedHeaderList = 0x4d
	tagCRTSig             = 0xb6
	tagCRTDec             = 0xb8
	tagCRTAut             = 0xa4
	tagPrivKeyTemplate    = 0x7f48
	tagPrivKeyData        = 0x5f48
	tagPubKeyTemplate     = 0x7f49
	tagPubKeyModulus      = 0x81
	tagPubKeyExponent     = 0x82
	tagPubKeyPoint        = 0x86
)

var errBERMalformed = errors.New("openpgpapp: malformed BER-TLV data")

// tlv is one decoded tag/value pair. Multi-byte tags (7F48, 5F48, 7F49)
// are folded into a single uint32 the way the pack's other BER readers
// do, rather than keeping the raw class/constructed/number bitfields —
// this card only ever needs to compare against the fixed set above.
type tlv struct {
	tag   uint32
	value []byte
}

// readTag decodes one BER tag field: the low 5 bits of the first byte
// being all set signals a multi-byte tag, continued while the
// high bit of each following byte is set (ISO 7816-4 / X.690 §8.1.2).
func readTag(b []byte) (tag uint32, n int, err error) {
	if len(b) == 0 {
		return 0, 0, errBERMalformed
	}

	tag = uint32(b[0])
	n = 1

	if b[0]&0x1f != 0x1f {
		return tag, n, nil
	}

	for n < len(b) {
		tag = tag<<8 | uint32(b[n])
		cont := b[n]&0x80 != 0
		n++
		if !cont {
			return tag, n, nil
		}
	}

	return 0, 0, errBERMalformed
}

// readLength decodes a BER length field: short form (0..0x7f), or long
// form 0x81/0x82 (one/two following length-octets) — the only forms this
// card's key-import payloads ever use.
func readLength(b []byte) (length int, n int, err error) {
	if len(b) == 0 {
		return 0, 0, errBERMalformed
	}

	first := b[0]
	if first&0x80 == 0 {
		return int(first), 1, nil
	}

	nbytes := int(first &^ 0x80)
	if nbytes == 0 || nbytes > 2 || len(b) < 1+nbytes {
		return 0, 0, errBERMalformed
	}

	length = 0
	for i := 0; i < nbytes; i++ {
		length = length<<8 | int(b[1+i])
	}
	return length, 1 + nbytes, nil
}

// parseTLVs walks one level of BER-TLV data, returning every top-level
// tag/value pair in order.
func parseTLVs(b []byte) ([]tlv, error) {
	var out []tlv

	for len(b) > 0 {
		tag, tn, err := readTag(b)
		if err != nil {
			return nil, err
		}
		b = b[tn:]

		length, ln, err := readLength(b)
		if err != nil {
			return nil, err
		}
		b = b[ln:]

		if length > len(b) {
			return nil, errBERMalformed
		}

		out = append(out, tlv{tag: tag, value: b[:length]})
		b = b[length:]
	}

	return out, nil
}

// find returns the first entry in nodes tagged t, if any.
func find(nodes []tlv, t uint32) (tlv, bool) {
	for _, n := range nodes {
		if n.tag == t {
			return n, true
		}
	}
	return tlv{}, false
}

// componentLengths parses a 7F48 private-key template's body: a bare
// sequence of tag/length pairs carrying no values of their own (the
// matching values are concatenated, in the same order, inside 5F48).
func componentLengths(b []byte) ([]int, error) {
	var lens []int

	for len(b) > 0 {
		_, tn, err := readTag(b)
		if err != nil {
			return nil, err
		}
		b = b[tn:]

		length, ln, err := readLength(b)
		if err != nil {
			return nil, err
		}
		b = b[ln:]

		lens = append(lens, length)
	}

	return lens, nil
}

// splitComponents slices data into the lengths componentLengths decoded,
// in order.
func splitComponents(data []byte, lens []int) ([][]byte, error) {
	out := make([][]byte, len(lens))
	for i, l := range lens {
		if l > len(data) {
			return nil, errBERMalformed
		}
		out[i] = data[:l]
		data = data[l:]
	}
	return out, nil
}

// roleFromCRT maps the extended header list's control reference template
// tag to a key role.
func roleFromCRT(tag uint32) (Role, bool) {
	switch tag {
	case tagCRTSig:
		return RoleSigning, true
	case tagCRTDec:
		return RoleDecryption, true
	case tagCRTAut:
		return RoleAuthentication, true
	default:
		return 0, false
	}
}

// decodeKeyImport parses a full PUT DATA(3FFF) extended header list body
// and returns the selected role and its raw key components, in the
// order 7F48 declared them (E,P,Q for RSA; the single scalar for ECC
// families).
func decodeKeyImport(data []byte) (role Role, components [][]byte, err error) {
	outer, err := parseTLVs(data)
	if err != nil {
		return 0, nil, err
	}
	env, ok := find(outer, tagExtendedHeaderList)
	if !ok {
		return 0, nil, errBERMalformed
	}

	inner, err := parseTLVs(env.value)
	if err != nil {
		return 0, nil, err
	}

	var crtTag uint32
	for _, n := range inner {
		if _, ok := roleFromCRT(n.tag); ok {
			crtTag = n.tag
			break
		}
	}
	role, ok = roleFromCRT(crtTag)
	if !ok {
		return 0, nil, errBERMalformed
	}

	tmpl, ok := find(inner, tagPrivKeyTemplate)
	if !ok {
		return 0, nil, errBERMalformed
	}
	keyData, ok := find(inner, tagPrivKeyData)
	if !ok {
		return 0, nil, errBERMalformed
	}

	lens, err := componentLengths(tmpl.value)
	if err != nil {
		return 0, nil, err
	}

	components, err = splitComponents(keyData.value, lens)
	if err != nil {
		return 0, nil, err
	}

	return role, components, nil
}

// appendTLV serializes one tag/value pair using the minimal BER length
// form (short form below 128, 0x81 form otherwise — this card's public
// key templates never approach the 0x82 threshold).
func appendTLV(out []byte, tag uint32, value []byte) []byte {
	if tag > 0xff {
		out = append(out, byte(tag>>8), byte(tag))
	} else {
		out = append(out, byte(tag))
	}

	switch {
	case len(value) < 0x80:
		out = append(out, byte(len(value)))
	case len(value) <= 0xff:
		out = append(out, 0x81, byte(len(value)))
	default:
		out = append(out, 0x82, byte(len(value)>>8), byte(len(value)))
	}

	return append(out, value...)
}

// buildPubKeyTemplate renders the 7F49 public-key template GENERATE
// ASYMMETRIC KEY PAIR returns: modulus+exponent for RSA, a single
// uncompressed/raw point otherwise.
func buildPubKeyTemplate(alg algID, pub []byte) []byte {
	var body []byte

	if alg == algRSA2048 {
		e, n := pub[:4], pub[4:]
		body = appendTLV(body, tagPubKeyModulus, n)
		body = appendTLV(body, tagPubKeyExponent, e)
	} else {
		body = appendTLV(body, tagPubKeyPoint, pub)
	}

	return appendTLV(nil, tagPubKeyTemplate, body)
}
